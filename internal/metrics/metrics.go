// Package metrics exposes Prometheus collectors for the limiter.
//
// Every method is safe on a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for DecisionsTotal.
const (
	OutcomeAllowed    = "allowed"
	OutcomeDenied     = "denied"
	OutcomeBlocked    = "blocklisted"
	OutcomeBypassed   = "allowlisted"
	OutcomeFailOpen   = "fail_open"
	OutcomeFailClosed = "fail_closed"
)

type Metrics struct {
	DecisionsTotal  *prometheus.CounterVec
	StoreErrors     *prometheus.CounterVec
	Escalations     *prometheus.CounterVec
	ScaleFactor     prometheus.Gauge
	EmergencyMode   prometheus.Gauge
	AuditDropped    prometheus.Counter
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_decisions_total",
				Help: "Rate limit decisions by limiter and outcome",
			},
			[]string{"limiter", "outcome"},
		),
		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_store_errors_total",
				Help: "Counter store failures absorbed by the fail policy",
			},
			[]string{"limiter"},
		),
		Escalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_escalations_total",
				Help: "Identifiers moved to the deny list after repeated denials",
			},
			[]string{"limiter"},
		),
		ScaleFactor: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bastion_scale_factor",
			Help: "Current adaptive scale factor applied to every limit",
		}),
		EmergencyMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bastion_emergency_mode",
			Help: "1 while emergency mode is active",
		}),
		AuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bastion_audit_dropped_total",
			Help: "Audit events dropped because the queue was full",
		}),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_http_requests_total",
				Help: "HTTP requests served",
			},
			[]string{"route", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bastion_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
	}
	m.ScaleFactor.Set(1)

	reg.MustRegister(
		m.DecisionsTotal, m.StoreErrors, m.Escalations,
		m.ScaleFactor, m.EmergencyMode, m.AuditDropped,
		m.RequestsTotal, m.RequestDuration,
	)
	return m
}

func (m *Metrics) Decision(limiter, outcome string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(limiter, outcome).Inc()
}

func (m *Metrics) StoreError(limiter string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(limiter).Inc()
}

func (m *Metrics) Escalation(limiter string) {
	if m == nil {
		return
	}
	m.Escalations.WithLabelValues(limiter).Inc()
}

// Adaptive records the controller's published state.
func (m *Metrics) Adaptive(scale float64, emergency bool) {
	if m == nil {
		return
	}
	m.ScaleFactor.Set(scale)
	if emergency {
		m.EmergencyMode.Set(1)
	} else {
		m.EmergencyMode.Set(0)
	}
}

func (m *Metrics) AuditDrop() {
	if m == nil {
		return
	}
	m.AuditDropped.Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Middleware records per-request metrics labelled with the chi route
// pattern, so path parameters do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r)

		route := "unknown"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		code := rec.status
		if code == 0 {
			code = http.StatusOK
		}

		m.RequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		m.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(code)).Inc()
	})
}
