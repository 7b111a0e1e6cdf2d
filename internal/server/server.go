package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/SmitUplenchwar2687/bastion/internal/clock"
	"github.com/SmitUplenchwar2687/bastion/internal/limiter"
	"github.com/SmitUplenchwar2687/bastion/internal/metrics"
	"github.com/SmitUplenchwar2687/bastion/internal/ratelimit"
	"github.com/SmitUplenchwar2687/bastion/internal/store"
)

// Config holds HTTP settings.
type Config struct {
	Addr string
	// TrustProxyHeaders reads the client address from X-Forwarded-For and
	// X-Real-IP instead of the connection.
	TrustProxyHeaders bool
	// PrincipalHeader carries the account a request acts for.
	PrincipalHeader string
	// Tokens maps admin bearer tokens to the operators holding them.
	Tokens map[string]ratelimit.Actor
	// APIToken, when set, is the bearer token callers of /api must present.
	// Without it the decision endpoints must only be reachable by trusted
	// backends, since /api/success clears a caller's record.
	APIToken string
}

// Options are the collaborators a Server routes to. Service is required.
type Options struct {
	Service  *ratelimit.Service
	Admin    *ratelimit.Admin
	Hub      *Hub
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer

	// Sampler, when set, measures the decision endpoints for the adaptive
	// controller.
	Sampler *LoadSampler
	Clock   clock.Clock
	Logger  zerolog.Logger
}

// Server is the bastion HTTP server: decision endpoints for callers and the
// admin API for operators.
type Server struct {
	httpServer *http.Server
	router     chi.Router

	cfg     Config
	svc     *ratelimit.Service
	admin   *ratelimit.Admin
	hub     *Hub
	metrics *metrics.Metrics
	gather  prometheus.Gatherer
	sampler *LoadSampler
	clock   clock.Clock
	log     zerolog.Logger
}

// New creates a new bastion server.
func New(cfg Config, opts Options) *Server {
	if cfg.PrincipalHeader == "" {
		cfg.PrincipalHeader = "X-Principal"
	}
	s := &Server{
		cfg:     cfg,
		svc:     opts.Service,
		admin:   opts.Admin,
		hub:     opts.Hub,
		metrics: opts.Metrics,
		gather:  opts.Gatherer,
		sampler: opts.Sampler,
		clock:   clock.Or(opts.Clock),
		log:     opts.Logger.With().Str("component", "server").Logger(),
	}
	if s.admin == nil {
		s.admin = ratelimit.NewAdmin(s.svc, nil)
	}
	if s.hub == nil {
		s.hub = NewHub(opts.Logger)
	}
	if s.gather == nil {
		s.gather = prometheus.DefaultGatherer
	}
	s.routes()
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(accessLog(s.log))
	r.Use(s.metrics.Middleware)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		if s.cfg.APIToken != "" {
			r.Use(s.requireAPIToken)
		}
		if s.sampler != nil {
			r.Use(s.sampler.Middleware)
		}
		r.Post("/check/{limiter}", s.handleCheck)
		r.Post("/success/{limiter}", s.handleSuccess)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/limiters", s.handleLimiters)
		r.Get("/stats/{limiter}", s.handleStats)
		r.Post("/reset/{limiter}", s.handleReset)
		r.Get("/blocklist", s.handleBlockList)
		r.Post("/block", s.handleBlock)
		r.Post("/unblock", s.handleUnblock)
		r.Post("/allow", s.handleAllow)
		r.Post("/disallow", s.handleDisallow)
		r.Get("/emergency", s.handleEmergencyState)
		r.Post("/emergency", s.handleEnableEmergency)
		r.Delete("/emergency", s.handleDisableEmergency)
		r.Get("/events", s.handleEvents)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	})
	s.router = r
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the websocket hub streaming audit events.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":  "bastion",
		"status":   "running",
		"time":     s.clock.Now().Format(time.RFC3339),
		"limiters": s.svc.Limiters(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := s.svc.Adaptive().State()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"mode":   state.Mode,
		"scale":  state.Scale,
	})
}

type checkRequest struct {
	Principal  string `json:"principal"`
	Identifier string `json:"identifier"`
}

// handleCheck decides one attempt. The principal comes from the JSON body or
// the principal header; an explicit identifier bypasses key derivation.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "limiter")
	var body checkRequest
	if err := decodeOptional(w, r, &body); err != nil {
		writeError(w, err)
		return
	}

	var (
		d   limiter.Decision
		err error
	)
	if body.Identifier != "" {
		d, err = s.svc.CheckKey(r.Context(), name, body.Identifier)
	} else {
		d, err = s.svc.Check(r.Context(), s.request(r, name, body.Principal))
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeDecision(w, d, true)
}

// handleSuccess clears the caller's record after a verified success.
func (s *Server) handleSuccess(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "limiter")
	var body checkRequest
	if err := decodeOptional(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.ResetOnSuccess(r.Context(), s.request(r, name, body.Principal)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) request(r *http.Request, name, principal string) ratelimit.Request {
	if principal == "" {
		principal = r.Header.Get(s.cfg.PrincipalHeader)
	}
	return ratelimit.Request{
		SourceIP:  ClientIP(r, s.cfg.TrustProxyHeaders),
		Principal: principal,
		Limiter:   name,
	}
}

// Start begins listening. It blocks until the server is shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.StartOnListener(ln)
}

// StartOnListener begins serving on the provided listener.
// Useful for tests that need to pick an ephemeral port.
func (s *Server) StartOnListener(ln net.Listener) error {
	s.log.Info().Str("addr", ln.Addr().String()).Msg("bastion server listening")
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown disconnects websocket clients and gracefully shuts down the
// server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the package sentinels onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var bad badRequest
	switch {
	case errors.As(err, &bad):
		code = http.StatusBadRequest
	case errors.Is(err, ratelimit.ErrUnknownLimiter):
		code = http.StatusNotFound
	case errors.Is(err, ratelimit.ErrAdminDenied):
		code = http.StatusForbidden
	case errors.Is(err, ratelimit.ErrInvalidConfig):
		code = http.StatusBadRequest
	case errors.Is(err, store.ErrUnavailable):
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

// badRequest marks errors caused by the request body.
type badRequest struct{ err error }

func (e badRequest) Error() string { return e.err.Error() }
func (e badRequest) Unwrap() error { return e.err }

// decodeOptional decodes a JSON body into v. An empty body leaves v unchanged.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return badRequest{err: err}
	}
	return nil
}
