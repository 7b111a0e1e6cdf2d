package server

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/SmitUplenchwar2687/bastion/internal/adaptive"
	"github.com/SmitUplenchwar2687/bastion/internal/clock"
)

// LoadSampler measures the traffic it wraps and turns it into adaptive
// samples: the share of 5xx responses, mean latency and request rate over
// each interval.
type LoadSampler struct {
	clock clock.Clock

	requests atomic.Int64
	errors   atomic.Int64
	latency  atomic.Int64 // nanoseconds
}

// NewLoadSampler creates a sampler reading time from c.
func NewLoadSampler(c clock.Clock) *LoadSampler {
	return &LoadSampler{clock: clock.Or(c)}
}

// Middleware counts every request passing through next.
func (l *LoadSampler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := l.clock.Now()
		rec := &codeRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		l.requests.Add(1)
		l.latency.Add(int64(l.clock.Since(start)))
		if rec.code >= http.StatusInternalServerError {
			l.errors.Add(1)
		}
	})
}

// Sample drains the counters accumulated over elapsed.
func (l *LoadSampler) Sample(elapsed time.Duration) adaptive.Sample {
	n := l.requests.Swap(0)
	errs := l.errors.Swap(0)
	lat := l.latency.Swap(0)
	if n == 0 {
		return adaptive.Sample{}
	}
	s := adaptive.Sample{
		ErrorRate:       float64(errs) / float64(n),
		AvgResponseTime: time.Duration(lat / n),
	}
	if elapsed > 0 {
		s.RequestsPerSecond = float64(n) / elapsed.Seconds()
	}
	return s
}

// Run sends a sample every interval until ctx is done, then closes out.
func (l *LoadSampler) Run(ctx context.Context, interval time.Duration, out chan<- adaptive.Sample) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.clock.After(interval):
		}
		select {
		case out <- l.Sample(interval):
		case <-ctx.Done():
			return
		}
	}
}

type codeRecorder struct {
	http.ResponseWriter
	code int
}

func (w *codeRecorder) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *codeRecorder) Write(b []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}
