package server

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/SmitUplenchwar2687/bastion/internal/limiter"
	"github.com/SmitUplenchwar2687/bastion/internal/ratelimit"
)

// accessLog attaches a request-scoped logger and writes one line per request.
func accessLog(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return hlog.NewHandler(log)(
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("remote", r.RemoteAddr).
					Int("status", status).
					Int("size", size).
					Dur("dur", duration).
					Msg("req")
			})(
				hlog.UserAgentHandler("ua")(
					hlog.RequestIDHandler("req_id", "X-Request-ID")(next),
				),
			),
		)
	}
}

// ClientIP returns the caller's address. With trustProxy set, the first
// X-Forwarded-For hop or X-Real-IP wins over the connection address.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			return ratelimit.NormalizeIP(first)
		}
		if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
			return ratelimit.NormalizeIP(xr)
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return ratelimit.NormalizeIP(r.RemoteAddr)
	}
	return ratelimit.NormalizeIP(host)
}

// MiddlewareConfig configures RateLimit.
type MiddlewareConfig struct {
	// Limiter names the registered limiter to check.
	Limiter           string
	TrustProxyHeaders bool
	// Principal extracts the account a request acts for. Nil counts by
	// address only.
	Principal func(*http.Request) string
}

// RateLimit checks every request against one limiter and answers 429 when
// it is denied. Allowed requests carry the rate limit headers through to
// next.
func RateLimit(svc *ratelimit.Service, cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := ratelimit.Request{
				SourceIP: ClientIP(r, cfg.TrustProxyHeaders),
				Limiter:  cfg.Limiter,
			}
			if cfg.Principal != nil {
				req.Principal = cfg.Principal(r)
			}

			d, err := svc.Check(r.Context(), req)
			if err != nil {
				hlog.FromRequest(r).Error().Err(err).Str("limiter", cfg.Limiter).Msg("rate limit check failed")
				writeError(w, err)
				return
			}
			if !d.Allowed {
				writeDecision(w, d, false)
				return
			}
			setRateLimitHeaders(w, d)
			next.ServeHTTP(w, r)
		})
	}
}

// deniedBody is the 429 payload. It leaves out attempt counts so a caller
// cannot tell a block list denial from an exhausted limit.
type deniedBody struct {
	Error        string `json:"error"`
	Remaining    int    `json:"remaining"`
	RetryAfterMs int64  `json:"retryAfterMs"`
	Limit        int    `json:"limit"`
}

func setRateLimitHeaders(w http.ResponseWriter, d limiter.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(d.Remaining, 0)))
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.FormatInt(retrySeconds(d.RetryAfter), 10))
	}
}

// writeDecision writes d with its headers. Allowed decisions are written in
// full only when full is set; denials always get the 429 body.
func writeDecision(w http.ResponseWriter, d limiter.Decision, full bool) {
	setRateLimitHeaders(w, d)
	if !d.Allowed {
		writeJSON(w, http.StatusTooManyRequests, deniedBody{
			Error:        "rate limit exceeded",
			Remaining:    0,
			RetryAfterMs: int64((d.RetryAfter + time.Millisecond - 1) / time.Millisecond),
			Limit:        d.Limit,
		})
		return
	}
	if full {
		writeJSON(w, http.StatusOK, d)
	}
}

// retrySeconds rounds up so clients never retry early.
func retrySeconds(d time.Duration) int64 {
	s := int64((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
