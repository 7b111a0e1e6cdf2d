package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/SmitUplenchwar2687/bastion/internal/blocklist"
	"github.com/SmitUplenchwar2687/bastion/internal/ratelimit"
)

type actorKey struct{}

// authenticate resolves the bearer token to an Actor. Privilege checks are
// left to ratelimit.Admin so every entry point enforces the same rules.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="bastion"`)
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing bearer token"})
			return
		}
		actor, ok := s.lookupToken(strings.TrimSpace(token))
		if !ok {
			hlog.FromRequest(r).Warn().Str("path", r.URL.Path).Msg("admin request with unknown token")
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid bearer token"})
			return
		}
		ctx := context.WithValue(r.Context(), actorKey{}, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAPIToken admits /api callers presenting the service token.
func (s *Server) requireAPIToken(next http.Handler) http.Handler {
	want := []byte(s.cfg.APIToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="bastion-api"`)
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid service token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// lookupToken compares against every configured token in constant time.
func (s *Server) lookupToken(token string) (ratelimit.Actor, bool) {
	var (
		found ratelimit.Actor
		ok    bool
	)
	for candidate, actor := range s.cfg.Tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			found, ok = actor, true
		}
	}
	return found, ok
}

func actorFrom(r *http.Request) ratelimit.Actor {
	actor, _ := r.Context().Value(actorKey{}).(ratelimit.Actor)
	return actor
}

func (s *Server) handleLimiters(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.Authorize(r.Context(), actorFrom(r), ratelimit.OpListLimiters); err != nil {
		writeError(w, err)
		return
	}
	type limiterInfo struct {
		Name        string `json:"name"`
		Algorithm   string `json:"algorithm"`
		Window      string `json:"window"`
		MaxAttempts int    `json:"maxAttempts"`
		FailClosed  bool   `json:"failClosed"`
	}
	var out []limiterInfo
	for _, name := range s.svc.Limiters() {
		cfg, ok := s.svc.Config(name)
		if !ok {
			continue
		}
		out = append(out, limiterInfo{
			Name:        cfg.Name,
			Algorithm:   string(cfg.Algorithm),
			Window:      cfg.Window.String(),
			MaxAttempts: cfg.MaxAttempts,
			FailClosed:  cfg.FailClosed,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.admin.Statistics(r.Context(), actorFrom(r), chi.URLParam(r, "limiter"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type resetRequest struct {
	// Identifier empty resets the whole limiter.
	Identifier string `json:"identifier"`
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "limiter")
	var body resetRequest
	if err := decodeOptional(w, r, &body); err != nil {
		writeError(w, err)
		return
	}

	actor := actorFrom(r)
	if body.Identifier != "" {
		if err := s.admin.ResetIdentifier(r.Context(), actor, name, body.Identifier); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"reset": 1})
		return
	}
	n, err := s.admin.ResetAll(r.Context(), actor, name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reset": n})
}

type entryRequest struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
	// TTL is a Go duration string; empty means permanent.
	TTL string `json:"ttl"`
}

func (e entryRequest) ttl() (time.Duration, error) {
	if e.TTL == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(e.TTL)
	if err != nil {
		return 0, badRequest{err: fmt.Errorf("ttl: %w", err)}
	}
	if d < 0 {
		return 0, badRequest{err: fmt.Errorf("ttl must not be negative, got %s", d)}
	}
	return d, nil
}

func (s *Server) handleBlockList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.admin.BlockList(r.Context(), actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	s.putEntry(w, r, s.admin.Block)
}

func (s *Server) handleAllow(w http.ResponseWriter, r *http.Request) {
	s.putEntry(w, r, s.admin.Allow)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	s.removeEntry(w, r, s.admin.Unblock)
}

func (s *Server) handleDisallow(w http.ResponseWriter, r *http.Request) {
	s.removeEntry(w, r, s.admin.Disallow)
}

type putFunc func(ctx context.Context, actor ratelimit.Actor, key, reason string, ttl time.Duration) (blocklist.Entry, error)

func (s *Server) putEntry(w http.ResponseWriter, r *http.Request, put putFunc) {
	var body entryRequest
	if err := decodeOptional(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	ttl, err := body.ttl()
	if err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(body.Key) == "" {
		writeError(w, badRequest{err: fmt.Errorf("key is required")})
		return
	}
	e, err := put(r.Context(), actorFrom(r), body.Key, body.Reason, ttl)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) removeEntry(w http.ResponseWriter, r *http.Request, remove func(context.Context, ratelimit.Actor, string) (bool, error)) {
	var body entryRequest
	if err := decodeOptional(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(body.Key) == "" {
		writeError(w, badRequest{err: fmt.Errorf("key is required")})
		return
	}
	removed, err := remove(r.Context(), actorFrom(r), body.Key)
	if err != nil {
		writeError(w, err)
		return
	}
	if !removed {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no such entry"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

func (s *Server) handleEmergencyState(w http.ResponseWriter, r *http.Request) {
	st, err := s.admin.EmergencyState(r.Context(), actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type emergencyRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleEnableEmergency(w http.ResponseWriter, r *http.Request) {
	var body emergencyRequest
	if err := decodeOptional(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Reason == "" {
		body.Reason = "enabled by " + actorFrom(r).Name
	}
	st, err := s.admin.EnableEmergency(r.Context(), actorFrom(r), body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDisableEmergency(w http.ResponseWriter, r *http.Request) {
	st, err := s.admin.DisableEmergency(r.Context(), actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleEvents upgrades to a websocket streaming audit events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.Authorize(r.Context(), actorFrom(r), ratelimit.OpWatchEvents); err != nil {
		writeError(w, err)
		return
	}
	s.hub.HandleWebSocket(w, r)
}
