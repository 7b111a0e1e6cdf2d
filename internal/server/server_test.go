package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/SmitUplenchwar2687/bastion/internal/adaptive"
	"github.com/SmitUplenchwar2687/bastion/internal/audit"
	"github.com/SmitUplenchwar2687/bastion/internal/clock"
	"github.com/SmitUplenchwar2687/bastion/internal/limiter"
	"github.com/SmitUplenchwar2687/bastion/internal/metrics"
	"github.com/SmitUplenchwar2687/bastion/internal/ratelimit"
	"github.com/SmitUplenchwar2687/bastion/internal/store"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	adminToken = "admin-token"
	readToken  = "read-token"
)

type testEnv struct {
	srv   *Server
	svc   *ratelimit.Service
	url   string
	clock *clock.Virtual
	rec   *audit.Recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	vc := clock.NewVirtual(epoch)
	st, err := store.NewMemoryStore(&store.MemoryConfig{Clock: vc, CleanupInterval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}

	hub := NewHub(zerolog.Nop())
	rec := audit.NewRecorder(nil)
	disp := audit.NewDispatcher(audit.DispatcherConfig{}, zerolog.Nop(), rec, hub)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	svc, err := ratelimit.New(ratelimit.Options{Store: st, Audit: disp, Metrics: m, Clock: vc, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	for _, cfg := range []ratelimit.Config{
		{Name: "login", Algorithm: limiter.AlgorithmFixedWindow, Window: 15 * time.Minute, MaxAttempts: 3},
		{Name: "api", Algorithm: limiter.AlgorithmTokenBucket, Window: time.Minute, MaxAttempts: 2, KeyFunc: ratelimit.IPKey},
	} {
		if err := svc.Register(cfg); err != nil {
			t.Fatal(err)
		}
	}

	srv := New(Config{
		Tokens: map[string]ratelimit.Actor{
			adminToken: {Name: "ops", Privilege: ratelimit.PrivilegeAdmin},
			readToken:  {Name: "viewer", Privilege: ratelimit.PrivilegeRead},
		},
	}, Options{Service: svc, Hub: hub, Metrics: m, Gatherer: reg, Clock: vc, Logger: zerolog.Nop()})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		hub.Close()
		_ = disp.Close()
		_ = st.Close()
	})
	return &testEnv{srv: srv, svc: svc, url: ts.URL, clock: vc, rec: rec}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any, header http.Header) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.url+path, r)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func principal(name string) http.Header {
	return http.Header{"X-Principal": {name}}
}

func TestServer_Root(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/", "", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Service  string   `json:"service"`
		Limiters []string `json:"limiters"`
	}
	decode(t, resp, &body)
	if body.Service != "bastion" {
		t.Errorf("service = %q, want bastion", body.Service)
	}
	if strings.Join(body.Limiters, ",") != "api,login" {
		t.Errorf("limiters = %v, want [api login]", body.Limiters)
	}
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/health", "", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	decode(t, resp, &body)
	if body["mode"] != string(adaptive.ModeNormal) {
		t.Errorf("mode = %v, want normal", body["mode"])
	}
}

func TestServer_NotFound(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/nonexistent", "", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestServer_Check_Allowed(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/check/login", "", nil, principal("alice"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var d limiter.Decision
	decode(t, resp, &d)
	if !d.Allowed || d.Remaining != 2 || d.TotalAttempts != 1 {
		t.Errorf("decision = %+v, want allowed with 2 remaining", d)
	}
	if got := resp.Header.Get("X-RateLimit-Limit"); got != "3" {
		t.Errorf("X-RateLimit-Limit = %q, want 3", got)
	}
	if got := resp.Header.Get("X-RateLimit-Remaining"); got != "2" {
		t.Errorf("X-RateLimit-Remaining = %q, want 2", got)
	}
	if resp.Header.Get("Retry-After") != "" {
		t.Error("allowed responses should not carry Retry-After")
	}
}

func TestServer_Check_Denied(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.do(t, http.MethodPost, "/api/check/login", "", nil, principal("alice"))
	}
	env.clock.Advance(time.Minute)

	resp := env.do(t, http.MethodPost, "/api/check/login", "", nil, principal("alice"))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "840" {
		t.Errorf("Retry-After = %q, want 840", got)
	}
	if got := resp.Header.Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}

	var body map[string]any
	decode(t, resp, &body)
	if body["error"] != "rate limit exceeded" || body["retryAfterMs"] != float64(840000) {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["totalAttempts"]; ok {
		t.Error("denial body should not expose attempt counts")
	}

	// Another principal from the same address has its own budget.
	resp = env.do(t, http.MethodPost, "/api/check/login", "", nil, principal("bob"))
	if resp.StatusCode != http.StatusOK {
		t.Errorf("bob status = %d, want 200", resp.StatusCode)
	}
}

func TestServer_Check_BodyPrincipalAndIdentifier(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/check/login", "", checkRequest{Principal: "Alice"}, nil)
	var d limiter.Decision
	decode(t, resp, &d)
	if d.TotalAttempts != 1 {
		t.Fatalf("first attempt = %+v", d)
	}

	// The same caller named by identifier shares the record.
	resp = env.do(t, http.MethodPost, "/api/check/login", "", checkRequest{Identifier: "127.0.0.1|alice"}, nil)
	decode(t, resp, &d)
	if d.TotalAttempts != 2 {
		t.Errorf("identifier check should share the record, got %+v", d)
	}
}

func TestServer_Check_Errors(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/check/missing", "", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown limiter status = %d, want 404", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, env.url+"/api/check/login", strings.NewReader("{not json"))
	bad, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", bad.StatusCode)
	}

	resp = env.do(t, http.MethodGet, "/api/check/login", "", nil, nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", resp.StatusCode)
	}
}

func TestServer_SuccessResetsRecord(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 4; i++ {
		env.do(t, http.MethodPost, "/api/check/login", "", nil, principal("alice"))
	}

	resp := env.do(t, http.MethodPost, "/api/success/login", "", nil, principal("alice"))
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/api/check/login", "", nil, principal("alice"))
	var d limiter.Decision
	decode(t, resp, &d)
	if !d.Allowed || d.Remaining != 2 {
		t.Errorf("after success = %+v, want a fresh budget", d)
	}
}

func TestServer_APITokenGuardsDecisionEndpoints(t *testing.T) {
	env := newTestEnv(t)
	srv := New(Config{APIToken: "svc-token"}, Options{Service: env.svc, Clock: env.clock, Logger: zerolog.Nop()})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	guarded := *env
	guarded.url = ts.URL

	for i := 0; i < 4; i++ {
		guarded.do(t, http.MethodPost, "/api/check/login", "svc-token", nil, principal("alice"))
	}

	for _, token := range []string{"", "wrong", adminToken} {
		resp := guarded.do(t, http.MethodPost, "/api/success/login", token, nil, principal("alice"))
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("success with token %q status = %d, want 401", token, resp.StatusCode)
		}
		resp = guarded.do(t, http.MethodPost, "/api/check/login", token, checkRequest{Identifier: "127.0.0.1|alice"}, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("check with token %q status = %d, want 401", token, resp.StatusCode)
		}
	}

	resp := guarded.do(t, http.MethodPost, "/api/check/login", "svc-token", nil, principal("alice"))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 since unauthenticated calls must not reset the record", resp.StatusCode)
	}
	resp = guarded.do(t, http.MethodPost, "/api/success/login", "svc-token", nil, principal("alice"))
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("success with the service token status = %d, want 204", resp.StatusCode)
	}
	resp = guarded.do(t, http.MethodGet, "/health", "", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, the token only guards /api", resp.StatusCode)
	}
}

func TestServer_Metrics(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/check/api", "", nil, nil)

	resp := env.do(t, http.MethodGet, "/metrics", "", nil, nil)
	b, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`bastion_decisions_total{limiter="api",outcome="allowed"} 1`,
		`bastion_http_requests_total{code="200",method="POST",route="/api/check/{limiter}"} 1`,
		`bastion_scale_factor 1`,
	} {
		if !strings.Contains(string(b), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestAdmin_RequiresToken(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/admin/blocklist", "", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Error("401 should carry WWW-Authenticate")
	}

	resp = env.do(t, http.MethodGet, "/admin/blocklist", "wrong", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", resp.StatusCode)
	}

	resp = env.do(t, http.MethodGet, "/admin/blocklist", readToken, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("read token on blocklist status = %d, want 200", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/admin/block", readToken, entryRequest{Key: "203.0.113.7"}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("read token on block status = %d, want 403", resp.StatusCode)
	}
	if len(env.svc.BlockList().Entries()) != 0 {
		t.Error("refused block must not change the block list")
	}
}

func TestAdmin_BlockAndUnblock(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/admin/block", adminToken, entryRequest{Key: "127.0.0.1", Reason: "abuse", TTL: "1h"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("block status = %d, want 200", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/api/check/api", "", nil, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("blocked check status = %d, want 429", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "3600" {
		t.Errorf("Retry-After = %q, want 3600", got)
	}

	resp = env.do(t, http.MethodGet, "/admin/blocklist", readToken, nil, nil)
	var entries []map[string]any
	decode(t, resp, &entries)
	if len(entries) != 1 || entries[0]["key"] != "127.0.0.1" || entries[0]["kind"] != "deny" {
		t.Errorf("entries = %v", entries)
	}

	resp = env.do(t, http.MethodPost, "/admin/unblock", adminToken, entryRequest{Key: "127.0.0.1"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("unblock status = %d, want 200", resp.StatusCode)
	}
	resp = env.do(t, http.MethodPost, "/admin/unblock", adminToken, entryRequest{Key: "127.0.0.1"}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second unblock status = %d, want 404", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/api/check/api", "", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("unblocked check status = %d, want 200", resp.StatusCode)
	}
}

func TestAdmin_AllowBypassesLimits(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/admin/allow", adminToken, entryRequest{Key: "127.0.0.0/8"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("allow status = %d, want 200", resp.StatusCode)
	}
	for i := 0; i < 5; i++ {
		resp = env.do(t, http.MethodPost, "/api/check/api", "", nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("allowlisted check %d status = %d, want 200", i, resp.StatusCode)
		}
	}

	resp = env.do(t, http.MethodPost, "/admin/disallow", adminToken, entryRequest{Key: "127.0.0.0/8"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("disallow status = %d, want 200", resp.StatusCode)
	}
}

func TestAdmin_BadEntryRequests(t *testing.T) {
	env := newTestEnv(t)
	for _, body := range []entryRequest{
		{Key: ""},
		{Key: "203.0.113.7", TTL: "soon"},
		{Key: "203.0.113.7", TTL: "-1h"},
	} {
		resp := env.do(t, http.MethodPost, "/admin/block", adminToken, body, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("block %+v status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestAdmin_StatsAndReset(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 4; i++ {
		env.do(t, http.MethodPost, "/api/check/login", "", nil, principal("alice"))
	}
	env.do(t, http.MethodPost, "/api/check/login", "", nil, principal("bob"))

	resp := env.do(t, http.MethodGet, "/admin/stats/login", readToken, nil, nil)
	var stats ratelimit.Statistics
	decode(t, resp, &stats)
	if stats.TrackedIdentifiers != 2 || stats.BlockedCount != 1 || stats.TotalAttempts != 5 {
		t.Errorf("stats = %+v", stats)
	}
	if !stats.OldestAttempt.Equal(epoch) {
		t.Errorf("oldest attempt = %s, want %s", stats.OldestAttempt, epoch)
	}

	resp = env.do(t, http.MethodPost, "/admin/reset/login", adminToken, resetRequest{Identifier: "127.0.0.1|alice"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset identifier status = %d, want 200", resp.StatusCode)
	}
	resp = env.do(t, http.MethodPost, "/api/check/login", "", nil, principal("alice"))
	if resp.StatusCode != http.StatusOK {
		t.Errorf("alice after reset status = %d, want 200", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/admin/reset/login", adminToken, nil, nil)
	var out map[string]int
	decode(t, resp, &out)
	if out["reset"] != 2 {
		t.Errorf("reset all = %v, want 2", out)
	}

	resp = env.do(t, http.MethodPost, "/admin/reset/missing", adminToken, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("reset for unknown limiter status = %d, want 404", resp.StatusCode)
	}
	resp = env.do(t, http.MethodGet, "/admin/stats/missing", readToken, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("stats for unknown limiter status = %d, want 404", resp.StatusCode)
	}
}

func TestAdmin_Limiters(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/admin/limiters", readToken, nil, nil)
	var out []struct {
		Name        string `json:"name"`
		Algorithm   string `json:"algorithm"`
		MaxAttempts int    `json:"maxAttempts"`
	}
	decode(t, resp, &out)
	if len(out) != 2 || out[1].Name != "login" || out[1].Algorithm != "fixed_window" || out[1].MaxAttempts != 3 {
		t.Errorf("limiters = %+v", out)
	}
}

func TestAdmin_Emergency(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/admin/emergency", adminToken, emergencyRequest{Reason: "credential stuffing"}, nil)
	var st adaptive.State
	decode(t, resp, &st)
	if !st.Emergency() || st.Reason != "credential stuffing" {
		t.Fatalf("state = %+v, want emergency", st)
	}

	// The default emergency scale of 0.1 leaves the login limiter at 1.
	env.do(t, http.MethodPost, "/api/check/login", "", nil, principal("alice"))
	resp = env.do(t, http.MethodPost, "/api/check/login", "", nil, principal("alice"))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second check during emergency status = %d, want 429", resp.StatusCode)
	}
	if got := resp.Header.Get("X-RateLimit-Limit"); got != "3" {
		t.Errorf("X-RateLimit-Limit = %q, want the configured 3", got)
	}

	resp = env.do(t, http.MethodGet, "/admin/emergency", readToken, nil, nil)
	decode(t, resp, &st)
	if !st.Emergency() {
		t.Error("GET should report emergency")
	}

	resp = env.do(t, http.MethodDelete, "/admin/emergency", adminToken, nil, nil)
	decode(t, resp, &st)
	if st.Emergency() || st.Scale != 1 {
		t.Errorf("state after disable = %+v", st)
	}
}

func TestAdmin_EventStream(t *testing.T) {
	env := newTestEnv(t)
	wsURL := "ws" + strings.TrimPrefix(env.url, "http") + "/admin/events"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial without token should fail")
	}
	if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Authorization": {"Bearer " + readToken}})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.srv.Hub().ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.do(t, http.MethodPost, "/admin/block", adminToken, entryRequest{Key: "198.51.100.7", Reason: "scanner"}, nil)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var e audit.Event
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatal(err)
	}
	if e.Event != audit.EventBlock || e.Actor != "ops" || e.Identifier != "198.51.100.7" || e.Reason != "scanner" {
		t.Errorf("event = %+v", e)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	env := newTestEnv(t)
	calls := 0
	h := RateLimit(env.svc, MiddlewareConfig{Limiter: "api"})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.7:5555"
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, rr.Code)
		}
		if rr.Header().Get("X-RateLimit-Limit") != "2" {
			t.Errorf("X-RateLimit-Limit = %q, want 2", rr.Header().Get("X-RateLimit-Limit"))
		}
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:6666"
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "30" {
		t.Errorf("Retry-After = %q, want 30", rr.Header().Get("Retry-After"))
	}
	if calls != 2 {
		t.Errorf("next called %d times, want 2", calls)
	}

	unknown := RateLimit(env.svc, MiddlewareConfig{Limiter: "missing"})(http.NotFoundHandler())
	rr = httptest.NewRecorder()
	unknown.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown limiter status = %d, want 404", rr.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		header http.Header
		trust  bool
		want   string
	}{
		{"remote addr", "203.0.113.7:1234", nil, false, "203.0.113.7"},
		{"ipv6 remote", "[2001:db8::1]:443", nil, false, "2001:db8::1"},
		{"ignores proxy headers by default", "10.0.0.1:80", http.Header{"X-Forwarded-For": {"203.0.113.7"}}, false, "10.0.0.1"},
		{"first forwarded hop", "10.0.0.1:80", http.Header{"X-Forwarded-For": {"203.0.113.7, 10.0.0.2"}}, true, "203.0.113.7"},
		{"real ip", "10.0.0.1:80", http.Header{"X-Real-Ip": {"::ffff:198.51.100.4"}}, true, "198.51.100.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header[k] = v
			}
			if got := ClientIP(req, tt.trust); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRetrySeconds(t *testing.T) {
	tests := map[time.Duration]int64{
		0:                       1,
		time.Millisecond:        1,
		time.Second:             1,
		1500 * time.Millisecond: 2,
		15 * time.Minute:        900,
	}
	for in, want := range tests {
		if got := retrySeconds(in); got != want {
			t.Errorf("retrySeconds(%s) = %d, want %d", in, got, want)
		}
	}
}

func TestHub_CloseRefusesClients(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ts := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer ts.Close()

	hub.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("closed hub should drop new clients")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("client count = %d, want 0", hub.ClientCount())
	}
	if err := hub.Write(audit.Event{Event: audit.EventDeny}); err != nil {
		t.Errorf("write with no clients = %v", err)
	}
}

func TestLoadSampler(t *testing.T) {
	vc := clock.NewVirtual(epoch)
	l := NewLoadSampler(vc)
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	for _, path := range []string{"/", "/fail", "/", "/fail"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	s := l.Sample(10 * time.Second)
	if s.ErrorRate != 0.5 {
		t.Errorf("error rate = %v, want 0.5", s.ErrorRate)
	}
	if s.RequestsPerSecond != 0.4 {
		t.Errorf("rps = %v, want 0.4", s.RequestsPerSecond)
	}

	if s := l.Sample(10 * time.Second); s != (adaptive.Sample{}) {
		t.Errorf("drained sampler = %+v, want zero sample", s)
	}
}

func TestLoadSampler_Run(t *testing.T) {
	l := NewLoadSampler(nil)
	out := make(chan adaptive.Sample)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx, 10*time.Millisecond, out)

	select {
	case <-out:
	case <-time.After(2 * time.Second):
		t.Fatal("no sample delivered")
	}
	cancel()
	for range out {
	}
}
