package http

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidwall/gjson"

	"github.com/guardpost/guardpost/internal/adapter/outbound/memory"
	"github.com/guardpost/guardpost/internal/domain/audit"
	"github.com/guardpost/guardpost/internal/domain/auth"
	"github.com/guardpost/guardpost/internal/domain/authz"
	"github.com/guardpost/guardpost/internal/domain/ratelimit"
	"github.com/guardpost/guardpost/internal/domain/route"
	"github.com/guardpost/guardpost/internal/domain/upstream"
	"github.com/guardpost/guardpost/internal/service"
	"github.com/guardpost/guardpost/pkg/mcp"
)

// fakeTransport answers every request with a canned tool result.
type fakeTransport struct {
	mu      sync.Mutex
	pending [][]byte
}

func (t *fakeTransport) Send(_ context.Context, msg *mcp.Message) error {
	if msg.IsNotification() {
		return nil
	}
	id := gjson.GetBytes(msg.Raw, "id").Raw
	t.mu.Lock()
	t.pending = append(t.pending, []byte(fmt.Sprintf(
		`{"jsonrpc":"2.0","id":%s,"result":{"content":[{"type":"text","text":"done"}]}}`, id)))
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Receive(_ context.Context) (*mcp.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		return nil, upstream.NewError(upstream.KindReceive, "no pending reply", nil)
	}
	raw := t.pending[0]
	t.pending = t.pending[1:]
	return mcp.Decode(raw, mcp.ServerToClient)
}

func (t *fakeTransport) Close() error { return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type serverFixture struct {
	ts     *httptest.Server
	health *HealthChecker
}

func newTestServer(t *testing.T, rlCfg ratelimit.Config, extra ...ServerOption) *serverFixture {
	t.Helper()

	keys, err := memory.NewKeyStore([]*auth.KeyRecord{
		{ID: "ci", KeyHash: auth.HashAPIKey("ci-key"), AllowedTools: []string{"read_file"}},
		{ID: auth.AdminID, KeyHash: auth.HashAPIKey("admin-key")},
	})
	if err != nil {
		t.Fatalf("NewKeyStore() error = %v", err)
	}
	router, err := route.NewRouter([]route.Route{
		{Name: "default", PathPrefix: "/", Transport: route.TransportStdio, Command: "unused"},
	})
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}

	var limiter ratelimit.Limiter
	if rlCfg.Enabled {
		limiter = memory.NewRateLimiter(rlCfg, quietLogger())
	}

	guard := service.NewGuardService(keys, memory.NewAuditRing(100), nil, "test", quietLogger())
	pipeline := service.NewPipeline(
		auth.NewAPIKeyProvider(keys, quietLogger()),
		limiter,
		authz.New(nil, quietLogger()),
		router,
		guard,
		nil,
		func(context.Context, *route.Route) (upstream.Transport, error) {
			return &fakeTransport{}, nil
		},
		quietLogger(),
	)
	t.Cleanup(func() { _ = pipeline.Close() })

	health := NewHealthChecker(nil, limiter, "test")
	health.SetReady(true)

	opts := append([]ServerOption{
		WithHealthChecker(health),
		WithLogger(quietLogger()),
	}, extra...)
	srv := NewServer(pipeline, opts...)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &serverFixture{ts: ts, health: health}
}

func postMCP(t *testing.T, ts *httptest.Server, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/mcp", strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	return body
}

func toolCallBody(id int, tool string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":%q,"arguments":{}}}`, id, tool)
}

func TestServerForwardsAllowedToolCall(t *testing.T) {
	t.Parallel()

	fx := newTestServer(t, ratelimit.Config{})
	resp := postMCP(t, fx.ts, "ci-key", toolCallBody(1, "read_file"))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if got := gjson.GetBytes(body, "result.content.0.text").Str; got != "done" {
		t.Errorf("body = %s", body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
}

func TestServerRejectsBadCredential(t *testing.T) {
	t.Parallel()

	fx := newTestServer(t, ratelimit.Config{})

	resp := postMCP(t, fx.ts, "wrong-key", toolCallBody(1, "read_file"))
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if resp.Header.Get("WWW-Authenticate") != "Bearer" {
		t.Errorf("WWW-Authenticate = %q", resp.Header.Get("WWW-Authenticate"))
	}
	if gjson.GetBytes(body, "kind").Str == "" {
		t.Errorf("body = %s, want error kind", body)
	}

	// No credential at all.
	resp = postMCP(t, fx.ts, "", toolCallBody(2, "read_file"))
	readBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestServerDeniesDisallowedTool(t *testing.T) {
	t.Parallel()

	fx := newTestServer(t, ratelimit.Config{})
	resp := postMCP(t, fx.ts, "ci-key", toolCallBody(1, "write_file"))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	// The body is a JSON-RPC error naming the denied tool.
	if msg := gjson.GetBytes(body, "error.message").Str; !strings.Contains(msg, "write_file") {
		t.Errorf("error.message = %q", msg)
	}
}

func TestServerRateLimitsWithHeaders(t *testing.T) {
	t.Parallel()

	fx := newTestServer(t, ratelimit.Config{
		Enabled:           true,
		RequestsPerSecond: 1,
		Burst:             2,
	})

	for i := 1; i <= 2; i++ {
		resp := postMCP(t, fx.ts, "ci-key", toolCallBody(i, "read_file"))
		readBody(t, resp)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d", i, resp.StatusCode)
		}
	}

	resp := postMCP(t, fx.ts, "ci-key", toolCallBody(3, "read_file"))
	readBody(t, resp)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
	if resp.Header.Get("X-RateLimit-Limit") != "2" {
		t.Errorf("X-RateLimit-Limit = %q, want 2", resp.Header.Get("X-RateLimit-Limit"))
	}
	if resp.Header.Get("X-RateLimit-Reset") == "" {
		t.Error("X-RateLimit-Reset header missing")
	}
}

func TestServerRejectsMalformedBody(t *testing.T) {
	t.Parallel()

	fx := newTestServer(t, ratelimit.Config{})
	resp := postMCP(t, fx.ts, "ci-key", "this is not json")
	readBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestServerAcceptsNotification(t *testing.T) {
	t.Parallel()

	fx := newTestServer(t, ratelimit.Config{})
	resp := postMCP(t, fx.ts, "ci-key",
		`{"jsonrpc":"2.0","method":"notifications/progress","params":{}}`)
	readBody(t, resp)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
}

func TestServerRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	fx := newTestServer(t, ratelimit.Config{})
	huge := `{"pad":"` + strings.Repeat("x", maxBodyBytes) + `"}`
	resp := postMCP(t, fx.ts, "ci-key", huge)
	readBody(t, resp)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
}

func TestServerMethodNotAllowed(t *testing.T) {
	t.Parallel()

	fx := newTestServer(t, ratelimit.Config{})
	resp, err := fx.ts.Client().Get(fx.ts.URL + "/mcp")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
	if resp.Header.Get("Allow") != http.MethodPost {
		t.Errorf("Allow = %q", resp.Header.Get("Allow"))
	}
}

func TestServerHealthAndReadiness(t *testing.T) {
	t.Parallel()

	fx := newTestServer(t, ratelimit.Config{})

	resp, err := fx.ts.Client().Get(fx.ts.URL + "/health")
	if err != nil {
		t.Fatalf("Get(/health) error = %v", err)
	}
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
	if gjson.GetBytes(body, "status").Str != "healthy" {
		t.Errorf("health body = %s", body)
	}

	resp, err = fx.ts.Client().Get(fx.ts.URL + "/live")
	if err != nil {
		t.Fatalf("Get(/live) error = %v", err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("live status = %d", resp.StatusCode)
	}

	resp, err = fx.ts.Client().Get(fx.ts.URL + "/ready")
	if err != nil {
		t.Fatalf("Get(/ready) error = %v", err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ready status = %d", resp.StatusCode)
	}

	fx.health.SetReady(false)
	resp, err = fx.ts.Client().Get(fx.ts.URL + "/ready")
	if err != nil {
		t.Fatalf("Get(/ready) error = %v", err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("not-ready status = %d, want 503", resp.StatusCode)
	}
}

func TestHealthStays200WhenDegraded(t *testing.T) {
	t.Parallel()

	// An un-started audit service never drains, so filling its buffer
	// drives the audit check into the degraded range.
	audits := service.NewAuditService(nil, nil, nil, quietLogger(), service.WithBufferSize(4))
	for i := 0; i < 4; i++ {
		audits.Log(audit.NewEntry(audit.EventAuthFailure))
	}

	health := NewHealthChecker(audits, nil, "test")
	rec := httptest.NewRecorder()
	health.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	// Liveness of the endpoint is the process being up; degradation
	// belongs in the body, 503 is reserved for /ready.
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", rec.Code)
	}
	body := rec.Body.Bytes()
	if got := gjson.GetBytes(body, "status").Str; got != "degraded" {
		t.Errorf("status = %q, want degraded, body = %s", got, body)
	}
	if check := gjson.GetBytes(body, "checks.audit").Str; !strings.Contains(check, "degraded") {
		t.Errorf("checks.audit = %q, want degraded detail", check)
	}
}

func TestServerExposesMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	fx := newTestServer(t, ratelimit.Config{}, WithRegistry(reg, metrics))

	readBody(t, postMCP(t, fx.ts, "ci-key", toolCallBody(1, "read_file")))

	resp, err := fx.ts.Client().Get(fx.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("Get(/metrics) error = %v", err)
	}
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "guardpost_requests_total") {
		t.Errorf("metrics output missing request counter:\n%.500s", body)
	}
}

func TestServerGuardToolOverHTTP(t *testing.T) {
	t.Parallel()

	fx := newTestServer(t, ratelimit.Config{})
	resp := postMCP(t, fx.ts, "admin-key", toolCallBody(1, "guard/version"))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if got := gjson.GetBytes(body, "result.content.0.text").Str; got != "test" {
		t.Errorf("version = %q", got)
	}
}

func TestResolveClientIPHonorsOnlyTrustedProxies(t *testing.T) {
	t.Parallel()

	trusted, err := auth.ParseTrustedProxies([]string{"10.0.0.1"})
	if err != nil {
		t.Fatalf("ParseTrustedProxies() error = %v", err)
	}

	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{
			name:       "trusted proxy forwards client",
			remoteAddr: "10.0.0.1:4444",
			xff:        "203.0.113.7, 10.0.0.1",
			want:       "203.0.113.7",
		},
		{
			name:       "untrusted peer cannot spoof",
			remoteAddr: "198.51.100.9:4444",
			xff:        "203.0.113.7",
			want:       "198.51.100.9",
		},
		{
			name:       "no forwarded header",
			remoteAddr: "10.0.0.1:4444",
			want:       "10.0.0.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := resolveClientIP(r, trusted); got != tt.want {
				t.Errorf("resolveClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
