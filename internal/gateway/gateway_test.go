// ABOUTME: Tests for Gateway wiring, lifecycle, health endpoints, and shared HTTP plumbing
// ABOUTME: Provides the test harness used by the poll, operator, and stream tests

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/dockhand/internal/config"
	"github.com/2389/dockhand/internal/idempotency"
	"github.com/2389/dockhand/internal/protocol"
	"github.com/2389/dockhand/internal/store"
)

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testGateway struct {
	gw    *Gateway
	srv   *httptest.Server
	store *store.MockStore
	clock *clock
}

// newTestGateway serves a gateway over MockStore. Operator auth is off and
// the in-memory idempotency store is on unless mutate says otherwise.
func newTestGateway(t *testing.T, mutate ...func(*config.Config)) *testGateway {
	t.Helper()
	return newTestGatewayWithParams(t, Params{}, mutate...)
}

// newTestGatewayWithParams is newTestGateway with extra Params fields applied.
func newTestGatewayWithParams(t *testing.T, p Params, mutate ...func(*config.Config)) *testGateway {
	t.Helper()

	cfg := config.Default()
	cfg.Agents.SweepInterval = 0
	for _, m := range mutate {
		m(cfg)
	}

	var idem idempotency.Store
	if cfg.Idempotency.IsEnabled() {
		idem = idempotency.NewMemoryStore(time.Hour, 100)
	}

	s := store.NewMockStore()
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	p.Config = cfg
	p.Store = s
	p.Idempotency = idem
	p.Logger = testLogger()
	p.Now = c.Now
	p.BcryptCost = bcrypt.MinCost
	gw, err := NewWithParams(p)
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		gw.broadcaster.Close()
		srv.Close()
		if idem != nil {
			_ = idem.Close()
		}
	})

	return &testGateway{gw: gw, srv: srv, store: s, clock: c}
}

// do sends a JSON request. body may be nil, a string, or a value to marshal.
func (tg *testGateway) do(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()

	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, tg.srv.URL+path, rd)
	require.NoError(t, err)
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// registerAgent registers id and returns its issued token.
func (tg *testGateway) registerAgent(t *testing.T, id string) string {
	t.Helper()
	resp := tg.do(t, http.MethodPost, "/api/agents/register", protocol.RegisterAgentRequest{
		ID:           id,
		Hostname:     id + ".local",
		Platform:     "linux/amd64",
		Capabilities: []string{"docker", "compose"},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	reg := decodeBody[protocol.RegisterAgentResponse](t, resp)
	require.NotEmpty(t, reg.Token)
	return reg.Token
}

func agentHeaders(token string) map[string]string {
	return map[string]string{protocol.HeaderAgentToken: token}
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func requireError(t *testing.T, resp *http.Response, status int, code string) protocol.ErrorResponse {
	t.Helper()
	require.Equal(t, status, resp.StatusCode)
	e := decodeBody[protocol.ErrorResponse](t, resp)
	assert.False(t, e.Success)
	assert.Equal(t, code, e.Code)
	return e
}

func TestGatewayNew(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "dockhand.db")
	t.Setenv("DOCKHAND_DB_PATH", "")

	gw, err := New(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	assert.Same(t, cfg, gw.config)
	assert.NotNil(t, gw.store)
	assert.NotNil(t, gw.registry)
	assert.NotNil(t, gw.queue)
	assert.NotNil(t, gw.reconciler)
	assert.NotNil(t, gw.dispatcher)
	assert.NotNil(t, gw.sweeper)
	assert.NotNil(t, gw.idempotency)
	assert.Nil(t, gw.verifier)
}

func TestGatewayNew_WeakJWTSecret(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.JWTSecret = "short"

	_, err := NewWithParams(Params{Config: cfg, Store: store.NewMockStore(), Logger: testLogger()})
	require.Error(t, err)
}

func TestGatewayServeAndShutdown(t *testing.T) {
	cfg := config.Default()
	cfg.Agents.SweepInterval = 10 * time.Millisecond

	gw, err := NewWithParams(Params{Config: cfg, Store: store.NewMockStore(), Logger: testLogger()})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Serve(ctx, ln)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("gateway did not shutdown in time")
	}
}

func TestHealthEndpoint(t *testing.T) {
	tg := newTestGateway(t)

	resp := tg.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decodeBody[protocol.HealthResponse](t, resp).Status)
}

func TestReadyEndpoint(t *testing.T) {
	tg := newTestGateway(t)

	resp := tg.do(t, http.MethodGet, "/health/ready", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", decodeBody[protocol.HealthResponse](t, resp).Status)

	tg.store.SetFail(errors.New("connection refused"))
	resp = tg.do(t, http.MethodGet, "/health/ready", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body := decodeBody[protocol.HealthResponse](t, resp)
	assert.Equal(t, "unavailable", body.Status)
	assert.Equal(t, "store unreachable", body.Error)
}

func TestMetricsEndpoint(t *testing.T) {
	tg := newTestGateway(t)
	tg.do(t, http.MethodGet, "/health", nil, nil)

	resp := tg.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "dockhand_http_requests_total")
}

func TestMetricsEndpoint_Disabled(t *testing.T) {
	disabled := false
	tg := newTestGateway(t, func(c *config.Config) { c.Metrics.Enabled = &disabled })

	resp := tg.do(t, http.MethodGet, "/metrics", nil, nil)
	requireError(t, resp, http.StatusNotFound, "not_found")
}

func TestUnknownRoute(t *testing.T) {
	tg := newTestGateway(t)

	resp := tg.do(t, http.MethodGet, "/api/nope", nil, nil)
	requireError(t, resp, http.StatusNotFound, "not_found")
}

func TestMethodNotAllowed(t *testing.T) {
	tg := newTestGateway(t)

	resp := tg.do(t, http.MethodPut, "/api/dashboard", nil, nil)
	requireError(t, resp, http.StatusMethodNotAllowed, "method_not_allowed")
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		allowEmpty bool
		wantErr    bool
	}{
		{name: "valid", body: `{"reason":"x"}`},
		{name: "empty allowed", body: "", allowEmpty: true},
		{name: "empty rejected", body: "", wantErr: true},
		{name: "unknown field", body: `{"bogus":1}`, wantErr: true},
		{name: "malformed", body: `{"reason":`, wantErr: true},
		{name: "too large", body: `{"reason":"` + strings.Repeat("a", maxBodyBytes) + `"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			var v protocol.CancelTaskRequest
			err := decodeJSON(w, r, &v, tt.allowEmpty)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestSendJSONError_HidesInternalCause(t *testing.T) {
	tg := newTestGateway(t)
	tg.store.SetFail(errors.New("disk on fire"))

	resp := tg.do(t, http.MethodGet, "/api/agents", nil, nil)
	e := requireError(t, resp, http.StatusInternalServerError, "internal_error")
	assert.NotContains(t, e.Error, "disk on fire")
}
