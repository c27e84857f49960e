// ABOUTME: Tests for the Idempotency-Key middleware
// ABOUTME: Drives a counting handler through httptest to check replay, conflicts, and retries

package idempotency

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/dockhand/internal/metrics"
	"github.com/2389/dockhand/internal/protocol"
)

type countingHandler struct {
	calls  atomic.Int32
	status int
	block  chan struct{}
}

func (h *countingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := h.calls.Add(1)
	if h.block != nil {
		<-h.block
	}
	status := h.status
	if status == 0 {
		status = http.StatusCreated
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]int32{"call": n})
}

func doRequest(t *testing.T, h http.Handler, path, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set(protocol.HeaderIdempotencyKey, key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func newMiddleware(t *testing.T, next http.Handler) http.Handler {
	t.Helper()
	s := NewMemoryStore(time.Hour, 100)
	t.Cleanup(func() { _ = s.Close() })
	return Middleware(s, slog.Default())(next)
}

func TestMiddleware_ReplaysResponse(t *testing.T) {
	inner := &countingHandler{}
	h := newMiddleware(t, inner)
	before := testutil.ToFloat64(metrics.IdempotentReplays)

	first := doRequest(t, h, "/api/agents/a1/tasks", "key-1", `{"type":"image_pull"}`)
	second := doRequest(t, h, "/api/agents/a1/tasks", "key-1", `{"type":"image_pull"}`)

	assert.Equal(t, int32(1), inner.calls.Load())
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get(protocol.HeaderIdempotentHit))
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	assert.Empty(t, first.Header().Get(protocol.HeaderIdempotentHit))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.IdempotentReplays))
}

func TestMiddleware_NoKeyPassesThrough(t *testing.T) {
	inner := &countingHandler{}
	h := newMiddleware(t, inner)

	doRequest(t, h, "/x", "", `{}`)
	doRequest(t, h, "/x", "", `{}`)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestMiddleware_KeysScopedByPath(t *testing.T) {
	inner := &countingHandler{}
	h := newMiddleware(t, inner)

	doRequest(t, h, "/api/agents/a1/tasks", "same", `{}`)
	doRequest(t, h, "/api/agents/a2/tasks", "same", `{}`)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestMiddleware_DifferentBodyRejected(t *testing.T) {
	inner := &countingHandler{}
	h := newMiddleware(t, inner)

	doRequest(t, h, "/x", "k", `{"a":1}`)
	rec := doRequest(t, h, "/x", "k", `{"a":2}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body protocol.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "validation_error", body.Code)
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestMiddleware_InFlightConflict(t *testing.T) {
	inner := &countingHandler{block: make(chan struct{})}
	h := newMiddleware(t, inner)

	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- doRequest(t, h, "/x", "k", `{}`) }()
	require.Eventually(t, func() bool { return inner.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	rec := doRequest(t, h, "/x", "k", `{}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(inner.block)
	first := <-done
	assert.Equal(t, http.StatusCreated, first.Code)
}

func TestMiddleware_ServerErrorsAreRetryable(t *testing.T) {
	inner := &countingHandler{status: http.StatusInternalServerError}
	h := newMiddleware(t, inner)

	doRequest(t, h, "/x", "k", `{}`)
	inner.status = http.StatusCreated
	rec := doRequest(t, h, "/x", "k", `{}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestMiddleware_ClientErrorsAreStored(t *testing.T) {
	inner := &countingHandler{status: http.StatusPreconditionFailed}
	h := newMiddleware(t, inner)

	doRequest(t, h, "/x", "k", `{}`)
	rec := doRequest(t, h, "/x", "k", `{}`)

	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestMiddleware_KeyTooLong(t *testing.T) {
	inner := &countingHandler{}
	h := newMiddleware(t, inner)

	rec := doRequest(t, h, "/x", strings.Repeat("k", maxKeyLength+1), `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, inner.calls.Load())
}

func TestMiddleware_BodyTooLarge(t *testing.T) {
	inner := &countingHandler{}
	h := newMiddleware(t, inner)

	body := `{"reason":"` + strings.Repeat("a", MaxBodyBytes) + `"}`
	rec := doRequest(t, h, "/x", "k1", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "exceeds")
	assert.Zero(t, inner.calls.Load())

	// The key was never reserved, so a reasonable body can still use it.
	rec = doRequest(t, h, "/x", "k1", `{}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, int32(1), inner.calls.Load())
}
