// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers bearer extraction, operator JWT validation, and agent token checks

package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/dockhand/internal/fault"
	"github.com/2389/dockhand/internal/protocol"
	"github.com/2389/dockhand/internal/store"
)

type fakeAgents struct {
	token string
	calls []string
}

func (f *fakeAgents) Authenticate(_ context.Context, id, token string) (*store.Agent, error) {
	f.calls = append(f.calls, id)
	if id != "a1" {
		return nil, fault.NotFound("agent %s not found", id)
	}
	if token != f.token {
		return nil, fault.Unauthorized("invalid agent token")
	}
	return &store.Agent{ID: id}, nil
}

func captureAuth(got **AuthContext) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) protocol.ErrorResponse {
	t.Helper()
	var body protocol.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		token   string
		wantErr string
	}{
		{header: "", wantErr: "missing authorization header"},
		{header: "Basic abc", wantErr: "invalid authorization header format"},
		{header: "Bearer ", wantErr: "empty token"},
		{header: "Bearer abc.def", token: "abc.def"},
	}
	for _, tt := range tests {
		token, errMsg := extractBearerToken(tt.header)
		assert.Equal(t, tt.token, token, tt.header)
		assert.Equal(t, tt.wantErr, errMsg, tt.header)
	}
}

func TestAgentToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, AgentToken(req))

	req.Header.Set("Authorization", "Bearer from-bearer")
	assert.Equal(t, "from-bearer", AgentToken(req))

	req.Header.Set(protocol.HeaderAgentToken, "from-header")
	assert.Equal(t, "from-header", AgentToken(req))
}

func TestOperatorMiddleware_ValidToken(t *testing.T) {
	verifier := newTestVerifier(t)
	token, err := verifier.Generate("alice", time.Hour)
	require.NoError(t, err)

	var got *AuthContext
	h := OperatorMiddleware(verifier, slog.Default())(captureAuth(&got))

	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.Subject)
	assert.Equal(t, KindOperator, got.Kind)
}

func TestOperatorMiddleware_Rejections(t *testing.T) {
	verifier := newTestVerifier(t)
	expired, err := verifier.Generate("alice", -time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name    string
		header  string
		message string
	}{
		{name: "missing", header: "", message: "missing authorization header"},
		{name: "wrong scheme", header: "Token abc", message: "invalid authorization header format"},
		{name: "garbage", header: "Bearer nope", message: "invalid token"},
		{name: "expired", header: "Bearer " + expired, message: "token expired"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *AuthContext
			h := OperatorMiddleware(verifier, slog.Default())(captureAuth(&got))

			req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Nil(t, got, "handler should not run")
			body := decodeError(t, rec)
			assert.False(t, body.Success)
			assert.Equal(t, tt.message, body.Error)
			assert.Equal(t, "unauthorized", body.Code)
		})
	}
}

func TestOperatorMiddleware_Disabled(t *testing.T) {
	var got *AuthContext
	h := OperatorMiddleware(nil, slog.Default())(captureAuth(&got))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/agents", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, KindAnonymous, got.Kind)
	assert.True(t, got.IsOperator())
}

func TestAgentMiddleware(t *testing.T) {
	agents := &fakeAgents{token: "secret"}
	pathID := func(r *http.Request) string { return r.URL.Query().Get("agent") }

	tests := []struct {
		name   string
		agent  string
		token  string
		status int
	}{
		{name: "valid", agent: "a1", token: "secret", status: http.StatusOK},
		{name: "wrong token", agent: "a1", token: "guess", status: http.StatusUnauthorized},
		{name: "unknown agent", agent: "ghost", token: "secret", status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *AuthContext
			h := AgentMiddleware(agents, pathID, slog.Default())(captureAuth(&got))

			req := httptest.NewRequest(http.MethodGet, "/tasks?agent="+tt.agent, nil)
			req.Header.Set(protocol.HeaderAgentToken, tt.token)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				require.NotNil(t, got)
				assert.True(t, got.IsAgent("a1"))
			} else {
				assert.Nil(t, got)
			}
		})
	}
}
