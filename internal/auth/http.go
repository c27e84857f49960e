// ABOUTME: HTTP middleware authenticating operators by JWT and agents by issued token
// ABOUTME: Adds the caller's identity to the request context for handlers

package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/dockhand/internal/fault"
	"github.com/2389/dockhand/internal/protocol"
	"github.com/2389/dockhand/internal/store"
)

// AgentAuthenticator checks an agent's poll API token.
type AgentAuthenticator interface {
	Authenticate(ctx context.Context, agentID, token string) (*store.Agent, error)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// AgentToken returns the agent credential from X-Agent-Token or, failing
// that, the Authorization bearer token. Empty when neither is present.
func AgentToken(r *http.Request) string {
	if tok := r.Header.Get(protocol.HeaderAgentToken); tok != "" {
		return tok
	}
	tok, _ := extractBearerToken(r.Header.Get("Authorization"))
	return tok
}

// OperatorMiddleware requires a valid operator JWT. A nil verifier disables
// operator auth and marks every request anonymous.
func OperatorMiddleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil {
				next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), &AuthContext{Kind: KindAnonymous})))
				return
			}

			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				protocol.WriteError(w, fault.Unauthorized("%s", errMsg))
				return
			}

			subject, err := verifier.Verify(token)
			if err != nil {
				logger.Debug("operator token rejected", "error", err, "path", r.URL.Path)
				msg := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "token expired"
				}
				protocol.WriteError(w, fault.Unauthorized("%s", msg))
				return
			}

			authCtx := &AuthContext{Subject: subject, Kind: KindOperator}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// AgentMiddleware authenticates the agent named by agentID(r) using its
// issued token. The authenticator decides whether a token is required.
func AgentMiddleware(agents AgentAuthenticator, agentID func(*http.Request) string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := agentID(r)
			if _, err := agents.Authenticate(r.Context(), id, AgentToken(r)); err != nil {
				logger.Debug("agent request rejected", "agent_id", id, "error", err, "path", r.URL.Path)
				protocol.WriteError(w, err)
				return
			}

			authCtx := &AuthContext{Subject: id, Kind: KindAgent}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}
