// Package auth authenticates the two kinds of callers dockhand serves.
//
// # Operators
//
// Operators call the dispatch and read APIs with an HS256 JWT in the
// Authorization header. The "sub" claim names the operator and is recorded
// in logs. Tokens are minted with `dockhand token` using the configured
// auth.jwt_secret. With no secret configured operator auth is disabled and
// requests run as anonymous.
//
// # Agents
//
// Agents receive a random token when they first register and present it on
// every poll API call, either as X-Agent-Token or as a bearer token.
// AgentMiddleware delegates verification to the agent registry, which keeps
// only a bcrypt hash of each token.
//
// # Context
//
// Both middlewares attach an AuthContext:
//
//	authCtx := auth.FromContext(r.Context())
//	if authCtx.IsAgent(agentID) { ... }
package auth
