// Package gateway orchestrates the dockhand controller's HTTP server.
//
// # Overview
//
// The gateway package wires the store, agent registry, task queue,
// deployment reconciler, and dispatcher together and serves two audiences
// over one HTTP listener: agents polling for work and operators sending it.
//
// # Agent API
//
// Agents authenticate with the token issued at registration, sent as
// X-Agent-Token or a bearer token:
//
//   - POST /api/agents/register - Register or refresh an agent
//   - POST /api/agents/{id}/heartbeat - Report liveness and metrics (rate limited)
//   - GET /api/agents/{id}/tasks - Fetch pending tasks in creation order
//   - POST /api/agents/{id}/tasks/{taskId}/result - Report a status transition
//   - GET /api/agents/{id}/stream - WebSocket push of pending-task snapshots
//
// # Operator API
//
// Operators authenticate with an HS256 JWT when a secret is configured.
// Dispatch POSTs honor an Idempotency-Key header.
//
//   - GET/PATCH/DELETE /api/agents/{id}, GET /api/agents
//   - POST /api/agents/{id}/tasks - Send a raw typed task
//   - POST /api/agents/{id}/commands - Run a docker command
//   - POST /api/agents/{id}/images/pull - Pull an image
//   - POST /api/agents/{id}/containers - Deploy a single container
//   - POST /api/agents/{id}/stacks - Deploy a Compose stack
//   - GET /api/tasks, GET /api/tasks/{id}, POST /api/tasks/{id}/cancel
//   - GET /api/deployments, GET /api/deployments/{id}
//   - POST /api/deployments/{id}/redeploy, POST /api/deployments/{id}/remove
//   - GET /api/dashboard - Fleet counts by status
//
// # Errors
//
// Every failure is a JSON ErrorResponse whose status and code come from the
// fault kind of the returned error.
//
// # Lifecycle
//
//	gw, err := gateway.New(ctx, cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//	// ...
//	cancel()
//
// Run shuts the server down gracefully when ctx is cancelled and closes the
// store and idempotency backend.
package gateway
