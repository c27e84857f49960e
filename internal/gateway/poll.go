// ABOUTME: Agent-facing poll API handlers: register, heartbeat, fetch tasks, report results
// ABOUTME: Agents pull work over these endpoints and authenticate with their issued token

package gateway

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/2389/dockhand/internal/agent"
	"github.com/2389/dockhand/internal/auth"
	"github.com/2389/dockhand/internal/fault"
	"github.com/2389/dockhand/internal/metrics"
	"github.com/2389/dockhand/internal/protocol"
	"github.com/2389/dockhand/internal/tasks"
)

// handleRegister handles POST /api/agents/register.
// Returns 201 for a new agent and 200 for a refresh. The token is present
// only when this call issued one.
func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterAgentRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		g.sendJSONError(w, r, err)
		return
	}

	reg, err := g.registry.Register(r.Context(), agent.Descriptor{
		ID:           req.ID,
		Hostname:     req.Hostname,
		Platform:     req.Platform,
		Version:      req.Version,
		Capabilities: req.Capabilities,
		URL:          req.URL,
	}, agent.Credentials{
		Token:         auth.AgentToken(r),
		EnrollmentKey: r.Header.Get(protocol.HeaderEnrollmentKey),
	})
	if err != nil {
		g.sendJSONError(w, r, err)
		return
	}

	status := http.StatusOK
	if reg.Created {
		status = http.StatusCreated
	}
	protocol.WriteJSON(w, status, protocol.RegisterAgentResponse{
		Success: true,
		Agent:   g.registry.Effective(reg.Agent),
		Token:   reg.Token,
	})
}

// handleHeartbeat handles POST /api/agents/{id}/heartbeat.
func (g *Gateway) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !g.heartbeatLimiter.Allow() {
		metrics.Heartbeats.WithLabelValues("rate_limited").Inc()
		g.sendRateLimited(w)
		return
	}

	id := agentIDVar(r)
	// Unknown agents fall through so the registry logs them as a soft failure.
	if _, err := g.registry.Authenticate(r.Context(), id, auth.AgentToken(r)); err != nil && !errors.Is(err, fault.ErrNotFound) {
		g.sendJSONError(w, r, err)
		return
	}

	var req protocol.HeartbeatRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		g.sendJSONError(w, r, err)
		return
	}

	a, err := g.registry.UpdateHeartbeat(r.Context(), id, agent.Heartbeat{
		Status:  req.Status,
		Metrics: req.CombinedMetrics(),
	})
	if err != nil {
		g.sendJSONError(w, r, err)
		return
	}
	protocol.WriteJSON(w, http.StatusOK, protocol.AgentResponse{Success: true, Agent: g.registry.Effective(a)})
}

// handlePendingTasks handles GET /api/agents/{id}/tasks.
// Returns the agent's pending tasks in creation order. Fetching does not
// change task status; the agent reports running when it starts.
func (g *Gateway) handlePendingTasks(w http.ResponseWriter, r *http.Request) {
	pending, err := g.queue.ListPendingTasks(r.Context(), agentIDVar(r))
	if err != nil {
		g.sendJSONError(w, r, err)
		return
	}
	protocol.WriteJSON(w, http.StatusOK, protocol.TasksResponse{
		Success: true,
		Tasks:   protocol.NewTaskRequests(pending),
	})
}

// handleTaskResult handles POST /api/agents/{id}/tasks/{taskId}/result.
func (g *Gateway) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	var req protocol.SubmitTaskResult
	if err := decodeJSON(w, r, &req, false); err != nil {
		g.sendJSONError(w, r, err)
		return
	}

	task, err := g.queue.ReportResult(r.Context(), agentIDVar(r), mux.Vars(r)["taskId"], tasks.StatusUpdate{
		Status: req.Status,
		Result: req.Result,
		Error:  req.Error,
	})
	if err != nil {
		g.sendJSONError(w, r, err)
		return
	}
	protocol.WriteJSON(w, http.StatusOK, protocol.TaskResponse{Success: true, Task: task})
}
