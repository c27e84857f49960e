// ABOUTME: Operator API handlers for agents, dispatch, tasks, deployments, and the dashboard
// ABOUTME: Reads apply effective agent status; writes go through the dispatch layer

package gateway

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/2389/dockhand/internal/agent"
	"github.com/2389/dockhand/internal/auth"
	"github.com/2389/dockhand/internal/dispatch"
	"github.com/2389/dockhand/internal/protocol"
	"github.com/2389/dockhand/internal/store"
	"github.com/2389/dockhand/internal/tasks"
)

// operatorName returns the caller's name for audit logging.
func operatorName(r *http.Request) string {
	if a := auth.FromContext(r.Context()); a != nil && a.Subject != "" {
		return a.Subject
	}
	return "anonymous"
}

// handleListAgents handles GET /api/agents.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := g.registry.List(r.Context())
	if err != nil {
		g.sendJSONError(w, r, err)
		return
	}
	for i, a := range agents {
		agents[i] = g.registry.Effective(a)
	}
	protocol.WriteJSON(w, http.StatusOK, protocol.AgentsResponse{Success: true, Agents: agents})
}

// handleGetAgent handles GET /api/agents/{id}.
func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := g.registry.Get(r.Context(), agentIDVar(r))
	if err != nil {
		g.sendJSONError(w, r, err)
		return
	}
	protocol.WriteJSON(w, http.StatusOK, protocol.AgentResponse{Success: true, Agent: g.registry.Effective(a)})
}

// handleUpdateAgent handles PATCH /api/agents/{id}.
func (g *Gateway) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var req protocol.UpdateAgentRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		g.sendJSONError(w, r, err)
		return
	}

	a, err := g.registry.Update(r.Context(), agentIDVar(r), agent.Patch{
		Hostname:     req.Hostname,
		Platform:     req.Platform,
		Version:      req.Version,
		URL:          req.URL,
		Capabilities: req.Capabilities,
		Status:       req.Status,
	})
	if err != nil {
		g.sendJSONError(w, r, err)
		return
	}
	g.logger.Info("agent updated", "agent_id", a.ID, "operator", operatorName(r))
	protocol.WriteJSON(w, http.StatusOK, protocol.AgentResponse{Success: true, Agent: g.registry.Effective(a)})
}

// handleDeleteAgent handles DELETE /api/agents/{id}.
func (g *Gateway) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := g.registry.Delete(r.Context(), agentIDVar(r)); err != nil {
		g.sendJSONError(w, r, err)
		return
	}
	protocol.WriteJSON(w, http.StatusOK, protocol.SuccessResponse{Success: true})
}

// handleSendTask handles POST /api/agents/{id}/tasks.
func (g *Gateway) handleSendTask(w http.ResponseWriter, r *http.Request) {
	var req protocol.SendTaskRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		g.sendJSONError(w, r, err)
		return
	}
	task, err := g.dispatcher.SendRawTask(r.Context(), agentIDVar(r), req.Type, req.Payload)
	g.writeTask(w, r, task, err)
}

// handleDockerCommand handles POST /api/agents/{id}/commands.
func (g *Gateway) handleDockerCommand(w http.ResponseWriter, r *http.Request) {
	var req protocol.DockerCommandRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		g.sendJSONError(w, r, err)
		return
	}
	task, err := g.dispatcher.SendTaskToAgent(r.Context(), agentIDVar(r), dispatch.DockerCommand(req.Command, req.Args...))
	g.writeTask(w, r, task, err)
}

// handlePullImage handles POST /api/agents/{id}/images/pull.
func (g *Gateway) handlePullImage(w http.ResponseWriter, r *http.Request) {
	var req protocol.PullImageRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		g.sendJSONError(w, r, err)
		return
	}
	task, err := g.dispatcher.SendTaskToAgent(r.Context(), agentIDVar(r), dispatch.PullImage(req.Image, req.Platform))
	g.writeTask(w, r, task, err)
}

func (g *Gateway) writeTask(w http.ResponseWriter, r *http.Request, task *store.AgentTask, err error) {
	if err != nil {
		g.sendJSONError(w, r, err)
		return
	}
	g.logger.Info("task dispatched", "task_id", task.ID, "agent_id", task.AgentID, "type", task.Type, "operator", operatorName(r))
	protocol.WriteJSON(w, http.StatusCreated, protocol.TaskResponse{Success: true, Task: task})
}

// handleRunContainer handles POST /api/agents/{id}/containers.
func (g *Gateway) handleRunContainer(w http.ResponseWriter, r *http.Request) {
	var req protocol.RunContainerRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		g.sendJSONError(w, r, err)
		return
	}
	res, err := g.dispatcher.DeployContainer(r.Context(), agentIDVar(r), dispatch.ContainerRequest{
		Name: req.Name,
		Run: tasks.ContainerRun{
			Name:          req.Name,
			Image:         req.Image,
			Ports:         req.Ports,
			Volumes:       req.Volumes,
			Env:           req.Env,
			RestartPolicy: req.RestartPolicy,
			Command:       req.Command,
		},
		Pull: req.Pull,
	})
	g.writeDeployment(w, r, http.StatusCreated, res, err)
}

// handleDeployStack handles POST /api/agents/{id}/stacks.
func (g *Gateway) handleDeployStack(w http.ResponseWriter, r *http.Request) {
	var req protocol.DeployStackRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		g.sendJSONError(w, r, err)
		return
	}
	res, err := g.dispatcher.DeployStack(r.Context(), agentIDVar(r), dispatch.StackRequest{
		Name: req.Name,
		Stack: dispatch.StackDescriptor{
			ProjectName:    req.ProjectName,
			ComposeContent: req.ComposeContent,
			EnvContent:     req.EnvContent,
		},
		Pull: req.Pull,
	})
	g.writeDeployment(w, r, http.StatusCreated, res, err)
}

// handleRedeploy handles POST /api/deployments/{id}/redeploy.
func (g *Gateway) handleRedeploy(w http.ResponseWriter, r *http.Request) {
	var req protocol.RedeployRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		g.sendJSONError(w, r, err)
		return
	}
	res, err := g.dispatcher.Redeploy(r.Context(), mux.Vars(r)["id"], dispatch.RedeployRequest{
		ComposeContent: req.ComposeContent,
		EnvContent:     req.EnvContent,
		Image:          req.Image,
	})
	g.writeDeployment(w, r, http.StatusAccepted, res, err)
}

// handleRemoveDeployment handles POST /api/deployments/{id}/remove.
func (g *Gateway) handleRemoveDeployment(w http.ResponseWriter, r *http.Request) {
	var req protocol.RemoveRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		g.sendJSONError(w, r, err)
		return
	}
	res, err := g.dispatcher.Remove(r.Context(), mux.Vars(r)["id"], dispatch.RemoveRequest{RemoveVolumes: req.RemoveVolumes})
	g.writeDeployment(w, r, http.StatusAccepted, res, err)
}

func (g *Gateway) writeDeployment(w http.ResponseWriter, r *http.Request, status int, res *dispatch.Result, err error) {
	if err != nil {
		g.sendJSONError(w, r, err)
		return
	}
	g.logger.Info("deployment flow dispatched",
		"deployment_id", res.Deployment.ID,
		"agent_id", res.Deployment.AgentID,
		"phase", res.Deployment.Phase,
		"operator", operatorName(r),
	)
	protocol.WriteJSON(w, status, protocol.DeploymentResponse{
		Success:    true,
		Deployment: res.Deployment,
		Tasks:      res.Tasks,
	})
}

// handleListTasks handles GET /api/tasks?agent_id=.
func (g *Gateway) handleListTasks(w http.ResponseWriter, r *http.Request) {
	all, err := g.queue.ListTasks(r.Context(), r.URL.Query().Get("agent_id"))
	if err != nil {
		g.sendJSONError(w, r, err)
		return
	}
	protocol.WriteJSON(w, http.StatusOK, protocol.TaskListResponse{Success: true, Tasks: all})
}

// handleGetTask handles GET /api/tasks/{id}.
func (g *Gateway) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := g.queue.GetTask(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		g.sendJSONError(w, r, err)
		return
	}
	protocol.WriteJSON(w, http.StatusOK, protocol.TaskResponse{Success: true, Task: task})
}

// handleCancelTask handles POST /api/tasks/{id}/cancel.
// The controller stops waiting on the task; the agent is not signalled.
func (g *Gateway) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	var req protocol.CancelTaskRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		g.sendJSONError(w, r, err)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "cancelled by " + operatorName(r)
	}

	task, err := g.queue.CancelTask(r.Context(), mux.Vars(r)["id"], reason)
	if err != nil {
		g.sendJSONError(w, r, err)
		return
	}
	g.logger.Info("task cancelled", "task_id", task.ID, "agent_id", task.AgentID, "operator", operatorName(r))
	protocol.WriteJSON(w, http.StatusOK, protocol.TaskResponse{Success: true, Task: task})
}

// handleListDeployments handles GET /api/deployments?agent_id=.
func (g *Gateway) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	ds, err := g.reconciler.List(r.Context(), r.URL.Query().Get("agent_id"))
	if err != nil {
		g.sendJSONError(w, r, err)
		return
	}
	protocol.WriteJSON(w, http.StatusOK, protocol.DeploymentsResponse{Success: true, Deployments: ds})
}

// handleGetDeployment handles GET /api/deployments/{id}.
func (g *Gateway) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := g.reconciler.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		g.sendJSONError(w, r, err)
		return
	}
	protocol.WriteJSON(w, http.StatusOK, protocol.DeploymentResponse{Success: true, Deployment: d})
}

// handleDashboard handles GET /api/dashboard.
func (g *Gateway) handleDashboard(w http.ResponseWriter, r *http.Request) {
	agents, err := g.registry.Counts(r.Context())
	if err != nil {
		g.sendJSONError(w, r, err)
		return
	}
	taskCounts, err := g.queue.Counts(r.Context())
	if err != nil {
		g.sendJSONError(w, r, err)
		return
	}
	deployments, err := g.reconciler.Counts(r.Context())
	if err != nil {
		g.sendJSONError(w, r, err)
		return
	}
	protocol.WriteJSON(w, http.StatusOK, protocol.DashboardResponse{
		Success:     true,
		Agents:      agents,
		Tasks:       taskCounts,
		Deployments: deployments,
	})
}
