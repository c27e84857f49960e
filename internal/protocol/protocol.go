// ABOUTME: JSON wire types for the agent poll API and the operator dispatch API
// ABOUTME: Shared by the gateway handlers, the agent client, and the reference agent

package protocol

import (
	"encoding/json"

	"github.com/2389/dockhand/internal/store"
)

// Header names used on the agent-facing API.
const (
	HeaderAgentToken     = "X-Agent-Token"
	HeaderEnrollmentKey  = "X-Enrollment-Key"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderIdempotentHit  = "Idempotent-Replayed"
)

// RegisterAgentRequest is the body of POST /api/agents/register.
type RegisterAgentRequest struct {
	ID           string   `json:"id"`
	Hostname     string   `json:"hostname"`
	Platform     string   `json:"platform,omitempty"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	URL          string   `json:"url,omitempty"`
}

// RegisterAgentResponse carries the registered agent and, when one was
// issued by this call, the agent's poll API token.
type RegisterAgentResponse struct {
	Success bool         `json:"success"`
	Agent   *store.Agent `json:"agent"`
	Token   string       `json:"token,omitempty"`
}

// HeartbeatRequest is the body of POST /api/agents/{id}/heartbeat.
// Docker and Metadata are folded into the stored metrics.
type HeartbeatRequest struct {
	Status   store.AgentStatus `json:"status,omitempty"`
	Metrics  map[string]any    `json:"metrics,omitempty"`
	Docker   map[string]any    `json:"docker,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// CombinedMetrics merges the optional heartbeat sections into one map.
func (h HeartbeatRequest) CombinedMetrics() map[string]any {
	if h.Metrics == nil && h.Docker == nil && h.Metadata == nil {
		return nil
	}
	out := make(map[string]any, len(h.Metrics)+2)
	for k, v := range h.Metrics {
		out[k] = v
	}
	if h.Docker != nil {
		out["docker"] = h.Docker
	}
	if h.Metadata != nil {
		out["metadata"] = h.Metadata
	}
	return out
}

// TaskRequest is a pending task as delivered to an agent. Internal
// bookkeeping fields are never sent.
type TaskRequest struct {
	ID      string          `json:"id"`
	Type    store.TaskType  `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewTaskRequests projects stored tasks onto the wire shape, keeping order.
func NewTaskRequests(ts []*store.AgentTask) []TaskRequest {
	out := make([]TaskRequest, len(ts))
	for i, t := range ts {
		out[i] = TaskRequest{ID: t.ID, Type: t.Type, Payload: t.Payload}
	}
	return out
}

// TasksResponse is the body of GET /api/agents/{id}/tasks.
type TasksResponse struct {
	Success bool          `json:"success"`
	Tasks   []TaskRequest `json:"tasks"`
}

// StreamMessage is pushed over the agent WebSocket stream.
type StreamMessage struct {
	Type  string        `json:"type"`
	Tasks []TaskRequest `json:"tasks"`
}

// StreamTypeTasks labels a pending-task snapshot on the stream.
const StreamTypeTasks = "tasks"

// SubmitTaskResult is the body of POST /api/agents/{id}/tasks/{taskId}/result.
type SubmitTaskResult struct {
	Status store.TaskStatus `json:"status"`
	Result json.RawMessage  `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// SendTaskRequest is the body of POST /api/agents/{id}/tasks.
type SendTaskRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// DockerCommandRequest is the body of POST /api/agents/{id}/commands.
type DockerCommandRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// PullImageRequest is the body of POST /api/agents/{id}/images/pull.
type PullImageRequest struct {
	Image    string `json:"image"`
	Platform string `json:"platform,omitempty"`
}

// RunContainerRequest is the body of POST /api/agents/{id}/containers.
type RunContainerRequest struct {
	Name          string            `json:"name"`
	Image         string            `json:"image"`
	Ports         []string          `json:"ports,omitempty"`
	Volumes       []string          `json:"volumes,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	RestartPolicy string            `json:"restartPolicy,omitempty"`
	Command       []string          `json:"command,omitempty"`
	Pull          bool              `json:"pull,omitempty"`
}

// DeployStackRequest is the body of POST /api/agents/{id}/stacks.
type DeployStackRequest struct {
	Name           string `json:"name,omitempty"`
	ProjectName    string `json:"projectName"`
	ComposeContent string `json:"composeContent"`
	EnvContent     string `json:"envContent,omitempty"`
	Pull           bool   `json:"pull,omitempty"`
}

// RedeployRequest is the body of POST /api/deployments/{id}/redeploy.
type RedeployRequest struct {
	ComposeContent string `json:"composeContent,omitempty"`
	EnvContent     string `json:"envContent,omitempty"`
	Image          string `json:"image,omitempty"`
}

// RemoveRequest is the body of POST /api/deployments/{id}/remove.
type RemoveRequest struct {
	RemoveVolumes bool `json:"removeVolumes,omitempty"`
}

// CancelTaskRequest is the body of POST /api/tasks/{id}/cancel.
type CancelTaskRequest struct {
	Reason string `json:"reason,omitempty"`
}

// UpdateAgentRequest is the body of PATCH /api/agents/{id}.
type UpdateAgentRequest struct {
	Hostname     *string            `json:"hostname,omitempty"`
	Platform     *string            `json:"platform,omitempty"`
	Version      *string            `json:"version,omitempty"`
	URL          *string            `json:"url,omitempty"`
	Capabilities []string           `json:"capabilities,omitempty"`
	Status       *store.AgentStatus `json:"status,omitempty"`
}

// AgentResponse wraps a single agent.
type AgentResponse struct {
	Success bool         `json:"success"`
	Agent   *store.Agent `json:"agent"`
}

// AgentsResponse wraps an agent list.
type AgentsResponse struct {
	Success bool           `json:"success"`
	Agents  []*store.Agent `json:"agents"`
}

// TaskResponse wraps a single task.
type TaskResponse struct {
	Success bool             `json:"success"`
	Task    *store.AgentTask `json:"task"`
}

// TaskListResponse wraps a full task list for operators.
type TaskListResponse struct {
	Success bool               `json:"success"`
	Tasks   []*store.AgentTask `json:"tasks"`
}

// DeploymentResponse wraps a deployment and the tasks a flow queued for it.
type DeploymentResponse struct {
	Success    bool               `json:"success"`
	Deployment *store.Deployment  `json:"deployment"`
	Tasks      []*store.AgentTask `json:"tasks,omitempty"`
}

// DeploymentsResponse wraps a deployment list.
type DeploymentsResponse struct {
	Success     bool                `json:"success"`
	Deployments []*store.Deployment `json:"deployments"`
}

// DashboardResponse summarizes the fleet.
type DashboardResponse struct {
	Success     bool                           `json:"success"`
	Agents      map[store.AgentStatus]int      `json:"agents"`
	Tasks       map[store.TaskStatus]int       `json:"tasks"`
	Deployments map[store.DeploymentStatus]int `json:"deployments"`
}

// SuccessResponse acknowledges a write with no body.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// HealthResponse is returned by the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
