// ABOUTME: Store interface and data types for dockhand persistence
// ABOUTME: Defines Agent, AgentTask, and Deployment records and their status enums

package store

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when creating an entity whose ID already exists
var ErrDuplicate = errors.New("already exists")

// ErrNoChange may be returned by an update callback to abort the write
// without error. The update call then returns the current record unchanged.
var ErrNoChange = errors.New("no change")

// AgentStatus is an agent's self-reported health.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
	AgentError   AgentStatus = "error"
	AgentUnknown AgentStatus = "unknown"
)

// AgentStatuses lists every valid agent status.
var AgentStatuses = []AgentStatus{AgentOnline, AgentOffline, AgentError, AgentUnknown}

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool { return slices.Contains(AgentStatuses, s) }

// TaskType identifies the operation an agent is asked to perform.
type TaskType string

const (
	TaskDockerCommand        TaskType = "docker_command"
	TaskImagePull            TaskType = "image_pull"
	TaskContainerRun         TaskType = "container_run"
	TaskContainerStart       TaskType = "container_start"
	TaskContainerStop        TaskType = "container_stop"
	TaskContainerRestart     TaskType = "container_restart"
	TaskContainerRemove      TaskType = "container_remove"
	TaskComposeCreateProject TaskType = "compose_create_project"
	TaskComposeUp            TaskType = "compose_up"
	TaskComposeDown          TaskType = "compose_down"
	TaskStackDeploy          TaskType = "stack_deploy"
)

// TaskStatus is a task's lifecycle state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// TaskStatuses lists every valid task status.
var TaskStatuses = []TaskStatus{TaskPending, TaskRunning, TaskCompleted, TaskFailed, TaskCancelled}

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool { return slices.Contains(TaskStatuses, s) }

// IsTerminal reports whether no further transitions are allowed from s.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// DeploymentStatus is the projected state of a deployment.
type DeploymentStatus string

const (
	DeploymentPending   DeploymentStatus = "pending"
	DeploymentDeploying DeploymentStatus = "deploying"
	DeploymentDeployed  DeploymentStatus = "deployed"
	DeploymentFailed    DeploymentStatus = "failed"
	DeploymentUpdating  DeploymentStatus = "updating"
	DeploymentRemoving  DeploymentStatus = "removing"
	DeploymentRemoved   DeploymentStatus = "removed"
)

// DeploymentStatuses lists every valid deployment status.
var DeploymentStatuses = []DeploymentStatus{
	DeploymentPending, DeploymentDeploying, DeploymentDeployed, DeploymentFailed,
	DeploymentUpdating, DeploymentRemoving, DeploymentRemoved,
}

// IsTerminal reports whether s is a settled outcome for the current phase.
func (s DeploymentStatus) IsTerminal() bool {
	return s == DeploymentDeployed || s == DeploymentFailed || s == DeploymentRemoved
}

// DeploymentPhase names the operation a deployment's tracked tasks perform.
type DeploymentPhase string

const (
	PhaseDeploy DeploymentPhase = "deploy"
	PhaseUpdate DeploymentPhase = "update"
	PhaseRemove DeploymentPhase = "remove"
)

// DeploymentKind distinguishes stack deployments from single containers.
type DeploymentKind string

const (
	KindStack     DeploymentKind = "stack"
	KindContainer DeploymentKind = "container"
)

// Agent is a remote process that executes Docker operations.
type Agent struct {
	ID           string         `json:"id"`
	Hostname     string         `json:"hostname"`
	Platform     string         `json:"platform"`
	Version      string         `json:"version"`
	Capabilities []string       `json:"capabilities"`
	URL          string         `json:"url,omitempty"`
	Status       AgentStatus    `json:"status"`
	LastSeen     time.Time      `json:"lastSeen"`
	RegisteredAt time.Time      `json:"registeredAt"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	Metrics      map[string]any `json:"metrics,omitempty"`

	// TokenHash is the bcrypt hash of the agent's poll API credential.
	TokenHash string `json:"-"`
}

// AgentTask is a unit of work dispatched to one agent.
type AgentTask struct {
	ID          string          `json:"id"`
	AgentID     string          `json:"agentId"`
	Type        TaskType        `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      TaskStatus      `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`

	// Seq orders tasks by creation. Assigned by the store.
	Seq int64 `json:"-"`
}

// Deployment is a durable record whose status is projected from its tracked tasks.
type Deployment struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	AgentID        string           `json:"agentId"`
	Kind           DeploymentKind   `json:"kind"`
	StackName      string           `json:"stackName,omitempty"`
	ContainerName  string           `json:"containerName,omitempty"`
	Descriptor     json.RawMessage  `json:"descriptor,omitempty"`
	Status         DeploymentStatus `json:"status"`
	Phase          DeploymentPhase  `json:"phase"`
	TrackedTaskIDs []string         `json:"trackedTaskIds"`
	Error          string           `json:"error,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
	DeployedAt     *time.Time       `json:"deployedAt,omitempty"`
	RemovedAt      *time.Time       `json:"removedAt,omitempty"`
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	AgentID string
	Status  TaskStatus
	Limit   int
}

// DeploymentFilter narrows ListDeployments. Zero values match everything.
type DeploymentFilter struct {
	AgentID string
	Status  DeploymentStatus
}

// Store defines the persistence operations for agents, tasks, and deployments.
//
// Update methods are atomic read-modify-write operations: the callback sees
// the current record and mutates it in place; the store persists the result
// before any other writer can observe the old value. Returning ErrNoChange
// from the callback skips the write.
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	UpdateAgent(ctx context.Context, id string, fn func(*Agent) error) (*Agent, error)
	DeleteAgent(ctx context.Context, id string) error

	// Tasks. ListTasks returns tasks in creation order.
	CreateTask(ctx context.Context, task *AgentTask) error
	GetTask(ctx context.Context, id string) (*AgentTask, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*AgentTask, error)
	UpdateTask(ctx context.Context, id string, fn func(*AgentTask) error) (*AgentTask, error)
	CountTasksByStatus(ctx context.Context) (map[TaskStatus]int, error)

	// Deployments
	CreateDeployment(ctx context.Context, d *Deployment) error
	GetDeployment(ctx context.Context, id string) (*Deployment, error)
	ListDeployments(ctx context.Context, filter DeploymentFilter) ([]*Deployment, error)
	FindDeploymentsByTask(ctx context.Context, taskID string) ([]*Deployment, error)
	UpdateDeployment(ctx context.Context, id string, fn func(*Deployment) error) (*Deployment, error)
	CountDeploymentsByStatus(ctx context.Context) (map[DeploymentStatus]int, error)

	Ping(ctx context.Context) error
	Close() error
}

// cloneAgent returns a deep copy so callers cannot mutate shared state.
func cloneAgent(a *Agent) *Agent {
	c := *a
	c.Capabilities = slices.Clone(a.Capabilities)
	if a.Metrics != nil {
		c.Metrics = make(map[string]any, len(a.Metrics))
		for k, v := range a.Metrics {
			c.Metrics[k] = v
		}
	}
	return &c
}

func cloneTask(t *AgentTask) *AgentTask {
	c := *t
	c.Payload = slices.Clone(t.Payload)
	c.Result = slices.Clone(t.Result)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	return &c
}

func cloneDeployment(d *Deployment) *Deployment {
	c := *d
	c.Descriptor = slices.Clone(d.Descriptor)
	c.TrackedTaskIDs = slices.Clone(d.TrackedTaskIDs)
	c.DeployedAt = cloneTime(d.DeployedAt)
	c.RemovedAt = cloneTime(d.RemovedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
