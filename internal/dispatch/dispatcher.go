// ABOUTME: Dispatch layer that checks agent liveness before queueing tasks
// ABOUTME: Also runs the compound stack and container flows that create deployments

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/dockhand/internal/deploy"
	"github.com/2389/dockhand/internal/fault"
	"github.com/2389/dockhand/internal/metrics"
	"github.com/2389/dockhand/internal/store"
	"github.com/2389/dockhand/internal/tasks"
)

// Agents resolves agents and their effective status.
type Agents interface {
	Get(ctx context.Context, id string) (*store.Agent, error)
	EffectiveStatus(a *store.Agent) store.AgentStatus
}

// StackDescriptor is the descriptor stored on stack deployments.
type StackDescriptor struct {
	ProjectName    string `json:"projectName"`
	ComposeContent string `json:"composeContent"`
	EnvContent     string `json:"envContent,omitempty"`
}

// StackRequest asks for a Compose stack to be deployed.
type StackRequest struct {
	// Name is the deployment's display name. Defaults to the project name.
	Name  string
	Stack StackDescriptor
	Pull  bool
}

// ContainerRequest asks for a single container to be deployed.
type ContainerRequest struct {
	Name string
	Run  tasks.ContainerRun
	// Pull queues an image pull ahead of the run.
	Pull bool
}

// RedeployRequest asks for an existing deployment to be rolled out again.
// Empty fields keep the stored descriptor's values.
type RedeployRequest struct {
	ComposeContent string
	EnvContent     string
	Image          string
}

// RemoveRequest asks for a deployment to be torn down.
type RemoveRequest struct {
	RemoveVolumes bool
}

// Result is the outcome of a compound flow.
type Result struct {
	Deployment *store.Deployment   `json:"deployment"`
	Tasks      []*store.AgentTask `json:"tasks"`
}

// Dispatcher is the single entry point for sending work to agents.
type Dispatcher struct {
	agents      Agents
	queue       *tasks.Queue
	deployments *deploy.Reconciler
	logger      *slog.Logger
}

// New creates a Dispatcher.
func New(agents Agents, queue *tasks.Queue, deployments *deploy.Reconciler, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		agents:      agents,
		queue:       queue,
		deployments: deployments,
		logger:      logger.With("component", "dispatch"),
	}
}

// SendTaskToAgent queues p for agentID if the agent is online.
func (d *Dispatcher) SendTaskToAgent(ctx context.Context, agentID string, p tasks.Payload) (*store.AgentTask, error) {
	if err := d.ensureOnline(ctx, agentID); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		metrics.DispatchRejections.WithLabelValues("invalid").Inc()
		return nil, err
	}
	return d.queue.Enqueue(ctx, agentID, p)
}

// SendRawTask decodes a caller-supplied type and payload and dispatches it.
func (d *Dispatcher) SendRawTask(ctx context.Context, agentID, typ string, payload json.RawMessage) (*store.AgentTask, error) {
	if err := d.ensureOnline(ctx, agentID); err != nil {
		return nil, err
	}
	t, err := tasks.ParseType(typ)
	if err != nil {
		metrics.DispatchRejections.WithLabelValues("invalid").Inc()
		return nil, err
	}
	p, err := tasks.Decode(t, payload)
	if err != nil {
		metrics.DispatchRejections.WithLabelValues("invalid").Inc()
		return nil, err
	}
	return d.queue.Enqueue(ctx, agentID, p)
}

// DeployStack queues create-project and compose-up tasks and records a
// deployment that tracks both.
func (d *Dispatcher) DeployStack(ctx context.Context, agentID string, req StackRequest) (*Result, error) {
	create, up := DeployStack(req.Stack, req.Pull)
	if err := validateAll(create, up); err != nil {
		return nil, err
	}
	descriptor, err := json.Marshal(req.Stack)
	if err != nil {
		return nil, fault.Internal(err, "encoding stack descriptor")
	}
	name := req.Name
	if name == "" {
		name = req.Stack.ProjectName
	}

	return d.deploy(ctx, agentID, deploy.Spec{
		AgentID:    agentID,
		Name:       name,
		Kind:       store.KindStack,
		StackName:  req.Stack.ProjectName,
		Descriptor: descriptor,
	}, create, up)
}

// DeployContainer queues an optional image pull and a container run and
// records a deployment that tracks them.
func (d *Dispatcher) DeployContainer(ctx context.Context, agentID string, req ContainerRequest) (*Result, error) {
	run := RunContainer(req.Run)
	if run.Name == "" {
		run.Name = req.Name
	}
	if run.Name == "" {
		return nil, fault.Validation("container deployments require a container name")
	}

	steps := []tasks.Payload{}
	if req.Pull {
		steps = append(steps, PullImage(run.Image, ""))
	}
	steps = append(steps, run)
	if err := validateAll(steps...); err != nil {
		return nil, err
	}
	descriptor, err := json.Marshal(run)
	if err != nil {
		return nil, fault.Internal(err, "encoding container descriptor")
	}
	name := req.Name
	if name == "" {
		name = run.Name
	}

	return d.deploy(ctx, agentID, deploy.Spec{
		AgentID:       agentID,
		Name:          name,
		Kind:          store.KindContainer,
		ContainerName: run.Name,
		Descriptor:    descriptor,
	}, steps...)
}

// Redeploy rolls an existing deployment out again, optionally with new
// content, and moves it into the update phase.
func (d *Dispatcher) Redeploy(ctx context.Context, deploymentID string, req RedeployRequest) (*Result, error) {
	dep, err := d.deployments.Get(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if err := deploy.CanRetrack(dep, store.PhaseUpdate); err != nil {
		return nil, err
	}

	var (
		steps      []tasks.Payload
		descriptor []byte
	)
	switch dep.Kind {
	case store.KindStack:
		var stack StackDescriptor
		if err := json.Unmarshal(dep.Descriptor, &stack); err != nil {
			return nil, fault.Internal(err, "decoding stack descriptor")
		}
		if req.ComposeContent != "" {
			stack.ComposeContent = req.ComposeContent
		}
		if req.EnvContent != "" {
			stack.EnvContent = req.EnvContent
		}
		create, up := DeployStack(stack, true)
		steps = []tasks.Payload{create, up}
		descriptor, err = json.Marshal(stack)

	case store.KindContainer:
		var run tasks.ContainerRun
		if err := json.Unmarshal(dep.Descriptor, &run); err != nil {
			return nil, fault.Internal(err, "decoding container descriptor")
		}
		if req.Image != "" {
			run.Image = req.Image
		}
		steps = []tasks.Payload{
			PullImage(run.Image, ""),
			RemoveContainer(run.Name, false),
			RunContainer(run),
		}
		descriptor, err = json.Marshal(run)

	default:
		return nil, fault.Internal(fmt.Errorf("deployment %s has kind %q", dep.ID, dep.Kind), "redeploying")
	}
	if err != nil {
		return nil, fault.Internal(err, "encoding descriptor")
	}
	if err := validateAll(steps...); err != nil {
		return nil, err
	}

	return d.retrack(ctx, dep, store.PhaseUpdate, descriptor, steps...)
}

// Remove tears down an existing deployment and moves it into the remove phase.
func (d *Dispatcher) Remove(ctx context.Context, deploymentID string, req RemoveRequest) (*Result, error) {
	dep, err := d.deployments.Get(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if err := deploy.CanRetrack(dep, store.PhaseRemove); err != nil {
		return nil, err
	}

	var step tasks.Payload
	switch dep.Kind {
	case store.KindStack:
		step = TearDownStack(dep.StackName, req.RemoveVolumes)
	case store.KindContainer:
		step = RemoveContainer(dep.ContainerName, req.RemoveVolumes)
	default:
		return nil, fault.Internal(fmt.Errorf("deployment %s has kind %q", dep.ID, dep.Kind), "removing")
	}
	if err := step.Validate(); err != nil {
		return nil, err
	}

	return d.retrack(ctx, dep, store.PhaseRemove, nil, step)
}

func (d *Dispatcher) deploy(ctx context.Context, agentID string, spec deploy.Spec, steps ...tasks.Payload) (*Result, error) {
	if err := d.ensureOnline(ctx, agentID); err != nil {
		return nil, err
	}
	queued, err := d.enqueueAll(ctx, agentID, steps)
	if err != nil {
		return nil, err
	}

	spec.TrackedTaskIDs = taskIDs(queued)
	dep, err := d.deployments.CreateDeployment(ctx, spec)
	if err != nil {
		d.abandon(ctx, queued, "deployment record could not be created")
		return nil, err
	}
	d.logger.Info("deployment dispatched", "deployment_id", dep.ID, "agent_id", agentID, "tasks", spec.TrackedTaskIDs)
	return &Result{Deployment: dep, Tasks: queued}, nil
}

func (d *Dispatcher) retrack(ctx context.Context, dep *store.Deployment, phase store.DeploymentPhase, descriptor []byte, steps ...tasks.Payload) (*Result, error) {
	if err := d.ensureOnline(ctx, dep.AgentID); err != nil {
		return nil, err
	}
	queued, err := d.enqueueAll(ctx, dep.AgentID, steps)
	if err != nil {
		return nil, err
	}

	updated, err := d.deployments.Retrack(ctx, dep.ID, deploy.Retrack{
		Phase:          phase,
		TrackedTaskIDs: taskIDs(queued),
		Descriptor:     descriptor,
	})
	if err != nil {
		d.abandon(ctx, queued, "deployment could not be retracked")
		return nil, err
	}
	d.logger.Info("deployment phase dispatched", "deployment_id", dep.ID, "phase", phase, "agent_id", dep.AgentID)
	return &Result{Deployment: updated, Tasks: queued}, nil
}

// enqueueAll queues steps in order. If one fails the earlier ones are cancelled.
func (d *Dispatcher) enqueueAll(ctx context.Context, agentID string, steps []tasks.Payload) ([]*store.AgentTask, error) {
	queued := make([]*store.AgentTask, 0, len(steps))
	for _, p := range steps {
		task, err := d.queue.Enqueue(ctx, agentID, p)
		if err != nil {
			d.abandon(ctx, queued, "a later step could not be queued")
			return nil, err
		}
		queued = append(queued, task)
	}
	return queued, nil
}

// abandon cancels tasks from a flow that could not complete. Best effort:
// the agent may already have fetched them.
func (d *Dispatcher) abandon(ctx context.Context, queued []*store.AgentTask, reason string) {
	for _, t := range queued {
		if _, err := d.queue.CancelTask(ctx, t.ID, "dispatch aborted: "+reason); err != nil {
			d.logger.Error("cancelling abandoned task", "task_id", t.ID, "error", err)
		}
	}
}

func (d *Dispatcher) ensureOnline(ctx context.Context, agentID string) error {
	a, err := d.agents.Get(ctx, agentID)
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			metrics.DispatchRejections.WithLabelValues("not_found").Inc()
		}
		return err
	}
	if status := d.agents.EffectiveStatus(a); status != store.AgentOnline {
		metrics.DispatchRejections.WithLabelValues("not_online").Inc()
		d.logger.Info("dispatch refused", "agent_id", agentID, "status", status)
		return fault.Precondition("agent is not online (status: %s)", status)
	}
	return nil
}

func validateAll(steps ...tasks.Payload) error {
	for _, p := range steps {
		if err := p.Validate(); err != nil {
			metrics.DispatchRejections.WithLabelValues("invalid").Inc()
			return err
		}
	}
	return nil
}

func taskIDs(ts []*store.AgentTask) []string {
	ids := make([]string, len(ts))
	for i, t := range ts {
		ids[i] = t.ID
	}
	return ids
}
