// ABOUTME: Deployment reconciler that projects tracked task outcomes onto deployment records
// ABOUTME: Runs synchronously from task status reports; terminal statuses are frozen per phase

package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/2389/dockhand/internal/fault"
	"github.com/2389/dockhand/internal/metrics"
	"github.com/2389/dockhand/internal/store"
)

// Params configures a Reconciler.
type Params struct {
	Store  store.Store
	Logger *slog.Logger
	Now    func() time.Time // optional
	NewID  func() string    // optional
}

// Reconciler owns deployment records. Their status is only ever written here.
type Reconciler struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewReconciler creates a Reconciler.
func NewReconciler(p Params) *Reconciler {
	r := &Reconciler{
		store:  p.Store,
		logger: p.Logger.With("component", "reconciler"),
		now:    p.Now,
		newID:  p.NewID,
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	return r
}

// Spec describes a deployment to create.
type Spec struct {
	AgentID        string
	Name           string
	Kind           store.DeploymentKind
	StackName      string
	ContainerName  string
	Descriptor     json.RawMessage
	TrackedTaskIDs []string
}

// Retrack opens a new phase on an existing deployment.
type Retrack struct {
	Phase          store.DeploymentPhase
	TrackedTaskIDs []string
	// Descriptor replaces the stored descriptor when non-empty.
	Descriptor json.RawMessage
}

// CreateDeployment records a deployment in the deploy phase tracking the
// given tasks, then projects their current status onto it.
func (r *Reconciler) CreateDeployment(ctx context.Context, spec Spec) (*store.Deployment, error) {
	if spec.AgentID == "" {
		return nil, fault.Validation("deployment agentId is required")
	}
	if spec.Name == "" {
		return nil, fault.Validation("deployment name is required")
	}
	if len(spec.TrackedTaskIDs) == 0 {
		return nil, fault.Validation("a deployment must track at least one task")
	}
	switch spec.Kind {
	case store.KindStack, store.KindContainer:
	default:
		return nil, fault.Validation("unknown deployment kind %q", spec.Kind)
	}

	now := r.now()
	d := &store.Deployment{
		ID:             r.newID(),
		Name:           spec.Name,
		AgentID:        spec.AgentID,
		Kind:           spec.Kind,
		StackName:      spec.StackName,
		ContainerName:  spec.ContainerName,
		Descriptor:     spec.Descriptor,
		Status:         InitialStatus(store.PhaseDeploy),
		Phase:          store.PhaseDeploy,
		TrackedTaskIDs: slices.Clone(spec.TrackedTaskIDs),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.store.CreateDeployment(ctx, d); err != nil {
		return nil, fault.Internal(err, "creating deployment")
	}
	r.logger.Info("deployment created",
		"deployment_id", d.ID,
		"agent_id", d.AgentID,
		"name", d.Name,
		"tracked", d.TrackedTaskIDs,
	)

	// Tracked tasks may already have been picked up by the agent.
	return r.reconcile(ctx, d.ID)
}

// OnTaskStatusChanged re-projects every deployment tracking task.
// Tasks that back no deployment are ignored.
func (r *Reconciler) OnTaskStatusChanged(ctx context.Context, task *store.AgentTask) error {
	deployments, err := r.store.FindDeploymentsByTask(ctx, task.ID)
	if err != nil {
		return fault.Internal(err, "finding deployments for task")
	}
	for _, d := range deployments {
		if _, err := r.reconcile(ctx, d.ID); err != nil {
			return err
		}
	}
	return nil
}

// CanRetrack reports whether d may open phase. In-flight phases must settle first.
func CanRetrack(d *store.Deployment, phase store.DeploymentPhase) error {
	if _, ok := phases[phase]; !ok || phase == store.PhaseDeploy {
		return fault.Validation("cannot open a %q phase on an existing deployment", phase)
	}
	if !d.Status.IsTerminal() {
		return fault.Precondition("deployment %s is still %s", d.ID, d.Status)
	}
	if d.Status == store.DeploymentRemoved {
		return fault.Precondition("deployment %s has been removed", d.ID)
	}
	return nil
}

// Retrack points an existing deployment at a new set of tasks for a new phase.
func (r *Reconciler) Retrack(ctx context.Context, id string, rt Retrack) (*store.Deployment, error) {
	if len(rt.TrackedTaskIDs) == 0 {
		return nil, fault.Validation("a deployment must track at least one task")
	}

	_, err := r.store.UpdateDeployment(ctx, id, func(d *store.Deployment) error {
		if err := CanRetrack(d, rt.Phase); err != nil {
			return err
		}
		d.Phase = rt.Phase
		d.Status = InitialStatus(rt.Phase)
		d.TrackedTaskIDs = slices.Clone(rt.TrackedTaskIDs)
		d.Error = ""
		if len(rt.Descriptor) > 0 {
			d.Descriptor = rt.Descriptor
		}
		d.UpdatedAt = r.now()
		return nil
	})
	if err != nil {
		return nil, classify(err, id, "retracking deployment")
	}
	r.logger.Info("deployment retracked", "deployment_id", id, "phase", rt.Phase, "tracked", rt.TrackedTaskIDs)
	return r.reconcile(ctx, id)
}

// reconcile reads the tracked tasks and applies their projection.
// Task reads happen before the locked update so the store lock is never
// held across other store calls.
func (r *Reconciler) reconcile(ctx context.Context, id string) (*store.Deployment, error) {
	current, err := r.store.GetDeployment(ctx, id)
	if err != nil {
		return nil, classify(err, id, "reading deployment")
	}

	tracked := make([]*store.AgentTask, len(current.TrackedTaskIDs))
	for i, taskID := range current.TrackedTaskIDs {
		task, err := r.store.GetTask(ctx, taskID)
		if errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("tracked task missing", "deployment_id", id, "task_id", taskID)
			continue
		}
		if err != nil {
			return nil, fault.Internal(err, "reading tracked task")
		}
		tracked[i] = task
	}
	proj := Project(current.Phase, tracked)

	changed := false
	updated, err := r.store.UpdateDeployment(ctx, id, func(d *store.Deployment) error {
		// A concurrent Retrack opened a new phase; it reconciles itself.
		if d.Phase != current.Phase || !slices.Equal(d.TrackedTaskIDs, current.TrackedTaskIDs) {
			return store.ErrNoChange
		}
		// Frozen once settled, and never moved backwards by a stale read.
		if d.Status.IsTerminal() || rank(d.Phase, proj.Status) <= rank(d.Phase, d.Status) {
			return store.ErrNoChange
		}

		now := r.now()
		d.Status = proj.Status
		d.Error = proj.Error
		d.UpdatedAt = now
		switch proj.Status {
		case store.DeploymentDeployed:
			d.DeployedAt = &now
		case store.DeploymentRemoved:
			d.RemovedAt = &now
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, classify(err, id, "updating deployment")
	}

	if changed {
		metrics.DeploymentTransitions.WithLabelValues(string(updated.Status)).Inc()
		r.logger.Info("deployment status changed",
			"deployment_id", updated.ID,
			"agent_id", updated.AgentID,
			"phase", updated.Phase,
			"status", updated.Status,
		)
	}
	return updated, nil
}

// Get returns a deployment by ID.
func (r *Reconciler) Get(ctx context.Context, id string) (*store.Deployment, error) {
	d, err := r.store.GetDeployment(ctx, id)
	if err != nil {
		return nil, classify(err, id, "getting deployment")
	}
	return d, nil
}

// List returns deployments, optionally only those on agentID.
func (r *Reconciler) List(ctx context.Context, agentID string) ([]*store.Deployment, error) {
	ds, err := r.store.ListDeployments(ctx, store.DeploymentFilter{AgentID: agentID})
	if err != nil {
		return nil, fault.Internal(err, "listing deployments")
	}
	return ds, nil
}

// GetDeploymentsByAgent returns the deployments placed on agentID.
func (r *Reconciler) GetDeploymentsByAgent(ctx context.Context, agentID string) ([]*store.Deployment, error) {
	return r.List(ctx, agentID)
}

// Counts returns the number of deployments in each status. Every status is present.
func (r *Reconciler) Counts(ctx context.Context) (map[store.DeploymentStatus]int, error) {
	counts, err := r.store.CountDeploymentsByStatus(ctx)
	if err != nil {
		return nil, fault.Internal(err, "counting deployments")
	}
	for _, s := range store.DeploymentStatuses {
		if _, ok := counts[s]; !ok {
			counts[s] = 0
		}
	}
	return counts, nil
}

func classify(err error, id, op string) error {
	var fe *fault.Error
	switch {
	case errors.As(err, &fe):
		return err
	case errors.Is(err, store.ErrNotFound):
		return fault.NotFound("deployment %s not found", id)
	default:
		return fault.Internal(err, op)
	}
}
