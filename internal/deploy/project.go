// ABOUTME: Pure projection of tracked task statuses onto a deployment status
// ABOUTME: Each phase has an initial, in-progress, and success status; any failed task fails the phase

package deploy

import (
	"fmt"

	"github.com/2389/dockhand/internal/store"
)

type phaseStatuses struct {
	initial  store.DeploymentStatus
	started  store.DeploymentStatus
	complete store.DeploymentStatus
}

var phases = map[store.DeploymentPhase]phaseStatuses{
	store.PhaseDeploy: {store.DeploymentPending, store.DeploymentDeploying, store.DeploymentDeployed},
	store.PhaseUpdate: {store.DeploymentUpdating, store.DeploymentUpdating, store.DeploymentDeployed},
	store.PhaseRemove: {store.DeploymentRemoving, store.DeploymentRemoving, store.DeploymentRemoved},
}

// InitialStatus is the status a deployment takes when a phase opens.
func InitialStatus(phase store.DeploymentPhase) store.DeploymentStatus {
	return phases[phase].initial
}

// Projection is the deployment state implied by its tracked tasks.
type Projection struct {
	Status store.DeploymentStatus
	Error  string
}

// Project aggregates tracked task statuses for phase:
//
//   - any task failed or cancelled: failed, with that task's error
//   - every task completed: the phase's success status
//   - any task started: the phase's in-progress status
//   - otherwise: the phase's initial status
//
// A nil entry stands for a task that could not be read and counts as not started.
func Project(phase store.DeploymentPhase, tracked []*store.AgentTask) Projection {
	ps, ok := phases[phase]
	if !ok {
		return Projection{Status: store.DeploymentFailed, Error: fmt.Sprintf("unknown deployment phase %q", phase)}
	}

	started, completed := false, 0
	for _, t := range tracked {
		if t == nil {
			continue
		}
		switch t.Status {
		case store.TaskFailed, store.TaskCancelled:
			return Projection{Status: store.DeploymentFailed, Error: failureMessage(t)}
		case store.TaskCompleted:
			completed++
			started = true
		case store.TaskRunning:
			started = true
		}
	}

	switch {
	case len(tracked) > 0 && completed == len(tracked):
		return Projection{Status: ps.complete}
	case started:
		return Projection{Status: ps.started}
	default:
		return Projection{Status: ps.initial}
	}
}

// rank orders statuses within a phase so projections never move backwards.
func rank(phase store.DeploymentPhase, s store.DeploymentStatus) int {
	ps := phases[phase]
	switch {
	case s.IsTerminal():
		return 2
	case s == ps.started && s != ps.initial:
		return 1
	default:
		return 0
	}
}

func failureMessage(t *store.AgentTask) string {
	if t.Error != "" {
		return t.Error
	}
	if t.Status == store.TaskCancelled {
		return fmt.Sprintf("task %s was cancelled", t.ID)
	}
	return fmt.Sprintf("task %s failed", t.ID)
}
