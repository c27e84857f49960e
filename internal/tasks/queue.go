// ABOUTME: Task queue and lifecycle state machine for work dispatched to agents
// ABOUTME: Persists tasks, hands out pending work in FIFO order, and applies status reports atomically

package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/dockhand/internal/fault"
	"github.com/2389/dockhand/internal/metrics"
	"github.com/2389/dockhand/internal/store"
)

// DefaultFailureMessage is stored when an agent reports failure without a message.
const DefaultFailureMessage = "task failed without an error message"

// AgentLookup reports whether an agent is registered.
type AgentLookup interface {
	Get(ctx context.Context, id string) (*store.Agent, error)
}

// StatusObserver is called synchronously after every accepted status report,
// including reports that repeat the current status.
type StatusObserver interface {
	OnTaskStatusChanged(ctx context.Context, task *store.AgentTask) error
}

// Notifier is told when new work is queued for an agent.
type Notifier interface {
	Notify(agentID string)
}

// StatusUpdate is a status report for one task.
type StatusUpdate struct {
	Status store.TaskStatus
	Result json.RawMessage
	// Error is the failure message, or the reason for a cancellation.
	Error string
}

// Params configures a Queue.
type Params struct {
	Store    store.Store
	Agents   AgentLookup
	Observer StatusObserver // optional
	Notifier Notifier       // optional
	Logger   *slog.Logger
	Now      func() time.Time // optional
	NewID    func() string    // optional
}

// Queue owns task persistence and the task status state machine.
// It does not check agent liveness; that precondition belongs to dispatch.
type Queue struct {
	store    store.Store
	agents   AgentLookup
	observer StatusObserver
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// NewQueue creates a Queue.
func NewQueue(p Params) *Queue {
	q := &Queue{
		store:    p.Store,
		agents:   p.Agents,
		observer: p.Observer,
		notifier: p.Notifier,
		logger:   p.Logger.With("component", "queue"),
		now:      p.Now,
		newID:    p.NewID,
	}
	if q.now == nil {
		q.now = time.Now
	}
	if q.newID == nil {
		q.newID = uuid.NewString
	}
	return q
}

// CreateTask validates payload against typ and queues a pending task for agentID.
func (q *Queue) CreateTask(ctx context.Context, agentID, typ string, payload json.RawMessage) (*store.AgentTask, error) {
	t, err := ParseType(typ)
	if err != nil {
		return nil, err
	}
	p, err := Decode(t, payload)
	if err != nil {
		return nil, err
	}
	return q.Enqueue(ctx, agentID, p)
}

// Enqueue queues a pending task carrying p for agentID.
func (q *Queue) Enqueue(ctx context.Context, agentID string, p Payload) (*store.AgentTask, error) {
	raw, err := Encode(p)
	if err != nil {
		return nil, err
	}
	if _, err := q.agents.Get(ctx, agentID); err != nil {
		return nil, err
	}

	now := q.now()
	task := &store.AgentTask{
		ID:        q.newID(),
		AgentID:   agentID,
		Type:      p.Type(),
		Payload:   raw,
		Status:    store.TaskPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.store.CreateTask(ctx, task); err != nil {
		return nil, fault.Internal(err, "creating task")
	}

	metrics.TasksCreated.WithLabelValues(string(task.Type)).Inc()
	q.logger.Info("task queued", "task_id", task.ID, "agent_id", agentID, "type", task.Type)
	if q.notifier != nil {
		q.notifier.Notify(agentID)
	}
	return task, nil
}

// GetTask returns a task by ID.
func (q *Queue) GetTask(ctx context.Context, id string) (*store.AgentTask, error) {
	task, err := q.store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.NotFound("task %s not found", id)
	}
	if err != nil {
		return nil, fault.Internal(err, "getting task")
	}
	return task, nil
}

// ListTasks returns tasks in creation order, optionally only those owned by agentID.
func (q *Queue) ListTasks(ctx context.Context, agentID string) ([]*store.AgentTask, error) {
	tasks, err := q.store.ListTasks(ctx, store.TaskFilter{AgentID: agentID})
	if err != nil {
		return nil, fault.Internal(err, "listing tasks")
	}
	return tasks, nil
}

// ListPendingTasks returns agentID's pending tasks in creation order.
// Fetching does not change task status.
func (q *Queue) ListPendingTasks(ctx context.Context, agentID string) ([]*store.AgentTask, error) {
	tasks, err := q.store.ListTasks(ctx, store.TaskFilter{AgentID: agentID, Status: store.TaskPending})
	if err != nil {
		return nil, fault.Internal(err, "listing pending tasks")
	}
	return tasks, nil
}

// Counts returns the number of tasks in each status. Every status is present.
func (q *Queue) Counts(ctx context.Context) (map[store.TaskStatus]int, error) {
	counts, err := q.store.CountTasksByStatus(ctx)
	if err != nil {
		return nil, fault.Internal(err, "counting tasks")
	}
	for _, s := range store.TaskStatuses {
		if _, ok := counts[s]; !ok {
			counts[s] = 0
		}
	}
	return counts, nil
}

// ReportResult applies an agent's status report after checking that the
// task belongs to agentID.
func (q *Queue) ReportResult(ctx context.Context, agentID, taskID string, upd StatusUpdate) (*store.AgentTask, error) {
	task, err := q.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.AgentID != agentID {
		q.logger.Warn("task reported by non-owner", "task_id", taskID, "agent_id", agentID, "owner", task.AgentID)
		return nil, fault.Ownership(taskID, agentID)
	}
	return q.UpdateTaskStatus(ctx, taskID, upd)
}

// CancelTask marks a task cancelled. The agent is not signalled.
func (q *Queue) CancelTask(ctx context.Context, taskID, reason string) (*store.AgentTask, error) {
	return q.UpdateTaskStatus(ctx, taskID, StatusUpdate{Status: store.TaskCancelled, Error: reason})
}

// UpdateTaskStatus moves a task forward through its lifecycle.
//
// Reporting the status a task already has is a no-op. A terminal task that
// receives a different terminal status yields a Conflict. Result and error
// are mutually exclusive and only stored on terminal transitions.
//
// The observer runs synchronously afterwards, no-ops included, so a report
// retried after an observer failure completes the reconciliation.
func (q *Queue) UpdateTaskStatus(ctx context.Context, taskID string, upd StatusUpdate) (*store.AgentTask, error) {
	upd, err := normalizeUpdate(upd)
	if err != nil {
		return nil, err
	}

	changed := false
	task, err := q.store.UpdateTask(ctx, taskID, func(t *store.AgentTask) error {
		if t.Status == upd.Status {
			return store.ErrNoChange
		}
		if t.Status.IsTerminal() {
			return fault.Conflict("task %s is already %s", t.ID, t.Status)
		}

		now := q.now()
		t.Status = upd.Status
		t.UpdatedAt = now
		switch upd.Status {
		case store.TaskRunning:
			t.StartedAt = &now
		default:
			t.CompletedAt = &now
			t.Result = upd.Result
			t.Error = upd.Error
		}
		changed = true
		return nil
	})
	if err != nil {
		var fe *fault.Error
		switch {
		case errors.As(err, &fe):
			return nil, err
		case errors.Is(err, store.ErrNotFound):
			return nil, fault.NotFound("task %s not found", taskID)
		default:
			return nil, fault.Internal(err, "updating task status")
		}
	}

	if changed {
		metrics.TaskTransitions.WithLabelValues(string(task.Status)).Inc()
		if task.Status.IsTerminal() {
			metrics.TaskDuration.WithLabelValues(string(task.Type), string(task.Status)).
				Observe(task.UpdatedAt.Sub(task.CreatedAt).Seconds())
		}
		q.logger.Info("task status changed", "task_id", task.ID, "agent_id", task.AgentID, "status", task.Status)
	} else {
		q.logger.Debug("duplicate task status report", "task_id", task.ID, "status", task.Status)
	}

	if q.observer != nil {
		if err := q.observer.OnTaskStatusChanged(ctx, task); err != nil {
			q.logger.Error("reconciling task status", "task_id", task.ID, "error", err)
			var fe *fault.Error
			if errors.As(err, &fe) {
				return nil, err
			}
			return nil, fault.Internal(err, "reconciling deployments")
		}
	}
	return task, nil
}

// normalizeUpdate validates a status report before anything is persisted.
func normalizeUpdate(upd StatusUpdate) (StatusUpdate, error) {
	if !upd.Status.Valid() {
		return upd, fault.Validation("invalid task status %q", upd.Status)
	}

	trimmed := bytes.TrimSpace(upd.Result)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		upd.Result = nil
	} else if !json.Valid(trimmed) {
		return upd, fault.Validation("result must be valid JSON")
	} else {
		upd.Result = json.RawMessage(trimmed)
	}

	switch upd.Status {
	case store.TaskPending:
		return upd, fault.Validation("tasks cannot be moved back to pending")
	case store.TaskRunning:
		if upd.Result != nil || upd.Error != "" {
			return upd, fault.Validation("result and error are only accepted with a terminal status")
		}
	case store.TaskCompleted:
		if upd.Error != "" {
			return upd, fault.Validation("a completed task cannot carry an error")
		}
	case store.TaskFailed:
		if upd.Result != nil {
			return upd, fault.Validation("a failed task cannot carry a result")
		}
		if upd.Error == "" {
			upd.Error = DefaultFailureMessage
		}
	case store.TaskCancelled:
		if upd.Result != nil {
			return upd, fault.Validation("a cancelled task cannot carry a result")
		}
	}
	return upd, nil
}
