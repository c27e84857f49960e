// ABOUTME: Behavioural tests shared by every Store implementation
// ABOUTME: Each backend runs the same suite so MockStore stays faithful to SQLite and Postgres

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAgent(id string, now time.Time) *Agent {
	return &Agent{
		ID:           id,
		Hostname:     "host-" + id,
		Platform:     "linux/amd64",
		Version:      "1.0.0",
		Capabilities: []string{"docker", "compose"},
		Status:       AgentOnline,
		LastSeen:     now,
		RegisteredAt: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func testTask(id, agentID string, now time.Time) *AgentTask {
	return &AgentTask{
		ID:        id,
		AgentID:   agentID,
		Type:      TaskImagePull,
		Payload:   json.RawMessage(`{"image":"nginx:latest"}`),
		Status:    TaskPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// runStoreSuite exercises the Store contract against a fresh store from newStore.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("agent round trip", func(t *testing.T) {
		s := newStore(t)
		agent := testAgent("a1", now)
		agent.Metrics = map[string]any{"containerCount": float64(3)}
		agent.TokenHash = "hash"
		require.NoError(t, s.CreateAgent(ctx, agent))

		got, err := s.GetAgent(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, "host-a1", got.Hostname)
		assert.Equal(t, []string{"docker", "compose"}, got.Capabilities)
		assert.Equal(t, AgentOnline, got.Status)
		assert.True(t, got.LastSeen.Equal(now))
		assert.True(t, got.CreatedAt.Equal(now))
		assert.Equal(t, float64(3), got.Metrics["containerCount"])
		assert.Equal(t, "hash", got.TokenHash)
	})

	t.Run("duplicate agent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateAgent(ctx, testAgent("a1", now)))
		err := s.CreateAgent(ctx, testAgent("a1", now))
		assert.ErrorIs(t, err, ErrDuplicate)
	})

	t.Run("missing agent", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetAgent(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.UpdateAgent(ctx, "nope", func(a *Agent) error { return nil })
		assert.ErrorIs(t, err, ErrNotFound)

		assert.ErrorIs(t, s.DeleteAgent(ctx, "nope"), ErrNotFound)
	})

	t.Run("update agent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateAgent(ctx, testAgent("a1", now)))

		later := now.Add(time.Minute)
		updated, err := s.UpdateAgent(ctx, "a1", func(a *Agent) error {
			a.Status = AgentError
			a.LastSeen = later
			a.UpdatedAt = later
			a.ID = "renamed"
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, "a1", updated.ID)

		got, err := s.GetAgent(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, AgentError, got.Status)
		assert.True(t, got.LastSeen.Equal(later))
		assert.True(t, got.CreatedAt.Equal(now), "created_at is not touched by updates")
	})

	t.Run("update agent no change", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateAgent(ctx, testAgent("a1", now)))

		got, err := s.UpdateAgent(ctx, "a1", func(a *Agent) error {
			a.Hostname = "discarded"
			return ErrNoChange
		})
		require.NoError(t, err)
		assert.Equal(t, "host-a1", got.Hostname)

		stored, err := s.GetAgent(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, "host-a1", stored.Hostname)
	})

	t.Run("update agent callback error aborts", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateAgent(ctx, testAgent("a1", now)))

		boom := errors.New("boom")
		_, err := s.UpdateAgent(ctx, "a1", func(a *Agent) error {
			a.Hostname = "discarded"
			return boom
		})
		assert.ErrorIs(t, err, boom)

		stored, err := s.GetAgent(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, "host-a1", stored.Hostname)
	})

	t.Run("list and delete agents", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateAgent(ctx, testAgent("b", now)))
		require.NoError(t, s.CreateAgent(ctx, testAgent("a", now)))

		agents, err := s.ListAgents(ctx)
		require.NoError(t, err)
		require.Len(t, agents, 2)
		assert.Equal(t, "a", agents[0].ID)
		assert.Equal(t, "b", agents[1].ID)

		require.NoError(t, s.DeleteAgent(ctx, "a"))
		agents, err = s.ListAgents(ctx)
		require.NoError(t, err)
		require.Len(t, agents, 1)
		assert.Equal(t, "b", agents[0].ID)
	})

	t.Run("deleting agent keeps its tasks", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateAgent(ctx, testAgent("a1", now)))
		require.NoError(t, s.CreateTask(ctx, testTask("t1", "a1", now)))
		require.NoError(t, s.DeleteAgent(ctx, "a1"))

		task, err := s.GetTask(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "a1", task.AgentID)
	})

	t.Run("task round trip", func(t *testing.T) {
		s := newStore(t)
		task := testTask("t1", "a1", now)
		require.NoError(t, s.CreateTask(ctx, task))
		assert.NotZero(t, task.Seq)

		got, err := s.GetTask(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, TaskImagePull, got.Type)
		assert.Equal(t, TaskPending, got.Status)
		assert.JSONEq(t, `{"image":"nginx:latest"}`, string(got.Payload))
		assert.Empty(t, got.Result)
		assert.Nil(t, got.StartedAt)
		assert.Nil(t, got.CompletedAt)

		_, err = s.GetTask(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		assert.ErrorIs(t, s.CreateTask(ctx, testTask("t1", "a1", now)), ErrDuplicate)
	})

	t.Run("tasks list in creation order", func(t *testing.T) {
		s := newStore(t)
		// Same timestamp for every task: ordering must come from insertion sequence.
		for _, id := range []string{"t3", "t1", "t2"} {
			require.NoError(t, s.CreateTask(ctx, testTask(id, "a1", now)))
		}
		require.NoError(t, s.CreateTask(ctx, testTask("other", "a2", now)))

		tasks, err := s.ListTasks(ctx, TaskFilter{AgentID: "a1"})
		require.NoError(t, err)
		require.Len(t, tasks, 3)
		assert.Equal(t, []string{"t3", "t1", "t2"}, taskIDs(tasks))

		all, err := s.ListTasks(ctx, TaskFilter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"t3", "t1", "t2", "other"}, taskIDs(all))

		limited, err := s.ListTasks(ctx, TaskFilter{AgentID: "a1", Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"t3", "t1"}, taskIDs(limited))
	})

	t.Run("update task and filter by status", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateTask(ctx, testTask("t1", "a1", now)))
		require.NoError(t, s.CreateTask(ctx, testTask("t2", "a1", now)))

		done := now.Add(time.Second)
		updated, err := s.UpdateTask(ctx, "t1", func(task *AgentTask) error {
			task.Status = TaskCompleted
			task.Result = json.RawMessage(`{"digest":"sha256:abc"}`)
			task.UpdatedAt = done
			task.CompletedAt = &done
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, TaskCompleted, updated.Status)

		got, err := s.GetTask(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, TaskCompleted, got.Status)
		assert.JSONEq(t, `{"digest":"sha256:abc"}`, string(got.Result))
		require.NotNil(t, got.CompletedAt)
		assert.True(t, got.CompletedAt.Equal(done))

		pending, err := s.ListTasks(ctx, TaskFilter{AgentID: "a1", Status: TaskPending})
		require.NoError(t, err)
		assert.Equal(t, []string{"t2"}, taskIDs(pending))

		counts, err := s.CountTasksByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, counts[TaskPending])
		assert.Equal(t, 1, counts[TaskCompleted])
	})

	t.Run("update task no change", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateTask(ctx, testTask("t1", "a1", now)))

		got, err := s.UpdateTask(ctx, "t1", func(task *AgentTask) error {
			task.Status = TaskFailed
			return ErrNoChange
		})
		require.NoError(t, err)
		assert.Equal(t, TaskPending, got.Status)

		_, err = s.UpdateTask(ctx, "missing", func(task *AgentTask) error { return nil })
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent task updates are serialized", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateTask(ctx, testTask("t1", "a1", now)))

		// Each writer only transitions a pending task; exactly one may win.
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.UpdateTask(ctx, "t1", func(task *AgentTask) error {
					if task.Status != TaskPending {
						return ErrNoChange
					}
					task.Status = TaskRunning
					task.Error = fmt.Sprintf("writer-%d", i)
					mu.Lock()
					wins++
					mu.Unlock()
					return nil
				})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("deployment round trip and tracked lookup", func(t *testing.T) {
		s := newStore(t)
		d := &Deployment{
			ID:             "d1",
			Name:           "web",
			AgentID:        "a1",
			Kind:           KindStack,
			StackName:      "web",
			Descriptor:     json.RawMessage(`{"composeContent":"services: {}"}`),
			Status:         DeploymentPending,
			Phase:          PhaseDeploy,
			TrackedTaskIDs: []string{"t1", "t2"},
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		require.NoError(t, s.CreateDeployment(ctx, d))
		assert.ErrorIs(t, s.CreateDeployment(ctx, d), ErrDuplicate)

		other := &Deployment{
			ID: "d2", Name: "api", AgentID: "a2", Kind: KindContainer, ContainerName: "api",
			Status: DeploymentPending, Phase: PhaseDeploy, TrackedTaskIDs: []string{"t3"},
			CreatedAt: now.Add(time.Second), UpdatedAt: now.Add(time.Second),
		}
		require.NoError(t, s.CreateDeployment(ctx, other))

		got, err := s.GetDeployment(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, "web", got.StackName)
		assert.Equal(t, []string{"t1", "t2"}, got.TrackedTaskIDs)
		assert.JSONEq(t, `{"composeContent":"services: {}"}`, string(got.Descriptor))

		found, err := s.FindDeploymentsByTask(ctx, "t2")
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "d1", found[0].ID)

		none, err := s.FindDeploymentsByTask(ctx, "t9")
		require.NoError(t, err)
		assert.Empty(t, none)

		byAgent, err := s.ListDeployments(ctx, DeploymentFilter{AgentID: "a2"})
		require.NoError(t, err)
		require.Len(t, byAgent, 1)
		assert.Equal(t, "d2", byAgent[0].ID)

		all, err := s.ListDeployments(ctx, DeploymentFilter{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "d1", all[0].ID)

		_, err = s.GetDeployment(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("update deployment", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateDeployment(ctx, &Deployment{
			ID: "d1", Name: "web", AgentID: "a1", Kind: KindStack, StackName: "web",
			Status: DeploymentPending, Phase: PhaseDeploy, TrackedTaskIDs: []string{"t1"},
			CreatedAt: now, UpdatedAt: now,
		}))

		removed := now.Add(time.Hour)
		_, err := s.UpdateDeployment(ctx, "d1", func(d *Deployment) error {
			d.Status = DeploymentRemoved
			d.Phase = PhaseRemove
			d.TrackedTaskIDs = []string{"t5"}
			d.RemovedAt = &removed
			d.UpdatedAt = removed
			return nil
		})
		require.NoError(t, err)

		got, err := s.GetDeployment(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, DeploymentRemoved, got.Status)
		assert.Equal(t, PhaseRemove, got.Phase)
		require.NotNil(t, got.RemovedAt)
		assert.True(t, got.RemovedAt.Equal(removed))

		found, err := s.FindDeploymentsByTask(ctx, "t1")
		require.NoError(t, err)
		assert.Empty(t, found, "retracked deployment no longer matches its old task")

		counts, err := s.CountDeploymentsByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, counts[DeploymentRemoved])

		_, err = s.UpdateDeployment(ctx, "missing", func(d *Deployment) error { return nil })
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(ctx))
	})
}

func taskIDs(tasks []*AgentTask) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}
