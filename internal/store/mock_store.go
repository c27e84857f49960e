// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while matching its ordering and atomicity

package store

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	agents      map[string]*Agent      // keyed by agent ID
	tasks       map[string]*AgentTask  // keyed by task ID
	deployments map[string]*Deployment // keyed by deployment ID
	seq         int64

	// fail, when set, is returned by every call. Used to simulate storage outages.
	fail error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:      make(map[string]*Agent),
		tasks:       make(map[string]*AgentTask),
		deployments: make(map[string]*Deployment),
	}
}

// CreateAgent stores a new agent.
func (m *MockStore) CreateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail != nil {
		return m.fail
	}
	if _, ok := m.agents[agent.ID]; ok {
		return ErrDuplicate
	}
	m.agents[agent.ID] = cloneAgent(agent)
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.fail != nil {
		return nil, m.fail
	}
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAgent(a), nil
}

// ListAgents returns all agents ordered by ID.
func (m *MockStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.fail != nil {
		return nil, m.fail
	}
	agents := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, cloneAgent(a))
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

// UpdateAgent applies fn to a copy of the agent under the write lock.
func (m *MockStore) UpdateAgent(ctx context.Context, id string, fn func(*Agent) error) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail != nil {
		return nil, m.fail
	}
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}

	working := cloneAgent(a)
	if err := fn(working); err != nil {
		if errors.Is(err, ErrNoChange) {
			return cloneAgent(a), nil
		}
		return nil, err
	}
	working.ID = id
	m.agents[id] = cloneAgent(working)
	return working, nil
}

// DeleteAgent removes an agent.
func (m *MockStore) DeleteAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail != nil {
		return m.fail
	}
	if _, ok := m.agents[id]; !ok {
		return ErrNotFound
	}
	delete(m.agents, id)
	return nil
}

// CreateTask stores a new task and assigns its sequence number.
func (m *MockStore) CreateTask(ctx context.Context, task *AgentTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail != nil {
		return m.fail
	}
	if _, ok := m.tasks[task.ID]; ok {
		return ErrDuplicate
	}
	m.seq++
	task.Seq = m.seq
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// GetTask retrieves a task by ID.
func (m *MockStore) GetTask(ctx context.Context, id string) (*AgentTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.fail != nil {
		return nil, m.fail
	}
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(t), nil
}

// ListTasks returns tasks matching filter in creation order.
func (m *MockStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*AgentTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.fail != nil {
		return nil, m.fail
	}
	var tasks []*AgentTask
	for _, t := range m.tasks {
		if filter.AgentID != "" && t.AgentID != filter.AgentID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		tasks = append(tasks, cloneTask(t))
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Seq < tasks[j].Seq })
	if filter.Limit > 0 && len(tasks) > filter.Limit {
		tasks = tasks[:filter.Limit]
	}
	return tasks, nil
}

// UpdateTask applies fn to a copy of the task under the write lock.
func (m *MockStore) UpdateTask(ctx context.Context, id string, fn func(*AgentTask) error) (*AgentTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail != nil {
		return nil, m.fail
	}
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}

	working := cloneTask(t)
	if err := fn(working); err != nil {
		if errors.Is(err, ErrNoChange) {
			return cloneTask(t), nil
		}
		return nil, err
	}
	// Identity, owner, type, payload, and sequence are immutable.
	working.ID, working.AgentID, working.Type, working.Seq = t.ID, t.AgentID, t.Type, t.Seq
	working.Payload = slices.Clone(t.Payload)
	m.tasks[id] = cloneTask(working)
	return working, nil
}

// CountTasksByStatus returns the number of tasks in each status.
func (m *MockStore) CountTasksByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.fail != nil {
		return nil, m.fail
	}
	counts := make(map[TaskStatus]int)
	for _, t := range m.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

// CreateDeployment stores a new deployment.
func (m *MockStore) CreateDeployment(ctx context.Context, d *Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail != nil {
		return m.fail
	}
	if _, ok := m.deployments[d.ID]; ok {
		return ErrDuplicate
	}
	m.deployments[d.ID] = cloneDeployment(d)
	return nil
}

// GetDeployment retrieves a deployment by ID.
func (m *MockStore) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.fail != nil {
		return nil, m.fail
	}
	d, ok := m.deployments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDeployment(d), nil
}

// ListDeployments returns deployments matching filter, oldest first.
func (m *MockStore) ListDeployments(ctx context.Context, filter DeploymentFilter) ([]*Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.fail != nil {
		return nil, m.fail
	}
	var out []*Deployment
	for _, d := range m.deployments {
		if filter.AgentID != "" && d.AgentID != filter.AgentID {
			continue
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		out = append(out, cloneDeployment(d))
	}
	sortDeployments(out)
	return out, nil
}

// FindDeploymentsByTask returns deployments tracking taskID.
func (m *MockStore) FindDeploymentsByTask(ctx context.Context, taskID string) ([]*Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.fail != nil {
		return nil, m.fail
	}
	var out []*Deployment
	for _, d := range m.deployments {
		if slices.Contains(d.TrackedTaskIDs, taskID) {
			out = append(out, cloneDeployment(d))
		}
	}
	sortDeployments(out)
	return out, nil
}

// UpdateDeployment applies fn to a copy of the deployment under the write lock.
func (m *MockStore) UpdateDeployment(ctx context.Context, id string, fn func(*Deployment) error) (*Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail != nil {
		return nil, m.fail
	}
	d, ok := m.deployments[id]
	if !ok {
		return nil, ErrNotFound
	}

	working := cloneDeployment(d)
	if err := fn(working); err != nil {
		if errors.Is(err, ErrNoChange) {
			return cloneDeployment(d), nil
		}
		return nil, err
	}
	working.ID, working.AgentID, working.Kind = d.ID, d.AgentID, d.Kind
	m.deployments[id] = cloneDeployment(working)
	return working, nil
}

// CountDeploymentsByStatus returns the number of deployments in each status.
func (m *MockStore) CountDeploymentsByStatus(ctx context.Context) (map[DeploymentStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.fail != nil {
		return nil, m.fail
	}
	counts := make(map[DeploymentStatus]int)
	for _, d := range m.deployments {
		counts[d.Status]++
	}
	return counts, nil
}

// Ping always succeeds unless a failure is set.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fail
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

func sortDeployments(ds []*Deployment) {
	sort.Slice(ds, func(i, j int) bool {
		if !ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].CreatedAt.Before(ds[j].CreatedAt)
		}
		return ds[i].ID < ds[j].ID
	})
}

// SetFail sets the error returned by every subsequent call; nil clears it.
func (m *MockStore) SetFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// Compile-time interface checks
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
