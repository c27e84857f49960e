// ABOUTME: Agent work loop: register, heartbeat on an interval, and execute pending tasks
// ABOUTME: Tasks arrive by polling and, when enabled, by the push stream; each is reported running then terminal

package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/2389/dockhand/internal/protocol"
	"github.com/2389/dockhand/internal/store"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultPollInterval      = 5 * time.Second
	streamRetryDelay         = 5 * time.Second

	// maxFailureOutput bounds executor output appended to a failure message.
	maxFailureOutput = 4096
)

// Executor carries out a task on the agent host.
type Executor interface {
	Execute(ctx context.Context, task protocol.TaskRequest) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task protocol.TaskRequest) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, task protocol.TaskRequest) (json.RawMessage, error) {
	return f(ctx, task)
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Descriptor        protocol.RegisterAgentRequest
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	// UseStream follows the push stream in addition to polling.
	UseStream bool
	// Metrics, when set, is called before each heartbeat.
	Metrics func() protocol.HeartbeatRequest
}

// Runner drives one agent against the controller.
type Runner struct {
	client *Client
	exec   Executor
	cfg    RunnerConfig
	logger *slog.Logger

	// mu serializes task handling between the poll and stream paths.
	mu sync.Mutex
	// handled holds IDs reported running that may still appear in a stale snapshot.
	handled map[string]struct{}
}

// NewRunner creates a Runner. Zero intervals take defaults.
func NewRunner(client *Client, exec Executor, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		client:  client,
		exec:    exec,
		cfg:     cfg,
		logger:  logger.With("component", "runner", "agent_id", client.AgentID()),
		handled: make(map[string]struct{}),
	}
}

// Run registers the agent and works until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	reg, err := r.client.Register(ctx, r.cfg.Descriptor)
	if err != nil {
		return err
	}
	r.logger.Info("registered", "status", reg.Agent.Status)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.heartbeatLoop(ctx)
	}()
	if r.cfg.UseStream {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.streamLoop(ctx)
		}()
	}

	r.pollLoop(ctx)
	wg.Wait()
	return nil
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// Heartbeat sends one heartbeat. An agent the controller no longer knows re-registers.
func (r *Runner) Heartbeat(ctx context.Context) error {
	var hb protocol.HeartbeatRequest
	if r.cfg.Metrics != nil {
		hb = r.cfg.Metrics()
	}
	_, err := r.client.Heartbeat(ctx, hb)
	if IsStatus(err, http.StatusNotFound) {
		r.logger.Warn("controller does not know this agent, re-registering")
		_, err = r.client.Register(ctx, r.cfg.Descriptor)
	}
	return err
}

func (r *Runner) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.PollOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) streamLoop(ctx context.Context) {
	for {
		err := r.client.Stream(ctx, func(msg protocol.StreamMessage) error {
			if msg.Type != protocol.StreamTypeTasks {
				return nil
			}
			r.handle(ctx, msg.Tasks)
			return nil
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.logger.Warn("stream ended", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(streamRetryDelay):
		}
	}
}

// PollOnce fetches and executes pending tasks, returning how many ran.
func (r *Runner) PollOnce(ctx context.Context) (int, error) {
	pending, err := r.client.FetchTasks(ctx)
	if err != nil {
		return 0, err
	}
	return r.handle(ctx, pending), nil
}

// handle executes tasks in order, skipping any this runner already started.
func (r *Runner) handle(ctx context.Context, pending []protocol.TaskRequest) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	// IDs missing from a fresh pending list are no longer pending and cannot reappear.
	current := make(map[string]struct{}, len(pending))
	for _, t := range pending {
		current[t.ID] = struct{}{}
	}
	for id := range r.handled {
		if _, ok := current[id]; !ok {
			delete(r.handled, id)
		}
	}

	ran := 0
	for _, task := range pending {
		if ctx.Err() != nil {
			break
		}
		if _, ok := r.handled[task.ID]; ok {
			continue
		}
		r.handled[task.ID] = struct{}{}
		if r.execute(ctx, task) {
			ran++
		}
	}
	return ran
}

// execute reports running, runs the task, and reports the outcome.
func (r *Runner) execute(ctx context.Context, task protocol.TaskRequest) bool {
	logger := r.logger.With("task_id", task.ID, "type", task.Type)

	if _, err := r.client.ReportResult(ctx, task.ID, protocol.SubmitTaskResult{Status: store.TaskRunning}); err != nil {
		// Conflict means the task already finished or was cancelled.
		if !IsStatus(err, http.StatusConflict) {
			logger.Warn("could not claim task", "error", err)
		}
		return false
	}

	result, execErr := r.exec.Execute(ctx, task)
	report := protocol.SubmitTaskResult{Status: store.TaskCompleted, Result: result}
	if execErr != nil {
		report = protocol.SubmitTaskResult{Status: store.TaskFailed, Error: failureMessage(execErr, result)}
	}

	if _, err := r.client.ReportResult(ctx, task.ID, report); err != nil {
		if errors.Is(err, context.Canceled) {
			return false
		}
		logger.Error("reporting result failed", "status", report.Status, "error", err)
		return false
	}
	logger.Info("task finished", "status", report.Status)
	return true
}

// failureMessage folds any output an executor returned with its error into
// the error text. Failed reports cannot carry a result.
func failureMessage(err error, output json.RawMessage) string {
	out := strings.TrimSpace(string(output))
	if out == "" || out == "null" {
		return err.Error()
	}
	if len(out) > maxFailureOutput {
		out = out[:maxFailureOutput] + "..."
	}
	return err.Error() + ": " + out
}
