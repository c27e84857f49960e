// ABOUTME: Tests for the runner's claim, execute, and report cycle against a stub controller
// ABOUTME: Covers conflict skips, duplicate snapshot suppression, failure reports, and re-registration

package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/dockhand/internal/protocol"
	"github.com/2389/dockhand/internal/store"
)

// stubController serves a fixed pending list and records reported results.
type stubController struct {
	mu        sync.Mutex
	pending   []protocol.TaskRequest
	conflicts map[string]bool
	reports   map[string][]protocol.SubmitTaskResult
}

func newStubController(t *testing.T, pending ...protocol.TaskRequest) (*stubController, string) {
	t.Helper()
	sc := &stubController{
		pending:   pending,
		conflicts: make(map[string]bool),
		reports:   make(map[string][]protocol.SubmitTaskResult),
	}
	srv := newStub(t, func(r *mux.Router) {
		r.HandleFunc("/api/agents/edge-1/tasks", func(w http.ResponseWriter, r *http.Request) {
			sc.mu.Lock()
			defer sc.mu.Unlock()
			writeJSON(w, http.StatusOK, protocol.TasksResponse{Success: true, Tasks: sc.pending})
		}).Methods(http.MethodGet)
		r.HandleFunc("/api/agents/edge-1/tasks/{taskId}/result", func(w http.ResponseWriter, r *http.Request) {
			id := mux.Vars(r)["taskId"]
			var res protocol.SubmitTaskResult
			if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
				writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: err.Error(), Code: "validation_error"})
				return
			}
			if res.Status == store.TaskFailed && len(res.Result) > 0 {
				writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: "a failed task cannot carry a result", Code: "validation_error"})
				return
			}
			sc.mu.Lock()
			defer sc.mu.Unlock()
			if sc.conflicts[id] {
				writeJSON(w, http.StatusConflict, protocol.ErrorResponse{Error: "task is already cancelled", Code: "conflict"})
				return
			}
			sc.reports[id] = append(sc.reports[id], res)
			writeJSON(w, http.StatusOK, protocol.TaskResponse{Success: true, Task: &store.AgentTask{ID: id, Status: res.Status}})
		}).Methods(http.MethodPost)
	})
	return sc, srv.URL
}

func (sc *stubController) setPending(tasks ...protocol.TaskRequest) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.pending = tasks
}

func (sc *stubController) reported(id string) []protocol.SubmitTaskResult {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]protocol.SubmitTaskResult(nil), sc.reports[id]...)
}

// recorder is an Executor that remembers which tasks it ran.
type recorder struct {
	ran  []string
	fail map[string]error
}

func (r *recorder) Execute(_ context.Context, task protocol.TaskRequest) (json.RawMessage, error) {
	r.ran = append(r.ran, task.ID)
	if err := r.fail[task.ID]; err != nil {
		return nil, err
	}
	return json.RawMessage(`{"exitCode":0}`), nil
}

func task(id string) protocol.TaskRequest {
	return protocol.TaskRequest{ID: id, Type: store.TaskDockerCommand, Payload: json.RawMessage(`{"command":"ps"}`)}
}

func TestPollOnce_ReportsRunningThenCompleted(t *testing.T) {
	sc, url := newStubController(t, task("t1"))
	rec := &recorder{}
	r := NewRunner(New(Options{BaseURL: url, AgentID: "edge-1"}), rec, RunnerConfig{}, nil)

	ran, err := r.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, ran)
	assert.Equal(t, []string{"t1"}, rec.ran)

	reports := sc.reported("t1")
	require.Len(t, reports, 2)
	assert.Equal(t, store.TaskRunning, reports[0].Status)
	assert.Equal(t, store.TaskCompleted, reports[1].Status)
	assert.JSONEq(t, `{"exitCode":0}`, string(reports[1].Result))
}

func TestPollOnce_SkipsConflictingClaim(t *testing.T) {
	sc, url := newStubController(t, task("t1"), task("t2"))
	sc.conflicts["t1"] = true
	rec := &recorder{}
	r := NewRunner(New(Options{BaseURL: url, AgentID: "edge-1"}), rec, RunnerConfig{}, nil)

	ran, err := r.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, ran)
	assert.Equal(t, []string{"t2"}, rec.ran)
	assert.Empty(t, sc.reported("t1"))
}

func TestPollOnce_ExecutorErrorReportsFailed(t *testing.T) {
	sc, url := newStubController(t, task("t1"))
	rec := &recorder{fail: map[string]error{"t1": errors.New("no such image")}}
	r := NewRunner(New(Options{BaseURL: url, AgentID: "edge-1"}), rec, RunnerConfig{}, nil)

	_, err := r.PollOnce(context.Background())
	require.NoError(t, err)

	reports := sc.reported("t1")
	require.Len(t, reports, 2)
	assert.Equal(t, store.TaskFailed, reports[1].Status)
	assert.Equal(t, "no such image", reports[1].Error)
}

func TestPollOnce_FailureOutputMovesIntoError(t *testing.T) {
	sc, url := newStubController(t, task("t1"))
	exec := ExecutorFunc(func(context.Context, protocol.TaskRequest) (json.RawMessage, error) {
		return json.RawMessage(`{"stderr":"port 80 already in use"}`), errors.New("exit status 1")
	})
	r := NewRunner(New(Options{BaseURL: url, AgentID: "edge-1"}), exec, RunnerConfig{}, nil)

	ran, err := r.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, ran)

	reports := sc.reported("t1")
	require.Len(t, reports, 2)
	assert.Equal(t, store.TaskFailed, reports[1].Status)
	assert.Empty(t, reports[1].Result)
	assert.Equal(t, `exit status 1: {"stderr":"port 80 already in use"}`, reports[1].Error)
}

func TestFailureMessage(t *testing.T) {
	cause := errors.New("exit status 1")
	assert.Equal(t, "exit status 1", failureMessage(cause, nil))
	assert.Equal(t, "exit status 1", failureMessage(cause, json.RawMessage("null")))

	long := failureMessage(cause, json.RawMessage(strings.Repeat("x", maxFailureOutput+10)))
	assert.Equal(t, len("exit status 1: ")+maxFailureOutput+len("..."), len(long))
}

func TestPollOnce_StaleSnapshotNotRerun(t *testing.T) {
	// The stub never advances status, so t1 stays in every pending list.
	sc, url := newStubController(t, task("t1"))
	rec := &recorder{}
	r := NewRunner(New(Options{BaseURL: url, AgentID: "edge-1"}), rec, RunnerConfig{}, nil)

	_, err := r.PollOnce(context.Background())
	require.NoError(t, err)
	ran, err := r.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, ran)
	assert.Equal(t, []string{"t1"}, rec.ran)

	sc.setPending()
	_, err = r.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, r.handled)
}

func TestHeartbeat_ReregistersOn404(t *testing.T) {
	var registered atomic.Int32
	srv := newStub(t, func(r *mux.Router) {
		r.HandleFunc("/api/agents/edge-1/heartbeat", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, protocol.ErrorResponse{Error: "agent edge-1 is not registered", Code: "not_found"})
		})
		r.HandleFunc("/api/agents/register", func(w http.ResponseWriter, r *http.Request) {
			registered.Add(1)
			var req protocol.RegisterAgentRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "edge", req.Hostname)
			writeJSON(w, http.StatusCreated, protocol.RegisterAgentResponse{
				Success: true,
				Agent:   &store.Agent{ID: req.ID, Hostname: req.Hostname, Status: store.AgentOnline},
				Token:   "fresh",
			})
		})
	})

	client := New(Options{BaseURL: srv.URL, AgentID: "edge-1", Token: "stale"})
	r := NewRunner(client, &recorder{}, RunnerConfig{Descriptor: protocol.RegisterAgentRequest{Hostname: "edge"}}, nil)

	require.NoError(t, r.Heartbeat(context.Background()))
	assert.Equal(t, int32(1), registered.Load())
	assert.Equal(t, "fresh", client.Token())
}

func TestHeartbeat_SendsMetrics(t *testing.T) {
	got := make(chan protocol.HeartbeatRequest, 1)
	srv := newStub(t, func(r *mux.Router) {
		r.HandleFunc("/api/agents/edge-1/heartbeat", func(w http.ResponseWriter, r *http.Request) {
			var hb protocol.HeartbeatRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&hb))
			got <- hb
			writeJSON(w, http.StatusOK, protocol.AgentResponse{Success: true, Agent: &store.Agent{ID: "edge-1"}})
		})
	})

	r := NewRunner(New(Options{BaseURL: srv.URL, AgentID: "edge-1"}), &recorder{}, RunnerConfig{
		Metrics: func() protocol.HeartbeatRequest {
			return protocol.HeartbeatRequest{Metrics: map[string]any{"cpu": 0.5}}
		},
	}, nil)

	require.NoError(t, r.Heartbeat(context.Background()))
	assert.Equal(t, 0.5, (<-got).Metrics["cpu"])
}
