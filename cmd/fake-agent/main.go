// ABOUTME: Reference agent for E2E testing that speaks the poll API without touching Docker.
// ABOUTME: Usage: fake-agent [-url http://localhost:8080] [-id fake-agent-1] [-fail-types compose_up,image_pull]

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/2389/dockhand/internal/agentclient"
	"github.com/2389/dockhand/internal/protocol"
	"github.com/2389/dockhand/internal/store"
)

func main() {
	url := flag.String("url", "http://localhost:8080", "controller base URL")
	agentID := flag.String("id", "fake-agent-1", "agent ID")
	hostname := flag.String("hostname", "fake-host", "hostname to report")
	token := flag.String("token", os.Getenv("DOCKHAND_AGENT_TOKEN"), "previously issued agent token")
	enrollmentKey := flag.String("enrollment-key", os.Getenv("DOCKHAND_ENROLLMENT_KEY"), "enrollment key for first registration")
	failTypes := flag.String("fail-types", "", "comma-separated task types to report as failed")
	delay := flag.Duration("delay", 100*time.Millisecond, "simulated work time per task")
	poll := flag.Duration("poll", 5*time.Second, "poll interval")
	heartbeat := flag.Duration("heartbeat", 30*time.Second, "heartbeat interval")
	stream := flag.Bool("stream", false, "follow the push stream in addition to polling")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := agentclient.New(agentclient.Options{
		BaseURL:       *url,
		AgentID:       *agentID,
		Token:         *token,
		EnrollmentKey: *enrollmentKey,
		RetryCount:    3,
		Logger:        logger,
	})

	exec := &syntheticExecutor{fail: parseTypes(*failTypes), delay: *delay}
	runner := agentclient.NewRunner(client, exec, agentclient.RunnerConfig{
		Descriptor: protocol.RegisterAgentRequest{
			Hostname:     *hostname,
			Platform:     runtime.GOOS + "/" + runtime.GOARCH,
			Version:      "fake",
			Capabilities: []string{"docker", "compose"},
		},
		HeartbeatInterval: *heartbeat,
		PollInterval:      *poll,
		UseStream:         *stream,
		Metrics:           exec.metrics,
	}, logger)

	if err := runner.Run(ctx); err != nil {
		log.Fatal(err)
	}
	if t := client.Token(); t != "" && t != *token {
		fmt.Fprintf(os.Stderr, "agent token (reuse with -token): %s\n", t)
	}
}

func parseTypes(s string) map[store.TaskType]bool {
	out := make(map[store.TaskType]bool)
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out[store.TaskType(part)] = true
		}
	}
	return out
}

// syntheticExecutor pretends to run tasks and returns canned results.
type syntheticExecutor struct {
	fail  map[store.TaskType]bool
	delay time.Duration
	ran   atomic.Int64
}

func (e *syntheticExecutor) Execute(ctx context.Context, task protocol.TaskRequest) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(e.delay):
	}
	e.ran.Add(1)

	if e.fail[task.Type] {
		return nil, fmt.Errorf("simulated failure for %s", task.Type)
	}

	result := map[string]any{
		"type":     task.Type,
		"exitCode": 0,
		"stdout":   fmt.Sprintf("fake %s ok", task.Type),
	}
	if task.Type == store.TaskContainerRun {
		result["containerId"] = fmt.Sprintf("fake-%s", task.ID)
	}
	return json.Marshal(result)
}

func (e *syntheticExecutor) metrics() protocol.HeartbeatRequest {
	return protocol.HeartbeatRequest{
		Metrics: map[string]any{"goroutines": runtime.NumGoroutine(), "tasksRun": e.ran.Load()},
		Docker:  map[string]any{"version": "fake", "containers": 0},
	}
}
