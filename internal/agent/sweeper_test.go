// ABOUTME: Tests for the liveness sweeper
// ABOUTME: Verifies published counts and that stored agent status is left untouched

package agent

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/dockhand/internal/metrics"
	"github.com/2389/dockhand/internal/store"
)

func TestSweeper_Sweep(t *testing.T) {
	r, s, clock := newTestRegistry(t, Options{LivenessTimeout: time.Minute})
	ctx := context.Background()

	_, err := r.Register(ctx, h1(), Credentials{})
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	_, err = r.Register(ctx, Descriptor{ID: "a2", Hostname: "h2"}, Credentials{})
	require.NoError(t, err)

	sw := NewSweeper(r, time.Second, slog.Default())
	counts := sw.Sweep(ctx)
	assert.Equal(t, 1, counts[store.AgentOnline])
	assert.Equal(t, 1, counts[store.AgentOffline])

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Agents.WithLabelValues("online")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Agents.WithLabelValues("offline")))

	stored, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentOnline, stored.Status, "sweeper never writes status")
	assert.True(t, sw.stale["a1"])

	// Forgotten once the agent is deleted.
	require.NoError(t, r.Delete(ctx, "a1"))
	sw.Sweep(ctx)
	assert.NotContains(t, sw.stale, "a1")
}

func TestSweeper_StorageFailure(t *testing.T) {
	r, s, _ := newTestRegistry(t, Options{})
	s.SetFail(assert.AnError)

	sw := NewSweeper(r, time.Second, slog.Default())
	assert.Nil(t, sw.Sweep(context.Background()))
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	r, _, _ := newTestRegistry(t, Options{})
	sw := NewSweeper(r, 10*time.Millisecond, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
