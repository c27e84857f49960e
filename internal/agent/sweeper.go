// ABOUTME: Periodic liveness sweep that refreshes the agents-by-status gauge
// ABOUTME: Logs agents whose effective status flips offline; never writes stored status

package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/dockhand/internal/metrics"
	"github.com/2389/dockhand/internal/store"
)

// Sweeper periodically evaluates effective status for every agent.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	stale map[string]bool // agents reported offline by the last sweep
}

// NewSweeper creates a Sweeper. interval must be positive.
func NewSweeper(registry *Registry, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		registry: registry,
		interval: interval,
		logger:   logger.With("component", "sweeper"),
		stale:    make(map[string]bool),
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("liveness sweeper started", "interval", s.interval, "timeout", s.registry.timeout)
	s.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one evaluation pass and returns the counts it published.
func (s *Sweeper) Sweep(ctx context.Context) map[store.AgentStatus]int {
	agents, err := s.registry.List(ctx)
	if err != nil {
		s.logger.Error("listing agents for sweep", "error", err)
		return nil
	}

	now := s.registry.now()
	counts := CountByStatus(agents, now, s.registry.timeout)
	for status, n := range counts {
		metrics.Agents.WithLabelValues(string(status)).Set(float64(n))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool, len(agents))
	for _, a := range agents {
		seen[a.ID] = true
		// Only agents whose stored status disagrees are worth reporting.
		stale := a.Status != store.AgentOffline && EffectiveStatus(a, now, s.registry.timeout) == store.AgentOffline
		if stale && !s.stale[a.ID] {
			s.logger.Warn("agent heartbeat expired",
				"agent_id", a.ID,
				"stored_status", a.Status,
				"last_seen", a.LastSeen,
			)
		}
		s.stale[a.ID] = stale
	}
	for id := range s.stale {
		if !seen[id] {
			delete(s.stale, id)
		}
	}
	return counts
}
