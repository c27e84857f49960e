// ABOUTME: Liveness evaluation that derives an agent's effective status from lastSeen
// ABOUTME: Pure functions; the stored status is never downgraded, only the view returned to callers

package agent

import (
	"time"

	"github.com/2389/dockhand/internal/store"
)

// DefaultTimeout is how long an agent may stay silent before it is reported offline.
const DefaultTimeout = 5 * time.Minute

// EffectiveStatus returns the stored status if the agent was seen within
// timeout of now, and offline otherwise. An agent seen exactly timeout ago
// is still considered fresh.
func EffectiveStatus(a *store.Agent, now time.Time, timeout time.Duration) store.AgentStatus {
	if now.Sub(a.LastSeen) > timeout {
		return store.AgentOffline
	}
	return a.Status
}

// Apply returns a shallow copy of a with Status replaced by its effective status.
func Apply(a *store.Agent, now time.Time, timeout time.Duration) *store.Agent {
	c := *a
	c.Status = EffectiveStatus(a, now, timeout)
	return &c
}

// ApplyAll is Apply over a slice.
func ApplyAll(agents []*store.Agent, now time.Time, timeout time.Duration) []*store.Agent {
	out := make([]*store.Agent, len(agents))
	for i, a := range agents {
		out[i] = Apply(a, now, timeout)
	}
	return out
}

// CountByStatus tallies agents by effective status. Every status is present in the result.
func CountByStatus(agents []*store.Agent, now time.Time, timeout time.Duration) map[store.AgentStatus]int {
	counts := make(map[store.AgentStatus]int, len(store.AgentStatuses))
	for _, s := range store.AgentStatuses {
		counts[s] = 0
	}
	for _, a := range agents {
		counts[EffectiveStatus(a, now, timeout)]++
	}
	return counts
}
