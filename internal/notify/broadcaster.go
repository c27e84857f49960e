// ABOUTME: In-memory per-agent fan-out of "new work queued" signals
// ABOUTME: Feeds the agent WebSocket stream so connected agents fetch without waiting for a poll

package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Broadcaster provides in-memory pub/sub keyed by agent ID. A signal carries
// no data: subscribers respond by reading the agent's pending tasks, so
// signals that arrive while one is already buffered are coalesced.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan struct{} // agentID -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan struct{}),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for signals about agentID. The returned channel is
// closed when ctx is cancelled, when Unsubscribe is called, or when the
// broadcaster closes.
func (b *Broadcaster) Subscribe(ctx context.Context, agentID string) (<-chan struct{}, string) {
	subID := uuid.NewString()
	ch := make(chan struct{}, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[agentID]; !ok {
		b.subscribers[agentID] = make(map[string]chan struct{})
	}
	b.subscribers[agentID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "agent_id", agentID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(agentID, subID)
	}()

	return ch, subID
}

// Notify signals every subscriber of agentID. It never blocks.
func (b *Broadcaster) Notify(agentID string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[agentID] {
		select {
		case ch <- struct{}{}:
		default:
			// A signal is already pending for this subscriber.
		}
	}
}

// Subscribers returns the number of live subscriptions for agentID.
func (b *Broadcaster) Subscribers(agentID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[agentID])
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(agentID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[agentID]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, agentID)
	}

	b.logger.Debug("subscriber removed", "agent_id", agentID, "sub_id", subID)
}

// Close closes every subscriber channel. Later subscriptions are closed immediately.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for agentID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, agentID)
	}
	b.closed = true
	b.logger.Debug("broadcaster closed")
}
