// ABOUTME: Tests for the per-agent notification broadcaster
// ABOUTME: Covers delivery, isolation, coalescing, context cancellation, and close

package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case _, ok := <-ch:
		require.True(t, ok, "channel closed unexpectedly")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for signal")
	}
}

func assertQuiet(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("unexpected signal")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_DeliversToAllSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context(), "a1")
	ch2, _ := b.Subscribe(t.Context(), "a1")
	assert.Equal(t, 2, b.Subscribers("a1"))

	b.Notify("a1")
	receive(t, ch1)
	receive(t, ch2)
}

func TestBroadcaster_AgentsAreIsolated(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context(), "a1")
	ch2, _ := b.Subscribe(t.Context(), "a2")

	b.Notify("a1")
	receive(t, ch1)
	assertQuiet(t, ch2)
}

func TestBroadcaster_CoalescesSignals(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "a1")
	for range 10 {
		b.Notify("a1")
	}

	receive(t, ch)
	assertQuiet(t, ch)
}

func TestBroadcaster_NotifyWithoutSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	assert.NotPanics(t, func() { b.Notify("nobody") })
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "a1")
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel was not closed after cancel")
	}
	assert.Eventually(t, func() bool { return b.Subscribers("a1") == 0 }, time.Second, 10*time.Millisecond)
}

func TestBroadcaster_UnsubscribeTwice(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	_, id := b.Subscribe(t.Context(), "a1")
	b.Unsubscribe("a1", id)
	assert.NotPanics(t, func() { b.Unsubscribe("a1", id) })
	assert.Zero(t, b.Subscribers("a1"))
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster(nil)

	ch, _ := b.Subscribe(t.Context(), "a1")
	b.Close()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := b.Subscribe(t.Context(), "a1")
	_, ok = <-late
	assert.False(t, ok)
}

func TestBroadcaster_ConcurrentUse(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithCancel(context.Background())
			ch, _ := b.Subscribe(ctx, "a1")
			b.Notify("a1")
			<-ch
			cancel()
		}()
		go func() {
			defer wg.Done()
			b.Notify("a1")
		}()
	}
	wg.Wait()
}
