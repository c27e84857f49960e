// ABOUTME: Thread-safe in-memory idempotency store with TTL expiry and LRU eviction
// ABOUTME: Default backend for single-instance deployments

package idempotency

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	record  *Record
	expires time.Time
	element *list.Element
}

// MemoryStore keeps records in process. Insertion order is tracked in a
// doubly-linked list so the oldest key is evicted in O(1) at capacity.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// NewMemoryStore creates a store whose completed records live for ttl.
// A background goroutine periodically removes expired entries.
func NewMemoryStore(ttl time.Duration, maxSize int) *MemoryStore {
	s := newMemoryStore(ttl, maxSize, time.Now)
	go s.cleanup()
	return s
}

func newMemoryStore(ttl time.Duration, maxSize int, now func() time.Time) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
}

// Begin reserves key unless a live record exists.
func (s *MemoryStore) Begin(_ context.Context, key, fingerprint string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok {
		if now.Before(e.expires) {
			rec := *e.record
			return &rec, nil
		}
		s.removeLocked(key, e)
	}

	s.putLocked(key, &Record{State: StateLocked, Fingerprint: fingerprint, CreatedAt: now}, now.Add(LockTTL))
	return nil, nil
}

// Complete replaces the reservation with the captured response.
func (s *MemoryStore) Complete(_ context.Context, key string, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stored := *rec
	stored.State = StateResult
	stored.CreatedAt = now
	if e, ok := s.entries[key]; ok {
		e.record = &stored
		e.expires = now.Add(s.ttl)
		s.order.MoveToBack(e.element)
		return nil
	}
	s.putLocked(key, &stored, now.Add(s.ttl))
	return nil
}

// Release drops key.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		s.removeLocked(key, e)
	}
	return nil
}

// Len returns the number of stored keys, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// putLocked inserts a new key, evicting the oldest at capacity. Must be called with mu held.
func (s *MemoryStore) putLocked(key string, rec *Record, expires time.Time) {
	if len(s.entries) >= s.maxSize {
		if front := s.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			s.removeLocked(oldest, s.entries[oldest])
		}
	}
	s.entries[key] = &memoryEntry{record: rec, expires: expires, element: s.order.PushBack(key)}
}

func (s *MemoryStore) removeLocked(key string, e *memoryEntry) {
	s.order.Remove(e.element)
	delete(s.entries, key)
}

func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runCleanup()
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) runCleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, e := range s.entries {
		if !now.Before(e.expires) {
			s.removeLocked(key, e)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		close(s.done)
		s.closed = true
	}
	return nil
}
