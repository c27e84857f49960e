// ABOUTME: Idempotency record model and the storage contract its backends implement
// ABOUTME: A key is either locked while the first request runs or holds the captured response

package idempotency

import (
	"context"
	"time"
)

// State distinguishes an in-flight request from a completed one.
type State string

const (
	StateLocked State = "locked"
	StateResult State = "result"
)

// LockTTL bounds how long an in-flight reservation survives a crashed handler.
const LockTTL = time.Minute

// Record is what a backend holds for one key.
type Record struct {
	State       State     `json:"state"`
	Fingerprint string    `json:"fingerprint"`
	StatusCode  int       `json:"statusCode,omitempty"`
	ContentType string    `json:"contentType,omitempty"`
	Body        []byte    `json:"body,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists idempotency records.
type Store interface {
	// Begin reserves key for the caller. It returns nil when the caller now
	// holds the reservation, or the existing record when the key is taken.
	Begin(ctx context.Context, key, fingerprint string) (*Record, error)
	// Complete stores the captured response for a reserved key.
	Complete(ctx context.Context, key string, rec *Record) error
	// Release drops a reservation so the request may be retried.
	Release(ctx context.Context, key string) error
	Close() error
}
