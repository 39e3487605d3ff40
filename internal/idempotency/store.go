package idempotency

import (
	"context"
	"errors"
	"time"
)

// Outcome is the recorded result of a previously processed request key.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
)

// ErrRequestMismatch indicates the key was reused with a different request
// payload. This signals a client bug; another payload's outcome is never
// silently replayed.
var ErrRequestMismatch = errors.New("idempotency key reused with different request")

// Record is the durable outcome stored for a request key.
type Record struct {
	Key         string    `json:"key"`
	PaymentID   string    `json:"payment_id"`
	Outcome     Outcome   `json:"outcome"`
	Reason      string    `json:"reason,omitempty"`
	RequestHash string    `json:"request_hash"`
	StoredAt    time.Time `json:"stored_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// BeginState describes what Begin found for a key.
type BeginState int

const (
	// BeginReserved means the caller won the key and must execute.
	BeginReserved BeginState = iota
	// BeginInProgress means another request holds the reservation; the
	// caller should await that winner's record.
	BeginInProgress
	// BeginCompleted means a final record already exists.
	BeginCompleted
)

// BeginResult carries the state and, for BeginCompleted, the stored record.
type BeginResult struct {
	State  BeginState
	Record Record
}

// Store maps request keys to payment outcomes with at-most-one-execution
// semantics: concurrent first arrivals for one key resolve to exactly one
// reservation via conditional insert.
type Store interface {
	// Begin reserves key for execution, or reports the existing
	// reservation/record. Returns ErrRequestMismatch when the stored
	// request hash differs from requestHash.
	Begin(ctx context.Context, key, requestHash string) (BeginResult, error)

	// Complete replaces the reservation with the final record.
	Complete(ctx context.Context, key string, record Record) error

	// Get returns the final record for key, reporting whether one exists.
	// An in-progress reservation does not count as a record.
	Get(ctx context.Context, key string) (Record, bool, error)

	// Release drops the reservation so the key can be retried, used when
	// execution ends without a persistable outcome.
	Release(ctx context.Context, key string) error
}
