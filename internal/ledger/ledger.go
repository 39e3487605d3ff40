package ledger

import (
	"context"
	"time"
)

// Ledger defines the contract implemented by payment ledger backends
// (e.g. Postgres). Implementations serialize transition attempts per
// payment id and append a log entry for every state change.
type Ledger interface {
	// Create stores a new payment in its initial state and appends the
	// first log entry. The id must be unused.
	Create(ctx context.Context, payment Payment, message string) (Payment, error)

	// Transition moves the payment to a new state, enforcing the state
	// machine, and appends a log entry. Completed transitions stamp
	// CompletedAt.
	Transition(ctx context.Context, id string, to State, message string) (Payment, error)

	// Annotate appends a log entry without changing state, used to link
	// refunds onto the original payment's audit trail.
	Annotate(ctx context.Context, id, message string) error

	// Get fetches one payment by id.
	Get(ctx context.Context, id string) (Payment, error)

	// Log returns the payment's audit trail in append order.
	Log(ctx context.Context, id string) ([]LogEntry, error)

	// FindRefundOf returns the refund payment linked to originalID if one
	// exists, making refund submission idempotent per original payment.
	// Failed attempts are excluded: they returned nothing and do not block
	// a retry.
	FindRefundOf(ctx context.Context, originalID string) (Payment, bool, error)

	// FindProcessingOlderThan lists payments stuck in Processing since
	// before cutoff; the reconciliation job settles them.
	FindProcessingOlderThan(ctx context.Context, cutoff time.Time) ([]Payment, error)
}
