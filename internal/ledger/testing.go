package ledger

import (
	"context"
	"time"
)

// SeedCompleted inserts a payment directly in Completed state. Useful for
// refund tests that need a settled payment without replaying its lifecycle.
func SeedCompleted(l Ledger, payment Payment) (Payment, error) {
	payment.State = StateProcessing
	created, err := l.Create(context.Background(), payment, "seeded")
	if err != nil {
		return Payment{}, err
	}
	return l.Transition(context.Background(), created.ID, StateCompleted, "seeded completed")
}

// SeedProcessingSince inserts a payment stuck in Processing with the given
// creation time, for reconciliation tests.
func SeedProcessingSince(l Ledger, payment Payment, createdAt time.Time) (Payment, error) {
	payment.State = StateProcessing
	payment.CreatedAt = createdAt
	return l.Create(context.Background(), payment, "seeded processing")
}
