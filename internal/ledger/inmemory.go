package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type inMemoryLedger struct {
	mu       sync.RWMutex
	payments map[string]Payment
	logs     map[string][]LogEntry
	now      func() time.Time
}

// NewInMemory creates a concurrency-safe in-memory ledger useful for unit
// tests and development without Postgres.
func NewInMemory() Ledger {
	return &inMemoryLedger{
		payments: make(map[string]Payment),
		logs:     make(map[string][]LogEntry),
		now:      time.Now,
	}
}

func (l *inMemoryLedger) Create(_ context.Context, payment Payment, message string) (Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if payment.ID == "" {
		return Payment{}, fmt.Errorf("payment id is required")
	}
	if _, exists := l.payments[payment.ID]; exists {
		return Payment{}, ErrDuplicateID
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = l.now().UTC()
	}

	l.payments[payment.ID] = payment
	l.append(payment.ID, payment.State, message)
	return payment, nil
}

func (l *inMemoryLedger) Transition(_ context.Context, id string, to State, message string) (Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	payment, exists := l.payments[id]
	if !exists {
		return Payment{}, ErrNotFound
	}
	if !CanTransition(payment.State, to) {
		return Payment{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, payment.State, to)
	}

	payment.State = to
	if to == StateCompleted {
		completedAt := l.now().UTC()
		payment.CompletedAt = &completedAt
	}

	l.payments[id] = payment
	l.append(id, to, message)
	return payment, nil
}

func (l *inMemoryLedger) Annotate(_ context.Context, id, message string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	payment, exists := l.payments[id]
	if !exists {
		return ErrNotFound
	}
	l.append(id, payment.State, message)
	return nil
}

func (l *inMemoryLedger) Get(_ context.Context, id string) (Payment, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	payment, exists := l.payments[id]
	if !exists {
		return Payment{}, ErrNotFound
	}
	return payment, nil
}

func (l *inMemoryLedger) Log(_ context.Context, id string) ([]LogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if _, exists := l.payments[id]; !exists {
		return nil, ErrNotFound
	}
	entries := make([]LogEntry, len(l.logs[id]))
	copy(entries, l.logs[id])
	return entries, nil
}

func (l *inMemoryLedger) FindRefundOf(_ context.Context, originalID string) (Payment, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, payment := range l.payments {
		if payment.RefundOf == originalID && payment.State != StateFailed {
			return payment, true, nil
		}
	}
	return Payment{}, false, nil
}

func (l *inMemoryLedger) FindProcessingOlderThan(_ context.Context, cutoff time.Time) ([]Payment, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var stuck []Payment
	for _, payment := range l.payments {
		if payment.State == StateProcessing && payment.CreatedAt.Before(cutoff) {
			stuck = append(stuck, payment)
		}
	}
	return stuck, nil
}

func (l *inMemoryLedger) append(id string, state State, message string) {
	l.logs[id] = append(l.logs[id], LogEntry{
		PaymentID: id,
		State:     state,
		Message:   message,
		Timestamp: l.now().UTC(),
	})
}
