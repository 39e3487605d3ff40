package events

import (
	"context"
	"time"
)

// Type names an event on the wire.
type Type string

// Lifecycle events published by the payment core.
const (
	TypePaymentCreated   Type = "payment.created"
	TypePaymentCompleted Type = "payment.completed"
	TypePaymentFailed    Type = "payment.failed"
	TypePaymentRefunded  Type = "payment.refunded"
)

// Upstream state-change events the core consumes to refresh its caches.
const (
	TypeKYCUpdated          Type = "user.kyc_updated"
	TypeComplianceUpdated   Type = "user.compliance_updated"
	TypeWalletStatusChanged Type = "wallet.status_changed"
)

// Event is the wire shape shared by published and consumed events. Key is
// the ordering key (wallet id or user id); OccurredAt is the producer's
// logical timestamp and drives last-writer-wins on cache updates.
type Event struct {
	Type       Type      `json:"type"`
	Key        string    `json:"key"`
	SubjectID  string    `json:"subject_id"`
	PaymentID  string    `json:"payment_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher emits events at-least-once with per-key ordering.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Handler consumes one event. Handlers must tolerate redelivery.
type Handler func(event Event)

// Subscriber delivers consumed events to a handler in per-key order.
type Subscriber interface {
	Subscribe(handler Handler)
	Close() error
}
