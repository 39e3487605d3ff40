package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// State is a payment lifecycle state. Transitions are monotonic: a state is
// never revisited.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	// StateRefunded exists for wire compatibility with older consumers.
	// Refunds are linked records; no transition produces this state.
	StateRefunded State = "refunded"
)

// Kind classifies a payment.
type Kind string

const (
	KindP2P        Kind = "p2p"
	KindMerchant   Kind = "merchant"
	KindBill       Kind = "bill"
	KindWithdrawal Kind = "withdrawal"
	KindRefund     Kind = "refund"
)

var (
	// ErrNotFound indicates the payment does not exist.
	ErrNotFound = errors.New("payment not found")

	// ErrInvalidTransition indicates a transition the state machine forbids.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrDuplicateID indicates a create with an already-used payment id.
	ErrDuplicateID = errors.New("duplicate payment id")
)

// Payment is the authoritative record of one transfer. It references wallet
// identifiers owned by the wallet collaborator and never caches balances.
type Payment struct {
	ID             string           `json:"id"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	State          State            `json:"state"`
	FromWalletID   string           `json:"from_wallet_id"`
	ToWalletID     string           `json:"to_wallet_id"`
	Amount         decimal.Decimal  `json:"amount"`
	Currency       string           `json:"currency"`
	Kind           Kind             `json:"kind"`
	Description    string           `json:"description,omitempty"`
	RefundOf       string           `json:"refund_of,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
}

// LogEntry is one append-only audit line; entries are never rewritten.
type LogEntry struct {
	PaymentID string    `json:"payment_id"`
	State     State     `json:"state"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransition reports whether the state machine allows from → to.
func CanTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateProcessing
	case StateProcessing:
		return to == StateCompleted || to == StateFailed
	default:
		return false
	}
}
