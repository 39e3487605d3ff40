package payments

import (
	"errors"
	"fmt"
)

// RejectReason codes a business rejection of a payment request.
type RejectReason string

const (
	ReasonUnauthorized       RejectReason = "unauthorized"
	ReasonComplianceRequired RejectReason = "compliance_required"
	ReasonWalletNotFound     RejectReason = "wallet_not_found"
	ReasonWalletNotActive    RejectReason = "wallet_not_active"
	ReasonInsufficientFunds  RejectReason = "insufficient_funds"
	ReasonCurrencyMismatch   RejectReason = "currency_mismatch"
	ReasonNotRefundable      RejectReason = "not_refundable"
	ReasonInvalidRequest     RejectReason = "invalid_request"
)

// RejectionError is a user/business rejection. It is returned to the caller
// and never retried by the system.
type RejectionError struct {
	Reason RejectReason
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

func reject(reason RejectReason, detail string) *RejectionError {
	return &RejectionError{Reason: reason, Detail: detail}
}

// RejectionReason extracts the reason from err, if it is a rejection.
func RejectionReason(err error) (RejectReason, bool) {
	var re *RejectionError
	if errors.As(err, &re) {
		return re.Reason, true
	}
	return "", false
}

var (
	// ErrRequestInFlight means another request holds this idempotency key
	// and did not finish within the caller's deadline.
	ErrRequestInFlight = errors.New("request with this idempotency key is in flight")

	// ErrInternalInconsistency means stored state disagrees with itself
	// (e.g. an idempotency record pointing at a missing payment). Surfaced
	// as a server error; the reconciliation pass repairs it.
	ErrInternalInconsistency = errors.New("internal inconsistency")
)
