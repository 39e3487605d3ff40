package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Dependency identifiers used for circuit tracking and health reporting.
const (
	DepIdentity   = "identity"
	DepCompliance = "compliance"
	DepWallet     = "wallet"
)

var (
	// ErrNotFound indicates the remote resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientFunds is a wallet-side rejection of a debit.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrWalletNotActive is a wallet-side rejection for frozen/closed wallets.
	ErrWalletNotActive = errors.New("wallet not active")

	// ErrCurrencyMismatch is a wallet-side rejection when the mutation
	// currency differs from the wallet's.
	ErrCurrencyMismatch = errors.New("currency mismatch")
)

// UnavailableError is the normalized form of every transport failure,
// timeout and open circuit. Raw transport errors never cross the gateway
// boundary.
type UnavailableError struct {
	Dependency string
	Err        error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Dependency, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err represents an unreachable dependency.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// UnavailableDependency returns the dependency named in err, if any.
func UnavailableDependency(err error) string {
	var ue *UnavailableError
	if errors.As(err, &ue) {
		return ue.Dependency
	}
	return ""
}

// TokenInfo is the identity service's answer to a token verification.
type TokenInfo struct {
	UserID string `json:"user_id"`
	Valid  bool   `json:"valid"`
}

// User carries the identity profile fields the payment core consumes.
type User struct {
	ID        string `json:"user_id"`
	KYCStatus string `json:"kyc_status"`
	Tier      string `json:"tier"`
}

// ComplianceStatus is the compliance service's authoritative answer for a user.
type ComplianceStatus struct {
	UserID   string    `json:"user_id"`
	Verified bool      `json:"verified"`
	AsOf     time.Time `json:"as_of"`
}

// WalletInfo mirrors the wallet service's view of a single wallet.
type WalletInfo struct {
	ID       string          `json:"wallet_id"`
	OwnerID  string          `json:"owner_id"`
	Currency string          `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
	Status   string          `json:"status"`
}

// WalletStatusActive is the only wallet status allowed to send payments.
const WalletStatusActive = "active"

// OperationOutcome reports what actually happened to a past wallet mutation,
// looked up by its operation token during reconciliation.
type OperationOutcome struct {
	Token   string `json:"op_token"`
	Known   bool   `json:"known"`
	Applied bool   `json:"applied"`
	Reason  string `json:"reason,omitempty"`
}

// Identity is the typed client for the identity/auth collaborator.
type Identity interface {
	VerifyToken(ctx context.Context, token string) (TokenInfo, error)
	GetUser(ctx context.Context, userID string) (User, error)
}

// Compliance is the typed client for the compliance collaborator.
type Compliance interface {
	GetStatus(ctx context.Context, userID string) (ComplianceStatus, error)
}

// Wallet is the typed client for the wallet collaborator. Debit and Credit
// are idempotent on opToken: re-issuing an applied mutation is a no-op.
type Wallet interface {
	GetWallet(ctx context.Context, walletID string) (WalletInfo, error)
	Debit(ctx context.Context, walletID string, amount decimal.Decimal, currency, opToken string) error
	Credit(ctx context.Context, walletID string, amount decimal.Decimal, currency, opToken string) error
	OperationStatus(ctx context.Context, opToken string) (OperationOutcome, error)
}
