package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sango-pay/sango_pay/internal/events"
	"github.com/sango-pay/sango_pay/internal/gateway"
	"github.com/sango-pay/sango_pay/internal/idempotency"
	"github.com/sango-pay/sango_pay/internal/ledger"
	"github.com/sango-pay/sango_pay/internal/metrics"
	"github.com/sango-pay/sango_pay/internal/statuscache"
)

const defaultAwaitPoll = 50 * time.Millisecond

// Deps aggregates the collaborators the payment service needs.
type Deps struct {
	Ledger     ledger.Ledger
	Store      idempotency.Store
	Identity   gateway.Identity
	Compliance gateway.Compliance
	Wallet     gateway.Wallet
	Cache      *statuscache.Cache
	Publisher  events.Publisher
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Freshness  time.Duration
}

// Service validates and executes transfer requests against the dependency
// gateways, with idempotent semantics per request key.
type Service struct {
	ledger     ledger.Ledger
	store      idempotency.Store
	identity   gateway.Identity
	compliance gateway.Compliance
	wallet     gateway.Wallet
	cache      *statuscache.Cache
	publisher  events.Publisher
	metrics    *metrics.Metrics
	logger     *slog.Logger

	freshness time.Duration
	awaitPoll time.Duration
	now       func() time.Time
}

// NewService constructs the payment service.
func NewService(d Deps) *Service {
	return &Service{
		ledger:     d.Ledger,
		store:      d.Store,
		identity:   d.Identity,
		compliance: d.Compliance,
		wallet:     d.Wallet,
		cache:      d.Cache,
		publisher:  d.Publisher,
		metrics:    d.Metrics,
		logger:     d.Logger,
		freshness:  d.Freshness,
		awaitPoll:  defaultAwaitPoll,
		now:        time.Now,
	}
}

// SubmitInput captures a transfer request plus the caller's bearer token.
type SubmitInput struct {
	IdempotencyKey string
	FromWalletID   string
	ToWalletID     string
	Amount         decimal.Decimal
	Currency       string
	Kind           ledger.Kind
	Description    string
	AuthToken      string
}

// Submit validates and executes a payment request, idempotent on the
// request key: a resubmitted key returns the original outcome without
// re-running validation or touching the wallets again.
func (s *Service) Submit(ctx context.Context, input SubmitInput) (ledger.Payment, error) {
	if err := normalize(&input); err != nil {
		return ledger.Payment{}, err
	}
	hash := requestHash(input)

	begin, err := s.acquire(ctx, input.IdempotencyKey, hash)
	if err != nil {
		return ledger.Payment{}, err
	}
	if begin.State == idempotency.BeginCompleted {
		return s.replay(ctx, begin.Record)
	}

	chk := &checkContext{input: input}
	if err := s.validate(ctx, chk); err != nil {
		return ledger.Payment{}, s.concludeRejection(ctx, input.IdempotencyKey, hash, err)
	}

	// Last cancellation point: once the accept path starts, the flow runs
	// to completion on a detached context (a debit cannot be un-sent).
	if err := ctx.Err(); err != nil {
		s.release(ctx, input.IdempotencyKey)
		return ledger.Payment{}, err
	}
	return s.execute(context.WithoutCancel(ctx), input, hash)
}

// Status returns a payment and its full audit trail.
func (s *Service) Status(ctx context.Context, paymentID string) (ledger.Payment, []ledger.LogEntry, error) {
	payment, err := s.ledger.Get(ctx, paymentID)
	if err != nil {
		return ledger.Payment{}, nil, err
	}
	entries, err := s.ledger.Log(ctx, paymentID)
	if err != nil {
		return ledger.Payment{}, nil, err
	}
	return payment, entries, nil
}

// RefundInput identifies the payment to refund and the caller's token.
type RefundInput struct {
	PaymentID string
	AuthToken string
}

// Refund creates a new payment reversing a Completed one. The original is
// never mutated; it stays Completed and its audit log links to the refund.
// Refunding the same payment twice returns the first refund.
func (s *Service) Refund(ctx context.Context, input RefundInput) (ledger.Payment, error) {
	original, err := s.ledger.Get(ctx, input.PaymentID)
	if err != nil {
		return ledger.Payment{}, err
	}

	if refund, found, err := s.ledger.FindRefundOf(ctx, original.ID); err != nil {
		return ledger.Payment{}, err
	} else if found {
		return refund, nil
	}

	if original.State != ledger.StateCompleted {
		return ledger.Payment{}, reject(ReasonNotRefundable, "payment is "+string(original.State))
	}
	if original.Kind == ledger.KindRefund {
		return ledger.Payment{}, reject(ReasonNotRefundable, "refunds cannot be refunded")
	}

	info, err := s.identity.VerifyToken(ctx, input.AuthToken)
	if err != nil {
		if gateway.IsUnavailable(err) {
			return ledger.Payment{}, err
		}
		return ledger.Payment{}, reject(ReasonUnauthorized, "token rejected")
	}
	if !info.Valid {
		return ledger.Payment{}, reject(ReasonUnauthorized, "invalid token")
	}

	// Concurrent refund attempts for one payment race on this key; the
	// loser returns the winner's refund.
	key := refundKey(original.ID)
	hash := hashFields(original.ID, original.Amount.String(), original.Currency)
	begin, err := s.acquire(ctx, key, hash)
	if err != nil {
		return ledger.Payment{}, err
	}
	if begin.State == idempotency.BeginCompleted {
		return s.replay(ctx, begin.Record)
	}

	dctx := context.WithoutCancel(ctx)
	refundID := uuid.NewString()
	record := idempotency.Record{PaymentID: refundID, Outcome: idempotency.OutcomeAccepted, RequestHash: hash}
	if err := s.store.Complete(dctx, key, record); err != nil {
		s.release(dctx, key)
		return ledger.Payment{}, err
	}

	refund := ledger.Payment{
		ID:           refundID,
		State:        ledger.StateProcessing,
		FromWalletID: original.ToWalletID,
		ToWalletID:   original.FromWalletID,
		Amount:       original.Amount,
		Currency:     original.Currency,
		Kind:         ledger.KindRefund,
		Description:  "refund of " + original.ID,
		RefundOf:     original.ID,
	}
	created, err := s.ledger.Create(dctx, refund, "refund accepted")
	if err != nil {
		// No wallet mutation yet: release so the key is retryable instead
		// of replaying into a record without a payment.
		s.release(dctx, key)
		return ledger.Payment{}, fmt.Errorf("%w: ledger create failed after reservation: %v", ErrInternalInconsistency, err)
	}
	s.publish(dctx, events.TypePaymentCreated, created, "")

	settled, err := s.settle(dctx, created)
	if err != nil {
		return settled, err
	}
	switch settled.State {
	case ledger.StateCompleted:
		s.linkRefund(dctx, original, settled)
	case ledger.StateFailed:
		// A failed refund must not satisfy future attempts; the funds are
		// still with the recipient.
		s.release(dctx, key)
	}
	return settled, nil
}

// linkRefund annotates the original payment and announces the refund.
func (s *Service) linkRefund(ctx context.Context, original, refund ledger.Payment) {
	if err := s.ledger.Annotate(ctx, original.ID, "refunded by payment "+refund.ID); err != nil {
		s.logger.Error("annotate refunded payment", slog.String("payment_id", original.ID), slog.Any("error", err))
	}
	s.publish(ctx, events.TypePaymentRefunded, refund, "")
}

func (s *Service) execute(ctx context.Context, input SubmitInput, hash string) (ledger.Payment, error) {
	paymentID := uuid.NewString()
	record := idempotency.Record{PaymentID: paymentID, Outcome: idempotency.OutcomeAccepted, RequestHash: hash}
	if err := s.store.Complete(ctx, input.IdempotencyKey, record); err != nil {
		s.release(ctx, input.IdempotencyKey)
		return ledger.Payment{}, err
	}

	payment := ledger.Payment{
		ID:             paymentID,
		IdempotencyKey: input.IdempotencyKey,
		State:          ledger.StateProcessing,
		FromWalletID:   input.FromWalletID,
		ToWalletID:     input.ToWalletID,
		Amount:         input.Amount,
		Currency:       input.Currency,
		Kind:           input.Kind,
		Description:    input.Description,
	}
	created, err := s.ledger.Create(ctx, payment, "payment accepted")
	if err != nil {
		// No wallet mutation yet: release so the key is retryable instead
		// of replaying into a record without a payment.
		s.release(ctx, input.IdempotencyKey)
		return ledger.Payment{}, fmt.Errorf("%w: ledger create failed after reservation: %v", ErrInternalInconsistency, err)
	}
	s.publish(ctx, events.TypePaymentCreated, created, "")

	return s.settle(ctx, created)
}

// settle issues the wallet mutations for an accepted payment and drives it
// to a terminal state. Unknown mutation outcomes leave the payment in
// Processing for the reconciliation job; a mutation is never re-issued here.
func (s *Service) settle(ctx context.Context, p ledger.Payment) (ledger.Payment, error) {
	if err := s.wallet.Debit(ctx, p.FromWalletID, p.Amount, p.Currency, DebitToken(p.ID)); err != nil {
		if gateway.IsUnavailable(err) {
			return s.deferToReconciler(ctx, p, "debit outcome unknown")
		}
		return s.fail(ctx, p, "debit rejected: "+err.Error())
	}

	if err := s.wallet.Credit(ctx, p.ToWalletID, p.Amount, p.Currency, CreditToken(p.ID)); err != nil {
		if gateway.IsUnavailable(err) {
			return s.deferToReconciler(ctx, p, "credit outcome unknown")
		}
		// The debit already applied: return the funds before failing.
		if rerr := s.wallet.Credit(ctx, p.FromWalletID, p.Amount, p.Currency, ReversalToken(p.ID)); rerr != nil {
			return s.deferToReconciler(ctx, p, "credit rejected, reversal pending")
		}
		return s.fail(ctx, p, "credit rejected: "+err.Error())
	}

	completed, err := s.ledger.Transition(ctx, p.ID, ledger.StateCompleted, "wallet mutation applied")
	if err != nil {
		return ledger.Payment{}, fmt.Errorf("%w: mutation applied but completion failed: %v", ErrInternalInconsistency, err)
	}
	s.metrics.ObservePayment(string(ledger.StateCompleted))
	s.publish(ctx, events.TypePaymentCompleted, completed, "")
	return completed, nil
}

func (s *Service) fail(ctx context.Context, p ledger.Payment, message string) (ledger.Payment, error) {
	failed, err := s.ledger.Transition(ctx, p.ID, ledger.StateFailed, message)
	if err != nil {
		return ledger.Payment{}, fmt.Errorf("%w: failure transition rejected: %v", ErrInternalInconsistency, err)
	}
	s.metrics.ObservePayment(string(ledger.StateFailed))
	s.publish(ctx, events.TypePaymentFailed, failed, message)
	return failed, nil
}

// deferToReconciler records why the payment is parked in Processing and
// returns it as-is; the reconciliation job will settle it from the wallet
// service's authoritative operation log.
func (s *Service) deferToReconciler(ctx context.Context, p ledger.Payment, note string) (ledger.Payment, error) {
	s.logger.Warn("payment awaiting reconciliation",
		slog.String("payment_id", p.ID),
		slog.String("note", note),
	)
	if err := s.ledger.Annotate(ctx, p.ID, note+"; awaiting reconciliation"); err != nil {
		s.logger.Error("annotate payment", slog.String("payment_id", p.ID), slog.Any("error", err))
	}
	return s.ledger.Get(ctx, p.ID)
}

// concludeRejection persists business rejections so replays of the key see
// the identical outcome. Transient failures release the reservation instead:
// the client may retry the same key once the dependency recovers.
func (s *Service) concludeRejection(ctx context.Context, key, hash string, cause error) error {
	dctx := context.WithoutCancel(ctx)

	reason, isRejection := RejectionReason(cause)
	if !isRejection {
		s.release(dctx, key)
		return cause
	}

	s.metrics.ObserveRejection(string(reason))
	record := idempotency.Record{Outcome: idempotency.OutcomeRejected, Reason: string(reason), RequestHash: hash}
	if err := s.store.Complete(dctx, key, record); err != nil {
		s.logger.Error("persist rejection", slog.String("key", key), slog.Any("error", err))
		s.release(dctx, key)
	}
	return cause
}

func (s *Service) replay(ctx context.Context, record idempotency.Record) (ledger.Payment, error) {
	if record.Outcome == idempotency.OutcomeRejected {
		return ledger.Payment{}, reject(RejectReason(record.Reason), "stored outcome")
	}
	payment, err := s.ledger.Get(ctx, record.PaymentID)
	if err != nil {
		return ledger.Payment{}, fmt.Errorf("%w: accepted record without payment %s", ErrInternalInconsistency, record.PaymentID)
	}
	return payment, nil
}

// acquire wins or waits out the key's reservation. A loser of a same-key
// race polls Begin until the winner's record lands and returns it; when the
// winner released the key instead (a dependency outage, a failed refund),
// the next poll re-wins the reservation rather than erroring.
func (s *Service) acquire(ctx context.Context, key, hash string) (idempotency.BeginResult, error) {
	ticker := time.NewTicker(s.awaitPoll)
	defer ticker.Stop()

	for {
		begin, err := s.store.Begin(ctx, key, hash)
		if err != nil {
			return idempotency.BeginResult{}, err
		}
		if begin.State != idempotency.BeginInProgress {
			return begin, nil
		}

		select {
		case <-ctx.Done():
			return idempotency.BeginResult{}, ErrRequestInFlight
		case <-ticker.C:
		}
	}
}

func (s *Service) release(ctx context.Context, key string) {
	if err := s.store.Release(context.WithoutCancel(ctx), key); err != nil {
		s.logger.Error("release idempotency key", slog.String("key", key), slog.Any("error", err))
	}
}

func (s *Service) publish(ctx context.Context, typ events.Type, p ledger.Payment, reason string) {
	event := events.Event{
		Type:       typ,
		Key:        p.FromWalletID,
		SubjectID:  p.FromWalletID,
		PaymentID:  p.ID,
		Status:     string(p.State),
		Reason:     reason,
		OccurredAt: s.now().UTC(),
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("publish event",
			slog.String("type", string(typ)),
			slog.String("payment_id", p.ID),
			slog.Any("error", err),
		)
	}
}

// Operation tokens derive from the payment id, one per mutation leg, so the
// wallet service can deduplicate redelivered mutations.
func DebitToken(paymentID string) string { return paymentID + ":debit" }

// CreditToken names the credit leg of a payment.
func CreditToken(paymentID string) string { return paymentID + ":credit" }

// ReversalToken names the compensating credit issued when the credit leg is
// rejected after a successful debit.
func ReversalToken(paymentID string) string { return paymentID + ":reversal" }

func normalize(input *SubmitInput) error {
	if input.IdempotencyKey == "" {
		input.IdempotencyKey = uuid.NewString()
	}
	if input.Kind == "" {
		input.Kind = ledger.KindP2P
	}
	switch input.Kind {
	case ledger.KindP2P, ledger.KindMerchant, ledger.KindBill, ledger.KindWithdrawal:
	default:
		return reject(ReasonInvalidRequest, "unknown payment kind")
	}
	if input.FromWalletID == "" || input.ToWalletID == "" {
		return reject(ReasonInvalidRequest, "both wallet ids are required")
	}
	if input.FromWalletID == input.ToWalletID {
		return reject(ReasonInvalidRequest, "wallets must differ")
	}
	if !input.Amount.IsPositive() {
		return reject(ReasonInvalidRequest, "amount must be positive")
	}
	if input.Currency == "" {
		return reject(ReasonInvalidRequest, "currency is required")
	}
	return nil
}

// refundKey is the idempotency key scoping refund attempts to the original
// payment.
func refundKey(originalID string) string { return "refund:" + originalID }

func requestHash(input SubmitInput) string {
	return hashFields(
		input.FromWalletID,
		input.ToWalletID,
		input.Amount.String(),
		input.Currency,
		string(input.Kind),
		input.Description,
	)
}

func hashFields(fields ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}

