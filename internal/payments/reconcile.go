package payments

import (
	"context"
	"log/slog"
	"time"

	"github.com/sango-pay/sango_pay/internal/events"
	"github.com/sango-pay/sango_pay/internal/gateway"
	"github.com/sango-pay/sango_pay/internal/idempotency"
	"github.com/sango-pay/sango_pay/internal/ledger"
	"github.com/sango-pay/sango_pay/internal/metrics"
)

// Reconciler settles payments parked in Processing after a dependency outage.
// It asks the wallet service what actually happened to each mutation, by op
// token, and drives the payment to the state the wallet already reflects. It
// never re-issues a debit; it only retries a credit under its original token,
// which the wallet service deduplicates.
type Reconciler struct {
	ledger    ledger.Ledger
	store     idempotency.Store
	wallet    gateway.Wallet
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger

	// after is how long a payment may sit in Processing before it is swept.
	after    time.Duration
	interval time.Duration
	now      func() time.Time
}

// NewReconciler constructs the reconciliation job.
func NewReconciler(l ledger.Ledger, store idempotency.Store, w gateway.Wallet, pub events.Publisher, m *metrics.Metrics, logger *slog.Logger, after, interval time.Duration) *Reconciler {
	return &Reconciler{
		ledger:    l,
		store:     store,
		wallet:    w,
		publisher: pub,
		metrics:   m,
		logger:    logger,
		after:     after,
		interval:  interval,
		now:       time.Now,
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error("reconciliation sweep", slog.Any("error", err))
			}
		}
	}
}

// Sweep settles every payment stuck in Processing longer than the threshold.
// A payment whose outcome is still unknowable stays parked for the next sweep.
func (r *Reconciler) Sweep(ctx context.Context) error {
	stuck, err := r.ledger.FindProcessingOlderThan(ctx, r.now().Add(-r.after))
	if err != nil {
		return err
	}
	for _, payment := range stuck {
		if err := r.reconcile(ctx, payment); err != nil {
			if gateway.IsUnavailable(err) {
				r.logger.Warn("reconciliation deferred, dependency unavailable",
					slog.String("payment_id", payment.ID),
					slog.String("dependency", string(gateway.UnavailableDependency(err))),
				)
				continue
			}
			r.logger.Error("reconcile payment", slog.String("payment_id", payment.ID), slog.Any("error", err))
		}
	}
	return nil
}

func (r *Reconciler) reconcile(ctx context.Context, p ledger.Payment) error {
	debit, err := r.wallet.OperationStatus(ctx, DebitToken(p.ID))
	if err != nil {
		return err
	}
	if !debit.Known {
		// The debit never reached the wallet service; nothing moved.
		return r.fail(ctx, p, "reconciled: debit never applied")
	}
	if !debit.Applied {
		return r.fail(ctx, p, "reconciled: debit rejected: "+debit.Reason)
	}

	credit, err := r.wallet.OperationStatus(ctx, CreditToken(p.ID))
	if err != nil {
		return err
	}
	switch {
	case credit.Known && credit.Applied:
		return r.complete(ctx, p, "reconciled: both mutations applied")
	case credit.Known:
		// Credit rejected after a successful debit: return the funds.
		if err := r.wallet.Credit(ctx, p.FromWalletID, p.Amount, p.Currency, ReversalToken(p.ID)); err != nil {
			return err
		}
		return r.fail(ctx, p, "reconciled: credit rejected, debit reversed: "+credit.Reason)
	}

	// The credit was never received. Retrying under the original token is
	// safe: the wallet service drops it if it arrives twice.
	if err := r.wallet.Credit(ctx, p.ToWalletID, p.Amount, p.Currency, CreditToken(p.ID)); err != nil {
		if gateway.IsUnavailable(err) {
			return err
		}
		if rerr := r.wallet.Credit(ctx, p.FromWalletID, p.Amount, p.Currency, ReversalToken(p.ID)); rerr != nil {
			return rerr
		}
		return r.fail(ctx, p, "reconciled: credit rejected, debit reversed: "+err.Error())
	}
	return r.complete(ctx, p, "reconciled: credit reissued and applied")
}

func (r *Reconciler) complete(ctx context.Context, p ledger.Payment, message string) error {
	completed, err := r.ledger.Transition(ctx, p.ID, ledger.StateCompleted, message)
	if err != nil {
		return err
	}
	r.metrics.ObservePayment(string(ledger.StateCompleted))
	r.metrics.ObserveReconciled()
	r.publish(ctx, events.TypePaymentCompleted, completed, "")
	if completed.RefundOf != "" {
		if err := r.ledger.Annotate(ctx, completed.RefundOf, "refunded by payment "+completed.ID); err != nil {
			r.logger.Error("annotate refunded payment", slog.String("payment_id", completed.RefundOf), slog.Any("error", err))
		}
		r.publish(ctx, events.TypePaymentRefunded, completed, "")
	}
	r.logger.Info("payment reconciled", slog.String("payment_id", p.ID), slog.String("state", string(ledger.StateCompleted)))
	return nil
}

func (r *Reconciler) fail(ctx context.Context, p ledger.Payment, message string) error {
	failed, err := r.ledger.Transition(ctx, p.ID, ledger.StateFailed, message)
	if err != nil {
		return err
	}
	if p.RefundOf != "" {
		// The refund returned nothing; free its key so the original can be
		// refunded again.
		if err := r.store.Release(ctx, refundKey(p.RefundOf)); err != nil {
			r.logger.Error("release refund key", slog.String("payment_id", p.ID), slog.Any("error", err))
		}
	}
	r.metrics.ObservePayment(string(ledger.StateFailed))
	r.metrics.ObserveReconciled()
	r.publish(ctx, events.TypePaymentFailed, failed, message)
	r.logger.Info("payment reconciled", slog.String("payment_id", p.ID), slog.String("state", string(ledger.StateFailed)))
	return nil
}

func (r *Reconciler) publish(ctx context.Context, typ events.Type, p ledger.Payment, reason string) {
	event := events.Event{
		Type:       typ,
		Key:        p.FromWalletID,
		SubjectID:  p.FromWalletID,
		PaymentID:  p.ID,
		Status:     string(p.State),
		Reason:     reason,
		OccurredAt: r.now().UTC(),
	}
	if err := r.publisher.Publish(ctx, event); err != nil {
		r.logger.Error("publish event", slog.String("type", string(typ)), slog.Any("error", err))
	}
}
