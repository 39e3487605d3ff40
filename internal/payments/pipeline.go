package payments

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/sango-pay/sango_pay/internal/gateway"
	"github.com/sango-pay/sango_pay/internal/statuscache"
)

// checkContext is the shared state flowing through the validation stages.
type checkContext struct {
	input  SubmitInput
	userID string

	fromWallet gateway.WalletInfo
	toWallet   gateway.WalletInfo
}

// stage is one ordered validation check. A stage returns a RejectionError
// for business failures or a gateway UnavailableError when a required
// strong read cannot be served; either short-circuits the pipeline.
type stage struct {
	name string
	run  func(ctx context.Context, chk *checkContext) error
}

func (s *Service) stages() []stage {
	return []stage{
		{name: "auth", run: s.authStage},
		{name: "compliance", run: s.complianceStage},
		{name: "wallet", run: s.walletStage},
	}
}

// validate runs the ordered checks, short-circuiting on the first failure.
// The idempotency check happens before validate, in Submit.
func (s *Service) validate(ctx context.Context, chk *checkContext) error {
	for _, st := range s.stages() {
		if err := st.run(ctx, chk); err != nil {
			return fmt.Errorf("%s check: %w", st.name, err)
		}
	}
	return nil
}

// authStage verifies the bearer token and loads the user profile. Both are
// strong reads: a cache never substitutes for authentication.
func (s *Service) authStage(ctx context.Context, chk *checkContext) error {
	info, err := s.identity.VerifyToken(ctx, chk.input.AuthToken)
	if err != nil {
		if gateway.IsUnavailable(err) {
			return err
		}
		return reject(ReasonUnauthorized, "token rejected")
	}
	if !info.Valid {
		return reject(ReasonUnauthorized, "invalid token")
	}

	if _, err := s.identity.GetUser(ctx, info.UserID); err != nil {
		if gateway.IsUnavailable(err) {
			return err
		}
		return reject(ReasonUnauthorized, "unknown user")
	}

	chk.userID = info.UserID
	return nil
}

// complianceStage requires verified compliance status. A cached status is
// trusted only when fresher than the freshness window and not pending
// invalidation; otherwise a strong read is performed and fed back into the
// cache.
func (s *Service) complianceStage(ctx context.Context, chk *checkContext) error {
	if entry, ok := s.cache.Compliance(chk.userID); ok {
		fresh := s.now().Sub(entry.AsOf) <= s.freshness
		if fresh && !entry.PendingInvalidation {
			if entry.Verified {
				return nil
			}
			return reject(ReasonComplianceRequired, "compliance not verified")
		}
	}

	status, err := s.compliance.GetStatus(ctx, chk.userID)
	if err != nil {
		if gateway.IsUnavailable(err) {
			return err
		}
		return reject(ReasonComplianceRequired, "compliance status unknown")
	}

	asOf := status.AsOf
	if asOf.IsZero() {
		asOf = s.now()
	}
	s.cache.PutCompliance(statuscache.ComplianceEntry{
		UserID:   chk.userID,
		Verified: status.Verified,
		AsOf:     asOf,
	})

	if !status.Verified {
		return reject(ReasonComplianceRequired, "compliance not verified")
	}
	return nil
}

// walletStage checks both wallets with strong reads: source active, currency
// match, sufficient balance, destination present. A fresh cached non-active
// source status rejects without a gateway call; acceptance always rests on
// the strong read.
func (s *Service) walletStage(ctx context.Context, chk *checkContext) error {
	if entry, ok := s.cache.WalletStatus(chk.input.FromWalletID); ok {
		if s.now().Sub(entry.AsOf) <= s.freshness && entry.Status != gateway.WalletStatusActive {
			return reject(ReasonWalletNotActive, "source wallet is "+entry.Status)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		info, err := s.wallet.GetWallet(gctx, chk.input.FromWalletID)
		if err != nil {
			return fmt.Errorf("source wallet: %w", err)
		}
		chk.fromWallet = info
		return nil
	})
	g.Go(func() error {
		info, err := s.wallet.GetWallet(gctx, chk.input.ToWalletID)
		if err != nil {
			return fmt.Errorf("destination wallet: %w", err)
		}
		chk.toWallet = info
		return nil
	})
	if err := g.Wait(); err != nil {
		if gateway.IsUnavailable(err) {
			return err
		}
		return reject(ReasonWalletNotFound, err.Error())
	}

	from := chk.fromWallet
	s.cache.PutWalletStatus(statuscache.WalletEntry{WalletID: from.ID, Status: from.Status, AsOf: s.now()})

	if from.Status != gateway.WalletStatusActive {
		return reject(ReasonWalletNotActive, "source wallet is "+from.Status)
	}
	if from.Currency != chk.input.Currency {
		return reject(ReasonCurrencyMismatch, "source wallet holds "+from.Currency)
	}
	if from.Balance.LessThan(chk.input.Amount) {
		return reject(ReasonInsufficientFunds, "balance below requested amount")
	}
	return nil
}
