package payments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sango-pay/sango_pay/internal/events"
	"github.com/sango-pay/sango_pay/internal/gateway"
	"github.com/sango-pay/sango_pay/internal/idempotency"
	"github.com/sango-pay/sango_pay/internal/ledger"
	"github.com/sango-pay/sango_pay/internal/statuscache"
)

func TestSubmitHappyPath(t *testing.T) {
	env := newTestEnv(t)

	payment, err := env.svc.Submit(context.Background(), env.submitInput())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if payment.State != ledger.StateCompleted {
		t.Fatalf("state = %s, want %s", payment.State, ledger.StateCompleted)
	}
	if got := env.wallet.balance("w-src"); !got.Equal(decimal.RequireFromString("99.50")) {
		t.Fatalf("source balance = %s, want 99.50", got)
	}
	if got := env.wallet.balance("w-dst"); !got.Equal(decimal.RequireFromString("110.50")) {
		t.Fatalf("destination balance = %s, want 110.50", got)
	}

	stored, entries, err := env.svc.Status(context.Background(), payment.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if stored.State != ledger.StateCompleted {
		t.Fatalf("stored state = %s", stored.State)
	}
	if len(entries) < 2 {
		t.Fatalf("audit log has %d entries, want at least 2", len(entries))
	}

	env.bus.Wait()
	types := env.published.types()
	if len(types) != 2 || types[0] != events.TypePaymentCreated || types[1] != events.TypePaymentCompleted {
		t.Fatalf("published %v, want [created completed]", types)
	}
}

func TestSubmitFrozenWalletRejected(t *testing.T) {
	env := newTestEnv(t)
	env.wallet.wallets["w-src"].Status = "frozen"

	_, err := env.svc.Submit(context.Background(), env.submitInput())
	reason, ok := RejectionReason(err)
	if !ok || reason != ReasonWalletNotActive {
		t.Fatalf("err = %v, want %s rejection", err, ReasonWalletNotActive)
	}
	if env.wallet.debitCount() != 0 {
		t.Fatalf("debits = %d, want 0", env.wallet.debitCount())
	}
	if got := env.wallet.balance("w-src"); !got.Equal(decimal.RequireFromString("200.00")) {
		t.Fatalf("source balance changed to %s", got)
	}

	// The rejection is persisted under the key: the replay answers from the
	// store without re-running validation.
	before := env.compliance.callCount()
	_, err = env.svc.Submit(context.Background(), env.submitInput())
	if reason, ok := RejectionReason(err); !ok || reason != ReasonWalletNotActive {
		t.Fatalf("replayed err = %v", err)
	}
	if env.compliance.callCount() != before {
		t.Fatal("replay re-ran validation")
	}
}

func TestSubmitInsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	input := env.submitInput()
	input.Amount = decimal.RequireFromString("200.01")

	_, err := env.svc.Submit(context.Background(), input)
	if reason, ok := RejectionReason(err); !ok || reason != ReasonInsufficientFunds {
		t.Fatalf("err = %v, want %s rejection", err, ReasonInsufficientFunds)
	}
	if env.wallet.debitCount() != 0 {
		t.Fatal("rejected payment touched the wallet")
	}
}

func TestSubmitInvalidToken(t *testing.T) {
	env := newTestEnv(t)
	input := env.submitInput()
	input.AuthToken = "tok-forged"

	_, err := env.svc.Submit(context.Background(), input)
	if reason, ok := RejectionReason(err); !ok || reason != ReasonUnauthorized {
		t.Fatalf("err = %v, want %s rejection", err, ReasonUnauthorized)
	}
}

func TestSubmitIdempotentReplay(t *testing.T) {
	env := newTestEnv(t)

	first, err := env.svc.Submit(context.Background(), env.submitInput())
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	second, err := env.svc.Submit(context.Background(), env.submitInput())
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("replay returned payment %s, want %s", second.ID, first.ID)
	}
	if env.wallet.debitCount() != 1 {
		t.Fatalf("debits = %d, want 1", env.wallet.debitCount())
	}
	if got := env.wallet.balance("w-src"); !got.Equal(decimal.RequireFromString("99.50")) {
		t.Fatalf("source balance = %s after replay", got)
	}
}

func TestSubmitKeyReusedWithDifferentRequest(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.svc.Submit(context.Background(), env.submitInput()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	altered := env.submitInput()
	altered.Amount = decimal.RequireFromString("50.00")

	_, err := env.svc.Submit(context.Background(), altered)
	if !errors.Is(err, idempotency.ErrRequestMismatch) {
		t.Fatalf("err = %v, want ErrRequestMismatch", err)
	}
}

func TestSubmitKeyReusedWithDifferentDescription(t *testing.T) {
	env := newTestEnv(t)

	first := env.submitInput()
	first.Description = "rent"
	if _, err := env.svc.Submit(context.Background(), first); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	altered := env.submitInput()
	altered.Description = "groceries"

	_, err := env.svc.Submit(context.Background(), altered)
	if !errors.Is(err, idempotency.ErrRequestMismatch) {
		t.Fatalf("err = %v, want ErrRequestMismatch", err)
	}
}

func TestSubmitLedgerFailureReleasesKey(t *testing.T) {
	env := newTestEnv(t)
	flaky := &flakyLedger{Ledger: env.ledger, createFails: 1}
	svc := env.serviceWith(flaky)

	_, err := svc.Submit(context.Background(), env.submitInput())
	if !errors.Is(err, ErrInternalInconsistency) {
		t.Fatalf("err = %v, want ErrInternalInconsistency", err)
	}
	if env.wallet.debitCount() != 0 {
		t.Fatal("failed create still touched the wallet")
	}

	// The reservation was released with the failure: the same key retries
	// cleanly once the ledger recovers.
	payment, err := svc.Submit(context.Background(), env.submitInput())
	if err != nil {
		t.Fatalf("retry after ledger recovery: %v", err)
	}
	if payment.State != ledger.StateCompleted {
		t.Fatalf("retry state = %s", payment.State)
	}
}

func TestSubmitComplianceOutageNotPersisted(t *testing.T) {
	env := newTestEnv(t)
	env.compliance.down = true

	_, err := env.svc.Submit(context.Background(), env.submitInput())
	if !gateway.IsUnavailable(err) {
		t.Fatalf("err = %v, want unavailable", err)
	}
	if gateway.UnavailableDependency(err) != gateway.DepCompliance {
		t.Fatalf("dependency = %s", gateway.UnavailableDependency(err))
	}
	if env.wallet.debitCount() != 0 {
		t.Fatal("wallet touched during outage")
	}

	// The outage released the reservation: the same key succeeds once the
	// dependency recovers.
	env.compliance.down = false
	payment, err := env.svc.Submit(context.Background(), env.submitInput())
	if err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
	if payment.State != ledger.StateCompleted {
		t.Fatalf("retry state = %s", payment.State)
	}
}

func TestSubmitFreshComplianceCacheSkipsStrongRead(t *testing.T) {
	env := newTestEnv(t)
	env.cache.PutCompliance(statuscache.ComplianceEntry{
		UserID: testUserID, Verified: true, AsOf: time.Now(),
	})

	if _, err := env.svc.Submit(context.Background(), env.submitInput()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if env.compliance.callCount() != 0 {
		t.Fatalf("compliance calls = %d, want 0", env.compliance.callCount())
	}
}

func TestSubmitStaleComplianceCacheForcesStrongRead(t *testing.T) {
	env := newTestEnv(t)
	env.cache.PutCompliance(statuscache.ComplianceEntry{
		UserID: testUserID, Verified: true, AsOf: time.Now().Add(-2 * time.Minute),
	})

	if _, err := env.svc.Submit(context.Background(), env.submitInput()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if env.compliance.callCount() != 1 {
		t.Fatalf("compliance calls = %d, want 1", env.compliance.callCount())
	}
}

func TestSubmitPendingInvalidationForcesStrongRead(t *testing.T) {
	env := newTestEnv(t)
	env.cache.PutCompliance(statuscache.ComplianceEntry{
		UserID: testUserID, Verified: true, AsOf: time.Now(),
	})
	env.cache.MarkCompliancePending(testUserID, time.Now())
	env.compliance.statuses[testUserID] = gateway.ComplianceStatus{
		UserID: testUserID, Verified: false, AsOf: time.Now(),
	}

	_, err := env.svc.Submit(context.Background(), env.submitInput())
	if reason, ok := RejectionReason(err); !ok || reason != ReasonComplianceRequired {
		t.Fatalf("err = %v, want %s rejection", err, ReasonComplianceRequired)
	}
	if env.compliance.callCount() != 1 {
		t.Fatalf("compliance calls = %d, want 1", env.compliance.callCount())
	}
}

func TestSubmitConcurrentSameKey(t *testing.T) {
	env := newTestEnv(t)

	const callers = 16
	results := make([]ledger.Payment, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.svc.Submit(context.Background(), env.submitInput())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i].ID != results[0].ID {
			t.Fatalf("caller %d got payment %s, caller 0 got %s", i, results[i].ID, results[0].ID)
		}
	}
	if env.wallet.debitCount() != 1 {
		t.Fatalf("debits = %d, want 1", env.wallet.debitCount())
	}
}

func TestSubmitRaceLoserReclaimsReleasedKey(t *testing.T) {
	env := newTestEnv(t)
	env.compliance.gate = make(chan struct{})
	env.compliance.reached = make(chan struct{}, 1)
	env.compliance.downN = 1

	// The winner reserves the key, then stalls mid-validation.
	winnerErr := make(chan error, 1)
	go func() {
		_, err := env.svc.Submit(context.Background(), env.submitInput())
		winnerErr <- err
	}()
	<-env.compliance.reached

	loserDone := make(chan struct{})
	var loserPayment ledger.Payment
	var loserErr error
	go func() {
		defer close(loserDone)
		loserPayment, loserErr = env.svc.Submit(context.Background(), env.submitInput())
	}()

	// Let the loser find the reservation in flight, then release the gate:
	// the winner hits the outage and gives the key back.
	time.Sleep(20 * time.Millisecond)
	close(env.compliance.gate)

	if err := <-winnerErr; !gateway.IsUnavailable(err) {
		t.Fatalf("winner err = %v, want unavailable", err)
	}
	<-loserDone
	if loserErr != nil {
		t.Fatalf("loser: %v", loserErr)
	}
	if loserPayment.State != ledger.StateCompleted {
		t.Fatalf("loser state = %s, want the released key re-won", loserPayment.State)
	}
	if env.wallet.debitCount() != 1 {
		t.Fatalf("debits = %d, want 1", env.wallet.debitCount())
	}
}

func TestSubmitCancelledBeforeMutationReleasesKey(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.svc.Submit(ctx, env.submitInput())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if env.wallet.debitCount() != 0 {
		t.Fatal("cancelled request touched the wallet")
	}

	payment, err := env.svc.Submit(context.Background(), env.submitInput())
	if err != nil {
		t.Fatalf("retry after cancel: %v", err)
	}
	if payment.State != ledger.StateCompleted {
		t.Fatalf("retry state = %s", payment.State)
	}
}

func TestSubmitCreditOutageParksPayment(t *testing.T) {
	env := newTestEnv(t)
	env.wallet.dropCredits = true

	payment, err := env.svc.Submit(context.Background(), env.submitInput())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if payment.State != ledger.StateProcessing {
		t.Fatalf("state = %s, want %s for the reconciler", payment.State, ledger.StateProcessing)
	}
	if got := env.wallet.balance("w-src"); !got.Equal(decimal.RequireFromString("99.50")) {
		t.Fatalf("debit not applied, balance %s", got)
	}
}

func TestRefundCreatesLinkedPayment(t *testing.T) {
	env := newTestEnv(t)

	original, err := env.svc.Submit(context.Background(), env.submitInput())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	refund, err := env.svc.Refund(context.Background(), RefundInput{PaymentID: original.ID, AuthToken: testToken})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if refund.ID == original.ID {
		t.Fatal("refund reused the original payment id")
	}
	if refund.State != ledger.StateCompleted || refund.Kind != ledger.KindRefund || refund.RefundOf != original.ID {
		t.Fatalf("refund = %+v", refund)
	}
	if refund.FromWalletID != original.ToWalletID || refund.ToWalletID != original.FromWalletID {
		t.Fatal("refund did not reverse the wallet pair")
	}

	// The original is untouched; the refund is a new record linked to it.
	stored, err := env.ledger.Get(context.Background(), original.ID)
	if err != nil {
		t.Fatalf("Get original: %v", err)
	}
	if stored.State != ledger.StateCompleted {
		t.Fatalf("original state = %s after refund", stored.State)
	}

	if got := env.wallet.balance("w-src"); !got.Equal(decimal.RequireFromString("200.00")) {
		t.Fatalf("source balance = %s, want funds returned", got)
	}
	if got := env.wallet.balance("w-dst"); !got.Equal(decimal.RequireFromString("10.00")) {
		t.Fatalf("destination balance = %s", got)
	}

	env.bus.Wait()
	var sawRefunded bool
	for _, typ := range env.published.types() {
		if typ == events.TypePaymentRefunded {
			sawRefunded = true
		}
	}
	if !sawRefunded {
		t.Fatal("payment.refunded was not published")
	}
}

func TestRefundTwiceReturnsFirstRefund(t *testing.T) {
	env := newTestEnv(t)

	original, err := env.svc.Submit(context.Background(), env.submitInput())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	first, err := env.svc.Refund(context.Background(), RefundInput{PaymentID: original.ID, AuthToken: testToken})
	if err != nil {
		t.Fatalf("first Refund: %v", err)
	}
	second, err := env.svc.Refund(context.Background(), RefundInput{PaymentID: original.ID, AuthToken: testToken})
	if err != nil {
		t.Fatalf("second Refund: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("second refund %s, want %s", second.ID, first.ID)
	}
	if got := env.wallet.balance("w-src"); !got.Equal(decimal.RequireFromString("200.00")) {
		t.Fatalf("source balance = %s, funds moved twice", got)
	}
}

func TestRefundRetriesAfterFailedAttempt(t *testing.T) {
	env := newTestEnv(t)

	original, err := env.svc.Submit(context.Background(), env.submitInput())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Drain the recipient so the refund's debit leg is rejected.
	env.wallet.mu.Lock()
	env.wallet.wallets["w-dst"].Balance = decimal.Zero
	env.wallet.mu.Unlock()

	failed, err := env.svc.Refund(context.Background(), RefundInput{PaymentID: original.ID, AuthToken: testToken})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if failed.State != ledger.StateFailed {
		t.Fatalf("first attempt state = %s, want %s", failed.State, ledger.StateFailed)
	}

	// A failed attempt returned nothing; once the recipient has funds
	// again, a fresh attempt runs instead of replaying the failure.
	env.wallet.mu.Lock()
	env.wallet.wallets["w-dst"].Balance = decimal.RequireFromString("110.50")
	env.wallet.mu.Unlock()

	retried, err := env.svc.Refund(context.Background(), RefundInput{PaymentID: original.ID, AuthToken: testToken})
	if err != nil {
		t.Fatalf("retry Refund: %v", err)
	}
	if retried.ID == failed.ID {
		t.Fatal("failed attempt satisfied the retry")
	}
	if retried.State != ledger.StateCompleted {
		t.Fatalf("retry state = %s", retried.State)
	}
	if got := env.wallet.balance("w-src"); !got.Equal(decimal.RequireFromString("200.00")) {
		t.Fatalf("source balance = %s, want funds returned", got)
	}
}

func TestRefundLedgerFailureReleasesKey(t *testing.T) {
	env := newTestEnv(t)
	flaky := &flakyLedger{Ledger: env.ledger}
	svc := env.serviceWith(flaky)

	original, err := svc.Submit(context.Background(), env.submitInput())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	flaky.mu.Lock()
	flaky.createFails = 1
	flaky.mu.Unlock()

	_, err = svc.Refund(context.Background(), RefundInput{PaymentID: original.ID, AuthToken: testToken})
	if !errors.Is(err, ErrInternalInconsistency) {
		t.Fatalf("err = %v, want ErrInternalInconsistency", err)
	}

	refund, err := svc.Refund(context.Background(), RefundInput{PaymentID: original.ID, AuthToken: testToken})
	if err != nil {
		t.Fatalf("retry after ledger recovery: %v", err)
	}
	if refund.State != ledger.StateCompleted {
		t.Fatalf("retry state = %s", refund.State)
	}
}

func TestRefundRejectsNonCompleted(t *testing.T) {
	env := newTestEnv(t)
	parked, err := ledger.SeedProcessingSince(env.ledger, ledger.Payment{
		ID: "p-parked", FromWalletID: "w-src", ToWalletID: "w-dst",
		Amount: decimal.RequireFromString("5.00"), Currency: "USD", Kind: ledger.KindP2P,
	}, time.Now())
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err = env.svc.Refund(context.Background(), RefundInput{PaymentID: parked.ID, AuthToken: testToken})
	if reason, ok := RejectionReason(err); !ok || reason != ReasonNotRefundable {
		t.Fatalf("err = %v, want %s rejection", err, ReasonNotRefundable)
	}
}

func TestRefundRejectsRefundOfRefund(t *testing.T) {
	env := newTestEnv(t)

	original, err := env.svc.Submit(context.Background(), env.submitInput())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	refund, err := env.svc.Refund(context.Background(), RefundInput{PaymentID: original.ID, AuthToken: testToken})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}

	_, err = env.svc.Refund(context.Background(), RefundInput{PaymentID: refund.ID, AuthToken: testToken})
	if reason, ok := RejectionReason(err); !ok || reason != ReasonNotRefundable {
		t.Fatalf("err = %v, want %s rejection", err, ReasonNotRefundable)
	}
}

func TestRefundUnknownPayment(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Refund(context.Background(), RefundInput{PaymentID: "p-missing", AuthToken: testToken})
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestNormalizeRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		mut  func(*SubmitInput)
	}{
		{"same wallet", func(in *SubmitInput) { in.ToWalletID = in.FromWalletID }},
		{"zero amount", func(in *SubmitInput) { in.Amount = decimal.Zero }},
		{"negative amount", func(in *SubmitInput) { in.Amount = decimal.RequireFromString("-1") }},
		{"missing currency", func(in *SubmitInput) { in.Currency = "" }},
		{"unknown kind", func(in *SubmitInput) { in.Kind = "lottery" }},
		{"missing wallet", func(in *SubmitInput) { in.FromWalletID = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			input := env.submitInput()
			tc.mut(&input)
			_, err := env.svc.Submit(context.Background(), input)
			if reason, ok := RejectionReason(err); !ok || reason != ReasonInvalidRequest {
				t.Fatalf("err = %v, want %s rejection", err, ReasonInvalidRequest)
			}
		})
	}
}
