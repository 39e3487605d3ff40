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
	"github.com/sango-pay/sango_pay/internal/logging"
	"github.com/sango-pay/sango_pay/internal/statuscache"
)

func unavailable(dep string) error {
	return &gateway.UnavailableError{Dependency: dep, Err: context.DeadlineExceeded}
}

type fakeIdentity struct {
	mu     sync.Mutex
	tokens map[string]gateway.TokenInfo
	users  map[string]gateway.User
	down   bool
}

func (f *fakeIdentity) VerifyToken(_ context.Context, token string) (gateway.TokenInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return gateway.TokenInfo{}, unavailable(gateway.DepIdentity)
	}
	info, ok := f.tokens[token]
	if !ok {
		return gateway.TokenInfo{}, gateway.ErrNotFound
	}
	return info, nil
}

func (f *fakeIdentity) GetUser(_ context.Context, userID string) (gateway.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return gateway.User{}, unavailable(gateway.DepIdentity)
	}
	user, ok := f.users[userID]
	if !ok {
		return gateway.User{}, gateway.ErrNotFound
	}
	return user, nil
}

type fakeCompliance struct {
	mu       sync.Mutex
	statuses map[string]gateway.ComplianceStatus
	down     bool
	calls    int

	// gate, when set, holds each call until the channel is closed; reached
	// signals that a call arrived. Used to stage same-key races.
	gate    chan struct{}
	reached chan struct{}
	// downN fails the next N calls as unavailable, then recovers.
	downN int
}

func (f *fakeCompliance) GetStatus(_ context.Context, userID string) (gateway.ComplianceStatus, error) {
	f.mu.Lock()
	f.calls++
	down := f.down
	if f.downN > 0 {
		f.downN--
		down = true
	}
	gate, reached := f.gate, f.reached
	f.mu.Unlock()

	if reached != nil {
		select {
		case reached <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}
	if down {
		return gateway.ComplianceStatus{}, unavailable(gateway.DepCompliance)
	}

	f.mu.Lock()
	status, ok := f.statuses[userID]
	f.mu.Unlock()
	if !ok {
		return gateway.ComplianceStatus{}, gateway.ErrNotFound
	}
	return status, nil
}

func (f *fakeCompliance) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeWallet mirrors the wallet service's contract: mutations are idempotent
// on op token, and past mutations are queryable by token.
type fakeWallet struct {
	mu      sync.Mutex
	wallets map[string]*gateway.WalletInfo
	ops     map[string]gateway.OperationOutcome
	down    bool

	// dropCredits makes credits fail as if the request never arrived:
	// the caller sees unavailable and no operation is recorded.
	dropCredits bool

	debits, credits int
}

func newFakeWallet(wallets ...gateway.WalletInfo) *fakeWallet {
	f := &fakeWallet{
		wallets: make(map[string]*gateway.WalletInfo),
		ops:     make(map[string]gateway.OperationOutcome),
	}
	for i := range wallets {
		w := wallets[i]
		f.wallets[w.ID] = &w
	}
	return f
}

func (f *fakeWallet) GetWallet(_ context.Context, walletID string) (gateway.WalletInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return gateway.WalletInfo{}, unavailable(gateway.DepWallet)
	}
	w, ok := f.wallets[walletID]
	if !ok {
		return gateway.WalletInfo{}, gateway.ErrNotFound
	}
	return *w, nil
}

func (f *fakeWallet) Debit(_ context.Context, walletID string, amount decimal.Decimal, currency, opToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return unavailable(gateway.DepWallet)
	}
	f.debits++
	if prior, ok := f.ops[opToken]; ok {
		if prior.Applied {
			return nil
		}
		return gateway.ErrInsufficientFunds
	}
	w, ok := f.wallets[walletID]
	if !ok {
		return gateway.ErrNotFound
	}
	if w.Currency != currency {
		f.ops[opToken] = gateway.OperationOutcome{Token: opToken, Known: true, Reason: "currency mismatch"}
		return gateway.ErrCurrencyMismatch
	}
	if w.Balance.LessThan(amount) {
		f.ops[opToken] = gateway.OperationOutcome{Token: opToken, Known: true, Reason: "insufficient funds"}
		return gateway.ErrInsufficientFunds
	}
	w.Balance = w.Balance.Sub(amount)
	f.ops[opToken] = gateway.OperationOutcome{Token: opToken, Known: true, Applied: true}
	return nil
}

func (f *fakeWallet) Credit(_ context.Context, walletID string, amount decimal.Decimal, currency, opToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down || f.dropCredits {
		return unavailable(gateway.DepWallet)
	}
	f.credits++
	if prior, ok := f.ops[opToken]; ok && prior.Applied {
		return nil
	}
	w, ok := f.wallets[walletID]
	if !ok {
		f.ops[opToken] = gateway.OperationOutcome{Token: opToken, Known: true, Reason: "wallet not found"}
		return gateway.ErrNotFound
	}
	w.Balance = w.Balance.Add(amount)
	f.ops[opToken] = gateway.OperationOutcome{Token: opToken, Known: true, Applied: true}
	return nil
}

func (f *fakeWallet) OperationStatus(_ context.Context, opToken string) (gateway.OperationOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return gateway.OperationOutcome{}, unavailable(gateway.DepWallet)
	}
	if outcome, ok := f.ops[opToken]; ok {
		return outcome, nil
	}
	return gateway.OperationOutcome{Token: opToken}, nil
}

func (f *fakeWallet) balance(walletID string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wallets[walletID].Balance
}

func (f *fakeWallet) debitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.debits
}

// flakyLedger fails a set number of Create calls before delegating, standing
// in for a database blip between the idempotency write and the ledger write.
type flakyLedger struct {
	ledger.Ledger
	mu          sync.Mutex
	createFails int
}

func (l *flakyLedger) Create(ctx context.Context, payment ledger.Payment, message string) (ledger.Payment, error) {
	l.mu.Lock()
	if l.createFails > 0 {
		l.createFails--
		l.mu.Unlock()
		return ledger.Payment{}, errors.New("connection refused")
	}
	l.mu.Unlock()
	return l.Ledger.Create(ctx, payment, message)
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) handle(event events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) types() []events.Type {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]events.Type, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

type testEnv struct {
	svc        *Service
	ledger     ledger.Ledger
	store      idempotency.Store
	identity   *fakeIdentity
	compliance *fakeCompliance
	wallet     *fakeWallet
	cache      *statuscache.Cache
	bus        *events.MemoryBus
	published  *eventLog
}

const (
	testToken  = "tok-alice"
	testUserID = "user-alice"
)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	identity := &fakeIdentity{
		tokens: map[string]gateway.TokenInfo{testToken: {UserID: testUserID, Valid: true}},
		users:  map[string]gateway.User{testUserID: {ID: testUserID, KYCStatus: "verified"}},
	}
	compliance := &fakeCompliance{
		statuses: map[string]gateway.ComplianceStatus{
			testUserID: {UserID: testUserID, Verified: true, AsOf: time.Now()},
		},
	}
	wallet := newFakeWallet(
		gateway.WalletInfo{ID: "w-src", OwnerID: testUserID, Currency: "USD", Balance: decimal.RequireFromString("200.00"), Status: gateway.WalletStatusActive},
		gateway.WalletInfo{ID: "w-dst", OwnerID: "user-bob", Currency: "USD", Balance: decimal.RequireFromString("10.00"), Status: gateway.WalletStatusActive},
	)

	bus := events.NewMemoryBus()
	t.Cleanup(func() { bus.Close() })
	published := &eventLog{}
	bus.Subscribe(published.handle)

	env := &testEnv{
		ledger:     ledger.NewInMemory(),
		store:      idempotency.NewMemoryStore(time.Hour),
		identity:   identity,
		compliance: compliance,
		wallet:     wallet,
		cache:      statuscache.New(),
		bus:        bus,
		published:  published,
	}
	env.svc = NewService(Deps{
		Ledger:     env.ledger,
		Store:      env.store,
		Identity:   identity,
		Compliance: compliance,
		Wallet:     wallet,
		Cache:      env.cache,
		Publisher:  bus,
		Logger:     logging.Discard(),
		Freshness:  time.Minute,
	})
	return env
}

// serviceWith rebuilds the service on an alternate ledger, sharing every
// other collaborator with the env.
func (e *testEnv) serviceWith(l ledger.Ledger) *Service {
	return NewService(Deps{
		Ledger:     l,
		Store:      e.store,
		Identity:   e.identity,
		Compliance: e.compliance,
		Wallet:     e.wallet,
		Cache:      e.cache,
		Publisher:  e.bus,
		Logger:     logging.Discard(),
		Freshness:  time.Minute,
	})
}

func (e *testEnv) submitInput() SubmitInput {
	return SubmitInput{
		IdempotencyKey: "key-1",
		FromWalletID:   "w-src",
		ToWalletID:     "w-dst",
		Amount:         decimal.RequireFromString("100.50"),
		Currency:       "USD",
		Kind:           ledger.KindP2P,
		AuthToken:      testToken,
	}
}
