package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sango-pay/sango_pay/internal/breaker"
)

// WalletClient talks to the wallet service. Reads are GET-like; mutations
// carry an operation token so a redelivered debit or credit is a no-op on
// the wallet side.
type WalletClient struct {
	c *client
}

// NewWalletClient builds the wallet gateway guarded by its own circuit.
func NewWalletClient(baseURL string, timeout time.Duration, circuit *breaker.Breaker) *WalletClient {
	return &WalletClient{c: newClient(DepWallet, baseURL, timeout, circuit)}
}

// GetWallet performs a strong read of wallet metadata and balance.
func (g *WalletClient) GetWallet(ctx context.Context, walletID string) (WalletInfo, error) {
	var info WalletInfo
	if err := g.c.doJSON(ctx, http.MethodGet, "/api/wallet/"+url.PathEscape(walletID), nil, &info, nil); err != nil {
		return WalletInfo{}, err
	}
	return info, nil
}

type mutationRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	OpToken  string          `json:"op_token"`
}

// Debit removes funds from a wallet, idempotent on opToken.
func (g *WalletClient) Debit(ctx context.Context, walletID string, amount decimal.Decimal, currency, opToken string) error {
	body := mutationRequest{Amount: amount, Currency: currency, OpToken: opToken}
	return g.c.doJSON(ctx, http.MethodPost, "/api/wallet/"+url.PathEscape(walletID)+"/debit", body, nil, nil)
}

// Credit adds funds to a wallet, idempotent on opToken.
func (g *WalletClient) Credit(ctx context.Context, walletID string, amount decimal.Decimal, currency, opToken string) error {
	body := mutationRequest{Amount: amount, Currency: currency, OpToken: opToken}
	return g.c.doJSON(ctx, http.MethodPost, "/api/wallet/"+url.PathEscape(walletID)+"/credit", body, nil, nil)
}

// OperationStatus looks up what happened to a past mutation by token. The
// reconciler uses it to settle payments whose mutation outcome was lost;
// a mutation is never blindly re-issued.
func (g *WalletClient) OperationStatus(ctx context.Context, opToken string) (OperationOutcome, error) {
	var outcome OperationOutcome
	err := g.c.doJSON(ctx, http.MethodGet, "/api/wallet/operations/"+url.PathEscape(opToken), nil, &outcome, nil)
	if err != nil {
		if IsUnavailable(err) {
			return OperationOutcome{}, err
		}
		if errors.Is(err, ErrNotFound) {
			// The wallet service never saw the token: the mutation was
			// provably not applied.
			return OperationOutcome{Token: opToken, Known: false}, nil
		}
		return OperationOutcome{}, err
	}
	outcome.Known = true
	return outcome, nil
}
