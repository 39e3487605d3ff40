package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sango-pay/sango_pay/internal/breaker"
)

// client is the shared HTTP plumbing behind every typed gateway. All calls
// pass through the dependency's circuit breaker; transport failures,
// timeouts and 5xx answers are wrapped as transient so the breaker counts
// them, then surfaced as UnavailableError.
type client struct {
	dependency string
	baseURL    string
	http       *http.Client
	circuit    *breaker.Breaker
}

func newClient(dependency, baseURL string, timeout time.Duration, circuit *breaker.Breaker) *client {
	return &client{
		dependency: dependency,
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{Timeout: timeout},
		circuit:    circuit,
	}
}

// remoteRejection is the error body shape collaborators answer 4xx with.
type remoteRejection struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func (r remoteRejection) toError() error {
	switch r.Code {
	case "insufficient_funds":
		return ErrInsufficientFunds
	case "wallet_not_active":
		return ErrWalletNotActive
	case "currency_mismatch":
		return ErrCurrencyMismatch
	case "not_found":
		return ErrNotFound
	default:
		return fmt.Errorf("rejected: %s", r.Code)
	}
}

// doJSON performs one breaker-guarded round trip, decoding a 2xx body into
// out when out is non-nil.
func (c *client) doJSON(ctx context.Context, method, path string, in, out any, headers map[string]string) error {
	err := c.circuit.Do(ctx, func(ctx context.Context) error {
		var body io.Reader
		if in != nil {
			payload, err := json.Marshal(in)
			if err != nil {
				return fmt.Errorf("encode request: %w", err)
			}
			body = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return breaker.Transient(err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			return breaker.Transient(fmt.Errorf("%s returned %d", c.dependency, resp.StatusCode))
		case resp.StatusCode == http.StatusNotFound:
			return ErrNotFound
		case resp.StatusCode >= 400:
			var rejection remoteRejection
			if err := json.NewDecoder(resp.Body).Decode(&rejection); err != nil || rejection.Code == "" {
				return fmt.Errorf("rejected with status %d", resp.StatusCode)
			}
			return rejection.toError()
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return breaker.Transient(fmt.Errorf("decode response: %w", err))
			}
		}
		return nil
	})

	if breaker.IsTransient(err) {
		return &UnavailableError{Dependency: c.dependency, Err: err}
	}
	return err
}
