package gateway

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/sango-pay/sango_pay/internal/breaker"
)

// ComplianceClient talks to the compliance service for authoritative
// verification status; the status cache is fed separately by events.
type ComplianceClient struct {
	c *client
}

// NewComplianceClient builds the compliance gateway guarded by its own circuit.
func NewComplianceClient(baseURL string, timeout time.Duration, circuit *breaker.Breaker) *ComplianceClient {
	return &ComplianceClient{c: newClient(DepCompliance, baseURL, timeout, circuit)}
}

// GetStatus performs a strong read of the user's compliance status.
func (g *ComplianceClient) GetStatus(ctx context.Context, userID string) (ComplianceStatus, error) {
	var status ComplianceStatus
	if err := g.c.doJSON(ctx, http.MethodGet, "/api/compliance/status/"+url.PathEscape(userID), nil, &status, nil); err != nil {
		return ComplianceStatus{}, err
	}
	return status, nil
}
