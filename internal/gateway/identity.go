package gateway

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/sango-pay/sango_pay/internal/breaker"
)

// IdentityClient talks to the identity/auth service. Both operations are
// strong reads: the pipeline never substitutes a cache for them.
type IdentityClient struct {
	c *client
}

// NewIdentityClient builds the identity gateway guarded by its own circuit.
func NewIdentityClient(baseURL string, timeout time.Duration, circuit *breaker.Breaker) *IdentityClient {
	return &IdentityClient{c: newClient(DepIdentity, baseURL, timeout, circuit)}
}

// VerifyToken asks the identity service to validate a bearer token.
func (g *IdentityClient) VerifyToken(ctx context.Context, token string) (TokenInfo, error) {
	var info TokenInfo
	err := g.c.doJSON(ctx, http.MethodGet, "/api/auth/verify-token", nil, &info, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if err != nil {
		return TokenInfo{}, err
	}
	return info, nil
}

// GetUser fetches the user profile, including KYC status and tier.
func (g *IdentityClient) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	if err := g.c.doJSON(ctx, http.MethodGet, "/api/auth/user/"+url.PathEscape(userID), nil, &user, nil); err != nil {
		return User{}, err
	}
	return user, nil
}
