package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/termgate/termgate/internal/fault"
)

// cfAssertionHeader carries the Access JWT on proxied requests; the
// cookie is the fallback for browser WebSocket upgrades, which cannot
// set custom headers.
const (
	cfAssertionHeader = "Cf-Access-Jwt-Assertion"
	cfAuthCookie      = "CF_Authorization"
)

// Cloudflare verifies Cloudflare Access JWTs against the team domain's
// certificate endpoint and the configured application audience.
type Cloudflare struct {
	verifier *oidc.IDTokenVerifier
}

// NewCloudflare builds a verifier for the given team domain (e.g.
// "example.cloudflareaccess.com") and application AUD tag.
func NewCloudflare(ctx context.Context, teamDomain, audience string) (*Cloudflare, error) {
	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	issuer := "https://" + teamDomain
	provider, err := oidc.NewProvider(initCtx, issuer)
	if err != nil {
		return nil, fmt.Errorf("initializing Cloudflare Access verifier: %w", err)
	}
	return &Cloudflare{
		verifier: provider.Verifier(&oidc.Config{ClientID: audience}),
	}, nil
}

// Authenticate implements Authenticator. The userId is the verified
// email claim, falling back to the token subject.
func (c *Cloudflare) Authenticate(r *http.Request) (string, error) {
	raw := r.Header.Get(cfAssertionHeader)
	if raw == "" {
		if cookie, err := r.Cookie(cfAuthCookie); err == nil {
			raw = cookie.Value
		}
	}
	if raw == "" {
		return "", fault.New(fault.Auth, "missing Cloudflare Access token")
	}

	token, err := c.verifier.Verify(r.Context(), raw)
	if err != nil {
		return "", fault.Wrap(fault.Auth, err, "invalid Cloudflare Access token")
	}

	var claims struct {
		Email string `json:"email"`
	}
	if err := token.Claims(&claims); err != nil {
		return "", fault.Wrap(fault.Auth, err, "parsing Access token claims")
	}
	if claims.Email != "" {
		return claims.Email, nil
	}
	return token.Subject, nil
}
