// pkg/sas/sas.go
// Package sas provides a default bearer-token provider for connecting to a
// hybrid-connection relay from a connection string's
// SharedAccessKeyName/SharedAccessKey pair. It stands in for the real SAS
// token provider named as an external collaborator in spec.md §1/§6: the
// listener core only ever sees the token.Provider interface, so any
// production deployment can swap this out for Azure's actual SAS
// implementation without touching internal/token or internal/control.
//
// hycolink mints HMAC-signed, JWT-shaped tokens instead of the wire-format
// SAS tokens Azure Relay itself uses, because the pack's retrieved stack
// carries github.com/golang-jwt/jwt/v5 and no SAS-specific library; the
// shape of the token string is opaque to the rest of the listener (it is
// only ever placed verbatim in the ServiceBusAuthorization header), so the
// substitution is invisible to every other component.
package sas

import (
	"time"

	"github.com/Voskan/hycolink/internal/token"
	"github.com/Voskan/hycolink/pkg/auth"
)

// Provider mints tokens signed with a shared access key, implementing
// token.Provider.
type Provider struct {
	audience string
	signer   *auth.Signer
}

// NewProvider returns a Provider for the given key name/value pair and
// audience (the hybrid connection address the token authorizes). ttl <= 0
// defaults to 15 minutes (auth.Signer's default); callers that want the
// renewer's minimum refresh margin to actually bite should pass a ttl
// comfortably above 5 minutes, per the provider guarantee in spec.md §3 that
// the provider — not the renewer — is responsible for leaving that margin.
func NewProvider(keyName string, key []byte, audience string, ttl time.Duration) *Provider {
	return &Provider{
		audience: audience,
		signer:   auth.NewSigner(key, keyName, ttl),
	}
}

// GetToken implements token.Provider.
func (p *Provider) GetToken() (token.SecurityToken, error) {
	claims, expiresAt := p.signer.Claims(p.audience, nil)
	signed, err := p.signer.Sign(claims)
	if err != nil {
		return token.SecurityToken{}, err
	}
	return token.SecurityToken{Token: signed, ExpiresAt: expiresAt}, nil
}
