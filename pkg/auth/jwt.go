// pkg/auth/jwt.go
// Lightweight HMAC-SHA256 JWT signer. The implementation deliberately avoids
// advanced JWT conventions (kid, JWKs) to keep the dependency surface
// minimal; pkg/sas uses it to mint the bearer tokens hycolink presents to the
// relay as a stand-in for a real SAS token.
//
// External dependency: github.com/golang-jwt/jwt/v5 (MIT).
package auth

import (
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Signer produces short-lived HMAC-signed tokens.
type Signer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  func() time.Time // injection point for tests
}

// NewSigner returns a Signer with given secret, issuer claim and TTL.
func NewSigner(secret []byte, issuer string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Signer{secret: secret, issuer: issuer, ttl: ttl, clock: time.Now}
}

// Claims returns standard claims for a new token with audience aud, plus any
// extra caller-supplied claims, and the expiry instant those claims encode.
func (s *Signer) Claims(aud string, extra map[string]any) (jwt.MapClaims, time.Time) {
	now := s.clock()
	expiresAt := now.Add(s.ttl)
	claims := jwt.MapClaims{
		"iss": s.issuer,
		"aud": aud,
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
	}
	for k, v := range extra {
		claims[k] = v
	}
	return claims, expiresAt
}

// Sign produces a JWT string.
func (s *Signer) Sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}
