// Package auth validates the opaque bearer tokens distribution.Server
// expects at WebSocket handshake (spec §4.10) and the same tokens the REST
// command surface authenticates on every request. Tokens are HS256 JWTs
// signed with Security.JWTSigningKey, the same signing-key-in-config shape
// volaticloud-volaticloud uses golang-jwt/jwt for, generalized here from
// Keycloak-issued realm tokens to a self-issued claim set.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// claims is the minimal claim set a core-issued token carries.
type claims struct {
	jwt.RegisteredClaims
}

// Validator verifies bearer tokens and issues new ones for authenticated
// sessions. It implements distribution.Authenticator.
type Validator struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
}

// NewValidator builds a Validator signing and verifying with signingKey.
func NewValidator(signingKey string, ttl time.Duration) *Validator {
	return &Validator{signingKey: []byte(signingKey), issuer: "futurescore", ttl: ttl}
}

// Issue mints a signed token for userID, valid for the Validator's TTL.
func (v *Validator) Issue(userID string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
		},
	})
	return token.SignedString(v.signingKey)
}

// AuthenticateToken resolves a bearer token to the userID that owns it.
func (v *Validator) AuthenticateToken(raw string) (string, error) {
	parsed, err := jwt.ParseWithClaims(raw, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.signingKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("authenticate token: %w", err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || c.Subject == "" {
		return "", fmt.Errorf("authenticate token: invalid claims")
	}
	return c.Subject, nil
}
