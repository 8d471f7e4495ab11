// Package token decodes OpenID identity tokens returned by the provider
// redirect. Tokens are decoded without verifying the provider signature: the
// nonce binding and the external proving service establish trust downstream.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrMalformedToken  = errors.New("identity token is malformed")
	ErrMissingSubject  = errors.New("identity token has no subject claim")
	ErrMissingIssuer   = errors.New("identity token has no issuer claim")
	ErrMissingAudience = errors.New("identity token has no audience claim")
)

// Claims is the decoded payload of an identity token. Audience is kept in
// list form; providers emit either a scalar or a list and both normalize to
// the same first entry.
type Claims struct {
	Issuer   string    `json:"iss"`
	Subject  string    `json:"sub"`
	Audience []string  `json:"aud,omitempty"`
	Nonce    string    `json:"nonce,omitempty"`
	Email    string    `json:"email,omitempty"`
	Expiry   time.Time `json:"exp,omitempty"`
}

// PrimaryAudience returns the first audience entry.
func (c Claims) PrimaryAudience() (string, error) {
	if len(c.Audience) == 0 || strings.TrimSpace(c.Audience[0]) == "" {
		return "", ErrMissingAudience
	}
	return c.Audience[0], nil
}

type rawClaims struct {
	jwt.RegisteredClaims
	Nonce string `json:"nonce"`
	Email string `json:"email"`
}

// Decode parses a compact JWT without signature verification and validates
// that the claims the login flow depends on are present.
func Decode(raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, ErrMalformedToken
	}

	parser := jwt.NewParser()
	var rc rawClaims
	if _, _, err := parser.ParseUnverified(raw, &rc); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	claims := Claims{
		Issuer:   strings.TrimSpace(rc.Issuer),
		Subject:  strings.TrimSpace(rc.Subject),
		Audience: normalizeAudience(rc.Audience),
		Nonce:    rc.Nonce,
		Email:    strings.TrimSpace(rc.Email),
	}
	if rc.ExpiresAt != nil {
		claims.Expiry = rc.ExpiresAt.Time
	}

	if claims.Subject == "" {
		return Claims{}, ErrMissingSubject
	}
	if claims.Issuer == "" {
		return Claims{}, ErrMissingIssuer
	}
	return claims, nil
}

func normalizeAudience(aud jwt.ClaimStrings) []string {
	out := make([]string, 0, len(aud))
	for _, a := range aud {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}
