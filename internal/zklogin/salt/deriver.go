// Package salt resolves the per-user secret that makes wallet addresses
// stable across logins. The deterministic derivation is the source of truth;
// the cache and the device-scoped recovery copy are conveniences layered in
// front of it and must never change the result.
package salt

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"

	"zkauth/go-backend/internal/zklogin/token"
)

var (
	ErrSaltService = errors.New("salt service request failed")
	ErrWeakSecret  = errors.New("salt master secret is too short")
	ErrInvalidSalt = errors.New("salt value is invalid")
	ErrNoSubject   = errors.New("salt requires a token subject")
)

const (
	saltByteLen     = 16
	deriveInfoTag   = "zkauth/salt/v1"
	minSecretLength = 32
)

// Store resolves the salt for the subject of a nonce-bound token. The raw
// token travels with the request because remote backends authorize the lookup
// by the token itself, not by a separate credential.
type Store interface {
	GetOrCreate(ctx context.Context, rawToken string, claims token.Claims) (string, error)
}

// Deriver computes salts as a keyed one-way function of a long-lived master
// secret and the (issuer, subject) pair. Two calls with the same inputs yield
// the same salt forever; that invariant carries the whole address scheme.
type Deriver struct {
	secret []byte
}

func NewDeriver(masterSecret []byte) (*Deriver, error) {
	if len(masterSecret) < minSecretLength {
		return nil, ErrWeakSecret
	}
	return &Deriver{secret: append([]byte(nil), masterSecret...)}, nil
}

func (d *Deriver) GetOrCreate(_ context.Context, _ string, claims token.Claims) (string, error) {
	return d.Derive(claims.Issuer, claims.Subject)
}

// Derive returns the salt for (issuer, subject) as a decimal string.
func (d *Deriver) Derive(issuer, subject string) (string, error) {
	issuer = strings.TrimSpace(issuer)
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", ErrNoSubject
	}

	info := deriveInfoTag + "|" + issuer + "|" + subject
	reader := hkdf.New(sha256.New, d.secret, nil, []byte(info))
	out := make([]byte, saltByteLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return "", err
	}
	return decimalFromBytes(out), nil
}

func decimalFromBytes(b []byte) string {
	return new(big.Int).SetBytes(b).String()
}

// Cached shortcuts repeated lookups in-process. It is never the source of
// truth: a cleared cache re-resolves through the inner store and must yield
// the identical value.
type Cached struct {
	inner Store

	mu    sync.Mutex
	byKey map[string]string
}

func NewCached(inner Store) *Cached {
	return &Cached{inner: inner, byKey: make(map[string]string)}
}

func (c *Cached) GetOrCreate(ctx context.Context, rawToken string, claims token.Claims) (string, error) {
	key := claims.Issuer + "|" + claims.Subject

	c.mu.Lock()
	if v, ok := c.byKey[key]; ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	value, err := c.inner.GetOrCreate(ctx, rawToken, claims)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.byKey[key] = value
	c.mu.Unlock()
	return value, nil
}

// ClearCache drops all cached entries.
func (c *Cached) ClearCache() {
	c.mu.Lock()
	c.byKey = make(map[string]string)
	c.mu.Unlock()
}

// Bytes converts a decimal salt string to its fixed-width byte form.
func Bytes(salt string) ([]byte, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(salt), 10)
	if !ok || n.Sign() < 0 || n.BitLen() > saltByteLen*8 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSalt, salt)
	}
	out := make([]byte, saltByteLen)
	n.FillBytes(out)
	return out, nil
}
