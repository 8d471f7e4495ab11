// Package signer turns an authenticated session plus transaction bytes into
// the composite credential the ledger verifies: the ephemeral signature over
// the transaction, the proof bundle, and the address-seed binding value.
package signer

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/blake2b"

	"zkauth/go-backend/internal/zklogin/prover"
	"zkauth/go-backend/internal/zklogin/salt"
	"zkauth/go-backend/internal/zklogin/session"
	"zkauth/go-backend/internal/zklogin/token"
)

var (
	ErrSessionExpired     = errors.New("session expired: max epoch passed")
	ErrUnauthorizedSigner = errors.New("session key does not match its credential binding")
	ErrEmptyTransaction   = errors.New("transaction bytes are empty")
)

const (
	addressSeedDomain = "zkauth/addrseed/v1"

	// Scheme flag bytes, ledger-defined.
	addressSchemeFlag   = byte(0x05)
	signatureSchemeFlag = byte(0x00)
)

// Composite is the single-use transaction credential. The ephemeral signature
// differs per transaction; the proof and address seed are reused until the
// session expires.
type Composite struct {
	ProofPoints      prover.ProofPoints      `json:"proofPoints"`
	IssBase64Details prover.IssBase64Details `json:"issBase64Details"`
	HeaderBase64     string                  `json:"headerBase64"`
	AddressSeed      string                  `json:"addressSeed"`
	MaxEpoch         uint64                  `json:"maxEpoch"`
	UserSignature    string                  `json:"userSignature"`
}

// Encode returns the submittable wire form.
func (c Composite) Encode() (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// AddressSeed derives the binding value from (salt, subject, audience) as a
// decimal string. Pure function; both login and signing must agree on it.
func AddressSeed(saltValue, subject, audience string) (string, error) {
	saltBytes, err := salt.Bytes(saltValue)
	if err != nil {
		return "", err
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	h.Write([]byte(addressSeedDomain))
	h.Write([]byte{0})
	h.Write(saltBytes)
	h.Write([]byte{0})
	h.Write([]byte(subject))
	h.Write([]byte{0})
	h.Write([]byte(audience))
	return new(big.Int).SetBytes(h.Sum(nil)).String(), nil
}

// Address derives the account address from the issuer and the address seed.
// It must reproduce the address computed at login time exactly.
func Address(issuer, addressSeed string) (string, error) {
	seed, ok := new(big.Int).SetString(addressSeed, 10)
	if !ok {
		return "", fmt.Errorf("invalid address seed %q", addressSeed)
	}
	seedBytes := make([]byte, 32)
	seed.FillBytes(seedBytes)

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	h.Write([]byte{addressSchemeFlag})
	h.Write([]byte{byte(len(issuer))})
	h.Write([]byte(issuer))
	h.Write(seedBytes)
	return "0x" + hex.EncodeToString(h.Sum(nil)), nil
}

// DeriveAddress computes the address straight from token claims and salt.
func DeriveAddress(claims token.Claims, saltValue string) (string, error) {
	audience, err := claims.PrimaryAudience()
	if err != nil {
		return "", err
	}
	seed, err := AddressSeed(saltValue, claims.Subject, audience)
	if err != nil {
		return "", err
	}
	return Address(claims.Issuer, seed)
}

// Sign authorizes one transaction. currentEpoch must come from a live epoch
// oracle; a session signs only while its max epoch is still ahead of or equal
// to the ledger's epoch.
func Sign(sess session.Authenticated, transactionBytes []byte, currentEpoch uint64) (Composite, error) {
	if len(transactionBytes) == 0 {
		return Composite{}, ErrEmptyTransaction
	}
	if currentEpoch > sess.Binding.MaxEpoch {
		return Composite{}, fmt.Errorf("%w: max epoch %d, current %d", ErrSessionExpired, sess.Binding.MaxEpoch, currentEpoch)
	}
	if sess.ProofKey != "" && sess.ProofKey != sess.Binding.ExtendedPublicKey() {
		return Composite{}, fmt.Errorf("%w: proof issued for a different ephemeral key", ErrUnauthorizedSigner)
	}

	audience, err := sess.Claims.PrimaryAudience()
	if err != nil {
		return Composite{}, err
	}
	seed, err := AddressSeed(sess.Salt, sess.Claims.Subject, audience)
	if err != nil {
		return Composite{}, err
	}
	address, err := Address(sess.Claims.Issuer, seed)
	if err != nil {
		return Composite{}, err
	}
	if address != sess.Address {
		return Composite{}, fmt.Errorf("%w: recomputed address %s, session address %s", ErrUnauthorizedSigner, address, sess.Address)
	}

	sig := ed25519.Sign(sess.Binding.EphemeralPrivateKey, transactionBytes)
	userSig := make([]byte, 0, 1+len(sig)+ed25519.PublicKeySize)
	userSig = append(userSig, signatureSchemeFlag)
	userSig = append(userSig, sig...)
	userSig = append(userSig, sess.Binding.PublicKey()...)

	return Composite{
		ProofPoints:      sess.Proof.ProofPoints,
		IssBase64Details: sess.Proof.IssBase64Details,
		HeaderBase64:     sess.Proof.HeaderBase64,
		AddressSeed:      seed,
		MaxEpoch:         sess.Binding.MaxEpoch,
		UserSignature:    base64.StdEncoding.EncodeToString(userSig),
	}, nil
}
