package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"

	"zkauth/go-backend/internal/zklogin/prover"
	"zkauth/go-backend/internal/zklogin/session"
	"zkauth/go-backend/internal/zklogin/token"
)

func testSession(t *testing.T) session.Authenticated {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	claims := token.Claims{
		Issuer:   "https://accounts.example.com",
		Subject:  "user-42",
		Audience: []string{"client-a"},
	}
	address, err := DeriveAddress(claims, "123456789")
	if err != nil {
		t.Fatalf("derive address: %v", err)
	}
	binding := session.Binding{
		EphemeralPrivateKey: priv,
		MaxEpoch:            10,
		Randomness:          make([]byte, 16),
	}
	return session.Authenticated{
		Binding: binding,
		Claims:  claims,
		Salt:    "123456789",
		Proof: prover.Bundle{
			ProofPoints:      prover.ProofPoints{A: []string{"1"}, B: []string{"2"}, C: []string{"3"}},
			IssBase64Details: prover.IssBase64Details{Value: "aXNz", IndexMod4: 1},
			HeaderBase64:     "hdr",
		},
		ProofKey: binding.ExtendedPublicKey(),
		Address:  address,
	}
}

func TestAddressSeedScalarListAudienceAgree(t *testing.T) {
	scalar := token.Claims{Issuer: "iss", Subject: "user-42", Audience: []string{"client-a"}}
	audScalar, err := scalar.PrimaryAudience()
	if err != nil {
		t.Fatalf("primary audience: %v", err)
	}
	seedA, err := AddressSeed("123456789", "user-42", audScalar)
	if err != nil {
		t.Fatalf("address seed: %v", err)
	}
	seedB, err := AddressSeed("123456789", "user-42", "client-a")
	if err != nil {
		t.Fatalf("address seed: %v", err)
	}
	if seedA != seedB {
		t.Fatal("list and scalar audience must produce the same seed")
	}
}

func TestDeriveAddressReproducible(t *testing.T) {
	claims := token.Claims{Issuer: "iss", Subject: "user-42", Audience: []string{"client-a"}}
	a, err := DeriveAddress(claims, "123456789")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, err := DeriveAddress(claims, "123456789")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if a != b {
		t.Fatal("address derivation must be pure")
	}
	c, err := DeriveAddress(claims, "987654321")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if c == a {
		t.Fatal("different salt must change the address")
	}
}

func TestSignEpochWindow(t *testing.T) {
	sess := testSession(t)
	tx := []byte("transaction-bytes")

	if _, err := Sign(sess, tx, 9); err != nil {
		t.Fatalf("epoch 9 with max 10 must sign: %v", err)
	}
	if _, err := Sign(sess, tx, 10); err != nil {
		t.Fatalf("epoch equal to max must still sign: %v", err)
	}
	if _, err := Sign(sess, tx, 11); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("epoch 11 with max 10 must expire, got %v", err)
	}
}

func TestSignMissingAudience(t *testing.T) {
	sess := testSession(t)
	sess.Claims.Audience = nil
	if _, err := Sign(sess, []byte("tx"), 9); !errors.Is(err, token.ErrMissingAudience) {
		t.Fatalf("expected ErrMissingAudience, got %v", err)
	}
}

func TestSignDetectsBindingMismatch(t *testing.T) {
	sess := testSession(t)
	sess.Salt = "987654321"
	if _, err := Sign(sess, []byte("tx"), 9); !errors.Is(err, ErrUnauthorizedSigner) {
		t.Fatalf("expected ErrUnauthorizedSigner, got %v", err)
	}
}

func TestSignRejectsKeyNotBoundToProof(t *testing.T) {
	sess := testSession(t)
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sess.Binding.EphemeralPrivateKey = otherPriv
	if _, err := Sign(sess, []byte("tx"), 9); !errors.Is(err, ErrUnauthorizedSigner) {
		t.Fatalf("expected ErrUnauthorizedSigner, got %v", err)
	}
}

func TestSignFreshSignaturePerTransactionSharedProof(t *testing.T) {
	sess := testSession(t)
	first, err := Sign(sess, []byte("tx-1"), 9)
	if err != nil {
		t.Fatalf("sign tx-1: %v", err)
	}
	second, err := Sign(sess, []byte("tx-2"), 9)
	if err != nil {
		t.Fatalf("sign tx-2: %v", err)
	}
	if first.UserSignature == second.UserSignature {
		t.Fatal("each transaction needs its own ephemeral signature")
	}
	if first.AddressSeed != second.AddressSeed || first.HeaderBase64 != second.HeaderBase64 {
		t.Fatal("proof material is reused across transactions")
	}

	raw, err := base64.StdEncoding.DecodeString(first.UserSignature)
	if err != nil {
		t.Fatalf("decode user signature: %v", err)
	}
	if len(raw) != 1+ed25519.SignatureSize+ed25519.PublicKeySize {
		t.Fatalf("user signature length %d", len(raw))
	}
	pub := sess.Binding.PublicKey()
	if !ed25519.Verify(pub, []byte("tx-1"), raw[1:1+ed25519.SignatureSize]) {
		t.Fatal("ephemeral signature must verify over the transaction bytes")
	}
}

func TestCompositeEncodeStable(t *testing.T) {
	sess := testSession(t)
	sig, err := Sign(sess, []byte("tx"), 9)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	encoded, err := sig.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := base64.StdEncoding.DecodeString(encoded); err != nil {
		t.Fatalf("encoded form must be base64: %v", err)
	}
}
