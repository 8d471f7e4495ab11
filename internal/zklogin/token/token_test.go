package token

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
)

func encodeToken(t *testing.T, payload map[string]any) string {
	t.Helper()
	header, err := json.Marshal(map[string]string{"alg": "RS256", "typ": "JWT", "kid": "test-key"})
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(header) + "." + enc.EncodeToString(body) + "." + enc.EncodeToString([]byte("sig"))
}

func TestDecodeScalarAndListAudienceNormalize(t *testing.T) {
	scalar := encodeToken(t, map[string]any{
		"iss": "https://accounts.example.com", "sub": "user-42", "aud": "client-a", "nonce": "n",
	})
	list := encodeToken(t, map[string]any{
		"iss": "https://accounts.example.com", "sub": "user-42", "aud": []string{"client-a"}, "nonce": "n",
	})

	c1, err := Decode(scalar)
	if err != nil {
		t.Fatalf("decode scalar aud: %v", err)
	}
	c2, err := Decode(list)
	if err != nil {
		t.Fatalf("decode list aud: %v", err)
	}
	a1, err := c1.PrimaryAudience()
	if err != nil {
		t.Fatalf("primary audience: %v", err)
	}
	a2, err := c2.PrimaryAudience()
	if err != nil {
		t.Fatalf("primary audience: %v", err)
	}
	if a1 != a2 || a1 != "client-a" {
		t.Fatalf("audience normalization mismatch: %q vs %q", a1, a2)
	}
}

func TestDecodeMissingSubjectRejected(t *testing.T) {
	raw := encodeToken(t, map[string]any{"iss": "https://accounts.example.com", "aud": "client-a"})
	if _, err := Decode(raw); !errors.Is(err, ErrMissingSubject) {
		t.Fatalf("expected ErrMissingSubject, got %v", err)
	}
}

func TestDecodeGarbageRejected(t *testing.T) {
	for _, raw := range []string{"", "not-a-jwt", "a.b", "a.b.c.d"} {
		if _, err := Decode(raw); !errors.Is(err, ErrMalformedToken) {
			t.Fatalf("input %q: expected ErrMalformedToken, got %v", raw, err)
		}
	}
}

func TestPrimaryAudienceAbsent(t *testing.T) {
	c := Claims{Subject: "user-42", Issuer: "iss"}
	if _, err := c.PrimaryAudience(); !errors.Is(err, ErrMissingAudience) {
		t.Fatalf("expected ErrMissingAudience, got %v", err)
	}
}
