// Package prover talks to the external zero-knowledge proving service. The
// service is a black box: it receives the token, the extended ephemeral public
// key, the epoch bound, the randomness and the salt, and returns a proof that
// the combination is consistent. Requests can take seconds.
package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrMissingProofInput = errors.New("proof request input is missing")
	ErrProofService      = errors.New("proving service request failed")
)

const defaultKeyClaimName = "sub"

// ProofPoints is the opaque Groth16-shaped proof payload.
type ProofPoints struct {
	A []string `json:"a"`
	B []string `json:"b"`
	C []string `json:"c"`
}

// IssBase64Details locates the issuer claim inside the base64-encoded token
// body so the ledger can check the proof against the token encoding.
type IssBase64Details struct {
	Value     string `json:"value"`
	IndexMod4 int    `json:"indexMod4"`
}

// Bundle is the proof artifact plus the public metadata the ledger needs to
// verify it. It is bound to exactly one (token, salt, key, maxEpoch) tuple.
type Bundle struct {
	ProofPoints      ProofPoints      `json:"proofPoints"`
	IssBase64Details IssBase64Details `json:"issBase64Details"`
	HeaderBase64     string           `json:"headerBase64"`
}

// Request carries the five inputs the proving service needs. All of them are
// required; the client refuses to dispatch an incomplete request.
type Request struct {
	Token                      string
	ExtendedEphemeralPublicKey string
	MaxEpoch                   uint64
	Randomness                 string
	Salt                       string
}

type wireRequest struct {
	JWT                        string `json:"jwt"`
	ExtendedEphemeralPublicKey string `json:"extendedEphemeralPublicKey"`
	MaxEpoch                   uint64 `json:"maxEpoch"`
	JWTRandomness              string `json:"jwtRandomness"`
	Salt                       string `json:"salt"`
	KeyClaimName               string `json:"keyClaimName"`
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// RequestProof obtains a proof bundle for the given inputs. A non-2xx response
// surfaces the upstream status and body verbatim: those failures are the
// primary operator-visible failure mode of the whole flow.
func (c *Client) RequestProof(ctx context.Context, req Request) (Bundle, error) {
	if err := req.validate(); err != nil {
		return Bundle{}, err
	}

	body, err := json.Marshal(wireRequest{
		JWT:                        req.Token,
		ExtendedEphemeralPublicKey: req.ExtendedEphemeralPublicKey,
		MaxEpoch:                   req.MaxEpoch,
		JWTRandomness:              req.Randomness,
		Salt:                       req.Salt,
		KeyClaimName:               defaultKeyClaimName,
	})
	if err != nil {
		return Bundle{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/zkproof", bytes.NewReader(body))
	if err != nil {
		return Bundle{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Bundle{}, fmt.Errorf("%w: %v", ErrProofService, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Bundle{}, fmt.Errorf("%w: reading response: %v", ErrProofService, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Bundle{}, fmt.Errorf("%w: status %d: %s", ErrProofService, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var bundle Bundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return Bundle{}, fmt.Errorf("%w: decoding response: %v", ErrProofService, err)
	}
	if len(bundle.ProofPoints.A) == 0 || len(bundle.ProofPoints.B) == 0 || len(bundle.ProofPoints.C) == 0 {
		return Bundle{}, fmt.Errorf("%w: response has empty proof points", ErrProofService)
	}
	return bundle, nil
}

func (r Request) validate() error {
	switch {
	case strings.TrimSpace(r.Token) == "":
		return fmt.Errorf("%w: token", ErrMissingProofInput)
	case strings.TrimSpace(r.ExtendedEphemeralPublicKey) == "":
		return fmt.Errorf("%w: extended ephemeral public key", ErrMissingProofInput)
	case r.MaxEpoch == 0:
		return fmt.Errorf("%w: max epoch", ErrMissingProofInput)
	case strings.TrimSpace(r.Randomness) == "":
		return fmt.Errorf("%w: randomness", ErrMissingProofInput)
	case strings.TrimSpace(r.Salt) == "":
		return fmt.Errorf("%w: salt", ErrMissingProofInput)
	}
	return nil
}
