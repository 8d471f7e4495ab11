package login

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"zkauth/go-backend/internal/zklogin/epoch"
	"zkauth/go-backend/internal/zklogin/prover"
	"zkauth/go-backend/internal/zklogin/salt"
	"zkauth/go-backend/internal/zklogin/session"
	"zkauth/go-backend/internal/zklogin/signer"
	"zkauth/go-backend/internal/zklogin/token"
)

type fakeEpochs struct {
	state epoch.State
	err   error
}

func (f fakeEpochs) Current(context.Context) (epoch.State, error) {
	return f.state, f.err
}

type fakeSalts struct {
	value string
	err   error
	calls atomic.Int64
}

func (f *fakeSalts) GetOrCreate(context.Context, string, token.Claims) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return f.value, nil
}

type fakeProver struct {
	bundle prover.Bundle
	err    error
	calls  atomic.Int64
	last   prover.Request
}

func (f *fakeProver) RequestProof(_ context.Context, req prover.Request) (prover.Bundle, error) {
	f.calls.Add(1)
	f.last = req
	if f.err != nil {
		return prover.Bundle{}, f.err
	}
	return f.bundle, nil
}

func testBundle() prover.Bundle {
	return prover.Bundle{
		ProofPoints:      prover.ProofPoints{A: []string{"1"}, B: []string{"2"}, C: []string{"3"}},
		IssBase64Details: prover.IssBase64Details{Value: "aXNz", IndexMod4: 2},
		HeaderBase64:     "hdr",
	}
}

func encodeToken(t *testing.T, payload map[string]any) string {
	t.Helper()
	header, err := json.Marshal(map[string]string{"alg": "RS256", "typ": "JWT"})
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

func newOrchestrator(t *testing.T, salts salt.Store, proofs ProofService) *Orchestrator {
	t.Helper()
	return New(Options{
		Provider: Provider{
			AuthorizeURL: "https://accounts.example.com/authorize",
			ClientID:     "client-a",
			RedirectURI:  "https://app.example.com/callback",
		},
		Sessions: session.NewManager(session.NewInMemoryStore()),
		Salts:    salts,
		Prover:   proofs,
		Epochs:   fakeEpochs{state: epoch.State{Epoch: 5}},
	})
}

func tokenFor(t *testing.T, nonce string) string {
	t.Helper()
	return encodeToken(t, map[string]any{
		"iss":   "https://accounts.example.com",
		"sub":   "user-42",
		"aud":   "client-a",
		"nonce": nonce,
	})
}

func TestBeginBuildsAuthorizeURL(t *testing.T) {
	o := newOrchestrator(t, &fakeSalts{value: "123456789"}, &fakeProver{bundle: testBundle()})
	begun, err := o.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if begun.MaxEpoch != 7 {
		t.Fatalf("max epoch = %d, want 7", begun.MaxEpoch)
	}

	parsed, err := url.Parse(begun.AuthURL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	q := parsed.Query()
	if q.Get("client_id") != "client-a" || q.Get("response_type") != "id_token" ||
		q.Get("scope") != "openid" || q.Get("nonce") != begun.Nonce {
		t.Fatalf("authorize query incomplete: %s", begun.AuthURL)
	}
}

func TestBeginEpochUnavailable(t *testing.T) {
	o := New(Options{
		Sessions: session.NewManager(session.NewInMemoryStore()),
		Salts:    &fakeSalts{},
		Prover:   &fakeProver{},
		Epochs:   fakeEpochs{err: fmt.Errorf("%w: ledger down", epoch.ErrEpochUnavailable)},
	})
	if _, err := o.Begin(context.Background()); !errors.Is(err, epoch.ErrEpochUnavailable) {
		t.Fatalf("expected ErrEpochUnavailable, got %v", err)
	}
}

func TestEndToEndLoginDerivesReproducibleAddress(t *testing.T) {
	salts := &fakeSalts{value: "123456789"}
	proofs := &fakeProver{bundle: testBundle()}
	o := newOrchestrator(t, salts, proofs)

	begun, err := o.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	raw := tokenFor(t, begun.Nonce)
	sess, err := o.ResumeAndComplete(context.Background(), raw)
	if err != nil {
		t.Fatalf("resume and complete: %v", err)
	}

	if proofs.last.MaxEpoch != 7 || proofs.last.Salt != "123456789" {
		t.Fatalf("proof request not bound to session: %+v", proofs.last)
	}

	want, err := signer.DeriveAddress(sess.Claims, "123456789")
	if err != nil {
		t.Fatalf("derive address: %v", err)
	}
	if sess.Address != want {
		t.Fatalf("address = %s, want independently recomputed %s", sess.Address, want)
	}

	// A second, unrelated login for the same subject lands on the same address.
	o2 := newOrchestrator(t, &fakeSalts{value: "123456789"}, &fakeProver{bundle: testBundle()})
	begun2, err := o2.Begin(context.Background())
	if err != nil {
		t.Fatalf("second begin: %v", err)
	}
	sess2, err := o2.ResumeAndComplete(context.Background(), tokenFor(t, begun2.Nonce))
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	if sess2.Address != sess.Address {
		t.Fatalf("address must be stable across logins: %s != %s", sess2.Address, sess.Address)
	}
}

func TestNonceMismatchAborts(t *testing.T) {
	salts := &fakeSalts{value: "123456789"}
	proofs := &fakeProver{bundle: testBundle()}
	o := newOrchestrator(t, salts, proofs)

	begun, err := o.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	wrong := begun.Nonce[:len(begun.Nonce)-1] + "x"
	if _, err := o.ResumeAndComplete(context.Background(), tokenFor(t, wrong)); !errors.Is(err, ErrNonceMismatch) {
		t.Fatalf("expected ErrNonceMismatch, got %v", err)
	}
	if salts.calls.Load() != 0 || proofs.calls.Load() != 0 {
		t.Fatal("no downstream call may happen after a nonce mismatch")
	}
	// The attempt collapsed back to idle.
	if _, err := o.ResumeAndComplete(context.Background(), tokenFor(t, begun.Nonce)); !errors.Is(err, session.ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession after abort, got %v", err)
	}
}

func TestTokenWithoutSubjectRejectedBeforeAnyNetworkCall(t *testing.T) {
	salts := &fakeSalts{value: "123456789"}
	proofs := &fakeProver{bundle: testBundle()}
	o := newOrchestrator(t, salts, proofs)

	begun, err := o.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	raw := encodeToken(t, map[string]any{
		"iss":   "https://accounts.example.com",
		"aud":   "client-a",
		"nonce": begun.Nonce,
	})
	if _, err := o.ResumeAndComplete(context.Background(), raw); !errors.Is(err, token.ErrMissingSubject) {
		t.Fatalf("expected ErrMissingSubject, got %v", err)
	}
	if salts.calls.Load() != 0 || proofs.calls.Load() != 0 {
		t.Fatal("rejected token must not reach salt or proof services")
	}
}

func TestSaltServiceFailureKeepsAttemptRetryable(t *testing.T) {
	salts := &fakeSalts{err: fmt.Errorf("%w: status 503: maintenance", salt.ErrSaltService)}
	proofs := &fakeProver{bundle: testBundle()}
	o := newOrchestrator(t, salts, proofs)

	begun, err := o.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	raw := tokenFor(t, begun.Nonce)
	if _, err := o.ResumeAndComplete(context.Background(), raw); !errors.Is(err, salt.ErrSaltService) {
		t.Fatalf("expected ErrSaltService, got %v", err)
	}

	// Same token retries once the service recovers.
	salts.err = nil
	salts.value = "123456789"
	if _, err := o.ResumeAndComplete(context.Background(), raw); err != nil {
		t.Fatalf("retry after salt recovery: %v", err)
	}
}

func TestProofServiceFailureDiscardsAttempt(t *testing.T) {
	proofs := &fakeProver{err: fmt.Errorf("%w: status 500: prover oom", prover.ErrProofService)}
	o := newOrchestrator(t, &fakeSalts{value: "123456789"}, proofs)

	begun, err := o.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	raw := tokenFor(t, begun.Nonce)
	if _, err := o.ResumeAndComplete(context.Background(), raw); !errors.Is(err, prover.ErrProofService) {
		t.Fatalf("expected ErrProofService, got %v", err)
	}
	// The nonce was single-use; only a full restart is safe.
	if _, err := o.ResumeAndComplete(context.Background(), raw); !errors.Is(err, session.ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
}

func TestReplayedCallbackDoesNotMutateAuthenticatedSession(t *testing.T) {
	salts := &fakeSalts{value: "123456789"}
	proofs := &fakeProver{bundle: testBundle()}
	o := newOrchestrator(t, salts, proofs)

	begun, err := o.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	raw := tokenFor(t, begun.Nonce)
	first, err := o.ResumeAndComplete(context.Background(), raw)
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	stale := encodeToken(t, map[string]any{
		"iss": "https://evil.example.com", "sub": "attacker", "aud": "client-a", "nonce": "stale",
	})
	replayed, err := o.ResumeAndComplete(context.Background(), stale)
	if err != nil {
		t.Fatalf("replayed callback: %v", err)
	}
	if replayed.Address != first.Address || replayed.Claims.Subject != "user-42" {
		t.Fatal("replayed callback must return the existing session unchanged")
	}
	if proofs.calls.Load() != 1 {
		t.Fatal("replayed callback must not re-run the proof step")
	}
}

func TestLogoutClearsSession(t *testing.T) {
	o := newOrchestrator(t, &fakeSalts{value: "123456789"}, &fakeProver{bundle: testBundle()})
	begun, err := o.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := o.ResumeAndComplete(context.Background(), tokenFor(t, begun.Nonce)); err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := o.Current(); err != nil {
		t.Fatalf("current: %v", err)
	}
	if err := o.Logout(); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := o.Current(); !errors.Is(err, session.ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession after logout, got %v", err)
	}
}

func TestBackupFailureNeverFailsLogin(t *testing.T) {
	store := session.NewInMemoryStore()
	o := New(Options{
		Provider: Provider{AuthorizeURL: "https://idp/authorize", ClientID: "client-a", RedirectURI: "https://app/cb"},
		Sessions: session.NewManager(store),
		Salts:    &fakeSalts{value: "123456789"},
		Prover:   &fakeProver{bundle: testBundle()},
		Epochs:   fakeEpochs{state: epoch.State{Epoch: 5}},
		// Endpoint nobody listens on; delivery fails, login must not.
		Backup: salt.NewNotifier("http://127.0.0.1:1", nil, nil, nil),
	})

	begun, err := o.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	sess, err := o.ResumeAndComplete(context.Background(), tokenFor(t, begun.Nonce))
	if err != nil {
		t.Fatalf("login must succeed despite backup failure: %v", err)
	}
	o.WaitBackups()
	if sess.Salt != "123456789" {
		t.Fatalf("unexpected session salt %q", sess.Salt)
	}

	// The one-shot flag persisted even though delivery failed.
	persisted, ok, err := store.Read()
	if err != nil || !ok {
		t.Fatalf("read persisted session: ok=%v err=%v", ok, err)
	}
	if !persisted.BackupAttempted {
		t.Fatal("backup-attempted flag must persist")
	}
}

func TestRecoveryIndicator(t *testing.T) {
	recovery := salt.NewRecoveryStore(t.TempDir() + "/recovery.json")
	o := New(Options{
		Provider: Provider{AuthorizeURL: "https://idp/authorize", ClientID: "client-a", RedirectURI: "https://app/cb"},
		Sessions: session.NewManager(session.NewInMemoryStore()),
		Salts:    &fakeSalts{value: "123456789"},
		Prover:   &fakeProver{bundle: testBundle()},
		Epochs:   fakeEpochs{state: epoch.State{Epoch: 5}},
		Recovery: recovery,
	})

	if _, ok := o.RecoveryAvailable("user-42"); ok {
		t.Fatal("no recovery before first login")
	}
	begun, err := o.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := o.ResumeAndComplete(context.Background(), tokenFor(t, begun.Nonce)); err != nil {
		t.Fatalf("login: %v", err)
	}
	code, ok := o.RecoveryAvailable("user-42")
	if !ok || !strings.HasPrefix(code, "zksalt1") {
		t.Fatalf("expected recovery code after login, got %q ok=%v", code, ok)
	}
}
