// Package login drives the end-to-end flow: prepare a nonce-bound ephemeral
// key, hand the browser to the identity provider, resume with the returned
// token, validate the binding, resolve the salt, fetch the proof, and
// materialize the authenticated session. Every step is gated by the one
// before it; no step proceeds past a validation failure.
package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"zkauth/go-backend/internal/metrics"
	"zkauth/go-backend/internal/zklogin/epoch"
	"zkauth/go-backend/internal/zklogin/prover"
	"zkauth/go-backend/internal/zklogin/salt"
	"zkauth/go-backend/internal/zklogin/session"
	"zkauth/go-backend/internal/zklogin/signer"
	"zkauth/go-backend/internal/zklogin/token"
)

var (
	ErrNonceMismatch    = errors.New("token nonce does not match session nonce")
	ErrNotAuthenticated = errors.New("no authenticated session")
)

// ProofService is the narrow proving-service contract the flow depends on.
type ProofService interface {
	RequestProof(ctx context.Context, req prover.Request) (prover.Bundle, error)
}

// Provider describes the identity provider's authorize endpoint.
type Provider struct {
	AuthorizeURL string
	ClientID     string
	RedirectURI  string
}

// Orchestrator composes the session manager, the salt store and the external
// services into the login state machine. One instance serves one agent; only
// one login attempt is in flight at a time.
type Orchestrator struct {
	provider Provider
	sessions *session.Manager
	salts    salt.Store
	prover   ProofService
	epochs   epoch.Oracle
	backup   *salt.Notifier
	recovery *salt.RecoveryStore
	logger   *slog.Logger
	flow     *metrics.Flow

	backups sync.WaitGroup
}

type Options struct {
	Provider Provider
	Sessions *session.Manager
	Salts    salt.Store
	Prover   ProofService
	Epochs   epoch.Oracle

	// Optional collaborators.
	Backup   *salt.Notifier
	Recovery *salt.RecoveryStore
	Logger   *slog.Logger
	Metrics  *metrics.Flow
}

func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		provider: opts.Provider,
		sessions: opts.Sessions,
		salts:    opts.Salts,
		prover:   opts.Prover,
		epochs:   opts.Epochs,
		backup:   opts.Backup,
		recovery: opts.Recovery,
		logger:   logger,
		flow:     opts.Metrics,
	}
}

// BeginResult is what the caller needs to send the browser away.
type BeginResult struct {
	AuthURL   string
	Nonce     string
	MaxEpoch  uint64
	AttemptID string
}

// Begin fetches the live epoch, binds a fresh ephemeral key to a nonce and
// returns the provider redirect URL. Any in-flight attempt is replaced.
func (o *Orchestrator) Begin(ctx context.Context) (BeginResult, error) {
	state, err := o.epochs.Current(ctx)
	if err != nil {
		o.flow.AttemptFailed("epoch_unavailable")
		return BeginResult{}, err
	}

	attemptID := uuid.NewString()
	binding, err := o.sessions.Begin(state.Epoch, attemptID)
	if err != nil {
		o.flow.AttemptFailed("session_storage")
		return BeginResult{}, err
	}

	o.flow.AttemptStarted()
	o.logger.Info("login attempt started",
		slog.String("attempt_id", attemptID),
		slog.Uint64("max_epoch", binding.MaxEpoch),
	)
	return BeginResult{
		AuthURL:   o.authorizeURL(binding.Nonce),
		Nonce:     binding.Nonce,
		MaxEpoch:  binding.MaxEpoch,
		AttemptID: attemptID,
	}, nil
}

// ResumeAndComplete consumes the identity token returned by the provider and
// runs the remaining steps. Validation failures and proving failures collapse
// the attempt back to idle; a salt service failure leaves the attempt in
// place so the same token can be retried.
func (o *Orchestrator) ResumeAndComplete(ctx context.Context, rawToken string) (session.Authenticated, error) {
	binding, persisted, err := o.sessions.Resume()
	if err != nil {
		o.flow.AttemptFailed("no_active_session")
		return session.Authenticated{}, err
	}

	// A completed session is immutable against replayed callbacks.
	if persisted.State == session.StateAuthenticated {
		return materialize(binding, persisted)
	}

	claims, err := token.Decode(rawToken)
	if err != nil {
		o.failAttempt("malformed_token", persisted.AttemptID)
		return session.Authenticated{}, err
	}

	if claims.Nonce != binding.Nonce || !o.sessions.VerifyBinding(binding, claims.Nonce) {
		o.failAttempt("nonce_mismatch", persisted.AttemptID)
		return session.Authenticated{}, fmt.Errorf("%w: token bound to a different attempt", ErrNonceMismatch)
	}

	saltValue, err := o.salts.GetOrCreate(ctx, rawToken, claims)
	if err != nil {
		// Salt service outage is retryable with the same token.
		o.flow.AttemptFailed("salt_service")
		return session.Authenticated{}, err
	}

	persisted.Salt = saltValue
	persisted.Claims = &claims
	if err := o.sessions.Update(persisted); err != nil {
		return session.Authenticated{}, err
	}

	if !persisted.BackupAttempted {
		persisted.BackupAttempted = true
		if err := o.sessions.Update(persisted); err != nil {
			return session.Authenticated{}, err
		}
		o.triggerBackup(claims.Subject, claims.Email, saltValue)
	}

	proofStart := time.Now()
	bundle, err := o.prover.RequestProof(ctx, prover.Request{
		Token:                      rawToken,
		ExtendedEphemeralPublicKey: binding.ExtendedPublicKey(),
		MaxEpoch:                   binding.MaxEpoch,
		Randomness:                 binding.RandomnessString(),
		Salt:                       saltValue,
	})
	o.flow.ProofRequested(time.Since(proofStart))
	if err != nil {
		// The nonce was single-use; the whole attempt restarts.
		o.failAttempt("proof_service", persisted.AttemptID)
		return session.Authenticated{}, err
	}

	address, err := signer.DeriveAddress(claims, saltValue)
	if err != nil {
		o.failAttempt("address_derivation", persisted.AttemptID)
		return session.Authenticated{}, err
	}

	persisted.State = session.StateAuthenticated
	persisted.Proof = &bundle
	persisted.ProofKey = binding.ExtendedPublicKey()
	persisted.Address = address
	if err := o.sessions.Update(persisted); err != nil {
		return session.Authenticated{}, err
	}

	if o.recovery != nil {
		if err := o.recovery.Put(claims.Subject, saltValue); err != nil {
			o.logger.Warn("recovery store write failed", slog.String("error", err.Error()))
		}
	}

	o.logger.Info("login authenticated",
		slog.String("attempt_id", persisted.AttemptID),
		slog.String("sub", claims.Subject),
		slog.String("address", address),
	)
	return materialize(binding, persisted)
}

// Current returns the authenticated session, if any.
func (o *Orchestrator) Current() (session.Authenticated, error) {
	binding, persisted, err := o.sessions.Resume()
	if err != nil {
		return session.Authenticated{}, err
	}
	if persisted.State != session.StateAuthenticated {
		return session.Authenticated{}, ErrNotAuthenticated
	}
	return materialize(binding, persisted)
}

// RecoveryAvailable reports whether a device-local salt copy exists for the
// subject. Display only; never authoritative.
func (o *Orchestrator) RecoveryAvailable(subject string) (string, bool) {
	if o.recovery == nil {
		return "", false
	}
	value, ok, err := o.recovery.Get(subject)
	if err != nil || !ok {
		return "", false
	}
	return salt.RecoveryCode(value), true
}

// Logout erases the persisted session.
func (o *Orchestrator) Logout() error {
	return o.sessions.End()
}

// WaitBackups blocks until in-flight backup deliveries finish. Used on
// shutdown and in tests.
func (o *Orchestrator) WaitBackups() {
	o.backups.Wait()
}

func (o *Orchestrator) triggerBackup(subject, email, saltValue string) {
	if o.backup == nil {
		return
	}
	o.backups.Add(1)
	go func() {
		defer o.backups.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := o.backup.Notify(ctx, subject, email, saltValue); err != nil {
			// Best effort only; a backup failure never fails the login.
			o.flow.BackupResult("error")
			o.logger.Warn("salt backup failed",
				slog.String("sub", subject),
				slog.String("error", err.Error()),
			)
			return
		}
		o.flow.BackupResult("ok")
	}()
}

func (o *Orchestrator) failAttempt(reason, attemptID string) {
	o.flow.AttemptFailed(reason)
	o.logger.Warn("login attempt failed",
		slog.String("attempt_id", attemptID),
		slog.String("reason", reason),
	)
	if err := o.sessions.End(); err != nil {
		o.logger.Warn("session cleanup failed", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) authorizeURL(nonce string) string {
	values := url.Values{}
	values.Set("client_id", o.provider.ClientID)
	values.Set("response_type", "id_token")
	values.Set("redirect_uri", o.provider.RedirectURI)
	values.Set("scope", "openid")
	values.Set("nonce", nonce)

	base := strings.TrimRight(o.provider.AuthorizeURL, "?")
	return base + "?" + values.Encode()
}

func materialize(binding session.Binding, persisted session.Persisted) (session.Authenticated, error) {
	if persisted.State != session.StateAuthenticated || persisted.Claims == nil || persisted.Proof == nil {
		return session.Authenticated{}, ErrNotAuthenticated
	}
	return session.Authenticated{
		Binding:  binding,
		Claims:   *persisted.Claims,
		Salt:     persisted.Salt,
		Proof:    *persisted.Proof,
		ProofKey: persisted.ProofKey,
		Address:  persisted.Address,
	}, nil
}
