// Package agent is the local HTTP surface over the login engine: a
// loopback-only daemon the UI drives through begin/callback/sign calls.
package agent

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"zkauth/go-backend/internal/platform/ratelimiter"
	"zkauth/go-backend/internal/zklogin/epoch"
	"zkauth/go-backend/internal/zklogin/login"
	"zkauth/go-backend/internal/zklogin/prover"
	"zkauth/go-backend/internal/zklogin/salt"
	"zkauth/go-backend/internal/zklogin/session"
	"zkauth/go-backend/internal/zklogin/signer"
	"zkauth/go-backend/internal/zklogin/token"
)

type Server struct {
	addr         string
	orchestrator *login.Orchestrator
	epochs       epoch.Oracle
	bearerToken  string
	limiter      *ratelimiter.Keyed
	logger       *slog.Logger
	mux          *http.ServeMux
}

func NewServer(addr string, orchestrator *login.Orchestrator, epochs epoch.Oracle, bearerToken string, limiter *ratelimiter.Keyed, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:         addr,
		orchestrator: orchestrator,
		epochs:       epochs,
		bearerToken:  strings.TrimSpace(bearerToken),
		limiter:      limiter,
		logger:       logger,
		mux:          http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("POST /v1/login/begin", s.guard(s.handleBegin))
	s.mux.HandleFunc("POST /v1/login/callback", s.guard(s.handleCallback))
	s.mux.HandleFunc("GET /v1/session", s.guard(s.handleSession))
	s.mux.HandleFunc("POST /v1/sign", s.guard(s.handleSign))
	s.mux.HandleFunc("POST /v1/logout", s.guard(s.handleLogout))
}

// Run serves until the context is cancelled, then drains.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.orchestrator.WaitBackups()
	return srv.Shutdown(shutdownCtx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiter.Allow(host, time.Now()) {
			writeError(w, http.StatusTooManyRequests, "rate limited", "")
			return
		}
		if s.bearerToken != "" {
			presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(presented), []byte(s.bearerToken)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid agent token", "")
				return
			}
		}
		next(w, r)
	}
}

type beginResponse struct {
	AuthURL   string `json:"authUrl"`
	Nonce     string `json:"nonce"`
	MaxEpoch  uint64 `json:"maxEpoch"`
	AttemptID string `json:"attemptId"`
}

func (s *Server) handleBegin(w http.ResponseWriter, r *http.Request) {
	begun, err := s.orchestrator.Begin(r.Context())
	if err != nil {
		s.writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, beginResponse{
		AuthURL:   begun.AuthURL,
		Nonce:     begun.Nonce,
		MaxEpoch:  begun.MaxEpoch,
		AttemptID: begun.AttemptID,
	})
}

type callbackRequest struct {
	IDToken string `json:"idToken"`
}

type sessionResponse struct {
	Address      string `json:"address"`
	Subject      string `json:"sub"`
	MaxEpoch     uint64 `json:"maxEpoch"`
	RecoveryCode string `json:"recoveryCode,omitempty"`
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	sess, err := s.orchestrator.ResumeAndComplete(r.Context(), req.IDToken)
	if err != nil {
		s.writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sessionView(sess))
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.orchestrator.Current()
	if err != nil {
		s.writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sessionView(sess))
}

type signRequest struct {
	TransactionBytes string `json:"transactionBytes"`
}

type signResponse struct {
	Signature string `json:"signature"`
	MaxEpoch  uint64 `json:"maxEpoch"`
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	txBytes, err := base64.StdEncoding.DecodeString(req.TransactionBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "transactionBytes must be base64", err.Error())
		return
	}

	sess, err := s.orchestrator.Current()
	if err != nil {
		s.writeFlowError(w, err)
		return
	}
	// Expiry is judged against the live ledger epoch, never a cached one.
	state, err := s.epochs.Current(r.Context())
	if err != nil {
		s.writeFlowError(w, err)
		return
	}
	composite, err := signer.Sign(sess, txBytes, state.Epoch)
	if err != nil {
		s.writeFlowError(w, err)
		return
	}
	encoded, err := composite.Encode()
	if err != nil {
		s.writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, signResponse{Signature: encoded, MaxEpoch: composite.MaxEpoch})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.orchestrator.Logout(); err != nil {
		s.writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) sessionView(sess session.Authenticated) sessionResponse {
	out := sessionResponse{
		Address:  sess.Address,
		Subject:  sess.Claims.Subject,
		MaxEpoch: sess.Binding.MaxEpoch,
	}
	if code, ok := s.orchestrator.RecoveryAvailable(sess.Claims.Subject); ok {
		out.RecoveryCode = code
	}
	return out
}

func (s *Server) writeFlowError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, token.ErrMalformedToken),
		errors.Is(err, token.ErrMissingSubject),
		errors.Is(err, token.ErrMissingIssuer),
		errors.Is(err, token.ErrMissingAudience),
		errors.Is(err, prover.ErrMissingProofInput),
		errors.Is(err, signer.ErrEmptyTransaction):
		status = http.StatusBadRequest
	case errors.Is(err, login.ErrNonceMismatch),
		errors.Is(err, signer.ErrUnauthorizedSigner):
		status = http.StatusForbidden
	case errors.Is(err, session.ErrNoActiveSession),
		errors.Is(err, login.ErrNotAuthenticated):
		status = http.StatusNotFound
	case errors.Is(err, signer.ErrSessionExpired):
		status = http.StatusGone
	case errors.Is(err, epoch.ErrEpochUnavailable),
		errors.Is(err, salt.ErrSaltService),
		errors.Is(err, prover.ErrProofService):
		status = http.StatusBadGateway
	}
	writeError(w, status, err.Error(), "")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	payload := map[string]string{"error": message}
	if details != "" {
		payload["details"] = details
	}
	_ = json.NewEncoder(w).Encode(payload)
}
