// Package agentserver wires configuration, storage, external service clients
// and the login flow into a runnable agent HTTP server.
package agentserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"zkauth/go-backend/internal/agent"
	"zkauth/go-backend/internal/config"
	"zkauth/go-backend/internal/metrics"
	"zkauth/go-backend/internal/platform/privacylog"
	"zkauth/go-backend/internal/platform/ratelimiter"
	"zkauth/go-backend/internal/zklogin/epoch"
	"zkauth/go-backend/internal/zklogin/login"
	"zkauth/go-backend/internal/zklogin/prover"
	"zkauth/go-backend/internal/zklogin/salt"
	"zkauth/go-backend/internal/zklogin/session"
)

// BuildServer assembles the agent from config. Flag values override the
// config file; pass "" to keep the configured ones.
func BuildServer(configPath, listen, dataDir string) (*agent.Server, error) {
	cfg := config.Load(configPath)
	if listen != "" {
		cfg.Listen = listen
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if cfg.Provider.AuthorizeURL == "" || cfg.Provider.ClientID == "" || cfg.Provider.RedirectURI == "" {
		return nil, fmt.Errorf("provider authorizeUrl, clientId and redirectUri must be configured")
	}
	if cfg.Services.ProverURL == "" {
		return nil, fmt.Errorf("services.proverUrl must be configured")
	}
	if cfg.Services.EpochURL == "" {
		return nil, fmt.Errorf("services.epochUrl must be configured")
	}

	logger := slog.New(privacylog.WrapHandler(slog.NewTextHandler(os.Stderr, nil)))

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	sessionPath := filepath.Join(cfg.DataDir, "session.json")
	var store session.Store
	if cfg.Storage.SessionPassphrase != "" {
		store = session.NewEncryptedFileStore(sessionPath, cfg.Storage.SessionPassphrase)
	} else {
		store = session.NewFileStore(sessionPath)
	}
	sessions := session.NewManager(store)

	httpClient := &http.Client{Timeout: 30 * time.Second}

	salts, err := buildSaltStore(cfg, httpClient)
	if err != nil {
		return nil, err
	}

	var backup *salt.Notifier
	if cfg.Services.BackupURL != "" {
		backupLimiter := ratelimiter.New(cfg.Limits.BackupPerHour/3600, 1, 2*time.Hour)
		backup = salt.NewNotifier(cfg.Services.BackupURL, httpClient, backupLimiter, logger)
	}

	epochs := epoch.NewClient(cfg.Services.EpochURL, httpClient)

	orchestrator := login.New(login.Options{
		Provider: login.Provider{
			AuthorizeURL: cfg.Provider.AuthorizeURL,
			ClientID:     cfg.Provider.ClientID,
			RedirectURI:  cfg.Provider.RedirectURI,
		},
		Sessions: sessions,
		Salts:    salts,
		Prover:   prover.NewClient(cfg.Services.ProverURL, httpClient),
		Epochs:   epochs,
		Backup:   backup,
		Recovery: salt.NewRecoveryStore(filepath.Join(cfg.DataDir, "recovery.json")),
		Logger:   logger,
		Metrics:  metrics.NewFlow(prometheus.DefaultRegisterer),
	})

	requestLimiter := ratelimiter.New(cfg.Limits.RequestsPerSecond, cfg.Limits.Burst, 10*time.Minute)
	return agent.NewServer(cfg.Listen, orchestrator, epochs, cfg.AgentToken, requestLimiter, logger), nil
}

// buildSaltStore prefers local derivation when a master secret is present and
// falls back to the remote salt service. Either way lookups are cached so a
// retried login does not repeat the work.
func buildSaltStore(cfg config.Config, httpClient *http.Client) (salt.Store, error) {
	if cfg.SaltMasterSecret != "" {
		deriver, err := salt.NewDeriver([]byte(cfg.SaltMasterSecret))
		if err != nil {
			return nil, fmt.Errorf("salt master secret: %w", err)
		}
		return salt.NewCached(deriver), nil
	}
	if cfg.Services.SaltURL == "" {
		return nil, fmt.Errorf("either ZKAUTH_SALT_SECRET or services.saltUrl must be set")
	}
	return salt.NewCached(salt.NewClient(cfg.Services.SaltURL, httpClient)), nil
}
