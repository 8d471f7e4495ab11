// Package config loads the agent configuration from yaml with environment
// overrides. The salt master secret is env-only on purpose: it must not live
// in a config file that gets checked in.
package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen   string         `yaml:"listen"`
	DataDir  string         `yaml:"dataDir"`
	Provider ProviderConfig `yaml:"provider"`
	Services ServicesConfig `yaml:"services"`
	Storage  StorageConfig  `yaml:"storage"`
	Limits   LimitsConfig   `yaml:"limits"`

	// SaltMasterSecret comes from ZKAUTH_SALT_SECRET only. When set, salts
	// are derived locally; otherwise the remote salt service is used.
	SaltMasterSecret string `yaml:"-"`
	AgentToken       string `yaml:"-"`
}

type ProviderConfig struct {
	AuthorizeURL string `yaml:"authorizeUrl"`
	ClientID     string `yaml:"clientId"`
	RedirectURI  string `yaml:"redirectUri"`
}

type ServicesConfig struct {
	SaltURL   string `yaml:"saltUrl"`
	ProverURL string `yaml:"proverUrl"`
	EpochURL  string `yaml:"epochUrl"`
	BackupURL string `yaml:"backupUrl"`
}

type StorageConfig struct {
	SessionPassphrase string `yaml:"-"`
}

type LimitsConfig struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
	BackupPerHour     float64 `yaml:"backupPerHour"`
}

func Default() Config {
	return Config{
		Listen:  "127.0.0.1:8878",
		DataDir: ".",
		Limits: LimitsConfig{
			RequestsPerSecond: 10,
			Burst:             20,
			BackupPerHour:     2,
		},
	}
}

// Load reads the first readable candidate path, merges it over the defaults
// and applies environment overrides. A missing file is not an error.
func Load(configPath string) Config {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates, "configs/zkauthd.yaml", "zkauthd.yaml")
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		merge(&cfg, parsed)
		break
	}

	applyEnv(&cfg)
	return cfg
}

func merge(dst *Config, src Config) {
	if src.Listen != "" {
		dst.Listen = src.Listen
	}
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.Provider.AuthorizeURL != "" {
		dst.Provider.AuthorizeURL = src.Provider.AuthorizeURL
	}
	if src.Provider.ClientID != "" {
		dst.Provider.ClientID = src.Provider.ClientID
	}
	if src.Provider.RedirectURI != "" {
		dst.Provider.RedirectURI = src.Provider.RedirectURI
	}
	if src.Services.SaltURL != "" {
		dst.Services.SaltURL = src.Services.SaltURL
	}
	if src.Services.ProverURL != "" {
		dst.Services.ProverURL = src.Services.ProverURL
	}
	if src.Services.EpochURL != "" {
		dst.Services.EpochURL = src.Services.EpochURL
	}
	if src.Services.BackupURL != "" {
		dst.Services.BackupURL = src.Services.BackupURL
	}
	if src.Limits.RequestsPerSecond > 0 {
		dst.Limits.RequestsPerSecond = src.Limits.RequestsPerSecond
	}
	if src.Limits.Burst > 0 {
		dst.Limits.Burst = src.Limits.Burst
	}
	if src.Limits.BackupPerHour > 0 {
		dst.Limits.BackupPerHour = src.Limits.BackupPerHour
	}
}

func applyEnv(cfg *Config) {
	setString := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setString(&cfg.Listen, "ZKAUTH_LISTEN")
	setString(&cfg.DataDir, "ZKAUTH_DATA_DIR")
	setString(&cfg.Provider.AuthorizeURL, "ZKAUTH_AUTHORIZE_URL")
	setString(&cfg.Provider.ClientID, "ZKAUTH_CLIENT_ID")
	setString(&cfg.Provider.RedirectURI, "ZKAUTH_REDIRECT_URI")
	setString(&cfg.Services.SaltURL, "ZKAUTH_SALT_URL")
	setString(&cfg.Services.ProverURL, "ZKAUTH_PROVER_URL")
	setString(&cfg.Services.EpochURL, "ZKAUTH_EPOCH_URL")
	setString(&cfg.Services.BackupURL, "ZKAUTH_BACKUP_URL")
	setString(&cfg.SaltMasterSecret, "ZKAUTH_SALT_SECRET")
	setString(&cfg.AgentToken, "ZKAUTH_AGENT_TOKEN")
	setString(&cfg.Storage.SessionPassphrase, "ZKAUTH_SESSION_PASSPHRASE")

	if v := strings.TrimSpace(os.Getenv("ZKAUTH_RPS")); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil && parsed > 0 {
			cfg.Limits.RequestsPerSecond = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("ZKAUTH_BURST")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.Limits.Burst = parsed
		}
	}
}
