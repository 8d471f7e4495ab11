package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if cfg.Listen != "127.0.0.1:8878" {
		t.Fatalf("default listen = %s", cfg.Listen)
	}
	if cfg.Limits.Burst != 20 {
		t.Fatalf("default burst = %d", cfg.Limits.Burst)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zkauthd.yaml")
	body := `
listen: "127.0.0.1:9999"
provider:
  authorizeUrl: "https://accounts.example.com/authorize"
  clientId: "client-a"
  redirectUri: "https://app.example.com/callback"
services:
  proverUrl: "https://prover.example.com"
limits:
  burst: 5
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := Load(path)
	if cfg.Listen != "127.0.0.1:9999" {
		t.Fatalf("listen = %s", cfg.Listen)
	}
	if cfg.Provider.ClientID != "client-a" || cfg.Services.ProverURL != "https://prover.example.com" {
		t.Fatalf("file values not merged: %+v", cfg)
	}
	if cfg.Limits.Burst != 5 {
		t.Fatalf("burst = %d, want 5", cfg.Limits.Burst)
	}
	if cfg.Limits.RequestsPerSecond != 10 {
		t.Fatalf("unset limits must keep defaults, got %v", cfg.Limits.RequestsPerSecond)
	}
}

func TestEnvOverridesFileAndCarriesSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zkauthd.yaml")
	if err := os.WriteFile(path, []byte(`listen: "127.0.0.1:9999"`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ZKAUTH_LISTEN", "127.0.0.1:7777")
	t.Setenv("ZKAUTH_SALT_SECRET", "0123456789abcdef0123456789abcdef")

	cfg := Load(path)
	if cfg.Listen != "127.0.0.1:7777" {
		t.Fatalf("env must win over file, got %s", cfg.Listen)
	}
	if cfg.SaltMasterSecret != "0123456789abcdef0123456789abcdef" {
		t.Fatal("salt secret must come from the environment")
	}
}
