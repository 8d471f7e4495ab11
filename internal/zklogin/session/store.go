package session

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"zkauth/go-backend/internal/securestore"
	"zkauth/go-backend/internal/zklogin/prover"
	"zkauth/go-backend/internal/zklogin/token"
)

// Login attempt states as persisted. Error states are not persisted: a failed
// attempt collapses back to a cleared store.
const (
	StateAwaitingProvider = "awaiting_provider"
	StateAuthenticated    = "authenticated"
)

// Persisted is the full session-scoped record: the binding fields plus
// everything accumulated on the way to an authenticated session.
type Persisted struct {
	State               string         `json:"state"`
	AttemptID           string         `json:"attempt_id"`
	EphemeralPrivateKey []byte         `json:"ephemeral_private_key"`
	MaxEpoch            uint64         `json:"max_epoch"`
	Randomness          []byte         `json:"randomness"`
	Nonce               string         `json:"nonce"`
	Salt                string         `json:"salt,omitempty"`
	Proof               *prover.Bundle `json:"proof,omitempty"`
	ProofKey            string         `json:"proof_key,omitempty"`
	Claims              *token.Claims  `json:"claims,omitempty"`
	Address             string         `json:"address,omitempty"`
	BackupAttempted     bool           `json:"backup_attempted,omitempty"`
}

// Authenticated aggregates everything a completed login produced. It exists
// only after binding, salt and proof validated together.
type Authenticated struct {
	Binding Binding
	Claims  token.Claims
	Salt    string
	Proof   prover.Bundle
	// ProofKey is the extended ephemeral public key the proof was issued
	// for. The signer refuses to sign with any other key.
	ProofKey string
	Address  string
}

// Store is the persistence capability injected into the Manager. Only the
// Manager and the login orchestrator write it.
type Store interface {
	Read() (Persisted, bool, error)
	Write(Persisted) error
	Clear() error
}

type InMemoryStore struct {
	mu    sync.RWMutex
	state *Persisted
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Read() (Persisted, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil {
		return Persisted{}, false, nil
	}
	return *s.state, true, nil
}

func (s *InMemoryStore) Write(state Persisted) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := state
	s.state = &copied
	return nil
}

func (s *InMemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = nil
	return nil
}

// FileStore persists the session as a single JSON document, optionally sealed
// with the securestore envelope. Unreadable or tampered content reads as
// absent so a caller restarts the flow instead of trusting corrupt state.
type FileStore struct {
	mu         sync.Mutex
	path       string
	passphrase string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func NewEncryptedFileStore(path, passphrase string) *FileStore {
	return &FileStore{path: path, passphrase: passphrase}
}

func (s *FileStore) Read() (Persisted, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Persisted{}, false, nil
		}
		return Persisted{}, false, err
	}
	if len(data) == 0 {
		return Persisted{}, false, nil
	}

	if s.passphrase != "" {
		plain, err := securestore.Decrypt(s.passphrase, data)
		if err != nil {
			if errors.Is(err, securestore.ErrPlaintextData) {
				// Written before encryption was configured; still readable.
				plain = data
			} else {
				return Persisted{}, false, nil
			}
		}
		data = plain
	}

	var state Persisted
	if err := json.Unmarshal(data, &state); err != nil {
		return Persisted{}, false, nil
	}
	return state, true, nil
}

func (s *FileStore) Write(state Persisted) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if s.passphrase != "" {
		data, err = securestore.Encrypt(s.passphrase, data)
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
