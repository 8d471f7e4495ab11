package salt

import (
	"crypto/sha256"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mr-tron/base58/base58"
	"github.com/tyler-smith/go-bip39"
)

const recoveryCodePrefix = "zksalt1"

// RecoveryStore is the device-scoped cached copy of salts, keyed by subject.
// It exists so the UI can show a "recovery available" indicator; it is never
// consulted for address derivation.
type RecoveryStore struct {
	mu   sync.Mutex
	path string
}

func NewRecoveryStore(path string) *RecoveryStore {
	return &RecoveryStore{path: path}
}

func (s *RecoveryStore) Put(subject, saltValue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadLocked()
	if err != nil {
		return err
	}
	all[subject] = saltValue
	data, err := json.Marshal(all)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

// Get returns the cached salt for a subject, reporting absence without error.
func (s *RecoveryStore) Get(subject string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadLocked()
	if err != nil {
		return "", false, err
	}
	v, ok := all[subject]
	return v, ok, nil
}

func (s *RecoveryStore) loadLocked() (map[string]string, error) {
	out := make(map[string]string)
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RecoveryCode renders a short display code for a salt. The code commits to
// the salt without revealing it.
func RecoveryCode(saltValue string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(saltValue)))
	return recoveryCodePrefix + base58.Encode(sum[:8])
}

// Phrase encodes the salt as a 12-word mnemonic for out-of-band backup.
func Phrase(saltValue string) (string, error) {
	entropy, err := Bytes(saltValue)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// FromPhrase recovers the decimal salt from a backup mnemonic.
func FromPhrase(phrase string) (string, error) {
	entropy, err := bip39.EntropyFromMnemonic(strings.TrimSpace(phrase))
	if err != nil {
		return "", err
	}
	return decimalFromBytes(entropy), nil
}
