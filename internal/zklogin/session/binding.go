// Package session owns the ephemeral signing key for one login attempt: the
// key, the epoch bound and the randomness it was committed to, plus the nonce
// derived from the three. The binding persists across the provider redirect
// and is the anchor every later protocol step is checked against.
package session

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrNoActiveSession = errors.New("no active login session")
	ErrStorage         = errors.New("session storage failed")
)

const (
	// Sessions stay signable for two epochs beyond the epoch they began in.
	epochValidityWindow = 2

	randomnessSize = 16
	nonceLength    = 27

	nonceDomain = "zkauth/nonce/v1"
)

// Binding ties one ephemeral keypair to one login attempt. Nonce is a pure
// function of (public key, max epoch, randomness); recomputing it must always
// reproduce the stored value.
type Binding struct {
	EphemeralPrivateKey ed25519.PrivateKey
	MaxEpoch            uint64
	Randomness          []byte
	Nonce               string
}

// PublicKey returns the ephemeral public key.
func (b Binding) PublicKey() ed25519.PublicKey {
	return b.EphemeralPrivateKey.Public().(ed25519.PublicKey)
}

// ExtendedPublicKey is the wire form sent to the proving service.
func (b Binding) ExtendedPublicKey() string {
	return base64.StdEncoding.EncodeToString(b.PublicKey())
}

// RandomnessString is the wire form of the committed randomness.
func (b Binding) RandomnessString() string {
	return base64.RawURLEncoding.EncodeToString(b.Randomness)
}

// ComputeNonce derives the login nonce from the ephemeral public key, the
// epoch bound and the randomness. The output is deterministic and sized for
// OpenID nonce fields.
func ComputeNonce(publicKey ed25519.PublicKey, maxEpoch uint64, randomness []byte) string {
	buf := make([]byte, 0, len(nonceDomain)+1+len(publicKey)+1+8+1+len(randomness))
	buf = append(buf, nonceDomain...)
	buf = append(buf, 0)
	buf = append(buf, publicKey...)
	buf = append(buf, 0)
	buf = binary.BigEndian.AppendUint64(buf, maxEpoch)
	buf = append(buf, 0)
	buf = append(buf, randomness...)
	sum := sha256.Sum256(buf)
	return base64.RawURLEncoding.EncodeToString(sum[:])[:nonceLength]
}

// Manager drives the binding lifecycle against an injected Store. Only one
// login attempt is in flight at a time; Begin overwrites whatever was there.
type Manager struct {
	store Store
}

func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Begin generates a fresh ephemeral keypair, commits it to a nonce and
// persists the binding, replacing any prior in-progress attempt.
func (m *Manager) Begin(currentEpoch uint64, attemptID string) (Binding, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Binding{}, err
	}
	randomness := make([]byte, randomnessSize)
	if _, err := rand.Read(randomness); err != nil {
		return Binding{}, err
	}

	binding := Binding{
		EphemeralPrivateKey: priv,
		MaxEpoch:            currentEpoch + epochValidityWindow,
		Randomness:          randomness,
	}
	binding.Nonce = ComputeNonce(binding.PublicKey(), binding.MaxEpoch, randomness)

	state := Persisted{
		State:               StateAwaitingProvider,
		AttemptID:           attemptID,
		EphemeralPrivateKey: append([]byte(nil), priv...),
		MaxEpoch:            binding.MaxEpoch,
		Randomness:          append([]byte(nil), randomness...),
		Nonce:               binding.Nonce,
	}
	if err := m.store.Write(state); err != nil {
		return Binding{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return binding, nil
}

// Resume reloads the persisted binding. A missing, partial or internally
// inconsistent record fails closed as ErrNoActiveSession: a session whose
// nonce can no longer be recomputed must never be trusted.
func (m *Manager) Resume() (Binding, Persisted, error) {
	state, ok, err := m.store.Read()
	if err != nil {
		return Binding{}, Persisted{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if !ok {
		return Binding{}, Persisted{}, ErrNoActiveSession
	}
	binding, err := bindingFromPersisted(state)
	if err != nil {
		return Binding{}, Persisted{}, err
	}
	return binding, state, nil
}

// VerifyBinding recomputes the nonce from the binding's own fields and checks
// it against the claimed value with exact equality.
func (m *Manager) VerifyBinding(binding Binding, claimedNonce string) bool {
	if claimedNonce == "" {
		return false
	}
	recomputed := ComputeNonce(binding.PublicKey(), binding.MaxEpoch, binding.Randomness)
	return recomputed == claimedNonce
}

// Update persists a modified session record.
func (m *Manager) Update(state Persisted) error {
	if err := m.store.Write(state); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// End erases the persisted session in one operation.
func (m *Manager) End() error {
	if err := m.store.Clear(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func bindingFromPersisted(state Persisted) (Binding, error) {
	if len(state.EphemeralPrivateKey) != ed25519.PrivateKeySize {
		return Binding{}, ErrNoActiveSession
	}
	if len(state.Randomness) != randomnessSize || state.MaxEpoch == 0 || state.Nonce == "" {
		return Binding{}, ErrNoActiveSession
	}
	binding := Binding{
		EphemeralPrivateKey: ed25519.PrivateKey(append([]byte(nil), state.EphemeralPrivateKey...)),
		MaxEpoch:            state.MaxEpoch,
		Randomness:          append([]byte(nil), state.Randomness...),
		Nonce:               state.Nonce,
	}
	if ComputeNonce(binding.PublicKey(), binding.MaxEpoch, binding.Randomness) != binding.Nonce {
		return Binding{}, ErrNoActiveSession
	}
	return binding, nil
}
