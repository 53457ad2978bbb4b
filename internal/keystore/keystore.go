package keystore

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/eigerco/approval-voting/internal/crypto/ed25519"
	"github.com/eigerco/approval-voting/internal/session"
)

// ErrKeyUnavailable is returned when no local signing key exists for a validator index.
var ErrKeyUnavailable = errors.New("key unavailable")

// Signer signs a payload with the key of a validator index.
type Signer interface {
	Sign(v session.ValidatorIndex, payload []byte) ([]byte, error)
}

// KeyEntry is one record of a keys file.
type KeyEntry struct {
	Index      uint32 `json:"index"`
	Ed25519Pub string `json:"ed25519_public_key"`
	Ed25519Prv string `json:"ed25519_private_key"`
}

// Keystore holds the local validator's signing keys by validator index.
type Keystore struct {
	mu   sync.RWMutex
	keys map[session.ValidatorIndex]ed25519.PrivateKey
}

func New() *Keystore {
	return &Keystore{keys: make(map[session.ValidatorIndex]ed25519.PrivateKey)}
}

// Insert adds the key for validator v, replacing any previous one.
func (k *Keystore) Insert(v session.ValidatorIndex, prv ed25519.PrivateKey) error {
	if len(prv) != ed25519.PrivateKeySize {
		return fmt.Errorf("validator %d: private key has %d bytes", v, len(prv))
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[v] = slices.Clone(prv)
	return nil
}

func (k *Keystore) Sign(v session.ValidatorIndex, payload []byte) ([]byte, error) {
	k.mu.RLock()
	prv, ok := k.keys[v]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("validator %d: %w", v, ErrKeyUnavailable)
	}
	return ed25519.Sign(prv, payload), nil
}

func (k *Keystore) PublicKey(v session.ValidatorIndex) (ed25519.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	prv, ok := k.keys[v]
	if !ok {
		return nil, false
	}
	return prv.Public().(ed25519.PublicKey), true
}

// PrivateKey returns a copy of the key for validator v. The transport uses
// it as the node's network identity.
func (k *Keystore) PrivateKey(v session.ValidatorIndex) (ed25519.PrivateKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	prv, ok := k.keys[v]
	if !ok {
		return nil, fmt.Errorf("validator %d: %w", v, ErrKeyUnavailable)
	}
	return slices.Clone(prv), nil
}

// Indices returns the validator indices with a local key, sorted.
func (k *Keystore) Indices() []session.ValidatorIndex {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]session.ValidatorIndex, 0, len(k.keys))
	for v := range k.keys {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

// LoadFile reads a JSON array of KeyEntry records.
func LoadFile(filename string) (*Keystore, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading file: %w", err)
	}
	var entries []KeyEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("error unmarshaling JSON: %w", err)
	}
	return FromEntries(entries)
}

// FromEntries builds a keystore, checking that each private key matches its
// public key when one is given.
func FromEntries(entries []KeyEntry) (*Keystore, error) {
	ks := New()
	for _, e := range entries {
		prv, err := hex.DecodeString(e.Ed25519Prv)
		if err != nil {
			return nil, fmt.Errorf("validator %d: decode private key: %w", e.Index, err)
		}
		if err := ks.Insert(session.ValidatorIndex(e.Index), prv); err != nil {
			return nil, err
		}
		if e.Ed25519Pub == "" {
			continue
		}
		pub, err := hex.DecodeString(e.Ed25519Pub)
		if err != nil {
			return nil, fmt.Errorf("validator %d: decode public key: %w", e.Index, err)
		}
		if !ed25519.PrivateKey(prv).Public().(ed25519.PublicKey).Equal(ed25519.PublicKey(pub)) {
			return nil, fmt.Errorf("validator %d: public key does not match private key", e.Index)
		}
	}
	return ks, nil
}
