package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ryanuber/go-glob"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/sync/singleflight"
)

const (
	// KeyLength is the length of derived encryption keys (32 bytes = 256 bits).
	KeyLength = 32
	// MaxIdentifierLength bounds application identifiers.
	MaxIdentifierLength = 128

	// kdfInfoPrefix is the HKDF context label. Versioned so a future change to
	// the derivation scheme cannot silently produce colliding keys.
	kdfInfoPrefix = "nexus-agent/v1:"
)

// ErrUnknownIdentifier is returned for identifiers that are malformed or not
// registered. Both cases map to the same error deliberately: callers must not
// be able to distinguish "does not exist" from "badly formed" and enumerate
// the registry.
var ErrUnknownIdentifier = errors.New("unknown application identifier")

// KeyManager derives per-application encryption keys from a single in-memory
// master secret. Derived keys are cached per identifier; the cache is dropped
// atomically whenever the secret rotates.
//
// The master secret and the cached keys never leave this struct except through
// DeriveKey, and are never logged or persisted.
type KeyManager struct {
	mu      sync.RWMutex
	secret  []byte
	version int
	cache   map[string][]byte
	// allowed holds glob patterns for registered identifiers. nil means any
	// well-formed identifier is accepted (no registry configured); empty and
	// non-nil means a registry with no registered applications, which rejects
	// everything.
	allowed []string

	group singleflight.Group
}

// NewKeyManager creates a KeyManager from a raw master secret. The secret must
// be exactly KeyLength bytes of random material. allowed may be nil to accept
// any well-formed identifier.
func NewKeyManager(secret []byte, allowed []string) (*KeyManager, error) {
	if len(secret) != KeyLength {
		return nil, fmt.Errorf("master secret must be %d bytes, got %d", KeyLength, len(secret))
	}
	m := &KeyManager{
		secret:  append([]byte(nil), secret...),
		version: 1,
		cache:   make(map[string][]byte),
	}
	if allowed != nil {
		m.allowed = append([]string{}, allowed...)
	}
	return m, nil
}

// DeriveKey validates the identifier and returns its derived 256-bit key.
// Derivation is deterministic for the lifetime of the current master secret,
// so concurrent misses for the same identifier are collapsed into a single
// computation.
func (m *KeyManager) DeriveKey(identifier string) ([]byte, error) {
	if !wellFormedIdentifier(identifier) {
		return nil, ErrUnknownIdentifier
	}

	m.mu.RLock()
	if !m.allowedLocked(identifier) {
		m.mu.RUnlock()
		return nil, ErrUnknownIdentifier
	}
	if key, ok := m.cache[identifier]; ok {
		m.mu.RUnlock()
		return append([]byte(nil), key...), nil
	}
	version := m.version
	secret := m.secret
	m.mu.RUnlock()

	v, err, _ := m.group.Do(identifier, func() (interface{}, error) {
		key, err := deriveKey(secret, identifier)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		// A rotation may have raced the derivation; only cache keys that
		// belong to the current secret.
		if m.version == version {
			m.cache[identifier] = key
		}
		m.mu.Unlock()
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), v.([]byte)...), nil
}

// Rotate atomically swaps the master secret, bumps the key version and drops
// every cached key.
func (m *KeyManager) Rotate(newSecret []byte) error {
	if len(newSecret) != KeyLength {
		return fmt.Errorf("master secret must be %d bytes, got %d", KeyLength, len(newSecret))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, key := range m.cache {
		zero(key)
		delete(m.cache, id)
	}
	zero(m.secret)
	m.secret = append([]byte(nil), newSecret...)
	m.version++
	return nil
}

// SetAllowedKeys atomically replaces the identifier allow-list. nil removes
// the registry so any well-formed identifier is accepted; an empty non-nil
// slice is a registry with nothing registered and rejects every identifier.
// A control plane that currently knows zero applications must not open the
// agent up.
func (m *KeyManager) SetAllowedKeys(patterns []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if patterns == nil {
		m.allowed = nil
		return
	}
	m.allowed = append([]string{}, patterns...)
}

// KeyVersion returns the version of the current master secret, stamped onto
// every envelope so the upstream can select the matching secret generation.
func (m *KeyManager) KeyVersion() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Ready reports whether a master secret is loaded.
func (m *KeyManager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.secret) == KeyLength
}

func (m *KeyManager) allowedLocked(identifier string) bool {
	if m.allowed == nil {
		return true
	}
	for _, pattern := range m.allowed {
		if pattern == identifier || glob.Glob(pattern, identifier) {
			return true
		}
	}
	return false
}

func deriveKey(secret []byte, identifier string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(kdfInfoPrefix+identifier))
	key := make([]byte, KeyLength)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}

func wellFormedIdentifier(id string) bool {
	if len(id) == 0 || len(id) > MaxIdentifierLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
