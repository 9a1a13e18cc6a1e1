// Package keystore derives the engine's symmetric key from a persisted salt
// and the (user, device) identity. The salt is stored in plaintext; the key
// only ever lives in memory.
package keystore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/ppiankov/payvault/internal/kvstore"
	"github.com/ppiankov/payvault/internal/model"
)

const (
	// SaltKey is where the salt is persisted.
	SaltKey = "keystore/salt"
	// SaltSize is the salt length in bytes (256 bits).
	SaltSize = 32
	// KeySize is the derived key length in bytes (256 bits).
	KeySize = 32
	// MinIterations is the lowest PBKDF2 iteration count accepted.
	MinIterations = 10_000
	// DefaultIterations is used when the config leaves iterations unset.
	DefaultIterations = 210_000
)

// Context is the exported, key-free view of the encryption context.
type Context struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
	Salt     []byte `json:"salt"`
}

// KeyStore owns the salt and caches derived keys per identity.
type KeyStore struct {
	kv         kvstore.Store
	userID     string
	deviceID   string
	iterations int

	mu    sync.Mutex
	salt  []byte
	cache map[string][]byte
}

// New creates a KeyStore for one (user, device) pair.
func New(kv kvstore.Store, userID, deviceID string, iterations int) (*KeyStore, error) {
	if kv == nil {
		return nil, fmt.Errorf("keystore: kv store is required")
	}
	if userID == "" || deviceID == "" {
		return nil, fmt.Errorf("keystore: user id and device id are required")
	}
	if iterations == 0 {
		iterations = DefaultIterations
	}
	if iterations < MinIterations {
		return nil, fmt.Errorf("keystore: %d iterations is below the minimum of %d", iterations, MinIterations)
	}
	return &KeyStore{
		kv:         kv,
		userID:     userID,
		deviceID:   deviceID,
		iterations: iterations,
		cache:      make(map[string][]byte),
	}, nil
}

// GetOrCreateSalt returns the persisted salt, creating it on first use.
// A salt that cannot be read or has the wrong length is never replaced:
// the caller gets ErrKeyStoreUnavailable.
func (k *KeyStore) GetOrCreateSalt(ctx context.Context) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.saltLocked(ctx)
}

func (k *KeyStore) saltLocked(ctx context.Context) ([]byte, error) {
	if k.salt != nil {
		return append([]byte(nil), k.salt...), nil
	}

	stored, err := k.kv.Get(ctx, SaltKey)
	switch {
	case err == nil:
		if len(stored) != SaltSize {
			return nil, fmt.Errorf("keystore: stored salt has %d bytes, want %d: %w",
				len(stored), SaltSize, model.ErrKeyStoreUnavailable)
		}
		k.salt = stored
	case errors.Is(err, kvstore.ErrNotFound):
		salt := make([]byte, SaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("keystore: generate salt: %v: %w", err, model.ErrKeyStoreUnavailable)
		}
		if err := k.kv.Set(ctx, SaltKey, salt); err != nil {
			return nil, fmt.Errorf("keystore: persist salt: %v: %w", err, model.ErrKeyStoreUnavailable)
		}
		k.salt = salt
	default:
		return nil, fmt.Errorf("keystore: read salt: %v: %w", err, model.ErrKeyStoreUnavailable)
	}
	return append([]byte(nil), k.salt...), nil
}

// DeriveKey runs PBKDF2-HMAC-SHA256 over the identity and salt.
func (k *KeyStore) DeriveKey(userID, deviceID string, salt []byte) ([]byte, error) {
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("keystore: salt has %d bytes, want %d: %w", len(salt), SaltSize, model.ErrKeyStoreUnavailable)
	}
	password := []byte(userID + "\x00" + deviceID)
	defer Zero(password)
	return pbkdf2.Key(password, salt, k.iterations, KeySize, sha256.New), nil
}

// Key returns the derived key for this store's identity, deriving it once.
// The returned slice is a copy; callers may zero it.
func (k *KeyStore) Key(ctx context.Context) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	id := k.userID + "\x00" + k.deviceID
	if key, ok := k.cache[id]; ok {
		return append([]byte(nil), key...), nil
	}

	salt, err := k.saltLocked(ctx)
	if err != nil {
		return nil, err
	}
	key, err := k.DeriveKey(k.userID, k.deviceID, salt)
	if err != nil {
		return nil, err
	}
	k.cache[id] = key
	return append([]byte(nil), key...), nil
}

// Context returns the encryption context without key material.
func (k *KeyStore) Context(ctx context.Context) (Context, error) {
	salt, err := k.GetOrCreateSalt(ctx)
	if err != nil {
		return Context{}, err
	}
	return Context{UserID: k.userID, DeviceID: k.deviceID, Salt: salt}, nil
}

// Forget zeroes and drops every cached key. The next Key call re-derives.
func (k *KeyStore) Forget() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for id, key := range k.cache {
		Zero(key)
		delete(k.cache, id)
	}
}

// Zero overwrites a byte slice in memory with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
