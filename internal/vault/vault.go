// Package vault seals records with an AEAD keyed by the keystore and stores
// them in a kvstore. Plaintext never reaches the underlying store.
package vault

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ppiankov/payvault/internal/keystore"
	"github.com/ppiankov/payvault/internal/kvstore"
	"github.com/ppiankov/payvault/internal/model"
)

// KeySource supplies the symmetric key. *keystore.KeyStore satisfies it.
type KeySource interface {
	Key(ctx context.Context) ([]byte, error)
}

// Vault encrypts records before they reach the kvstore.
type Vault struct {
	kv       kvstore.Store
	keys     KeySource
	cipherID byte
}

// New creates a Vault. cipherName is one of CipherAESGCM or CipherXChaCha;
// empty selects the default.
func New(kv kvstore.Store, keys KeySource, cipherName string) (*Vault, error) {
	if kv == nil || keys == nil {
		return nil, fmt.Errorf("vault: kv store and key source are required")
	}
	id, err := cipherID(cipherName)
	if err != nil {
		return nil, err
	}
	return &Vault{kv: kv, keys: keys, cipherID: id}, nil
}

// Encrypt seals plaintext bound to storageKey.
func (v *Vault) Encrypt(ctx context.Context, storageKey string, plaintext []byte) ([]byte, error) {
	key, err := v.keys.Key(ctx)
	if err != nil {
		return nil, fmt.Errorf("vault: encrypt: %w", err)
	}
	defer keystore.Zero(key)

	aead, err := newAEAD(v.cipherID, key)
	if err != nil {
		return nil, fmt.Errorf("vault: encrypt: %w", err)
	}
	hdr, err := encodeHeader(v.cipherID, storageKey)
	if err != nil {
		return nil, fmt.Errorf("vault: encrypt: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: encrypt: nonce: %w", err)
	}

	out := make([]byte, 0, len(hdr)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, hdr...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, hdr), nil
}

// Decrypt opens a record previously sealed for storageKey. Any mismatch,
// tampering or foreign key yields model.ErrDecryptionFailed.
func (v *Vault) Decrypt(ctx context.Context, storageKey string, record []byte) ([]byte, error) {
	h, body, err := decodeHeader(record)
	if err != nil {
		return nil, fmt.Errorf("vault: decrypt %q: %v: %w", storageKey, err, model.ErrDecryptionFailed)
	}
	if h.meta.Key != storageKey {
		return nil, fmt.Errorf("vault: decrypt %q: record belongs to %q: %w", storageKey, h.meta.Key, model.ErrDecryptionFailed)
	}

	key, err := v.keys.Key(ctx)
	if err != nil {
		return nil, fmt.Errorf("vault: decrypt: %w", err)
	}
	defer keystore.Zero(key)

	aead, err := newAEAD(h.cipher, key)
	if err != nil {
		return nil, fmt.Errorf("vault: decrypt %q: %v: %w", storageKey, err, model.ErrDecryptionFailed)
	}
	if len(body) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("vault: decrypt %q: ciphertext too short: %w", storageKey, model.ErrDecryptionFailed)
	}
	nonce, ct := body[:aead.NonceSize()], body[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, h.raw)
	if err != nil {
		return nil, fmt.Errorf("vault: decrypt %q: %w", storageKey, model.ErrDecryptionFailed)
	}
	if pt == nil {
		pt = []byte{}
	}
	return pt, nil
}

// Store encrypts plaintext and writes it with a single Set. On any failure
// the previous value under key is untouched.
func (v *Vault) Store(ctx context.Context, key string, plaintext []byte) error {
	rec, err := v.Encrypt(ctx, key, plaintext)
	if err != nil {
		return err
	}
	if err := v.kv.Set(ctx, key, rec); err != nil {
		return fmt.Errorf("vault: store %q: %w", key, err)
	}
	return nil
}

// Load reads and decrypts the record under key. A missing key returns
// kvstore.ErrNotFound.
func (v *Vault) Load(ctx context.Context, key string) ([]byte, error) {
	rec, err := v.kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return v.Decrypt(ctx, key, rec)
}

// Exists reports whether a record is stored under key without decrypting it.
func (v *Vault) Exists(ctx context.Context, key string) (bool, error) {
	_, err := v.kv.Get(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, kvstore.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("vault: exists %q: %w", key, err)
	}
}

// Delete removes the record under key.
func (v *Vault) Delete(ctx context.Context, key string) error {
	if err := v.kv.Delete(ctx, key); err != nil {
		return fmt.Errorf("vault: delete %q: %w", key, err)
	}
	return nil
}

// Keys lists stored keys with the given prefix in ascending order.
func (v *Vault) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := v.kv.ListKeys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("vault: list %q: %w", prefix, err)
	}
	return keys, nil
}

// StoreJSON marshals value and stores it encrypted.
func (v *Vault) StoreJSON(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("vault: marshal %q: %w", key, err)
	}
	defer keystore.Zero(data)
	return v.Store(ctx, key, data)
}

// LoadJSON loads and unmarshals the record under key into out.
// A record that decrypts but does not parse is reported as a decryption failure.
func (v *Vault) LoadJSON(ctx context.Context, key string, out any) error {
	data, err := v.Load(ctx, key)
	if err != nil {
		return err
	}
	defer keystore.Zero(data)
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("vault: parse %q: %v: %w", key, err, model.ErrDecryptionFailed)
	}
	return nil
}
