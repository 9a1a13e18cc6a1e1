package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher names accepted in configuration.
const (
	CipherAESGCM  = "aes-256-gcm"
	CipherXChaCha = "xchacha20poly1305"
	DefaultCipher = CipherAESGCM
)

const (
	cipherIDAESGCM  = byte(1)
	cipherIDXChaCha = byte(2)
)

func cipherID(name string) (byte, error) {
	switch name {
	case "", CipherAESGCM:
		return cipherIDAESGCM, nil
	case CipherXChaCha:
		return cipherIDXChaCha, nil
	default:
		return 0, fmt.Errorf("vault: unsupported cipher %q", name)
	}
}

func newAEAD(id byte, key []byte) (cipher.AEAD, error) {
	switch id {
	case cipherIDAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case cipherIDXChaCha:
		return chacha20poly1305.NewX(key)
	default:
		return nil, fmt.Errorf("unknown cipher id %d", id)
	}
}
