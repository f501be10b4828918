package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	aesNonceSize = 12
	aesKeySize   = 32 // AES-256
)

// HKDF purposes. Each key derived from a shared secret is bound to one use.
const (
	PurposeSignaling = "hdsync-signaling-key"
	PurposeStore     = "hdsync-store-key"
)

// ErrDecrypt is returned when a ciphertext cannot be authenticated.
var ErrDecrypt = errors.New("decryption failed")

// SealWithSecret encrypts plaintext with AES-256-GCM under a key derived
// from secret for the given purpose.
// Format: nonce (12 bytes) || ciphertext+tag
func SealWithSecret(secret []byte, purpose string, plaintext []byte) ([]byte, error) {
	key, err := DeriveKey(secret, purpose, aesKeySize)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(key)

	return Seal(key, plaintext)
}

// OpenWithSecret decrypts data produced by SealWithSecret.
func OpenWithSecret(secret []byte, purpose string, data []byte) ([]byte, error) {
	key, err := DeriveKey(secret, purpose, aesKeySize)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(key)

	return Open(key, data)
}

// Seal encrypts plaintext with a raw 32-byte AES key.
func Seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	result := make([]byte, 0, len(nonce)+len(plaintext)+gcm.Overhead())
	result = append(result, nonce...)
	return gcm.Seal(result, nonce, plaintext, nil), nil
}

// Open decrypts data produced by Seal.
func Open(key, data []byte) ([]byte, error) {
	if len(data) < aesNonceSize+16 {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, data[:aesNonceSize], data[aesNonceSize:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

// DeriveKey derives a key from a shared secret using HKDF-SHA256
func DeriveKey(sharedSecret []byte, purpose string, keyLen int) ([]byte, error) {
	key := make([]byte, keyLen)
	hkdfReader := hkdf.New(sha256.New, sharedSecret, nil, []byte(purpose))
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}
