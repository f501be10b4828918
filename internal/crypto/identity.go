package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/argon2"
)

// Identity is the signing identity of this device.
type Identity struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`

	signingKey ed25519.PrivateKey
	verifyKey  ed25519.PublicKey
}

// Argon2 parameters for key derivation
// OWASP recommends: 19 MiB memory, 2 iterations minimum
const (
	argon2Time    = 4
	argon2Memory  = 128 * 1024 // 128 MiB
	argon2Threads = 4
	argon2KeyLen  = 32
)

const identityFileVersion = 1

// ErrBadPassphrase is returned when an identity file cannot be decrypted.
var ErrBadPassphrase = errors.New("invalid passphrase or corrupted file")

// identityFile is the encrypted identity file format
type identityFile struct {
	Version       uint8  `json:"version"`
	Salt          []byte `json:"salt"`
	Nonce         []byte `json:"nonce"`
	Ciphertext    []byte `json:"ciphertext"`
	Argon2Time    uint32 `json:"argon2_time"`
	Argon2Memory  uint32 `json:"argon2_memory"`
	Argon2Threads uint8  `json:"argon2_threads"`
}

type identityPlaintext struct {
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	SigningKey []byte    `json:"signing_key"` // 64 bytes for Ed25519
}

// GenerateIdentity creates a new device identity
func GenerateIdentity(name string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}

	return &Identity{
		Name:       name,
		CreatedAt:  time.Now().UTC(),
		signingKey: priv,
		verifyKey:  pub,
	}, nil
}

// IdentityFromSeed rebuilds an identity from a 32-byte Ed25519 seed.
func IdentityFromSeed(name string, seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Identity{
		Name:       name,
		CreatedAt:  time.Now().UTC(),
		signingKey: priv,
		verifyKey:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// SigningPublicKey returns the Ed25519 public key
func (id *Identity) SigningPublicKey() []byte {
	return id.verifyKey
}

// SigningPrivateKey returns the Ed25519 private key
func (id *Identity) SigningPrivateKey() ed25519.PrivateKey {
	return id.signingKey
}

// Sign signs a message with the identity's Ed25519 key
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.signingKey, message)
}

// Verify verifies a signature with the identity's Ed25519 key
func (id *Identity) Verify(message, signature []byte) bool {
	return ed25519.Verify(id.verifyKey, message, signature)
}

// Fingerprint returns a short identifier for this identity
func (id *Identity) Fingerprint() string {
	return PublicKeyFingerprint(id.verifyKey)
}

// Address returns the stable public address of this identity.
func (id *Identity) Address() string {
	return AddressFromPublicKey(id.verifyKey)
}

// StoreKey derives the key used to seal the local record store.
func (id *Identity) StoreKey() ([]byte, error) {
	return DeriveKey(id.signingKey.Seed(), PurposeStore, aesKeySize)
}

// PublicKeyFingerprint returns the hex of the first 8 bytes of sha256(pub).
func PublicKeyFingerprint(pubKey []byte) string {
	h := sha256.Sum256(pubKey)
	return hex.EncodeToString(h[:8])
}

// AddressFromPublicKey derives a 20-byte hex address from a public key.
func AddressFromPublicKey(pubKey []byte) string {
	h := sha256.Sum256(pubKey)
	return "0x" + hex.EncodeToString(h[12:])
}

// SaveEncrypted writes the identity to path, sealed under passphrase.
func (id *Identity) SaveEncrypted(path string, passphrase []byte) error {
	return id.saveEncrypted(path, passphrase, argon2Time, argon2Memory, argon2Threads)
}

func (id *Identity) saveEncrypted(path string, passphrase []byte, a2Time, a2Memory uint32, a2Threads uint8) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	key := argon2.IDKey(passphrase, salt, a2Time, a2Memory, a2Threads, argon2KeyLen)
	defer ZeroBytes(key)

	plaintextJSON, err := json.Marshal(identityPlaintext{
		Name:       id.Name,
		CreatedAt:  id.CreatedAt,
		SigningKey: id.signingKey,
	})
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	defer ZeroBytes(plaintextJSON)

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	fileJSON, err := json.MarshalIndent(identityFile{
		Version:       identityFileVersion,
		Salt:          salt,
		Nonce:         nonce,
		Ciphertext:    gcm.Seal(nil, nonce, plaintextJSON, nil),
		Argon2Time:    a2Time,
		Argon2Memory:  a2Memory,
		Argon2Threads: a2Threads,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal file: %w", err)
	}

	if err := os.WriteFile(path, fileJSON, 0600); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// LoadEncrypted reads an identity written by SaveEncrypted.
func LoadEncrypted(path string, passphrase []byte) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var file identityFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse file: %w", err)
	}

	if file.Version != identityFileVersion {
		return nil, fmt.Errorf("unsupported identity file version: %d", file.Version)
	}

	key := argon2.IDKey(passphrase, file.Salt, file.Argon2Time, file.Argon2Memory, file.Argon2Threads, argon2KeyLen)
	defer ZeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	plaintextJSON, err := gcm.Open(nil, file.Nonce, file.Ciphertext, nil)
	if err != nil {
		return nil, ErrBadPassphrase
	}
	defer ZeroBytes(plaintextJSON)

	var plaintext identityPlaintext
	if err := json.Unmarshal(plaintextJSON, &plaintext); err != nil {
		return nil, fmt.Errorf("parse identity: %w", err)
	}
	if len(plaintext.SigningKey) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid signing key length")
	}

	signingKey := ed25519.PrivateKey(plaintext.SigningKey)
	return &Identity{
		Name:       plaintext.Name,
		CreatedAt:  plaintext.CreatedAt,
		signingKey: signingKey,
		verifyKey:  signingKey.Public().(ed25519.PublicKey),
	}, nil
}
