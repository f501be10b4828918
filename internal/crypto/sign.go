package crypto

import (
	"crypto/ed25519"
	"errors"
)

// ErrNoPrivateKey is returned when signing without a private key.
var ErrNoPrivateKey = errors.New("no private key available")

// Signer signs sync envelopes on behalf of a device. The private key
// stays inside the identity that owns it.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	PublicKey() []byte
}

// Verifier checks envelope signatures against a sender's public key.
type Verifier interface {
	Verify(pubkey, message, signature []byte) bool
}

// Ed25519Signer signs with a device's Ed25519 key.
type Ed25519Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

func NewEd25519Signer(privateKey ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{
		privateKey: privateKey,
		publicKey:  privateKey.Public().(ed25519.PublicKey),
	}
}

func (s *Ed25519Signer) Sign(message []byte) ([]byte, error) {
	if s.privateKey == nil {
		return nil, ErrNoPrivateKey
	}
	return ed25519.Sign(s.privateKey, message), nil
}

func (s *Ed25519Signer) PublicKey() []byte {
	return []byte(s.publicKey)
}

// Ed25519Verifier verifies Ed25519 signatures. Keys and signatures of the
// wrong length are rejected rather than passed to ed25519.Verify, which
// panics on a short key.
type Ed25519Verifier struct{}

func NewEd25519Verifier() *Ed25519Verifier {
	return &Ed25519Verifier{}
}

func (Ed25519Verifier) Verify(pubkey, message, signature []byte) bool {
	if len(pubkey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pubkey, message, signature)
}

// SignerFromIdentity returns a Signer over the identity's signing key.
func SignerFromIdentity(id *Identity) Signer {
	return NewEd25519Signer(id.signingKey)
}
