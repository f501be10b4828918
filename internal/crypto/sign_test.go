package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func TestEd25519Signer(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	signer := NewEd25519Signer(priv)

	msg := []byte("sync envelope")
	sig, err := signer.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	v := NewEd25519Verifier()
	if !v.Verify(signer.PublicKey(), msg, sig) {
		t.Error("verifier should accept signature")
	}
	if v.Verify(signer.PublicKey()[:16], msg, sig) {
		t.Error("verifier should reject truncated key")
	}
	if v.Verify(signer.PublicKey(), msg, sig[:10]) {
		t.Error("verifier should reject truncated signature")
	}
	if v.Verify(signer.PublicKey(), []byte("other envelope"), sig) {
		t.Error("verifier should reject a different message")
	}
}

func TestEd25519SignerNoKey(t *testing.T) {
	s := &Ed25519Signer{}
	if _, err := s.Sign([]byte("x")); err != ErrNoPrivateKey {
		t.Errorf("expected ErrNoPrivateKey, got %v", err)
	}
}

func TestSignerFromIdentity(t *testing.T) {
	id, _ := GenerateIdentity("x")
	s := SignerFromIdentity(id)
	sig, _ := s.Sign([]byte("m"))
	if !id.Verify([]byte("m"), sig) {
		t.Error("identity should verify signer output")
	}
}
