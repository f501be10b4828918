package crypto

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateIdentity(t *testing.T) {
	t.Run("creates valid identity", func(t *testing.T) {
		identity, err := GenerateIdentity("laptop")
		if err != nil {
			t.Fatalf("GenerateIdentity failed: %v", err)
		}

		if identity.Name != "laptop" {
			t.Errorf("expected name 'laptop', got '%s'", identity.Name)
		}
		if identity.CreatedAt.IsZero() {
			t.Error("CreatedAt should not be zero")
		}
		if identity.signingKey == nil || identity.verifyKey == nil {
			t.Error("signing keys should be set")
		}
	})

	t.Run("generates unique keys", func(t *testing.T) {
		id1, _ := GenerateIdentity("a")
		id2, _ := GenerateIdentity("b")

		if bytes.Equal(id1.SigningPublicKey(), id2.SigningPublicKey()) {
			t.Error("two identities should have different signing keys")
		}
		if id1.Address() == id2.Address() {
			t.Error("two identities should have different addresses")
		}
	})
}

func TestIdentityAddress(t *testing.T) {
	id, err := IdentityFromSeed("phone", bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("IdentityFromSeed: %v", err)
	}

	addr := id.Address()
	if !strings.HasPrefix(addr, "0x") || len(addr) != 42 {
		t.Errorf("unexpected address format: %s", addr)
	}

	again, _ := IdentityFromSeed("phone", bytes.Repeat([]byte{7}, 32))
	if again.Address() != addr {
		t.Error("address should be deterministic for a seed")
	}
	if len(id.Fingerprint()) != 16 {
		t.Errorf("fingerprint should be 16 hex chars, got %d", len(id.Fingerprint()))
	}
}

func TestIdentitySignVerify(t *testing.T) {
	id, _ := GenerateIdentity("signer")
	msg := []byte("medical record hash")

	sig := id.Sign(msg)
	if !id.Verify(msg, sig) {
		t.Error("signature should verify")
	}
	if id.Verify([]byte("other"), sig) {
		t.Error("signature should not verify for other message")
	}
}

func TestSaveLoadEncrypted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.enc")

	id, _ := GenerateIdentity("desktop")
	// Cheap argon2 parameters keep the test fast.
	if err := id.saveEncrypted(path, []byte("correct horse"), 1, 1024, 1); err != nil {
		t.Fatalf("saveEncrypted: %v", err)
	}

	t.Run("correct passphrase", func(t *testing.T) {
		loaded, err := LoadEncrypted(path, []byte("correct horse"))
		if err != nil {
			t.Fatalf("LoadEncrypted: %v", err)
		}
		if loaded.Name != "desktop" {
			t.Errorf("expected name 'desktop', got '%s'", loaded.Name)
		}
		if !bytes.Equal(loaded.SigningPublicKey(), id.SigningPublicKey()) {
			t.Error("loaded key does not match")
		}
	})

	t.Run("wrong passphrase", func(t *testing.T) {
		_, err := LoadEncrypted(path, []byte("battery staple"))
		if !errors.Is(err, ErrBadPassphrase) {
			t.Errorf("expected ErrBadPassphrase, got %v", err)
		}
	})
}

func TestStoreKeyDeterministic(t *testing.T) {
	id, _ := IdentityFromSeed("x", bytes.Repeat([]byte{1}, 32))
	k1, err := id.StoreKey()
	if err != nil {
		t.Fatalf("StoreKey: %v", err)
	}
	k2, _ := id.StoreKey()
	if len(k1) != 32 || !bytes.Equal(k1, k2) {
		t.Error("store key should be 32 bytes and deterministic")
	}
}
