// Package testutil provides fixtures shared by hdsync package tests.
package testutil

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/healthcare-dapp/hdsync/internal/crypto"
	"github.com/healthcare-dapp/hdsync/internal/records"
	"github.com/healthcare-dapp/hdsync/internal/store"
)

// NewIdentity generates a signing identity or fails the test.
func NewIdentity(t *testing.T, name string) *crypto.Identity {
	t.Helper()

	id, err := crypto.GenerateIdentity(name)
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return id
}

// Pairing is one device pair as both ends record it.
type Pairing struct {
	Secret []byte
	// OnA describes B and is stored on A; OnB describes A and is stored on B.
	OnA, OnB *records.Device
	// PeerOfA is B as A sees it; PeerOfB is A as B sees it.
	PeerOfA, PeerOfB *crypto.PeerIdentity
}

// Pair pairs b with a, a being the requesting device.
func Pair(t *testing.T, a, b *crypto.Identity) *Pairing {
	t.Helper()

	secret := make([]byte, crypto.SecretSize)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("generate secret: %v", err)
	}

	p := &Pairing{
		Secret: secret,
		OnA: &records.Device{
			Name:             b.Name,
			Address:          b.Address(),
			PublicKey:        b.SigningPublicKey(),
			RequesterAddress: a.Address(),
			Secret:           secret,
			PairedWith:       a.Address(),
			AddedAt:          time.Now().UTC(),
		},
		OnB: &records.Device{
			Name:             a.Name,
			Address:          a.Address(),
			PublicKey:        a.SigningPublicKey(),
			RequesterAddress: a.Address(),
			Secret:           secret,
			PairedWith:       b.Address(),
			AddedAt:          time.Now().UTC(),
		},
	}

	var err error
	p.PeerOfA, err = crypto.NewPeerIdentity(b.Name, b.Address(), b.SigningPublicKey(), a.Address(), secret)
	if err != nil {
		t.Fatalf("peer identity: %v", err)
	}
	p.PeerOfB, err = crypto.NewPeerIdentity(a.Name, a.Address(), a.SigningPublicKey(), a.Address(), secret)
	if err != nil {
		t.Fatalf("peer identity: %v", err)
	}
	return p
}

// Put stores every record or fails the test, returning their hashes.
func Put(t *testing.T, s store.Store, recs ...records.Record) []string {
	t.Helper()

	hashes := make([]string, 0, len(recs))
	for _, r := range recs {
		h, err := s.Put(context.Background(), r)
		if err != nil {
			t.Fatalf("put %s: %v", r.Kind(), err)
		}
		hashes = append(hashes, h)
	}
	return hashes
}

// PutFile stores a blob and its File record, returning the record hash.
func PutFile(t *testing.T, s store.Store, name, owner string, data []byte) string {
	t.Helper()

	blobHash := records.BlobHash(data)
	if err := s.PutBlob(context.Background(), blobHash, data); err != nil {
		t.Fatalf("put blob: %v", err)
	}
	return Put(t, s, &records.File{
		Name:      name,
		MimeType:  "application/octet-stream",
		Size:      int64(len(data)),
		BlobHash:  blobHash,
		Owner:     owner,
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	})[0]
}

// Hashes lists a collection or fails the test.
func Hashes(t *testing.T, s store.Store, kind records.Kind) []string {
	t.Helper()

	hashes, err := s.Hashes(context.Background(), kind)
	if err != nil {
		t.Fatalf("list %s: %v", kind, err)
	}
	return hashes
}

// Eventually polls cond until it holds or the timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}
