// Package store holds the local record collections and file blobs that
// devices replicate between each other.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/healthcare-dapp/hdsync/internal/crypto"
	"github.com/healthcare-dapp/hdsync/internal/records"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrBlobMismatch = errors.New("blob content does not match its hash")
	ErrClosed       = errors.New("store closed")
)

// Store is the local record store. Records are addressed by content hash
// within their collection; blobs by records.BlobHash.
type Store interface {
	// Hashes lists the content hashes of one collection.
	Hashes(ctx context.Context, kind records.Kind) ([]string, error)
	Get(ctx context.Context, kind records.Kind, hash string) (records.Record, error)
	// Put upserts a record and returns its content hash.
	Put(ctx context.Context, rec records.Record) (string, error)

	HasBlob(ctx context.Context, hash string) (bool, error)
	Blob(ctx context.Context, hash string) ([]byte, error)
	// PutBlob stores data under hash after checking that they match.
	PutBlob(ctx context.Context, hash string, data []byte) error

	// Writes signals after every committed write that changed the store.
	// Signals coalesce while nobody is reading.
	Writes() <-chan struct{}

	Close() error
}

// notifier coalesces write notifications into a 1-slot channel.
type notifier chan struct{}

func newNotifier() notifier { return make(notifier, 1) }

func (n notifier) notify() {
	select {
	case n <- struct{}{}:
	default:
	}
}

// Inventory returns every collection's content hashes.
func Inventory(ctx context.Context, s Store) (map[records.Kind][]string, error) {
	inv := make(map[records.Kind][]string, len(records.Kinds))
	for _, kind := range records.Kinds {
		hashes, err := s.Hashes(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", kind, err)
		}
		inv[kind] = hashes
	}
	return inv, nil
}

// Devices loads the devices paired with self as PeerIdentities. Pairings
// of other devices replicated into this store, and device records that
// fail validation, are skipped.
func Devices(ctx context.Context, s Store, self string) ([]*crypto.PeerIdentity, error) {
	hashes, err := s.Hashes(ctx, records.KindDevice)
	if err != nil {
		return nil, err
	}

	peers := make([]*crypto.PeerIdentity, 0, len(hashes))
	for _, h := range hashes {
		rec, err := s.Get(ctx, records.KindDevice, h)
		if err != nil {
			return nil, fmt.Errorf("get device %s: %w", h, err)
		}
		dev := rec.(*records.Device)
		if dev.PairedWith != self {
			continue
		}
		p, err := crypto.NewPeerIdentity(dev.Name, dev.Address, dev.PublicKey, dev.RequesterAddress, dev.Secret)
		if err != nil {
			continue
		}
		peers = append(peers, p)
	}
	return peers, nil
}

// FileRecord looks up File metadata by its content hash.
func FileRecord(ctx context.Context, s Store, hash string) (*records.File, error) {
	rec, err := s.Get(ctx, records.KindFile, hash)
	if err != nil {
		return nil, err
	}
	f, ok := rec.(*records.File)
	if !ok {
		return nil, fmt.Errorf("record %s is %s, not a file", hash, rec.Kind())
	}
	return f, nil
}

func checkBlob(hash string, data []byte) error {
	if records.BlobHash(data) != hash {
		return fmt.Errorf("%w: %s", ErrBlobMismatch, hash)
	}
	return nil
}
