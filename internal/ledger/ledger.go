// Package ledger abstracts the append-only public ledger that carries
// encrypted signaling payloads between devices.
package ledger

import (
	"context"
	"errors"
)

var (
	ErrUnknownTx    = errors.New("unknown transaction")
	ErrNotConnected = errors.New("not connected to ledger")
	ErrClosed       = errors.New("ledger closed")
)

// Event is a confirmed transaction addressed to a device hash.
type Event struct {
	TxID       string
	Sender     string // Address of the publishing account
	DeviceHash string
	Data       []byte
}

// Ledger publishes opaque payloads and streams confirmed ones back.
type Ledger interface {
	// Publish submits data addressed to deviceHash and returns its tx ID.
	Publish(ctx context.Context, deviceHash string, data []byte) (string, error)
	// AwaitConfirmation blocks until txID is included.
	AwaitConfirmation(ctx context.Context, txID string) error
	// Subscribe streams confirmed events for the given device hashes.
	// The channel closes when ctx is done.
	Subscribe(ctx context.Context, deviceHashes ...string) (<-chan Event, error)
}
