// Package relay carries signaling payloads between devices through the
// ledger. Outbound payloads are sealed per device, queued, coalesced per
// target and published one confirmed transaction at a time. Inbound
// transactions are deduplicated, opened and handed to a Handler.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"github.com/healthcare-dapp/hdsync/internal/crypto"
	"github.com/healthcare-dapp/hdsync/internal/ledger"
	"github.com/healthcare-dapp/hdsync/internal/logging"
	"github.com/healthcare-dapp/hdsync/internal/metrics"
	"github.com/healthcare-dapp/hdsync/internal/protocol"
)

// Defaults
const (
	DefaultDebounce  = 500 * time.Millisecond
	DefaultDedupSize = 4096
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("relay closed")

// Handler receives decrypted signals.
type Handler interface {
	HandleSignal(peer *crypto.PeerIdentity, sig *protocol.Signal)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(peer *crypto.PeerIdentity, sig *protocol.Signal)

func (f HandlerFunc) HandleSignal(peer *crypto.PeerIdentity, sig *protocol.Signal) {
	f(peer, sig)
}

// Keyring resolves a device hash to the paired device and its secret.
type Keyring interface {
	Peer(deviceHash string) (*crypto.PeerIdentity, bool)
}

// Batch is the body of one ledger transaction.
type Batch struct {
	Origin   string   `json:"origin"`   // Fingerprint of the publishing device
	Payloads [][]byte `json:"payloads"` // Sealed signals, oldest first
}

// Options configures a Relay. Zero values take defaults.
type Options struct {
	Debounce  time.Duration
	DedupSize int
	RateLimit *RateLimitConfig
	Clock     clockwork.Clock
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

type entry struct {
	deviceHash string
	kind       protocol.SignalType
	payload    []byte
}

// Relay is the signaling relay.
type Relay struct {
	ledger  ledger.Ledger
	origin  string
	keys    Keyring
	clock   clockwork.Clock
	log     *slog.Logger
	metrics *metrics.Metrics

	debounce time.Duration
	limiter  *RateLimiter
	seen     *lru.Cache[string, struct{}]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	queue      []*entry
	processing bool
	closed     bool
}

// New creates a relay publishing as origin (this device's fingerprint).
func New(l ledger.Ledger, origin string, keys Keyring, opts Options) *Relay {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.DedupSize <= 0 {
		opts.DedupSize = DefaultDedupSize
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	seen, err := lru.New[string, struct{}](opts.DedupSize)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		ledger:   l,
		origin:   origin,
		keys:     keys,
		clock:    opts.Clock,
		log:      logging.Child(opts.Logger, "relay"),
		metrics:  opts.Metrics,
		debounce: opts.Debounce,
		limiter:  NewRateLimiter(opts.RateLimit),
		seen:     seen,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Send seals sig with the peer's secret and queues it.
func (r *Relay) Send(peer *crypto.PeerIdentity, sig *protocol.Signal) error {
	plaintext, err := sig.Marshal()
	if err != nil {
		return err
	}
	sealed, err := crypto.SealWithSecret(peer.Secret, crypto.PurposeSignaling, plaintext)
	if err != nil {
		return fmt.Errorf("seal %s: %w", sig.Type, err)
	}
	if !r.Enqueue(peer.DeviceHash, sig.Type, sealed) {
		return ErrClosed
	}
	return nil
}

// Enqueue appends a sealed payload and starts the processing loop if it
// is not running. A description supersedes queued descriptions for the
// same device. Returns false once the relay is closed.
func (r *Relay) Enqueue(deviceHash string, kind protocol.SignalType, payload []byte) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}

	if kind == protocol.SignalDescription {
		kept := r.queue[:0]
		for _, e := range r.queue {
			if e.deviceHash == deviceHash && e.kind == protocol.SignalDescription {
				continue
			}
			kept = append(kept, e)
		}
		clearTail(r.queue, len(kept))
		r.queue = kept
	}

	r.queue = append(r.queue, &entry{deviceHash: deviceHash, kind: kind, payload: payload})
	depth := len(r.queue)
	start := !r.processing
	r.processing = true
	r.mu.Unlock()

	r.metrics.SignalQueued(string(kind))
	r.metrics.SetQueueDepth(depth)

	if start {
		r.wg.Add(1)
		go r.process()
	}
	return true
}

// DropQueue discards every queued payload of kind across all devices and
// returns how many were dropped.
func (r *Relay) DropQueue(kind protocol.SignalType) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.queue[:0]
	for _, e := range r.queue {
		if e.kind != kind {
			kept = append(kept, e)
		}
	}
	dropped := len(r.queue) - len(kept)
	clearTail(r.queue, len(kept))
	r.queue = kept

	r.metrics.SetQueueDepth(len(r.queue))
	return dropped
}

// Pending returns the number of queued payloads.
func (r *Relay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

func clearTail(q []*entry, from int) {
	for i := from; i < len(q); i++ {
		q[i] = nil
	}
}

// process is the single publishing loop. It waits the debounce interval,
// publishes the oldest device's queued payloads as one transaction and
// removes them once confirmed. Failed batches stay queued.
func (r *Relay) process() {
	defer r.wg.Done()

	for {
		select {
		case <-r.clock.After(r.debounce):
		case <-r.ctx.Done():
			r.mu.Lock()
			r.processing = false
			r.mu.Unlock()
			return
		}

		deviceHash, batch := r.nextBatch()
		if batch == nil {
			return
		}

		if err := r.publish(deviceHash, batch); err != nil {
			r.metrics.LedgerPublish(false)
			r.metrics.RecordError("ledger_publish", err.Error(), crypto.ShortHash(deviceHash))
			r.log.Warn("Failed to publish signaling batch, will retry",
				"device", crypto.ShortHash(deviceHash),
				"count", len(batch),
				"error", err)
			continue
		}
		r.metrics.LedgerPublish(true)

		if r.remove(batch) {
			return
		}
	}
}

// nextBatch returns every queued entry for the device owning the oldest
// entry. When the queue is empty it ends processing and returns nil.
func (r *Relay) nextBatch() (string, []*entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.queue) == 0 {
		r.processing = false
		return "", nil
	}

	deviceHash := r.queue[0].deviceHash
	var batch []*entry
	for _, e := range r.queue {
		if e.deviceHash == deviceHash {
			batch = append(batch, e)
		}
	}
	return deviceHash, batch
}

// remove drops published entries still in the queue. It ends processing
// and returns true if the queue is now empty.
func (r *Relay) remove(batch []*entry) bool {
	published := make(map[*entry]struct{}, len(batch))
	for _, e := range batch {
		published[e] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.queue[:0]
	for _, e := range r.queue {
		if _, ok := published[e]; !ok {
			kept = append(kept, e)
		}
	}
	clearTail(r.queue, len(kept))
	r.queue = kept
	r.metrics.SetQueueDepth(len(r.queue))

	if len(r.queue) == 0 {
		r.processing = false
		return true
	}
	return false
}

func (r *Relay) publish(deviceHash string, batch []*entry) error {
	b := Batch{Origin: r.origin, Payloads: make([][]byte, len(batch))}
	for i, e := range batch {
		b.Payloads[i] = e.payload
	}
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	txID, err := r.ledger.Publish(r.ctx, deviceHash, data)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if err := r.ledger.AwaitConfirmation(r.ctx, txID); err != nil {
		return fmt.Errorf("await confirmation of %s: %w", txID, err)
	}

	r.log.Debug("Published signaling batch",
		"device", crypto.ShortHash(deviceHash),
		"count", len(batch),
		"tx", txID)
	return nil
}

// Close stops the processing loop and waits for it to exit. Queued
// payloads are discarded.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}
