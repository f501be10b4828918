package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/healthcare-dapp/hdsync/internal/crypto"
	"github.com/healthcare-dapp/hdsync/internal/ledger"
	"github.com/healthcare-dapp/hdsync/internal/protocol"
)

// ErrSubscriptionClosed is returned by Listen when the ledger ends the
// subscription while the caller's context is still live.
var ErrSubscriptionClosed = errors.New("ledger subscription closed")

// Listen subscribes to deviceHashes and dispatches every inbound signal
// to h until ctx is done.
func (r *Relay) Listen(ctx context.Context, h Handler, deviceHashes ...string) error {
	events, err := r.ledger.Subscribe(ctx, deviceHashes...)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	r.limiter.Retain(deviceHashes)
	r.log.Debug("Listening for signaling", "devices", len(deviceHashes))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrSubscriptionClosed
			}
			r.HandleEvent(ev, h)
		}
	}
}

// HandleEvent processes one ledger event. Duplicates, our own
// transactions, unknown devices, rate-limited devices and payloads that
// fail to open are dropped.
func (r *Relay) HandleEvent(ev ledger.Event, h Handler) {
	if ev.TxID != "" {
		if seen, _ := r.seen.ContainsOrAdd(ev.TxID, struct{}{}); seen {
			r.metrics.SignalDropped("duplicate")
			return
		}
	}

	var batch Batch
	if err := json.Unmarshal(ev.Data, &batch); err != nil {
		r.metrics.SignalDropped("malformed")
		r.log.Warn("Failed to parse signaling batch", "tx", ev.TxID, "error", err)
		return
	}
	if batch.Origin == r.origin {
		r.metrics.SignalDropped("echo")
		return
	}

	peer, ok := r.keys.Peer(ev.DeviceHash)
	if !ok {
		r.metrics.SignalDropped("unknown_device")
		r.log.Info("Dropping signaling for unknown device",
			"device", crypto.ShortHash(ev.DeviceHash),
			"tx", ev.TxID)
		return
	}

	if err := r.limiter.AllowTx(ev.DeviceHash); err != nil {
		r.metrics.SignalDropped("rate_limited")
		r.log.Warn("Rate limited signaling", "device", peer.Short(), "error", err)
		return
	}

	for _, sealed := range batch.Payloads {
		plaintext, err := crypto.OpenWithSecret(peer.Secret, crypto.PurposeSignaling, sealed)
		if err != nil {
			r.metrics.SignalDropped("decrypt")
			r.metrics.RecordError("decrypt", err.Error(), peer.Short())
			r.log.Warn("Failed to decrypt signaling payload", "device", peer.Short(), "tx", ev.TxID, "error", err)
			continue
		}

		sig, err := protocol.DecodeSignal(plaintext)
		if err != nil {
			r.metrics.SignalDropped("malformed")
			r.log.Warn("Failed to decode signal", "device", peer.Short(), "tx", ev.TxID, "error", err)
			continue
		}

		if err := r.limiter.AllowSignal(ev.DeviceHash, sig.Type, len(sealed)); err != nil {
			r.metrics.SignalDropped("rate_limited")
			r.log.Warn("Rate limited signal", "device", peer.Short(), "type", sig.Type, "error", err)
			continue
		}

		r.metrics.SignalReceived(string(sig.Type))
		h.HandleSignal(peer, sig)
	}
}
