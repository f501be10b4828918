package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthcare-dapp/hdsync/internal/crypto"
	"github.com/healthcare-dapp/hdsync/internal/ledger"
	"github.com/healthcare-dapp/hdsync/internal/protocol"
)

type recorder struct {
	mu      sync.Mutex
	signals []*protocol.Signal
	peers   []*crypto.PeerIdentity
	ch      chan struct{}
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan struct{}, 64)}
}

func (r *recorder) HandleSignal(peer *crypto.PeerIdentity, sig *protocol.Signal) {
	r.mu.Lock()
	r.signals = append(r.signals, sig)
	r.peers = append(r.peers, peer)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.signals)
}

func sealedSignal(t *testing.T, peer *crypto.PeerIdentity, typ protocol.SignalType, payload any) []byte {
	t.Helper()
	sig, err := protocol.NewSignal(typ, payload)
	require.NoError(t, err)
	plaintext, err := sig.Marshal()
	require.NoError(t, err)
	sealed, err := crypto.SealWithSecret(peer.Secret, crypto.PurposeSignaling, plaintext)
	require.NoError(t, err)
	return sealed
}

func batchEvent(t *testing.T, txID, deviceHash, origin string, payloads ...[]byte) ledger.Event {
	t.Helper()
	data, err := json.Marshal(Batch{Origin: origin, Payloads: payloads})
	require.NoError(t, err)
	return ledger.Event{TxID: txID, Sender: "0xowner", DeviceHash: deviceHash, Data: data}
}

func TestHandleEventDelivers(t *testing.T) {
	peer := testPeer(t, 7)
	r := New(new(mockLedger), "self", mapKeyring{peer.DeviceHash: peer}, Options{})
	defer r.Close()
	rec := newRecorder()

	ev := batchEvent(t, "tx-1", peer.DeviceHash, "remote",
		sealedSignal(t, peer, protocol.SignalPing, protocol.Ping{Address: peer.Address}),
		sealedSignal(t, peer, protocol.SignalCandidate, map[string]string{"candidate": "c1"}))
	r.HandleEvent(ev, rec)

	require.Equal(t, 2, rec.count())
	assert.Equal(t, protocol.SignalPing, rec.signals[0].Type)
	assert.Equal(t, protocol.SignalCandidate, rec.signals[1].Type)
	assert.Same(t, peer, rec.peers[0])

	var ping protocol.Ping
	require.NoError(t, rec.signals[0].ParsePayload(&ping))
	assert.Equal(t, peer.Address, ping.Address)
}

func TestHandleEventFilters(t *testing.T) {
	peer := testPeer(t, 7)
	other := testPeer(t, 9)
	ping := func() []byte { return sealedSignal(t, peer, protocol.SignalPing, protocol.Ping{}) }

	tests := []struct {
		name string
		ev   func() ledger.Event
	}{
		{"echo", func() ledger.Event {
			return batchEvent(t, "tx-echo", peer.DeviceHash, "self", ping())
		}},
		{"unknown device", func() ledger.Event {
			return batchEvent(t, "tx-unknown", "deadbeef", "remote", ping())
		}},
		{"wrong secret", func() ledger.Event {
			return batchEvent(t, "tx-wrong", peer.DeviceHash, "remote",
				sealedSignal(t, other, protocol.SignalPing, protocol.Ping{}))
		}},
		{"malformed batch", func() ledger.Event {
			return ledger.Event{TxID: "tx-bad", DeviceHash: peer.DeviceHash, Data: []byte("{")}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(new(mockLedger), "self", mapKeyring{peer.DeviceHash: peer}, Options{})
			defer r.Close()
			rec := newRecorder()

			r.HandleEvent(tt.ev(), rec)
			assert.Equal(t, 0, rec.count())
		})
	}
}

func TestHandleEventSkipsBadPayloadOnly(t *testing.T) {
	peer := testPeer(t, 7)
	r := New(new(mockLedger), "self", mapKeyring{peer.DeviceHash: peer}, Options{})
	defer r.Close()
	rec := newRecorder()

	ev := batchEvent(t, "tx-1", peer.DeviceHash, "remote",
		[]byte("garbage"),
		sealedSignal(t, peer, protocol.SignalPing, protocol.Ping{}))
	r.HandleEvent(ev, rec)

	assert.Equal(t, 1, rec.count())
}

func TestHandleEventDeduplicates(t *testing.T) {
	peer := testPeer(t, 7)
	r := New(new(mockLedger), "self", mapKeyring{peer.DeviceHash: peer}, Options{})
	defer r.Close()
	rec := newRecorder()

	ev := batchEvent(t, "tx-1", peer.DeviceHash, "remote",
		sealedSignal(t, peer, protocol.SignalPing, protocol.Ping{}))
	r.HandleEvent(ev, rec)
	r.HandleEvent(ev, rec)

	assert.Equal(t, 1, rec.count())
}

func TestHandleEventRateLimited(t *testing.T) {
	peer := testPeer(t, 7)
	cfg := DefaultRateLimitConfig()
	cfg.DeviceTxPerSecond = 0.001
	cfg.DeviceBurst = 2
	r := New(new(mockLedger), "self", mapKeyring{peer.DeviceHash: peer}, Options{RateLimit: cfg})
	defer r.Close()
	rec := newRecorder()

	for _, tx := range []string{"tx-1", "tx-2", "tx-3"} {
		r.HandleEvent(batchEvent(t, tx, peer.DeviceHash, "remote",
			sealedSignal(t, peer, protocol.SignalCandidate, map[string]string{})), rec)
	}

	assert.Equal(t, 2, rec.count())
	assert.Equal(t, int64(1), r.limiter.DropCount(peer.DeviceHash))

	// An unpaired device loses its limiter state.
	r.limiter.Retain(nil)
	assert.Zero(t, r.limiter.DropCount(peer.DeviceHash))
	r.HandleEvent(batchEvent(t, "tx-4", peer.DeviceHash, "remote",
		sealedSignal(t, peer, protocol.SignalCandidate, map[string]string{})), rec)
	assert.Equal(t, 3, rec.count())
}

func TestHandleEventOversizedSignal(t *testing.T) {
	peer := testPeer(t, 7)
	cfg := DefaultRateLimitConfig()
	cfg.MaxPayloadSize = 64
	r := New(new(mockLedger), "self", mapKeyring{peer.DeviceHash: peer}, Options{RateLimit: cfg})
	defer r.Close()
	rec := newRecorder()

	big := make([]byte, 256)
	r.HandleEvent(batchEvent(t, "tx-1", peer.DeviceHash, "remote",
		sealedSignal(t, peer, protocol.SignalDescription, map[string][]byte{"sdp": big})), rec)

	assert.Equal(t, 0, rec.count())
}

func TestSendListenOverMemoryLedger(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mem := ledger.NewMemory(nil, 0)
	defer mem.Close()

	// Two devices of one account share the device hash of the pairing.
	peer := testPeer(t, 3)
	keys := mapKeyring{peer.DeviceHash: peer}

	alice := New(mem.Client("0xowner"), "alice", keys, Options{Debounce: 10 * time.Millisecond})
	defer alice.Close()
	bob := New(mem.Client("0xowner"), "bob", keys, Options{Debounce: 10 * time.Millisecond})
	defer bob.Close()

	aliceRec := newRecorder()
	bobRec := newRecorder()
	go alice.Listen(ctx, aliceRec, peer.DeviceHash)
	go bob.Listen(ctx, bobRec, peer.DeviceHash)
	// Let both subscriptions register before publishing.
	time.Sleep(20 * time.Millisecond)

	sig, err := protocol.NewSignal(protocol.SignalPing, protocol.Ping{Address: "0xalice"})
	require.NoError(t, err)
	require.NoError(t, alice.Send(peer, sig))

	select {
	case <-bobRec.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("bob did not receive the ping")
	}
	require.Eventually(t, func() bool { return alice.Pending() == 0 }, time.Second, 5*time.Millisecond)

	var ping protocol.Ping
	require.NoError(t, bobRec.signals[0].ParsePayload(&ping))
	assert.Equal(t, "0xalice", ping.Address)
	assert.Equal(t, 0, aliceRec.count(), "own transactions must be ignored")
	assert.Equal(t, 1, mem.Transactions())
}

func TestListenReturnsOnCancel(t *testing.T) {
	mem := ledger.NewMemory(nil, 0)
	defer mem.Close()
	r := New(mem.Client("0xowner"), "self", mapKeyring{}, Options{})
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Listen(ctx, newRecorder(), "dev") }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return")
	}
}
