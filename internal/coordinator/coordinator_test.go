package coordinator

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthcare-dapp/hdsync/internal/crypto"
	"github.com/healthcare-dapp/hdsync/internal/ledger"
	"github.com/healthcare-dapp/hdsync/internal/metrics"
	"github.com/healthcare-dapp/hdsync/internal/protocol"
	"github.com/healthcare-dapp/hdsync/internal/records"
	"github.com/healthcare-dapp/hdsync/internal/relay"
	"github.com/healthcare-dapp/hdsync/internal/session"
	"github.com/healthcare-dapp/hdsync/internal/store"
	hdtest "github.com/healthcare-dapp/hdsync/internal/testutil"
	"github.com/healthcare-dapp/hdsync/internal/transport"
)

const waitTimeout = 5 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentSignal struct {
	device string
	sig    *protocol.Signal
}

// fakeRelay records outbound signals and blocks in Listen.
type fakeRelay struct {
	mu      sync.Mutex
	sent    []sentSignal
	listens [][]string
}

func (r *fakeRelay) Send(peer *crypto.PeerIdentity, sig *protocol.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentSignal{device: peer.DeviceHash, sig: sig})
	return nil
}

func (r *fakeRelay) DropQueue(kind protocol.SignalType) int { return 0 }

func (r *fakeRelay) Listen(ctx context.Context, h relay.Handler, deviceHashes ...string) error {
	r.mu.Lock()
	r.listens = append(r.listens, append([]string(nil), deviceHashes...))
	r.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (r *fakeRelay) pings(device string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.device == device && s.sig.Type == protocol.SignalPing {
			n++
		}
	}
	return n
}

func (r *fakeRelay) lastListen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.listens) == 0 {
		return nil
	}
	return r.listens[len(r.listens)-1]
}

type harness struct {
	id    *crypto.Identity
	store *store.Memory
	relay *fakeRelay
	clock clockwork.FakeClock
	c     *Coordinator
}

func newHarness(t *testing.T, id *crypto.Identity, devices ...*records.Device) *harness {
	t.Helper()

	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	for _, d := range devices {
		hdtest.Put(t, st, d)
	}
	drain(st)

	h := &harness{
		id:    id,
		store: st,
		relay: &fakeRelay{},
		clock: clockwork.NewFakeClock(),
	}
	c, err := New(Config{
		Identity:  id,
		Store:     st,
		Relay:     h.relay,
		Directory: NewDirectory(),
		Factory:   hdtest.NewFakeNetwork(),
		Clock:     h.clock,
		Logger:    discardLogger(),
		Metrics:   metrics.New(nil),
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	h.c = c

	// dispatch ticker
	h.clock.BlockUntil(1)
	return h
}

func drain(st *store.Memory) {
	select {
	case <-st.Writes():
	default:
	}
}

func (h *harness) session(device string) *session.Session {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	return h.c.sessions[device]
}

func (h *harness) waiting(device string) bool {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	_, ok := h.c.waiting[device]
	return ok
}

func pingFrom(t *testing.T, id *crypto.Identity) *protocol.Signal {
	t.Helper()
	sig, err := protocol.NewSignal(protocol.SignalPing, protocol.Ping{Address: id.Address(), SentAt: time.Now().UTC()})
	require.NoError(t, err)
	return sig
}

// ordered returns two identities with low.Address() < high.Address().
func ordered(t *testing.T) (low, high *crypto.Identity) {
	a := hdtest.NewIdentity(t, "alice")
	b := hdtest.NewIdentity(t, "bob")
	if strings.Compare(a.Address(), b.Address()) < 0 {
		return a, b
	}
	return b, a
}

func TestDirectory(t *testing.T) {
	alice := hdtest.NewIdentity(t, "alice")
	bob := hdtest.NewIdentity(t, "bob")
	carol := hdtest.NewIdentity(t, "carol")
	ab := hdtest.Pair(t, alice, bob)
	ac := hdtest.Pair(t, alice, carol)

	d := NewDirectory(ab.PeerOfA)
	p, ok := d.Peer(ab.PeerOfA.DeviceHash)
	require.True(t, ok)
	assert.Equal(t, bob.Address(), p.Address)

	_, ok = d.Peer(ac.PeerOfA.DeviceHash)
	assert.False(t, ok)

	added := d.Set([]*crypto.PeerIdentity{ab.PeerOfA, ac.PeerOfA})
	assert.Equal(t, []string{ac.PeerOfA.DeviceHash}, added)
	assert.Len(t, d.All(), 2)
	assert.IsIncreasing(t, d.Hashes())

	assert.Empty(t, d.Set([]*crypto.PeerIdentity{ac.PeerOfA}))
	_, ok = d.Peer(ab.PeerOfA.DeviceHash)
	assert.False(t, ok)
}

func TestDirectoryLoadSkipsForeignPairings(t *testing.T) {
	alice := hdtest.NewIdentity(t, "alice")
	bob := hdtest.NewIdentity(t, "bob")
	p := hdtest.Pair(t, alice, bob)

	st := store.NewMemory()
	defer st.Close()
	// OnB is bob's record of the pairing, replicated into alice's store.
	hdtest.Put(t, st, p.OnA, p.OnB)

	d := NewDirectory()
	added, err := d.Load(context.Background(), st, alice.Address())
	require.NoError(t, err)
	assert.Equal(t, []string{p.PeerOfA.DeviceHash}, added)

	peer, ok := d.Peer(p.PeerOfA.DeviceHash)
	require.True(t, ok)
	assert.Equal(t, bob.Address(), peer.Address)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestStartPingsPairedDevices(t *testing.T) {
	alice := hdtest.NewIdentity(t, "alice")
	bob := hdtest.NewIdentity(t, "bob")
	p := hdtest.Pair(t, alice, bob)
	dev := p.PeerOfA.DeviceHash

	h := newHarness(t, alice, p.OnA)

	assert.Equal(t, 1, h.relay.pings(dev))
	s := h.session(dev)
	require.NotNil(t, s)
	assert.True(t, s.Polite())
	assert.True(t, h.waiting(dev))
	require.Len(t, h.c.WaitingPeerDevices(), 1)
	assert.Empty(t, h.c.OnlinePeerDevices())
	assert.Empty(t, h.c.OnlinePeerAddresses())

	hdtest.Eventually(t, waitTimeout, func() bool {
		return len(h.relay.lastListen()) == 1
	}, "listener subscribed")
	assert.Equal(t, []string{dev}, h.relay.lastListen())
}

func TestPingFromHigherAddressIsAnsweredWithPing(t *testing.T) {
	low, high := ordered(t)
	p := hdtest.Pair(t, low, high)
	dev := p.PeerOfA.DeviceHash

	h := newHarness(t, low, p.OnA)
	before := h.session(dev)

	h.c.HandleSignal(p.PeerOfA, pingFrom(t, high))

	assert.Same(t, before, h.session(dev))
	assert.True(t, h.session(dev).Polite())
	assert.Equal(t, 2, h.relay.pings(dev))
	assert.False(t, h.waiting(dev))
}

func TestPingFromLowerAddressStartsOffer(t *testing.T) {
	low, high := ordered(t)
	p := hdtest.Pair(t, high, low)
	dev := p.PeerOfA.DeviceHash

	h := newHarness(t, high, p.OnA)
	polite := h.session(dev)

	h.c.HandleSignal(p.PeerOfA, pingFrom(t, low))

	offering := h.session(dev)
	require.NotNil(t, offering)
	assert.NotSame(t, polite, offering)
	assert.False(t, offering.Polite())

	// A repeated ping inside the holdoff leaves the offer alone.
	h.c.HandleSignal(p.PeerOfA, pingFrom(t, low))
	assert.Same(t, offering, h.session(dev))

	h.clock.Advance(DefaultPingHoldoff + time.Second)
	h.c.HandleSignal(p.PeerOfA, pingFrom(t, low))
	assert.NotSame(t, offering, h.session(dev))
	assert.False(t, h.session(dev).Polite())
}

func TestSignalWithoutSessionCreatesPoliteSession(t *testing.T) {
	alice := hdtest.NewIdentity(t, "alice")
	bob := hdtest.NewIdentity(t, "bob")
	p := hdtest.Pair(t, alice, bob)
	dev := p.PeerOfA.DeviceHash

	h := newHarness(t, alice, p.OnA)
	h.c.Dispose(dev)
	require.Nil(t, h.session(dev))

	sig, err := protocol.NewSignal(protocol.SignalCandidate, transport.Candidate{Candidate: "fake-candidate conn-9"})
	require.NoError(t, err)
	h.c.HandleSignal(p.PeerOfA, sig)

	s := h.session(dev)
	require.NotNil(t, s)
	assert.True(t, s.Polite())
}

func TestClosedSessionIsDisposedAndPingedAgain(t *testing.T) {
	alice := hdtest.NewIdentity(t, "alice")
	bob := hdtest.NewIdentity(t, "bob")
	p := hdtest.Pair(t, alice, bob)
	dev := p.PeerOfA.DeviceHash

	h := newHarness(t, alice, p.OnA)
	h.c.HandleSignal(p.PeerOfA, pingFrom(t, bob))
	s := h.session(dev)
	require.NotNil(t, s)
	require.False(t, h.waiting(dev))

	h.c.events <- session.Event{Kind: session.EventClosed, Session: s, Reason: "connection disconnected"}
	hdtest.Eventually(t, waitTimeout, func() bool {
		return h.session(dev) == nil && h.waiting(dev)
	}, "session disposed")

	pings := h.relay.pings(dev)
	h.clock.Advance(DefaultPingInterval)
	hdtest.Eventually(t, waitTimeout, func() bool {
		return h.relay.pings(dev) == pings+1
	}, "device pinged again")
	assert.NotNil(t, h.session(dev))
}

func TestStaleCloseEventIgnored(t *testing.T) {
	low, high := ordered(t)
	p := hdtest.Pair(t, high, low)
	dev := p.PeerOfA.DeviceHash

	h := newHarness(t, high, p.OnA)
	stale := h.session(dev)
	h.c.HandleSignal(p.PeerOfA, pingFrom(t, low))
	current := h.session(dev)
	require.NotSame(t, stale, current)

	h.c.events <- session.Event{Kind: session.EventClosed, Session: stale, Reason: "replaced"}
	h.c.events <- session.Event{Kind: session.EventSyncFinished}
	// The reconcile timer proves the close event was consumed.
	h.clock.BlockUntil(2)
	assert.Same(t, current, h.session(dev))
}

func TestWritesRefreshDevices(t *testing.T) {
	alice := hdtest.NewIdentity(t, "alice")
	bob := hdtest.NewIdentity(t, "bob")
	carol := hdtest.NewIdentity(t, "carol")
	ab := hdtest.Pair(t, alice, bob)
	ac := hdtest.Pair(t, alice, carol)

	h := newHarness(t, alice, ab.OnA)
	hdtest.Eventually(t, waitTimeout, func() bool {
		return len(h.relay.lastListen()) == 1
	}, "listener subscribed")

	hdtest.Put(t, h.store, ac.OnA)
	h.clock.BlockUntil(2)
	assert.Zero(t, h.relay.pings(ac.PeerOfA.DeviceHash))

	h.clock.Advance(DefaultWriteDebounce)
	hdtest.Eventually(t, waitTimeout, func() bool {
		return h.relay.pings(ac.PeerOfA.DeviceHash) == 1
	}, "new device pinged")
	hdtest.Eventually(t, waitTimeout, func() bool {
		return len(h.relay.lastListen()) == 2
	}, "listener follows new device")
	assert.Len(t, h.c.Peers(), 2)
	// The existing session is untouched.
	assert.Equal(t, 1, h.relay.pings(ab.PeerOfA.DeviceHash))
}

func TestReloadSkipsDebounce(t *testing.T) {
	alice := hdtest.NewIdentity(t, "alice")
	bob := hdtest.NewIdentity(t, "bob")
	ab := hdtest.Pair(t, alice, bob)

	h := newHarness(t, alice)
	hdtest.Put(t, h.store, ab.OnA)
	h.c.Reload()

	hdtest.Eventually(t, waitTimeout, func() bool {
		return h.relay.pings(ab.PeerOfA.DeviceHash) == 1
	}, "device pinged without waiting for the debounce")
	assert.Len(t, h.c.Peers(), 1)
}

func TestReconcileAfterSyncFinished(t *testing.T) {
	alice := hdtest.NewIdentity(t, "alice")
	h := newHarness(t, alice)

	hdtest.Put(t, h.store, &records.Profile{Address: "0xdoctor", FullName: "Dr. Who"})
	h.clock.BlockUntil(2)
	h.clock.Advance(DefaultWriteDebounce)

	h.c.events <- session.Event{Kind: session.EventSyncFinished}
	h.clock.BlockUntil(2)
	assert.Empty(t, hdtest.Hashes(t, h.store, records.KindChat))

	h.clock.Advance(DefaultReconcileDelay)
	hdtest.Eventually(t, waitTimeout, func() bool {
		return len(hdtest.Hashes(t, h.store, records.KindChat)) == 1
	}, "chat created")

	chatHash, err := records.Hash(records.NewChat(alice.Address(), "0xdoctor"))
	require.NoError(t, err)
	assert.Equal(t, []string{chatHash}, hdtest.Hashes(t, h.store, records.KindChat))
}

func TestStopClosesSessions(t *testing.T) {
	alice := hdtest.NewIdentity(t, "alice")
	bob := hdtest.NewIdentity(t, "bob")
	p := hdtest.Pair(t, alice, bob)

	h := newHarness(t, alice, p.OnA)
	s := h.session(p.PeerOfA.DeviceHash)
	require.NotNil(t, s)

	h.c.Stop()
	assert.ErrorIs(t, s.Sync(), session.ErrClosed)
	assert.Nil(t, h.session(p.PeerOfA.DeviceHash))

	// Signals after Stop do not create sessions.
	h.c.HandleSignal(p.PeerOfA, pingFrom(t, bob))
	assert.Nil(t, h.session(p.PeerOfA.DeviceHash))
}

// node is one device of an end-to-end test.
type node struct {
	id    *crypto.Identity
	store *store.Memory
	relay *relay.Relay
	c     *Coordinator
}

func startNode(t *testing.T, l *ledger.Memory, net *hdtest.FakeNetwork, id *crypto.Identity, account string, dev *records.Device, seed ...records.Record) *node {
	t.Helper()

	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	hdtest.Put(t, st, dev)
	if len(seed) > 0 {
		hdtest.Put(t, st, seed...)
	}

	dir := NewDirectory()
	r := relay.New(l.Client(id.Address()), id.Fingerprint(), dir, relay.Options{
		Debounce: 10 * time.Millisecond,
		Logger:   discardLogger(),
	})
	t.Cleanup(r.Close)

	c, err := New(Config{
		Identity:       id,
		Account:        account,
		Store:          st,
		Relay:          r,
		Directory:      dir,
		Factory:        net,
		WriteDebounce:  20 * time.Millisecond,
		ReconcileDelay: 50 * time.Millisecond,
		PingInterval:   200 * time.Millisecond,
		PingHoldoff:    500 * time.Millisecond,
		FinishGrace:    20 * time.Millisecond,
		Logger:         discardLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)

	return &node{id: id, store: st, relay: r, c: c}
}

func TestTwoDevicesConverge(t *testing.T) {
	alice := hdtest.NewIdentity(t, "alice")
	bob := hdtest.NewIdentity(t, "bob")
	p := hdtest.Pair(t, alice, bob)

	l := ledger.NewMemory(nil, 5*time.Millisecond)
	t.Cleanup(l.Close)
	net := hdtest.NewFakeNetwork()

	created := time.Unix(1700000000, 0).UTC()
	a := startNode(t, l, net, alice, alice.Address(), p.OnA,
		&records.MedicalRecord{Owner: alice.Address(), Title: "Blood panel", Type: "lab", CreatedAt: created},
		&records.Profile{Address: "0xclinic", FullName: "City Clinic"},
	)
	b := startNode(t, l, net, bob, alice.Address(), p.OnB,
		&records.MedicalRecord{Owner: alice.Address(), Title: "X-ray", Type: "imaging", CreatedAt: created},
	)

	hdtest.Eventually(t, waitTimeout, func() bool {
		return len(a.c.OnlinePeerAddresses()) == 1 && len(b.c.OnlinePeerAddresses()) == 1
	}, "devices connected")
	assert.Equal(t, []string{bob.Address()}, a.c.OnlinePeerAddresses())
	assert.Equal(t, []string{alice.Address()}, b.c.OnlinePeerAddresses())
	assert.Empty(t, a.c.WaitingPeerDevices())

	converged := func(kind records.Kind, n int) func() bool {
		return func() bool {
			return len(hdtest.Hashes(t, a.store, kind)) == n && len(hdtest.Hashes(t, b.store, kind)) == n
		}
	}
	hdtest.Eventually(t, waitTimeout, converged(records.KindMedicalRecord, 2), "medical records converged")
	hdtest.Eventually(t, waitTimeout, converged(records.KindChat, 1), "contact chats reconciled")

	// A later write on one device reaches the other.
	hdtest.PutFile(t, b.store, "scan.png", alice.Address(), []byte("not really a png"))
	hdtest.Eventually(t, waitTimeout, converged(records.KindFile, 1), "file converged")

	hash := hdtest.Hashes(t, a.store, records.KindFile)[0]
	f, err := store.FileRecord(context.Background(), a.store, hash)
	require.NoError(t, err)
	hdtest.Eventually(t, waitTimeout, func() bool {
		ok, _ := a.store.HasBlob(context.Background(), f.BlobHash)
		return ok
	}, "blob transferred")
}
