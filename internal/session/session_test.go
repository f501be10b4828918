package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthcare-dapp/hdsync/internal/crypto"
	"github.com/healthcare-dapp/hdsync/internal/metrics"
	"github.com/healthcare-dapp/hdsync/internal/protocol"
	"github.com/healthcare-dapp/hdsync/internal/records"
	"github.com/healthcare-dapp/hdsync/internal/store"
	hdtest "github.com/healthcare-dapp/hdsync/internal/testutil"
	"github.com/healthcare-dapp/hdsync/internal/transport"
)

const waitTimeout = 5 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pipe is a Signaler that hands signals to the session at the other end
// in order. Delivery can be paused to stage negotiation races.
type pipe struct {
	mu     sync.Mutex
	queue  []*protocol.Signal
	paused bool
	drops  int
	target atomic.Pointer[Session]
	wake   chan struct{}
	done   chan struct{}
}

func newPipe(t *testing.T) *pipe {
	p := &pipe{wake: make(chan struct{}, 1), done: make(chan struct{})}
	go p.run()
	t.Cleanup(func() { close(p.done) })
	return p
}

func (p *pipe) Send(peer *crypto.PeerIdentity, sig *protocol.Signal) error {
	p.mu.Lock()
	p.queue = append(p.queue, sig)
	p.mu.Unlock()
	p.poke()
	return nil
}

func (p *pipe) DropQueue(kind protocol.SignalType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drops++
	return 0
}

func (p *pipe) dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drops
}

func (p *pipe) connect(s *Session) {
	p.target.Store(s)
	p.poke()
}

func (p *pipe) pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

func (p *pipe) resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	p.poke()
}

func (p *pipe) poke() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *pipe) run() {
	for {
		select {
		case <-p.done:
			return
		case <-p.wake:
		}
		for {
			target := p.target.Load()
			p.mu.Lock()
			if p.paused || target == nil || len(p.queue) == 0 {
				p.mu.Unlock()
				break
			}
			sig := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()
			target.HandleSignal(sig)
		}
	}
}

// end is one device in a session test.
type end struct {
	id      *crypto.Identity
	peer    *crypto.PeerIdentity
	store   *store.Memory
	signals *pipe
	events  chan Event
	clock   clockwork.Clock
	metrics *metrics.Metrics
	grace   time.Duration
	s       *Session
}

func newEnds(t *testing.T) (a, b *end) {
	alice := hdtest.NewIdentity(t, "alice")
	bob := hdtest.NewIdentity(t, "bob")
	p := hdtest.Pair(t, alice, bob)

	mk := func(id *crypto.Identity, peer *crypto.PeerIdentity) *end {
		st := store.NewMemory()
		t.Cleanup(func() { st.Close() })
		return &end{
			id:      id,
			peer:    peer,
			store:   st,
			signals: newPipe(t),
			events:  make(chan Event, 64),
			clock:   clockwork.NewRealClock(),
			metrics: metrics.New(nil),
			grace:   10 * time.Millisecond,
		}
	}
	return mk(alice, p.PeerOfA), mk(bob, p.PeerOfB)
}

func (e *end) start(t *testing.T, net *hdtest.FakeNetwork, polite bool) {
	t.Helper()
	s, err := New(Config{
		Identity:    e.id,
		Peer:        e.peer,
		Polite:      polite,
		Factory:     net,
		Signaler:    e.signals,
		Store:       e.store,
		Events:      e.events,
		FinishGrace: e.grace,
		Clock:       e.clock,
		Logger:      discardLogger(),
		Metrics:     e.metrics,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	e.s = s
}

// connect starts a as the side that pinged (polite) and b as the side
// that answered the ping.
func connect(t *testing.T, a, b *end) *hdtest.FakeNetwork {
	t.Helper()
	net := hdtest.NewFakeNetwork()
	a.start(t, net, true)
	b.start(t, net, false)
	a.signals.connect(b.s)
	b.signals.connect(a.s)
	return net
}

func (e *end) wait(t *testing.T, kind EventKind) Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-e.events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
			return Event{}
		}
	}
}

func (e *end) noEvent(t *testing.T, kind EventKind, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case ev := <-e.events:
			require.NotEqual(t, kind, ev.Kind, "unexpected %s event: %s", kind, ev.Reason)
		case <-deadline:
			return
		}
	}
}

func (e *end) sent(typ protocol.MessageType) int {
	return int(testutil.ToFloat64(e.metrics.EnvelopesSent.WithLabelValues(string(typ))))
}

func seed(t *testing.T, s store.Store, owner string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		hdtest.Put(t, s, &records.MedicalRecord{
			Owner:     owner,
			Title:     "visit",
			Type:      "note",
			CreatedAt: time.Unix(1700000000+int64(i), 0).UTC(),
		})
	}
}

func assertConverged(t *testing.T, a, b store.Store) {
	t.Helper()
	for _, kind := range records.Kinds {
		assert.ElementsMatch(t, hdtest.Hashes(t, a, kind), hdtest.Hashes(t, b, kind), "collection %s", kind)
	}
}

func TestColdConnect(t *testing.T) {
	a, b := newEnds(t)
	seed(t, a.store, a.id.Address(), 13)
	seed(t, b.store, b.id.Address(), 4)
	hdtest.Put(t, a.store, &records.Profile{Address: b.id.Address(), FullName: "Bob"})
	blobA := make([]byte, 3*protocol.FileChunkSize+17)
	for i := range blobA {
		blobA[i] = byte(i % 251)
	}
	hdtest.PutFile(t, a.store, "scan.png", a.id.Address(), blobA)
	hdtest.PutFile(t, b.store, "empty.txt", b.id.Address(), nil)

	connect(t, a, b)

	a.wait(t, EventConnected)
	b.wait(t, EventConnected)
	a.wait(t, EventSyncFinished)
	b.wait(t, EventSyncFinished)

	assertConverged(t, a.store, b.store)
	got, err := b.store.Blob(context.Background(), records.BlobHash(blobA))
	require.NoError(t, err)
	assert.Equal(t, blobA, got)
	ok, err := a.store.HasBlob(context.Background(), records.BlobHash(nil))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.True(t, a.s.Connected())
	assert.True(t, b.s.Connected())
	assert.Equal(t, 1, a.sent(protocol.MsgShowCurrentState))
	assert.Equal(t, 1, b.sent(protocol.MsgShowCurrentState))
	assert.Positive(t, a.signals.dropped(), "connected session clears queued descriptions")
}

func TestLargeStoresConverge(t *testing.T) {
	a, b := newEnds(t)
	seed(t, a.store, a.id.Address(), 1200)
	seed(t, b.store, b.id.Address(), 1000)

	connect(t, a, b)
	a.wait(t, EventSyncFinished)
	b.wait(t, EventSyncFinished)

	assertConverged(t, a.store, b.store)
	assert.Len(t, hdtest.Hashes(t, a.store, records.KindMedicalRecord), 2200)
	assert.Greater(t, a.sent(protocol.MsgShowCurrentState), 1, "inventory is paged")
	assert.Greater(t, b.sent(protocol.MsgShowCurrentState), 1, "inventory is paged")
}

func TestGlareImpoliteWins(t *testing.T) {
	a, b := newEnds(t)
	a.signals.pause()
	b.signals.pause()
	net := connect(t, a, b)

	conns := net.Connections()
	require.Len(t, conns, 2)
	connA, connB := conns[0], conns[1]

	// b offers because it opened the channel; make a offer as well.
	require.NoError(t, connA.RestartICE())
	hdtest.Eventually(t, waitTimeout, func() bool {
		offersA, _, _, _ := connA.Stats()
		offersB, _, _, _ := connB.Stats()
		return offersA == 1 && offersB == 1
	}, "both sides offer")

	a.signals.resume()
	b.signals.resume()

	a.wait(t, EventConnected)
	b.wait(t, EventConnected)

	offersA, answersA, rollbacksA, _ := connA.Stats()
	offersB, answersB, rollbacksB, _ := connB.Stats()
	assert.Equal(t, 1, offersA)
	assert.Equal(t, 1, rollbacksA, "polite side rolls back")
	assert.Equal(t, 1, answersA)
	assert.Equal(t, 1, offersB)
	assert.Equal(t, 0, answersB, "impolite side ignores the colliding offer")
	assert.Equal(t, 0, rollbacksB)
	assert.True(t, connA.Linked())
	assert.True(t, connB.Linked())
}

func TestAtMostOneSync(t *testing.T) {
	a, b := newEnds(t)
	clock := clockwork.NewFakeClock()
	a.clock = clock
	a.grace = DefaultFinishGrace
	seed(t, b.store, b.id.Address(), 3)
	connect(t, a, b)

	a.wait(t, EventSyncFinished)
	require.True(t, a.s.Syncing(), "grace period keeps the pull active")
	require.Equal(t, 1, a.sent(protocol.MsgShowCurrentState))

	for i := 0; i < 3; i++ {
		require.NoError(t, a.s.Sync())
	}
	clock.BlockUntil(1)
	clock.Advance(DefaultFinishGrace)

	a.wait(t, EventSyncFinished)
	assert.Equal(t, 2, a.sent(protocol.MsgShowCurrentState), "queued requests collapse into one pull")

	clock.BlockUntil(1)
	clock.Advance(DefaultFinishGrace)
	hdtest.Eventually(t, waitTimeout, func() bool { return !a.s.Syncing() }, "grace expires")
	assert.Equal(t, 2, a.sent(protocol.MsgShowCurrentState))
}

func TestRequestSyncPropagatesWrites(t *testing.T) {
	a, b := newEnds(t)
	connect(t, a, b)
	a.wait(t, EventSyncFinished)
	b.wait(t, EventSyncFinished)
	hdtest.Eventually(t, waitTimeout, func() bool { return !b.s.Syncing() }, "initial pull settles")

	hashes := hdtest.Put(t, a.store, &records.Message{
		Chat:   "chat",
		Sender: a.id.Address(),
		Body:   "lab results are in",
		SentAt: time.Unix(1700000500, 0).UTC(),
	})
	require.NoError(t, a.s.RequestSync())

	b.wait(t, EventSyncFinished)
	_, err := b.store.Get(context.Background(), records.KindMessage, hashes[0])
	assert.NoError(t, err)
}

func TestICERestartOnFailure(t *testing.T) {
	a, b := newEnds(t)
	net := connect(t, a, b)
	a.wait(t, EventConnected)
	b.wait(t, EventConnected)

	connA := net.Connections()[0]
	connA.Fail()

	hdtest.Eventually(t, waitTimeout, func() bool {
		offers, _, _, restarts := connA.Stats()
		return restarts == 1 && offers == 1
	}, "failed connection restarts ICE and renegotiates")
	a.noEvent(t, EventClosed, 100*time.Millisecond)
	assert.True(t, a.s.Connected())
}

func TestBadCandidateClosesSession(t *testing.T) {
	a, b := newEnds(t)
	connect(t, a, b)
	b.wait(t, EventConnected)

	bad, err := protocol.NewSignal(protocol.SignalCandidate, transport.Candidate{Candidate: "fake-candidate conn-999"})
	require.NoError(t, err)
	require.NoError(t, b.s.HandleSignal(bad))

	ev := b.wait(t, EventClosed)
	assert.Equal(t, "candidate rejected", ev.Reason)
	assert.Same(t, b.s, ev.Session)
}

func TestCandidateFailureWhileIgnoringOffer(t *testing.T) {
	a, b := newEnds(t)
	net := connect(t, a, b)
	b.wait(t, EventConnected)
	a.wait(t, EventConnected)

	connB := net.Connections()[1]
	b.signals.pause()
	require.NoError(t, connB.RestartICE())
	hdtest.Eventually(t, waitTimeout, func() bool {
		offers, _, _, _ := connB.Stats()
		return offers == 2
	}, "impolite side renegotiates")

	offer, err := protocol.NewSignal(protocol.SignalDescription, transport.Description{Type: transport.SDPOffer, SDP: "fake:conn-1:9"})
	require.NoError(t, err)
	bad, err := protocol.NewSignal(protocol.SignalCandidate, transport.Candidate{Candidate: "fake-candidate conn-999"})
	require.NoError(t, err)
	require.NoError(t, b.s.HandleSignal(offer))
	require.NoError(t, b.s.HandleSignal(bad))

	b.noEvent(t, EventClosed, 100*time.Millisecond)
	_, answers, _, _ := connB.Stats()
	assert.Equal(t, 0, answers, "colliding offer was ignored")

	b.signals.resume()
	hdtest.Eventually(t, waitTimeout, func() bool {
		return connB.SignalingState() == transport.SignalingStable
	}, "renegotiation completes")
	assert.True(t, b.s.Connected())
}

func TestPeerCloseEndsSession(t *testing.T) {
	a, b := newEnds(t)
	connect(t, a, b)
	a.wait(t, EventConnected)
	b.wait(t, EventConnected)

	require.NoError(t, a.s.Close())
	ev := b.wait(t, EventClosed)
	assert.NotEmpty(t, ev.Reason)

	assert.ErrorIs(t, a.s.Sync(), ErrClosed)
	assert.ErrorIs(t, a.s.HandleSignal(&protocol.Signal{Type: protocol.SignalCandidate}), ErrClosed)
	assert.NoError(t, a.s.Close())
}

func TestPendingSyncRunsOnChannelOpen(t *testing.T) {
	a, b := newEnds(t)
	seed(t, a.store, a.id.Address(), 2)
	a.signals.pause()
	b.signals.pause()
	connect(t, a, b)

	// Neither side has a channel yet.
	require.NoError(t, b.s.Sync())
	require.NoError(t, b.s.RequestSync())

	a.signals.resume()
	b.signals.resume()

	b.wait(t, EventSyncFinished)
	assertConverged(t, a.store, b.store)
	assert.Equal(t, 1, b.sent(protocol.MsgSyncRequested))
}
