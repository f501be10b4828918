// Package session runs one direct connection to a paired device: it
// negotiates the connection through the signaling relay and then
// exchanges signed sync envelopes over the data channel until either side
// goes away.
//
// Every Session is a single goroutine. Signals, commands, timers and
// connection events all arrive through the same loop, so none of the
// negotiation or sync state is shared.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/healthcare-dapp/hdsync/internal/audit"
	"github.com/healthcare-dapp/hdsync/internal/crypto"
	"github.com/healthcare-dapp/hdsync/internal/logging"
	"github.com/healthcare-dapp/hdsync/internal/metrics"
	"github.com/healthcare-dapp/hdsync/internal/protocol"
	"github.com/healthcare-dapp/hdsync/internal/store"
	"github.com/healthcare-dapp/hdsync/internal/transport"
)

const (
	// DefaultFinishGrace is how long a finished pull keeps the session in
	// the syncing state, absorbing duplicate SYNC_FINISHED messages.
	DefaultFinishGrace = 2 * time.Second

	// DefaultPullTimeout ends a pull after this long without a message
	// from the peer.
	DefaultPullTimeout = time.Minute

	// DefaultParkLimit bounds the bytes of file chunks held while their
	// File record has not arrived.
	DefaultParkLimit = 4 << 20

	inboxSize            = 64
	maxPendingCandidates = 64
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session closed")

// Signaler delivers signals to the paired device. *relay.Relay
// implements it.
type Signaler interface {
	Send(peer *crypto.PeerIdentity, sig *protocol.Signal) error
	DropQueue(kind protocol.SignalType) int
}

// EventKind identifies a session notification.
type EventKind int

const (
	EventConnected EventKind = iota
	EventSyncFinished
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventSyncFinished:
		return "sync-finished"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is sent to the owner of a session.
type Event struct {
	Kind    EventKind
	Session *Session
	Reason  string // set for EventClosed
}

// Config holds the collaborators of a session. Identity, Peer, Factory,
// Signaler and Store are required.
type Config struct {
	Identity *crypto.Identity
	Peer     *crypto.PeerIdentity
	Polite   bool

	Factory  transport.Factory
	Signaler Signaler
	Store    store.Store

	// Events receives session notifications. May be nil.
	Events chan<- Event

	FinishGrace time.Duration
	PullTimeout time.Duration
	ParkLimit   int

	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Audit   *audit.Logger
}

type commandKind int

const (
	cmdSignal commandKind = iota
	cmdSync
	cmdRequestSync
	cmdGraceExpired
	cmdPullTimeout
)

type command struct {
	kind   commandKind
	signal *protocol.Signal
	gen    int
}

// Session is one peer connection. Create it with New and release it with
// Close.
type Session struct {
	self    string
	peer    *crypto.PeerIdentity
	polite  bool
	signer  crypto.Signer
	signals Signaler
	store   store.Store
	events  chan<- Event
	grace   time.Duration
	timeout time.Duration

	clock   clockwork.Clock
	log     *slog.Logger
	metrics *metrics.Metrics
	audit   *audit.Logger

	conn      transport.Connection
	inbox     chan command
	ctx       context.Context
	cancel    context.CancelFunc
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	connected atomic.Bool
	syncing   atomic.Bool
	createdAt time.Time

	// Owned by the run loop.
	neg     negotiation
	channel transport.Channel
	cycle   syncState
	inbound inboundState
	files   *reassembler
	closing bool
}

// New creates the connection and starts the session loop. An impolite
// session opens the data channel right away, which starts negotiation.
func New(cfg Config) (*Session, error) {
	if cfg.Identity == nil || cfg.Peer == nil {
		return nil, errors.New("session: identity and peer are required")
	}
	if cfg.Factory == nil || cfg.Signaler == nil || cfg.Store == nil {
		return nil, errors.New("session: factory, signaler and store are required")
	}
	if cfg.FinishGrace <= 0 {
		cfg.FinishGrace = DefaultFinishGrace
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = DefaultPullTimeout
	}
	if cfg.ParkLimit <= 0 {
		cfg.ParkLimit = DefaultParkLimit
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	conn, err := cfg.Factory.NewConnection()
	if err != nil {
		return nil, fmt.Errorf("new connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		self:      cfg.Identity.Address(),
		peer:      cfg.Peer,
		polite:    cfg.Polite,
		signer:    crypto.SignerFromIdentity(cfg.Identity),
		signals:   cfg.Signaler,
		store:     cfg.Store,
		events:    cfg.Events,
		grace:     cfg.FinishGrace,
		timeout:   cfg.PullTimeout,
		clock:     cfg.Clock,
		log:       logging.Child(cfg.Logger, "session").With("device", cfg.Peer.Short(), "polite", cfg.Polite),
		metrics:   cfg.Metrics,
		audit:     cfg.Audit,
		conn:      conn,
		inbox:     make(chan command, inboxSize),
		ctx:       ctx,
		cancel:    cancel,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		createdAt: cfg.Clock.Now(),
		files:     newReassembler(cfg.ParkLimit),
	}

	if !s.polite {
		if err := conn.OpenChannel(transport.ChannelLabel); err != nil {
			cancel()
			conn.Close()
			return nil, fmt.Errorf("open channel: %w", err)
		}
	}

	go s.run()
	s.log.Debug("Session started")
	return s, nil
}

// Peer returns the paired device this session talks to.
func (s *Session) Peer() *crypto.PeerIdentity { return s.peer }

// Polite reports the role this session plays in negotiation.
func (s *Session) Polite() bool { return s.polite }

// Connected reports whether the direct connection is up.
func (s *Session) Connected() bool { return s.connected.Load() }

// Syncing reports whether a pull is in progress or in its grace period.
func (s *Session) Syncing() bool { return s.syncing.Load() }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// HandleSignal queues a signaling payload from the peer.
func (s *Session) HandleSignal(sig *protocol.Signal) error {
	return s.post(command{kind: cmdSignal, signal: sig})
}

// Sync pulls the peer's delta. While a pull is running the request is
// remembered and runs once the current one has settled. Before the data
// channel opens it is deferred until it does.
func (s *Session) Sync() error {
	return s.post(command{kind: cmdSync})
}

// RequestSync asks the peer to pull from us.
func (s *Session) RequestSync() error {
	return s.post(command{kind: cmdRequestSync})
}

func (s *Session) post(cmd command) error {
	select {
	case <-s.stop:
		return ErrClosed
	default:
	}
	select {
	case s.inbox <- cmd:
		return nil
	case <-s.stop:
		return ErrClosed
	}
}

// Close stops the session loop and closes the connection. Reassembly
// state is discarded. Calling Close more than once is safe.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.cancel()
		<-s.done
		s.connected.Store(false)
		s.syncing.Store(false)
		if s.channel != nil {
			s.channel.Close()
		}
		s.conn.Close()
		s.log.Debug("Session closed")
	})
	return nil
}

func (s *Session) run() {
	defer close(s.done)

	events := s.conn.Events()
	for {
		select {
		case <-s.stop:
			s.cycle.stopTimer()
			return
		case cmd := <-s.inbox:
			s.handleCommand(cmd)
		case ev, ok := <-events:
			if !ok {
				events = nil
				s.closed("connection closed")
				continue
			}
			s.handleEvent(ev)
		}
	}
}

func (s *Session) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdSignal:
		s.handleSignal(cmd.signal)
	case cmdSync:
		s.startPull()
	case cmdRequestSync:
		if s.channel == nil {
			s.cycle.pendingRequest = true
			return
		}
		s.send(protocol.MsgSyncRequested, protocol.SyncRequested{})
	case cmdGraceExpired:
		s.graceExpired()
	case cmdPullTimeout:
		s.pullTimedOut(cmd.gen)
	}
}

func (s *Session) handleSignal(sig *protocol.Signal) {
	switch sig.Type {
	case protocol.SignalDescription:
		var d transport.Description
		if err := sig.ParsePayload(&d); err != nil {
			s.log.Warn("Malformed description", "error", err)
			return
		}
		s.onDescription(d)
	case protocol.SignalCandidate:
		var c transport.Candidate
		if err := sig.ParsePayload(&c); err != nil {
			s.log.Warn("Malformed candidate", "error", err)
			return
		}
		s.onCandidate(c)
	default:
		s.log.Debug("Ignoring signal", "type", sig.Type)
	}
}

func (s *Session) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventNegotiationNeeded:
		s.onNegotiationNeeded()
	case transport.EventCandidate:
		if ev.Candidate != nil {
			s.signal(protocol.SignalCandidate, ev.Candidate)
		}
	case transport.EventStateChange:
		s.onStateChange(ev.State)
	case transport.EventChannelOpen:
		s.onChannelOpen(ev.Channel)
	case transport.EventMessage:
		if ev.Channel == s.channel {
			s.handleMessage(ev.Data)
		}
	case transport.EventChannelClosed:
		if ev.Channel == s.channel {
			s.channel = nil
			s.closed("data channel closed")
		}
	}
}

func (s *Session) onStateChange(state transport.ConnectionState) {
	s.log.Debug("Connection state changed", "state", state)

	switch state {
	case transport.ConnectionConnected:
		s.signals.DropQueue(protocol.SignalDescription)
		if s.connected.Swap(true) {
			return
		}
		s.audit.PeerConnected(s.peer.Short(), s.peer.Address, s.polite)
		s.log.Info("Peer connected", "address", s.peer.Address)
		s.notify(Event{Kind: EventConnected})
	case transport.ConnectionFailed:
		s.log.Info("Connection failed, restarting ICE")
		if err := s.conn.RestartICE(); err != nil {
			s.log.Warn("ICE restart failed", "error", err)
			s.closed("ice restart failed")
		}
	case transport.ConnectionDisconnected, transport.ConnectionClosed:
		s.connected.Store(false)
		s.closed("connection " + state.String())
	}
}

func (s *Session) onChannelOpen(ch transport.Channel) {
	if s.channel != nil && s.channel != ch {
		s.channel.Close()
	}
	s.channel = ch
	s.inbound = inboundState{}
	s.cycle.pulled = false
	s.log.Debug("Data channel open")

	if s.cycle.pendingRequest {
		s.cycle.pendingRequest = false
		s.send(protocol.MsgSyncRequested, protocol.SyncRequested{})
	}
	if s.polite || s.cycle.pendingPull {
		s.startPull()
	}
}

// signal sends a signaling payload to the peer through the relay.
func (s *Session) signal(typ protocol.SignalType, payload any) {
	sig, err := protocol.NewSignal(typ, payload)
	if err != nil {
		s.log.Error("Failed to build signal", "type", typ, "error", err)
		return
	}
	if err := s.signals.Send(s.peer, sig); err != nil {
		s.log.Warn("Failed to queue signal", "type", typ, "error", err)
	}
}

// closed reports the session as finished to its owner exactly once.
func (s *Session) closed(reason string) {
	if s.closing {
		return
	}
	s.closing = true
	s.log.Info("Session ended", "reason", reason)
	s.audit.PeerDisconnected(s.peer.Short(), reason)
	s.notify(Event{Kind: EventClosed, Reason: reason})
}

func (s *Session) notify(ev Event) {
	if s.events == nil {
		return
	}
	ev.Session = s
	select {
	case s.events <- ev:
	case <-s.stop:
	}
}
