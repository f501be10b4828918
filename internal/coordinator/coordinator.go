// Package coordinator owns the peer sessions of a running device. It
// listens for signaling from paired devices, pings them at startup,
// creates and disposes sessions, and turns local store writes into sync
// cycles.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/healthcare-dapp/hdsync/internal/audit"
	"github.com/healthcare-dapp/hdsync/internal/crypto"
	"github.com/healthcare-dapp/hdsync/internal/logging"
	"github.com/healthcare-dapp/hdsync/internal/metrics"
	"github.com/healthcare-dapp/hdsync/internal/protocol"
	"github.com/healthcare-dapp/hdsync/internal/relay"
	"github.com/healthcare-dapp/hdsync/internal/session"
	"github.com/healthcare-dapp/hdsync/internal/store"
	"github.com/healthcare-dapp/hdsync/internal/transport"
)

const (
	// DefaultWriteDebounce is how long store writes settle before every
	// session syncs.
	DefaultWriteDebounce = 500 * time.Millisecond

	// DefaultReconcileDelay is how long after the last finished sync the
	// contact chats are reconciled.
	DefaultReconcileDelay = 5 * time.Second

	// DefaultPingInterval is how often devices that never answered are
	// pinged again.
	DefaultPingInterval = 2 * time.Minute

	// DefaultPingHoldoff is how long a session we are offering on ignores
	// further pings from its device.
	DefaultPingHoldoff = 10 * time.Second

	listenRetry = 5 * time.Second
)

// ErrNotStarted is returned by operations that need a running coordinator.
var ErrNotStarted = errors.New("coordinator not started")

// Relay is the signaling relay used by the coordinator.
type Relay interface {
	session.Signaler
	Listen(ctx context.Context, h relay.Handler, deviceHashes ...string) error
}

// Config holds the coordinator's collaborators. Identity, Store, Relay,
// Directory and Factory are required.
type Config struct {
	Identity *crypto.Identity
	// Account is the address chats are created for. Defaults to the
	// identity's address.
	Account   string
	Store     store.Store
	Relay     Relay
	Directory *Directory
	Factory   transport.Factory

	WriteDebounce  time.Duration
	ReconcileDelay time.Duration
	PingInterval   time.Duration
	PingHoldoff    time.Duration
	FinishGrace    time.Duration
	PullTimeout    time.Duration
	ParkLimit      int

	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Audit   *audit.Logger
}

// Coordinator manages one session per paired device.
type Coordinator struct {
	cfg     Config
	self    string
	clock   clockwork.Clock
	log     *slog.Logger
	metrics *metrics.Metrics

	events chan session.Event
	reload chan struct{}

	mu       sync.Mutex
	sessions map[string]*session.Session // by device hash
	waiting  map[string]struct{}         // pinged, not heard from
	ctx      context.Context
	cancel   context.CancelFunc
	listen   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a coordinator. Call Start to run it.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Identity == nil || cfg.Store == nil || cfg.Relay == nil || cfg.Directory == nil || cfg.Factory == nil {
		return nil, errors.New("coordinator: identity, store, relay, directory and factory are required")
	}
	if cfg.Account == "" {
		cfg.Account = cfg.Identity.Address()
	}
	if cfg.WriteDebounce <= 0 {
		cfg.WriteDebounce = DefaultWriteDebounce
	}
	if cfg.ReconcileDelay <= 0 {
		cfg.ReconcileDelay = DefaultReconcileDelay
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PingHoldoff <= 0 {
		cfg.PingHoldoff = DefaultPingHoldoff
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return &Coordinator{
		cfg:      cfg,
		self:     cfg.Identity.Address(),
		clock:    cfg.Clock,
		log:      logging.Child(cfg.Logger, "coordinator"),
		metrics:  cfg.Metrics,
		events:   make(chan session.Event, 64),
		reload:   make(chan struct{}, 1),
		sessions: make(map[string]*session.Session),
		waiting:  make(map[string]struct{}),
	}, nil
}

// Start loads the paired devices, subscribes to their signaling, pings
// each of them and starts the dispatch loop. It returns once all of that
// is under way; the coordinator runs until ctx is done or Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.ctx != nil {
		c.mu.Unlock()
		return errors.New("coordinator already started")
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	if _, err := c.cfg.Directory.Load(c.ctx, c.cfg.Store, c.self); err != nil {
		c.cancel()
		return err
	}
	devices := c.cfg.Directory.All()
	c.log.Info("Coordinator starting", "devices", len(devices))

	c.restartListener()
	for _, p := range devices {
		c.connect(p)
	}

	c.wg.Add(1)
	go c.dispatch()
	return nil
}

// Stop closes every session and waits for the coordinator's goroutines.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.cancel == nil {
		c.mu.Unlock()
		return
	}
	c.cancel()
	sessions := c.sessions
	c.sessions = make(map[string]*session.Session)
	c.mu.Unlock()

	c.wg.Wait()
	for _, s := range sessions {
		s.Close()
	}
	c.metrics.SetOpenSessions(0)
	c.log.Info("Coordinator stopped", "sessions", len(sessions))
}

// HandleSignal implements relay.Handler.
func (c *Coordinator) HandleSignal(peer *crypto.PeerIdentity, sig *protocol.Signal) {
	c.mu.Lock()
	delete(c.waiting, peer.DeviceHash)
	c.mu.Unlock()

	if sig.Type == protocol.SignalPing {
		var ping protocol.Ping
		if err := sig.ParsePayload(&ping); err != nil {
			c.log.Warn("Malformed ping", "device", peer.Short(), "error", err)
			return
		}
		c.onPing(peer, ping)
		return
	}

	s, err := c.sessionFor(peer)
	if err != nil {
		c.log.Error("Failed to create session", "device", peer.Short(), "error", err)
		return
	}
	if err := s.HandleSignal(sig); err != nil {
		c.log.Debug("Signal for closed session", "device", peer.Short(), "type", sig.Type)
	}
}

// onPing decides which side offers. A ping means the sender created a
// polite session and waits for our offer, so we answer with an impolite
// session unless we are already offering or the sender should offer.
func (c *Coordinator) onPing(peer *crypto.PeerIdentity, ping protocol.Ping) {
	c.mu.Lock()
	existing := c.sessions[peer.DeviceHash]
	c.mu.Unlock()

	if existing != nil && !existing.Connected() {
		switch {
		case !existing.Polite() && c.clock.Since(existing.CreatedAt()) < c.cfg.PingHoldoff:
			c.log.Debug("Already offering, ignoring ping", "device", peer.Short())
			return
		case existing.Polite() && c.self < peer.Address:
			// Both sides pinged. The higher address offers.
			c.log.Debug("Ping collision, waiting for offer", "device", peer.Short())
			c.ping(peer)
			return
		}
	}

	c.log.Info("Ping received, offering", "device", peer.Short(), "address", ping.Address)
	if _, err := c.replace(peer, false); err != nil {
		c.log.Error("Failed to create session", "device", peer.Short(), "error", err)
	}
}

// connect creates a polite session for peer and pings it.
func (c *Coordinator) connect(peer *crypto.PeerIdentity) {
	if _, err := c.replace(peer, true); err != nil {
		c.log.Error("Failed to create session", "device", peer.Short(), "error", err)
		return
	}
	c.mu.Lock()
	c.waiting[peer.DeviceHash] = struct{}{}
	c.mu.Unlock()
	c.ping(peer)
}

func (c *Coordinator) ping(peer *crypto.PeerIdentity) {
	sig, err := protocol.NewSignal(protocol.SignalPing, protocol.Ping{
		Address: c.self,
		SentAt:  c.clock.Now().UTC(),
	})
	if err != nil {
		c.log.Error("Failed to build ping", "error", err)
		return
	}
	if err := c.cfg.Relay.Send(peer, sig); err != nil {
		c.log.Warn("Failed to send ping", "device", peer.Short(), "error", err)
	}
}

// sessionFor returns the session for peer, creating a polite one when
// the peer starts negotiating first.
func (c *Coordinator) sessionFor(peer *crypto.PeerIdentity) (*session.Session, error) {
	c.mu.Lock()
	s := c.sessions[peer.DeviceHash]
	c.mu.Unlock()
	if s != nil {
		return s, nil
	}
	return c.replace(peer, true)
}

// replace installs a new session for peer, closing any previous one.
func (c *Coordinator) replace(peer *crypto.PeerIdentity, polite bool) (*session.Session, error) {
	s, err := session.New(session.Config{
		Identity:    c.cfg.Identity,
		Peer:        peer,
		Polite:      polite,
		Factory:     c.cfg.Factory,
		Signaler:    c.cfg.Relay,
		Store:       c.cfg.Store,
		Events:      c.events,
		FinishGrace: c.cfg.FinishGrace,
		PullTimeout: c.cfg.PullTimeout,
		ParkLimit:   c.cfg.ParkLimit,
		Clock:       c.clock,
		Logger:      c.cfg.Logger,
		Metrics:     c.metrics,
		Audit:       c.cfg.Audit,
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.ctx == nil || c.ctx.Err() != nil {
		c.mu.Unlock()
		s.Close()
		return nil, ErrNotStarted
	}
	old := c.sessions[peer.DeviceHash]
	c.sessions[peer.DeviceHash] = s
	n := len(c.sessions)
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	c.metrics.SetOpenSessions(n)
	return s, nil
}

// Dispose closes and forgets the session for deviceHash.
func (c *Coordinator) Dispose(deviceHash string) {
	c.mu.Lock()
	s := c.sessions[deviceHash]
	delete(c.sessions, deviceHash)
	n := len(c.sessions)
	c.mu.Unlock()

	if s == nil {
		return
	}
	s.Close()
	c.metrics.SetOpenSessions(n)
	c.log.Debug("Session disposed", "device", crypto.ShortHash(deviceHash))
}

// disposeSession disposes s only if it is still the current session for
// its device.
func (c *Coordinator) disposeSession(s *session.Session) {
	c.mu.Lock()
	current := c.sessions[s.Peer().DeviceHash] == s
	c.mu.Unlock()
	if current {
		c.Dispose(s.Peer().DeviceHash)
		return
	}
	s.Close()
}

// Reload rereads the paired devices from the store, as if the store had
// been written. Use it after another process changed the store.
func (c *Coordinator) Reload() {
	select {
	case c.reload <- struct{}{}:
	default:
	}
}

// SyncAll runs a sync cycle on every session and asks each peer to pull.
func (c *Coordinator) SyncAll() {
	for _, s := range c.snapshot() {
		if err := s.Sync(); err != nil {
			continue
		}
		s.RequestSync()
	}
}

func (c *Coordinator) snapshot() []*session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*session.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// OnlinePeerAddresses returns the addresses of connected peers.
func (c *Coordinator) OnlinePeerAddresses() []string {
	var out []string
	for _, p := range c.OnlinePeerDevices() {
		out = append(out, p.Address)
	}
	slices.Sort(out)
	return out
}

// OnlinePeerDevices returns the peers with a connected session.
func (c *Coordinator) OnlinePeerDevices() []*crypto.PeerIdentity {
	var out []*crypto.PeerIdentity
	for _, s := range c.snapshot() {
		if s.Connected() {
			out = append(out, s.Peer())
		}
	}
	slices.SortFunc(out, func(a, b *crypto.PeerIdentity) int {
		return strings.Compare(a.DeviceHash, b.DeviceHash)
	})
	return out
}

// WaitingPeerDevices returns the peers pinged that have not answered.
func (c *Coordinator) WaitingPeerDevices() []*crypto.PeerIdentity {
	c.mu.Lock()
	hashes := make([]string, 0, len(c.waiting))
	for h := range c.waiting {
		hashes = append(hashes, h)
	}
	c.mu.Unlock()
	slices.Sort(hashes)

	var out []*crypto.PeerIdentity
	for _, h := range hashes {
		if p, ok := c.cfg.Directory.Peer(h); ok {
			out = append(out, p)
		}
	}
	return out
}
