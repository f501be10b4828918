package coordinator

import (
	"context"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/healthcare-dapp/hdsync/internal/crypto"
	"github.com/healthcare-dapp/hdsync/internal/session"
	"github.com/healthcare-dapp/hdsync/internal/store"
)

// dispatch serializes session events, store writes and timers.
func (c *Coordinator) dispatch() {
	defer c.wg.Done()

	var settle, reconcile clockwork.Timer
	ticker := c.clock.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		stopTimer(settle)
		stopTimer(reconcile)
	}()

	for {
		select {
		case <-c.ctx.Done():
			return

		case ev := <-c.events:
			switch ev.Kind {
			case session.EventConnected:
				c.mu.Lock()
				delete(c.waiting, ev.Session.Peer().DeviceHash)
				c.mu.Unlock()
				c.log.Info("Peer online", "device", ev.Session.Peer().Short())
			case session.EventSyncFinished:
				reconcile = resetTimer(c.clock, reconcile, c.cfg.ReconcileDelay)
			case session.EventClosed:
				c.onClosed(ev)
			}

		case <-c.cfg.Store.Writes():
			settle = resetTimer(c.clock, settle, c.cfg.WriteDebounce)

		case <-c.reload:
			stopTimer(settle)
			settle = nil
			c.refreshDevices()
			c.SyncAll()

		case <-timerChan(settle):
			settle = nil
			c.refreshDevices()
			c.SyncAll()

		case <-timerChan(reconcile):
			reconcile = nil
			c.reconcile()

		case <-ticker.Chan():
			c.pingWaiting()
		}
	}
}

func (c *Coordinator) onClosed(ev session.Event) {
	peer := ev.Session.Peer()
	c.mu.Lock()
	current := c.sessions[peer.DeviceHash] == ev.Session
	c.mu.Unlock()

	c.disposeSession(ev.Session)
	if !current {
		return
	}
	c.log.Info("Peer offline", "device", peer.Short(), "reason", ev.Reason)
	if _, ok := c.cfg.Directory.Peer(peer.DeviceHash); ok {
		c.mu.Lock()
		c.waiting[peer.DeviceHash] = struct{}{}
		c.mu.Unlock()
	}
}

func (c *Coordinator) reconcile() {
	n, err := store.EnsureContactChats(c.ctx, c.cfg.Store, c.cfg.Account)
	if err != nil {
		c.log.Error("Failed to reconcile contact chats", "error", err)
		return
	}
	if n > 0 {
		c.log.Info("Contact chats created", "count", n)
	}
}

// pingWaiting pings every device that has not answered, unless a
// session for it is still negotiating.
func (c *Coordinator) pingWaiting() {
	for _, p := range c.WaitingPeerDevices() {
		c.mu.Lock()
		s := c.sessions[p.DeviceHash]
		c.mu.Unlock()
		if s != nil && (s.Connected() || c.clock.Since(s.CreatedAt()) < c.cfg.PingHoldoff) {
			continue
		}
		c.log.Debug("Pinging waiting device", "device", p.Short())
		c.connect(p)
	}
}

// refreshDevices reloads the paired devices after a store write. New
// devices are pinged, removed ones disposed, and the ledger
// subscription follows the new set.
func (c *Coordinator) refreshDevices() {
	before := c.cfg.Directory.Hashes()
	added, err := c.cfg.Directory.Load(c.ctx, c.cfg.Store, c.self)
	if err != nil {
		c.log.Error("Failed to load devices", "error", err)
		return
	}
	after := c.cfg.Directory.Hashes()
	if slices.Equal(before, after) {
		return
	}

	c.log.Info("Paired devices changed", "devices", len(after), "added", len(added))
	c.restartListener()

	for _, h := range before {
		if _, ok := slices.BinarySearch(after, h); !ok {
			c.Dispose(h)
			c.mu.Lock()
			delete(c.waiting, h)
			c.mu.Unlock()
		}
	}
	for _, h := range added {
		if p, ok := c.cfg.Directory.Peer(h); ok {
			c.connect(p)
		}
	}
}

// restartListener replaces the ledger subscription with one covering
// the current directory.
func (c *Coordinator) restartListener() {
	hashes := c.cfg.Directory.Hashes()

	c.mu.Lock()
	if c.listen != nil {
		c.listen()
		c.listen = nil
	}
	if len(hashes) == 0 || c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.listen = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.listenLoop(ctx, hashes)
}

func (c *Coordinator) listenLoop(ctx context.Context, hashes []string) {
	defer c.wg.Done()
	for {
		err := c.cfg.Relay.Listen(ctx, c, hashes...)
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("Signaling subscription ended, retrying", "error", err, "retry", listenRetry)
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(listenRetry):
		}
	}
}

func resetTimer(clock clockwork.Clock, t clockwork.Timer, d time.Duration) clockwork.Timer {
	stopTimer(t)
	return clock.NewTimer(d)
}

func stopTimer(t clockwork.Timer) {
	if t != nil {
		t.Stop()
	}
}

func timerChan(t clockwork.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.Chan()
}

// Peers returns every paired device.
func (c *Coordinator) Peers() []*crypto.PeerIdentity {
	return c.cfg.Directory.All()
}
