package testutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/healthcare-dapp/hdsync/internal/transport"
)

const fakeCandidatePrefix = "fake-candidate "

// FakeNetwork is an in-process transport.Factory. Connections follow the
// offer/answer state machine; once two connections hold each other's
// descriptions and are both stable they are linked, and if either side
// asked for a channel a net.Pipe backed StreamChannel opens on both.
type FakeNetwork struct {
	mu    sync.Mutex
	seq   int
	conns map[string]*FakeConn
	order []*FakeConn
}

// NewFakeNetwork creates an empty network.
func NewFakeNetwork() *FakeNetwork {
	return &FakeNetwork{conns: make(map[string]*FakeConn)}
}

// NewConnection implements transport.Factory.
func (n *FakeNetwork) NewConnection() (transport.Connection, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.seq++
	c := &FakeConn{
		id:     fmt.Sprintf("conn-%d", n.seq),
		net:    n,
		events: transport.NewEventQueue(),
	}
	n.conns[c.id] = c
	n.order = append(n.order, c)
	return c, nil
}

// Connections returns every connection created so far, oldest first.
func (n *FakeNetwork) Connections() []*FakeConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*FakeConn(nil), n.order...)
}

// FakeConn is a connection on a FakeNetwork. All state is guarded by the
// network mutex.
type FakeConn struct {
	id     string
	net    *FakeNetwork
	events *transport.EventQueue

	state       transport.SignalingState
	remote      string
	gen         int
	wantChannel bool
	negotiating bool
	linked      *FakeConn
	channel     *transport.StreamChannel
	closed      bool

	offers    int
	answers   int
	rollbacks int
	restarts  int
}

// Stats reports how many offers, answers, rollbacks and ICE restarts the
// connection performed.
func (c *FakeConn) Stats() (offers, answers, rollbacks, restarts int) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return c.offers, c.answers, c.rollbacks, c.restarts
}

// Linked reports whether negotiation completed with a remote connection.
func (c *FakeConn) Linked() bool {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return c.linked != nil
}

// Closed reports whether Close was called.
func (c *FakeConn) Closed() bool {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return c.closed
}

// Fail reports a failed connection state.
func (c *FakeConn) Fail() {
	c.events.Push(transport.Event{Kind: transport.EventStateChange, State: transport.ConnectionFailed})
}

func (c *FakeConn) description(t transport.SDPType) transport.Description {
	c.gen++
	return transport.Description{Type: t, SDP: fmt.Sprintf("fake:%s:%d", c.id, c.gen)}
}

func (c *FakeConn) candidate() transport.Event {
	return transport.Event{
		Kind:      transport.EventCandidate,
		Candidate: &transport.Candidate{Candidate: fakeCandidatePrefix + c.id},
	}
}

func (c *FakeConn) CreateOffer(ctx context.Context) (transport.Description, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()

	if c.closed {
		return transport.Description{}, transport.ErrClosed
	}
	if c.state != transport.SignalingStable && c.state != transport.SignalingHaveLocalOffer {
		return transport.Description{}, fmt.Errorf("create offer in %s: %w", c.state, transport.ErrInvalidState)
	}
	c.state = transport.SignalingHaveLocalOffer
	c.offers++
	d := c.description(transport.SDPOffer)
	c.events.Push(c.candidate())
	return d, nil
}

func (c *FakeConn) CreateAnswer(ctx context.Context) (transport.Description, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()

	if c.closed {
		return transport.Description{}, transport.ErrClosed
	}
	if c.state != transport.SignalingHaveRemoteOffer {
		return transport.Description{}, fmt.Errorf("create answer in %s: %w", c.state, transport.ErrInvalidState)
	}
	c.state = transport.SignalingStable
	c.answers++
	d := c.description(transport.SDPAnswer)
	c.events.Push(c.candidate())
	c.net.settle(c)
	return d, nil
}

func (c *FakeConn) SetRemoteDescription(ctx context.Context, d transport.Description) error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()

	if c.closed {
		return transport.ErrClosed
	}
	if d.Type == transport.SDPRollback {
		c.rollback()
		return nil
	}

	remote, err := parseFakeSDP(d.SDP)
	if err != nil {
		return err
	}

	switch d.Type {
	case transport.SDPOffer:
		if c.state == transport.SignalingHaveLocalOffer {
			return fmt.Errorf("remote offer in %s: %w", c.state, transport.ErrInvalidState)
		}
		c.remote = remote
		c.state = transport.SignalingHaveRemoteOffer
	case transport.SDPAnswer:
		if c.state != transport.SignalingHaveLocalOffer {
			return fmt.Errorf("remote answer in %s: %w", c.state, transport.ErrInvalidState)
		}
		c.remote = remote
		c.state = transport.SignalingStable
		c.net.settle(c)
	default:
		return fmt.Errorf("unsupported description type %q", d.Type)
	}
	return nil
}

func (c *FakeConn) Rollback(ctx context.Context) error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()

	if c.closed {
		return transport.ErrClosed
	}
	c.rollback()
	return nil
}

func (c *FakeConn) rollback() {
	if c.state == transport.SignalingHaveLocalOffer || c.state == transport.SignalingHaveRemoteOffer {
		c.state = transport.SignalingStable
		c.rollbacks++
	}
}

func (c *FakeConn) AddICECandidate(cand transport.Candidate) error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()

	if c.closed {
		return transport.ErrClosed
	}
	if c.remote == "" {
		return errors.New("add candidate: no remote description")
	}
	if !strings.HasPrefix(cand.Candidate, fakeCandidatePrefix) {
		return fmt.Errorf("add candidate: malformed %q", cand.Candidate)
	}
	if strings.TrimPrefix(cand.Candidate, fakeCandidatePrefix) != c.remote {
		return fmt.Errorf("add candidate: %q does not match the remote description", cand.Candidate)
	}
	return nil
}

func (c *FakeConn) SignalingState() transport.SignalingState {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.closed {
		return transport.SignalingClosed
	}
	return c.state
}

func (c *FakeConn) OpenChannel(label string) error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()

	if c.closed {
		return transport.ErrClosed
	}
	if c.wantChannel {
		return nil
	}
	c.wantChannel = true
	if c.linked != nil {
		c.net.openChannel(c, c.linked)
		return nil
	}
	if !c.negotiating {
		c.negotiating = true
		c.events.Push(transport.Event{Kind: transport.EventNegotiationNeeded})
	}
	return nil
}

func (c *FakeConn) RestartICE() error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()

	if c.closed {
		return transport.ErrClosed
	}
	c.restarts++
	c.events.Push(transport.Event{Kind: transport.EventNegotiationNeeded})
	return nil
}

func (c *FakeConn) Events() <-chan transport.Event {
	return c.events.C()
}

func (c *FakeConn) Close() error {
	c.net.mu.Lock()
	if c.closed {
		c.net.mu.Unlock()
		return nil
	}
	c.closed = true
	peer := c.linked
	ch := c.channel
	c.linked = nil
	c.channel = nil
	if peer != nil && peer.linked == c {
		peer.linked = nil
		peer.events.Push(transport.Event{Kind: transport.EventStateChange, State: transport.ConnectionDisconnected})
	}
	c.net.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	c.events.Close()
	return nil
}

// settle links c with its remote once both are stable and hold each
// other's descriptions. Called with the network mutex held.
func (n *FakeNetwork) settle(c *FakeConn) {
	peer := n.conns[c.remote]
	if peer == nil || peer.closed || peer.remote != c.id {
		return
	}
	if c.state != transport.SignalingStable || peer.state != transport.SignalingStable {
		return
	}

	connected := transport.Event{Kind: transport.EventStateChange, State: transport.ConnectionConnected}
	if c.linked == peer {
		// Renegotiation, e.g. after an ICE restart.
		c.events.Push(connected)
		peer.events.Push(connected)
		return
	}

	c.linked, peer.linked = peer, c
	c.negotiating, peer.negotiating = false, false
	for _, x := range []*FakeConn{c, peer} {
		x.events.Push(transport.Event{Kind: transport.EventStateChange, State: transport.ConnectionConnecting})
		x.events.Push(connected)
	}
	if c.wantChannel || peer.wantChannel {
		n.openChannel(c, peer)
	}
}

// openChannel is called with the network mutex held.
func (n *FakeNetwork) openChannel(a, b *FakeConn) {
	if a.channel != nil || b.channel != nil {
		return
	}
	pa, pb := net.Pipe()
	a.channel = transport.NewStreamChannel(pa)
	b.channel = transport.NewStreamChannel(pb)
	a.events.Push(transport.Event{Kind: transport.EventChannelOpen, Channel: a.channel})
	b.events.Push(transport.Event{Kind: transport.EventChannelOpen, Channel: b.channel})
	go a.channel.ReadLoop(a.events)
	go b.channel.ReadLoop(b.events)
}

func parseFakeSDP(sdp string) (string, error) {
	parts := strings.Split(sdp, ":")
	if len(parts) != 3 || parts[0] != "fake" {
		return "", fmt.Errorf("malformed fake sdp %q", sdp)
	}
	return parts[1], nil
}
