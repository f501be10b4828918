package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/healthcare-dapp/hdsync/internal/logging"
)

// WebRTCConfig configures connections built by WebRTC.
type WebRTCConfig struct {
	ICEServers []string
	Logger     *slog.Logger
}

// WebRTC is a Factory of pion peer connections with detached data
// channels.
type WebRTC struct {
	api    *webrtc.API
	config webrtc.Configuration
	log    *slog.Logger
}

// NewWebRTC creates the factory.
func NewWebRTC(cfg WebRTCConfig) *WebRTC {
	var settings webrtc.SettingEngine
	settings.DetachDataChannels()

	config := webrtc.Configuration{}
	if len(cfg.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	return &WebRTC{
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(settings)),
		config: config,
		log:    logging.Child(cfg.Logger, "webrtc"),
	}
}

// NewConnection creates a peer connection.
func (w *WebRTC) NewConnection() (Connection, error) {
	pc, err := w.api.NewPeerConnection(w.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	c := &pionConn{
		pc:     pc,
		events: NewEventQueue(),
		log:    w.log,
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		c.events.Push(Event{Kind: EventCandidate, Candidate: &Candidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		}})
	})
	pc.OnNegotiationNeeded(func() {
		c.events.Push(Event{Kind: EventNegotiationNeeded})
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.events.Push(Event{Kind: EventStateChange, State: connectionState(s)})
	})
	pc.OnDataChannel(c.attach)

	return c, nil
}

type pionConn struct {
	pc     *webrtc.PeerConnection
	events *EventQueue
	log    *slog.Logger

	mu      sync.Mutex
	restart bool
}

func (c *pionConn) CreateOffer(ctx context.Context) (Description, error) {
	c.mu.Lock()
	opts := &webrtc.OfferOptions{ICERestart: c.restart}
	c.restart = false
	c.mu.Unlock()

	offer, err := c.pc.CreateOffer(opts)
	if err != nil {
		return Description{}, fmt.Errorf("create offer: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Description{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return Description{}, fmt.Errorf("set local offer: %w", err)
	}
	return Description{Type: SDPOffer, SDP: offer.SDP}, nil
}

func (c *pionConn) CreateAnswer(ctx context.Context) (Description, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return Description{}, fmt.Errorf("create answer: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Description{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return Description{}, fmt.Errorf("set local answer: %w", err)
	}
	return Description{Type: SDPAnswer, SDP: answer.SDP}, nil
}

func (c *pionConn) SetRemoteDescription(ctx context.Context, d Description) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sd := webrtc.SessionDescription{Type: webrtc.NewSDPType(string(d.Type)), SDP: d.SDP}
	if err := c.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote %s: %w", d.Type, err)
	}
	return nil
}

func (c *pionConn) Rollback(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func (c *pionConn) AddICECandidate(cand Candidate) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	})
}

func (c *pionConn) SignalingState() SignalingState {
	switch c.pc.SignalingState() {
	case webrtc.SignalingStateStable:
		return SignalingStable
	case webrtc.SignalingStateHaveLocalOffer, webrtc.SignalingStateHaveLocalPranswer:
		return SignalingHaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer, webrtc.SignalingStateHaveRemotePranswer:
		return SignalingHaveRemoteOffer
	default:
		return SignalingClosed
	}
}

func (c *pionConn) OpenChannel(label string) error {
	dc, err := c.pc.CreateDataChannel(label, nil)
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	c.attach(dc)
	return nil
}

func (c *pionConn) RestartICE() error {
	c.mu.Lock()
	c.restart = true
	c.mu.Unlock()
	c.events.Push(Event{Kind: EventNegotiationNeeded})
	return nil
}

func (c *pionConn) Events() <-chan Event {
	return c.events.C()
}

func (c *pionConn) Close() error {
	err := c.pc.Close()
	c.events.Close()
	return err
}

func (c *pionConn) attach(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		raw, err := dc.Detach()
		if err != nil {
			c.log.Warn("Failed to detach data channel", "label", dc.Label(), "error", err)
			return
		}
		ch := &pionChannel{rw: raw}
		c.events.Push(Event{Kind: EventChannelOpen, Channel: ch})
		go ch.readLoop(c.events)
	})
}

// pionChannel is a detached data channel. Each Read returns exactly one
// message, so no extra framing is needed.
type pionChannel struct {
	rw   io.ReadWriteCloser
	once sync.Once
}

func (ch *pionChannel) Send(msg []byte) error {
	if len(msg) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(msg))
	}
	_, err := ch.rw.Write(msg)
	return err
}

func (ch *pionChannel) Close() error {
	var err error
	ch.once.Do(func() { err = ch.rw.Close() })
	return err
}

func (ch *pionChannel) readLoop(q *EventQueue) {
	buf := make([]byte, MaxMessageSize)
	for {
		n, err := ch.rw.Read(buf)
		if err != nil {
			ch.Close()
			q.Push(Event{Kind: EventChannelClosed, Channel: ch})
			return
		}
		msg := make([]byte, n)
		copy(msg, buf[:n])
		q.Push(Event{Kind: EventMessage, Channel: ch, Data: msg})
	}
}

func connectionState(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return ConnectionClosed
	default:
		return ConnectionNew
	}
}
