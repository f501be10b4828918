package ledger

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	requestTimeout = 30 * time.Second
)

// Envelope is the wire format for ledger gateway messages.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"` // Request correlation
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Gateway message payloads.
type (
	ChallengeRequest struct {
		Address string `json:"address"`
	}
	ChallengeResponse struct {
		Nonce string `json:"nonce"` // hex
	}
	AuthRequest struct {
		Address   string `json:"address"`
		PublicKey string `json:"public_key"` // hex
		Signature string `json:"signature"`  // hex, over the raw nonce
	}
	AuthResponse struct {
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
	}
	PublishRequest struct {
		DeviceHash string `json:"device_hash"`
		Data       string `json:"data"` // base64
	}
	TxResponse struct {
		TxID string `json:"tx_id"`
	}
	SubscribeRequest struct {
		DeviceHashes []string `json:"device_hashes"`
	}
	EventMessage struct {
		TxID       string `json:"tx_id"`
		Sender     string `json:"sender"`
		DeviceHash string `json:"device_hash"`
		Data       string `json:"data"` // base64
	}
	ErrorResponse struct {
		Message string `json:"message"`
	}
)

// Client is a Ledger backed by a websocket ledger gateway.
type Client struct {
	url        string
	conn       *websocket.Conn
	address    string
	signingKey ed25519.PrivateKey
	log        *slog.Logger

	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex // serializes writes
	connected atomic.Bool

	errMu     sync.Mutex
	lastError error

	pendingMu sync.Mutex
	pending   map[string]chan *Envelope

	subsMu sync.Mutex
	subs   map[*subscriber]struct{}
}

// Dial connects to a ledger gateway and authenticates as address.
func Dial(ctx context.Context, url, address string, signingKey ed25519.PrivateKey, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		url:        url,
		address:    address,
		signingKey: signingKey,
		log:        logger.With("component", "ledger"),
		done:       make(chan struct{}),
		pending:    make(map[string]chan *Envelope),
		subs:       make(map[*subscriber]struct{}),
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial ledger gateway: %w", err)
	}
	c.conn = conn

	if err := c.authenticate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	c.connected.Store(true)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.receiveLoop()
	go c.keepalive()

	return c, nil
}

func (c *Client) authenticate() error {
	if err := c.writeEnvelope("challenge", "", ChallengeRequest{Address: c.address}); err != nil {
		return fmt.Errorf("send challenge request: %w", err)
	}

	env, err := c.readEnvelope()
	if err != nil {
		return fmt.Errorf("read challenge: %w", err)
	}
	if err := envelopeError(env); err != nil {
		return fmt.Errorf("challenge failed: %w", err)
	}
	if env.Type != "challenge" {
		return fmt.Errorf("expected challenge response, got %s", env.Type)
	}

	var challenge ChallengeResponse
	if err := json.Unmarshal(env.Payload, &challenge); err != nil {
		return fmt.Errorf("parse challenge: %w", err)
	}
	nonce, err := hex.DecodeString(challenge.Nonce)
	if err != nil {
		return fmt.Errorf("decode nonce: %w", err)
	}

	auth := AuthRequest{
		Address:   c.address,
		PublicKey: hex.EncodeToString(c.signingKey.Public().(ed25519.PublicKey)),
		Signature: hex.EncodeToString(ed25519.Sign(c.signingKey, nonce)),
	}
	if err := c.writeEnvelope("auth", "", auth); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	env, err = c.readEnvelope()
	if err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	if err := envelopeError(env); err != nil {
		return fmt.Errorf("auth failed: %w", err)
	}
	if env.Type != "auth" {
		return fmt.Errorf("expected auth response, got %s", env.Type)
	}

	var resp AuthResponse
	if err := json.Unmarshal(env.Payload, &resp); err != nil {
		return fmt.Errorf("parse auth response: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("auth rejected: %s", resp.Error)
	}

	c.log.Debug("Ledger gateway authenticated", "url", c.url, "address", c.address)
	return nil
}

func envelopeError(env *Envelope) error {
	if env.Type != "error" {
		return nil
	}
	var e ErrorResponse
	json.Unmarshal(env.Payload, &e)
	return errors.New(e.Message)
}

func (c *Client) writeEnvelope(msgType, id string, payload any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(Envelope{Type: msgType, ID: id, Payload: payloadBytes})
}

func (c *Client) readEnvelope() (*Envelope, error) {
	var env Envelope
	if err := c.conn.ReadJSON(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *Client) keepalive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.mu.Unlock()
			if err != nil {
				c.setError(err)
				return
			}
		}
	}
}

func (c *Client) receiveLoop() {
	defer func() {
		c.connected.Store(false)
		c.subsMu.Lock()
		for s := range c.subs {
			s.close()
			delete(c.subs, s)
		}
		c.subsMu.Unlock()
	}()

	for {
		env, err := c.readEnvelope()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Debug("Ledger receive error", "error", err)
				c.setError(err)
			}
			return
		}
		c.handleEnvelope(env)
	}
}

func (c *Client) handleEnvelope(env *Envelope) {
	if env.Type == "event" {
		c.dispatchEvent(env)
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[env.ID]
	delete(c.pending, env.ID)
	c.pendingMu.Unlock()

	if !ok {
		c.log.Debug("Ledger response without pending request", "type", env.Type, "id", env.ID)
		return
	}
	ch <- env
}

func (c *Client) dispatchEvent(env *Envelope) {
	var msg EventMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		c.log.Warn("Failed to parse ledger event", "error", err)
		return
	}
	data, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		c.log.Warn("Failed to decode ledger event payload", "tx", msg.TxID, "error", err)
		return
	}

	ev := Event{TxID: msg.TxID, Sender: msg.Sender, DeviceHash: msg.DeviceHash, Data: data}

	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for s := range c.subs {
		if s.wants(ev.DeviceHash) {
			s.push(ev)
		}
	}
}

// request sends a correlated request and waits for its response.
func (c *Client) request(ctx context.Context, msgType string, payload any) (*Envelope, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	id := uuid.NewString()
	respCh := make(chan *Envelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	cleanup := func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}

	if err := c.writeEnvelope(msgType, id, payload); err != nil {
		cleanup()
		return nil, fmt.Errorf("send %s: %w", msgType, err)
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if err := envelopeError(resp); err != nil {
			return nil, fmt.Errorf("%s failed: %w", msgType, err)
		}
		return resp, nil
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case <-c.done:
		cleanup()
		return nil, ErrClosed
	case <-timer.C:
		cleanup()
		return nil, fmt.Errorf("%s timeout", msgType)
	}
}

// Publish submits data addressed to deviceHash.
func (c *Client) Publish(ctx context.Context, deviceHash string, data []byte) (string, error) {
	resp, err := c.request(ctx, "publish", PublishRequest{
		DeviceHash: deviceHash,
		Data:       base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return "", err
	}

	var tx TxResponse
	if err := json.Unmarshal(resp.Payload, &tx); err != nil {
		return "", fmt.Errorf("parse publish response: %w", err)
	}
	return tx.TxID, nil
}

// AwaitConfirmation waits for the gateway to report txID as included.
func (c *Client) AwaitConfirmation(ctx context.Context, txID string) error {
	resp, err := c.request(ctx, "await", TxResponse{TxID: txID})
	if err != nil {
		return err
	}
	if resp.Type != "confirmed" {
		return fmt.Errorf("unexpected await response %s", resp.Type)
	}
	return nil
}

// Subscribe asks the gateway for events addressed to deviceHashes.
func (c *Client) Subscribe(ctx context.Context, deviceHashes ...string) (<-chan Event, error) {
	s := newSubscriber(deviceHashes)
	c.subsMu.Lock()
	c.subs[s] = struct{}{}
	c.subsMu.Unlock()

	if _, err := c.request(ctx, "subscribe", SubscribeRequest{DeviceHashes: deviceHashes}); err != nil {
		c.removeSubscriber(s)
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
		}
		c.removeSubscriber(s)
	}()

	return s.out, nil
}

func (c *Client) removeSubscriber(s *subscriber) {
	c.subsMu.Lock()
	delete(c.subs, s)
	c.subsMu.Unlock()
	s.close()
}

func (c *Client) setError(err error) {
	c.errMu.Lock()
	c.lastError = err
	c.errMu.Unlock()
}

// LastError returns the last transport error encountered.
func (c *Client) LastError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastError
}

// Connected returns whether the client is connected to the gateway.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Close disconnects from the gateway.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.done)

		c.mu.Lock()
		defer c.mu.Unlock()
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.conn.Close()
	})
	return err
}
