package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// SignalType identifies a signaling payload carried through the ledger.
type SignalType string

const (
	SignalPing        SignalType = "ping"
	SignalCandidate   SignalType = "candidate"
	SignalDescription SignalType = "description"
)

// Signal is the decrypted signaling envelope.
type Signal struct {
	Type    SignalType      `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Ping opens a negotiation. The sender becomes the polite side.
type Ping struct {
	Address string    `json:"address"`
	SentAt  time.Time `json:"sent_at"`
}

// NewSignal creates a signal with a JSON payload
func NewSignal(signalType SignalType, payload any) (*Signal, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", signalType, err)
	}
	return &Signal{Type: signalType, Payload: data}, nil
}

// ParsePayload unmarshals the signal payload
func (s *Signal) ParsePayload(v any) error {
	return json.Unmarshal(s.Payload, v)
}

// Marshal returns the plaintext wire form.
func (s *Signal) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSignal parses a decrypted signaling payload.
func DecodeSignal(b []byte) (*Signal, error) {
	var s Signal
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode signal: %w", err)
	}
	switch s.Type {
	case SignalPing, SignalCandidate, SignalDescription:
		return &s, nil
	default:
		return nil, fmt.Errorf("decode signal: unknown type %q", s.Type)
	}
}
