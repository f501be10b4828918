// Package transport abstracts the direct device-to-device connection a
// peer session negotiates: description and candidate exchange, a single
// ordered message channel and one event stream.
package transport

import (
	"context"
	"errors"
)

// ChannelLabel is the label of the sync data channel.
const ChannelLabel = "hdsync"

// MaxMessageSize is the largest message a Channel carries. It matches the
// default SCTP max-message-size pion advertises.
const MaxMessageSize = 64 * 1024

var (
	// ErrClosed is returned by operations on a closed connection or channel.
	ErrClosed = errors.New("transport closed")
	// ErrInvalidState is returned when a description does not fit the
	// current signaling state.
	ErrInvalidState = errors.New("invalid signaling state")
	// ErrMessageTooLarge is returned by Send for messages over MaxMessageSize.
	ErrMessageTooLarge = errors.New("message too large for data channel")
)

// SDPType is the type of a session description.
type SDPType string

const (
	SDPOffer    SDPType = "offer"
	SDPAnswer   SDPType = "answer"
	SDPRollback SDPType = "rollback"
)

// Description is a session description exchanged through signaling.
type Description struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// Candidate is a trickled ICE candidate.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// SignalingState mirrors the offer/answer state machine.
type SignalingState int

const (
	SignalingStable SignalingState = iota
	SignalingHaveLocalOffer
	SignalingHaveRemoteOffer
	SignalingClosed
)

func (s SignalingState) String() string {
	switch s {
	case SignalingStable:
		return "stable"
	case SignalingHaveLocalOffer:
		return "have-local-offer"
	case SignalingHaveRemoteOffer:
		return "have-remote-offer"
	case SignalingClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionState is the aggregate connection state.
type ConnectionState int

const (
	ConnectionNew ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionDisconnected
	ConnectionFailed
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionNew:
		return "new"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionFailed:
		return "failed"
	case ConnectionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventKind discriminates Event.
type EventKind int

const (
	EventCandidate EventKind = iota
	EventNegotiationNeeded
	EventStateChange
	EventChannelOpen
	EventMessage
	EventChannelClosed
)

func (k EventKind) String() string {
	switch k {
	case EventCandidate:
		return "candidate"
	case EventNegotiationNeeded:
		return "negotiation-needed"
	case EventStateChange:
		return "state-change"
	case EventChannelOpen:
		return "channel-open"
	case EventMessage:
		return "message"
	case EventChannelClosed:
		return "channel-closed"
	default:
		return "unknown"
	}
}

// Event is one item of a connection's event stream. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind      EventKind
	Candidate *Candidate
	State     ConnectionState
	Channel   Channel
	Data      []byte
}

// Channel is an ordered, reliable message channel. Inbound messages are
// delivered as EventMessage on the owning connection's event stream.
type Channel interface {
	Send(msg []byte) error
	Close() error
}

// Connection is one negotiated peer connection.
type Connection interface {
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer(ctx context.Context) (Description, error)
	// CreateAnswer creates an answer and applies it as the local description.
	CreateAnswer(ctx context.Context) (Description, error)
	SetRemoteDescription(ctx context.Context, d Description) error
	// Rollback discards a pending local offer.
	Rollback(ctx context.Context) error
	AddICECandidate(c Candidate) error
	SignalingState() SignalingState
	// OpenChannel creates the data channel. The channel is reported by an
	// EventChannelOpen once usable.
	OpenChannel(label string) error
	// RestartICE makes the next offer restart ICE and raises
	// negotiation-needed.
	RestartICE() error
	Events() <-chan Event
	Close() error
}

// Factory creates connections.
type Factory interface {
	NewConnection() (Connection, error)
}
