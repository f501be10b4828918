package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/healthcare-dapp/hdsync/internal/protocol"
)

// StreamChannel turns a byte stream into a message Channel using
// length-prefixed frames. Like a data channel it refuses messages over
// MaxMessageSize.
type StreamChannel struct {
	rwc    io.ReadWriteCloser
	framer *protocol.Framer

	writeMu sync.Mutex
	once    sync.Once
	closed  chan struct{}
}

// NewStreamChannel wraps rwc. Call ReadLoop to start delivering messages.
func NewStreamChannel(rwc io.ReadWriteCloser) *StreamChannel {
	return &StreamChannel{
		rwc:    rwc,
		framer: protocol.NewFramer(rwc, rwc),
		closed: make(chan struct{}),
	}
}

// Send writes one message.
func (c *StreamChannel) Send(msg []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if len(msg) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(msg))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.framer.WriteRaw(msg); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Close closes the underlying stream.
func (c *StreamChannel) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.rwc.Close()
	})
	return err
}

// ReadLoop pushes every inbound message to q as EventMessage until the
// stream ends, then pushes EventChannelClosed.
func (c *StreamChannel) ReadLoop(q *EventQueue) {
	for {
		msg, err := c.framer.ReadRaw()
		if err != nil {
			c.Close()
			q.Push(Event{Kind: EventChannelClosed, Channel: c})
			return
		}
		q.Push(Event{Kind: EventMessage, Channel: c, Data: msg})
	}
}
