package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Maximum frame size (4 MB)
const MaxMessageSize = 4 * 1024 * 1024

// ErrMessageTooLarge is returned when a message exceeds MaxMessageSize
var ErrMessageTooLarge = errors.New("message too large")

// Framer handles length-prefixed message framing over a byte stream
type Framer struct {
	reader io.Reader
	writer io.Writer
}

// NewFramer creates a new framer
func NewFramer(r io.Reader, w io.Writer) *Framer {
	return &Framer{
		reader: r,
		writer: w,
	}
}

// ReadEnvelope reads and decodes one envelope. The signature is not checked.
func (f *Framer) ReadEnvelope() (*Envelope, error) {
	body, err := f.ReadRaw()
	if err != nil {
		return nil, err
	}
	return Decode(body)
}

// WriteEnvelope writes one envelope
func (f *Framer) WriteEnvelope(env *Envelope) error {
	body, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return f.WriteRaw(body)
}

// ReadRaw reads raw bytes with length prefix
func (f *Framer) ReadRaw() ([]byte, error) {
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(f.reader, lengthBuf); err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf)
	if length > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(f.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return body, nil
}

// WriteRaw writes raw bytes with length prefix as a single write, so
// concurrent writers on a message-oriented stream never interleave.
func (f *Framer) WriteRaw(data []byte) error {
	if len(data) > MaxMessageSize {
		return ErrMessageTooLarge
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	if _, err := f.writer.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
