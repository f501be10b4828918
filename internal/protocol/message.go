// Package protocol defines the messages exchanged between paired devices:
// signed sync envelopes carried over the data channel and the signaling
// payloads carried through the ledger relay.
package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/healthcare-dapp/hdsync/internal/crypto"
)

// ProtocolVersion is announced in SHOW_CURRENT_STATE.
const ProtocolVersion = "1"

// MessageType identifies the type of sync message
type MessageType string

const (
	MsgShowCurrentState MessageType = "SHOW_CURRENT_STATE"    // Inventory announcement, asks for a delta
	MsgSyncSummary      MessageType = "SYNC_SUMMARY"          // Size of the delta about to be streamed
	MsgRecordsChunk     MessageType = "SYNC_DB_RECORDS_CHUNK" // Up to MaxRecordsPerChunk records
	MsgFileChunk        MessageType = "SYNC_FILE_CHUNK"       // Up to FileChunkSize blob bytes
	MsgSyncRequested    MessageType = "SYNC_REQUESTED"        // Ask the counterpart to run sync
	MsgSyncFinished     MessageType = "SYNC_FINISHED"         // End of a streamed delta
)

// Errors returned by Decode and Verify.
var (
	ErrUnknownType      = errors.New("unknown message type")
	ErrMissingSignature = errors.New("missing or invalid signature")
	ErrInvalidSignature = errors.New("invalid message signature")
)

// Known reports whether t is a sync message type.
func (t MessageType) Known() bool {
	switch t {
	case MsgShowCurrentState, MsgSyncSummary, MsgRecordsChunk,
		MsgFileChunk, MsgSyncRequested, MsgSyncFinished:
		return true
	}
	return false
}

// Envelope is a signed sync message
type Envelope struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data"`
	Signature []byte          `json:"signature"` // Signature over SigningData()
}

// Encode marshals data, signs it with signer and returns the envelope.
func Encode(msgType MessageType, data any, signer crypto.Signer) (*Envelope, error) {
	if data == nil {
		data = struct{}{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msgType, err)
	}

	env := &Envelope{Type: msgType, Data: raw}
	signingData, err := env.SigningData()
	if err != nil {
		return nil, err
	}
	env.Signature, err = signer.Sign(signingData)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", msgType, err)
	}
	return env, nil
}

// Decode parses an envelope. The signature is not checked.
func Decode(b []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if !env.Type.Known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if len(env.Data) == 0 {
		return nil, errors.New("decode envelope: missing data")
	}
	return &env, nil
}

// Marshal returns the wire form of the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// SigningData returns the canonical bytes to be signed.
// Format: Type (length-prefixed) || compact JSON of Data
func (e *Envelope) SigningData() ([]byte, error) {
	var buf bytes.Buffer

	typeBytes := []byte(e.Type)
	binary.Write(&buf, binary.BigEndian, uint32(len(typeBytes)))
	buf.Write(typeBytes)

	if err := json.Compact(&buf, e.Data); err != nil {
		return nil, fmt.Errorf("canonicalize data: %w", err)
	}
	return buf.Bytes(), nil
}

// Verify checks the signature against the expected sender's public key.
func (e *Envelope) Verify(expectedPubKey []byte) error {
	return e.VerifyWith(crypto.NewEd25519Verifier(), expectedPubKey)
}

// VerifyWith checks the signature using an explicit verifier.
func (e *Envelope) VerifyWith(v crypto.Verifier, expectedPubKey []byte) error {
	if len(e.Signature) == 0 {
		return ErrMissingSignature
	}
	signingData, err := e.SigningData()
	if err != nil {
		return err
	}
	if !v.Verify(expectedPubKey, signingData, e.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// ParseData unmarshals the envelope data
func (e *Envelope) ParseData(v any) error {
	return json.Unmarshal(e.Data, v)
}
