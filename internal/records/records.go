// Package records defines the typed records replicated between devices
// and their content-addressed wire form.
package records

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/zeebo/blake3"
)

// Kind names a record collection.
type Kind string

const (
	KindDevice        Kind = "device"
	KindProfile       Kind = "profile"
	KindChat          Kind = "chat"
	KindMessage       Kind = "message"
	KindMedicalRecord Kind = "medical_record"
	KindFile          Kind = "file"
)

// Kinds lists every collection in transfer order. File metadata comes
// last among records but always precedes the file byte chunks.
var Kinds = []Kind{
	KindDevice,
	KindProfile,
	KindChat,
	KindMessage,
	KindMedicalRecord,
	KindFile,
}

// Valid reports whether k is a known collection.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

var (
	ErrUnknownKind  = errors.New("unknown record kind")
	ErrHashMismatch = errors.New("record content hash mismatch")
)

// Record is implemented by every replicated record type.
type Record interface {
	Kind() Kind
}

// Device is one end of a pairing between two devices of the same
// account, as seen from PairedWith. Its secret is what the signaling relay
// encrypts with.
type Device struct {
	Name             string    `json:"name"`
	Address          string    `json:"address"`
	PublicKey        []byte    `json:"public_key"`
	RequesterAddress string    `json:"requester_address"`
	Secret           []byte    `json:"secret"`
	PairedWith       string    `json:"paired_with"`
	AddedAt          time.Time `json:"added_at"`
}

// Profile is a user known to this account. Profiles other than the
// owner's are contacts.
type Profile struct {
	Address   string    `json:"address"`
	FullName  string    `json:"full_name"`
	BirthDate string    `json:"birth_date,omitempty"`
	BloodType string    `json:"blood_type,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Chat is a conversation between a fixed set of participants.
type Chat struct {
	Participants []string `json:"participants"`
}

// NewChat returns a chat with participants in canonical order.
func NewChat(participants ...string) *Chat {
	p := append([]string(nil), participants...)
	sort.Strings(p)
	return &Chat{Participants: p}
}

// Message is a chat message.
type Message struct {
	Chat        string    `json:"chat"` // Chat content hash
	Sender      string    `json:"sender"`
	Body        string    `json:"body"`
	Attachments []string  `json:"attachments,omitempty"` // File content hashes
	SentAt      time.Time `json:"sent_at"`
}

// MedicalRecord is a single entry of a patient's medical history.
type MedicalRecord struct {
	Owner       string    `json:"owner"`
	Title       string    `json:"title"`
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Attachments []string  `json:"attachments,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// File is the metadata of a binary blob. BlobHash addresses the content.
type File struct {
	Name      string    `json:"name"`
	MimeType  string    `json:"mime_type"`
	Size      int64     `json:"size"`
	BlobHash  string    `json:"blob_hash"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
}

func (*Device) Kind() Kind        { return KindDevice }
func (*Profile) Kind() Kind       { return KindProfile }
func (*Chat) Kind() Kind          { return KindChat }
func (*Message) Kind() Kind       { return KindMessage }
func (*MedicalRecord) Kind() Kind { return KindMedicalRecord }
func (*File) Kind() Kind          { return KindFile }

// Hash returns the content hash of a record: hex(blake3(kind || 0x00 || json)).
func Hash(r Record) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", r.Kind(), err)
	}
	return hashBytes(r.Kind(), data), nil
}

func hashBytes(kind Kind, data []byte) string {
	h := blake3.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// BlobHash returns the content hash of raw file bytes.
func BlobHash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Wire is the tagged form of a record used on the wire and in storage.
type Wire struct {
	Kind Kind            `json:"kind"`
	Hash string          `json:"hash"`
	Data json.RawMessage `json:"data"`
}

// Encode converts a record into its tagged wire form.
func Encode(r Record) (Wire, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return Wire{}, fmt.Errorf("marshal %s: %w", r.Kind(), err)
	}
	return Wire{Kind: r.Kind(), Hash: hashBytes(r.Kind(), data), Data: data}, nil
}

// Decode converts a wire record back into its concrete type and checks
// that its content matches the declared hash.
func Decode(w Wire) (Record, error) {
	var r Record
	switch w.Kind {
	case KindDevice:
		r = &Device{}
	case KindProfile:
		r = &Profile{}
	case KindChat:
		r = &Chat{}
	case KindMessage:
		r = &Message{}
	case KindMedicalRecord:
		r = &MedicalRecord{}
	case KindFile:
		r = &File{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, w.Kind)
	}

	if err := json.Unmarshal(w.Data, r); err != nil {
		return nil, fmt.Errorf("decode %s: %w", w.Kind, err)
	}

	got, err := Hash(r)
	if err != nil {
		return nil, err
	}
	if got != w.Hash {
		return nil, fmt.Errorf("%w: %s", ErrHashMismatch, w.Hash)
	}
	return r, nil
}
