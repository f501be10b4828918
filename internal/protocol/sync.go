package protocol

import (
	"encoding/json"

	"github.com/healthcare-dapp/hdsync/internal/records"
)

// Transfer unit sizes. Every envelope must fit one data channel message
// (64 KiB), so the byte budgets leave room for the envelope around them.
const (
	MaxRecordsPerChunk = 8
	FileChunkSize      = 8 * 1024

	MaxRecordsChunkBytes = 48 * 1024
	MaxStatePartBytes    = 48 * 1024
)

// ShowCurrentState announces every content hash the sender already has.
// Blobs lists the file contents it holds so that a File record the sender
// already has but whose bytes it lacks can still be streamed.
//
// A large inventory is sent as numbered parts. Part counts from zero and
// More is set on every part but the last.
type ShowCurrentState struct {
	Version   string                    `json:"version"`
	Part      int                       `json:"part,omitempty"`
	More      bool                      `json:"more,omitempty"`
	Inventory map[records.Kind][]string `json:"inventory"`
	Blobs     []string                  `json:"blobs,omitempty"`
}

// Split pages the announcement into parts whose JSON stays within
// maxBytes. It always returns at least one part.
func (s *ShowCurrentState) Split(maxBytes int) []ShowCurrentState {
	kinds := inventoryKinds(s.Inventory)

	// Room for every list key a part can carry.
	budget := maxBytes - len(`{"version":"","part":0000,"more":true,"inventory":{},"blobs":[]}`) - len(s.Version)
	for _, k := range kinds {
		budget -= len(k) + len(`"":[],`)
	}

	newPart := func() ShowCurrentState {
		return ShowCurrentState{Version: s.Version, Inventory: make(map[records.Kind][]string)}
	}
	parts := []ShowCurrentState{newPart()}
	size := 0
	next := func(cost int) *ShowCurrentState {
		if size > 0 && size+cost > budget {
			parts = append(parts, newPart())
			size = 0
		}
		size += cost
		return &parts[len(parts)-1]
	}

	for _, kind := range kinds {
		for _, h := range s.Inventory[kind] {
			p := next(len(h) + len(`"",`))
			p.Inventory[kind] = append(p.Inventory[kind], h)
		}
	}
	for _, b := range s.Blobs {
		p := next(len(b) + len(`"",`))
		p.Blobs = append(p.Blobs, b)
	}

	for i := range parts {
		parts[i].Part = i
		parts[i].More = i < len(parts)-1
	}
	return parts
}

// Merge appends the hashes of a later part.
func (s *ShowCurrentState) Merge(part *ShowCurrentState) {
	if s.Inventory == nil {
		s.Inventory = make(map[records.Kind][]string)
	}
	for kind, hashes := range part.Inventory {
		s.Inventory[kind] = append(s.Inventory[kind], hashes...)
	}
	s.Blobs = append(s.Blobs, part.Blobs...)
}

// inventoryKinds returns the collections of inv in a stable order: the
// known kinds first, then anything else.
func inventoryKinds(inv map[records.Kind][]string) []records.Kind {
	kinds := make([]records.Kind, 0, len(inv))
	known := make(map[records.Kind]bool, len(records.Kinds))
	for _, k := range records.Kinds {
		known[k] = true
		if _, ok := inv[k]; ok {
			kinds = append(kinds, k)
		}
	}
	for k := range inv {
		if !known[k] {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Has returns a set view of the declared hashes for one collection.
func (s *ShowCurrentState) Has(kind records.Kind) map[string]struct{} {
	set := make(map[string]struct{}, len(s.Inventory[kind]))
	for _, h := range s.Inventory[kind] {
		set[h] = struct{}{}
	}
	return set
}

// BlobSet returns a set view of the declared blobs.
func (s *ShowCurrentState) BlobSet() map[string]struct{} {
	set := make(map[string]struct{}, len(s.Blobs))
	for _, b := range s.Blobs {
		set[b] = struct{}{}
	}
	return set
}

// SyncSummary announces the size of the delta about to be streamed.
type SyncSummary struct {
	Records   int   `json:"records"`
	Files     int   `json:"files"`
	FileBytes int64 `json:"file_bytes"`
}

// RecordsChunk carries up to MaxRecordsPerChunk records and at most
// MaxRecordsChunkBytes of them.
type RecordsChunk struct {
	Records   []records.Wire `json:"records"`
	Remaining int            `json:"remaining"` // Records still to come after this chunk
}

// WireSize is the number of bytes w adds to a RecordsChunk.
func WireSize(w records.Wire) int {
	b, err := json.Marshal(w)
	if err != nil {
		return MaxRecordsChunkBytes + 1
	}
	return len(b) + 1
}

// FileChunk carries a slice of a file blob at a byte offset.
// Data is base64 in JSON.
type FileChunk struct {
	FileHash string `json:"file_hash"` // Content hash of the File record
	Offset   int64  `json:"offset"`
	Data     []byte `json:"data"`
	HasEnded bool   `json:"has_ended"`
}

// SyncRequested asks the counterpart to run a sync cycle.
type SyncRequested struct{}

// SyncFinished closes a streamed delta. A responder that could not
// stream the delta still sends it, with Error set.
type SyncFinished struct {
	Records int    `json:"records"`
	Files   int    `json:"files"`
	Error   string `json:"error,omitempty"`
}
