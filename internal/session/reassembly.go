package session

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/healthcare-dapp/hdsync/internal/protocol"
	"github.com/healthcare-dapp/hdsync/internal/records"
)

// MaxFileSize is the largest blob a session will reassemble.
const MaxFileSize = 256 << 20

var (
	ErrFileTooLarge = errors.New("file too large")
	ErrChunkBounds  = errors.New("chunk outside file bounds")
	ErrChunkOverlap = errors.New("chunk overlaps received data")
)

// span is a half-open byte range [start, end).
type span struct {
	start, end int64
}

// assembly collects the chunks of one file. covered holds the ranges
// written so far, sorted and merged, so written is exact.
type assembly struct {
	hash    string
	file    *records.File
	buf     []byte
	covered []span
	written int64
	ended   bool
}

func (a *assembly) write(c protocol.FileChunk) error {
	size, n := a.file.Size, int64(len(c.Data))
	if c.Offset < 0 || c.Offset > size || n > size-c.Offset {
		return fmt.Errorf("%w: %d bytes at %d of %d", ErrChunkBounds, n, c.Offset, size)
	}
	if c.HasEnded {
		a.ended = true
	}
	if n == 0 {
		return nil
	}
	start, end := c.Offset, c.Offset+n

	// First range that ends at or after start.
	i := sort.Search(len(a.covered), func(i int) bool { return a.covered[i].end >= start })
	if i < len(a.covered) && a.covered[i].start <= start && end <= a.covered[i].end {
		if !bytes.Equal(a.buf[start:end], c.Data) {
			return fmt.Errorf("%w: conflicting chunk at %d", ErrChunkOverlap, start)
		}
		return nil
	}
	for j := i; j < len(a.covered) && a.covered[j].start < end; j++ {
		if a.covered[j].end > start {
			return fmt.Errorf("%w: [%d, %d) overlaps [%d, %d)", ErrChunkOverlap,
				start, end, a.covered[j].start, a.covered[j].end)
		}
	}

	copy(a.buf[start:end], c.Data)
	a.written += n

	merged, hi := span{start, end}, i
	if hi < len(a.covered) && a.covered[hi].end == start {
		merged.start = a.covered[hi].start
		hi++
	}
	if hi < len(a.covered) && a.covered[hi].start == end {
		merged.end = a.covered[hi].end
		hi++
	}
	a.covered = slices.Replace(a.covered, i, hi, merged)
	return nil
}

func (a *assembly) complete() bool {
	return a.ended && a.written == a.file.Size
}

// reassembler is the per-session table of files being received. Chunks
// for files whose metadata is unknown are parked up to a byte limit.
type reassembler struct {
	files       map[string]*assembly
	parked      map[string][]protocol.FileChunk
	parkedBytes int
	parkLimit   int
}

func newReassembler(parkLimit int) *reassembler {
	return &reassembler{
		files:     make(map[string]*assembly),
		parked:    make(map[string][]protocol.FileChunk),
		parkLimit: parkLimit,
	}
}

func (r *reassembler) get(hash string) *assembly {
	return r.files[hash]
}

func (r *reassembler) begin(hash string, f *records.File) (*assembly, error) {
	if a, ok := r.files[hash]; ok {
		return a, nil
	}
	if f.Size < 0 || f.Size > MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFileTooLarge, f.Size)
	}
	a := &assembly{
		hash: hash,
		file: f,
		buf:  make([]byte, f.Size),
	}
	r.files[hash] = a
	return a, nil
}

func (r *reassembler) drop(hash string) {
	delete(r.files, hash)
}

// park holds c until its File record arrives. It reports false when the
// park buffer is full.
func (r *reassembler) park(c protocol.FileChunk) bool {
	if r.parkedBytes+len(c.Data) > r.parkLimit {
		return false
	}
	r.parked[c.FileHash] = append(r.parked[c.FileHash], c)
	r.parkedBytes += len(c.Data)
	return true
}

func (r *reassembler) release(hash string) []protocol.FileChunk {
	chunks := r.parked[hash]
	delete(r.parked, hash)
	for _, c := range chunks {
		r.parkedBytes -= len(c.Data)
	}
	return chunks
}
