package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultBufferSize is the default number of records kept in memory
const DefaultBufferSize = 2000

// Entry is a captured log record
type Entry struct {
	Timestamp time.Time      `json:"ts"`
	Level     slog.Level     `json:"level"`
	Message   string         `json:"msg"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Buffer is a thread-safe ring of recent log records
type Buffer struct {
	mu      sync.RWMutex
	entries []Entry
	head    int
	count   int
}

// NewBuffer creates a buffer with the given capacity
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Buffer{entries: make([]Entry, size)}
}

func (b *Buffer) add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.head] = e
	b.head = (b.head + 1) % len(b.entries)
	if b.count < len(b.entries) {
		b.count++
	}
}

// Query filters for Buffer.Query
type Query struct {
	Since    time.Time
	MinLevel slog.Level
	// Match restricts results to records whose field equals the value,
	// e.g. {"device": "3fa9c2d1"}.
	Match map[string]string
	Limit int
}

// Query returns matching entries, oldest first
func (b *Buffer) Query(q Query) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	start := 0
	if b.count == len(b.entries) {
		start = b.head
	}

	var out []Entry
	for i := 0; i < b.count; i++ {
		e := b.entries[(start+i)%len(b.entries)]
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		if e.Level < q.MinLevel {
			continue
		}
		if !matchFields(e.Fields, q.Match) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

// Len returns the number of entries held
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

func matchFields(fields map[string]any, match map[string]string) bool {
	for k, want := range match {
		got, ok := fields[k].(string)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// BufferedHandler is an slog.Handler that records into a Buffer and
// forwards to another handler.
type BufferedHandler struct {
	buffer *Buffer
	next   slog.Handler
	attrs  []slog.Attr
	group  string
}

// NewBufferedHandler wraps next so every handled record lands in buffer
func NewBufferedHandler(buffer *Buffer, next slog.Handler) *BufferedHandler {
	return &BufferedHandler{buffer: buffer, next: next}
}

func (h *BufferedHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *BufferedHandler) Handle(ctx context.Context, r slog.Record) error {
	fields := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, attr := range h.attrs {
		fields[attr.Key] = attr.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		fields[key] = a.Value.Any()
		return true
	})

	h.buffer.add(Entry{
		Timestamp: r.Time,
		Level:     r.Level,
		Message:   r.Message,
		Fields:    fields,
	})
	return h.next.Handle(ctx, r)
}

func (h *BufferedHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &BufferedHandler{
		buffer: h.buffer,
		next:   h.next.WithAttrs(attrs),
		attrs:  merged,
		group:  h.group,
	}
}

func (h *BufferedHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &BufferedHandler{
		buffer: h.buffer,
		next:   h.next.WithGroup(name),
		attrs:  h.attrs,
		group:  group,
	}
}
