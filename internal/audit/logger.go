package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/healthcare-dapp/hdsync/internal/logging"
)

// Logger handles audit logging with both file persistence and in-memory ring buffer.
// A nil *Logger discards events.
type Logger struct {
	file     *os.File
	path     string
	buffer   *RingBuffer
	log      *slog.Logger
	mu       sync.Mutex
	identity string // This device's fingerprint
}

// RingBuffer keeps the most recent events in memory.
type RingBuffer struct {
	mu     sync.RWMutex
	events []Event
	next   int
	full   bool
}

// NewRingBuffer returns a buffer holding up to size events.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{events: make([]Event, size)}
}

// Add stores event, evicting the oldest one when the buffer is full.
func (rb *RingBuffer) Add(event Event) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.events[rb.next] = event
	rb.next++
	if rb.next == len(rb.events) {
		rb.next = 0
		rb.full = true
	}
}

// Query returns matching events, newest first.
func (rb *RingBuffer) Query(opts QueryOpts) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	results := []Event{}
	n := rb.count()
	for i := 1; i <= n; i++ {
		e := rb.events[(rb.next-i+len(rb.events))%len(rb.events)]
		if !opts.matches(e) {
			continue
		}
		results = append(results, e)
		if opts.Limit > 0 && len(results) == opts.Limit {
			break
		}
	}
	return results
}

// Count returns the number of buffered events.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count()
}

func (rb *RingBuffer) count() int {
	if rb.full {
		return len(rb.events)
	}
	return rb.next
}

// QueryOpts filters events. Zero fields match everything. Level is a
// minimum.
type QueryOpts struct {
	Since    *time.Time
	Until    *time.Time
	Level    string
	Category string
	Action   string
	Device   string
	Search   string
	Limit    int
}

func (o QueryOpts) matches(e Event) bool {
	switch {
	case o.Since != nil && e.Timestamp.Before(*o.Since):
		return false
	case o.Until != nil && e.Timestamp.After(*o.Until):
		return false
	case o.Level != "" && levelRank(e.Level) < levelRank(o.Level):
		return false
	case o.Category != "" && e.Category != o.Category:
		return false
	case o.Action != "" && e.Action != o.Action:
		return false
	case o.Device != "" && e.Device != o.Device:
		return false
	case o.Search != "" && !e.contains(strings.ToLower(o.Search)):
		return false
	}
	return true
}

// levelRank orders levels. Unknown levels rank lowest.
func levelRank(level string) int {
	switch level {
	case LevelDebug:
		return 1
	case LevelInfo:
		return 2
	case LevelWarn:
		return 3
	case LevelError:
		return 4
	}
	return 0
}

func (e Event) contains(needle string) bool {
	for _, field := range []string{e.Message, e.Action, e.Device, e.Address} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

// DefaultBufferSize is the number of events kept in memory
const DefaultBufferSize = 10000

// NewLogger creates an audit logger appending JSON lines to path. An empty
// path keeps events in memory only. Events are mirrored to log.
func NewLogger(path string, log *slog.Logger) (*Logger, error) {
	l := &Logger{
		path:   path,
		buffer: NewRingBuffer(DefaultBufferSize),
		log:    logging.DefaultIfNil(log),
	}
	if path == "" {
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	// Load existing events into buffer
	l.loadExistingEvents()

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	l.file = file
	return l, nil
}

// loadExistingEvents loads recent events from the file into the ring buffer
func (l *Logger) loadExistingEvents() {
	if l.path == "" {
		return
	}

	f, err := os.Open(l.path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		l.buffer.Add(event)
	}
}

// SetIdentity sets this device's fingerprint for the actor field
func (l *Logger) SetIdentity(fingerprint string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.identity = fingerprint
}

// Log records an audit event
func (l *Logger) Log(event Event) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	// Fill in defaults
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = LevelInfo
	}
	if event.Actor == "" {
		event.Actor = l.identity
	}

	// Extract category from action if not set
	if event.Category == "" && event.Action != "" {
		if idx := strings.Index(event.Action, "."); idx > 0 {
			event.Category = event.Action[:idx]
		}
	}

	// Add to ring buffer
	l.buffer.Add(event)

	// Write to file
	if l.file != nil {
		data, err := json.Marshal(event)
		if err == nil {
			l.file.Write(data)
			l.file.Write([]byte("\n"))
		}
	}

	// Also log via slog for console/daemon output
	attrs := []any{
		"action", event.Action,
	}
	if event.Device != "" {
		attrs = append(attrs, "device", event.Device)
	}
	if event.Error != "" {
		attrs = append(attrs, "error", event.Error)
	}

	switch event.Level {
	case LevelDebug:
		l.log.Debug(event.Message, attrs...)
	case LevelInfo:
		l.log.Info(event.Message, attrs...)
	case LevelWarn:
		l.log.Warn(event.Message, attrs...)
	case LevelError:
		l.log.Error(event.Message, attrs...)
	}
}

// Query returns events matching the criteria
func (l *Logger) Query(opts QueryOpts) []Event {
	if l == nil {
		return nil
	}
	return l.buffer.Query(opts)
}

// CategoryCounts returns counts of events by category
func (l *Logger) CategoryCounts() map[string]int {
	if l == nil {
		return nil
	}
	counts := make(map[string]int)
	events := l.buffer.Query(QueryOpts{})
	for _, e := range events {
		counts[e.Category]++
	}
	return counts
}

// Close closes the audit logger
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
