package store

import (
	"context"
	"sort"
	"sync"

	"github.com/healthcare-dapp/hdsync/internal/records"
)

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	records map[records.Kind]map[string]records.Wire
	blobs   map[string][]byte
	writes  notifier
	closed  bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	m := &Memory{
		records: make(map[records.Kind]map[string]records.Wire),
		blobs:   make(map[string][]byte),
		writes:  newNotifier(),
	}
	for _, k := range records.Kinds {
		m.records[k] = make(map[string]records.Wire)
	}
	return m
}

func (m *Memory) Hashes(ctx context.Context, kind records.Kind) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	out := make([]string, 0, len(m.records[kind]))
	for h := range m.records[kind] {
		out = append(out, h)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Get(ctx context.Context, kind records.Kind, hash string) (records.Record, error) {
	m.mu.RLock()
	w, ok := m.records[kind][hash]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	return records.Decode(w)
}

func (m *Memory) Put(ctx context.Context, rec records.Record) (string, error) {
	w, err := records.Encode(rec)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	_, exists := m.records[w.Kind][w.Hash]
	m.records[w.Kind][w.Hash] = w
	m.mu.Unlock()

	if !exists {
		m.writes.notify()
	}
	return w.Hash, nil
}

func (m *Memory) HasBlob(ctx context.Context, hash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[hash]
	return ok, nil
}

func (m *Memory) Blob(ctx context.Context, hash string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.blobs[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *Memory) PutBlob(ctx context.Context, hash string, data []byte) error {
	if err := checkBlob(hash, data); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	_, exists := m.blobs[hash]
	m.blobs[hash] = append([]byte(nil), data...)
	m.mu.Unlock()

	if !exists {
		m.writes.notify()
	}
	return nil
}

func (m *Memory) Writes() <-chan struct{} {
	return m.writes
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
