package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Memory is an in-process ledger. Transactions are confirmed after a
// fixed delay on the injected clock and then fanned out to subscribers.
type Memory struct {
	clock clockwork.Clock
	delay time.Duration

	mu     sync.Mutex
	txs    map[string]*memoryTx
	subs   map[*subscriber]struct{}
	closed bool
}

type memoryTx struct {
	event Event
	done  chan struct{}
}

// NewMemory returns a ledger confirming each transaction after delay.
func NewMemory(clock clockwork.Clock, delay time.Duration) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{
		clock: clock,
		delay: delay,
		txs:   make(map[string]*memoryTx),
		subs:  make(map[*subscriber]struct{}),
	}
}

// Client returns a Ledger view that publishes as sender.
func (m *Memory) Client(sender string) Ledger {
	return &memoryClient{ledger: m, sender: sender}
}

// Transactions returns the number of published transactions.
func (m *Memory) Transactions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txs)
}

// Close stops every subscription.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for s := range m.subs {
		s.close()
		delete(m.subs, s)
	}
}

func (m *Memory) publish(sender, deviceHash string, data []byte) (string, error) {
	tx := &memoryTx{
		event: Event{
			TxID:       uuid.NewString(),
			Sender:     sender,
			DeviceHash: deviceHash,
			Data:       append([]byte(nil), data...),
		},
		done: make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	m.txs[tx.event.TxID] = tx
	m.mu.Unlock()

	if m.delay <= 0 {
		m.confirm(tx)
	} else {
		m.clock.AfterFunc(m.delay, func() { m.confirm(tx) })
	}
	return tx.event.TxID, nil
}

func (m *Memory) confirm(tx *memoryTx) {
	m.mu.Lock()
	defer m.mu.Unlock()

	close(tx.done)
	for s := range m.subs {
		if s.wants(tx.event.DeviceHash) {
			s.push(tx.event)
		}
	}
}

func (m *Memory) await(ctx context.Context, txID string) error {
	m.mu.Lock()
	tx, ok := m.txs[txID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownTx
	}

	select {
	case <-tx.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) subscribe(ctx context.Context, deviceHashes []string) (<-chan Event, error) {
	s := newSubscriber(deviceHashes)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.subs[s] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		if _, ok := m.subs[s]; ok {
			delete(m.subs, s)
			s.close()
		}
		m.mu.Unlock()
	}()

	return s.out, nil
}

type memoryClient struct {
	ledger *Memory
	sender string
}

func (c *memoryClient) Publish(ctx context.Context, deviceHash string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return c.ledger.publish(c.sender, deviceHash, data)
}

func (c *memoryClient) AwaitConfirmation(ctx context.Context, txID string) error {
	return c.ledger.await(ctx, txID)
}

func (c *memoryClient) Subscribe(ctx context.Context, deviceHashes ...string) (<-chan Event, error) {
	return c.ledger.subscribe(ctx, deviceHashes)
}
