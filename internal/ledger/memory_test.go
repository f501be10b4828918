package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestMemoryConfirmAfterDelay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := NewMemory(clock, 3*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := l.Client("0xalice")
	bob := l.Client("0xbob")

	events, err := bob.Subscribe(ctx, "dev-1")
	require.NoError(t, err)

	txID, err := alice.Publish(ctx, "dev-1", []byte("offer"))
	require.NoError(t, err)
	assert.NotEmpty(t, txID)

	awaited := make(chan error, 1)
	go func() { awaited <- alice.AwaitConfirmation(ctx, txID) }()

	select {
	case <-awaited:
		t.Fatal("confirmed before delay elapsed")
	case <-time.After(50 * time.Millisecond):
	}

	clock.Advance(3 * time.Second)
	require.NoError(t, <-awaited)

	ev := recv(t, events)
	assert.Equal(t, txID, ev.TxID)
	assert.Equal(t, "0xalice", ev.Sender)
	assert.Equal(t, "dev-1", ev.DeviceHash)
	assert.Equal(t, []byte("offer"), ev.Data)
}

func TestMemoryFilterAndOrder(t *testing.T) {
	l := NewMemory(nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := l.Client("0xb").Subscribe(ctx, "dev-1")
	require.NoError(t, err)

	pub := l.Client("0xa")
	for _, msg := range []string{"one", "skip", "two", "three"} {
		target := "dev-1"
		if msg == "skip" {
			target = "dev-2"
		}
		_, err := pub.Publish(ctx, target, []byte(msg))
		require.NoError(t, err)
	}

	for _, want := range []string{"one", "two", "three"} {
		assert.Equal(t, want, string(recv(t, events).Data))
	}
	assert.Equal(t, 4, l.Transactions())
}

func TestMemoryUnknownTx(t *testing.T) {
	l := NewMemory(nil, 0)
	err := l.Client("0xa").AwaitConfirmation(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownTx)
}

func TestMemorySubscriptionClosesWithContext(t *testing.T) {
	l := NewMemory(nil, 0)
	ctx, cancel := context.WithCancel(context.Background())

	events, err := l.Client("0xa").Subscribe(ctx, "dev-1")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed")
	}
}
