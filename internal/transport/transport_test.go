package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func next(t *testing.T, c <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-c:
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestStreamChannelRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	qa, qb := NewEventQueue(), NewEventQueue()
	defer qa.Close()
	defer qb.Close()

	ca, cb := NewStreamChannel(a), NewStreamChannel(b)
	go ca.ReadLoop(qa)
	go cb.ReadLoop(qb)

	require.NoError(t, ca.Send([]byte("hello")))
	require.NoError(t, ca.Send([]byte("world")))

	ev := next(t, qb.C())
	assert.Equal(t, EventMessage, ev.Kind)
	assert.Equal(t, "hello", string(ev.Data))
	assert.Same(t, cb, ev.Channel)
	assert.Equal(t, "world", string(next(t, qb.C()).Data))

	require.NoError(t, cb.Send([]byte("back")))
	assert.Equal(t, "back", string(next(t, qa.C()).Data))

	require.NoError(t, ca.Close())
	assert.Equal(t, EventChannelClosed, next(t, qb.C()).Kind)
	assert.Equal(t, EventChannelClosed, next(t, qa.C()).Kind)
	assert.ErrorIs(t, ca.Send([]byte("late")), ErrClosed)
}

func TestStreamChannelMessageLimit(t *testing.T) {
	a, b := net.Pipe()
	qb := NewEventQueue()
	defer qb.Close()

	ca, cb := NewStreamChannel(a), NewStreamChannel(b)
	defer ca.Close()
	go cb.ReadLoop(qb)

	assert.ErrorIs(t, ca.Send(make([]byte, MaxMessageSize+1)), ErrMessageTooLarge)

	require.NoError(t, ca.Send(make([]byte, MaxMessageSize)))
	ev := next(t, qb.C())
	assert.Equal(t, EventMessage, ev.Kind)
	assert.Len(t, ev.Data, MaxMessageSize)
}

func TestEventQueueOrderAndClose(t *testing.T) {
	q := NewEventQueue()
	for i := 0; i < 100; i++ {
		q.Push(Event{Kind: EventMessage, Data: []byte{byte(i)}})
	}
	for i := 0; i < 100; i++ {
		assert.Equal(t, byte(i), next(t, q.C()).Data[0])
	}

	q.Close()
	q.Push(Event{Kind: EventMessage})
	select {
	case _, ok := <-q.C():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("queue did not close")
	}
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "have-local-offer", SignalingHaveLocalOffer.String())
	assert.Equal(t, "failed", ConnectionFailed.String())
	assert.Equal(t, "negotiation-needed", EventNegotiationNeeded.String())
}

// TestWebRTCLoopback negotiates two pion connections in-process using
// host candidates only.
func TestWebRTCLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping webrtc loopback in short mode")
	}
	ctx := context.Background()
	factory := NewWebRTC(WebRTCConfig{})

	offerer, err := factory.NewConnection()
	require.NoError(t, err)
	defer offerer.Close()
	answerer, err := factory.NewConnection()
	require.NoError(t, err)
	defer answerer.Close()

	require.NoError(t, offerer.OpenChannel(ChannelLabel))

	var offerCh, answerCh Channel
	deadline := time.After(15 * time.Second)
	for offerCh == nil || answerCh == nil {
		select {
		case ev := <-offerer.Events():
			switch ev.Kind {
			case EventNegotiationNeeded:
				offer, err := offerer.CreateOffer(ctx)
				require.NoError(t, err)
				require.NoError(t, answerer.SetRemoteDescription(ctx, offer))
				assert.Equal(t, SignalingHaveRemoteOffer, answerer.SignalingState())
				answer, err := answerer.CreateAnswer(ctx)
				require.NoError(t, err)
				require.NoError(t, offerer.SetRemoteDescription(ctx, answer))
			case EventCandidate:
				require.NoError(t, answerer.AddICECandidate(*ev.Candidate))
			case EventChannelOpen:
				offerCh = ev.Channel
			}
		case ev := <-answerer.Events():
			switch ev.Kind {
			case EventCandidate:
				require.NoError(t, offerer.AddICECandidate(*ev.Candidate))
			case EventChannelOpen:
				answerCh = ev.Channel
			}
		case <-deadline:
			t.Fatal("negotiation timed out")
		}
	}

	assert.Equal(t, SignalingStable, offerer.SignalingState())
	require.NoError(t, offerCh.Send([]byte("ping")))
	for {
		ev := next(t, answerer.Events())
		if ev.Kind == EventMessage {
			assert.Equal(t, "ping", string(ev.Data))
			return
		}
	}
}
