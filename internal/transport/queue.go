package transport

import "sync"

// EventQueue is an unbounded, ordered event stream. Push never blocks, so
// callbacks running on transport goroutines cannot stall on a busy
// consumer.
type EventQueue struct {
	out chan Event

	mu      sync.Mutex
	queue   []Event
	wake    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewEventQueue starts a queue. Close stops it and closes C.
func NewEventQueue() *EventQueue {
	q := &EventQueue{
		out:     make(chan Event),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go q.pump()
	return q
}

// C returns the delivery channel.
func (q *EventQueue) C() <-chan Event {
	return q.out
}

// Push appends ev. Events pushed after Close are discarded.
func (q *EventQueue) Push(ev Event) {
	q.mu.Lock()
	select {
	case <-q.stopped:
		q.mu.Unlock()
		return
	default:
	}
	q.queue = append(q.queue, ev)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Close stops delivery. Undelivered events are dropped.
func (q *EventQueue) Close() {
	q.once.Do(func() {
		q.mu.Lock()
		close(q.stopped)
		q.queue = nil
		q.mu.Unlock()
	})
}

func (q *EventQueue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.queue) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-q.stopped:
				return
			}
		}
		ev := q.queue[0]
		q.queue[0] = Event{}
		q.queue = q.queue[1:]
		q.mu.Unlock()

		select {
		case q.out <- ev:
		case <-q.stopped:
			return
		}
	}
}
