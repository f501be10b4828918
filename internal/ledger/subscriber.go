package ledger

import "sync"

// subscriber delivers events in order without blocking the publisher.
type subscriber struct {
	filter map[string]struct{}
	out    chan Event

	mu      sync.Mutex
	queue   []Event
	wake    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newSubscriber(deviceHashes []string) *subscriber {
	s := &subscriber{
		filter:  make(map[string]struct{}, len(deviceHashes)),
		out:     make(chan Event),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	for _, h := range deviceHashes {
		s.filter[h] = struct{}{}
	}
	go s.pump()
	return s
}

func (s *subscriber) wants(deviceHash string) bool {
	_, ok := s.filter[deviceHash]
	return ok
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.stopped) })
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.stopped:
				return
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.stopped:
			return
		}
	}
}
