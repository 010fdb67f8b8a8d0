package auth

import "sync"

// subscriber buffers events without bound so emitters never block on a slow reader.
type subscriber struct {
	out chan Event

	mu      sync.Mutex
	pending []Event
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newSubscriber() *subscriber {
	s := &subscriber{
		out:  make(chan Event),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *subscriber) push(e Event) {
	s.mu.Lock()
	s.pending = append(s.pending, e)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		next := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// Subscribe returns a channel of lifecycle events in emission order and a
// cancel func that stops delivery and closes the channel.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	sub := newSubscriber()

	m.subMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = sub
	m.subMu.Unlock()

	cancel := func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
		sub.close()
	}
	return sub.out, cancel
}

func (m *Manager) emit(e Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, sub := range m.subs {
		sub.push(e)
	}
}
