package squad

import (
	"sync"

	"pilgrim_sync/internal/event"
)

// Subscription delivers a squad's events in sequence order. Pushing never
// blocks the room: events wait in an unbounded per-subscriber queue until
// the reader takes them from Events.
type Subscription struct {
	id     int
	userID string

	mu    sync.Mutex
	queue []event.Event
	wake  chan struct{}
	out   chan event.Event
	done  chan struct{}

	stopOnce   sync.Once
	cancelOnce sync.Once
	onCancel   func()
}

func newSubscription(id int, userID string, onCancel func()) *Subscription {
	s := &Subscription{
		id:       id,
		userID:   userID,
		wake:     make(chan struct{}, 1),
		out:      make(chan event.Event),
		done:     make(chan struct{}),
		onCancel: onCancel,
	}
	go s.pump()
	return s
}

// Events returns the delivery channel. It is closed when the subscription
// is cancelled or the server ends it.
func (s *Subscription) Events() <-chan event.Event { return s.out }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// UserID returns the subscriber's user.
func (s *Subscription) UserID() string { return s.userID }

// Cancel ends the subscription. Other subscribers are unaffected.
func (s *Subscription) Cancel() {
	s.stop()
	s.cancelOnce.Do(func() {
		if s.onCancel != nil {
			s.onCancel()
		}
	})
}

func (s *Subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Subscription) push(ev event.Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		if len(batch) == 0 {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		for _, ev := range batch {
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}
