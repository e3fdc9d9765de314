package emitter

import (
	"context"
	"errors"
	"sync"
)

// ErrStreamCancelled is returned by Stream.Next once the stream has been
// cancelled and its buffer fully drained.
var ErrStreamCancelled = errors.New("stream cancelled")

// Stream is a pull-based reader over a set of events. Deliveries that arrive
// while no consumer is pulling are buffered, and handed out in emission
// order. A Stream is unbounded until cancelled; cancelling unsubscribes it
// from the emitter, after which Next drains whatever is still buffered and
// then fails with ErrStreamCancelled.
type Stream struct {
	mu        sync.Mutex
	buf       []Event
	cancelled bool
	notify    chan struct{}
	done      chan struct{}
	sub       *Subscription
}

// Stream subscribes a pull-based reader to the listed events.
func (e *Emitter) Stream(events ...string) (*Stream, error) {
	s := &Stream{notify: make(chan struct{}, 1), done: make(chan struct{})}
	sub, err := e.On(events, s.push)
	if err != nil {
		return nil, err
	}
	s.sub = sub
	return s, nil
}

func (s *Stream) push(ev Event) {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.buf = append(s.buf, ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next returns the next buffered event, blocking until one arrives, the
// stream is cancelled, or ctx is done.
func (s *Stream) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			ev := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return ev, nil
		}
		if s.cancelled {
			s.mu.Unlock()
			return Event{}, ErrStreamCancelled
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.notify:
		case <-s.done:
		}
	}
}

// Cancel unsubscribes the stream. Buffered events remain readable via Next
// until the buffer is empty.
func (s *Stream) Cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	sub := s.sub
	s.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	close(s.done)
}
