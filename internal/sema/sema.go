// Package sema provides the counting semaphore that bounds concurrent task
// execution. Waiters are granted permits strictly in reservation order,
// and reservation (Enqueue) is split from waiting (Ticket.Wait) so a
// scheduler can fix the admission order synchronously before handing the
// tickets to concurrent goroutines.
package sema

import (
	"context"
	"sync"
)

// Sema is a counting semaphore with a FIFO waiter queue.
type Sema struct {
	mu     sync.Mutex
	max    int
	active int
	queue  []*Ticket
}

// Ticket is one reserved place in the semaphore's queue.
type Ticket struct {
	s         *Sema
	ready     chan struct{}
	granted   bool
	abandoned bool
}

// New returns a semaphore with the given capacity. A capacity below one is
// treated as one.
func New(max int) *Sema {
	if max < 1 {
		max = 1
	}
	return &Sema{max: max}
}

// Enqueue reserves the next place in the waiter queue and returns its
// ticket. The permit is granted immediately when capacity allows; otherwise
// the ticket is granted in reservation order as permits are released.
func (s *Sema) Enqueue() *Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &Ticket{s: s, ready: make(chan struct{})}
	s.queue = append(s.queue, t)
	s.grantLocked()
	return t
}

// grantLocked hands permits to the head of the queue while capacity
// remains. Caller holds s.mu.
func (s *Sema) grantLocked() {
	for s.active < s.max && len(s.queue) > 0 {
		t := s.queue[0]
		s.queue = s.queue[1:]
		if t.abandoned {
			continue
		}
		t.granted = true
		s.active++
		close(t.ready)
	}
}

// Wait blocks until the ticket's permit is granted or ctx is done. When it
// returns nil the caller holds one permit and must Release it. A ticket
// abandoned by context cancellation leaves the queue without consuming a
// permit.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
	}

	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.granted {
		// The grant raced the cancellation; the permit is ours.
		return nil
	}
	t.abandoned = true
	return ctx.Err()
}

// Abandon gives up the ticket's place in the queue. A ticket that was
// already granted releases its permit.
func (t *Ticket) Abandon() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.granted {
		t.s.active--
		t.s.grantLocked()
		return
	}
	t.abandoned = true
}

// Acquire reserves a permit, blocking until one is available or ctx is
// done. Waiters are served in arrival order.
func (s *Sema) Acquire(ctx context.Context) error {
	return s.Enqueue().Wait(ctx)
}

// Release returns one permit. The longest-waiting ticket, if any, is
// granted.
func (s *Sema) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	s.grantLocked()
}

// WithLock runs fn while holding one permit, releasing it on every exit
// path.
func (s *Sema) WithLock(ctx context.Context, fn func() error) error {
	if err := s.Acquire(ctx); err != nil {
		return err
	}
	defer s.Release()
	return fn()
}

// Active returns the number of currently held permits.
func (s *Sema) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Max returns the semaphore capacity.
func (s *Sema) Max() int { return s.max }

// Locked reports whether every permit is held.
func (s *Sema) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active == s.max
}
