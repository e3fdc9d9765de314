// Package emitter provides an in-process multi-event emitter with a closed
// set of legal event names, wildcard receivers, one-shot subscriptions, and
// pull-based event streams.
//
// An Emitter is constructed with the full set of event names it will ever
// emit. Subscribing to or emitting an unknown name fails with
// ErrUnknownEvent, which turns typos into immediate errors instead of
// silently dead subscriptions.
package emitter

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Wildcard subscribes a handler to every event the emitter knows about.
// Wildcard handlers are invoked before the event's own handlers.
const Wildcard = "*"

// ErrUnknownEvent is returned when an event name was not declared at
// construction time.
var ErrUnknownEvent = errors.New("unknown event")

// Event is a single delivery: the name it was emitted under and its data.
type Event struct {
	Name string
	Data any
}

// Handler receives one event delivery. Handlers run synchronously on the
// emitting goroutine, in subscription order; a panic in a handler propagates
// to the emitter's caller.
type Handler func(ev Event)

// Subscription is a handle for one On/Once call. Cancelling it removes the
// handler from every event it was subscribed to. Cancel is idempotent.
type Subscription struct {
	em     *Emitter
	events []string
	h      Handler
	once   bool
	fired  bool
}

// Cancel removes the subscription from the emitter.
func (s *Subscription) Cancel() {
	s.em.off(s)
}

// Emitter dispatches events to subscribed handlers.
type Emitter struct {
	mu       sync.Mutex
	handlers map[string][]*Subscription
	wildcard []*Subscription
}

// New creates an Emitter that accepts exactly the given event names.
func New(names ...string) *Emitter {
	h := make(map[string][]*Subscription, len(names))
	for _, n := range names {
		h[n] = nil
	}
	return &Emitter{handlers: h}
}

// Names returns the declared event names in unspecified order.
func (e *Emitter) Names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.handlers))
	for n := range e.handlers {
		out = append(out, n)
	}
	return out
}

// Knows reports whether name was declared at construction time.
func (e *Emitter) Knows(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.handlers[name]
	return ok
}

func (e *Emitter) validate(events []string) error {
	for _, n := range events {
		if n == Wildcard {
			continue
		}
		if _, ok := e.handlers[n]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownEvent, n)
		}
	}
	return nil
}

// On subscribes h to each named event. The name Wildcard subscribes h as a
// wildcard receiver invoked for every emission. The returned Subscription
// removes the handler when cancelled.
func (e *Emitter) On(events []string, h Handler) (*Subscription, error) {
	return e.subscribe(events, h, false)
}

// OnContext is On with a cancellation token: when ctx is done the
// subscription is removed automatically.
func (e *Emitter) OnContext(ctx context.Context, events []string, h Handler) (*Subscription, error) {
	sub, err := e.subscribe(events, h, false)
	if err != nil {
		return nil, err
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			sub.Cancel()
		}()
	}
	return sub, nil
}

// Once subscribes h to the named events; the first delivery on any of them
// removes the subscription before the handler runs.
func (e *Emitter) Once(events []string, h Handler) (*Subscription, error) {
	return e.subscribe(events, h, true)
}

func (e *Emitter) subscribe(events []string, h Handler, once bool) (*Subscription, error) {
	if h == nil {
		return nil, errors.New("emitter: nil handler")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.validate(events); err != nil {
		return nil, err
	}
	sub := &Subscription{em: e, events: events, h: h, once: once}
	for _, n := range events {
		if n == Wildcard {
			e.wildcard = append(e.wildcard, sub)
		} else {
			e.handlers[n] = append(e.handlers[n], sub)
		}
	}
	return sub, nil
}

// Off removes the subscription. It is idempotent and tolerates nil.
func (e *Emitter) Off(sub *Subscription) {
	if sub != nil {
		e.off(sub)
	}
}

func (e *Emitter) off(sub *Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, n := range sub.events {
		if n == Wildcard {
			e.wildcard = remove(e.wildcard, sub)
		} else {
			e.handlers[n] = remove(e.handlers[n], sub)
		}
	}
}

func remove(subs []*Subscription, sub *Subscription) []*Subscription {
	for i, s := range subs {
		if s == sub {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

// Clear removes every subscriber on the named events. Clearing Wildcard (or
// calling Clear with no arguments) removes all subscribers on all events,
// wildcard receivers included.
func (e *Emitter) Clear(events ...string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.validate(events); err != nil {
		return err
	}
	all := len(events) == 0
	for _, n := range events {
		if n == Wildcard {
			all = true
		}
	}
	if all {
		for n := range e.handlers {
			e.handlers[n] = nil
		}
		e.wildcard = nil
		return nil
	}
	for _, n := range events {
		e.handlers[n] = nil
	}
	return nil
}

// Emit synchronously delivers data to wildcard receivers first, then to each
// handler registered for the event, in subscription order.
func (e *Emitter) Emit(name string, data any) error {
	e.mu.Lock()
	if _, ok := e.handlers[name]; !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	run := make([]*Subscription, 0, len(e.wildcard)+len(e.handlers[name]))
	for _, s := range append(append([]*Subscription(nil), e.wildcard...), e.handlers[name]...) {
		if s.once {
			if s.fired {
				continue
			}
			s.fired = true
		}
		run = append(run, s)
	}
	e.mu.Unlock()

	ev := Event{Name: name, Data: data}
	for _, s := range run {
		if s.once {
			s.Cancel()
		}
		s.h(ev)
	}
	return nil
}
