// Package fsm implements a small declarative finite state machine.
//
// A Machine is built from an initial state and a map of named transitions.
// Invoking a transition validates the current state, moves the machine, and
// emits a fixed sequence of lifecycle events through an embedded emitter:
//
//	<transition>.before
//	<from>.leave
//	<to>.enter
//	<transition>.after
//
// All four events carry the same Event context, and the whole chain runs
// synchronously on the invoking goroutine.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jkarhu/orchid/pkg/emitter"
)

// Any, used in a transition's From list, matches every current state.
const Any = "*"

// ErrInvalidTransition is returned when a transition is not defined or its
// From set does not include the machine's current state.
var ErrInvalidTransition = errors.New("invalid transition")

// Transition moves the machine from any state in From to To.
type Transition struct {
	From []string
	To   string
}

// Def declares a machine: its initial state and named transitions.
type Def struct {
	Initial     string
	Transitions map[string]Transition
}

// Event is the context value delivered with every lifecycle event of one
// Invoke call.
type Event struct {
	ID         string
	Payload    any
	From       string
	To         string
	Transition string
}

// Handler receives the event name it fired under and the transition context.
type Handler func(event string, ev Event)

// Machine is a declarative state machine bound to an owning payload.
type Machine struct {
	id      string
	payload any
	def     Def

	stateMu sync.RWMutex
	state   string

	// invokeMu serializes whole transitions so the before/leave/enter/after
	// chain of one Invoke never interleaves with another.
	invokeMu sync.Mutex

	em          *emitter.Emitter
	states      map[string]struct{}
	transitions map[string]struct{}
}

// New builds a Machine in def.Initial. The id and payload are carried on
// every emitted Event.
func New(id string, payload any, def Def) (*Machine, error) {
	if def.Initial == "" {
		return nil, errors.New("fsm: initial state is required")
	}
	if len(def.Transitions) == 0 {
		return nil, errors.New("fsm: at least one transition is required")
	}

	states := map[string]struct{}{def.Initial: {}}
	transitions := make(map[string]struct{}, len(def.Transitions))
	for name, tr := range def.Transitions {
		if tr.To == "" {
			return nil, fmt.Errorf("fsm: transition %q has no target state", name)
		}
		transitions[name] = struct{}{}
		states[tr.To] = struct{}{}
		for _, from := range tr.From {
			if from != Any {
				states[from] = struct{}{}
			}
		}
	}

	names := make([]string, 0, 2*len(states)+2*len(transitions))
	for s := range states {
		names = append(names, s+".enter", s+".leave")
	}
	for t := range transitions {
		names = append(names, t+".before", t+".after")
	}
	sort.Strings(names)

	return &Machine{
		id:          id,
		payload:     payload,
		def:         def,
		state:       def.Initial,
		em:          emitter.New(names...),
		states:      states,
		transitions: transitions,
	}, nil
}

// ID returns the machine's identity.
func (m *Machine) ID() string { return m.id }

// Payload returns the owning value the machine was constructed with.
func (m *Machine) Payload() any { return m.payload }

// Current returns the current state.
func (m *Machine) Current() string {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// Is reports whether the machine is currently in state s.
func (m *Machine) Is(s string) bool { return m.Current() == s }

// EventNames returns every event name the machine can emit, sorted.
func (m *Machine) EventNames() []string {
	names := m.em.Names()
	sort.Strings(names)
	return names
}

// Invoke runs the named transition. It fails with ErrInvalidTransition when
// the transition is unknown or not legal from the current state. A handler
// observing the .after event sees the new state.
func (m *Machine) Invoke(name string) error {
	m.invokeMu.Lock()
	defer m.invokeMu.Unlock()

	tr, ok := m.def.Transitions[name]
	if !ok {
		return fmt.Errorf("%w: %q is not a transition of machine %s", ErrInvalidTransition, name, m.id)
	}

	from := m.Current()
	if !matches(tr.From, from) {
		return fmt.Errorf("%w: cannot %q from state %q", ErrInvalidTransition, name, from)
	}

	ev := Event{
		ID:         m.id,
		Payload:    m.payload,
		From:       from,
		To:         tr.To,
		Transition: name,
	}

	_ = m.em.Emit(name+".before", ev)
	_ = m.em.Emit(from+".leave", ev)

	m.stateMu.Lock()
	m.state = tr.To
	m.stateMu.Unlock()

	_ = m.em.Emit(tr.To+".enter", ev)
	_ = m.em.Emit(name+".after", ev)
	return nil
}

func matches(from []string, current string) bool {
	for _, f := range from {
		if f == Any || f == current {
			return true
		}
	}
	return false
}

// On subscribes to raw event names ("running.enter", "start.after", or the
// wildcard "*"). Unknown names fail with emitter.ErrUnknownEvent.
func (m *Machine) On(events []string, h Handler) (*emitter.Subscription, error) {
	return m.em.On(events, wrap(h))
}

// OnContext is On with a cancellation token; the subscription is removed
// when ctx is done.
func (m *Machine) OnContext(ctx context.Context, events []string, h Handler) (*emitter.Subscription, error) {
	return m.em.OnContext(ctx, events, wrap(h))
}

// Once subscribes to raw event names for a single delivery.
func (m *Machine) Once(events []string, h Handler) (*emitter.Subscription, error) {
	return m.em.Once(events, wrap(h))
}

// OnBefore subscribes to the .before event of each named transition.
func (m *Machine) OnBefore(transitions []string, h Handler) (*emitter.Subscription, error) {
	return m.suffixed(transitions, m.transitions, ".before", h)
}

// OnAfter subscribes to the .after event of each named transition.
func (m *Machine) OnAfter(transitions []string, h Handler) (*emitter.Subscription, error) {
	return m.suffixed(transitions, m.transitions, ".after", h)
}

// OnEnter subscribes to the .enter event of each named state.
func (m *Machine) OnEnter(states []string, h Handler) (*emitter.Subscription, error) {
	return m.suffixed(states, m.states, ".enter", h)
}

// OnLeave subscribes to the .leave event of each named state.
func (m *Machine) OnLeave(states []string, h Handler) (*emitter.Subscription, error) {
	return m.suffixed(states, m.states, ".leave", h)
}

func (m *Machine) suffixed(names []string, known map[string]struct{}, suffix string, h Handler) (*emitter.Subscription, error) {
	events := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := known[n]; !ok {
			return nil, fmt.Errorf("%w: %q", emitter.ErrUnknownEvent, n)
		}
		events = append(events, n+suffix)
	}
	return m.em.On(events, wrap(h))
}

// Stream returns a pull-based reader over the named events; see
// emitter.Stream for buffering semantics.
func (m *Machine) Stream(events ...string) (*emitter.Stream, error) {
	return m.em.Stream(events...)
}

// Clear removes subscribers; see emitter.Clear.
func (m *Machine) Clear(events ...string) error {
	return m.em.Clear(events...)
}

func wrap(h Handler) emitter.Handler {
	return func(e emitter.Event) {
		ev, _ := e.Data.(Event)
		h(e.Name, ev)
	}
}
