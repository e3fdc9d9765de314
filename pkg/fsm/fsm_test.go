package fsm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jkarhu/orchid/pkg/emitter"
)

func trafficLight() Def {
	return Def{
		Initial: "red",
		Transitions: map[string]Transition{
			"go":    {From: []string{"red"}, To: "green"},
			"slow":  {From: []string{"green"}, To: "yellow"},
			"stop":  {From: []string{"yellow", "green"}, To: "red"},
			"panic": {From: []string{Any}, To: "red"},
		},
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New("x", nil, Def{})
	require.Error(t, err)

	_, err = New("x", nil, Def{Initial: "a"})
	require.Error(t, err)

	_, err = New("x", nil, Def{
		Initial:     "a",
		Transitions: map[string]Transition{"t": {From: []string{"a"}}},
	})
	require.Error(t, err)
}

func TestInvoke_MovesState(t *testing.T) {
	t.Parallel()

	m, err := New("light", nil, trafficLight())
	require.NoError(t, err)
	require.Equal(t, "red", m.Current())

	require.NoError(t, m.Invoke("go"))
	require.Equal(t, "green", m.Current())
	require.True(t, m.Is("green"))
}

func TestInvoke_InvalidTransition(t *testing.T) {
	t.Parallel()

	m, err := New("light", nil, trafficLight())
	require.NoError(t, err)

	// "slow" is not legal from "red".
	err = m.Invoke("slow")
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, "red", m.Current())

	// Unknown transition names fail the same way.
	err = m.Invoke("warp")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestInvoke_WildcardFrom(t *testing.T) {
	t.Parallel()

	m, err := New("light", nil, trafficLight())
	require.NoError(t, err)

	require.NoError(t, m.Invoke("go"))
	require.NoError(t, m.Invoke("panic"))
	require.Equal(t, "red", m.Current())
}

// The four lifecycle events of one invoke arrive in a fixed order and carry
// identical context payloads.
func TestInvoke_EventOrderAndContext(t *testing.T) {
	t.Parallel()

	payload := struct{ name string }{"owner"}
	m, err := New("light", payload, trafficLight())
	require.NoError(t, err)

	var order []string
	var events []Event
	record := func(event string, ev Event) {
		order = append(order, event)
		events = append(events, ev)
	}

	_, err = m.OnBefore([]string{"go"}, record)
	require.NoError(t, err)
	_, err = m.OnLeave([]string{"red"}, record)
	require.NoError(t, err)
	_, err = m.OnEnter([]string{"green"}, record)
	require.NoError(t, err)
	_, err = m.OnAfter([]string{"go"}, record)
	require.NoError(t, err)

	require.NoError(t, m.Invoke("go"))

	require.Equal(t, []string{"go.before", "red.leave", "green.enter", "go.after"}, order)
	want := Event{ID: "light", Payload: payload, From: "red", To: "green", Transition: "go"}
	for i, ev := range events {
		require.Equal(t, want, ev, "event %d", i)
	}
}

// A handler observing .after must see the new state already assigned.
func TestInvoke_AfterSeesNewState(t *testing.T) {
	t.Parallel()

	m, err := New("light", nil, trafficLight())
	require.NoError(t, err)

	var seen string
	_, err = m.OnAfter([]string{"go"}, func(string, Event) { seen = m.Current() })
	require.NoError(t, err)

	require.NoError(t, m.Invoke("go"))
	require.Equal(t, "green", seen)
}

func TestSubscribe_ValidatesNames(t *testing.T) {
	t.Parallel()

	m, err := New("light", nil, trafficLight())
	require.NoError(t, err)

	_, err = m.OnEnter([]string{"purple"}, func(string, Event) {})
	require.ErrorIs(t, err, emitter.ErrUnknownEvent)

	_, err = m.OnBefore([]string{"warp"}, func(string, Event) {})
	require.ErrorIs(t, err, emitter.ErrUnknownEvent)

	_, err = m.On([]string{"purple.enter"}, func(string, Event) {})
	require.ErrorIs(t, err, emitter.ErrUnknownEvent)
}

func TestWildcardSubscription_SeesEverything(t *testing.T) {
	t.Parallel()

	m, err := New("light", nil, trafficLight())
	require.NoError(t, err)

	var names []string
	_, err = m.On([]string{emitter.Wildcard}, func(event string, _ Event) {
		names = append(names, event)
	})
	require.NoError(t, err)

	require.NoError(t, m.Invoke("go"))
	require.Equal(t, []string{"go.before", "red.leave", "green.enter", "go.after"}, names)
}

func TestStream_DeliversTransitions(t *testing.T) {
	t.Parallel()

	m, err := New("light", nil, trafficLight())
	require.NoError(t, err)

	s, err := m.Stream("green.enter", "yellow.enter")
	require.NoError(t, err)
	defer s.Cancel()

	require.NoError(t, m.Invoke("go"))
	require.NoError(t, m.Invoke("slow"))

	ev, err := s.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "green.enter", ev.Name)

	ev, err = s.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "yellow.enter", ev.Name)
}
