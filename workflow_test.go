package orchid

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jkarhu/orchid/pkg/fsm"
)

// startOrder records task ids in the order their start transitions fire.
func startOrder(t *testing.T, w *Workflow) func() []string {
	t.Helper()

	var mu sync.Mutex
	var order []string
	_, err := w.OnTask([]string{TransitionStart + ".after"}, func(_ string, ev fsm.Event) {
		mu.Lock()
		order = append(order, ev.ID)
		mu.Unlock()
	})
	require.NoError(t, err)

	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), order...)
	}
}

// S1: a linear chain passes each task's value to its dependent and starts
// strictly in dependency order.
func TestWorkflow_LinearChain(t *testing.T) {
	t.Parallel()

	wf := NewWorkflow()
	order := startOrder(t, wf)

	_, err := wf.Add(func(context.Context, []any) (any, error) {
		return 1, nil
	}, WithID("A"))
	require.NoError(t, err)

	_, err = wf.Add(func(_ context.Context, deps []any) (any, error) {
		return deps[0].(int) + 1, nil
	}, WithID("B"), WithReliesOn("A"))
	require.NoError(t, err)

	_, err = wf.Add(func(_ context.Context, deps []any) (any, error) {
		return deps[0].(int) + 10, nil
	}, WithID("C"), WithReliesOn("B"))
	require.NoError(t, err)

	tasks := drain(t, wf)

	require.Equal(t, 1, tasks["A"].Result())
	require.Equal(t, 2, tasks["B"].Result())
	require.Equal(t, 12, tasks["C"].Result())
	require.Equal(t, []string{"A", "B", "C"}, order())
	require.Equal(t, WorkflowDone, wf.State())
}

// S2: in a diamond with maxConcurrent=2 the two middle tasks overlap in
// running, and the join sees both values in reliesOn order.
func TestWorkflow_DiamondOverlaps(t *testing.T) {
	t.Parallel()

	wf := NewWorkflow(WithMaxConcurrent(2))

	_, err := wf.Add(func(context.Context, []any) (any, error) {
		return "a", nil
	}, WithID("A"))
	require.NoError(t, err)

	bRunning := make(chan struct{})
	cRunning := make(chan struct{})
	overlap := func(mine, other chan struct{}) WorkFunc {
		return func(_ context.Context, deps []any) (any, error) {
			close(mine)
			select {
			case <-other:
			case <-time.After(2 * time.Second):
				return nil, errors.New("no overlap with sibling")
			}
			return deps[0], nil
		}
	}
	_, err = wf.Add(overlap(bRunning, cRunning), WithID("B"), WithReliesOn("A"))
	require.NoError(t, err)
	_, err = wf.Add(overlap(cRunning, bRunning), WithID("C"), WithReliesOn("A"))
	require.NoError(t, err)

	_, err = wf.Add(func(_ context.Context, deps []any) (any, error) {
		return deps[0].(string) + deps[1].(string), nil
	}, WithID("D"), WithReliesOn("B", "C"))
	require.NoError(t, err)

	tasks := drain(t, wf)

	require.Equal(t, TaskSucceeded, tasks["B"].State())
	require.Equal(t, TaskSucceeded, tasks["C"].State())
	require.Equal(t, "aa", tasks["D"].Result())
}

// S5: when a dependency fails, its dependent is cancelled and its work is
// never invoked.
func TestWorkflow_DependentCancelled(t *testing.T) {
	t.Parallel()

	wf := NewWorkflow()

	_, err := wf.Add(func(context.Context, []any) (any, error) {
		return nil, errors.New("boom")
	}, WithID("A"))
	require.NoError(t, err)

	var bInvoked atomic.Bool
	_, err = wf.Add(func(context.Context, []any) (any, error) {
		bInvoked.Store(true)
		return nil, nil
	}, WithID("B"), WithReliesOn("A"))
	require.NoError(t, err)

	tasks := drain(t, wf)

	require.Equal(t, TaskFailed, tasks["A"].State())
	require.Equal(t, TaskCancelled, tasks["B"].State())
	require.ErrorIs(t, tasks["B"].Err(), ErrCancelled)
	require.False(t, bInvoked.Load())
}

func TestWorkflow_AddErrors(t *testing.T) {
	t.Parallel()

	wf := NewWorkflow()
	noop := func(context.Context, []any) (any, error) { return nil, nil }

	_, err := wf.Add(noop, WithID("A"))
	require.NoError(t, err)

	_, err = wf.Add(noop, WithID("A"))
	require.ErrorIs(t, err, ErrDuplicateID)

	_, err = wf.Add(noop, WithID("B"), WithReliesOn("B"))
	require.ErrorIs(t, err, ErrCycleDetected)

	_, err = wf.Add(noop, WithID("C"), WithReliesOn("missing"))
	require.ErrorIs(t, err, ErrUnknownVertex)

	// Failed adds leave no residue behind.
	require.Equal(t, 1, wf.Len())
}

// Invariant 2: running tasks never exceed maxConcurrent.
func TestWorkflow_ConcurrencyBound(t *testing.T) {
	t.Parallel()

	const max = 3
	wf := NewWorkflow(WithMaxConcurrent(max))

	var current, peak atomic.Int64
	for i := 0; i < 12; i++ {
		_, err := wf.Add(func(context.Context, []any) (any, error) {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
			return nil, nil
		})
		require.NoError(t, err)
	}

	drain(t, wf)
	require.LessOrEqual(t, peak.Load(), int64(max))
	require.Zero(t, wf.Active())
}

// Independent tasks start higher priority first; ties keep insertion order.
func TestWorkflow_PriorityOrder(t *testing.T) {
	t.Parallel()

	wf := NewWorkflow()
	order := startOrder(t, wf)

	noop := func(context.Context, []any) (any, error) { return nil, nil }
	_, err := wf.Add(noop, WithID("low"), WithPriority(1))
	require.NoError(t, err)
	_, err = wf.Add(noop, WithID("high"), WithPriority(5))
	require.NoError(t, err)
	_, err = wf.Add(noop, WithID("mid-1"), WithPriority(3))
	require.NoError(t, err)
	_, err = wf.Add(noop, WithID("mid-2"), WithPriority(3))
	require.NoError(t, err)

	drain(t, wf)
	require.Equal(t, []string{"high", "mid-1", "mid-2", "low"}, order())
}

func TestWorkflow_PauseResume(t *testing.T) {
	t.Parallel()

	wf := NewWorkflow()

	aStarted := make(chan struct{})
	aRelease := make(chan struct{})
	_, err := wf.Add(func(context.Context, []any) (any, error) {
		close(aStarted)
		<-aRelease
		return "a", nil
	}, WithID("A"), WithPriority(1))
	require.NoError(t, err)

	b, err := wf.Add(func(context.Context, []any) (any, error) {
		return "b", nil
	}, WithID("B"))
	require.NoError(t, err)

	done := make(chan map[string]*Task)
	go func() { done <- drain(t, wf) }()

	<-aStarted
	require.NoError(t, wf.Pause())
	require.Equal(t, WorkflowPaused, wf.State())
	// Pausing a paused workflow is a no-op.
	require.NoError(t, wf.Pause())

	// A is in flight and not preempted; B must not start while paused.
	close(aRelease)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, TaskPending, b.State())

	require.NoError(t, wf.Resume())
	require.NoError(t, wf.Resume())

	tasks := <-done
	require.Equal(t, "a", tasks["A"].Result())
	require.Equal(t, "b", tasks["B"].Result())
	require.Equal(t, WorkflowDone, wf.State())
}

func TestWorkflow_PauseFromIdleFails(t *testing.T) {
	t.Parallel()

	wf := NewWorkflow()
	require.ErrorIs(t, wf.Pause(), ErrInvalidTransition)
	require.ErrorIs(t, wf.Resume(), ErrInvalidTransition)
}

// S8: removal during execution defers the vertex detachment to the end
// transition while the task's own removed transition fires immediately.
func TestWorkflow_DeferredRemoval(t *testing.T) {
	t.Parallel()

	wf := NewWorkflow()

	aStarted := make(chan struct{})
	_, err := wf.Add(func(context.Context, []any) (any, error) {
		close(aStarted)
		time.Sleep(50 * time.Millisecond)
		return nil, nil
	}, WithID("A"), WithPriority(1))
	require.NoError(t, err)

	_, err = wf.Add(func(context.Context, []any) (any, error) {
		return nil, nil
	}, WithID("X"))
	require.NoError(t, err)

	done := make(chan map[string]*Task)
	go func() { done <- drain(t, wf) }()

	<-aStarted
	removed, err := wf.Remove("X")
	require.NoError(t, err)
	require.Equal(t, TaskRemoved, removed.State())
	// The vertex stays attached until the end transition.
	require.Equal(t, 2, wf.Len())

	tasks := <-done
	require.Contains(t, tasks, "X")
	require.Equal(t, WorkflowDone, wf.State())
	require.Equal(t, 1, wf.Len())

	wf.mu.Lock()
	_, stillTracked := wf.processed["X"]
	wf.mu.Unlock()
	require.False(t, stillTracked, "future must be forgotten on drain")
}

func TestWorkflow_RemoveWhileIdleDetachesImmediately(t *testing.T) {
	t.Parallel()

	wf := NewWorkflow()
	_, err := wf.Add(func(context.Context, []any) (any, error) { return nil, nil }, WithID("A"))
	require.NoError(t, err)

	removed, err := wf.Remove("A")
	require.NoError(t, err)
	require.Equal(t, TaskRemoved, removed.State())
	require.Zero(t, wf.Len())

	_, err = wf.Remove("A")
	require.ErrorIs(t, err, ErrUnknownVertex)
}

func TestWorkflow_Snapshot(t *testing.T) {
	t.Parallel()

	wf := NewWorkflow(WithWorkflowID("wf-snap"))
	_, err := wf.Add(func(context.Context, []any) (any, error) { return 1, nil }, WithID("A"))
	require.NoError(t, err)
	_, err = wf.Add(func(_ context.Context, deps []any) (any, error) {
		return deps[0].(int) + 1, nil
	}, WithID("B"), WithReliesOn("A"))
	require.NoError(t, err)

	snap := wf.Snapshot()
	require.Equal(t, "wf-snap", snap.ID)
	require.Equal(t, WorkflowIdle, snap.State)
	require.Len(t, snap.Tasks, 2)

	drain(t, wf)

	snap = wf.Snapshot()
	require.Equal(t, WorkflowDone, snap.State)
	for _, ts := range snap.Tasks {
		require.Equal(t, TaskSucceeded, ts.State)
	}
}

// Workflow lifecycle events are observable with the same before/leave/
// enter/after schema as task events.
func TestWorkflow_LifecycleEvents(t *testing.T) {
	t.Parallel()

	wf := NewWorkflow()
	var mu sync.Mutex
	var events []string
	_, err := wf.OnLifecycle([]string{
		WorkflowExecuting + ".enter",
		WorkflowDone + ".enter",
	}, func(event string, _ fsm.Event) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})
	require.NoError(t, err)

	_, err = wf.Add(func(context.Context, []any) (any, error) { return nil, nil })
	require.NoError(t, err)

	drain(t, wf)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{WorkflowExecuting + ".enter", WorkflowDone + ".enter"}, events)
}
