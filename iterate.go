package orchid

import (
	"context"

	"github.com/jkarhu/orchid/pkg/emitter"
	"github.com/jkarhu/orchid/pkg/fsm"
)

// Results starts the scheduler if the workflow is idle and returns a channel
// that delivers each task once, when it reaches a terminal lifecycle event
// (succeeded, cancelled, removed, or failed with retries exhausted). The
// channel closes after every task has been delivered, at which point the
// workflow transitions to done. If the workflow already finished, the cached
// terminal-order list is replayed.
//
// Multiple iterators may be consumed concurrently; each pulls independently
// from the event plane. Cancel ctx to abandon iteration early.
func (w *Workflow) Results(ctx context.Context) <-chan *Task {
	out := make(chan *Task)
	go func() {
		defer close(out)

		switch w.State() {
		case WorkflowDone, WorkflowAborted:
			for _, t := range w.finishedTasks() {
				select {
				case out <- t:
				case <-ctx.Done():
					return
				}
			}
			return
		}

		stream, err := w.plane.Stream(EventTaskSettled)
		if err != nil {
			return
		}
		defer stream.Cancel()

		total := w.graph.Len()
		yielded := make(map[string]struct{}, total)

		deliver := func(t *Task) bool {
			if _, dup := yielded[t.ID()]; dup {
				return true
			}
			yielded[t.ID()] = struct{}{}
			select {
			case out <- t:
				return true
			case <-ctx.Done():
				return false
			}
		}

		// Another iterator may have started the scheduler already; replay
		// what finished before this subscription existed. Anything racing
		// in between shows up on the stream too and is deduplicated.
		for _, t := range w.finishedTasks() {
			if !deliver(t) {
				return
			}
		}

		w.start(ctx)

		for len(yielded) < total {
			ev, err := stream.Next(ctx)
			if err != nil {
				return
			}
			fev, ok := ev.Data.(fsm.Event)
			if !ok {
				continue
			}
			t, ok := fev.Payload.(*Task)
			if !ok {
				continue
			}
			if !deliver(t) {
				return
			}
		}

		w.end()
	}()
	return out
}

// StreamOptions filters the tasks delivered by Workflow.Stream.
type StreamOptions struct {
	// States lists the terminal states to pass through. Empty defaults to
	// only succeeded tasks; include "*" to pass every state. Consumers who
	// want a full trace must opt in explicitly.
	States []string

	// IncludeNonTerminal also passes tasks that other tasks depend on.
	// By default only graph-terminal tasks (no dependents) are delivered.
	IncludeNonTerminal bool

	// Filter, when set, must return true for a task to be delivered.
	Filter func(*Task) bool
}

func (o StreamOptions) match(w *Workflow, t *Task) bool {
	states := o.States
	if len(states) == 0 {
		states = []string{TaskSucceeded}
	}
	ok := false
	for _, s := range states {
		if s == "*" || s == t.State() {
			ok = true
			break
		}
	}
	if !ok {
		return false
	}
	if !o.IncludeNonTerminal && !w.graph.IsTerminal(t.ID()) {
		return false
	}
	if o.Filter != nil && !o.Filter(t) {
		return false
	}
	return true
}

// Stream wraps Results with the given filters.
func (w *Workflow) Stream(ctx context.Context, opts StreamOptions) <-chan *Task {
	out := make(chan *Task)
	cctx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(out)
		defer cancel()
		for t := range w.Results(cctx) {
			if !opts.match(w, t) {
				continue
			}
			select {
			case out <- t:
			case <-cctx.Done():
				return
			}
		}
	}()
	return out
}

// Try iterates task results rather than tasks, fail-fast: the first task
// whose final state is failed aborts the workflow and delivers that task's
// error on the second channel, ending iteration. Cancelled and removed
// tasks produce no result and are skipped. Both channels close when
// iteration ends.
func (w *Workflow) Try(ctx context.Context) (<-chan any, <-chan error) {
	results := make(chan any)
	errs := make(chan error, 1)
	cctx, cancel := context.WithCancel(ctx)

	// Abort synchronously on the failure event itself, not when the
	// consumer gets around to it: the failing task still holds its permit
	// at that point, so tasks that have not started observe the abort
	// before their next attempt can begin.
	sub, _ := w.plane.On([]string{TaskFailed + ".enter"}, func(e emitter.Event) {
		ev, ok := e.Data.(fsm.Event)
		if !ok {
			return
		}
		if t, ok := ev.Payload.(*Task); ok && t.exhausted() {
			_ = w.Abort()
		}
	})

	go func() {
		defer close(results)
		defer close(errs)
		defer cancel()
		if sub != nil {
			defer sub.Cancel()
		}
		for t := range w.Results(cctx) {
			switch {
			case t.State() == TaskFailed && t.exhausted():
				_ = w.Abort()
				errs <- t.Err()
				return
			case t.State() == TaskSucceeded:
				select {
				case results <- t.Result():
				case <-cctx.Done():
					return
				}
			}
		}
	}()
	return results, errs
}
