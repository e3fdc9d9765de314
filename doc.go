// Package orchid provides an embeddable DAG-based task orchestration engine
// for Go.
//
// Orchid is designed for host programs that need to run interdependent units
// of work in a valid order, with a bounded level of concurrency, without
// introducing external infrastructure. It runs fully in-process: it is not a
// distributed scheduler, keeps no durable state, and has no network surface
// of its own.
//
// # Core Concepts
//
// The orchid programming model is intentionally small:
//
//  1. Workflow
//  2. Task
//  3. WorkFunc
//  4. Iteration modes
//  5. Event plane
//
// # Workflow
//
// A Workflow owns a dependency graph of tasks, a lifecycle state machine
// (idle, executing, paused, done, aborted), and a semaphore that bounds how
// many tasks run user work at once. Tasks are registered with Add and
// consumed through one of the iteration modes; the first consumer pull
// starts the single scheduler pass, which submits every task in topological
// order, higher priority first.
//
// Workflows can be paused and resumed mid-flight: task attempts wait on the
// pause gate before starting, while in-flight work is never interrupted.
// Abort cancels every task that has not started yet.
//
// # Task
//
// A Task wraps one WorkFunc together with its dependencies, priority, retry
// policy, and optional per-attempt timeout. Each task moves through its own
// state machine:
//
//	created → pending → running → succeeded | failed
//
// plus cancellation while pending, retry back to pending, and removal from
// any state. A failed attempt is retried up to the task's retry limit, with
// exponential backoff (backoff × 2^attempt between attempts).
//
// # WorkFunc
//
// A WorkFunc is the fundamental executable unit:
//
//	type WorkFunc func(ctx context.Context, deps []any) (any, error)
//
// It receives the resolved values of the task's dependencies in declaration
// order. When a dependency failed, its dependents are cancelled before
// their work runs.
//
// # Iteration Modes
//
// Results delivers every task once, as it reaches a terminal state. Stream
// wraps Results with state and terminality filters. Try delivers results
// instead of tasks, fail-fast: the first failed task aborts the workflow
// and surfaces its error. All three can be consumed concurrently; each
// pulls independently from the event plane.
//
// # Event Plane
//
// Every state machine transition emits before/leave/enter/after events
// through the pkg/fsm and pkg/emitter packages. The workflow multiplexes
// all of its tasks' events onto one plane, observable with OnTask and
// TaskStream. Structured logging (WithLogger), counters (WithMetrics), and
// the optional history recorder (WithRecorder) are built on the same
// events.
//
// # Example
//
//	wf := orchid.NewWorkflow(orchid.WithMaxConcurrent(2))
//	a, _ := wf.Add(fetch, orchid.WithID("fetch"))
//	_, _ = wf.Add(transform, orchid.WithID("transform"), orchid.WithReliesOn(a.ID()))
//
//	for t := range wf.Results(ctx) {
//	    log.Printf("%s: %s", t.ID(), t.State())
//	}
//
// For a complete runnable example, see example_test.go.
package orchid
