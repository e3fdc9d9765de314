package orchid

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jkarhu/orchid/internal/dag"
	"github.com/jkarhu/orchid/internal/recorder"
	"github.com/jkarhu/orchid/internal/sema"
	"github.com/jkarhu/orchid/pkg/emitter"
	"github.com/jkarhu/orchid/pkg/fsm"
)

// Workflow lifecycle states.
const (
	WorkflowIdle      = "idle"
	WorkflowExecuting = "executing"
	WorkflowPaused    = "paused"
	WorkflowDone      = "done"
	WorkflowAborted   = "aborted"
)

// Workflow lifecycle transitions.
const (
	TransitionBegin  = "begin"
	TransitionPause  = "pause"
	TransitionResume = "resume"
	TransitionEnd    = "end"
	TransitionAbort  = "abort"
)

func workflowDef() fsm.Def {
	return fsm.Def{
		Initial: WorkflowIdle,
		Transitions: map[string]fsm.Transition{
			TransitionBegin:  {From: []string{WorkflowIdle}, To: WorkflowExecuting},
			TransitionPause:  {From: []string{WorkflowExecuting}, To: WorkflowPaused},
			TransitionResume: {From: []string{WorkflowPaused}, To: WorkflowExecuting},
			TransitionEnd:    {From: []string{WorkflowExecuting, WorkflowPaused}, To: WorkflowDone},
			TransitionAbort:  {From: []string{WorkflowExecuting, WorkflowPaused}, To: WorkflowAborted},
		},
	}
}

// taskEventNames returns every event name a task state machine can emit.
func taskEventNames() []string {
	m, err := fsm.New("task-template", nil, taskDef())
	if err != nil {
		panic(err)
	}
	return m.EventNames()
}

// EventTaskSettled is emitted on the task event plane exactly once per
// task, at the moment it reaches a terminal lifecycle event: succeeded,
// cancelled, removed, or failed with retries exhausted. The iteration modes
// are driven by it, and it is subscribable through OnTask and TaskStream
// like any task event.
const EventTaskSettled = "settled"

// terminalTaskEvents are the raw plane events that may mark the end of a
// task's execution. A failed.enter delivery is terminal only when the task
// has no retries left at emission time.
var terminalTaskEvents = []string{
	TaskSucceeded + ".enter",
	TaskCancelled + ".enter",
	TaskRemoved + ".enter",
	TaskFailed + ".enter",
}

// future is a one-shot result cell for a scheduled task.
type future struct {
	done chan struct{}
	once sync.Once
	val  any
	err  error
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

func (f *future) resolve(val any, err error) {
	f.once.Do(func() {
		f.val = val
		f.err = err
		close(f.done)
	})
}

func (f *future) wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Workflow owns a dependency graph of tasks, a lifecycle state machine, the
// concurrency semaphore, and the event plane that the iteration modes drain.
type Workflow struct {
	id      string
	graph   *dag.Graph
	fsm     *fsm.Machine
	sem     *sema.Sema
	plane   *emitter.Emitter
	logger  *logWriter
	metrics *Metrics
	rec     recorder.Store

	mu        sync.Mutex
	processed map[string]*future
	removals  map[string]struct{}
	pauseGate chan struct{}
	finished  []*Task
	finishSet map[string]struct{}

	startOnce sync.Once
}

// NewWorkflow constructs an empty workflow. By default at most one task
// runs at a time and the workflow gets a fresh UUID identity.
func NewWorkflow(opts ...WorkflowOption) *Workflow {
	cfg := buildWorkflowConfig(opts)

	w := &Workflow{
		id:        cfg.id,
		graph:     dag.New(),
		sem:       sema.New(cfg.maxConcurrent),
		plane:     emitter.New(append(taskEventNames(), EventTaskSettled)...),
		metrics:   cfg.metrics,
		rec:       cfg.recorder,
		processed: make(map[string]*future),
		removals:  make(map[string]struct{}),
		finishSet: make(map[string]struct{}),
	}
	if cfg.logger != nil {
		w.logger = &logWriter{l: cfg.logger, workflowID: cfg.id}
	}

	m, err := fsm.New(cfg.id, w, workflowDef())
	if err != nil {
		// workflowDef is static; a construction failure is a programming
		// error in this package.
		panic(err)
	}
	w.fsm = m

	w.installLifecycleHandlers()
	w.installPlaneHandlers()
	return w
}

func (w *Workflow) installLifecycleHandlers() {
	// Entering paused allocates the gate that task attempts wait on;
	// leaving paused opens it.
	_, _ = w.fsm.OnEnter([]string{WorkflowPaused}, func(string, fsm.Event) {
		w.mu.Lock()
		w.pauseGate = make(chan struct{})
		w.mu.Unlock()
	})
	_, _ = w.fsm.OnLeave([]string{WorkflowPaused}, func(string, fsm.Event) {
		w.mu.Lock()
		if w.pauseGate != nil {
			close(w.pauseGate)
			w.pauseGate = nil
		}
		w.mu.Unlock()
	})

	// Aborting cancels every task that has not started yet.
	_, _ = w.fsm.OnEnter([]string{WorkflowAborted}, func(string, fsm.Event) {
		for _, t := range w.tasks() {
			if t.State() == TaskPending {
				t.Cancel()
			}
		}
	})

	// Deferred removals are applied on the way into a terminal state so an
	// active topological traversal is never perturbed.
	_, _ = w.fsm.OnBefore([]string{TransitionEnd, TransitionAbort}, func(string, fsm.Event) {
		w.drainRemovals()
	})

	if w.logger != nil {
		w.logger.attachWorkflow(w.fsm)
	}
	if w.rec != nil {
		_, _ = w.fsm.OnEnter([]string{WorkflowDone, WorkflowAborted}, func(string, fsm.Event) {
			w.recordWorkflow()
		})
	}
}

func (w *Workflow) installPlaneHandlers() {
	// The finished list is the ordered cache the iterators replay after the
	// workflow reaches a terminal state. The exhausted check runs
	// synchronously on the emitting goroutine, so the attempt counter is
	// exact; the settled event re-emitted here is what the iterators
	// consume.
	_, _ = w.plane.On(terminalTaskEvents, func(e emitter.Event) {
		ev, ok := e.Data.(fsm.Event)
		if !ok {
			return
		}
		t, ok := ev.Payload.(*Task)
		if !ok {
			return
		}
		if e.Name == TaskFailed+".enter" && !t.exhausted() {
			return
		}
		w.mu.Lock()
		if _, dup := w.finishSet[t.ID()]; dup {
			w.mu.Unlock()
			return
		}
		w.finishSet[t.ID()] = struct{}{}
		w.finished = append(w.finished, t)
		w.mu.Unlock()

		if w.rec != nil {
			w.recordTask(t)
		}
		_ = w.plane.Emit(EventTaskSettled, ev)
	})

	if w.metrics != nil {
		w.metrics.attach(w.plane)
	}
	if w.logger != nil {
		w.logger.attachPlane(w.plane)
	}
}

// ID returns the workflow identity.
func (w *Workflow) ID() string { return w.id }

// State returns the workflow lifecycle state.
func (w *Workflow) State() string { return w.fsm.Current() }

// Active returns the number of tasks currently holding a concurrency
// permit.
func (w *Workflow) Active() int { return w.sem.Active() }

// MaxConcurrent returns the semaphore capacity.
func (w *Workflow) MaxConcurrent() int { return w.sem.Max() }

// Len returns the number of tasks in the graph.
func (w *Workflow) Len() int { return w.graph.Len() }

// Add creates a task for work and inserts it into the dependency graph.
// The task starts in pending. Duplicate ids fail with ErrDuplicateID, and a
// reliesOn entry that closes a cycle fails with ErrCycleDetected.
func (w *Workflow) Add(work WorkFunc, opts ...TaskOption) (*Task, error) {
	cfg := buildTaskConfig(opts)

	t, err := newTask(w, work, cfg)
	if err != nil {
		return nil, err
	}

	// Forward every task event into the workflow's event plane before the
	// add transition fires, so no lifecycle event is lost.
	sub, err := t.fsm.On([]string{emitter.Wildcard}, func(name string, ev fsm.Event) {
		_ = w.plane.Emit(name, ev)
	})
	if err != nil {
		return nil, err
	}

	if err := w.graph.AddVertex(cfg.id, t, cfg.reliesOn); err != nil {
		sub.Cancel()
		return nil, err
	}

	if err := t.fsm.Invoke(TransitionAdd); err != nil {
		_, _ = w.graph.RemoveVertex(cfg.id)
		sub.Cancel()
		return nil, err
	}
	return t, nil
}

// Remove takes a task out of the workflow. While the workflow is executing
// or paused the vertex detaches lazily: the task's removed transition fires
// immediately, but the graph and the processed map are only cleaned up on
// the next end or abort. Otherwise the vertex detaches at once.
func (w *Workflow) Remove(id string) (*Task, error) {
	v, ok := w.graph.Vertex(id)
	if !ok {
		return nil, ErrUnknownVertex
	}
	t := v.Payload.(*Task)

	switch w.State() {
	case WorkflowExecuting, WorkflowPaused:
		w.mu.Lock()
		w.removals[id] = struct{}{}
		w.mu.Unlock()
		t.Remove()
		return t, nil
	default:
		if _, err := w.graph.RemoveVertex(id); err != nil {
			return nil, err
		}
		t.Remove()
		return t, nil
	}
}

// Pause suspends task attempts at their next pause check. In-flight work is
// not interrupted. Pausing a paused workflow is a no-op.
func (w *Workflow) Pause() error {
	if w.fsm.Is(WorkflowPaused) {
		return nil
	}
	return w.fsm.Invoke(TransitionPause)
}

// Resume reopens the pause gate. Resuming an executing workflow is a no-op.
func (w *Workflow) Resume() error {
	if w.fsm.Is(WorkflowExecuting) {
		return nil
	}
	return w.fsm.Invoke(TransitionResume)
}

// Abort moves the workflow to aborted and cancels every pending task.
// Running tasks complete their current attempt. Aborting twice is a no-op.
func (w *Workflow) Abort() error {
	if w.fsm.Is(WorkflowAborted) {
		return nil
	}
	return w.fsm.Invoke(TransitionAbort)
}

// checkPause blocks while the workflow is paused.
func (w *Workflow) checkPause(ctx context.Context) error {
	w.mu.Lock()
	gate := w.pauseGate
	w.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnTask subscribes to the task event plane. Event names are the task
// lifecycle events ("running.enter", "retry.after", ...) or the wildcard.
func (w *Workflow) OnTask(events []string, h fsm.Handler) (*emitter.Subscription, error) {
	return w.plane.On(events, func(e emitter.Event) {
		ev, _ := e.Data.(fsm.Event)
		h(e.Name, ev)
	})
}

// TaskStream returns a pull-based reader over the task event plane.
func (w *Workflow) TaskStream(events ...string) (*emitter.Stream, error) {
	return w.plane.Stream(events...)
}

// OnLifecycle subscribes to the workflow's own state machine events
// ("executing.enter", "abort.after", ...).
func (w *Workflow) OnLifecycle(events []string, h fsm.Handler) (*emitter.Subscription, error) {
	return w.fsm.On(events, h)
}

// LifecycleStream returns a pull-based reader over the workflow state
// machine events.
func (w *Workflow) LifecycleStream(events ...string) (*emitter.Stream, error) {
	return w.fsm.Stream(events...)
}

// start launches the scheduler once per workflow life.
func (w *Workflow) start(ctx context.Context) {
	w.startOnce.Do(func() {
		go w.process(ctx)
	})
}

// process is the single scheduler pass: it submits every task in
// topological order (higher priority first) and waits for all of them to
// settle.
func (w *Workflow) process(ctx context.Context) {
	if err := w.fsm.Invoke(TransitionBegin); err != nil {
		return
	}
	if w.fsm.Is(WorkflowAborted) {
		return
	}
	if err := w.checkPause(ctx); err != nil {
		return
	}

	order := w.graph.Sorted(byPriority)

	// Reserve semaphore places synchronously in topological order: a task's
	// dependencies are always ahead of it in the permit queue, which keeps
	// submission deadlock-free and makes the admission order deterministic.
	g := new(errgroup.Group)
	for _, v := range order {
		f := w.run(ctx, v.ID, w.sem.Enqueue())
		g.Go(func() error {
			_, _ = f.wait(ctx)
			return nil
		})
	}
	_ = g.Wait()
}

// byPriority orders vertices higher priority first; insertion order breaks
// ties via the stable sort in dag.Sorted.
func byPriority(a, b *dag.Vertex) bool {
	ta := a.Payload.(*Task)
	tb := b.Payload.(*Task)
	return ta.priority > tb.priority
}

// run schedules one task, memoized on the processed map so each task runs
// exactly once. The returned future settles with the task's result, or with
// its error both as the error and as the resolved value, so dependents can
// observe failure without the scheduler unwinding.
func (w *Workflow) run(ctx context.Context, id string, tk *sema.Ticket) *future {
	w.mu.Lock()
	if f, ok := w.processed[id]; ok {
		w.mu.Unlock()
		if tk != nil {
			tk.Abandon()
		}
		return f
	}
	f := newFuture()
	w.processed[id] = f
	w.mu.Unlock()

	v, ok := w.graph.Vertex(id)
	if !ok {
		f.resolve(ErrUnknownVertex, ErrUnknownVertex)
		if tk != nil {
			tk.Abandon()
		}
		return f
	}
	t := v.Payload.(*Task)
	deps := v.Outgoing()

	if tk == nil {
		tk = w.sem.Enqueue()
	}

	go func() {
		if err := tk.Wait(ctx); err != nil {
			f.resolve(err, err)
			return
		}
		defer w.sem.Release()

		depVals := make([]any, 0, len(deps))
		failed := false
		for _, dep := range deps {
			val, derr := w.run(ctx, dep, nil).wait(ctx)
			if derr != nil {
				failed = true
				val = derr
			} else if _, isErr := val.(error); isErr {
				failed = true
			}
			depVals = append(depVals, val)
		}
		if failed {
			t.Cancel()
		}

		res, xerr := t.execute(ctx, depVals)
		if xerr != nil {
			f.resolve(xerr, xerr)
		} else {
			f.resolve(res, nil)
		}
	}()
	return f
}

// noteAttempt is called after every work invocation with its duration.
func (w *Workflow) noteAttempt(ctx context.Context, t *Task, d time.Duration, err error) {
	if w.metrics != nil {
		w.metrics.observeAttempt(d, err)
	}
	if w.logger != nil {
		w.logger.attemptCompleted(ctx, t, d, err)
	}
}

// tasks returns every task currently in the graph, in insertion order.
func (w *Workflow) tasks() []*Task {
	ids := w.graph.IDs()
	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		if v, ok := w.graph.Vertex(id); ok {
			out = append(out, v.Payload.(*Task))
		}
	}
	return out
}

// finishedTasks returns the terminal-order cache.
func (w *Workflow) finishedTasks() []*Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*Task(nil), w.finished...)
}

// drainRemovals detaches every vertex flagged for deferred removal and
// forgets its future.
func (w *Workflow) drainRemovals() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.removals))
	for id := range w.removals {
		ids = append(ids, id)
	}
	w.removals = make(map[string]struct{})
	w.mu.Unlock()

	for _, id := range ids {
		_, _ = w.graph.RemoveVertex(id)
		w.mu.Lock()
		delete(w.processed, id)
		w.mu.Unlock()
	}
}

// end moves the workflow to done once iteration has drained every task.
// A workflow that was aborted stays aborted.
func (w *Workflow) end() {
	switch w.fsm.Current() {
	case WorkflowDone, WorkflowAborted:
		return
	}
	_ = w.fsm.Invoke(TransitionEnd)
}
