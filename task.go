package orchid

import (
	"context"
	"sync"
	"time"

	"github.com/jkarhu/orchid/pkg/emitter"
	"github.com/jkarhu/orchid/pkg/fsm"
)

// Task lifecycle states.
const (
	TaskCreated   = "created"
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskSucceeded = "succeeded"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
	TaskRemoved   = "removed"
)

// Task lifecycle transitions.
const (
	TransitionAdd     = "add"
	TransitionStart   = "start"
	TransitionSucceed = "succeed"
	TransitionFail    = "fail"
	TransitionTimeout = "timeout"
	TransitionCancel  = "cancel"
	TransitionRetry   = "retry"
	TransitionRemove  = "remove"
)

func taskDef() fsm.Def {
	return fsm.Def{
		Initial: TaskCreated,
		Transitions: map[string]fsm.Transition{
			TransitionAdd:     {From: []string{TaskCreated}, To: TaskPending},
			TransitionStart:   {From: []string{TaskPending}, To: TaskRunning},
			TransitionSucceed: {From: []string{TaskRunning}, To: TaskSucceeded},
			TransitionFail:    {From: []string{TaskRunning}, To: TaskFailed},
			TransitionTimeout: {From: []string{TaskRunning}, To: TaskFailed},
			TransitionCancel:  {From: []string{TaskPending}, To: TaskCancelled},
			TransitionRetry:   {From: []string{TaskFailed}, To: TaskPending},
			TransitionRemove:  {From: []string{fsm.Any}, To: TaskRemoved},
		},
	}
}

// WorkFunc is one unit of user work. It receives the resolved values of the
// task's dependencies in WithReliesOn order. The context carries the
// per-attempt deadline when a timeout is configured; work is never forcibly
// preempted, but well-behaved work should honor ctx.
type WorkFunc func(ctx context.Context, deps []any) (any, error)

// Task is a unit of work registered in a Workflow. All exported methods are
// safe for concurrent use.
type Task struct {
	id         string
	reliesOn   []string
	priority   int
	retryLimit int
	backoff    time.Duration
	timeout    time.Duration
	work       WorkFunc

	wf  *Workflow
	fsm *fsm.Machine

	mu      sync.Mutex
	attempt int // zero-based index of the current attempt
	starts  int // number of start transitions so far
	result  any
	err     error
}

func newTask(wf *Workflow, work WorkFunc, cfg taskConfig) (*Task, error) {
	t := &Task{
		id:         cfg.id,
		reliesOn:   append([]string(nil), cfg.reliesOn...),
		priority:   cfg.priority,
		retryLimit: cfg.retryLimit,
		backoff:    cfg.backoff,
		timeout:    cfg.timeout,
		work:       work,
		wf:         wf,
	}

	m, err := fsm.New(cfg.id, t, taskDef())
	if err != nil {
		return nil, err
	}
	t.fsm = m

	// Starting an attempt clears the previous attempt's error; cancelling
	// installs the cancellation error so execute fails immediately.
	if _, err := m.OnAfter([]string{TransitionStart}, func(string, fsm.Event) {
		t.mu.Lock()
		t.err = nil
		t.starts++
		t.mu.Unlock()
	}); err != nil {
		return nil, err
	}
	if _, err := m.OnAfter([]string{TransitionCancel}, func(string, fsm.Event) {
		t.mu.Lock()
		t.err = ErrCancelled
		t.mu.Unlock()
	}); err != nil {
		return nil, err
	}

	return t, nil
}

// ID returns the task id.
func (t *Task) ID() string { return t.id }

// State returns the current lifecycle state.
func (t *Task) State() string { return t.fsm.Current() }

// Result returns the value produced by the last successful attempt.
func (t *Task) Result() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Err returns the error captured by the last failed attempt, the
// cancellation error, or nil.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Attempts returns how many times the task has entered running.
func (t *Task) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.starts
}

// Priority returns the topological tie-breaker.
func (t *Task) Priority() int { return t.priority }

// ReliesOn returns a copy of the dependency id list.
func (t *Task) ReliesOn() []string { return append([]string(nil), t.reliesOn...) }

// RetryLimit returns the number of additional attempts allowed after a
// failure.
func (t *Task) RetryLimit() int { return t.retryLimit }

// Backoff returns the base retry delay.
func (t *Task) Backoff() time.Duration { return t.backoff }

// Timeout returns the per-attempt budget; zero means none.
func (t *Task) Timeout() time.Duration { return t.timeout }

// Cancel moves a pending task to cancelled. On a task that is already
// running, finished, or removed it is a no-op.
func (t *Task) Cancel() {
	_ = t.fsm.Invoke(TransitionCancel)
}

// Remove moves the task to removed from any state. Once removed, further
// lifecycle calls are no-ops. Use Workflow.Remove to also detach the task
// from the graph.
func (t *Task) Remove() {
	if t.fsm.Is(TaskRemoved) {
		return
	}
	_ = t.fsm.Invoke(TransitionRemove)
}

// On subscribes to the task's raw lifecycle events ("running.enter",
// "retry.after", or the wildcard "*").
func (t *Task) On(events []string, h fsm.Handler) (*emitter.Subscription, error) {
	return t.fsm.On(events, h)
}

// OnEnter subscribes to the .enter event of each named state.
func (t *Task) OnEnter(states []string, h fsm.Handler) (*emitter.Subscription, error) {
	return t.fsm.OnEnter(states, h)
}

// Stream returns a pull-based reader over the task's lifecycle events.
func (t *Task) Stream(events ...string) (*emitter.Stream, error) {
	return t.fsm.Stream(events...)
}

// exhausted reports whether a failure at the current attempt index has no
// retries left.
func (t *Task) exhausted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempt >= t.retryLimit
}

// execute runs the retry loop for this task. deps carries the resolved
// dependency values in ReliesOn order.
func (t *Task) execute(ctx context.Context, deps []any) (any, error) {
	if t.fsm.Is(TaskCancelled) {
		return nil, t.Err()
	}

	t.mu.Lock()
	t.attempt = 0
	t.mu.Unlock()

	for {
		if err := t.wf.checkPause(ctx); err != nil {
			return nil, err
		}
		if t.fsm.Is(TaskRemoved) {
			return nil, ErrRemoved
		}
		if err := t.fsm.Invoke(TransitionStart); err != nil {
			// Cancellation or removal won the race to the state machine.
			switch {
			case t.fsm.Is(TaskCancelled):
				return nil, ErrCancelled
			case t.fsm.Is(TaskRemoved):
				return nil, ErrRemoved
			default:
				return nil, err
			}
		}

		started := time.Now()
		res, err := t.runAttempt(ctx, deps)
		t.wf.noteAttempt(ctx, t, time.Since(started), err)

		if err == nil {
			t.mu.Lock()
			t.result = res
			t.mu.Unlock()
			_ = t.fsm.Invoke(TransitionSucceed)
			return res, nil
		}

		t.mu.Lock()
		t.err = err
		attempt := t.attempt
		t.mu.Unlock()

		if t.fsm.Is(TaskRunning) {
			if IsTimeout(err) {
				_ = t.fsm.Invoke(TransitionTimeout)
			} else {
				_ = t.fsm.Invoke(TransitionFail)
			}
		}

		if attempt >= t.retryLimit {
			return nil, err
		}
		if rerr := t.fsm.Invoke(TransitionRetry); rerr != nil {
			// Removed while failed; surface the captured error.
			return nil, err
		}

		if delay := t.backoff << uint(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		t.mu.Lock()
		t.attempt++
		t.mu.Unlock()
	}
}

// runAttempt invokes the work function once, racing it against the
// per-attempt timeout when one is configured. The work itself is not
// interrupted on timeout; it only loses the race.
func (t *Task) runAttempt(ctx context.Context, deps []any) (any, error) {
	if t.timeout <= 0 {
		return t.work(ctx, deps)
	}

	actx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type outcome struct {
		val any
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := t.work(actx, deps)
		ch <- outcome{val: v, err: err}
	}()

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case o := <-ch:
		return o.val, o.err
	case <-timer.C:
		return nil, &TimeoutError{Limit: t.timeout}
	}
}
