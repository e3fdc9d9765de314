package orchid

import (
	"time"
)

// TaskSnapshot is a structural copy of a task's observable state.
type TaskSnapshot struct {
	ID         string        `json:"id"`
	State      string        `json:"state"`
	Result     any           `json:"result,omitempty"`
	Error      string        `json:"error,omitempty"`
	ReliesOn   []string      `json:"relies_on,omitempty"`
	Priority   int           `json:"priority"`
	Timeout    time.Duration `json:"timeout"`
	Backoff    time.Duration `json:"backoff"`
	RetryLimit int           `json:"retry_limit"`
	Attempts   int           `json:"attempts"`
}

// Snapshot returns the task's current structural snapshot. Errors are
// stringified so the snapshot is serializable.
func (t *Task) Snapshot() TaskSnapshot {
	t.mu.Lock()
	result := t.result
	starts := t.starts
	errStr := ""
	if t.err != nil {
		errStr = t.err.Error()
	}
	t.mu.Unlock()

	return TaskSnapshot{
		ID:         t.id,
		State:      t.State(),
		Result:     result,
		Error:      errStr,
		ReliesOn:   t.ReliesOn(),
		Priority:   t.priority,
		Timeout:    t.timeout,
		Backoff:    t.backoff,
		RetryLimit: t.retryLimit,
		Attempts:   starts,
	}
}

// WorkflowSnapshot is a structural copy of a workflow and its tasks.
type WorkflowSnapshot struct {
	ID    string         `json:"id"`
	State string         `json:"state"`
	Tasks []TaskSnapshot `json:"tasks"`
}

// Snapshot returns the workflow's structural snapshot with its tasks in
// insertion order.
func (w *Workflow) Snapshot() WorkflowSnapshot {
	tasks := w.tasks()
	snaps := make([]TaskSnapshot, len(tasks))
	for i, t := range tasks {
		snaps[i] = t.Snapshot()
	}
	return WorkflowSnapshot{
		ID:    w.id,
		State: w.State(),
		Tasks: snaps,
	}
}
