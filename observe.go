package orchid

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jkarhu/orchid/internal/recorder"
	"github.com/jkarhu/orchid/pkg/emitter"
	"github.com/jkarhu/orchid/pkg/fsm"
)

// Metrics collects simple lifecycle counters and aggregate attempt
// durations for one or more workflows. Pass the same Metrics value to
// several workflows to aggregate across them.
type Metrics struct {
	tasksStarted   atomic.Int64
	tasksSucceeded atomic.Int64
	tasksFailed    atomic.Int64
	tasksCancelled atomic.Int64
	retries        atomic.Int64

	attemptsObserved atomic.Int64
	totalAttemptNs   atomic.Int64
}

// MetricsSnapshot is an immutable snapshot of Metrics.
type MetricsSnapshot struct {
	TasksStarted   int64
	TasksSucceeded int64
	TasksFailed    int64
	TasksCancelled int64
	Retries        int64

	AvgAttemptDuration time.Duration
}

// Snapshot returns a snapshot of the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	attempts := m.attemptsObserved.Load()
	totalNs := m.totalAttemptNs.Load()

	var avg time.Duration
	if attempts > 0 {
		avg = time.Duration(totalNs / attempts)
	}

	return MetricsSnapshot{
		TasksStarted:       m.tasksStarted.Load(),
		TasksSucceeded:     m.tasksSucceeded.Load(),
		TasksFailed:        m.tasksFailed.Load(),
		TasksCancelled:     m.tasksCancelled.Load(),
		Retries:            m.retries.Load(),
		AvgAttemptDuration: avg,
	}
}

func (m *Metrics) observeAttempt(d time.Duration, err error) {
	// Only successful attempts count toward the average duration.
	if err == nil {
		m.attemptsObserved.Add(1)
		m.totalAttemptNs.Add(d.Nanoseconds())
	}
}

func (m *Metrics) attach(plane *emitter.Emitter) {
	count := func(events []string, f func(t *Task)) {
		_, _ = plane.On(events, func(e emitter.Event) {
			ev, ok := e.Data.(fsm.Event)
			if !ok {
				return
			}
			if t, ok := ev.Payload.(*Task); ok {
				f(t)
			}
		})
	}
	count([]string{TransitionStart + ".after"}, func(*Task) { m.tasksStarted.Add(1) })
	count([]string{TaskSucceeded + ".enter"}, func(*Task) { m.tasksSucceeded.Add(1) })
	count([]string{TaskCancelled + ".enter"}, func(*Task) { m.tasksCancelled.Add(1) })
	count([]string{TransitionRetry + ".after"}, func(*Task) { m.retries.Add(1) })
	count([]string{TaskFailed + ".enter"}, func(t *Task) {
		if t.exhausted() {
			m.tasksFailed.Add(1)
		}
	})
}

// logWriter logs workflow and task lifecycle transitions using log/slog.
type logWriter struct {
	l          *slog.Logger
	workflowID string
}

func (lw *logWriter) attachWorkflow(m *fsm.Machine) {
	_, _ = m.On([]string{emitter.Wildcard}, func(event string, ev fsm.Event) {
		lw.l.Info("workflow_event",
			slog.String("workflow_id", lw.workflowID),
			slog.String("event", event),
			slog.String("from", ev.From),
			slog.String("to", ev.To),
		)
	})
}

func (lw *logWriter) attachPlane(plane *emitter.Emitter) {
	log := func(events []string, f func(t *Task)) {
		_, _ = plane.On(events, func(e emitter.Event) {
			ev, ok := e.Data.(fsm.Event)
			if !ok {
				return
			}
			if t, ok := ev.Payload.(*Task); ok {
				f(t)
			}
		})
	}
	log([]string{TransitionStart + ".after"}, func(t *Task) {
		lw.l.Debug("task_start",
			slog.String("workflow_id", lw.workflowID),
			slog.String("task_id", t.ID()),
			slog.Int("attempt", t.Attempts()),
		)
	})
	log([]string{TaskSucceeded + ".enter"}, func(t *Task) {
		lw.l.Debug("task_succeeded",
			slog.String("workflow_id", lw.workflowID),
			slog.String("task_id", t.ID()),
		)
	})
	log([]string{TaskCancelled + ".enter"}, func(t *Task) {
		lw.l.Debug("task_cancelled",
			slog.String("workflow_id", lw.workflowID),
			slog.String("task_id", t.ID()),
		)
	})
	log([]string{TaskFailed + ".enter"}, func(t *Task) {
		level := slog.LevelWarn
		if t.exhausted() {
			level = slog.LevelError
		}
		lw.l.Log(context.Background(), level, "task_failed",
			slog.String("workflow_id", lw.workflowID),
			slog.String("task_id", t.ID()),
			slog.Any("error", t.Err()),
		)
	})
}

func (lw *logWriter) attemptCompleted(ctx context.Context, t *Task, d time.Duration, err error) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	lw.l.Log(ctx, level, "attempt_completed",
		slog.String("workflow_id", lw.workflowID),
		slog.String("task_id", t.ID()),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// recordTask persists a terminal task snapshot. Store errors are logged
// when a logger is configured; they never fail the workflow.
func (w *Workflow) recordTask(t *Task) {
	snap := t.Snapshot()
	err := w.rec.SaveTaskRecord(recorder.TaskRecord{
		WorkflowID: w.id,
		TaskID:     snap.ID,
		State:      snap.State,
		Result:     snap.Result,
		Error:      snap.Error,
		Attempts:   snap.Attempts,
		Priority:   snap.Priority,
		RecordedAt: time.Now(),
	})
	if err != nil && w.logger != nil {
		w.logger.l.Warn("task_record_failed",
			slog.String("workflow_id", w.id),
			slog.String("task_id", snap.ID),
			slog.Any("error", err),
		)
	}
}

func (w *Workflow) recordWorkflow() {
	err := w.rec.SaveWorkflowRecord(recorder.WorkflowRecord{
		ID:         w.id,
		State:      w.State(),
		RecordedAt: time.Now(),
	})
	if err != nil && w.logger != nil {
		w.logger.l.Warn("workflow_record_failed",
			slog.String("workflow_id", w.id),
			slog.Any("error", err),
		)
	}
}
