package orchid

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkarhu/orchid/internal/recorder"
)

// DefaultBackoff is the base retry delay used when WithBackoff is not
// given. The actual delay before attempt k+1 is backoff * 2^k.
const DefaultBackoff = 200 * time.Millisecond

type workflowConfig struct {
	id            string
	maxConcurrent int
	logger        *slog.Logger
	metrics       *Metrics
	recorder      recorder.Store
}

// WorkflowOption configures a Workflow at construction time.
type WorkflowOption func(*workflowConfig)

// WithWorkflowID sets the workflow's identity. Defaults to a fresh UUID.
func WithWorkflowID(id string) WorkflowOption {
	return func(c *workflowConfig) { c.id = id }
}

// WithMaxConcurrent bounds how many tasks may run user work at once.
// Defaults to 1; values below 1 are treated as 1.
func WithMaxConcurrent(n int) WorkflowOption {
	return func(c *workflowConfig) { c.maxConcurrent = n }
}

// WithLogger installs structured logging of workflow and task lifecycle
// transitions on the given slog.Logger.
func WithLogger(l *slog.Logger) WorkflowOption {
	return func(c *workflowConfig) { c.logger = l }
}

// WithMetrics wires lifecycle counters into m.
func WithMetrics(m *Metrics) WorkflowOption {
	return func(c *workflowConfig) { c.metrics = m }
}

// WithRecorder persists terminal task snapshots and the final workflow
// snapshot to the given store.
func WithRecorder(s recorder.Store) WorkflowOption {
	return func(c *workflowConfig) { c.recorder = s }
}

func buildWorkflowConfig(opts []WorkflowOption) workflowConfig {
	cfg := workflowConfig{maxConcurrent: 1}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.id == "" {
		cfg.id = uuid.NewString()
	}
	if cfg.maxConcurrent < 1 {
		cfg.maxConcurrent = 1
	}
	return cfg
}

type taskConfig struct {
	id         string
	reliesOn   []string
	priority   int
	retryLimit int
	backoff    time.Duration
	timeout    time.Duration
	backoffSet bool
}

// TaskOption configures a task passed to Workflow.Add.
type TaskOption func(*taskConfig)

// WithID sets the task id, which must be unique within the workflow.
// Defaults to a fresh UUID.
func WithID(id string) TaskOption {
	return func(c *taskConfig) { c.id = id }
}

// WithReliesOn declares the ids of the tasks this one depends on, in the
// order their results are passed to the work function.
func WithReliesOn(ids ...string) TaskOption {
	return func(c *taskConfig) { c.reliesOn = append(c.reliesOn, ids...) }
}

// WithPriority sets the topological tie-breaker; higher runs first.
func WithPriority(p int) TaskOption {
	return func(c *taskConfig) { c.priority = p }
}

// WithRetryLimit sets how many additional attempts follow a failure.
func WithRetryLimit(n int) TaskOption {
	return func(c *taskConfig) {
		if n < 0 {
			n = 0
		}
		c.retryLimit = n
	}
}

// WithBackoff sets the base retry delay; attempt k+1 waits backoff * 2^k.
func WithBackoff(d time.Duration) TaskOption {
	return func(c *taskConfig) {
		if d < 0 {
			d = 0
		}
		c.backoff = d
		c.backoffSet = true
	}
}

// WithTimeout sets the per-attempt wall-clock budget. Zero means no limit.
func WithTimeout(d time.Duration) TaskOption {
	return func(c *taskConfig) { c.timeout = d }
}

func buildTaskConfig(opts []TaskOption) taskConfig {
	cfg := taskConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.id == "" {
		cfg.id = uuid.NewString()
	}
	if !cfg.backoffSet {
		cfg.backoff = DefaultBackoff
	}
	return cfg
}
