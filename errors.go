package orchid

import (
	"errors"
	"fmt"
	"time"

	"github.com/jkarhu/orchid/internal/dag"
	"github.com/jkarhu/orchid/pkg/emitter"
	"github.com/jkarhu/orchid/pkg/fsm"
)

// Re-export the sentinel errors of the supporting packages so callers can
// classify failures with errors.Is without importing internals.
var (
	// ErrDuplicateID is returned by Add when a task id is already present.
	ErrDuplicateID = dag.ErrDuplicateID

	// ErrCycleDetected is returned when a dependency edge would create a
	// cycle, self-edges included.
	ErrCycleDetected = dag.ErrCycleDetected

	// ErrUnknownVertex is returned when a task id is not present in the
	// workflow.
	ErrUnknownVertex = dag.ErrUnknownVertex

	// ErrInvalidTransition is returned for lifecycle calls that are not
	// legal from the current state.
	ErrInvalidTransition = fsm.ErrInvalidTransition

	// ErrUnknownEvent is returned when subscribing to an undeclared event
	// name.
	ErrUnknownEvent = emitter.ErrUnknownEvent
)

var (
	// ErrCancelled is installed as a task's error when it is cancelled
	// before running.
	ErrCancelled = errors.New("task was cancelled")

	// ErrRemoved is returned when a task was removed between scheduling
	// and the start of an attempt.
	ErrRemoved = errors.New("task removed before execution")
)

// TimeoutError is returned when a task attempt exceeds its per-attempt
// budget. It participates in the retry loop like any other failure.
type TimeoutError struct {
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task timed out after %s", e.Limit)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
