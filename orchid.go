package orchid

import (
	"database/sql"

	"github.com/jkarhu/orchid/internal/recorder"
)

// Re-export the recorder types so users don't need to dig into internal
// packages.

type (
	// RecorderStore persists terminal task records and final workflow
	// records; see WithRecorder.
	RecorderStore = recorder.Store

	// TaskRecord is the stored form of one task's terminal snapshot.
	TaskRecord = recorder.TaskRecord

	// WorkflowRecord is the stored form of a workflow's final snapshot.
	WorkflowRecord = recorder.WorkflowRecord

	// RecordFilter selects task records when listing.
	RecordFilter = recorder.Filter
)

// ErrRecordNotFound is returned when a requested record does not exist.
var ErrRecordNotFound = recorder.ErrNotFound

// Recorder constructors. These wrap the internal/recorder package so
// external callers never need to import internal packages.

// NewMemoryRecorder returns a store that keeps records in process memory.
func NewMemoryRecorder() RecorderStore {
	return recorder.NewMemoryStore()
}

// NewSQLiteRecorder returns a store that persists records in a SQLite
// database. The caller is responsible for importing a SQLite driver, e.g.:
//
//	import _ "modernc.org/sqlite"
func NewSQLiteRecorder(db *sql.DB) (RecorderStore, error) {
	return recorder.NewSQLiteStore(db)
}
