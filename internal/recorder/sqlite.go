package recorder

import (
	"database/sql"
	"time"
)

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB opened with a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the
// driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_records (
			workflow_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			state TEXT NOT NULL,
			result BLOB,
			error TEXT,
			attempts INTEGER NOT NULL,
			priority INTEGER NOT NULL,
			recorded_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS workflow_records (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			recorded_at INTEGER NOT NULL
		);`,
	)
	return err
}

func (s *SQLiteStore) SaveTaskRecord(rec TaskRecord) error {
	result, err := EncodeValue(rec.Result)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO task_records (workflow_id, task_id, state, result, error, attempts, priority, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.WorkflowID,
		rec.TaskID,
		rec.State,
		result,
		rec.Error,
		rec.Attempts,
		rec.Priority,
		rec.RecordedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) SaveWorkflowRecord(rec WorkflowRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO workflow_records (id, state, recorded_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state, recorded_at = excluded.recorded_at`,
		rec.ID,
		rec.State,
		rec.RecordedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) ListTaskRecords(f Filter) ([]TaskRecord, error) {
	query := `SELECT workflow_id, task_id, state, result, error, attempts, priority, recorded_at FROM task_records`
	var (
		where []string
		args  []any
	)
	if f.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, f.WorkflowID)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, f.State)
	}
	for i, cond := range where {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY recorded_at"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var (
			rec    TaskRecord
			result []byte
			at     int64
		)
		if err := rows.Scan(&rec.WorkflowID, &rec.TaskID, &rec.State, &result, &rec.Error, &rec.Attempts, &rec.Priority, &at); err != nil {
			return nil, err
		}
		rec.Result, err = DecodeValue(result)
		if err != nil {
			return nil, err
		}
		rec.RecordedAt = time.Unix(0, at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetWorkflowRecord(id string) (WorkflowRecord, error) {
	row := s.db.QueryRow(`SELECT id, state, recorded_at FROM workflow_records WHERE id = ?`, id)

	var (
		rec WorkflowRecord
		at  int64
	)
	if err := row.Scan(&rec.ID, &rec.State, &at); err != nil {
		if err == sql.ErrNoRows {
			return WorkflowRecord{}, ErrNotFound
		}
		return WorkflowRecord{}, err
	}
	rec.RecordedAt = time.Unix(0, at)
	return rec, nil
}
