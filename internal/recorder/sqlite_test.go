package recorder

import (
	"database/sql"
	"encoding/gob"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func init() {
	gob.Register(map[string]any{})
}

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Close()
	})

	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}

	return store
}

func TestSQLiteStore_SaveListTaskRecords(t *testing.T) {
	store := newTestSQLiteStore(t)

	recs := []TaskRecord{
		{WorkflowID: "wf-1", TaskID: "a", State: "succeeded", Result: "hello", Attempts: 1, Priority: 2, RecordedAt: time.Now()},
		{WorkflowID: "wf-1", TaskID: "b", State: "failed", Error: "boom", Attempts: 3, RecordedAt: time.Now().Add(time.Millisecond)},
		{WorkflowID: "wf-2", TaskID: "c", State: "cancelled", RecordedAt: time.Now().Add(2 * time.Millisecond)},
	}
	for _, rec := range recs {
		if err := store.SaveTaskRecord(rec); err != nil {
			t.Fatalf("SaveTaskRecord failed: %v", err)
		}
	}

	all, err := store.ListTaskRecords(Filter{})
	if err != nil {
		t.Fatalf("ListTaskRecords failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
	if all[0].TaskID != "a" || all[1].TaskID != "b" || all[2].TaskID != "c" {
		t.Fatalf("records out of order: %+v", all)
	}
	if all[0].Result != "hello" {
		t.Fatalf("expected Result %q, got %v", "hello", all[0].Result)
	}
	if all[0].Priority != 2 {
		t.Fatalf("expected Priority 2, got %d", all[0].Priority)
	}

	failed, err := store.ListTaskRecords(Filter{WorkflowID: "wf-1", State: "failed"})
	if err != nil {
		t.Fatalf("ListTaskRecords failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed record, got %d", len(failed))
	}
	if failed[0].Error != "boom" {
		t.Fatalf("expected error %q, got %q", "boom", failed[0].Error)
	}
	if failed[0].Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", failed[0].Attempts)
	}
}

func TestSQLiteStore_WorkflowRecords(t *testing.T) {
	store := newTestSQLiteStore(t)

	if _, err := store.GetWorkflowRecord("wf-1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.SaveWorkflowRecord(WorkflowRecord{ID: "wf-1", State: "done", RecordedAt: time.Now()}); err != nil {
		t.Fatalf("SaveWorkflowRecord failed: %v", err)
	}
	rec, err := store.GetWorkflowRecord("wf-1")
	if err != nil {
		t.Fatalf("GetWorkflowRecord failed: %v", err)
	}
	if rec.State != "done" {
		t.Fatalf("expected state done, got %q", rec.State)
	}

	// Upsert on conflict.
	if err := store.SaveWorkflowRecord(WorkflowRecord{ID: "wf-1", State: "aborted", RecordedAt: time.Now()}); err != nil {
		t.Fatalf("SaveWorkflowRecord (update) failed: %v", err)
	}
	rec, err = store.GetWorkflowRecord("wf-1")
	if err != nil {
		t.Fatalf("GetWorkflowRecord failed: %v", err)
	}
	if rec.State != "aborted" {
		t.Fatalf("expected state aborted, got %q", rec.State)
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	v, err := DecodeValue(nil)
	if err != nil || v != nil {
		t.Fatalf("expected nil, nil for empty payload, got %v, %v", v, err)
	}

	data, err := EncodeValue(map[string]any{"n": 7})
	if err != nil {
		t.Fatalf("EncodeValue failed: %v", err)
	}
	got, err := DecodeValue(data)
	if err != nil {
		t.Fatalf("DecodeValue failed: %v", err)
	}
	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("expected map[string]any, got %T", got)
	}
	if m["n"] != 7 {
		t.Fatalf("expected n=7, got %v", m["n"])
	}
}
