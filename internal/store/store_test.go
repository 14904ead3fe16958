package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	tables := []string{"events", "cells", "queue_entries", "sessions", "outputs", "output_deltas", "presence"}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

func TestAppendEvent_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec := EventRecord{
		NotebookID: "nb1",
		Seq:        1,
		ID:         "evt-1",
		Name:       "v1.CellCreated",
		Actor:      "user:alice",
		OccurredAt: "2026-01-02T03:04:05Z",
		Payload:    `{"cellId":"c1"}`,
	}

	inserted, err := s.AppendEvent(ctx, s.db, rec)
	if err != nil {
		t.Fatalf("AppendEvent() failed: %v", err)
	}
	if !inserted {
		t.Error("first append should report inserted")
	}

	// Same id again: silently ignored.
	inserted, err = s.AppendEvent(ctx, s.db, rec)
	if err != nil {
		t.Fatalf("duplicate AppendEvent() failed: %v", err)
	}
	if inserted {
		t.Error("duplicate append should not report inserted")
	}

	// Different id, same (notebook, seq) slot: also ignored.
	rec2 := rec
	rec2.ID = "evt-other"
	inserted, err = s.AppendEvent(ctx, s.db, rec2)
	if err != nil {
		t.Fatalf("conflicting AppendEvent() failed: %v", err)
	}
	if inserted {
		t.Error("seq-slot conflict should not report inserted")
	}

	events, err := s.ReadEvents(ctx, "nb1")
	if err != nil {
		t.Fatalf("ReadEvents() failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].ID != "evt-1" {
		t.Errorf("expected original event to survive, got %q", events[0].ID)
	}
}

func TestReadEvents_OrderedBySeq(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	// Insert out of order; ReadEvents must sort by seq.
	for _, seq := range []int64{3, 1, 2} {
		rec := EventRecord{
			NotebookID: "nb1",
			Seq:        seq,
			ID:         "evt-" + string(rune('0'+seq)),
			Name:       "v1.CellCreated",
			Actor:      "user:alice",
			OccurredAt: "2026-01-02T03:04:05Z",
			Payload:    `{}`,
		}
		if _, err := s.AppendEvent(ctx, s.db, rec); err != nil {
			t.Fatalf("AppendEvent(seq=%d) failed: %v", seq, err)
		}
	}

	events, err := s.ReadEvents(ctx, "nb1")
	if err != nil {
		t.Fatalf("ReadEvents() failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, e := range events {
		if e.Seq != int64(i+1) {
			t.Errorf("event %d: expected seq %d, got %d", i, i+1, e.Seq)
		}
	}

	max, err := s.MaxSeq(ctx, "nb1")
	if err != nil {
		t.Fatalf("MaxSeq() failed: %v", err)
	}
	if max != 3 {
		t.Errorf("expected max seq 3, got %d", max)
	}
}

func TestMaxSeq_EmptyLog(t *testing.T) {
	s := createTestStore(t)

	max, err := s.MaxSeq(context.Background(), "missing")
	if err != nil {
		t.Fatalf("MaxSeq() failed: %v", err)
	}
	if max != 0 {
		t.Errorf("expected 0 for empty log, got %d", max)
	}
}

func TestCellsByOrder_BinaryCollation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	// Base-62 order keys: digits < uppercase < lowercase in byte order.
	keys := map[string]string{
		"c-upper": "V",
		"c-lower": "a",
		"c-digit": "5",
	}
	for id, key := range keys {
		cell := Cell{
			ID: id, NotebookID: "nb1", CellType: "code",
			OrderKey: key, ExecutionState: "idle",
			SourceVisible: true, OutputVisible: true,
		}
		if err := s.UpsertCell(ctx, s.db, cell); err != nil {
			t.Fatalf("UpsertCell(%s) failed: %v", id, err)
		}
	}

	cells, err := s.CellsByOrder(ctx, s.db, "nb1")
	if err != nil {
		t.Fatalf("CellsByOrder() failed: %v", err)
	}
	got := []string{}
	for _, c := range cells {
		got = append(got, c.ID)
	}
	want := []string{"c-digit", "c-upper", "c-lower"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch: got %v, want %v", got, want)
		}
	}
}

func TestCellsByOrder_IDTiebreak(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	// Duplicate order keys can appear after concurrent inserts at the
	// same gap; ordering must still be deterministic.
	for _, id := range []string{"c-b", "c-a"} {
		cell := Cell{
			ID: id, NotebookID: "nb1", CellType: "code",
			OrderKey: "V", ExecutionState: "idle",
			SourceVisible: true, OutputVisible: true,
		}
		if err := s.UpsertCell(ctx, s.db, cell); err != nil {
			t.Fatalf("UpsertCell(%s) failed: %v", id, err)
		}
	}

	cells, err := s.CellsByOrder(ctx, s.db, "nb1")
	if err != nil {
		t.Fatalf("CellsByOrder() failed: %v", err)
	}
	if cells[0].ID != "c-a" || cells[1].ID != "c-b" {
		t.Errorf("expected id tiebreak c-a, c-b; got %s, %s", cells[0].ID, cells[1].ID)
	}
}

func TestCellByID_Missing(t *testing.T) {
	s := createTestStore(t)

	c, err := s.CellByID(context.Background(), s.db, "ghost")
	if err != nil {
		t.Fatalf("CellByID() failed: %v", err)
	}
	if c != nil {
		t.Errorf("expected nil for missing cell, got %+v", c)
	}
}

func TestDeleteCell_RemovesOutputsKeepsQueue(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	cell := Cell{ID: "c1", NotebookID: "nb1", CellType: "code", OrderKey: "V",
		ExecutionState: "idle", SourceVisible: true, OutputVisible: true}
	if err := s.UpsertCell(ctx, s.db, cell); err != nil {
		t.Fatalf("UpsertCell() failed: %v", err)
	}
	out := Output{ID: "o1", NotebookID: "nb1", CellID: "c1", Position: 0,
		OutputType: OutputTypeStream, StreamName: "stdout", Text: "hi",
		Representations: "null", Traceback: "null"}
	if err := s.UpsertOutput(ctx, s.db, out); err != nil {
		t.Fatalf("UpsertOutput() failed: %v", err)
	}
	if err := s.InsertOutputDelta(ctx, s.db, OutputDelta{ID: "d1", OutputID: "o1", Sequence: 1, Text: "!"}); err != nil {
		t.Fatalf("InsertOutputDelta() failed: %v", err)
	}
	entry := QueueEntry{ID: "q1", NotebookID: "nb1", CellID: "c1",
		ExecutionCount: 1, RequestedBy: "user:alice", Status: "completed"}
	if err := s.UpsertQueueEntry(ctx, s.db, entry); err != nil {
		t.Fatalf("UpsertQueueEntry() failed: %v", err)
	}

	if err := s.DeleteCell(ctx, s.db, "c1"); err != nil {
		t.Fatalf("DeleteCell() failed: %v", err)
	}

	outputs, err := s.OutputsForCell(ctx, s.db, "c1")
	if err != nil {
		t.Fatalf("OutputsForCell() failed: %v", err)
	}
	if len(outputs) != 0 {
		t.Errorf("expected outputs removed, got %d", len(outputs))
	}
	var deltaCount int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM output_deltas").Scan(&deltaCount); err != nil {
		t.Fatalf("count deltas: %v", err)
	}
	if deltaCount != 0 {
		t.Errorf("expected deltas removed, got %d", deltaCount)
	}

	// History survives the tombstone.
	e, err := s.QueueEntryByID(ctx, s.db, "q1")
	if err != nil {
		t.Fatalf("QueueEntryByID() failed: %v", err)
	}
	if e == nil {
		t.Error("expected queue entry to survive cell deletion")
	}
}

func TestInsertOutputDelta_DuplicateSequenceIgnored(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	out := Output{ID: "o1", NotebookID: "nb1", CellID: "c1", Position: 0,
		OutputType: OutputTypeStream, StreamName: "stdout", Text: "a",
		Representations: "null", Traceback: "null"}
	if err := s.UpsertOutput(ctx, s.db, out); err != nil {
		t.Fatalf("UpsertOutput() failed: %v", err)
	}

	deltas := []OutputDelta{
		{ID: "d1", OutputID: "o1", Sequence: 1, Text: "b"},
		{ID: "d1", OutputID: "o1", Sequence: 1, Text: "b"},       // same row replayed
		{ID: "d-other", OutputID: "o1", Sequence: 1, Text: "XX"}, // sequence slot taken
		{ID: "d2", OutputID: "o1", Sequence: 2, Text: "c"},
	}
	for _, d := range deltas {
		if err := s.InsertOutputDelta(ctx, s.db, d); err != nil {
			t.Fatalf("InsertOutputDelta(%s) failed: %v", d.ID, err)
		}
	}

	text, err := s.RenderedText(ctx, s.db, "o1")
	if err != nil {
		t.Fatalf("RenderedText() failed: %v", err)
	}
	if text != "abc" {
		t.Errorf("expected rendered text %q, got %q", "abc", text)
	}
}

func TestRenderedText_OrderedBySequenceNotInsertion(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	out := Output{ID: "o1", NotebookID: "nb1", CellID: "c1", Position: 0,
		OutputType: OutputTypeStream, StreamName: "stdout", Text: "",
		Representations: "null", Traceback: "null"}
	if err := s.UpsertOutput(ctx, s.db, out); err != nil {
		t.Fatalf("UpsertOutput() failed: %v", err)
	}

	// Insert deltas out of sequence order.
	for _, d := range []OutputDelta{
		{ID: "d3", OutputID: "o1", Sequence: 3, Text: "r"},
		{ID: "d1", OutputID: "o1", Sequence: 1, Text: "b"},
		{ID: "d2", OutputID: "o1", Sequence: 2, Text: "a"},
	} {
		if err := s.InsertOutputDelta(ctx, s.db, d); err != nil {
			t.Fatalf("InsertOutputDelta(%s) failed: %v", d.ID, err)
		}
	}

	text, err := s.RenderedText(ctx, s.db, "o1")
	if err != nil {
		t.Fatalf("RenderedText() failed: %v", err)
	}
	if text != "bar" {
		t.Errorf("expected %q, got %q", "bar", text)
	}

	max, err := s.MaxDeltaSequence(ctx, s.db, "o1")
	if err != nil {
		t.Fatalf("MaxDeltaSequence() failed: %v", err)
	}
	if max != 3 {
		t.Errorf("expected max sequence 3, got %d", max)
	}
}

func TestAppendOutputText_Concatenates(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	out := Output{ID: "o1", NotebookID: "nb1", CellID: "c1", Position: 0,
		OutputType: OutputTypeStream, StreamName: "stdout", Text: "hello",
		Representations: "null", Traceback: "null"}
	if err := s.UpsertOutput(ctx, s.db, out); err != nil {
		t.Fatalf("UpsertOutput() failed: %v", err)
	}
	if err := s.AppendOutputText(ctx, s.db, "o1", " world"); err != nil {
		t.Fatalf("AppendOutputText() failed: %v", err)
	}

	got, err := s.OutputByID(ctx, s.db, "o1")
	if err != nil {
		t.Fatalf("OutputByID() failed: %v", err)
	}
	if got.Text != "hello world" {
		t.Errorf("expected %q, got %q", "hello world", got.Text)
	}
}

func TestUpdateDisplayRepresentations_Broadcast(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, o := range []Output{
		{ID: "o1", NotebookID: "nb1", CellID: "c1", Position: 0,
			OutputType: OutputTypeDisplay, DisplayID: "plot-1",
			Representations: `[{"kind":"inline","mimeType":"text/plain","data":"v1"}]`, Traceback: "null"},
		{ID: "o2", NotebookID: "nb1", CellID: "c2", Position: 0,
			OutputType: OutputTypeDisplay, DisplayID: "plot-1",
			Representations: `[{"kind":"inline","mimeType":"text/plain","data":"v1"}]`, Traceback: "null"},
		{ID: "o3", NotebookID: "nb1", CellID: "c3", Position: 0,
			OutputType: OutputTypeDisplay, DisplayID: "plot-2",
			Representations: `[{"kind":"inline","mimeType":"text/plain","data":"keep"}]`, Traceback: "null"},
	} {
		if err := s.UpsertOutput(ctx, s.db, o); err != nil {
			t.Fatalf("UpsertOutput(%s) failed: %v", o.ID, err)
		}
	}

	updated := `[{"kind":"inline","mimeType":"text/plain","data":"v2"}]`
	if err := s.UpdateDisplayRepresentations(ctx, s.db, "nb1", "plot-1", updated); err != nil {
		t.Fatalf("UpdateDisplayRepresentations() failed: %v", err)
	}

	outs, err := s.OutputsByDisplayID(ctx, s.db, "nb1", "plot-1")
	if err != nil {
		t.Fatalf("OutputsByDisplayID() failed: %v", err)
	}
	if len(outs) != 2 {
		t.Fatalf("expected 2 outputs for plot-1, got %d", len(outs))
	}
	for _, o := range outs {
		if o.Representations != updated {
			t.Errorf("output %s: representations not updated: %s", o.ID, o.Representations)
		}
	}

	other, err := s.OutputByID(ctx, s.db, "o3")
	if err != nil {
		t.Fatalf("OutputByID() failed: %v", err)
	}
	if other.Representations == updated {
		t.Error("unrelated display id should not be touched")
	}
}

func TestPendingEntries_InsertionOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i, e := range []QueueEntry{
		{ID: "q-z", NotebookID: "nb1", CellID: "c1", ExecutionCount: 1, RequestedBy: "user:a", Status: "pending"},
		{ID: "q-a", NotebookID: "nb1", CellID: "c2", ExecutionCount: 1, RequestedBy: "user:a", Status: "pending"},
		{ID: "q-m", NotebookID: "nb1", CellID: "c3", ExecutionCount: 1, RequestedBy: "user:a", Status: "completed"},
	} {
		if err := s.UpsertQueueEntry(ctx, s.db, e); err != nil {
			t.Fatalf("UpsertQueueEntry(%d) failed: %v", i, err)
		}
	}

	pending, err := s.PendingEntries(ctx, s.db, "nb1")
	if err != nil {
		t.Fatalf("PendingEntries() failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending entries, got %d", len(pending))
	}
	// Insertion order, not id order.
	if pending[0].ID != "q-z" || pending[1].ID != "q-a" {
		t.Errorf("expected q-z, q-a; got %s, %s", pending[0].ID, pending[1].ID)
	}
}

func TestDeactivateOtherSessions(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, sess := range []Session{
		{ID: "s1", NotebookID: "nb1", RuntimeID: "rt1", RuntimeType: "python",
			Status: "terminated", IsActive: true, StartedAt: "2026-01-01T00:00:00Z"},
		{ID: "s2", NotebookID: "nb1", RuntimeID: "rt1", RuntimeType: "python",
			Status: "starting", IsActive: true, StartedAt: "2026-01-01T00:01:00Z"},
		{ID: "s3", NotebookID: "nb1", RuntimeID: "rt-other", RuntimeType: "python",
			Status: "ready", IsActive: true, StartedAt: "2026-01-01T00:00:30Z"},
	} {
		if err := s.UpsertSession(ctx, s.db, sess); err != nil {
			t.Fatalf("UpsertSession(%s) failed: %v", sess.ID, err)
		}
	}

	if err := s.DeactivateOtherSessions(ctx, s.db, "nb1", "rt1", "s2"); err != nil {
		t.Fatalf("DeactivateOtherSessions() failed: %v", err)
	}

	active, err := s.ActiveSessions(ctx, s.db, "nb1")
	if err != nil {
		t.Fatalf("ActiveSessions() failed: %v", err)
	}
	ids := map[string]bool{}
	for _, sess := range active {
		ids[sess.ID] = true
	}
	if ids["s1"] {
		t.Error("s1 should have been deactivated")
	}
	if !ids["s2"] || !ids["s3"] {
		t.Errorf("s2 and s3 should remain active, got %v", ids)
	}
}

func TestWithTx_RollbackOnError(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		cell := Cell{ID: "c1", NotebookID: "nb1", CellType: "code", OrderKey: "V",
			ExecutionState: "idle", SourceVisible: true, OutputVisible: true}
		if err := s.UpsertCell(ctx, tx, cell); err != nil {
			return err
		}
		return context.Canceled
	})
	if err == nil {
		t.Fatal("expected error from failing tx fn")
	}

	c, err := s.CellByID(ctx, s.db, "c1")
	if err != nil {
		t.Fatalf("CellByID() failed: %v", err)
	}
	if c != nil {
		t.Error("rolled-back insert should not be visible")
	}
}

func TestUpsertPresence_LastWriteWins(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	p := Presence{NotebookID: "nb1", Actor: "user:alice", CellID: "c1", SeenAt: "2026-01-01T00:00:00Z"}
	if err := s.UpsertPresence(ctx, s.db, p); err != nil {
		t.Fatalf("UpsertPresence() failed: %v", err)
	}
	p.CellID = "c2"
	p.SeenAt = "2026-01-01T00:01:00Z"
	if err := s.UpsertPresence(ctx, s.db, p); err != nil {
		t.Fatalf("second UpsertPresence() failed: %v", err)
	}

	records, err := s.PresenceForNotebook(ctx, s.db, "nb1")
	if err != nil {
		t.Fatalf("PresenceForNotebook() failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one presence row, got %d", len(records))
	}
	if records[0].CellID != "c2" {
		t.Errorf("expected latest cell c2, got %s", records[0].CellID)
	}
}
