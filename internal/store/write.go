package store

import (
	"context"
	"fmt"
)

// AppendEvent inserts a log row. Uses ON CONFLICT DO NOTHING for
// idempotency: re-delivery of an already-appended event (same id, or
// same notebook/seq slot) is silently ignored and reported via inserted.
//
// The materializer only applies an event whose row was newly inserted,
// which is what makes even the replay-unsafe legacy append events safe
// under at-least-once delivery.
func (s *Store) AppendEvent(ctx context.Context, q dbtx, rec EventRecord) (inserted bool, err error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO events
		(notebook_id, seq, id, name, actor, occurred_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		rec.NotebookID,
		rec.Seq,
		rec.ID,
		rec.Name,
		rec.Actor,
		rec.OccurredAt,
		rec.Payload,
	)
	if err != nil {
		return false, fmt.Errorf("append event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append event: rows affected: %w", err)
	}
	return n > 0, nil
}

// UpsertCell inserts or replaces a cell row. Replace-by-id keeps
// re-delivery harmless.
func (s *Store) UpsertCell(ctx context.Context, q dbtx, c Cell) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR REPLACE INTO cells
		(id, notebook_id, cell_type, source, order_key, execution_state,
		 execution_count, assigned_session_id, source_visible, output_visible, pending_clear)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID, c.NotebookID, c.CellType, c.Source, c.OrderKey, c.ExecutionState,
		c.ExecutionCount, c.AssignedSessionID, c.SourceVisible, c.OutputVisible, c.PendingClear,
	)
	if err != nil {
		return fmt.Errorf("upsert cell: %w", err)
	}
	return nil
}

// DeleteCell removes a cell and its outputs (tombstone semantics). Queue
// entries survive as execution history.
func (s *Store) DeleteCell(ctx context.Context, q dbtx, cellID string) error {
	if err := s.DeleteOutputsForCell(ctx, q, cellID); err != nil {
		return fmt.Errorf("delete cell: %w", err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM cells WHERE id = ?`, cellID); err != nil {
		return fmt.Errorf("delete cell: %w", err)
	}
	return nil
}

// UpsertQueueEntry inserts or replaces a queue entry row.
func (s *Store) UpsertQueueEntry(ctx context.Context, q dbtx, e QueueEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR REPLACE INTO queue_entries
		(id, notebook_id, cell_id, execution_count, requested_by, status,
		 assigned_session_id, started_at, completed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.NotebookID, e.CellID, e.ExecutionCount, e.RequestedBy, e.Status,
		e.AssignedSessionID, e.StartedAt, e.CompletedAt, e.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("upsert queue entry: %w", err)
	}
	return nil
}

// UpsertSession inserts or replaces a session row.
func (s *Store) UpsertSession(ctx context.Context, q dbtx, sess Session) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
		(id, notebook_id, runtime_id, runtime_type, status,
		 can_execute_code, can_execute_sql, can_execute_ai, is_active, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sess.ID, sess.NotebookID, sess.RuntimeID, sess.RuntimeType, sess.Status,
		sess.CanExecuteCode, sess.CanExecuteSQL, sess.CanExecuteAI, sess.IsActive, sess.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// DeactivateOtherSessions marks every other session of the same logical
// runtime inactive. Steady state wants at most one active ready/busy
// session per notebook; overlap during handoff is transient, not an
// error, so this is a plain last-writer-wins update.
func (s *Store) DeactivateOtherSessions(ctx context.Context, q dbtx, notebookID, runtimeID, keepSessionID string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE sessions SET is_active = 0
		WHERE notebook_id = ? AND runtime_id = ? AND id != ?
	`, notebookID, runtimeID, keepSessionID)
	if err != nil {
		return fmt.Errorf("deactivate sessions: %w", err)
	}
	return nil
}

// UpsertOutput inserts or replaces an output row.
func (s *Store) UpsertOutput(ctx context.Context, q dbtx, o Output) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR REPLACE INTO outputs
		(id, notebook_id, cell_id, position, output_type, stream_name,
		 display_id, text, representations, execution_count, error_name, error_message, traceback)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.ID, o.NotebookID, o.CellID, o.Position, o.OutputType, o.StreamName,
		o.DisplayID, o.Text, o.Representations, o.ExecutionCount, o.ErrorName, o.ErrorMessage, o.Traceback,
	)
	if err != nil {
		return fmt.Errorf("upsert output: %w", err)
	}
	return nil
}

// InsertOutputDelta stores one appended fragment. ON CONFLICT DO NOTHING
// makes re-inserting the same delta id (or a duplicate sequence slot) a
// no-op, which is what makes delta accumulation replay-idempotent.
func (s *Store) InsertOutputDelta(ctx context.Context, q dbtx, d OutputDelta) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO output_deltas (id, output_id, sequence, text)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, d.ID, d.OutputID, d.Sequence, d.Text)
	if err != nil {
		return fmt.Errorf("insert output delta: %w", err)
	}
	return nil
}

// AppendOutputText is the legacy whole-string concatenation append.
// Replay-unsafe if applied twice; callers must only invoke it for newly
// inserted log rows (see AppendEvent).
func (s *Store) AppendOutputText(ctx context.Context, q dbtx, outputID, text string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE outputs SET text = text || ? WHERE id = ?
	`, text, outputID)
	if err != nil {
		return fmt.Errorf("append output text: %w", err)
	}
	return nil
}

// DeleteOutputsForCell removes all outputs for a cell, including their
// accumulated deltas.
func (s *Store) DeleteOutputsForCell(ctx context.Context, q dbtx, cellID string) error {
	_, err := q.ExecContext(ctx, `
		DELETE FROM output_deltas
		WHERE output_id IN (SELECT id FROM outputs WHERE cell_id = ?)
	`, cellID)
	if err != nil {
		return fmt.Errorf("delete output deltas: %w", err)
	}
	_, err = q.ExecContext(ctx, `DELETE FROM outputs WHERE cell_id = ?`, cellID)
	if err != nil {
		return fmt.Errorf("delete outputs: %w", err)
	}
	return nil
}

// SetPendingClear flips the deferred-clear flag on a cell.
func (s *Store) SetPendingClear(ctx context.Context, q dbtx, cellID string, pending bool) error {
	_, err := q.ExecContext(ctx, `
		UPDATE cells SET pending_clear = ? WHERE id = ?
	`, pending, cellID)
	if err != nil {
		return fmt.Errorf("set pending clear: %w", err)
	}
	return nil
}

// UpdateDisplayRepresentations broadcast-replaces the representation map
// of every output in the notebook sharing displayID.
func (s *Store) UpdateDisplayRepresentations(ctx context.Context, q dbtx, notebookID, displayID, representations string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE outputs SET representations = ?
		WHERE notebook_id = ? AND display_id = ?
	`, representations, notebookID, displayID)
	if err != nil {
		return fmt.Errorf("update display representations: %w", err)
	}
	return nil
}

// ClearProjection drops every projection row for a notebook, leaving
// the event log untouched. Replay rebuilds from here.
func (s *Store) ClearProjection(ctx context.Context, q dbtx, notebookID string) error {
	statements := []string{
		`DELETE FROM output_deltas WHERE output_id IN (SELECT id FROM outputs WHERE notebook_id = ?)`,
		`DELETE FROM outputs WHERE notebook_id = ?`,
		`DELETE FROM queue_entries WHERE notebook_id = ?`,
		`DELETE FROM sessions WHERE notebook_id = ?`,
		`DELETE FROM cells WHERE notebook_id = ?`,
		`DELETE FROM presence WHERE notebook_id = ?`,
	}
	for _, stmt := range statements {
		if _, err := q.ExecContext(ctx, stmt, notebookID); err != nil {
			return fmt.Errorf("clear projection: %w", err)
		}
	}
	return nil
}

// UpsertPresence replaces the actor's presence row. Presence is
// last-write-wins, not historical.
func (s *Store) UpsertPresence(ctx context.Context, q dbtx, p Presence) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR REPLACE INTO presence (notebook_id, actor, cell_id, seen_at)
		VALUES (?, ?, ?, ?)
	`, p.NotebookID, p.Actor, p.CellID, p.SeenAt)
	if err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}
