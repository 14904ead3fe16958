package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ReadEvents returns a notebook's full ordered log.
// Deterministic ordering: ORDER BY seq ASC (seq is unique per notebook).
func (s *Store) ReadEvents(ctx context.Context, notebookID string) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT notebook_id, seq, id, name, actor, occurred_at, payload
		FROM events
		WHERE notebook_id = ?
		ORDER BY seq ASC
	`, notebookID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	recs := []EventRecord{}
	for rows.Next() {
		var rec EventRecord
		if err := rows.Scan(&rec.NotebookID, &rec.Seq, &rec.ID, &rec.Name, &rec.Actor, &rec.OccurredAt, &rec.Payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return recs, nil
}

// MaxSeq returns the highest sequence number in a notebook's log, or 0
// for an empty log. Used to resume the logical clock after restart.
func (s *Store) MaxSeq(ctx context.Context, notebookID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM events WHERE notebook_id = ?
	`, notebookID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return seq.Int64, nil
}

// NotebookIDs returns the distinct notebooks present in the log, sorted.
func (s *Store) NotebookIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT notebook_id FROM events ORDER BY notebook_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query notebooks: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan notebook id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notebooks: %w", err)
	}
	return ids, nil
}

// CellByID returns a cell, or nil if it does not exist. Missing cells
// are a normal condition for the materializer (semantic no-op), so
// absence is not an error.
func (s *Store) CellByID(ctx context.Context, q dbtx, cellID string) (*Cell, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, notebook_id, cell_type, source, order_key, execution_state,
		       execution_count, assigned_session_id, source_visible, output_visible, pending_clear
		FROM cells WHERE id = ?
	`, cellID)

	var c Cell
	err := row.Scan(&c.ID, &c.NotebookID, &c.CellType, &c.Source, &c.OrderKey, &c.ExecutionState,
		&c.ExecutionCount, &c.AssignedSessionID, &c.SourceVisible, &c.OutputVisible, &c.PendingClear)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cell by id: %w", err)
	}
	return &c, nil
}

// CellsByOrder returns a notebook's cells sorted by order key.
// Deterministic ordering: ORDER BY order_key COLLATE BINARY, id COLLATE
// BINARY (the id tiebreak covers order-key collisions from the documented
// fractional-indexing density edge case).
func (s *Store) CellsByOrder(ctx context.Context, q dbtx, notebookID string) ([]Cell, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, notebook_id, cell_type, source, order_key, execution_state,
		       execution_count, assigned_session_id, source_visible, output_visible, pending_clear
		FROM cells
		WHERE notebook_id = ?
		ORDER BY order_key COLLATE BINARY ASC, id COLLATE BINARY ASC
	`, notebookID)
	if err != nil {
		return nil, fmt.Errorf("query cells: %w", err)
	}
	defer rows.Close()

	cells := []Cell{}
	for rows.Next() {
		var c Cell
		if err := rows.Scan(&c.ID, &c.NotebookID, &c.CellType, &c.Source, &c.OrderKey, &c.ExecutionState,
			&c.ExecutionCount, &c.AssignedSessionID, &c.SourceVisible, &c.OutputVisible, &c.PendingClear); err != nil {
			return nil, fmt.Errorf("scan cell: %w", err)
		}
		cells = append(cells, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cells: %w", err)
	}
	return cells, nil
}

// QueueEntryByID returns a queue entry, or nil if absent.
func (s *Store) QueueEntryByID(ctx context.Context, q dbtx, id string) (*QueueEntry, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, notebook_id, cell_id, execution_count, requested_by, status,
		       assigned_session_id, started_at, completed_at, duration_ms
		FROM queue_entries WHERE id = ?
	`, id)

	var e QueueEntry
	err := row.Scan(&e.ID, &e.NotebookID, &e.CellID, &e.ExecutionCount, &e.RequestedBy, &e.Status,
		&e.AssignedSessionID, &e.StartedAt, &e.CompletedAt, &e.DurationMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue entry by id: %w", err)
	}
	return &e, nil
}

// QueueEntryForExecution returns the entry holding a (cell, execution
// count) pair, or nil. The pair is the entry's identity; the queue id
// is just the handle the requesting client minted for it.
func (s *Store) QueueEntryForExecution(ctx context.Context, q dbtx, cellID string, count int64) (*QueueEntry, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, notebook_id, cell_id, execution_count, requested_by, status,
		       assigned_session_id, started_at, completed_at, duration_ms
		FROM queue_entries WHERE cell_id = ? AND execution_count = ?
	`, cellID, count)

	var e QueueEntry
	err := row.Scan(&e.ID, &e.NotebookID, &e.CellID, &e.ExecutionCount, &e.RequestedBy, &e.Status,
		&e.AssignedSessionID, &e.StartedAt, &e.CompletedAt, &e.DurationMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue entry for execution: %w", err)
	}
	return &e, nil
}

// QueueEntries returns all of a notebook's queue entries in request
// order.
func (s *Store) QueueEntries(ctx context.Context, q dbtx, notebookID string) ([]QueueEntry, error) {
	return s.scanQueueEntries(ctx, q, `
		SELECT id, notebook_id, cell_id, execution_count, requested_by, status,
		       assigned_session_id, started_at, completed_at, duration_ms
		FROM queue_entries
		WHERE notebook_id = ?
		ORDER BY rowid ASC
	`, notebookID)
}

// PendingEntries returns a notebook's pending queue entries in request
// order (insertion order, which replay reproduces).
func (s *Store) PendingEntries(ctx context.Context, q dbtx, notebookID string) ([]QueueEntry, error) {
	return s.scanQueueEntries(ctx, q, `
		SELECT id, notebook_id, cell_id, execution_count, requested_by, status,
		       assigned_session_id, started_at, completed_at, duration_ms
		FROM queue_entries
		WHERE notebook_id = ? AND status = 'pending'
		ORDER BY rowid ASC
	`, notebookID)
}

// OrphanedEntries returns a notebook's non-terminal entries held by
// inactive sessions, with the runtime those sessions belonged to. A
// successor session of the same runtime may reclaim them.
func (s *Store) OrphanedEntries(ctx context.Context, q dbtx, notebookID string) ([]OrphanedEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT e.id, e.notebook_id, e.cell_id, e.execution_count, e.requested_by, e.status,
		       e.assigned_session_id, e.started_at, e.completed_at, e.duration_ms, s.runtime_id
		FROM queue_entries e
		JOIN sessions s ON s.id = e.assigned_session_id
		WHERE e.notebook_id = ? AND e.status IN ('assigned', 'executing') AND s.is_active = 0
		ORDER BY e.rowid ASC
	`, notebookID)
	if err != nil {
		return nil, fmt.Errorf("query orphaned entries: %w", err)
	}
	defer rows.Close()

	entries := []OrphanedEntry{}
	for rows.Next() {
		var o OrphanedEntry
		if err := rows.Scan(&o.ID, &o.NotebookID, &o.CellID, &o.ExecutionCount, &o.RequestedBy, &o.Status,
			&o.AssignedSessionID, &o.StartedAt, &o.CompletedAt, &o.DurationMs, &o.RuntimeID); err != nil {
			return nil, fmt.Errorf("scan orphaned entry: %w", err)
		}
		entries = append(entries, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orphaned entries: %w", err)
	}
	return entries, nil
}

// EntriesAssignedToSession returns the non-terminal entries a session
// currently holds.
func (s *Store) EntriesAssignedToSession(ctx context.Context, q dbtx, sessionID string) ([]QueueEntry, error) {
	return s.scanQueueEntries(ctx, q, `
		SELECT id, notebook_id, cell_id, execution_count, requested_by, status,
		       assigned_session_id, started_at, completed_at, duration_ms
		FROM queue_entries
		WHERE assigned_session_id = ? AND status IN ('assigned', 'executing')
		ORDER BY rowid ASC
	`, sessionID)
}

func (s *Store) scanQueueEntries(ctx context.Context, q dbtx, query string, args ...any) ([]QueueEntry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query queue entries: %w", err)
	}
	defer rows.Close()

	entries := []QueueEntry{}
	for rows.Next() {
		var e QueueEntry
		if err := rows.Scan(&e.ID, &e.NotebookID, &e.CellID, &e.ExecutionCount, &e.RequestedBy, &e.Status,
			&e.AssignedSessionID, &e.StartedAt, &e.CompletedAt, &e.DurationMs); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue entries: %w", err)
	}
	return entries, nil
}

// SessionByID returns a session, or nil if absent.
func (s *Store) SessionByID(ctx context.Context, q dbtx, id string) (*Session, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, notebook_id, runtime_id, runtime_type, status,
		       can_execute_code, can_execute_sql, can_execute_ai, is_active, started_at
		FROM sessions WHERE id = ?
	`, id)

	var sess Session
	err := row.Scan(&sess.ID, &sess.NotebookID, &sess.RuntimeID, &sess.RuntimeType, &sess.Status,
		&sess.CanExecuteCode, &sess.CanExecuteSQL, &sess.CanExecuteAI, &sess.IsActive, &sess.StartedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session by id: %w", err)
	}
	return &sess, nil
}

// ActiveSessions returns a notebook's active sessions in id order.
func (s *Store) ActiveSessions(ctx context.Context, q dbtx, notebookID string) ([]Session, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, notebook_id, runtime_id, runtime_type, status,
		       can_execute_code, can_execute_sql, can_execute_ai, is_active, started_at
		FROM sessions
		WHERE notebook_id = ? AND is_active = 1
		ORDER BY id COLLATE BINARY ASC
	`, notebookID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.NotebookID, &sess.RuntimeID, &sess.RuntimeType, &sess.Status,
			&sess.CanExecuteCode, &sess.CanExecuteSQL, &sess.CanExecuteAI, &sess.IsActive, &sess.StartedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// OutputByID returns an output, or nil if absent.
func (s *Store) OutputByID(ctx context.Context, q dbtx, id string) (*Output, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, notebook_id, cell_id, position, output_type, stream_name,
		       display_id, text, representations, execution_count, error_name, error_message, traceback
		FROM outputs WHERE id = ?
	`, id)

	var o Output
	err := row.Scan(&o.ID, &o.NotebookID, &o.CellID, &o.Position, &o.OutputType, &o.StreamName,
		&o.DisplayID, &o.Text, &o.Representations, &o.ExecutionCount, &o.ErrorName, &o.ErrorMessage, &o.Traceback)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("output by id: %w", err)
	}
	return &o, nil
}

// OutputsForCell returns a cell's outputs in position order.
func (s *Store) OutputsForCell(ctx context.Context, q dbtx, cellID string) ([]Output, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, notebook_id, cell_id, position, output_type, stream_name,
		       display_id, text, representations, execution_count, error_name, error_message, traceback
		FROM outputs
		WHERE cell_id = ?
		ORDER BY position ASC, id COLLATE BINARY ASC
	`, cellID)
	if err != nil {
		return nil, fmt.Errorf("query outputs: %w", err)
	}
	defer rows.Close()

	return scanOutputs(rows)
}

// OutputsByDisplayID returns every output in the notebook carrying the
// given display id.
func (s *Store) OutputsByDisplayID(ctx context.Context, q dbtx, notebookID, displayID string) ([]Output, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, notebook_id, cell_id, position, output_type, stream_name,
		       display_id, text, representations, execution_count, error_name, error_message, traceback
		FROM outputs
		WHERE notebook_id = ? AND display_id = ?
		ORDER BY id COLLATE BINARY ASC
	`, notebookID, displayID)
	if err != nil {
		return nil, fmt.Errorf("query outputs by display id: %w", err)
	}
	defer rows.Close()

	return scanOutputs(rows)
}

func scanOutputs(rows *sql.Rows) ([]Output, error) {
	outputs := []Output{}
	for rows.Next() {
		var o Output
		if err := rows.Scan(&o.ID, &o.NotebookID, &o.CellID, &o.Position, &o.OutputType, &o.StreamName,
			&o.DisplayID, &o.Text, &o.Representations, &o.ExecutionCount, &o.ErrorName, &o.ErrorMessage, &o.Traceback); err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		outputs = append(outputs, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outputs: %w", err)
	}
	return outputs, nil
}

// RenderedText reconstructs an output's full text: the base text plus
// all deltas ordered by sequence, concatenated. Deltas are immutable
// rows, so this is also the output's text as of any causal point when
// truncated by sequence.
func (s *Store) RenderedText(ctx context.Context, q dbtx, outputID string) (string, error) {
	out, err := s.OutputByID(ctx, q, outputID)
	if err != nil {
		return "", err
	}
	if out == nil {
		return "", fmt.Errorf("rendered text: output %s not found", outputID)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT text FROM output_deltas
		WHERE output_id = ?
		ORDER BY sequence ASC, id COLLATE BINARY ASC
	`, outputID)
	if err != nil {
		return "", fmt.Errorf("query deltas: %w", err)
	}
	defer rows.Close()

	var b strings.Builder
	b.WriteString(out.Text)
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return "", fmt.Errorf("scan delta: %w", err)
		}
		b.WriteString(text)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterate deltas: %w", err)
	}
	return b.String(), nil
}

// MaxOutputPosition returns the highest output position for a cell, or
// -1 if the cell has no outputs. Sinks seed their position counters from
// this.
func (s *Store) MaxOutputPosition(ctx context.Context, q dbtx, cellID string) (int64, error) {
	var pos sql.NullInt64
	err := q.QueryRowContext(ctx, `
		SELECT MAX(position) FROM outputs WHERE cell_id = ?
	`, cellID).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("max output position: %w", err)
	}
	if !pos.Valid {
		return -1, nil
	}
	return pos.Int64, nil
}

// MaxDeltaSequence returns the highest delta sequence for an output, or
// 0 if it has none.
func (s *Store) MaxDeltaSequence(ctx context.Context, q dbtx, outputID string) (int64, error) {
	var seq sql.NullInt64
	err := q.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM output_deltas WHERE output_id = ?
	`, outputID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("max delta sequence: %w", err)
	}
	return seq.Int64, nil
}

// PresenceForNotebook returns presence rows sorted by actor.
func (s *Store) PresenceForNotebook(ctx context.Context, q dbtx, notebookID string) ([]Presence, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT notebook_id, actor, cell_id, seen_at
		FROM presence
		WHERE notebook_id = ?
		ORDER BY actor COLLATE BINARY ASC
	`, notebookID)
	if err != nil {
		return nil, fmt.Errorf("query presence: %w", err)
	}
	defer rows.Close()

	records := []Presence{}
	for rows.Next() {
		var p Presence
		if err := rows.Scan(&p.NotebookID, &p.Actor, &p.CellID, &p.SeenAt); err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		records = append(records, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate presence: %w", err)
	}
	return records, nil
}

// projectionDump is the deterministic snapshot shape used by replay
// verification and golden tests.
type projectionDump struct {
	Cells    []Cell        `json:"cells"`
	Queue    []QueueEntry  `json:"queue"`
	Sessions []Session     `json:"sessions"`
	Outputs  []Output      `json:"outputs"`
	Deltas   []OutputDelta `json:"deltas"`
	Presence []Presence    `json:"presence"`
}

// DumpProjection serializes a notebook's entire projection in a
// deterministic order. Two logs that materialize to the same state
// produce byte-identical dumps.
func (s *Store) DumpProjection(ctx context.Context, notebookID string) ([]byte, error) {
	q := s.db

	dump := projectionDump{}
	var err error

	if dump.Cells, err = s.CellsByOrder(ctx, q, notebookID); err != nil {
		return nil, err
	}
	if dump.Queue, err = s.scanQueueEntries(ctx, q, `
		SELECT id, notebook_id, cell_id, execution_count, requested_by, status,
		       assigned_session_id, started_at, completed_at, duration_ms
		FROM queue_entries
		WHERE notebook_id = ?
		ORDER BY id COLLATE BINARY ASC
	`, notebookID); err != nil {
		return nil, err
	}

	sessRows, err := q.QueryContext(ctx, `
		SELECT id, notebook_id, runtime_id, runtime_type, status,
		       can_execute_code, can_execute_sql, can_execute_ai, is_active, started_at
		FROM sessions
		WHERE notebook_id = ?
		ORDER BY id COLLATE BINARY ASC
	`, notebookID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	dump.Sessions = []Session{}
	for sessRows.Next() {
		var sess Session
		if err := sessRows.Scan(&sess.ID, &sess.NotebookID, &sess.RuntimeID, &sess.RuntimeType, &sess.Status,
			&sess.CanExecuteCode, &sess.CanExecuteSQL, &sess.CanExecuteAI, &sess.IsActive, &sess.StartedAt); err != nil {
			sessRows.Close()
			return nil, fmt.Errorf("scan session: %w", err)
		}
		dump.Sessions = append(dump.Sessions, sess)
	}
	if err := sessRows.Err(); err != nil {
		sessRows.Close()
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	sessRows.Close()

	outRows, err := q.QueryContext(ctx, `
		SELECT id, notebook_id, cell_id, position, output_type, stream_name,
		       display_id, text, representations, execution_count, error_name, error_message, traceback
		FROM outputs
		WHERE notebook_id = ?
		ORDER BY id COLLATE BINARY ASC
	`, notebookID)
	if err != nil {
		return nil, fmt.Errorf("query outputs: %w", err)
	}
	dump.Outputs, err = scanOutputs(outRows)
	outRows.Close()
	if err != nil {
		return nil, err
	}

	deltaRows, err := q.QueryContext(ctx, `
		SELECT d.id, d.output_id, d.sequence, d.text
		FROM output_deltas d
		JOIN outputs o ON d.output_id = o.id
		WHERE o.notebook_id = ?
		ORDER BY d.id COLLATE BINARY ASC
	`, notebookID)
	if err != nil {
		return nil, fmt.Errorf("query deltas: %w", err)
	}
	dump.Deltas = []OutputDelta{}
	for deltaRows.Next() {
		var d OutputDelta
		if err := deltaRows.Scan(&d.ID, &d.OutputID, &d.Sequence, &d.Text); err != nil {
			deltaRows.Close()
			return nil, fmt.Errorf("scan delta: %w", err)
		}
		dump.Deltas = append(dump.Deltas, d)
	}
	if err := deltaRows.Err(); err != nil {
		deltaRows.Close()
		return nil, fmt.Errorf("iterate deltas: %w", err)
	}
	deltaRows.Close()

	if dump.Presence, err = s.PresenceForNotebook(ctx, q, notebookID); err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal projection dump: %w", err)
	}
	return data, nil
}
