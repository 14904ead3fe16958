// Package materializer turns log events into projection-table mutations.
//
// Each event name has a pure reducer mapping (payload, current projection
// state) to a mutation batch, applied atomically inside the caller's
// transaction. Reducers are defensive: an event referencing a missing
// cell, output, or session is a semantic no-op, never an error. Replaying
// a log from empty state reproduces the projection byte for byte.
package materializer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/quill/internal/event"
	"github.com/roach88/quill/internal/fracindex"
	"github.com/roach88/quill/internal/store"
)

// Cell execution states derived from queue entry status.
const (
	StateIdle      = "idle"
	StateQueued    = "queued"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateError     = "error"
)

// Queue entry statuses.
const (
	QueuePending   = "pending"
	QueueAssigned  = "assigned"
	QueueExecuting = "executing"
	QueueCompleted = "completed"
	QueueFailed    = "failed"
	QueueCancelled = "cancelled"
)

// statusRank orders queue statuses along the legal lifecycle. A
// transition is applied only if it strictly advances the rank, which is
// what makes status monotone: no regression, and the first terminal
// event to land wins any cancel/complete race.
var statusRank = map[string]int{
	QueuePending:   0,
	QueueAssigned:  1,
	QueueExecuting: 2,
	QueueCompleted: 3,
	QueueFailed:    3,
	QueueCancelled: 3,
}

// cellStateFor maps a queue entry status onto the owning cell's
// execution state. Cancelled returns the cell to idle so the UI reflects
// preemption immediately.
func cellStateFor(status string) string {
	switch status {
	case QueuePending, QueueAssigned:
		return StateQueued
	case QueueExecuting:
		return StateRunning
	case QueueCompleted:
		return StateCompleted
	case QueueFailed:
		return StateError
	default:
		return StateIdle
	}
}

// validSessionTransitions is the runtime session lifecycle. A status
// change outside this graph is a semantic no-op.
var validSessionTransitions = map[event.SessionStatus][]event.SessionStatus{
	event.SessionStarting:         {event.SessionReady, event.SessionStatusTerminated},
	event.SessionReady:            {event.SessionBusy, event.SessionRestarting, event.SessionStatusTerminated},
	event.SessionBusy:             {event.SessionReady, event.SessionRestarting, event.SessionStatusTerminated},
	event.SessionRestarting:       {event.SessionReady, event.SessionStatusTerminated},
	event.SessionStatusTerminated: {},
}

func sessionTransitionValid(from, to event.SessionStatus) bool {
	for _, next := range validSessionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Materializer applies events to the projection tables. It is the sole
// writer of those tables; the engine invokes it once per event, in log
// order, inside the same transaction that appended the event.
type Materializer struct {
	store *store.Store
	log   *slog.Logger
}

// New creates a Materializer. A nil logger falls back to slog.Default.
func New(s *store.Store, log *slog.Logger) *Materializer {
	if log == nil {
		log = slog.Default()
	}
	return &Materializer{store: s, log: log}
}

// Apply reduces one event into projection mutations inside tx. Reducers
// never fail on semantically invalid events; a returned error always
// means storage failure and should abort the transaction.
func (m *Materializer) Apply(ctx context.Context, tx *sql.Tx, env event.Envelope) error {
	var err error
	switch p := env.Payload.(type) {
	case event.CellCreated:
		err = m.applyCellCreated(ctx, tx, env, p)
	case event.CellDeleted:
		err = m.store.DeleteCell(ctx, tx, p.CellID)
	case event.CellSourceChanged:
		err = m.mutateCell(ctx, tx, p.CellID, func(c *store.Cell) { c.Source = p.Source })
	case event.CellTypeChanged:
		err = m.mutateCell(ctx, tx, p.CellID, func(c *store.Cell) { c.CellType = string(p.CellType) })
	case event.CellVisibilityChanged:
		err = m.mutateCell(ctx, tx, p.CellID, func(c *store.Cell) {
			c.SourceVisible = p.SourceVisible
			c.OutputVisible = p.OutputVisible
		})
	case event.CellMoved:
		err = m.applyCellMoved(ctx, tx, p)
	case event.LegacyCellMoved:
		err = m.applyLegacyCellMoved(ctx, tx, env, p)
	case event.ExecutionRequested:
		err = m.applyExecutionRequested(ctx, tx, env, p)
	case event.ExecutionAssigned:
		err = m.applyExecutionAssigned(ctx, tx, p)
	case event.ExecutionStarted:
		err = m.advanceQueueEntry(ctx, tx, p.QueueID, QueueExecuting, func(e *store.QueueEntry) {
			e.AssignedSessionID = p.SessionID
			e.StartedAt = timestamp(env)
		})
	case event.ExecutionCompleted:
		status := QueueCompleted
		if p.Status == event.ExecutionError {
			status = QueueFailed
		}
		err = m.advanceQueueEntry(ctx, tx, p.QueueID, status, func(e *store.QueueEntry) {
			e.CompletedAt = timestamp(env)
			e.DurationMs = p.DurationMs
		})
	case event.ExecutionCancelled:
		err = m.advanceQueueEntry(ctx, tx, p.QueueID, QueueCancelled, func(e *store.QueueEntry) {
			e.CompletedAt = timestamp(env)
		})
	case event.SessionStarted:
		err = m.applySessionStarted(ctx, tx, env, p)
	case event.SessionStatusChanged:
		err = m.applySessionStatusChanged(ctx, tx, p)
	case event.SessionTerminated:
		err = m.applySessionTerminated(ctx, tx, p)
	case event.TerminalOutputAdded:
		err = m.addOutput(ctx, tx, env, store.Output{
			ID: p.OutputID, CellID: p.CellID, Position: p.Position,
			OutputType: store.OutputTypeStream, StreamName: p.StreamName, Text: p.Text,
		})
	case event.LegacyTerminalOutputAppended:
		err = m.applyLegacyAppend(ctx, tx, p)
	case event.OutputDeltaAppended:
		err = m.applyOutputDelta(ctx, tx, p)
	case event.MarkdownOutputAdded:
		err = m.addOutput(ctx, tx, env, store.Output{
			ID: p.OutputID, CellID: p.CellID, Position: p.Position,
			OutputType: store.OutputTypeMarkdown, Text: p.Text,
		})
	case event.DisplayOutputAdded:
		err = m.applyDisplayAdded(ctx, tx, env, p)
	case event.DisplayOutputUpdated:
		err = m.applyDisplayUpdated(ctx, tx, env, p)
	case event.ResultOutputAdded:
		err = m.applyResultAdded(ctx, tx, env, p)
	case event.ErrorOutputAdded:
		err = m.applyErrorAdded(ctx, tx, env, p)
	case event.OutputsCleared:
		err = m.applyOutputsCleared(ctx, tx, p)
	default:
		// Unknown payloads are skipped, not fatal: a newer peer may have
		// appended an event this build does not understand yet.
		m.log.Warn("skipping unknown event payload",
			"name", env.Name, "notebook", env.NotebookID, "seq", env.Seq)
		return nil
	}
	if err != nil {
		return fmt.Errorf("materialize %s (seq %d): %w", env.Name, env.Seq, err)
	}
	return m.recordPresence(ctx, tx, env)
}

// timestamp renders the envelope clock deterministically. Projections
// never read the wall clock; all times come from the log.
func timestamp(env event.Envelope) string {
	return env.OccurredAt.UTC().Format(time.RFC3339Nano)
}

func (m *Materializer) applyCellCreated(ctx context.Context, tx *sql.Tx, env event.Envelope, p event.CellCreated) error {
	if err := fracindex.Validate(p.OrderKey); err != nil {
		m.log.Warn("cell created with invalid order key, skipping",
			"cell", p.CellID, "orderKey", p.OrderKey)
		return nil
	}
	existing, err := m.store.CellByID(ctx, tx, p.CellID)
	if err != nil {
		return err
	}
	if existing != nil {
		// Creation is first-wins; a replayed or duplicated create never
		// clobbers later edits.
		return nil
	}
	return m.store.UpsertCell(ctx, tx, store.Cell{
		ID:             p.CellID,
		NotebookID:     env.NotebookID,
		CellType:       string(p.CellType),
		Source:         p.Source,
		OrderKey:       p.OrderKey,
		ExecutionState: StateIdle,
		SourceVisible:  p.SourceVisible,
		OutputVisible:  p.OutputVisible,
	})
}

// mutateCell loads a cell, applies fn, and writes it back; missing cells
// are a semantic no-op.
func (m *Materializer) mutateCell(ctx context.Context, tx *sql.Tx, cellID string, fn func(*store.Cell)) error {
	c, err := m.store.CellByID(ctx, tx, cellID)
	if err != nil {
		return err
	}
	if c == nil {
		return nil
	}
	fn(c)
	return m.store.UpsertCell(ctx, tx, *c)
}

func (m *Materializer) applyCellMoved(ctx context.Context, tx *sql.Tx, p event.CellMoved) error {
	if err := fracindex.Validate(p.OrderKey); err != nil {
		m.log.Warn("cell moved with invalid order key, skipping",
			"cell", p.CellID, "orderKey", p.OrderKey)
		return nil
	}
	return m.mutateCell(ctx, tx, p.CellID, func(c *store.Cell) { c.OrderKey = p.OrderKey })
}

// applyLegacyCellMoved materializes the v1 integer-position move by
// translating the absolute position into a fresh order key between the
// neighbors at that slot. The generator is reseeded per event so replay
// picks the same key every time.
func (m *Materializer) applyLegacyCellMoved(ctx context.Context, tx *sql.Tx, env event.Envelope, p event.LegacyCellMoved) error {
	target, err := m.store.CellByID(ctx, tx, p.CellID)
	if err != nil {
		return err
	}
	if target == nil {
		return nil
	}

	cells, err := m.store.CellsByOrder(ctx, tx, env.NotebookID)
	if err != nil {
		return err
	}
	rest := make([]store.Cell, 0, len(cells))
	for _, c := range cells {
		if c.ID != p.CellID {
			rest = append(rest, c)
		}
	}

	pos := p.Position
	if pos < 0 {
		pos = 0
	}
	if pos > int64(len(rest)) {
		pos = int64(len(rest))
	}

	var before, after *string
	if pos > 0 {
		before = &rest[pos-1].OrderKey
	}
	if pos < int64(len(rest)) {
		after = &rest[pos].OrderKey
	}

	gen := fracindex.NewSeeded(uint64(env.Seq))
	key, err := gen.KeyBetween(before, after)
	if err != nil {
		m.log.Warn("legacy move could not derive order key, skipping",
			"cell", p.CellID, "position", p.Position, "error", err)
		return nil
	}
	target.OrderKey = key
	return m.store.UpsertCell(ctx, tx, *target)
}

func (m *Materializer) applyExecutionRequested(ctx context.Context, tx *sql.Tx, env event.Envelope, p event.ExecutionRequested) error {
	existing, err := m.store.QueueEntryByID(ctx, tx, p.QueueID)
	if err != nil {
		return err
	}
	if existing != nil {
		// Re-delivery is harmless.
		return nil
	}
	// Exactly one entry per (cell, count). Concurrent writers each mint
	// their own queue id for the same pair; the first request to land
	// owns the entry and a rival id must never replace it - that would
	// resurrect a terminal entry as pending.
	rival, err := m.store.QueueEntryForExecution(ctx, tx, p.CellID, p.ExecutionCount)
	if err != nil {
		return err
	}
	if rival != nil {
		m.log.Debug("duplicate execution request skipped",
			"queue", p.QueueID, "cell", p.CellID, "count", p.ExecutionCount, "holder", rival.ID)
		return nil
	}
	if err := m.store.UpsertQueueEntry(ctx, tx, store.QueueEntry{
		ID:             p.QueueID,
		NotebookID:     env.NotebookID,
		CellID:         p.CellID,
		ExecutionCount: p.ExecutionCount,
		RequestedBy:    env.Actor,
		Status:         QueuePending,
	}); err != nil {
		return err
	}
	return m.mutateCell(ctx, tx, p.CellID, func(c *store.Cell) {
		c.ExecutionState = StateQueued
		c.ExecutionCount = p.ExecutionCount
	})
}

// applyExecutionAssigned claims a pending entry for a session, or lets
// a successor session reclaim an entry its dead predecessor still held.
// Reclaim is the one place an entry moves without advancing rank:
// executing falls back to assigned so the new session starts the
// attempt over. Entries held by a live session, and terminal entries,
// are untouched.
func (m *Materializer) applyExecutionAssigned(ctx context.Context, tx *sql.Tx, p event.ExecutionAssigned) error {
	entry, err := m.store.QueueEntryByID(ctx, tx, p.QueueID)
	if err != nil || entry == nil {
		return err
	}
	switch entry.Status {
	case QueuePending:
		return m.advanceQueueEntry(ctx, tx, p.QueueID, QueueAssigned, func(e *store.QueueEntry) {
			e.AssignedSessionID = p.SessionID
		})
	case QueueAssigned, QueueExecuting:
		holder, err := m.store.SessionByID(ctx, tx, entry.AssignedSessionID)
		if err != nil {
			return err
		}
		if holder != nil && holder.IsActive {
			m.log.Debug("assignment skipped, entry held by live session",
				"queue", p.QueueID, "holder", holder.ID)
			return nil
		}
		entry.Status = QueueAssigned
		entry.AssignedSessionID = p.SessionID
		entry.StartedAt = ""
		if err := m.store.UpsertQueueEntry(ctx, tx, *entry); err != nil {
			return err
		}
		return m.mutateCell(ctx, tx, entry.CellID, func(c *store.Cell) {
			c.ExecutionState = cellStateFor(QueueAssigned)
			c.AssignedSessionID = p.SessionID
		})
	default:
		return nil
	}
}

// advanceQueueEntry applies a monotone status transition. Transitions
// that do not strictly advance the lifecycle rank (regressions, or a
// second terminal event after a cancel/complete race) are skipped, and
// the owning cell's executionState and assignedSessionId mirrors are
// kept in sync.
func (m *Materializer) advanceQueueEntry(ctx context.Context, tx *sql.Tx, queueID, status string, fn func(*store.QueueEntry)) error {
	entry, err := m.store.QueueEntryByID(ctx, tx, queueID)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}
	if statusRank[status] <= statusRank[entry.Status] {
		m.log.Debug("queue transition skipped",
			"queue", queueID, "from", entry.Status, "to", status)
		return nil
	}
	entry.Status = status
	fn(entry)
	if err := m.store.UpsertQueueEntry(ctx, tx, *entry); err != nil {
		return err
	}
	return m.mutateCell(ctx, tx, entry.CellID, func(c *store.Cell) {
		c.ExecutionState = cellStateFor(status)
		switch status {
		case QueueAssigned, QueueExecuting:
			c.AssignedSessionID = entry.AssignedSessionID
		default:
			c.AssignedSessionID = ""
		}
	})
}

func (m *Materializer) applySessionStarted(ctx context.Context, tx *sql.Tx, env event.Envelope, p event.SessionStarted) error {
	existing, err := m.store.SessionByID(ctx, tx, p.SessionID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	if err := m.store.UpsertSession(ctx, tx, store.Session{
		ID:             p.SessionID,
		NotebookID:     env.NotebookID,
		RuntimeID:      p.RuntimeID,
		RuntimeType:    p.RuntimeType,
		Status:         string(event.SessionStarting),
		CanExecuteCode: p.CanExecuteCode,
		CanExecuteSQL:  p.CanExecuteSQL,
		CanExecuteAI:   p.CanExecuteAI,
		IsActive:       true,
		StartedAt:      timestamp(env),
	}); err != nil {
		return err
	}
	// A restarted agent supersedes its predecessor: older sessions of
	// the same runtime go inactive. Their assigned entries stay put
	// (orphaned by design, reclaimable by this session).
	return m.store.DeactivateOtherSessions(ctx, tx, env.NotebookID, p.RuntimeID, p.SessionID)
}

func (m *Materializer) applySessionStatusChanged(ctx context.Context, tx *sql.Tx, p event.SessionStatusChanged) error {
	sess, err := m.store.SessionByID(ctx, tx, p.SessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return nil
	}
	from := event.SessionStatus(sess.Status)
	if !sessionTransitionValid(from, p.Status) {
		m.log.Debug("session transition skipped",
			"session", p.SessionID, "from", from, "to", p.Status)
		return nil
	}
	sess.Status = string(p.Status)
	if p.Status == event.SessionStatusTerminated {
		sess.IsActive = false
	}
	return m.store.UpsertSession(ctx, tx, *sess)
}

func (m *Materializer) applySessionTerminated(ctx context.Context, tx *sql.Tx, p event.SessionTerminated) error {
	sess, err := m.store.SessionByID(ctx, tx, p.SessionID)
	if err != nil {
		return err
	}
	if sess == nil || sess.Status == string(event.SessionStatusTerminated) {
		return nil
	}
	sess.Status = string(event.SessionStatusTerminated)
	sess.IsActive = false
	// Entries the session still held are left orphaned on purpose; a
	// future session of the same runtimeId may reclaim them, or a user
	// cancels them. Never silently requeue.
	return m.store.UpsertSession(ctx, tx, *sess)
}

// flushPendingClear runs the armed clear-with-wait cleanup for a cell:
// prior outputs are deleted and the flag reset, first in the same
// mutation batch as the output that triggered it, so clear-then-replace
// is atomic. Returns the cell, or nil for dangling references.
func (m *Materializer) flushPendingClear(ctx context.Context, tx *sql.Tx, cellID string) (*store.Cell, error) {
	cell, err := m.store.CellByID(ctx, tx, cellID)
	if err != nil {
		return nil, err
	}
	if cell == nil {
		return nil, nil
	}
	if cell.PendingClear {
		if err := m.store.DeleteOutputsForCell(ctx, tx, cellID); err != nil {
			return nil, err
		}
		if err := m.store.SetPendingClear(ctx, tx, cellID, false); err != nil {
			return nil, err
		}
	}
	return cell, nil
}

// addOutput inserts one output row after the pending-clear cleanup.
// Missing cells are a semantic no-op.
func (m *Materializer) addOutput(ctx context.Context, tx *sql.Tx, env event.Envelope, o store.Output) error {
	cell, err := m.flushPendingClear(ctx, tx, o.CellID)
	if err != nil {
		return err
	}
	if cell == nil {
		return nil
	}
	o.NotebookID = env.NotebookID
	if o.Representations == "" {
		o.Representations = "null"
	}
	if o.Traceback == "" {
		o.Traceback = "null"
	}
	return m.store.UpsertOutput(ctx, tx, o)
}

func (m *Materializer) applyLegacyAppend(ctx context.Context, tx *sql.Tx, p event.LegacyTerminalOutputAppended) error {
	out, err := m.store.OutputByID(ctx, tx, p.OutputID)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return m.store.AppendOutputText(ctx, tx, p.OutputID, p.Text)
}

func (m *Materializer) applyOutputDelta(ctx context.Context, tx *sql.Tx, p event.OutputDeltaAppended) error {
	out, err := m.store.OutputByID(ctx, tx, p.OutputID)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return m.store.InsertOutputDelta(ctx, tx, store.OutputDelta{
		ID:       p.DeltaID,
		OutputID: p.OutputID,
		Sequence: p.Sequence,
		Text:     p.Text,
	})
}

func (m *Materializer) applyDisplayAdded(ctx context.Context, tx *sql.Tx, env event.Envelope, p event.DisplayOutputAdded) error {
	reps, err := encodeRepresentations(p.Representations)
	if err != nil {
		m.log.Warn("display output with unencodable representations, skipping",
			"output", p.OutputID, "error", err)
		return nil
	}
	// Mutation order matters: pending-clear cleanup, then the broadcast
	// update of prior outputs sharing the display id, then the new row,
	// so the insert is never wiped by its own cleanup.
	cell, err := m.flushPendingClear(ctx, tx, p.CellID)
	if err != nil {
		return err
	}
	if cell == nil {
		return nil
	}
	if p.DisplayID != "" {
		if err := m.store.UpdateDisplayRepresentations(ctx, tx, env.NotebookID, p.DisplayID, reps); err != nil {
			return err
		}
	}
	return m.store.UpsertOutput(ctx, tx, store.Output{
		ID:              p.OutputID,
		NotebookID:      env.NotebookID,
		CellID:          p.CellID,
		Position:        p.Position,
		OutputType:      store.OutputTypeDisplay,
		DisplayID:       p.DisplayID,
		Representations: reps,
		Traceback:       "null",
	})
}

func (m *Materializer) applyDisplayUpdated(ctx context.Context, tx *sql.Tx, env event.Envelope, p event.DisplayOutputUpdated) error {
	reps, err := encodeRepresentations(p.Representations)
	if err != nil {
		m.log.Warn("display update with unencodable representations, skipping",
			"display", p.DisplayID, "error", err)
		return nil
	}
	existing, err := m.store.OutputsByDisplayID(ctx, tx, env.NotebookID, p.DisplayID)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		// Pure update: creates nothing when no output carries the id.
		return nil
	}
	return m.store.UpdateDisplayRepresentations(ctx, tx, env.NotebookID, p.DisplayID, reps)
}

func (m *Materializer) applyResultAdded(ctx context.Context, tx *sql.Tx, env event.Envelope, p event.ResultOutputAdded) error {
	reps, err := encodeRepresentations(p.Representations)
	if err != nil {
		m.log.Warn("result output with unencodable representations, skipping",
			"output", p.OutputID, "error", err)
		return nil
	}
	return m.addOutput(ctx, tx, env, store.Output{
		ID:              p.OutputID,
		CellID:          p.CellID,
		Position:        p.Position,
		OutputType:      store.OutputTypeResult,
		Representations: reps,
		ExecutionCount:  p.ExecutionCount,
	})
}

func (m *Materializer) applyErrorAdded(ctx context.Context, tx *sql.Tx, env event.Envelope, p event.ErrorOutputAdded) error {
	traceback, err := encodeTraceback(p.Traceback)
	if err != nil {
		m.log.Warn("error output with unencodable traceback, skipping",
			"output", p.OutputID, "error", err)
		return nil
	}
	return m.addOutput(ctx, tx, env, store.Output{
		ID:           p.OutputID,
		CellID:       p.CellID,
		Position:     p.Position,
		OutputType:   store.OutputTypeError,
		ErrorName:    p.ErrorName,
		ErrorMessage: p.ErrorMessage,
		Traceback:    traceback,
	})
}

func (m *Materializer) applyOutputsCleared(ctx context.Context, tx *sql.Tx, p event.OutputsCleared) error {
	cell, err := m.store.CellByID(ctx, tx, p.CellID)
	if err != nil {
		return err
	}
	if cell == nil {
		return nil
	}
	if p.Wait {
		return m.store.SetPendingClear(ctx, tx, p.CellID, true)
	}
	if err := m.store.DeleteOutputsForCell(ctx, tx, p.CellID); err != nil {
		return err
	}
	return m.store.SetPendingClear(ctx, tx, p.CellID, false)
}

// recordPresence upserts the acting user's last-seen-at-cell record for
// user-originated, cell-scoped events. Presence is last-write-wins; the
// timestamp comes from the envelope so replay reproduces it.
func (m *Materializer) recordPresence(ctx context.Context, tx *sql.Tx, env event.Envelope) error {
	var cellID string
	switch p := env.Payload.(type) {
	case event.CellCreated:
		cellID = p.CellID
	case event.CellDeleted:
		cellID = p.CellID
	case event.CellSourceChanged:
		cellID = p.CellID
	case event.CellTypeChanged:
		cellID = p.CellID
	case event.CellVisibilityChanged:
		cellID = p.CellID
	case event.CellMoved:
		cellID = p.CellID
	case event.LegacyCellMoved:
		cellID = p.CellID
	case event.ExecutionRequested:
		cellID = p.CellID
	case event.ExecutionCancelled:
		cellID = p.CellID
	case event.OutputsCleared:
		cellID = p.CellID
	default:
		return nil
	}
	if env.Actor == "" {
		return nil
	}
	if err := m.store.UpsertPresence(ctx, tx, store.Presence{
		NotebookID: env.NotebookID,
		Actor:      env.Actor,
		CellID:     cellID,
		SeenAt:     timestamp(env),
	}); err != nil {
		return fmt.Errorf("record presence: %w", err)
	}
	return nil
}

// encodeRepresentations serializes a representation list to the
// canonical JSON stored in the projection. Nil encodes as "null".
func encodeRepresentations(reps []event.Representation) (string, error) {
	if reps == nil {
		return "null", nil
	}
	return canonicalJSON(reps)
}

func encodeTraceback(tb []string) (string, error) {
	if tb == nil {
		return "null", nil
	}
	return canonicalJSON(tb)
}

func canonicalJSON(v any) (string, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	canonical, err := event.MarshalCanonical(plain)
	if err != nil {
		return "", err
	}
	return string(canonical), nil
}
