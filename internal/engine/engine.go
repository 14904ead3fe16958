// Package engine is the single-writer append loop of the notebook log.
//
// External writers submit events through Append, which validates the
// payload shape and queues it. The Run loop stamps each submission with
// the notebook's next logical-clock position, commits log row and
// projection mutations in one transaction, notifies subscribers, and
// runs the work scheduler. All mutations happen in the Run goroutine;
// that single serialization point is the only place correctness depends
// on ordering.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/quill/internal/event"
	"github.com/roach88/quill/internal/materializer"
	"github.com/roach88/quill/internal/store"
)

// actorEngine attributes scheduler-generated events.
const actorEngine = "engine"

// Broadcaster receives every committed envelope, in log order. The
// server's event feed implements it; a nil broadcaster is valid.
type Broadcaster interface {
	Broadcast(env event.Envelope)
}

// Engine is the single-writer notebook event loop.
//
// Thread-safety model:
//   - Append(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
//   - everything else happens inside Run
type Engine struct {
	store     *store.Store
	mat       *materializer.Materializer
	validator *event.Validator
	clock     *Clock
	queue     *submitQueue
	idGen     IDGenerator
	bcast     Broadcaster
	now       func() time.Time
	log       *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithBroadcaster wires a subscriber feed for committed events.
func WithBroadcaster(b Broadcaster) Option {
	return func(e *Engine) { e.bcast = b }
}

// WithIDGenerator overrides the event id source. Tests pass a
// FixedGenerator for deterministic ids.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.idGen = g }
}

// WithNow overrides the wall clock used to stamp OccurredAt. Tests pass
// a fixed function so stored bytes are reproducible.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine's logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// New creates an Engine around a store, materializer, and validator.
func New(s *store.Store, mat *materializer.Materializer, validator *event.Validator, opts ...Option) *Engine {
	e := &Engine{
		store:     s,
		mat:       mat,
		validator: validator,
		clock:     NewClock(),
		queue:     newSubmitQueue(),
		idGen:     UUIDv7Generator{},
		now:       time.Now,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Append accepts an event for a notebook's log. Fire-and-forget: a nil
// return means the event was validated and queued, not yet committed;
// progress is observed through subsequently materialized state. Appends
// never fail on semantic grounds - only a malformed payload, a
// deprecated name, or a stopped engine is rejected.
func (e *Engine) Append(ctx context.Context, notebookID, actor string, p event.Payload) error {
	name := p.EventName()
	if event.Deprecated(name) {
		return newDeprecatedError(notebookID, name)
	}
	if _, err := e.validator.ValidatePayload(p); err != nil {
		return newMalformedError(notebookID, name, err)
	}
	if !e.queue.Enqueue(submission{notebookID: notebookID, actor: actor, payload: p}) {
		return newStoppedError(notebookID)
	}
	return nil
}

// Run starts the single-writer event loop. Blocks until the context is
// cancelled or Stop() is called.
//
// On processing failure the error is logged with event context and the
// loop continues: retries would make replay non-deterministic, so the
// policy is log and continue.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("engine starting")

	for {
		sub, ok := e.queue.TryDequeue()
		if ok {
			if err := e.process(ctx, sub); err != nil {
				e.log.Error("event processing failed",
					"notebook", sub.notebookID,
					"event", sub.payload.EventName(),
					"actor", sub.actor,
					"error", err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			e.log.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()

		case <-e.queue.Wait():
			if e.queue.Len() == 0 {
				e.log.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the submit queue, which makes Run return once drained.
func (e *Engine) Stop() {
	e.queue.Close()
}

// Drain processes everything currently queued without blocking for
// more. Tests and the replay command use it in place of a Run goroutine.
func (e *Engine) Drain(ctx context.Context) error {
	for {
		sub, ok := e.queue.TryDequeue()
		if !ok {
			return nil
		}
		if err := e.process(ctx, sub); err != nil {
			return err
		}
	}
}

// process commits one submission: stamp, append, materialize, notify,
// schedule. Called only from the Run goroutine.
func (e *Engine) process(ctx context.Context, sub submission) error {
	if err := e.resumeClock(ctx, sub.notebookID); err != nil {
		return err
	}

	env := event.Envelope{
		ID:         e.idGen.Generate(),
		NotebookID: sub.notebookID,
		Seq:        e.clock.Next(sub.notebookID),
		Name:       sub.payload.EventName(),
		Actor:      sub.actor,
		OccurredAt: e.now().UTC(),
		Payload:    sub.payload,
	}

	payload, err := event.Encode(env.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	var inserted bool
	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		var txErr error
		inserted, txErr = e.store.AppendEvent(ctx, tx, store.EventRecord{
			NotebookID: env.NotebookID,
			Seq:        env.Seq,
			ID:         env.ID,
			Name:       env.Name,
			Actor:      env.Actor,
			OccurredAt: env.OccurredAt.Format(time.RFC3339Nano),
			Payload:    string(payload),
		})
		if txErr != nil {
			return txErr
		}
		if !inserted {
			// Already in the log; nothing to materialize.
			return nil
		}
		return e.mat.Apply(ctx, tx, env)
	})
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}

	if e.bcast != nil {
		e.bcast.Broadcast(env)
	}
	return e.schedule(ctx, env)
}

// resumeClock positions a notebook's logical clock from the log on first
// contact, so a restarted engine continues the sequence instead of
// colliding with existing rows.
func (e *Engine) resumeClock(ctx context.Context, notebookID string) error {
	if e.clock.Seen(notebookID) {
		return nil
	}
	max, err := e.store.MaxSeq(ctx, notebookID)
	if err != nil {
		return fmt.Errorf("resume clock: %w", err)
	}
	e.clock.Resume(notebookID, max)
	return nil
}

// scheduleTrigger reports whether an event can change assignment
// eligibility: new pending work, or session capacity opening up.
func scheduleTrigger(p event.Payload) bool {
	switch sp := p.(type) {
	case event.ExecutionRequested, event.SessionStarted,
		event.ExecutionCompleted, event.ExecutionCancelled:
		return true
	case event.SessionStatusChanged:
		return sp.Status == event.SessionReady
	default:
		return false
	}
}

// schedule assigns pending queue entries to eligible sessions by
// appending ExecutionAssigned events through the normal submit path.
// The projection only changes when those events materialize, so the
// scheduler stays a pure log writer.
func (e *Engine) schedule(ctx context.Context, env event.Envelope) error {
	if !scheduleTrigger(env.Payload) {
		return nil
	}

	q := e.store.DB()
	pending, err := e.store.PendingEntries(ctx, q, env.NotebookID)
	if err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	orphans, err := e.store.OrphanedEntries(ctx, q, env.NotebookID)
	if err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	if len(pending) == 0 && len(orphans) == 0 {
		return nil
	}
	sessions, err := e.store.ActiveSessions(ctx, q, env.NotebookID)
	if err != nil {
		return fmt.Errorf("schedule: %w", err)
	}

	// A session holds at most one live assignment at a time.
	busy := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		held, err := e.store.EntriesAssignedToSession(ctx, q, sess.ID)
		if err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
		busy[sess.ID] = len(held) > 0
	}

	assign := func(entry store.QueueEntry, pick func(store.Session) bool) error {
		cell, err := e.store.CellByID(ctx, q, entry.CellID)
		if err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
		if cell == nil {
			return nil
		}
		for _, sess := range sessions {
			if busy[sess.ID] || !pick(sess) || !sessionEligible(sess, cell.CellType) {
				continue
			}
			busy[sess.ID] = true
			e.queue.Enqueue(submission{
				notebookID: env.NotebookID,
				actor:      actorEngine,
				payload: event.ExecutionAssigned{
					QueueID:   entry.ID,
					CellID:    entry.CellID,
					SessionID: sess.ID,
				},
			})
			return nil
		}
		return nil
	}

	// Orphans first: a successor session resumes its dead predecessor's
	// entries (same runtime only) before taking on new work.
	for _, o := range orphans {
		if err := assign(o.QueueEntry, func(s store.Session) bool { return s.RuntimeID == o.RuntimeID }); err != nil {
			return err
		}
	}
	for _, entry := range pending {
		if err := assign(entry, func(store.Session) bool { return true }); err != nil {
			return err
		}
	}
	return nil
}

// sessionEligible checks claim eligibility: capability flags must cover
// the cell's requirement and the session must be idle-capable (ready;
// never busy, terminated, or mid-lifecycle).
func sessionEligible(sess store.Session, cellType string) bool {
	if sess.Status != string(event.SessionReady) {
		return false
	}
	switch event.CellType(cellType) {
	case event.CellTypeSQL:
		return sess.CanExecuteSQL
	case event.CellTypeAI:
		return sess.CanExecuteAI
	default:
		// code, markdown, and raw cells all run on the code capability.
		return sess.CanExecuteCode
	}
}
