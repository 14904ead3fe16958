package engine

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/quill/internal/event"
	"github.com/roach88/quill/internal/materializer"
	"github.com/roach88/quill/internal/store"
)

// Replay rebuilds a notebook's projection from its log: drop every
// derived row, then apply each event in seq order. The log itself is
// never touched. Because projections are a pure function of the log,
// replay after a crash, a schema migration, or plain suspicion always
// converges on the same bytes.
func Replay(ctx context.Context, s *store.Store, mat *materializer.Materializer, notebookID string) error {
	records, err := s.ReadEvents(ctx, notebookID)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.ClearProjection(ctx, tx, notebookID)
	})
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	for _, rec := range records {
		env, err := envelopeFromRecord(rec)
		if err != nil {
			// An undecodable historical event is skipped the same way the
			// materializer skips unknown payloads; it cannot block replay.
			continue
		}
		err = s.WithTx(ctx, func(tx *sql.Tx) error {
			return mat.Apply(ctx, tx, env)
		})
		if err != nil {
			return fmt.Errorf("replay seq %d: %w", rec.Seq, err)
		}
	}
	return nil
}

// VerifyReplay checks projection determinism: dump the current
// projection, rebuild it from the log, dump again, compare bytes.
// Returns the two dumps for diagnostics when they diverge.
func VerifyReplay(ctx context.Context, s *store.Store, mat *materializer.Materializer, notebookID string) (identical bool, before, after []byte, err error) {
	before, err = s.DumpProjection(ctx, notebookID)
	if err != nil {
		return false, nil, nil, fmt.Errorf("verify replay: %w", err)
	}
	if err := Replay(ctx, s, mat, notebookID); err != nil {
		return false, nil, nil, err
	}
	after, err = s.DumpProjection(ctx, notebookID)
	if err != nil {
		return false, nil, nil, fmt.Errorf("verify replay: %w", err)
	}
	return bytes.Equal(before, after), before, after, nil
}

func envelopeFromRecord(rec store.EventRecord) (event.Envelope, error) {
	payload, err := event.Decode(rec.Name, []byte(rec.Payload))
	if err != nil {
		return event.Envelope{}, err
	}
	occurredAt, err := time.Parse(time.RFC3339Nano, rec.OccurredAt)
	if err != nil {
		return event.Envelope{}, fmt.Errorf("parse occurredAt: %w", err)
	}
	return event.Envelope{
		ID:         rec.ID,
		NotebookID: rec.NotebookID,
		Seq:        rec.Seq,
		Name:       rec.Name,
		Actor:      rec.Actor,
		OccurredAt: occurredAt,
		Payload:    payload,
	}, nil
}
