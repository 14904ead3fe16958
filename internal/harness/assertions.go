package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/quill/internal/engine"
	"github.com/roach88/quill/internal/materializer"
	"github.com/roach88/quill/internal/store"
)

// AssertionError carries the expected and actual outcome of a failed
// assertion.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", e.Type, e.Expected, e.Actual)
}

func fail(typ, expected, actual string) error {
	return &AssertionError{Type: typ, Expected: expected, Actual: actual}
}

func evaluate(ctx context.Context, st *store.Store, mat *materializer.Materializer, notebookID string, a Assertion) error {
	switch a.Type {
	case "cell_order":
		return assertCellOrder(ctx, st, notebookID, a)
	case "cell_state":
		return assertCellState(ctx, st, a)
	case "queue_status":
		return assertQueueStatus(ctx, st, a)
	case "output_count":
		return assertOutputCount(ctx, st, a)
	case "output_text":
		return assertOutputText(ctx, st, a)
	case "session_status":
		return assertSessionStatus(ctx, st, a)
	case "replay_deterministic":
		return assertReplayDeterministic(ctx, st, mat, notebookID)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func assertCellOrder(ctx context.Context, st *store.Store, notebookID string, a Assertion) error {
	cells, err := st.CellsByOrder(ctx, st.DB(), notebookID)
	if err != nil {
		return err
	}
	got := make([]string, 0, len(cells))
	for _, c := range cells {
		got = append(got, c.ID)
	}
	if len(got) != len(a.Cells) {
		return fail("cell_order", strings.Join(a.Cells, ","), strings.Join(got, ","))
	}
	for i := range got {
		if got[i] != a.Cells[i] {
			return fail("cell_order", strings.Join(a.Cells, ","), strings.Join(got, ","))
		}
	}
	return nil
}

func assertCellState(ctx context.Context, st *store.Store, a Assertion) error {
	cell, err := st.CellByID(ctx, st.DB(), a.Cell)
	if err != nil {
		return err
	}
	if cell == nil {
		return fail("cell_state", fmt.Sprintf("cell %s in state %s", a.Cell, a.State), "no such cell")
	}
	if cell.ExecutionState != a.State {
		return fail("cell_state", a.State, cell.ExecutionState)
	}
	return nil
}

func assertQueueStatus(ctx context.Context, st *store.Store, a Assertion) error {
	entry, err := st.QueueEntryByID(ctx, st.DB(), a.Queue)
	if err != nil {
		return err
	}
	if entry == nil {
		return fail("queue_status", fmt.Sprintf("entry %s with status %s", a.Queue, a.Status), "no such entry")
	}
	if entry.Status != a.Status {
		return fail("queue_status", a.Status, entry.Status)
	}
	return nil
}

func assertOutputCount(ctx context.Context, st *store.Store, a Assertion) error {
	outputs, err := st.OutputsForCell(ctx, st.DB(), a.Cell)
	if err != nil {
		return err
	}
	if len(outputs) != a.Count {
		return fail("output_count", fmt.Sprintf("%d outputs for %s", a.Count, a.Cell),
			fmt.Sprintf("%d", len(outputs)))
	}
	return nil
}

// assertOutputText checks the rendered text (base plus deltas) of the
// cell output at the given position.
func assertOutputText(ctx context.Context, st *store.Store, a Assertion) error {
	outputs, err := st.OutputsForCell(ctx, st.DB(), a.Cell)
	if err != nil {
		return err
	}
	for _, out := range outputs {
		if out.Position != a.Position {
			continue
		}
		text, err := st.RenderedText(ctx, st.DB(), out.ID)
		if err != nil {
			return err
		}
		if text != a.Text {
			return fail("output_text", fmt.Sprintf("%q", a.Text), fmt.Sprintf("%q", text))
		}
		return nil
	}
	return fail("output_text", fmt.Sprintf("output at position %d of %s", a.Position, a.Cell), "no such output")
}

func assertSessionStatus(ctx context.Context, st *store.Store, a Assertion) error {
	sess, err := st.SessionByID(ctx, st.DB(), a.Session)
	if err != nil {
		return err
	}
	if sess == nil {
		return fail("session_status", fmt.Sprintf("session %s with status %s", a.Session, a.Status), "no such session")
	}
	if sess.Status != a.Status {
		return fail("session_status", a.Status, sess.Status)
	}
	return nil
}

func assertReplayDeterministic(ctx context.Context, st *store.Store, mat *materializer.Materializer, notebookID string) error {
	identical, _, _, err := engine.VerifyReplay(ctx, st, mat, notebookID)
	if err != nil {
		return err
	}
	if !identical {
		return fail("replay_deterministic", "projection identical after replay", "projection diverged")
	}
	return nil
}
