package runtime

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/roach88/quill/internal/event"
)

// EchoHandler is a demo handler: it streams the cell source back to
// stdout line-buffered, then returns it as a text/plain result. Useful
// for exercising the full execution pipeline without a real kernel.
type EchoHandler struct {
	// Delay is an optional pause before producing output, so
	// cancellation mid-execution can be demonstrated.
	Delay time.Duration
}

func (h EchoHandler) Execute(ctx context.Context, req Request, sink *Sink, interrupt *InterruptToken) (Outcome, error) {
	if h.Delay > 0 {
		select {
		case <-time.After(h.Delay):
		case <-interrupt.Done():
			return OutcomeCancelled, nil
		case <-ctx.Done():
			return OutcomeCancelled, nil
		}
	}
	if interrupt.Interrupted() {
		return OutcomeCancelled, nil
	}

	if err := sink.Stdout(ctx, req.Source+"\n"); err != nil {
		return OutcomeFailure, err
	}
	reps := []event.Representation{{
		Kind:     event.RepresentationInline,
		MimeType: "text/plain",
		Data:     base64.StdEncoding.EncodeToString([]byte(req.Source)),
	}}
	if err := sink.Result(ctx, req.ExecutionCount, reps); err != nil {
		return OutcomeFailure, err
	}
	return OutcomeSuccess, nil
}
