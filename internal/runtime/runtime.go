// Package runtime is the agent side of the execution protocol: the
// handler contract, the streaming output sink, the cooperative
// interrupt token, and the agent loop that binds a session to the
// notebook log.
//
// The orchestrator boundary is message passing only. An agent observes
// committed events, reacts by appending its own, and shares nothing with
// the engine except the interrupt flag it owns.
package runtime

import (
	"context"

	"github.com/roach88/quill/internal/event"
)

// Appender accepts events for a notebook's log. Satisfied by
// *engine.Engine; agents and sinks never touch storage directly.
type Appender interface {
	Append(ctx context.Context, notebookID, actor string, p event.Payload) error
}

// Request describes one assigned execution.
type Request struct {
	NotebookID     string
	QueueID        string
	CellID         string
	CellType       event.CellType
	Source         string
	ExecutionCount int64
}

// Outcome is a handler's terminal result.
type Outcome int

const (
	// OutcomeSuccess means the cell executed to completion.
	OutcomeSuccess Outcome = iota

	// OutcomeFailure means the handler reported an execution error. The
	// handler is expected to have emitted an error output describing it.
	OutcomeFailure

	// OutcomeCancelled means the handler observed the interrupt and
	// aborted. Not an error; the cancellation event owns the terminal
	// state, so the agent emits no completion for it.
	OutcomeCancelled
)

// Handler executes cell source. Implemented by runtime-agent authors.
//
// Contract: stream progress through the sink (calls are translated 1:1
// into output events, in call order, with monotonically increasing
// per-cell positions); watch the interrupt token and abort as soon as
// control yields after it fires, discarding further output; return the
// outcome. Returning an error means the handler itself broke, which the
// agent records as a failure.
type Handler interface {
	Execute(ctx context.Context, req Request, sink *Sink, interrupt *InterruptToken) (Outcome, error)
}

// Capabilities advertises what a handler can execute. They gate queue
// assignment: a session only receives work its flags cover.
type Capabilities struct {
	Code bool
	SQL  bool
	AI   bool
}
