package runtime

import (
	"context"

	"github.com/google/uuid"

	"github.com/roach88/quill/internal/artifact"
	"github.com/roach88/quill/internal/event"
)

// Sink is a handler's streaming output channel. Every call appends one
// output event for the execution's cell; positions increase
// monotonically in call order, and repeated writes to the same stream
// become sequence-numbered deltas on the first stream output rather
// than new rows.
//
// A Sink belongs to a single execution attempt and is not safe for
// concurrent use; the one-execution-per-session rule makes that the
// natural shape.
type Sink struct {
	app        Appender
	ext        *artifact.Externalizer
	notebookID string
	cellID     string
	actor      string
	newID      func() string

	position int64
	streams  map[string]string // stream name -> output id
	seqs     map[string]int64  // output id -> last delta sequence
	markdown string            // current markdown output id
	dropped  bool
}

// SinkOption configures a Sink.
type SinkOption func(*Sink)

// WithExternalizer applies the artifact externalization policy to
// display and result representations before they are appended.
func WithExternalizer(ext *artifact.Externalizer) SinkOption {
	return func(s *Sink) { s.ext = ext }
}

// WithIDFunc overrides output/delta id generation for tests.
func WithIDFunc(fn func() string) SinkOption {
	return func(s *Sink) { s.newID = fn }
}

// WithStartPosition seeds the position counter when prior outputs for
// the cell survive into this execution.
func WithStartPosition(pos int64) SinkOption {
	return func(s *Sink) { s.position = pos }
}

// NewSink creates a sink appending outputs for one cell on behalf of a
// session actor.
func NewSink(app Appender, notebookID, cellID, actor string, opts ...SinkOption) *Sink {
	s := &Sink{
		app:        app,
		notebookID: notebookID,
		cellID:     cellID,
		actor:      actor,
		newID:      func() string { return uuid.Must(uuid.NewV7()).String() },
		streams:    make(map[string]string),
		seqs:       make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// drop silences the sink. The agent calls it when the interrupt fires so
// a handler that keeps writing while unwinding emits nothing further.
func (s *Sink) drop() {
	s.dropped = true
}

func (s *Sink) nextPosition() int64 {
	p := s.position
	s.position++
	return p
}

// Stdout streams text to the cell's stdout. The first call creates the
// stream output; later calls append deltas to it.
func (s *Sink) Stdout(ctx context.Context, text string) error {
	return s.stream(ctx, "stdout", text)
}

// Stderr streams text to the cell's stderr.
func (s *Sink) Stderr(ctx context.Context, text string) error {
	return s.stream(ctx, "stderr", text)
}

func (s *Sink) stream(ctx context.Context, name, text string) error {
	if s.dropped {
		return nil
	}
	if outputID, ok := s.streams[name]; ok {
		return s.AppendTo(ctx, outputID, text)
	}
	outputID := s.newID()
	err := s.app.Append(ctx, s.notebookID, s.actor, event.TerminalOutputAdded{
		OutputID:   outputID,
		CellID:     s.cellID,
		Position:   s.nextPosition(),
		StreamName: name,
		Text:       text,
	})
	if err != nil {
		return err
	}
	s.streams[name] = outputID
	return nil
}

// Markdown adds a markdown block output. Later AppendMarkdown calls grow
// it.
func (s *Sink) Markdown(ctx context.Context, text string) error {
	if s.dropped {
		return nil
	}
	outputID := s.newID()
	err := s.app.Append(ctx, s.notebookID, s.actor, event.MarkdownOutputAdded{
		OutputID: outputID,
		CellID:   s.cellID,
		Position: s.nextPosition(),
		Text:     text,
	})
	if err != nil {
		return err
	}
	s.markdown = outputID
	return nil
}

// AppendMarkdown appends to the most recent markdown output, creating
// one if none exists yet.
func (s *Sink) AppendMarkdown(ctx context.Context, text string) error {
	if s.dropped {
		return nil
	}
	if s.markdown == "" {
		return s.Markdown(ctx, text)
	}
	return s.AppendTo(ctx, s.markdown, text)
}

// AppendTo appends a delta fragment to an existing output.
func (s *Sink) AppendTo(ctx context.Context, outputID, text string) error {
	if s.dropped {
		return nil
	}
	s.seqs[outputID]++
	return s.app.Append(ctx, s.notebookID, s.actor, event.OutputDeltaAppended{
		DeltaID:  s.newID(),
		OutputID: outputID,
		Sequence: s.seqs[outputID],
		Text:     text,
	})
}

// Display adds a display output and returns its id. A non-empty
// displayID makes the output addressable for later broadcast updates.
func (s *Sink) Display(ctx context.Context, displayID string, reps []event.Representation) (string, error) {
	if s.dropped {
		return "", nil
	}
	outputID := s.newID()
	err := s.app.Append(ctx, s.notebookID, s.actor, event.DisplayOutputAdded{
		OutputID:        outputID,
		CellID:          s.cellID,
		Position:        s.nextPosition(),
		DisplayID:       displayID,
		Representations: s.externalize(ctx, reps),
	})
	if err != nil {
		return "", err
	}
	return outputID, nil
}

// UpdateDisplay replaces the representation map of every output sharing
// displayID.
func (s *Sink) UpdateDisplay(ctx context.Context, displayID string, reps []event.Representation) error {
	if s.dropped {
		return nil
	}
	return s.app.Append(ctx, s.notebookID, s.actor, event.DisplayOutputUpdated{
		DisplayID:       displayID,
		CellID:          s.cellID,
		Representations: s.externalize(ctx, reps),
	})
}

// Result records the execution's single terminal value.
func (s *Sink) Result(ctx context.Context, executionCount int64, reps []event.Representation) error {
	if s.dropped {
		return nil
	}
	return s.app.Append(ctx, s.notebookID, s.actor, event.ResultOutputAdded{
		OutputID:        s.newID(),
		CellID:          s.cellID,
		Position:        s.nextPosition(),
		ExecutionCount:  executionCount,
		Representations: s.externalize(ctx, reps),
	})
}

// Error records a handler-reported execution error as an output.
func (s *Sink) Error(ctx context.Context, name, message string, traceback []string) error {
	if s.dropped {
		return nil
	}
	return s.app.Append(ctx, s.notebookID, s.actor, event.ErrorOutputAdded{
		OutputID:     s.newID(),
		CellID:       s.cellID,
		Position:     s.nextPosition(),
		ErrorName:    name,
		ErrorMessage: message,
		Traceback:    traceback,
	})
}

// Clear drops the cell's outputs. With wait set, clearing defers until
// the next output arrives (atomic clear-then-replace).
func (s *Sink) Clear(ctx context.Context, wait bool) error {
	if s.dropped {
		return nil
	}
	if err := s.app.Append(ctx, s.notebookID, s.actor, event.OutputsCleared{
		CellID: s.cellID,
		Wait:   wait,
	}); err != nil {
		return err
	}
	// Cleared cells start their output positions over.
	s.position = 0
	s.streams = make(map[string]string)
	s.markdown = ""
	return nil
}

func (s *Sink) externalize(ctx context.Context, reps []event.Representation) []event.Representation {
	if s.ext == nil {
		return reps
	}
	return s.ext.Process(ctx, s.notebookID, reps)
}
