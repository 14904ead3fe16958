// Package event defines the versioned event schema for notebook logs.
//
// Events are the only source of truth: every piece of projection state is
// derived by replaying them in order. An event, once appended, is
// immutable. Event names carry a version prefix ("v1.CellCreated",
// "v2.CellMoved"); deprecated names are never emitted by current writers
// but decode and materialize forever so old logs always replay.
package event

import "time"

// Envelope wraps a payload with log metadata. Seq is the per-notebook
// logical clock position; ordering within a notebook is total, ordering
// across notebooks is independent.
type Envelope struct {
	ID         string    `json:"id"`
	NotebookID string    `json:"notebookId"`
	Seq        int64     `json:"seq"`
	Name       string    `json:"name"`
	Actor      string    `json:"actor"`
	OccurredAt time.Time `json:"occurredAt"`
	Payload    Payload   `json:"payload"`
}

// Payload is the sealed union of event payload types. Only the structs in
// this package implement it; adding an event name means adding a struct
// here, registering it in registry.go, and extending the materializer's
// exhaustive switch - a compile-time-checked exercise.
type Payload interface {
	// EventName returns the stable, versioned event name.
	EventName() string

	isPayload()
}

// CellType enumerates the kinds of notebook cells.
type CellType string

const (
	CellTypeCode     CellType = "code"
	CellTypeMarkdown CellType = "markdown"
	CellTypeRaw      CellType = "raw"
	CellTypeSQL      CellType = "sql"
	CellTypeAI       CellType = "ai"
)

// RepresentationKind discriminates the tagged union of output
// representations: bytes stored inline vs a reference into the artifact
// store.
type RepresentationKind string

const (
	RepresentationInline   RepresentationKind = "inline"
	RepresentationArtifact RepresentationKind = "artifact"
)

// Representation is one rendering of an output (one MIME type). Inline
// representations carry the data directly (base64 for binary MIME types);
// artifact representations carry a reference installed by the
// externalization policy.
type Representation struct {
	Kind       RepresentationKind `json:"kind"`
	MimeType   string             `json:"mimeType"`
	Data       string             `json:"data,omitempty"`
	ArtifactID string             `json:"artifactId,omitempty"`
	Metadata   map[string]any     `json:"metadata,omitempty"`
}

// --- Cell events ---

// CellCreated introduces a cell. OrderKey is computed by the creating
// client from the neighbors it knew at creation time and is never
// recomputed server-side.
type CellCreated struct {
	CellID        string   `json:"cellId"`
	CellType      CellType `json:"cellType"`
	Source        string   `json:"source"`
	OrderKey      string   `json:"orderKey"`
	SourceVisible bool     `json:"sourceVisible"`
	OutputVisible bool     `json:"outputVisible"`
}

func (CellCreated) EventName() string { return "v1.CellCreated" }
func (CellCreated) isPayload()        {}

// CellDeleted tombstones a cell and everything hanging off it.
type CellDeleted struct {
	CellID string `json:"cellId"`
}

func (CellDeleted) EventName() string { return "v1.CellDeleted" }
func (CellDeleted) isPayload()        {}

type CellSourceChanged struct {
	CellID string `json:"cellId"`
	Source string `json:"source"`
}

func (CellSourceChanged) EventName() string { return "v1.CellSourceChanged" }
func (CellSourceChanged) isPayload()        {}

type CellTypeChanged struct {
	CellID   string   `json:"cellId"`
	CellType CellType `json:"cellType"`
}

func (CellTypeChanged) EventName() string { return "v1.CellTypeChanged" }
func (CellTypeChanged) isPayload()        {}

type CellVisibilityChanged struct {
	CellID        string `json:"cellId"`
	SourceVisible bool   `json:"sourceVisible"`
	OutputVisible bool   `json:"outputVisible"`
}

func (CellVisibilityChanged) EventName() string { return "v1.CellVisibilityChanged" }
func (CellVisibilityChanged) isPayload()        {}

// CellMoved reorders a cell by replacing its fractional order key.
type CellMoved struct {
	CellID   string `json:"cellId"`
	OrderKey string `json:"orderKey"`
}

func (CellMoved) EventName() string { return "v2.CellMoved" }
func (CellMoved) isPayload()        {}

// LegacyCellMoved is the v1 move event carrying an absolute integer
// position. Deprecated: superseded by v2.CellMoved with fractional order
// keys; still materialized so old logs replay.
type LegacyCellMoved struct {
	CellID   string `json:"cellId"`
	Position int64  `json:"position"`
}

func (LegacyCellMoved) EventName() string { return "v1.CellMoved" }
func (LegacyCellMoved) isPayload()        {}

// --- Execution queue events ---

// ExecutionRequested creates a queue entry. Exactly one entry exists per
// (cellId, executionCount) pair; the requesting user is the envelope
// actor.
type ExecutionRequested struct {
	QueueID        string `json:"queueId"`
	CellID         string `json:"cellId"`
	ExecutionCount int64  `json:"executionCount"`
}

func (ExecutionRequested) EventName() string { return "v1.ExecutionRequested" }
func (ExecutionRequested) isPayload()        {}

// ExecutionAssigned records that a session claimed a pending entry.
type ExecutionAssigned struct {
	QueueID   string `json:"queueId"`
	CellID    string `json:"cellId"`
	SessionID string `json:"sessionId"`
}

func (ExecutionAssigned) EventName() string { return "v1.ExecutionAssigned" }
func (ExecutionAssigned) isPayload()        {}

// ExecutionStarted is the session's confirmation that work began.
type ExecutionStarted struct {
	QueueID   string `json:"queueId"`
	CellID    string `json:"cellId"`
	SessionID string `json:"sessionId"`
}

func (ExecutionStarted) EventName() string { return "v1.ExecutionStarted" }
func (ExecutionStarted) isPayload()        {}

// ExecutionStatus is the terminal outcome reported by a session.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionError   ExecutionStatus = "error"
)

// ExecutionCompleted terminates a queue entry, successfully or not.
type ExecutionCompleted struct {
	QueueID    string          `json:"queueId"`
	CellID     string          `json:"cellId"`
	Status     ExecutionStatus `json:"status"`
	DurationMs int64           `json:"durationMs"`
}

func (ExecutionCompleted) EventName() string { return "v1.ExecutionCompleted" }
func (ExecutionCompleted) isPayload()        {}

// ExecutionCancelled preempts a queue entry. Valid at any point before a
// terminal state; the projection reflects intent immediately, independent
// of whether the worker has actually stopped.
type ExecutionCancelled struct {
	QueueID string `json:"queueId"`
	CellID  string `json:"cellId"`
}

func (ExecutionCancelled) EventName() string { return "v1.ExecutionCancelled" }
func (ExecutionCancelled) isPayload()        {}

// --- Runtime session events ---

// SessionStatus enumerates runtime session lifecycle states.
type SessionStatus string

const (
	SessionStarting         SessionStatus = "starting"
	SessionReady            SessionStatus = "ready"
	SessionBusy             SessionStatus = "busy"
	SessionRestarting       SessionStatus = "restarting"
	SessionStatusTerminated SessionStatus = "terminated"
)

// SessionStarted announces a runtime agent process. SessionID is unique
// per process lifetime; RuntimeID is stable across restarts of the same
// logical agent, which is what lets a restarted agent reclaim entries its
// predecessor left orphaned.
type SessionStarted struct {
	SessionID      string `json:"sessionId"`
	RuntimeID      string `json:"runtimeId"`
	RuntimeType    string `json:"runtimeType"`
	CanExecuteCode bool   `json:"canExecuteCode"`
	CanExecuteSQL  bool   `json:"canExecuteSql"`
	CanExecuteAI   bool   `json:"canExecuteAi"`
}

func (SessionStarted) EventName() string { return "v1.SessionStarted" }
func (SessionStarted) isPayload()        {}

type SessionStatusChanged struct {
	SessionID string        `json:"sessionId"`
	Status    SessionStatus `json:"status"`
}

func (SessionStatusChanged) EventName() string { return "v1.SessionStatusChanged" }
func (SessionStatusChanged) isPayload()        {}

type SessionTerminated struct {
	SessionID string `json:"sessionId"`
}

func (SessionTerminated) EventName() string { return "v1.SessionTerminated" }
func (SessionTerminated) isPayload()        {}

// --- Output events ---

// TerminalOutputAdded creates a stream output (stdout/stderr) for a cell.
// Text is the initial chunk; further text arrives as deltas.
type TerminalOutputAdded struct {
	OutputID   string `json:"outputId"`
	CellID     string `json:"cellId"`
	Position   int64  `json:"position"`
	StreamName string `json:"streamName"`
	Text       string `json:"text"`
}

func (TerminalOutputAdded) EventName() string { return "v1.TerminalOutputAdded" }
func (TerminalOutputAdded) isPayload()        {}

// LegacyTerminalOutputAppended is the v1 whole-string concatenation
// append. Deprecated: replay-unsafe if applied twice, which the engine
// guards against structurally (an event only materializes when its log
// row is newly inserted). Superseded by v2.OutputDeltaAppended.
type LegacyTerminalOutputAppended struct {
	OutputID string `json:"outputId"`
	Text     string `json:"text"`
}

func (LegacyTerminalOutputAppended) EventName() string { return "v1.TerminalOutputAppended" }
func (LegacyTerminalOutputAppended) isPayload()        {}

// OutputDeltaAppended appends a fragment to an existing stream or
// markdown output. Sequence is strictly increasing per output; the
// rendered text is the deltas sorted by sequence and concatenated, never
// mutated in place. Re-inserting the same DeltaID is a no-op, which makes
// this form replay-idempotent.
type OutputDeltaAppended struct {
	DeltaID  string `json:"deltaId"`
	OutputID string `json:"outputId"`
	Sequence int64  `json:"sequence"`
	Text     string `json:"text"`
}

func (OutputDeltaAppended) EventName() string { return "v2.OutputDeltaAppended" }
func (OutputDeltaAppended) isPayload()        {}

// MarkdownOutputAdded creates a growing markdown block output.
type MarkdownOutputAdded struct {
	OutputID string `json:"outputId"`
	CellID   string `json:"cellId"`
	Position int64  `json:"position"`
	Text     string `json:"text"`
}

func (MarkdownOutputAdded) EventName() string { return "v1.MarkdownOutputAdded" }
func (MarkdownOutputAdded) isPayload()        {}

// DisplayOutputAdded creates a multi-representation display output. When
// DisplayID is non-empty, any later display event with the same id
// broadcast-updates every existing output sharing it.
type DisplayOutputAdded struct {
	OutputID        string           `json:"outputId"`
	CellID          string           `json:"cellId"`
	Position        int64            `json:"position"`
	DisplayID       string           `json:"displayId,omitempty"`
	Representations []Representation `json:"representations"`
}

func (DisplayOutputAdded) EventName() string { return "v1.DisplayOutputAdded" }
func (DisplayOutputAdded) isPayload()        {}

// DisplayOutputUpdated replaces the full representation map of every
// output carrying DisplayID. Used for coalesced UI-driven updates, e.g.
// replacing a "thinking..." placeholder. Creates nothing if no output
// carries the id.
type DisplayOutputUpdated struct {
	DisplayID       string           `json:"displayId"`
	CellID          string           `json:"cellId"`
	Representations []Representation `json:"representations"`
}

func (DisplayOutputUpdated) EventName() string { return "v1.DisplayOutputUpdated" }
func (DisplayOutputUpdated) isPayload()        {}

// ResultOutputAdded records the single terminal value of an execution.
type ResultOutputAdded struct {
	OutputID        string           `json:"outputId"`
	CellID          string           `json:"cellId"`
	Position        int64            `json:"position"`
	ExecutionCount  int64            `json:"executionCount"`
	Representations []Representation `json:"representations"`
}

func (ResultOutputAdded) EventName() string { return "v1.ResultOutputAdded" }
func (ResultOutputAdded) isPayload()        {}

// ErrorOutputAdded records a handler-reported execution error.
type ErrorOutputAdded struct {
	OutputID     string   `json:"outputId"`
	CellID       string   `json:"cellId"`
	Position     int64    `json:"position"`
	ErrorName    string   `json:"errorName"`
	ErrorMessage string   `json:"errorMessage"`
	Traceback    []string `json:"traceback,omitempty"`
}

func (ErrorOutputAdded) EventName() string { return "v1.ErrorOutputAdded" }
func (ErrorOutputAdded) isPayload()        {}

// OutputsCleared drops a cell's outputs. With Wait set, clearing is
// deferred: a pending-clear flag is recorded and the next output-adding
// event deletes the old outputs in its own mutation batch, giving atomic
// clear-then-replace without a visible blank flash.
type OutputsCleared struct {
	CellID string `json:"cellId"`
	Wait   bool   `json:"wait"`
}

func (OutputsCleared) EventName() string { return "v1.OutputsCleared" }
func (OutputsCleared) isPayload()        {}
