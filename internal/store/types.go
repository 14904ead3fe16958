package store

// Row types for the projection tables. Field order mirrors column order;
// keep them in sync with schema.sql.

// Cell is a projected notebook cell.
type Cell struct {
	ID                string `json:"id"`
	NotebookID        string `json:"notebookId"`
	CellType          string `json:"cellType"`
	Source            string `json:"source"`
	OrderKey          string `json:"orderKey"`
	ExecutionState    string `json:"executionState"`
	ExecutionCount    int64  `json:"executionCount"`
	AssignedSessionID string `json:"assignedSessionId"`
	SourceVisible     bool   `json:"sourceVisible"`
	OutputVisible     bool   `json:"outputVisible"`
	PendingClear      bool   `json:"pendingClear"`
}

// QueueEntry is a projected execution-queue entry. Exactly one entry
// exists per (CellID, ExecutionCount); status transitions are monotone.
type QueueEntry struct {
	ID                string `json:"id"`
	NotebookID        string `json:"notebookId"`
	CellID            string `json:"cellId"`
	ExecutionCount    int64  `json:"executionCount"`
	RequestedBy       string `json:"requestedBy"`
	Status            string `json:"status"`
	AssignedSessionID string `json:"assignedSessionId"`
	StartedAt         string `json:"startedAt"`
	CompletedAt       string `json:"completedAt"`
	DurationMs        int64  `json:"durationMs"`
}

// OrphanedEntry pairs a non-terminal queue entry with the runtime whose
// inactive session still holds it.
type OrphanedEntry struct {
	QueueEntry
	RuntimeID string `json:"runtimeId"`
}

// Session is a projected runtime session.
type Session struct {
	ID             string `json:"id"`
	NotebookID     string `json:"notebookId"`
	RuntimeID      string `json:"runtimeId"`
	RuntimeType    string `json:"runtimeType"`
	Status         string `json:"status"`
	CanExecuteCode bool   `json:"canExecuteCode"`
	CanExecuteSQL  bool   `json:"canExecuteSql"`
	CanExecuteAI   bool   `json:"canExecuteAi"`
	IsActive       bool   `json:"isActive"`
	StartedAt      string `json:"startedAt"`
}

// Output is a projected cell output. Text holds the base text for stream
// and markdown outputs (initial chunk plus any legacy whole-string
// appends); delta fragments live in output_deltas. Representations and
// Traceback are canonical JSON as stored.
type Output struct {
	ID              string `json:"id"`
	NotebookID      string `json:"notebookId"`
	CellID          string `json:"cellId"`
	Position        int64  `json:"position"`
	OutputType      string `json:"outputType"`
	StreamName      string `json:"streamName,omitempty"`
	DisplayID       string `json:"displayId,omitempty"`
	Text            string `json:"text,omitempty"`
	Representations string `json:"representations,omitempty"`
	ExecutionCount  int64  `json:"executionCount,omitempty"`
	ErrorName       string `json:"errorName,omitempty"`
	ErrorMessage    string `json:"errorMessage,omitempty"`
	Traceback       string `json:"traceback,omitempty"`
}

// Output types as stored in outputs.output_type.
const (
	OutputTypeStream   = "stream"
	OutputTypeMarkdown = "markdown"
	OutputTypeDisplay  = "display"
	OutputTypeResult   = "result"
	OutputTypeError    = "error"
)

// OutputDelta is one immutable appended fragment of a stream or markdown
// output, ordered by Sequence within its output.
type OutputDelta struct {
	ID       string `json:"id"`
	OutputID string `json:"outputId"`
	Sequence int64  `json:"sequence"`
	Text     string `json:"text"`
}

// Presence is the last-write-wins "last seen at cell X" record per actor.
type Presence struct {
	NotebookID string `json:"notebookId"`
	Actor      string `json:"actor"`
	CellID     string `json:"cellId"`
	SeenAt     string `json:"seenAt"`
}

// EventRecord is a stored log row with the payload still serialized.
type EventRecord struct {
	NotebookID string `json:"notebookId"`
	Seq        int64  `json:"seq"`
	ID         string `json:"id"`
	Name       string `json:"name"`
	Actor      string `json:"actor"`
	OccurredAt string `json:"occurredAt"`
	Payload    string `json:"payload"`
}
