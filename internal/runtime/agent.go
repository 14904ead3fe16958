package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/quill/internal/artifact"
	"github.com/roach88/quill/internal/event"
)

// CellInfo is what an agent needs to know about an assigned cell.
type CellInfo struct {
	Source         string
	Type           event.CellType
	ExecutionCount int64

	// NextOutputPosition continues the cell's output sequence when prior
	// outputs survive (no clear between executions).
	NextOutputPosition int64
}

// CellFetcher resolves the cell behind an assignment, typically backed
// by the projection query API.
type CellFetcher interface {
	FetchCell(ctx context.Context, notebookID, cellID string) (CellInfo, error)
}

// Agent binds one runtime session to a notebook. It announces itself,
// watches the committed-event feed for assignments addressed to its
// session, runs the handler, and reports outcomes - all by appending
// events, never by touching the projection.
//
// SessionID is fresh per Agent; RuntimeID survives restarts, which is
// how a successor can pick up entries its predecessor left orphaned.
type Agent struct {
	app        Appender
	fetch      CellFetcher
	handler    Handler
	notebookID string
	runtimeID  string
	rtType     string
	caps       Capabilities
	sessionID  string
	interrupt  *InterruptToken
	ext        *artifact.Externalizer
	events     chan event.Envelope
	now        func() time.Time
	log        *slog.Logger

	mu        sync.Mutex
	current   string                    // queue id currently executing, "" when idle
	deferred  []event.ExecutionAssigned // assignments held until the current attempt ends
	executing sync.WaitGroup
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithAgentLogger sets the agent's logger.
func WithAgentLogger(log *slog.Logger) AgentOption {
	return func(a *Agent) { a.log = log }
}

// WithAgentExternalizer applies artifact externalization to the agent's
// output sinks.
func WithAgentExternalizer(ext *artifact.Externalizer) AgentOption {
	return func(a *Agent) { a.ext = ext }
}

// WithSessionID fixes the session id (tests). Default is a fresh UUIDv7.
func WithSessionID(id string) AgentOption {
	return func(a *Agent) { a.sessionID = id }
}

// WithAgentNow overrides the duration clock (tests).
func WithAgentNow(now func() time.Time) AgentOption {
	return func(a *Agent) { a.now = now }
}

// NewAgent creates an agent for one notebook. runtimeID should be
// stable across restarts of the same logical agent.
func NewAgent(app Appender, fetch CellFetcher, handler Handler, notebookID, runtimeID, runtimeType string, caps Capabilities, opts ...AgentOption) *Agent {
	a := &Agent{
		app:        app,
		fetch:      fetch,
		handler:    handler,
		notebookID: notebookID,
		runtimeID:  runtimeID,
		rtType:     runtimeType,
		caps:       caps,
		sessionID:  uuid.Must(uuid.NewV7()).String(),
		interrupt:  NewInterruptToken(),
		events:     make(chan event.Envelope, 256),
		now:        time.Now,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SessionID returns the agent's session id.
func (a *Agent) SessionID() string {
	return a.sessionID
}

// Notify feeds a committed envelope to the agent. Non-blocking: when
// the buffer is full the envelope is dropped with a warning, which an
// agent recovers from on its next relevant event. Safe from any
// goroutine; satisfies the engine's Broadcaster shape.
func (a *Agent) Notify(env event.Envelope) {
	select {
	case a.events <- env:
	default:
		a.log.Warn("agent event buffer full, dropping",
			"session", a.sessionID, "event", env.Name, "seq", env.Seq)
	}
}

// Broadcast makes Agent usable directly as an engine Broadcaster when
// no fan-out hub sits in between.
func (a *Agent) Broadcast(env event.Envelope) {
	a.Notify(env)
}

// Run announces the session, processes the event feed until the context
// ends, then terminates the session. Call from exactly one goroutine.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.announce(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			a.executing.Wait()
			a.shutdown()
			return ctx.Err()
		case env, ok := <-a.events:
			if !ok {
				a.executing.Wait()
				a.shutdown()
				return nil
			}
			a.handle(ctx, env)
		}
	}
}

func (a *Agent) announce(ctx context.Context) error {
	err := a.app.Append(ctx, a.notebookID, a.actor(), event.SessionStarted{
		SessionID:      a.sessionID,
		RuntimeID:      a.runtimeID,
		RuntimeType:    a.rtType,
		CanExecuteCode: a.caps.Code,
		CanExecuteSQL:  a.caps.SQL,
		CanExecuteAI:   a.caps.AI,
	})
	if err != nil {
		return err
	}
	return a.setStatus(ctx, event.SessionReady)
}

// shutdown reports termination on a background context; the run context
// is already done by the time we get here.
func (a *Agent) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.app.Append(ctx, a.notebookID, a.actor(), event.SessionTerminated{SessionID: a.sessionID}); err != nil {
		a.log.Warn("session termination append failed",
			"session", a.sessionID, "error", err)
	}
}

func (a *Agent) actor() string {
	return "session:" + a.sessionID
}

func (a *Agent) setStatus(ctx context.Context, status event.SessionStatus) error {
	return a.app.Append(ctx, a.notebookID, a.actor(), event.SessionStatusChanged{
		SessionID: a.sessionID,
		Status:    status,
	})
}

func (a *Agent) handle(ctx context.Context, env event.Envelope) {
	switch p := env.Payload.(type) {
	case event.ExecutionAssigned:
		if p.SessionID != a.sessionID {
			return
		}
		a.startExecution(ctx, p)
	case event.ExecutionCancelled:
		a.mu.Lock()
		mine := a.current == p.QueueID && p.QueueID != ""
		for i, d := range a.deferred {
			if d.QueueID == p.QueueID {
				a.deferred = append(a.deferred[:i], a.deferred[i+1:]...)
				break
			}
		}
		a.mu.Unlock()
		if mine {
			a.interrupt.Interrupt()
		}
	}
}

func (a *Agent) startExecution(ctx context.Context, p event.ExecutionAssigned) {
	a.mu.Lock()
	if a.current != "" {
		// One execution at a time. The entry is already materialized
		// assigned to this session and will not be re-scheduled, so the
		// assignment is held, not dropped, and taken after the current
		// attempt ends.
		if a.current != p.QueueID && !a.isDeferred(p.QueueID) {
			a.deferred = append(a.deferred, p)
			a.log.Info("assignment while executing, holding",
				"session", a.sessionID, "queue", p.QueueID, "current", a.current)
		}
		a.mu.Unlock()
		return
	}
	a.current = p.QueueID
	a.mu.Unlock()

	a.executing.Add(1)
	go func() {
		defer a.executing.Done()
		a.execute(ctx, p)
		a.takeDeferred(ctx)
	}()
}

// isDeferred reports whether a queue id is already held. Caller holds mu.
func (a *Agent) isDeferred(queueID string) bool {
	for _, d := range a.deferred {
		if d.QueueID == queueID {
			return true
		}
	}
	return false
}

// takeDeferred starts the oldest held assignment, if any. Runs on the
// finishing execution's goroutine, after current has been cleared.
func (a *Agent) takeDeferred(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	a.mu.Lock()
	if len(a.deferred) == 0 {
		a.mu.Unlock()
		return
	}
	next := a.deferred[0]
	a.deferred = a.deferred[1:]
	a.mu.Unlock()
	a.startExecution(ctx, next)
}

// execute runs one assignment end to end in its own goroutine so the
// event loop stays free to observe a cancellation for it.
func (a *Agent) execute(ctx context.Context, p event.ExecutionAssigned) {
	defer func() {
		a.interrupt.Reset()
		a.mu.Lock()
		a.current = ""
		a.mu.Unlock()
	}()

	info, err := a.fetch.FetchCell(ctx, a.notebookID, p.CellID)
	if err != nil {
		a.log.Warn("assigned cell could not be fetched",
			"session", a.sessionID, "cell", p.CellID, "error", err)
		return
	}

	if err := a.app.Append(ctx, a.notebookID, a.actor(), event.ExecutionStarted{
		QueueID:   p.QueueID,
		CellID:    p.CellID,
		SessionID: a.sessionID,
	}); err != nil {
		a.log.Warn("execution start append failed", "queue", p.QueueID, "error", err)
		return
	}
	if err := a.setStatus(ctx, event.SessionBusy); err != nil {
		a.log.Warn("busy status append failed", "session", a.sessionID, "error", err)
	}

	sinkOpts := []SinkOption{WithStartPosition(info.NextOutputPosition)}
	if a.ext != nil {
		sinkOpts = append(sinkOpts, WithExternalizer(a.ext))
	}
	sink := NewSink(a.app, a.notebookID, p.CellID, a.actor(), sinkOpts...)

	req := Request{
		NotebookID:     a.notebookID,
		QueueID:        p.QueueID,
		CellID:         p.CellID,
		CellType:       info.Type,
		Source:         info.Source,
		ExecutionCount: info.ExecutionCount,
	}

	start := a.now()
	outcome, execErr := a.handler.Execute(ctx, req, sink, a.interrupt)
	duration := a.now().Sub(start).Milliseconds()

	if a.interrupt.Interrupted() || outcome == OutcomeCancelled {
		// The cancellation event owns the terminal state; emitting a
		// completion here would just lose the log race it already lost.
		sink.drop()
		a.log.Info("execution cancelled", "queue", p.QueueID, "cell", p.CellID)
	} else {
		status := event.ExecutionSuccess
		if execErr != nil || outcome == OutcomeFailure {
			status = event.ExecutionError
		}
		if execErr != nil {
			// The handler itself broke; surface it as an error output so
			// the failure is visible in the notebook, not just the log.
			if err := sink.Error(ctx, "HandlerError", execErr.Error(), nil); err != nil {
				a.log.Warn("error output append failed", "queue", p.QueueID, "error", err)
			}
		}
		if err := a.app.Append(ctx, a.notebookID, a.actor(), event.ExecutionCompleted{
			QueueID:    p.QueueID,
			CellID:     p.CellID,
			Status:     status,
			DurationMs: duration,
		}); err != nil {
			a.log.Warn("completion append failed", "queue", p.QueueID, "error", err)
		}
	}

	if err := a.setStatus(ctx, event.SessionReady); err != nil {
		a.log.Warn("ready status append failed", "session", a.sessionID, "error", err)
	}
}
