package runtime

import (
	"sync"
	"sync/atomic"
)

// InterruptToken is the cooperative cancellation signal between the
// orchestrator and an executing handler. The orchestrator writes it,
// the handler's run loop observes it; there is no other shared state
// across that boundary.
//
// The flag is lock-free and eventually consistent: a race where the
// interrupt lands just as execution naturally completes is resolved by
// whichever terminal event reaches the log first, not here.
type InterruptToken struct {
	flag atomic.Bool

	mu   sync.Mutex
	done chan struct{}
}

// NewInterruptToken returns a quiescent token.
func NewInterruptToken() *InterruptToken {
	return &InterruptToken{done: make(chan struct{})}
}

// Interrupt requests cancellation. Safe to call from any goroutine,
// repeatedly; only the first call has an effect until Reset.
func (t *InterruptToken) Interrupt() {
	if t.flag.Swap(true) {
		return
	}
	t.mu.Lock()
	close(t.done)
	t.mu.Unlock()
}

// Interrupted reports whether cancellation has been requested. Handlers
// poll this between units of work.
func (t *InterruptToken) Interrupted() bool {
	return t.flag.Load()
}

// Done returns a channel closed when cancellation is requested, for
// handlers that wait in selects instead of polling.
func (t *InterruptToken) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Reset returns the token to its quiescent state. The agent calls this
// after every execution attempt, before the session takes new work.
func (t *InterruptToken) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.flag.Load() {
		t.done = make(chan struct{})
		t.flag.Store(false)
	}
}
