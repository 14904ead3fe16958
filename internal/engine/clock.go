package engine

import "sync"

// Clock is the per-notebook monotonic logical clock for event ordering.
//
// All events are stamped with a strictly increasing seq number from this
// clock. This ensures:
// - Deterministic ordering (no wall-clock race conditions)
// - Replay produces identical order
// - Causal relationships within a notebook are explicit
//
// Ordering across notebooks is intentionally independent; each notebook
// owns its own sequence.
//
// Thread-safety: Clock is safe for concurrent use. However, the Engine's
// single-writer design means only the Run loop typically calls Next().
type Clock struct {
	mu   sync.Mutex
	seqs map[string]int64
}

// NewClock creates a clock with every notebook starting at 0.
func NewClock() *Clock {
	return &Clock{seqs: make(map[string]int64)}
}

// Resume positions a notebook's sequence at a known value, typically the
// highest seq already in the log. Next() then continues from there.
// Resuming below the current position is ignored; the clock never moves
// backwards.
func (c *Clock) Resume(notebookID string, seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.seqs[notebookID] {
		c.seqs[notebookID] = seq
	}
}

// Next returns the next sequence number for a notebook and advances the
// clock. Each call returns a unique, increasing value per notebook.
func (c *Clock) Next(notebookID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seqs[notebookID]++
	return c.seqs[notebookID]
}

// Current returns a notebook's current sequence without advancing.
func (c *Clock) Current(notebookID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seqs[notebookID]
}

// Seen reports whether the clock has a position for the notebook, either
// from Resume or a prior Next.
func (c *Clock) Seen(notebookID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seqs[notebookID]
	return ok
}
