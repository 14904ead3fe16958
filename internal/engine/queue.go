package engine

import (
	"sync"

	"github.com/roach88/quill/internal/event"
)

// submission is one validated append awaiting the Run loop. The payload
// is already schema-checked; the loop stamps seq/id/time and commits.
type submission struct {
	notebookID string
	actor      string
	payload    event.Payload
}

// submitQueue is a thread-safe FIFO queue of pending appends.
//
// The queue is unbounded so the scheduler can enqueue follow-on events
// (assignments) from inside the Run loop without deadlocking on itself.
//
// Thread-safety is provided for external submitters (HTTP handlers,
// runtime agents) while the Run loop dequeues. The signal channel lets
// the loop wait context-aware instead of spinning.
type submitQueue struct {
	mu     sync.Mutex
	items  []submission
	closed bool
	signal chan struct{} // buffered size 1; coalesces wakeups
}

func newSubmitQueue() *submitQueue {
	return &submitQueue{
		items:  make([]submission, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a submission to the back of the queue.
// Returns false if the queue is closed.
func (q *submitQueue) Enqueue(s submission) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, s)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue attempts to dequeue without blocking.
func (q *submitQueue) TryDequeue() (submission, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return submission{}, false
	}
	s := q.items[0]

	// Zero the slot so the backing array does not retain the payload.
	q.items[0] = submission{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return s, true
}

// Wait returns a channel that signals when items may be available. The
// channel closes when the queue closes, waking all waiters.
func (q *submitQueue) Wait() <-chan struct{} {
	return q.signal
}

func (q *submitQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close marks the queue closed; further Enqueue calls return false.
func (q *submitQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
