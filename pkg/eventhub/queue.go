package eventhub

import (
	"sync"
	"time"

	"github.com/oim-wa/eventhub/pkg/models"
)

// eventRef is a queued unit of work: an event id, optionally with the event
// row already loaded (replay paths load it up front, notification paths
// carry only the id).
type eventRef struct {
	id    int64
	event *models.Event
}

// fifo is an unbounded queue with a timed blocking dequeue. Unbounded by
// design: producers are the listener thread and replay sweeps, which must
// never block behind a slow callback.
type fifo struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []eventRef
	closed bool
}

func newFIFO() *fifo {
	q := &fifo{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put appends an item. Puts on a closed queue are dropped.
func (q *fifo) Put(ref eventRef) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, ref)
	q.cond.Signal()
}

// Get removes the oldest item, waiting up to timeout for one to arrive.
// Returns ok=false on timeout or when the queue is closed and drained.
func (q *fifo) Get(timeout time.Duration) (eventRef, bool) {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 {
		if q.closed {
			return eventRef{}, false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return eventRef{}, false
		}
		// Wake the wait when the deadline passes; Wait has no timeout of
		// its own.
		timer := time.AfterFunc(remaining, q.cond.Broadcast)
		q.cond.Wait()
		timer.Stop()
	}

	ref := q.items[0]
	q.items = q.items[1:]
	return ref, true
}

// Len reports the number of queued items.
func (q *fifo) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close marks the queue closed and wakes all waiters. Queued items remain
// retrievable until drained.
func (q *fifo) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
