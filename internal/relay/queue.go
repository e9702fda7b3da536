package relay

import (
	"context"
	"sync"
)

// queue is an unbounded multi-producer, single-consumer FIFO.
// push never blocks on the consumer.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Request
	head   int
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(r Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, r)
	q.cond.Signal()
	return true
}

// pop blocks until an item is available, the queue is closed, or ctx is done.
// Callers must arrange for wake() to run when ctx is canceled.
func (q *queue) pop(ctx context.Context) (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed || ctx.Err() != nil {
			return Request{}, false
		}
		if q.head < len(q.items) {
			r := q.items[q.head]
			q.items[q.head] = Request{}
			q.head++
			// Compact once the consumed prefix dominates.
			if q.head > 64 && q.head*2 >= len(q.items) {
				n := copy(q.items, q.items[q.head:])
				q.items = q.items[:n]
				q.head = 0
			}
			return r, true
		}
		q.cond.Wait()
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

func (q *queue) wake() {
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

// close stops admission and releases a waiting consumer. Pending items are dropped.
func (q *queue) close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := len(q.items) - q.head
	q.closed = true
	q.items = nil
	q.head = 0
	q.cond.Broadcast()
	return dropped
}
