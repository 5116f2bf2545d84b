// server/queue.go
// Copyright(c) 2022 the cdpserver authors
// BSD licensed; see LICENSE for details.

package server

import "sync"

// queue is an unbounded FIFO. Producers never block; a consumer's pop
// blocks until an item arrives or the queue is closed and drained.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []interface{}
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends an item. Pushing to a closed queue panics; the server
// stops accepting requests before it closes its queues.
func (q *queue) push(item interface{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		panic("push on closed queue")
	}
	q.items = append(q.items, item)
	q.cond.Signal()
}

// pop removes and returns the oldest item, blocking while the queue is
// empty. ok is false once the queue is closed and fully drained.
func (q *queue) pop() (item interface{}, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	item = q.items[0]
	q.items = q.items[1:]
	return item, true
}

// close marks the queue finished. Queued items remain poppable.
func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// depth returns the number of queued items.
func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
