// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package conduit

import "sync"

// fifo is an unbounded in-order element queue.
// The serve loop pushes and a single drain goroutine pops, so a slow
// handler never blocks ledger accounting or the other categories.
type fifo struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Element
	closed bool
}

func newFIFO() *fifo {
	q := &fifo{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends el. Pushes after close are dropped.
func (q *fifo) push(el Element) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, el)
	q.cond.Signal()
}

// pop blocks until an element is available or the queue is closed.
// It returns false once the queue is closed and drained.
func (q *fifo) pop() (Element, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	el := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return el, true
}

// close wakes any blocked pop. Elements already queued are still drained.
func (q *fifo) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
