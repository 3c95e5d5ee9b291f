// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package phaseloop

import (
	"sync"
)

// chunkSize is the number of callbacks per node in the chunked linked list.
// 128 pointers + overhead = ~1KB per chunk.
const chunkSize = 128

// chunk is a fixed-size node in the chunked linked-list. It uses
// readPos/pos cursors for O(1) push/pop without shifting.
type chunk struct {
	items   [chunkSize]*callback
	next    *chunk
	readPos int // First unread slot (index into items)
	pos     int // First unused slot (index into items)
}

// chunkPool prevents GC thrashing under sustained scheduling load.
var chunkPool = sync.Pool{
	New: func() any {
		return &chunk{}
	},
}

func newChunk() *chunk {
	c := chunkPool.Get().(*chunk)
	c.pos = 0
	c.readPos = 0
	c.next = nil
	return c
}

// returnChunk clears item slots before pooling, so exhausted chunks do not
// retain references to callback closures.
func returnChunk(c *chunk) {
	for i := c.readPos; i < c.pos; i++ {
		c.items[i] = nil
	}
	c.pos = 0
	c.readPos = 0
	c.next = nil
	chunkPool.Put(c)
}

// callbackQueue is a mutex-guarded multi-producer, single-consumer FIFO
// backed by a chunked linked list. It backs the Immediate and Microtask
// queues; producers may be any goroutine (worker completions, external
// schedulers), the sole consumer is the loop goroutine.
type callbackQueue struct {
	mu     sync.Mutex
	head   *chunk
	tail   *chunk
	length int
}

// push appends a callback.
func (q *callbackQueue) push(cb *callback) {
	q.mu.Lock()
	if q.tail == nil {
		q.tail = newChunk()
		q.head = q.tail
	}
	if q.tail.pos == len(q.tail.items) {
		next := newChunk()
		q.tail.next = next
		q.tail = next
	}
	q.tail.items[q.tail.pos] = cb
	q.tail.pos++
	q.length++
	q.mu.Unlock()
}

// pop removes and returns the oldest callback, or nil if the queue is empty.
func (q *callbackQueue) pop() *callback {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.head != nil {
		if q.head.readPos < q.head.pos {
			cb := q.head.items[q.head.readPos]
			q.head.items[q.head.readPos] = nil
			q.head.readPos++
			q.length--
			return cb
		}
		// Exhausted chunk; recycle and advance.
		exhausted := q.head
		q.head = exhausted.next
		if q.head == nil {
			q.tail = nil
		}
		returnChunk(exhausted)
	}
	return nil
}

// len returns the number of queued callbacks.
func (q *callbackQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length
}

// phaseQueue is an ordered set of callbacks for a single phase. Unlike
// callbackQueue it must support retention: entries whose readiness predicate
// does not yet hold stay queued, in order, ahead of anything scheduled later.
type phaseQueue struct {
	mu      sync.Mutex
	entries []*callback
}

// push appends a callback.
func (q *phaseQueue) push(cb *callback) {
	q.mu.Lock()
	q.entries = append(q.entries, cb)
	q.mu.Unlock()
}

// take removes and returns the current snapshot of entries. Callbacks
// scheduled into this phase while the snapshot executes land in the next
// tick, which bounds self-rescheduling within a phase.
func (q *phaseQueue) take() []*callback {
	q.mu.Lock()
	entries := q.entries
	q.entries = nil
	q.mu.Unlock()
	return entries
}

// requeueFront returns deferred entries to the head of the queue, preserving
// their submission order ahead of anything pushed during the drain.
func (q *phaseQueue) requeueFront(deferred []*callback) {
	if len(deferred) == 0 {
		return
	}
	q.mu.Lock()
	if len(q.entries) == 0 {
		q.entries = deferred
	} else {
		q.entries = append(deferred, q.entries...)
	}
	q.mu.Unlock()
}

// len returns the number of queued callbacks.
func (q *phaseQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// hasReady reports whether any queued entry's readiness predicate currently
// holds. Predicates run under the queue lock; they must be cheap and must
// not schedule work.
func (q *phaseQueue) hasReady() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, cb := range q.entries {
		if cb.cancelled.Load() {
			continue
		}
		if cb.ready == nil || cb.ready() {
			return true
		}
	}
	return false
}
