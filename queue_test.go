package phaseloop

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallbackQueue_fifoAcrossChunkBoundaries(t *testing.T) {
	var q callbackQueue

	// More than two chunks worth, to exercise chunk allocation, exhaustion,
	// and recycling.
	const n = chunkSize*2 + 37
	for i := 0; i < n; i++ {
		q.push(&callback{seq: uint64(i)})
	}
	assert.Equal(t, n, q.len())

	for i := 0; i < n; i++ {
		cb := q.pop()
		require.NotNil(t, cb, "pop %d", i)
		assert.Equal(t, uint64(i), cb.seq)
	}
	assert.Nil(t, q.pop())
	assert.Zero(t, q.len())
}

func TestCallbackQueue_popEmptyIsNil(t *testing.T) {
	var q callbackQueue
	assert.Nil(t, q.pop())
	assert.Nil(t, q.pop())

	q.push(&callback{seq: 1})
	assert.NotNil(t, q.pop())
	assert.Nil(t, q.pop())
}

func TestCallbackQueue_interleavedPushPop(t *testing.T) {
	var q callbackQueue
	next := uint64(0)
	want := uint64(0)
	for round := 0; round < 50; round++ {
		for i := 0; i < 7; i++ {
			q.push(&callback{seq: next})
			next++
		}
		for i := 0; i < 5; i++ {
			cb := q.pop()
			require.NotNil(t, cb)
			assert.Equal(t, want, cb.seq)
			want++
		}
	}
	for cb := q.pop(); cb != nil; cb = q.pop() {
		assert.Equal(t, want, cb.seq)
		want++
	}
	assert.Equal(t, next, want)
}

func TestCallbackQueue_concurrentProducers(t *testing.T) {
	var q callbackQueue
	const producers = 8
	const perProducer = 500

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.push(&callback{seq: uint64(p*perProducer + i)})
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[uint64]bool, producers*perProducer)
	perProducerNext := make(map[uint64]uint64, producers)
	for cb := q.pop(); cb != nil; cb = q.pop() {
		require.False(t, seen[cb.seq], "duplicate seq %d", cb.seq)
		seen[cb.seq] = true
		// FIFO must hold per producer.
		p := cb.seq / perProducer
		i := cb.seq % perProducer
		assert.Equal(t, perProducerNext[p], i, "producer %d out of order", p)
		perProducerNext[p] = i + 1
	}
	assert.Len(t, seen, producers*perProducer)
}

func TestPhaseQueue_takeSnapshotsAndRequeueFrontPreservesOrder(t *testing.T) {
	var q phaseQueue
	a := &callback{seq: 1}
	b := &callback{seq: 2}
	c := &callback{seq: 3}
	q.push(a)
	q.push(b)

	entries := q.take()
	require.Equal(t, []*callback{a, b}, entries)
	assert.Zero(t, q.len())

	// Work pushed during the drain lands behind requeued deferred entries.
	q.push(c)
	q.requeueFront([]*callback{a, b})

	assert.Equal(t, []*callback{a, b, c}, q.take())
}

func TestPhaseQueue_requeueFrontIntoEmptyQueue(t *testing.T) {
	var q phaseQueue
	a := &callback{seq: 1}
	q.requeueFront(nil)
	assert.Zero(t, q.len())
	q.requeueFront([]*callback{a})
	assert.Equal(t, []*callback{a}, q.take())
}

func TestPhaseQueue_hasReady(t *testing.T) {
	var q phaseQueue
	assert.False(t, q.hasReady())

	gated := &callback{ready: func() bool { return false }}
	q.push(gated)
	assert.False(t, q.hasReady())

	cancelled := &callback{}
	cancelled.cancelled.Store(true)
	q.push(cancelled)
	assert.False(t, q.hasReady(), "cancelled entries are never ready")

	q.push(&callback{}) // nil predicate: always ready
	assert.True(t, q.hasReady())
}

func TestChunkPool_recycledChunksAreClean(t *testing.T) {
	c := newChunk()
	for i := range c.items {
		c.items[i] = &callback{seq: uint64(i)}
	}
	c.pos = len(c.items)
	c.readPos = 3
	returnChunk(c)

	c2 := newChunk()
	assert.Zero(t, c2.pos)
	assert.Zero(t, c2.readPos)
	assert.Nil(t, c2.next)
}

func TestCallback_stateTransitions(t *testing.T) {
	cb := &callback{}
	require.True(t, cb.markQueued())
	assert.False(t, cb.markQueued(), "double enqueue must be detected")
	require.True(t, cb.markRunning())
	assert.False(t, cb.markRunning())
	cb.markDone()
	assert.False(t, cb.markQueued(), "done callbacks are never reused")
}

func BenchmarkCallbackQueue_pushPop(b *testing.B) {
	var q callbackQueue
	cb := &callback{}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		q.push(cb)
		q.pop()
	}
}

func ExamplePhase_String() {
	fmt.Println(PhaseTimers, PhasePendingIO, PhasePoll, PhaseCheck, PhaseClose)
	// Output: Timers PendingIO Poll Check Close
}
