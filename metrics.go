package phaseloop

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// sampleSize is the rolling latency sample buffer length.
const sampleSize = 1000

// Metrics is a point-in-time snapshot of loop statistics, returned by
// Loop.Metrics(). Collection is disabled unless WithMetrics(true) is set.
type Metrics struct {
	// Ticks is the number of completed phase traversals.
	Ticks uint64
	// Executed is the total number of callbacks run, across all queues.
	Executed uint64
	// ExecutedByOrigin breaks Executed down by queue of origin; index with
	// an Origin value.
	ExecutedByOrigin [numOrigins]uint64
	// Faults counts recovered faults; FatalFaults counts scheduling faults.
	Faults      uint64
	FatalFaults uint64
	// Worker-pool statistics.
	WorkerSubmitted uint64
	WorkerCompleted uint64
	WorkerFaults    uint64
	WorkerCancelled uint64
	// Latency is the callback execution latency distribution.
	Latency LatencyMetrics
}

// LatencyMetrics summarizes the rolling callback latency distribution.
type LatencyMetrics struct {
	P50     time.Duration
	P90     time.Duration
	P95     time.Duration
	P99     time.Duration
	Max     time.Duration
	Mean    time.Duration
	Samples int
}

// metricsState is the live, thread-safe accumulator behind Metrics.
type metricsState struct {
	ticks           atomic.Uint64
	executed        atomic.Uint64
	byOrigin        [numOrigins]atomic.Uint64
	faults          atomic.Uint64
	fatalFaults     atomic.Uint64
	workerSubmitted atomic.Uint64
	workerCompleted atomic.Uint64
	workerFaults    atomic.Uint64
	workerCancelled atomic.Uint64
	latency         latencyRecorder
}

func (m *metricsState) recordTick() {
	m.ticks.Add(1)
}

func (m *metricsState) recordExec(origin Origin, d time.Duration) {
	m.executed.Add(1)
	m.byOrigin[origin].Add(1)
	m.latency.record(d)
}

func (m *metricsState) recordFault(f Fault) {
	if f.Fatal() {
		m.fatalFaults.Add(1)
	} else {
		m.faults.Add(1)
	}
	if _, ok := f.(*WorkerFault); ok {
		m.workerFaults.Add(1)
	}
}

// snapshot copies the counters and computes latency percentiles.
func (m *metricsState) snapshot() Metrics {
	out := Metrics{
		Ticks:           m.ticks.Load(),
		Executed:        m.executed.Load(),
		Faults:          m.faults.Load(),
		FatalFaults:     m.fatalFaults.Load(),
		WorkerSubmitted: m.workerSubmitted.Load(),
		WorkerCompleted: m.workerCompleted.Load(),
		WorkerFaults:    m.workerFaults.Load(),
		WorkerCancelled: m.workerCancelled.Load(),
		Latency:         m.latency.snapshot(),
	}
	for i := range out.ExecutedByOrigin {
		out.ExecutedByOrigin[i] = m.byOrigin[i].Load()
	}
	return out
}

// latencyRecorder keeps a rolling buffer of callback execution durations.
// Single writer (the loop goroutine), any number of snapshot readers.
type latencyRecorder struct {
	mu      sync.Mutex
	samples [sampleSize]time.Duration
	idx     int
	count   int
	sum     time.Duration
}

func (r *latencyRecorder) record(d time.Duration) {
	r.mu.Lock()
	if r.count >= sampleSize {
		r.sum -= r.samples[r.idx]
	}
	r.samples[r.idx] = d
	r.sum += d
	r.idx++
	if r.idx >= sampleSize {
		r.idx = 0
	}
	if r.count < sampleSize {
		r.count++
	}
	r.mu.Unlock()
}

// snapshot computes percentiles from the collected samples.
//
// Sorting is O(n log n) over at most sampleSize entries; call from
// monitoring paths, not from callbacks.
func (r *latencyRecorder) snapshot() LatencyMetrics {
	r.mu.Lock()
	count := r.count
	if count == 0 {
		r.mu.Unlock()
		return LatencyMetrics{}
	}
	sorted := make([]time.Duration, count)
	copy(sorted, r.samples[:count])
	sum := r.sum
	r.mu.Unlock()

	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return LatencyMetrics{
		P50:     sorted[percentileIndex(count, 50)],
		P90:     sorted[percentileIndex(count, 90)],
		P95:     sorted[percentileIndex(count, 95)],
		P99:     sorted[percentileIndex(count, 99)],
		Max:     sorted[count-1],
		Mean:    sum / time.Duration(count),
		Samples: count,
	}
}

// percentileIndex returns the index of the p-th percentile in a sorted
// sample of the given size, clamped to valid bounds.
func percentileIndex(count, p int) int {
	idx := count * p / 100
	if idx >= count {
		idx = count - 1
	}
	return idx
}
