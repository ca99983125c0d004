package backpressure

import (
	"context"
	"math"
	"sync/atomic"
	"time"
)

const sampleTimeout = 200 * time.Millisecond

// Monitor answers IsSafe from a usage ratio sampled on every Nth call.
type Monitor struct {
	sampler Sampler
	every   uint64
	calls   atomic.Uint64
	ratio   atomic.Uint64
	samples atomic.Uint64
}

// NewMonitor creates a monitor.
// Params: sampler usage source; every sampling stride (first call always samples).
// Returns: monitor.
func NewMonitor(sampler Sampler, every uint64) *Monitor {
	if every == 0 {
		every = 1
	}
	return &Monitor{sampler: sampler, every: every}
}

// IsSafe reports usage/limit <= threshold using the last sampled ratio between samples.
// Params: threshold usage fraction.
// Returns: safety verdict.
func (m *Monitor) IsSafe(threshold float64) bool {
	if m == nil {
		return true
	}
	call := m.calls.Add(1)
	if (call-1)%m.every == 0 {
		m.sample()
	}
	return m.Ratio() <= threshold
}

// Ratio returns the last sampled usage ratio.
// Params: none.
// Returns: ratio, 0 when never sampled or unlimited.
func (m *Monitor) Ratio() float64 {
	return math.Float64frombits(m.ratio.Load())
}

// Samples returns how many real samples were taken.
// Params: none.
// Returns: sample count.
func (m *Monitor) Samples() uint64 {
	return m.samples.Load()
}

// sample refreshes the cached ratio; unknown limits and errors count as safe.
func (m *Monitor) sample() {
	m.samples.Add(1)
	if m.sampler == nil {
		m.ratio.Store(0)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sampleTimeout)
	defer cancel()

	usage, limit, err := m.sampler.Sample(ctx)
	if err != nil || limit == 0 {
		m.ratio.Store(0)
		return
	}
	m.ratio.Store(math.Float64bits(float64(usage) / float64(limit)))
}

// Latch disables telemetry for the rest of the process once usage crosses its threshold.
type Latch struct {
	monitor   *Monitor
	threshold float64
	tripped   atomic.Bool
	onTrip    func()
}

// NewLatch creates a one-way latch.
// Params: monitor usage source; threshold trip fraction; onTrip optional callback run once on trip.
// Returns: latch.
func NewLatch(monitor *Monitor, threshold float64, onTrip func()) *Latch {
	return &Latch{monitor: monitor, threshold: threshold, onTrip: onTrip}
}

// IsSafe reports false forever after the first unsafe verdict.
// Params: none.
// Returns: safety verdict.
func (l *Latch) IsSafe() bool {
	if l.tripped.Load() {
		return false
	}
	if l.monitor.IsSafe(l.threshold) {
		return true
	}
	if l.tripped.CompareAndSwap(false, true) && l.onTrip != nil {
		l.onTrip()
	}
	return false
}

// Tripped reports whether the latch has tripped.
// Params: none.
// Returns: trip state.
func (l *Latch) Tripped() bool {
	return l.tripped.Load()
}
