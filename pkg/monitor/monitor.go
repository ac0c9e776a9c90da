// Package monitor tracks low-overhead counters and per-step latencies for
// the pipeline, without pulling in an external metrics system: a handful of
// atomically-updated values read back through a single Snapshot call.
package monitor

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// StepStats accumulates call count and total latency for one pipeline step,
// from which Snapshot derives an average.
type StepStats struct {
	Count      uint64
	TotalMs    uint64
	AvgLatency float64
}

// Monitor is safe for concurrent use by every pipeline goroutine.
type Monitor struct {
	mu    sync.Mutex
	steps map[string]*stepAccumulator
	log   *slog.Logger

	queueDropped uint64
	evalRetries  uint64
	evalFailures uint64
}

type stepAccumulator struct {
	count   uint64
	totalMs uint64
}

// New returns an empty Monitor that logs diagnostic events (queue drops,
// evaluator retries/failures) through slog.Default.
func New() *Monitor {
	return &Monitor{steps: make(map[string]*stepAccumulator), log: slog.Default()}
}

// RecordLatency adds one observation of durationMs to the named step.
func (m *Monitor) RecordLatency(step string, durationMs float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.steps[step]
	if !ok {
		acc = &stepAccumulator{}
		m.steps[step] = acc
	}
	acc.count++
	acc.totalMs += uint64(durationMs)
}

// IncrQueueDropped records an evaluator enqueue dropped for a full queue.
func (m *Monitor) IncrQueueDropped() {
	n := atomic.AddUint64(&m.queueDropped, 1)
	m.log.Warn("evaluator queue full, item dropped", "total_dropped", n)
}

// IncrEvalRetry records an evaluator parse-failure retry.
func (m *Monitor) IncrEvalRetry() {
	n := atomic.AddUint64(&m.evalRetries, 1)
	m.log.Info("evaluator retrying with reduced prompt", "total_retries", n)
}

// IncrEvalFailure records an evaluator item that failed after its retry and
// was isolated rather than propagated to the producer.
func (m *Monitor) IncrEvalFailure() {
	n := atomic.AddUint64(&m.evalFailures, 1)
	m.log.Error("evaluator item failed", "total_failures", n)
}

// Snapshot is a point-in-time, read-only copy of every tracked metric.
type Snapshot struct {
	Steps        map[string]StepStats
	QueueDropped uint64
	EvalRetries  uint64
	EvalFailures uint64
}

// Snapshot returns the current values of every counter and per-step average.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	steps := make(map[string]StepStats, len(m.steps))
	for name, acc := range m.steps {
		s := StepStats{Count: acc.count, TotalMs: acc.totalMs}
		if acc.count > 0 {
			s.AvgLatency = float64(acc.totalMs) / float64(acc.count)
		}
		steps[name] = s
	}

	return Snapshot{
		Steps:        steps,
		QueueDropped: atomic.LoadUint64(&m.queueDropped),
		EvalRetries:  atomic.LoadUint64(&m.evalRetries),
		EvalFailures: atomic.LoadUint64(&m.evalFailures),
	}
}

// LatenciesMs renders the current per-step averages as a map suitable for
// embedding directly into a Context's stats field.
func (m *Monitor) LatenciesMs() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]float64, len(m.steps))
	for name, acc := range m.steps {
		if acc.count == 0 {
			out[name] = 0
			continue
		}
		out[name] = float64(acc.totalMs) / float64(acc.count)
	}
	return out
}

// Timer measures one step invocation; call Stop when the step completes.
type Timer struct {
	m       *Monitor
	step    string
	startMs float64
}

// StartTimer begins timing step at startMs (caller-supplied so tests can use
// a fake clock instead of wall time).
func (m *Monitor) StartTimer(step string, startMs float64) *Timer {
	return &Timer{m: m, step: step, startMs: startMs}
}

// Stop records the elapsed time since StartTimer given the current time.
func (t *Timer) Stop(nowMs float64) {
	elapsed := nowMs - t.startMs
	if elapsed < 0 {
		elapsed = 0
	}
	t.m.RecordLatency(t.step, elapsed)
}
