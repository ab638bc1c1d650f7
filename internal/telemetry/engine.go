// Package telemetry is the Metrics Engine: monotonic totals, a 600-second
// ring of per-second buckets, a bounded 10-minute sample list, and the
// derived TPS/compliance reads the observability endpoints serve.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	ringSize       = 600              // one-second buckets, sized to the full sustained-TPS window
	sampleWindow   = 10 * time.Minute // bounded to 10 minutes
	sampleCapacity = 20000            // generous upper bound; trimmed by age regardless
	currentTPSSpan = 5                // currentTPS over most recent 5 buckets
	complianceTPS  = 100
	successRateBar = 0.95
	sustainedBar   = 0.80
)

// bucket is one one-second window.
type bucket struct {
	start      int64 // unix seconds
	enqueued   int64
	successful int64
	failed     int64
}

// BatchSample is one completed batch's contribution to the TPS sample list.
type BatchSample struct {
	Timestamp  time.Time
	Successful int
	DurationMs int64
}

// Engine is the Metrics Engine. Safe for concurrent use.
type Engine struct {
	// Monotonic totals: atomic counters are the source of truth read back
	// by Totals(); the Prometheus collectors below mirror them for a scrape
	// endpoint but are write-only from this package's perspective.
	transfersEnqueued  atomic.Uint64
	transfersSucceeded atomic.Uint64
	transfersFailed    atomic.Uint64
	batchesStarted     atomic.Uint64
	batchesCompleted   atomic.Uint64
	batchErrors        atomic.Uint64

	transfersEnqueuedVec  prometheus.Counter
	transfersSucceededVec prometheus.Counter
	transfersFailedVec    prometheus.Counter
	batchesStartedVec     prometheus.Counter
	batchesCompletedVec   prometheus.Counter
	batchErrorsVec        prometheus.Counter
	errorsByKind          *prometheus.CounterVec
	batchDuration         prometheus.Histogram

	mu sync.Mutex

	ring      [ringSize]bucket
	procSum   int64
	procMax   int64
	procMin   int64
	procCount int64

	samples []BatchSample
}

// New builds an Engine and registers its Prometheus collectors on reg (pass
// prometheus.NewRegistry() in tests to avoid collisions with the global
// default registry).
func New(reg prometheus.Registerer) *Engine {
	e := &Engine{
		transfersEnqueuedVec:  prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_transfers_enqueued_total"}),
		transfersSucceededVec: prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_transfers_succeeded_total"}),
		transfersFailedVec:    prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_transfers_failed_total"}),
		batchesStartedVec:     prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_batches_started_total"}),
		batchesCompletedVec:   prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_batches_completed_total"}),
		batchErrorsVec:        prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_batch_errors_total"}),
		errorsByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_errors_total",
		}, []string{"kind"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_batch_duration_ms",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		procMin: -1,
	}
	if reg != nil {
		reg.MustRegister(e.transfersEnqueuedVec, e.transfersSucceededVec, e.transfersFailedVec,
			e.batchesStartedVec, e.batchesCompletedVec, e.batchErrorsVec, e.errorsByKind, e.batchDuration)
	}
	return e
}

func secOf(t time.Time) int64 { return t.Unix() }

// rotate returns the slot for `now`, resetting it first if it still holds
// an older second. Caller must hold e.mu.
func (e *Engine) rotate(now time.Time) *bucket {
	sec := secOf(now)
	slot := &e.ring[sec%ringSize]
	if slot.start != sec {
		*slot = bucket{start: sec}
	}
	return slot
}

// trimLocked drops ring buckets older than the ring window (they read as
// zero anyway once overwritten, but this also backfills gaps when no
// activity has occurred for a while) and samples older than 10 minutes.
// Caller must hold e.mu.
func (e *Engine) trimLocked(now time.Time) {
	cutoff := secOf(now) - ringSize
	for i := range e.ring {
		if e.ring[i].start != 0 && e.ring[i].start <= cutoff {
			e.ring[i] = bucket{}
		}
	}
	sampleCutoff := now.Add(-sampleWindow)
	i := 0
	for ; i < len(e.samples); i++ {
		if e.samples[i].Timestamp.After(sampleCutoff) {
			break
		}
	}
	if i > 0 {
		e.samples = e.samples[i:]
	}
}

// RecordEnqueued records a successful enqueue.
func (e *Engine) RecordEnqueued() {
	e.transfersEnqueued.Add(1)
	e.transfersEnqueuedVec.Inc()
	now := time.Now()
	e.mu.Lock()
	e.trimLocked(now)
	e.rotate(now).enqueued++
	e.mu.Unlock()
}

// RecordBatchStart records a batch being handed to the executor.
func (e *Engine) RecordBatchStart() {
	e.batchesStarted.Add(1)
	e.batchesStartedVec.Inc()
}

// RecordTransferOutcome records one transfer's terminal outcome and its
// processing latency.
func (e *Engine) RecordTransferOutcome(success bool, latency time.Duration, errKind string) {
	now := time.Now()
	e.mu.Lock()
	e.trimLocked(now)
	b := e.rotate(now)
	ms := latency.Milliseconds()
	e.procSum += ms
	e.procCount++
	if ms > e.procMax {
		e.procMax = ms
	}
	if e.procMin < 0 || ms < e.procMin {
		e.procMin = ms
	}
	if success {
		b.successful++
	} else {
		b.failed++
	}
	e.mu.Unlock()

	if success {
		e.transfersSucceeded.Add(1)
		e.transfersSucceededVec.Inc()
	} else {
		e.transfersFailed.Add(1)
		e.transfersFailedVec.Inc()
		if errKind != "" {
			e.errorsByKind.WithLabelValues(errKind).Inc()
		}
	}
}

// RecordBatchComplete records a completed batch's aggregate metrics and
// appends a TPS sample.
func (e *Engine) RecordBatchComplete(successful, failed int, duration time.Duration) {
	e.batchesCompleted.Add(1)
	e.batchesCompletedVec.Inc()
	if failed > 0 {
		e.batchErrors.Add(uint64(failed))
		e.batchErrorsVec.Add(float64(failed))
	}
	ms := duration.Milliseconds()
	e.batchDuration.Observe(float64(ms))

	now := time.Now()
	e.mu.Lock()
	e.trimLocked(now)
	e.samples = append(e.samples, BatchSample{Timestamp: now, Successful: successful, DurationMs: ms})
	if len(e.samples) > sampleCapacity {
		e.samples = e.samples[len(e.samples)-sampleCapacity:]
	}
	e.mu.Unlock()
}

// Totals is a snapshot of the monotonic counters.
type Totals struct {
	TransfersEnqueued  uint64
	TransfersSucceeded uint64
	TransfersFailed    uint64
	BatchesStarted     uint64
	BatchesCompleted   uint64
	BatchErrors        uint64
}

// Totals returns the current monotonic counters.
func (e *Engine) Totals() Totals {
	return Totals{
		TransfersEnqueued:  e.transfersEnqueued.Load(),
		TransfersSucceeded: e.transfersSucceeded.Load(),
		TransfersFailed:    e.transfersFailed.Load(),
		BatchesStarted:     e.batchesStarted.Load(),
		BatchesCompleted:   e.batchesCompleted.Load(),
		BatchErrors:        e.batchErrors.Load(),
	}
}

// ProcessingTime is the aggregate latency view.
type ProcessingTime struct {
	AverageMs float64
	MaxMs     int64
	MinMs     int64
	Count     int64
}

// ProcessingTime returns the current latency aggregate.
func (e *Engine) ProcessingTime() ProcessingTime {
	e.mu.Lock()
	defer e.mu.Unlock()
	pt := ProcessingTime{MaxMs: e.procMax, MinMs: e.procMin, Count: e.procCount}
	if e.procCount > 0 {
		pt.AverageMs = float64(e.procSum) / float64(e.procCount)
	}
	if pt.MinMs < 0 {
		pt.MinMs = 0
	}
	return pt
}

// CurrentTPS is the windowed definition: the mean successful count over
// the most recent 5 one-second buckets.
func (e *Engine) CurrentTPS() float64 {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trimLocked(now)
	sec := secOf(now)
	var sum int64
	for i := 0; i < currentTPSSpan; i++ {
		s := sec - int64(i)
		slot := &e.ring[((s%ringSize)+ringSize)%ringSize]
		if slot.start == s {
			sum += slot.successful
		}
	}
	return float64(sum) / float64(currentTPSSpan)
}

// Sustained100Tps10min reports whether at least 80% of 1-second buckets in
// the last 600s had successful >= 100. Buckets that never existed (no
// activity, including before process start) count as not meeting the bar:
// this measures coverage over the full 600s window, not just buckets that
// happened to fire.
func (e *Engine) Sustained100Tps10min() bool {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trimLocked(now)
	sec := secOf(now)
	met := 0
	const window = 600
	for i := 0; i < window; i++ {
		s := sec - int64(i)
		slot := &e.ring[((s%ringSize)+ringSize)%ringSize]
		if slot.start == s && slot.successful >= complianceTPS {
			met++
		}
	}
	return float64(met)/float64(window) >= sustainedBar
}

// SuccessRate returns successful / (successful + failed) over all recorded
// transfers, or 1.0 if none have been recorded yet.
func (e *Engine) SuccessRate() float64 {
	t := e.Totals()
	total := t.TransfersSucceeded + t.TransfersFailed
	if total == 0 {
		return 1
	}
	return float64(t.TransfersSucceeded) / float64(total)
}

// Compliant reports whether the gateway is currently meeting its bounty
// bar: currentTPS >= 100 and successRate >= 95%.
func (e *Engine) Compliant() bool {
	return e.CurrentTPS() >= complianceTPS && e.SuccessRate() >= successRateBar
}

// Samples returns a copy of the current (<=10min-old) per-batch TPS
// samples.
func (e *Engine) Samples() []BatchSample {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trimLocked(now)
	out := make([]BatchSample, len(e.samples))
	copy(out, e.samples)
	return out
}
