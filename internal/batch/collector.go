// Package batch is the Batch Collector: a periodic scheduler that drains
// the Ingress Queue into adaptively-sized batches and hands them to the
// Transfer Executor, bounded by maxConcurrentBatches.
package batch

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/luxfi/near-dispatch-gateway/internal/ingress"
)

// Config configures the Batch Collector.
type Config struct {
	BatchSize            int           // base, default 75
	BatchIntervalMs      time.Duration // tick period, default 300ms
	MaxConcurrentBatches int64         // default 15
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 75
	}
	if c.BatchIntervalMs <= 0 {
		c.BatchIntervalMs = 300 * time.Millisecond
	}
	if c.MaxConcurrentBatches <= 0 {
		c.MaxConcurrentBatches = 15
	}
	return c
}

// Handler is how the Batch Collector hands a drained batch to the
// Transfer Executor. It must return once every transfer in the batch has
// reached a terminal outcome so the Collector can release its inflight
// slot.
type Handler func(ctx context.Context, batch []*ingress.QueuedTransfer)

// LatencyProvider reports the recent average per-transfer processing time,
// used to adapt the batch size. executor.Executor satisfies this via its
// own rolling average.
type LatencyProvider func() time.Duration

// Collector is the Batch Collector.
type Collector struct {
	cfg     Config
	queue   *ingress.Queue
	handler Handler
	avgLat  LatencyProvider
	log     log.Logger

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	inflight   atomic.Int64
	wg         sync.WaitGroup
	cancelOnce sync.Once
	stop       chan struct{}
}

// New builds a Collector. It configures queue's immediate-flush threshold
// to 2*BatchSize.
func New(cfg Config, queue *ingress.Queue, handler Handler, avgLat LatencyProvider) *Collector {
	cfg = cfg.withDefaults()
	queue.SetFlushThreshold(2 * cfg.BatchSize)
	return &Collector{
		cfg:     cfg,
		queue:   queue,
		handler: handler,
		avgLat:  avgLat,
		log:     log.New("component", "batch"),
		sem:     semaphore.NewWeighted(cfg.MaxConcurrentBatches),
		limiter: rate.NewLimiter(rate.Every(cfg.BatchIntervalMs), 1),
		stop:    make(chan struct{}),
	}
}

// Run drives the Collector's tick loop until ctx is cancelled or Stop is
// called. It is a single producer: only one goroutine ever drains the
// queue.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.BatchIntervalMs)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.tryCollect(ctx)
		case <-c.queue.Notify():
			// Immediate-flush notifications can arrive in bursts under heavy
			// enqueue pressure; the limiter caps how often they actually
			// trigger a collect to the same cadence as the ticker, so a
			// burst doesn't turn into a burst of collect attempts.
			if c.limiter.Allow() {
				c.tryCollect(ctx)
			}
		}
	}
}

// Stop halts the tick loop without cancelling in-flight batches.
func (c *Collector) Stop() {
	c.cancelOnce.Do(func() { close(c.stop) })
}

// Wait blocks until all batches handed to the handler have returned.
func (c *Collector) Wait() { c.wg.Wait() }

// Inflight returns the number of batches currently being processed.
func (c *Collector) Inflight() int64 { return c.inflight.Load() }

// tryCollect is the Collector's tick body: skip if empty or saturated,
// compute the adaptive size, drain, and dispatch.
func (c *Collector) tryCollect(ctx context.Context) {
	if c.queue.Size() == 0 {
		return
	}
	if !c.sem.TryAcquire(1) {
		c.log.Debug("skipping tick: executor saturated", "maxConcurrentBatches", c.cfg.MaxConcurrentBatches)
		return
	}

	size := c.adaptiveSize()
	drained := c.queue.Drain(size)
	if len(drained) == 0 {
		c.sem.Release(1)
		return
	}

	c.inflight.Add(1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.sem.Release(1)
		defer c.inflight.Add(-1)
		c.handler(ctx, drained)
	}()
}

// adaptiveSize grows or shrinks the next batch size from queue depth and
// recent executor latency, so the Collector neither starves a backlog nor
// overshoots the executor's throughput.
func (c *Collector) adaptiveSize() int {
	base := c.cfg.BatchSize
	depth := c.queue.Size()
	interval := c.cfg.BatchIntervalMs

	switch {
	case depth > 3*base:
		return min(2*base, depth)
	case depth < base/2:
		return max(1, min(base/2, depth))
	default:
		if c.avgLat == nil {
			return base
		}
		avg := c.avgLat()
		switch {
		case avg > 2*interval:
			return int(math.Floor(0.7 * float64(base)))
		case avg < interval/2:
			return int(math.Ceil(1.5 * float64(base)))
		default:
			return base
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
