package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/near-dispatch-gateway/internal/ingress"
)

func fillQueue(t *testing.T, q *ingress.Queue, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := q.Enqueue(ingress.TransferRequest{ReceiverID: "a.near", Amount: "1"}, ingress.DefaultPriority)
		require.NoError(t, err)
	}
}

func TestAdaptiveSizeGrowsUnderBacklog(t *testing.T) {
	q := ingress.New(10000)
	fillQueue(t, q, 300) // > 3*75

	c := New(Config{BatchSize: 75}, q, func(ctx context.Context, b []*ingress.QueuedTransfer) {}, nil)
	require.Equal(t, 150, c.adaptiveSize()) // 2*base
}

func TestAdaptiveSizeShrinksUnderSparseQueue(t *testing.T) {
	q := ingress.New(10000)
	fillQueue(t, q, 10) // < base/2 == 37

	c := New(Config{BatchSize: 75}, q, func(ctx context.Context, b []*ingress.QueuedTransfer) {}, nil)
	require.Equal(t, 10, c.adaptiveSize())
}

func TestAdaptiveSizeRespondsToProcessingLatency(t *testing.T) {
	q := ingress.New(10000)
	fillQueue(t, q, 100) // between base/2 and 3*base

	slow := New(Config{BatchSize: 75, BatchIntervalMs: 300 * time.Millisecond}, q,
		func(ctx context.Context, b []*ingress.QueuedTransfer) {},
		func() time.Duration { return time.Second }) // > 2*interval
	require.Equal(t, 52, slow.adaptiveSize())

	fast := New(Config{BatchSize: 75, BatchIntervalMs: 300 * time.Millisecond}, q,
		func(ctx context.Context, b []*ingress.QueuedTransfer) {},
		func() time.Duration { return 10 * time.Millisecond }) // < interval/2
	require.Equal(t, 113, fast.adaptiveSize())
}

func TestImmediateFlushWakesCollectorBetweenTicks(t *testing.T) {
	q := ingress.New(10000)
	var handled atomic.Int64
	var wg sync.WaitGroup
	wg.Add(1)

	c := New(Config{BatchSize: 10, BatchIntervalMs: time.Hour}, q, func(ctx context.Context, b []*ingress.QueuedTransfer) {
		handled.Add(int64(len(b)))
		wg.Done()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	fillQueue(t, q, 25) // >= 2*BatchSize triggers immediate flush

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("immediate flush did not fire before the (hour-long) tick")
	}
	c.Stop()
	c.Wait()
	require.Greater(t, handled.Load(), int64(0))
}

func TestMaxConcurrentBatchesCapsInflight(t *testing.T) {
	q := ingress.New(10000)
	fillQueue(t, q, 1000)

	release := make(chan struct{})
	var started atomic.Int64
	c := New(Config{BatchSize: 10, MaxConcurrentBatches: 2}, q, func(ctx context.Context, b []*ingress.QueuedTransfer) {
		started.Add(1)
		<-release
	}, nil)

	for i := 0; i < 5; i++ {
		c.tryCollect(context.Background())
	}
	require.LessOrEqual(t, c.Inflight(), int64(2))
	close(release)
	c.Wait()
}
