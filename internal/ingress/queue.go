// Package ingress implements the bounded priority Ingress Queue: a
// priority-ordered multiset of QueuedTransfer, keyed by UUID, insertion-
// ordered within a priority tier.
package ingress

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luxfi/near-dispatch-gateway/internal/gwerrors"
)

// TransferRequest is a single caller-submitted transfer request, immutable
// after construction.
type TransferRequest struct {
	ReceiverID string
	Amount     string
	Memo       string
}

// QueuedTransfer is a TransferRequest once it has entered the queue.
type QueuedTransfer struct {
	ID         string
	Request    TransferRequest
	EnqueuedAt time.Time
	Priority   float64
	RetryCount int

	seq int64 // monotonic insertion counter, breaks priority ties by age
}

// item is the heap element; a max-heap on (Priority, -seq) so that among
// equal priorities the earliest-enqueued item drains first.
type item struct {
	transfer *QueuedTransfer
	index    int
}

type priorityHeap []*item

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	a, b := h[i].transfer, h[j].transfer
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.seq < b.seq
}
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *priorityHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// DefaultPriority is used when a caller does not specify one.
const DefaultPriority = 1.0

// MinPriority and MaxPriority bound the gateway's priority range.
const (
	MinPriority = 0.1
	MaxPriority = 10
)

// Queue is the Ingress Queue. Safe for concurrent use; enqueue/drain hold
// a short mutex only and never block on I/O.
type Queue struct {
	mu       sync.Mutex
	cap      int
	h        priorityHeap
	byID     map[string]*item
	seq      int64
	accepted bool

	// flushThreshold is the depth at which Enqueue wakes the Batch
	// Collector immediately rather than waiting for its next tick (the
	// Collector's immediate-flush rule is 2x its base batch size). The
	// Collector sets this once it knows its own base batch size; until then
	// it is left at its zero value, which disables the wake (threshold of 0
	// would fire on every enqueue, so 0 is treated as "unset").
	flushThreshold int

	// notify is signaled (non-blocking) on enqueue once flushThreshold is
	// set and crossed, letting the Batch Collector avoid polling.
	notify chan struct{}
}

// New builds a Queue with the given capacity bound.
func New(capacity int) *Queue {
	q := &Queue{
		cap:      capacity,
		byID:     make(map[string]*item),
		accepted: true,
		notify:   make(chan struct{}, 1),
	}
	heap.Init(&q.h)
	return q
}

// Notify returns a channel that receives a (non-blocking, coalesced) signal
// whenever an enqueue crosses the immediate-flush threshold.
func (q *Queue) Notify() <-chan struct{} { return q.notify }

// SetFlushThreshold configures the depth at which enqueue wakes the Batch
// Collector immediately: when queue depth at enqueue time is at or above
// this threshold, Notify fires rather than waiting for the next tick.
func (q *Queue) SetFlushThreshold(n int) {
	q.mu.Lock()
	q.flushThreshold = n
	q.mu.Unlock()
}

// Enqueue assigns a UUID and records the enqueue time, returning the new
// QueuedTransfer. Fails QUEUE_FULL at capacity, or SHUTTING_DOWN once
// StopAccepting has been called.
func (q *Queue) Enqueue(req TransferRequest, priority float64) (*QueuedTransfer, error) {
	if priority <= 0 {
		priority = DefaultPriority
	}
	q.mu.Lock()
	if !q.accepted {
		q.mu.Unlock()
		return nil, gwerrors.New(gwerrors.ShuttingDown, "ingress queue is draining")
	}
	if len(q.h) >= q.cap {
		q.mu.Unlock()
		return nil, gwerrors.New(gwerrors.QueueFull, "ingress queue at capacity")
	}
	q.seq++
	qt := &QueuedTransfer{
		ID:         uuid.NewString(),
		Request:    req,
		EnqueuedAt: time.Now(),
		Priority:   priority,
		seq:        q.seq,
	}
	it := &item{transfer: qt}
	heap.Push(&q.h, it)
	q.byID[qt.ID] = it
	depth := len(q.h)
	immediateFlush := q.flushThreshold > 0 && depth >= q.flushThreshold
	q.mu.Unlock()

	if immediateFlush {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return qt, nil
}

// Drain removes up to n items with the highest priority, ties broken by
// earliest enqueue. Atomic with respect to Enqueue.
func (q *Queue) Drain(n int) []*QueuedTransfer {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.h) {
		n = len(q.h)
	}
	out := make([]*QueuedTransfer, 0, n)
	for i := 0; i < n; i++ {
		it := heap.Pop(&q.h).(*item)
		delete(q.byID, it.transfer.ID)
		out = append(out, it.transfer)
	}
	return out
}

// Size returns the current queue depth.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// StopAccepting causes all future Enqueue calls to fail SHUTTING_DOWN, as
// part of the Running->Draining transition.
func (q *Queue) StopAccepting() {
	q.mu.Lock()
	q.accepted = false
	q.mu.Unlock()
}
