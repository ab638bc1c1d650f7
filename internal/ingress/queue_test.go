package ingress

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/near-dispatch-gateway/internal/gwerrors"
)

func TestDrainOrdersByPriorityThenAge(t *testing.T) {
	q := New(100)
	low, err := q.Enqueue(TransferRequest{ReceiverID: "a.testnet", Amount: "1"}, 1)
	require.NoError(t, err)
	high, err := q.Enqueue(TransferRequest{ReceiverID: "b.testnet", Amount: "1"}, 5)
	require.NoError(t, err)
	lowAgain, err := q.Enqueue(TransferRequest{ReceiverID: "c.testnet", Amount: "1"}, 1)
	require.NoError(t, err)

	drained := q.Drain(10)
	require.Len(t, drained, 3)
	require.Equal(t, high.ID, drained[0].ID)
	require.Equal(t, low.ID, drained[1].ID)
	require.Equal(t, lowAgain.ID, drained[2].ID)
}

func TestEnqueueOverflowReturnsQueueFull(t *testing.T) {
	q := New(2)
	_, err := q.Enqueue(TransferRequest{ReceiverID: "a.testnet", Amount: "1"}, 1)
	require.NoError(t, err)
	_, err = q.Enqueue(TransferRequest{ReceiverID: "b.testnet", Amount: "1"}, 1)
	require.NoError(t, err)

	_, err = q.Enqueue(TransferRequest{ReceiverID: "c.testnet", Amount: "1"}, 1)
	require.Error(t, err)
	require.Equal(t, gwerrors.QueueFull, gwerrors.KindOf(err))
	require.Equal(t, 2, q.Size())
}

func TestStopAcceptingRejectsFurtherEnqueue(t *testing.T) {
	q := New(10)
	q.StopAccepting()
	_, err := q.Enqueue(TransferRequest{ReceiverID: "a.testnet", Amount: "1"}, 1)
	require.Error(t, err)
	require.Equal(t, gwerrors.ShuttingDown, gwerrors.KindOf(err))
}

func TestDrainIsAtomicWithRespectToSize(t *testing.T) {
	q := New(10)
	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(TransferRequest{ReceiverID: "a.testnet", Amount: "1"}, 1)
		require.NoError(t, err)
	}
	drained := q.Drain(3)
	require.Len(t, drained, 3)
	require.Equal(t, 2, q.Size())
}

func TestImmediateFlushThreshold(t *testing.T) {
	q := New(100)
	q.SetFlushThreshold(3)
	for i := 0; i < 2; i++ {
		_, err := q.Enqueue(TransferRequest{ReceiverID: "a.testnet", Amount: "1"}, 1)
		require.NoError(t, err)
	}
	select {
	case <-q.Notify():
		t.Fatal("should not have flushed below threshold")
	default:
	}
	_, err := q.Enqueue(TransferRequest{ReceiverID: "a.testnet", Amount: "1"}, 1)
	require.NoError(t, err)
	select {
	case <-q.Notify():
	default:
		t.Fatal("expected immediate-flush notification at threshold")
	}
}
