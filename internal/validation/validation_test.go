package validation

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReceiverIDBoundaries(t *testing.T) {
	require.NoError(t, ReceiverID("alice.testnet"))
	require.NoError(t, ReceiverID("a.b.c"))
	require.Error(t, ReceiverID(".foo.near"))
	require.Error(t, ReceiverID("foo.near."))
	require.Error(t, ReceiverID("foo..near"))
	require.Error(t, ReceiverID("UPPER.TESTNET"))
	require.Error(t, ReceiverID("a"))
}

func TestAmountBoundaries(t *testing.T) {
	require.Error(t, Amount(""))
	require.Error(t, Amount("0"))
	require.Error(t, Amount("-1"))
	require.Error(t, Amount("1e13"))
	require.NoError(t, Amount("100"))
	require.NoError(t, Amount("1000000000000")) // exactly 10^12
	require.Error(t, Amount("1000000000001"))   // exceeds 10^12
	require.Error(t, Amount("1.0000000000000000000000001"))
}

func TestGenerateTestAmountAlwaysValidates(t *testing.T) {
	for i := 1; i <= 1000; i++ {
		require.NoError(t, Amount(strconv.Itoa(i)), "amount %d should validate", i)
	}
}

func TestMemoBoundaries(t *testing.T) {
	require.NoError(t, Memo(""))
	require.NoError(t, Memo("hello world"))
	require.Error(t, Memo(string([]byte{0x00})))
	require.Error(t, Memo(string(make([]byte, 257))))
}

func TestPriorityBoundaries(t *testing.T) {
	require.NoError(t, Priority(0))
	require.NoError(t, Priority(0.1))
	require.NoError(t, Priority(10))
	require.Error(t, Priority(0.05))
	require.Error(t, Priority(10.1))
}
