package keyregistry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/near-dispatch-gateway/internal/gwerrors"
	"github.com/luxfi/near-dispatch-gateway/internal/nearkey"
)

func newKeyPair(t *testing.T) nearkey.KeyPair {
	t.Helper()
	kp, err := nearkey.GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func TestAddKeyStartsInactiveWhenUnregistered(t *testing.T) {
	r := New("gateway.near")
	mk := r.AddKey(newKeyPair(t), false)
	require.False(t, mk.snapshot().Active)
	require.Equal(t, 0, r.ActiveCount())
}

func TestAcquireFailsNoKeysWhenEmpty(t *testing.T) {
	r := New("gateway.near")
	_, _, err := r.Acquire(-1)
	require.Error(t, err)
	require.Equal(t, gwerrors.NoKeys, gwerrors.KindOf(err))
}

func TestAcquireHintPrefersIndexWhenHealthy(t *testing.T) {
	r := New("gateway.near")
	r.AddKey(newKeyPair(t), true)
	r.AddKey(newKeyPair(t), true)

	k, idx, err := r.Acquire(1)
	require.NoError(t, err)
	require.Equal(t, 1, idx)
	require.Equal(t, r.Keys()[1].PublicKeyString, k.PublicKeyString)
}

func TestAcquireSkipsUnhealthyHintAndFallsBackToRoundRobin(t *testing.T) {
	r := New("gateway.near")
	r.AddKey(newKeyPair(t), true)
	r.AddKey(newKeyPair(t), true)

	for i := 0; i < healthyErrorCeiling; i++ {
		r.MarkFailure(1)
	}

	_, idx, err := r.Acquire(1)
	require.NoError(t, err)
	require.Equal(t, 0, idx)
}

func TestMarkFailureDeactivatesPastThreshold(t *testing.T) {
	r := New("gateway.near")
	mk := r.AddKey(newKeyPair(t), true)

	for i := 0; i < maxConsecutiveErrors; i++ {
		r.MarkFailure(0)
	}
	require.True(t, mk.snapshot().Active, "still active at exactly the ceiling")

	r.MarkFailure(0)
	require.False(t, mk.snapshot().Active, "deactivated once past the ceiling")
}

func TestMarkSuccessDecrementsErrorsWithFloorZero(t *testing.T) {
	r := New("gateway.near")
	r.AddKey(newKeyPair(t), true)
	r.MarkFailure(0)
	r.MarkSuccess(0)
	r.MarkSuccess(0)
	require.Equal(t, int64(0), r.Snapshot(0).ConsecutiveErrors)
}

func TestRotateBumpsGenerationAndResetsCounters(t *testing.T) {
	r := New("gateway.near")
	r.AddKey(newKeyPair(t), true)
	r.MarkFailure(0)

	newKey := newKeyPair(t)
	require.NoError(t, r.Rotate(0, newKey, true))

	snap := r.Snapshot(0)
	require.Equal(t, uint64(1), snap.Generation)
	require.Equal(t, int64(0), snap.ConsecutiveErrors)
	require.Equal(t, uint64(0), snap.UsageCount)
	require.Equal(t, nearkey.PublicString(newKey.Public), snap.PublicKeyString)
}

func TestRotateOutOfRangeFails(t *testing.T) {
	r := New("gateway.near")
	err := r.Rotate(0, newKeyPair(t), true)
	require.Error(t, err)
	require.Equal(t, gwerrors.Validation, gwerrors.KindOf(err))
}
