package noncealloc

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/near-dispatch-gateway/internal/keyregistry"
	"github.com/luxfi/near-dispatch-gateway/internal/nearkey"
	"github.com/luxfi/near-dispatch-gateway/internal/rpcclient"
)

func newTestAllocator(t *testing.T) (*Allocator, *keyregistry.Registry, *keyregistry.ManagedKey) {
	t.Helper()
	stub := rpcclient.NewStub()
	reg := keyregistry.New("gateway.near")
	kp, err := nearkey.GenerateKeyPair()
	require.NoError(t, err)
	mk := reg.AddKey(kp, true)
	stub.SeedNonce(mk.AccountID, mk.PublicKeyString, 10)

	a := New(stub)
	n, err := a.Initialize(context.Background(), reg.Keys())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	return a, reg, mk
}

func TestNonceUniquenessUnderConcurrency(t *testing.T) {
	a, _, mk := newTestAllocator(t)

	const workers = 64
	const perWorker = 50
	var wg sync.WaitGroup
	results := make(chan uint64, workers*perWorker)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				nonce, err := a.Next(context.Background(), mk)
				require.NoError(t, err)
				results <- nonce
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uint64]struct{}, workers*perWorker)
	all := make([]uint64, 0, workers*perWorker)
	for n := range results {
		_, dup := seen[n]
		require.False(t, dup, "nonce %d handed out twice", n)
		seen[n] = struct{}{}
		all = append(all, n)
	}
	require.Len(t, all, workers*perWorker)

	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	for i := 1; i < len(all); i++ {
		require.Equal(t, all[i-1]+1, all[i], "nonce sequence must be contiguous and strictly increasing")
	}
	require.Equal(t, uint64(11), all[0])
}

func TestReleaseRefreshesOnDrift(t *testing.T) {
	stub := rpcclient.NewStub()
	reg := keyregistry.New("gateway.near")
	kp, err := nearkey.GenerateKeyPair()
	require.NoError(t, err)
	mk := reg.AddKey(kp, true)
	stub.SeedNonce(mk.AccountID, mk.PublicKeyString, 10)

	a := New(stub)
	_, err = a.Initialize(context.Background(), reg.Keys())
	require.NoError(t, err)

	first, err := a.Next(context.Background(), mk)
	require.NoError(t, err)
	require.Equal(t, uint64(11), first)

	// Chain has since advanced far ahead of our local tracking (e.g. a
	// concurrent process used this key). Simulate the drift the chain
	// would report and confirm Release resyncs forward, never backward.
	stub.SeedNonce(mk.AccountID, mk.PublicKeyString, 99)
	a.Release(context.Background(), mk.AccountID, mk.PublicKeyString, false, true)

	next, err := a.Next(context.Background(), mk)
	require.NoError(t, err)
	require.Equal(t, uint64(100), next)
}

func TestNextLazilyReinitializesAfterRotate(t *testing.T) {
	stub := rpcclient.NewStub()
	reg := keyregistry.New("gateway.near")
	kp, err := nearkey.GenerateKeyPair()
	require.NoError(t, err)
	mk := reg.AddKey(kp, true)
	stub.SeedNonce(mk.AccountID, mk.PublicKeyString, 10)

	a := New(stub)
	_, err = a.Initialize(context.Background(), reg.Keys())
	require.NoError(t, err)

	first, err := a.Next(context.Background(), mk)
	require.NoError(t, err)
	require.Equal(t, uint64(11), first)

	newKp, err := nearkey.GenerateKeyPair()
	require.NoError(t, err)
	stub.SeedNonce(mk.AccountID, nearkey.PublicString(newKp.Public), 40)
	require.NoError(t, reg.Rotate(0, newKp, true))

	// The rotated key's generation no longer matches the stale entry left
	// under the old public key string; Next must notice and reinitialize
	// against the chain rather than fail NO_KEYS.
	rotated, err := a.Next(context.Background(), mk)
	require.NoError(t, err)
	require.Equal(t, uint64(41), rotated)
}
