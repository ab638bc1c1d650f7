// Package noncealloc hands out strictly increasing, non-reused nonces per
// (accountId, publicKey). It is the component responsible for the core
// invariant this gateway depends on: no two concurrently submitted
// transactions ever reuse a nonce for the same access key.
package noncealloc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"

	"github.com/luxfi/near-dispatch-gateway/internal/gwerrors"
	"github.com/luxfi/near-dispatch-gateway/internal/keyregistry"
	"github.com/luxfi/near-dispatch-gateway/internal/rpcclient"
)

// entry is one (accountId, publicKey)'s nonce bookkeeping. The increment in
// Next is a single atomic op so concurrent executor workers never race on
// it — no read-modify-write through a general mutex.
type entry struct {
	nextNonce  atomic.Uint64
	generation uint64 // keyregistry generation this entry was initialized under
	refreshMu  sync.Mutex
}

func key(accountID, publicKey string) string { return accountID + "|" + publicKey }

// Allocator is the Nonce Allocator. Safe for concurrent use; the map
// itself is a sync.Map and every value's hot-path increment is lock-free.
type Allocator struct {
	rc  rpcclient.Client
	log log.Logger

	entries sync.Map // string -> *entry
}

// New builds an Allocator against the given RPC client.
func New(rc rpcclient.Client) *Allocator {
	return &Allocator{rc: rc, log: log.New("component", "noncealloc")}
}

// Initialize queries the chain for every key's current nonce and seeds
// nextNonce := chainNonce + 1. Keys that fail the query (e.g. not yet
// registered on-chain) are skipped and logged; only when no key initializes
// does Initialize fail, with NO_KEYS.
func (a *Allocator) Initialize(ctx context.Context, keys []*keyregistry.ManagedKey) (initialized int, err error) {
	for _, k := range keys {
		info, qerr := a.rc.QueryAccessKey(ctx, k.AccountID, k.PublicKeyString)
		if qerr != nil {
			a.log.Warn("skipping key during nonce initialization", "publicKey", k.PublicKeyString, "err", qerr)
			continue
		}
		e := &entry{generation: k.Generation()}
		e.nextNonce.Store(info.Nonce + 1)
		a.entries.Store(key(k.AccountID, k.PublicKeyString), e)
		initialized++
	}
	if initialized == 0 {
		return 0, gwerrors.New(gwerrors.NoKeys, "no key initialized a nonce")
	}
	return initialized, nil
}

// EnsureInitialized lazily initializes a single key if it is not already
// tracked (or was rotated to a new generation), used by Rotate flows and by
// tests that add keys after startup.
func (a *Allocator) EnsureInitialized(ctx context.Context, k *keyregistry.ManagedKey) error {
	v, ok := a.entries.Load(key(k.AccountID, k.PublicKeyString))
	if ok && v.(*entry).generation == k.Generation() {
		return nil
	}
	info, err := a.rc.QueryAccessKey(ctx, k.AccountID, k.PublicKeyString)
	if err != nil {
		return gwerrors.Wrap(gwerrors.Transient, "query access key for initialization", err)
	}
	e := &entry{generation: k.Generation()}
	e.nextNonce.Store(info.Nonce + 1)
	a.entries.Store(key(k.AccountID, k.PublicKeyString), e)
	return nil
}

// Next atomically returns and increments the next nonce for k. If k has
// never been initialized, or was rotated since (its generation no longer
// matches the tracked entry's), Next lazily calls EnsureInitialized before
// handing out a nonce rather than failing NO_KEYS against stale bookkeeping
// left behind under the key's previous public key string.
func (a *Allocator) Next(ctx context.Context, k *keyregistry.ManagedKey) (uint64, error) {
	mapKey := key(k.AccountID, k.PublicKeyString)
	v, ok := a.entries.Load(mapKey)
	if !ok || v.(*entry).generation != k.Generation() {
		if err := a.EnsureInitialized(ctx, k); err != nil {
			return 0, err
		}
		v, ok = a.entries.Load(mapKey)
		if !ok {
			return 0, gwerrors.New(gwerrors.NoKeys, "nonce allocator not initialized for key "+k.PublicKeyString)
		}
	}
	e := v.(*entry)
	return e.nextNonce.Add(1) - 1, nil
}

// Release reports the outcome of a transaction that consumed a nonce. On
// success, nothing further is needed (the nonce was correctly consumed). On
// failure classified as nonce drift, a refresh is scheduled: the chain is
// re-queried and nextNonce becomes max(currentLocal, chainNonce+1). On any
// other failure the nonce is simply burned — it is never reused, since a
// wasted nonce is cheaper than double-spend ambiguity.
func (a *Allocator) Release(ctx context.Context, accountID, publicKey string, success bool, drift bool) {
	if success || !drift {
		return
	}
	v, ok := a.entries.Load(key(accountID, publicKey))
	if !ok {
		return
	}
	e := v.(*entry)
	if !e.refreshMu.TryLock() {
		// another goroutine is already refreshing this key; its result
		// will cover this failure too.
		return
	}
	defer e.refreshMu.Unlock()

	info, err := a.rc.QueryAccessKey(ctx, accountID, publicKey)
	if err != nil {
		a.log.Error("nonce drift refresh failed", "accountID", accountID, "publicKey", publicKey, "err", err)
		return
	}
	refreshed := info.Nonce + 1
	for {
		cur := e.nextNonce.Load()
		if cur >= refreshed {
			return
		}
		if e.nextNonce.CompareAndSwap(cur, refreshed) {
			a.log.Warn("refreshed nonce after drift", "accountID", accountID, "publicKey", publicKey,
				"previous", cur, "refreshed", refreshed)
			return
		}
	}
}

// Peek returns the next nonce that would be handed out, for diagnostics,
// without consuming it.
func (a *Allocator) Peek(accountID, publicKey string) (uint64, bool) {
	v, ok := a.entries.Load(key(accountID, publicKey))
	if !ok {
		return 0, false
	}
	return v.(*entry).nextNonce.Load(), true
}

// String is a small helper for tests building (accountID, publicKey) keys
// consistently with the internal representation.
func String(accountID, publicKey string) string { return fmt.Sprintf("%s|%s", accountID, publicKey) }
