// Package keyregistry tracks the master account's access keys, their
// health, and hands them out round-robin.
package keyregistry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/luxfi/near-dispatch-gateway/internal/gwerrors"
	"github.com/luxfi/near-dispatch-gateway/internal/nearkey"
)

// maxConsecutiveErrors deactivates a key once exceeded.
const maxConsecutiveErrors = 10

// healthyErrorCeiling is the round-robin selection bar: a key must have
// fewer errors than this to be preferred.
const healthyErrorCeiling = 5

// ManagedKey is one access key under management, plus a generation counter
// used to let noncealloc lazily detect a Rotate.
type ManagedKey struct {
	AccountID       string
	KeyPair         nearkey.KeyPair
	PublicKeyString string

	active            atomic.Bool
	usageCount        atomic.Uint64
	consecutiveErrors atomic.Int64
	generation        atomic.Uint64

	mu         sync.Mutex
	lastUsedAt time.Time
}

// Snapshot is a point-in-time, race-free read of a ManagedKey's counters.
type Snapshot struct {
	AccountID         string
	PublicKeyString   string
	Active            bool
	UsageCount        uint64
	ConsecutiveErrors int64
	Generation        uint64
	LastUsedAt        time.Time
}

func (k *ManagedKey) snapshot() Snapshot {
	k.mu.Lock()
	last := k.lastUsedAt
	k.mu.Unlock()
	return Snapshot{
		AccountID:         k.AccountID,
		PublicKeyString:   k.PublicKeyString,
		Active:            k.active.Load(),
		UsageCount:        k.usageCount.Load(),
		ConsecutiveErrors: k.consecutiveErrors.Load(),
		Generation:        k.generation.Load(),
		LastUsedAt:        last,
	}
}

// Generation returns the key's current generation, incremented on Rotate.
// noncealloc uses this to notice a key was replaced out from under it.
func (k *ManagedKey) Generation() uint64 { return k.generation.Load() }

// Registry is the Key Registry. Safe for concurrent use.
type Registry struct {
	accountID string
	log       log.Logger

	mu   sync.RWMutex
	keys []*ManagedKey

	roundRobin atomic.Uint64
}

// New creates a Registry for the given master account. Keys are added via
// AddKey; a freshly generated key (registered=false) starts inactive.
// Nothing in this package or in noncealloc activates it later: only
// Rotate with registered=true sets a key active again.
func New(accountID string) *Registry {
	return &Registry{
		accountID: accountID,
		log:       log.New("component", "keyregistry"),
	}
}

// AddKey registers a key pair. If registered is false (a freshly generated
// parallelism key with no on-chain presence yet) the key starts inactive.
func (r *Registry) AddKey(kp nearkey.KeyPair, registered bool) *ManagedKey {
	mk := &ManagedKey{
		AccountID:       r.accountID,
		KeyPair:         kp,
		PublicKeyString: nearkey.PublicString(kp.Public),
	}
	mk.active.Store(registered)
	r.mu.Lock()
	r.keys = append(r.keys, mk)
	r.mu.Unlock()
	if !registered {
		r.log.Warn("added unregistered key; it stays inactive",
			"publicKey", mk.PublicKeyString)
	}
	return mk
}

// Keys returns all managed keys (for NA initialization and CP health).
func (r *Registry) Keys() []*ManagedKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ManagedKey, len(r.keys))
	copy(out, r.keys)
	return out
}

// ActiveCount returns how many keys are currently active.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, k := range r.keys {
		if k.active.Load() {
			n++
		}
	}
	return n
}

// Acquire returns an active, healthy key: round-robin over active keys with
// consecutiveErrors < 5; falling back to any active key; failing NO_KEYS if
// none are active. hint, when >= 0, is tried first (the executor passes
// batchIndex mod keyCount, to spread batches across keys deterministically).
func (r *Registry) Acquire(hint int) (*ManagedKey, int, error) {
	r.mu.RLock()
	keys := r.keys
	r.mu.RUnlock()

	if len(keys) == 0 {
		return nil, 0, gwerrors.New(gwerrors.NoKeys, "no keys configured")
	}

	if hint >= 0 {
		idx := hint % len(keys)
		if k := keys[idx]; k.active.Load() && k.consecutiveErrors.Load() < healthyErrorCeiling {
			r.touch(k)
			return k, idx, nil
		}
	}

	start := int(r.roundRobin.Add(1) - 1)
	var fallback *ManagedKey
	fallbackIdx := -1
	for i := 0; i < len(keys); i++ {
		idx := (start + i) % len(keys)
		k := keys[idx]
		if !k.active.Load() {
			continue
		}
		if fallback == nil {
			fallback = k
			fallbackIdx = idx
		}
		if k.consecutiveErrors.Load() < healthyErrorCeiling {
			r.touch(k)
			return k, idx, nil
		}
	}
	if fallback != nil {
		r.touch(fallback)
		return fallback, fallbackIdx, nil
	}
	return nil, 0, gwerrors.New(gwerrors.NoKeys, "all keys unhealthy")
}

func (r *Registry) touch(k *ManagedKey) {
	k.usageCount.Add(1)
	k.mu.Lock()
	k.lastUsedAt = time.Now()
	k.mu.Unlock()
}

// MarkSuccess decrements the key's error counter (floor 0).
func (r *Registry) MarkSuccess(idx int) {
	k := r.at(idx)
	if k == nil {
		return
	}
	for {
		cur := k.consecutiveErrors.Load()
		if cur <= 0 {
			return
		}
		if k.consecutiveErrors.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// MarkFailure increments the key's error counter, deactivating it past the
// threshold.
func (r *Registry) MarkFailure(idx int) {
	k := r.at(idx)
	if k == nil {
		return
	}
	n := k.consecutiveErrors.Add(1)
	if n > maxConsecutiveErrors {
		if k.active.CompareAndSwap(true, false) {
			r.log.Error("deactivating key after repeated failures",
				"publicKey", k.PublicKeyString, "consecutiveErrors", n)
		}
	}
}

// Rotate replaces the key pair at idx with a new one. The key's generation
// is bumped so noncealloc can detect the swap and re-initialize its nonce
// tracking rather than reuse stale state.
func (r *Registry) Rotate(idx int, newKey nearkey.KeyPair, registered bool) error {
	k := r.at(idx)
	if k == nil {
		return gwerrors.New(gwerrors.Validation, "rotate: key index out of range")
	}
	r.log.Warn("rotating access key", "index", idx, "oldPublicKey", k.PublicKeyString)
	k.mu.Lock()
	k.KeyPair = newKey
	k.PublicKeyString = nearkey.PublicString(newKey.Public)
	k.lastUsedAt = time.Time{}
	k.mu.Unlock()
	k.consecutiveErrors.Store(0)
	k.usageCount.Store(0)
	k.active.Store(registered)
	k.generation.Add(1)
	return nil
}

func (r *Registry) at(idx int) *ManagedKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if idx < 0 || idx >= len(r.keys) {
		return nil
	}
	return r.keys[idx]
}

// Snapshot returns a point-in-time view of the key at idx, or nil.
func (r *Registry) Snapshot(idx int) *Snapshot {
	k := r.at(idx)
	if k == nil {
		return nil
	}
	s := k.snapshot()
	return &s
}

// Snapshots returns a point-in-time view of every managed key.
func (r *Registry) Snapshots() []Snapshot {
	keys := r.Keys()
	out := make([]Snapshot, len(keys))
	for i, k := range keys {
		out[i] = k.snapshot()
	}
	return out
}
