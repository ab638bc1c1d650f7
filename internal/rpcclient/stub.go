package rpcclient

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/near-dispatch-gateway/internal/gwerrors"
	"github.com/luxfi/near-dispatch-gateway/internal/nearkey"
	"github.com/luxfi/near-dispatch-gateway/internal/neartx"
)

// Stub is a cooperative in-memory Client used by tests and by the benchmark
// harness: it accepts every submission within a configurable, small, fixed
// latency instead of talking to a real node. It is safe for concurrent use.
type Stub struct {
	mu sync.Mutex

	// Latency is applied to every call before it returns, simulating
	// network round-trip time.
	Latency time.Duration

	// chainNonce tracks the nonce the "chain" would report next, per
	// (accountID, publicKey).
	chainNonce map[string]uint64

	// RejectFirstNonce, if set, causes the next Submit for that nonce to
	// fail with NONCE_DRIFT exactly once (used to test NA's refresh path),
	// reporting RejectChainNonce as the actual chain nonce in the error.
	RejectFirstNonce   uint64
	rejectFirstApplied bool
	RejectChainNonce    uint64

	// FailKind, if set, makes every Submit fail with this Kind.
	FailKind gwerrors.Kind

	submitted int
}

// NewStub returns a Stub accepting everything immediately.
func NewStub() *Stub {
	return &Stub{chainNonce: make(map[string]uint64)}
}

func stubKey(accountID, publicKey string) string { return accountID + "|" + publicKey }

// SeedNonce sets the chain-reported nonce for an (account, key) pair, as
// if it had already been used that many times.
func (s *Stub) SeedNonce(accountID, publicKey string, nonce uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chainNonce[stubKey(accountID, publicKey)] = nonce
}

func (s *Stub) sleep() {
	if s.Latency > 0 {
		time.Sleep(s.Latency)
	}
}

func (s *Stub) Submit(ctx context.Context, signed *neartx.SignedTransaction, wire []byte) (*SubmitResult, error) {
	s.sleep()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailKind != "" {
		return nil, gwerrors.New(s.FailKind, "stub forced failure")
	}

	nonce := signed.Transaction.Nonce
	if !s.rejectFirstApplied && s.RejectFirstNonce != 0 && nonce == s.RejectFirstNonce {
		s.rejectFirstApplied = true
		return nil, gwerrors.New(gwerrors.NonceDrift, fmt.Sprintf("InvalidNonce(chainNonce=%d)", s.RejectChainNonce))
	}

	key := stubKey(signed.Transaction.SignerID, nearkey.PublicString(ed25519.PublicKey(signed.Transaction.PublicKey.ED25519[:])))
	s.chainNonce[key] = nonce
	s.submitted++

	hash, err := neartx.Hash(signed.Transaction)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{Hash: fmt.Sprintf("%x", hash), Outcome: json.RawMessage(`{"status":"SuccessValue"}`)}, nil
}

func (s *Stub) QueryAccessKey(ctx context.Context, accountID, publicKey string) (*AccessKeyInfo, error) {
	s.sleep()
	s.mu.Lock()
	defer s.mu.Unlock()
	return &AccessKeyInfo{Nonce: s.chainNonce[stubKey(accountID, publicKey)]}, nil
}

func (s *Stub) GetRecentBlockHash(ctx context.Context) ([32]byte, error) {
	s.sleep()
	return [32]byte{9, 9, 9}, nil
}

func (s *Stub) ViewFunction(ctx context.Context, contractID, method string, args []byte) (json.RawMessage, error) {
	s.sleep()
	return json.RawMessage(`{"result":[],"logs":[]}`), nil
}

// SubmittedCount returns how many transactions have been accepted.
func (s *Stub) SubmittedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitted
}
