// Package executor is the Transfer Executor: the heart of the system. It
// drains a batch from the Batch Collector and, bounded by a fixed-size
// semaphore, acquires a key and nonce per transfer, builds and signs an
// ft_transfer call, submits it, and reconciles key health and nonce state
// on the outcome.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/semaphore"

	"github.com/luxfi/near-dispatch-gateway/internal/gwerrors"
	"github.com/luxfi/near-dispatch-gateway/internal/ingress"
	"github.com/luxfi/near-dispatch-gateway/internal/keyregistry"
	"github.com/luxfi/near-dispatch-gateway/internal/neartx"
	"github.com/luxfi/near-dispatch-gateway/internal/noncealloc"
	"github.com/luxfi/near-dispatch-gateway/internal/rpcclient"
)

// ft_transfer's method name, per the fungible-token standard.
const methodFtTransfer = "ft_transfer"

// Config configures the Transfer Executor.
type Config struct {
	ContractID              string
	MaxParallelTransactions int64  // default 30
	FunctionCallGas         uint64 // TGas, default 30, min 10, max 50
	AttachedDeposit         string // must be "1" (yocto) per the FT standard
}

const (
	defaultGasTGas = 30
	minGasTGas     = 10
	maxGasTGas     = 50
	tgas           = 1_000_000_000_000
)

func (c Config) withDefaults() Config {
	if c.MaxParallelTransactions <= 0 {
		c.MaxParallelTransactions = 30
	}
	if c.FunctionCallGas == 0 {
		c.FunctionCallGas = defaultGasTGas
	}
	if c.AttachedDeposit == "" {
		c.AttachedDeposit = "1"
	}
	return c
}

// Outcome is one transfer's terminal result, reported to the caller's
// MetricsRecorder and usable for higher-level re-enqueue decisions.
type Outcome struct {
	Transfer *ingress.QueuedTransfer
	Success  bool
	Hash     string
	Err      error
	Kind     gwerrors.Kind
	Latency  time.Duration
}

// MetricsRecorder is the subset of telemetry.Engine the executor writes to.
// Declared as an interface so tests can substitute a recording stub without
// depending on the telemetry package.
type MetricsRecorder interface {
	RecordBatchStart()
	RecordTransferOutcome(success bool, latency time.Duration, errKind string)
	RecordBatchComplete(successful, failed int, duration time.Duration)
}

// Executor is the Transfer Executor.
type Executor struct {
	cfg Config
	kr  *keyregistry.Registry
	na  *noncealloc.Allocator
	rc  rpcclient.Client
	me  MetricsRecorder
	log log.Logger

	sem *semaphore.Weighted

	latencyMu  sync.Mutex
	latencySum time.Duration
	latencyN   int64

	batchIndex atomic.Int64
}

// New builds an Executor.
func New(cfg Config, kr *keyregistry.Registry, na *noncealloc.Allocator, rc rpcclient.Client, me MetricsRecorder) *Executor {
	cfg = cfg.withDefaults()
	return &Executor{
		cfg: cfg,
		kr:  kr,
		na:  na,
		rc:  rc,
		me:  me,
		log: log.New("component", "executor"),
		sem: semaphore.NewWeighted(cfg.MaxParallelTransactions),
	}
}

// AverageLatency reports the rolling mean per-transfer processing time,
// satisfying batch.LatencyProvider for the Collector's adaptive sizing.
func (e *Executor) AverageLatency() time.Duration {
	e.latencyMu.Lock()
	defer e.latencyMu.Unlock()
	if e.latencyN == 0 {
		return 0
	}
	return e.latencySum / time.Duration(e.latencyN)
}

func (e *Executor) recordLatency(d time.Duration) {
	e.latencyMu.Lock()
	e.latencySum += d
	e.latencyN++
	// Cap the window so a long-running process's average reflects recent
	// behavior, not its entire lifetime.
	if e.latencyN > 10000 {
		e.latencySum /= 2
		e.latencyN /= 2
	}
	e.latencyMu.Unlock()
}

// RunBatch is what the Batch Collector's handler calls: it executes every
// transfer in the batch in parallel up to the semaphore bound and blocks
// until all have reached a terminal outcome.
func (e *Executor) RunBatch(ctx context.Context, transfers []*ingress.QueuedTransfer) []Outcome {
	start := time.Now()
	e.me.RecordBatchStart()

	idx := int(e.batchIndex.Add(1) - 1)
	keyCount := len(e.kr.Keys())
	hint := -1
	if keyCount > 0 {
		hint = idx % keyCount
	}

	outcomes := make([]Outcome, len(transfers))
	var wg sync.WaitGroup
	for i, t := range transfers {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			outcomes[i] = Outcome{Transfer: t, Success: false, Err: err, Kind: gwerrors.ShuttingDown}
			continue
		}
		wg.Add(1)
		go func(i int, t *ingress.QueuedTransfer) {
			defer wg.Done()
			defer e.sem.Release(1)
			outcomes[i] = e.runOne(ctx, t, hint)
		}(i, t)
	}
	wg.Wait()

	var successful, failed int
	for _, o := range outcomes {
		if o.Success {
			successful++
		} else {
			failed++
		}
	}
	e.me.RecordBatchComplete(successful, failed, time.Since(start))
	return outcomes
}

// runOne acquires a key and nonce, builds and signs a transaction, submits
// it, and reconciles key health and nonce state on the outcome — for a
// single transfer.
func (e *Executor) runOne(ctx context.Context, t *ingress.QueuedTransfer, hint int) Outcome {
	started := time.Now()

	key, keyIdx, err := e.kr.Acquire(hint)
	if err != nil {
		return e.fail(t, started, err)
	}

	nonce, err := e.na.Next(ctx, key)
	if err != nil {
		e.kr.MarkFailure(keyIdx)
		return e.fail(t, started, err)
	}

	blockHash, err := e.rc.GetRecentBlockHash(ctx)
	if err != nil {
		e.kr.MarkFailure(keyIdx)
		e.na.Release(ctx, key.AccountID, key.PublicKeyString, false, false)
		return e.fail(t, started, err)
	}

	args, err := json.Marshal(ftTransferArgs{
		ReceiverID: t.Request.ReceiverID,
		Amount:     t.Request.Amount,
		Memo:       t.Request.Memo,
	})
	if err != nil {
		return e.fail(t, started, gwerrors.Wrap(gwerrors.Validation, "marshal ft_transfer args", err))
	}

	signed, wire, err := neartx.Build(neartx.BuildParams{
		SignerID:   key.AccountID,
		SignerKey:  key.KeyPair,
		ReceiverID: e.cfg.ContractID,
		Nonce:      nonce,
		BlockHash:  blockHash,
		Call: neartx.FunctionCall{
			MethodName: methodFtTransfer,
			Args:       args,
			Gas:        e.cfg.FunctionCallGas * tgas,
			Deposit:    e.cfg.AttachedDeposit,
		},
	})
	if err != nil {
		return e.fail(t, started, gwerrors.Wrap(gwerrors.InvalidTx, "build signed transaction", err))
	}

	result, err := e.rc.Submit(ctx, signed, wire)
	if err != nil {
		kind := gwerrors.KindOf(err)
		e.kr.MarkFailure(keyIdx)
		e.na.Release(ctx, key.AccountID, key.PublicKeyString, false, kind == gwerrors.NonceDrift)
		return e.fail(t, started, err)
	}

	e.kr.MarkSuccess(keyIdx)
	e.na.Release(ctx, key.AccountID, key.PublicKeyString, true, false)
	latency := time.Since(started)
	e.recordLatency(latency)
	e.me.RecordTransferOutcome(true, latency, "")
	return Outcome{Transfer: t, Success: true, Hash: result.Hash, Latency: latency}
}

func (e *Executor) fail(t *ingress.QueuedTransfer, started time.Time, err error) Outcome {
	kind := gwerrors.KindOf(err)
	latency := time.Since(started)
	e.recordLatency(latency)
	e.me.RecordTransferOutcome(false, latency, string(kind))
	e.log.Warn("transfer failed", "transferId", t.ID, "kind", kind, "err", err)
	return Outcome{Transfer: t, Success: false, Err: err, Kind: kind, Latency: latency}
}

type ftTransferArgs struct {
	ReceiverID string `json:"receiver_id"`
	Amount     string `json:"amount"`
	Memo       string `json:"memo,omitempty"`
}

// ValidateGas enforces the 10-50 TGas bound on the configured per-call gas.
func ValidateGas(tgasValue uint64) error {
	if tgasValue < minGasTGas || tgasValue > maxGasTGas {
		return fmt.Errorf("executor: functionCallGas must be within [%d, %d] TGas, got %d", minGasTGas, maxGasTGas, tgasValue)
	}
	return nil
}
