// Package gateway is the root-owned process container: a single struct
// created once at startup, wiring RC -> KR -> NA -> IQ -> BC -> TE -> ME ->
// CP together, and passed by reference to the HTTP handlers. Nothing here is
// a process-wide singleton/global; every dependency is constructed here and
// threaded through explicitly.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luxfi/near-dispatch-gateway/internal/batch"
	"github.com/luxfi/near-dispatch-gateway/internal/config"
	"github.com/luxfi/near-dispatch-gateway/internal/control"
	"github.com/luxfi/near-dispatch-gateway/internal/executor"
	"github.com/luxfi/near-dispatch-gateway/internal/httpapi"
	"github.com/luxfi/near-dispatch-gateway/internal/ingress"
	"github.com/luxfi/near-dispatch-gateway/internal/keyregistry"
	"github.com/luxfi/near-dispatch-gateway/internal/nearkey"
	"github.com/luxfi/near-dispatch-gateway/internal/noncealloc"
	"github.com/luxfi/near-dispatch-gateway/internal/rpcclient"
	"github.com/luxfi/near-dispatch-gateway/internal/telemetry"
)

// Gateway is the assembled, running system.
type Gateway struct {
	Config  *config.Config
	RC      rpcclient.Client
	KR      *keyregistry.Registry
	NA      *noncealloc.Allocator
	IQ      *ingress.Queue
	BC      *batch.Collector
	TE      *executor.Executor
	ME      *telemetry.Engine
	CP      *control.Plane
	Handler *httpapi.Server

	log log.Logger
}

// probeInterval paces the background RC reachability probe Start launches;
// it must stay comfortably under the Control Plane's health-check grace
// period so a single slow round-trip doesn't flip /health unhealthy.
const probeInterval = 5 * time.Second

// New assembles every component, but does not start the Batch Collector's
// tick loop or transition the Control Plane out of Created — call Start for
// that.
func New(cfg *config.Config, reg prometheus.Registerer) (*Gateway, error) {
	l := log.New("component", "gateway")

	rc := rpcclient.New(rpcclient.Config{
		NodeURL:      cfg.NodeURL,
		PoolSize:     cfg.RPCPoolSize,
		Timeout:      durationMs(cfg.RPCTimeoutMs),
		BlockHashTTL: 0,
	})

	kr := keyregistry.New(cfg.MasterAccountID)
	kp, err := nearkey.ParsePrivateKey(cfg.MasterPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("gateway: parse master private key: %w", err)
	}
	kr.AddKey(kp, true)

	na := noncealloc.New(rc)
	iq := ingress.New(cfg.QueueCapacity)
	me := telemetry.New(reg)

	te := executor.New(executor.Config{
		ContractID:              cfg.ContractID,
		MaxParallelTransactions: int64(cfg.MaxParallelTransactions),
		FunctionCallGas:         cfg.FunctionCallGas,
		AttachedDeposit:         cfg.AttachedDeposit,
	}, kr, na, rc, me)

	bc := batch.New(batch.Config{
		BatchSize:            cfg.BatchSize,
		BatchIntervalMs:      durationMs(cfg.BatchIntervalMs),
		MaxConcurrentBatches: int64(cfg.MaxConcurrentBatches),
	}, iq, func(ctx context.Context, b []*ingress.QueuedTransfer) { te.RunBatch(ctx, b) }, te.AverageLatency)

	cp := control.New(control.Deps{
		RC:              rc,
		KR:              kr,
		NA:              na,
		IQ:              iq,
		BC:              bc,
		ContractID:      cfg.ContractID,
		MasterAccountID: cfg.MasterAccountID,
	})

	handler := httpapi.New(iq, cp, me, te, cfg.QueueConcurrency)

	return &Gateway{
		Config:  cfg,
		RC:      rc,
		KR:      kr,
		NA:      na,
		IQ:      iq,
		BC:      bc,
		TE:      te,
		ME:      me,
		CP:      cp,
		Handler: handler,
		log:     l,
	}, nil
}

// Start brings the Gateway from Created to Running (control.Plane.Start)
// and launches the Batch Collector's tick loop in the background.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.CP.Start(ctx); err != nil {
		return err
	}
	go g.BC.Run(ctx)
	go g.probeLoop(ctx)
	g.log.Info("gateway running", "masterAccountId", g.Config.MasterAccountID, "contractId", g.Config.ContractID)
	return nil
}

// probeLoop periodically re-confirms RC is reachable and feeds the result
// into the Control Plane's health grace period. Without this, the startup
// probe recorded by control.Plane.Start is the only one ever taken, and
// /health flips unhealthy once its grace period elapses regardless of how
// well the gateway is actually running.
func (g *Gateway) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := g.RC.GetRecentBlockHash(ctx); err != nil {
				g.log.Warn("rpc health probe failed", "err", err)
				continue
			}
			g.CP.RecordProbeSuccess()
		}
	}
}

// Shutdown drains the Gateway via the Control Plane.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.CP.Shutdown(ctx)
}

// durationMs converts a millisecond configuration value into a
// time.Duration, defaulting non-positive values to zero so callers fall
// back to each component's own default.
func durationMs(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
