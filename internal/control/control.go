// Package control is the Control Plane: the lifecycle state machine
// (Created -> Initializing -> Running -> Draining -> Stopped) and the
// composed health check every other component's readiness feeds into.
package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/luxfi/near-dispatch-gateway/internal/gwerrors"
	"github.com/luxfi/near-dispatch-gateway/internal/ingress"
	"github.com/luxfi/near-dispatch-gateway/internal/keyregistry"
	"github.com/luxfi/near-dispatch-gateway/internal/nearkey"
	"github.com/luxfi/near-dispatch-gateway/internal/noncealloc"
	"github.com/luxfi/near-dispatch-gateway/internal/rpcclient"
)

// State is one of the Control Plane's five lifecycle states.
type State string

const (
	Created      State = "Created"
	Initializing State = "Initializing"
	Running      State = "Running"
	Draining     State = "Draining"
	Stopped      State = "Stopped"
)

// drainDeadline bounds how long Shutdown waits for outstanding work before
// forcing the Running->Draining->Stopped transition anyway.
const drainDeadline = 30 * time.Second

// probeGracePeriod bounds how stale the last successful RC probe may be
// before HealthCheck reports unhealthy.
const probeGracePeriod = 15 * time.Second

// BatchWaiter is the subset of batch.Collector the Control Plane drains
// against. Declared as an interface so this package does not depend on
// batch and tests can substitute a fake.
type BatchWaiter interface {
	Stop()
	Wait()
}

// Deps are the collaborators the Control Plane orchestrates startup and
// shutdown of.
type Deps struct {
	RC              rpcclient.Client
	KR              *keyregistry.Registry
	NA              *noncealloc.Allocator
	IQ              *ingress.Queue
	BC              BatchWaiter
	ContractID      string
	MasterAccountID string
}

// Plane is the Control Plane.
type Plane struct {
	deps Deps
	log  log.Logger

	mu    sync.RWMutex
	state State

	lastProbeMu sync.Mutex
	lastProbeOK time.Time
}

// New builds a Plane in the Created state.
func New(deps Deps) *Plane {
	return &Plane{deps: deps, log: log.New("component", "control"), state: Created}
}

// State returns the current lifecycle state.
func (p *Plane) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Plane) setState(s State) {
	p.mu.Lock()
	prev := p.state
	p.state = s
	p.mu.Unlock()
	p.log.Info("lifecycle transition", "from", prev, "to", s)
}

// Start drives Created->Initializing->Running (or ->Stopped on failure): RC
// reachable, FT contract metadata fetched, NA initialized for at least one
// key.
func (p *Plane) Start(ctx context.Context) error {
	p.setState(Initializing)

	if _, err := p.deps.RC.GetRecentBlockHash(ctx); err != nil {
		p.setState(Stopped)
		return gwerrors.Wrap(gwerrors.Transient, "control: RC unreachable during startup", err)
	}
	p.recordProbe()

	if _, err := p.deps.RC.ViewFunction(ctx, p.deps.ContractID, "ft_metadata", nil); err != nil {
		p.setState(Stopped)
		return gwerrors.Wrap(gwerrors.Transient, "control: FT contract metadata fetch failed", err)
	}

	keys := p.deps.KR.Keys()
	initialized, err := p.deps.NA.Initialize(ctx, keys)
	if err != nil || initialized == 0 {
		p.setState(Stopped)
		if err == nil {
			err = gwerrors.New(gwerrors.NoKeys, "no key initialized a nonce")
		}
		return err
	}

	p.setState(Running)
	return nil
}

// RecordProbeSuccess lets a background prober (gateway.Gateway's probe
// loop) report a successful RC health check, feeding HealthCheck's
// grace-period bar.
func (p *Plane) RecordProbeSuccess() { p.recordProbe() }

func (p *Plane) recordProbe() {
	p.lastProbeMu.Lock()
	p.lastProbeOK = time.Now()
	p.lastProbeMu.Unlock()
}

// Shutdown drives Running->Draining->Stopped: IQ stops accepting, BC stops
// producing new batches, outstanding work is given drainDeadline to finish.
func (p *Plane) Shutdown(ctx context.Context) error {
	if p.State() != Running {
		return fmt.Errorf("control: shutdown called from non-Running state %s", p.State())
	}
	p.setState(Draining)
	p.deps.IQ.StopAccepting()
	p.deps.BC.Stop()

	done := make(chan struct{})
	go func() {
		p.deps.BC.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainDeadline):
		p.log.Warn("drain deadline elapsed with outstanding work", "deadline", drainDeadline)
	case <-ctx.Done():
	}

	p.setState(Stopped)
	return nil
}

// RotateKey is the administrative key-replacement operation a master
// account's consecutive-failure deactivation (or manual operator action)
// calls for. It is only permitted while Running or Draining: rotating a
// key before Running would replace one nothing has used yet, and after
// Stopped there is nothing left to rotate for. noncealloc.Next detects the
// resulting generation bump on the next acquisition and reinitializes that
// key's nonce tracking against the chain rather than reusing stale state.
func (p *Plane) RotateKey(idx int, newKey nearkey.KeyPair, registered bool) error {
	switch s := p.State(); s {
	case Running, Draining:
	default:
		return fmt.Errorf("control: key rotation requires Running or Draining state, got %s", s)
	}
	return p.deps.KR.Rotate(idx, newKey, registered)
}

// HealthReport is the composed health view the /health endpoint serves.
type HealthReport struct {
	Healthy      bool
	State        State
	ActiveKeys   int
	LastProbeAge time.Duration
}

// HealthCheck reports healthy only when: Running AND at least one active
// key AND the last RC probe succeeded within the grace period.
func (p *Plane) HealthCheck() HealthReport {
	state := p.State()
	active := p.deps.KR.ActiveCount()

	p.lastProbeMu.Lock()
	last := p.lastProbeOK
	p.lastProbeMu.Unlock()

	var age time.Duration
	probeFresh := false
	if !last.IsZero() {
		age = time.Since(last)
		probeFresh = age <= probeGracePeriod
	}

	return HealthReport{
		Healthy:      state == Running && active > 0 && probeFresh,
		State:        state,
		ActiveKeys:   active,
		LastProbeAge: age,
	}
}
