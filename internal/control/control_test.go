package control

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/near-dispatch-gateway/internal/gwerrors"
	"github.com/luxfi/near-dispatch-gateway/internal/ingress"
	"github.com/luxfi/near-dispatch-gateway/internal/keyregistry"
	"github.com/luxfi/near-dispatch-gateway/internal/nearkey"
	"github.com/luxfi/near-dispatch-gateway/internal/noncealloc"
	"github.com/luxfi/near-dispatch-gateway/internal/rpcclient"
)

type fakeBatchWaiter struct {
	stopped bool
	waited  chan struct{}
}

func newFakeBatchWaiter() *fakeBatchWaiter {
	w := &fakeBatchWaiter{waited: make(chan struct{})}
	close(w.waited)
	return w
}

func (f *fakeBatchWaiter) Stop() { f.stopped = true }
func (f *fakeBatchWaiter) Wait() { <-f.waited }

func newPlane(t *testing.T) (*Plane, *rpcclient.Stub, *keyregistry.Registry) {
	t.Helper()
	stub := rpcclient.NewStub()
	kr := keyregistry.New("gateway.near")
	kp, err := nearkey.GenerateKeyPair()
	require.NoError(t, err)
	kr.AddKey(kp, true)
	na := noncealloc.New(stub)
	iq := ingress.New(100)

	p := New(Deps{
		RC:         stub,
		KR:         kr,
		NA:         na,
		IQ:         iq,
		BC:         newFakeBatchWaiter(),
		ContractID: "usdn.testnet",
	})
	return p, stub, kr
}

func TestStartTransitionsToRunning(t *testing.T) {
	p, _, _ := newPlane(t)
	require.Equal(t, Created, p.State())
	require.NoError(t, p.Start(context.Background()))
	require.Equal(t, Running, p.State())
}

func TestStartFailsToStoppedWhenNoKeysInitialize(t *testing.T) {
	stub := rpcclient.NewStub()
	kr := keyregistry.New("gateway.near")
	na := noncealloc.New(stub)
	iq := ingress.New(100)
	p := New(Deps{RC: stub, KR: kr, NA: na, IQ: iq, BC: newFakeBatchWaiter(), ContractID: "usdn.testnet"})

	err := p.Start(context.Background())
	require.Error(t, err)
	require.Equal(t, gwerrors.NoKeys, gwerrors.KindOf(err))
	require.Equal(t, Stopped, p.State())
}

func TestShutdownDrainsToStopped(t *testing.T) {
	p, _, _ := newPlane(t)
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Shutdown(context.Background()))
	require.Equal(t, Stopped, p.State())

	_, err := p.deps.IQ.Enqueue(ingress.TransferRequest{ReceiverID: "bob.near", Amount: "1"}, 0)
	require.Error(t, err)
	require.Equal(t, gwerrors.ShuttingDown, gwerrors.KindOf(err))
}

func TestShutdownFromNonRunningStateFails(t *testing.T) {
	p, _, _ := newPlane(t)
	require.Error(t, p.Shutdown(context.Background())) // still Created
}

func TestHealthCheckRequiresRunningActiveKeyAndFreshProbe(t *testing.T) {
	p, _, _ := newPlane(t)
	require.False(t, p.HealthCheck().Healthy) // Created, no probe yet

	require.NoError(t, p.Start(context.Background()))
	report := p.HealthCheck()
	require.True(t, report.Healthy)
	require.Equal(t, 1, report.ActiveKeys)

	p.lastProbeMu.Lock()
	p.lastProbeOK = time.Now().Add(-time.Hour)
	p.lastProbeMu.Unlock()
	require.False(t, p.HealthCheck().Healthy)
}

func TestRotateKeyRequiresRunningOrDraining(t *testing.T) {
	p, _, _ := newPlane(t)
	newKp, err := nearkey.GenerateKeyPair()
	require.NoError(t, err)

	err = p.RotateKey(0, newKp, true)
	require.Error(t, err) // still Created

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.RotateKey(0, newKp, true))

	snap := p.deps.KR.Snapshot(0)
	require.Equal(t, uint64(1), snap.Generation)
}

func TestRecordProbeSuccessRefreshesStaleHealth(t *testing.T) {
	p, _, _ := newPlane(t)
	require.NoError(t, p.Start(context.Background()))

	p.lastProbeMu.Lock()
	p.lastProbeOK = time.Now().Add(-time.Hour)
	p.lastProbeMu.Unlock()
	require.False(t, p.HealthCheck().Healthy)

	p.RecordProbeSuccess()
	require.True(t, p.HealthCheck().Healthy)
}
