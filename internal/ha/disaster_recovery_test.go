package ha

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/FairForge/drkeeper/internal/alerting"
	"github.com/FairForge/drkeeper/internal/database"
	"github.com/FairForge/drkeeper/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type executorFixture struct {
	registry *RegionRegistry
	prober   *scriptedProber
	promoter *fakePromoter
	routing  *fakeRouting
	scaler   *fakeScaler
	state    *database.MemoryStore
	sink     *recordingSink
	logs     *observer.ObservedLogs
	executor *FailoverExecutor
}

func newExecutorFixture(t *testing.T) *executorFixture {
	t.Helper()
	registry, err := NewRegionRegistry(threeRegions())
	require.NoError(t, err)
	core, logs := observer.New(zap.DebugLevel)
	f := &executorFixture{
		registry: registry,
		prober:   newScriptedProber(),
		promoter: &fakePromoter{},
		routing:  &fakeRouting{},
		scaler:   &fakeScaler{},
		state:    database.NewMemoryStore(),
		sink:     &recordingSink{},
		logs:     logs,
	}
	monitor := NewHealthMonitor(testMonitorConfig(), f.prober, registry, f.state, nil, f.sink, nil)
	f.executor = NewFailoverExecutor(testExecutorConfig(), ExecutorPorts{
		Checker:  monitor,
		Promoter: f.promoter,
		Routing:  f.routing,
		Scaler:   f.scaler,
		Verifier: fakeVerifier{},
	}, registry, f.state, nil, f.sink, zap.New(core))
	return f
}

func (f *executorFixture) run(t *testing.T) (*model.FailoverEvent, error) {
	t.Helper()
	from, _ := f.registry.Get("primary")
	to, _ := f.registry.Get("secondary")
	return f.executor.Execute(context.Background(), from, to)
}

func stepNames(e *model.FailoverEvent) []string {
	names := make([]string, len(e.StepLog))
	for i, s := range e.StepLog {
		names[i] = s.Step
	}
	return names
}

func TestFailoverExecutor_Success(t *testing.T) {
	f := newExecutorFixture(t)
	event, err := f.run(t)
	require.NoError(t, err)

	assert.True(t, event.Success)
	assert.True(t, event.RTOMet)
	assert.Equal(t, []string{
		StepRevalidateTarget, StepPromoteReplica, StepUpdateRouting,
		StepScaleCapacity, StepSmokeVerify, StepReclassifyOldPrimary,
	}, stepNames(event))
	for _, s := range event.StepLog {
		assert.Equal(t, model.StepSucceeded, s.Status)
		assert.False(t, s.Timestamp.IsZero())
	}

	assert.Equal(t, "secondary", f.registry.PrimaryID())
	old, _ := f.registry.Get("primary")
	assert.Equal(t, model.RoleQuarantined, old.Role)
	assert.Equal(t, "secondary", f.routing.primary)
	assert.Equal(t, 1.5, f.scaler.multiplier)

	history, err := f.state.ListFailoverEvents(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, event.ID, history[0].ID)
	assert.Len(t, f.sink.ofType(alerting.TypeFailoverCompleted), 1)
}

func TestFailoverExecutor_RTOMissed(t *testing.T) {
	f := newExecutorFixture(t)
	f.executor.config.RTO = time.Nanosecond
	event, err := f.run(t)
	require.NoError(t, err)
	assert.True(t, event.Success)
	assert.False(t, event.RTOMet)
	assert.Len(t, f.sink.ofType(alerting.TypeRTOBreach), 1)
}

func TestFailoverExecutor_TargetNoLongerHealthy(t *testing.T) {
	f := newExecutorFixture(t)
	f.prober.set("secondary", true)

	event, err := f.run(t)
	require.Error(t, err)
	assert.False(t, event.Success)
	assert.Equal(t, []string{StepRevalidateTarget}, stepNames(event))
	assert.Empty(t, f.promoter.promoted)
	assert.Equal(t, "primary", f.registry.PrimaryID())
}

func TestFailoverExecutor_PromotionTimeout(t *testing.T) {
	f := newExecutorFixture(t)
	f.promoter.never = true

	event, err := f.run(t)
	assert.ErrorIs(t, err, model.ErrPromotionTimeout)
	assert.Equal(t, []string{StepRevalidateTarget, StepPromoteReplica}, stepNames(event))
	assert.Equal(t, model.StepFailed, event.StepLog[1].Status)
	assert.Equal(t, "primary", f.registry.PrimaryID())

	history, err := f.state.ListFailoverEvents(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
	assert.Len(t, f.sink.ofType(alerting.TypeFailoverFailed), 1)
	assert.Equal(t, alerting.SeverityCritical, f.sink.ofType(alerting.TypeFailoverFailed)[0].Severity)
}

func TestFailoverExecutor_PromotionRejected(t *testing.T) {
	f := newExecutorFixture(t)
	f.promoter.promoteErr = errors.New("not in recovery")

	_, err := f.run(t)
	var promotion *model.PromotionFailedError
	require.ErrorAs(t, err, &promotion)
	assert.Equal(t, "secondary", promotion.Region)
}

func TestFailoverExecutor_StopsAtFailingStepWithoutRollback(t *testing.T) {
	f := newExecutorFixture(t)
	f.routing.err = errors.New("dns api down")

	event, err := f.run(t)
	require.Error(t, err)
	assert.Equal(t, []string{StepRevalidateTarget, StepPromoteReplica, StepUpdateRouting}, stepNames(event))
	assert.Equal(t, []string{"secondary"}, f.promoter.promoted)
	assert.Zero(t, f.scaler.multiplier)
	assert.Equal(t, "primary", f.registry.PrimaryID())
}

func TestFailoverExecutor_ConcurrentRequestsRejected(t *testing.T) {
	f := newExecutorFixture(t)
	f.promoter.gate = make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.run(t)
		}()
	}

	require.Eventually(t, func() bool {
		return f.logs.FilterMessage("failover request rejected").Len() == 1
	}, time.Second, 5*time.Millisecond)
	close(f.promoter.gate)
	wg.Wait()

	rejected := 0
	for _, err := range errs {
		if errors.Is(err, model.ErrConcurrentFailover) {
			rejected++
		} else {
			assert.NoError(t, err)
		}
	}
	assert.Equal(t, 1, rejected)

	history, err := f.state.ListFailoverEvents(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, 1, f.logs.FilterMessage("failover request rejected").Len())
}

func TestFailoverExecutor_IgnoresCallerCancellation(t *testing.T) {
	f := newExecutorFixture(t)
	from, _ := f.registry.Get("primary")
	to, _ := f.registry.Get("secondary")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	event, err := f.executor.Execute(ctx, from, to)
	require.NoError(t, err)
	assert.True(t, event.Success)
}

func TestFailoverExecutor_ReadmitWaitsForLock(t *testing.T) {
	f := newExecutorFixture(t)
	_, err := f.run(t)
	require.NoError(t, err)

	ep, err := f.executor.Readmit("primary")
	require.NoError(t, err)
	assert.Equal(t, model.RoleReplica, ep.Role)
}

func TestFailoverExecutor_DropsStaleDecision(t *testing.T) {
	f := newExecutorFixture(t)
	_, err := f.run(t)
	require.NoError(t, err)

	// same decision again after secondary already took over
	event, err := f.run(t)
	assert.ErrorIs(t, err, ErrStaleDecision)
	assert.Nil(t, event)

	history, err := f.state.ListFailoverEvents(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}
