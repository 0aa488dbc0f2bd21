// internal/ha/orchestrator.go
package ha

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FairForge/drkeeper/internal/alerting"
	"github.com/FairForge/drkeeper/internal/backup"
	"github.com/FairForge/drkeeper/internal/database"
	"github.com/FairForge/drkeeper/internal/metrics"
	"github.com/FairForge/drkeeper/internal/model"
	"go.uber.org/zap"
)

// ErrRegionUnhealthy rejects re-admission of a region that is not healthy.
var ErrRegionUnhealthy = errors.New("region is not healthy")

// Components are the collaborators an Orchestrator owns.
type Components struct {
	Registry  *RegionRegistry
	Monitor   *HealthMonitor
	Executor  *FailoverExecutor
	Scheduler *backup.Scheduler
	Drill     *Drill
	Tracker   *RecoveryTracker
	State     database.Store
	Metrics   *metrics.Registry
	Alerts    AlertSink
}

// Orchestrator owns the lifecycle of the backup loop, the health loop and
// failovers. It is the only place where component errors turn into alerts
// about the system as a whole.
type Orchestrator struct {
	Components
	shutdownDeadline time.Duration
	logger           *zap.Logger
	now              func() time.Time

	mu            sync.Mutex
	cancel        context.CancelFunc
	pipelineValue float64
	noCandidate   bool

	loops     sync.WaitGroup
	failovers sync.WaitGroup
	// running counts failover goroutines; failovers alone cannot be polled.
	running atomic.Int32
}

// NewOrchestrator wires the components together. A successful failover
// resets the demoted primary's health history.
func NewOrchestrator(c Components, shutdownDeadline time.Duration, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		Components:       c,
		shutdownDeadline: shutdownDeadline,
		logger:           logger,
		now:              time.Now,
	}
	c.Executor.OnReclassified = func(old model.RegionEndpoint) {
		c.Monitor.Reset(old.ID)
	}
	return o
}

// Start launches the backup and health loops.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		return errors.New("orchestrator already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.loops.Add(2)
	go func() {
		defer o.loops.Done()
		o.Monitor.Run(loopCtx, o.evaluate)
	}()
	go func() {
		defer o.loops.Done()
		o.Scheduler.Run(loopCtx)
	}()

	o.logger.Info("orchestrator started",
		zap.String("primary", o.Registry.PrimaryID()),
		zap.Int("regions", len(o.Registry.Snapshot())))
	return nil
}

// Shutdown stops the loops and lets running health checks finish. A running
// failover is never interrupted: Shutdown waits for it up to the shutdown
// deadline, then raises a critical alert and returns.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.loops.Wait()

	// No new failover can start once the loops are gone.
	if o.running.Load() == 0 && !o.Executor.InFlight() {
		o.logger.Info("orchestrator stopped")
		return nil
	}

	done := make(chan struct{})
	go func() {
		o.failovers.Wait()
		close(done)
	}()

	timer := time.NewTimer(o.shutdownDeadline)
	defer timer.Stop()
	select {
	case <-done:
		o.logger.Info("orchestrator stopped")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	o.logger.Error("shutting down with a failover in flight", zap.Duration("deadline", o.shutdownDeadline))
	o.Alerts.Dispatch(context.WithoutCancel(ctx), alerting.Alert{
		Severity: alerting.SeverityCritical,
		Type:     alerting.TypeForcedShutdown,
		Message:  "process stopped while a failover was in flight: verify region roles manually",
		Details:  map[string]interface{}{"primary": o.Registry.PrimaryID()},
	})
	return errors.New("forced shutdown during failover")
}

// evaluate is run after every health cycle.
func (o *Orchestrator) evaluate(ctx context.Context, snaps map[string]model.HealthSnapshot) {
	primary := o.Registry.Primary()
	primaryDown := snaps[primary.ID].Status == model.HealthFailed
	o.publishPipelineValue(primaryDown)

	o.Tracker.CheckRPO(ctx, o.now())

	decision, err := Decide(o.Registry.Snapshot(), snaps)
	if errors.Is(err, model.ErrNoHealthyCandidate) {
		o.reportNoCandidate(ctx, primary)
		return
	}
	o.mu.Lock()
	o.noCandidate = false
	o.mu.Unlock()
	if !decision.Failover || o.Executor.InFlight() {
		return
	}

	o.failovers.Add(1)
	o.running.Add(1)
	go func() {
		defer o.failovers.Done()
		defer o.running.Add(-1)
		_, err := o.Executor.Execute(ctx, decision.From, decision.To)
		if err != nil && !errors.Is(err, model.ErrConcurrentFailover) && !errors.Is(err, ErrStaleDecision) {
			o.logger.Error("automatic failover failed", zap.Error(err))
		}
	}()
}

// reportNoCandidate alerts once per outage. The primary keeps its role.
func (o *Orchestrator) reportNoCandidate(ctx context.Context, primary model.RegionEndpoint) {
	o.mu.Lock()
	already := o.noCandidate
	o.noCandidate = true
	o.mu.Unlock()

	o.logger.Error("primary failed and no replica is eligible",
		zap.String("primary", primary.ID),
		zap.Error(model.ErrNoHealthyCandidate))
	if already {
		return
	}
	o.Alerts.Dispatch(ctx, alerting.Alert{
		Severity: alerting.SeverityCritical,
		Type:     alerting.TypeNoHealthyCandidate,
		Message:  fmt.Sprintf("primary %s failed and no healthy replica can take over", primary.ID),
		Details:  map[string]interface{}{"primary": primary.ID},
	})
}

func (o *Orchestrator) publishPipelineValue(primaryDown bool) {
	o.mu.Lock()
	v := o.pipelineValue
	o.mu.Unlock()
	if !primaryDown {
		v = 0
	}
	o.Metrics.SetPipelineValueAtRisk(v)
}

// SetPipelineValue records the business value that depends on the primary.
// It is exported as at risk while the primary is failed.
func (o *Orchestrator) SetPipelineValue(v float64) {
	o.mu.Lock()
	o.pipelineValue = v
	o.mu.Unlock()
	primary := o.Registry.PrimaryID()
	o.publishPipelineValue(o.Monitor.Status(primary) == model.HealthFailed)
}

// TriggerBackupCycle runs a backup cycle now.
func (o *Orchestrator) TriggerBackupCycle(ctx context.Context) (*backup.CycleReport, error) {
	return o.Scheduler.RunCycle(ctx)
}

// TriggerDisasterRecoveryTest runs a recovery drill.
func (o *Orchestrator) TriggerDisasterRecoveryTest(ctx context.Context) *TestReport {
	return o.Drill.Run(ctx)
}

// GetCurrentTopology returns the current role assignment.
func (o *Orchestrator) GetCurrentTopology() model.Topology {
	return o.Registry.Topology()
}

// GetFailoverHistory returns the newest failover events first.
func (o *Orchestrator) GetFailoverHistory(ctx context.Context, limit int) ([]*model.FailoverEvent, error) {
	return o.State.ListFailoverEvents(ctx, limit)
}

// RecoverableArtifacts lists artifacts that passed validation.
func (o *Orchestrator) RecoverableArtifacts(ctx context.Context) ([]*model.BackupArtifact, error) {
	return o.State.ListRecoverable(ctx)
}

// ReadmitRegion returns a quarantined region to the replica pool once its
// health checks pass again.
func (o *Orchestrator) ReadmitRegion(ctx context.Context, regionID string) (model.RegionEndpoint, error) {
	ep, ok := o.Registry.Get(regionID)
	if !ok {
		return model.RegionEndpoint{}, fmt.Errorf("%w: %s", ErrUnknownRegion, regionID)
	}
	if ep.Role == model.RoleQuarantined {
		if status := o.Monitor.Status(regionID); status != model.HealthHealthy {
			return ep, fmt.Errorf("%w: %s is %s", ErrRegionUnhealthy, regionID, status)
		}
	}
	ep, err := o.Executor.Readmit(regionID)
	if err != nil {
		return ep, err
	}
	o.logger.Info("region readmitted", zap.String("region", regionID))
	o.Alerts.Dispatch(ctx, alerting.Alert{
		Severity: alerting.SeverityInfo,
		Type:     alerting.TypeRegionReadmitted,
		Message:  fmt.Sprintf("region %s is a replica again", regionID),
		Details:  map[string]interface{}{"region": regionID},
	})
	return ep, nil
}
