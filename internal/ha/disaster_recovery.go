// internal/ha/disaster_recovery.go
package ha

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/FairForge/drkeeper/internal/alerting"
	"github.com/FairForge/drkeeper/internal/database"
	"github.com/FairForge/drkeeper/internal/metrics"
	"github.com/FairForge/drkeeper/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrStaleDecision rejects a failover whose source is no longer the primary.
var ErrStaleDecision = errors.New("failover source is no longer the primary")

// Failover steps, in execution order
const (
	StepRevalidateTarget     = "revalidate_target"
	StepPromoteReplica       = "promote_replica"
	StepUpdateRouting        = "update_routing"
	StepScaleCapacity        = "scale_capacity"
	StepSmokeVerify          = "smoke_verify"
	StepReclassifyOldPrimary = "reclassify_old_primary"
)

// Promoter turns a replica into a writable primary.
type Promoter interface {
	Promote(ctx context.Context, region model.RegionEndpoint) error
	// IsPrimary reports whether the region has finished promotion.
	IsPrimary(ctx context.Context, region model.RegionEndpoint) (bool, error)
}

// RoutingControlPlane points client traffic at a region.
type RoutingControlPlane interface {
	UpdatePrimary(ctx context.Context, region model.RegionEndpoint) error
}

// CapacityScaler adds compute to the region taking over.
type CapacityScaler interface {
	ScaleUp(ctx context.Context, region model.RegionEndpoint, multiplier float64) error
}

// SmokeVerifier confirms the new primary serves traffic.
type SmokeVerifier interface {
	Verify(ctx context.Context, region model.RegionEndpoint) error
}

// RegionChecker performs an immediate health check.
type RegionChecker interface {
	CheckRegion(ctx context.Context, region model.RegionEndpoint) model.HealthSnapshot
}

// ExecutorConfig bounds the failover steps.
type ExecutorConfig struct {
	RTO                time.Duration
	PromotionTimeout   time.Duration
	PromotionPoll      time.Duration
	StepTimeout        time.Duration
	CapacityMultiplier float64
}

// DefaultExecutorConfig returns the stock failover bounds.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		RTO:                5 * time.Minute,
		PromotionTimeout:   30 * time.Second,
		PromotionPoll:      time.Second,
		StepTimeout:        30 * time.Second,
		CapacityMultiplier: 1.5,
	}
}

// ExecutorPorts are the external systems a failover drives. Scaler may be
// nil when no capacity control is configured.
type ExecutorPorts struct {
	Checker  RegionChecker
	Promoter Promoter
	Routing  RoutingControlPlane
	Scaler   CapacityScaler
	Verifier SmokeVerifier
}

// FailoverExecutor runs the six failover steps strictly in order. There is
// no rollback: a failed step stops the sequence and the audit record shows
// how far it got. Only one failover runs at a time; others are rejected.
type FailoverExecutor struct {
	config   ExecutorConfig
	ports    ExecutorPorts
	registry *RegionRegistry
	state    database.Store
	metrics  *metrics.Registry
	alerts   AlertSink
	logger   *zap.Logger
	now      func() time.Time

	// OnReclassified is called with the demoted primary after a successful
	// failover.
	OnReclassified func(old model.RegionEndpoint)

	mu      sync.Mutex
	current chan struct{}
}

func NewFailoverExecutor(config ExecutorConfig, ports ExecutorPorts, registry *RegionRegistry, state database.Store,
	reg *metrics.Registry, alerts AlertSink, logger *zap.Logger) *FailoverExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &FailoverExecutor{
		config:   config,
		ports:    ports,
		registry: registry,
		state:    state,
		metrics:  reg,
		alerts:   alerts,
		logger:   logger,
		now:      time.Now,
	}
}

// InFlight reports whether a failover is running.
func (e *FailoverExecutor) InFlight() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

// WaitIdle blocks until no failover is running or ctx is done.
func (e *FailoverExecutor) WaitIdle(ctx context.Context) error {
	e.mu.Lock()
	done := e.current
	e.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *FailoverExecutor) acquire() (func(), bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil {
		return nil, false
	}
	done := make(chan struct{})
	e.current = done
	return func() {
		e.mu.Lock()
		e.current = nil
		e.mu.Unlock()
		close(done)
	}, true
}

// Readmit returns a quarantined region to the replica pool. It shares the
// failover lock so roles never change under a running failover.
func (e *FailoverExecutor) Readmit(regionID string) (model.RegionEndpoint, error) {
	release, ok := e.acquire()
	if !ok {
		return model.RegionEndpoint{}, model.ErrConcurrentFailover
	}
	defer release()
	return e.registry.Readmit(regionID)
}

type failoverStep struct {
	name string
	run  func(ctx context.Context) (string, error)
}

// Execute fails over from `from` to `to`. The returned event is always
// persisted, also when a step fails. A call made while another failover is
// running returns model.ErrConcurrentFailover without side effects, and one
// whose source has already been replaced returns ErrStaleDecision.
func (e *FailoverExecutor) Execute(ctx context.Context, from, to model.RegionEndpoint) (*model.FailoverEvent, error) {
	release, ok := e.acquire()
	if !ok {
		e.logger.Warn("failover request rejected",
			zap.String("from", from.ID),
			zap.String("to", to.ID),
			zap.Error(model.ErrConcurrentFailover))
		return nil, model.ErrConcurrentFailover
	}
	defer release()

	// a decision taken before a concurrent failover finished
	if current := e.registry.PrimaryID(); current != from.ID {
		e.logger.Info("failover request dropped",
			zap.String("from", from.ID),
			zap.String("primary", current),
			zap.Error(ErrStaleDecision))
		return nil, ErrStaleDecision
	}

	// The sequence must not be interrupted half way by caller cancellation.
	ctx = context.WithoutCancel(ctx)

	event := &model.FailoverEvent{
		ID:         uuid.New().String(),
		FromRegion: from.ID,
		ToRegion:   to.ID,
		StartedAt:  e.now(),
	}
	e.logger.Warn("failover started", zap.String("event_id", event.ID), zap.String("from", from.ID), zap.String("to", to.ID))
	e.alerts.Dispatch(ctx, alerting.Alert{
		Severity: alerting.SeverityWarning,
		Type:     alerting.TypeFailoverStarted,
		Message:  fmt.Sprintf("failing over from %s to %s", from.ID, to.ID),
		Details:  map[string]interface{}{"event_id": event.ID, "from": from.ID, "to": to.ID},
	})

	var failure error
	for _, step := range e.steps(to) {
		stepCtx, cancel := context.WithTimeout(ctx, e.stepTimeout(step.name))
		detail, err := step.run(stepCtx)
		cancel()

		entry := model.FailoverStep{Step: step.name, Status: model.StepSucceeded, Timestamp: e.now(), Detail: detail}
		if err != nil {
			entry.Status = model.StepFailed
			entry.Detail = err.Error()
			failure = fmt.Errorf("%s: %w", step.name, err)
		}
		event.StepLog = append(event.StepLog, entry)
		e.logger.Info("failover step",
			zap.String("event_id", event.ID),
			zap.String("step", step.name),
			zap.String("status", string(entry.Status)),
			zap.String("detail", entry.Detail))
		if failure != nil {
			break
		}
	}

	event.CompletedAt = e.now()
	event.Success = failure == nil
	event.RTOMet = event.Success && event.Duration() <= e.config.RTO
	e.finish(ctx, event, failure)
	return event, failure
}

func (e *FailoverExecutor) stepTimeout(step string) time.Duration {
	if step == StepPromoteReplica {
		// promotion polls on its own deadline
		return e.config.PromotionTimeout + e.config.StepTimeout
	}
	return e.config.StepTimeout
}

func (e *FailoverExecutor) steps(to model.RegionEndpoint) []failoverStep {
	return []failoverStep{
		{StepRevalidateTarget, func(ctx context.Context) (string, error) {
			current, ok := e.registry.Get(to.ID)
			if !ok || current.Role != model.RoleReplica {
				return "", fmt.Errorf("target %s is no longer a replica", to.ID)
			}
			snap := e.ports.Checker.CheckRegion(ctx, to)
			if snap.Status != model.HealthHealthy {
				return "", fmt.Errorf("target %s is %s: %s", to.ID, snap.Status, snap.Error)
			}
			return fmt.Sprintf("latency %.0fms, lag %.1fs", snap.LatencyMs, snap.ReplicationLagS), nil
		}},
		{StepPromoteReplica, func(ctx context.Context) (string, error) {
			return e.promote(ctx, to)
		}},
		{StepUpdateRouting, func(ctx context.Context) (string, error) {
			if err := e.ports.Routing.UpdatePrimary(ctx, to); err != nil {
				return "", err
			}
			return "routing points at " + to.ID, nil
		}},
		{StepScaleCapacity, func(ctx context.Context) (string, error) {
			if e.ports.Scaler == nil {
				return "no capacity scaler configured", nil
			}
			if err := e.ports.Scaler.ScaleUp(ctx, to, e.config.CapacityMultiplier); err != nil {
				return "", err
			}
			return fmt.Sprintf("scaled by %.2fx", e.config.CapacityMultiplier), nil
		}},
		{StepSmokeVerify, func(ctx context.Context) (string, error) {
			if err := e.ports.Verifier.Verify(ctx, to); err != nil {
				return "", err
			}
			return "write accepted", nil
		}},
		{StepReclassifyOldPrimary, func(ctx context.Context) (string, error) {
			old, err := e.registry.Promote(to.ID)
			if err != nil {
				return "", err
			}
			if e.OnReclassified != nil {
				e.OnReclassified(old)
			}
			return fmt.Sprintf("%s quarantined", old.ID), nil
		}},
	}
}

func (e *FailoverExecutor) promote(ctx context.Context, to model.RegionEndpoint) (string, error) {
	start := e.now()
	if err := e.ports.Promoter.Promote(ctx, to); err != nil {
		return "", &model.PromotionFailedError{Region: to.ID, Cause: err}
	}

	deadline := time.NewTimer(e.config.PromotionTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.config.PromotionPoll)
	defer ticker.Stop()

	var lastErr error
	for {
		done, err := e.ports.Promoter.IsPrimary(ctx, to)
		if err == nil && done {
			return fmt.Sprintf("promoted in %s", e.now().Sub(start).Round(time.Millisecond)), nil
		}
		if err != nil {
			lastErr = err
		}
		select {
		case <-deadline.C:
			if lastErr != nil {
				return "", fmt.Errorf("%w after %s: last poll error: %v", model.ErrPromotionTimeout, e.config.PromotionTimeout, lastErr)
			}
			return "", fmt.Errorf("%w after %s", model.ErrPromotionTimeout, e.config.PromotionTimeout)
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", model.ErrPromotionTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (e *FailoverExecutor) finish(ctx context.Context, event *model.FailoverEvent, failure error) {
	if err := e.state.AppendFailoverEvent(ctx, event); err != nil {
		e.logger.Error("failed to persist failover event", zap.String("event_id", event.ID), zap.Error(err))
	}
	e.metrics.RecordFailover(event.Duration(), event.Success)

	details := map[string]interface{}{
		"event_id": event.ID,
		"from":     event.FromRegion,
		"to":       event.ToRegion,
		"duration": event.Duration().String(),
		"steps":    len(event.StepLog),
	}
	if failure != nil {
		e.logger.Error("failover failed",
			zap.String("event_id", event.ID),
			zap.Duration("duration", event.Duration()),
			zap.Error(failure))
		details["error"] = failure.Error()
		var promotion *model.PromotionFailedError
		if errors.As(failure, &promotion) || errors.Is(failure, model.ErrPromotionTimeout) {
			details["promotion"] = "failed"
		}
		e.alerts.Dispatch(ctx, alerting.Alert{
			Severity: alerting.SeverityCritical,
			Type:     alerting.TypeFailoverFailed,
			Message:  fmt.Sprintf("failover from %s to %s stopped: manual action required", event.FromRegion, event.ToRegion),
			Details:  details,
		})
		return
	}

	e.logger.Info("failover completed",
		zap.String("event_id", event.ID),
		zap.Duration("duration", event.Duration()),
		zap.Bool("rto_met", event.RTOMet))
	e.alerts.Dispatch(ctx, alerting.Alert{
		Severity: alerting.SeverityInfo,
		Type:     alerting.TypeFailoverCompleted,
		Message:  fmt.Sprintf("%s is the new primary", event.ToRegion),
		Details:  details,
	})
	if !event.RTOMet {
		e.alerts.Dispatch(ctx, alerting.Alert{
			Severity: alerting.SeverityCritical,
			Type:     alerting.TypeRTOBreach,
			Message:  fmt.Sprintf("failover took %s, RTO is %s", event.Duration().Round(time.Second), e.config.RTO),
			Details:  details,
		})
	}
}
