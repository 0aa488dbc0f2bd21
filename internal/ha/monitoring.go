// internal/ha/monitoring.go
package ha

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/FairForge/drkeeper/internal/alerting"
	"github.com/FairForge/drkeeper/internal/database"
	"github.com/FairForge/drkeeper/internal/metrics"
	"github.com/FairForge/drkeeper/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// AlertSink receives alerts. *alerting.Dispatcher satisfies it.
type AlertSink interface {
	Dispatch(ctx context.Context, alert alerting.Alert)
}

// Observation is what a single probe measured.
type Observation struct {
	Latency           time.Duration
	ReplicationLag    time.Duration
	ActiveConnections int
	AvailabilityPct   float64
	ErrorsPerMin      float64
}

// Prober measures one region. A returned error means the region could not
// be reached.
type Prober interface {
	Probe(ctx context.Context, region model.RegionEndpoint) (Observation, error)
}

// MonitorConfig holds the hysteresis and degradation thresholds.
type MonitorConfig struct {
	Interval         time.Duration
	CheckTimeout     time.Duration
	FailThreshold    int
	RecoverThreshold int
	MinAvailability  float64
	MaxLatency       time.Duration
	MaxErrorsPerMin  float64
}

// DefaultMonitorConfig returns the stock thresholds.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:         30 * time.Second,
		CheckTimeout:     10 * time.Second,
		FailThreshold:    2,
		RecoverThreshold: 2,
		MinAvailability:  99.0,
		MaxLatency:       500 * time.Millisecond,
		MaxErrorsPerMin:  1,
	}
}

type regionState struct {
	status   model.HealthStatus
	fails    int
	passes   int
	snapshot model.HealthSnapshot
}

// HealthMonitor runs the per-region health state machine. A region is
// marked failed after FailThreshold consecutive failed checks and returns to
// healthy only after RecoverThreshold consecutive passing checks.
type HealthMonitor struct {
	config   MonitorConfig
	prober   Prober
	registry *RegionRegistry
	state    database.Store
	metrics  *metrics.Registry
	alerts   AlertSink
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.RWMutex
	regions map[string]*regionState
}

func NewHealthMonitor(config MonitorConfig, prober Prober, registry *RegionRegistry, state database.Store,
	reg *metrics.Registry, alerts AlertSink, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &HealthMonitor{
		config:   config,
		prober:   prober,
		registry: registry,
		state:    state,
		metrics:  reg,
		alerts:   alerts,
		logger:   logger,
		now:      time.Now,
		regions:  make(map[string]*regionState),
	}
}

// CheckRegion probes one region and classifies the raw result. It never
// panics and never returns an error: an unreachable region, a panicking
// prober or a probe that outlives CheckTimeout yields a failed snapshot
// carrying the error. The timeout holds even when the prober ignores its
// context.
func (m *HealthMonitor) CheckRegion(ctx context.Context, region model.RegionEndpoint) model.HealthSnapshot {
	snap := model.HealthSnapshot{RegionID: region.ID, CheckedAt: m.now()}

	checkCtx, cancel := context.WithTimeout(ctx, m.config.CheckTimeout)
	defer cancel()

	type probeResult struct {
		obs Observation
		err error
	}
	done := make(chan probeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("health probe panicked",
					zap.String("region", region.ID),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
				done <- probeResult{err: fmt.Errorf("probe panicked: %v", r)}
			}
		}()
		obs, err := m.prober.Probe(checkCtx, region)
		done <- probeResult{obs: obs, err: err}
	}()

	var res probeResult
	select {
	case res = <-done:
	case <-checkCtx.Done():
		res.err = checkCtx.Err()
	}
	if res.err == nil && checkCtx.Err() != nil {
		res.err = checkCtx.Err()
	}
	if err := res.err; err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(checkCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %v", model.ErrHealthCheckTimeout, m.config.CheckTimeout, err)
		}
		snap.Status = model.HealthFailed
		snap.Error = err.Error()
		return snap
	}
	obs := res.obs

	snap.AvailabilityPct = obs.AvailabilityPct
	snap.LatencyMs = float64(obs.Latency) / float64(time.Millisecond)
	snap.ActiveConnections = obs.ActiveConnections
	snap.ErrorRate = obs.ErrorsPerMin
	if region.Role != model.RolePrimary {
		snap.ReplicationLagS = obs.ReplicationLag.Seconds()
	}

	switch {
	case obs.AvailabilityPct < m.config.MinAvailability,
		obs.Latency > m.config.MaxLatency,
		obs.ErrorsPerMin > m.config.MaxErrorsPerMin:
		snap.Status = model.HealthDegraded
	default:
		snap.Status = model.HealthHealthy
	}
	return snap
}

// observe folds a raw check into the region's state machine and returns the
// snapshot carrying the resulting status, plus the previous status.
func (m *HealthMonitor) observe(raw model.HealthSnapshot) (model.HealthSnapshot, model.HealthStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.regions[raw.RegionID]
	if !ok {
		st = &regionState{status: model.HealthUnknown}
		m.regions[raw.RegionID] = st
	}
	prev := st.status

	switch raw.Status {
	case model.HealthFailed:
		st.fails++
		st.passes = 0
		if st.fails >= m.config.FailThreshold {
			st.status = model.HealthFailed
		} else if st.status == model.HealthHealthy {
			st.status = model.HealthDegraded
		}
	case model.HealthDegraded:
		st.fails = 0
		st.passes = 0
		if st.status != model.HealthFailed {
			st.status = model.HealthDegraded
		}
	case model.HealthHealthy:
		st.fails = 0
		st.passes++
		switch st.status {
		case model.HealthUnknown:
			st.status = model.HealthHealthy
		case model.HealthFailed, model.HealthDegraded:
			if st.passes >= m.config.RecoverThreshold {
				st.status = model.HealthHealthy
			}
		}
	}

	snap := raw
	snap.Status = st.status
	st.snapshot = snap
	return snap, prev
}

// RunCycle checks every region concurrently and returns the resulting
// snapshots keyed by region.
func (m *HealthMonitor) RunCycle(ctx context.Context) map[string]model.HealthSnapshot {
	regions := m.registry.Snapshot()
	results := make(map[string]model.HealthSnapshot, len(regions))
	var mu sync.Mutex

	g := &errgroup.Group{}
	for _, region := range regions {
		g.Go(func() error {
			snap, ok := m.checkAndRecord(ctx, region)
			if !ok {
				return nil
			}
			mu.Lock()
			results[region.ID] = snap
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// checkAndRecord runs one region's check through the state machine. A panic
// while recording is logged and the region is left out of the cycle.
func (m *HealthMonitor) checkAndRecord(ctx context.Context, region model.RegionEndpoint) (snap model.HealthSnapshot, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("health check panicked",
				zap.String("region", region.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			ok = false
		}
	}()
	snap, prev := m.observe(m.CheckRegion(ctx, region))
	m.record(ctx, region, snap, prev)
	return snap, true
}

func (m *HealthMonitor) record(ctx context.Context, region model.RegionEndpoint, snap model.HealthSnapshot, prev model.HealthStatus) {
	m.metrics.SetRegionHealth(region.ID, region.Role, snap.Status)
	if region.Role != model.RolePrimary {
		m.metrics.SetReplicationLag(region.ID, time.Duration(snap.ReplicationLagS*float64(time.Second)))
	}
	if err := m.state.SaveHealthSnapshot(context.WithoutCancel(ctx), snap); err != nil {
		m.logger.Warn("failed to persist health snapshot", zap.String("region", region.ID), zap.Error(err))
	}

	if snap.Status == prev {
		return
	}
	m.logger.Info("region health changed",
		zap.String("region", region.ID),
		zap.String("from", string(prev)),
		zap.String("to", string(snap.Status)),
		zap.String("error", snap.Error))

	alert := alerting.Alert{Details: map[string]interface{}{
		"region":     region.ID,
		"role":       string(region.Role),
		"latency_ms": snap.LatencyMs,
		"error":      snap.Error,
	}}
	switch snap.Status {
	case model.HealthFailed:
		alert.Severity, alert.Type = alerting.SeverityCritical, alerting.TypeRegionFailed
	case model.HealthDegraded:
		alert.Severity, alert.Type = alerting.SeverityWarning, alerting.TypeRegionDegraded
	case model.HealthHealthy:
		if prev == model.HealthUnknown {
			return
		}
		alert.Severity, alert.Type = alerting.SeverityInfo, alerting.TypeRegionRecovered
	default:
		return
	}
	alert.Message = fmt.Sprintf("region %s is %s", region.ID, snap.Status)
	m.alerts.Dispatch(ctx, alert)
}

// Snapshots returns the latest snapshot of every checked region.
func (m *HealthMonitor) Snapshots() map[string]model.HealthSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]model.HealthSnapshot, len(m.regions))
	for id, st := range m.regions {
		out[id] = st.snapshot
	}
	return out
}

// Status returns the current state-machine status of a region.
func (m *HealthMonitor) Status(regionID string) model.HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.regions[regionID]; ok {
		return st.status
	}
	return model.HealthUnknown
}

// Reset forgets a region's history so its next check starts from unknown.
func (m *HealthMonitor) Reset(regionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.regions, regionID)
}

// Run checks all regions every Interval until ctx is done, handing each
// cycle's snapshots to onCycle. Panics in a cycle are logged and alerted.
func (m *HealthMonitor) Run(ctx context.Context, onCycle func(context.Context, map[string]model.HealthSnapshot)) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		m.safeCycle(ctx, onCycle)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *HealthMonitor) safeCycle(ctx context.Context, onCycle func(context.Context, map[string]model.HealthSnapshot)) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("health cycle panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			m.alerts.Dispatch(ctx, alerting.Alert{
				Severity: alerting.SeverityCritical,
				Type:     alerting.TypeLoopPanic,
				Message:  fmt.Sprintf("health loop recovered from panic: %v", r),
				Details:  map[string]interface{}{"loop": "health"},
			})
		}
	}()
	snaps := m.RunCycle(ctx)
	if onCycle != nil && ctx.Err() == nil {
		onCycle(ctx, snaps)
	}
}
