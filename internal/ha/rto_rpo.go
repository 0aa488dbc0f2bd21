// internal/ha/rto_rpo.go
package ha

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/FairForge/drkeeper/internal/alerting"
	"github.com/FairForge/drkeeper/internal/metrics"
	"github.com/FairForge/drkeeper/internal/model"
	"go.uber.org/zap"
)

// RPOStatus describes how far the newest recoverable backup lags behind.
type RPOStatus struct {
	LastBackup time.Time     `json:"last_backup"`
	Age        time.Duration `json:"age"`
	Target     time.Duration `json:"target"`
	Met        bool          `json:"met"`
}

// RecoveryTracker tracks recovery objectives against observed backups and
// failovers.
type RecoveryTracker struct {
	rpo     time.Duration
	rto     time.Duration
	alerts  AlertSink
	logger  *zap.Logger
	mu      sync.Mutex
	last    time.Time
	started time.Time
	alerted bool
}

// NewRecoveryTracker publishes the RTO target and starts the RPO clock at
// startedAt.
func NewRecoveryTracker(config model.BackupConfig, startedAt time.Time, reg *metrics.Registry, alerts AlertSink, logger *zap.Logger) *RecoveryTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg != nil {
		reg.SetRTOTarget(config.RTO())
	}
	return &RecoveryTracker{
		rpo:     config.RPO(),
		rto:     config.RTO(),
		alerts:  alerts,
		logger:  logger,
		started: startedAt,
	}
}

// RecordBackup notes a cycle that produced a recoverable artifact.
func (t *RecoveryTracker) RecordBackup(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if at.After(t.last) {
		t.last = at
		t.alerted = false
	}
}

// RPOStatus reports the data-loss window at now. Before the first backup the
// window is measured from process start.
func (t *RecoveryTracker) RPOStatus(now time.Time) RPOStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status(now)
}

func (t *RecoveryTracker) status(now time.Time) RPOStatus {
	ref := t.last
	if ref.IsZero() {
		ref = t.started
	}
	age := now.Sub(ref)
	return RPOStatus{LastBackup: t.last, Age: age, Target: t.rpo, Met: age <= t.rpo}
}

// CheckRPO raises one critical alert per breach. A later successful backup
// re-arms it.
func (t *RecoveryTracker) CheckRPO(ctx context.Context, now time.Time) RPOStatus {
	t.mu.Lock()
	st := t.status(now)
	fire := !st.Met && !t.alerted
	if fire {
		t.alerted = true
	}
	t.mu.Unlock()

	if fire {
		t.logger.Error("RPO breached", zap.Duration("age", st.Age), zap.Duration("target", st.Target))
		t.alerts.Dispatch(ctx, alerting.Alert{
			Severity: alerting.SeverityCritical,
			Type:     alerting.TypeRPOBreach,
			Message:  fmt.Sprintf("newest recoverable backup is %s old, RPO is %s", st.Age.Round(time.Second), st.Target),
			Details:  map[string]interface{}{"age_seconds": st.Age.Seconds(), "last_backup": st.LastBackup},
		})
	}
	return st
}

// RTOMet reports whether a recovery of duration d meets the RTO.
func (t *RecoveryTracker) RTOMet(d time.Duration) bool {
	return d <= t.rto
}

// RTOCompliance is the share of successful failovers that met the RTO, in
// percent. It is 100 when there were none.
func RTOCompliance(events []*model.FailoverEvent) float64 {
	total, met := 0, 0
	for _, e := range events {
		if !e.Success {
			continue
		}
		total++
		if e.RTOMet {
			met++
		}
	}
	if total == 0 {
		return 100
	}
	return 100 * float64(met) / float64(total)
}
