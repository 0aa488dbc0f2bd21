// internal/ha/failover_testing.go
package ha

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/FairForge/drkeeper/internal/alerting"
	"github.com/FairForge/drkeeper/internal/backup"
	"github.com/FairForge/drkeeper/internal/database"
	"github.com/FairForge/drkeeper/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Drill check names
const (
	CheckCandidate          = "failover_candidate"
	CheckCandidateReachable = "candidate_reachable"
	CheckRPO                = "rpo"
	CheckRestore            = "restore"
)

// DrillCheck is one verification performed by a recovery drill.
type DrillCheck struct {
	Name     string        `json:"name"`
	Target   string        `json:"target,omitempty"`
	Passed   bool          `json:"passed"`
	Detail   string        `json:"detail"`
	Duration time.Duration `json:"duration"`
}

// TestReport is the outcome of a non-destructive disaster-recovery drill.
type TestReport struct {
	ID            string       `json:"id"`
	StartedAt     time.Time    `json:"started_at"`
	CompletedAt   time.Time    `json:"completed_at"`
	Candidate     string       `json:"candidate,omitempty"`
	RPO           RPOStatus    `json:"rpo"`
	RTOCompliance float64      `json:"rto_compliance_pct"`
	Checks        []DrillCheck `json:"checks"`
	Passed        bool         `json:"passed"`
}

// Drill rehearses a failover without changing roles: it confirms a
// candidate exists and answers, and that the newest backups restore from a
// replica region.
type Drill struct {
	registry  *RegionRegistry
	monitor   *HealthMonitor
	state     database.Store
	sealer    *backup.Sealer
	locations backup.Locations
	tracker   *RecoveryTracker
	alerts    AlertSink
	logger    *zap.Logger
	now       func() time.Time
}

func NewDrill(registry *RegionRegistry, monitor *HealthMonitor, state database.Store, sealer *backup.Sealer,
	locations backup.Locations, tracker *RecoveryTracker, alerts AlertSink, logger *zap.Logger) *Drill {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Drill{
		registry:  registry,
		monitor:   monitor,
		state:     state,
		sealer:    sealer,
		locations: locations,
		tracker:   tracker,
		alerts:    alerts,
		logger:    logger,
		now:       time.Now,
	}
}

// Run executes the drill.
func (d *Drill) Run(ctx context.Context) *TestReport {
	report := &TestReport{ID: uuid.New().String(), StartedAt: d.now()}
	regions := d.registry.Snapshot()

	report.Checks = append(report.Checks, d.timed(CheckCandidate, "", func() (string, error) {
		candidate, err := SelectCandidate(regions, d.monitor.Snapshots())
		if err != nil {
			return "", err
		}
		report.Candidate = candidate.ID
		return fmt.Sprintf("%s (priority %d)", candidate.ID, candidate.Priority), nil
	}))

	if report.Candidate != "" {
		candidate, _ := d.registry.Get(report.Candidate)
		report.Checks = append(report.Checks, d.timed(CheckCandidateReachable, candidate.ID, func() (string, error) {
			snap := d.monitor.CheckRegion(ctx, candidate)
			if snap.Status != model.HealthHealthy {
				return "", fmt.Errorf("%s is %s %s", candidate.ID, snap.Status, snap.Error)
			}
			return fmt.Sprintf("latency %.0fms, lag %.1fs", snap.LatencyMs, snap.ReplicationLagS), nil
		}))
	}

	report.RPO = d.tracker.RPOStatus(d.now())
	report.Checks = append(report.Checks, DrillCheck{
		Name:   CheckRPO,
		Passed: report.RPO.Met,
		Detail: fmt.Sprintf("newest backup %s old, target %s", report.RPO.Age.Round(time.Second), report.RPO.Target),
	})

	report.Checks = append(report.Checks, d.restoreChecks(ctx, report.Candidate)...)

	if events, err := d.state.ListFailoverEvents(ctx, 0); err == nil {
		report.RTOCompliance = RTOCompliance(events)
	}

	report.Passed = true
	for _, c := range report.Checks {
		report.Passed = report.Passed && c.Passed
	}
	report.CompletedAt = d.now()
	d.notify(ctx, report)
	return report
}

func (d *Drill) timed(name, target string, fn func() (string, error)) DrillCheck {
	start := d.now()
	detail, err := fn()
	check := DrillCheck{Name: name, Target: target, Passed: err == nil, Detail: detail, Duration: d.now().Sub(start)}
	if err != nil {
		check.Detail = err.Error()
	}
	return check
}

// restoreChecks restores the newest recoverable artifact of every backup
// target from a replica copy, preferring the failover candidate.
func (d *Drill) restoreChecks(ctx context.Context, candidate string) []DrillCheck {
	artifacts, err := d.state.ListRecoverable(ctx)
	if err != nil {
		return []DrillCheck{{Name: CheckRestore, Detail: err.Error()}}
	}
	newest := make(map[string]*model.BackupArtifact)
	for _, a := range artifacts {
		key := string(a.Kind) + "/" + a.Tenant + "/" + a.Database
		if cur, ok := newest[key]; !ok || a.CreatedAt.After(cur.CreatedAt) {
			newest[key] = a
		}
	}
	if len(newest) == 0 {
		return []DrillCheck{{Name: CheckRestore, Detail: "no recoverable artifacts"}}
	}

	keys := make([]string, 0, len(newest))
	for k := range newest {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	checks := make([]DrillCheck, 0, len(keys))
	for _, k := range keys {
		a := newest[k]
		checks = append(checks, d.timed(CheckRestore, k, func() (string, error) {
			return d.restore(ctx, a, candidate)
		}))
	}
	return checks
}

func (d *Drill) restore(ctx context.Context, a *model.BackupArtifact, candidate string) (string, error) {
	records, err := d.state.ListReplications(ctx, a.ID)
	if err != nil {
		return "", err
	}
	region := ""
	for _, r := range records {
		if r.Status != model.ReplicationSucceeded {
			continue
		}
		if region == "" || r.TargetRegion == candidate {
			region = r.TargetRegion
		}
	}
	if region == "" {
		return "", fmt.Errorf("artifact %s has no replica copy", a.ID)
	}

	loc, ok := d.locations[region]
	if !ok {
		return "", fmt.Errorf("no storage configured for region %s", region)
	}
	data, err := loc.Store.Get(ctx, loc.Bucket, a.StorageRef.Key)
	if err != nil {
		return "", fmt.Errorf("read from %s: %w", region, err)
	}
	if sum := backup.Checksum(data); sum != a.Checksum {
		return "", &model.IntegrityMismatchError{ArtifactID: a.ID, Location: region, Expected: a.Checksum, Actual: sum}
	}
	plain, err := d.sealer.Open(data, a.Tenant)
	if err != nil {
		return "", fmt.Errorf("open artifact %s: %w", a.ID, err)
	}
	return fmt.Sprintf("restored %d bytes from %s", len(plain), region), nil
}

func (d *Drill) notify(ctx context.Context, report *TestReport) {
	failed := 0
	for _, c := range report.Checks {
		if !c.Passed {
			failed++
		}
	}
	severity := alerting.SeverityInfo
	message := fmt.Sprintf("recovery drill passed %d checks", len(report.Checks))
	if !report.Passed {
		severity = alerting.SeverityWarning
		message = fmt.Sprintf("recovery drill failed %d of %d checks", failed, len(report.Checks))
	}
	d.logger.Info("recovery drill finished",
		zap.String("report_id", report.ID),
		zap.Bool("passed", report.Passed),
		zap.Int("failed_checks", failed))
	d.alerts.Dispatch(ctx, alerting.Alert{
		Severity: severity,
		Type:     alerting.TypeDisasterRecoveryDrill,
		Message:  message,
		Details:  map[string]interface{}{"report_id": report.ID, "candidate": report.Candidate},
	})
}
