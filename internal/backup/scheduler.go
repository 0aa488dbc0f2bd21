package backup

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/FairForge/drkeeper/internal/alerting"
	"github.com/FairForge/drkeeper/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CycleReport is the outcome of one backup cycle.
type CycleReport struct {
	StartedAt    time.Time                  `json:"started_at"`
	CompletedAt  time.Time                  `json:"completed_at"`
	Artifacts    []*model.BackupArtifact    `json:"artifacts"`
	Namespaces   []*NamespaceBackup         `json:"namespaces,omitempty"`
	Snapshots    []*VolumeSnapshotRef       `json:"snapshots,omitempty"`
	Failures     []string                   `json:"failures,omitempty"`
	Replications []*model.ReplicationRecord `json:"replications,omitempty"`
	Validations  []ValidationResult         `json:"validations,omitempty"`
	Purged       []string                   `json:"purged,omitempty"`
}

// Succeeded reports whether every backup in the cycle was stored.
func (r *CycleReport) Succeeded() bool {
	return len(r.Failures) == 0
}

// SchedulerConfig wires the cycle's collaborators.
type SchedulerConfig struct {
	Interval   time.Duration
	Databases  []model.DatabaseTarget
	Namespaces []string
	// Volumes maps a namespace to the persistent volume claims snapshotted
	// alongside its resource export.
	Volumes map[string][]string
	// Regions returns the current topology. Artifacts are replicated to every
	// region other than their origin.
	Regions func() []model.RegionEndpoint
	// OnSuccess is called with the completion time of a cycle that stored at
	// least one recoverable artifact.
	OnSuccess func(time.Time)
}

// Scheduler runs backup cycles: back up, replicate, validate, purge.
type Scheduler struct {
	config     SchedulerConfig
	databases  *DatabaseAgent
	cluster    *ClusterAgent
	replicator *Replicator
	validator  *Validator
	purger     *Purger
	alerts     AlertSink
	logger     *zap.Logger
	now        func() time.Time

	cycleMu sync.Mutex
}

// NewScheduler creates a scheduler. cluster may be nil when no namespaces
// are configured.
func NewScheduler(config SchedulerConfig, databases *DatabaseAgent, cluster *ClusterAgent,
	replicator *Replicator, validator *Validator, purger *Purger, alerts AlertSink, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		config:     config,
		databases:  databases,
		cluster:    cluster,
		replicator: replicator,
		validator:  validator,
		purger:     purger,
		alerts:     alerts,
		logger:     logger,
		now:        time.Now,
	}
}

// RunCycle runs one full cycle. Cycles never overlap; a caller arriving
// while one is running waits for it and then runs its own.
func (s *Scheduler) RunCycle(ctx context.Context) (*CycleReport, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	report := &CycleReport{StartedAt: s.now()}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(DefaultReplicationParallelism)
	fail := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		report.Failures = append(report.Failures, err.Error())
		s.alertBackupFailure(ctx, err)
	}
	for _, target := range s.config.Databases {
		g.Go(func() error {
			artifact, err := s.backupDatabase(gctx, target)
			if err != nil {
				fail(err)
				return nil
			}
			mu.Lock()
			report.Artifacts = append(report.Artifacts, artifact)
			mu.Unlock()
			return nil
		})
	}
	if s.cluster != nil {
		for _, ns := range s.config.Namespaces {
			g.Go(func() error {
				result, err := s.backupNamespace(gctx, ns)
				if err != nil {
					fail(err)
					return nil
				}
				mu.Lock()
				report.Namespaces = append(report.Namespaces, result)
				report.Artifacts = append(report.Artifacts, result.Artifact)
				mu.Unlock()
				return nil
			})
			for _, pvc := range s.config.Volumes[ns] {
				g.Go(func() error {
					ref, err := s.snapshotVolume(gctx, ns, pvc)
					if err != nil {
						fail(err)
						return nil
					}
					mu.Lock()
					report.Snapshots = append(report.Snapshots, ref)
					mu.Unlock()
					return nil
				})
			}
		}
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		report.CompletedAt = s.now()
		return report, err
	}

	regions := s.config.Regions()
	stored := 0
	for _, artifact := range report.Artifacts {
		targets := replicaTargets(regions, artifact.OriginRegion)
		records := s.replicator.Replicate(ctx, artifact, targets)
		report.Replications = append(report.Replications, records...)

		locations := []string{artifact.OriginRegion}
		for _, rec := range records {
			if rec.Status == model.ReplicationSucceeded {
				locations = append(locations, rec.TargetRegion)
				continue
			}
			s.alerts.Dispatch(ctx, alerting.Alert{
				Severity: alerting.SeverityWarning,
				Type:     alerting.TypeReplicationFailed,
				Message:  fmt.Sprintf("artifact %s was not replicated to %s", artifact.ID, rec.TargetRegion),
				Details:  map[string]interface{}{"artifact_id": artifact.ID, "region": rec.TargetRegion, "error": rec.Error},
			})
		}

		result := s.validator.Validate(ctx, artifact, locations)
		report.Validations = append(report.Validations, result)
		if result.OK() {
			stored++
		}
	}

	purged, err := s.purger.Purge(ctx, s.now())
	report.Purged = purged
	if err != nil {
		s.logger.Error("retention purge failed", zap.Error(err))
	}

	report.CompletedAt = s.now()
	if stored > 0 && s.config.OnSuccess != nil {
		s.config.OnSuccess(report.CompletedAt)
	}
	s.logger.Info("backup cycle completed",
		zap.Int("artifacts", len(report.Artifacts)),
		zap.Int("snapshots", len(report.Snapshots)),
		zap.Int("failures", len(report.Failures)),
		zap.Int("purged", len(report.Purged)),
		zap.Duration("duration", report.CompletedAt.Sub(report.StartedAt)))
	return report, nil
}

// backupDatabase, backupNamespace and snapshotVolume turn a panicking port
// into a failed backup of that one target.
func (s *Scheduler) backupDatabase(ctx context.Context, target model.DatabaseTarget) (artifact *model.BackupArtifact, err error) {
	defer s.recoverTarget(target.Tenant+"/"+target.Name, &err)
	return s.databases.Backup(ctx, target)
}

func (s *Scheduler) backupNamespace(ctx context.Context, namespace string) (result *NamespaceBackup, err error) {
	defer s.recoverTarget("namespace/"+namespace, &err)
	return s.cluster.BackupNamespace(ctx, namespace)
}

func (s *Scheduler) snapshotVolume(ctx context.Context, namespace, pvc string) (ref *VolumeSnapshotRef, err error) {
	defer s.recoverTarget(namespace+"/"+pvc, &err)
	return s.cluster.SnapshotVolume(ctx, namespace, pvc)
}

func (s *Scheduler) recoverTarget(subject string, err *error) {
	r := recover()
	if r == nil {
		return
	}
	s.logger.Error("backup worker panicked",
		zap.String("target", subject),
		zap.Any("panic", r),
		zap.ByteString("stack", debug.Stack()))
	*err = &model.BackupFailedError{Database: subject, Cause: fmt.Errorf("panic: %v", r)}
}

func (s *Scheduler) alertBackupFailure(ctx context.Context, err error) {
	var failed *model.BackupFailedError
	subject := "unknown"
	if errors.As(err, &failed) {
		subject = failed.Database
	}
	s.alerts.Dispatch(ctx, alerting.Alert{
		Severity: alerting.SeverityWarning,
		Type:     alerting.TypeBackupFailed,
		Message:  err.Error(),
		Details:  map[string]interface{}{"target": subject},
	})
}

func replicaTargets(regions []model.RegionEndpoint, origin string) []string {
	targets := make([]string, 0, len(regions))
	for _, r := range regions {
		if r.ID != origin {
			targets = append(targets, r.ID)
		}
	}
	return targets
}

// Run executes a cycle immediately and then every interval until ctx is
// done. A panicking cycle is logged and alerted; the loop keeps running.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		s.safeCycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("backup cycle panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			s.alerts.Dispatch(ctx, alerting.Alert{
				Severity: alerting.SeverityCritical,
				Type:     alerting.TypeLoopPanic,
				Message:  fmt.Sprintf("backup loop recovered from panic: %v", r),
				Details:  map[string]interface{}{"loop": "backup"},
			})
		}
	}()
	if _, err := s.RunCycle(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("backup cycle failed", zap.Error(err))
	}
}
