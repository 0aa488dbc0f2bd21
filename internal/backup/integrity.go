package backup

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/FairForge/drkeeper/internal/alerting"
	"github.com/FairForge/drkeeper/internal/database"
	"github.com/FairForge/drkeeper/internal/metrics"
	"github.com/FairForge/drkeeper/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ValidationResult summarises one integrity check.
type ValidationResult struct {
	ArtifactID string                         `json:"artifact_id"`
	ValidCount int                            `json:"valid_count"`
	Invalid    []model.IntegrityMismatchError `json:"invalid,omitempty"`
}

// OK reports whether every location matched.
func (r ValidationResult) OK() bool {
	return len(r.Invalid) == 0
}

// Validator recomputes checksums of stored copies.
type Validator struct {
	locations Locations
	state     database.Store
	alerts    AlertSink
	metrics   *metrics.Registry
	logger    *zap.Logger
}

func NewValidator(locations Locations, state database.Store, alerts AlertSink, reg *metrics.Registry, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &Validator{locations: locations, state: state, alerts: alerts, metrics: reg, logger: logger}
}

// Validate checks the copy held by each region in regions. Any mismatch
// marks the artifact unusable and raises a single warning alert.
func (v *Validator) Validate(ctx context.Context, artifact *model.BackupArtifact, regions []string) ValidationResult {
	result := ValidationResult{ArtifactID: artifact.ID}
	var mu sync.Mutex

	g := &errgroup.Group{}
	g.SetLimit(DefaultReplicationParallelism)
	for _, region := range regions {
		g.Go(func() error {
			actual, err := v.checksumAt(ctx, artifact, region)
			mu.Lock()
			defer mu.Unlock()
			if err == nil && actual == artifact.Checksum {
				result.ValidCount++
				return nil
			}
			if err != nil {
				actual = "unreadable: " + err.Error()
			}
			result.Invalid = append(result.Invalid, model.IntegrityMismatchError{
				ArtifactID: artifact.ID,
				Location:   region,
				Expected:   artifact.Checksum,
				Actual:     actual,
			})
			return nil
		})
	}
	_ = g.Wait()

	if result.OK() {
		return result
	}
	sort.Slice(result.Invalid, func(i, j int) bool { return result.Invalid[i].Location < result.Invalid[j].Location })

	locations := make([]string, len(result.Invalid))
	for i, m := range result.Invalid {
		locations[i] = m.Location
	}
	reason := fmt.Sprintf("checksum mismatch in %v", locations)
	if err := v.state.MarkUnusable(ctx, artifact.ID, reason); err != nil {
		v.logger.Error("failed to flag artifact unusable", zap.String("artifact_id", artifact.ID), zap.Error(err))
	}
	artifact.Unusable = true
	artifact.UnusableReason = reason
	v.failReplicas(ctx, artifact, result.Invalid)
	v.metrics.RecordIntegrityMismatch(len(result.Invalid))

	v.alerts.Dispatch(ctx, alerting.Alert{
		Severity: alerting.SeverityWarning,
		Type:     alerting.TypeIntegrityMismatch,
		Message:  fmt.Sprintf("artifact %s failed integrity validation", artifact.ID),
		Details: map[string]interface{}{
			"artifact_id": artifact.ID,
			"locations":   locations,
			"expected":    artifact.Checksum,
		},
	})
	return result
}

// failReplicas marks the replication record of every mismatching replica as
// failed so restores never pick that copy.
func (v *Validator) failReplicas(ctx context.Context, artifact *model.BackupArtifact, invalid []model.IntegrityMismatchError) {
	for i := range invalid {
		mismatch := invalid[i]
		if mismatch.Location == artifact.OriginRegion {
			continue
		}
		record, err := v.state.GetReplication(ctx, artifact.ID, mismatch.Location)
		if err != nil {
			if !errors.Is(err, model.ErrNotFound) {
				v.logger.Warn("replication lookup failed", zap.String("artifact_id", artifact.ID), zap.Error(err))
			}
			continue
		}
		record.Status = model.ReplicationFailed
		record.Error = mismatch.Error()
		if err := v.state.SaveReplication(ctx, record); err != nil {
			v.logger.Error("failed to record replica mismatch",
				zap.String("artifact_id", artifact.ID),
				zap.String("region", mismatch.Location),
				zap.Error(err))
		}
	}
}

func (v *Validator) checksumAt(ctx context.Context, artifact *model.BackupArtifact, region string) (sum string, err error) {
	defer func() {
		if p := recover(); p != nil {
			v.logger.Error("integrity check panicked",
				zap.String("artifact_id", artifact.ID),
				zap.String("region", region),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	loc, ok := v.locations[region]
	if !ok {
		return "", fmt.Errorf("no storage configured for region %s", region)
	}
	bucket := loc.Bucket
	if region == artifact.OriginRegion {
		bucket = artifact.StorageRef.Bucket
	}
	data, err := loc.Store.Get(ctx, bucket, artifact.StorageRef.Key)
	if err != nil {
		return "", err
	}
	return Checksum(data), nil
}
