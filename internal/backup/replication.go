package backup

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/FairForge/drkeeper/internal/database"
	"github.com/FairForge/drkeeper/internal/metrics"
	"github.com/FairForge/drkeeper/internal/model"
	"github.com/FairForge/drkeeper/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultReplicationParallelism bounds concurrent uploads per artifact.
const DefaultReplicationParallelism = 4

// Replicator copies artifacts from their origin region to target regions.
// Copies are idempotent per (artifact, region): a region that already holds
// a succeeded copy is not uploaded to again.
type Replicator struct {
	locations Locations
	state     database.Store
	metrics   *metrics.Registry
	logger    *zap.Logger
	parallel  int
	group     singleflight.Group
	now       func() time.Time
}

func NewReplicator(locations Locations, state database.Store, reg *metrics.Registry, logger *zap.Logger) *Replicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &Replicator{
		locations: locations,
		state:     state,
		metrics:   reg,
		logger:    logger,
		parallel:  DefaultReplicationParallelism,
		now:       time.Now,
	}
}

// Replicate copies artifact to every target and returns one record per
// target, in target order. A failure in one region never affects another.
func (r *Replicator) Replicate(ctx context.Context, artifact *model.BackupArtifact, targets []string) []*model.ReplicationRecord {
	var (
		once    sync.Once
		payload []byte
		loadErr error
	)
	load := func() ([]byte, error) {
		once.Do(func() {
			payload, loadErr = r.fetchOrigin(ctx, artifact)
		})
		return payload, loadErr
	}

	records := make([]*model.ReplicationRecord, len(targets))
	g := &errgroup.Group{}
	g.SetLimit(r.parallel)
	for i, region := range targets {
		g.Go(func() error {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("replication worker panicked",
						zap.String("artifact_id", artifact.ID),
						zap.String("region", region),
						zap.Any("panic", p),
						zap.ByteString("stack", debug.Stack()))
					failure := &model.ReplicationFailedError{ArtifactID: artifact.ID, Region: region, Cause: fmt.Errorf("panic: %v", p)}
					records[i] = &model.ReplicationRecord{
						ArtifactID:   artifact.ID,
						TargetRegion: region,
						Status:       model.ReplicationFailed,
						Error:        failure.Error(),
					}
				}
			}()
			records[i] = r.replicateOne(ctx, artifact, region, load)
			return nil
		})
	}
	_ = g.Wait()
	return records
}

func (r *Replicator) fetchOrigin(ctx context.Context, artifact *model.BackupArtifact) ([]byte, error) {
	origin, ok := r.locations[artifact.OriginRegion]
	if !ok {
		return nil, fmt.Errorf("no storage configured for origin region %s", artifact.OriginRegion)
	}
	data, err := origin.Store.Get(ctx, artifact.StorageRef.Bucket, artifact.StorageRef.Key)
	if err != nil {
		return nil, fmt.Errorf("read origin copy: %w", err)
	}
	return data, nil
}

func (r *Replicator) replicateOne(ctx context.Context, artifact *model.BackupArtifact, region string,
	load func() ([]byte, error)) *model.ReplicationRecord {
	v, _, _ := r.group.Do(artifact.ID+"/"+region, func() (interface{}, error) {
		existing, err := r.state.GetReplication(ctx, artifact.ID, region)
		if err == nil && existing.Status == model.ReplicationSucceeded {
			r.logger.Debug("replica already present",
				zap.String("artifact_id", artifact.ID),
				zap.String("region", region))
			return existing, nil
		}
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			r.logger.Warn("replication lookup failed", zap.String("artifact_id", artifact.ID), zap.Error(err))
		}

		record := &model.ReplicationRecord{ArtifactID: artifact.ID, TargetRegion: region}
		if err := r.copyTo(ctx, artifact, region, load); err != nil {
			failure := &model.ReplicationFailedError{ArtifactID: artifact.ID, Region: region, Cause: err}
			record.Status = model.ReplicationFailed
			record.Error = failure.Error()
			r.logger.Warn("replication failed",
				zap.String("artifact_id", artifact.ID),
				zap.String("region", region),
				zap.Error(err))
		} else {
			record.Status = model.ReplicationSucceeded
			record.ReplicatedAt = r.now()
		}
		r.metrics.RecordReplication(region, record.Status == model.ReplicationSucceeded)

		if err := r.state.SaveReplication(ctx, record); err != nil {
			r.logger.Error("failed to record replication",
				zap.String("artifact_id", artifact.ID),
				zap.String("region", region),
				zap.Error(err))
		}
		return record, nil
	})
	record := *v.(*model.ReplicationRecord)
	return &record
}

func (r *Replicator) copyTo(ctx context.Context, artifact *model.BackupArtifact, region string,
	load func() ([]byte, error)) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	target, ok := r.locations[region]
	if !ok {
		return fmt.Errorf("no storage configured for region %s", region)
	}
	data, err := load()
	if err != nil {
		return err
	}
	opts := storage.PutOptions{
		ServerSideEncryption: artifact.Encrypted,
		Metadata: map[string]string{
			"artifact-id":   artifact.ID,
			"sha256":        artifact.Checksum,
			"origin-region": artifact.OriginRegion,
		},
	}
	return target.Store.Put(ctx, target.Bucket, artifact.StorageRef.Key, data, opts)
}
