package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FairForge/drkeeper/internal/database"
	"github.com/FairForge/drkeeper/internal/k8s"
	"github.com/FairForge/drkeeper/internal/metrics"
	"github.com/FairForge/drkeeper/internal/model"
	"github.com/FairForge/drkeeper/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NamespaceBackup is the result of exporting one namespace.
type NamespaceBackup struct {
	Namespace string                `json:"namespace"`
	Artifact  *model.BackupArtifact `json:"artifact"`
	Exported  map[string]int        `json:"exported"`
	Skipped   map[string]string     `json:"skipped,omitempty"`
}

// VolumeSnapshotRef identifies a requested volume snapshot.
type VolumeSnapshotRef struct {
	Namespace string    `json:"namespace"`
	PVC       string    `json:"pvc"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ClusterAgent exports namespace resources and requests volume snapshots.
type ClusterAgent struct {
	cluster   k8s.ClusterAPI
	kinds     []string
	sealer    *Sealer
	locations Locations
	origin    func() string
	state     database.Store
	metrics   *metrics.Registry
	logger    *zap.Logger
	now       func() time.Time
}

// NewClusterAgent creates an agent exporting k8s.DefaultBackupKinds.
func NewClusterAgent(cluster k8s.ClusterAPI, sealer *Sealer, locations Locations, origin func() string,
	state database.Store, reg *metrics.Registry, logger *zap.Logger) *ClusterAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &ClusterAgent{
		cluster:   cluster,
		kinds:     k8s.DefaultBackupKinds,
		sealer:    sealer,
		locations: locations,
		origin:    origin,
		state:     state,
		metrics:   reg,
		logger:    logger,
		now:       time.Now,
	}
}

// BackupNamespace exports the namespace as a sealed multi-document manifest.
// Kinds the cluster cannot list are skipped; the backup fails only when none
// could be exported.
func (a *ClusterAgent) BackupNamespace(ctx context.Context, namespace string) (*NamespaceBackup, error) {
	result, err := a.backupNamespace(ctx, namespace)
	a.metrics.RecordBackup(model.ArtifactNamespace, err == nil, a.now())
	if err != nil {
		a.logger.Error("namespace backup failed", zap.String("namespace", namespace), zap.Error(err))
		return nil, &model.BackupFailedError{Database: "namespace/" + namespace, Cause: err}
	}
	a.logger.Info("namespace backup stored",
		zap.String("artifact_id", result.Artifact.ID),
		zap.String("namespace", namespace),
		zap.Any("exported", result.Exported))
	return result, nil
}

func (a *ClusterAgent) backupNamespace(ctx context.Context, namespace string) (*NamespaceBackup, error) {
	region := a.origin()
	loc, ok := a.locations[region]
	if !ok {
		return nil, fmt.Errorf("no storage configured for region %s", region)
	}

	result := &NamespaceBackup{
		Namespace: namespace,
		Exported:  make(map[string]int),
		Skipped:   make(map[string]string),
	}
	set := &k8s.ExportSet{}
	for _, kind := range a.kinds {
		items, err := a.cluster.ListResources(ctx, namespace, kind)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			a.logger.Warn("skipping resource kind",
				zap.String("namespace", namespace),
				zap.String("kind", kind),
				zap.Error(err))
			result.Skipped[kind] = err.Error()
			continue
		}
		for _, item := range items {
			set.Add(k8s.Sanitize(item))
		}
		result.Exported[kind] = len(items)
	}
	if len(result.Exported) == 0 {
		return nil, fmt.Errorf("no resource kind could be exported from %s", namespace)
	}

	manifest, err := set.ToYAML()
	if err != nil {
		return nil, err
	}
	sealed, err := a.sealer.Seal(manifest, namespace)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	createdAt := a.now()
	artifact := &model.BackupArtifact{
		ID:           id,
		Kind:         model.ArtifactNamespace,
		Tenant:       namespace,
		Database:     namespace,
		OriginRegion: region,
		StorageRef: model.StorageRef{
			Bucket: loc.Bucket,
			Key:    objectKey("namespaces", namespace, id, createdAt, "yaml.zst"),
		},
		Checksum:  Checksum(sealed),
		SizeBytes: int64(len(sealed)),
		CreatedAt: createdAt,
		Encrypted: a.sealer.Encrypts(),
	}
	opts := storage.PutOptions{
		ServerSideEncryption: artifact.Encrypted,
		Metadata:             map[string]string{"artifact-id": id, "sha256": artifact.Checksum},
	}
	if err := loc.Store.Put(ctx, loc.Bucket, artifact.StorageRef.Key, sealed, opts); err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	if err := a.state.SaveArtifact(ctx, artifact); err != nil {
		return nil, fmt.Errorf("record metadata: %w", err)
	}
	result.Artifact = artifact
	return result, nil
}

// SnapshotVolume requests a point-in-time snapshot of a persistent volume
// claim.
func (a *ClusterAgent) SnapshotVolume(ctx context.Context, namespace, pvc string) (*VolumeSnapshotRef, error) {
	name, err := a.cluster.CreateVolumeSnapshot(ctx, namespace, pvc)
	if err != nil {
		return nil, &model.BackupFailedError{Database: namespace + "/" + pvc, Cause: err}
	}
	return &VolumeSnapshotRef{Namespace: namespace, PVC: pvc, Name: name, CreatedAt: a.now()}, nil
}
