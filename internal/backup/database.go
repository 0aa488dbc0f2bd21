package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/FairForge/drkeeper/internal/database"
	"github.com/FairForge/drkeeper/internal/metrics"
	"github.com/FairForge/drkeeper/internal/model"
	"github.com/FairForge/drkeeper/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrDumpToolUnavailable is returned when pg_dump cannot be found.
var ErrDumpToolUnavailable = errors.New("dump tool unavailable")

// Dumper produces a logical dump of one database.
type Dumper interface {
	Dump(ctx context.Context, target model.DatabaseTarget) ([]byte, error)
}

// PgDumper shells out to pg_dump in custom format.
type PgDumper struct {
	Binary string
}

func (d PgDumper) Dump(ctx context.Context, target model.DatabaseTarget) ([]byte, error) {
	binary := d.Binary
	if binary == "" {
		binary = "pg_dump"
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDumpToolUnavailable, err)
	}

	cmd := exec.CommandContext(ctx, path, "--format=custom", "--no-password", "--dbname="+target.DSN)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("pg_dump %s: %w: %s", target.Name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// DatabaseAgent dumps, seals, checksums and stores per-tenant database
// backups in the primary region.
type DatabaseAgent struct {
	dumper    Dumper
	sealer    *Sealer
	locations Locations
	origin    func() string
	state     database.Store
	metrics   *metrics.Registry
	logger    *zap.Logger
	now       func() time.Time
}

// NewDatabaseAgent creates an agent. origin returns the region backups are
// written to, normally the current primary.
func NewDatabaseAgent(dumper Dumper, sealer *Sealer, locations Locations, origin func() string,
	state database.Store, reg *metrics.Registry, logger *zap.Logger) *DatabaseAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &DatabaseAgent{
		dumper:    dumper,
		sealer:    sealer,
		locations: locations,
		origin:    origin,
		state:     state,
		metrics:   reg,
		logger:    logger,
		now:       time.Now,
	}
}

// Backup produces one artifact. Every failure is a *model.BackupFailedError.
func (a *DatabaseAgent) Backup(ctx context.Context, target model.DatabaseTarget) (*model.BackupArtifact, error) {
	artifact, err := a.backup(ctx, target)
	a.metrics.RecordBackup(model.ArtifactDatabase, err == nil, a.now())
	if err != nil {
		a.logger.Error("database backup failed",
			zap.String("tenant", target.Tenant),
			zap.String("database", target.Name),
			zap.Error(err))
		return nil, &model.BackupFailedError{Database: target.Tenant + "/" + target.Name, Cause: err}
	}
	a.logger.Info("database backup stored",
		zap.String("artifact_id", artifact.ID),
		zap.String("tenant", target.Tenant),
		zap.String("database", target.Name),
		zap.Int64("bytes", artifact.SizeBytes))
	return artifact, nil
}

func (a *DatabaseAgent) backup(ctx context.Context, target model.DatabaseTarget) (*model.BackupArtifact, error) {
	region := a.origin()
	loc, ok := a.locations[region]
	if !ok {
		return nil, fmt.Errorf("no storage configured for region %s", region)
	}

	raw, err := a.dumper.Dump(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("dump: %w", err)
	}
	sealed, err := a.sealer.Seal(raw, target.Tenant)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	createdAt := a.now()
	artifact := &model.BackupArtifact{
		ID:           id,
		Kind:         model.ArtifactDatabase,
		Tenant:       target.Tenant,
		Database:     target.Name,
		OriginRegion: region,
		StorageRef: model.StorageRef{
			Bucket: loc.Bucket,
			Key:    objectKey(target.Tenant, target.Name, id, createdAt, "dump.zst"),
		},
		Checksum:  Checksum(sealed),
		SizeBytes: int64(len(sealed)),
		CreatedAt: createdAt,
		Encrypted: a.sealer.Encrypts(),
	}

	opts := storage.PutOptions{
		ServerSideEncryption: artifact.Encrypted,
		Metadata: map[string]string{
			"artifact-id": id,
			"sha256":      artifact.Checksum,
		},
	}
	if err := loc.Store.Put(ctx, loc.Bucket, artifact.StorageRef.Key, sealed, opts); err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	if err := a.state.SaveArtifact(ctx, artifact); err != nil {
		return nil, fmt.Errorf("record metadata: %w", err)
	}
	return artifact, nil
}
