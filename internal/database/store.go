// Package database persists artifact metadata, replication records, the
// failover audit log and the latest health snapshot of every region.
package database

import (
	"context"

	"github.com/FairForge/drkeeper/internal/model"
)

// Store is the recovery state. Implementations must be safe for concurrent
// use.
type Store interface {
	SaveArtifact(ctx context.Context, a *model.BackupArtifact) error
	GetArtifact(ctx context.Context, id string) (*model.BackupArtifact, error)
	ListArtifacts(ctx context.Context) ([]*model.BackupArtifact, error)
	// ListRecoverable omits artifacts flagged unusable.
	ListRecoverable(ctx context.Context) ([]*model.BackupArtifact, error)
	MarkUnusable(ctx context.Context, id, reason string) error
	DeleteArtifact(ctx context.Context, id string) error

	GetReplication(ctx context.Context, artifactID, region string) (*model.ReplicationRecord, error)
	SaveReplication(ctx context.Context, r *model.ReplicationRecord) error
	ListReplications(ctx context.Context, artifactID string) ([]*model.ReplicationRecord, error)

	// AppendFailoverEvent adds to the audit log. Events are never updated.
	AppendFailoverEvent(ctx context.Context, e *model.FailoverEvent) error
	// ListFailoverEvents returns newest first; limit <= 0 means all.
	ListFailoverEvents(ctx context.Context, limit int) ([]*model.FailoverEvent, error)

	SaveHealthSnapshot(ctx context.Context, s model.HealthSnapshot) error
	ListHealthSnapshots(ctx context.Context) ([]model.HealthSnapshot, error)

	Close() error
}
