package model

import (
	"errors"
	"fmt"
)

var (
	// ErrHealthCheckTimeout is recorded on a failed snapshot, never returned.
	ErrHealthCheckTimeout = errors.New("health check timed out")
	// ErrPromotionTimeout means the replica did not finish promoting in time.
	ErrPromotionTimeout = errors.New("promotion timed out")
	// ErrNoHealthyCandidate means no replica is eligible for promotion.
	ErrNoHealthyCandidate = errors.New("no healthy failover candidate")
	// ErrConcurrentFailover rejects a failover while another is in flight.
	ErrConcurrentFailover = errors.New("failover already in progress")
	// ErrNotFound is returned by stores for unknown records.
	ErrNotFound = errors.New("not found")
)

// BackupFailedError is scoped to a single database or namespace.
type BackupFailedError struct {
	Database string
	Cause    error
}

func (e *BackupFailedError) Error() string {
	return fmt.Sprintf("backup of %s failed: %v", e.Database, e.Cause)
}

func (e *BackupFailedError) Unwrap() error { return e.Cause }

// ReplicationFailedError is scoped to a single target region.
type ReplicationFailedError struct {
	ArtifactID string
	Region     string
	Cause      error
}

func (e *ReplicationFailedError) Error() string {
	return fmt.Sprintf("replication of %s to %s failed: %v", e.ArtifactID, e.Region, e.Cause)
}

func (e *ReplicationFailedError) Unwrap() error { return e.Cause }

// IntegrityMismatchError describes a replica whose checksum differs.
type IntegrityMismatchError struct {
	ArtifactID string
	Location   string
	Expected   string
	Actual     string
}

func (e *IntegrityMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s at %s: expected %s, got %s",
		e.ArtifactID, e.Location, e.Expected, e.Actual)
}

// PromotionFailedError wraps a promotion error reported by the target.
type PromotionFailedError struct {
	Region string
	Cause  error
}

func (e *PromotionFailedError) Error() string {
	return fmt.Sprintf("promotion of %s failed: %v", e.Region, e.Cause)
}

func (e *PromotionFailedError) Unwrap() error { return e.Cause }
