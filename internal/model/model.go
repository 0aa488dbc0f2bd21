// Package model holds the records shared by the backup, replication and
// failover components.
package model

import "time"

// BackupConfig is the recovery policy. It is loaded once at startup and never
// mutated afterwards.
type BackupConfig struct {
	RPOMinutes        int              `yaml:"rpo_minutes" json:"rpo_minutes"`
	RTOMinutes        int              `yaml:"rto_minutes" json:"rto_minutes"`
	RetentionDays     int              `yaml:"retention_days" json:"retention_days"`
	Regions           []RegionEndpoint `yaml:"regions" json:"regions"`
	EncryptionEnabled bool             `yaml:"encryption_enabled" json:"encryption_enabled"`
	TenantIsolation   bool             `yaml:"tenant_isolation" json:"tenant_isolation"`
}

// DefaultBackupConfig returns the stock recovery objectives.
func DefaultBackupConfig() BackupConfig {
	return BackupConfig{
		RPOMinutes:        15,
		RTOMinutes:        5,
		RetentionDays:     90,
		EncryptionEnabled: true,
		TenantIsolation:   true,
	}
}

// RPO returns the recovery point objective as a duration.
func (c BackupConfig) RPO() time.Duration {
	return time.Duration(c.RPOMinutes) * time.Minute
}

// RTO returns the recovery time objective as a duration.
func (c BackupConfig) RTO() time.Duration {
	return time.Duration(c.RTOMinutes) * time.Minute
}

// Retention returns how long artifacts are kept.
func (c BackupConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// ArtifactKind distinguishes what an artifact contains.
type ArtifactKind string

const (
	ArtifactDatabase  ArtifactKind = "database"
	ArtifactNamespace ArtifactKind = "namespace"
)

// StorageRef locates an object inside a region's object store.
type StorageRef struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// BackupArtifact is the metadata of one stored backup.
type BackupArtifact struct {
	ID             string       `json:"id"`
	Kind           ArtifactKind `json:"kind"`
	Tenant         string       `json:"tenant"`
	Database       string       `json:"database"`
	OriginRegion   string       `json:"origin_region"`
	StorageRef     StorageRef   `json:"storage_ref"`
	Checksum       string       `json:"checksum"`
	SizeBytes      int64        `json:"size_bytes"`
	CreatedAt      time.Time    `json:"created_at"`
	Encrypted      bool         `json:"encrypted"`
	Unusable       bool         `json:"unusable"`
	UnusableReason string       `json:"unusable_reason,omitempty"`
}

// Recoverable reports whether the artifact may be offered for restore.
func (a *BackupArtifact) Recoverable() bool {
	return !a.Unusable
}

// ReplicationStatus is the state of one artifact copy.
type ReplicationStatus string

const (
	ReplicationPending   ReplicationStatus = "pending"
	ReplicationSucceeded ReplicationStatus = "succeeded"
	ReplicationFailed    ReplicationStatus = "failed"
)

// ReplicationRecord tracks the copy of an artifact to one target region.
type ReplicationRecord struct {
	ArtifactID   string            `json:"artifact_id"`
	TargetRegion string            `json:"target_region"`
	Status       ReplicationStatus `json:"status"`
	ReplicatedAt time.Time         `json:"replicated_at,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// Role is the part a region plays in the topology.
type Role string

const (
	RolePrimary Role = "primary"
	RoleReplica Role = "replica"
	// RoleQuarantined marks a demoted primary awaiting manual re-admission.
	RoleQuarantined Role = "quarantined"
)

// RegionEndpoint describes one region. Lower Priority is preferred as a
// failover target.
type RegionEndpoint struct {
	ID       string `yaml:"id" json:"id"`
	Host     string `yaml:"host" json:"host"`
	Role     Role   `yaml:"role" json:"role"`
	Priority int    `yaml:"priority" json:"priority"`
}

// HealthStatus is the monitor's verdict for a region.
type HealthStatus string

const (
	HealthUnknown  HealthStatus = "unknown"
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthFailed   HealthStatus = "failed"
)

// HealthSnapshot is the last observed health of a region. Last value wins.
type HealthSnapshot struct {
	RegionID          string       `json:"region_id"`
	Status            HealthStatus `json:"status"`
	AvailabilityPct   float64      `json:"availability_pct"`
	LatencyMs         float64      `json:"latency_ms"`
	ReplicationLagS   float64      `json:"replication_lag_s"`
	ActiveConnections int          `json:"active_connections"`
	ErrorRate         float64      `json:"error_rate_per_min"`
	Error             string       `json:"error,omitempty"`
	CheckedAt         time.Time    `json:"checked_at"`
}

// StepStatus is the outcome of one failover step.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// FailoverStep is one entry of a failover audit log.
type FailoverStep struct {
	Step      string     `json:"step"`
	Status    StepStatus `json:"status"`
	Timestamp time.Time  `json:"ts"`
	Detail    string     `json:"detail,omitempty"`
}

// FailoverEvent is the append-only audit record of a failover attempt.
type FailoverEvent struct {
	ID          string         `json:"id"`
	FromRegion  string         `json:"from_region"`
	ToRegion    string         `json:"to_region"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	StepLog     []FailoverStep `json:"step_log"`
	RTOMet      bool           `json:"rto_met"`
	Success     bool           `json:"success"`
}

// Duration returns how long the attempt took.
func (e *FailoverEvent) Duration() time.Duration {
	return e.CompletedAt.Sub(e.StartedAt)
}

// Topology is the current role assignment.
type Topology struct {
	Primary     RegionEndpoint   `json:"primary"`
	Replicas    []RegionEndpoint `json:"replicas"`
	Quarantined []RegionEndpoint `json:"quarantined,omitempty"`
}

// DatabaseTarget is one tenant database covered by the backup cycle.
type DatabaseTarget struct {
	Tenant string `yaml:"tenant" json:"tenant"`
	Name   string `yaml:"name" json:"name"`
	DSN    string `yaml:"dsn" json:"-"`
}
