// Package alerting fans recovery alerts out to notification channels.
package alerting

import "time"

// Severity of an alert
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so channels can filter on a minimum.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Alert types raised by the recovery components
const (
	TypeBackupFailed          = "backup_failed"
	TypeReplicationFailed     = "replication_failed"
	TypeIntegrityMismatch     = "integrity_mismatch"
	TypeRegionDegraded        = "region_degraded"
	TypeRegionFailed          = "region_failed"
	TypeRegionRecovered       = "region_recovered"
	TypeNoHealthyCandidate    = "no_healthy_candidate"
	TypeFailoverStarted       = "failover_started"
	TypeFailoverCompleted     = "failover_completed"
	TypeFailoverFailed        = "failover_failed"
	TypeRTOBreach             = "rto_breach"
	TypeRPOBreach             = "rpo_breach"
	TypeForcedShutdown        = "forced_shutdown_during_failover"
	TypeLoopPanic             = "loop_panic"
	TypeRegionReadmitted      = "region_readmitted"
	TypeDisasterRecoveryDrill = "dr_test"
)

// Alert is an immutable notification record.
type Alert struct {
	ID        string                 `json:"id"`
	Severity  Severity               `json:"severity"`
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}
