// internal/metrics/registry.go
package metrics

import (
	"net/http"
	"time"

	"github.com/FairForge/drkeeper/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns every recovery metric. Each instance has its own prometheus
// registry so tests can build as many as they like.
type Registry struct {
	reg *prometheus.Registry

	failoversTotal      *prometheus.CounterVec
	failoverDuration    prometheus.Histogram
	pipelineValueAtRisk prometheus.Gauge
	rtoTarget           prometheus.Gauge
	databaseHealth      *prometheus.GaugeVec
	replicationLag      *prometheus.GaugeVec

	backupsTotal       *prometheus.CounterVec
	replicationsTotal  *prometheus.CounterVec
	integrityMismatch  prometheus.Counter
	lastBackupUnixTime prometheus.Gauge
}

// NewRegistry creates a registry with all collectors registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		failoversTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "failovers_total",
				Help: "Failover attempts by result",
			},
			[]string{"result"},
		),
		failoverDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "failover_duration_seconds",
				Help:    "Wall time of failover attempts",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600},
			},
		),
		pipelineValueAtRisk: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_value_at_risk",
				Help: "Business pipeline value exposed while the primary is unavailable",
			},
		),
		rtoTarget: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "rto_target_seconds",
				Help: "Configured recovery time objective",
			},
		),
		databaseHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "database_health",
				Help: "Region health: 1 healthy, 0.5 degraded, 0 failed, -1 unknown",
			},
			[]string{"region", "role"},
		),
		replicationLag: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "replication_lag_seconds",
				Help: "Replica replay lag behind the primary",
			},
			[]string{"region"},
		),
		backupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backups_total",
				Help: "Backups by artifact kind and result",
			},
			[]string{"kind", "result"},
		),
		replicationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replications_total",
				Help: "Artifact replications by target region and result",
			},
			[]string{"region", "result"},
		),
		integrityMismatch: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "integrity_mismatches_total",
				Help: "Replicas whose checksum did not match",
			},
		),
		lastBackupUnixTime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "last_successful_backup_timestamp_seconds",
				Help: "Unix time of the last successful backup",
			},
		),
	}
}

// Handler serves the exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func (r *Registry) SetRTOTarget(rto time.Duration) {
	r.rtoTarget.Set(rto.Seconds())
}

func (r *Registry) SetPipelineValueAtRisk(v float64) {
	r.pipelineValueAtRisk.Set(v)
}

// RecordFailover counts an attempt and observes its duration.
func (r *Registry) RecordFailover(d time.Duration, success bool) {
	r.failoversTotal.WithLabelValues(resultLabel(success)).Inc()
	r.failoverDuration.Observe(d.Seconds())
}

// SetRegionHealth exports a region's status. Any previous series for the
// region under a different role is removed so a promoted region does not
// report twice.
func (r *Registry) SetRegionHealth(region string, role model.Role, status model.HealthStatus) {
	for _, other := range []model.Role{model.RolePrimary, model.RoleReplica, model.RoleQuarantined} {
		if other != role {
			r.databaseHealth.DeleteLabelValues(region, string(other))
		}
	}
	r.databaseHealth.WithLabelValues(region, string(role)).Set(healthValue(status))
}

func (r *Registry) SetReplicationLag(region string, lag time.Duration) {
	r.replicationLag.WithLabelValues(region).Set(lag.Seconds())
}

func (r *Registry) RecordBackup(kind model.ArtifactKind, success bool, at time.Time) {
	r.backupsTotal.WithLabelValues(string(kind), resultLabel(success)).Inc()
	if success {
		r.lastBackupUnixTime.Set(float64(at.Unix()))
	}
}

func (r *Registry) RecordReplication(region string, success bool) {
	r.replicationsTotal.WithLabelValues(region, resultLabel(success)).Inc()
}

func (r *Registry) RecordIntegrityMismatch(n int) {
	r.integrityMismatch.Add(float64(n))
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func healthValue(s model.HealthStatus) float64 {
	switch s {
	case model.HealthHealthy:
		return 1
	case model.HealthDegraded:
		return 0.5
	case model.HealthFailed:
		return 0
	default:
		return -1
	}
}
