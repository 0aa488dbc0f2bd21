package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/FairForge/drkeeper/internal/model"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// Postgres is the durable Store.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a connection pool for the given DSN.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an existing handle.
func NewPostgresFromDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Close closes the database connection
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Ping verifies the database connection
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// CreateTables creates the recovery state tables
func (p *Postgres) CreateTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS dr_artifacts (
			id VARCHAR(64) PRIMARY KEY,
			kind VARCHAR(32) NOT NULL,
			tenant VARCHAR(255) NOT NULL,
			database_name VARCHAR(255) NOT NULL,
			origin_region VARCHAR(64) NOT NULL,
			bucket VARCHAR(255) NOT NULL,
			object_key TEXT NOT NULL,
			checksum CHAR(64) NOT NULL,
			size_bytes BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			encrypted BOOLEAN NOT NULL,
			unusable BOOLEAN NOT NULL DEFAULT FALSE,
			unusable_reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS dr_artifacts_created_at ON dr_artifacts (created_at)`,
		`CREATE TABLE IF NOT EXISTS dr_replications (
			artifact_id VARCHAR(64) NOT NULL REFERENCES dr_artifacts(id) ON DELETE CASCADE,
			target_region VARCHAR(64) NOT NULL,
			status VARCHAR(16) NOT NULL,
			replicated_at TIMESTAMPTZ,
			error TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (artifact_id, target_region)
		)`,
		`CREATE TABLE IF NOT EXISTS dr_failover_events (
			seq BIGSERIAL PRIMARY KEY,
			id VARCHAR(64) UNIQUE NOT NULL,
			from_region VARCHAR(64) NOT NULL,
			to_region VARCHAR(64) NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ NOT NULL,
			step_log JSONB NOT NULL,
			rto_met BOOLEAN NOT NULL,
			success BOOLEAN NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dr_health_snapshots (
			region_id VARCHAR(64) PRIMARY KEY,
			status VARCHAR(16) NOT NULL,
			availability_pct DOUBLE PRECISION NOT NULL,
			latency_ms DOUBLE PRECISION NOT NULL,
			replication_lag_s DOUBLE PRECISION NOT NULL,
			active_connections INTEGER NOT NULL,
			error_rate DOUBLE PRECISION NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			checked_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, query := range queries {
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

const artifactColumns = `id, kind, tenant, database_name, origin_region, bucket, object_key,
	checksum, size_bytes, created_at, encrypted, unusable, unusable_reason`

func (p *Postgres) SaveArtifact(ctx context.Context, a *model.BackupArtifact) error {
	query := `INSERT INTO dr_artifacts (` + artifactColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET unusable = EXCLUDED.unusable, unusable_reason = EXCLUDED.unusable_reason`
	_, err := p.db.ExecContext(ctx, query,
		a.ID, a.Kind, a.Tenant, a.Database, a.OriginRegion, a.StorageRef.Bucket, a.StorageRef.Key,
		a.Checksum, a.SizeBytes, a.CreatedAt, a.Encrypted, a.Unusable, a.UnusableReason)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanArtifact(row rowScanner) (*model.BackupArtifact, error) {
	var a model.BackupArtifact
	err := row.Scan(&a.ID, &a.Kind, &a.Tenant, &a.Database, &a.OriginRegion,
		&a.StorageRef.Bucket, &a.StorageRef.Key, &a.Checksum, &a.SizeBytes,
		&a.CreatedAt, &a.Encrypted, &a.Unusable, &a.UnusableReason)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *Postgres) GetArtifact(ctx context.Context, id string) (*model.BackupArtifact, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM dr_artifacts WHERE id = $1`, id)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query artifact: %w", err)
	}
	return a, nil
}

func (p *Postgres) queryArtifacts(ctx context.Context, where string) ([]*model.BackupArtifact, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+artifactColumns+` FROM dr_artifacts `+where+` ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.BackupArtifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) ListArtifacts(ctx context.Context) ([]*model.BackupArtifact, error) {
	return p.queryArtifacts(ctx, "")
}

func (p *Postgres) ListRecoverable(ctx context.Context) ([]*model.BackupArtifact, error) {
	return p.queryArtifacts(ctx, "WHERE NOT unusable")
}

func (p *Postgres) MarkUnusable(ctx context.Context, id, reason string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE dr_artifacts SET unusable = TRUE, unusable_reason = $2 WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("flag artifact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("artifact %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (p *Postgres) DeleteArtifact(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM dr_artifacts WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}

func (p *Postgres) GetReplication(ctx context.Context, artifactID, region string) (*model.ReplicationRecord, error) {
	var (
		r  model.ReplicationRecord
		at sql.NullTime
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT artifact_id, target_region, status, replicated_at, error
		 FROM dr_replications WHERE artifact_id = $1 AND target_region = $2`,
		artifactID, region,
	).Scan(&r.ArtifactID, &r.TargetRegion, &r.Status, &at, &r.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("replication %s/%s: %w", artifactID, region, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query replication: %w", err)
	}
	r.ReplicatedAt = at.Time
	return &r, nil
}

func (p *Postgres) SaveReplication(ctx context.Context, r *model.ReplicationRecord) error {
	var at sql.NullTime
	if !r.ReplicatedAt.IsZero() {
		at = sql.NullTime{Time: r.ReplicatedAt, Valid: true}
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO dr_replications (artifact_id, target_region, status, replicated_at, error)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (artifact_id, target_region)
		 DO UPDATE SET status = EXCLUDED.status, replicated_at = EXCLUDED.replicated_at, error = EXCLUDED.error`,
		r.ArtifactID, r.TargetRegion, r.Status, at, r.Error)
	if err != nil {
		return fmt.Errorf("upsert replication: %w", err)
	}
	return nil
}

func (p *Postgres) ListReplications(ctx context.Context, artifactID string) ([]*model.ReplicationRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT artifact_id, target_region, status, replicated_at, error
		 FROM dr_replications WHERE artifact_id = $1 ORDER BY target_region`, artifactID)
	if err != nil {
		return nil, fmt.Errorf("query replications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.ReplicationRecord
	for rows.Next() {
		var (
			r  model.ReplicationRecord
			at sql.NullTime
		)
		if err := rows.Scan(&r.ArtifactID, &r.TargetRegion, &r.Status, &at, &r.Error); err != nil {
			return nil, fmt.Errorf("scan replication: %w", err)
		}
		r.ReplicatedAt = at.Time
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendFailoverEvent(ctx context.Context, e *model.FailoverEvent) error {
	steps, err := json.Marshal(e.StepLog)
	if err != nil {
		return fmt.Errorf("marshal step log: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO dr_failover_events (id, from_region, to_region, started_at, completed_at, step_log, rto_met, success)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.FromRegion, e.ToRegion, e.StartedAt, e.CompletedAt, steps, e.RTOMet, e.Success)
	if err != nil {
		return fmt.Errorf("insert failover event: %w", err)
	}
	return nil
}

func (p *Postgres) ListFailoverEvents(ctx context.Context, limit int) ([]*model.FailoverEvent, error) {
	query := `SELECT id, from_region, to_region, started_at, completed_at, step_log, rto_met, success
		FROM dr_failover_events ORDER BY seq DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failover events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.FailoverEvent
	for rows.Next() {
		var (
			e     model.FailoverEvent
			steps []byte
		)
		if err := rows.Scan(&e.ID, &e.FromRegion, &e.ToRegion, &e.StartedAt, &e.CompletedAt,
			&steps, &e.RTOMet, &e.Success); err != nil {
			return nil, fmt.Errorf("scan failover event: %w", err)
		}
		if err := json.Unmarshal(steps, &e.StepLog); err != nil {
			return nil, fmt.Errorf("decode step log: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveHealthSnapshot(ctx context.Context, s model.HealthSnapshot) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO dr_health_snapshots
			(region_id, status, availability_pct, latency_ms, replication_lag_s, active_connections, error_rate, error, checked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (region_id) DO UPDATE SET
			status = EXCLUDED.status,
			availability_pct = EXCLUDED.availability_pct,
			latency_ms = EXCLUDED.latency_ms,
			replication_lag_s = EXCLUDED.replication_lag_s,
			active_connections = EXCLUDED.active_connections,
			error_rate = EXCLUDED.error_rate,
			error = EXCLUDED.error,
			checked_at = EXCLUDED.checked_at`,
		s.RegionID, s.Status, s.AvailabilityPct, s.LatencyMs, s.ReplicationLagS,
		s.ActiveConnections, s.ErrorRate, s.Error, s.CheckedAt)
	if err != nil {
		return fmt.Errorf("upsert health snapshot: %w", err)
	}
	return nil
}

func (p *Postgres) ListHealthSnapshots(ctx context.Context) ([]model.HealthSnapshot, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT region_id, status, availability_pct, latency_ms, replication_lag_s,
			active_connections, error_rate, error, checked_at
		 FROM dr_health_snapshots ORDER BY region_id`)
	if err != nil {
		return nil, fmt.Errorf("query health snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.HealthSnapshot
	for rows.Next() {
		var s model.HealthSnapshot
		if err := rows.Scan(&s.RegionID, &s.Status, &s.AvailabilityPct, &s.LatencyMs, &s.ReplicationLagS,
			&s.ActiveConnections, &s.ErrorRate, &s.Error, &s.CheckedAt); err != nil {
			return nil, fmt.Errorf("scan health snapshot: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
