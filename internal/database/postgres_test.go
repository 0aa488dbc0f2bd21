package database

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/FairForge/drkeeper/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresFromDB(db), mock
}

func TestPostgres_CreateTables(t *testing.T) {
	p, mock := newMockPostgres(t)
	for i := 0; i < 5; i++ {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, p.CreateTables(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SaveArtifact(t *testing.T) {
	p, mock := newMockPostgres(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := &model.BackupArtifact{
		ID: "a1", Kind: model.ArtifactDatabase, Tenant: "acme", Database: "crm",
		OriginRegion: "us-east", StorageRef: model.StorageRef{Bucket: "b", Key: "k"},
		Checksum: "abc", SizeBytes: 42, CreatedAt: created, Encrypted: true,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO dr_artifacts")).
		WithArgs("a1", model.ArtifactDatabase, "acme", "crm", "us-east", "b", "k", "abc", int64(42), created, true, false, "").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, p.SaveArtifact(context.Background(), a))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListRecoverableFiltersUnusable(t *testing.T) {
	p, mock := newMockPostgres(t)
	created := time.Now().UTC()
	cols := []string{"id", "kind", "tenant", "database_name", "origin_region", "bucket", "object_key",
		"checksum", "size_bytes", "created_at", "encrypted", "unusable", "unusable_reason"}

	mock.ExpectQuery(regexp.QuoteMeta("FROM dr_artifacts WHERE NOT unusable")).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("a1", "database", "acme", "crm", "us-east", "b", "k", "abc", 10, created, true, false, ""))

	got, err := p.ListRecoverable(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a1", got[0].ID)
	assert.Equal(t, model.ArtifactDatabase, got[0].Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_MarkUnusableMissing(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE dr_artifacts SET unusable")).
		WithArgs("nope", "checksum mismatch").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := p.MarkUnusable(context.Background(), "nope", "checksum mismatch")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestPostgres_GetReplicationNotFound(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM dr_replications")).
		WithArgs("a1", "eu-west").
		WillReturnRows(sqlmock.NewRows([]string{"artifact_id", "target_region", "status", "replicated_at", "error"}))

	_, err := p.GetReplication(context.Background(), "a1", "eu-west")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestPostgres_FailoverEventsRoundTripStepLog(t *testing.T) {
	p, mock := newMockPostgres(t)
	started := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	event := &model.FailoverEvent{
		ID: "f1", FromRegion: "us-east", ToRegion: "eu-west",
		StartedAt: started, CompletedAt: started.Add(40 * time.Second),
		StepLog: []model.FailoverStep{
			{Step: "revalidate_target", Status: model.StepSucceeded, Timestamp: started},
			{Step: "promote_replica", Status: model.StepFailed, Timestamp: started, Detail: "timeout"},
		},
	}
	steps, err := json.Marshal(event.StepLog)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO dr_failover_events")).
		WithArgs("f1", "us-east", "eu-west", started, started.Add(40*time.Second), steps, false, false).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, p.AppendFailoverEvent(context.Background(), event))

	mock.ExpectQuery(regexp.QuoteMeta("FROM dr_failover_events ORDER BY seq DESC LIMIT $1")).
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "from_region", "to_region", "started_at", "completed_at", "step_log", "rto_met", "success"}).
			AddRow("f1", "us-east", "eu-west", started, started.Add(40*time.Second), steps, false, false))

	got, err := p.ListFailoverEvents(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Len(t, got[0].StepLog, 2)
	assert.Equal(t, "promote_replica", got[0].StepLog[1].Step)
	assert.Equal(t, model.StepFailed, got[0].StepLog[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SaveHealthSnapshotUpserts(t *testing.T) {
	p, mock := newMockPostgres(t)
	s := model.HealthSnapshot{RegionID: "us-east", Status: model.HealthHealthy, CheckedAt: time.Now()}

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (region_id) DO UPDATE")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, p.SaveHealthSnapshot(context.Background(), s))
	assert.NoError(t, mock.ExpectationsWereMet())
}
