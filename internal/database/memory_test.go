package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/FairForge/drkeeper/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_RecoverableListing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	require.NoError(t, s.SaveArtifact(ctx, &model.BackupArtifact{ID: "a", CreatedAt: now}))
	require.NoError(t, s.SaveArtifact(ctx, &model.BackupArtifact{ID: "b", CreatedAt: now.Add(time.Minute)}))
	require.NoError(t, s.MarkUnusable(ctx, "a", "checksum mismatch"))

	all, err := s.ListArtifacts(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	rec, err := s.ListRecoverable(ctx)
	require.NoError(t, err)
	require.Len(t, rec, 1)
	assert.Equal(t, "b", rec[0].ID)

	a, err := s.GetArtifact(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "checksum mismatch", a.UnusableReason)

	assert.ErrorIs(t, s.MarkUnusable(ctx, "zzz", "x"), model.ErrNotFound)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.SaveArtifact(ctx, &model.BackupArtifact{ID: "a"}))

	a, err := s.GetArtifact(ctx, "a")
	require.NoError(t, err)
	a.Unusable = true

	again, err := s.GetArtifact(ctx, "a")
	require.NoError(t, err)
	assert.False(t, again.Unusable)
}

func TestMemoryStore_DeleteCascadesReplications(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.SaveArtifact(ctx, &model.BackupArtifact{ID: "a"}))
	require.NoError(t, s.SaveReplication(ctx, &model.ReplicationRecord{ArtifactID: "a", TargetRegion: "eu", Status: model.ReplicationSucceeded}))

	require.NoError(t, s.DeleteArtifact(ctx, "a"))
	_, err := s.GetReplication(ctx, "a", "eu")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestMemoryStore_FailoverEventsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendFailoverEvent(ctx, &model.FailoverEvent{ID: fmt.Sprintf("f%d", i)}))
	}

	got, err := s.ListFailoverEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "f4", got[0].ID)
	assert.Equal(t, "f3", got[1].ID)

	all, err := s.ListFailoverEvents(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestMemoryStore_HealthSnapshotLastValueWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.SaveHealthSnapshot(ctx, model.HealthSnapshot{RegionID: "us", Status: model.HealthHealthy}))
	require.NoError(t, s.SaveHealthSnapshot(ctx, model.HealthSnapshot{RegionID: "us", Status: model.HealthFailed}))

	got, err := s.ListHealthSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.HealthFailed, got[0].Status)
}
