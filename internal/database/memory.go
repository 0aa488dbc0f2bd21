package database

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/FairForge/drkeeper/internal/model"
)

// MemoryStore keeps state in process. Values are copied in and out so
// callers never share records with the store.
type MemoryStore struct {
	mu           sync.RWMutex
	artifacts    map[string]model.BackupArtifact
	replications map[string]model.ReplicationRecord
	events       []model.FailoverEvent
	snapshots    map[string]model.HealthSnapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		artifacts:    make(map[string]model.BackupArtifact),
		replications: make(map[string]model.ReplicationRecord),
		snapshots:    make(map[string]model.HealthSnapshot),
	}
}

func replicationKey(artifactID, region string) string {
	return artifactID + "\x00" + region
}

func (m *MemoryStore) SaveArtifact(_ context.Context, a *model.BackupArtifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts[a.ID] = *a
	return nil
}

func (m *MemoryStore) GetArtifact(_ context.Context, id string) (*model.BackupArtifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.artifacts[id]
	if !ok {
		return nil, fmt.Errorf("artifact %s: %w", id, model.ErrNotFound)
	}
	return &a, nil
}

func (m *MemoryStore) list(recoverableOnly bool) []*model.BackupArtifact {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.BackupArtifact, 0, len(m.artifacts))
	for _, a := range m.artifacts {
		if recoverableOnly && !a.Recoverable() {
			continue
		}
		a := a
		out = append(out, &a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryStore) ListArtifacts(context.Context) ([]*model.BackupArtifact, error) {
	return m.list(false), nil
}

func (m *MemoryStore) ListRecoverable(context.Context) ([]*model.BackupArtifact, error) {
	return m.list(true), nil
}

func (m *MemoryStore) MarkUnusable(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[id]
	if !ok {
		return fmt.Errorf("artifact %s: %w", id, model.ErrNotFound)
	}
	a.Unusable = true
	a.UnusableReason = reason
	m.artifacts[id] = a
	return nil
}

func (m *MemoryStore) DeleteArtifact(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.artifacts, id)
	for k, r := range m.replications {
		if r.ArtifactID == id {
			delete(m.replications, k)
		}
	}
	return nil
}

func (m *MemoryStore) GetReplication(_ context.Context, artifactID, region string) (*model.ReplicationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.replications[replicationKey(artifactID, region)]
	if !ok {
		return nil, fmt.Errorf("replication %s/%s: %w", artifactID, region, model.ErrNotFound)
	}
	return &r, nil
}

func (m *MemoryStore) SaveReplication(_ context.Context, r *model.ReplicationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replications[replicationKey(r.ArtifactID, r.TargetRegion)] = *r
	return nil
}

func (m *MemoryStore) ListReplications(_ context.Context, artifactID string) ([]*model.ReplicationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.ReplicationRecord
	for _, r := range m.replications {
		if r.ArtifactID == artifactID {
			r := r
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetRegion < out[j].TargetRegion })
	return out, nil
}

func (m *MemoryStore) AppendFailoverEvent(_ context.Context, e *model.FailoverEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	cp.StepLog = append([]model.FailoverStep(nil), e.StepLog...)
	m.events = append(m.events, cp)
	return nil
}

func (m *MemoryStore) ListFailoverEvents(_ context.Context, limit int) ([]*model.FailoverEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.events) {
		limit = len(m.events)
	}
	out := make([]*model.FailoverEvent, 0, limit)
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.events[i]
		e.StepLog = append([]model.FailoverStep(nil), e.StepLog...)
		out = append(out, &e)
	}
	return out, nil
}

func (m *MemoryStore) SaveHealthSnapshot(_ context.Context, s model.HealthSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[s.RegionID] = s
	return nil
}

func (m *MemoryStore) ListHealthSnapshots(context.Context) ([]model.HealthSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.HealthSnapshot, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegionID < out[j].RegionID })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
