package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FairForge/drkeeper/internal/database"
	"github.com/FairForge/drkeeper/internal/model"
	"github.com/FairForge/drkeeper/internal/storage"
	"go.uber.org/zap"
)

// Purger removes artifacts older than the retention window from every
// region and from the recovery state.
type Purger struct {
	retention time.Duration
	locations Locations
	state     database.Store
	logger    *zap.Logger
}

func NewPurger(retention time.Duration, locations Locations, state database.Store, logger *zap.Logger) *Purger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Purger{retention: retention, locations: locations, state: state, logger: logger}
}

// Expired reports whether an artifact created at createdAt is past retention
// at now. Age counts whole UTC calendar days, so with 90 days of retention an
// artifact from day 0 is kept through all of day 90 and purged on day 91.
func (p *Purger) Expired(createdAt, now time.Time) bool {
	return calendarDays(createdAt, now) > int(p.retention/day)
}

const day = 24 * time.Hour

func calendarDays(from, to time.Time) int {
	return int(midnightUTC(to).Sub(midnightUTC(from)) / day)
}

func midnightUTC(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Purge deletes expired artifacts and returns their IDs. Object deletion
// failures are logged and the metadata is kept so the next run retries.
func (p *Purger) Purge(ctx context.Context, now time.Time) ([]string, error) {
	artifacts, err := p.state.ListArtifacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}

	var purged []string
	for _, a := range artifacts {
		if !p.Expired(a.CreatedAt, now) {
			continue
		}
		if err := p.deleteCopies(ctx, a); err != nil {
			p.logger.Warn("retention purge incomplete", zap.String("artifact_id", a.ID), zap.Error(err))
			continue
		}
		if err := p.state.DeleteArtifact(ctx, a.ID); err != nil {
			return purged, fmt.Errorf("delete artifact %s: %w", a.ID, err)
		}
		purged = append(purged, a.ID)
	}
	if len(purged) > 0 {
		p.logger.Info("expired artifacts purged", zap.Int("count", len(purged)))
	}
	return purged, nil
}

func (p *Purger) deleteCopies(ctx context.Context, a *model.BackupArtifact) error {
	var errs []error
	if loc, ok := p.locations[a.OriginRegion]; ok {
		errs = append(errs, ignoreMissing(loc.Store.Delete(ctx, a.StorageRef.Bucket, a.StorageRef.Key)))
	}

	records, err := p.state.ListReplications(ctx, a.ID)
	if err != nil {
		return err
	}
	for _, r := range records {
		if r.Status != model.ReplicationSucceeded {
			continue
		}
		loc, ok := p.locations[r.TargetRegion]
		if !ok {
			continue
		}
		errs = append(errs, ignoreMissing(loc.Store.Delete(ctx, loc.Bucket, a.StorageRef.Key)))
	}
	return errors.Join(errs...)
}

func ignoreMissing(err error) error {
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil
	}
	return err
}
