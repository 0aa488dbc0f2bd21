package ha

import (
	"sort"

	"github.com/FairForge/drkeeper/internal/model"
)

// Decision is the outcome of evaluating one set of health snapshots.
type Decision struct {
	Failover bool
	From     model.RegionEndpoint
	To       model.RegionEndpoint
}

// Decide triggers a failover only when the primary's snapshot is failed.
// The result depends on nothing but its arguments.
func Decide(regions []model.RegionEndpoint, snapshots map[string]model.HealthSnapshot) (Decision, error) {
	var primary model.RegionEndpoint
	for _, r := range regions {
		if r.Role == model.RolePrimary {
			primary = r
			break
		}
	}
	if snap, ok := snapshots[primary.ID]; !ok || snap.Status != model.HealthFailed {
		return Decision{From: primary}, nil
	}

	target, err := SelectCandidate(regions, snapshots)
	if err != nil {
		return Decision{From: primary}, err
	}
	return Decision{Failover: true, From: primary, To: target}, nil
}

// SelectCandidate returns the healthy replica with the lowest priority,
// then the lowest replication lag. Region ID breaks remaining ties.
func SelectCandidate(regions []model.RegionEndpoint, snapshots map[string]model.HealthSnapshot) (model.RegionEndpoint, error) {
	type candidate struct {
		region model.RegionEndpoint
		lag    float64
	}
	var candidates []candidate
	for _, r := range regions {
		if r.Role != model.RoleReplica {
			continue
		}
		snap, ok := snapshots[r.ID]
		if !ok || snap.Status != model.HealthHealthy {
			continue
		}
		candidates = append(candidates, candidate{region: r, lag: snap.ReplicationLagS})
	}
	if len(candidates) == 0 {
		return model.RegionEndpoint{}, model.ErrNoHealthyCandidate
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.region.Priority != b.region.Priority {
			return a.region.Priority < b.region.Priority
		}
		if a.lag != b.lag {
			return a.lag < b.lag
		}
		return a.region.ID < b.region.ID
	})
	return candidates[0].region, nil
}
