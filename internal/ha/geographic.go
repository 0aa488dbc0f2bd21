// internal/ha/geographic.go
package ha

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/FairForge/drkeeper/internal/model"
)

var (
	ErrUnknownRegion   = errors.New("unknown region")
	ErrNotQuarantined  = errors.New("region is not quarantined")
	ErrNotReplica      = errors.New("region is not a replica")
	ErrPrimaryRequired = errors.New("exactly one primary region is required")
)

// RegionRegistry holds the role assignment of every region. Readers always
// get copies; the only writer is the failover executor (and manual
// re-admission).
type RegionRegistry struct {
	mu      sync.RWMutex
	regions []model.RegionEndpoint
}

// NewRegionRegistry validates that exactly one region is primary.
func NewRegionRegistry(regions []model.RegionEndpoint) (*RegionRegistry, error) {
	primaries := 0
	seen := make(map[string]bool, len(regions))
	for _, r := range regions {
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate region %q", r.ID)
		}
		seen[r.ID] = true
		if r.Role == model.RolePrimary {
			primaries++
		}
	}
	if primaries != 1 {
		return nil, fmt.Errorf("%w: found %d", ErrPrimaryRequired, primaries)
	}
	return &RegionRegistry{regions: append([]model.RegionEndpoint(nil), regions...)}, nil
}

// Snapshot returns a copy of every region in configuration order.
func (r *RegionRegistry) Snapshot() []model.RegionEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]model.RegionEndpoint(nil), r.regions...)
}

// Primary returns the current primary.
func (r *RegionRegistry) Primary() model.RegionEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ep := range r.regions {
		if ep.Role == model.RolePrimary {
			return ep
		}
	}
	return model.RegionEndpoint{}
}

// PrimaryID returns the current primary's region ID.
func (r *RegionRegistry) PrimaryID() string {
	return r.Primary().ID
}

// Get returns one region.
func (r *RegionRegistry) Get(id string) (model.RegionEndpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ep := range r.regions {
		if ep.ID == id {
			return ep, true
		}
	}
	return model.RegionEndpoint{}, false
}

// Topology groups the regions by role, replicas ordered by priority.
func (r *RegionRegistry) Topology() model.Topology {
	var t model.Topology
	for _, ep := range r.Snapshot() {
		switch ep.Role {
		case model.RolePrimary:
			t.Primary = ep
		case model.RoleQuarantined:
			t.Quarantined = append(t.Quarantined, ep)
		default:
			t.Replicas = append(t.Replicas, ep)
		}
	}
	sort.SliceStable(t.Replicas, func(i, j int) bool { return t.Replicas[i].Priority < t.Replicas[j].Priority })
	return t
}

// Promote makes the replica `to` the primary and quarantines the previous
// primary in one step. It returns the demoted region.
func (r *RegionRegistry) Promote(to string) (model.RegionEndpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, old := -1, -1
	for i, ep := range r.regions {
		if ep.ID == to {
			target = i
		}
		if ep.Role == model.RolePrimary {
			old = i
		}
	}
	if target < 0 {
		return model.RegionEndpoint{}, fmt.Errorf("%w: %s", ErrUnknownRegion, to)
	}
	if r.regions[target].Role != model.RoleReplica {
		return model.RegionEndpoint{}, fmt.Errorf("%w: %s is %s", ErrNotReplica, to, r.regions[target].Role)
	}

	r.regions[target].Role = model.RolePrimary
	if old < 0 {
		return model.RegionEndpoint{}, nil
	}
	r.regions[old].Role = model.RoleQuarantined
	return r.regions[old], nil
}

// Readmit returns a quarantined region to the replica pool.
func (r *RegionRegistry) Readmit(id string) (model.RegionEndpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, ep := range r.regions {
		if ep.ID != id {
			continue
		}
		if ep.Role != model.RoleQuarantined {
			return ep, fmt.Errorf("%w: %s is %s", ErrNotQuarantined, id, ep.Role)
		}
		r.regions[i].Role = model.RoleReplica
		return r.regions[i], nil
	}
	return model.RegionEndpoint{}, fmt.Errorf("%w: %s", ErrUnknownRegion, id)
}
