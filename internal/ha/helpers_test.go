package ha

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/FairForge/drkeeper/internal/alerting"
	"github.com/FairForge/drkeeper/internal/model"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []alerting.Alert
}

func (s *recordingSink) Dispatch(_ context.Context, a alerting.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
}

func (s *recordingSink) ofType(typ string) []alerting.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []alerting.Alert
	for _, a := range s.alerts {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

var errUnreachable = errors.New("connection refused")

// scriptedProber returns a per-region result; unknown regions are healthy.
type scriptedProber struct {
	mu      sync.Mutex
	down    map[string]bool
	lag     map[string]time.Duration
	latency map[string]time.Duration
	block   map[string]bool
	calls   map[string]int
}

func newScriptedProber() *scriptedProber {
	return &scriptedProber{
		down:    make(map[string]bool),
		lag:     make(map[string]time.Duration),
		latency: make(map[string]time.Duration),
		block:   make(map[string]bool),
		calls:   make(map[string]int),
	}
}

func (p *scriptedProber) set(region string, down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down[region] = down
}

func (p *scriptedProber) Probe(ctx context.Context, region model.RegionEndpoint) (Observation, error) {
	p.mu.Lock()
	p.calls[region.ID]++
	down, block := p.down[region.ID], p.block[region.ID]
	obs := Observation{
		Latency:         20 * time.Millisecond,
		ReplicationLag:  p.lag[region.ID],
		AvailabilityPct: 100,
	}
	if l, ok := p.latency[region.ID]; ok {
		obs.Latency = l
	}
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return Observation{}, ctx.Err()
	}
	if down {
		return Observation{}, errUnreachable
	}
	return obs, nil
}

type fakePromoter struct {
	mu         sync.Mutex
	promoteErr error
	never      bool
	promoted   []string
	gate       chan struct{}
}

func (f *fakePromoter) Promote(_ context.Context, region model.RegionEndpoint) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.promoteErr != nil {
		return f.promoteErr
	}
	f.promoted = append(f.promoted, region.ID)
	return nil
}

func (f *fakePromoter) IsPrimary(context.Context, model.RegionEndpoint) (bool, error) {
	return !f.never, nil
}

type fakeRouting struct {
	mu      sync.Mutex
	err     error
	primary string
}

func (f *fakeRouting) UpdatePrimary(_ context.Context, region model.RegionEndpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.primary = region.ID
	return nil
}

type fakeScaler struct {
	multiplier float64
}

func (f *fakeScaler) ScaleUp(_ context.Context, _ model.RegionEndpoint, multiplier float64) error {
	f.multiplier = multiplier
	return nil
}

type fakeVerifier struct{ err error }

func (f fakeVerifier) Verify(context.Context, model.RegionEndpoint) error { return f.err }

func testMonitorConfig() MonitorConfig {
	cfg := DefaultMonitorConfig()
	cfg.Interval = 10 * time.Millisecond
	cfg.CheckTimeout = 50 * time.Millisecond
	return cfg
}

func testExecutorConfig() ExecutorConfig {
	cfg := DefaultExecutorConfig()
	cfg.PromotionTimeout = 50 * time.Millisecond
	cfg.PromotionPoll = 5 * time.Millisecond
	cfg.StepTimeout = time.Second
	return cfg
}
