package ha

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/FairForge/drkeeper/internal/model"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// Connections lazily opens one pool per region DSN.
type Connections struct {
	mu   sync.Mutex
	dsns map[string]string
	dbs  map[string]*sql.DB
}

func NewConnections(dsns map[string]string) *Connections {
	return &Connections{dsns: dsns, dbs: make(map[string]*sql.DB)}
}

// Set installs an existing handle for a region.
func (c *Connections) Set(region string, db *sql.DB) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dbs[region] = db
}

// DB returns the pool for a region, opening it on first use.
func (c *Connections) DB(region string) (*sql.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if db, ok := c.dbs[region]; ok {
		return db, nil
	}
	dsn, ok := c.dsns[region]
	if !ok || dsn == "" {
		return nil, fmt.Errorf("no DSN configured for region %s", region)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", region, err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)
	c.dbs[region] = db
	return db, nil
}

// Close closes every open pool.
func (c *Connections) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for region, db := range c.dbs {
		errs = append(errs, db.Close())
		delete(c.dbs, region)
	}
	return errors.Join(errs...)
}

type errorSample struct {
	count int64
	at    time.Time
}

// PostgresProber measures a region's database: ping latency, connection
// count, replay lag on replicas and the deadlock/conflict rate.
type PostgresProber struct {
	conns *Connections
	now   func() time.Time

	mu      sync.Mutex
	samples map[string]errorSample
}

func NewPostgresProber(conns *Connections) *PostgresProber {
	return &PostgresProber{conns: conns, now: time.Now, samples: make(map[string]errorSample)}
}

const (
	queryConnections = `SELECT count(*) FROM pg_stat_activity`
	queryReplayLag   = `SELECT COALESCE(EXTRACT(EPOCH FROM now() - pg_last_xact_replay_timestamp()), 0)`
	queryErrorCount  = `SELECT COALESCE(sum(deadlocks + conflicts), 0) FROM pg_stat_database`
)

func (p *PostgresProber) Probe(ctx context.Context, region model.RegionEndpoint) (Observation, error) {
	db, err := p.conns.DB(region.ID)
	if err != nil {
		return Observation{}, err
	}

	start := p.now()
	if err := db.PingContext(ctx); err != nil {
		return Observation{}, fmt.Errorf("ping %s: %w", region.ID, err)
	}
	obs := Observation{Latency: p.now().Sub(start)}

	attempts, succeeded := 1, 1
	attempts++
	if err := db.QueryRowContext(ctx, queryConnections).Scan(&obs.ActiveConnections); err == nil {
		succeeded++
	}
	if region.Role != model.RolePrimary {
		attempts++
		var lag float64
		if err := db.QueryRowContext(ctx, queryReplayLag).Scan(&lag); err == nil {
			obs.ReplicationLag = time.Duration(lag * float64(time.Second))
			succeeded++
		}
	}
	attempts++
	var errorCount int64
	if err := db.QueryRowContext(ctx, queryErrorCount).Scan(&errorCount); err == nil {
		obs.ErrorsPerMin = p.errorRate(region.ID, errorCount)
		succeeded++
	}
	if err := ctx.Err(); err != nil {
		return Observation{}, err
	}

	obs.AvailabilityPct = 100 * float64(succeeded) / float64(attempts)
	return obs, nil
}

// errorRate converts the cumulative counter into errors per minute since the
// previous sample. The first sample reports zero.
func (p *PostgresProber) errorRate(region string, count int64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	prev, ok := p.samples[region]
	p.samples[region] = errorSample{count: count, at: now}
	if !ok || count < prev.count {
		return 0
	}
	elapsed := now.Sub(prev.at).Minutes()
	if elapsed <= 0 {
		return 0
	}
	return float64(count-prev.count) / elapsed
}

// PostgresPromoter promotes a streaming replica with pg_promote.
type PostgresPromoter struct {
	conns *Connections
}

func NewPostgresPromoter(conns *Connections) *PostgresPromoter {
	return &PostgresPromoter{conns: conns}
}

func (p *PostgresPromoter) Promote(ctx context.Context, region model.RegionEndpoint) error {
	db, err := p.conns.DB(region.ID)
	if err != nil {
		return err
	}
	var accepted bool
	if err := db.QueryRowContext(ctx, `SELECT pg_promote(false)`).Scan(&accepted); err != nil {
		return fmt.Errorf("pg_promote: %w", err)
	}
	if !accepted {
		return errors.New("pg_promote was not accepted")
	}
	return nil
}

func (p *PostgresPromoter) IsPrimary(ctx context.Context, region model.RegionEndpoint) (bool, error) {
	db, err := p.conns.DB(region.ID)
	if err != nil {
		return false, err
	}
	var primary bool
	if err := db.QueryRowContext(ctx, `SELECT NOT pg_is_in_recovery()`).Scan(&primary); err != nil {
		return false, err
	}
	return primary, nil
}

// PostgresSmokeVerifier checks that the region accepts a write transaction.
type PostgresSmokeVerifier struct {
	conns *Connections
}

func NewPostgresSmokeVerifier(conns *Connections) *PostgresSmokeVerifier {
	return &PostgresSmokeVerifier{conns: conns}
}

func (v *PostgresSmokeVerifier) Verify(ctx context.Context, region model.RegionEndpoint) error {
	db, err := v.conns.DB(region.ID)
	if err != nil {
		return err
	}
	var txid int64
	// txid_current assigns a transaction ID, which a read-only standby refuses.
	if err := db.QueryRowContext(ctx, `SELECT txid_current()`).Scan(&txid); err != nil {
		return fmt.Errorf("write probe on %s: %w", region.ID, err)
	}
	return nil
}
