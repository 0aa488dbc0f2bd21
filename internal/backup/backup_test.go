package backup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/FairForge/drkeeper/internal/alerting"
	"github.com/FairForge/drkeeper/internal/crypto"
	"github.com/FairForge/drkeeper/internal/database"
	"github.com/FairForge/drkeeper/internal/k8s"
	"github.com/FairForge/drkeeper/internal/model"
	"github.com/FairForge/drkeeper/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDumper struct {
	fail map[string]error
}

func (f fakeDumper) Dump(_ context.Context, target model.DatabaseTarget) ([]byte, error) {
	if err := f.fail[target.Name]; err != nil {
		return nil, err
	}
	return []byte("PGDMP dump of " + target.Tenant + "/" + target.Name), nil
}

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

type fixture struct {
	east, west *storage.MemoryStore
	locations  Locations
	state      *database.MemoryStore
	sink       *recordingSink
	sealer     *Sealer
	agent      *DatabaseAgent
	replicator *Replicator
	validator  *Validator
}

func newFixture(t *testing.T, dumper Dumper) *fixture {
	t.Helper()
	master, err := crypto.GenerateMasterKeyHex()
	require.NoError(t, err)
	keys, err := crypto.NewTenantKeyProvider(master, true)
	require.NoError(t, err)
	sealer, err := NewSealer(keys)
	require.NoError(t, err)

	f := &fixture{
		east:   storage.NewMemoryStore(),
		west:   storage.NewMemoryStore(),
		state:  database.NewMemoryStore(),
		sink:   &recordingSink{},
		sealer: sealer,
	}
	f.locations = Locations{
		"us-east": {Store: f.east, Bucket: "dr-east"},
		"eu-west": {Store: f.west, Bucket: "dr-west"},
	}
	origin := func() string { return "us-east" }
	f.agent = NewDatabaseAgent(dumper, sealer, f.locations, origin, f.state, nil, nil)
	f.replicator = NewReplicator(f.locations, f.state, nil, nil)
	f.validator = NewValidator(f.locations, f.state, f.sink, nil, nil)
	return f
}

func regions() []model.RegionEndpoint {
	return []model.RegionEndpoint{
		{ID: "us-east", Role: model.RolePrimary, Priority: 0},
		{ID: "eu-west", Role: model.RoleReplica, Priority: 1},
	}
}

func TestDatabaseAgent_BackupSealsAndRecords(t *testing.T) {
	f := newFixture(t, fakeDumper{})
	ctx := context.Background()

	artifact, err := f.agent.Backup(ctx, model.DatabaseTarget{Tenant: "acme", Name: "orders"})
	require.NoError(t, err)
	assert.Equal(t, model.ArtifactDatabase, artifact.Kind)
	assert.Equal(t, "us-east", artifact.OriginRegion)
	assert.Equal(t, "dr-east", artifact.StorageRef.Bucket)
	assert.True(t, artifact.Encrypted)

	stored, err := f.east.Get(ctx, "dr-east", artifact.StorageRef.Key)
	require.NoError(t, err)
	assert.Equal(t, artifact.Checksum, Checksum(stored))
	assert.NotContains(t, string(stored), "PGDMP")

	plain, err := f.sealer.Open(stored, "acme")
	require.NoError(t, err)
	assert.Equal(t, "PGDMP dump of acme/orders", string(plain))

	_, err = f.sealer.Open(stored, "globex")
	assert.Error(t, err, "another tenant's key must not open the artifact")

	saved, err := f.state.GetArtifact(ctx, artifact.ID)
	require.NoError(t, err)
	assert.Equal(t, artifact.Checksum, saved.Checksum)
}

func TestDatabaseAgent_FailureIsTyped(t *testing.T) {
	f := newFixture(t, fakeDumper{fail: map[string]error{"orders": errors.New("connection refused")}})

	_, err := f.agent.Backup(context.Background(), model.DatabaseTarget{Tenant: "acme", Name: "orders"})
	var failed *model.BackupFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "acme/orders", failed.Database)
	assert.Zero(t, f.east.Len())
}

func TestSealer_WithoutEncryption(t *testing.T) {
	sealer, err := NewSealer(nil)
	require.NoError(t, err)
	assert.False(t, sealer.Encrypts())

	sealed, err := sealer.Seal([]byte("hello hello hello"), "acme")
	require.NoError(t, err)
	out, err := sealer.Open(sealed, "acme")
	require.NoError(t, err)
	assert.Equal(t, "hello hello hello", string(out))
}

func TestReplicator_IsIdempotent(t *testing.T) {
	f := newFixture(t, fakeDumper{})
	ctx := context.Background()
	artifact, err := f.agent.Backup(ctx, model.DatabaseTarget{Tenant: "acme", Name: "orders"})
	require.NoError(t, err)

	first := f.replicator.Replicate(ctx, artifact, []string{"eu-west"})
	second := f.replicator.Replicate(ctx, artifact, []string{"eu-west"})

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, model.ReplicationSucceeded, first[0].Status)
	assert.Equal(t, model.ReplicationSucceeded, second[0].Status)
	assert.Equal(t, 1, f.west.Puts())
}

func TestReplicator_ConcurrentCallsUploadOnce(t *testing.T) {
	f := newFixture(t, fakeDumper{})
	ctx := context.Background()
	artifact, err := f.agent.Backup(ctx, model.DatabaseTarget{Tenant: "acme", Name: "orders"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.replicator.Replicate(ctx, artifact, []string{"eu-west"})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, f.west.Puts())
	records, err := f.state.ListReplications(ctx, artifact.ID)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestReplicator_FailureIsScopedToRegion(t *testing.T) {
	f := newFixture(t, fakeDumper{})
	broken := storage.NewMemoryStore()
	broken.PutErr = errors.New("bucket unavailable")
	f.locations["ap-south"] = Location{Store: broken, Bucket: "dr-south"}
	ctx := context.Background()
	artifact, err := f.agent.Backup(ctx, model.DatabaseTarget{Tenant: "acme", Name: "orders"})
	require.NoError(t, err)

	records := f.replicator.Replicate(ctx, artifact, []string{"eu-west", "ap-south"})
	require.Len(t, records, 2)
	assert.Equal(t, model.ReplicationSucceeded, records[0].Status)
	assert.Equal(t, model.ReplicationFailed, records[1].Status)
	assert.Contains(t, records[1].Error, "bucket unavailable")

	// a failed copy is retried on the next call
	broken.PutErr = nil
	retry := f.replicator.Replicate(ctx, artifact, []string{"ap-south"})
	assert.Equal(t, model.ReplicationSucceeded, retry[0].Status)
}

func TestValidator_MismatchFlagsArtifactAndAlertsOnce(t *testing.T) {
	f := newFixture(t, fakeDumper{})
	ctx := context.Background()
	artifact, err := f.agent.Backup(ctx, model.DatabaseTarget{Tenant: "acme", Name: "orders"})
	require.NoError(t, err)
	f.replicator.Replicate(ctx, artifact, []string{"eu-west"})

	f.west.Corrupt("dr-west", artifact.StorageRef.Key, []byte("abc123"))

	result := f.validator.Validate(ctx, artifact, []string{"us-east", "eu-west"})
	assert.Equal(t, 1, result.ValidCount)
	require.Len(t, result.Invalid, 1)
	assert.Equal(t, "eu-west", result.Invalid[0].Location)
	assert.Equal(t, Checksum([]byte("abc123")), result.Invalid[0].Actual)
	assert.Len(t, f.sink.ofType(alerting.TypeIntegrityMismatch), 1)
	assert.Equal(t, alerting.SeverityWarning, f.sink.alerts[0].Severity)

	recoverable, err := f.state.ListRecoverable(ctx)
	require.NoError(t, err)
	assert.Empty(t, recoverable)

	record, err := f.state.GetReplication(ctx, artifact.ID, "eu-west")
	require.NoError(t, err)
	assert.Equal(t, model.ReplicationFailed, record.Status)
	assert.Contains(t, record.Error, "eu-west")
}

func TestValidator_AllValid(t *testing.T) {
	f := newFixture(t, fakeDumper{})
	ctx := context.Background()
	artifact, err := f.agent.Backup(ctx, model.DatabaseTarget{Tenant: "acme", Name: "orders"})
	require.NoError(t, err)
	f.replicator.Replicate(ctx, artifact, []string{"eu-west"})

	result := f.validator.Validate(ctx, artifact, []string{"us-east", "eu-west"})
	assert.True(t, result.OK())
	assert.Equal(t, 2, result.ValidCount)
	assert.Empty(t, f.sink.alerts)
}

func TestPurger_RetentionBoundary(t *testing.T) {
	f := newFixture(t, fakeDumper{})
	ctx := context.Background()
	day0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.agent.now = func() time.Time { return day0 }

	artifact, err := f.agent.Backup(ctx, model.DatabaseTarget{Tenant: "acme", Name: "orders"})
	require.NoError(t, err)
	f.replicator.Replicate(ctx, artifact, []string{"eu-west"})

	purger := NewPurger(90*24*time.Hour, f.locations, f.state, nil)

	purged, err := purger.Purge(ctx, day0.Add(90*24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, purged, "artifact at exactly the retention boundary is kept")

	purged, err = purger.Purge(ctx, day0.Add(90*24*time.Hour+12*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, purged, "artifact is kept for the whole of day 90")

	purged, err = purger.Purge(ctx, day0.Add(91*24*time.Hour-time.Second))
	require.NoError(t, err)
	assert.Empty(t, purged)

	purged, err = purger.Purge(ctx, day0.Add(91*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{artifact.ID}, purged)
	assert.Zero(t, f.east.Len())
	assert.Zero(t, f.west.Len())

	_, err = f.state.GetArtifact(ctx, artifact.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestPurger_Expired(t *testing.T) {
	purger := NewPurger(90*24*time.Hour, nil, nil, nil)
	lateDay0 := time.Date(2026, 1, 1, 23, 30, 0, 0, time.UTC)
	day91 := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)

	assert.False(t, purger.Expired(lateDay0, day91.Add(-time.Minute)))
	assert.True(t, purger.Expired(lateDay0, day91), "age counts calendar days, not hours")

	// dates are compared in UTC whatever the zone of the inputs
	tokyo := time.FixedZone("JST", 9*60*60)
	assert.False(t, purger.Expired(lateDay0.In(tokyo), day91.Add(-time.Minute).In(tokyo)))
}

type fakeCluster struct {
	resources map[string][]k8s.Resource
	errs      map[string]error
	snapErrs  map[string]error
}

func (c *fakeCluster) ListResources(_ context.Context, _ string, kind string) ([]k8s.Resource, error) {
	if err := c.errs[kind]; err != nil {
		return nil, err
	}
	return c.resources[kind], nil
}

func (c *fakeCluster) CreateVolumeSnapshot(_ context.Context, _ string, pvc string) (string, error) {
	if err := c.snapErrs[pvc]; err != nil {
		return "", err
	}
	return pvc + "-snap", nil
}

func TestClusterAgent_SkipsUnsupportedKinds(t *testing.T) {
	f := newFixture(t, fakeDumper{})
	cluster := &fakeCluster{
		resources: map[string][]k8s.Resource{
			k8s.KindDeployments: {{"kind": "Deployment", "metadata": map[string]interface{}{"name": "api", "uid": "x"}}},
		},
		errs: map[string]error{k8s.KindSecrets: fmt.Errorf("secrets: %w", k8s.ErrUnsupportedKind)},
	}
	agent := NewClusterAgent(cluster, f.sealer, f.locations, func() string { return "us-east" }, f.state, nil, nil)

	result, err := agent.BackupNamespace(context.Background(), "crm")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Exported[k8s.KindDeployments])
	assert.Contains(t, result.Skipped, k8s.KindSecrets)
	assert.Equal(t, model.ArtifactNamespace, result.Artifact.Kind)

	stored, err := f.east.Get(context.Background(), "dr-east", result.Artifact.StorageRef.Key)
	require.NoError(t, err)
	manifest, err := f.sealer.Open(stored, "crm")
	require.NoError(t, err)
	assert.Contains(t, string(manifest), "name: api")
	assert.NotContains(t, string(manifest), "uid")
}

func TestClusterAgent_AllKindsFailing(t *testing.T) {
	f := newFixture(t, fakeDumper{})
	errs := map[string]error{}
	for _, kind := range k8s.DefaultBackupKinds {
		errs[kind] = errors.New("forbidden")
	}
	agent := NewClusterAgent(&fakeCluster{errs: errs}, f.sealer, f.locations, func() string { return "us-east" }, f.state, nil, nil)

	_, err := agent.BackupNamespace(context.Background(), "crm")
	var failed *model.BackupFailedError
	assert.ErrorAs(t, err, &failed)
}

func TestClusterAgent_SnapshotVolume(t *testing.T) {
	f := newFixture(t, fakeDumper{})
	agent := NewClusterAgent(&fakeCluster{}, f.sealer, f.locations, func() string { return "us-east" }, f.state, nil, nil)

	ref, err := agent.SnapshotVolume(context.Background(), "crm", "data-0")
	require.NoError(t, err)
	assert.Equal(t, "data-0-snap", ref.Name)
}

func newScheduler(f *fixture, databases []model.DatabaseTarget, onSuccess func(time.Time)) *Scheduler {
	return NewScheduler(SchedulerConfig{
		Interval:  time.Minute,
		Databases: databases,
		Regions:   regions,
		OnSuccess: onSuccess,
	}, f.agent, nil, f.replicator, f.validator,
		NewPurger(90*24*time.Hour, f.locations, f.state, nil), f.sink, nil)
}

func TestScheduler_OneFailureDoesNotStopOthers(t *testing.T) {
	f := newFixture(t, fakeDumper{fail: map[string]error{"billing": errors.New("timeout")}})
	var lastSuccess time.Time
	s := newScheduler(f, []model.DatabaseTarget{
		{Tenant: "acme", Name: "orders"},
		{Tenant: "acme", Name: "billing"},
		{Tenant: "globex", Name: "crm"},
	}, func(at time.Time) { lastSuccess = at })

	report, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Artifacts, 2)
	require.Len(t, report.Failures, 1)
	assert.Contains(t, report.Failures[0], "acme/billing")
	assert.False(t, report.Succeeded())
	assert.Len(t, f.sink.ofType(alerting.TypeBackupFailed), 1)

	assert.Len(t, report.Replications, 2)
	for _, r := range report.Replications {
		assert.Equal(t, "eu-west", r.TargetRegion)
		assert.Equal(t, model.ReplicationSucceeded, r.Status)
	}
	assert.Equal(t, 2, f.west.Len())
	assert.False(t, lastSuccess.IsZero())
}

func TestScheduler_ReplicationFailureAlerts(t *testing.T) {
	f := newFixture(t, fakeDumper{})
	f.west.PutErr = errors.New("region unreachable")
	s := newScheduler(f, []model.DatabaseTarget{{Tenant: "acme", Name: "orders"}}, nil)

	report, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Succeeded())
	assert.Len(t, f.sink.ofType(alerting.TypeReplicationFailed), 1)
	require.Len(t, report.Validations, 1)
	assert.Equal(t, 1, report.Validations[0].ValidCount)
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t, fakeDumper{})
	s := newScheduler(f, []model.DatabaseTarget{{Tenant: "acme", Name: "orders"}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		artifacts, _ := f.state.ListArtifacts(context.Background())
		return len(artifacts) == 1
	}, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

type panickingDumper struct{}

func (panickingDumper) Dump(context.Context, model.DatabaseTarget) ([]byte, error) {
	panic("dumper boom")
}

func TestScheduler_PanickingDumperFailsOnlyThatBackup(t *testing.T) {
	f := newFixture(t, fakeDumper{})
	f.agent = NewDatabaseAgent(panickingDumper{}, f.sealer, f.locations,
		func() string { return "us-east" }, f.state, nil, nil)
	s := newScheduler(f, []model.DatabaseTarget{{Tenant: "acme", Name: "orders"}}, nil)

	var report *CycleReport
	require.NotPanics(t, func() {
		var err error
		report, err = s.RunCycle(context.Background())
		require.NoError(t, err)
	})
	require.Len(t, report.Failures, 1)
	assert.Contains(t, report.Failures[0], "acme/orders")
	assert.Contains(t, report.Failures[0], "dumper boom")
	assert.Len(t, f.sink.ofType(alerting.TypeBackupFailed), 1)
}

// panickingStore panics on upload.
type panickingStore struct {
	*storage.MemoryStore
}

func (panickingStore) Put(context.Context, string, string, []byte, storage.PutOptions) error {
	panic("sdk bug")
}

func TestReplicator_PanickingStoreFailsOnlyThatRegion(t *testing.T) {
	f := newFixture(t, fakeDumper{})
	f.locations["ap-south"] = Location{Store: panickingStore{storage.NewMemoryStore()}, Bucket: "dr-south"}
	ctx := context.Background()
	artifact, err := f.agent.Backup(ctx, model.DatabaseTarget{Tenant: "acme", Name: "orders"})
	require.NoError(t, err)

	var records []*model.ReplicationRecord
	require.NotPanics(t, func() {
		records = f.replicator.Replicate(ctx, artifact, []string{"eu-west", "ap-south"})
	})
	require.Len(t, records, 2)
	assert.Equal(t, model.ReplicationSucceeded, records[0].Status)
	assert.Equal(t, model.ReplicationFailed, records[1].Status)
	assert.Contains(t, records[1].Error, "sdk bug")
}

func TestScheduler_SnapshotsConfiguredVolumes(t *testing.T) {
	f := newFixture(t, fakeDumper{})
	cluster := &fakeCluster{
		resources: map[string][]k8s.Resource{
			k8s.KindDeployments: {{"kind": "Deployment", "metadata": map[string]interface{}{"name": "api"}}},
		},
		snapErrs: map[string]error{"data-crm-1": errors.New("snapshot class missing")},
	}
	origin := func() string { return "us-east" }
	s := NewScheduler(SchedulerConfig{
		Interval:   time.Minute,
		Namespaces: []string{"crm"},
		Volumes:    map[string][]string{"crm": {"data-crm-0", "data-crm-1"}},
		Regions:    regions,
	}, f.agent, NewClusterAgent(cluster, f.sealer, f.locations, origin, f.state, nil, nil),
		f.replicator, f.validator, NewPurger(90*24*time.Hour, f.locations, f.state, nil), f.sink, nil)

	report, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Namespaces, 1)
	require.Len(t, report.Snapshots, 1)
	assert.Equal(t, "data-crm-0-snap", report.Snapshots[0].Name)
	assert.Equal(t, "crm", report.Snapshots[0].Namespace)
	require.Len(t, report.Failures, 1)
	assert.Contains(t, report.Failures[0], "crm/data-crm-1")
	assert.Len(t, f.sink.ofType(alerting.TypeBackupFailed), 1)
}
