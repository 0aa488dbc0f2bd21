package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FairForge/drkeeper/internal/alerting"
	"github.com/FairForge/drkeeper/internal/backup"
	"github.com/FairForge/drkeeper/internal/config"
	"github.com/FairForge/drkeeper/internal/crypto"
	"github.com/FairForge/drkeeper/internal/database"
	"github.com/FairForge/drkeeper/internal/ha"
	"github.com/FairForge/drkeeper/internal/k8s"
	"github.com/FairForge/drkeeper/internal/metrics"
	"github.com/FairForge/drkeeper/internal/storage"
	"go.uber.org/zap"
)

type app struct {
	orch    *ha.Orchestrator
	alerts  *alerting.Dispatcher
	metrics *metrics.Registry
	closers []func() error
	logger  *zap.Logger
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{metrics: metrics.NewRegistry(), logger: logger}

	a.alerts = alerting.NewDispatcher(alerting.DispatcherConfig{
		SendTimeout:     cfg.Alerting.SendTimeout,
		BreakerFailures: 5,
		BreakerCooldown: time.Minute,
	}, logger.Named("alerts"), channels(cfg)...)

	state, err := openState(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, state.Close)

	registry, err := ha.NewRegionRegistry(cfg.Backup.Regions)
	if err != nil {
		a.close()
		return nil, err
	}

	locations, err := openLocations(ctx, cfg, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	var keys crypto.KeyProvider
	if cfg.Backup.EncryptionEnabled {
		provider, err := crypto.NewTenantKeyProvider(cfg.Encryption.MasterKeyHex, cfg.Backup.TenantIsolation)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("key provider: %w", err)
		}
		keys = provider
	}
	sealer, err := backup.NewSealer(keys)
	if err != nil {
		a.close()
		return nil, err
	}

	dsns := make(map[string]string, len(cfg.Access))
	for region, access := range cfg.Access {
		dsns[region] = access.DSN
	}
	conns := ha.NewConnections(dsns)
	a.closers = append(a.closers, conns.Close)

	tracker := ha.NewRecoveryTracker(cfg.Backup, time.Now(), a.metrics, a.alerts, logger.Named("rpo"))
	monitor := ha.NewHealthMonitor(ha.MonitorConfig{
		Interval:         cfg.Health.Interval,
		CheckTimeout:     cfg.Health.CheckTimeout,
		FailThreshold:    cfg.Health.FailThreshold,
		RecoverThreshold: cfg.Health.RecoverThreshold,
		MinAvailability:  cfg.Health.MinAvailability,
		MaxLatency:       cfg.Health.MaxLatency,
		MaxErrorsPerMin:  cfg.Health.MaxErrorsPerMin,
	}, ha.NewPostgresProber(conns), registry, state, a.metrics, a.alerts, logger.Named("health"))

	clusters := kubeClusters(cfg, logger)
	ports := ha.ExecutorPorts{
		Checker:  monitor,
		Promoter: ha.NewPostgresPromoter(conns),
		Verifier: ha.NewPostgresSmokeVerifier(conns),
		Routing:  ha.NewHTTPRoutingControlPlane(cfg.Routing.URL, cfg.Routing.Token, cfg.Routing.Zone, logger.Named("routing")),
	}
	if targets := scaleTargets(cfg, clusters); len(targets) > 0 {
		ports.Scaler = ha.NewKubectlScaler(targets)
	}
	executor := ha.NewFailoverExecutor(ha.ExecutorConfig{
		RTO:                cfg.Backup.RTO(),
		PromotionTimeout:   cfg.Failover.PromotionTimeout,
		PromotionPoll:      cfg.Failover.PromotionPoll,
		StepTimeout:        cfg.Failover.StepTimeout,
		CapacityMultiplier: cfg.Failover.CapacityMultiplier,
	}, ports, registry, state, a.metrics, a.alerts, logger.Named("failover"))

	backupLogger := logger.Named("backup")
	databases := backup.NewDatabaseAgent(backup.PgDumper{Binary: "pg_dump"}, sealer, locations,
		registry.PrimaryID, state, a.metrics, backupLogger)
	var cluster *backup.ClusterAgent
	if len(cfg.Namespaces) > 0 {
		kc, ok := clusters[registry.PrimaryID()]
		if !ok {
			kc = k8s.NewKubectl(k8s.ExecRunner(cfg.Kubernetes.Kubectl), "", cfg.Kubernetes.SnapshotClass, logger.Named("k8s"))
		}
		cluster = backup.NewClusterAgent(kc, sealer, locations, registry.PrimaryID, state, a.metrics, backupLogger)
	}
	scheduler := backup.NewScheduler(backup.SchedulerConfig{
		Interval:   cfg.Backup.RPO(),
		Databases:  cfg.Databases,
		Namespaces: cfg.Namespaces,
		Volumes:    cfg.Volumes,
		Regions:    registry.Snapshot,
		OnSuccess:  tracker.RecordBackup,
	},
		databases, cluster,
		backup.NewReplicator(locations, state, a.metrics, backupLogger),
		backup.NewValidator(locations, state, a.alerts, a.metrics, backupLogger),
		backup.NewPurger(cfg.Backup.Retention(), locations, state, backupLogger),
		a.alerts, backupLogger)

	a.orch = ha.NewOrchestrator(ha.Components{
		Registry:  registry,
		Monitor:   monitor,
		Executor:  executor,
		Scheduler: scheduler,
		Drill:     ha.NewDrill(registry, monitor, state, sealer, locations, tracker, a.alerts, logger.Named("drill")),
		Tracker:   tracker,
		State:     state,
		Metrics:   a.metrics,
		Alerts:    a.alerts,
	}, cfg.Server.ShutdownDeadline, logger)
	return a, nil
}

func channels(cfg *config.Config) []alerting.Channel {
	var out []alerting.Channel
	if cfg.Alerting.WebhookURL != "" {
		out = append(out, alerting.NewWebhookChannel(cfg.Alerting.WebhookURL, alerting.SeverityWarning, cfg.Alerting.WebhookPerMin))
	}
	if cfg.Alerting.PagerURL != "" {
		out = append(out, alerting.NewPagerChannel(cfg.Alerting.PagerURL, cfg.Alerting.PagerRoutingKey, "drkeeper"))
	}
	return out
}

// openState is swapped in tests.
var openState = openStateStore

func openStateStore(ctx context.Context, cfg *config.Config) (database.Store, error) {
	if cfg.State.Driver == "memory" {
		return database.NewMemoryStore(), nil
	}
	pg, err := database.NewPostgres(cfg.State.DSN)
	if err != nil {
		return nil, err
	}
	if err := pg.Ping(ctx); err != nil {
		_ = pg.Close()
		return nil, fmt.Errorf("state database: %w", err)
	}
	if err := pg.CreateTables(ctx); err != nil {
		_ = pg.Close()
		return nil, fmt.Errorf("state schema: %w", err)
	}
	return pg, nil
}

// openLocations picks S3 when an endpoint or bucket region is configured,
// a local directory when a path is, and memory otherwise.
func openLocations(ctx context.Context, cfg *config.Config, logger *zap.Logger) (backup.Locations, error) {
	locations := make(backup.Locations, len(cfg.Backup.Regions))
	for _, region := range cfg.Backup.Regions {
		access := cfg.Access[region.ID]
		bucket := access.Bucket
		if bucket == "" {
			bucket = "drkeeper-" + region.ID
		}

		var store storage.ObjectStore
		switch {
		case access.S3Endpoint != "" || access.S3Region != "":
			s3store, err := storage.NewS3Store(ctx, storage.S3Config{
				Endpoint:  access.S3Endpoint,
				Region:    access.S3Region,
				AccessKey: access.AccessKey,
				SecretKey: access.SecretKey,
			}, logger.Named("s3").With(zap.String("region", region.ID)))
			if err != nil {
				return nil, fmt.Errorf("object store for %s: %w", region.ID, err)
			}
			store = s3store
		case access.LocalPath != "":
			local, err := storage.NewLocalStore(access.LocalPath)
			if err != nil {
				return nil, fmt.Errorf("object store for %s: %w", region.ID, err)
			}
			store = local
		default:
			logger.Warn("no object storage configured, using memory", zap.String("region", region.ID))
			store = storage.NewMemoryStore()
		}
		locations[region.ID] = backup.Location{Store: store, Bucket: bucket}
	}
	if len(locations) == 0 {
		return nil, errors.New("no backup locations configured")
	}
	return locations, nil
}

func kubeClusters(cfg *config.Config, logger *zap.Logger) map[string]*k8s.Kubectl {
	out := make(map[string]*k8s.Kubectl)
	for region, access := range cfg.Access {
		if access.KubeContext == "" {
			continue
		}
		out[region] = k8s.NewKubectl(k8s.ExecRunner(cfg.Kubernetes.Kubectl), access.KubeContext,
			cfg.Kubernetes.SnapshotClass, logger.Named("k8s").With(zap.String("region", region)))
	}
	return out
}

func scaleTargets(cfg *config.Config, clusters map[string]*k8s.Kubectl) map[string]ha.ScaleTarget {
	out := make(map[string]ha.ScaleTarget)
	for region, access := range cfg.Access {
		kc, ok := clusters[region]
		if !ok || access.Deployment == "" {
			continue
		}
		out[region] = ha.ScaleTarget{Cluster: kc, Namespace: access.Namespace, Deployment: access.Deployment}
	}
	return out
}
