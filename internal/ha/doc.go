// Package ha keeps a single writable primary region available.
//
// # Overview
//
// The package combines five pieces:
//   - RegionRegistry: the role assignment of every region, copied on read
//   - HealthMonitor: per-region health state machine with hysteresis
//   - Decide / SelectCandidate: pure failover decision over a snapshot set
//   - FailoverExecutor: the audited six-step failover sequence
//   - Orchestrator: owns the loops, turns outcomes into alerts
//
// # Health state machine
//
//	unknown ──pass──▶ healthy ◀──M passes── degraded
//	                     │                     ▲
//	                     └──threshold breach───┘
//	any ──N consecutive failed checks──▶ failed ──M passes──▶ healthy
//
// N (FailThreshold) and M (RecoverThreshold) default to 2. A check that
// cannot reach the region or times out counts as failed; it is never
// returned as an error.
//
// # Failover
//
// A failover is triggered only when the primary's snapshot is failed. The
// target is the healthy replica with the lowest priority, then the lowest
// replication lag. Steps run strictly in order:
//
//	revalidate_target → promote_replica → update_routing →
//	scale_capacity → smoke_verify → reclassify_old_primary
//
// A failing step stops the sequence. Nothing is rolled back; the persisted
// FailoverEvent shows how far it got and a critical alert asks for manual
// action. The demoted primary becomes quarantined and returns to the
// replica pool only through Orchestrator.ReadmitRegion.
//
// # Quick start
//
//	registry, _ := ha.NewRegionRegistry(cfg.Backup.Regions)
//	monitor := ha.NewHealthMonitor(ha.DefaultMonitorConfig(), prober, registry, state, reg, alerts, logger)
//	executor := ha.NewFailoverExecutor(ha.DefaultExecutorConfig(), ports, registry, state, reg, alerts, logger)
//	orch := ha.NewOrchestrator(ha.Components{...}, 2*time.Minute, logger)
//	_ = orch.Start(ctx)
//	defer orch.Shutdown(context.Background())
package ha
