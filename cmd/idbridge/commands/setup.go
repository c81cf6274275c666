package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/idbridge/idbridge/pkg/audit"
	"github.com/idbridge/idbridge/pkg/clients"
	"github.com/idbridge/idbridge/pkg/config"
	"github.com/idbridge/idbridge/pkg/engine"
	"github.com/idbridge/idbridge/pkg/state"
	"github.com/idbridge/idbridge/pkg/syncers"
	"github.com/idbridge/idbridge/pkg/telemetry"
)

// runtime bundles everything a command needs: configuration, telemetry,
// clients, the state store, and the assembled planner and executor.
type runtime struct {
	cfg      *config.Config
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	store    *state.Store
	okta     *clients.OktaClient
	orgs     map[string]*clients.BraintrustClient
	audit    engine.AuditSink
	planner  *engine.Planner
	executor *engine.Executor
}

// newRuntime loads the config file and wires the full component graph. The
// --verbose flag lowers the log level to debug regardless of config.
func newRuntime(version string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = version
	if verbose {
		tcfg.Logging.Level = "debug"
	}
	if jsonOutput {
		tcfg.Logging.Format = "json"
	}

	logger, err := telemetry.NewLogger(tcfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("setting up logging: %w", err)
	}
	metrics, err := telemetry.NewMetrics(tcfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("setting up metrics: %w", err)
	}
	tracer, err := telemetry.NewTracer(tcfg.Tracing, tcfg.ServiceName, tcfg.ServiceVersion, tcfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}

	store, err := state.NewStore(cfg.State.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	okta := clients.NewOktaClient(cfg.Okta, logger, metrics)

	orgs := make(map[string]*clients.BraintrustClient, len(cfg.Braintrust.Orgs))
	for name, creds := range cfg.Braintrust.Orgs {
		orgs[name] = clients.NewBraintrustClient(name, creds, cfg.Braintrust, logger, metrics)
	}

	var auditSink engine.AuditSink = noopAudit{}
	if cfg.Audit.Enabled {
		auditLogger, err := audit.NewLogger(cfg.Audit.Dir, cfg.Audit.RetentionDays, logger)
		if err != nil {
			return nil, fmt.Errorf("opening audit log: %w", err)
		}
		auditSink = auditLogger
	}

	syncerOrgs := make(map[string]syncers.BraintrustOrg, len(orgs))
	health := make(map[string]engine.HealthChecker, len(orgs))
	drift := make(map[string]engine.DriftInspector, len(orgs))
	for name, client := range orgs {
		syncerOrgs[name] = client
		health[name] = client
		drift[name] = client
	}

	userSyncer, err := syncers.NewUserSyncer(okta, syncerOrgs, cfg.Sync.Users, cfg.Deletion.Users, store, logger)
	if err != nil {
		return nil, err
	}
	groupSyncer := syncers.NewGroupSyncer(okta, syncerOrgs, cfg.Sync.Groups, cfg.Deletion.Groups, store, logger)

	resourceSyncers := []engine.ResourceSyncer{userSyncer, groupSyncer}
	planner := engine.NewPlanner(cfg, resourceSyncers, store, okta, health, metrics, logger)
	executor := engine.NewExecutor(resourceSyncers, store, auditSink, drift, cfg.Sync, cfg.Deletion, metrics, logger)

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
		store:    store,
		okta:     okta,
		orgs:     orgs,
		audit:    auditSink,
		planner:  planner,
		executor: executor,
	}, nil
}

// ensureState makes sure a current sync state exists, creating a fresh one
// seeded with the persistent mappings when none does.
func (r *runtime) ensureState(syncID string) *state.SyncState {
	if st := r.store.Current(); st != nil {
		return st
	}
	return r.store.CreateState(syncID, map[string]interface{}{
		"okta_domain": r.cfg.Okta.Domain,
	})
}

func (r *runtime) close(ctx context.Context) {
	if err := r.tracer.Shutdown(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Tracer shutdown failed")
	}
}

// noopAudit satisfies the audit sink interface when auditing is disabled.
type noopAudit struct{}

func (noopAudit) StartExecution(executionID, planID string) error       { return nil }
func (noopAudit) LogPlanItem(engine.SyncPlanItem, string, string) error { return nil }
func (noopAudit) LogResult(engine.SyncResult, string) error             { return nil }
func (noopAudit) CompleteExecution(string, bool, string) error          { return nil }
