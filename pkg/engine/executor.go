package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/idbridge/idbridge/pkg/config"
	"github.com/idbridge/idbridge/pkg/state"
	"github.com/idbridge/idbridge/pkg/telemetry"
)

// Executor drives a sync plan through its phase machine: initializing,
// users, groups, finalizing, drift detection, completed. User items always
// run before group items; within a phase, items run on a bounded worker
// pool.
type Executor struct {
	syncers  map[string]ResourceSyncer
	store    *state.Store
	audit    AuditSink
	drift    map[string]DriftInspector
	settings config.SyncSettings
	deletion config.DeletionConfig
	metrics  *telemetry.Metrics
	logger   zerolog.Logger

	mu        sync.Mutex
	callbacks []ProgressCallback
}

// NewExecutor builds an executor over the given syncers, keyed by resource
// type. The drift map provides per-org inspectors for the observational
// drift pass; audit may be a no-op sink but must not be nil.
func NewExecutor(
	syncers []ResourceSyncer,
	store *state.Store,
	audit AuditSink,
	drift map[string]DriftInspector,
	settings config.SyncSettings,
	deletion config.DeletionConfig,
	metrics *telemetry.Metrics,
	logger zerolog.Logger,
) *Executor {
	byType := make(map[string]ResourceSyncer, len(syncers))
	for _, s := range syncers {
		byType[s.ResourceType()] = s
	}
	return &Executor{
		syncers:  byType,
		store:    store,
		audit:    audit,
		drift:    drift,
		settings: settings,
		deletion: deletion,
		metrics:  metrics,
		logger:   logger.With().Str("component", "executor").Logger(),
	}
}

// OnProgress registers a callback invoked with progress snapshots at phase
// boundaries and periodically during item execution.
func (e *Executor) OnProgress(cb ProgressCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, cb)
}

// ExecuteSyncPlan runs the plan to completion. The returned progress is
// always non-nil, even on error; callers inspect it for per-item outcomes.
// With continue_on_error disabled, the first failed item aborts the run.
func (e *Executor) ExecuteSyncPlan(ctx context.Context, plan *SyncPlan, dryRun bool) (*ExecutionProgress, error) {
	executionID := fmt.Sprintf("exec_%d", time.Now().Unix())
	progress := NewExecutionProgress(executionID, plan)

	mode := "apply"
	if dryRun {
		mode = "dry_run"
	}
	e.metrics.RecordSyncStarted(mode)

	e.logger.Info().
		Str("execution_id", executionID).
		Str("plan_id", plan.PlanID).
		Int("total_items", plan.TotalItems).
		Bool("dry_run", dryRun).
		Msg("Starting sync plan execution")

	if err := e.audit.StartExecution(executionID, plan.PlanID); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to start audit trail")
	}
	for _, item := range plan.AllItems() {
		if err := e.audit.LogPlanItem(item, executionID, "planning"); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to audit plan item")
		}
	}

	err := e.run(ctx, plan, progress, dryRun)

	status := "completed"
	auditErr := ""
	if err != nil {
		status = "failed"
		auditErr = err.Error()
		progress.SetPhase(PhaseFailed)
		progress.RecordError(fmt.Sprintf("Sync execution failed: %v", err))
		e.logger.Error().Err(err).
			Str("execution_id", executionID).
			Str("plan_id", plan.PlanID).
			Msg("Sync plan execution failed")
	} else {
		progress.SetPhase(PhaseCompleted)
		completed, failed, skipped := progress.Counts()
		e.logger.Info().
			Str("execution_id", executionID).
			Str("plan_id", plan.PlanID).
			Int("completed_items", completed).
			Int("failed_items", failed).
			Int("skipped_items", skipped).
			Dur("duration", progress.Duration()).
			Msg("Sync plan execution completed")
	}

	e.metrics.RecordSyncCompleted(status, progress.Duration())
	if auditComplete := e.audit.CompleteExecution(executionID, err == nil, auditErr); auditComplete != nil {
		e.logger.Warn().Err(auditComplete).Msg("Failed to complete audit trail")
	}
	e.notify(progress)
	return progress, err
}

func (e *Executor) run(ctx context.Context, plan *SyncPlan, progress *ExecutionProgress, dryRun bool) error {
	progress.SetPhase(PhaseInitializing)
	e.notify(progress)
	if err := e.initialize(plan, progress); err != nil {
		return err
	}

	if len(plan.UserItems) > 0 {
		progress.SetPhase(PhaseUsers)
		e.notify(progress)
		if err := e.executePhase(ctx, ResourceTypeUser, plan.UserItems, progress, dryRun); err != nil {
			return err
		}
	}

	if len(plan.GroupItems) > 0 {
		progress.SetPhase(PhaseGroups)
		e.notify(progress)
		if err := e.executePhase(ctx, ResourceTypeGroup, plan.GroupItems, progress, dryRun); err != nil {
			return err
		}
	}

	progress.SetPhase(PhaseFinalizing)
	e.notify(progress)
	e.finalize(progress, dryRun)

	progress.SetPhase(PhaseDriftDetection)
	e.notify(progress)
	e.detectDrift(ctx, plan, progress)

	return ctx.Err()
}

func (e *Executor) initialize(plan *SyncPlan, progress *ExecutionProgress) error {
	st := e.store.Current()
	if st == nil {
		st = e.store.CreateState(progress.ExecutionID, map[string]interface{}{
			"plan_id": plan.PlanID,
		})
	}
	if !e.store.SaveState(st) {
		return NewPermanentError("failed to save initial sync state", nil).
			WithOperation("initialize").WithCode(ErrCodeStateIO)
	}
	e.logger.Debug().
		Str("execution_id", progress.ExecutionID).
		Str("sync_id", st.SyncID).
		Msg("Initialized sync execution")
	return nil
}

// executePhase runs one resource type's items on a bounded worker pool.
// Items are dispatched one at a time so a failure is attributable to a
// single resource.
func (e *Executor) executePhase(ctx context.Context, resourceType string, items []SyncPlanItem, progress *ExecutionProgress, dryRun bool) error {
	syncer, ok := e.syncers[resourceType]
	if !ok {
		return NewPermanentError(
			fmt.Sprintf("no syncer registered for resource type %q", resourceType), nil).
			WithCode(ErrCodeConfiguration)
	}

	e.logger.Info().
		Str("resource_type", resourceType).
		Int("items", len(items)).
		Bool("dry_run", dryRun).
		Msg("Starting sync phase")

	workers := e.settings.MaxConcurrentOperations
	if workers < 1 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}

	phaseCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan SyncPlanItem)
	var (
		wg       sync.WaitGroup
		failOnce sync.Once
		failErr  error
	)

	abort := func(err error) {
		failOnce.Do(func() {
			failErr = err
			cancel()
		})
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range jobs {
				if phaseCtx.Err() != nil {
					return
				}
				e.executeItem(phaseCtx, syncer, item, progress, dryRun, abort)
			}
		}()
	}

dispatch:
	for _, item := range items {
		select {
		case jobs <- item:
		case <-phaseCtx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	completed, failed, _ := progress.Counts()
	e.logger.Info().
		Str("resource_type", resourceType).
		Int("total_items", len(items)).
		Int("completed", completed).
		Int("failed", failed).
		Msg("Completed sync phase")

	if failErr != nil {
		return failErr
	}
	return ctx.Err()
}

func (e *Executor) executeItem(ctx context.Context, syncer ResourceSyncer, item SyncPlanItem, progress *ExecutionProgress, dryRun bool, abort func(error)) {
	// The deletion dry-run override demotes real deletions to dry-run
	// without affecting the rest of the plan.
	if item.Action == ActionDelete && e.deletion.DryRunOverride && !dryRun {
		dryRun = true
		e.logger.Info().
			Str("okta_resource_id", item.OktaResourceID).
			Msg("Deletion dry-run override active, not deleting")
	}

	start := time.Now()
	results, err := syncer.ExecutePlanItems(ctx, []SyncPlanItem{item}, dryRun)
	if err != nil {
		progress.RecordError(fmt.Sprintf("Failed to execute %s item %s: %v",
			item.ResourceType, item.OktaResourceID, err))
		progress.RecordResult(SyncResult{
			OktaResourceID: item.OktaResourceID,
			BraintrustOrg:  item.BraintrustOrg,
			Action:         ActionError,
			ResourceType:   item.ResourceType,
			ErrorMessage:   err.Error(),
		})
		e.metrics.RecordItemExecution(string(item.Action), "error", item.ResourceType, time.Since(start))
		if !e.settings.ContinueOnError {
			abort(err)
		}
		return
	}

	for _, result := range results {
		progress.RecordResult(result)
		if auditErr := e.audit.LogResult(result, progress.ExecutionID); auditErr != nil {
			e.logger.Warn().Err(auditErr).Msg("Failed to audit sync result")
		}

		status := "success"
		if !result.Success {
			status = "error"
			e.logger.Warn().
				Str("resource_type", result.ResourceType).
				Str("okta_resource_id", result.OktaResourceID).
				Str("error", result.ErrorMessage).
				Bool("continue_on_error", e.settings.ContinueOnError).
				Msg("Sync item execution failed")
			if !e.settings.ContinueOnError {
				abort(fmt.Errorf("sync item %s failed: %s", result.OktaResourceID, result.ErrorMessage))
			}
		}
		e.metrics.RecordItemExecution(string(result.Action), status, result.ResourceType, time.Since(start))
	}

	completed, failed, skipped := progress.Counts()
	if (completed+failed+skipped)%10 == 0 {
		e.notify(progress)
	}
}

// finalize folds the run outcome into the sync state, persists it, and
// checkpoints. A failed save is recorded but never fails the run at this
// point; the item results already happened.
func (e *Executor) finalize(progress *ExecutionProgress, dryRun bool) {
	st := e.store.Current()
	if st == nil {
		return
	}

	st.Finalize(progress.Failed())
	if !e.store.SaveState(st) {
		progress.RecordError("Finalization failed: could not save sync state")
		return
	}
	if !dryRun {
		e.store.CreateCheckpoint(fmt.Sprintf("execution_%s_completed", progress.ExecutionID))
	}

	completed, failed, skipped := progress.Counts()
	e.logger.Info().
		Str("execution_id", progress.ExecutionID).
		Int("completed_items", completed).
		Int("failed_items", failed).
		Int("skipped_items", skipped).
		Bool("dry_run", dryRun).
		Msg("Finalized sync execution")
}

// detectDrift compares the recorded role and ACL hashes against the live
// destination per org. Drift findings are warnings only and never change
// the run verdict. After comparing, the pass re-baselines: live grants
// attributed to managed groups are recorded so the next run has something
// to compare against.
func (e *Executor) detectDrift(ctx context.Context, plan *SyncPlan, progress *ExecutionProgress) {
	for _, org := range plan.TargetOrganizations {
		inspector, ok := e.drift[org]
		if !ok {
			continue
		}

		roles, err := inspector.RoleSnapshots(ctx)
		if err != nil {
			progress.RecordError(fmt.Sprintf("Drift detection failed for %s: %v", org, err))
			e.logger.Error().Err(err).Str("braintrust_org", org).Msg("Drift detection error")
			continue
		}
		acls, err := inspector.ACLSnapshots(ctx)
		if err != nil {
			progress.RecordError(fmt.Sprintf("Drift detection failed for %s: %v", org, err))
			e.logger.Error().Err(err).Str("braintrust_org", org).Msg("Drift detection error")
			continue
		}

		warnings := e.store.DetectDrift(roles, acls, org)
		for _, w := range warnings {
			progress.RecordWarning(fmt.Sprintf("Drift detected in %s: %s", org, w.Description))
			e.metrics.RecordDriftWarning(w.ResourceType, w.Severity)
			e.logger.Warn().
				Str("braintrust_org", org).
				Str("resource_type", w.ResourceType).
				Str("resource_id", w.ResourceID).
				Str("severity", w.Severity).
				Str("description", w.Description).
				Msg("Resource drift detected")
		}
		if len(warnings) == 0 {
			e.logger.Debug().Str("braintrust_org", org).Msg("No drift detected")
		}

		e.recordManagedGrants(org, roles, acls)
	}

	if st := e.store.Current(); st != nil {
		e.store.SaveState(st)
	}
}

// recordManagedGrants records the live ACLs granted to managed groups, and
// the roles those grants reference, as the drift baseline for the next run.
func (e *Executor) recordManagedGrants(org string, roles []state.RoleSnapshot, acls []state.ACLSnapshot) {
	st := e.store.Current()
	if st == nil {
		return
	}

	managedGroups := make(map[string]bool)
	for _, r := range st.ManagedResourcesFor(org, ResourceTypeGroup) {
		managedGroups[r.BraintrustID] = true
	}
	if len(managedGroups) == 0 {
		return
	}

	rolesByID := make(map[string]state.RoleSnapshot, len(roles))
	for _, r := range roles {
		rolesByID[r.ID] = r
	}

	now := time.Now().UTC()
	recorded := 0
	for _, acl := range acls {
		if acl.GroupID == "" || !managedGroups[acl.GroupID] {
			continue
		}
		st.RecordManagedACL(&state.ACLState{
			ACLID:         acl.ID,
			ObjectType:    acl.ObjectType,
			ObjectID:      acl.ObjectID,
			BraintrustOrg: org,
			ConfigHash:    state.HashACLSnapshot(acl),
			LastApplied:   now,
		})
		recorded++
		if role, ok := rolesByID[acl.RoleID]; ok {
			st.RecordManagedRole(&state.RoleState{
				RoleID:        role.ID,
				RoleName:      role.Name,
				BraintrustOrg: org,
				ConfigHash:    state.HashRoleSnapshot(role),
				LastApplied:   now,
			})
		}
	}
	if recorded > 0 {
		e.logger.Debug().
			Str("braintrust_org", org).
			Int("acls", recorded).
			Msg("Recorded managed grants for drift baseline")
	}
}

func (e *Executor) notify(progress *ExecutionProgress) {
	e.mu.Lock()
	callbacks := append([]ProgressCallback(nil), e.callbacks...)
	e.mu.Unlock()

	if len(callbacks) == 0 {
		return
	}
	snap := progress.Snapshot()
	for _, cb := range callbacks {
		cb(snap)
	}
}
