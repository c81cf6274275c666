// Package syncers implements the per-kind resource syncers that classify
// Okta resources into plan items and carry out the corresponding Braintrust
// operations. The shared core implements the classification algorithm and
// per-item execution once; the user and group syncers supply kind-specific
// lookups, filters, and API calls.
package syncers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/idbridge/idbridge/pkg/clients"
	"github.com/idbridge/idbridge/pkg/config"
	"github.com/idbridge/idbridge/pkg/engine"
	"github.com/idbridge/idbridge/pkg/state"
)

// dryRunID is the sentinel destination ID reported for would-be mutations
// during a dry run.
const dryRunID = "dry_run_id"

// OktaDirectory is the Okta surface the syncers consume.
type OktaDirectory interface {
	ListUsers(ctx context.Context, filter string, limit int) ([]clients.OktaUser, error)
	ListGroups(ctx context.Context, filter string, limit int) ([]clients.OktaGroup, error)
	GetGroupMembers(ctx context.Context, groupID string) ([]clients.OktaUser, error)
	GetUserGroups(ctx context.Context, userID string) ([]clients.OktaGroup, error)
	HealthCheck(ctx context.Context) error
}

// BraintrustOrg is the per-organization Braintrust surface the syncers consume.
type BraintrustOrg interface {
	OrgName() string
	ListUsers(ctx context.Context, limit int) ([]clients.BraintrustUser, error)
	FindUserByEmail(ctx context.Context, email string) (*clients.BraintrustUser, error)
	InviteUser(ctx context.Context, email string, groupIDs []string) error
	RemoveUser(ctx context.Context, email string) error
	ListGroups(ctx context.Context, limit int) ([]clients.BraintrustGroup, error)
	FindGroupByName(ctx context.Context, name string) (*clients.BraintrustGroup, error)
	CreateGroup(ctx context.Context, name, description string, memberUsers []string) (*clients.BraintrustGroup, error)
	UpdateGroup(ctx context.Context, groupID string, updates map[string]interface{}) (*clients.BraintrustGroup, error)
	DeleteGroup(ctx context.Context, groupID string) error
	AddGroupMembers(ctx context.Context, groupID string, userIDs []string) (*clients.BraintrustGroup, error)
	RemoveGroupMembers(ctx context.Context, groupID string, userIDs []string) (*clients.BraintrustGroup, error)
	HealthCheck(ctx context.Context) error
}

// destIndex is the destination-side lookup built once per org per plan.
type destIndex struct {
	// idByKey maps destination identity key to destination ID.
	idByKey map[string]string

	// ids is the set of all destination IDs, used to verify that a mapped
	// resource still exists.
	ids map[string]bool
}

// kindOps is the kind-specific surface the shared core drives. Keys are
// source identity keys (email for users, Okta group name for groups).
type kindOps interface {
	resourceType() string

	// fetchSource lists source resources, caches them for later execution,
	// and returns their identity keys in listing order.
	fetchSource(ctx context.Context) ([]string, error)

	// fetchDestination lists destination resources for one org and builds
	// the lookup index, keyed by destination identity.
	fetchDestination(ctx context.Context, org string) (*destIndex, error)

	// destinationKey translates a source identity key into the destination
	// identity it maps to. Users keep the key as-is; groups apply the
	// configured name prefix and suffix.
	destinationKey(key string) string

	// shouldSync applies the kind's sync rules to one source resource.
	shouldSync(key, org string) (bool, error)

	// computeUpdates diffs the source resource against the destination
	// resource; an empty result means converged.
	computeUpdates(key, org, destID string) map[string]interface{}

	// create creates the destination resource and returns its ID.
	create(ctx context.Context, key, org string) (string, error)

	// update applies a previously computed diff.
	update(ctx context.Context, key, org, destID string, changes map[string]interface{}) error

	// deleteResource removes a managed destination resource.
	deleteResource(ctx context.Context, org string, managed *state.ManagedResource) error

	// deleteAllowed applies the kind's deletion policy. The returned reason
	// explains a refusal.
	deleteAllowed(managed *state.ManagedResource) (bool, string)
}

// core implements plan generation and execution shared by both kinds.
type core struct {
	ops    kindOps
	store  *state.Store
	rules  config.SyncRules
	logger zerolog.Logger
}

func newCore(ops kindOps, store *state.Store, rules config.SyncRules, logger zerolog.Logger) *core {
	return &core{
		ops:    ops,
		store:  store,
		rules:  rules,
		logger: logger.With().Str("component", ops.resourceType()+"_syncer").Logger(),
	}
}

// ResourceType returns the kind identifier.
func (c *core) ResourceType() string {
	return c.ops.resourceType()
}

// GeneratePlan enumerates source resources once, then classifies them
// against every target org's mappings and live destination listing.
func (c *core) GeneratePlan(ctx context.Context, targetOrgs []string) ([]engine.SyncPlanItem, error) {
	keys, err := c.ops.fetchSource(ctx)
	if err != nil {
		return nil, engine.NewTransientError("failed to list source resources", err).
			WithOperation("generate_plan").WithCode(engine.ErrCodeAPIFailed)
	}

	var items []engine.SyncPlanItem
	for _, org := range targetOrgs {
		orgItems, err := c.generateOrgPlan(ctx, org, keys)
		if err != nil {
			return nil, err
		}
		items = append(items, orgItems...)
	}

	c.logger.Info().
		Int("total_items", len(items)).
		Int("source_resources", len(keys)).
		Msg("Generated sync plan")
	return items, nil
}

func (c *core) generateOrgPlan(ctx context.Context, org string, keys []string) ([]engine.SyncPlanItem, error) {
	st := c.store.Current()
	if st == nil {
		c.logger.Warn().Str("braintrust_org", org).Msg("No current sync state available")
		return nil, nil
	}

	dest, err := c.ops.fetchDestination(ctx, org)
	if err != nil {
		return nil, engine.NewTransientError("failed to list destination resources", err).
			WithOrg(org).WithOperation("generate_plan").WithCode(engine.ErrCodeAPIFailed)
	}

	kind := c.ops.resourceType()
	sourceSet := make(map[string]bool, len(keys))
	var items []engine.SyncPlanItem

	for _, key := range keys {
		sourceSet[key] = true

		include, err := c.ops.shouldSync(key, org)
		if err != nil {
			// Fail open: an internal filter error must never silently drop
			// a resource, so the resource stays in the plan.
			c.logger.Warn().Err(err).
				Str("okta_resource_id", key).
				Str("braintrust_org", org).
				Msg("Sync filter failed, including resource")
			include = true
		}
		if !include {
			continue
		}

		items = append(items, c.classify(st, dest, key, org, kind))
	}

	if c.rules.RemoveExtra {
		items = append(items, c.planDeletions(st, org, kind, sourceSet)...)
	}

	c.logger.Debug().
		Str("braintrust_org", org).
		Int("plan_items", len(items)).
		Msg("Generated organization sync plan")
	return items, nil
}

// classify decides the action for one source resource in one org.
func (c *core) classify(st *state.SyncState, dest *destIndex, key, org, kind string) engine.SyncPlanItem {
	item := engine.SyncPlanItem{
		OktaResourceID: key,
		ResourceType:   kind,
		BraintrustOrg:  org,
	}

	if mapping := st.GetMapping(key, org, kind); mapping != nil {
		if !dest.ids[mapping.BraintrustID] {
			// Self-healing recreate: the mapped resource was deleted
			// out-of-band.
			item.Action = engine.ActionCreate
			item.Reason = "Mapped resource missing in Braintrust"
			return item
		}
		item.ExistingBraintrustID = mapping.BraintrustID
		if updates := c.ops.computeUpdates(key, org, mapping.BraintrustID); len(updates) > 0 {
			item.Action = engine.ActionUpdate
			item.Reason = "Updates needed: " + joinKeys(updates)
			item.ProposedChanges = updates
		} else {
			item.Action = engine.ActionSkip
			item.Reason = "Resource is up to date"
		}
		return item
	}

	if destID, found := dest.idByKey[c.ops.destinationKey(key)]; found {
		item.ExistingBraintrustID = destID
		if updates := c.ops.computeUpdates(key, org, destID); len(updates) > 0 {
			item.Action = engine.ActionUpdate
			item.Reason = "Untracked resource needs updates: " + joinKeys(updates)
			item.ProposedChanges = updates
		} else {
			item.Action = engine.ActionSkip
			item.Reason = "Untracked resource is up to date"
		}
		return item
	}

	if c.rules.CreateMissing {
		item.Action = engine.ActionCreate
		item.Reason = "New resource from Okta"
	} else {
		item.Action = engine.ActionSkip
		item.Reason = "Creation disabled in sync rules"
	}
	return item
}

// planDeletions emits delete items for managed destination resources whose
// source no longer exists. Deletion stays opt-in: this runs only when
// remove_extra is set, and the kind's deletion policy still applies per item.
func (c *core) planDeletions(st *state.SyncState, org, kind string, sourceSet map[string]bool) []engine.SyncPlanItem {
	candidates := st.ManagedResourcesFor(org, kind)
	tracked := make(map[string]bool, len(candidates))
	for _, managed := range candidates {
		tracked[managed.OktaID] = true
	}
	// Mappings without an ownership record still identify destinations we
	// placed there (state written before ownership tracking, or a restored
	// mappings file). Treat them as adopted rather than sync-created, so the
	// sync_created_only policy blocks them.
	for _, mapping := range st.MappingsFor(org, kind) {
		if tracked[mapping.OktaID] {
			continue
		}
		candidates = append(candidates, &state.ManagedResource{
			ResourceType:  kind,
			OktaID:        mapping.OktaID,
			BraintrustID:  mapping.BraintrustID,
			BraintrustOrg: org,
			FirstSeen:     mapping.CreatedAt,
			LastSeen:      mapping.UpdatedAt,
		})
	}

	var items []engine.SyncPlanItem
	for _, managed := range candidates {
		if sourceSet[managed.OktaID] {
			continue
		}
		allowed, refusal := c.ops.deleteAllowed(managed)
		if !allowed {
			c.logger.Info().
				Str("okta_resource_id", managed.OktaID).
				Str("braintrust_org", org).
				Str("refusal", refusal).
				Msg("Deletion blocked by policy")
			continue
		}
		items = append(items, engine.SyncPlanItem{
			OktaResourceID:       managed.OktaID,
			ResourceType:         kind,
			BraintrustOrg:        org,
			Action:               engine.ActionDelete,
			Reason:               "Source resource no longer exists in Okta",
			ExistingBraintrustID: managed.BraintrustID,
		})
	}
	return items
}

// ExecutePlanItems executes items sequentially; concurrency is the
// executor's responsibility. Item-level failures, including panics from
// programmer errors, become error results so one bad item never aborts the
// rest of the batch.
func (c *core) ExecutePlanItems(ctx context.Context, items []engine.SyncPlanItem, dryRun bool) ([]engine.SyncResult, error) {
	if len(items) == 0 {
		return nil, nil
	}

	actions := make(map[engine.SyncAction]int)
	for _, item := range items {
		actions[item.Action]++
	}
	c.logger.Info().
		Int("total_items", len(items)).
		Bool("dry_run", dryRun).
		Interface("actions", actions).
		Msg("Executing sync plan items")

	results := make([]engine.SyncResult, 0, len(items))
	for _, item := range items {
		results = append(results, c.executeItem(ctx, item, dryRun))
	}

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	c.logger.Info().
		Int("total", len(results)).
		Int("success", succeeded).
		Int("errors", len(results)-succeeded).
		Msg("Sync plan execution completed")
	return results, nil
}

func (c *core) executeItem(ctx context.Context, item engine.SyncPlanItem, dryRun bool) (result engine.SyncResult) {
	operationID := uuid.NewString()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Str("okta_resource_id", item.OktaResourceID).
				Interface("panic", r).
				Msg("Plan item execution panicked")
			result = c.errorResult(operationID, item, fmt.Sprintf("internal error: %v", r))
		}
	}()

	op := &state.SyncOperation{
		OperationID:   operationID,
		OperationType: string(item.Action),
		ResourceType:  c.ops.resourceType(),
		OktaID:        item.OktaResourceID,
		BraintrustID:  item.ExistingBraintrustID,
		BraintrustOrg: item.BraintrustOrg,
		Status:        state.OperationInProgress,
		StartedAt:     time.Now().UTC(),
		Metadata:      item.Metadata,
	}
	st := c.store.Current()
	if st != nil {
		st.AddOperation(op)
	}

	switch item.Action {
	case engine.ActionSkip:
		op.MarkCompleted(item.ExistingBraintrustID)
		return engine.SyncResult{
			OperationID:    operationID,
			OktaResourceID: item.OktaResourceID,
			BraintrustID:   item.ExistingBraintrustID,
			BraintrustOrg:  item.BraintrustOrg,
			Action:         engine.ActionSkip,
			Success:        true,
			ResourceType:   c.ops.resourceType(),
			Metadata:       map[string]interface{}{"reason": item.Reason},
		}
	case engine.ActionCreate:
		return c.executeCreate(ctx, item, op, dryRun)
	case engine.ActionUpdate:
		return c.executeUpdate(ctx, item, op, dryRun)
	case engine.ActionDelete:
		return c.executeDelete(ctx, item, op, dryRun)
	default:
		msg := fmt.Sprintf("unknown sync action: %s", item.Action)
		op.MarkFailed(msg)
		return c.errorResult(operationID, item, msg)
	}
}

func (c *core) executeCreate(ctx context.Context, item engine.SyncPlanItem, op *state.SyncOperation, dryRun bool) engine.SyncResult {
	if dryRun {
		c.logger.Info().
			Str("okta_resource_id", item.OktaResourceID).
			Str("braintrust_org", item.BraintrustOrg).
			Msg("DRY RUN: Would create resource")
		op.MarkCompleted(dryRunID)
		return engine.SyncResult{
			OperationID:    op.OperationID,
			OktaResourceID: item.OktaResourceID,
			BraintrustID:   dryRunID,
			BraintrustOrg:  item.BraintrustOrg,
			Action:         engine.ActionCreate,
			Success:        true,
			ResourceType:   c.ops.resourceType(),
			Metadata:       map[string]interface{}{"dry_run": true},
		}
	}

	braintrustID, err := c.ops.create(ctx, item.OktaResourceID, item.BraintrustOrg)
	if err != nil {
		op.MarkFailed(err.Error())
		return c.errorResult(op.OperationID, item, err.Error())
	}

	if st := c.store.Current(); st != nil {
		st.AddMapping(item.OktaResourceID, braintrustID, item.BraintrustOrg, c.ops.resourceType())
		st.RecordManagedResource(item.OktaResourceID, braintrustID, item.BraintrustOrg, c.ops.resourceType(), true)
	}
	op.MarkCompleted(braintrustID)

	c.logger.Info().
		Str("okta_resource_id", item.OktaResourceID).
		Str("braintrust_id", braintrustID).
		Str("braintrust_org", item.BraintrustOrg).
		Msg("Created resource")
	return engine.SyncResult{
		OperationID:    op.OperationID,
		OktaResourceID: item.OktaResourceID,
		BraintrustID:   braintrustID,
		BraintrustOrg:  item.BraintrustOrg,
		Action:         engine.ActionCreate,
		Success:        true,
		ResourceType:   c.ops.resourceType(),
	}
}

func (c *core) executeUpdate(ctx context.Context, item engine.SyncPlanItem, op *state.SyncOperation, dryRun bool) engine.SyncResult {
	if item.ExistingBraintrustID == "" {
		msg := "update operation requires an existing Braintrust ID"
		op.MarkFailed(msg)
		return c.errorResult(op.OperationID, item, msg)
	}

	if dryRun {
		c.logger.Info().
			Str("okta_resource_id", item.OktaResourceID).
			Str("braintrust_id", item.ExistingBraintrustID).
			Interface("updates", item.ProposedChanges).
			Msg("DRY RUN: Would update resource")
		op.MarkCompleted(item.ExistingBraintrustID)
		return engine.SyncResult{
			OperationID:    op.OperationID,
			OktaResourceID: item.OktaResourceID,
			BraintrustID:   item.ExistingBraintrustID,
			BraintrustOrg:  item.BraintrustOrg,
			Action:         engine.ActionUpdate,
			Success:        true,
			ResourceType:   c.ops.resourceType(),
			Metadata: map[string]interface{}{
				"dry_run":          true,
				"proposed_changes": item.ProposedChanges,
			},
		}
	}

	if err := c.ops.update(ctx, item.OktaResourceID, item.BraintrustOrg, item.ExistingBraintrustID, item.ProposedChanges); err != nil {
		op.MarkFailed(err.Error())
		return c.errorResult(op.OperationID, item, err.Error())
	}

	if st := c.store.Current(); st != nil {
		// Updating an untracked resource adopts it: record the mapping so
		// the next run plans against it instead of rediscovering it.
		st.AddMapping(item.OktaResourceID, item.ExistingBraintrustID, item.BraintrustOrg, c.ops.resourceType())
		st.RecordManagedResource(item.OktaResourceID, item.ExistingBraintrustID, item.BraintrustOrg, c.ops.resourceType(), false)
	}
	op.MarkCompleted(item.ExistingBraintrustID)

	c.logger.Info().
		Str("okta_resource_id", item.OktaResourceID).
		Str("braintrust_id", item.ExistingBraintrustID).
		Interface("updates", item.ProposedChanges).
		Msg("Updated resource")
	return engine.SyncResult{
		OperationID:    op.OperationID,
		OktaResourceID: item.OktaResourceID,
		BraintrustID:   item.ExistingBraintrustID,
		BraintrustOrg:  item.BraintrustOrg,
		Action:         engine.ActionUpdate,
		Success:        true,
		ResourceType:   c.ops.resourceType(),
		Metadata:       map[string]interface{}{"applied_changes": item.ProposedChanges},
	}
}

func (c *core) executeDelete(ctx context.Context, item engine.SyncPlanItem, op *state.SyncOperation, dryRun bool) engine.SyncResult {
	st := c.store.Current()
	kind := c.ops.resourceType()

	if dryRun {
		c.logger.Info().
			Str("okta_resource_id", item.OktaResourceID).
			Str("braintrust_id", item.ExistingBraintrustID).
			Msg("DRY RUN: Would delete resource")
		op.MarkCompleted(item.ExistingBraintrustID)
		return engine.SyncResult{
			OperationID:    op.OperationID,
			OktaResourceID: item.OktaResourceID,
			BraintrustID:   item.ExistingBraintrustID,
			BraintrustOrg:  item.BraintrustOrg,
			Action:         engine.ActionDelete,
			Success:        true,
			ResourceType:   kind,
			Metadata:       map[string]interface{}{"dry_run": true},
		}
	}

	managed := &state.ManagedResource{
		ResourceType:  kind,
		OktaID:        item.OktaResourceID,
		BraintrustID:  item.ExistingBraintrustID,
		BraintrustOrg: item.BraintrustOrg,
	}
	if err := c.ops.deleteResource(ctx, item.BraintrustOrg, managed); err != nil {
		op.MarkFailed(err.Error())
		return c.errorResult(op.OperationID, item, err.Error())
	}

	if st != nil {
		st.RemoveMapping(item.OktaResourceID, item.BraintrustOrg, kind)
		st.RemoveManagedResource(item.OktaResourceID, item.BraintrustOrg, kind)
	}
	op.MarkCompleted(item.ExistingBraintrustID)

	c.logger.Info().
		Str("okta_resource_id", item.OktaResourceID).
		Str("braintrust_id", item.ExistingBraintrustID).
		Str("braintrust_org", item.BraintrustOrg).
		Msg("Deleted resource")
	return engine.SyncResult{
		OperationID:    op.OperationID,
		OktaResourceID: item.OktaResourceID,
		BraintrustID:   item.ExistingBraintrustID,
		BraintrustOrg:  item.BraintrustOrg,
		Action:         engine.ActionDelete,
		Success:        true,
		ResourceType:   kind,
	}
}

func (c *core) errorResult(operationID string, item engine.SyncPlanItem, message string) engine.SyncResult {
	return engine.SyncResult{
		OperationID:    operationID,
		OktaResourceID: item.OktaResourceID,
		BraintrustOrg:  item.BraintrustOrg,
		Action:         engine.ActionError,
		Success:        false,
		ResourceType:   c.ops.resourceType(),
		ErrorMessage:   message,
	}
}

func joinKeys(m map[string]interface{}) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}
