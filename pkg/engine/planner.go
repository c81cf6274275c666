package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/idbridge/idbridge/pkg/config"
	"github.com/idbridge/idbridge/pkg/state"
	"github.com/idbridge/idbridge/pkg/telemetry"
)

// Planner builds sync plans by running every resource syncer against the
// target organizations and stitching the items into one ordered plan.
type Planner struct {
	cfg     *config.Config
	syncers []ResourceSyncer
	store   *state.Store
	okta    HealthChecker
	orgs    map[string]HealthChecker
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

// NewPlanner builds a planner. Syncers must be ordered user-first; the plan
// preserves their ordering for execution.
func NewPlanner(
	cfg *config.Config,
	syncers []ResourceSyncer,
	store *state.Store,
	okta HealthChecker,
	orgs map[string]HealthChecker,
	metrics *telemetry.Metrics,
	logger zerolog.Logger,
) *Planner {
	return &Planner{
		cfg:     cfg,
		syncers: syncers,
		store:   store,
		okta:    okta,
		orgs:    orgs,
		metrics: metrics,
		logger:  logger.With().Str("component", "planner").Logger(),
	}
}

// GeneratePlan produces a complete sync plan for the given organizations
// and resource kinds. An empty org list targets every configured
// organization; an empty kind list covers every registered syncer. Unknown
// orgs or kinds fail the whole call before any listing happens. Kinds whose
// sync rules are disabled are skipped even when requested explicitly.
func (p *Planner) GeneratePlan(ctx context.Context, targetOrgs, resourceKinds []string) (*SyncPlan, error) {
	if len(targetOrgs) == 0 {
		targetOrgs = p.cfg.Braintrust.OrgNames()
	}

	kinds, err := p.kindFilter(resourceKinds)
	if err != nil {
		return nil, err
	}

	var unknown []string
	for _, org := range targetOrgs {
		if _, ok := p.orgs[org]; !ok {
			unknown = append(unknown, org)
		}
	}
	if len(unknown) > 0 {
		return nil, NewPermanentError(
			fmt.Sprintf("no Braintrust client configured for organizations: %v", unknown), nil).
			WithOperation("generate_plan").WithCode(ErrCodeConfiguration)
	}

	p.logger.Info().
		Strs("target_organizations", targetOrgs).
		Msg("Generating sync plan")

	plan := &SyncPlan{
		PlanID:              newPlanID(),
		ConfigHash:          p.configHash(),
		TargetOrganizations: targetOrgs,
		ItemsByAction:       make(map[SyncAction]int),
		ItemsByOrg:          make(map[string]int),
		CreatedAt:           time.Now().UTC(),
	}

	for _, syncer := range p.syncers {
		kind := syncer.ResourceType()
		if kinds != nil && !kinds[kind] {
			continue
		}
		if !p.cfg.Sync.RulesFor(kind).Enabled {
			p.logger.Info().
				Str("resource_type", kind).
				Msg("Resource kind disabled in sync rules, skipping")
			continue
		}
		items, err := syncer.GeneratePlan(ctx, targetOrgs)
		if err != nil {
			p.logger.Error().Err(err).
				Str("resource_type", syncer.ResourceType()).
				Msg("Failed to generate resource plan")
			return nil, err
		}
		p.addItems(plan, syncer.ResourceType(), items)
		p.logger.Debug().
			Str("resource_type", syncer.ResourceType()).
			Int("items", len(items)).
			Msg("Generated resource plan")
	}

	p.resolveDependencies(plan)
	plan.EstimatedDurationMinutes = estimateDuration(plan)
	plan.Warnings = append(plan.Warnings, planWarnings(plan)...)

	p.metrics.RecordPlanWarnings(len(plan.Warnings))
	p.logger.Info().
		Str("plan_id", plan.PlanID).
		Int("total_items", plan.TotalItems).
		Float64("estimated_duration_minutes", plan.EstimatedDurationMinutes).
		Int("warnings", len(plan.Warnings)).
		Msg("Generated sync plan")
	return plan, nil
}

// kindFilter validates the requested resource kinds. A nil return with no
// error means every kind is in scope.
func (p *Planner) kindFilter(resourceKinds []string) (map[string]bool, error) {
	if len(resourceKinds) == 0 {
		return nil, nil
	}
	kinds := make(map[string]bool, len(resourceKinds))
	for _, kind := range resourceKinds {
		switch kind {
		case ResourceTypeUser, ResourceTypeGroup:
			kinds[kind] = true
		default:
			return nil, NewPermanentError(
				fmt.Sprintf("unknown resource kind: %s", kind), nil).
				WithOperation("generate_plan").WithCode(ErrCodeConfiguration)
		}
	}
	return kinds, nil
}

func (p *Planner) addItems(plan *SyncPlan, resourceType string, items []SyncPlanItem) {
	switch resourceType {
	case ResourceTypeUser:
		plan.UserItems = append(plan.UserItems, items...)
	case ResourceTypeGroup:
		plan.GroupItems = append(plan.GroupItems, items...)
	default:
		p.logger.Warn().Str("resource_type", resourceType).Msg("Unknown resource type in plan")
		return
	}
	plan.TotalItems = len(plan.UserItems) + len(plan.GroupItems)
	for _, item := range items {
		plan.ItemsByAction[item.Action]++
		plan.ItemsByOrg[item.BraintrustOrg]++
		p.metrics.RecordPlanItem(string(item.Action), resourceType)
	}
}

// resolveDependencies links group create/update items to the user creations
// of the same org. The link is advisory metadata; execution ordering comes
// from the user-then-group phase split.
func (p *Planner) resolveDependencies(plan *SyncPlan) {
	userCreatesByOrg := make(map[string][]string)
	for _, item := range plan.UserItems {
		if item.Action == ActionCreate {
			userCreatesByOrg[item.BraintrustOrg] = append(userCreatesByOrg[item.BraintrustOrg], item.OktaResourceID)
		}
	}

	total := 0
	for i := range plan.GroupItems {
		item := &plan.GroupItems[i]
		if item.Action != ActionCreate && item.Action != ActionUpdate {
			continue
		}
		deps := userCreatesByOrg[item.BraintrustOrg]
		if len(deps) == 0 {
			continue
		}
		item.Dependencies = append(item.Dependencies, deps...)
		if item.Metadata == nil {
			item.Metadata = make(map[string]interface{})
		}
		item.Metadata["depends_on_users"] = len(deps)
		total += len(deps)
	}

	plan.DependenciesResolved = true
	p.logger.Debug().
		Str("plan_id", plan.PlanID).
		Int("group_dependencies", total).
		Msg("Resolved dependencies")
}

func estimateDuration(plan *SyncPlan) float64 {
	perItem := map[SyncAction]float64{
		ActionCreate: 0.5,
		ActionUpdate: 0.3,
		ActionSkip:   0.1,
	}

	total := 0.0
	for action, count := range plan.ItemsByAction {
		estimate, ok := perItem[action]
		if !ok {
			estimate = 0.5
		}
		total += estimate * float64(count)
	}

	// Overhead for rate limiting plus per-org setup.
	total *= 1.2
	total += float64(len(plan.TargetOrganizations)) * 0.5

	return float64(int(total*100+0.5)) / 100
}

func planWarnings(plan *SyncPlan) []string {
	var warnings []string

	if plan.TotalItems > 1000 {
		warnings = append(warnings, fmt.Sprintf(
			"Large sync plan with %d items. Consider running in smaller batches for better error recovery.",
			plan.TotalItems))
	}

	createCount := plan.ItemsByAction[ActionCreate]
	if createCount > 100 {
		warnings = append(warnings, fmt.Sprintf(
			"Plan includes %d resource creations. Ensure sufficient API rate limits and consider dry-run first.",
			createCount))
	}

	if len(plan.TargetOrganizations) > 1 {
		warnings = append(warnings,
			"Syncing to multiple organizations. Ensure consistent identity mapping across organizations.")
	}

	groupCreates, userCreates := 0, 0
	for _, item := range plan.GroupItems {
		if item.Action == ActionCreate {
			groupCreates++
		}
	}
	for _, item := range plan.UserItems {
		if item.Action == ActionCreate {
			userCreates++
		}
	}
	if groupCreates > 0 && userCreates > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"Plan includes %d group creations and %d user creations. Users will be created before groups to resolve membership dependencies.",
			groupCreates, userCreates))
	}

	if plan.TotalItems == 0 {
		warnings = append(warnings, "No sync operations planned. All resources may already be up to date.")
	}

	if skips := plan.ItemsByAction[ActionSkip]; plan.TotalItems > 0 && skips == plan.TotalItems {
		warnings = append(warnings, "All planned operations are skips. No actual changes will be made.")
	}

	return warnings
}

// ValidatePreconditions checks API connectivity and state availability ahead
// of execution. It returns every problem found rather than stopping at the
// first one.
func (p *Planner) ValidatePreconditions(ctx context.Context, targetOrgs []string) []string {
	if len(targetOrgs) == 0 {
		targetOrgs = p.cfg.Braintrust.OrgNames()
	}

	var problems []string
	if err := p.okta.HealthCheck(ctx); err != nil {
		problems = append(problems, fmt.Sprintf("Okta API connectivity error: %v", err))
	}
	for _, org := range targetOrgs {
		checker, ok := p.orgs[org]
		if !ok {
			problems = append(problems, fmt.Sprintf("No Braintrust client configured for organization: %s", org))
			continue
		}
		if err := checker.HealthCheck(ctx); err != nil {
			problems = append(problems, fmt.Sprintf("Braintrust API connectivity error for org %s: %v", org, err))
		}
	}
	if p.store.Current() == nil {
		problems = append(problems, "No current sync state available")
	}
	return problems
}

// configHash digests the effective sync configuration so consecutive runs
// can detect that a stored plan no longer matches the config it was built
// from.
func (p *Planner) configHash() string {
	orgs := p.cfg.Braintrust.OrgNames()
	sort.Strings(orgs)
	return state.ConfigHash(map[string]interface{}{
		"okta_domain":     p.cfg.Okta.Domain,
		"braintrust_orgs": orgs,
		"sync_rules":      p.cfg.Sync,
	})
}

func newPlanID() string {
	id := uuid.New()
	return "plan_" + hex.EncodeToString(id[:4])
}
