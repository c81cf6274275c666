package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/idbridge/idbridge/pkg/config"
	"github.com/idbridge/idbridge/pkg/state"
)

// fakeSyncer is a scriptable ResourceSyncer returning canned plan items.
type fakeSyncer struct {
	kind    string
	items   []SyncPlanItem
	planErr error
	results []SyncResult
	execErr error

	executed [][]SyncPlanItem
	dryRuns  []bool
}

func (f *fakeSyncer) ResourceType() string { return f.kind }

func (f *fakeSyncer) GeneratePlan(ctx context.Context, targetOrgs []string) ([]SyncPlanItem, error) {
	if f.planErr != nil {
		return nil, f.planErr
	}
	return f.items, nil
}

func (f *fakeSyncer) ExecutePlanItems(ctx context.Context, items []SyncPlanItem, dryRun bool) ([]SyncResult, error) {
	f.executed = append(f.executed, items)
	f.dryRuns = append(f.dryRuns, dryRun)
	if f.execErr != nil {
		return nil, f.execErr
	}
	if f.results != nil {
		return f.results, nil
	}
	out := make([]SyncResult, 0, len(items))
	for _, item := range items {
		out = append(out, SyncResult{
			OktaResourceID: item.OktaResourceID,
			BraintrustOrg:  item.BraintrustOrg,
			Action:         item.Action,
			ResourceType:   item.ResourceType,
			Success:        true,
		})
	}
	return out, nil
}

type healthOK struct{}

func (healthOK) HealthCheck(ctx context.Context) error { return nil }

type healthFail struct{ err error }

func (h healthFail) HealthCheck(ctx context.Context) error { return h.err }

func testConfig(orgs ...string) *config.Config {
	cfg := config.Default()
	cfg.Okta.Domain = "example.okta.com"
	cfg.Braintrust.Orgs = make(map[string]config.OrgCredentials, len(orgs))
	for _, org := range orgs {
		cfg.Braintrust.Orgs[org] = config.OrgCredentials{APIKey: "key"}
	}
	return cfg
}

func newEngineStore(t *testing.T) *state.Store {
	t.Helper()
	store, err := state.NewStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore() returned error: %v", err)
	}
	store.CreateState("sync_test", nil)
	return store
}

func newTestPlanner(t *testing.T, cfg *config.Config, syncers []ResourceSyncer) *Planner {
	t.Helper()
	orgs := make(map[string]HealthChecker, len(cfg.Braintrust.Orgs))
	for name := range cfg.Braintrust.Orgs {
		orgs[name] = healthOK{}
	}
	return NewPlanner(cfg, syncers, newEngineStore(t), healthOK{}, orgs, nil, zerolog.Nop())
}

// TestPlannerOrdersUsersBeforeGroups tests that the combined item order puts
// every user item before any group item.
func TestPlannerOrdersUsersBeforeGroups(t *testing.T) {
	users := &fakeSyncer{kind: ResourceTypeUser, items: []SyncPlanItem{
		{OktaResourceID: "alice@example.com", ResourceType: "user", BraintrustOrg: "acme", Action: ActionCreate},
	}}
	groups := &fakeSyncer{kind: ResourceTypeGroup, items: []SyncPlanItem{
		{OktaResourceID: "Engineering", ResourceType: "group", BraintrustOrg: "acme", Action: ActionCreate},
	}}

	p := newTestPlanner(t, testConfig("acme"), []ResourceSyncer{users, groups})
	plan, err := p.GeneratePlan(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("GeneratePlan() returned error: %v", err)
	}

	all := plan.AllItems()
	if len(all) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(all))
	}
	if all[0].ResourceType != "user" || all[1].ResourceType != "group" {
		t.Errorf("Expected user item first, got %s then %s", all[0].ResourceType, all[1].ResourceType)
	}
	if !strings.HasPrefix(plan.PlanID, "plan_") || len(plan.PlanID) != len("plan_")+8 {
		t.Errorf("Unexpected plan ID format: '%s'", plan.PlanID)
	}
}

// TestPlannerResolvesDependencies tests that group creations reference the
// same-org user creations.
func TestPlannerResolvesDependencies(t *testing.T) {
	users := &fakeSyncer{kind: ResourceTypeUser, items: []SyncPlanItem{
		{OktaResourceID: "alice@example.com", ResourceType: "user", BraintrustOrg: "acme", Action: ActionCreate},
		{OktaResourceID: "bob@example.com", ResourceType: "user", BraintrustOrg: "acme", Action: ActionCreate},
		{OktaResourceID: "carol@example.com", ResourceType: "user", BraintrustOrg: "other", Action: ActionCreate},
	}}
	groups := &fakeSyncer{kind: ResourceTypeGroup, items: []SyncPlanItem{
		{OktaResourceID: "Engineering", ResourceType: "group", BraintrustOrg: "acme", Action: ActionCreate},
		{OktaResourceID: "Sales", ResourceType: "group", BraintrustOrg: "acme", Action: ActionSkip},
	}}

	p := newTestPlanner(t, testConfig("acme", "other"), []ResourceSyncer{users, groups})
	plan, err := p.GeneratePlan(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("GeneratePlan() returned error: %v", err)
	}
	if !plan.DependenciesResolved {
		t.Error("Expected dependencies resolved")
	}

	eng := plan.GroupItems[0]
	if len(eng.Dependencies) != 2 {
		t.Fatalf("Expected 2 dependencies for same-org group create, got %v", eng.Dependencies)
	}
	if got, ok := eng.Metadata["depends_on_users"].(int); !ok || got != 2 {
		t.Errorf("Expected depends_on_users=2, got %+v", eng.Metadata)
	}
	if len(plan.GroupItems[1].Dependencies) != 0 {
		t.Errorf("Expected skip item to carry no dependencies, got %v", plan.GroupItems[1].Dependencies)
	}
}

// TestPlannerUnknownOrg tests that an unconfigured target org fails planning
// before any listing happens.
func TestPlannerUnknownOrg(t *testing.T) {
	users := &fakeSyncer{kind: ResourceTypeUser}
	p := newTestPlanner(t, testConfig("acme"), []ResourceSyncer{users})

	_, err := p.GeneratePlan(context.Background(), []string{"acme", "nope"}, nil)
	if err == nil {
		t.Fatal("Expected error for unknown org")
	}
	var syncErr *SyncError
	if !errors.As(err, &syncErr) || syncErr.Code != ErrCodeConfiguration {
		t.Errorf("Expected configuration error, got %v", err)
	}
}

// TestPlannerHonorsDisabledRules tests that a kind whose sync rules are
// disabled contributes no items even though its syncer is registered.
func TestPlannerHonorsDisabledRules(t *testing.T) {
	users := &fakeSyncer{kind: ResourceTypeUser, items: []SyncPlanItem{
		{OktaResourceID: "alice@example.com", ResourceType: "user", BraintrustOrg: "acme", Action: ActionCreate},
	}}
	groups := &fakeSyncer{kind: ResourceTypeGroup, items: []SyncPlanItem{
		{OktaResourceID: "Engineering", ResourceType: "group", BraintrustOrg: "acme", Action: ActionCreate},
	}}

	cfg := testConfig("acme")
	cfg.Sync.Users.Enabled = false

	p := newTestPlanner(t, cfg, []ResourceSyncer{users, groups})
	plan, err := p.GeneratePlan(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("GeneratePlan() returned error: %v", err)
	}
	if len(plan.UserItems) != 0 {
		t.Errorf("Expected no user items with users disabled, got %+v", plan.UserItems)
	}
	if len(plan.GroupItems) != 1 {
		t.Errorf("Expected group items unaffected, got %+v", plan.GroupItems)
	}

	// Requesting the disabled kind explicitly still yields nothing.
	plan, err = p.GeneratePlan(context.Background(), nil, []string{ResourceTypeUser})
	if err != nil {
		t.Fatalf("GeneratePlan() returned error: %v", err)
	}
	if plan.TotalItems != 0 {
		t.Errorf("Expected empty plan for disabled kind, got %d items", plan.TotalItems)
	}
}

// TestPlannerKindSelection tests the resource kind filter.
func TestPlannerKindSelection(t *testing.T) {
	users := &fakeSyncer{kind: ResourceTypeUser, items: []SyncPlanItem{
		{OktaResourceID: "alice@example.com", ResourceType: "user", BraintrustOrg: "acme", Action: ActionCreate},
	}}
	groups := &fakeSyncer{kind: ResourceTypeGroup, items: []SyncPlanItem{
		{OktaResourceID: "Engineering", ResourceType: "group", BraintrustOrg: "acme", Action: ActionCreate},
	}}
	p := newTestPlanner(t, testConfig("acme"), []ResourceSyncer{users, groups})

	plan, err := p.GeneratePlan(context.Background(), nil, []string{ResourceTypeGroup})
	if err != nil {
		t.Fatalf("GeneratePlan() returned error: %v", err)
	}
	if len(plan.UserItems) != 0 || len(plan.GroupItems) != 1 {
		t.Errorf("Expected only group items, got users=%d groups=%d", len(plan.UserItems), len(plan.GroupItems))
	}

	_, err = p.GeneratePlan(context.Background(), nil, []string{"widgets"})
	if err == nil {
		t.Fatal("Expected error for unknown resource kind")
	}
	var syncErr *SyncError
	if !errors.As(err, &syncErr) || syncErr.Code != ErrCodeConfiguration {
		t.Errorf("Expected configuration error, got %v", err)
	}
}

// TestPlannerSyncerFailurePropagates tests that one syncer's failure fails
// the whole plan.
func TestPlannerSyncerFailurePropagates(t *testing.T) {
	users := &fakeSyncer{kind: ResourceTypeUser, planErr: errors.New("okta down")}
	p := newTestPlanner(t, testConfig("acme"), []ResourceSyncer{users})

	if _, err := p.GeneratePlan(context.Background(), nil, nil); err == nil {
		t.Fatal("Expected syncer failure to propagate")
	}
}

func TestPlannerWarnings(t *testing.T) {
	t.Run("empty plan", func(t *testing.T) {
		p := newTestPlanner(t, testConfig("acme"), []ResourceSyncer{&fakeSyncer{kind: ResourceTypeUser}})
		plan, err := p.GeneratePlan(context.Background(), nil, nil)
		if err != nil {
			t.Fatalf("GeneratePlan() returned error: %v", err)
		}
		if !containsWarning(plan.Warnings, "No sync operations planned") {
			t.Errorf("Expected empty-plan warning, got %v", plan.Warnings)
		}
	})

	t.Run("all skips", func(t *testing.T) {
		users := &fakeSyncer{kind: ResourceTypeUser, items: []SyncPlanItem{
			{OktaResourceID: "alice@example.com", ResourceType: "user", BraintrustOrg: "acme", Action: ActionSkip},
		}}
		p := newTestPlanner(t, testConfig("acme"), []ResourceSyncer{users})
		plan, err := p.GeneratePlan(context.Background(), nil, nil)
		if err != nil {
			t.Fatalf("GeneratePlan() returned error: %v", err)
		}
		if !containsWarning(plan.Warnings, "All planned operations are skips") {
			t.Errorf("Expected all-skip warning, got %v", plan.Warnings)
		}
	})

	t.Run("multiple organizations", func(t *testing.T) {
		p := newTestPlanner(t, testConfig("acme", "other"), []ResourceSyncer{&fakeSyncer{kind: ResourceTypeUser}})
		plan, err := p.GeneratePlan(context.Background(), nil, nil)
		if err != nil {
			t.Fatalf("GeneratePlan() returned error: %v", err)
		}
		if !containsWarning(plan.Warnings, "Syncing to multiple organizations") {
			t.Errorf("Expected multi-org warning, got %v", plan.Warnings)
		}
	})

	t.Run("mixed creations", func(t *testing.T) {
		users := &fakeSyncer{kind: ResourceTypeUser, items: []SyncPlanItem{
			{OktaResourceID: "alice@example.com", ResourceType: "user", BraintrustOrg: "acme", Action: ActionCreate},
		}}
		groups := &fakeSyncer{kind: ResourceTypeGroup, items: []SyncPlanItem{
			{OktaResourceID: "Engineering", ResourceType: "group", BraintrustOrg: "acme", Action: ActionCreate},
		}}
		p := newTestPlanner(t, testConfig("acme"), []ResourceSyncer{users, groups})
		plan, err := p.GeneratePlan(context.Background(), nil, nil)
		if err != nil {
			t.Fatalf("GeneratePlan() returned error: %v", err)
		}
		if !containsWarning(plan.Warnings, "Users will be created before groups") {
			t.Errorf("Expected ordering warning, got %v", plan.Warnings)
		}
	})
}

func containsWarning(warnings []string, fragment string) bool {
	for _, w := range warnings {
		if strings.Contains(w, fragment) {
			return true
		}
	}
	return false
}

// TestEstimateDuration tests the per-action estimate with overhead.
func TestEstimateDuration(t *testing.T) {
	plan := &SyncPlan{
		TargetOrganizations: []string{"acme"},
		ItemsByAction: map[SyncAction]int{
			ActionCreate: 2,
			ActionUpdate: 1,
			ActionSkip:   3,
		},
	}
	// (2*0.5 + 1*0.3 + 3*0.1) * 1.2 + 0.5 = 2.42
	if got := estimateDuration(plan); got != 2.42 {
		t.Errorf("Expected estimate 2.42, got %v", got)
	}
}

// TestPlannerConfigHashStable tests that the plan's config hash depends only
// on the effective configuration.
func TestPlannerConfigHashStable(t *testing.T) {
	p1 := newTestPlanner(t, testConfig("acme", "other"), []ResourceSyncer{&fakeSyncer{kind: ResourceTypeUser}})
	p2 := newTestPlanner(t, testConfig("other", "acme"), []ResourceSyncer{&fakeSyncer{kind: ResourceTypeUser}})
	if p1.configHash() != p2.configHash() {
		t.Error("Expected hash independent of org map ordering")
	}

	p3 := newTestPlanner(t, testConfig("acme"), []ResourceSyncer{&fakeSyncer{kind: ResourceTypeUser}})
	if p1.configHash() == p3.configHash() {
		t.Error("Expected hash to change with the org set")
	}
}

// TestValidatePreconditions tests that every problem is reported, not just
// the first.
func TestValidatePreconditions(t *testing.T) {
	cfg := testConfig("acme")
	store, err := state.NewStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore() returned error: %v", err)
	}

	p := NewPlanner(cfg, nil, store,
		healthFail{errors.New("okta 503")},
		map[string]HealthChecker{"acme": healthFail{errors.New("braintrust 503")}},
		nil, zerolog.Nop())

	problems := p.ValidatePreconditions(context.Background(), nil)
	if len(problems) != 3 {
		t.Fatalf("Expected 3 problems, got %v", problems)
	}
	if !containsWarning(problems, "Okta API connectivity error") ||
		!containsWarning(problems, "Braintrust API connectivity error for org acme") ||
		!containsWarning(problems, "No current sync state available") {
		t.Errorf("Unexpected problems: %v", problems)
	}
}
