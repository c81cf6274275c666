package syncers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/idbridge/idbridge/pkg/clients"
	"github.com/idbridge/idbridge/pkg/config"
	"github.com/idbridge/idbridge/pkg/engine"
	"github.com/idbridge/idbridge/pkg/state"
)

func defaultUserRules() config.UserSyncRules {
	return config.UserSyncRules{
		SyncRules: config.SyncRules{
			Enabled:          true,
			CreateMissing:    true,
			IdentityStrategy: config.IdentityStrategyEmail,
		},
		OnlyActiveUsers: true,
	}
}

func newTestUserSyncer(t *testing.T, okta *stubOkta, org *stubOrg, rules config.UserSyncRules, deletion config.UserDeletionPolicy, store *state.Store) *UserSyncer {
	t.Helper()
	s, err := NewUserSyncer(okta, map[string]BraintrustOrg{org.name: org}, rules, deletion, store, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewUserSyncer() returned error: %v", err)
	}
	return s
}

// TestUserPlanOnlyActiveUsers tests that an active user is planned for
// creation while a deprovisioned one is filtered out entirely.
func TestUserPlanOnlyActiveUsers(t *testing.T) {
	okta := &stubOkta{users: []clients.OktaUser{
		oktaUser("u1", "alice@example.com", clients.OktaStatusActive),
		oktaUser("u2", "bob@example.com", clients.OktaStatusDeprovision),
	}}
	org := newStubOrg("acme")
	s := newTestUserSyncer(t, okta, org, defaultUserRules(), config.UserDeletionPolicy{}, newTestStore(t))

	items, err := s.GeneratePlan(context.Background(), []string{"acme"})
	if err != nil {
		t.Fatalf("GeneratePlan() returned error: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("Expected 1 item, got %d: %+v", len(items), items)
	}
	item := items[0]
	if item.OktaResourceID != "alice@example.com" {
		t.Errorf("Expected alice planned, got '%s'", item.OktaResourceID)
	}
	if item.Action != engine.ActionCreate {
		t.Errorf("Expected action create, got '%s'", item.Action)
	}
	if item.Reason != "New resource from Okta" {
		t.Errorf("Unexpected reason: '%s'", item.Reason)
	}
}

// TestUserPlanUpToDateSkip tests that a mapped user still present in the
// destination is skipped.
func TestUserPlanUpToDateSkip(t *testing.T) {
	okta := &stubOkta{users: []clients.OktaUser{
		oktaUser("u1", "alice@example.com", clients.OktaStatusActive),
	}}
	org := newStubOrg("acme")
	org.users = []clients.BraintrustUser{{ID: "bt-1", Email: "alice@example.com"}}

	store := newTestStore(t)
	store.Current().AddMapping("alice@example.com", "bt-1", "acme", "user")

	s := newTestUserSyncer(t, okta, org, defaultUserRules(), config.UserDeletionPolicy{}, store)
	items, err := s.GeneratePlan(context.Background(), []string{"acme"})
	if err != nil {
		t.Fatalf("GeneratePlan() returned error: %v", err)
	}
	if len(items) != 1 || items[0].Action != engine.ActionSkip {
		t.Fatalf("Expected single skip item, got %+v", items)
	}
	if items[0].Reason != "Resource is up to date" {
		t.Errorf("Unexpected reason: '%s'", items[0].Reason)
	}
	if items[0].ExistingBraintrustID != "bt-1" {
		t.Errorf("Expected existing ID 'bt-1', got '%s'", items[0].ExistingBraintrustID)
	}
}

// TestUserPlanSelfHealingRecreate tests that a mapping whose destination
// resource disappeared is planned for recreation.
func TestUserPlanSelfHealingRecreate(t *testing.T) {
	okta := &stubOkta{users: []clients.OktaUser{
		oktaUser("u1", "alice@example.com", clients.OktaStatusActive),
	}}
	org := newStubOrg("acme")

	store := newTestStore(t)
	store.Current().AddMapping("alice@example.com", "bt-gone", "acme", "user")

	s := newTestUserSyncer(t, okta, org, defaultUserRules(), config.UserDeletionPolicy{}, store)
	items, err := s.GeneratePlan(context.Background(), []string{"acme"})
	if err != nil {
		t.Fatalf("GeneratePlan() returned error: %v", err)
	}
	if len(items) != 1 || items[0].Action != engine.ActionCreate {
		t.Fatalf("Expected single create item, got %+v", items)
	}
	if items[0].Reason != "Mapped resource missing in Braintrust" {
		t.Errorf("Unexpected reason: '%s'", items[0].Reason)
	}
}

// TestUserPlanUntrackedUpToDate tests that an unmapped user who already is
// an org member is reported as an untracked skip, not a create.
func TestUserPlanUntrackedUpToDate(t *testing.T) {
	okta := &stubOkta{users: []clients.OktaUser{
		oktaUser("u1", "alice@example.com", clients.OktaStatusActive),
	}}
	org := newStubOrg("acme")
	org.users = []clients.BraintrustUser{{ID: "bt-1", Email: "alice@example.com"}}

	s := newTestUserSyncer(t, okta, org, defaultUserRules(), config.UserDeletionPolicy{}, newTestStore(t))
	items, err := s.GeneratePlan(context.Background(), []string{"acme"})
	if err != nil {
		t.Fatalf("GeneratePlan() returned error: %v", err)
	}
	if len(items) != 1 || items[0].Action != engine.ActionSkip {
		t.Fatalf("Expected single skip item, got %+v", items)
	}
	if items[0].Reason != "Untracked resource is up to date" {
		t.Errorf("Unexpected reason: '%s'", items[0].Reason)
	}
}

func TestUserPlanCreationDisabled(t *testing.T) {
	okta := &stubOkta{users: []clients.OktaUser{
		oktaUser("u1", "alice@example.com", clients.OktaStatusActive),
	}}
	rules := defaultUserRules()
	rules.CreateMissing = false

	s := newTestUserSyncer(t, okta, newStubOrg("acme"), rules, config.UserDeletionPolicy{}, newTestStore(t))
	items, err := s.GeneratePlan(context.Background(), []string{"acme"})
	if err != nil {
		t.Fatalf("GeneratePlan() returned error: %v", err)
	}
	if len(items) != 1 || items[0].Action != engine.ActionSkip {
		t.Fatalf("Expected single skip item, got %+v", items)
	}
	if items[0].Reason != "Creation disabled in sync rules" {
		t.Errorf("Unexpected reason: '%s'", items[0].Reason)
	}
}

// TestUserPlanIdempotent tests that planning twice over unchanged inputs
// yields the same items.
func TestUserPlanIdempotent(t *testing.T) {
	okta := &stubOkta{users: []clients.OktaUser{
		oktaUser("u1", "alice@example.com", clients.OktaStatusActive),
		oktaUser("u2", "carol@example.com", clients.OktaStatusActive),
	}}
	org := newStubOrg("acme")
	org.users = []clients.BraintrustUser{{ID: "bt-1", Email: "alice@example.com"}}

	s := newTestUserSyncer(t, okta, org, defaultUserRules(), config.UserDeletionPolicy{}, newTestStore(t))

	first, err := s.GeneratePlan(context.Background(), []string{"acme"})
	if err != nil {
		t.Fatalf("First GeneratePlan() returned error: %v", err)
	}
	second, err := s.GeneratePlan(context.Background(), []string{"acme"})
	if err != nil {
		t.Fatalf("Second GeneratePlan() returned error: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("Expected identical plans, got %d and %d items", len(first), len(second))
	}
	for i := range first {
		if first[i].Action != second[i].Action || first[i].OktaResourceID != second[i].OktaResourceID {
			t.Errorf("Plan item %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestUserDomainFilters(t *testing.T) {
	tests := []struct {
		name    string
		email   string
		include []string
		exclude []string
		want    int
	}{
		{"included domain", "alice@example.com", []string{"example.com"}, nil, 1},
		{"other domain", "alice@other.com", []string{"example.com"}, nil, 0},
		{"excluded domain", "alice@contractor.com", nil, []string{"contractor.com"}, 0},
		{"no filters", "alice@anything.io", nil, nil, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			okta := &stubOkta{users: []clients.OktaUser{
				oktaUser("u1", tt.email, clients.OktaStatusActive),
			}}
			rules := defaultUserRules()
			rules.EmailDomains = tt.include
			rules.ExcludeDomains = tt.exclude

			s := newTestUserSyncer(t, okta, newStubOrg("acme"), rules, config.UserDeletionPolicy{}, newTestStore(t))
			items, err := s.GeneratePlan(context.Background(), []string{"acme"})
			if err != nil {
				t.Fatalf("GeneratePlan() returned error: %v", err)
			}
			if len(items) != tt.want {
				t.Errorf("Expected %d items, got %d", tt.want, len(items))
			}
		})
	}
}

func TestUserGroupMembershipFilters(t *testing.T) {
	tests := []struct {
		name    string
		groups  []string
		include []string
		exclude []string
		want    int
	}{
		{"member of included group", []string{"Engineering"}, []string{"engineering"}, nil, 1},
		{"not a member of any included group", []string{"Sales"}, []string{"Engineering"}, nil, 0},
		{"member of excluded group", []string{"Engineering", "Contractors"}, nil, []string{"contractors"}, 0},
		{"exclusion wins over inclusion", []string{"Engineering", "Contractors"}, []string{"Engineering"}, []string{"Contractors"}, 0},
		{"no membership filters", nil, nil, nil, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			memberships := make([]clients.OktaGroup, 0, len(tt.groups))
			for i, name := range tt.groups {
				memberships = append(memberships, oktaGroup(fmt.Sprintf("g%d", i), name))
			}
			okta := &stubOkta{
				users:      []clients.OktaUser{oktaUser("u1", "alice@example.com", clients.OktaStatusActive)},
				userGroups: map[string][]clients.OktaGroup{"u1": memberships},
			}
			rules := defaultUserRules()
			rules.GroupFilters.IncludeGroups = tt.include
			rules.GroupFilters.ExcludeGroups = tt.exclude

			s := newTestUserSyncer(t, okta, newStubOrg("acme"), rules, config.UserDeletionPolicy{}, newTestStore(t))
			items, err := s.GeneratePlan(context.Background(), []string{"acme"})
			if err != nil {
				t.Fatalf("GeneratePlan() returned error: %v", err)
			}
			if len(items) != tt.want {
				t.Errorf("Expected %d items, got %d", tt.want, len(items))
			}
		})
	}
}

// TestUserGroupFilterLookupFailure tests that a failed membership lookup
// keeps the user in the plan instead of silently filtering them out.
func TestUserGroupFilterLookupFailure(t *testing.T) {
	okta := &stubOkta{
		users:     []clients.OktaUser{oktaUser("u1", "alice@example.com", clients.OktaStatusActive)},
		groupsErr: errors.New("okta unavailable"),
	}
	rules := defaultUserRules()
	rules.GroupFilters.IncludeGroups = []string{"Engineering"}

	s := newTestUserSyncer(t, okta, newStubOrg("acme"), rules, config.UserDeletionPolicy{}, newTestStore(t))
	items, err := s.GeneratePlan(context.Background(), []string{"acme"})
	if err != nil {
		t.Fatalf("GeneratePlan() returned error: %v", err)
	}
	if len(items) != 1 || items[0].Action != engine.ActionCreate {
		t.Fatalf("Expected user kept in plan on lookup failure, got %+v", items)
	}
}

// TestUserExecuteCreateInvites tests the invite-then-resolve create path.
func TestUserExecuteCreateInvites(t *testing.T) {
	okta := &stubOkta{users: []clients.OktaUser{
		oktaUser("u1", "alice@example.com", clients.OktaStatusActive),
	}}
	org := newStubOrg("acme")
	org.users = []clients.BraintrustUser{{ID: "bt-1", Email: "alice@example.com"}}

	store := newTestStore(t)
	s := newTestUserSyncer(t, okta, org, defaultUserRules(), config.UserDeletionPolicy{}, store)

	if _, err := s.fetchSource(context.Background()); err != nil {
		t.Fatalf("fetchSource() returned error: %v", err)
	}

	item := engine.SyncPlanItem{
		OktaResourceID: "alice@example.com",
		ResourceType:   "user",
		BraintrustOrg:  "acme",
		Action:         engine.ActionCreate,
	}
	results, err := s.ExecutePlanItems(context.Background(), []engine.SyncPlanItem{item}, false)
	if err != nil {
		t.Fatalf("ExecutePlanItems() returned error: %v", err)
	}
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("Expected single successful result, got %+v", results)
	}
	if results[0].BraintrustID != "bt-1" {
		t.Errorf("Expected resolved ID 'bt-1', got '%s'", results[0].BraintrustID)
	}
	if len(org.invited) != 1 || org.invited[0] != "alice@example.com" {
		t.Errorf("Expected one invitation for alice, got %v", org.invited)
	}

	mapping := store.Current().GetMapping("alice@example.com", "acme", "user")
	if mapping == nil || mapping.BraintrustID != "bt-1" {
		t.Errorf("Expected mapping to bt-1, got %+v", mapping)
	}
	managed := store.Current().ManagedResourcesFor("acme", "user")
	if len(managed) != 1 || !managed[0].CreatedBySync {
		t.Errorf("Expected one sync-created managed resource, got %+v", managed)
	}
}

// TestUserExecuteCreatePendingSentinel tests that an invitation with no
// resolvable member yet maps a pending sentinel ID.
func TestUserExecuteCreatePendingSentinel(t *testing.T) {
	okta := &stubOkta{users: []clients.OktaUser{
		oktaUser("u1", "alice@example.com", clients.OktaStatusActive),
	}}
	org := newStubOrg("acme")
	store := newTestStore(t)
	s := newTestUserSyncer(t, okta, org, defaultUserRules(), config.UserDeletionPolicy{}, store)

	if _, err := s.fetchSource(context.Background()); err != nil {
		t.Fatalf("fetchSource() returned error: %v", err)
	}

	item := engine.SyncPlanItem{
		OktaResourceID: "alice@example.com",
		ResourceType:   "user",
		BraintrustOrg:  "acme",
		Action:         engine.ActionCreate,
	}
	results, err := s.ExecutePlanItems(context.Background(), []engine.SyncPlanItem{item}, false)
	if err != nil {
		t.Fatalf("ExecutePlanItems() returned error: %v", err)
	}
	if !strings.HasPrefix(results[0].BraintrustID, pendingIDPrefix) {
		t.Errorf("Expected pending sentinel ID, got '%s'", results[0].BraintrustID)
	}
}

// TestUserExecuteDryRunPurity tests that a dry run touches neither the org
// nor the mapping store.
func TestUserExecuteDryRunPurity(t *testing.T) {
	okta := &stubOkta{users: []clients.OktaUser{
		oktaUser("u1", "alice@example.com", clients.OktaStatusActive),
	}}
	org := newStubOrg("acme")
	store := newTestStore(t)
	s := newTestUserSyncer(t, okta, org, defaultUserRules(), config.UserDeletionPolicy{}, store)

	item := engine.SyncPlanItem{
		OktaResourceID: "alice@example.com",
		ResourceType:   "user",
		BraintrustOrg:  "acme",
		Action:         engine.ActionCreate,
	}
	results, err := s.ExecutePlanItems(context.Background(), []engine.SyncPlanItem{item}, true)
	if err != nil {
		t.Fatalf("ExecutePlanItems() returned error: %v", err)
	}
	if results[0].BraintrustID != "dry_run_id" {
		t.Errorf("Expected dry_run_id sentinel, got '%s'", results[0].BraintrustID)
	}
	if dry, ok := results[0].Metadata["dry_run"].(bool); !ok || !dry {
		t.Errorf("Expected dry_run metadata, got %+v", results[0].Metadata)
	}
	if len(org.invited) != 0 {
		t.Errorf("Expected no invitations during dry run, got %v", org.invited)
	}
	if store.Current().MappingCount("") != 0 {
		t.Error("Expected no mappings written during dry run")
	}
}

// TestUserPlanNoDeletesByDefault tests that a vanished source user produces
// no delete item unless remove_extra is enabled.
func TestUserPlanNoDeletesByDefault(t *testing.T) {
	okta := &stubOkta{}
	org := newStubOrg("acme")
	store := newTestStore(t)
	store.Current().RecordManagedResource("gone@example.com", "bt-9", "acme", "user", true)

	s := newTestUserSyncer(t, okta, org, defaultUserRules(),
		config.UserDeletionPolicy{Enabled: true}, store)
	items, err := s.GeneratePlan(context.Background(), []string{"acme"})
	if err != nil {
		t.Fatalf("GeneratePlan() returned error: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("Expected no items without remove_extra, got %+v", items)
	}
}

func TestUserPlanRemoveExtra(t *testing.T) {
	okta := &stubOkta{}
	store := newTestStore(t)
	store.Current().RecordManagedResource("gone@example.com", "bt-9", "acme", "user", true)

	rules := defaultUserRules()
	rules.RemoveExtra = true

	t.Run("deletion disabled blocks", func(t *testing.T) {
		s := newTestUserSyncer(t, okta, newStubOrg("acme"), rules, config.UserDeletionPolicy{}, store)
		items, err := s.GeneratePlan(context.Background(), []string{"acme"})
		if err != nil {
			t.Fatalf("GeneratePlan() returned error: %v", err)
		}
		if len(items) != 0 {
			t.Errorf("Expected no delete items with deletion disabled, got %+v", items)
		}
	})

	t.Run("deletion enabled plans delete", func(t *testing.T) {
		s := newTestUserSyncer(t, okta, newStubOrg("acme"), rules, config.UserDeletionPolicy{Enabled: true}, store)
		items, err := s.GeneratePlan(context.Background(), []string{"acme"})
		if err != nil {
			t.Fatalf("GeneratePlan() returned error: %v", err)
		}
		if len(items) != 1 || items[0].Action != engine.ActionDelete {
			t.Fatalf("Expected single delete item, got %+v", items)
		}
		if items[0].ExistingBraintrustID != "bt-9" {
			t.Errorf("Expected existing ID 'bt-9', got '%s'", items[0].ExistingBraintrustID)
		}
	})

	t.Run("sync-created-only blocks adopted resources", func(t *testing.T) {
		adopted := newTestStore(t)
		adopted.Current().RecordManagedResource("adopted@example.com", "bt-5", "acme", "user", false)
		s := newTestUserSyncer(t, okta, newStubOrg("acme"), rules,
			config.UserDeletionPolicy{Enabled: true, SyncCreatedOnly: true}, adopted)
		items, err := s.GeneratePlan(context.Background(), []string{"acme"})
		if err != nil {
			t.Fatalf("GeneratePlan() returned error: %v", err)
		}
		if len(items) != 0 {
			t.Errorf("Expected adopted resource preserved, got %+v", items)
		}
	})
}

// TestUserPlanRemoveExtraAcrossRuns tests that a resource created and
// recorded in one run is still planned for deletion by a later run after the
// source user disappeared. The ownership record has to survive the run
// boundary for this.
func TestUserPlanRemoveExtraAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	rules := defaultUserRules()
	rules.RemoveExtra = true
	deletion := config.UserDeletionPolicy{Enabled: true, SyncCreatedOnly: true}

	first, err := state.NewStore(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore() returned error: %v", err)
	}
	firstState := first.CreateState("sync_100", nil)
	firstState.AddMapping("gone@example.com", "bt-9", "acme", "user")
	firstState.RecordManagedResource("gone@example.com", "bt-9", "acme", "user", true)
	if !first.SaveState(firstState) {
		t.Fatal("SaveState() reported failure")
	}

	// A fresh process: new store over the same directory, empty source.
	second, err := state.NewStore(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore() returned error: %v", err)
	}
	second.CreateState("sync_200", nil)

	s := newTestUserSyncer(t, &stubOkta{}, newStubOrg("acme"), rules, deletion, second)
	items, err := s.GeneratePlan(context.Background(), []string{"acme"})
	if err != nil {
		t.Fatalf("GeneratePlan() returned error: %v", err)
	}
	if len(items) != 1 || items[0].Action != engine.ActionDelete {
		t.Fatalf("Expected single delete item, got %+v", items)
	}
	if items[0].ExistingBraintrustID != "bt-9" {
		t.Errorf("Expected existing ID 'bt-9', got '%s'", items[0].ExistingBraintrustID)
	}
}

// TestUserPlanRemoveExtraFromBareMapping tests that a mapping without an
// ownership record still surfaces as a deletion candidate, treated as
// adopted rather than sync-created.
func TestUserPlanRemoveExtraFromBareMapping(t *testing.T) {
	rules := defaultUserRules()
	rules.RemoveExtra = true

	t.Run("deletable when adoption allowed", func(t *testing.T) {
		store := newTestStore(t)
		store.Current().AddMapping("gone@example.com", "bt-9", "acme", "user")
		s := newTestUserSyncer(t, &stubOkta{}, newStubOrg("acme"), rules,
			config.UserDeletionPolicy{Enabled: true}, store)
		items, err := s.GeneratePlan(context.Background(), []string{"acme"})
		if err != nil {
			t.Fatalf("GeneratePlan() returned error: %v", err)
		}
		if len(items) != 1 || items[0].Action != engine.ActionDelete {
			t.Fatalf("Expected single delete item, got %+v", items)
		}
	})

	t.Run("blocked by sync-created-only", func(t *testing.T) {
		store := newTestStore(t)
		store.Current().AddMapping("gone@example.com", "bt-9", "acme", "user")
		s := newTestUserSyncer(t, &stubOkta{}, newStubOrg("acme"), rules,
			config.UserDeletionPolicy{Enabled: true, SyncCreatedOnly: true}, store)
		items, err := s.GeneratePlan(context.Background(), []string{"acme"})
		if err != nil {
			t.Fatalf("GeneratePlan() returned error: %v", err)
		}
		if len(items) != 0 {
			t.Errorf("Expected bare mapping treated as adopted, got %+v", items)
		}
	})
}

// TestUserDeletePreservesAdmins tests that preserve_admin refuses to remove
// a member of an admin group.
func TestUserDeletePreservesAdmins(t *testing.T) {
	okta := &stubOkta{}
	org := newStubOrg("acme")
	org.groups = []clients.BraintrustGroup{{ID: "g1", Name: "Admins", MemberUsers: []string{"bt-9"}}}

	store := newTestStore(t)
	s := newTestUserSyncer(t, okta, org, defaultUserRules(),
		config.UserDeletionPolicy{Enabled: true, PreserveAdmin: true}, store)

	err := s.deleteResource(context.Background(), "acme", &state.ManagedResource{
		OktaID:       "gone@example.com",
		BraintrustID: "bt-9",
	})
	if err == nil {
		t.Fatal("Expected admin deletion to be refused")
	}
	if len(org.removedUsers) != 0 {
		t.Errorf("Expected no removal, got %v", org.removedUsers)
	}
}

// TestUserIdentityMappingFile tests the mapping_file strategy with fallback
// to email.
func TestUserIdentityMappingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identities.yaml")
	if err := os.WriteFile(path, []byte("alice@example.com: alice@corp.example\n"), 0o644); err != nil {
		t.Fatalf("Writing mapping file: %v", err)
	}

	rules := defaultUserRules()
	rules.IdentityStrategy = config.IdentityStrategyMappingFile
	rules.MappingFile = path

	s := newTestUserSyncer(t, &stubOkta{}, newStubOrg("acme"), rules, config.UserDeletionPolicy{}, newTestStore(t))

	if got := s.identityKey(oktaUser("u1", "alice@example.com", clients.OktaStatusActive)); got != "alice@corp.example" {
		t.Errorf("Expected mapped identity, got '%s'", got)
	}
	if got := s.identityKey(oktaUser("u2", "bob@example.com", clients.OktaStatusActive)); got != "bob@example.com" {
		t.Errorf("Expected email fallback, got '%s'", got)
	}
}

func TestUserIdentityCustomField(t *testing.T) {
	rules := defaultUserRules()
	rules.IdentityStrategy = config.IdentityStrategyCustomField
	rules.CustomField = "employeeEmail"

	s := newTestUserSyncer(t, &stubOkta{}, newStubOrg("acme"), rules, config.UserDeletionPolicy{}, newTestStore(t))

	user := oktaUser("u1", "alice@example.com", clients.OktaStatusActive)
	user.Profile.AdditionalAttributes = map[string]interface{}{"employeeEmail": "Alice@Corp.Example"}
	if got := s.identityKey(user); got != "alice@corp.example" {
		t.Errorf("Expected lowered custom field identity, got '%s'", got)
	}

	plain := oktaUser("u2", "bob@example.com", clients.OktaStatusActive)
	if got := s.identityKey(plain); got != "bob@example.com" {
		t.Errorf("Expected email fallback, got '%s'", got)
	}
}
