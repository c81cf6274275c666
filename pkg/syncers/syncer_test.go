package syncers

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/idbridge/idbridge/pkg/config"
	"github.com/idbridge/idbridge/pkg/engine"
	"github.com/idbridge/idbridge/pkg/state"
)

// fakeOps is a scriptable kindOps for exercising the shared core directly.
type fakeOps struct {
	kind       string
	sourceKeys []string
	dest       *destIndex
	syncErr    error
	updates    map[string]interface{}
	createID   string
	createErr  error
	panicOn    string
	allowed    bool
}

func (f *fakeOps) resourceType() string { return f.kind }

func (f *fakeOps) fetchSource(ctx context.Context) ([]string, error) {
	return f.sourceKeys, nil
}

func (f *fakeOps) fetchDestination(ctx context.Context, org string) (*destIndex, error) {
	if f.dest != nil {
		return f.dest, nil
	}
	return &destIndex{idByKey: map[string]string{}, ids: map[string]bool{}}, nil
}

func (f *fakeOps) destinationKey(key string) string { return key }

func (f *fakeOps) shouldSync(key, org string) (bool, error) {
	if f.syncErr != nil {
		return false, f.syncErr
	}
	return true, nil
}

func (f *fakeOps) computeUpdates(key, org, destID string) map[string]interface{} {
	return f.updates
}

func (f *fakeOps) create(ctx context.Context, key, org string) (string, error) {
	if f.panicOn == key {
		panic("scripted panic")
	}
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.createID, nil
}

func (f *fakeOps) update(ctx context.Context, key, org, destID string, changes map[string]interface{}) error {
	return nil
}

func (f *fakeOps) deleteResource(ctx context.Context, org string, managed *state.ManagedResource) error {
	return nil
}

func (f *fakeOps) deleteAllowed(managed *state.ManagedResource) (bool, string) {
	if !f.allowed {
		return false, "scripted refusal"
	}
	return true, ""
}

func newTestCore(t *testing.T, ops *fakeOps, rules config.SyncRules) *core {
	t.Helper()
	return newCore(ops, newTestStore(t), rules, zerolog.Nop())
}

// TestCoreFailOpenOnFilterError tests that a filter error keeps the resource
// in the plan instead of silently dropping it.
func TestCoreFailOpenOnFilterError(t *testing.T) {
	ops := &fakeOps{
		kind:       "user",
		sourceKeys: []string{"alice@example.com"},
		syncErr:    errors.New("filter blew up"),
	}
	c := newTestCore(t, ops, config.SyncRules{Enabled: true, CreateMissing: true})

	items, err := c.GeneratePlan(context.Background(), []string{"acme"})
	if err != nil {
		t.Fatalf("GeneratePlan() returned error: %v", err)
	}
	if len(items) != 1 || items[0].Action != engine.ActionCreate {
		t.Fatalf("Expected resource kept in plan on filter error, got %+v", items)
	}
}

// TestCoreUnknownActionBecomesError tests that an unrecognized action yields
// an error result rather than a panic or silent success.
func TestCoreUnknownActionBecomesError(t *testing.T) {
	ops := &fakeOps{kind: "user"}
	c := newTestCore(t, ops, config.SyncRules{Enabled: true})

	results, err := c.ExecutePlanItems(context.Background(), []engine.SyncPlanItem{
		{OktaResourceID: "alice@example.com", BraintrustOrg: "acme", Action: "bogus"},
	}, false)
	if err != nil {
		t.Fatalf("ExecutePlanItems() returned error: %v", err)
	}
	if len(results) != 1 || results[0].Success {
		t.Fatalf("Expected failed result, got %+v", results)
	}
	if results[0].Action != engine.ActionError {
		t.Errorf("Expected action error, got '%s'", results[0].Action)
	}
}

// TestCorePanicRecovery tests that a panic inside one item becomes an error
// result and the remaining items still execute.
func TestCorePanicRecovery(t *testing.T) {
	ops := &fakeOps{kind: "user", createID: "bt-1", panicOn: "bad@example.com"}
	c := newTestCore(t, ops, config.SyncRules{Enabled: true, CreateMissing: true})

	results, err := c.ExecutePlanItems(context.Background(), []engine.SyncPlanItem{
		{OktaResourceID: "bad@example.com", BraintrustOrg: "acme", Action: engine.ActionCreate},
		{OktaResourceID: "good@example.com", BraintrustOrg: "acme", Action: engine.ActionCreate},
	}, false)
	if err != nil {
		t.Fatalf("ExecutePlanItems() returned error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	if results[0].Success {
		t.Error("Expected panicking item to fail")
	}
	if !results[1].Success || results[1].BraintrustID != "bt-1" {
		t.Errorf("Expected second item to succeed, got %+v", results[1])
	}
}

// TestCoreCreateFailureRecordsOperation tests that a create failure is
// reflected both in the result and in the recorded operation.
func TestCoreCreateFailureRecordsOperation(t *testing.T) {
	ops := &fakeOps{kind: "user", createErr: errors.New("api down")}
	c := newTestCore(t, ops, config.SyncRules{Enabled: true, CreateMissing: true})

	results, err := c.ExecutePlanItems(context.Background(), []engine.SyncPlanItem{
		{OktaResourceID: "alice@example.com", BraintrustOrg: "acme", Action: engine.ActionCreate},
	}, false)
	if err != nil {
		t.Fatalf("ExecutePlanItems() returned error: %v", err)
	}
	if results[0].Success {
		t.Fatal("Expected create failure")
	}
	if results[0].ErrorMessage == "" {
		t.Error("Expected error message in result")
	}

	if got := len(c.store.Current().Operations); got != 1 {
		t.Errorf("Expected 1 recorded operation, got %d", got)
	}
}

// TestCoreDeletionRespectsPolicy tests that planDeletions consults the
// kind's deletion policy per managed resource.
func TestCoreDeletionRespectsPolicy(t *testing.T) {
	ops := &fakeOps{kind: "user", allowed: false}
	c := newTestCore(t, ops, config.SyncRules{Enabled: true, RemoveExtra: true})
	c.store.Current().RecordManagedResource("gone@example.com", "bt-9", "acme", "user", true)

	items, err := c.GeneratePlan(context.Background(), []string{"acme"})
	if err != nil {
		t.Fatalf("GeneratePlan() returned error: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("Expected policy to block the deletion, got %+v", items)
	}

	ops.allowed = true
	items, err = c.GeneratePlan(context.Background(), []string{"acme"})
	if err != nil {
		t.Fatalf("GeneratePlan() returned error: %v", err)
	}
	if len(items) != 1 || items[0].Action != engine.ActionDelete {
		t.Fatalf("Expected single delete item, got %+v", items)
	}
	if items[0].Reason != "Source resource no longer exists in Okta" {
		t.Errorf("Unexpected reason: '%s'", items[0].Reason)
	}
}

// TestCoreUpdateDryRunProposesChanges tests that a dry-run update reports
// the proposed diff without applying it.
func TestCoreUpdateDryRunProposesChanges(t *testing.T) {
	ops := &fakeOps{kind: "group"}
	c := newTestCore(t, ops, config.SyncRules{Enabled: true})

	results, err := c.ExecutePlanItems(context.Background(), []engine.SyncPlanItem{
		{
			OktaResourceID:       "Engineering",
			BraintrustOrg:        "acme",
			Action:               engine.ActionUpdate,
			ExistingBraintrustID: "bt-g1",
			ProposedChanges:      map[string]interface{}{"description": "new"},
		},
	}, true)
	if err != nil {
		t.Fatalf("ExecutePlanItems() returned error: %v", err)
	}
	if !results[0].Success || results[0].BraintrustID != "bt-g1" {
		t.Fatalf("Expected dry-run update result, got %+v", results[0])
	}
	if _, ok := results[0].Metadata["proposed_changes"]; !ok {
		t.Errorf("Expected proposed_changes metadata, got %+v", results[0].Metadata)
	}
	if dry, ok := results[0].Metadata["dry_run"].(bool); !ok || !dry {
		t.Errorf("Expected dry_run metadata, got %+v", results[0].Metadata)
	}
}
