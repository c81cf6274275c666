package engine

import (
	"context"
	"time"

	"github.com/idbridge/idbridge/pkg/state"
)

// SyncAction represents the action a plan item proposes for one resource.
type SyncAction string

const (
	// ActionCreate creates the resource at the destination.
	ActionCreate SyncAction = "create"

	// ActionUpdate applies field changes to an existing destination resource.
	ActionUpdate SyncAction = "update"

	// ActionSkip performs no destination call; the resource is already converged
	// or creation is disabled by sync rules.
	ActionSkip SyncAction = "skip"

	// ActionDelete removes a destination resource no longer present in Okta.
	// Only generated when remove_extra is enabled.
	ActionDelete SyncAction = "delete"

	// ActionError marks an item whose execution failed; produced by execution
	// only, never by planning.
	ActionError SyncAction = "error"
)

// Resource type identifiers shared across plan items, mappings, and syncers.
const (
	ResourceTypeUser  = "user"
	ResourceTypeGroup = "group"
)

// SyncPlanItem is the unit of planning output: one proposed action for one
// Okta resource in one Braintrust organization. Immutable once emitted.
type SyncPlanItem struct {
	// OktaResourceID identifies the source resource (identity key, not raw Okta ID).
	OktaResourceID string `json:"okta_resource_id"`

	// ResourceType is "user" or "group".
	ResourceType string `json:"resource_type"`

	// BraintrustOrg is the destination organization name.
	BraintrustOrg string `json:"braintrust_org"`

	// Action is the proposed sync action.
	Action SyncAction `json:"action"`

	// Reason is a human-readable explanation of why this action was chosen.
	Reason string `json:"reason"`

	// ExistingBraintrustID is the destination resource ID for update/skip/delete items.
	ExistingBraintrustID string `json:"existing_braintrust_id,omitempty"`

	// ProposedChanges holds the field diff for update items.
	ProposedChanges map[string]interface{} `json:"proposed_changes,omitempty"`

	// Dependencies lists source IDs of items that should exist before this one.
	// Advisory metadata only; the executor orders by phase, not by this graph.
	Dependencies []string `json:"dependencies,omitempty"`

	// Metadata carries item-specific context through execution and audit.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// SyncPlan aggregates the plan items for one sync invocation.
type SyncPlan struct {
	// PlanID uniquely identifies this plan.
	PlanID string `json:"plan_id"`

	// ConfigHash is a stable short digest of the org set and sync rules,
	// used for staleness comparison. Not security sensitive.
	ConfigHash string `json:"config_hash"`

	// TargetOrganizations lists the Braintrust orgs this plan covers.
	TargetOrganizations []string `json:"target_organizations"`

	// UserItems are the user plan items, in generation order.
	UserItems []SyncPlanItem `json:"user_items"`

	// GroupItems are the group plan items, in generation order.
	GroupItems []SyncPlanItem `json:"group_items"`

	// TotalItems is the count of all items.
	TotalItems int `json:"total_items"`

	// ItemsByAction counts items per action.
	ItemsByAction map[SyncAction]int `json:"items_by_action"`

	// ItemsByOrg counts items per destination org.
	ItemsByOrg map[string]int `json:"items_by_org"`

	// DependenciesResolved indicates the user→group dependency pass ran.
	DependenciesResolved bool `json:"dependencies_resolved"`

	// EstimatedDurationMinutes is a purely advisory cost estimate.
	EstimatedDurationMinutes float64 `json:"estimated_duration_minutes"`

	// Warnings are advisory strings surfaced to the operator.
	Warnings []string `json:"warnings,omitempty"`

	// CreatedAt is when the plan was generated.
	CreatedAt time.Time `json:"created_at"`
}

// AllItems returns every plan item with user items strictly before group
// items. Group membership may reference users that must already exist at the
// destination, so this ordering is load bearing.
func (p *SyncPlan) AllItems() []SyncPlanItem {
	items := make([]SyncPlanItem, 0, len(p.UserItems)+len(p.GroupItems))
	items = append(items, p.UserItems...)
	items = append(items, p.GroupItems...)
	return items
}

// ActionableItems returns the count of items that would mutate the destination.
func (p *SyncPlan) ActionableItems() int {
	return p.ItemsByAction[ActionCreate] + p.ItemsByAction[ActionUpdate] + p.ItemsByAction[ActionDelete]
}

// SyncResult is the outcome of executing one plan item.
type SyncResult struct {
	// OperationID is the tracking ID of the SyncOperation recorded in state.
	OperationID string `json:"operation_id"`

	// OktaResourceID identifies the source resource.
	OktaResourceID string `json:"okta_resource_id"`

	// BraintrustID is the destination resource ID, when known.
	BraintrustID string `json:"braintrust_id,omitempty"`

	// BraintrustOrg is the destination organization.
	BraintrustOrg string `json:"braintrust_org"`

	// Action is the action that was executed (or ActionError on failure).
	Action SyncAction `json:"action"`

	// Success reports whether the item converged.
	Success bool `json:"success"`

	// ResourceType is "user" or "group".
	ResourceType string `json:"resource_type,omitempty"`

	// ErrorMessage holds the failure description for unsuccessful items.
	ErrorMessage string `json:"error_message,omitempty"`

	// Metadata carries result-specific context (dry_run flag, applied changes).
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ExecutionPhase is one step of the executor's phase machine.
type ExecutionPhase string

const (
	PhaseInitializing   ExecutionPhase = "initializing"
	PhaseUsers          ExecutionPhase = "users"
	PhaseGroups         ExecutionPhase = "groups"
	PhaseFinalizing     ExecutionPhase = "finalizing"
	PhaseDriftDetection ExecutionPhase = "drift_detection"
	PhaseCompleted      ExecutionPhase = "completed"
	PhaseFailed         ExecutionPhase = "failed"
)

// OrgProgress tracks per-organization execution counts.
type OrgProgress struct {
	TotalItems     int `json:"total_items"`
	CompletedItems int `json:"completed_items"`
	FailedItems    int `json:"failed_items"`
	SkippedItems   int `json:"skipped_items"`
}

// ResourceSyncer is the per-kind collaborator the planner and executor drive.
// Implementations classify source resources into plan items and carry out the
// corresponding destination-side operations, one kind per implementation.
type ResourceSyncer interface {
	// ResourceType returns the constant kind identifier ("user" or "group").
	ResourceType() string

	// GeneratePlan enumerates source resources, compares them against state
	// mappings and live destination resources, and returns typed plan items
	// for the given organizations.
	GeneratePlan(ctx context.Context, targetOrgs []string) ([]SyncPlanItem, error)

	// ExecutePlanItems executes plan items sequentially. Item-level failures
	// are captured as error results, never returned as an error; the returned
	// error covers only failures of the dispatch itself. Dry runs perform all
	// lookups but substitute a sentinel destination ID and skip mutations.
	ExecutePlanItems(ctx context.Context, items []SyncPlanItem, dryRun bool) ([]SyncResult, error)
}

// AuditSink receives execution audit records. Implementations must be safe
// for concurrent use; callers treat every method as best effort and never let
// an audit failure fail the sync.
type AuditSink interface {
	StartExecution(executionID, planID string) error
	LogPlanItem(item SyncPlanItem, executionID, phase string) error
	LogResult(result SyncResult, executionID string) error
	CompleteExecution(executionID string, success bool, errorMessage string) error
}

// DriftInspector supplies live destination snapshots for the post-execution
// drift pass. One inspector per organization.
type DriftInspector interface {
	RoleSnapshots(ctx context.Context) ([]state.RoleSnapshot, error)
	ACLSnapshots(ctx context.Context) ([]state.ACLSnapshot, error)
}

// HealthChecker verifies connectivity to an external service before execution.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ProgressCallback is invoked synchronously on phase transitions and item
// completion with a snapshot of the current progress.
type ProgressCallback func(progress *ExecutionProgress)
