// Package state implements the durable record of what idbridge manages:
// source-to-destination resource mappings, operation history, managed
// resource ownership, and drift findings. State is persisted as one JSON
// file per sync run with a backup sibling on overwrite; resource mappings
// additionally persist across runs, which is what gives the system memory
// between invocations despite being otherwise stateless per run.
package state

import (
	"fmt"
	"sync"
	"time"
)

// Sync state status values.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Operation status values.
const (
	OperationPending    = "pending"
	OperationInProgress = "in_progress"
	OperationCompleted  = "completed"
	OperationFailed     = "failed"
)

// ResourceMapping is the durable association between an Okta resource and
// the Braintrust resource it produced. Unique per (OktaID, BraintrustOrg,
// ResourceType); created on first successful creation and updated in place
// if the destination ID ever changes.
type ResourceMapping struct {
	// OktaID is the source resource identity key.
	OktaID string `json:"okta_id"`

	// BraintrustID is the destination resource ID.
	BraintrustID string `json:"braintrust_id"`

	// BraintrustOrg is the destination organization name.
	BraintrustOrg string `json:"braintrust_org"`

	// ResourceType is "user" or "group".
	ResourceType string `json:"resource_type"`

	// CreatedAt is when the mapping was first recorded.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is bumped whenever the destination ID changes.
	UpdatedAt time.Time `json:"updated_at"`
}

// SyncOperation records a single attempted action against one resource.
// Immutable once terminal.
type SyncOperation struct {
	// OperationID uniquely identifies the operation.
	OperationID string `json:"operation_id"`

	// OperationType is create, update, delete, or skip.
	OperationType string `json:"operation_type"`

	// ResourceType is "user" or "group".
	ResourceType string `json:"resource_type"`

	// OktaID is the source resource identity key.
	OktaID string `json:"okta_id"`

	// BraintrustID is the destination resource ID, when known.
	BraintrustID string `json:"braintrust_id,omitempty"`

	// BraintrustOrg is the destination organization.
	BraintrustOrg string `json:"braintrust_org"`

	// Status is the operation lifecycle state.
	Status string `json:"status"`

	// StartedAt is when the operation began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is set when the operation reaches a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ErrorMessage holds the failure description for failed operations.
	ErrorMessage string `json:"error_message,omitempty"`

	// Metadata carries operation-specific context.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// MarkCompleted transitions the operation to completed, recording the
// destination ID when one was produced.
func (o *SyncOperation) MarkCompleted(braintrustID string) {
	now := time.Now().UTC()
	o.Status = OperationCompleted
	o.CompletedAt = &now
	if braintrustID != "" {
		o.BraintrustID = braintrustID
	}
}

// MarkFailed transitions the operation to failed with the given message.
func (o *SyncOperation) MarkFailed(errorMessage string) {
	now := time.Now().UTC()
	o.Status = OperationFailed
	o.CompletedAt = &now
	o.ErrorMessage = errorMessage
}

// ManagedResource records that a destination resource is owned by sync,
// which is what the stateless deletion policy keys off.
type ManagedResource struct {
	// ResourceType is "user" or "group".
	ResourceType string `json:"resource_type"`

	// OktaID is the source resource identity key.
	OktaID string `json:"okta_id"`

	// BraintrustID is the destination resource ID.
	BraintrustID string `json:"braintrust_id"`

	// BraintrustOrg is the destination organization.
	BraintrustOrg string `json:"braintrust_org"`

	// CreatedBySync reports whether this tool created the resource, as
	// opposed to adopting an untracked one.
	CreatedBySync bool `json:"created_by_sync"`

	// FirstSeen is when sync first recorded the resource.
	FirstSeen time.Time `json:"first_seen"`

	// LastSeen is updated every run that observes the resource.
	LastSeen time.Time `json:"last_seen"`
}

// RoleState records a destination role that sync manages, with a config
// hash for drift comparison.
type RoleState struct {
	RoleID        string    `json:"role_id"`
	RoleName      string    `json:"role_name"`
	BraintrustOrg string    `json:"braintrust_org"`
	ConfigHash    string    `json:"config_hash"`
	LastApplied   time.Time `json:"last_applied"`
}

// ACLState records a destination ACL that sync manages.
type ACLState struct {
	ACLID         string    `json:"acl_id"`
	ObjectType    string    `json:"object_type"`
	ObjectID      string    `json:"object_id"`
	BraintrustOrg string    `json:"braintrust_org"`
	ConfigHash    string    `json:"config_hash"`
	LastApplied   time.Time `json:"last_applied"`
}

// RoleSnapshot is a live role observation handed to drift detection.
// The store never calls the network itself.
type RoleSnapshot struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

// ACLSnapshot is a live ACL observation handed to drift detection.
type ACLSnapshot struct {
	ID         string `json:"id"`
	ObjectType string `json:"object_type"`
	ObjectID   string `json:"object_id"`
	Permission string `json:"permission"`

	// GroupID and RoleID tie the grant back to the principal and role it
	// applies. GroupID is how grants are attributed to managed groups.
	GroupID string `json:"group_id,omitempty"`
	RoleID  string `json:"role_id,omitempty"`
}

// Drift warning severities.
const (
	DriftSeverityHigh   = "high"
	DriftSeverityMedium = "medium"
	DriftSeverityLow    = "low"
)

// DriftWarning is one detected divergence between what the store believes
// it manages and what actually exists at the destination.
type DriftWarning struct {
	ID            string                 `json:"id"`
	Severity      string                 `json:"severity"`
	ResourceType  string                 `json:"resource_type"`
	ResourceID    string                 `json:"resource_id"`
	BraintrustOrg string                 `json:"braintrust_org"`
	Description   string                 `json:"description"`
	DetectedAt    time.Time              `json:"detected_at"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// SyncStats summarizes a run for the persisted state file.
type SyncStats struct {
	TotalOperations     int            `json:"total_operations"`
	CompletedOperations int            `json:"completed_operations"`
	FailedOperations    int            `json:"failed_operations"`
	SkippedOperations   int            `json:"skipped_operations"`
	OperationsByType    map[string]int `json:"operations_by_type,omitempty"`
	DurationSeconds     float64        `json:"duration_seconds,omitempty"`
}

// SyncState is the state store's root aggregate: one instance per sync run.
// Concurrently executing plan items mutate the mapping and operation maps,
// so mutation goes through locked methods; the mutex is unexported and
// therefore invisible to the JSON codec.
type SyncState struct {
	// SyncID uniquely identifies this run; also the persisted file name.
	SyncID string `json:"sync_id"`

	// Status is the run lifecycle state.
	Status string `json:"status"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is set at finalization.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ResourceMappings maps "oktaID:org:type" to its mapping.
	ResourceMappings map[string]*ResourceMapping `json:"resource_mappings"`

	// Operations maps operation ID to its record.
	Operations map[string]*SyncOperation `json:"operations"`

	// ManagedResources maps "oktaID:org:type" to ownership records.
	ManagedResources map[string]*ManagedResource `json:"managed_resources,omitempty"`

	// ManagedRoles maps "roleID:org" to managed role records.
	ManagedRoles map[string]*RoleState `json:"managed_roles,omitempty"`

	// ManagedACLs maps "aclID:org" to managed ACL records.
	ManagedACLs map[string]*ACLState `json:"managed_acls,omitempty"`

	// DriftWarnings holds findings from the post-execution drift pass.
	DriftWarnings []DriftWarning `json:"drift_warnings,omitempty"`

	// Stats summarizes the run at finalization.
	Stats SyncStats `json:"stats"`

	// ConfigSnapshot preserves the effective sync configuration for this run.
	ConfigSnapshot map[string]interface{} `json:"config_snapshot,omitempty"`

	// removedMappings and removedManaged track keys explicitly dropped during
	// this run, so the persistent continuity files forget them instead of
	// re-merging the stale entries on the next save.
	removedMappings map[string]bool
	removedManaged  map[string]bool

	mu sync.RWMutex
}

// NewSyncState creates an in-progress state for the given sync ID.
func NewSyncState(syncID string) *SyncState {
	return &SyncState{
		SyncID:           syncID,
		Status:           StatusInProgress,
		StartedAt:        time.Now().UTC(),
		ResourceMappings: make(map[string]*ResourceMapping),
		Operations:       make(map[string]*SyncOperation),
		ManagedResources: make(map[string]*ManagedResource),
		ManagedRoles:     make(map[string]*RoleState),
		ManagedACLs:      make(map[string]*ACLState),
		removedMappings:  make(map[string]bool),
		removedManaged:   make(map[string]bool),
	}
}

// MappingKey builds the unique key for a mapping triple.
func MappingKey(oktaID, braintrustOrg, resourceType string) string {
	return fmt.Sprintf("%s:%s:%s", oktaID, braintrustOrg, resourceType)
}

// AddMapping records a mapping for the triple, updating in place and bumping
// UpdatedAt if one already exists. The triple never maps to two records.
func (s *SyncState) AddMapping(oktaID, braintrustID, braintrustOrg, resourceType string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := MappingKey(oktaID, braintrustOrg, resourceType)
	delete(s.removedMappings, key)
	now := time.Now().UTC()
	if existing, ok := s.ResourceMappings[key]; ok {
		existing.BraintrustID = braintrustID
		existing.UpdatedAt = now
		return
	}
	s.ResourceMappings[key] = &ResourceMapping{
		OktaID:        oktaID,
		BraintrustID:  braintrustID,
		BraintrustOrg: braintrustOrg,
		ResourceType:  resourceType,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// GetMapping returns the mapping for the triple, or nil.
func (s *SyncState) GetMapping(oktaID, braintrustOrg, resourceType string) *ResourceMapping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ResourceMappings[MappingKey(oktaID, braintrustOrg, resourceType)]
}

// RemoveMapping deletes the mapping for the triple, returning whether one existed.
func (s *SyncState) RemoveMapping(oktaID, braintrustOrg, resourceType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := MappingKey(oktaID, braintrustOrg, resourceType)
	if _, ok := s.ResourceMappings[key]; !ok {
		return false
	}
	delete(s.ResourceMappings, key)
	if s.removedMappings == nil {
		s.removedMappings = make(map[string]bool)
	}
	s.removedMappings[key] = true
	return true
}

// MappingCount returns the number of mappings, optionally filtered by kind.
func (s *SyncState) MappingCount(resourceType string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if resourceType == "" {
		return len(s.ResourceMappings)
	}
	count := 0
	for _, m := range s.ResourceMappings {
		if m.ResourceType == resourceType {
			count++
		}
	}
	return count
}

// MappingsFor returns the mappings for one org and kind.
func (s *SyncState) MappingsFor(braintrustOrg, resourceType string) []*ResourceMapping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ResourceMapping
	for _, m := range s.ResourceMappings {
		if m.BraintrustOrg == braintrustOrg && m.ResourceType == resourceType {
			out = append(out, m)
		}
	}
	return out
}

// AddOperation records an operation.
func (s *SyncState) AddOperation(op *SyncOperation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Operations[op.OperationID] = op
}

// RecordManagedResource marks a destination resource as managed by sync.
// An existing record keeps its FirstSeen and CreatedBySync flag.
func (s *SyncState) RecordManagedResource(oktaID, braintrustID, braintrustOrg, resourceType string, createdBySync bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := MappingKey(oktaID, braintrustOrg, resourceType)
	delete(s.removedManaged, key)
	now := time.Now().UTC()
	if existing, ok := s.ManagedResources[key]; ok {
		existing.BraintrustID = braintrustID
		existing.LastSeen = now
		return
	}
	s.ManagedResources[key] = &ManagedResource{
		ResourceType:  resourceType,
		OktaID:        oktaID,
		BraintrustID:  braintrustID,
		BraintrustOrg: braintrustOrg,
		CreatedBySync: createdBySync,
		FirstSeen:     now,
		LastSeen:      now,
	}
}

// RemoveManagedResource drops the ownership record for a deleted resource.
func (s *SyncState) RemoveManagedResource(oktaID, braintrustOrg, resourceType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := MappingKey(oktaID, braintrustOrg, resourceType)
	delete(s.ManagedResources, key)
	if s.removedManaged == nil {
		s.removedManaged = make(map[string]bool)
	}
	s.removedManaged[key] = true
}

// ManagedResourcesFor returns ownership records for one org and kind.
func (s *SyncState) ManagedResourcesFor(braintrustOrg, resourceType string) []*ManagedResource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ManagedResource
	for _, r := range s.ManagedResources {
		if r.BraintrustOrg == braintrustOrg && r.ResourceType == resourceType {
			out = append(out, r)
		}
	}
	return out
}

// RecordManagedRole tracks a managed role for drift comparison.
func (s *SyncState) RecordManagedRole(role *RoleState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ManagedRoles[role.RoleID+":"+role.BraintrustOrg] = role
}

// RecordManagedACL tracks a managed ACL for drift comparison.
func (s *SyncState) RecordManagedACL(acl *ACLState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ManagedACLs[acl.ACLID+":"+acl.BraintrustOrg] = acl
}

// AddDriftWarnings appends drift findings.
func (s *SyncState) AddDriftWarnings(warnings []DriftWarning) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DriftWarnings = append(s.DriftWarnings, warnings...)
}

// Finalize summarizes operations into stats and marks the run terminal.
func (s *SyncState) Finalize(failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := SyncStats{OperationsByType: make(map[string]int)}
	for _, op := range s.Operations {
		stats.TotalOperations++
		stats.OperationsByType[op.OperationType]++
		switch {
		case op.Status == OperationFailed:
			stats.FailedOperations++
		case op.OperationType == "skip":
			stats.SkippedOperations++
			stats.CompletedOperations++
		case op.Status == OperationCompleted:
			stats.CompletedOperations++
		}
	}

	now := time.Now().UTC()
	stats.DurationSeconds = now.Sub(s.StartedAt).Seconds()
	s.Stats = stats
	s.CompletedAt = &now
	if failed {
		s.Status = StatusFailed
	} else {
		s.Status = StatusCompleted
	}
}
