package engine

import (
	"fmt"
	"sync"
	"time"
)

// ExecutionProgress tracks the run-time status of one plan execution. It is
// owned by the executor for the duration of a single ExecuteSyncPlan call and
// mutated from concurrent workers, so all accessors lock.
type ExecutionProgress struct {
	// ExecutionID uniquely identifies this execution.
	ExecutionID string `json:"execution_id"`

	// PlanID references the plan being executed.
	PlanID string `json:"plan_id"`

	// StartedAt is when execution began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is set when execution reaches a terminal phase.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// TotalItems is the number of plan items to execute.
	TotalItems int `json:"total_items"`

	// CompletedItems counts successfully executed items (skips included).
	CompletedItems int `json:"completed_items"`

	// FailedItems counts items that ended in an error result.
	FailedItems int `json:"failed_items"`

	// SkippedItems counts items whose action was skip.
	SkippedItems int `json:"skipped_items"`

	// CurrentPhase is the executor's phase machine position.
	CurrentPhase ExecutionPhase `json:"current_phase"`

	// OrgProgress breaks counts down per destination org.
	OrgProgress map[string]*OrgProgress `json:"org_progress"`

	// Errors collects item and phase error descriptions.
	Errors []string `json:"errors,omitempty"`

	// Warnings collects advisory findings, including drift warnings.
	Warnings []string `json:"warnings,omitempty"`

	mu sync.Mutex
}

// NewExecutionProgress creates a progress tracker for the given plan.
func NewExecutionProgress(executionID string, plan *SyncPlan) *ExecutionProgress {
	orgProgress := make(map[string]*OrgProgress, len(plan.TargetOrganizations))
	for _, org := range plan.TargetOrganizations {
		orgProgress[org] = &OrgProgress{TotalItems: plan.ItemsByOrg[org]}
	}
	return &ExecutionProgress{
		ExecutionID:  executionID,
		PlanID:       plan.PlanID,
		StartedAt:    time.Now().UTC(),
		TotalItems:   plan.TotalItems,
		CurrentPhase: PhaseInitializing,
		OrgProgress:  orgProgress,
	}
}

// SetPhase transitions the phase machine. Terminal phases stamp CompletedAt.
func (p *ExecutionProgress) SetPhase(phase ExecutionPhase) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CurrentPhase = phase
	if phase == PhaseCompleted || phase == PhaseFailed {
		now := time.Now().UTC()
		p.CompletedAt = &now
	}
}

// Phase returns the current phase.
func (p *ExecutionProgress) Phase() ExecutionPhase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CurrentPhase
}

// RecordResult folds one item result into the counters.
func (p *ExecutionProgress) RecordResult(result SyncResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	org := p.OrgProgress[result.BraintrustOrg]
	if org == nil {
		org = &OrgProgress{}
		p.OrgProgress[result.BraintrustOrg] = org
	}

	switch {
	case !result.Success:
		p.FailedItems++
		org.FailedItems++
		if result.ErrorMessage != "" {
			p.Errors = append(p.Errors, fmt.Sprintf("%s/%s in %s: %s",
				result.ResourceType, result.OktaResourceID, result.BraintrustOrg, result.ErrorMessage))
		}
	case result.Action == ActionSkip:
		p.SkippedItems++
		p.CompletedItems++
		org.SkippedItems++
		org.CompletedItems++
	default:
		p.CompletedItems++
		org.CompletedItems++
	}
}

// RecordError appends a phase-level error that is not tied to one item.
func (p *ExecutionProgress) RecordError(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Errors = append(p.Errors, msg)
}

// RecordWarning appends an advisory warning.
func (p *ExecutionProgress) RecordWarning(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Warnings = append(p.Warnings, msg)
}

// Failed reports whether any item or phase failed so far.
func (p *ExecutionProgress) Failed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.FailedItems > 0
}

// Counts returns completed, failed, and skipped counts as one consistent read.
func (p *ExecutionProgress) Counts() (completed, failed, skipped int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CompletedItems, p.FailedItems, p.SkippedItems
}

// Snapshot returns a copy safe to hand to progress callbacks, with the
// per-org maps and slices duplicated so callbacks never race the executor.
func (p *ExecutionProgress) Snapshot() *ExecutionProgress {
	p.mu.Lock()
	defer p.mu.Unlock()

	orgProgress := make(map[string]*OrgProgress, len(p.OrgProgress))
	for name, op := range p.OrgProgress {
		cloned := *op
		orgProgress[name] = &cloned
	}

	snap := &ExecutionProgress{
		ExecutionID:    p.ExecutionID,
		PlanID:         p.PlanID,
		StartedAt:      p.StartedAt,
		TotalItems:     p.TotalItems,
		CompletedItems: p.CompletedItems,
		FailedItems:    p.FailedItems,
		SkippedItems:   p.SkippedItems,
		CurrentPhase:   p.CurrentPhase,
		OrgProgress:    orgProgress,
		Errors:         append([]string(nil), p.Errors...),
		Warnings:       append([]string(nil), p.Warnings...),
	}
	if p.CompletedAt != nil {
		completedAt := *p.CompletedAt
		snap.CompletedAt = &completedAt
	}
	return snap
}

// Duration returns the elapsed execution time.
func (p *ExecutionProgress) Duration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CompletedAt != nil {
		return p.CompletedAt.Sub(p.StartedAt)
	}
	return time.Since(p.StartedAt)
}
