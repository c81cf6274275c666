// Package audit persists an append-only record of sync activity: one JSONL
// event file per execution plus a JSON summary written at completion. Writes
// are best effort; an audit failure is logged and never fails the sync.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/idbridge/idbridge/pkg/engine"
)

// Event types.
const (
	EventExecutionStarted   = "execution_started"
	EventPlanItem           = "plan_item"
	EventSyncResult         = "sync_result"
	EventExecutionCompleted = "execution_completed"
)

// Error categories for summary rollups.
const (
	CategoryNetwork    = "network"
	CategoryAuth       = "auth"
	CategoryRateLimit  = "rate_limit"
	CategoryNotFound   = "not_found"
	CategoryValidation = "validation"
	CategoryPermission = "permission"
	CategoryOther      = "other"
)

// Event is one audit record.
type Event struct {
	ID            string                 `json:"id"`
	Timestamp     time.Time              `json:"timestamp"`
	ExecutionID   string                 `json:"execution_id"`
	EventType     string                 `json:"event_type"`
	Phase         string                 `json:"phase,omitempty"`
	ResourceType  string                 `json:"resource_type,omitempty"`
	OktaID        string                 `json:"okta_id,omitempty"`
	BraintrustID  string                 `json:"braintrust_id,omitempty"`
	BraintrustOrg string                 `json:"braintrust_org,omitempty"`
	Action        string                 `json:"action,omitempty"`
	Success       *bool                  `json:"success,omitempty"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
	ErrorCategory string                 `json:"error_category,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// Summary is the per-execution rollup written at completion.
type Summary struct {
	ExecutionID      string         `json:"execution_id"`
	PlanID           string         `json:"plan_id,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      time.Time      `json:"completed_at"`
	Success          bool           `json:"success"`
	TotalEvents      int            `json:"total_events"`
	PlannedItems     int            `json:"planned_items"`
	ExecutedItems    int            `json:"executed_items"`
	FailedItems      int            `json:"failed_items"`
	ItemsByAction    map[string]int `json:"items_by_action,omitempty"`
	ErrorsByCategory map[string]int `json:"errors_by_category,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
}

// executionLog accumulates one execution's open file and running counts.
type executionLog struct {
	file      *os.File
	summary   Summary
	startedAt time.Time
}

// Logger is the JSONL audit sink. It implements engine.AuditSink and is safe
// for concurrent use by executor workers.
type Logger struct {
	dir       string
	retention time.Duration
	logger    zerolog.Logger

	mu         sync.Mutex
	executions map[string]*executionLog
}

// NewLogger creates an audit logger rooted at dir.
func NewLogger(dir string, retentionDays int, logger zerolog.Logger) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory %s: %w", dir, err)
	}
	return &Logger{
		dir:        dir,
		retention:  time.Duration(retentionDays) * 24 * time.Hour,
		logger:     logger.With().Str("component", "audit").Logger(),
		executions: make(map[string]*executionLog),
	}, nil
}

// StartExecution opens the event file for a new execution.
func (l *Logger) StartExecution(executionID, planID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := filepath.Join(l.dir, executionID+"_events.jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.logger.Error().Err(err).Str("execution_id", executionID).Msg("Failed to open audit event file")
		return err
	}

	now := time.Now().UTC()
	l.executions[executionID] = &executionLog{
		file:      file,
		startedAt: now,
		summary: Summary{
			ExecutionID:      executionID,
			PlanID:           planID,
			StartedAt:        now,
			ItemsByAction:    make(map[string]int),
			ErrorsByCategory: make(map[string]int),
		},
	}

	l.appendLocked(executionID, Event{
		EventType: EventExecutionStarted,
		Details:   map[string]interface{}{"plan_id": planID},
	})
	return nil
}

// LogPlanItem records one planned item, typically with phase "planning".
func (l *Logger) LogPlanItem(item engine.SyncPlanItem, executionID, phase string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if exec, ok := l.executions[executionID]; ok {
		exec.summary.PlannedItems++
	}
	return l.appendLocked(executionID, Event{
		EventType:     EventPlanItem,
		Phase:         phase,
		ResourceType:  item.ResourceType,
		OktaID:        item.OktaResourceID,
		BraintrustID:  item.ExistingBraintrustID,
		BraintrustOrg: item.BraintrustOrg,
		Action:        string(item.Action),
		Details:       map[string]interface{}{"reason": item.Reason},
	})
}

// LogResult records one executed item result.
func (l *Logger) LogResult(result engine.SyncResult, executionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	category := ""
	if !result.Success {
		category = CategorizeError(result.ErrorMessage)
	}

	if exec, ok := l.executions[executionID]; ok {
		exec.summary.ExecutedItems++
		exec.summary.ItemsByAction[string(result.Action)]++
		if !result.Success {
			exec.summary.FailedItems++
			exec.summary.ErrorsByCategory[category]++
		}
	}

	success := result.Success
	return l.appendLocked(executionID, Event{
		EventType:     EventSyncResult,
		Phase:         "execution",
		ResourceType:  result.ResourceType,
		OktaID:        result.OktaResourceID,
		BraintrustID:  result.BraintrustID,
		BraintrustOrg: result.BraintrustOrg,
		Action:        string(result.Action),
		Success:       &success,
		ErrorMessage:  result.ErrorMessage,
		ErrorCategory: category,
		Details:       result.Metadata,
	})
}

// CompleteExecution writes the final event and the summary file, then
// closes the event file.
func (l *Logger) CompleteExecution(executionID string, success bool, errorMessage string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	exec, ok := l.executions[executionID]
	if !ok {
		return fmt.Errorf("unknown audit execution: %s", executionID)
	}

	eventSuccess := success
	l.appendLocked(executionID, Event{
		EventType:    EventExecutionCompleted,
		Success:      &eventSuccess,
		ErrorMessage: errorMessage,
	})

	exec.summary.CompletedAt = time.Now().UTC()
	exec.summary.Success = success
	exec.summary.ErrorMessage = errorMessage

	summaryPath := filepath.Join(l.dir, executionID+"_summary.json")
	data, err := json.MarshalIndent(exec.summary, "", "  ")
	if err == nil {
		err = os.WriteFile(summaryPath, data, 0o644)
	}
	if err != nil {
		l.logger.Error().Err(err).Str("execution_id", executionID).Msg("Failed to write audit summary")
	}

	closeErr := exec.file.Close()
	delete(l.executions, executionID)

	// Retention is enforced whenever an execution completes, so old audit
	// files age out without a separate maintenance job.
	l.Cleanup()

	if err != nil {
		return err
	}
	return closeErr
}

// Cleanup removes audit files older than the retention period. Returns how
// many files were removed.
func (l *Logger) Cleanup() int {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		l.logger.Warn().Err(err).Msg("Failed to list audit directory")
		return 0
	}

	cutoff := time.Now().Add(-l.retention)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(l.dir, entry.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 {
		l.logger.Info().Int("removed", removed).Msg("Cleaned up old audit files")
	}
	return removed
}

// appendLocked writes one event line. Callers hold l.mu. Failures are
// logged and swallowed except for the returned error, which callers treat
// as advisory.
func (l *Logger) appendLocked(executionID string, event Event) error {
	exec, ok := l.executions[executionID]
	if !ok {
		l.logger.Warn().Str("execution_id", executionID).Msg("Audit event for unknown execution dropped")
		return nil
	}

	event.ID = uuid.NewString()
	event.Timestamp = time.Now().UTC()
	event.ExecutionID = executionID
	exec.summary.TotalEvents++

	line, err := json.Marshal(event)
	if err != nil {
		l.logger.Error().Err(err).Msg("Failed to encode audit event")
		return err
	}
	if _, err := exec.file.Write(append(line, '\n')); err != nil {
		l.logger.Error().Err(err).Msg("Failed to write audit event")
		return err
	}
	return nil
}

// CategorizeError buckets an error message for summary rollups.
func CategorizeError(message string) string {
	msg := strings.ToLower(message)
	switch {
	case msg == "":
		return CategoryOther
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") || strings.Contains(msg, "throttle"):
		return CategoryRateLimit
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "credentials") || strings.Contains(msg, "401") || strings.Contains(msg, "token"):
		return CategoryAuth
	case strings.Contains(msg, "permission") || strings.Contains(msg, "forbidden") || strings.Contains(msg, "403"):
		return CategoryPermission
	case strings.Contains(msg, "not found") || strings.Contains(msg, "404"):
		return CategoryNotFound
	case strings.Contains(msg, "validation") || strings.Contains(msg, "invalid"):
		return CategoryValidation
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "connection") || strings.Contains(msg, "network") || strings.Contains(msg, "dial"):
		return CategoryNetwork
	default:
		return CategoryOther
	}
}
