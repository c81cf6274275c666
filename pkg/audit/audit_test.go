package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/idbridge/idbridge/pkg/engine"
)

func newTestLogger(t *testing.T) (*Logger, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := NewLogger(dir, 30, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewLogger() returned error: %v", err)
	}
	return l, dir
}

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Opening event file: %v", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("Decoding event line: %v", err)
		}
		events = append(events, ev)
	}
	return events
}

// TestExecutionLifecycle tests that a full execution produces the event file
// and the summary with correct counts.
func TestExecutionLifecycle(t *testing.T) {
	l, dir := newTestLogger(t)

	if err := l.StartExecution("exec_1", "plan_abc"); err != nil {
		t.Fatalf("StartExecution() returned error: %v", err)
	}

	item := engine.SyncPlanItem{
		OktaResourceID: "alice@example.com",
		ResourceType:   "user",
		BraintrustOrg:  "acme",
		Action:         engine.ActionCreate,
		Reason:         "New resource from Okta",
	}
	if err := l.LogPlanItem(item, "exec_1", "planning"); err != nil {
		t.Fatalf("LogPlanItem() returned error: %v", err)
	}

	if err := l.LogResult(engine.SyncResult{
		OktaResourceID: "alice@example.com",
		BraintrustID:   "bt-1",
		BraintrustOrg:  "acme",
		Action:         engine.ActionCreate,
		Success:        true,
		ResourceType:   "user",
	}, "exec_1"); err != nil {
		t.Fatalf("LogResult() returned error: %v", err)
	}
	if err := l.LogResult(engine.SyncResult{
		OktaResourceID: "bob@example.com",
		BraintrustOrg:  "acme",
		Action:         engine.ActionError,
		Success:        false,
		ResourceType:   "user",
		ErrorMessage:   "rate limit exceeded",
	}, "exec_1"); err != nil {
		t.Fatalf("LogResult() returned error: %v", err)
	}

	if err := l.CompleteExecution("exec_1", false, "1 item failed"); err != nil {
		t.Fatalf("CompleteExecution() returned error: %v", err)
	}

	events := readEvents(t, filepath.Join(dir, "exec_1_events.jsonl"))
	if len(events) != 5 {
		t.Fatalf("Expected 5 events, got %d", len(events))
	}
	if events[0].EventType != EventExecutionStarted {
		t.Errorf("Expected started event first, got '%s'", events[0].EventType)
	}
	if events[1].EventType != EventPlanItem || events[1].Phase != "planning" {
		t.Errorf("Unexpected plan item event: %+v", events[1])
	}
	if events[4].EventType != EventExecutionCompleted {
		t.Errorf("Expected completed event last, got '%s'", events[4].EventType)
	}
	for _, ev := range events {
		if ev.ExecutionID != "exec_1" || ev.ID == "" || ev.Timestamp.IsZero() {
			t.Errorf("Event missing identity fields: %+v", ev)
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, "exec_1_summary.json"))
	if err != nil {
		t.Fatalf("Reading summary: %v", err)
	}
	var summary Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("Decoding summary: %v", err)
	}
	if summary.PlannedItems != 1 || summary.ExecutedItems != 2 || summary.FailedItems != 1 {
		t.Errorf("Unexpected summary counts: %+v", summary)
	}
	if summary.Success {
		t.Error("Expected failed summary")
	}
	if summary.ItemsByAction["create"] != 1 || summary.ItemsByAction["error"] != 1 {
		t.Errorf("Unexpected items by action: %v", summary.ItemsByAction)
	}
	if summary.ErrorsByCategory[CategoryRateLimit] != 1 {
		t.Errorf("Expected rate limit categorized, got %v", summary.ErrorsByCategory)
	}
	if summary.TotalEvents != 5 {
		t.Errorf("Expected 5 total events, got %d", summary.TotalEvents)
	}
}

// TestEventsForUnknownExecutionDropped tests that events without a started
// execution are swallowed, never errors.
func TestEventsForUnknownExecutionDropped(t *testing.T) {
	l, dir := newTestLogger(t)

	if err := l.LogResult(engine.SyncResult{OktaResourceID: "x"}, "exec_ghost"); err != nil {
		t.Errorf("Expected dropped event to be silent, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "exec_ghost_events.jsonl")); !os.IsNotExist(err) {
		t.Error("Expected no event file for unknown execution")
	}
}

func TestCompleteUnknownExecution(t *testing.T) {
	l, _ := newTestLogger(t)
	if err := l.CompleteExecution("exec_ghost", true, ""); err == nil {
		t.Error("Expected error completing unknown execution")
	}
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		message string
		want    string
	}{
		{"rate limit exceeded", CategoryRateLimit},
		{"HTTP 429 from server", CategoryRateLimit},
		{"401 unauthorized", CategoryAuth},
		{"invalid API token", CategoryAuth},
		{"403 forbidden", CategoryPermission},
		{"resource not found", CategoryNotFound},
		{"validation failed on field", CategoryValidation},
		{"connection refused", CategoryNetwork},
		{"dial tcp: timeout", CategoryNetwork},
		{"something odd happened", CategoryOther},
		{"", CategoryOther},
	}

	for _, tt := range tests {
		if got := CategorizeError(tt.message); got != tt.want {
			t.Errorf("CategorizeError(%q) = %q, want %q", tt.message, got, tt.want)
		}
	}
}

// TestCleanupRetention tests that only files older than the retention window
// are removed.
func TestCleanupRetention(t *testing.T) {
	l, dir := newTestLogger(t)

	oldPath := filepath.Join(dir, "exec_old_events.jsonl")
	newPath := filepath.Join(dir, "exec_new_events.jsonl")
	for _, p := range []string{oldPath, newPath} {
		if err := os.WriteFile(p, []byte("{}\n"), 0o644); err != nil {
			t.Fatalf("Writing audit file: %v", err)
		}
	}
	stale := time.Now().Add(-40 * 24 * time.Hour)
	if err := os.Chtimes(oldPath, stale, stale); err != nil {
		t.Fatalf("Backdating audit file: %v", err)
	}

	if removed := l.Cleanup(); removed != 1 {
		t.Errorf("Expected 1 file removed, got %d", removed)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Error("Expected old file removed")
	}
	if _, err := os.Stat(newPath); err != nil {
		t.Error("Expected recent file kept")
	}
}

// TestCompleteExecutionEnforcesRetention tests that finishing an execution
// ages out audit files past the retention period without a separate call.
func TestCompleteExecutionEnforcesRetention(t *testing.T) {
	l, dir := newTestLogger(t)

	oldPath := filepath.Join(dir, "exec_old_events.jsonl")
	if err := os.WriteFile(oldPath, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("Writing audit file: %v", err)
	}
	stale := time.Now().Add(-40 * 24 * time.Hour)
	if err := os.Chtimes(oldPath, stale, stale); err != nil {
		t.Fatalf("Backdating audit file: %v", err)
	}

	if err := l.StartExecution("exec_1", "plan_abc"); err != nil {
		t.Fatalf("StartExecution() returned error: %v", err)
	}
	if err := l.CompleteExecution("exec_1", true, ""); err != nil {
		t.Fatalf("CompleteExecution() returned error: %v", err)
	}

	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Error("Expected stale audit file removed on completion")
	}
	if _, err := os.Stat(filepath.Join(dir, "exec_1_summary.json")); err != nil {
		t.Errorf("Expected fresh summary kept, got %v", err)
	}
}
