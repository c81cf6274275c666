package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		throttled bool
		conflict  bool
		permanent bool
		retryable bool
	}{
		{"transient", NewTransientError("timeout", nil), true, false, false, false, true},
		{"throttled", NewThrottledError("rate limited", nil), false, true, false, false, true},
		{"conflict", NewConflictError("already exists", nil), false, false, true, false, true},
		{"permanent", NewPermanentError("bad config", nil), false, false, false, true, false},
		{"plain error", errors.New("opaque"), false, false, false, false, false},
		{"nil", nil, false, false, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.transient {
				t.Errorf("IsTransient() = %v, want %v", got, tt.transient)
			}
			if got := IsThrottled(tt.err); got != tt.throttled {
				t.Errorf("IsThrottled() = %v, want %v", got, tt.throttled)
			}
			if got := IsConflict(tt.err); got != tt.conflict {
				t.Errorf("IsConflict() = %v, want %v", got, tt.conflict)
			}
			if got := IsPermanent(tt.err); got != tt.permanent {
				t.Errorf("IsPermanent() = %v, want %v", got, tt.permanent)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

// TestClassificationThroughWrapping tests that classification survives
// fmt.Errorf %w chains.
func TestClassificationThroughWrapping(t *testing.T) {
	inner := NewThrottledError("rate limited", nil).WithCode(ErrCodeRateLimited)
	wrapped := fmt.Errorf("listing users: %w", inner)

	if !IsThrottled(wrapped) {
		t.Error("Expected throttled classification through wrapping")
	}
	if !IsRetryable(wrapped) {
		t.Error("Expected retryable through wrapping")
	}

	var se *SyncError
	if !errors.As(wrapped, &se) || se.Code != ErrCodeRateLimited {
		t.Errorf("Expected code preserved, got %+v", se)
	}
}

func TestErrorMessageIncludesContext(t *testing.T) {
	err := NewPermanentError("create failed", errors.New("boom")).
		WithResource("alice@example.com").
		WithOperation("create").
		WithOrg("acme")

	msg := err.Error()
	for _, fragment := range []string{"permanent", "create failed", "alice@example.com", "boom"} {
		if !strings.Contains(msg, fragment) {
			t.Errorf("Expected '%s' in message, got: %s", fragment, msg)
		}
	}
}

// TestErrorIsMatchesClassAndCode tests errors.Is semantics over class/code
// pairs.
func TestErrorIsMatchesClassAndCode(t *testing.T) {
	err := NewPermanentError("denied", nil).WithCode(ErrCodePermissionDenied)
	target := &SyncError{Class: ErrorClassPermanent, Code: ErrCodePermissionDenied}

	if !errors.Is(err, target) {
		t.Error("Expected match on class and code")
	}
	if errors.Is(err, &SyncError{Class: ErrorClassPermanent, Code: ErrCodeNotFound}) {
		t.Error("Expected mismatch on differing code")
	}
}
