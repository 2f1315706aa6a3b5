package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestRetryabilityByClass(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"transport", NewTransportError("timeout", nil), true},
		{"storage", NewStorageError("locked", nil), true},
		{"conflict", NewConflictError("diverged", nil), false},
		{"config", NewConfigError("bad strategy", nil), false},
		{"queue", NewQueueError("redis down", nil), false},
		{"manual sentinel", ErrManualResolutionRequired, false},
		{"transform sentinel", ErrUnknownTransform, false},
		{"queue sentinel", ErrQueueUnavailable, false},
		{"plain error", errors.New("connection refused"), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.err); got != tc.retryable {
				t.Errorf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.retryable)
			}
		})
	}
}

func TestClassSurvivesWrapping(t *testing.T) {
	inner := NewConflictError("diverged", nil)
	wrapped := fmt.Errorf("sync item 42: %w", inner)

	if !IsConflict(wrapped) {
		t.Error("conflict class lost through wrapping")
	}
	if IsRetryable(wrapped) {
		t.Error("wrapped conflict became retryable")
	}
}

func TestSyncErrorIsMatchesByClass(t *testing.T) {
	a := NewTransportError("timeout", nil)
	b := NewTransportError("reset", nil)
	if !errors.Is(a, b) {
		t.Error("same-class errors should match")
	}
	c := NewStorageError("locked", nil)
	if errors.Is(a, c) {
		t.Error("different classes matched")
	}
}

func TestSyncErrorMessageCarriesItemContext(t *testing.T) {
	err := NewTransportError("target create failed", errors.New("503")).WithItem("42")
	msg := err.Error()
	if !strings.Contains(msg, "item=42") || !strings.Contains(msg, "503") {
		t.Errorf("unexpected message %q", msg)
	}
}

func TestIsConflictMatchesSentinel(t *testing.T) {
	if !IsConflict(ErrManualResolutionRequired) {
		t.Error("sentinel not recognized as conflict")
	}
	if IsConflict(errors.New("other")) {
		t.Error("plain error recognized as conflict")
	}
}
