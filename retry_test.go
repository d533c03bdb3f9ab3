package main

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/gorm"
)

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("disk I/O error"), false},
		{gorm.ErrDuplicatedKey, true},
		{fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey), true},
		{errors.New("constraint failed: UNIQUE constraint failed: invoices.invoice_number (2067)"), true},
	}
	for _, tt := range tests {
		if got := isUniqueViolation(tt.err); got != tt.want {
			t.Errorf("isUniqueViolation(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRetryOnConflictRetriesUntilSuccess(t *testing.T) {
	cfg := retryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	calls := 0
	err := retryOnConflict(t.Context(), cfg, func() error {
		calls++
		if calls < 3 {
			return gorm.ErrDuplicatedKey
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("err = %v, calls = %d, want nil after 3", err, calls)
	}
}

func TestRetryOnConflictStopsOnOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := retryOnConflict(t.Context(), defaultConflictRetry, func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("err = %v, calls = %d", err, calls)
	}
}

func TestRetryOnConflictGivesUp(t *testing.T) {
	cfg := retryConfig{MaxAttempts: 3}
	calls := 0
	err := retryOnConflict(t.Context(), cfg, func() error {
		calls++
		return gorm.ErrDuplicatedKey
	})
	if !errors.Is(err, gorm.ErrDuplicatedKey) || calls != 3 {
		t.Fatalf("err = %v, calls = %d", err, calls)
	}
}

func TestRetryOnConflictHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	err := retryOnConflict(ctx, defaultConflictRetry, func() error {
		t.Fatal("fn called after cancellation")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestBackoffDelayIsCapped(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		if d := backoffDelay(20*time.Millisecond, 500*time.Millisecond, attempt); d < 0 || d > 500*time.Millisecond {
			t.Fatalf("attempt %d delay = %v", attempt, d)
		}
	}
	if d := backoffDelay(0, time.Second, 3); d != 0 {
		t.Fatalf("zero base delay = %v", d)
	}
}
