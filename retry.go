package main

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"gorm.io/gorm"
)

// retryConfig controls retry-on-conflict behavior
type retryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

var defaultConflictRetry = retryConfig{
	MaxAttempts: 5,
	BaseDelay:   20 * time.Millisecond,
	MaxDelay:    500 * time.Millisecond,
}

// retryOnConflict runs fn until it succeeds, fails with a non-conflict error,
// or the attempts are exhausted.
func retryOnConflict(ctx context.Context, cfg retryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err = fn()
		if err == nil {
			return nil
		}
		if attempt == cfg.MaxAttempts || !isUniqueViolation(err) {
			return err
		}

		delay := backoffDelay(cfg.BaseDelay, cfg.MaxDelay, attempt)
		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// isUniqueViolation reports whether err is a unique constraint failure.
// The pure-Go SQLite driver's error is not translated by gorm, so the
// message is checked as well.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base << (attempt - 1)
	if max > 0 && delay > max {
		delay = max
	}
	return time.Duration(rand.Int63n(int64(delay) + 1))
}
