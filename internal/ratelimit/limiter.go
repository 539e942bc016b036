// Package ratelimit implements the Admission Layer's per-user daily-quota
// check over the task creation table.
package ratelimit

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/common/config"
	"github.com/taskforge/taskforge/internal/common/logger"
)

// Result is the outcome of a quota check.
type Result struct {
	Allowed   bool
	Remaining int
	Total     int
	ResetAt   time.Time
}

// Limiter enforces the per-user daily task-creation quota.
type Limiter interface {
	CheckAllowed(ctx context.Context, userID, email string) (Result, error)
}

// ActiveTaskCounter is the narrow Task Store slice the limiter needs: the
// same trailing-window count the Task Store already exposes for its own
// bookkeeping, so there's one query for this behind both callers rather
// than the limiter hand-rolling a second copy of it.
type ActiveTaskCounter interface {
	CountActiveSince(ctx context.Context, userID string, since time.Time) (int, time.Time, error)
}

// PostgresLimiter counts non-soft-deleted tasks created by a user within the
// trailing 24-hour window. On a query error it fails open: Allowed=true.
// This is an explicit design choice, because the window is small and a
// database outage is already the user's primary concern.
type PostgresLimiter struct {
	tasks  ActiveTaskCounter
	cfg    config.RateLimitConfig
	logger *logger.Logger
}

// NewPostgresLimiter constructs a PostgresLimiter over tasks, the Task
// Store's active-task count.
func NewPostgresLimiter(tasks ActiveTaskCounter, cfg config.RateLimitConfig, log *logger.Logger) *PostgresLimiter {
	return &PostgresLimiter{tasks: tasks, cfg: cfg, logger: log}
}

func (l *PostgresLimiter) totalFor(email string) int {
	domain := domainOf(email)
	for _, admin := range l.cfg.AdminDomains {
		if strings.EqualFold(domain, admin) {
			return l.cfg.AdminDailyQuota
		}
	}
	return l.cfg.DefaultDailyQuota
}

func domainOf(email string) string {
	idx := strings.LastIndex(email, "@")
	if idx < 0 {
		return ""
	}
	return email[idx+1:]
}

// CheckAllowed implements Limiter.
func (l *PostgresLimiter) CheckAllowed(ctx context.Context, userID, email string) (Result, error) {
	total := l.totalFor(email)

	count, oldest, err := l.tasks.CountActiveSince(ctx, userID, time.Now().Add(-24*time.Hour))
	if err != nil {
		l.logger.Warn("rate limit query failed, failing open", zap.String("user_id", userID), zap.Error(err))
		return Result{Allowed: true, Remaining: total, Total: total, ResetAt: time.Now().Add(24 * time.Hour)}, nil
	}

	resetAt := time.Now().Add(24 * time.Hour)
	if !oldest.IsZero() {
		resetAt = oldest.Add(24 * time.Hour)
	}

	remaining := total - count
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   count < total,
		Remaining: remaining,
		Total:     total,
		ResetAt:   resetAt,
	}, nil
}
