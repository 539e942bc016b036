package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/common/config"
	"github.com/taskforge/taskforge/internal/common/logger"
)

type fakeActiveTaskCounter struct {
	count  int
	oldest time.Time
	err    error
}

func (f *fakeActiveTaskCounter) CountActiveSince(ctx context.Context, userID string, since time.Time) (int, time.Time, error) {
	if f.err != nil {
		return 0, time.Time{}, f.err
	}
	return f.count, f.oldest, nil
}

func testLogger(t *testing.T) *logger.Logger {
	l, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return l
}

func TestPostgresLimiter_CheckAllowed_UnderQuota(t *testing.T) {
	counter := &fakeActiveTaskCounter{count: 3, oldest: time.Now().Add(-time.Hour)}
	cfg := config.RateLimitConfig{DefaultDailyQuota: 20}
	l := NewPostgresLimiter(counter, cfg, testLogger(t))

	result, err := l.CheckAllowed(context.Background(), "user-1", "alice@other.com")
	require.NoError(t, err)
	require.True(t, result.Allowed)
	require.Equal(t, 17, result.Remaining)
	require.Equal(t, 20, result.Total)
}

func TestPostgresLimiter_CheckAllowed_AtQuotaDenies(t *testing.T) {
	counter := &fakeActiveTaskCounter{count: 20}
	cfg := config.RateLimitConfig{DefaultDailyQuota: 20}
	l := NewPostgresLimiter(counter, cfg, testLogger(t))

	result, err := l.CheckAllowed(context.Background(), "user-1", "alice@other.com")
	require.NoError(t, err)
	require.False(t, result.Allowed)
	require.Equal(t, 0, result.Remaining)
}

func TestPostgresLimiter_CheckAllowed_FailsOpenOnQueryError(t *testing.T) {
	counter := &fakeActiveTaskCounter{err: fmt.Errorf("connection reset")}
	cfg := config.RateLimitConfig{DefaultDailyQuota: 20}
	l := NewPostgresLimiter(counter, cfg, testLogger(t))

	result, err := l.CheckAllowed(context.Background(), "user-1", "alice@other.com")
	require.NoError(t, err)
	require.True(t, result.Allowed)
	require.Equal(t, 20, result.Remaining)
}

func TestPostgresLimiter_TotalFor_AdminDomain(t *testing.T) {
	l := &PostgresLimiter{cfg: config.RateLimitConfig{
		DefaultDailyQuota: 20,
		AdminDailyQuota:   100,
		AdminDomains:      []string{"acme.com"},
	}}

	require.Equal(t, 100, l.totalFor("alice@acme.com"))
	require.Equal(t, 100, l.totalFor("alice@ACME.COM"))
	require.Equal(t, 20, l.totalFor("alice@other.com"))
	require.Equal(t, 20, l.totalFor("not-an-email"))
}

func TestDomainOf(t *testing.T) {
	require.Equal(t, "acme.com", domainOf("alice@acme.com"))
	require.Equal(t, "", domainOf("no-at-sign"))
}
