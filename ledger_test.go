package chatmeter_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cm "github.com/ineyio/chatmeter"
	"github.com/ineyio/chatmeter/ledger"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{t: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

var testNow = time.Date(2024, 3, 15, 14, 30, 0, 0, time.UTC)

func newTestLedger(t *testing.T) (*cm.Ledger, *testClock) {
	t.Helper()
	clock := newTestClock(testNow)
	return cm.NewLedger(ledger.NewMemoryStore(), cm.DefaultCatalog(), cm.WithClock(clock.Now)), clock
}

func TestLedger_GetUsageTodayIsVirtual(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	rec, err := l.GetUsageToday(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), rec.Day)
	assert.Zero(t, rec.MessagesUsed)
	assert.True(t, rec.TotalCost.IsZero())

	agg, err := l.GetMonthlyAggregate(ctx, "u1", l.CurrentMonth())
	require.NoError(t, err)
	assert.Zero(t, agg.MessagesUsed)
}

func TestLedger_IncrementUsage(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	rec, err := l.IncrementUsage(ctx, "u1", "gpt-4", 1000, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.MessagesUsed)
	assert.Equal(t, int64(1500), rec.TokensUsed)
	assert.Equal(t, "0.06", rec.TotalCost.String())
	assert.Equal(t, int64(1), rec.Models["gpt-4"].Messages)

	rec, err = l.IncrementUsage(ctx, "u1", "gpt-3.5-turbo", 100, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.MessagesUsed)
	assert.Equal(t, int64(1700), rec.TokensUsed)
	assert.Equal(t, "0.06035", rec.TotalCost.String())
	assert.Len(t, rec.Models, 2)
}

func TestLedger_IncrementUsageErrors(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.IncrementUsage(ctx, "", "gpt-4", 1, 1)
	assert.Error(t, err)

	_, err = l.IncrementUsage(ctx, "u1", "gpt-5", 1, 1)
	assert.True(t, errors.Is(err, cm.ErrModelNotFound))

	rec, err := l.GetUsageToday(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, rec.MessagesUsed)
}

// Test: N concurrent increments for the same user and day are all counted
// exactly once.
func TestLedger_ConcurrentIncrements(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	const n = 200
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.IncrementUsage(ctx, "u1", "mistral-7b", int64(i), 1)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rec, err := l.GetUsageToday(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(n), rec.MessagesUsed)
	assert.Equal(t, int64(n*(n-1)/2), rec.InputTokens)
	assert.Equal(t, int64(n), rec.OutputTokens)
	assert.Equal(t, rec.InputTokens+rec.OutputTokens, rec.TokensUsed)
}

func TestLedger_DayRollover(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	_, err := l.IncrementUsage(ctx, "u1", "gpt-3.5-turbo", 10, 10)
	require.NoError(t, err)

	clock.Set(time.Date(2024, 3, 16, 0, 0, 1, 0, time.UTC))
	rec, err := l.GetUsageToday(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, rec.MessagesUsed)

	agg, err := l.GetMonthlyAggregate(ctx, "u1", l.CurrentMonth())
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.MessagesUsed)
	assert.Equal(t, int64(20), agg.TokensUsed)
}

func TestLedger_MonthlyAggregateBoundaries(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	at := func(ts time.Time, in int64) {
		clock.Set(ts)
		_, err := l.IncrementUsage(ctx, "u1", "gpt-3.5-turbo", in, 0)
		require.NoError(t, err)
	}
	at(time.Date(2024, 2, 29, 23, 59, 59, 0, time.UTC), 1000) // previous month
	at(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 1)
	at(time.Date(2024, 3, 31, 23, 59, 59, 0, time.UTC), 2)
	at(time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), 1000) // next month

	month, err := cm.ParseYearMonth("2024-03")
	require.NoError(t, err)
	agg, err := l.GetMonthlyAggregate(ctx, "u1", month)
	require.NoError(t, err)
	assert.Equal(t, int64(2), agg.MessagesUsed)
	assert.Equal(t, int64(3), agg.TokensUsed)
	assert.Equal(t, "2024-03", agg.Month.String())
}

func TestLedger_GetUsageStats(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	for range 3 {
		_, err := l.IncrementUsage(ctx, "u1", "gpt-3.5-turbo", 100, 50)
		require.NoError(t, err)
	}

	stats, err := l.GetUsageStats(ctx, "u1", cm.PlanFree)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.MessagesToday)
	assert.Equal(t, int64(7), stats.MessagesRemaining)
	assert.Equal(t, int64(450), stats.TokensThisMonth)
	assert.Equal(t, int64(100_000-450), stats.TokensRemaining)

	stats, err = l.GetUsageStats(ctx, "u1", cm.PlanEnterprise)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), stats.MessagesRemaining)
	assert.Equal(t, int64(-1), stats.TokensRemaining)

	_, err = l.GetUsageStats(ctx, "u1", "GOLD")
	assert.True(t, errors.Is(err, cm.ErrPlanNotFound))
}
