package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/chatmeter"
	"github.com/ineyio/chatmeter/ledger"
)

var day = time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

func TestMemoryStore_IncrementAndGet(t *testing.T) {
	s := ledger.NewMemoryStore()
	ctx := context.Background()

	rec, err := s.Increment(ctx, "u1", day.Add(13*time.Hour), chatmeter.UsageDelta{
		Model: "gpt-4", InputTokens: 1000, OutputTokens: 500, CostMicros: 60_000,
	})
	require.NoError(t, err)
	assert.Equal(t, day, rec.Day)
	assert.Equal(t, int64(1), rec.MessagesUsed)
	assert.Equal(t, int64(1500), rec.TokensUsed)
	assert.Equal(t, "0.06", rec.TotalCost.String())

	got, err := s.Get(ctx, "u1", day)
	require.NoError(t, err)
	assert.Equal(t, rec.MessagesUsed, got.MessagesUsed)
	assert.Equal(t, "0.06", got.Models["gpt-4"].Cost.String())

	// Returned records are snapshots.
	got.Models["gpt-4"] = chatmeter.ModelUsage{}
	again, err := s.Get(ctx, "u1", day)
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.Models["gpt-4"].Messages)
}

func TestMemoryStore_GetMissingIsZero(t *testing.T) {
	s := ledger.NewMemoryStore()

	rec, err := s.Get(context.Background(), "nobody", day)
	require.NoError(t, err)
	assert.Equal(t, "nobody", rec.UserID)
	assert.Zero(t, rec.MessagesUsed)
	assert.NotNil(t, rec.Models)

	totals, err := s.SumRange(context.Background(), "nobody", day, day.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, chatmeter.UsageTotals{}, totals)
}

func TestMemoryStore_ConcurrentIncrements(t *testing.T) {
	s := ledger.NewMemoryStore()
	ctx := context.Background()

	const n = 500
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Increment(ctx, "u1", day, chatmeter.UsageDelta{Model: "m", InputTokens: 2, OutputTokens: 1, CostMicros: 3})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := s.Get(ctx, "u1", day)
	require.NoError(t, err)
	assert.Equal(t, int64(n), rec.MessagesUsed)
	assert.Equal(t, int64(3*n), rec.TokensUsed)
	assert.Equal(t, int64(n), rec.Models["m"].Messages)
	assert.Equal(t, chatmeter.FromMicros(3*n).String(), rec.TotalCost.String())
}

func TestMemoryStore_SumRange(t *testing.T) {
	s := ledger.NewMemoryStore()
	ctx := context.Background()
	month := chatmeter.MonthOf(day)

	for _, d := range []time.Time{
		month.Start().AddDate(0, 0, -1),
		month.Start(),
		day,
		month.End().AddDate(0, 0, -1),
		month.End(),
	} {
		_, err := s.Increment(ctx, "u1", d, chatmeter.UsageDelta{Model: "m", InputTokens: 10, OutputTokens: 5, CostMicros: 7})
		require.NoError(t, err)
	}
	_, err := s.Increment(ctx, "u2", day, chatmeter.UsageDelta{Model: "m", InputTokens: 1000})
	require.NoError(t, err)

	totals, err := s.SumRange(ctx, "u1", month.Start(), month.End())
	require.NoError(t, err)
	assert.Equal(t, chatmeter.UsageTotals{Messages: 3, InputTokens: 30, OutputTokens: 15, CostMicros: 21}, totals)
}
