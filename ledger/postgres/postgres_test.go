//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/chatmeter"
	ledgerpg "github.com/ineyio/chatmeter/ledger/postgres"
)

var day = time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/chatmeter_test?sslmode=disable"
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("postgres not available: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func newTestStore(t *testing.T, pool *pgxpool.Pool) *ledgerpg.Store {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := fmt.Sprintf("test_%s_", strings.ToLower(t.Name()))
	s := ledgerpg.New(pool, ledgerpg.WithTablePrefix(prefix))

	ctx := context.Background()
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %susage_daily, %susage_daily_models", prefix, prefix))
	})
	return s
}

func TestIncrementCreatesRecord(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool)
	ctx := context.Background()

	rec, err := store.Increment(ctx, "u1", day.Add(13*time.Hour), chatmeter.UsageDelta{
		Model: "gpt-4", InputTokens: 100, OutputTokens: 50, CostMicros: 6000,
	})
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if rec.MessagesUsed != 1 || rec.TokensUsed != 150 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !rec.Day.Equal(day) {
		t.Fatalf("expected day %s, got %s", day, rec.Day)
	}
	if rec.Models["gpt-4"].Messages != 1 {
		t.Fatalf("unexpected model breakdown: %+v", rec.Models)
	}

	rec, err = store.Increment(ctx, "u1", day, chatmeter.UsageDelta{
		Model: "claude-3-haiku", InputTokens: 10, OutputTokens: 10, CostMicros: 15,
	})
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if rec.MessagesUsed != 2 || rec.TokensUsed != 170 || len(rec.Models) != 2 {
		t.Fatalf("unexpected record after second increment: %+v", rec)
	}
	if !rec.TotalCost.Equal(chatmeter.FromMicros(6015)) {
		t.Fatalf("expected cost 0.006015, got %s", rec.TotalCost)
	}
}

func TestGetMissingIsZero(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool)

	rec, err := store.Get(context.Background(), "nobody", day)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.MessagesUsed != 0 || rec.TokensUsed != 0 || !rec.TotalCost.IsZero() {
		t.Fatalf("expected zero record, got %+v", rec)
	}
}

func TestConcurrentIncrements(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool)
	ctx := context.Background()

	const n = 30
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Increment(ctx, "u1", day, chatmeter.UsageDelta{
				Model: "mistral-7b", InputTokens: 3, OutputTokens: 2, CostMicros: 1,
			})
			if err != nil {
				t.Errorf("increment: %v", err)
			}
		}()
	}
	wg.Wait()

	rec, err := store.Get(ctx, "u1", day)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.MessagesUsed != n || rec.TokensUsed != 5*n {
		t.Fatalf("lost updates: %+v", rec)
	}
}

func TestSumRangeMonth(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool)
	ctx := context.Background()

	month := chatmeter.MonthOf(day)
	for _, d := range []time.Time{month.Start(), day, month.End().AddDate(0, 0, -1)} {
		if _, err := store.Increment(ctx, "u1", d, chatmeter.UsageDelta{Model: "gpt-4", InputTokens: 10, OutputTokens: 5, CostMicros: 7}); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	for _, d := range []time.Time{month.Start().AddDate(0, 0, -1), month.End()} {
		if _, err := store.Increment(ctx, "u1", d, chatmeter.UsageDelta{Model: "gpt-4", InputTokens: 1000}); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	totals, err := store.SumRange(ctx, "u1", month.Start(), month.End())
	if err != nil {
		t.Fatalf("sum range: %v", err)
	}
	if totals.Messages != 3 || totals.InputTokens != 30 || totals.OutputTokens != 15 || totals.CostMicros != 21 {
		t.Fatalf("unexpected totals: %+v", totals)
	}
}

func TestDeleteBefore(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool)
	ctx := context.Background()

	old := day.AddDate(0, -3, 0)
	_, _ = store.Increment(ctx, "u1", old, chatmeter.UsageDelta{Model: "gpt-4"})
	_, _ = store.Increment(ctx, "u1", day, chatmeter.UsageDelta{Model: "gpt-4"})

	n, err := store.DeleteBefore(ctx, day.AddDate(0, -1, 0))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted row, got %d", n)
	}

	rec, _ := store.Get(ctx, "u1", day)
	if rec.MessagesUsed != 1 {
		t.Fatalf("recent row should survive, got %+v", rec)
	}
}
