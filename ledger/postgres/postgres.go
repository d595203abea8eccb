// Package postgres provides a PostgreSQL-backed UsageStore for chatmeter.
//
// Each (user, day) record is a row upserted with INSERT ... ON CONFLICT, so
// concurrent increments from many instances are never lost.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/chatmeter"
)

// Store is a PostgreSQL-backed UsageStore.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ chatmeter.UsageStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "chatmeter_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed UsageStore.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "chatmeter_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) dailyTable() string  { return s.tablePrefix + "usage_daily" }
func (s *Store) modelsTable() string { return s.tablePrefix + "usage_daily_models" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			user_id TEXT NOT NULL,
			day DATE NOT NULL,
			messages BIGINT NOT NULL DEFAULT 0,
			input_tokens BIGINT NOT NULL DEFAULT 0,
			output_tokens BIGINT NOT NULL DEFAULT 0,
			cost_micros BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, day)
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			user_id TEXT NOT NULL,
			day DATE NOT NULL,
			model TEXT NOT NULL,
			messages BIGINT NOT NULL DEFAULT 0,
			input_tokens BIGINT NOT NULL DEFAULT 0,
			output_tokens BIGINT NOT NULL DEFAULT 0,
			cost_micros BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, day, model)
		);
	`, s.dailyTable(), s.modelsTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("chatmeter/postgres: ensure schema: %w", err)
	}
	return nil
}

// Increment upserts the day row and its per-model row in one transaction.
func (s *Store) Increment(ctx context.Context, userID string, day time.Time, delta chatmeter.UsageDelta) (chatmeter.UsageRecord, error) {
	day = chatmeter.DayOf(day)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return chatmeter.UsageRecord{}, fmt.Errorf("chatmeter/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec := chatmeter.NewUsageRecord(userID, day)
	var costMicros int64
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s AS u (user_id, day, messages, input_tokens, output_tokens, cost_micros)
			VALUES ($1, $2, 1, $3, $4, $5)
			ON CONFLICT (user_id, day) DO UPDATE SET
				messages = u.messages + 1,
				input_tokens = u.input_tokens + EXCLUDED.input_tokens,
				output_tokens = u.output_tokens + EXCLUDED.output_tokens,
				cost_micros = u.cost_micros + EXCLUDED.cost_micros,
				updated_at = now()
			RETURNING messages, input_tokens, output_tokens, cost_micros`, s.dailyTable()),
		userID, day, delta.InputTokens, delta.OutputTokens, delta.CostMicros,
	).Scan(&rec.MessagesUsed, &rec.InputTokens, &rec.OutputTokens, &costMicros)
	if err != nil {
		return chatmeter.UsageRecord{}, fmt.Errorf("chatmeter/postgres: increment: %w", err)
	}

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s AS m (user_id, day, model, messages, input_tokens, output_tokens, cost_micros)
			VALUES ($1, $2, $3, 1, $4, $5, $6)
			ON CONFLICT (user_id, day, model) DO UPDATE SET
				messages = m.messages + 1,
				input_tokens = m.input_tokens + EXCLUDED.input_tokens,
				output_tokens = m.output_tokens + EXCLUDED.output_tokens,
				cost_micros = m.cost_micros + EXCLUDED.cost_micros`, s.modelsTable()),
		userID, day, delta.Model, delta.InputTokens, delta.OutputTokens, delta.CostMicros,
	)
	if err != nil {
		return chatmeter.UsageRecord{}, fmt.Errorf("chatmeter/postgres: increment model: %w", err)
	}

	if err := s.loadModels(ctx, tx, &rec); err != nil {
		return chatmeter.UsageRecord{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return chatmeter.UsageRecord{}, fmt.Errorf("chatmeter/postgres: commit: %w", err)
	}

	rec.TokensUsed = rec.InputTokens + rec.OutputTokens
	rec.TotalCost = chatmeter.FromMicros(costMicros)
	return rec, nil
}

// Get returns the (userID, day) record, zeroed when no row exists.
func (s *Store) Get(ctx context.Context, userID string, day time.Time) (chatmeter.UsageRecord, error) {
	day = chatmeter.DayOf(day)
	rec := chatmeter.NewUsageRecord(userID, day)

	var costMicros int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT messages, input_tokens, output_tokens, cost_micros FROM %s
			WHERE user_id = $1 AND day = $2`, s.dailyTable()),
		userID, day,
	).Scan(&rec.MessagesUsed, &rec.InputTokens, &rec.OutputTokens, &costMicros)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, nil
	}
	if err != nil {
		return chatmeter.UsageRecord{}, fmt.Errorf("chatmeter/postgres: get: %w", err)
	}

	if err := s.loadModels(ctx, s.pool, &rec); err != nil {
		return chatmeter.UsageRecord{}, err
	}

	rec.TokensUsed = rec.InputTokens + rec.OutputTokens
	rec.TotalCost = chatmeter.FromMicros(costMicros)
	return rec, nil
}

// SumRange sums the user's rows with from <= day < to.
func (s *Store) SumRange(ctx context.Context, userID string, from, to time.Time) (chatmeter.UsageTotals, error) {
	var t chatmeter.UsageTotals
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT
				COALESCE(SUM(messages), 0)::BIGINT,
				COALESCE(SUM(input_tokens), 0)::BIGINT,
				COALESCE(SUM(output_tokens), 0)::BIGINT,
				COALESCE(SUM(cost_micros), 0)::BIGINT
			FROM %s WHERE user_id = $1 AND day >= $2 AND day < $3`, s.dailyTable()),
		userID, chatmeter.DayOf(from), chatmeter.DayOf(to),
	).Scan(&t.Messages, &t.InputTokens, &t.OutputTokens, &t.CostMicros)
	if err != nil {
		return chatmeter.UsageTotals{}, fmt.Errorf("chatmeter/postgres: sum range: %w", err)
	}
	return t, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *Store) loadModels(ctx context.Context, q querier, rec *chatmeter.UsageRecord) error {
	rows, err := q.Query(ctx,
		fmt.Sprintf(`SELECT model, messages, input_tokens, output_tokens, cost_micros FROM %s
			WHERE user_id = $1 AND day = $2`, s.modelsTable()),
		rec.UserID, rec.Day,
	)
	if err != nil {
		return fmt.Errorf("chatmeter/postgres: load models: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			model      string
			mu         chatmeter.ModelUsage
			costMicros int64
		)
		if err := rows.Scan(&model, &mu.Messages, &mu.InputTokens, &mu.OutputTokens, &costMicros); err != nil {
			return fmt.Errorf("chatmeter/postgres: scan model: %w", err)
		}
		mu.Cost = chatmeter.FromMicros(costMicros)
		rec.Models[model] = mu
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("chatmeter/postgres: load models: %w", err)
	}
	return nil
}

// DeleteBefore removes rows older than cutoff and returns how many day rows
// were deleted.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoff = chatmeter.DayOf(cutoff)
	if _, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE day < $1`, s.modelsTable()), cutoff); err != nil {
		return 0, fmt.Errorf("chatmeter/postgres: delete models: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE day < $1`, s.dailyTable()), cutoff)
	if err != nil {
		return 0, fmt.Errorf("chatmeter/postgres: delete days: %w", err)
	}
	return tag.RowsAffected(), nil
}
