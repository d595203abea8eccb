package chatmeter

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Ledger is the usage-accounting facade over a UsageStore. It prices
// increments through the catalog and decides what "today" is.
type Ledger struct {
	store   UsageStore
	catalog *Catalog
	now     func() time.Time
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithClock sets the time source used to pick the current day and month.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a Ledger.
func NewLedger(store UsageStore, catalog *Catalog, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		store:   store,
		catalog: catalog,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Today returns the current UTC day.
func (l *Ledger) Today() time.Time { return DayOf(l.now()) }

// CurrentMonth returns the current UTC month.
func (l *Ledger) CurrentMonth() YearMonth { return MonthOf(l.now()) }

// GetUsageToday returns today's record for the user, zeroed if the user has
// no usage yet. Nothing is persisted.
func (l *Ledger) GetUsageToday(ctx context.Context, userID string) (UsageRecord, error) {
	rec, err := l.store.Get(ctx, userID, l.Today())
	if err != nil {
		return UsageRecord{}, fmt.Errorf("chatmeter: get usage: %w", err)
	}
	return rec, nil
}

// IncrementUsage bills one message for modelID to the user's record for
// today in a single atomic upsert and returns the updated record. There is
// no way to undo an increment.
func (l *Ledger) IncrementUsage(ctx context.Context, userID, modelID string, inputTokens, outputTokens int64) (UsageRecord, error) {
	if userID == "" {
		return UsageRecord{}, fmt.Errorf("chatmeter: increment usage: user id is required")
	}
	model, err := l.catalog.Model(modelID)
	if err != nil {
		return UsageRecord{}, fmt.Errorf("chatmeter: increment usage: %w", err)
	}

	inputTokens, outputTokens = max(inputTokens, 0), max(outputTokens, 0)
	delta := UsageDelta{
		Model:        modelID,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostMicros:   CostMicros(CalculateCost(model, inputTokens, outputTokens)),
	}

	rec, err := l.store.Increment(ctx, userID, l.Today(), delta)
	if err != nil {
		return UsageRecord{}, fmt.Errorf("chatmeter: increment usage: %w", err)
	}
	return rec, nil
}

// UsageAggregate is a user's consumption summed over a calendar month.
type UsageAggregate struct {
	Month        YearMonth       `json:"month"`
	MessagesUsed int64           `json:"messages_used"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	TokensUsed   int64           `json:"tokens_used"`
	TotalCost    decimal.Decimal `json:"total_cost"`
}

// GetMonthlyAggregate sums the user's daily records in month.
func (l *Ledger) GetMonthlyAggregate(ctx context.Context, userID string, month YearMonth) (UsageAggregate, error) {
	totals, err := l.store.SumRange(ctx, userID, month.Start(), month.End())
	if err != nil {
		return UsageAggregate{}, fmt.Errorf("chatmeter: monthly aggregate: %w", err)
	}
	return UsageAggregate{
		Month:        month,
		MessagesUsed: totals.Messages,
		InputTokens:  totals.InputTokens,
		OutputTokens: totals.OutputTokens,
		TokensUsed:   totals.InputTokens + totals.OutputTokens,
		TotalCost:    FromMicros(totals.CostMicros),
	}, nil
}

// UsageStats is a user's consumption against their plan limits. Remaining
// values are -1 for unlimited limits.
type UsageStats struct {
	Plan  PlanID    `json:"plan"`
	Day   time.Time `json:"day"`
	Month YearMonth `json:"month"`

	MessagesToday     int64           `json:"messages_today"`
	DailyMessageLimit Limit           `json:"daily_message_limit"`
	MessagesRemaining int64           `json:"messages_remaining"`
	CostToday         decimal.Decimal `json:"cost_today"`

	TokensThisMonth   int64           `json:"tokens_this_month"`
	MonthlyTokenLimit Limit           `json:"monthly_token_limit"`
	TokensRemaining   int64           `json:"tokens_remaining"`
	MessagesThisMonth int64           `json:"messages_this_month"`
	CostThisMonth     decimal.Decimal `json:"cost_this_month"`
}

// GetUsageStats reports today's and this month's usage against the plan.
func (l *Ledger) GetUsageStats(ctx context.Context, userID string, planID PlanID) (UsageStats, error) {
	limits, err := l.catalog.Limits(planID)
	if err != nil {
		return UsageStats{}, err
	}

	today, err := l.GetUsageToday(ctx, userID)
	if err != nil {
		return UsageStats{}, err
	}
	month := l.CurrentMonth()
	agg, err := l.GetMonthlyAggregate(ctx, userID, month)
	if err != nil {
		return UsageStats{}, err
	}

	return UsageStats{
		Plan:              planID,
		Day:               today.Day,
		Month:             month,
		MessagesToday:     today.MessagesUsed,
		DailyMessageLimit: limits.DailyMessages,
		MessagesRemaining: limits.DailyMessages.Remaining(today.MessagesUsed),
		CostToday:         today.TotalCost,
		TokensThisMonth:   agg.TokensUsed,
		MonthlyTokenLimit: limits.MonthlyTokens,
		TokensRemaining:   limits.MonthlyTokens.Remaining(agg.TokensUsed),
		MessagesThisMonth: agg.MessagesUsed,
		CostThisMonth:     agg.TotalCost,
	}, nil
}
