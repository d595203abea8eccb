package chatmeter

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// UsageStore persists per-user, per-UTC-day usage counters.
//
// Implementations must apply Increment as a single atomic upsert: concurrent
// increments for the same (user, day) may never lose an update.
type UsageStore interface {
	// Increment adds delta to the (userID, day) record, creating it when
	// absent, counts one message, and returns the updated record.
	Increment(ctx context.Context, userID string, day time.Time, delta UsageDelta) (UsageRecord, error)

	// Get returns the (userID, day) record, or a zeroed record when none
	// exists. It never writes.
	Get(ctx context.Context, userID string, day time.Time) (UsageRecord, error)

	// SumRange sums the user's records with from <= day < to.
	SumRange(ctx context.Context, userID string, from, to time.Time) (UsageTotals, error)
}

// UsageDelta is one billable exchange.
type UsageDelta struct {
	Model        string
	InputTokens  int64
	OutputTokens int64
	CostMicros   int64
}

// UsageTotals are raw counters summed over a range of days.
type UsageTotals struct {
	Messages     int64
	InputTokens  int64
	OutputTokens int64
	CostMicros   int64
}

// UsageRecord is a user's consumption for one UTC day.
type UsageRecord struct {
	UserID       string                `json:"user_id"`
	Day          time.Time             `json:"day"`
	MessagesUsed int64                 `json:"messages_used"`
	InputTokens  int64                 `json:"input_tokens"`
	OutputTokens int64                 `json:"output_tokens"`
	TokensUsed   int64                 `json:"tokens_used"`
	TotalCost    decimal.Decimal       `json:"total_cost"`
	Models       map[string]ModelUsage `json:"models,omitempty"`
}

// ModelUsage is the per-model breakdown inside a UsageRecord.
type ModelUsage struct {
	Messages     int64           `json:"messages"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	Cost         decimal.Decimal `json:"cost"`
}

// NewUsageRecord returns a zeroed record for (userID, day).
func NewUsageRecord(userID string, day time.Time) UsageRecord {
	return UsageRecord{
		UserID:    userID,
		Day:       DayOf(day),
		TotalCost: decimal.Zero,
		Models:    map[string]ModelUsage{},
	}
}

// DayOf truncates t to midnight UTC.
func DayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DayKey formats the UTC day of t as YYYY-MM-DD.
func DayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// YearMonth is a calendar month in UTC.
type YearMonth struct {
	Year  int
	Month time.Month
}

// MonthOf returns the UTC calendar month containing t.
func MonthOf(t time.Time) YearMonth {
	t = t.UTC()
	return YearMonth{Year: t.Year(), Month: t.Month()}
}

// ParseYearMonth parses "YYYY-MM".
func ParseYearMonth(s string) (YearMonth, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return YearMonth{}, fmt.Errorf("chatmeter: parse year-month %q: %w", s, err)
	}
	return MonthOf(t), nil
}

// Start returns midnight UTC on the first day of the month.
func (m YearMonth) Start() time.Time {
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns midnight UTC on the first day of the following month.
func (m YearMonth) End() time.Time {
	return m.Start().AddDate(0, 1, 0)
}

// Days returns every day of the month in order.
func (m YearMonth) Days() []time.Time {
	var days []time.Time
	for d := m.Start(); d.Before(m.End()); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

func (m YearMonth) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month))
}

// MarshalText implements encoding.TextMarshaler.
func (m YearMonth) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}
