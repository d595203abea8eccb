// Package sqlite provides a single-node UsageStore for chatmeter backed by
// SQLite through GORM.
package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/ineyio/chatmeter"
)

// UsageDay is one (user, day) row.
type UsageDay struct {
	UserID       string    `gorm:"primaryKey"`
	Day          string    `gorm:"primaryKey"` // YYYY-MM-DD
	Messages     int64     `gorm:"not null;default:0"`
	InputTokens  int64     `gorm:"not null;default:0"`
	OutputTokens int64     `gorm:"not null;default:0"`
	CostMicros   int64     `gorm:"not null;default:0"` // micro-units of currency
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

func (UsageDay) TableName() string { return "usage_daily" }

// UsageDayModel is the per-model breakdown of a UsageDay.
type UsageDayModel struct {
	UserID       string `gorm:"primaryKey"`
	Day          string `gorm:"primaryKey"`
	Model        string `gorm:"primaryKey"`
	Messages     int64  `gorm:"not null;default:0"`
	InputTokens  int64  `gorm:"not null;default:0"`
	OutputTokens int64  `gorm:"not null;default:0"`
	CostMicros   int64  `gorm:"not null;default:0"`
}

func (UsageDayModel) TableName() string { return "usage_daily_models" }

// Store is a GORM-backed UsageStore.
type Store struct {
	db *gorm.DB
}

var _ chatmeter.UsageStore = (*Store)(nil)

// Open opens (creating if needed) the SQLite database at path, enables WAL
// and migrates the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("chatmeter/sqlite: create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("chatmeter/sqlite: open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("chatmeter/sqlite: get sql.DB: %w", err)
	}
	// SQLite allows one writer; a single connection serializes upserts.
	sqlDB.SetMaxOpenConns(1)
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("chatmeter/sqlite: set WAL mode: %w", err)
	}

	return New(db)
}

// New wraps an existing GORM database and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&UsageDay{}, &UsageDayModel{}); err != nil {
		return nil, fmt.Errorf("chatmeter/sqlite: auto-migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Increment upserts the day row and its per-model row in one transaction.
func (s *Store) Increment(ctx context.Context, userID string, day time.Time, delta chatmeter.UsageDelta) (chatmeter.UsageRecord, error) {
	key := chatmeter.DayKey(day)
	var rec chatmeter.UsageRecord

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := UsageDay{
			UserID:       userID,
			Day:          key,
			Messages:     1,
			InputTokens:  delta.InputTokens,
			OutputTokens: delta.OutputTokens,
			CostMicros:   delta.CostMicros,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "day"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"messages":      gorm.Expr("messages + 1"),
				"input_tokens":  gorm.Expr("input_tokens + ?", delta.InputTokens),
				"output_tokens": gorm.Expr("output_tokens + ?", delta.OutputTokens),
				"cost_micros":   gorm.Expr("cost_micros + ?", delta.CostMicros),
				"updated_at":    time.Now().UTC(),
			}),
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("increment: %w", err)
		}

		mrow := UsageDayModel{
			UserID:       userID,
			Day:          key,
			Model:        delta.Model,
			Messages:     1,
			InputTokens:  delta.InputTokens,
			OutputTokens: delta.OutputTokens,
			CostMicros:   delta.CostMicros,
		}
		err = tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "day"}, {Name: "model"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"messages":      gorm.Expr("messages + 1"),
				"input_tokens":  gorm.Expr("input_tokens + ?", delta.InputTokens),
				"output_tokens": gorm.Expr("output_tokens + ?", delta.OutputTokens),
				"cost_micros":   gorm.Expr("cost_micros + ?", delta.CostMicros),
			}),
		}).Create(&mrow).Error
		if err != nil {
			return fmt.Errorf("increment model: %w", err)
		}

		rec, err = load(tx, userID, day)
		return err
	})
	if err != nil {
		return chatmeter.UsageRecord{}, fmt.Errorf("chatmeter/sqlite: %w", err)
	}
	return rec, nil
}

// Get returns the (userID, day) record, zeroed when no row exists.
func (s *Store) Get(ctx context.Context, userID string, day time.Time) (chatmeter.UsageRecord, error) {
	rec, err := load(s.db.WithContext(ctx), userID, day)
	if err != nil {
		return chatmeter.UsageRecord{}, fmt.Errorf("chatmeter/sqlite: %w", err)
	}
	return rec, nil
}

// SumRange sums the user's rows with from <= day < to. Days are stored as
// YYYY-MM-DD so string comparison orders them correctly.
func (s *Store) SumRange(ctx context.Context, userID string, from, to time.Time) (chatmeter.UsageTotals, error) {
	var t chatmeter.UsageTotals
	err := s.db.WithContext(ctx).Model(&UsageDay{}).
		Select("COALESCE(SUM(messages), 0) AS messages, "+
			"COALESCE(SUM(input_tokens), 0) AS input_tokens, "+
			"COALESCE(SUM(output_tokens), 0) AS output_tokens, "+
			"COALESCE(SUM(cost_micros), 0) AS cost_micros").
		Where("user_id = ? AND day >= ? AND day < ?", userID, chatmeter.DayKey(from), chatmeter.DayKey(to)).
		Scan(&t).Error
	if err != nil {
		return chatmeter.UsageTotals{}, fmt.Errorf("chatmeter/sqlite: sum range: %w", err)
	}
	return t, nil
}

func load(db *gorm.DB, userID string, day time.Time) (chatmeter.UsageRecord, error) {
	rec := chatmeter.NewUsageRecord(userID, day)
	key := chatmeter.DayKey(day)

	var row UsageDay
	res := db.Where("user_id = ? AND day = ?", userID, key).Limit(1).Find(&row)
	if res.Error != nil {
		return chatmeter.UsageRecord{}, fmt.Errorf("get: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return rec, nil
	}

	var models []UsageDayModel
	if err := db.Where("user_id = ? AND day = ?", userID, key).Find(&models).Error; err != nil {
		return chatmeter.UsageRecord{}, fmt.Errorf("get models: %w", err)
	}

	rec.MessagesUsed = row.Messages
	rec.InputTokens = row.InputTokens
	rec.OutputTokens = row.OutputTokens
	rec.TokensUsed = row.InputTokens + row.OutputTokens
	rec.TotalCost = chatmeter.FromMicros(row.CostMicros)
	for _, m := range models {
		rec.Models[m.Model] = chatmeter.ModelUsage{
			Messages:     m.Messages,
			InputTokens:  m.InputTokens,
			OutputTokens: m.OutputTokens,
			Cost:         chatmeter.FromMicros(m.CostMicros),
		}
	}
	return rec, nil
}
