// Package ledger provides UsageStore implementations for chatmeter.
//
// MemoryStore lives here; durable backends are in the redis, postgres and
// sqlite sub-modules.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/ineyio/chatmeter"
)

// MemoryStore is an in-process UsageStore. A single mutex makes each
// Increment one indivisible step, so it is correct under concurrent
// writers within one process.
type MemoryStore struct {
	mu   sync.RWMutex
	days map[dayKey]*dayUsage
}

type dayKey struct {
	userID string
	day    string // YYYY-MM-DD
}

type dayUsage struct {
	messages     int64
	inputTokens  int64
	outputTokens int64
	costMicros   int64
	models       map[string]*modelUsage
}

type modelUsage struct {
	messages     int64
	inputTokens  int64
	outputTokens int64
	costMicros   int64
}

var _ chatmeter.UsageStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{days: make(map[dayKey]*dayUsage)}
}

// Increment adds delta to the (userID, day) record, creating it when absent.
func (s *MemoryStore) Increment(_ context.Context, userID string, day time.Time, delta chatmeter.UsageDelta) (chatmeter.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := dayKey{userID: userID, day: chatmeter.DayKey(day)}
	du, ok := s.days[k]
	if !ok {
		du = &dayUsage{models: make(map[string]*modelUsage)}
		s.days[k] = du
	}

	du.messages++
	du.inputTokens += delta.InputTokens
	du.outputTokens += delta.OutputTokens
	du.costMicros += delta.CostMicros

	mt, ok := du.models[delta.Model]
	if !ok {
		mt = &modelUsage{}
		du.models[delta.Model] = mt
	}
	mt.messages++
	mt.inputTokens += delta.InputTokens
	mt.outputTokens += delta.OutputTokens
	mt.costMicros += delta.CostMicros

	return du.record(userID, day), nil
}

// Get returns the (userID, day) record, zeroed if absent.
func (s *MemoryStore) Get(_ context.Context, userID string, day time.Time) (chatmeter.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	du, ok := s.days[dayKey{userID: userID, day: chatmeter.DayKey(day)}]
	if !ok {
		return chatmeter.NewUsageRecord(userID, day), nil
	}
	return du.record(userID, day), nil
}

// SumRange sums the user's records with from <= day < to.
func (s *MemoryStore) SumRange(_ context.Context, userID string, from, to time.Time) (chatmeter.UsageTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var t chatmeter.UsageTotals
	for d := chatmeter.DayOf(from); d.Before(to); d = d.AddDate(0, 0, 1) {
		du, ok := s.days[dayKey{userID: userID, day: chatmeter.DayKey(d)}]
		if !ok {
			continue
		}
		t.Messages += du.messages
		t.InputTokens += du.inputTokens
		t.OutputTokens += du.outputTokens
		t.CostMicros += du.costMicros
	}
	return t, nil
}

// record snapshots du. Must be called with the lock held.
func (du *dayUsage) record(userID string, day time.Time) chatmeter.UsageRecord {
	rec := chatmeter.NewUsageRecord(userID, day)
	rec.MessagesUsed = du.messages
	rec.InputTokens = du.inputTokens
	rec.OutputTokens = du.outputTokens
	rec.TokensUsed = du.inputTokens + du.outputTokens
	rec.TotalCost = chatmeter.FromMicros(du.costMicros)
	for name, mt := range du.models {
		rec.Models[name] = chatmeter.ModelUsage{
			Messages:     mt.messages,
			InputTokens:  mt.inputTokens,
			OutputTokens: mt.outputTokens,
			Cost:         chatmeter.FromMicros(mt.costMicros),
		}
	}
	return rec
}
