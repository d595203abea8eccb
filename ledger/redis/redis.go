// Package redis provides a Redis-backed UsageStore for chatmeter.
//
// Each (user, day) record is a Redis hash updated by an atomic Lua script,
// which makes it safe for multi-instance deployments.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/chatmeter"
)

// Hash fields of a day record. Per-model counters use "m:<model>:<field>".
const (
	fieldMessages   = "messages"
	fieldInput      = "input"
	fieldOutput     = "output"
	fieldCostMicros = "cost_micros"
	modelPrefix     = "m:"
)

// Store is a Redis-backed UsageStore.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
	ttl       time.Duration
}

var _ chatmeter.UsageStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "chatmeter:usage:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithTTL expires day records after d. Zero keeps them forever. The TTL
// must cover the longest aggregation window, a calendar month.
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// New creates a new Redis-backed UsageStore.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "chatmeter:usage:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) dayKey(userID string, day time.Time) string {
	return s.keyPrefix + userID + ":" + chatmeter.DayKey(day)
}

// incrementScript atomically adds one exchange to a day record.
// KEYS[1] = day hash key
// ARGV[1] = model
// ARGV[2] = input tokens
// ARGV[3] = output tokens
// ARGV[4] = cost in micro-units
// ARGV[5] = ttl seconds (0 = none)
//
// Returns the full hash after the update (HGETALL).
var incrementScript = goredis.NewScript(`
local key = KEYS[1]
local m = "m:" .. ARGV[1] .. ":"
local input = tonumber(ARGV[2])
local output = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

redis.call("HINCRBY", key, "messages", 1)
redis.call("HINCRBY", key, "input", input)
redis.call("HINCRBY", key, "output", output)
redis.call("HINCRBY", key, "cost_micros", cost)

redis.call("HINCRBY", key, m .. "messages", 1)
redis.call("HINCRBY", key, m .. "input", input)
redis.call("HINCRBY", key, m .. "output", output)
redis.call("HINCRBY", key, m .. "cost_micros", cost)

local ttl = tonumber(ARGV[5])
if ttl > 0 then
    redis.call("EXPIRE", key, ttl)
end

return redis.call("HGETALL", key)
`)

// Increment adds delta to the (userID, day) record in one script call.
func (s *Store) Increment(ctx context.Context, userID string, day time.Time, delta chatmeter.UsageDelta) (chatmeter.UsageRecord, error) {
	flat, err := incrementScript.Run(ctx, s.client,
		[]string{s.dayKey(userID, day)},
		delta.Model, delta.InputTokens, delta.OutputTokens, delta.CostMicros, int64(s.ttl/time.Second),
	).StringSlice()
	if err != nil {
		return chatmeter.UsageRecord{}, fmt.Errorf("chatmeter/redis: increment: %w", err)
	}

	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		fields[flat[i]] = flat[i+1]
	}
	return parseRecord(userID, day, fields), nil
}

// Get returns the (userID, day) record, zeroed when the key does not exist.
func (s *Store) Get(ctx context.Context, userID string, day time.Time) (chatmeter.UsageRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.dayKey(userID, day)).Result()
	if err != nil {
		return chatmeter.UsageRecord{}, fmt.Errorf("chatmeter/redis: get: %w", err)
	}
	return parseRecord(userID, day, fields), nil
}

// SumRange sums the user's records with from <= day < to in one pipeline.
func (s *Store) SumRange(ctx context.Context, userID string, from, to time.Time) (chatmeter.UsageTotals, error) {
	pipe := s.client.Pipeline()
	var cmds []*goredis.SliceCmd
	for d := chatmeter.DayOf(from); d.Before(to); d = d.AddDate(0, 0, 1) {
		cmds = append(cmds, pipe.HMGet(ctx, s.dayKey(userID, d), fieldMessages, fieldInput, fieldOutput, fieldCostMicros))
	}
	if len(cmds) == 0 {
		return chatmeter.UsageTotals{}, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return chatmeter.UsageTotals{}, fmt.Errorf("chatmeter/redis: sum range: %w", err)
	}

	var t chatmeter.UsageTotals
	for _, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) != 4 {
			continue
		}
		t.Messages += toInt(vals[0])
		t.InputTokens += toInt(vals[1])
		t.OutputTokens += toInt(vals[2])
		t.CostMicros += toInt(vals[3])
	}
	return t, nil
}

func parseRecord(userID string, day time.Time, fields map[string]string) chatmeter.UsageRecord {
	rec := chatmeter.NewUsageRecord(userID, day)
	if len(fields) == 0 {
		return rec
	}

	rec.MessagesUsed = parseInt(fields[fieldMessages])
	rec.InputTokens = parseInt(fields[fieldInput])
	rec.OutputTokens = parseInt(fields[fieldOutput])
	rec.TokensUsed = rec.InputTokens + rec.OutputTokens
	rec.TotalCost = chatmeter.FromMicros(parseInt(fields[fieldCostMicros]))

	models := make(map[string]*[4]int64)
	for k, v := range fields {
		if !strings.HasPrefix(k, modelPrefix) {
			continue
		}
		rest := strings.TrimPrefix(k, modelPrefix)
		i := strings.LastIndex(rest, ":")
		if i <= 0 {
			continue
		}
		model, field := rest[:i], rest[i+1:]
		c, ok := models[model]
		if !ok {
			c = new([4]int64)
			models[model] = c
		}
		switch field {
		case fieldMessages:
			c[0] = parseInt(v)
		case fieldInput:
			c[1] = parseInt(v)
		case fieldOutput:
			c[2] = parseInt(v)
		case fieldCostMicros:
			c[3] = parseInt(v)
		}
	}
	for model, c := range models {
		rec.Models[model] = chatmeter.ModelUsage{
			Messages:     c[0],
			InputTokens:  c[1],
			OutputTokens: c[2],
			Cost:         chatmeter.FromMicros(c[3]),
		}
	}
	return rec
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func toInt(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	return parseInt(s)
}
