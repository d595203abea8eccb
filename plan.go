package chatmeter

import (
	"fmt"
	"sort"
	"strings"
)

// PlanID identifies a subscription plan.
type PlanID string

const (
	PlanFree       PlanID = "FREE"
	PlanLite       PlanID = "LITE"
	PlanPro        PlanID = "PRO"
	PlanEnterprise PlanID = "ENTERPRISE"
)

// Rank orders plans from cheapest to most expensive. Unknown plans rank -1.
func (p PlanID) Rank() int {
	switch p {
	case PlanFree:
		return 0
	case PlanLite:
		return 1
	case PlanPro:
		return 2
	case PlanEnterprise:
		return 3
	default:
		return -1
	}
}

// ParsePlanID parses a plan id case-insensitively.
func ParsePlanID(s string) (PlanID, error) {
	id := PlanID(strings.ToUpper(strings.TrimSpace(s)))
	if id.Rank() < 0 {
		return "", fmt.Errorf("%w: %q", ErrPlanNotFound, s)
	}
	return id, nil
}

// Limit is a non-negative quota, or Unlimited.
type Limit int64

// Unlimited disables a limit.
const Unlimited Limit = -1

// IsUnlimited reports whether the limit is the unlimited sentinel.
func (l Limit) IsUnlimited() bool { return l < 0 }

// Remaining returns how much of the limit is left after used, clamped at
// zero. Unlimited limits return -1.
func (l Limit) Remaining(used int64) int64 {
	if l.IsUnlimited() {
		return -1
	}
	if r := int64(l) - used; r > 0 {
		return r
	}
	return 0
}

func (l Limit) String() string {
	if l.IsUnlimited() {
		return "unlimited"
	}
	return fmt.Sprintf("%d", int64(l))
}

// ModelSet is the set of models a plan may use.
// The zero value is empty; AllModels matches every model id.
type ModelSet struct {
	all bool
	ids map[string]struct{}
}

// AllModels returns the "all models" sentinel set.
func AllModels() ModelSet { return ModelSet{all: true} }

// NewModelSet returns a set containing exactly ids.
func NewModelSet(ids ...string) ModelSet {
	s := ModelSet{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	return s
}

// IsAll reports whether the set is the "all models" sentinel.
func (s ModelSet) IsAll() bool { return s.all }

// Contains reports whether modelID is in the set.
func (s ModelSet) Contains(modelID string) bool {
	if s.all {
		return true
	}
	_, ok := s.ids[modelID]
	return ok
}

// IDs returns the explicit ids in sorted order. It is nil for AllModels.
func (s ModelSet) IDs() []string {
	if s.all {
		return nil
	}
	ids := make([]string, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Plan is a subscription tier with its limits and model access.
type Plan struct {
	ID            PlanID
	DailyMessages Limit
	MonthlyTokens Limit
	Models        ModelSet
}

// Limits is the quota part of a plan.
type Limits struct {
	DailyMessages Limit `json:"daily_messages"`
	MonthlyTokens Limit `json:"monthly_tokens"`
}

// Limits returns the plan's quota limits.
func (p Plan) Limits() Limits {
	return Limits{DailyMessages: p.DailyMessages, MonthlyTokens: p.MonthlyTokens}
}
