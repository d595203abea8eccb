package policy

import (
	"sort"

	"github.com/ineyio/chatmeter"
)

// HealthFirst demotes providers with an open circuit below every other
// candidate, then orders like FallbackOrder. Half-open providers keep their
// place so they can take a trial request.
type HealthFirst struct{}

var _ chatmeter.Policy = (*HealthFirst)(nil)

// Order sorts candidates: healthy or half-open first, native next, then priority.
func (p *HealthFirst) Order(candidates []chatmeter.Candidate) []chatmeter.Candidate {
	result := (&FallbackOrder{}).Order(candidates)

	sort.SliceStable(result, func(i, j int) bool {
		ui := result[i].Health == chatmeter.HealthUnhealthy
		uj := result[j].Health == chatmeter.HealthUnhealthy
		return !ui && uj
	})

	return result
}
