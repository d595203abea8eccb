package policy

import (
	"sort"

	"github.com/ineyio/chatmeter"
)

// FallbackOrder puts the native provider first and then follows the
// configured priority. Provider health is ignored.
type FallbackOrder struct{}

var _ chatmeter.Policy = (*FallbackOrder)(nil)

// Order sorts candidates by native first, then priority ascending.
func (p *FallbackOrder) Order(candidates []chatmeter.Candidate) []chatmeter.Candidate {
	result := make([]chatmeter.Candidate, len(candidates))
	copy(result, candidates)

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Native != result[j].Native {
			return result[i].Native
		}
		return result[i].Priority < result[j].Priority
	})

	return result
}
