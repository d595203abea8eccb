package chatmeter

import (
	"fmt"
	"sort"
)

// Router resolves which configured provider serves a model.
type Router struct {
	catalog   *Catalog
	providers map[string]Provider
	names     []string // fallback order followed by remaining providers by name
	order     []string
	policy    Policy
	health    *HealthTracker
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithFallbackOrder sets the provider priority applied after a model's
// native provider. Providers not listed follow in name order.
func WithFallbackOrder(names ...string) RouterOption {
	return func(r *Router) { r.order = names }
}

// WithPolicy sets the candidate ordering policy.
func WithPolicy(p Policy) RouterOption {
	return func(r *Router) { r.policy = p }
}

// WithHealthTracker sets the health tracker.
func WithHealthTracker(h *HealthTracker) RouterOption {
	return func(r *Router) { r.health = h }
}

// NewRouter creates a Router over the given providers. Provider names must be
// unique. The default order is DefaultFallbackOrder.
func NewRouter(catalog *Catalog, providers []Provider, opts ...RouterOption) (*Router, error) {
	if catalog == nil {
		return nil, fmt.Errorf("chatmeter: router: catalog is required")
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("chatmeter: router: at least one provider is required")
	}

	provMap := make(map[string]Provider, len(providers))
	for _, p := range providers {
		if _, dup := provMap[p.Name()]; dup {
			return nil, fmt.Errorf("chatmeter: router: duplicate provider %q", p.Name())
		}
		provMap[p.Name()] = p
	}

	r := &Router{
		catalog:   catalog,
		providers: provMap,
		order:     DefaultFallbackOrder,
		health:    NewHealthTracker(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.policy == nil {
		r.policy = &defaultPolicy{}
	}

	seen := make(map[string]bool, len(provMap))
	for _, name := range r.order {
		if _, ok := provMap[name]; ok && !seen[name] {
			r.names = append(r.names, name)
			seen[name] = true
		}
	}
	var rest []string
	for name := range provMap {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	r.names = append(r.names, rest...)

	return r, nil
}

// Candidates returns every configured provider that lists modelID, ordered
// by the policy.
func (r *Router) Candidates(modelID string) []Candidate {
	native := ""
	if m, err := r.catalog.Model(modelID); err == nil {
		native = m.Provider
	}

	var candidates []Candidate
	for i, name := range r.names {
		p := r.providers[name]
		if !p.Configured() || !p.SupportsModel(modelID) {
			continue
		}
		candidates = append(candidates, Candidate{
			Provider: p,
			Model:    modelID,
			Native:   name == native,
			Priority: i,
			Health:   r.health.State(name),
		})
	}
	return r.policy.Order(candidates)
}

// Resolve returns the provider that should serve modelID: its native provider
// when configured, otherwise the first configured provider in the fallback
// order that lists the model. It fails with ErrNoProviderConfigured when no
// provider in the chain qualifies.
func (r *Router) Resolve(modelID string) (Provider, error) {
	candidates := r.Candidates(modelID)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoProviderConfigured, modelID)
	}
	return candidates[0].Provider, nil
}

// Health returns the router's health tracker.
func (r *Router) Health() *HealthTracker { return r.health }

// defaultPolicy puts providers with an open circuit last, then the native
// provider, then the fallback order. Inline to avoid an import cycle with
// the policy package.
type defaultPolicy struct{}

func (p *defaultPolicy) Order(candidates []Candidate) []Candidate {
	result := make([]Candidate, len(candidates))
	copy(result, candidates)

	sort.SliceStable(result, func(i, j int) bool {
		ci, cj := result[i], result[j]
		ui, uj := ci.Health == HealthUnhealthy, cj.Health == HealthUnhealthy
		if ui != uj {
			return !ui
		}
		if ci.Native != cj.Native {
			return ci.Native
		}
		return ci.Priority < cj.Priority
	})
	return result
}
