package chatmeter

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// AIModel is a static catalog entry for a chat model.
type AIModel struct {
	ID              string
	Provider        string // native provider name
	ContextWindow   int64
	MaxOutputTokens int64
	InputCostPer1K  decimal.Decimal
	OutputCostPer1K decimal.Decimal
	MinimumPlan     PlanID
}

// Catalog holds the plan and model reference data. It is built once and
// never mutated afterwards, so it is safe for concurrent use.
type Catalog struct {
	plans  map[PlanID]Plan
	models map[string]AIModel
}

// NewCatalog validates plans and models and builds a Catalog.
//
// A plan whose model set is the zero ModelSet gets every model whose
// MinimumPlan ranks at or below it. ENTERPRISE is always unlimited with
// access to all models. FREE must be present.
func NewCatalog(plans []Plan, models []AIModel) (*Catalog, error) {
	c := &Catalog{
		plans:  make(map[PlanID]Plan, len(plans)),
		models: make(map[string]AIModel, len(models)),
	}

	for i, m := range models {
		if m.ID == "" {
			return nil, fmt.Errorf("chatmeter: catalog: models[%d]: id is required", i)
		}
		if _, dup := c.models[m.ID]; dup {
			return nil, fmt.Errorf("chatmeter: catalog: duplicate model id %q", m.ID)
		}
		if m.Provider == "" {
			return nil, fmt.Errorf("chatmeter: catalog: model %q: provider is required", m.ID)
		}
		if m.InputCostPer1K.IsNegative() || m.OutputCostPer1K.IsNegative() {
			return nil, fmt.Errorf("chatmeter: catalog: model %q: costs must be non-negative", m.ID)
		}
		if m.MinimumPlan == "" {
			m.MinimumPlan = PlanFree
		}
		if m.MinimumPlan.Rank() < 0 {
			return nil, fmt.Errorf("chatmeter: catalog: model %q: unknown minimum plan %q", m.ID, m.MinimumPlan)
		}
		c.models[m.ID] = m
	}

	for i, p := range plans {
		if p.ID.Rank() < 0 {
			return nil, fmt.Errorf("chatmeter: catalog: plans[%d]: unknown plan id %q", i, p.ID)
		}
		if _, dup := c.plans[p.ID]; dup {
			return nil, fmt.Errorf("chatmeter: catalog: duplicate plan %q", p.ID)
		}
		if p.DailyMessages < Unlimited || p.MonthlyTokens < Unlimited {
			return nil, fmt.Errorf("chatmeter: catalog: plan %q: limits must be >= 0 or unlimited", p.ID)
		}

		if p.ID == PlanEnterprise {
			p.DailyMessages = Unlimited
			p.MonthlyTokens = Unlimited
			p.Models = AllModels()
		} else if !p.Models.all && p.Models.ids == nil {
			p.Models = c.modelsUpTo(p.ID)
		}
		c.plans[p.ID] = p
	}

	if _, ok := c.plans[PlanFree]; !ok {
		return nil, fmt.Errorf("chatmeter: catalog: plan %q is required", PlanFree)
	}

	return c, nil
}

func (c *Catalog) modelsUpTo(id PlanID) ModelSet {
	var ids []string
	for _, m := range c.models {
		if m.MinimumPlan.Rank() <= id.Rank() {
			ids = append(ids, m.ID)
		}
	}
	return NewModelSet(ids...)
}

// Plan returns the plan with the given id.
func (c *Catalog) Plan(id PlanID) (Plan, error) {
	p, ok := c.plans[id]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrPlanNotFound, id)
	}
	return p, nil
}

// Limits returns the quota limits of a plan.
func (c *Catalog) Limits(id PlanID) (Limits, error) {
	p, err := c.Plan(id)
	if err != nil {
		return Limits{}, err
	}
	return p.Limits(), nil
}

// IsModelAllowed reports whether the plan may use the model. Plans with the
// "all models" sentinel allow any id, including ids missing from the catalog.
func (c *Catalog) IsModelAllowed(id PlanID, modelID string) bool {
	p, ok := c.plans[id]
	if !ok {
		return false
	}
	return p.Models.Contains(modelID)
}

// Model returns the catalog entry for a model id.
func (c *Catalog) Model(id string) (AIModel, error) {
	m, ok := c.models[id]
	if !ok {
		return AIModel{}, fmt.Errorf("%w: %q", ErrModelNotFound, id)
	}
	return m, nil
}

// Models returns every catalog model sorted by id.
func (c *Catalog) Models() []AIModel {
	out := make([]AIModel, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ModelsForPlan returns the catalog models the plan may use, sorted by id.
func (c *Catalog) ModelsForPlan(id PlanID) []AIModel {
	var out []AIModel
	for _, m := range c.Models() {
		if c.IsModelAllowed(id, m.ID) {
			out = append(out, m)
		}
	}
	return out
}

// CheapestModel returns the plan's model with the lowest cost for the given
// token counts. Ties go to the lexically smaller id.
func (c *Catalog) CheapestModel(id PlanID, inputTokens, outputTokens int64) (AIModel, error) {
	if _, err := c.Plan(id); err != nil {
		return AIModel{}, err
	}

	var (
		best     AIModel
		bestCost decimal.Decimal
		found    bool
	)
	for _, m := range c.ModelsForPlan(id) {
		cost := CalculateCost(m, inputTokens, outputTokens)
		if !found || cost.LessThan(bestCost) {
			best, bestCost, found = m, cost, true
		}
	}
	if !found {
		return AIModel{}, fmt.Errorf("%w: plan %q has no models", ErrModelNotFound, id)
	}
	return best, nil
}
