package chatmeter

import "github.com/shopspring/decimal"

// Provider names used by the built-in catalog.
const (
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"
	ProviderGemini     = "gemini"
)

// DefaultFallbackOrder is the provider priority used after a model's native
// provider: the direct vendor first, then the aggregator.
var DefaultFallbackOrder = []string{ProviderOpenAI, ProviderOpenRouter, ProviderGemini}

// DefaultPlans returns the built-in plan table.
func DefaultPlans() []Plan {
	return []Plan{
		{
			ID:            PlanFree,
			DailyMessages: 10,
			MonthlyTokens: 100_000,
			Models:        NewModelSet("gpt-3.5-turbo", "claude-3-haiku", "mistral-7b", "llama-2-13b"),
		},
		{
			// Model set derived from MinimumPlan.
			ID:            PlanLite,
			DailyMessages: 100,
			MonthlyTokens: 1_000_000,
		},
		{
			ID:            PlanPro,
			DailyMessages: 500,
			MonthlyTokens: 5_000_000,
			Models: NewModelSet(
				"gpt-3.5-turbo", "gpt-4", "gpt-4-turbo",
				"claude-3-sonnet", "claude-3-haiku", "gemini-pro",
				"mixtral-8x7b", "llama-2-70b", "phind-codellama-34b",
				"deepseek-coder", "nous-hermes-2", "openhermes-2.5",
			),
		},
		{
			ID:            PlanEnterprise,
			DailyMessages: Unlimited,
			MonthlyTokens: Unlimited,
			Models:        AllModels(),
		},
	}
}

// DefaultModels returns the built-in model table. Prices are per 1000 tokens.
func DefaultModels() []AIModel {
	m := func(id, provider string, ctxWindow, maxOut int64, in, out string, minPlan PlanID) AIModel {
		return AIModel{
			ID:              id,
			Provider:        provider,
			ContextWindow:   ctxWindow,
			MaxOutputTokens: maxOut,
			InputCostPer1K:  decimal.RequireFromString(in),
			OutputCostPer1K: decimal.RequireFromString(out),
			MinimumPlan:     minPlan,
		}
	}
	return []AIModel{
		m("gpt-3.5-turbo", ProviderOpenAI, 4096, 4096, "0.0015", "0.002", PlanFree),
		m("gpt-4", ProviderOpenAI, 8192, 8192, "0.03", "0.06", PlanPro),
		m("gpt-4-turbo", ProviderOpenAI, 128000, 4096, "0.01", "0.03", PlanPro),

		m("claude-3-haiku", ProviderOpenRouter, 200000, 4096, "0.00025", "0.00125", PlanFree),
		m("claude-3-sonnet", ProviderOpenRouter, 200000, 4096, "0.003", "0.015", PlanPro),
		m("claude-3-opus", ProviderOpenRouter, 200000, 4096, "0.015", "0.075", PlanEnterprise),
		m("mistral-7b", ProviderOpenRouter, 8192, 4096, "0.00006", "0.00006", PlanFree),
		m("llama-2-13b", ProviderOpenRouter, 4096, 4096, "0.0001", "0.0001", PlanFree),
		m("llama-2-70b", ProviderOpenRouter, 4096, 4096, "0.0007", "0.0009", PlanLite),
		m("mixtral-8x7b", ProviderOpenRouter, 32768, 4096, "0.00027", "0.00027", PlanLite),
		m("deepseek-coder", ProviderOpenRouter, 16384, 4096, "0.0004", "0.0004", PlanLite),
		m("phind-codellama-34b", ProviderOpenRouter, 16384, 4096, "0.001", "0.001", PlanPro),
		m("nous-hermes-2", ProviderOpenRouter, 32768, 4096, "0.001", "0.001", PlanPro),
		m("openhermes-2.5", ProviderOpenRouter, 8192, 4096, "0.001", "0.001", PlanPro),

		m("gemini-pro", ProviderGemini, 32760, 8192, "0.00025", "0.0005", PlanLite),
	}
}

// DefaultCatalog builds a Catalog from DefaultPlans and DefaultModels.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultPlans(), DefaultModels())
	if err != nil {
		panic(err)
	}
	return c
}
