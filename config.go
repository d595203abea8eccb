package chatmeter

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Provider kinds understood by ProviderConfig.
const (
	KindOpenAI           = "openai"
	KindOpenRouter       = "openrouter"
	KindGemini           = "gemini"
	KindOpenAICompatible = "openai-compatible"
)

// Config is the top-level configuration.
// Empty Plans or Models fall back to DefaultPlans and DefaultModels.
type Config struct {
	// DefaultModel is used by callers when a request names no model.
	DefaultModel  string           `yaml:"default_model"`
	FallbackOrder []string         `yaml:"fallback_order"`
	Providers     []ProviderConfig `yaml:"providers"`
	Plans         []PlanConfig     `yaml:"plans"`
	Models        []ModelConfig    `yaml:"models"`
}

// ProviderConfig configures one upstream provider.
type ProviderConfig struct {
	Name    string   `yaml:"name"`
	Kind    string   `yaml:"kind"`
	APIKey  string   `yaml:"api_key"`
	BaseURL string   `yaml:"base_url"`
	Models  []string `yaml:"models"`

	// Upstream model ids keyed by catalog id (aggregators).
	ModelMap map[string]string `yaml:"model_map"`
}

// PlanConfig configures a plan. Models may be ["all"]; when omitted the plan
// gets every model whose minimum plan ranks at or below it.
type PlanConfig struct {
	ID            PlanID   `yaml:"id"`
	DailyMessages Limit    `yaml:"daily_messages"`
	MonthlyTokens Limit    `yaml:"monthly_tokens"`
	Models        []string `yaml:"models"`
}

// ModelConfig configures a catalog model. Costs are decimal strings per
// 1000 tokens.
type ModelConfig struct {
	ID              string `yaml:"id"`
	Provider        string `yaml:"provider"`
	ContextWindow   int64  `yaml:"context_window"`
	MaxOutputTokens int64  `yaml:"max_output_tokens"`
	InputCostPer1K  string `yaml:"input_cost_per_1k"`
	OutputCostPer1K string `yaml:"output_cost_per_1k"`
	MinimumPlan     PlanID `yaml:"minimum_plan"`
}

// UnmarshalYAML accepts a non-negative integer, "unlimited" or -1.
func (l *Limit) UnmarshalYAML(value *yaml.Node) error {
	s := strings.TrimSpace(value.Value)
	if strings.EqualFold(s, "unlimited") {
		*l = Unlimited
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("limit %q: must be an integer or \"unlimited\"", s)
	}
	if n == int64(Unlimited) {
		*l = Unlimited
		return nil
	}
	if n < 0 {
		return fmt.Errorf("limit %d: must be non-negative, -1 or \"unlimited\"", n)
	}
	*l = Limit(n)
	return nil
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("chatmeter: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config bytes, expanding ${VAR} references.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("chatmeter: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	names := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("chatmeter: config: providers[%d]: name is required", i)
		}
		if names[p.Name] {
			return fmt.Errorf("chatmeter: config: duplicate provider name %q", p.Name)
		}
		names[p.Name] = true

		switch p.Kind {
		case KindOpenAI, KindOpenRouter, KindGemini:
		case KindOpenAICompatible:
			if p.BaseURL == "" {
				return fmt.Errorf("chatmeter: config: provider %q: base_url is required for %s", p.Name, p.Kind)
			}
		case "":
			return fmt.Errorf("chatmeter: config: provider %q: kind is required", p.Name)
		default:
			return fmt.Errorf("chatmeter: config: provider %q: unknown kind %q", p.Name, p.Kind)
		}
	}

	if c.DefaultModel != "" && len(c.Models) > 0 {
		found := false
		for _, m := range c.Models {
			found = found || m.ID == c.DefaultModel
		}
		if !found {
			return fmt.Errorf("chatmeter: config: default_model %q is not in models", c.DefaultModel)
		}
	}

	for i, p := range c.Plans {
		if p.ID.Rank() < 0 {
			return fmt.Errorf("chatmeter: config: plans[%d]: unknown plan id %q", i, p.ID)
		}
	}

	for i, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("chatmeter: config: models[%d]: id is required", i)
		}
		if m.Provider == "" {
			return fmt.Errorf("chatmeter: config: models[%d] (%s): provider is required", i, m.ID)
		}
		for field, v := range map[string]string{"input_cost_per_1k": m.InputCostPer1K, "output_cost_per_1k": m.OutputCostPer1K} {
			if _, err := parseCost(v); err != nil {
				return fmt.Errorf("chatmeter: config: models[%d] (%s): %s: %w", i, m.ID, field, err)
			}
		}
	}

	return nil
}

// Catalog builds the plan and model catalog described by the config.
func (c Config) Catalog() (*Catalog, error) {
	plans := DefaultPlans()
	if len(c.Plans) > 0 {
		plans = make([]Plan, 0, len(c.Plans))
		for _, pc := range c.Plans {
			p := Plan{
				ID:            pc.ID,
				DailyMessages: pc.DailyMessages,
				MonthlyTokens: pc.MonthlyTokens,
			}
			switch {
			case len(pc.Models) == 1 && (pc.Models[0] == "all" || pc.Models[0] == "*"):
				p.Models = AllModels()
			case len(pc.Models) > 0:
				p.Models = NewModelSet(pc.Models...)
			}
			plans = append(plans, p)
		}
	}

	models := DefaultModels()
	if len(c.Models) > 0 {
		models = make([]AIModel, 0, len(c.Models))
		for _, mc := range c.Models {
			in, err := parseCost(mc.InputCostPer1K)
			if err != nil {
				return nil, fmt.Errorf("chatmeter: config: model %q: %w", mc.ID, err)
			}
			out, err := parseCost(mc.OutputCostPer1K)
			if err != nil {
				return nil, fmt.Errorf("chatmeter: config: model %q: %w", mc.ID, err)
			}
			models = append(models, AIModel{
				ID:              mc.ID,
				Provider:        mc.Provider,
				ContextWindow:   mc.ContextWindow,
				MaxOutputTokens: mc.MaxOutputTokens,
				InputCostPer1K:  in,
				OutputCostPer1K: out,
				MinimumPlan:     mc.MinimumPlan,
			})
		}
	}

	return NewCatalog(plans, models)
}

// RouterOrder returns the configured fallback order, or the default.
func (c Config) RouterOrder() []string {
	if len(c.FallbackOrder) > 0 {
		return c.FallbackOrder
	}
	return DefaultFallbackOrder
}

func parseCost(s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("cost %s is negative", s)
	}
	return d, nil
}
