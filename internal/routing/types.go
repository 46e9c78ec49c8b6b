// Package routing selects an upstream model tier for each unit of work.
//
// Tiers are ranked 0-4, cheapest to most capable. Each phase registers
// a cascade: an ordered fallback chain of tier configurations walked
// when earlier entries are unavailable or unhealthy. Selection fails
// open: when no entry is available the primary is returned anyway so
// the caller surfaces a provider error instead of silently stalling.
package routing

// Complexity classifies a task's difficulty for routing purposes.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Capability classifies what a tier is suited for.
type Capability string

const (
	// CapabilityLight marks cheap, fast tiers for simple transforms.
	CapabilityLight Capability = "light"
	// CapabilityStandard marks general-purpose tiers.
	CapabilityStandard Capability = "standard"
	// CapabilityHeavy marks the most capable tiers for complex work.
	CapabilityHeavy Capability = "heavy"
)

// ModelTierConfig is an immutable descriptor of one routable model
// configuration. Loaded once from configuration, never mutated.
type ModelTierConfig struct {
	// Provider identifies the upstream provider.
	Provider string `koanf:"provider"`
	// Model is the provider-specific model identifier.
	Model string `koanf:"model"`
	// Tier is the rank, 0 (cheapest) to 4 (most capable).
	Tier int `koanf:"tier"`
	// Temperature is passed through to the model call.
	Temperature float64 `koanf:"temperature"`
	// MaxTokens bounds output length.
	MaxTokens int `koanf:"max_tokens"`
	// InputPricePerM is USD per million input tokens.
	InputPricePerM float64 `koanf:"input_price_per_m"`
	// OutputPricePerM is USD per million output tokens.
	OutputPricePerM float64 `koanf:"output_price_per_m"`
	// LargeContext flags tiers suited for oversized context windows.
	LargeContext bool `koanf:"large_context"`
	// Capability classifies the tier: light, standard, or heavy.
	Capability Capability `koanf:"capability"`
}

// Cost computes the USD cost of a call at this tier's prices.
func (m ModelTierConfig) Cost(tokensIn, tokensOut int) float64 {
	return float64(tokensIn)/1_000_000*m.InputPricePerM +
		float64(tokensOut)/1_000_000*m.OutputPricePerM
}

// CascadeChain is the ordered fallback chain for one phase. Entry 0 is
// the primary; later entries are tried only when an earlier entry's
// provider is unavailable or a call fails.
type CascadeChain struct {
	Phase   string            `koanf:"phase"`
	Entries []ModelTierConfig `koanf:"entries"`
}

// Primary returns the chain's first entry.
func (c CascadeChain) Primary() ModelTierConfig {
	return c.Entries[0]
}
