// Package config provides configuration loading for orchestd.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/orchestd/internal/budget"
	"github.com/fyrsmithlabs/orchestd/internal/executor"
	"github.com/fyrsmithlabs/orchestd/internal/guardrail"
	"github.com/fyrsmithlabs/orchestd/internal/logging"
	"github.com/fyrsmithlabs/orchestd/internal/provider"
	"github.com/fyrsmithlabs/orchestd/internal/routing"
	"github.com/fyrsmithlabs/orchestd/internal/scheduler"
	"github.com/fyrsmithlabs/orchestd/internal/verify"
)

// Config is the root configuration, produced by one validating load
// step at startup and immutable afterwards.
type Config struct {
	Server    ServerConfig     `koanf:"server"`
	Logging   logging.Config   `koanf:"logging"`
	Provider  ProviderConfig   `koanf:"provider"`
	Routing   routing.Config   `koanf:"routing"`
	Budget    budget.Limits    `koanf:"budget"`
	Guardrail guardrail.Config `koanf:"guardrail"`
	Executor  executor.Config  `koanf:"executor"`
	Scheduler scheduler.Config `koanf:"scheduler"`
	Verify    VerifyConfig     `koanf:"verify"`
	History   HistoryConfig    `koanf:"history"`
}

// ServerConfig configures the administrative HTTP server.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ProviderConfig configures the upstream model provider client. The
// API key is a Secret so it never leaks into logs or serialized
// config.
type ProviderConfig struct {
	Name           string  `koanf:"name"`
	BaseURL        string  `koanf:"base_url"`
	APIKey         Secret  `koanf:"api_key"`
	TimeoutSeconds int     `koanf:"timeout_seconds"`
	RateLimit      float64 `koanf:"rate_limit"`
}

// ClientConfig converts to the provider package's config, unwrapping
// the secret.
func (p ProviderConfig) ClientConfig() provider.Config {
	return provider.Config{
		Name:           p.Name,
		BaseURL:        p.BaseURL,
		APIKey:         p.APIKey.Value(),
		TimeoutSeconds: p.TimeoutSeconds,
		RateLimit:      p.RateLimit,
	}
}

// VerifyConfig extends the verification loop settings with the sandbox
// command and the artifact output directory.
type VerifyConfig struct {
	verify.Config `koanf:",squash"`
	// Command and Args form the sandbox verification command executed
	// against each artifact.
	Command string   `koanf:"command"`
	Args    []string `koanf:"args"`
	// OutputDir is where verified artifacts are persisted.
	OutputDir string `koanf:"output_dir"`
}

// HistoryConfig configures usage-history persistence.
type HistoryConfig struct {
	// Dir holds the append-only daily usage files and the metrics
	// snapshot. Empty disables persistence.
	Dir string `koanf:"dir"`
}

// DefaultCascades returns the built-in per-phase fallback chains over
// the five model tiers. Tier 0 is the cheapest local model, tier 4 the
// most capable.
func DefaultCascades() map[string]routing.CascadeChain {
	tier := map[int]routing.ModelTierConfig{
		0: {Provider: "local", Model: "llama-3.1-8b-instruct", Tier: 0,
			Temperature: 0.2, MaxTokens: 4096, Capability: routing.CapabilityLight,
			InputPricePerM: 0, OutputPricePerM: 0},
		1: {Provider: "openai", Model: "gpt-4o-mini", Tier: 1,
			Temperature: 0.2, MaxTokens: 8192, Capability: routing.CapabilityLight,
			InputPricePerM: 0.15, OutputPricePerM: 0.60},
		2: {Provider: "anthropic", Model: "claude-3-5-haiku-latest", Tier: 2,
			Temperature: 0.2, MaxTokens: 8192, Capability: routing.CapabilityStandard,
			InputPricePerM: 0.80, OutputPricePerM: 4.00},
		3: {Provider: "openai", Model: "gpt-4o", Tier: 3,
			Temperature: 0.3, MaxTokens: 16384, Capability: routing.CapabilityStandard,
			LargeContext: true, InputPricePerM: 2.50, OutputPricePerM: 10.00},
		4: {Provider: "anthropic", Model: "claude-sonnet-4-latest", Tier: 4,
			Temperature: 0.3, MaxTokens: 16384, Capability: routing.CapabilityHeavy,
			LargeContext: true, InputPricePerM: 3.00, OutputPricePerM: 15.00},
	}
	chain := func(phase string, tiers ...int) routing.CascadeChain {
		c := routing.CascadeChain{Phase: phase}
		for _, t := range tiers {
			c.Entries = append(c.Entries, tier[t])
		}
		return c
	}
	return map[string]routing.CascadeChain{
		"planning": chain("planning", 3, 4, 1),
		"design":   chain("design", 3, 4, 2),
		"build":    chain("build", 2, 3, 4),
		"test":     chain("test", 1, 2, 3),
		"review":   chain("review", 1, 2),
		"triage":   chain("triage", 0, 1),
		"heal":     chain("heal", 4, 3),
	}
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Provider.Name == "" {
		cfg.Provider.Name = "openai"
	}
	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = "https://api.openai.com"
	}

	if len(cfg.Routing.Cascades) == 0 {
		cfg.Routing.Cascades = DefaultCascades()
	}
	if cfg.Routing.LargeContextThreshold == 0 {
		cfg.Routing.LargeContextThreshold = 100_000
	}

	// Per field, so a config that sets only one limit keeps the
	// defaults for the other windows instead of disabling them.
	budgetDefaults := budget.DefaultLimits()
	if cfg.Budget.TaskLimit == 0 {
		cfg.Budget.TaskLimit = budgetDefaults.TaskLimit
	}
	if cfg.Budget.HourLimit == 0 {
		cfg.Budget.HourLimit = budgetDefaults.HourLimit
	}
	if cfg.Budget.DayLimit == 0 {
		cfg.Budget.DayLimit = budgetDefaults.DayLimit
	}
	if cfg.Budget.AlertThreshold == 0 {
		cfg.Budget.AlertThreshold = budgetDefaults.AlertThreshold
	}

	if cfg.Guardrail.MaxRetries == 0 {
		cfg.Guardrail.MaxRetries = guardrail.DefaultConfig().MaxRetries
	}
	if cfg.Guardrail.MaxCost == 0 {
		cfg.Guardrail.MaxCost = guardrail.DefaultConfig().MaxCost
	}

	if cfg.Executor.MaxRetries == 0 {
		cfg.Executor.MaxRetries = executor.DefaultConfig().MaxRetries
	}
	if cfg.Executor.BaseDelay == 0 {
		cfg.Executor.BaseDelay = executor.DefaultConfig().BaseDelay
	}
	if cfg.Executor.MaxIterations == 0 {
		cfg.Executor.MaxIterations = executor.DefaultConfig().MaxIterations
	}
	if cfg.Executor.QualityThreshold == 0 {
		cfg.Executor.QualityThreshold = executor.DefaultConfig().QualityThreshold
	}

	if cfg.Scheduler.FeedbackPhases == nil {
		cfg.Scheduler.FeedbackPhases = scheduler.DefaultConfig().FeedbackPhases
	}
	if cfg.Scheduler.PlanProposals == 0 {
		cfg.Scheduler.PlanProposals = scheduler.DefaultConfig().PlanProposals
	}

	if cfg.Verify.MaxAttempts == 0 {
		cfg.Verify.MaxAttempts = verify.DefaultConfig().MaxAttempts
	}
	if cfg.Verify.SandboxTimeout == 0 {
		cfg.Verify.SandboxTimeout = verify.DefaultConfig().SandboxTimeout
	}
	if cfg.Verify.OutputDir == "" {
		cfg.Verify.OutputDir = "./artifacts"
	}
}

// Validate checks invariants a running process depends on. Called once
// after load; configuration never changes afterwards.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug/info/warn/error, got %q", c.Logging.Level)
	}

	for phase, chain := range c.Routing.Cascades {
		if len(chain.Entries) == 0 {
			return fmt.Errorf("routing.cascades.%s has no entries", phase)
		}
		for i, entry := range chain.Entries {
			if entry.Provider == "" || entry.Model == "" {
				return fmt.Errorf("routing.cascades.%s[%d] needs provider and model", phase, i)
			}
			if entry.Tier < 0 || entry.Tier > 4 {
				return fmt.Errorf("routing.cascades.%s[%d] tier must be 0-4, got %d", phase, i, entry.Tier)
			}
			if entry.Temperature < 0 || entry.Temperature > 2 {
				return fmt.Errorf("routing.cascades.%s[%d] temperature must be 0-2", phase, i)
			}
		}
	}

	if c.Budget.TaskLimit < 0 || c.Budget.HourLimit < 0 || c.Budget.DayLimit < 0 {
		return fmt.Errorf("budget limits must be non-negative")
	}
	if c.Budget.AlertThreshold <= 0 || c.Budget.AlertThreshold > 1 {
		return fmt.Errorf("budget.alert_threshold must be in (0,1], got %g", c.Budget.AlertThreshold)
	}

	if c.Guardrail.MaxRetries < 1 {
		return fmt.Errorf("guardrail.max_retries must be at least 1")
	}
	if c.Guardrail.MaxCost <= 0 {
		return fmt.Errorf("guardrail.max_cost must be positive")
	}

	if c.Executor.MaxRetries < 1 {
		return fmt.Errorf("executor.max_retries must be at least 1")
	}
	if c.Executor.QualityThreshold < 0 || c.Executor.QualityThreshold > 1 {
		return fmt.Errorf("executor.quality_threshold must be in [0,1]")
	}

	if c.Verify.MaxAttempts < 1 {
		return fmt.Errorf("verify.max_attempts must be at least 1")
	}

	return nil
}
