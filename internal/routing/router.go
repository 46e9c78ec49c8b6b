package routing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/orchestd/internal/routing"

// Config configures the router.
type Config struct {
	// Cascades maps phase name to its fallback chain.
	Cascades map[string]CascadeChain `koanf:"cascades"`
	// LargeContextThreshold is the context size (tokens) above which
	// large-context tiers are preferred (default: 100000).
	LargeContextThreshold int `koanf:"large_context_threshold"`
}

// Router selects a model tier configuration for a phase, consulting
// tier health and provider availability. Selection is pure given
// current health/availability state; the only side effect is counter
// bookkeeping.
type Router struct {
	cascades  map[string]CascadeChain
	threshold int
	health    *HealthTracker
	logger    *zap.Logger

	meter            metric.Meter
	selectionCounter metric.Int64Counter
}

// NewRouter creates a router over the configured cascades.
func NewRouter(cfg Config, health *HealthTracker, logger *zap.Logger) (*Router, error) {
	if len(cfg.Cascades) == 0 {
		return nil, fmt.Errorf("at least one cascade is required")
	}
	for phase, chain := range cfg.Cascades {
		if len(chain.Entries) == 0 {
			return nil, fmt.Errorf("cascade for phase %s has no entries", phase)
		}
	}
	if health == nil {
		return nil, fmt.Errorf("health tracker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	threshold := cfg.LargeContextThreshold
	if threshold == 0 {
		threshold = 100_000
	}

	r := &Router{
		cascades:  cfg.Cascades,
		threshold: threshold,
		health:    health,
		logger:    logger,
		meter:     otel.Meter(instrumentationName),
	}

	var err error
	r.selectionCounter, err = r.meter.Int64Counter(
		"orchestd.routing.selections",
		metric.WithDescription("Tier selections by phase and tier"),
		metric.WithUnit("{selection}"),
	)
	if err != nil {
		logger.Warn("failed to create selection counter", zap.Error(err))
	}

	return r, nil
}

// Select returns the model configuration to use for one call of the
// given phase. The cascade is reordered by preference (large-context
// tiers for oversized inputs, heavy tiers for high complexity, skip a
// degraded primary) and the first entry with an available provider
// wins. If nothing is available the primary is returned regardless so
// the caller can surface a provider error rather than silently stall.
func (r *Router) Select(phase string, complexity Complexity, contextSize int) (ModelTierConfig, error) {
	chain, ok := r.cascades[phase]
	if !ok {
		return ModelTierConfig{}, fmt.Errorf("no cascade registered for phase %s", phase)
	}

	candidates := r.orderCandidates(chain, complexity, contextSize)

	for _, cfg := range candidates {
		if r.health.Available(cfg.Provider) {
			r.record(phase, cfg, false)
			return cfg, nil
		}
	}

	// Fail open: no available provider in the cascade.
	primary := chain.Primary()
	r.record(phase, primary, true)
	r.logger.Warn("no available provider in cascade, failing open to primary",
		zap.String("phase", phase),
		zap.String("provider", primary.Provider),
		zap.Int("tier", primary.Tier))
	return primary, nil
}

// orderCandidates applies the preference rules to the cascade.
func (r *Router) orderCandidates(chain CascadeChain, complexity Complexity, contextSize int) []ModelTierConfig {
	entries := chain.Entries

	switch {
	case contextSize > r.threshold:
		return preferring(entries, func(m ModelTierConfig) bool { return m.LargeContext })
	case complexity == ComplexityHigh:
		return preferring(entries, func(m ModelTierConfig) bool {
			return m.Capability == CapabilityHeavy || m.Capability == CapabilityStandard
		})
	default:
		if !r.health.Healthy(entries[0].Tier) && len(entries) > 1 {
			DegradedSkipsTotal.Inc()
			r.logger.Info("skipping degraded primary tier",
				zap.String("phase", chain.Phase),
				zap.Int("tier", entries[0].Tier),
				zap.Float64("score", r.health.Score(entries[0].Tier)))
			reordered := make([]ModelTierConfig, 0, len(entries))
			reordered = append(reordered, entries[1:]...)
			reordered = append(reordered, entries[0])
			return reordered
		}
		return entries
	}
}

// preferring returns entries matching pred first, keeping cascade
// order within each group.
func preferring(entries []ModelTierConfig, pred func(ModelTierConfig) bool) []ModelTierConfig {
	out := make([]ModelTierConfig, 0, len(entries))
	for _, e := range entries {
		if pred(e) {
			out = append(out, e)
		}
	}
	for _, e := range entries {
		if !pred(e) {
			out = append(out, e)
		}
	}
	return out
}

// record updates selection bookkeeping in the health tracker and both
// metrics sinks.
func (r *Router) record(phase string, cfg ModelTierConfig, failOpen bool) {
	r.health.RecordSelection(cfg.Tier)
	recordSelection(phase, cfg)
	if failOpen {
		FailOpenTotal.Inc()
	}
	if r.selectionCounter != nil {
		r.selectionCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("phase", phase),
			attribute.Int("tier", cfg.Tier),
			attribute.Bool("fail_open", failOpen),
		))
	}
}
