package routing

import (
	"sync"
)

const (
	// minHealthSamples is the sample size below which a tier's score is
	// not trusted and the tier is treated as healthy by default.
	minHealthSamples = 10
	// healthyThreshold is the minimum trusted success rate.
	healthyThreshold = 0.90
)

// tierCounters holds per-tier outcome counts.
type tierCounters struct {
	Success    int64
	Failure    int64
	Selections int64
}

// TierHealthSnapshot is a read-only view of one tier's health for the
// administrative query surface.
type TierHealthSnapshot struct {
	Tier       int     `json:"tier"`
	Success    int64   `json:"success"`
	Failure    int64   `json:"failure"`
	Selections int64   `json:"selections"`
	Score      float64 `json:"score"`
	Trusted    bool    `json:"trusted"`
}

// HealthTracker records success/failure outcomes per routing tier and
// provider availability. It is process-wide shared state: one instance
// spans all requests, reset only by explicit administrative action.
type HealthTracker struct {
	mu          sync.RWMutex
	tiers       map[int]*tierCounters
	unavailable map[string]bool
}

// NewHealthTracker creates an empty tracker. All providers start
// available and all tiers start healthy.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		tiers:       make(map[int]*tierCounters),
		unavailable: make(map[string]bool),
	}
}

func (h *HealthTracker) counters(tier int) *tierCounters {
	c, ok := h.tiers[tier]
	if !ok {
		c = &tierCounters{}
		h.tiers[tier] = c
	}
	return c
}

// RecordSelection counts a routing selection. Success/failure is
// recorded separately after the call completes.
func (h *HealthTracker) RecordSelection(tier int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counters(tier).Selections++
}

// RecordSuccess records a successful call outcome for a tier.
func (h *HealthTracker) RecordSuccess(tier int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counters(tier).Success++
}

// RecordFailure records a failed call outcome for a tier.
func (h *HealthTracker) RecordFailure(tier int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counters(tier).Failure++
}

// Score returns the success rate for a tier. Below minHealthSamples
// the score is not meaningful; callers should consult Healthy.
func (h *HealthTracker) Score(tier int) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.tiers[tier]
	if !ok {
		return 1.0
	}
	total := c.Success + c.Failure
	if total == 0 {
		return 1.0
	}
	return float64(c.Success) / float64(total)
}

// Healthy reports whether a tier should be trusted for routing. Tiers
// with fewer than minHealthSamples outcomes are healthy by default.
func (h *HealthTracker) Healthy(tier int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.tiers[tier]
	if !ok {
		return true
	}
	total := c.Success + c.Failure
	if total < minHealthSamples {
		return true
	}
	return float64(c.Success)/float64(total) >= healthyThreshold
}

// SetAvailable marks a provider available or unavailable.
func (h *HealthTracker) SetAvailable(provider string, available bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if available {
		delete(h.unavailable, provider)
	} else {
		h.unavailable[provider] = true
	}
}

// Available reports whether a provider is marked available. Unknown
// providers are available by default.
func (h *HealthTracker) Available(provider string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return !h.unavailable[provider]
}

// Reset clears all counters and availability marks. Administrative
// action only; never called implicitly.
func (h *HealthTracker) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tiers = make(map[int]*tierCounters)
	h.unavailable = make(map[string]bool)
}

// Snapshot returns a read-only view of all tracked tiers, ordered by
// tier number. Reading a snapshot never mutates tracker state.
func (h *HealthTracker) Snapshot() []TierHealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]TierHealthSnapshot, 0, len(h.tiers))
	for tier := 0; tier <= 4; tier++ {
		c, ok := h.tiers[tier]
		if !ok {
			continue
		}
		total := c.Success + c.Failure
		score := 1.0
		if total > 0 {
			score = float64(c.Success) / float64(total)
		}
		out = append(out, TierHealthSnapshot{
			Tier:       tier,
			Success:    c.Success,
			Failure:    c.Failure,
			Selections: c.Selections,
			Score:      score,
			Trusted:    total >= minHealthSamples,
		})
	}
	return out
}
