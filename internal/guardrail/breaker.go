// Package guardrail bounds runaway work per task. A per-task circuit
// breaker latches open once retry-count or cost ceilings are crossed
// and stays open until an explicit reset; static output validation
// catches generated code referencing dependencies that cannot resolve,
// before a sandbox run is wasted on it.
package guardrail

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/orchestd/internal/events"
	"go.uber.org/zap"
)

// Decision is the outcome of a circuit breaker check.
type Decision string

const (
	// Continue allows the task to proceed.
	Continue Decision = "continue"
	// Abort permanently blocks the task until an explicit reset.
	Abort Decision = "abort"
)

// Config configures the guardrail monitor.
type Config struct {
	// MaxRetries is the per-task retry ceiling before the breaker
	// opens (default: 5). This is stricter than the executor's own
	// retry loop: it also bounds nested retry loops.
	MaxRetries int `koanf:"max_retries"`
	// MaxCost is the per-task USD ceiling before the breaker opens
	// (default: 0.50).
	MaxCost float64 `koanf:"max_cost"`
	// AllowedDependencies is the known-good set for static output
	// validation. References outside it become violations.
	AllowedDependencies []string `koanf:"allowed_dependencies"`
}

// DefaultConfig returns default guardrail ceilings.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 5,
		MaxCost:    0.50,
	}
}

// breakerState tracks one task's circuit. Once Open is true it stays
// true for the task id; there is no auto-reset.
type breakerState struct {
	Retries int
	Cost    float64
	Open    bool
	Reason  string
}

// BreakerSnapshot is a read-only view of one task's circuit state.
type BreakerSnapshot struct {
	TaskID  string  `json:"task_id"`
	Retries int     `json:"retries"`
	Cost    float64 `json:"cost"`
	Open    bool    `json:"open"`
	Reason  string  `json:"reason,omitempty"`
}

// Monitor is the per-task circuit breaker. Keyed by task id, so it is
// never contended across requests.
type Monitor struct {
	mu     sync.Mutex
	cfg    Config
	states map[string]*breakerState
	bus    *events.Bus
	logger *zap.Logger
}

// NewMonitor creates a guardrail monitor.
func NewMonitor(cfg Config, bus *events.Bus, logger *zap.Logger) *Monitor {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.MaxCost == 0 {
		cfg.MaxCost = DefaultConfig().MaxCost
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:    cfg,
		states: make(map[string]*breakerState),
		bus:    bus,
		logger: logger,
	}
}

// Check records the latest retry count and cost delta for a task and
// returns whether work may continue. Once the breaker has opened for a
// task id, every subsequent check returns Abort regardless of the
// arguments, until Reset is called for that id.
func (m *Monitor) Check(taskID string, retryCount int, costDelta float64) Decision {
	m.mu.Lock()
	st, ok := m.states[taskID]
	if !ok {
		st = &breakerState{}
		m.states[taskID] = st
	}

	if st.Open {
		m.mu.Unlock()
		return Abort
	}

	if retryCount > st.Retries {
		st.Retries = retryCount
	}
	st.Cost += costDelta

	var reason string
	switch {
	case st.Retries > m.cfg.MaxRetries:
		reason = fmt.Sprintf("retry count %d exceeded ceiling %d", st.Retries, m.cfg.MaxRetries)
	case st.Cost > m.cfg.MaxCost:
		reason = fmt.Sprintf("accumulated cost $%.4f exceeded ceiling $%.2f", st.Cost, m.cfg.MaxCost)
	}
	if reason == "" {
		m.mu.Unlock()
		return Continue
	}

	st.Open = true
	st.Reason = reason
	m.mu.Unlock()

	m.logger.Warn("circuit breaker opened",
		zap.String("task_id", taskID),
		zap.String("reason", reason))
	m.bus.Publish(events.Event{
		Type:      events.TypeCircuitOpen,
		AgentName: taskID,
		Content:   reason,
	})
	return Abort
}

// Reset clears a task's circuit state. Explicit administrative action;
// breakers never reset on their own.
func (m *Monitor) Reset(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, taskID)
}

// Snapshot returns the circuit state of every tracked task, ordered by
// task id. Read-only.
func (m *Monitor) Snapshot() []BreakerSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(m.states))
	for id, st := range m.states {
		out = append(out, BreakerSnapshot{
			TaskID: id, Retries: st.Retries, Cost: st.Cost, Open: st.Open, Reason: st.Reason,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}
