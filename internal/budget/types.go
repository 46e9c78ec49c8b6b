// Package budget tracks spend against three overlapping windows
// (per-task, per-hour, per-day) and answers admission queries. The
// ledger is process-wide shared state spanning all requests; it is
// reset only by explicit administrative action.
package budget

import (
	"fmt"
	"time"
)

// Kind identifies a budget window scope.
type Kind string

const (
	KindTask Kind = "task"
	KindHour Kind = "hour"
	KindDay  Kind = "day"
)

// UsageRecord is an immutable fact about one completed model call.
// Appended on every completed call; never updated or deleted.
type UsageRecord struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	TaskID    string    `json:"task_id"`
	Phase     string    `json:"phase"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Tier      int       `json:"tier"`
	TokensIn  int       `json:"tokens_in"`
	TokensOut int       `json:"tokens_out"`
	Cost      float64   `json:"cost"`
}

// Limits configures the budget windows. A zero limit disables that
// window's enforcement.
type Limits struct {
	// TaskLimit is USD per task (default: 0.50).
	TaskLimit float64 `koanf:"task_limit"`
	// HourLimit is USD per rolling hour window (default: 5).
	HourLimit float64 `koanf:"hour_limit"`
	// DayLimit is USD per rolling day window (default: 25).
	DayLimit float64 `koanf:"day_limit"`
	// AlertThreshold is the fraction of a limit at which a one-time
	// alert fires per window epoch (default: 0.8).
	AlertThreshold float64 `koanf:"alert_threshold"`
}

// DefaultLimits returns the default budget limits.
func DefaultLimits() Limits {
	return Limits{
		TaskLimit:      0.50,
		HourLimit:      5,
		DayLimit:       25,
		AlertThreshold: 0.8,
	}
}

// ExceededError reports an admission denial, naming the specific
// window that was hit. Not retryable within the current window.
type ExceededError struct {
	BudgetType Kind
	TaskID     string
	Spent      float64
	Limit      float64
}

func (e *ExceededError) Error() string {
	if e.BudgetType == KindTask {
		return fmt.Sprintf("budget exceeded: %s budget for task %s at $%.4f of $%.2f limit",
			e.BudgetType, e.TaskID, e.Spent, e.Limit)
	}
	return fmt.Sprintf("budget exceeded: %s budget at $%.4f of $%.2f limit",
		e.BudgetType, e.Spent, e.Limit)
}

// WindowSnapshot is a read-only view of one budget window.
type WindowSnapshot struct {
	Kind    Kind      `json:"kind"`
	TaskID  string    `json:"task_id,omitempty"`
	Start   time.Time `json:"start"`
	Spent   float64   `json:"spent"`
	Limit   float64   `json:"limit"`
	Alerted bool      `json:"alerted"`
}

// Snapshot is the full ledger state for the administrative surface.
type Snapshot struct {
	Hour  WindowSnapshot   `json:"hour"`
	Day   WindowSnapshot   `json:"day"`
	Tasks []WindowSnapshot `json:"tasks"`
}

// MetricsSnapshot holds cumulative usage counters, persisted via
// atomic overwrite.
type MetricsSnapshot struct {
	SavedAt    time.Time         `json:"saved_at"`
	TotalCalls int64             `json:"total_calls"`
	TotalCost  float64           `json:"total_cost"`
	ByTier     map[int]TierUsage `json:"by_tier"`
}

// TierUsage accumulates per-tier counters.
type TierUsage struct {
	Calls     int64   `json:"calls"`
	TokensIn  int64   `json:"tokens_in"`
	TokensOut int64   `json:"tokens_out"`
	Cost      float64 `json:"cost"`
}
