package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/orchestd/internal/events"
	"go.uber.org/zap"
)

const (
	hourWindowLength = time.Hour
	dayWindowLength  = 24 * time.Hour
)

// window is a mutable accumulator bound to one budget scope. The
// task-kind window has no length and never rolls over; it lives as
// long as its task.
type window struct {
	start   time.Time
	spent   float64
	alerted bool
}

// Ledger enforces the task/hour/day budget windows. All operations are
// short synchronous critical sections; no lock is held across I/O to
// an upstream provider. Concurrent requests share one ledger.
type Ledger struct {
	mu     sync.Mutex
	limits Limits
	hour   window
	day    window
	tasks  map[string]*window

	totalCalls int64
	totalCost  float64
	byTier     map[int]TierUsage

	store  *HistoryStore
	bus    *events.Bus
	logger *zap.Logger
	now    func() time.Time
}

// NewLedger creates a budget ledger. store may be nil for in-memory
// accounting only; bus may be nil to disable alert events.
func NewLedger(limits Limits, store *HistoryStore, bus *events.Bus, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limits.AlertThreshold == 0 {
		limits.AlertThreshold = 0.8
	}
	now := time.Now
	return &Ledger{
		limits: limits,
		hour:   window{start: now()},
		day:    window{start: now()},
		tasks:  make(map[string]*window),
		byTier: make(map[int]TierUsage),
		store:  store,
		bus:    bus,
		logger: logger,
		now:    now,
	}
}

// rollover resets a timed window when its length has elapsed. Must be
// called with the lock held so no caller observes a half-rolled window.
func rollover(w *window, length time.Duration, now time.Time) {
	if now.Sub(w.start) >= length {
		w.start = now
		w.spent = 0
		w.alerted = false
	}
}

// Admit reports whether a call for the given task may be placed. It
// returns nil when every window is under its limit, or an
// *ExceededError naming the first window that is at or over its limit.
// Admit is idempotent: repeated calls without an intervening Record
// return the same result.
func (l *Ledger) Admit(taskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rollover(&l.day, dayWindowLength, now)
	rollover(&l.hour, hourWindowLength, now)

	if l.limits.DayLimit > 0 && l.day.spent >= l.limits.DayLimit {
		return &ExceededError{BudgetType: KindDay, Spent: l.day.spent, Limit: l.limits.DayLimit}
	}
	if l.limits.HourLimit > 0 && l.hour.spent >= l.limits.HourLimit {
		return &ExceededError{BudgetType: KindHour, Spent: l.hour.spent, Limit: l.limits.HourLimit}
	}
	if tw, ok := l.tasks[taskID]; ok && l.limits.TaskLimit > 0 && tw.spent >= l.limits.TaskLimit {
		return &ExceededError{BudgetType: KindTask, TaskID: taskID, Spent: tw.spent, Limit: l.limits.TaskLimit}
	}
	return nil
}

// Record appends a usage record, updates every matching window
// accumulator (rolling over timed windows first), fires one-time
// alerts, and persists the record when a history store is configured.
func (l *Ledger) Record(rec UsageRecord) {
	l.mu.Lock()

	now := l.now()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}

	rollover(&l.day, dayWindowLength, now)
	rollover(&l.hour, hourWindowLength, now)

	l.day.spent += rec.Cost
	l.hour.spent += rec.Cost

	tw, ok := l.tasks[rec.TaskID]
	if !ok {
		tw = &window{start: now}
		l.tasks[rec.TaskID] = tw
	}
	tw.spent += rec.Cost

	l.totalCalls++
	l.totalCost += rec.Cost
	usage := l.byTier[rec.Tier]
	usage.Calls++
	usage.TokensIn += int64(rec.TokensIn)
	usage.TokensOut += int64(rec.TokensOut)
	usage.Cost += rec.Cost
	l.byTier[rec.Tier] = usage

	alerts := l.collectAlerts(rec.TaskID, tw)
	l.mu.Unlock()

	for _, a := range alerts {
		l.logger.Warn("budget alert threshold crossed",
			zap.String("budget_type", string(a.kind)),
			zap.Float64("spent", a.spent),
			zap.Float64("limit", a.limit))
		l.bus.Publish(events.Event{
			Type:      events.TypeBudgetAlert,
			AgentName: a.agentName(rec.TaskID),
			Content:   fmt.Sprintf("%s budget at $%.4f of $%.2f limit", a.kind, a.spent, a.limit),
		})
	}

	if l.store != nil {
		if err := l.store.Append(rec); err != nil {
			l.logger.Error("failed to persist usage record",
				zap.String("record_id", rec.ID),
				zap.Error(err))
		}
	}
}

type alert struct {
	kind  Kind
	spent float64
	limit float64
}

func (a alert) agentName(taskID string) string {
	if a.kind == KindTask {
		return taskID
	}
	return "budget-ledger"
}

// collectAlerts marks and returns windows crossing their alert
// threshold for the first time in their current epoch. Lock held.
func (l *Ledger) collectAlerts(taskID string, tw *window) []alert {
	var out []alert
	check := func(w *window, kind Kind, limit float64) {
		if limit <= 0 || w.alerted {
			return
		}
		if w.spent >= l.limits.AlertThreshold*limit {
			w.alerted = true
			out = append(out, alert{kind: kind, spent: w.spent, limit: limit})
		}
	}
	check(&l.day, KindDay, l.limits.DayLimit)
	check(&l.hour, KindHour, l.limits.HourLimit)
	check(tw, KindTask, l.limits.TaskLimit)
	return out
}

// ReleaseTask drops the per-task window once a task is terminal. The
// hour/day accounting keeps the spend; only the task scope is freed.
func (l *Ledger) ReleaseTask(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.tasks, taskID)
}

// Snapshot returns the current window states without mutating them.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := Snapshot{
		Hour: WindowSnapshot{Kind: KindHour, Start: l.hour.start, Spent: l.hour.spent, Limit: l.limits.HourLimit, Alerted: l.hour.alerted},
		Day:  WindowSnapshot{Kind: KindDay, Start: l.day.start, Spent: l.day.spent, Limit: l.limits.DayLimit, Alerted: l.day.alerted},
	}
	for id, tw := range l.tasks {
		snap.Tasks = append(snap.Tasks, WindowSnapshot{
			Kind: KindTask, TaskID: id, Start: tw.start, Spent: tw.spent,
			Limit: l.limits.TaskLimit, Alerted: tw.alerted,
		})
	}
	return snap
}

// Metrics returns cumulative usage counters.
func (l *Ledger) Metrics() MetricsSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	byTier := make(map[int]TierUsage, len(l.byTier))
	for k, v := range l.byTier {
		byTier[k] = v
	}
	return MetricsSnapshot{
		SavedAt:    l.now(),
		TotalCalls: l.totalCalls,
		TotalCost:  l.totalCost,
		ByTier:     byTier,
	}
}

// SaveMetrics persists the cumulative counters via atomic overwrite.
// No-op without a history store.
func (l *Ledger) SaveMetrics() error {
	if l.store == nil {
		return nil
	}
	return l.store.SaveSnapshot(l.Metrics())
}
