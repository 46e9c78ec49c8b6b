// Package events provides a publish/subscribe event bus for operational
// observability. Every state transition in the orchestration engine
// (task started, retry, milestone completed, guardrail violation, budget
// alert) is published here. Delivery is best-effort: a slow subscriber
// misses events rather than blocking publishers, and a bounded history
// of recent events is retained for late subscribers. The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op, so components do
// not need guard checks.
package events

import (
	"sync"
	"time"
)

// Type constants describe the kind of event published.
const (
	// TypeTaskStarted signals a task has begun executing.
	TypeTaskStarted = "task_started"
	// TypeTaskCompleted signals a task finished successfully.
	TypeTaskCompleted = "task_completed"
	// TypeTaskFailed signals a task reached a terminal failure.
	TypeTaskFailed = "task_failed"
	// TypeTaskRetry signals a phase attempt failed and will be retried.
	TypeTaskRetry = "task_retry"
	// TypeMilestoneStarted signals a milestone has begun executing.
	TypeMilestoneStarted = "milestone_started"
	// TypeMilestoneCompleted signals all tasks in a milestone completed.
	TypeMilestoneCompleted = "milestone_completed"
	// TypeMilestoneFailed signals a milestone was marked failed.
	TypeMilestoneFailed = "milestone_failed"
	// TypeGuardrailViolation signals static validation found a problem.
	TypeGuardrailViolation = "guardrail_violation"
	// TypeCircuitOpen signals a per-task circuit breaker opened.
	TypeCircuitOpen = "circuit_open"
	// TypeBudgetAlert signals a budget window crossed its alert threshold.
	TypeBudgetAlert = "budget_alert"
	// TypeBudgetExceeded signals an admission check was denied.
	TypeBudgetExceeded = "budget_exceeded"
	// TypeVerification signals a verification run completed.
	TypeVerification = "verification"
	// TypeHealingAttempted signals a one-shot self-heal was attempted.
	TypeHealingAttempted = "healing_attempted"
)

// historyCap bounds the recent-history buffer for late subscribers.
const historyCap = 1000

// Event represents a single operational event published by a component.
type Event struct {
	// Type describes the kind of event.
	Type string `json:"type"`
	// AgentName identifies the component or task that produced the event.
	AgentName string `json:"agent_name"`
	// Content is a human-readable description of the transition.
	Content string `json:"content"`
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; a full channel on publish means the event is
// dropped for that subscriber, never back-pressure on the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event view.
	recvToSend map[<-chan Event]chan Event

	// history is a ring of the most recent historyCap events.
	history []Event
	next    int
	filled  bool
}

// NewBus creates a new event bus ready for use.
func NewBus() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
		history:    make([]Event, historyCap),
	}
}

// Publish sends an event to all subscribers and records it in the
// history ring. Non-blocking; safe to call on a nil receiver (no-op).
// A zero Timestamp is filled in with the current time.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	b.history[b.next] = e
	b.next = (b.next + 1) % historyCap
	if b.next == 0 {
		b.filled = true
	}
	b.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. bufSize
// controls the channel buffer; the caller must eventually call
// Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// History returns the retained recent events in publication order,
// oldest first. At most the last 1000 events are available.
func (b *Bus) History() []Event {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.filled {
		out := make([]Event, b.next)
		copy(out, b.history[:b.next])
		return out
	}
	out := make([]Event, 0, historyCap)
	out = append(out, b.history[b.next:]...)
	out = append(out, b.history[:b.next]...)
	return out
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
