// Package executor runs one unit of work through an upstream model:
// build a request, route it to a tier, invoke the model, validate the
// structured result, and on failure retry with exponential backoff.
// A quality-gated feedback loop can wrap the retry loop, re-invoking
// with reviewer critique until a score threshold or iteration cap.
package executor

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/orchestd/internal/routing"
)

// Phase is a named stage of work with its own model routing and
// output schema.
type Phase string

const (
	// PhasePlanning decomposes a request into milestones and tasks.
	PhasePlanning Phase = "planning"
	// PhaseDesign produces design artifacts.
	PhaseDesign Phase = "design"
	// PhaseBuild produces executable artifacts.
	PhaseBuild Phase = "build"
	// PhaseTest produces test artifacts.
	PhaseTest Phase = "test"
	// PhaseReview scores an output and lists issues for the feedback loop.
	PhaseReview Phase = "review"
	// PhaseTriage extracts structured error locations from a raw
	// verification failure log. Routed to a cheap tier.
	PhaseTriage Phase = "triage"
	// PhaseHeal produces full replacement files from a triage report.
	// Routed to a strong tier.
	PhaseHeal Phase = "heal"
)

// Status is the phase-execution state machine:
// PENDING → RUNNING → {COMPLETED | RETRYING → RUNNING | FAILED}.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Input is the unit of work handed to the executor.
type Input struct {
	// TaskID scopes budget admission and the circuit breaker.
	TaskID string
	// Prompt is the work description sent to the model.
	Prompt string
	// Complexity steers tier selection.
	Complexity routing.Complexity
	// ContextSize is the estimated context size in tokens.
	ContextSize int
	// Feedback carries reviewer critique or validation errors folded
	// into the next attempt so the model can self-correct.
	Feedback []string
}

// PhaseResult is produced once per executor invocation and attached to
// the originating task.
type PhaseResult struct {
	Phase      Phase         `json:"phase"`
	Status     Status        `json:"status"`
	Output     string        `json:"output,omitempty"`
	Err        error         `json:"-"`
	Attempts   int           `json:"attempts"`
	Iterations int           `json:"iterations,omitempty"`
	Score      float64       `json:"score,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
	Cost       float64       `json:"cost"`
	TokensIn   int           `json:"tokens_in"`
	TokensOut  int           `json:"tokens_out"`
}

// ErrCircuitOpen marks a task permanently aborted by the guardrail
// breaker. Not retryable without an explicit reset.
var ErrCircuitOpen = errors.New("circuit breaker open for task")

// schemaFor maps a phase to the schema its structured output must
// satisfy.
func schemaFor(phase Phase) string {
	switch phase {
	case PhasePlanning:
		return "plan"
	case PhaseReview:
		return "review"
	case PhaseTriage:
		return "failure_report"
	default:
		return "artifact"
	}
}
