// Package scheduler decomposes a request into milestones of phased
// tasks and drives them through the phase executor, guardrail
// validation, and the verification loop. Milestones run in plan order;
// tasks within a milestone run strictly sequentially.
package scheduler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/orchestd/internal/executor"
)

// MilestoneStatus is the milestone state machine:
// PENDING → RUNNING → {COMPLETED | FAILED}.
type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneRunning   MilestoneStatus = "running"
	MilestoneCompleted MilestoneStatus = "completed"
	MilestoneFailed    MilestoneStatus = "failed"
)

// Task is one unit of phased work inside a milestone. Its status
// mirrors the phase result's status.
type Task struct {
	ID          string                `json:"id"`
	Description string                `json:"description"`
	Phase       executor.Phase        `json:"phase"`
	Status      executor.Status       `json:"status"`
	Result      *executor.PhaseResult `json:"result,omitempty"`
}

// Milestone groups ordered tasks. A task never starts before every
// earlier task in the list has reached a terminal status.
type Milestone struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Status MilestoneStatus `json:"status"`
	Tasks  []*Task         `json:"tasks"`
	// Reason is set when the milestone fails (first task failure or
	// cancellation).
	Reason string `json:"reason,omitempty"`
}

// Failure is the structured failure returned to the caller instead of
// an opaque error.
type Failure struct {
	Phase   executor.Phase `json:"phase"`
	TaskID  string         `json:"task_id"`
	Message string         `json:"message"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("task %s (%s phase) failed: %s", f.TaskID, f.Phase, f.Message)
}

// Result is the outcome of one scheduled request.
type Result struct {
	Milestones []*Milestone  `json:"milestones"`
	Completed  bool          `json:"completed"`
	Failure    *Failure      `json:"failure,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}

// planPayload is the planning phase's structured output.
type planPayload struct {
	Milestones []struct {
		Name  string `json:"name"`
		Tasks []struct {
			Description string   `json:"description"`
			Phase       string   `json:"phase"`
			DependsOn   []string `json:"depends_on"`
		} `json:"tasks"`
	} `json:"milestones"`
}

// parsePlan normalizes a planning-phase output into milestones. An
// empty or malformed plan returns an error so the caller can fall
// back.
func parsePlan(output string) ([]*Milestone, error) {
	var plan planPayload
	if err := json.Unmarshal([]byte(output), &plan); err != nil {
		return nil, fmt.Errorf("malformed plan: %w", err)
	}
	if len(plan.Milestones) == 0 {
		return nil, fmt.Errorf("plan contains no milestones")
	}

	var milestones []*Milestone
	for _, pm := range plan.Milestones {
		m := &Milestone{
			ID:     uuid.New().String(),
			Name:   pm.Name,
			Status: MilestonePending,
		}
		for _, pt := range pm.Tasks {
			phase := executor.Phase(pt.Phase)
			if !knownPhase(phase) {
				phase = executor.PhaseBuild
			}
			m.Tasks = append(m.Tasks, &Task{
				ID:          uuid.New().String(),
				Description: pt.Description,
				Phase:       phase,
				Status:      executor.StatusPending,
			})
		}
		if len(m.Tasks) == 0 {
			continue
		}
		milestones = append(milestones, m)
	}
	if len(milestones) == 0 {
		return nil, fmt.Errorf("plan contains no tasks")
	}
	return milestones, nil
}

func knownPhase(p executor.Phase) bool {
	switch p {
	case executor.PhasePlanning, executor.PhaseDesign, executor.PhaseBuild,
		executor.PhaseTest, executor.PhaseReview, executor.PhaseTriage, executor.PhaseHeal:
		return true
	}
	return false
}

// phaseKeywords is the documented decomposition fallback: when no
// usable plan exists, the request text is matched against these
// keyword groups in order and the first hit decides the single
// fallback task's phase. No match defaults to the build phase. The
// table is fixed; it is a bounded heuristic, not a general classifier.
var phaseKeywords = []struct {
	phase    executor.Phase
	keywords []string
}{
	{executor.PhaseTest, []string{"test", "spec", "coverage"}},
	{executor.PhaseDesign, []string{"design", "architect", "diagram", "schema"}},
	{executor.PhaseReview, []string{"review", "audit", "critique"}},
	{executor.PhasePlanning, []string{"plan", "roadmap", "milestone"}},
}

// fallbackPhase guesses a phase from the request text.
func fallbackPhase(request string) executor.Phase {
	lower := strings.ToLower(request)
	for _, group := range phaseKeywords {
		for _, kw := range group.keywords {
			if strings.Contains(lower, kw) {
				return group.phase
			}
		}
	}
	return executor.PhaseBuild
}

// fallbackMilestone builds the single-milestone plan used when
// decomposition fails.
func fallbackMilestone(request string) []*Milestone {
	return []*Milestone{{
		ID:     uuid.New().String(),
		Name:   "request",
		Status: MilestonePending,
		Tasks: []*Task{{
			ID:          uuid.New().String(),
			Description: request,
			Phase:       fallbackPhase(request),
			Status:      executor.StatusPending,
		}},
	}}
}

// artifactPhase reports whether a phase produces executable artifacts
// subject to guardrail validation and verification.
func artifactPhase(p executor.Phase) bool {
	return p == executor.PhaseBuild || p == executor.PhaseTest
}
