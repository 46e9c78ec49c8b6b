package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestd/internal/budget"
	"github.com/fyrsmithlabs/orchestd/internal/events"
	"github.com/fyrsmithlabs/orchestd/internal/executor"
	"github.com/fyrsmithlabs/orchestd/internal/guardrail"
	"github.com/fyrsmithlabs/orchestd/internal/routing"
	"github.com/fyrsmithlabs/orchestd/internal/verify"
)

const instrumentationName = "github.com/fyrsmithlabs/orchestd/internal/scheduler"

// Config configures the scheduler.
type Config struct {
	// ContinueOnFailure lets later milestones run after one fails.
	// Default off: the whole request halts on the first milestone
	// failure.
	ContinueOnFailure bool `koanf:"continue_on_failure"`
	// FeedbackPhases get the quality-gated feedback loop instead of the
	// plain retry loop. Defaults to the artifact-producing phases.
	FeedbackPhases []string `koanf:"feedback_phases"`
	// PlanProposals is how many independent plan proposals decomposition
	// gathers before picking the most detailed usable one. Default 1:
	// a single planning call, no fan-out.
	PlanProposals int `koanf:"plan_proposals"`
}

// DefaultConfig returns scheduler defaults.
func DefaultConfig() Config {
	return Config{
		FeedbackPhases: []string{string(executor.PhaseDesign), string(executor.PhaseBuild)},
		PlanProposals:  1,
	}
}

// Scheduler owns the milestone/task lifecycle for one or more
// requests. Requests are independent: each Run call builds its own
// milestone state, so concurrent runs share only the ledger, health
// tracker, and breaker, which synchronize themselves.
type Scheduler struct {
	cfg      Config
	exec     *executor.Executor
	guard    *guardrail.Monitor
	verifier *verify.Verifier
	writer   verify.FileWriter
	ledger   *budget.Ledger
	bus      *events.Bus
	logger   *zap.Logger
	tracer   trace.Tracer

	feedback map[executor.Phase]bool
}

// New creates a scheduler. verifier and writer may be nil: without a
// verifier, verification is skipped and artifacts persist directly;
// without a writer, artifacts are not persisted.
func New(cfg Config, exec *executor.Executor, guard *guardrail.Monitor,
	verifier *verify.Verifier, writer verify.FileWriter,
	ledger *budget.Ledger, bus *events.Bus, logger *zap.Logger) (*Scheduler, error) {

	if exec == nil || guard == nil || ledger == nil {
		return nil, fmt.Errorf("executor, guard, and ledger are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FeedbackPhases == nil {
		cfg.FeedbackPhases = DefaultConfig().FeedbackPhases
	}
	if cfg.PlanProposals <= 0 {
		cfg.PlanProposals = DefaultConfig().PlanProposals
	}
	feedback := make(map[executor.Phase]bool, len(cfg.FeedbackPhases))
	for _, p := range cfg.FeedbackPhases {
		feedback[executor.Phase(p)] = true
	}

	return &Scheduler{
		cfg:      cfg,
		exec:     exec,
		guard:    guard,
		verifier: verifier,
		writer:   writer,
		ledger:   ledger,
		bus:      bus,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		feedback: feedback,
	}, nil
}

// Run decomposes the request into milestones and executes them.
func (s *Scheduler) Run(ctx context.Context, request string) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.run")
	defer span.End()

	milestones, err := s.Decompose(ctx, request)
	if err != nil {
		return nil, err
	}
	return s.Execute(ctx, milestones), nil
}

// Decompose obtains a plan from the planning phase and normalizes it
// into milestones. An absent or malformed plan falls back to a single
// milestone whose one task's phase comes from the documented keyword
// table; the fallback is logged, never silent.
func (s *Scheduler) Decompose(ctx context.Context, request string) ([]*Milestone, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.decompose")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	in := executor.Input{
		TaskID:      "plan-" + uuid.New().String(),
		Prompt:      request,
		Complexity:  routing.ComplexityHigh,
		ContextSize: estimateTokens(request),
	}

	if s.cfg.PlanProposals > 1 {
		proposals, err := s.exec.GatherProposals(ctx, executor.PhasePlanning, in, s.cfg.PlanProposals)
		if err != nil {
			s.logger.Warn("all plan proposals failed, falling back to keyword decomposition",
				zap.Error(err))
			return fallbackMilestone(request), nil
		}
		milestones := bestPlan(proposals)
		if milestones == nil {
			s.logger.Warn("no usable plan among proposals, falling back to keyword decomposition",
				zap.Int("proposals", len(proposals)))
			return fallbackMilestone(request), nil
		}
		span.SetAttributes(
			attribute.Int("milestones", len(milestones)),
			attribute.Int("proposals", len(proposals)))
		return milestones, nil
	}

	planRes := s.exec.RunWithRetry(ctx, executor.PhasePlanning, in, 0)
	if planRes.Status != executor.StatusCompleted {
		s.logger.Warn("planning phase failed, falling back to keyword decomposition",
			zap.Error(planRes.Err))
		return fallbackMilestone(request), nil
	}

	milestones, err := parsePlan(planRes.Output)
	if err != nil {
		s.logger.Warn("unusable plan, falling back to keyword decomposition",
			zap.Error(err))
		return fallbackMilestone(request), nil
	}

	span.SetAttributes(attribute.Int("milestones", len(milestones)))
	return milestones, nil
}

// Execute runs milestones in order. Within a milestone, tasks run
// strictly sequentially; the first task failure fails the milestone
// and its remaining tasks stay pending. A failed milestone halts the
// request unless ContinueOnFailure is set. Cancellation is observed
// between tasks: the current milestone is marked failed with a
// cancellation reason and nothing further starts.
func (s *Scheduler) Execute(ctx context.Context, milestones []*Milestone) *Result {
	ctx, span := s.tracer.Start(ctx, "scheduler.execute")
	defer span.End()

	start := time.Now()
	result := &Result{Milestones: milestones, Completed: true}
	defer func() { result.Elapsed = time.Since(start) }()

	for _, m := range milestones {
		if !result.Completed && !s.cfg.ContinueOnFailure {
			// Halted: later milestones stay pending.
			break
		}

		s.runMilestone(ctx, m, result)
	}
	return result
}

func (s *Scheduler) runMilestone(ctx context.Context, m *Milestone, result *Result) {
	m.Status = MilestoneRunning
	s.bus.Publish(events.Event{
		Type:      events.TypeMilestoneStarted,
		AgentName: m.Name,
		Content:   fmt.Sprintf("%d tasks", len(m.Tasks)),
	})
	s.logger.Info("milestone started",
		zap.String("milestone", m.Name),
		zap.Int("tasks", len(m.Tasks)))

	for _, task := range m.Tasks {
		if err := ctx.Err(); err != nil {
			s.failMilestone(m, result, task, fmt.Sprintf("cancelled: %v", err))
			return
		}

		failure := s.runTask(ctx, task)
		if failure != nil {
			s.failMilestone(m, result, task, failure.Message)
			result.Failure = failure
			return
		}
	}

	m.Status = MilestoneCompleted
	s.bus.Publish(events.Event{
		Type:      events.TypeMilestoneCompleted,
		AgentName: m.Name,
	})
}

// failMilestone marks the milestone failed; tasks not yet started stay
// pending.
func (s *Scheduler) failMilestone(m *Milestone, result *Result, task *Task, reason string) {
	m.Status = MilestoneFailed
	m.Reason = reason
	result.Completed = false
	if result.Failure == nil {
		result.Failure = &Failure{Phase: task.Phase, TaskID: task.ID, Message: reason}
	}
	s.bus.Publish(events.Event{
		Type:      events.TypeMilestoneFailed,
		AgentName: m.Name,
		Content:   reason,
	})
	s.logger.Warn("milestone failed",
		zap.String("milestone", m.Name),
		zap.String("reason", reason))
}

// runTask executes one task end to end. A nil return means the task
// completed (and, for artifact phases, survived validation and
// verification).
func (s *Scheduler) runTask(ctx context.Context, task *Task) *Failure {
	task.Status = executor.StatusRunning
	s.bus.Publish(events.Event{
		Type:      events.TypeTaskStarted,
		AgentName: task.ID,
		Content:   task.Description,
	})
	defer s.ledger.ReleaseTask(task.ID)

	in := executor.Input{
		TaskID:      task.ID,
		Prompt:      task.Description,
		Complexity:  taskComplexity(task),
		ContextSize: estimateTokens(task.Description),
	}

	var res *executor.PhaseResult
	if s.feedback[task.Phase] {
		res = s.exec.RunWithFeedback(ctx, task.Phase, in, 0, 0)
	} else {
		res = s.exec.RunWithRetry(ctx, task.Phase, in, 0)
	}
	task.Result = res
	task.Status = res.Status

	if res.Status != executor.StatusCompleted {
		s.bus.Publish(events.Event{
			Type:      events.TypeTaskFailed,
			AgentName: task.ID,
			Content:   errMessage(res.Err),
		})
		return &Failure{Phase: task.Phase, TaskID: task.ID, Message: errMessage(res.Err)}
	}

	if artifactPhase(task.Phase) {
		if failure := s.handleArtifact(ctx, task, res.Output); failure != nil {
			task.Status = executor.StatusFailed
			s.bus.Publish(events.Event{
				Type:      events.TypeTaskFailed,
				AgentName: task.ID,
				Content:   failure.Message,
			})
			return failure
		}
	}

	s.bus.Publish(events.Event{
		Type:      events.TypeTaskCompleted,
		AgentName: task.ID,
	})
	return nil
}

// handleArtifact runs guardrail static validation, then verification
// with one-shot self-heal, then persists the (possibly healed) files.
// A critical guardrail violation fails the task without spending a
// sandbox run on it.
func (s *Scheduler) handleArtifact(ctx context.Context, task *Task, output string) *Failure {
	files, err := parseArtifact(output)
	if err != nil {
		return &Failure{Phase: task.Phase, TaskID: task.ID, Message: err.Error()}
	}

	violations := s.guard.ValidateArtifact(files)
	for _, v := range violations {
		s.bus.Publish(events.Event{
			Type:      events.TypeGuardrailViolation,
			AgentName: task.ID,
			Content:   fmt.Sprintf("[%s] %s: %s", v.Severity, v.File, v.Message),
		})
	}
	if critical := guardrail.CountCritical(violations); critical > 0 {
		return &Failure{
			Phase:  task.Phase,
			TaskID: task.ID,
			Message: fmt.Sprintf("guardrail violation: %d unresolved dependency reference(s)",
				critical),
		}
	}
	for _, v := range violations {
		s.logger.Warn("guardrail warning",
			zap.String("task_id", task.ID),
			zap.String("file", v.File),
			zap.String("dependency", v.Dependency))
	}

	if s.verifier != nil {
		report, err := s.verifier.Verify(ctx, task.ID, files)
		if err != nil {
			return &Failure{Phase: task.Phase, TaskID: task.ID, Message: errMessage(err)}
		}
		if !report.Verified {
			return &Failure{
				Phase:   task.Phase,
				TaskID:  task.ID,
				Message: fmt.Sprintf("verification failed after %d attempts", report.Attempts),
			}
		}
		files = report.Files
	}

	if s.writer != nil {
		for path, content := range files {
			if _, err := s.writer.Write(path, content, true); err != nil {
				return &Failure{
					Phase:   task.Phase,
					TaskID:  task.ID,
					Message: fmt.Sprintf("persist %s: %v", path, err),
				}
			}
		}
	}
	return nil
}

// longDescriptionChars is the description length past which a task is
// routed as high complexity regardless of phase.
const longDescriptionChars = 2000

// taskComplexity classifies a task for tier routing. Planning and
// design work goes to the heavy tiers; other phases are medium unless
// the description is long enough to suggest a hard task.
func taskComplexity(task *Task) routing.Complexity {
	switch task.Phase {
	case executor.PhasePlanning, executor.PhaseDesign:
		return routing.ComplexityHigh
	case executor.PhaseTriage:
		return routing.ComplexityLow
	}
	if len(task.Description) > longDescriptionChars {
		return routing.ComplexityHigh
	}
	return routing.ComplexityMedium
}

// estimateTokens approximates the token count of a prompt, roughly
// four characters per token for English text and code.
func estimateTokens(s string) int {
	return len(s) / 4
}

// bestPlan parses each gathered proposal and returns the one with the
// most tasks, preferring the most detailed decomposition. Ties keep
// the earlier proposal. Nil when no proposal parses.
func bestPlan(proposals []*executor.PhaseResult) []*Milestone {
	var best []*Milestone
	bestTasks := 0
	for _, p := range proposals {
		milestones, err := parsePlan(p.Output)
		if err != nil {
			continue
		}
		tasks := 0
		for _, m := range milestones {
			tasks += len(m.Tasks)
		}
		if tasks > bestTasks {
			best, bestTasks = milestones, tasks
		}
	}
	return best
}

// parseArtifact extracts the file map from an artifact-schema output.
func parseArtifact(output string) (map[string]string, error) {
	var payload struct {
		Files []struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		} `json:"files"`
	}
	if err := json.Unmarshal([]byte(output), &payload); err != nil {
		return nil, fmt.Errorf("malformed artifact output: %w", err)
	}
	files := make(map[string]string, len(payload.Files))
	for _, f := range payload.Files {
		files[f.Path] = f.Content
	}
	return files, nil
}

func errMessage(err error) string {
	if err == nil {
		return "task failed"
	}
	return err.Error()
}
