package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestd/internal/budget"
	"github.com/fyrsmithlabs/orchestd/internal/events"
	"github.com/fyrsmithlabs/orchestd/internal/guardrail"
	"github.com/fyrsmithlabs/orchestd/internal/provider"
	"github.com/fyrsmithlabs/orchestd/internal/routing"
	"github.com/fyrsmithlabs/orchestd/internal/schema"
)

const instrumentationName = "github.com/fyrsmithlabs/orchestd/internal/executor"

// Config configures executor retry and feedback behavior.
type Config struct {
	// MaxRetries bounds attempts per RunWithRetry call (default: 3).
	MaxRetries int `koanf:"max_retries"`
	// BaseDelay is the first backoff delay; attempt n waits
	// BaseDelay × 2^(n-1) (default: 1s).
	BaseDelay time.Duration `koanf:"base_delay"`
	// MaxIterations bounds feedback-loop iterations (default: 3).
	MaxIterations int `koanf:"max_iterations"`
	// QualityThreshold is the review score at which the feedback loop
	// stops early (default: 0.8).
	QualityThreshold float64 `koanf:"quality_threshold"`
}

// DefaultConfig returns executor defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       3,
		BaseDelay:        time.Second,
		MaxIterations:    3,
		QualityThreshold: 0.8,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.QualityThreshold == 0 {
		c.QualityThreshold = d.QualityThreshold
	}
}

// Executor executes phases against upstream models under budget and
// guardrail supervision. Safe for concurrent use; the ledger, health
// tracker, and breaker handle their own synchronization, and no lock
// is held across a model call.
type Executor struct {
	cfg       Config
	router    *routing.Router
	completer provider.Completer
	ledger    *budget.Ledger
	health    *routing.HealthTracker
	guard     *guardrail.Monitor
	validator *schema.Validator
	bus       *events.Bus
	logger    *zap.Logger
	tracer    trace.Tracer
}

// New creates an executor. bus may be nil to disable events.
func New(cfg Config, router *routing.Router, completer provider.Completer,
	ledger *budget.Ledger, health *routing.HealthTracker, guard *guardrail.Monitor,
	validator *schema.Validator, bus *events.Bus, logger *zap.Logger) (*Executor, error) {

	if router == nil || completer == nil || ledger == nil || health == nil ||
		guard == nil || validator == nil {
		return nil, fmt.Errorf("router, completer, ledger, health, guard, and validator are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	return &Executor{
		cfg:       cfg,
		router:    router,
		completer: completer,
		ledger:    ledger,
		health:    health,
		guard:     guard,
		validator: validator,
		bus:       bus,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
	}, nil
}

// RunWithRetry executes one phase with up to maxRetries attempts.
// Transient provider errors and schema-validation failures are
// retried with exponential backoff; budget denials, circuit opens,
// and non-retryable provider errors fail immediately. The returned
// result's status is exactly Completed or Failed, never Retrying.
func (e *Executor) RunWithRetry(ctx context.Context, phase Phase, in Input, maxRetries int) *PhaseResult {
	ctx, span := e.tracer.Start(ctx, "executor.run_with_retry")
	defer span.End()
	span.SetAttributes(
		attribute.String("phase", string(phase)),
		attribute.String("task_id", in.TaskID),
	)

	if maxRetries <= 0 {
		maxRetries = e.cfg.MaxRetries
	}

	result := &PhaseResult{Phase: phase, Status: StatusRunning}
	start := time.Now()
	defer func() {
		result.Elapsed = time.Since(start)
		if result.Err != nil {
			span.RecordError(result.Err)
			span.SetStatus(codes.Error, result.Err.Error())
		}
	}()

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		result.Attempts = attempt
		result.Status = StatusRunning

		if err := ctx.Err(); err != nil {
			return e.fail(result, in.TaskID, err)
		}

		// Admission and circuit checks happen before the call; both
		// denials are terminal for this invocation.
		if err := e.ledger.Admit(in.TaskID); err != nil {
			e.bus.Publish(events.Event{
				Type:      events.TypeBudgetExceeded,
				AgentName: in.TaskID,
				Content:   err.Error(),
			})
			return e.fail(result, in.TaskID, err)
		}
		if e.guard.Check(in.TaskID, attempt-1, 0) == guardrail.Abort {
			return e.fail(result, in.TaskID, fmt.Errorf("%w: %s", ErrCircuitOpen, in.TaskID))
		}

		tierCfg, err := e.router.Select(string(phase), in.Complexity, in.ContextSize)
		if err != nil {
			return e.fail(result, in.TaskID, err)
		}

		resp, err := e.completer.Complete(ctx, provider.Request{
			Model:       tierCfg.Model,
			Temperature: tierCfg.Temperature,
			MaxTokens:   tierCfg.MaxTokens,
			Messages:    buildMessages(phase, in),
		})
		if err != nil {
			e.health.RecordFailure(tierCfg.Tier)
			if !provider.IsRetryable(err) {
				return e.fail(result, in.TaskID, err)
			}
			lastErr = err
			if !e.waitBackoff(ctx, result, in, attempt, maxRetries, err) {
				break
			}
			continue
		}

		cost := tierCfg.Cost(resp.TokensIn, resp.TokensOut)
		result.Cost += cost
		result.TokensIn += resp.TokensIn
		result.TokensOut += resp.TokensOut
		e.ledger.Record(budget.UsageRecord{
			ID:        uuid.New().String(),
			TaskID:    in.TaskID,
			Phase:     string(phase),
			Provider:  tierCfg.Provider,
			Model:     tierCfg.Model,
			Tier:      tierCfg.Tier,
			TokensIn:  resp.TokensIn,
			TokensOut: resp.TokensOut,
			Cost:      cost,
		})
		if e.guard.Check(in.TaskID, attempt-1, cost) == guardrail.Abort {
			e.health.RecordSuccess(tierCfg.Tier)
			return e.fail(result, in.TaskID, fmt.Errorf("%w: %s", ErrCircuitOpen, in.TaskID))
		}

		valRes, err := e.validator.Validate([]byte(resp.Content), schemaFor(phase))
		if err != nil {
			e.health.RecordSuccess(tierCfg.Tier)
			return e.fail(result, in.TaskID, err)
		}
		if !valRes.Valid {
			// The model is asked to self-correct on the next attempt.
			e.health.RecordFailure(tierCfg.Tier)
			lastErr = fmt.Errorf("structured output invalid: %s", strings.Join(valRes.Errors, "; "))
			in.Feedback = append(in.Feedback, valRes.Errors...)
			if !e.waitBackoff(ctx, result, in, attempt, maxRetries, lastErr) {
				break
			}
			continue
		}

		e.health.RecordSuccess(tierCfg.Tier)
		result.Status = StatusCompleted
		result.Output = resp.Content
		span.SetAttributes(attribute.Int("attempts", attempt))
		return result
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("phase %s exhausted %d attempts", phase, maxRetries)
	}
	return e.fail(result, in.TaskID, fmt.Errorf("phase %s failed after %d attempts: %w", phase, result.Attempts, lastErr))
}

// waitBackoff sleeps baseDelay × 2^(attempt-1) before the next attempt.
// Returns false when the attempt budget is exhausted or the context is
// cancelled (the caller breaks out and fails the result).
func (e *Executor) waitBackoff(ctx context.Context, result *PhaseResult, in Input, attempt, maxRetries int, cause error) bool {
	if attempt >= maxRetries {
		return false
	}

	result.Status = StatusRetrying
	delay := e.cfg.BaseDelay << uint(attempt-1)
	e.logger.Info("phase attempt failed, retrying",
		zap.String("phase", string(result.Phase)),
		zap.String("task_id", in.TaskID),
		zap.Int("attempt", attempt),
		zap.Int("max_retries", maxRetries),
		zap.Duration("delay", delay),
		zap.Error(cause))
	e.bus.Publish(events.Event{
		Type:      events.TypeTaskRetry,
		AgentName: in.TaskID,
		Content:   fmt.Sprintf("phase %s attempt %d/%d failed: %v", result.Phase, attempt, maxRetries, cause),
	})

	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (e *Executor) fail(result *PhaseResult, taskID string, err error) *PhaseResult {
	result.Status = StatusFailed
	result.Err = err
	e.logger.Warn("phase failed",
		zap.String("phase", string(result.Phase)),
		zap.String("task_id", taskID),
		zap.Int("attempts", result.Attempts),
		zap.Error(err))
	return result
}

// reviewOutcome is the parsed review-phase output.
type reviewOutcome struct {
	Score  float64  `json:"score"`
	Issues []string `json:"issues"`
}

// RunWithFeedback wraps RunWithRetry in a quality-gated loop: after
// each completed run the output is reviewed for a score in [0,1] and a
// list of issues. At score ≥ qualityThreshold the result returns
// immediately; otherwise the issues feed the next iteration's input.
// The loop stops at maxIterations and returns the last result
// regardless of score — iteration is best-effort, not a hard gate.
// Review failures are treated as a passing score so a broken reviewer
// cannot cause an infinite loop.
func (e *Executor) RunWithFeedback(ctx context.Context, phase Phase, in Input, maxIterations int, qualityThreshold float64) *PhaseResult {
	ctx, span := e.tracer.Start(ctx, "executor.run_with_feedback")
	defer span.End()

	if maxIterations <= 0 {
		maxIterations = e.cfg.MaxIterations
	}
	if qualityThreshold <= 0 {
		qualityThreshold = e.cfg.QualityThreshold
	}

	var result *PhaseResult
	for iteration := 1; iteration <= maxIterations; iteration++ {
		result = e.RunWithRetry(ctx, phase, in, e.cfg.MaxRetries)
		result.Iterations = iteration
		if result.Status != StatusCompleted {
			return result
		}

		review, err := e.review(ctx, in.TaskID, phase, result.Output)
		if err != nil {
			e.logger.Warn("review step failed, accepting output",
				zap.String("phase", string(phase)),
				zap.String("task_id", in.TaskID),
				zap.Error(err))
			return result
		}
		result.Score = review.Score

		if review.Score >= qualityThreshold {
			span.SetAttributes(attribute.Int("iterations", iteration))
			return result
		}
		e.logger.Info("quality below threshold, iterating",
			zap.String("task_id", in.TaskID),
			zap.Float64("score", review.Score),
			zap.Float64("threshold", qualityThreshold),
			zap.Int("iteration", iteration))
		in.Feedback = append(in.Feedback, review.Issues...)
	}
	return result
}

// review submits output to the review phase and parses the outcome.
func (e *Executor) review(ctx context.Context, taskID string, phase Phase, output string) (*reviewOutcome, error) {
	res := e.RunWithRetry(ctx, PhaseReview, Input{
		TaskID: taskID,
		Prompt: fmt.Sprintf("Review the following %s phase output and score its quality:\n\n%s", phase, output),
	}, e.cfg.MaxRetries)
	if res.Status != StatusCompleted {
		return nil, fmt.Errorf("review run failed: %w", res.Err)
	}

	var outcome reviewOutcome
	if err := json.Unmarshal([]byte(res.Output), &outcome); err != nil {
		return nil, fmt.Errorf("malformed review output: %w", err)
	}
	return &outcome, nil
}

// GatherProposals issues n independent runs of the same phase
// concurrently and returns whichever succeeded, for consensus
// decisions. Individual failures are excluded; an error is returned
// only when zero proposals succeed.
func (e *Executor) GatherProposals(ctx context.Context, phase Phase, in Input, n int) ([]*PhaseResult, error) {
	if n <= 0 {
		n = 1
	}

	var (
		mu        sync.Mutex
		succeeded []*PhaseResult
		lastErr   error
	)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := e.RunWithRetry(ctx, phase, in, e.cfg.MaxRetries)
			mu.Lock()
			defer mu.Unlock()
			if res.Status == StatusCompleted {
				succeeded = append(succeeded, res)
			} else {
				lastErr = res.Err
			}
		}()
	}
	wg.Wait()

	if len(succeeded) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("no proposals gathered")
		}
		return nil, fmt.Errorf("all %d proposals failed: %w", n, lastErr)
	}
	return succeeded, nil
}

// buildMessages assembles the chat messages for a phase call,
// folding accumulated feedback into the final user message.
func buildMessages(phase Phase, in Input) []provider.Message {
	system := systemPrompts[phase]
	if system == "" {
		system = fmt.Sprintf("You are the %s agent. Respond only with JSON matching the %s schema.", phase, schemaFor(phase))
	}

	prompt := in.Prompt
	if len(in.Feedback) > 0 {
		prompt += "\n\nAddress the following issues from the previous attempt:\n- " +
			strings.Join(in.Feedback, "\n- ")
	}

	return []provider.Message{
		{Role: provider.RoleSystem, Content: system},
		{Role: provider.RoleUser, Content: prompt},
	}
}

// systemPrompts holds the per-phase system messages.
var systemPrompts = map[Phase]string{
	PhasePlanning: "You are a planning agent. Decompose the request into milestones of tasks. Respond only with JSON matching the plan schema: {\"milestones\": [{\"name\", \"tasks\": [{\"description\", \"phase\", \"depends_on\"}]}]}.",
	PhaseDesign:   "You are a design agent. Produce design documents as files. Respond only with JSON matching the artifact schema: {\"files\": [{\"path\", \"content\"}]}.",
	PhaseBuild:    "You are a build agent. Produce complete, runnable source files. Respond only with JSON matching the artifact schema: {\"files\": [{\"path\", \"content\"}]}.",
	PhaseTest:     "You are a test agent. Produce test files for the given artifact. Respond only with JSON matching the artifact schema: {\"files\": [{\"path\", \"content\"}]}.",
	PhaseReview:   "You are a review agent. Score the given output between 0 and 1 and list concrete issues. Respond only with JSON: {\"score\", \"issues\"}.",
	PhaseTriage:   "You are a triage agent. Extract structured error locations from the failure log. Respond only with JSON: {\"errors\": [{\"file\", \"line\", \"message\"}], \"summary\"}.",
	PhaseHeal:     "You are a repair agent. Produce full replacements for each implicated file. Respond only with JSON matching the artifact schema: {\"files\": [{\"path\", \"content\"}]}.",
}
