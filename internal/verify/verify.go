// Package verify executes generated artifacts against their generated
// tests in an external sandbox and, on failure, runs one bounded
// self-healing pass: a cheap tier summarizes the failure log into
// structured error locations, a strong tier produces full replacement
// files, and verification re-runs exactly once. Healing never repeats
// for a task, to bound cost.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestd/internal/events"
	"github.com/fyrsmithlabs/orchestd/internal/executor"
	"github.com/fyrsmithlabs/orchestd/internal/routing"
)

const instrumentationName = "github.com/fyrsmithlabs/orchestd/internal/verify"

// RunResult is the outcome of one sandbox execution.
type RunResult struct {
	Passed  bool          `json:"passed"`
	Output  string        `json:"output"`
	Elapsed time.Duration `json:"elapsed"`
}

// Runner executes an artifact plus its tests in a time-boxed,
// resource-limited sandbox. Implementations must honor ctx.
type Runner interface {
	Run(ctx context.Context, files map[string]string) (*RunResult, error)
}

// WriteResult reports one persisted file.
type WriteResult struct {
	BackupPath string `json:"backup_path,omitempty"`
}

// FileWriter persists artifact files. Called only after verification
// passes or is skipped.
type FileWriter interface {
	Write(path, content string, createBackup bool) (*WriteResult, error)
}

// Config configures the verification loop.
type Config struct {
	// MaxAttempts bounds sandbox runs before healing is considered
	// (default: 3).
	MaxAttempts int `koanf:"max_attempts"`
	// AutoFix enables the one-shot self-healing pass (default on via
	// DefaultConfig).
	AutoFix bool `koanf:"auto_fix"`
	// SandboxTimeout bounds a single sandbox run (default: 120s).
	SandboxTimeout time.Duration `koanf:"sandbox_timeout"`
}

// DefaultConfig returns verification defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		AutoFix:        true,
		SandboxTimeout: 120 * time.Second,
	}
}

// Report is the outcome of Verify for one task.
type Report struct {
	Verified bool `json:"verified"`
	// Attempts counts every sandbox run, including the post-heal one.
	Attempts int `json:"attempts"`
	// HealingAttempts is 0 or 1; healing is strictly one-shot.
	HealingAttempts int `json:"healing_attempts"`
	Healed          bool `json:"healed"`
	// LastOutput is the sandbox log of the final run.
	LastOutput string `json:"last_output,omitempty"`
	// Files is the artifact as verified; after a heal it contains the
	// replacement files, which the caller must persist instead of the
	// originals.
	Files map[string]string `json:"-"`
}

// Verifier drives the verify/heal loop for one artifact.
type Verifier struct {
	cfg    Config
	exec   *executor.Executor
	runner Runner
	bus    *events.Bus
	logger *zap.Logger
	tracer trace.Tracer
}

// New creates a verifier. bus may be nil to disable events.
func New(cfg Config, exec *executor.Executor, runner Runner, bus *events.Bus, logger *zap.Logger) (*Verifier, error) {
	if exec == nil || runner == nil {
		return nil, fmt.Errorf("executor and runner are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.SandboxTimeout <= 0 {
		cfg.SandboxTimeout = DefaultConfig().SandboxTimeout
	}
	return &Verifier{
		cfg:    cfg,
		exec:   exec,
		runner: runner,
		bus:    bus,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}, nil
}

// Verify runs the artifact through the sandbox up to MaxAttempts
// times, stopping at the first pass. When every attempt fails and
// auto-fix is on, one self-healing pass rewrites the artifact and
// verification re-runs exactly once. A failed run is a reported
// outcome, not an error; the error return covers operational failures
// only (context cancellation).
func (v *Verifier) Verify(ctx context.Context, taskID string, files map[string]string) (*Report, error) {
	ctx, span := v.tracer.Start(ctx, "verify.verify")
	defer span.End()
	span.SetAttributes(attribute.String("task_id", taskID))

	report := &Report{Files: files}

	passed, output, err := v.attemptLoop(ctx, report, files)
	if err != nil {
		return report, err
	}
	if passed {
		report.Verified = true
		v.publish(taskID, report)
		return report, nil
	}

	if !v.cfg.AutoFix {
		v.publish(taskID, report)
		return report, nil
	}

	healed, healedFiles := v.selfHeal(ctx, taskID, files, output)
	report.HealingAttempts = 1
	if !healed {
		v.publish(taskID, report)
		return report, nil
	}
	report.Files = healedFiles

	// Re-verify exactly once; a failure here never re-heals.
	report.Attempts++
	res := v.run(ctx, healedFiles)
	report.LastOutput = res.Output
	if res.Passed {
		report.Verified = true
		report.Healed = true
	}
	span.SetAttributes(
		attribute.Bool("verified", report.Verified),
		attribute.Int("attempts", report.Attempts),
	)
	v.publish(taskID, report)
	return report, nil
}

// attemptLoop runs the sandbox up to MaxAttempts times. Returns the
// final pass state and the last failure log.
func (v *Verifier) attemptLoop(ctx context.Context, report *Report, files map[string]string) (bool, string, error) {
	var output string
	for attempt := 1; attempt <= v.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, output, err
		}
		report.Attempts = attempt

		res := v.run(ctx, files)
		output = res.Output
		report.LastOutput = res.Output
		if res.Passed {
			return true, output, nil
		}
		v.logger.Info("verification attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", v.cfg.MaxAttempts))
	}
	return false, output, nil
}

// run executes one time-boxed sandbox pass. Runner errors are folded
// into a failed result so they flow into the healing path.
func (v *Verifier) run(ctx context.Context, files map[string]string) *RunResult {
	runCtx, cancel := context.WithTimeout(ctx, v.cfg.SandboxTimeout)
	defer cancel()

	start := time.Now()
	res, err := v.runner.Run(runCtx, files)
	if err != nil {
		return &RunResult{Passed: false, Output: fmt.Sprintf("sandbox error: %v", err), Elapsed: time.Since(start)}
	}
	res.Elapsed = time.Since(start)
	return res
}

// failureReport is the triage phase's structured output.
type failureReport struct {
	Errors []struct {
		File    string `json:"file"`
		Line    int    `json:"line"`
		Message string `json:"message"`
	} `json:"errors"`
	Summary string `json:"summary"`
}

// artifactPayload is the heal phase's structured output.
type artifactPayload struct {
	Files []struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	} `json:"files"`
}

// selfHeal asks a cheap tier to structure the failure log, then a
// strong tier to replace the implicated files. Returns the rewritten
// artifact; false means healing produced nothing usable.
func (v *Verifier) selfHeal(ctx context.Context, taskID string, files map[string]string, failureLog string) (bool, map[string]string) {
	ctx, span := v.tracer.Start(ctx, "verify.self_heal")
	defer span.End()

	triage := v.exec.RunWithRetry(ctx, executor.PhaseTriage, executor.Input{
		TaskID:     taskID,
		Prompt:     "Extract the error locations from this verification failure log:\n\n" + failureLog,
		Complexity: routing.ComplexityLow,
	}, 0)
	if triage.Status != executor.StatusCompleted {
		v.logger.Warn("triage phase failed, skipping heal",
			zap.String("task_id", taskID),
			zap.Error(triage.Err))
		return false, nil
	}

	var fr failureReport
	if err := json.Unmarshal([]byte(triage.Output), &fr); err != nil {
		v.logger.Warn("malformed triage output, skipping heal",
			zap.String("task_id", taskID),
			zap.Error(err))
		return false, nil
	}

	heal := v.exec.RunWithRetry(ctx, executor.PhaseHeal, executor.Input{
		TaskID:     taskID,
		Prompt:     healPrompt(fr, files),
		Complexity: routing.ComplexityHigh,
	}, 0)
	if heal.Status != executor.StatusCompleted {
		v.logger.Warn("heal phase failed",
			zap.String("task_id", taskID),
			zap.Error(heal.Err))
		return false, nil
	}

	var payload artifactPayload
	if err := json.Unmarshal([]byte(heal.Output), &payload); err != nil || len(payload.Files) == 0 {
		v.logger.Warn("heal phase produced no usable files",
			zap.String("task_id", taskID))
		return false, nil
	}

	healed := make(map[string]string, len(files))
	for path, content := range files {
		healed[path] = content
	}
	for _, f := range payload.Files {
		healed[f.Path] = f.Content
	}
	return true, healed
}

// healPrompt assembles the repair request: the structured failure
// report plus the current content of each implicated file.
func healPrompt(fr failureReport, files map[string]string) string {
	var b strings.Builder
	b.WriteString("Produce full replacements for the broken files.\n\nFailure summary: ")
	b.WriteString(fr.Summary)
	b.WriteString("\n\nErrors:\n")
	for _, e := range fr.Errors {
		fmt.Fprintf(&b, "- %s:%d: %s\n", e.File, e.Line, e.Message)
	}

	seen := map[string]bool{}
	b.WriteString("\nCurrent file contents:\n")
	for _, e := range fr.Errors {
		if seen[e.File] {
			continue
		}
		seen[e.File] = true
		if content, ok := files[e.File]; ok {
			fmt.Fprintf(&b, "\n--- %s ---\n%s\n", e.File, content)
		}
	}
	return b.String()
}

func (v *Verifier) publish(taskID string, report *Report) {
	content := fmt.Sprintf("verified=%t after %d attempts", report.Verified, report.Attempts)
	v.bus.Publish(events.Event{
		Type:      events.TypeVerification,
		AgentName: taskID,
		Content:   content,
	})
	if report.HealingAttempts > 0 {
		v.bus.Publish(events.Event{
			Type:      events.TypeHealingAttempted,
			AgentName: taskID,
			Content:   fmt.Sprintf("healed=%t", report.Healed),
		})
	}
}
