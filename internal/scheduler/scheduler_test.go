package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/orchestd/internal/budget"
	"github.com/fyrsmithlabs/orchestd/internal/events"
	"github.com/fyrsmithlabs/orchestd/internal/executor"
	"github.com/fyrsmithlabs/orchestd/internal/guardrail"
	"github.com/fyrsmithlabs/orchestd/internal/provider"
	"github.com/fyrsmithlabs/orchestd/internal/routing"
	"github.com/fyrsmithlabs/orchestd/internal/schema"
	"github.com/fyrsmithlabs/orchestd/internal/verify"
)

type mockCompleter struct {
	mock.Mock
}

func (m *mockCompleter) Complete(ctx context.Context, req provider.Request) (*provider.Response, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.Response), args.Error(1)
}

// stubRunner replays scripted results and counts invocations.
type stubRunner struct {
	mu      sync.Mutex
	results []*verify.RunResult
	calls   int
}

func (s *stubRunner) Run(ctx context.Context, files map[string]string) (*verify.RunResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	s.calls++
	res := *s.results[idx]
	return &res, nil
}

func (s *stubRunner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// memWriter collects persisted files in memory.
type memWriter struct {
	mu    sync.Mutex
	files map[string]string
}

func newMemWriter() *memWriter { return &memWriter{files: make(map[string]string)} }

func (w *memWriter) Write(path, content string, createBackup bool) (*verify.WriteResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.files[path] = content
	return &verify.WriteResult{}, nil
}

const (
	planOutput = `{"milestones": [
		{"name": "core", "tasks": [
			{"description": "design the API", "phase": "design"},
			{"description": "implement the API", "phase": "build"}
		]},
		{"name": "quality", "tasks": [
			{"description": "write tests", "phase": "test"}
		]}
	]}`
	reviewPass    = `{"score": 0.95, "issues": []}`
	cleanArtifact = `{"files": [{"path": "main.go", "content": "package main\n\nfunc main() {}\n"}]}`
	dirtyArtifact = `{"files": [{"path": "main.go", "content": "package main\n\nimport \"github.com/evil/dep\"\n\nvar _ = dep.X\n"}]}`
)

type schedDeps struct {
	sched  *Scheduler
	bus    *events.Bus
	writer *memWriter
	runner *stubRunner
}

// newTestScheduler wires a scheduler over a mock completer. runner nil
// disables verification.
func newTestScheduler(t *testing.T, cfg Config, completer provider.Completer, runner *stubRunner, verifyCfg verify.Config) schedDeps {
	t.Helper()

	entries := []routing.ModelTierConfig{
		{Provider: "testprov", Model: "cheap-1", Tier: 1, Capability: routing.CapabilityLight, InputPricePerM: 1, OutputPricePerM: 2},
		{Provider: "testprov", Model: "strong-1", Tier: 3, Capability: routing.CapabilityHeavy, InputPricePerM: 5, OutputPricePerM: 10},
	}
	cascades := make(map[string]routing.CascadeChain)
	for _, phase := range []executor.Phase{
		executor.PhasePlanning, executor.PhaseDesign, executor.PhaseBuild,
		executor.PhaseTest, executor.PhaseReview, executor.PhaseTriage, executor.PhaseHeal,
	} {
		cascades[string(phase)] = routing.CascadeChain{Phase: string(phase), Entries: entries}
	}

	health := routing.NewHealthTracker()
	router, err := routing.NewRouter(routing.Config{Cascades: cascades}, health, nil)
	require.NoError(t, err)
	validator, err := schema.NewValidator(nil)
	require.NoError(t, err)

	bus := events.NewBus()
	ledger := budget.NewLedger(budget.DefaultLimits(), nil, bus, nil)
	guard := guardrail.NewMonitor(guardrail.Config{MaxRetries: 10, MaxCost: 100}, bus, nil)

	exec, err := executor.New(executor.Config{BaseDelay: time.Millisecond},
		router, completer, ledger, health, guard, validator, bus, nil)
	require.NoError(t, err)

	var verifier *verify.Verifier
	if runner != nil {
		verifier, err = verify.New(verifyCfg, exec, runner, bus, nil)
		require.NoError(t, err)
	}

	writer := newMemWriter()
	sched, err := New(cfg, exec, guard, verifier, writer, ledger, bus, nil)
	require.NoError(t, err)
	return schedDeps{sched: sched, bus: bus, writer: writer, runner: runner}
}

// reviewMilestone builds a milestone of review-phase tasks, which need
// neither feedback loops nor artifact handling.
func reviewMilestone(name string, n int) *Milestone {
	m := &Milestone{ID: name, Name: name, Status: MilestonePending}
	for i := 0; i < n; i++ {
		m.Tasks = append(m.Tasks, &Task{
			ID:          name + "-t" + string(rune('1'+i)),
			Description: "review things",
			Phase:       executor.PhaseReview,
			Status:      executor.StatusPending,
		})
	}
	return m
}

func TestDecomposeParsesPlan(t *testing.T) {
	m := &mockCompleter{}
	m.On("Complete", mock.Anything, mock.Anything).
		Return(&provider.Response{Content: planOutput, TokensIn: 100, TokensOut: 200}, nil).Once()

	deps := newTestScheduler(t, Config{}, m, nil, verify.Config{})
	milestones, err := deps.sched.Decompose(context.Background(), "build me an API")
	require.NoError(t, err)

	require.Len(t, milestones, 2)
	assert.Equal(t, "core", milestones[0].Name)
	require.Len(t, milestones[0].Tasks, 2)
	assert.Equal(t, executor.PhaseDesign, milestones[0].Tasks[0].Phase)
	assert.Equal(t, executor.PhaseBuild, milestones[0].Tasks[1].Phase)
	assert.Equal(t, executor.StatusPending, milestones[0].Tasks[0].Status)
	require.Len(t, milestones[1].Tasks, 1)
	assert.Equal(t, executor.PhaseTest, milestones[1].Tasks[0].Phase)
	m.AssertExpectations(t)
}

func TestDecomposeFallsBackWhenPlanningFails(t *testing.T) {
	m := &mockCompleter{}
	m.On("Complete", mock.Anything, mock.Anything).
		Return(nil, &provider.Error{Provider: "testprov", StatusCode: 401, Message: "unauthorized", Retryable: false}).Once()

	deps := newTestScheduler(t, Config{}, m, nil, verify.Config{})
	milestones, err := deps.sched.Decompose(context.Background(), "write tests for the parser")
	require.NoError(t, err)

	require.Len(t, milestones, 1)
	require.Len(t, milestones[0].Tasks, 1)
	assert.Equal(t, executor.PhaseTest, milestones[0].Tasks[0].Phase)
	m.AssertExpectations(t)
}

func TestFallbackPhaseKeywordTable(t *testing.T) {
	cases := map[string]executor.Phase{
		"write unit tests for the cache": executor.PhaseTest,
		"design the storage schema":      executor.PhaseDesign,
		"review this pull request":       executor.PhaseReview,
		"plan the next milestone":        executor.PhasePlanning,
		"add a retry flag":               executor.PhaseBuild,
	}
	for request, want := range cases {
		assert.Equal(t, want, fallbackPhase(request), request)
	}
}

func TestExecuteFailureLeavesSiblingsPending(t *testing.T) {
	m := &mockCompleter{}
	// T1 passes, T2 fails terminally; T3 must never be attempted.
	m.On("Complete", mock.Anything, mock.Anything).
		Return(&provider.Response{Content: reviewPass, TokensIn: 10, TokensOut: 5}, nil).Once()
	m.On("Complete", mock.Anything, mock.Anything).
		Return(nil, &provider.Error{Provider: "testprov", StatusCode: 403, Message: "forbidden", Retryable: false}).Once()

	deps := newTestScheduler(t, Config{}, m, nil, verify.Config{})
	milestone := reviewMilestone("m1", 3)

	result := deps.sched.Execute(context.Background(), []*Milestone{milestone})

	assert.False(t, result.Completed)
	assert.Equal(t, MilestoneFailed, milestone.Status)
	assert.Equal(t, executor.StatusCompleted, milestone.Tasks[0].Status)
	assert.Equal(t, executor.StatusFailed, milestone.Tasks[1].Status)
	assert.Equal(t, executor.StatusPending, milestone.Tasks[2].Status)
	require.NotNil(t, result.Failure)
	assert.Equal(t, milestone.Tasks[1].ID, result.Failure.TaskID)
	assert.Equal(t, executor.PhaseReview, result.Failure.Phase)
	m.AssertExpectations(t)
}

func TestExecuteHaltsAtFailedMilestoneByDefault(t *testing.T) {
	m := &mockCompleter{}
	m.On("Complete", mock.Anything, mock.Anything).
		Return(nil, &provider.Error{Provider: "testprov", StatusCode: 403, Message: "forbidden", Retryable: false}).Once()

	deps := newTestScheduler(t, Config{}, m, nil, verify.Config{})
	first := reviewMilestone("m1", 1)
	second := reviewMilestone("m2", 1)

	result := deps.sched.Execute(context.Background(), []*Milestone{first, second})

	assert.False(t, result.Completed)
	assert.Equal(t, MilestoneFailed, first.Status)
	assert.Equal(t, MilestonePending, second.Status)
	assert.Equal(t, executor.StatusPending, second.Tasks[0].Status)
	m.AssertNumberOfCalls(t, "Complete", 1)
}

func TestExecuteContinueOnFailureRunsLaterMilestones(t *testing.T) {
	m := &mockCompleter{}
	m.On("Complete", mock.Anything, mock.Anything).
		Return(nil, &provider.Error{Provider: "testprov", StatusCode: 403, Message: "forbidden", Retryable: false}).Once()
	m.On("Complete", mock.Anything, mock.Anything).
		Return(&provider.Response{Content: reviewPass, TokensIn: 10, TokensOut: 5}, nil).Once()

	deps := newTestScheduler(t, Config{ContinueOnFailure: true}, m, nil, verify.Config{})
	first := reviewMilestone("m1", 1)
	second := reviewMilestone("m2", 1)

	result := deps.sched.Execute(context.Background(), []*Milestone{first, second})

	assert.False(t, result.Completed)
	assert.Equal(t, MilestoneFailed, first.Status)
	assert.Equal(t, MilestoneCompleted, second.Status)
	require.NotNil(t, result.Failure)
	assert.Equal(t, first.Tasks[0].ID, result.Failure.TaskID)
	m.AssertExpectations(t)
}

func TestExecuteObservesCancellationBetweenTasks(t *testing.T) {
	m := &mockCompleter{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	deps := newTestScheduler(t, Config{}, m, nil, verify.Config{})
	milestone := reviewMilestone("m1", 2)

	result := deps.sched.Execute(ctx, []*Milestone{milestone})

	assert.False(t, result.Completed)
	assert.Equal(t, MilestoneFailed, milestone.Status)
	assert.Contains(t, milestone.Reason, "cancelled")
	assert.Equal(t, executor.StatusPending, milestone.Tasks[0].Status)
	m.AssertNotCalled(t, "Complete")
}

func TestCriticalViolationFailsTaskWithoutVerification(t *testing.T) {
	m := &mockCompleter{}
	m.On("Complete", mock.Anything, mock.Anything).
		Return(&provider.Response{Content: dirtyArtifact, TokensIn: 100, TokensOut: 50}, nil).Once()

	runner := &stubRunner{results: []*verify.RunResult{{Passed: true, Output: "ok"}}}
	deps := newTestScheduler(t, Config{FeedbackPhases: []string{}}, m, runner, verify.Config{MaxAttempts: 1})

	milestone := &Milestone{
		ID: "m1", Name: "m1", Status: MilestonePending,
		Tasks: []*Task{{ID: "t1", Description: "build it", Phase: executor.PhaseBuild, Status: executor.StatusPending}},
	}
	ch := deps.bus.Subscribe(16)
	defer deps.bus.Unsubscribe(ch)

	result := deps.sched.Execute(context.Background(), []*Milestone{milestone})

	assert.False(t, result.Completed)
	assert.Equal(t, executor.StatusFailed, milestone.Tasks[0].Status)
	// No sandbox run is wasted on code that cannot execute.
	assert.Equal(t, 0, runner.callCount())
	assert.Empty(t, deps.writer.files)

	var sawViolation bool
	for done := false; !done; {
		select {
		case e := <-ch:
			if e.Type == events.TypeGuardrailViolation {
				sawViolation = true
				done = true
			}
		default:
			done = true
		}
	}
	assert.True(t, sawViolation)
}

func TestVerifiedArtifactIsPersisted(t *testing.T) {
	m := &mockCompleter{}
	m.On("Complete", mock.Anything, mock.Anything).
		Return(&provider.Response{Content: cleanArtifact, TokensIn: 100, TokensOut: 50}, nil).Once()

	runner := &stubRunner{results: []*verify.RunResult{{Passed: true, Output: "ok"}}}
	deps := newTestScheduler(t, Config{FeedbackPhases: []string{}}, m, runner, verify.Config{MaxAttempts: 1})

	milestone := &Milestone{
		ID: "m1", Name: "m1", Status: MilestonePending,
		Tasks: []*Task{{ID: "t1", Description: "build it", Phase: executor.PhaseBuild, Status: executor.StatusPending}},
	}
	result := deps.sched.Execute(context.Background(), []*Milestone{milestone})

	assert.True(t, result.Completed)
	assert.Equal(t, MilestoneCompleted, milestone.Status)
	assert.Equal(t, 1, runner.callCount())
	assert.Contains(t, deps.writer.files, "main.go")
}

func TestVerificationFailureFailsTask(t *testing.T) {
	m := &mockCompleter{}
	m.On("Complete", mock.Anything, mock.Anything).
		Return(&provider.Response{Content: cleanArtifact, TokensIn: 100, TokensOut: 50}, nil).Once()

	runner := &stubRunner{results: []*verify.RunResult{{Passed: false, Output: "FAIL"}}}
	deps := newTestScheduler(t, Config{FeedbackPhases: []string{}}, m, runner,
		verify.Config{MaxAttempts: 2, AutoFix: false})

	milestone := &Milestone{
		ID: "m1", Name: "m1", Status: MilestonePending,
		Tasks: []*Task{{ID: "t1", Description: "build it", Phase: executor.PhaseBuild, Status: executor.StatusPending}},
	}
	result := deps.sched.Execute(context.Background(), []*Milestone{milestone})

	assert.False(t, result.Completed)
	assert.Equal(t, executor.StatusFailed, milestone.Tasks[0].Status)
	assert.Empty(t, deps.writer.files)
	require.NotNil(t, result.Failure)
	assert.Contains(t, result.Failure.Message, "verification failed")
}

func TestDecomposeGathersPlanProposals(t *testing.T) {
	thinPlan := `{"milestones": [{"name": "quick", "tasks": [{"description": "do it all", "phase": "build"}]}]}`

	m := &mockCompleter{}
	m.On("Complete", mock.Anything, mock.Anything).
		Return(&provider.Response{Content: thinPlan, TokensIn: 50, TokensOut: 40}, nil).Once()
	m.On("Complete", mock.Anything, mock.Anything).
		Return(&provider.Response{Content: planOutput, TokensIn: 50, TokensOut: 120}, nil).Once()
	m.On("Complete", mock.Anything, mock.Anything).
		Return(&provider.Response{Content: thinPlan, TokensIn: 50, TokensOut: 40}, nil).Once()

	deps := newTestScheduler(t, Config{PlanProposals: 3}, m, nil, verify.Config{})
	milestones, err := deps.sched.Decompose(context.Background(), "build me an API")
	require.NoError(t, err)

	// The most detailed proposal wins, regardless of arrival order.
	require.Len(t, milestones, 2)
	assert.Equal(t, "core", milestones[0].Name)
	assert.Len(t, milestones[0].Tasks, 2)
	m.AssertNumberOfCalls(t, "Complete", 3)
}

func TestDecomposeProposalsAllFailFallsBack(t *testing.T) {
	m := &mockCompleter{}
	m.On("Complete", mock.Anything, mock.Anything).
		Return(nil, &provider.Error{Provider: "testprov", StatusCode: 401, Message: "unauthorized", Retryable: false}).Times(2)

	deps := newTestScheduler(t, Config{PlanProposals: 2}, m, nil, verify.Config{})
	milestones, err := deps.sched.Decompose(context.Background(), "review the gateway")
	require.NoError(t, err)

	require.Len(t, milestones, 1)
	assert.Equal(t, executor.PhaseReview, milestones[0].Tasks[0].Phase)
	m.AssertExpectations(t)
}

func TestBestPlanPrefersMostTasks(t *testing.T) {
	thin := &executor.PhaseResult{Output: `{"milestones": [{"name": "a", "tasks": [{"description": "x", "phase": "build"}]}]}`}
	broken := &executor.PhaseResult{Output: `not json`}
	rich := &executor.PhaseResult{Output: planOutput}

	milestones := bestPlan([]*executor.PhaseResult{thin, broken, rich})
	require.NotNil(t, milestones)
	assert.Len(t, milestones, 2)

	assert.Nil(t, bestPlan([]*executor.PhaseResult{broken}))
}

func TestTaskComplexityAndContextDerivation(t *testing.T) {
	assert.Equal(t, routing.ComplexityHigh,
		taskComplexity(&Task{Phase: executor.PhaseDesign, Description: "design the API"}))
	assert.Equal(t, routing.ComplexityLow,
		taskComplexity(&Task{Phase: executor.PhaseTriage, Description: "triage the failure"}))
	assert.Equal(t, routing.ComplexityMedium,
		taskComplexity(&Task{Phase: executor.PhaseReview, Description: "review the diff"}))
	assert.Equal(t, routing.ComplexityHigh,
		taskComplexity(&Task{Phase: executor.PhaseBuild, Description: strings.Repeat("step ", 500)}))

	assert.Equal(t, 25, estimateTokens(strings.Repeat("a", 100)))
}

func TestDesignTaskRoutesToHeavyTier(t *testing.T) {
	m := &mockCompleter{}
	// High complexity prefers the heavy entry over the cascade primary.
	m.On("Complete", mock.Anything, mock.MatchedBy(func(req provider.Request) bool {
		return req.Model == "strong-1"
	})).Return(&provider.Response{Content: cleanArtifact, TokensIn: 100, TokensOut: 50}, nil).Once()

	deps := newTestScheduler(t, Config{FeedbackPhases: []string{}}, m, nil, verify.Config{})
	milestone := &Milestone{
		ID: "m1", Name: "m1", Status: MilestonePending,
		Tasks: []*Task{{ID: "t1", Description: "design the storage layout", Phase: executor.PhaseDesign, Status: executor.StatusPending}},
	}

	result := deps.sched.Execute(context.Background(), []*Milestone{milestone})
	assert.True(t, result.Completed)
	m.AssertExpectations(t)
}

func TestCriticalViolationMessageExcludesWarnings(t *testing.T) {
	// One critical Go import plus one warning-level dynamic JS import.
	mixedArtifact := `{"files": [
		{"path": "main.go", "content": "package main\n\nimport \"github.com/evil/dep\"\n\nvar _ = dep.X\n"},
		{"path": "load.js", "content": "const m = import('left-pad');\n"}
	]}`

	m := &mockCompleter{}
	m.On("Complete", mock.Anything, mock.Anything).
		Return(&provider.Response{Content: mixedArtifact, TokensIn: 100, TokensOut: 50}, nil).Once()

	deps := newTestScheduler(t, Config{FeedbackPhases: []string{}}, m, nil, verify.Config{})
	milestone := &Milestone{
		ID: "m1", Name: "m1", Status: MilestonePending,
		Tasks: []*Task{{ID: "t1", Description: "build it", Phase: executor.PhaseBuild, Status: executor.StatusPending}},
	}

	result := deps.sched.Execute(context.Background(), []*Milestone{milestone})

	assert.False(t, result.Completed)
	require.NotNil(t, result.Failure)
	assert.Contains(t, result.Failure.Message, "1 unresolved dependency reference")
}

func TestRunEndToEndWithPlan(t *testing.T) {
	m := &mockCompleter{}
	// Planning, then one review task per plan below.
	m.On("Complete", mock.Anything, mock.Anything).
		Return(&provider.Response{Content: `{"milestones": [{"name": "audit", "tasks": [{"description": "review the code", "phase": "review"}]}]}`, TokensIn: 50, TokensOut: 80}, nil).Once()
	m.On("Complete", mock.Anything, mock.Anything).
		Return(&provider.Response{Content: reviewPass, TokensIn: 10, TokensOut: 5}, nil).Once()

	deps := newTestScheduler(t, Config{}, m, nil, verify.Config{})
	result, err := deps.sched.Run(context.Background(), "audit the service")
	require.NoError(t, err)

	assert.True(t, result.Completed)
	require.Len(t, result.Milestones, 1)
	assert.Equal(t, MilestoneCompleted, result.Milestones[0].Status)
	m.AssertExpectations(t)
}
