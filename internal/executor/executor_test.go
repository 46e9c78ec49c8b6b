package executor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/orchestd/internal/budget"
	"github.com/fyrsmithlabs/orchestd/internal/events"
	"github.com/fyrsmithlabs/orchestd/internal/guardrail"
	"github.com/fyrsmithlabs/orchestd/internal/provider"
	"github.com/fyrsmithlabs/orchestd/internal/routing"
	"github.com/fyrsmithlabs/orchestd/internal/schema"
)

// mockCompleter is a testify mock for the provider client.
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

const (
	validArtifact = `{"files": [{"path": "main.go", "content": "package main"}]}`
	invalidOutput = `not even json`
)

func testCascades() map[string]routing.CascadeChain {
	entries := []routing.ModelTierConfig{
		{Provider: "testprov", Model: "cheap-1", Tier: 1, Capability: routing.CapabilityLight, InputPricePerM: 1, OutputPricePerM: 2},
		{Provider: "testprov", Model: "strong-1", Tier: 3, Capability: routing.CapabilityHeavy, InputPricePerM: 5, OutputPricePerM: 10},
	}
	cascades := make(map[string]routing.CascadeChain)
	for _, phase := range []Phase{PhasePlanning, PhaseDesign, PhaseBuild, PhaseTest, PhaseReview, PhaseTriage, PhaseHeal} {
		cascades[string(phase)] = routing.CascadeChain{Phase: string(phase), Entries: entries}
	}
	return cascades
}

type testDeps struct {
	exec   *Executor
	ledger *budget.Ledger
	guard  *guardrail.Monitor
	bus    *events.Bus
}

func newTestExecutor(t *testing.T, completer provider.Completer, limits budget.Limits) testDeps {
	t.Helper()

	health := routing.NewHealthTracker()
	router, err := routing.NewRouter(routing.Config{Cascades: testCascades()}, health, nil)
	require.NoError(t, err)

	validator, err := schema.NewValidator(nil)
	require.NoError(t, err)

	bus := events.NewBus()
	ledger := budget.NewLedger(limits, nil, bus, nil)
	guard := guardrail.NewMonitor(guardrail.Config{MaxRetries: 10, MaxCost: 100}, bus, nil)

	exec, err := New(Config{BaseDelay: time.Millisecond},
		router, completer, ledger, health, guard, validator, bus, nil)
	require.NoError(t, err)

	return testDeps{exec: exec, ledger: ledger, guard: guard, bus: bus}
}

func response(content string) *provider.Response {
	return &provider.Response{Content: content, TokensIn: 100, TokensOut: 50, FinishReason: "stop"}
}

func TestRunWithRetrySucceedsFirstAttempt(t *testing.T) {
	m := &mockCompleter{}
	m.On("Complete", mock.Anything, mock.Anything).Return(response(validArtifact), nil).Once()

	deps := newTestExecutor(t, m, budget.DefaultLimits())
	res := deps.exec.RunWithRetry(context.Background(), PhaseBuild, Input{TaskID: "t1", Prompt: "build it"}, 3)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, validArtifact, res.Output)
	assert.Greater(t, res.Cost, 0.0)
	assert.Equal(t, 100, res.TokensIn)
	m.AssertExpectations(t)
}

func TestRunWithRetryExhaustsAttemptsOnInvalidOutput(t *testing.T) {
	m := &mockCompleter{}
	m.On("Complete", mock.Anything, mock.Anything).Return(response(invalidOutput), nil).Times(3)

	deps := newTestExecutor(t, m, budget.DefaultLimits())
	res := deps.exec.RunWithRetry(context.Background(), PhaseBuild, Input{TaskID: "t1", Prompt: "build it"}, 3)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 3, res.Attempts)
	require.Error(t, res.Err)
	m.AssertExpectations(t)
}

func TestRunWithRetryFoldsValidationErrorsIntoFeedback(t *testing.T) {
	m := &mockCompleter{}
	m.On("Complete", mock.Anything, mock.Anything).Return(response(invalidOutput), nil).Once()
	m.On("Complete", mock.Anything, mock.MatchedBy(func(req provider.Request) bool {
		// The second attempt's prompt must carry the validation errors.
		return len(req.Messages) == 2 &&
			assert.ObjectsAreEqual(provider.RoleUser, req.Messages[1].Role) &&
			len(req.Messages[1].Content) > len("build it")
	})).Return(response(validArtifact), nil).Once()

	deps := newTestExecutor(t, m, budget.DefaultLimits())
	res := deps.exec.RunWithRetry(context.Background(), PhaseBuild, Input{TaskID: "t1", Prompt: "build it"}, 3)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 2, res.Attempts)
	m.AssertExpectations(t)
}

func TestRunWithRetryBudgetDenialFailsImmediately(t *testing.T) {
	m := &mockCompleter{}

	deps := newTestExecutor(t, m, budget.Limits{TaskLimit: 0.01, HourLimit: 5, DayLimit: 25, AlertThreshold: 0.8})
	deps.ledger.Record(budget.UsageRecord{ID: "r1", TaskID: "t1", Tier: 1, Cost: 0.02})

	res := deps.exec.RunWithRetry(context.Background(), PhaseBuild, Input{TaskID: "t1", Prompt: "build it"}, 3)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 1, res.Attempts)
	var exceeded *budget.ExceededError
	require.ErrorAs(t, res.Err, &exceeded)
	assert.Equal(t, budget.KindTask, exceeded.BudgetType)
	m.AssertNotCalled(t, "Complete")
}

func TestRunWithRetryAbortsOnOpenCircuit(t *testing.T) {
	m := &mockCompleter{}

	deps := newTestExecutor(t, m, budget.DefaultLimits())
	// Latch the breaker open before the run.
	require.Equal(t, guardrail.Abort, deps.guard.Check("t1", 11, 0))

	res := deps.exec.RunWithRetry(context.Background(), PhaseBuild, Input{TaskID: "t1", Prompt: "build it"}, 3)

	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrCircuitOpen)
	m.AssertNotCalled(t, "Complete")
}

func TestRunWithRetryNonRetryableProviderError(t *testing.T) {
	m := &mockCompleter{}
	m.On("Complete", mock.Anything, mock.Anything).
		Return(nil, &provider.Error{Provider: "testprov", StatusCode: 401, Message: "bad key", Retryable: false}).Once()

	deps := newTestExecutor(t, m, budget.DefaultLimits())
	res := deps.exec.RunWithRetry(context.Background(), PhaseBuild, Input{TaskID: "t1", Prompt: "build it"}, 3)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 1, res.Attempts)
	m.AssertExpectations(t)
}

func TestRunWithRetryRetryableErrorThenSuccess(t *testing.T) {
	m := &mockCompleter{}
	m.On("Complete", mock.Anything, mock.Anything).
		Return(nil, &provider.Error{Provider: "testprov", StatusCode: 429, Message: "rate limited", Retryable: true}).Once()
	m.On("Complete", mock.Anything, mock.Anything).Return(response(validArtifact), nil).Once()

	deps := newTestExecutor(t, m, budget.DefaultLimits())

	ch := deps.bus.Subscribe(8)
	defer deps.bus.Unsubscribe(ch)

	res := deps.exec.RunWithRetry(context.Background(), PhaseBuild, Input{TaskID: "t1", Prompt: "build it"}, 3)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 2, res.Attempts)

	e := <-ch
	assert.Equal(t, events.TypeTaskRetry, e.Type)
	assert.Equal(t, "t1", e.AgentName)
	m.AssertExpectations(t)
}

func TestRunWithRetryRespectsContextCancellation(t *testing.T) {
	m := &mockCompleter{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	deps := newTestExecutor(t, m, budget.DefaultLimits())
	res := deps.exec.RunWithRetry(ctx, PhaseBuild, Input{TaskID: "t1", Prompt: "build it"}, 3)

	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, context.Canceled)
	m.AssertNotCalled(t, "Complete")
}

func TestRunWithFeedbackStopsAtQualityThreshold(t *testing.T) {
	m := &mockCompleter{}
	// Iteration 1: build then review at 0.6.
	m.On("Complete", mock.Anything, mock.Anything).Return(response(validArtifact), nil).Once()
	m.On("Complete", mock.Anything, mock.Anything).
		Return(response(`{"score": 0.6, "issues": ["missing error handling"]}`), nil).Once()
	// Iteration 2: build then review at 0.85.
	m.On("Complete", mock.Anything, mock.Anything).Return(response(validArtifact), nil).Once()
	m.On("Complete", mock.Anything, mock.Anything).
		Return(response(`{"score": 0.85, "issues": []}`), nil).Once()

	deps := newTestExecutor(t, m, budget.DefaultLimits())
	res := deps.exec.RunWithFeedback(context.Background(), PhaseBuild, Input{TaskID: "t1", Prompt: "build it"}, 3, 0.8)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 2, res.Iterations)
	assert.InDelta(t, 0.85, res.Score, 1e-9)
	m.AssertExpectations(t)
}

func TestRunWithFeedbackReturnsLastResultAtIterationCap(t *testing.T) {
	m := &mockCompleter{}
	for i := 0; i < 2; i++ {
		m.On("Complete", mock.Anything, mock.Anything).Return(response(validArtifact), nil).Once()
		m.On("Complete", mock.Anything, mock.Anything).
			Return(response(`{"score": 0.4, "issues": ["still wrong"]}`), nil).Once()
	}

	deps := newTestExecutor(t, m, budget.DefaultLimits())
	res := deps.exec.RunWithFeedback(context.Background(), PhaseBuild, Input{TaskID: "t1", Prompt: "build it"}, 2, 0.8)

	// Iteration is best-effort: a low score at the cap still returns the
	// completed output.
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 2, res.Iterations)
	assert.InDelta(t, 0.4, res.Score, 1e-9)
	m.AssertExpectations(t)
}

func TestRunWithFeedbackTreatsReviewFailureAsPass(t *testing.T) {
	m := &mockCompleter{}
	m.On("Complete", mock.Anything, mock.Anything).Return(response(validArtifact), nil).Once()
	m.On("Complete", mock.Anything, mock.Anything).
		Return(nil, &provider.Error{Provider: "testprov", StatusCode: 400, Message: "broken reviewer", Retryable: false}).Once()

	deps := newTestExecutor(t, m, budget.DefaultLimits())
	res := deps.exec.RunWithFeedback(context.Background(), PhaseBuild, Input{TaskID: "t1", Prompt: "build it"}, 3, 0.8)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 1, res.Iterations)
	m.AssertExpectations(t)
}

func TestRunWithFeedbackPropagatesRunFailure(t *testing.T) {
	m := &mockCompleter{}
	m.On("Complete", mock.Anything, mock.Anything).
		Return(nil, &provider.Error{Provider: "testprov", StatusCode: 403, Message: "forbidden", Retryable: false}).Once()

	deps := newTestExecutor(t, m, budget.DefaultLimits())
	res := deps.exec.RunWithFeedback(context.Background(), PhaseBuild, Input{TaskID: "t1", Prompt: "build it"}, 3, 0.8)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 1, res.Iterations)
	m.AssertExpectations(t)
}

// funcCompleter drives concurrency tests where call ordering is not
// deterministic.
type funcCompleter struct {
	calls atomic.Int64
	fn    func(n int64) (*provider.Response, error)
}

func (f *funcCompleter) Complete(ctx context.Context, req provider.Request) (*provider.Response, error) {
	return f.fn(f.calls.Add(1))
}

func TestGatherProposalsToleratesPartialFailure(t *testing.T) {
	completer := &funcCompleter{}
	completer.fn = func(n int64) (*provider.Response, error) {
		if n%2 == 0 {
			return nil, &provider.Error{Provider: "testprov", StatusCode: 400, Message: "bad request", Retryable: false}
		}
		return response(validArtifact), nil
	}

	deps := newTestExecutor(t, completer, budget.DefaultLimits())
	proposals, err := deps.exec.GatherProposals(context.Background(), PhaseDesign, Input{TaskID: "t1", Prompt: "design it"}, 4)

	require.NoError(t, err)
	assert.Equal(t, 2, len(proposals))
	for _, p := range proposals {
		assert.Equal(t, StatusCompleted, p.Status)
	}
}

func TestGatherProposalsFailsWhenAllFail(t *testing.T) {
	completer := &funcCompleter{}
	completer.fn = func(n int64) (*provider.Response, error) {
		return nil, &provider.Error{Provider: "testprov", StatusCode: 401, Message: "unauthorized", Retryable: false}
	}

	deps := newTestExecutor(t, completer, budget.DefaultLimits())
	proposals, err := deps.exec.GatherProposals(context.Background(), PhaseDesign, Input{TaskID: "t1", Prompt: "design it"}, 3)

	require.Error(t, err)
	assert.Nil(t, proposals)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{}, nil, nil, nil, nil, nil, nil, nil, nil)
	require.Error(t, err)
}
