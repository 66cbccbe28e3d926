package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/researchd/internal/agents"
	"github.com/fyrsmithlabs/researchd/internal/config"
	"github.com/fyrsmithlabs/researchd/internal/events"
	"github.com/fyrsmithlabs/researchd/internal/logging"
	"github.com/fyrsmithlabs/researchd/internal/registry"
	"github.com/fyrsmithlabs/researchd/internal/research"
)

// MockAgent is a mock implementation of agents.Agent
type MockAgent struct {
	mock.Mock
	stage research.Stage
}

func NewMockAgent(stage research.Stage) *MockAgent {
	return &MockAgent{stage: stage}
}

func (m *MockAgent) Stage() research.Stage {
	return m.stage
}

func (m *MockAgent) Run(ctx context.Context, tc agents.TaskContext) (research.StageResult, error) {
	args := m.Called(ctx, tc)
	if fn, ok := args.Get(0).(func(context.Context, agents.TaskContext) research.StageResult); ok {
		return fn(ctx, tc), args.Error(1)
	}
	return args.Get(0).(research.StageResult), args.Error(1)
}

// MockDomainSelector is a mock implementation of DomainSelector
type MockDomainSelector struct {
	mock.Mock
}

func (m *MockDomainSelector) Select(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

var testNow = time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)

type harness struct {
	reg    *registry.Registry
	orch   *Orchestrator
	agents map[research.Stage]*MockAgent
	logger *logging.TestLogger

	mu       sync.Mutex
	progress []Progress
}

func newHarness(t *testing.T, cfg config.PipelineConfig) *harness {
	t.Helper()
	reg, err := registry.New(context.Background(), nil, zap.NewNop())
	require.NoError(t, err)

	h := &harness{reg: reg, agents: make(map[research.Stage]*MockAgent), logger: logging.NewTestLogger()}
	h.orch = NewOrchestrator(reg, nil, cfg, h.logger.Logger)
	h.orch.now = func() time.Time { return testNow }
	h.orch.OnProgress(func(p Progress) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.progress = append(h.progress, p)
	})
	for _, s := range research.AllStages() {
		a := NewMockAgent(s)
		h.agents[s] = a
		h.orch.RegisterAgent(a)
	}
	return h
}

// succeed makes the agent for stage return content derived from the domain.
func (h *harness) succeed(stage research.Stage) {
	h.agents[stage].On("Run", mock.Anything, mock.Anything).Return(func(_ context.Context, tc agents.TaskContext) research.StageResult {
		return research.StageResult{
			Stage:       stage,
			Agent:       stage.Title() + "Agent",
			Content:     fmt.Sprintf("%s output for %s", stage.Title(), tc.Domain),
			GeneratedAt: testNow,
		}
	}, nil).Once()
}

func (h *harness) succeedAll() {
	for _, s := range research.AllStages() {
		h.succeed(s)
	}
}

func (h *harness) events() []events.Type {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]events.Type, 0, len(h.progress))
	for _, p := range h.progress {
		out = append(out, p.Event)
	}
	return out
}

func TestOrchestrator_Run_QuantumComputing(t *testing.T) {
	reports := t.TempDir()
	h := newHarness(t, config.PipelineConfig{StageTimeout: time.Minute, ReportsDir: reports, MinContentChars: 1})
	h.succeedAll()
	ctx := context.Background()

	task, err := h.reg.Create(ctx, "Quantum Computing", nil)
	require.NoError(t, err)
	require.NoError(t, h.orch.Validate())
	require.NoError(t, h.orch.Run(ctx, task.ID))

	got, err := h.reg.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, research.StatusCompleted, got.Status)
	assert.Nil(t, got.Error)
	require.Len(t, got.Results, 6)
	for i, s := range research.AllStages() {
		assert.Equal(t, s, got.Results[i].Stage)
		assert.NotEmpty(t, got.Results[i].Content)
	}
	assert.Equal(t, 100, got.Progress())
	assert.NotNil(t, got.CompletedAt)

	assert.Contains(t, got.Report, "# Research Report: Quantum Computing")
	last := -1
	for _, s := range research.AllStages() {
		idx := strings.Index(got.Report, "## "+s.Title())
		require.GreaterOrEqual(t, idx, 0, s)
		assert.Greater(t, idx, last, "sections must follow stage order")
		last = idx
	}

	require.NotEmpty(t, got.ReportPath)
	assert.Equal(t, filepath.Join(reports, "research_report_quantum_computing_20250601_093000.md"), got.ReportPath)
	onDisk, err := os.ReadFile(got.ReportPath)
	require.NoError(t, err)
	assert.Equal(t, got.Report, string(onDisk))

	want := []events.Type{events.TaskStarted}
	for range research.AllStages() {
		want = append(want, events.StageStarted, events.StageCompleted)
	}
	want = append(want, events.StageStarted, events.TaskCompleted)
	assert.Equal(t, want, h.events())

	for _, a := range h.agents {
		a.AssertExpectations(t)
	}
}

func TestOrchestrator_Run_PassesPriorResults(t *testing.T) {
	h := newHarness(t, config.PipelineConfig{MinContentChars: 1})
	ctx := context.Background()
	task, err := h.reg.Create(ctx, "Genomics", []string{"https://example.org/a"})
	require.NoError(t, err)

	for i, s := range research.AllStages() {
		stage, n := s, i
		h.agents[stage].On("Run", mock.Anything, mock.MatchedBy(func(tc agents.TaskContext) bool {
			if len(tc.Prior) != n || tc.Domain != "Genomics" || tc.TaskID != task.ID {
				return false
			}
			for j, r := range tc.Prior {
				if r.Stage != research.AllStages()[j] {
					return false
				}
			}
			return len(tc.Sources) == 1
		})).Return(research.StageResult{Stage: stage, Agent: "a", Content: "ok"}, nil).Once()
	}

	require.NoError(t, h.orch.Run(ctx, task.ID))
	got, _ := h.reg.Get(ctx, task.ID)
	assert.Equal(t, research.StatusCompleted, got.Status)
	assert.Empty(t, got.ReportPath, "no reports dir configured")
	for _, r := range got.Results {
		assert.Equal(t, testNow, r.GeneratedAt, "zero timestamps are filled in")
	}
}

func TestOrchestrator_Run_ResearcherTimeout(t *testing.T) {
	h := newHarness(t, config.PipelineConfig{StageTimeout: 50 * time.Millisecond, MinContentChars: 1})
	h.succeed(research.StagePlan)
	h.agents[research.StageResearch].On("Run", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(research.StageResult{}, &research.AgentInvocationError{Stage: research.StageResearch, Err: context.DeadlineExceeded}).Once()

	ctx := context.Background()
	task, err := h.reg.Create(ctx, "Quantum Computing", nil)
	require.NoError(t, err)
	require.NoError(t, h.orch.Run(ctx, task.ID))

	got, err := h.reg.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, research.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, research.StatusResearching, got.Error.Stage)
	assert.Contains(t, got.Error.Message, "deadline exceeded")
	require.Len(t, got.Results, 1)
	assert.Equal(t, research.StagePlan, got.Results[0].Stage)
	assert.Empty(t, got.Report)
	assert.Equal(t, research.StageResearch, got.CurrentStage())

	for _, s := range []research.Stage{research.StageProcess, research.StageExperiment, research.StageReview, research.StageCritique} {
		h.agents[s].AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
	}
	evs := h.events()
	assert.Equal(t, events.TaskFailed, evs[len(evs)-1])
	h.logger.AssertLogged(t, zapcore.WarnLevel, "stage failed")
}

func TestOrchestrator_Run_FailureAtEachStage(t *testing.T) {
	for i, failing := range research.AllStages() {
		t.Run(string(failing), func(t *testing.T) {
			h := newHarness(t, config.PipelineConfig{MinContentChars: 1})
			for _, s := range research.AllStages()[:i] {
				h.succeed(s)
			}
			h.agents[failing].On("Run", mock.Anything, mock.Anything).
				Return(research.StageResult{}, &research.AgentInvocationError{Stage: failing, Err: errors.New("llm unavailable")}).Once()

			ctx := context.Background()
			task, err := h.reg.Create(ctx, "Marine Biology", nil)
			require.NoError(t, err)
			require.NoError(t, h.orch.Run(ctx, task.ID))

			got, _ := h.reg.Get(ctx, task.ID)
			assert.Equal(t, research.StatusFailed, got.Status)
			assert.Equal(t, failing.Status(), got.Error.Stage)
			assert.Contains(t, got.Error.Message, "llm unavailable")
			assert.Len(t, got.Results, i)
			assert.Empty(t, got.Report)
			for _, later := range research.AllStages()[i+1:] {
				h.agents[later].AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
			}
		})
	}
}

func TestOrchestrator_Run_AgentPanic(t *testing.T) {
	h := newHarness(t, config.PipelineConfig{MinContentChars: 1})
	h.succeed(research.StagePlan)
	h.agents[research.StageResearch].On("Run", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { panic("nil map write") }).
		Return(research.StageResult{}, nil).Once()

	ctx := context.Background()
	task, err := h.reg.Create(ctx, "Quantum Computing", nil)
	require.NoError(t, err)
	require.NoError(t, h.orch.Run(ctx, task.ID))

	got, err := h.reg.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, research.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, research.StatusResearching, got.Error.Stage)
	assert.Contains(t, got.Error.Message, "panic: nil map write")
	h.agents[research.StageProcess].AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestOrchestrator_Abandon(t *testing.T) {
	h := newHarness(t, config.PipelineConfig{MinContentChars: 1})
	ctx := context.Background()

	task, err := h.reg.Create(ctx, "Quantum Computing", nil)
	require.NoError(t, err)
	_, err = h.reg.SetStatus(ctx, task.ID, research.StatusPlanning)
	require.NoError(t, err)

	require.NoError(t, h.orch.Abandon(ctx, task.ID, errors.New("worker crashed")))
	got, _ := h.reg.Get(ctx, task.ID)
	assert.Equal(t, research.StatusFailed, got.Status)
	assert.Equal(t, research.StatusPlanning, got.Error.Stage)
	assert.Equal(t, "worker crashed", got.Error.Message)

	// terminal tasks keep their recorded cause
	require.NoError(t, h.orch.Abandon(ctx, task.ID, errors.New("again")))
	got, _ = h.reg.Get(ctx, task.ID)
	assert.Equal(t, "worker crashed", got.Error.Message)
}

func TestOrchestrator_Run_AutoSelectsDomain(t *testing.T) {
	h := newHarness(t, config.PipelineConfig{MinContentChars: 1})
	sel := &MockDomainSelector{}
	sel.On("Select", mock.Anything).Return("Synthetic Biology", nil).Once()
	h.orch.SetDomainSelector(sel)
	h.succeedAll()

	ctx := context.Background()
	task, err := h.reg.Create(ctx, "", nil)
	require.NoError(t, err)
	require.NoError(t, h.orch.Run(ctx, task.ID))

	got, _ := h.reg.Get(ctx, task.ID)
	assert.Equal(t, research.StatusCompleted, got.Status)
	assert.Equal(t, "Synthetic Biology", got.Domain)
	assert.Equal(t, research.DomainFromLLM, got.DomainSource)
	assert.Contains(t, got.Results[0].Content, "Synthetic Biology")
	sel.AssertExpectations(t)
}

func TestOrchestrator_Run_DomainSelectionFails(t *testing.T) {
	h := newHarness(t, config.PipelineConfig{MinContentChars: 1})
	sel := &MockDomainSelector{}
	sel.On("Select", mock.Anything).Return("", &research.AgentInvocationError{Stage: research.StagePlan, Err: errors.New("quota exceeded")})
	h.orch.SetDomainSelector(sel)

	ctx := context.Background()
	task, err := h.reg.Create(ctx, "", nil)
	require.NoError(t, err)
	require.NoError(t, h.orch.Run(ctx, task.ID))

	got, _ := h.reg.Get(ctx, task.ID)
	assert.Equal(t, research.StatusFailed, got.Status)
	assert.Equal(t, research.StatusPlanning, got.Error.Stage)
	assert.Empty(t, got.Domain)
	h.agents[research.StagePlan].AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestOrchestrator_Gates(t *testing.T) {
	t.Run("short content fails the stage", func(t *testing.T) {
		h := newHarness(t, config.PipelineConfig{MinContentChars: 50})
		h.agents[research.StagePlan].On("Run", mock.Anything, mock.Anything).
			Return(research.StageResult{Stage: research.StagePlan, Agent: "Planner", Content: "too short"}, nil).Once()

		ctx := context.Background()
		task, _ := h.reg.Create(ctx, "Astronomy", nil)
		require.NoError(t, h.orch.Run(ctx, task.ID))

		got, _ := h.reg.Get(ctx, task.ID)
		assert.Equal(t, research.StatusFailed, got.Status)
		assert.Equal(t, research.StatusPlanning, got.Error.Stage)
		assert.Contains(t, got.Error.Message, "content-gate")
		assert.Empty(t, got.Results)
	})

	t.Run("review rerun flag is recorded and ignored", func(t *testing.T) {
		h := newHarness(t, config.PipelineConfig{MinContentChars: 1})
		for _, s := range research.AllStages() {
			if s != research.StageReview {
				h.succeed(s)
			}
		}
		h.agents[research.StageReview].On("Run", mock.Anything, mock.Anything).Return(research.StageResult{
			Stage:      research.StageReview,
			Agent:      "Reviewer",
			Content:    "needs more data",
			Attributes: map[string]string{agents.AttrNeedsRerun: "true"},
		}, nil).Once()

		ctx := context.Background()
		task, _ := h.reg.Create(ctx, "Astronomy", nil)
		require.NoError(t, h.orch.Run(ctx, task.ID))

		got, _ := h.reg.Get(ctx, task.ID)
		assert.Equal(t, research.StatusCompleted, got.Status)
		require.Len(t, got.Flags, 1)
		assert.Equal(t, research.StageReview, got.Flags[0].Stage)
		assert.Equal(t, research.SeverityWarning, got.Flags[0].Severity)
		assert.Equal(t, "review-flag-gate", got.Flags[0].Source)
		assert.Contains(t, got.Report, "## Flags")
		h.agents[research.StagePlan].AssertNumberOfCalls(t, "Run", 1)
	})
}

func TestOrchestrator_Run_MissingAgent(t *testing.T) {
	reg, err := registry.New(context.Background(), nil, zap.NewNop())
	require.NoError(t, err)
	orch := NewOrchestrator(reg, nil, config.PipelineConfig{}, nil)
	assert.Error(t, orch.Validate())

	ctx := context.Background()
	task, _ := reg.Create(ctx, "Astronomy", nil)
	require.NoError(t, orch.Run(ctx, task.ID))

	got, _ := reg.Get(ctx, task.ID)
	assert.Equal(t, research.StatusFailed, got.Status)
	assert.Contains(t, got.Error.Message, "no agent registered")
}

func TestOrchestrator_Run_SkipsNonPending(t *testing.T) {
	h := newHarness(t, config.PipelineConfig{MinContentChars: 1})
	h.succeedAll()
	ctx := context.Background()
	task, _ := h.reg.Create(ctx, "Astronomy", nil)
	require.NoError(t, h.orch.Run(ctx, task.ID))
	require.NoError(t, h.orch.Run(ctx, task.ID))

	h.agents[research.StagePlan].AssertNumberOfCalls(t, "Run", 1)
	h.logger.AssertLogged(t, zapcore.WarnLevel, "not pending")

	err := h.orch.Run(ctx, "missing")
	assert.True(t, research.IsNotFound(err))
}

func TestPublishProgress(t *testing.T) {
	bus := events.NewLocalBus()
	defer bus.Close()
	h := newHarness(t, config.PipelineConfig{MinContentChars: 1})
	h.orch.OnProgress(PublishProgress(bus, zap.NewNop()))
	h.succeedAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, _ := h.reg.Create(ctx, "Astronomy", nil)
	ch, unsubscribe, err := bus.Subscribe(ctx, task.ID)
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, h.orch.Run(ctx, task.ID))

	var got []events.Event
	for ev := range ch {
		got = append(got, ev)
		if ev.Type.Terminal() {
			break
		}
	}
	require.NotEmpty(t, got)
	assert.Equal(t, events.TaskStarted, got[0].Type)
	assert.Equal(t, events.TaskCompleted, got[len(got)-1].Type)
	assert.Equal(t, 100, got[len(got)-1].Percentage)
	assert.Equal(t, string(research.StagePlan), got[1].Stage)
}

func TestChainProgress(t *testing.T) {
	bus := events.NewLocalBus()
	defer bus.Close()
	h := newHarness(t, config.PipelineConfig{MinContentChars: 1})

	var mu sync.Mutex
	var seen []events.Type
	record := func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, p.Event)
	}
	h.orch.OnProgress(Chain(PublishProgress(bus, zap.NewNop()), nil, LogProgress(h.logger.Underlying()), record))
	h.succeedAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, _ := h.reg.Create(ctx, "Astronomy", nil)
	ch, unsubscribe, err := bus.Subscribe(ctx, task.ID)
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, h.orch.Run(ctx, task.ID))

	var published int
	for ev := range ch {
		published++
		if ev.Type.Terminal() {
			break
		}
	}
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, published, len(seen), "every callback sees every update")
	assert.Equal(t, events.TaskCompleted, seen[len(seen)-1])
	h.logger.AssertLogged(t, zapcore.InfoLevel, "research progress")
	h.logger.AssertField(t, "research progress", "type", string(events.TaskCompleted))
}
