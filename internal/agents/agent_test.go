package agents

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/config"
	"github.com/fyrsmithlabs/researchd/internal/embeddings"
	"github.com/fyrsmithlabs/researchd/internal/knowledge"
	"github.com/fyrsmithlabs/researchd/internal/research"
	"github.com/fyrsmithlabs/researchd/internal/scrape"
	"github.com/fyrsmithlabs/researchd/internal/secrets"
)

// MockLLM is a mock implementation of llm.Client
type MockLLM struct {
	mock.Mock
}

func (m *MockLLM) Complete(ctx context.Context, prompt string) (string, error) {
	args := m.Called(ctx, prompt)
	return args.String(0), args.Error(1)
}

type fakeFetcher struct {
	pages map[string]*scrape.Page
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (*scrape.Page, error) {
	if p, ok := f.pages[url]; ok {
		return p, nil
	}
	return nil, &scrape.StatusError{URL: url, Code: 404}
}

type failingReader struct{}

func (failingReader) Query(context.Context, knowledge.Query) ([]knowledge.Hit, error) {
	return nil, errors.New("connection refused")
}

// replaceScrubber redacts a fixed token.
type replaceScrubber struct{ token string }

func (s replaceScrubber) Scrub(content string) secrets.Result {
	if !strings.Contains(content, s.token) {
		return secrets.Result{Content: content}
	}
	return secrets.Result{
		Content:  strings.ReplaceAll(content, s.token, "[REDACTED]"),
		Findings: []secrets.Finding{{RuleID: "test"}},
	}
}

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *knowledge.ChromemStore {
	t.Helper()
	s, err := knowledge.NewChromemStore(knowledge.ChromemConfig{Collection: "research_knowledge", TopK: 5},
		embeddings.NewHashEmbedder(64), zap.NewNop())
	require.NoError(t, err)
	return s
}

func newDeps(t *testing.T, client *MockLLM, store knowledge.Store) Deps {
	t.Helper()
	return Deps{
		LLM:    client,
		Store:  store,
		Logger: zap.NewNop(),
		Now:    func() time.Time { return fixedNow },
	}
}

func newAgent(t *testing.T, stage research.Stage, deps Deps) Agent {
	t.Helper()
	a, err := New(stage, deps)
	require.NoError(t, err)
	return a
}

func TestNewAll_StageOrder(t *testing.T) {
	all, err := NewAll(newDeps(t, &MockLLM{}, newStore(t)))
	require.NoError(t, err)
	require.Len(t, all, 6)
	for i, a := range all {
		assert.Equal(t, research.AllStages()[i], a.Stage())
	}

	_, err = NewAll(Deps{Store: newStore(t)})
	assert.Error(t, err)
	_, err = New(research.Stage("deploy"), newDeps(t, &MockLLM{}, newStore(t)))
	assert.Error(t, err)
}

func TestStageAgents_StructuredOutput(t *testing.T) {
	tests := []struct {
		stage    research.Stage
		agent    string
		response string
		contains []string
		attr     string
		attrVal  string
	}{
		{
			stage:    research.StagePlan,
			agent:    "Planner",
			response: "Here is the plan:\n```json\n{\"research_questions\": [\"How do surface codes scale?\"], \"hypotheses\": [\"Error rates fall with code distance\"], \"investigation_strategy\": [\"Survey\", \"Compare\"]}\n```",
			contains: []string{"### Research Questions", "- How do surface codes scale?", "### Investigation Strategy", "2. Compare"},
			attr:     "research_questions",
			attrVal:  "1",
		},
		{
			stage:    research.StageResearch,
			agent:    "Researcher",
			response: `{"findings": ["Logical error rates dropped below threshold"], "key_terms": ["surface code", "threshold"]}`,
			contains: []string{"### Key Findings", "**Key Terms:** surface code, threshold"},
			attr:     "findings",
			attrVal:  "1",
		},
		{
			stage:    research.StageProcess,
			agent:    "DataProcessor",
			response: "```\n{\"data_quality\": \"Good\", \"cleaning_steps\": \"Deduplicate\", \"insights\": [{\"metric\": \"fidelity\", \"value\": 0.99}]}\n```",
			contains: []string{"**Data Quality:** Good", "1. Deduplicate", "- metric: fidelity; value: 0.99"},
			attr:     "data_quality",
			attrVal:  "Good",
		},
		{
			stage:    research.StageExperiment,
			agent:    "Experimenter",
			response: "```json\n{\"experiments\": [{\"name\": \"Threshold sweep\", \"methodology\": \"Vary distance\"}], \"conclusions\": [\"Scaling holds\"]}\n```",
			contains: []string{"### Threshold sweep", "**Methodology:** Vary distance", "- Scaling holds"},
			attr:     "experiments",
			attrVal:  "1",
		},
		{
			stage:    research.StageReview,
			agent:    "Reviewer",
			response: "```json\n{\"quality_score\": \"8/10\", \"recommendations\": [\"Add citations\"], \"needs_rerun\": \"true\"}\n```",
			contains: []string{"**Quality Score:** 8/10", "- Add citations", "**Re-run Suggested:** yes"},
			attr:     AttrNeedsRerun,
			attrVal:  "true",
		},
		{
			stage:    research.StageCritique,
			agent:    "Critic",
			response: "```json\n{\"strengths\": [\"Clear plan\"], \"priority\": \"Gather real data\"}\n```",
			contains: []string{"### Strengths", "**Priority:** Gather real data"},
			attr:     "suggestions",
			attrVal:  "0",
		},
	}
	for _, tt := range tests {
		t.Run(string(tt.stage), func(t *testing.T) {
			client := &MockLLM{}
			client.On("Complete", mock.Anything, mock.Anything).Return(tt.response, nil).Once()
			store := newStore(t)
			a := newAgent(t, tt.stage, newDeps(t, client, store))

			result, err := a.Run(context.Background(), TaskContext{
				TaskID:    "task-1",
				Domain:    "Quantum Computing",
				Knowledge: store,
			})
			require.NoError(t, err)

			assert.Equal(t, tt.stage, result.Stage)
			assert.Equal(t, tt.agent, result.Agent)
			assert.Equal(t, fixedNow, result.GeneratedAt)
			for _, want := range tt.contains {
				assert.Contains(t, result.Content, want)
			}
			assert.Equal(t, tt.attrVal, result.Attributes[tt.attr])
			require.Len(t, result.References, 1)

			hits, err := store.Query(context.Background(), knowledge.Query{Text: "quantum", TaskID: "task-1"})
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, result.References[0], hits[0].Entry.ID)
			assert.Equal(t, tt.agent, hits[0].Entry.Agent)
			assert.Equal(t, string(tt.stage), hits[0].Entry.Stage)
			assert.Equal(t, "Quantum Computing", hits[0].Entry.Domain)
			client.AssertExpectations(t)
		})
	}
}

func TestAgent_UnstructuredResponse(t *testing.T) {
	const raw = "Surface codes look promising but need more qubits."

	t.Run("raw text kept", func(t *testing.T) {
		client := &MockLLM{}
		client.On("Complete", mock.Anything, mock.Anything).Return(raw, nil)
		a := newAgent(t, research.StageResearch, newDeps(t, client, newStore(t)))

		result, err := a.Run(context.Background(), TaskContext{TaskID: "t", Domain: "Quantum Computing"})
		require.NoError(t, err)
		assert.Equal(t, raw, result.Content)
		assert.Nil(t, result.Attributes)
	})

	t.Run("strict mode fails", func(t *testing.T) {
		client := &MockLLM{}
		client.On("Complete", mock.Anything, mock.Anything).Return(raw, nil)
		deps := newDeps(t, client, newStore(t))
		deps.Config = config.AgentsConfig{StrictJSON: true}
		a := newAgent(t, research.StageResearch, deps)

		_, err := a.Run(context.Background(), TaskContext{TaskID: "t", Domain: "Quantum Computing"})
		var aie *research.AgentInvocationError
		require.ErrorAs(t, err, &aie)
		assert.Equal(t, research.StageResearch, aie.Stage)
		assert.ErrorIs(t, err, research.ErrMalformedOutput)
	})

	t.Run("strict mode rejects unknown fields only", func(t *testing.T) {
		client := &MockLLM{}
		client.On("Complete", mock.Anything, mock.Anything).Return(`{"answer": 42}`, nil)
		deps := newDeps(t, client, newStore(t))
		deps.Config = config.AgentsConfig{StrictJSON: true}
		a := newAgent(t, research.StagePlan, deps)

		_, err := a.Run(context.Background(), TaskContext{TaskID: "t", Domain: "Quantum Computing"})
		assert.ErrorIs(t, err, research.ErrMalformedOutput)
	})
}

func TestAgent_Failures(t *testing.T) {
	llmErr := errors.New("deadline exceeded")

	tests := []struct {
		name     string
		response string
		err      error
		reader   knowledge.Reader
		want     error
	}{
		{name: "llm error", err: llmErr, want: llmErr},
		{name: "empty response", response: "  \n", want: research.ErrEmptyContent},
		{name: "knowledge error", response: "{}", reader: failingReader{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &MockLLM{}
			client.On("Complete", mock.Anything, mock.Anything).Return(tt.response, tt.err)
			store := newStore(t)
			a := newAgent(t, research.StageResearch, newDeps(t, client, store))

			_, err := a.Run(context.Background(), TaskContext{TaskID: "t", Domain: "Quantum Computing", Knowledge: tt.reader})
			var aie *research.AgentInvocationError
			require.ErrorAs(t, err, &aie)
			assert.Equal(t, research.StageResearch, aie.Stage)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
			assert.Zero(t, store.Count(), "failed stages must not write knowledge")
		})
	}
}

func TestAgent_PromptRenderError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "research.tmpl"), []byte("{{ .Missing.Field }}"), 0o600))
	prompts, err := LoadPrompts(dir, zap.NewNop())
	require.NoError(t, err)

	client := &MockLLM{}
	deps := newDeps(t, client, newStore(t))
	deps.Prompts = prompts
	a := newAgent(t, research.StageResearch, deps)

	_, err = a.Run(context.Background(), TaskContext{TaskID: "t", Domain: "Quantum Computing"})
	var aie *research.AgentInvocationError
	require.ErrorAs(t, err, &aie)
	assert.Equal(t, research.StageResearch, aie.Stage)
	assert.Contains(t, err.Error(), "rendering prompt research.tmpl")
	client.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestResearcher_UsesKnowledgeSourcesAndPlan(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	_, err := store.Put(ctx, knowledge.Entry{
		TaskID: "older", Stage: "research", Domain: "Quantum Computing", Agent: "Researcher",
		Content: "Earlier run: cat qubits suppress bit flips", CreatedAt: fixedNow,
	})
	require.NoError(t, err)
	_, err = store.Put(ctx, knowledge.Entry{
		TaskID: "other", Stage: "research", Domain: "Marine Biology", Agent: "Researcher",
		Content: "Coral bleaching accelerates", CreatedAt: fixedNow,
	})
	require.NoError(t, err)

	client := &MockLLM{}
	client.On("Complete", mock.Anything, mock.MatchedBy(func(prompt string) bool {
		return strings.Contains(prompt, "cat qubits suppress bit flips") &&
			!strings.Contains(prompt, "Coral bleaching") &&
			strings.Contains(prompt, "How do surface codes scale?") &&
			strings.Contains(prompt, "Willow chip results") &&
			!strings.Contains(prompt, "sk-live-123")
	})).Return(`{"findings": ["done"]}`, nil).Once()

	deps := newDeps(t, client, store)
	deps.Fetcher = &fakeFetcher{pages: map[string]*scrape.Page{
		"https://example.org/willow": {URL: "https://example.org/willow", Title: "Willow", Text: "Willow chip results, key sk-live-123"},
	}}
	deps.Scrubber = replaceScrubber{token: "sk-live-123"}
	a := newAgent(t, research.StageResearch, deps)

	result, err := a.Run(ctx, TaskContext{
		TaskID:    "task-1",
		Domain:    "Quantum Computing",
		Sources:   []string{"https://example.org/willow", "https://example.org/missing"},
		Knowledge: store,
		Prior: []research.StageResult{
			{Stage: research.StagePlan, Agent: "Planner", Content: "- How do surface codes scale?"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{result.References[0], "https://example.org/willow"}, result.References)
	client.AssertExpectations(t)
}

func TestAgent_ScrubsOutput(t *testing.T) {
	client := &MockLLM{}
	client.On("Complete", mock.Anything, mock.Anything).Return(`{"findings": ["token AKIA-TEST leaked"]}`, nil)
	store := newStore(t)
	deps := newDeps(t, client, store)
	deps.Scrubber = replaceScrubber{token: "AKIA-TEST"}
	a := newAgent(t, research.StageResearch, deps)

	result, err := a.Run(context.Background(), TaskContext{TaskID: "t", Domain: "Security"})
	require.NoError(t, err)
	assert.NotContains(t, result.Content, "AKIA-TEST")
	assert.Contains(t, result.Content, "[REDACTED]")

	hits, err := store.Query(context.Background(), knowledge.Query{Text: "token", TaskID: "t"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.NotContains(t, hits[0].Entry.Content, "AKIA-TEST")
}

func TestReviewAndCritique_SeeAllPriorOutputs(t *testing.T) {
	prior := []research.StageResult{
		{Stage: research.StagePlan, Content: "plan-marker"},
		{Stage: research.StageResearch, Content: "research-marker"},
		{Stage: research.StageProcess, Content: "process-marker"},
		{Stage: research.StageExperiment, Content: "experiment-marker"},
		{Stage: research.StageReview, Content: "review-marker"},
	}
	client := &MockLLM{}
	client.On("Complete", mock.Anything, mock.MatchedBy(func(prompt string) bool {
		for _, p := range prior {
			if !strings.Contains(prompt, p.Content) || !strings.Contains(prompt, "## "+p.Stage.Title()) {
				return false
			}
		}
		return true
	})).Return(`{"suggestions": ["More data"]}`, nil).Once()

	a := newAgent(t, research.StageCritique, newDeps(t, client, newStore(t)))
	_, err := a.Run(context.Background(), TaskContext{TaskID: "t", Domain: "Quantum Computing", Prior: prior})
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"json fence", "intro\n```json\n{\"a\": 1}\n```\noutro", `{"a": 1}`},
		{"plain fence", "```\n{\"a\": 2}\n```", `{"a": 2}`},
		{"unterminated json fence", "```json\n{\"a\": 3}", `{"a": 3}`},
		{"bare object", "Sure! {\"a\": 4} Hope this helps.", `{"a": 4}`},
		{"no json", "just words", "just words"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractJSON(tt.in))
		})
	}
}
