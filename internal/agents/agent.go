// Package agents implements the six research stage agents.
//
// Every agent follows the same pattern: gather context from earlier stage
// outputs and the knowledge store, render a prompt template, ask the LLM for
// a JSON answer, render it as Markdown and record the result as a knowledge
// entry. Agents differ only in their prompt, the knowledge they query and the
// structure they expect back.
package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/config"
	"github.com/fyrsmithlabs/researchd/internal/knowledge"
	"github.com/fyrsmithlabs/researchd/internal/llm"
	"github.com/fyrsmithlabs/researchd/internal/research"
	"github.com/fyrsmithlabs/researchd/internal/scrape"
	"github.com/fyrsmithlabs/researchd/internal/secrets"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/researchd/internal/agents")

// AttrNeedsRerun is the reviewer's result attribute suggesting a re-run.
const AttrNeedsRerun = "needs_rerun"

const (
	knowledgeSnippetChars = 300
	knowledgeResults      = 5
)

// Agent runs one stage of the pipeline.
type Agent interface {
	Stage() research.Stage
	Run(ctx context.Context, tc TaskContext) (research.StageResult, error)
}

// TaskContext is everything an agent may read about its task.
type TaskContext struct {
	TaskID  string
	Domain  string
	Sources []string
	// Prior holds completed results in stage order.
	Prior     []research.StageResult
	Knowledge knowledge.Reader
}

// SourceFetcher retrieves a source URL.
type SourceFetcher interface {
	Fetch(ctx context.Context, url string) (*scrape.Page, error)
}

// Deps are shared by all agents.
type Deps struct {
	LLM       llm.Client
	Store     knowledge.Store
	Prompts   *Prompts
	Tokenizer *llm.Tokenizer
	Fetcher   SourceFetcher
	Scrubber  secrets.Scrubber
	Config    config.AgentsConfig
	Logger    *zap.Logger
	Now       func() time.Time
}

func (d *Deps) defaults() error {
	if d.LLM == nil {
		return errors.New("agents: LLM client is required")
	}
	if d.Store == nil {
		return errors.New("agents: knowledge store is required")
	}
	if d.Prompts == nil {
		p, err := LoadPrompts("", d.Logger)
		if err != nil {
			return err
		}
		d.Prompts = p
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Tokenizer == nil {
		d.Tokenizer = llm.NewTokenizer(d.Logger)
	}
	if d.Scrubber == nil {
		d.Scrubber = secrets.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return nil
}

// definition describes what distinguishes one stage agent.
type definition struct {
	stage        research.Stage
	name         string
	documentType string
	fetchSources bool
	// query selects related knowledge; nil skips the lookup.
	query  func(tc TaskContext) knowledge.Query
	decode func(raw string) (section, error)
}

var definitions = []definition{
	{
		stage:        research.StagePlan,
		name:         "Planner",
		documentType: "research_plan",
		query: func(tc TaskContext) knowledge.Query {
			return knowledge.Query{Text: tc.Domain, Domain: tc.Domain, Stage: string(research.StageResearch)}
		},
		decode: decodeSection[planSection],
	},
	{
		stage:        research.StageResearch,
		name:         "Researcher",
		documentType: "research_summary",
		fetchSources: true,
		query: func(tc TaskContext) knowledge.Query {
			return knowledge.Query{Text: tc.Domain, Domain: tc.Domain, Stage: string(research.StageResearch)}
		},
		decode: decodeSection[researchSection],
	},
	{
		stage:        research.StageProcess,
		name:         "DataProcessor",
		documentType: "data_analysis",
		query: func(tc TaskContext) knowledge.Query {
			return knowledge.Query{Text: "data processing " + tc.Domain, Stage: string(research.StageProcess)}
		},
		decode: decodeSection[processSection],
	},
	{
		stage:        research.StageExperiment,
		name:         "Experimenter",
		documentType: "experiment_results",
		query: func(tc TaskContext) knowledge.Query {
			return knowledge.Query{Text: tc.Domain, TaskID: tc.TaskID}
		},
		decode: decodeSection[experimentSection],
	},
	{
		stage:        research.StageReview,
		name:         "Reviewer",
		documentType: "quality_review",
		decode:       decodeSection[reviewSection],
	},
	{
		stage:        research.StageCritique,
		name:         "Critic",
		documentType: "critique",
		decode:       decodeSection[critiqueSection],
	},
}

// New returns the agent for stage.
func New(stage research.Stage, deps Deps) (Agent, error) {
	if err := deps.defaults(); err != nil {
		return nil, err
	}
	for _, def := range definitions {
		if def.stage == stage {
			return &stageAgent{def: def, deps: deps}, nil
		}
	}
	return nil, fmt.Errorf("agents: no agent for stage %q", stage)
}

// NewAll returns one agent per stage in stage order.
func NewAll(deps Deps) ([]Agent, error) {
	if err := deps.defaults(); err != nil {
		return nil, err
	}
	out := make([]Agent, 0, len(definitions))
	for _, stage := range research.AllStages() {
		a, err := New(stage, deps)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

type stageAgent struct {
	def  definition
	deps Deps
}

func (a *stageAgent) Stage() research.Stage { return a.def.stage }

// Name is the agent's display name, recorded on results and knowledge entries.
func (a *stageAgent) Name() string { return a.def.name }

func (a *stageAgent) Run(ctx context.Context, tc TaskContext) (research.StageResult, error) {
	ctx, span := tracer.Start(ctx, "agent."+string(a.def.stage))
	defer span.End()
	span.SetAttributes(
		attribute.String("task_id", tc.TaskID),
		attribute.String("stage", string(a.def.stage)),
		attribute.String("domain", tc.Domain),
	)

	result, err := a.run(ctx, tc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return research.StageResult{}, err
	}
	return result, nil
}

func (a *stageAgent) run(ctx context.Context, tc TaskContext) (research.StageResult, error) {
	logger := a.deps.Logger.With(zap.String("task_id", tc.TaskID), zap.String("stage", string(a.def.stage)))
	fail := func(err error) (research.StageResult, error) {
		return research.StageResult{}, &research.AgentInvocationError{Stage: a.def.stage, Err: err}
	}

	data := promptData{Domain: tc.Domain, Stage: string(a.def.stage)}

	if a.def.query != nil && tc.Knowledge != nil && tc.Domain != "" {
		q := a.def.query(tc)
		q.K = knowledgeResults
		hits, err := tc.Knowledge.Query(ctx, q)
		if err != nil {
			return fail(fmt.Errorf("querying knowledge: %w", err))
		}
		for _, h := range hits {
			data.Knowledge = append(data.Knowledge, snippet(h.Entry.Content, knowledgeSnippetChars))
		}
	}

	var fetched []string
	if a.def.fetchSources && a.deps.Fetcher != nil && len(tc.Sources) > 0 {
		perSource := a.deps.Config.ContextBudgetTokens / (2 * len(tc.Sources))
		for _, u := range tc.Sources {
			page, err := a.deps.Fetcher.Fetch(ctx, u)
			if err != nil {
				logger.Warn("source fetch failed, continuing without it", zap.String("url", u), zap.Error(err))
				continue
			}
			body := a.deps.Scrubber.Scrub(page.Text).Content
			data.Sources = append(data.Sources, sourceDigest{
				URL:   page.URL,
				Title: page.Title,
				Text:  a.deps.Tokenizer.Truncate(body, perSource),
			})
			fetched = append(fetched, page.URL)
		}
	}

	data.Prior = a.priorOutputs(tc.Prior)

	prompt, err := a.deps.Prompts.Render(string(a.def.stage)+".tmpl", data)
	if err != nil {
		return fail(err)
	}

	raw, err := a.deps.LLM.Complete(ctx, prompt)
	if err != nil {
		return fail(err)
	}
	if strings.TrimSpace(raw) == "" {
		return fail(research.ErrEmptyContent)
	}

	content, attrs := raw, map[string]string(nil)
	sec, err := a.def.decode(raw)
	switch {
	case err == nil && sec.markdown() != "":
		content, attrs = sec.markdown(), sec.attributes()
	case a.deps.Config.StrictJSON:
		if err == nil {
			err = errors.New("no recognised fields")
		}
		return fail(fmt.Errorf("%w: %v", research.ErrMalformedOutput, err))
	default:
		logger.Debug("agent response is not structured, keeping raw text", zap.Error(err))
	}

	scrubbed := a.deps.Scrubber.Scrub(strings.TrimSpace(content))
	if scrubbed.Redacted() {
		logger.Warn("redacted secrets from agent output", zap.Int("findings", len(scrubbed.Findings)))
	}
	content = scrubbed.Content
	if content == "" {
		return fail(research.ErrEmptyContent)
	}

	now := a.deps.Now()
	id, err := a.deps.Store.Put(ctx, knowledge.Entry{
		TaskID:       tc.TaskID,
		Stage:        string(a.def.stage),
		Domain:       tc.Domain,
		Agent:        a.def.name,
		DocumentType: a.def.documentType,
		Content:      content,
		CreatedAt:    now,
	})
	if err != nil {
		return fail(fmt.Errorf("storing knowledge entry: %w", err))
	}

	logger.Info("stage agent completed", zap.String("agent", a.def.name), zap.Int("content_chars", len(content)))
	return research.StageResult{
		Stage:       a.def.stage,
		Agent:       a.def.name,
		Content:     content,
		GeneratedAt: now,
		References:  append([]string{id}, fetched...),
		Attributes:  attrs,
	}, nil
}

// priorOutputs truncates earlier results so together they fit the context
// budget.
func (a *stageAgent) priorOutputs(prior []research.StageResult) []priorOutput {
	if len(prior) == 0 {
		return nil
	}
	per := a.deps.Config.ContextBudgetTokens / len(prior)
	out := make([]priorOutput, 0, len(prior))
	for _, r := range prior {
		content := r.Content
		if per > 0 {
			content = a.deps.Tokenizer.Truncate(content, per)
		}
		out = append(out, priorOutput{Stage: string(r.Stage), Title: r.Stage.Title(), Content: content})
	}
	return out
}

type promptData struct {
	Domain    string
	Stage     string
	Prior     []priorOutput
	Knowledge []string
	Sources   []sourceDigest
}

// Output returns the prior output of stage, or a placeholder.
func (d promptData) Output(stage string) string {
	for _, p := range d.Prior {
		if p.Stage == stage {
			return p.Content
		}
	}
	return "Not available."
}

type priorOutput struct {
	Stage   string
	Title   string
	Content string
}

type sourceDigest struct {
	URL   string
	Title string
	Text  string
}

func snippet(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit]) + "..."
}
