// Package pipeline drives research tasks through the six stages and renders
// the final report.
//
// The Orchestrator owns a task from pending to a terminal status. Stages run
// strictly in order; each agent result passes the stage gates before it is
// appended to the task. Any stage failure marks the task failed, naming the
// status it failed in, and nothing after it runs. Stage errors are recorded on
// the task and never returned to the caller.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/agents"
	"github.com/fyrsmithlabs/researchd/internal/config"
	"github.com/fyrsmithlabs/researchd/internal/events"
	"github.com/fyrsmithlabs/researchd/internal/knowledge"
	"github.com/fyrsmithlabs/researchd/internal/logging"
	"github.com/fyrsmithlabs/researchd/internal/registry"
	"github.com/fyrsmithlabs/researchd/internal/research"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/researchd/internal/pipeline")

// Progress reports a task moving through the pipeline.
type Progress struct {
	TaskID     string
	Event      events.Type
	Stage      research.Stage
	Status     research.Status
	Message    string
	Percentage int
}

// ProgressCallback receives progress updates during execution
type ProgressCallback func(Progress)

// TaskStore is the part of the registry the orchestrator needs.
type TaskStore interface {
	Get(ctx context.Context, id string) (*research.Task, error)
	Update(ctx context.Context, id string, mutate registry.Mutator) (*research.Task, error)
	SetStatus(ctx context.Context, id string, status research.Status) (*research.Task, error)
}

// DomainSelector picks a domain for tasks started without one.
type DomainSelector interface {
	Select(ctx context.Context) (string, error)
}

// StageError is a stage failure that has already been recorded on the task.
type StageError struct {
	TaskID string
	Status research.Status
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("task %s failed while %s: %v", e.TaskID, e.Status, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Orchestrator runs tasks through the stage agents.
type Orchestrator struct {
	tasks     TaskStore
	knowledge knowledge.Reader
	agents    map[research.Stage]agents.Agent
	gates     map[research.Stage][]StageGate
	domains   DomainSelector
	progress  ProgressCallback

	stageTimeout time.Duration
	reportsDir   string
	logger       *logging.Logger
	now          func() time.Time
}

// NewOrchestrator creates an orchestrator with the content gate on every
// stage and the review flag gate on the review stage.
func NewOrchestrator(tasks TaskStore, reader knowledge.Reader, cfg config.PipelineConfig, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NewNop()
	}
	o := &Orchestrator{
		tasks:        tasks,
		knowledge:    reader,
		agents:       make(map[research.Stage]agents.Agent),
		gates:        make(map[research.Stage][]StageGate),
		stageTimeout: cfg.StageTimeout,
		reportsDir:   cfg.ReportsDir,
		logger:       logger.Named("pipeline"),
		now:          time.Now,
	}
	content := NewContentGate(cfg.MinContentChars)
	for _, s := range research.AllStages() {
		o.RegisterGate(s, content)
	}
	o.RegisterGate(research.StageReview, NewReviewFlagGate())
	return o
}

// RegisterAgent registers the agent for its stage
func (o *Orchestrator) RegisterAgent(a agents.Agent) {
	o.agents[a.Stage()] = a
}

// RegisterGate registers a gate for a stage
func (o *Orchestrator) RegisterGate(stage research.Stage, gate StageGate) {
	o.gates[stage] = append(o.gates[stage], gate)
}

// SetDomainSelector sets the selector used for tasks without a domain.
func (o *Orchestrator) SetDomainSelector(sel DomainSelector) {
	o.domains = sel
}

// OnProgress sets the progress callback
func (o *Orchestrator) OnProgress(callback ProgressCallback) {
	o.progress = callback
}

// Validate checks that every stage has an agent.
func (o *Orchestrator) Validate() error {
	var errs []error
	for _, s := range research.AllStages() {
		if _, ok := o.agents[s]; !ok {
			errs = append(errs, fmt.Errorf("no agent registered for stage %s", s))
		}
	}
	return errors.Join(errs...)
}

// Run executes every stage of a pending task and then finalizes it. Stage
// failures end the run with the task marked failed and a nil error; the
// returned error reports registry problems only.
func (o *Orchestrator) Run(ctx context.Context, taskID string) error {
	ctx = logging.WithTaskID(ctx, taskID)
	task, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != research.StatusPending {
		o.logger.Warn(ctx, "task is not pending, skipping run", zap.String("status", string(task.Status)))
		return nil
	}

	for _, stage := range research.AllStages() {
		if err := o.RunStage(ctx, taskID, stage); err != nil {
			return o.abort(ctx, taskID, stage.Status(), err)
		}
	}
	if err := o.Finalize(ctx, taskID); err != nil {
		return o.abort(ctx, taskID, research.StatusReporting, err)
	}
	return nil
}

// abort ends a run. Recorded stage failures are swallowed; anything else is
// a registry or state machine defect, which is fatal to the task.
func (o *Orchestrator) abort(ctx context.Context, taskID string, status research.Status, err error) error {
	var se *StageError
	if errors.As(err, &se) {
		return nil
	}
	o.logger.Error(ctx, "research run aborted", zap.String("status", string(status)), zap.Error(err))
	if ferr := o.Fail(ctx, taskID, status, err); ferr != nil {
		return errors.Join(err, ferr)
	}
	return err
}

// RunStage moves the task into the stage's status, runs its agent and
// records the result. A failed stage is recorded on the task and returned as
// a *StageError.
func (o *Orchestrator) RunStage(ctx context.Context, taskID string, stage research.Stage) error {
	ctx = logging.WithStage(logging.WithTaskID(ctx, taskID), string(stage))
	ctx, span := tracer.Start(ctx, "pipeline.stage")
	defer span.End()
	span.SetAttributes(attribute.String("task_id", taskID), attribute.String("stage", string(stage)))

	status := stage.Status()
	task, err := o.tasks.SetStatus(ctx, taskID, status)
	if err != nil {
		return err
	}
	if stage == research.StagePlan {
		o.report(Progress{TaskID: taskID, Event: events.TaskStarted, Status: status, Message: "Research started"})
	}
	o.report(Progress{
		TaskID:     taskID,
		Event:      events.StageStarted,
		Stage:      stage,
		Status:     status,
		Message:    fmt.Sprintf("Starting stage: %s", stage),
		Percentage: stage.Index() * 100 / (len(research.AllStages()) + 1),
	})

	if stage == research.StagePlan && task.Domain == "" {
		if task, err = o.selectDomain(ctx, taskID); err != nil {
			return o.failStage(ctx, span, taskID, status, err)
		}
	}

	agent, ok := o.agents[stage]
	if !ok {
		return o.failStage(ctx, span, taskID, status, fmt.Errorf("no agent registered for stage %s", stage))
	}

	start := time.Now()
	result, err := o.invoke(ctx, agent, task)
	if err != nil {
		stageDuration.WithLabelValues(string(stage), "error").Observe(time.Since(start).Seconds())
		return o.failStage(ctx, span, taskID, status, err)
	}
	stageDuration.WithLabelValues(string(stage), "ok").Observe(time.Since(start).Seconds())

	violations, err := o.checkGates(ctx, stage, task, result)
	if err != nil {
		return o.failStage(ctx, span, taskID, status, err)
	}
	if hasCriticalViolation(violations) {
		return o.failStage(ctx, span, taskID, status,
			fmt.Errorf("critical violation in stage %s: %s", stage, describeViolations(violations)))
	}

	raisedAt := o.now().UTC()
	if _, err := o.tasks.Update(ctx, taskID, func(t *research.Task) error {
		t.Results = append(t.Results, result)
		for _, v := range violations {
			t.Flags = append(t.Flags, research.Flag{
				Stage:       v.Stage,
				Source:      v.Gate,
				Description: v.Description,
				Severity:    v.Severity,
				RaisedAt:    raisedAt,
			})
		}
		return nil
	}); err != nil {
		return err
	}

	o.logger.Info(ctx, "stage completed", zap.String("agent", result.Agent), zap.Int("flags", len(violations)))
	o.report(Progress{
		TaskID:     taskID,
		Event:      events.StageCompleted,
		Stage:      stage,
		Status:     status,
		Message:    fmt.Sprintf("Completed stage: %s", stage),
		Percentage: (stage.Index() + 1) * 100 / (len(research.AllStages()) + 1),
	})
	return nil
}

// Finalize renders the report of a task whose stages are all complete and
// marks it completed.
func (o *Orchestrator) Finalize(ctx context.Context, taskID string) error {
	ctx = logging.WithTaskID(ctx, taskID)
	ctx, span := tracer.Start(ctx, "pipeline.finalize")
	defer span.End()

	task, err := o.tasks.SetStatus(ctx, taskID, research.StatusReporting)
	if err != nil {
		return err
	}
	o.report(Progress{
		TaskID:     taskID,
		Event:      events.StageStarted,
		Status:     research.StatusReporting,
		Message:    "Rendering report",
		Percentage: len(research.AllStages()) * 100 / (len(research.AllStages()) + 1),
	})

	now := o.now().UTC()
	report, err := RenderReport(task, now)
	if err != nil {
		return o.failStage(ctx, span, taskID, research.StatusReporting, err)
	}

	var path string
	if o.reportsDir != "" {
		dir, err := config.ExpandPath(o.reportsDir)
		if err == nil {
			path, err = SaveReport(dir, task.Domain, report, now)
		}
		if err != nil {
			return o.failStage(ctx, span, taskID, research.StatusReporting, err)
		}
	}

	if _, err := o.tasks.Update(ctx, taskID, func(t *research.Task) error {
		t.Report = report
		t.ReportPath = path
		t.Status = research.StatusCompleted
		return nil
	}); err != nil {
		return err
	}

	tasksTotal.WithLabelValues(string(research.StatusCompleted)).Inc()
	o.logger.Info(ctx, "research task completed", zap.String("domain", task.Domain), zap.String("report_path", path))
	o.report(Progress{
		TaskID:     taskID,
		Status:     research.StatusCompleted,
		Event:      events.TaskCompleted,
		Message:    "Research completed",
		Percentage: 100,
	})
	return nil
}

// Fail marks a task failed in status with cause. It is used when a stage
// cannot even be started, for example when a workflow activity is lost.
func (o *Orchestrator) Fail(ctx context.Context, taskID string, status research.Status, cause error) error {
	_, err := o.tasks.Update(ctx, taskID, func(t *research.Task) error {
		t.Status = research.StatusFailed
		t.Error = &research.ErrorDetail{Stage: status, Message: cause.Error()}
		return nil
	})
	if err != nil {
		return err
	}
	tasksTotal.WithLabelValues(string(research.StatusFailed)).Inc()
	o.report(Progress{
		TaskID:  taskID,
		Event:   events.TaskFailed,
		Stage:   stageOf(status),
		Status:  research.StatusFailed,
		Message: cause.Error(),
	})
	return nil
}

// Abandon fails a task that a run left unfinished, recording the status it
// was stuck in. Terminal tasks are left alone.
func (o *Orchestrator) Abandon(ctx context.Context, taskID string, cause error) error {
	task, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return nil
	}
	o.logger.Error(logging.WithTaskID(ctx, taskID), "abandoning research run",
		zap.String("status", string(task.Status)), zap.Error(cause))
	return o.Fail(ctx, taskID, task.Status, cause)
}

func (o *Orchestrator) selectDomain(ctx context.Context, taskID string) (*research.Task, error) {
	if o.domains == nil {
		return nil, errors.New("no domain given and no domain selector configured")
	}
	sctx, cancel := o.stageContext(ctx)
	defer cancel()
	domain, err := o.domains.Select(sctx)
	if err != nil {
		return nil, err
	}
	o.logger.Info(ctx, "auto-selected research domain", zap.String("domain", domain))
	return o.tasks.Update(ctx, taskID, func(t *research.Task) error {
		t.Domain = domain
		t.DomainSource = research.DomainFromLLM
		return nil
	})
}

func (o *Orchestrator) invoke(ctx context.Context, agent agents.Agent, task *research.Task) (_ research.StageResult, err error) {
	ctx, cancel := o.stageContext(ctx)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = &research.AgentInvocationError{Stage: agent.Stage(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	result, err := agent.Run(ctx, agents.TaskContext{
		TaskID:    task.ID,
		Domain:    task.Domain,
		Sources:   task.Sources,
		Prior:     task.Results,
		Knowledge: o.knowledge,
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("stage timed out after %s: %w", o.stageTimeout, err)
		}
		return research.StageResult{}, err
	}
	if result.Stage == "" {
		result.Stage = agent.Stage()
	}
	if result.GeneratedAt.IsZero() {
		result.GeneratedAt = o.now().UTC()
	}
	return result, nil
}

func (o *Orchestrator) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.stageTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.stageTimeout)
}

// checkGates runs all gates for a stage and returns violations
func (o *Orchestrator) checkGates(ctx context.Context, stage research.Stage, task *research.Task, result research.StageResult) ([]Violation, error) {
	var all []Violation
	for _, gate := range o.gates[stage] {
		violations, err := gate.Check(ctx, task, result)
		if err != nil {
			return nil, fmt.Errorf("gate %s check failed: %w", gate.Name(), err)
		}
		for _, v := range violations {
			gateViolations.WithLabelValues(v.Gate, string(v.Severity)).Inc()
		}
		all = append(all, violations...)
	}
	return all, nil
}

func (o *Orchestrator) failStage(ctx context.Context, span trace.Span, taskID string, status research.Status, cause error) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	o.logger.Warn(ctx, "stage failed", zap.String("status", string(status)), zap.Error(cause))
	if err := o.Fail(ctx, taskID, status, cause); err != nil {
		return errors.Join(cause, err)
	}
	return &StageError{TaskID: taskID, Status: status, Err: cause}
}

// report sends progress updates to the callback
func (o *Orchestrator) report(p Progress) {
	if o.progress != nil {
		o.progress(p)
	}
}

func stageOf(status research.Status) research.Stage {
	s, _ := research.StageForStatus(status)
	return s
}
