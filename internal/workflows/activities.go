package workflows

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fyrsmithlabs/researchd/internal/research"
)

// Pipeline is the part of the orchestrator the activities drive.
type Pipeline interface {
	RunStage(ctx context.Context, taskID string, stage research.Stage) error
	Finalize(ctx context.Context, taskID string) error
	Fail(ctx context.Context, taskID string, status research.Status, cause error) error
}

// StageInput identifies one stage of one task.
type StageInput struct {
	TaskID string         `json:"task_id"`
	Stage  research.Stage `json:"stage"`
}

// TaskInput identifies a task.
type TaskInput struct {
	TaskID string `json:"task_id"`
}

// FailInput records a failure the orchestrator could not record itself.
type FailInput struct {
	TaskID  string          `json:"task_id"`
	Status  research.Status `json:"status"`
	Message string          `json:"message"`
}

// Activities exposes orchestrator steps as Temporal activities. Each
// activity reads and writes task state through the registry, so workflow
// history only carries task IDs.
type Activities struct {
	pipeline Pipeline
}

// NewActivities creates activities backed by p.
func NewActivities(p Pipeline) *Activities {
	return &Activities{pipeline: p}
}

// RunStage runs a single stage for a task.
func (a *Activities) RunStage(ctx context.Context, input StageInput) error {
	start := time.Now()
	err := a.pipeline.RunStage(ctx, input.TaskID, input.Stage)
	record(ctx, "run_stage", start, err)
	return toActivityError(err)
}

// Finalize assembles and stores the report for a task whose stages all
// completed.
func (a *Activities) Finalize(ctx context.Context, input TaskInput) error {
	start := time.Now()
	err := a.pipeline.Finalize(ctx, input.TaskID)
	record(ctx, "finalize", start, err)
	return toActivityError(err)
}

// Fail marks a task failed.
func (a *Activities) Fail(ctx context.Context, input FailInput) error {
	start := time.Now()
	err := a.pipeline.Fail(ctx, input.TaskID, input.Status, errors.New(input.Message))
	record(ctx, "fail", start, err)
	return err
}

func record(ctx context.Context, activity string, start time.Time, err error) {
	attrs := metric.WithAttributes(attribute.String("activity", activity))
	activityDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		activityErrorCounter.Add(ctx, 1, attrs)
	}
}
