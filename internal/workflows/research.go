// Package workflows runs the research pipeline as a Temporal workflow.
//
// The workflow holds no task state. It sequences the orchestrator's stages
// as activities and relies on the registry for everything else, so a worker
// restart resumes at the first stage without a recorded result.
package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/fyrsmithlabs/researchd/internal/research"
)

const (
	// DefaultStageTimeout applies when ResearchInput.StageTimeout is zero.
	DefaultStageTimeout = 10 * time.Minute

	// activityGrace lets the orchestrator's own stage deadline fire first,
	// so timeouts are recorded on the task rather than lost with the activity.
	activityGrace = time.Minute
)

// ResearchInput starts a research workflow.
type ResearchInput struct {
	TaskID       string        `json:"task_id"`
	StageTimeout time.Duration `json:"stage_timeout"`
}

// ResearchResult summarizes a finished workflow.
type ResearchResult struct {
	TaskID    string           `json:"task_id"`
	Status    research.Status  `json:"status"`
	Completed []research.Stage `json:"completed"`
	FailedAt  research.Status  `json:"failed_at,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// WorkflowID returns the workflow ID for a task. One workflow runs per task.
func WorkflowID(taskID string) string {
	return "research-" + taskID
}

// ResearchWorkflow runs every stage of a task in order and then finalizes
// its report. Stages are never retried: a failed stage fails the task.
func ResearchWorkflow(ctx workflow.Context, input ResearchInput) (*ResearchResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting research workflow", "task_id", input.TaskID)

	timeout := input.StageTimeout
	if timeout <= 0 {
		timeout = DefaultStageTimeout
	}
	stageCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout + activityGrace,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	})

	var a *Activities
	result := &ResearchResult{TaskID: input.TaskID}

	for _, stage := range research.AllStages() {
		logger.Info("Running stage", "task_id", input.TaskID, "stage", stage)
		err := workflow.ExecuteActivity(stageCtx, a.RunStage, StageInput{TaskID: input.TaskID, Stage: stage}).Get(stageCtx, nil)
		if err != nil {
			return failed(ctx, result, stage.Status(), err)
		}
		result.Completed = append(result.Completed, stage)
	}

	logger.Info("Finalizing report", "task_id", input.TaskID)
	if err := workflow.ExecuteActivity(stageCtx, a.Finalize, TaskInput{TaskID: input.TaskID}).Get(stageCtx, nil); err != nil {
		return failed(ctx, result, research.StatusReporting, err)
	}

	result.Status = research.StatusCompleted
	logger.Info("Research workflow completed", "task_id", input.TaskID)
	return result, nil
}

// failed ends the workflow after an activity error. A recorded stage failure
// is a normal outcome. Any other error means the orchestrator never got to
// record it, so the task is failed here before the error is surfaced.
func failed(ctx workflow.Context, result *ResearchResult, status research.Status, err error) (*ResearchResult, error) {
	logger := workflow.GetLogger(ctx)
	result.Status = research.StatusFailed
	result.FailedAt = status
	result.Error = err.Error()

	if isStageFailure(err) {
		logger.Info("Research task failed", "task_id", result.TaskID, "status", status, "error", err)
		return result, nil
	}

	logger.Error("Research activity lost", "task_id", result.TaskID, "status", status, "error", err)
	failCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3,
		},
	})
	var a *Activities
	input := FailInput{TaskID: result.TaskID, Status: status, Message: err.Error()}
	if failErr := workflow.ExecuteActivity(failCtx, a.Fail, input).Get(failCtx, nil); failErr != nil {
		logger.Error("Failed to record task failure", "task_id", result.TaskID, "error", failErr)
	}
	return result, err
}
