package workflows

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/config"
)

// startTimeout bounds the call that submits a workflow.
const startTimeout = 30 * time.Second

// Dial connects to the Temporal frontend named in cfg.
func Dial(cfg config.TemporalConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create Temporal client: %w", err)
	}
	return c, nil
}

// NewWorker creates a worker on queue with the research workflow and
// activities registered. The caller runs and stops it.
func NewWorker(c client.Client, queue string, p Pipeline) worker.Worker {
	w := worker.New(c, queue, worker.Options{})
	w.RegisterWorkflow(ResearchWorkflow)
	w.RegisterActivity(NewActivities(p))
	return w
}

// Launcher submits research workflows. It satisfies pipeline.Launcher.
type Launcher struct {
	client       client.Client
	queue        string
	stageTimeout time.Duration
	logger       *zap.Logger
}

// NewLauncher creates a launcher for cfg.TaskQueue.
func NewLauncher(c client.Client, cfg config.TemporalConfig, stageTimeout time.Duration, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{
		client:       c,
		queue:        cfg.TaskQueue,
		stageTimeout: stageTimeout,
		logger:       logger.Named("temporal"),
	}
}

// Launch starts the workflow for taskID. The workflow ID is derived from the
// task, so launching an already running task is rejected by Temporal.
func (l *Launcher) Launch(ctx context.Context, taskID string) error {
	options := client.StartWorkflowOptions{
		ID:        WorkflowID(taskID),
		TaskQueue: l.queue,
	}

	ctx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	we, err := l.client.ExecuteWorkflow(ctx, options, ResearchWorkflow, ResearchInput{
		TaskID:       taskID,
		StageTimeout: l.stageTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to start research workflow: %w", err)
	}
	launchCounter.Add(ctx, 1)

	l.logger.Info("workflow started",
		zap.String("task_id", taskID),
		zap.String("workflow_id", we.GetID()),
		zap.String("run_id", we.GetRunID()),
	)
	return nil
}
