package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/researchd/internal/config"
)

var (
	// ErrQueueFull indicates every worker is busy and the queue is at capacity.
	ErrQueueFull = errors.New("research queue is full")

	// ErrDispatcherClosed indicates the dispatcher no longer accepts tasks.
	ErrDispatcherClosed = errors.New("dispatcher is shut down")
)

// Launcher starts a research run for a pending task.
type Launcher interface {
	Launch(ctx context.Context, taskID string) error
}

// Runner executes one task to completion.
type Runner interface {
	Run(ctx context.Context, taskID string) error
}

// Abandoner is implemented by runners that can record a run which ended
// without reaching a terminal status.
type Abandoner interface {
	Abandon(ctx context.Context, taskID string, cause error) error
}

// Dispatcher runs tasks on a fixed pool of in-process workers fed by a
// bounded queue. Each worker runs one task at a time; the stages of a task
// never run concurrently.
type Dispatcher struct {
	runner  Runner
	workers int
	logger  *zap.Logger

	mu     sync.RWMutex
	queue  chan string
	closed bool

	group *errgroup.Group
}

// NewDispatcher creates a dispatcher sized by cfg.Workers and cfg.QueueSize.
func NewDispatcher(runner Runner, cfg config.PipelineConfig, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		runner:  runner,
		workers: max(cfg.Workers, 1),
		logger:  logger.Named("dispatcher"),
		queue:   make(chan string, max(cfg.QueueSize, 1)),
	}
}

// Start launches the workers. Runs are detached from ctx cancellation so a
// started task always reaches a terminal status; use Shutdown to stop.
func (d *Dispatcher) Start(ctx context.Context) {
	runCtx := context.WithoutCancel(ctx)
	d.group = new(errgroup.Group)
	for i := 0; i < d.workers; i++ {
		worker := i
		d.group.Go(func() error {
			for id := range d.queue {
				queueDepth.Dec()
				d.run(runCtx, worker, id)
			}
			return nil
		})
	}
	d.logger.Info("dispatcher started", zap.Int("workers", d.workers), zap.Int("queue_size", cap(d.queue)))
}

func (d *Dispatcher) run(ctx context.Context, worker int, taskID string) {
	activeRuns.Inc()
	defer activeRuns.Dec()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("research run panicked", zap.String("task_id", taskID), zap.Any("panic", r))
			d.abandon(ctx, taskID, fmt.Errorf("panic: %v", r))
		}
	}()

	d.logger.Debug("research run starting", zap.Int("worker", worker), zap.String("task_id", taskID))
	if err := d.runner.Run(ctx, taskID); err != nil {
		d.logger.Error("research run ended with error", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (d *Dispatcher) abandon(ctx context.Context, taskID string, cause error) {
	a, ok := d.runner.(Abandoner)
	if !ok {
		return
	}
	if err := a.Abandon(ctx, taskID, cause); err != nil {
		d.logger.Error("recording abandoned run failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

// Launch queues a task without blocking.
func (d *Dispatcher) Launch(_ context.Context, taskID string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- taskID:
		queueDepth.Inc()
		return nil
	default:
		return fmt.Errorf("%w (capacity %d)", ErrQueueFull, cap(d.queue))
	}
}

// Shutdown stops accepting tasks and waits for queued and running tasks
// until ctx is done.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	if d.group == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- d.group.Wait() }()
	select {
	case err := <-done:
		d.logger.Info("dispatcher stopped")
		return err
	case <-ctx.Done():
		return fmt.Errorf("waiting for research runs: %w", ctx.Err())
	}
}
