package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/events"
)

// PublishProgress returns a callback that forwards progress to bus. Publish
// failures are logged and never affect the run.
func PublishProgress(bus events.Bus, logger *zap.Logger) ProgressCallback {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(p Progress) {
		ev := events.Event{
			TaskID:     p.TaskID,
			Type:       p.Event,
			Stage:      string(p.Stage),
			Status:     string(p.Status),
			Message:    p.Message,
			Percentage: p.Percentage,
			Time:       time.Now().UTC(),
		}
		if err := bus.Publish(context.Background(), ev); err != nil {
			logger.Warn("publishing progress event failed",
				zap.String("task_id", p.TaskID), zap.String("type", string(p.Event)), zap.Error(err))
		}
	}
}

// Chain calls each callback in order.
func Chain(callbacks ...ProgressCallback) ProgressCallback {
	return func(p Progress) {
		for _, cb := range callbacks {
			if cb != nil {
				cb(p)
			}
		}
	}
}

// LogProgress returns a callback that records stage transitions at debug
// level and terminal events at info.
func LogProgress(logger *zap.Logger) ProgressCallback {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(p Progress) {
		lvl := zap.DebugLevel
		if p.Event.Terminal() {
			lvl = zap.InfoLevel
		}
		logger.Log(lvl, "research progress",
			zap.String("task_id", p.TaskID),
			zap.String("type", string(p.Event)),
			zap.String("stage", string(p.Stage)),
			zap.Int("percentage", p.Percentage))
	}
}
