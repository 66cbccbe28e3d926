// Package events carries task progress to subscribers.
//
// Every event for a task is published to the subject
// <prefix>.<task_id>.<type>, for example research.tasks.1234.stage_completed.
// The NATS bus fans events out across processes; the local bus keeps them
// in memory when NATS is not configured.
package events

import (
	"context"
	"time"
)

// Type names a progress event.
type Type string

const (
	TaskStarted    Type = "started"
	StageStarted   Type = "stage_started"
	StageCompleted Type = "stage_completed"
	TaskFailed     Type = "failed"
	TaskCompleted  Type = "completed"

	// Snapshot is sent to a new stream subscriber with the current status.
	// It is never published on the bus.
	Snapshot Type = "snapshot"
)

// Terminal reports whether no further events follow t for the task.
func (t Type) Terminal() bool {
	return t == TaskFailed || t == TaskCompleted
}

// Event is one progress notification.
type Event struct {
	TaskID     string    `json:"task_id"`
	Type       Type      `json:"type"`
	Stage      string    `json:"stage,omitempty"`
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`
	Percentage int       `json:"percentage"`
	Time       time.Time `json:"time"`
}

// Bus publishes events and streams them per task.
type Bus interface {
	Publish(ctx context.Context, e Event) error
	// Subscribe streams events for taskID until ctx ends or the returned
	// cancel func is called. The channel is closed afterwards.
	Subscribe(ctx context.Context, taskID string) (<-chan Event, func(), error)
	Close() error
}

const subscriberBuffer = 16
