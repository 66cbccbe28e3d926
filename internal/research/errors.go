package research

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is matched by NotReadyError via errors.Is.
	ErrNotReady = errors.New("report not ready")

	// ErrEmptyContent is wrapped when a stage produced no text.
	ErrEmptyContent = errors.New("empty stage content")

	// ErrMalformedOutput is wrapped when strict parsing of an agent response fails.
	ErrMalformedOutput = errors.New("malformed agent output")
)

// NotFoundError reports an unknown task id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.ID)
}

// InvalidTransitionError reports a mutation that breaks the task state machine.
// It always indicates a defect in the caller.
type InvalidTransitionError struct {
	TaskID string
	From   Status
	To     Status
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("task %s: invalid transition %s -> %s: %s", e.TaskID, e.From, e.To, e.Reason)
}

// AgentInvocationError wraps a failure at the LLM or knowledge store boundary
// during a stage.
type AgentInvocationError struct {
	Stage Stage
	Err   error
}

func (e *AgentInvocationError) Error() string {
	return fmt.Sprintf("%s agent: %v", e.Stage, e.Err)
}

func (e *AgentInvocationError) Unwrap() error {
	return e.Err
}

// NotReadyError reports a report request for a task that has not completed.
type NotReadyError struct {
	ID     string
	Status Status
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("report for task %s not ready (status %s)", e.ID, e.Status)
}

func (e *NotReadyError) Is(target error) bool {
	return target == ErrNotReady
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
