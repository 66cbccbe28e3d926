package workflows

import (
	"errors"

	"go.temporal.io/sdk/temporal"

	"github.com/fyrsmithlabs/researchd/internal/pipeline"
)

// stageFailureType marks application errors for stages the orchestrator
// already recorded as failed.
const stageFailureType = "StageFailure"

// toActivityError converts an orchestrator error for Temporal. Stage
// failures are terminal and never retried; anything else keeps Temporal's
// default handling.
func toActivityError(err error) error {
	if err == nil {
		return nil
	}
	var stageErr *pipeline.StageError
	if errors.As(err, &stageErr) {
		return temporal.NewNonRetryableApplicationError(stageErr.Error(), stageFailureType, stageErr)
	}
	return err
}

// isStageFailure reports whether err came from a recorded stage failure.
func isStageFailure(err error) bool {
	var appErr *temporal.ApplicationError
	return errors.As(err, &appErr) && appErr.Type() == stageFailureType
}
