package journal

import (
	"context"

	"github.com/pkg/errors"

	"fluxweaver/internal/config"
	"fluxweaver/internal/pipeline"
)

// Classify maps a run error onto the failure taxonomy.
func Classify(err error) (Failure, error) {
	if err == nil {
		return Failure{}, errors.New("nil error")
	}

	var stage *string
	var se *pipeline.StageExecutionError
	if errors.As(err, &se) && se != nil {
		name := se.Stage.String()
		stage = &name
	}

	switch {
	case errors.Is(err, config.ErrInvalidConfig):
		return Failure{Class: ClassConfig, Code: "InvalidConfig", Message: err.Error()}, nil
	case errors.Is(err, pipeline.ErrNoUsableData):
		return Failure{Class: ClassData, Code: "NoUsableData", Message: err.Error()}, nil
	// An executor returning ctx.Err() is an interruption, not a stage fault.
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Failure{Class: ClassSystem, Stage: stage, Code: "Interrupted", Message: err.Error(), Retryable: true}, nil
	case stage != nil:
		return Failure{
			Class:     ClassStage,
			Stage:     stage,
			Code:      "StageFailed",
			Message:   err.Error(),
			Retryable: true,
		}, nil
	}
	return Failure{Class: ClassSystem, Code: "UnknownError", Message: err.Error(), Retryable: true}, nil
}
