package agent

import (
	"errors"
	"fmt"

	"sociallinks/internal/provider"
)

var (
	// ErrMaxIterations matches an *IterationLimitError.
	ErrMaxIterations = errors.New("max iterations exceeded")
	// ErrUnexpectedStop matches an *UnexpectedStopError.
	ErrUnexpectedStop = errors.New("unexpected stop reason")
	// ErrDuplicateToolName is returned when the final-answer tool shares a
	// name with a catalog tool.
	ErrDuplicateToolName = errors.New("duplicate tool name")

	ErrNoProvider = errors.New("agent: provider is required")
	ErrNoToolbox  = errors.New("agent: toolbox is required")
)

// IterationLimitError reports that the loop used its whole completion
// budget without a final answer.
type IterationLimitError struct {
	MaxIterations int
	ToolCalls     int
}

func (e *IterationLimitError) Error() string {
	return fmt.Sprintf("%s: reached %d iterations without final response", ErrMaxIterations, e.MaxIterations)
}

func (e *IterationLimitError) Is(target error) bool {
	return target == ErrMaxIterations
}

// UnexpectedStopError reports a completion that ended for a reason the loop
// does not handle.
type UnexpectedStopError struct {
	StopReason provider.StopReason
	Iteration  int
}

func (e *UnexpectedStopError) Error() string {
	if e.StopReason == provider.StopToolUse {
		return fmt.Sprintf("%s: %q without tool requests at iteration %d", ErrUnexpectedStop, e.StopReason, e.Iteration)
	}
	return fmt.Sprintf("%s: %q at iteration %d", ErrUnexpectedStop, e.StopReason, e.Iteration)
}

func (e *UnexpectedStopError) Is(target error) bool {
	return target == ErrUnexpectedStop
}
