package agent

import (
	"errors"
	"fmt"
)

// ErrNoProvider is returned when the orchestrator has no LLM provider.
var ErrNoProvider = errors.New("no LLM provider configured")

// ErrUnknownTool is returned when the model requests a tool that is not
// registered.
var ErrUnknownTool = errors.New("unknown tool")

// SchemaViolationError reports tool arguments that failed schema validation.
type SchemaViolationError struct {
	Tool  string
	Cause error
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %q: %v", e.Tool, e.Cause)
}

func (e *SchemaViolationError) Unwrap() error { return e.Cause }

// ToolExecutionError wraps a fault raised by a tool executor, preserving the
// underlying message for diagnostics.
type ToolExecutionError struct {
	Tool  string
	Cause error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q failed: %v", e.Tool, e.Cause)
}

func (e *ToolExecutionError) Unwrap() error { return e.Cause }

// ModelInvocationError reports a failed model query. It is not retried; the
// orchestrator surfaces it to the user as a system turn.
type ModelInvocationError struct {
	Provider string
	Cause    error
}

func (e *ModelInvocationError) Error() string {
	return fmt.Sprintf("model invocation via %s failed: %v", e.Provider, e.Cause)
}

func (e *ModelInvocationError) Unwrap() error { return e.Cause }
