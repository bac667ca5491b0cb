package tools

import "fmt"

// ErrToolUnavailable is returned when the model calls a tool that is
// neither registered locally nor offered by a connected tool server.
// It is reported back to the model like any other tool error.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}
