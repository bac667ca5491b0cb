package agent

import (
	"errors"
	"fmt"
)

// ErrBoundedLoopExceeded ends a turn whose model kept requesting tools
// after the last allowed round.
var ErrBoundedLoopExceeded = errors.New("tool loop exceeded its round limit")

// ErrTurnCancelled is returned when a reset or shutdown interrupted a
// turn. Nothing from the turn past the user message was persisted.
var ErrTurnCancelled = errors.New("turn cancelled")

// RepeatedToolError ends a turn in which the same tool call failed in
// two consecutive rounds.
type RepeatedToolError struct {
	Tool string
	Err  string
}

// Error implements the error interface.
func (e *RepeatedToolError) Error() string {
	return fmt.Sprintf("tool %s failed twice with the same arguments: %s", e.Tool, e.Err)
}
