package task

import (
	"errors"
	"fmt"
)

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrBusy           = errors.New("too many tasks in progress")
	ErrAlreadyStarted = errors.New("task already started")
	ErrInterrupted    = errors.New("interrupted by shutdown")
)

// TransitionError reports a state change the runtime does not allow.
type TransitionError struct {
	ID   string
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: disallowed transition %s -> %s", e.ID, e.From, e.To)
}
