package supervisor

import "fmt"

// LaunchError means the program could not be started at all.
type LaunchError struct {
	Pipeline string
	Err      error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Pipeline, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ExitError means the program ran and exited with a nonzero code.
type ExitError struct {
	Pipeline string
	Code     int
	Err      error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Pipeline, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// StreamError means the program's output could not be read. It fails the
// execution even when the exit code is zero.
type StreamError struct {
	Pipeline string
	Err      error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("read output of %s: %v", e.Pipeline, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }
