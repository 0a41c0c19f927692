package pipeline

import (
	"errors"
	"fmt"
)

// ErrNoOutput is returned when stage 5 finds no optimizer output to show.
var ErrNoOutput = errors.New("pipeline: no optimizer output found")

// MissingDependencyError reports a file a stage needs that is not there.
// The stage is never launched.
type MissingDependencyError struct {
	Stage string
	Kind  string // "executable", "input", "template", "directory"
	Path  string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("pipeline: %s: missing %s %s", e.Stage, e.Kind, e.Path)
}

// StartError reports a stage the operating system refused to launch.
type StartError struct {
	Stage string
	Err   error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("pipeline: %s: %v", e.Stage, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// StageFailedError reports a stage that exited unsuccessfully.
type StageFailedError struct {
	Stage string
	Code  int
	Err   error // cancellation, timeout or wait failure; nil for a plain non-zero exit
}

func (e *StageFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pipeline: %s failed: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("pipeline: %s exited with status %d", e.Stage, e.Code)
}

func (e *StageFailedError) Unwrap() error { return e.Err }
