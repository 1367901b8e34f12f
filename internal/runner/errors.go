package runner

import (
	"errors"
	"fmt"

	"github.com/3cpo-dev/taskr/internal/taskfile"
)

var (
	ErrUnknownTask       = errors.New("unknown task")
	ErrDependencyCycle   = errors.New("dependency cycle")
	ErrMissingDependency = taskfile.ErrMissingDependency
)

// CommandFailedError reports the first command that exited non-zero.
type CommandFailedError struct {
	Task     string
	Command  string
	ExitCode int
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("command failed: task %q: %q exited with code %d", e.Task, e.Command, e.ExitCode)
}

// ExitCode maps a run error to a process exit status: the failing command's
// code for CommandFailedError, 1 for any other error and 0 for nil.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var cf *CommandFailedError
	if errors.As(err, &cf) && cf.ExitCode > 0 {
		return cf.ExitCode
	}
	return 1
}
