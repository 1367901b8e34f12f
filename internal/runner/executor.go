package runner

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/3cpo-dev/taskr/internal/taskfile"
)

// Invocation is a single command launch.
type Invocation struct {
	Task    string
	Command string
	// Env holds the task's scoped bindings only; executors add the ambient
	// environment themselves.
	Env map[string]string
	Dir string
}

// Executor runs one command to completion and reports its exit code. A
// non-nil error means the command could not be run at all.
type Executor interface {
	Run(ctx context.Context, inv Invocation) (int, error)
	Close() error
}

// ExecutorFactory opens the executor for a task's command sequence.
type ExecutorFactory func(ctx context.Context, task *taskfile.Task) (Executor, error)

// Local runs commands through a shell on this machine.
type Local struct {
	Shell  string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// GracePeriod is how long an interrupted command may take to exit
	// before it is killed.
	GracePeriod time.Duration
}

// NewLocal returns a shell executor wired to the process's standard streams.
func NewLocal(shell string) *Local {
	if shell == "" {
		shell = "sh"
	}
	return &Local{Shell: shell, Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr, GracePeriod: 5 * time.Second}
}

// LocalFactory hands out the same local executor for every task.
func LocalFactory(l *Local) ExecutorFactory {
	return func(context.Context, *taskfile.Task) (Executor, error) { return l, nil }
}

func (l *Local) Run(ctx context.Context, inv Invocation) (int, error) {
	cmd := exec.CommandContext(ctx, l.Shell, "-c", inv.Command)
	cmd.Env = MergeEnv(os.Environ(), inv.Env)
	cmd.Dir = inv.Dir
	cmd.Stdin = l.Stdin
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = l.GracePeriod

	err := cmd.Run()
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	if err == nil {
		return 0, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return exitStatus(ee), nil
	}
	return -1, err
}

func (l *Local) Close() error { return nil }

func exitStatus(ee *exec.ExitError) int {
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	if code := ee.ExitCode(); code > 0 {
		return code
	}
	return 1
}
