package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/taskr/internal/taskfile"
	"github.com/3cpo-dev/taskr/internal/telemetry"
)

type visitState int

const (
	unvisited visitState = iota
	inProgress
	done
)

// Options tune a Runner.
type Options struct {
	// Open supplies the executor for each task. Defaults to a local shell.
	Open ExecutorFactory
	// Echo receives each command line before it runs. Defaults to stderr.
	Echo io.Writer
	// DryRun resolves and echoes commands without running them.
	DryRun bool
}

// Runner executes tasks from an immutable table, one command at a time.
type Runner struct {
	table *taskfile.Table
	open  ExecutorFactory
	echo  io.Writer
	dry   bool
}

func New(table *taskfile.Table, opts Options) *Runner {
	r := &Runner{table: table, open: opts.Open, echo: opts.Echo, dry: opts.DryRun}
	if r.open == nil {
		r.open = LocalFactory(NewLocal(""))
	}
	if r.echo == nil {
		r.echo = os.Stderr
	}
	return r
}

// CommandResult is the outcome of one command.
type CommandResult struct {
	Command  string
	ExitCode int
	Duration time.Duration
	// Ignored is set when a '-' command failed and the run went on.
	Ignored bool
}

// TaskResult lists the commands a task ran.
type TaskResult struct {
	Task     string
	Commands []CommandResult
}

// Report describes one invocation of Run.
type Report struct {
	Task     string
	Plan     []string
	Executed []TaskResult
	Started  time.Time
	Duration time.Duration
}

// Plan resolves name into execution order: prerequisites depth-first and
// left-to-right, each reachable task exactly once, name last.
func (r *Runner) Plan(name string) ([]string, error) {
	if _, ok := r.table.Get(name); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	states := map[string]visitState{}
	var plan, path []string

	var visit func(n string) error
	visit = func(n string) error {
		switch states[n] {
		case done:
			return nil
		case inProgress:
			cycle := append([]string{}, path[indexOf(path, n):]...)
			cycle = append(cycle, n)
			return fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(cycle, " -> "))
		}
		task, _ := r.table.Get(n)
		states[n] = inProgress
		path = append(path, n)
		for _, dep := range task.Deps {
			if _, ok := r.table.Get(dep); !ok {
				return fmt.Errorf("%w: task %q requires %q", ErrMissingDependency, n, dep)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		states[n] = done
		plan = append(plan, n)
		return nil
	}

	if err := visit(name); err != nil {
		return nil, err
	}
	return plan, nil
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return 0
}

// Run executes name after its prerequisites. Resolution errors are returned
// before any command starts; the first failing command stops the run.
func (r *Runner) Run(ctx context.Context, name string) (*Report, error) {
	report := &Report{Task: name, Started: time.Now()}
	defer func() { report.Duration = time.Since(report.Started) }()

	plan, err := r.Plan(name)
	if err != nil {
		telemetry.CounterGlobal("taskr_resolve_errors", 1, map[string]string{"task": name})
		return report, err
	}
	report.Plan = plan
	telemetry.GaugeGlobal("taskr_plan_tasks", float64(len(plan)), map[string]string{"task": name})
	log.Debug().Str("task", name).Strs("plan", plan).Msg("resolved")

	for _, n := range plan {
		task, _ := r.table.Get(n)
		res, err := r.runTask(ctx, task)
		report.Executed = append(report.Executed, res)
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

func (r *Runner) runTask(ctx context.Context, task *taskfile.Task) (TaskResult, error) {
	res := TaskResult{Task: task.Name}
	start := time.Now()
	log.Debug().Str("task", task.Name).Int("commands", len(task.Commands)).Msg("task started")

	if r.dry {
		for _, c := range task.Commands {
			fmt.Fprintln(r.echo, c.Line)
		}
		return res, nil
	}
	if len(task.Commands) == 0 {
		return res, nil
	}

	exe, err := r.open(ctx, task)
	if err != nil {
		return res, fmt.Errorf("task %q: %w", task.Name, err)
	}
	defer exe.Close()

	for _, c := range task.Commands {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !c.Silent {
			fmt.Fprintln(r.echo, c.Line)
		}
		cmdStart := time.Now()
		code, err := exe.Run(ctx, Invocation{Task: task.Name, Command: c.Line, Env: task.Env, Dir: task.Dir})
		cr := CommandResult{Command: c.Line, ExitCode: code, Duration: time.Since(cmdStart)}
		labels := map[string]string{"task": task.Name, "status": "success"}
		if err != nil {
			labels["status"] = "error"
			telemetry.CounterGlobal("taskr_commands_total", 1, labels)
			return res, fmt.Errorf("task %q: command %q: %w", task.Name, c.Line, err)
		}
		if code != 0 {
			labels["status"] = "failed"
		}
		telemetry.CounterGlobal("taskr_commands_total", 1, labels)
		telemetry.TimerGlobal("taskr_command_duration", cr.Duration, labels)

		if code != 0 {
			if c.IgnoreError {
				cr.Ignored = true
				res.Commands = append(res.Commands, cr)
				log.Warn().Str("task", task.Name).Str("command", c.Line).Int("exit_code", code).Msg("error ignored")
				continue
			}
			res.Commands = append(res.Commands, cr)
			log.Error().Str("task", task.Name).Str("command", c.Line).Int("exit_code", code).Msg("command failed")
			return res, &CommandFailedError{Task: task.Name, Command: c.Line, ExitCode: code}
		}
		res.Commands = append(res.Commands, cr)
	}

	elapsed := time.Since(start)
	telemetry.HistogramGlobal("taskr_task_duration_seconds", elapsed.Seconds(), map[string]string{"task": task.Name})
	log.Debug().Str("task", task.Name).Dur("duration", elapsed).Msg("task finished")
	return res, nil
}
