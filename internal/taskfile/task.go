package taskfile

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/3cpo-dev/taskr/pkg/api"
)

var (
	ErrDuplicateTask     = errors.New("duplicate task")
	ErrMissingDependency = errors.New("missing dependency")
	ErrInvalidTask       = errors.New("invalid task")
)

// Command is one shell line of a task with its Make-style prefixes stripped.
type Command struct {
	Line string
	// Silent suppresses the echo before the command runs (leading '@').
	Silent bool
	// IgnoreError continues past a non-zero exit (leading '-').
	IgnoreError bool
}

// ParseCommand strips any combination of leading '@' and '-' markers.
func ParseCommand(raw string) Command {
	var c Command
	s := strings.TrimSpace(raw)
loop:
	for len(s) > 0 {
		switch s[0] {
		case '@':
			c.Silent = true
		case '-':
			c.IgnoreError = true
		default:
			break loop
		}
		s = strings.TrimSpace(s[1:])
	}
	c.Line = s
	return c
}

func (c Command) String() string { return c.Line }

type Upload struct {
	Local  string
	Remote string
}

// Remote is an SSH target for a task's commands.
type Remote struct {
	Addr    string
	User    string
	Key     string
	Uploads []Upload
}

// Task is a named, ordered command sequence with prerequisites and scoped
// environment bindings.
type Task struct {
	Name        string
	Description string
	Commands    []Command
	Deps        []string
	Env         map[string]string
	Dir         string
	Remote      *Remote
}

// Table is the immutable set of tasks loaded at start-up.
type Table struct {
	order []string
	tasks map[string]*Task
	src   string
}

// NewTable indexes tasks by name. Names must be unique and every prerequisite
// must name a declared task.
func NewTable(src string, tasks []*Task) (*Table, error) {
	t := &Table{tasks: make(map[string]*Task, len(tasks)), src: src}
	for _, task := range tasks {
		if task == nil || task.Name == "" {
			return nil, fmt.Errorf("%w: task without a name", ErrInvalidTask)
		}
		if _, ok := t.tasks[task.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, task.Name)
		}
		t.tasks[task.Name] = task
		t.order = append(t.order, task.Name)
	}
	for _, name := range t.order {
		for _, dep := range t.tasks[name].Deps {
			if _, ok := t.tasks[dep]; !ok {
				return nil, fmt.Errorf("%w: task %q requires %q", ErrMissingDependency, name, dep)
			}
		}
	}
	return t, nil
}

// Get returns the task with the given name.
func (t *Table) Get(name string) (*Task, bool) {
	task, ok := t.tasks[name]
	return task, ok
}

// Names returns task names in declaration order.
func (t *Table) Names() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Len returns the number of tasks.
func (t *Table) Len() int { return len(t.order) }

// Source is the file the table was loaded from, or "builtin".
func (t *Table) Source() string { return t.src }

// Specs renders the table back into its public form.
func (t *Table) Specs() []api.TaskSpec {
	out := make([]api.TaskSpec, 0, len(t.order))
	for _, name := range t.order {
		task := t.tasks[name]
		spec := api.TaskSpec{
			Name:        task.Name,
			Description: task.Description,
			Deps:        append([]string(nil), task.Deps...),
			Env:         task.Env,
			Dir:         task.Dir,
		}
		for _, c := range task.Commands {
			spec.Commands = append(spec.Commands, c.Line)
		}
		if task.Remote != nil {
			r := &api.RemoteSpec{Addr: task.Remote.Addr, User: task.Remote.User, Key: task.Remote.Key}
			for _, u := range task.Remote.Uploads {
				r.Uploads = append(r.Uploads, u.Local+":"+u.Remote)
			}
			spec.Remote = r
		}
		out = append(out, spec)
	}
	return out
}

// fromSpec converts a decoded definition, resolving relative paths against baseDir.
func fromSpec(spec api.TaskSpec, baseDir string) (*Task, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: task without a name", ErrInvalidTask)
	}
	task := &Task{
		Name:        name,
		Description: spec.Description,
		Deps:        append([]string(nil), spec.Deps...),
		Dir:         resolvePath(baseDir, spec.Dir),
	}
	if task.Dir == "" {
		task.Dir = baseDir
	}
	for _, raw := range spec.Commands {
		c := ParseCommand(raw)
		if c.Line == "" {
			return nil, fmt.Errorf("%w: task %q has an empty command", ErrInvalidTask, name)
		}
		task.Commands = append(task.Commands, c)
	}

	env := map[string]string{}
	if spec.EnvFile != "" {
		fileEnv, err := LoadEnvFile(resolvePath(baseDir, spec.EnvFile))
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", name, err)
		}
		for k, v := range fileEnv {
			env[k] = v
		}
	}
	for k, v := range spec.Env {
		env[k] = v
	}
	if len(env) > 0 {
		task.Env = env
	}

	if spec.Remote != nil {
		if spec.Remote.Addr == "" {
			return nil, fmt.Errorf("%w: task %q: remote without addr", ErrInvalidTask, name)
		}
		r := &Remote{Addr: spec.Remote.Addr, User: spec.Remote.User, Key: spec.Remote.Key}
		for _, u := range spec.Remote.Uploads {
			parts := strings.SplitN(u, ":", 2)
			if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
				return nil, fmt.Errorf("%w: task %q: invalid upload spec %q", ErrInvalidTask, name, u)
			}
			r.Uploads = append(r.Uploads, Upload{Local: resolvePath(baseDir, parts[0]), Remote: parts[1]})
		}
		task.Remote = r
		// Dir names a path on the remote host, not next to the taskfile.
		task.Dir = spec.Dir
	}
	return task, nil
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) || baseDir == "" {
		return p
	}
	return filepath.Join(baseDir, p)
}
