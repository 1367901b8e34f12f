package api

// v0 contains public types for taskfile authors and tooling.

type TaskSpec struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description"`
	Commands    []string          `json:"commands" yaml:"commands"`
	Deps        []string          `json:"deps,omitempty" yaml:"deps"`
	Env         map[string]string `json:"env,omitempty" yaml:"env"`
	EnvFile     string            `json:"env_file,omitempty" yaml:"env_file"`
	Dir         string            `json:"dir,omitempty" yaml:"dir"`
	Remote      *RemoteSpec       `json:"remote,omitempty" yaml:"remote"`
}

// RemoteSpec moves a task's commands onto an SSH host.
type RemoteSpec struct {
	Addr string `json:"addr" yaml:"addr"`
	User string `json:"user" yaml:"user"`
	Key  string `json:"key,omitempty" yaml:"key"`
	// Uploads are local:remote pairs pushed before the first command.
	Uploads []string `json:"uploads,omitempty" yaml:"uploads"`
}

type TaskfileSpec struct {
	Tasks []TaskSpec `json:"tasks" yaml:"tasks"`
}

type RunStatus string

// Runs are recorded once they finish, so only terminal statuses exist.
const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// RunRecord is one invocation as kept in the history store.
type RunRecord struct {
	ID         string    `json:"id"`
	Task       string    `json:"task"`
	Status     RunStatus `json:"status"`
	ExitCode   int       `json:"exit_code"`
	Executed   []string  `json:"executed"`
	StartedAt  int64     `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}
