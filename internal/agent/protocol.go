package agent

import (
	"time"

	"github.com/3cpo-dev/taskr/pkg/api"
)

type HeartbeatResponse struct {
	Time     time.Time `json:"time"`
	Host     string    `json:"host"`
	Version  string    `json:"version"`
	Taskfile string    `json:"taskfile"`
}

type TasksResponse struct {
	Source string         `json:"source"`
	Tasks  []api.TaskSpec `json:"tasks"`
}

type RunsResponse struct {
	Runs []api.RunRecord `json:"runs"`
}

type MetricsResponse struct {
	Totals map[string]float64 `json:"totals"`
}
