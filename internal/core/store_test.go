package core

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/3cpo-dev/taskr/internal/runner"
	"github.com/3cpo-dev/taskr/pkg/api"
)

func TestStoreRecordAndList(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(filepath.Join(t.TempDir(), "state", "history.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	first := api.RunRecord{ID: "r1", Task: "docker_run", Status: api.RunSucceeded, StartedAt: 100, DurationMS: 12, Executed: []string{"docker_build", "docker_run"}}
	second := api.RunRecord{ID: "r2", Task: "predict-test", Status: api.RunFailed, ExitCode: 2, StartedAt: 200, Error: "boom"}
	for _, rec := range []api.RunRecord{first, second} {
		if err := s.RecordRun(ctx, rec); err != nil {
			t.Fatalf("record %s: %v", rec.ID, err)
		}
	}

	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "r2" || runs[0].ExitCode != 2 || runs[0].Status != api.RunFailed {
		t.Fatalf("unexpected newest run %+v", runs[0])
	}
	if len(runs[1].Executed) != 2 || runs[1].Executed[0] != "docker_build" {
		t.Fatalf("unexpected executed tasks %v", runs[1].Executed)
	}

	limited, err := s.ListRuns(ctx, 1)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected 1 run, got %d", len(limited))
	}
}

func TestNewRunRecord(t *testing.T) {
	report := &runner.Report{
		Task:     "docker_run",
		Started:  time.Unix(1700000000, 0),
		Duration: 1500 * time.Millisecond,
		Executed: []runner.TaskResult{{Task: "docker_build"}, {Task: "docker_run"}},
	}
	rec := NewRunRecord(report, &runner.CommandFailedError{Task: "docker_run", Command: "docker run", ExitCode: 125})
	if rec.Status != api.RunFailed || rec.ExitCode != 125 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.DurationMS != 1500 || rec.StartedAt != 1700000000 {
		t.Fatalf("unexpected timing %+v", rec)
	}
	if rec.ID == "" {
		t.Fatalf("expected generated id")
	}

	ok := NewRunRecord(report, nil)
	if ok.Status != api.RunSucceeded || ok.ExitCode != 0 || ok.Error != "" {
		t.Fatalf("unexpected success record %+v", ok)
	}
	if fail := NewRunRecord(report, errors.New("unknown task: x")); fail.ExitCode != 1 {
		t.Fatalf("expected exit 1, got %d", fail.ExitCode)
	}
}
