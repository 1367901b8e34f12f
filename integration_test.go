package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestFullWorkflow builds both binaries and drives them end to end
func TestFullWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	tmpDir := t.TempDir()
	binDir := filepath.Join(tmpDir, "bin")

	if err := buildBinaries(binDir); err != nil {
		t.Fatalf("Failed to build binaries: %v", err)
	}

	env := testEnv(tmpDir)
	taskfilePath := writeTaskfile(t, tmpDir)

	t.Run("CLI_Commands", func(t *testing.T) {
		testCLICommands(t, binDir, env, taskfilePath)
	})

	t.Run("Run_Task", func(t *testing.T) {
		testRunTask(t, binDir, env, taskfilePath)
	})

	t.Run("Exit_Code", func(t *testing.T) {
		testExitCode(t, binDir, env, taskfilePath)
	})

	t.Run("Agent", func(t *testing.T) {
		testAgent(t, binDir, env, taskfilePath)
	})
}

func buildBinaries(binDir string) error {
	for _, name := range []string{"taskr", "taskr-agent"} {
		cmd := exec.Command("go", "build", "-o", filepath.Join(binDir, name), "./cmd/"+name)
		output, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("build %s failed: %v\nOutput: %s", name, err, output)
		}
	}
	return nil
}

// testEnv keeps config and history inside the test directory.
func testEnv(tmpDir string) []string {
	return append(os.Environ(),
		"XDG_CONFIG_HOME="+filepath.Join(tmpDir, "config"),
		"XDG_STATE_HOME="+filepath.Join(tmpDir, "state"),
		"TASKR_TASKFILE=",
		"TASKR_SHELL=",
	)
}

func writeTaskfile(t *testing.T, tmpDir string) string {
	content := `tasks:
  - name: build
    commands:
      - "@mkdir -p out"
      - echo built > out/artifact
  - name: serve
    deps: [build]
    env:
      MODEL_PATH: out/artifact
      VERSION: "1.2"
    commands:
      - cat "$MODEL_PATH"
      - echo "version $VERSION"
  - name: flaky
    commands:
      - "-exit 9"
      - echo recovered
  - name: fail
    deps: [build]
    commands:
      - exit 42
      - echo unreachable
`
	path := filepath.Join(tmpDir, "taskr.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write taskfile: %v", err)
	}
	return path
}

func taskr(binDir string, env []string, args ...string) *exec.Cmd {
	cmd := exec.Command(filepath.Join(binDir, "taskr"), args...)
	cmd.Env = env
	return cmd
}

func testCLICommands(t *testing.T, binDir string, env []string, taskfilePath string) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"version", []string{"version"}, "taskr "},
		{"help", []string{"--help"}, "taskr <task>"},
		{"tasks", []string{"--file", taskfilePath, "tasks"}, "serve"},
		{"builtin", []string{"tasks"}, "docker_run"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cmd := taskr(binDir, env, test.args...)
			cmd.Dir = t.TempDir()
			output, err := cmd.CombinedOutput()
			if err != nil {
				t.Fatalf("Command %v failed: %v\nOutput: %s", test.args, err, output)
			}
			if !strings.Contains(string(output), test.want) {
				t.Fatalf("Command %v output missing %q: %s", test.args, test.want, output)
			}
		})
	}
}

func testRunTask(t *testing.T, binDir string, env []string, taskfilePath string) {
	cmd := taskr(binDir, env, "--file", taskfilePath, "serve")
	output, err := cmd.Output()
	if err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if got, want := string(output), "built\nversion 1.2\n"; got != want {
		t.Fatalf("serve output = %q, want %q", got, want)
	}

	// Bindings are scoped to the task.
	if got := os.Getenv("MODEL_PATH"); got != "" {
		t.Fatalf("MODEL_PATH leaked into the test process: %q", got)
	}

	cmd = taskr(binDir, env, "--file", taskfilePath, "flaky")
	output, err = cmd.Output()
	if err != nil {
		t.Fatalf("flaky failed: %v", err)
	}
	if !strings.Contains(string(output), "recovered") {
		t.Fatalf("ignored failure did not continue: %s", output)
	}
}

func testExitCode(t *testing.T, binDir string, env []string, taskfilePath string) {
	cmd := taskr(binDir, env, "--file", taskfilePath, "fail")
	output, err := cmd.Output()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected exit error, got %v", err)
	}
	if code := exitErr.ExitCode(); code != 42 {
		t.Fatalf("exit code = %d, want 42", code)
	}
	if strings.Contains(string(output), "unreachable") {
		t.Fatalf("command after failure ran: %s", output)
	}

	cmd = taskr(binDir, env, "--file", taskfilePath, "nope")
	err = cmd.Run()
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
		t.Fatalf("unknown task: expected exit 1, got %v", err)
	}

	cmd = taskr(binDir, env, "history", "--limit", "10")
	output, err = cmd.Output()
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if !strings.Contains(string(output), "failed") || !strings.Contains(string(output), "build,fail") {
		t.Fatalf("history missing failed run: %s", output)
	}
}

func testAgent(t *testing.T, binDir string, env []string, taskfilePath string) {
	addr := freeAddr(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	agentCmd := exec.CommandContext(ctx, filepath.Join(binDir, "taskr-agent"), "--addr", addr, "--file", taskfilePath)
	agentCmd.Env = env
	if err := agentCmd.Start(); err != nil {
		t.Fatalf("Failed to start agent: %v", err)
	}
	defer func() {
		if agentCmd.Process != nil {
			_ = agentCmd.Process.Kill()
		}
	}()

	base := "http://" + addr
	var heartbeat struct {
		Version  string `json:"version"`
		Taskfile string `json:"taskfile"`
	}
	if err := getJSON(ctx, base+"/v0/heartbeat", &heartbeat); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if heartbeat.Version == "" || heartbeat.Taskfile != taskfilePath {
		t.Fatalf("unexpected heartbeat: %+v", heartbeat)
	}

	var tasks struct {
		Tasks []struct {
			Name string   `json:"name"`
			Deps []string `json:"deps"`
		} `json:"tasks"`
	}
	if err := getJSON(ctx, base+"/v0/tasks", &tasks); err != nil {
		t.Fatalf("Tasks failed: %v", err)
	}
	if len(tasks.Tasks) != 4 {
		t.Fatalf("expected 4 tasks, got %+v", tasks.Tasks)
	}

	var runs struct {
		Runs []struct {
			Task     string `json:"task"`
			ExitCode int    `json:"exit_code"`
		} `json:"runs"`
	}
	if err := getJSON(ctx, base+"/v0/runs", &runs); err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	if len(runs.Runs) == 0 {
		t.Fatalf("expected recorded runs")
	}
	t.Logf("Agent tests successful")
}

func freeAddr(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().String()
}

// getJSON polls until the agent answers or ctx expires.
func getJSON(ctx context.Context, url string, v any) error {
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("%s: status %d", url, resp.StatusCode)
			}
			return json.NewDecoder(resp.Body).Decode(v)
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(100 * time.Millisecond):
		}
	}
}
