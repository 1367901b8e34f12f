package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/taskr/internal/runner"
)

const testTaskfile = `tasks:
  - name: prepare
    commands:
      - "@echo preparing"
  - name: hello
    deps: [prepare]
    env:
      GREETING: hello
    commands:
      - echo "$GREETING from taskr"
  - name: broken
    commands:
      - "true"
      - exit 3
      - echo unreachable
`

// isolate points config and state lookups at a temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(dir, "state"))
	t.Setenv("TASKR_TASKFILE", "")
	t.Setenv("TASKR_SHELL", "")
	return dir
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	root.SetContext(context.Background())
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTaskfile(t *testing.T, dir string) string {
	t.Helper()
	p := filepath.Join(dir, "taskr.yaml")
	require.NoError(t, os.WriteFile(p, []byte(testTaskfile), 0o644))
	return p
}

func TestRunTaskWithPrerequisite(t *testing.T) {
	dir := isolate(t)
	tf := writeTaskfile(t, dir)

	stdout, stderr, err := execute(t, "--file", tf, "hello")
	require.NoError(t, err)
	require.Equal(t, "preparing\nhello from taskr\n", stdout)
	require.NotContains(t, stderr, "echo preparing")
	require.Contains(t, stderr, `echo "$GREETING from taskr"`)
}

func TestRunPropagatesExitCode(t *testing.T) {
	dir := isolate(t)
	tf := writeTaskfile(t, dir)

	stdout, _, err := execute(t, "--file", tf, "broken")
	require.Error(t, err)
	require.Equal(t, 3, runner.ExitCode(err))
	require.NotContains(t, stdout, "unreachable")
}

func TestUnknownTask(t *testing.T) {
	dir := isolate(t)
	tf := writeTaskfile(t, dir)

	_, _, err := execute(t, "--file", tf, "deploy")
	require.ErrorIs(t, err, runner.ErrUnknownTask)
	require.Equal(t, 1, runner.ExitCode(err))
}

func TestRequiresExactlyOneTask(t *testing.T) {
	isolate(t)
	_, _, err := execute(t)
	require.Error(t, err)
	_, _, err = execute(t, "run", "predict-test")
	require.Error(t, err)
}

func TestDryRunBuiltinTable(t *testing.T) {
	isolate(t)
	stdout, stderr, err := execute(t, "--dry-run", "docker_run")
	require.NoError(t, err)
	require.Empty(t, stdout)
	require.Equal(t, "docker build -t duration-prediction .\ndocker run -it -p 9696:9696 duration-prediction\n", stderr)
}

func TestTasksCommand(t *testing.T) {
	isolate(t)
	stdout, _, err := execute(t, "tasks")
	require.NoError(t, err)
	require.Contains(t, stdout, "# builtin")
	for _, name := range []string{"run", "predict-test", "docker_build", "docker_run"} {
		require.Contains(t, stdout, name)
	}
}

func TestHistoryRecordsRuns(t *testing.T) {
	dir := isolate(t)
	tf := writeTaskfile(t, dir)

	_, _, err := execute(t, "--file", tf, "hello")
	require.NoError(t, err)
	_, _, err = execute(t, "--file", tf, "broken")
	require.Error(t, err)
	_, _, err = execute(t, "--file", tf, "--no-history", "hello")
	require.NoError(t, err)

	stdout, _, err := execute(t, "history")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 3, stdout)
	require.Contains(t, stdout, "prepare,hello")
	require.Contains(t, stdout, "failed")
}

func TestVersionCommand(t *testing.T) {
	isolate(t)
	stdout, _, err := execute(t, "version")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(stdout, "taskr "+version))
}

func TestKeygenRefusesOverwrite(t *testing.T) {
	dir := isolate(t)
	key := filepath.Join(dir, "id_ed25519")
	stdout, _, err := execute(t, "keygen", "--out", key)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(stdout, "ssh-ed25519 "))

	_, _, err = execute(t, "keygen", "--out", key)
	require.Error(t, err)
}
