package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/taskr/internal/runner"
	"github.com/3cpo-dev/taskr/internal/taskfile"
)

// Defaults fill in what a task's remote block leaves out.
type Defaults struct {
	User       string
	KeyPath    string
	KnownHosts string
	Timeout    time.Duration
	Retries    int
	// Stdout and Stderr default to the process streams.
	Stdout io.Writer
	Stderr io.Writer
}

// Executor runs a task's commands over one SSH connection.
type Executor struct {
	client *xssh.Client
	Stdout io.Writer
	Stderr io.Writer
}

// Factory routes tasks with a remote block to SSH and everything else to local.
func Factory(d Defaults, local runner.ExecutorFactory) runner.ExecutorFactory {
	return func(ctx context.Context, task *taskfile.Task) (runner.Executor, error) {
		if task.Remote == nil {
			return local(ctx, task)
		}
		return Open(ctx, task.Remote, d)
	}
}

// Open connects to the remote target and pushes its uploads.
func Open(ctx context.Context, r *taskfile.Remote, d Defaults) (*Executor, error) {
	keyPath := r.Key
	if keyPath == "" {
		keyPath = d.KeyPath
	}
	signer, err := LoadPrivateKeySigner(keyPath)
	if err != nil {
		return nil, err
	}
	kh, err := LoadKnownHostsCallback(d.KnownHosts)
	if err != nil {
		return nil, err
	}
	user := r.User
	if user == "" {
		user = d.User
	}
	c := &Client{
		Addr:       withDefaultPort(r.Addr),
		User:       user,
		Signer:     signer,
		KnownHosts: kh,
		Timeout:    d.Timeout,
		Retries:    d.Retries,
	}
	cli, err := Dial(ctx, c)
	if err != nil {
		return nil, err
	}
	if err := PushFiles(ctx, cli, r.Uploads); err != nil {
		_ = cli.Close()
		return nil, err
	}
	log.Debug().Str("addr", c.Addr).Str("user", user).Int("uploads", len(r.Uploads)).Msg("remote ready")
	e := &Executor{client: cli, Stdout: d.Stdout, Stderr: d.Stderr}
	if e.Stdout == nil {
		e.Stdout = os.Stdout
	}
	if e.Stderr == nil {
		e.Stderr = os.Stderr
	}
	return e, nil
}

func (e *Executor) Run(ctx context.Context, inv runner.Invocation) (int, error) {
	session, err := e.client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()
	session.Stdout = e.Stdout
	session.Stderr = e.Stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(CommandLine(inv)) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(xssh.SIGINT)
		return -1, ctx.Err()
	case err := <-done:
		if err == nil {
			return 0, nil
		}
		var ee *xssh.ExitError
		if errors.As(err, &ee) {
			// A command killed by a signal reports 128+signal.
			return ee.ExitStatus(), nil
		}
		return -1, err
	}
}

func (e *Executor) Close() error { return e.client.Close() }

// CommandLine renders an invocation for a remote shell. Bindings are exported
// inside the command because most servers refuse SSH setenv requests.
func CommandLine(inv runner.Invocation) string {
	var b strings.Builder
	if inv.Dir != "" {
		b.WriteString("cd " + shellQuote(inv.Dir) + " && ")
	}
	keys := make([]string, 0, len(inv.Env))
	for k := range inv.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("export " + k + "=" + shellQuote(inv.Env[k]) + "; ")
	}
	b.WriteString(inv.Command)
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, "22")
}
