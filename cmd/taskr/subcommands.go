package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	xssh "golang.org/x/crypto/ssh"

	core "github.com/3cpo-dev/taskr/internal/core"
	"github.com/3cpo-dev/taskr/internal/runner"
	gssh "github.com/3cpo-dev/taskr/internal/ssh"
	"github.com/3cpo-dev/taskr/internal/taskfile"
	"github.com/3cpo-dev/taskr/internal/telemetry"
)

// Resolve the configuration and task table
func resolveTable(cmd *cobra.Command) (*taskfile.Table, core.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return nil, cfg, err
	}
	file, _ := cmd.Flags().GetString("file")
	cwd, err := os.Getwd()
	if err != nil {
		return nil, cfg, err
	}
	table, err := core.ResolveTable(file, cfg, cwd)
	if err != nil {
		return nil, cfg, err
	}
	return table, cfg, nil
}

// Run a task and its prerequisites
func runTask(cmd *cobra.Command, name string) error {
	table, cfg, err := resolveTable(cmd)
	if err != nil {
		return err
	}
	telemetry.InitGlobal(cfg.Telemetry.Enabled)
	defer telemetry.Shutdown()

	dry, _ := cmd.Flags().GetBool("dry-run")
	noHistory, _ := cmd.Flags().GetBool("no-history")

	local := runner.NewLocal(cfg.Shell)
	local.Stdout = cmd.OutOrStdout()
	local.Stderr = cmd.ErrOrStderr()
	open := gssh.Factory(gssh.Defaults{
		User:       cfg.SSH.User,
		KeyPath:    cfg.SSH.KeyPath,
		KnownHosts: cfg.SSH.KnownHosts,
		Timeout:    cfg.SSH.Timeout(),
		Retries:    cfg.SSH.Retries,
		Stdout:     local.Stdout,
		Stderr:     local.Stderr,
	}, runner.LocalFactory(local))

	r := runner.New(table, runner.Options{Open: open, Echo: cmd.ErrOrStderr(), DryRun: dry})
	report, runErr := r.Run(cmd.Context(), name)

	if !dry && !noHistory && cfg.History.Enabled && len(report.Plan) > 0 {
		recordRun(cmd, cfg, report, runErr)
	}
	if runErr == nil {
		log.Info().Str("task", name).Strs("executed", report.Plan).Dur("duration", report.Duration).Msg("done")
	}
	return runErr
}

// History failures never change the outcome of a run.
func recordRun(cmd *cobra.Command, cfg core.Config, report *runner.Report, runErr error) {
	store, err := core.NewStore(cfg.History.Path)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.History.Path).Msg("history unavailable")
		return
	}
	defer store.Close()
	if err := store.RecordRun(cmd.Context(), core.NewRunRecord(report, runErr)); err != nil {
		log.Warn().Err(err).Msg("record run")
	}
}

// Complete task names for the root command
func completeTaskNames(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	table, _, err := resolveTable(cmd)
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	var out []string
	for _, name := range table.Names() {
		if strings.HasPrefix(name, toComplete) {
			out = append(out, name)
		}
	}
	return out, cobra.ShellCompDirectiveNoFileComp
}

// List tasks
func newTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "tasks",
		Aliases: []string{"ls"},
		Short:   "List the tasks of the active taskfile",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			table, _, err := resolveTable(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# %s\n", table.Source())
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tDEPS\tDESCRIPTION")
			for _, name := range table.Names() {
				t, _ := table.Get(name)
				deps := strings.Join(t.Deps, ",")
				if deps == "" {
					deps = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", t.Name, deps, t.Description)
			}
			return w.Flush()
		},
	}
}

// Show recent runs
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			store, err := core.NewStore(cfg.History.Path)
			if err != nil {
				return err
			}
			defer store.Close()
			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tTASK\tSTATUS\tEXIT\tDURATION\tEXECUTED")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					humanize.Time(time.Unix(r.StartedAt, 0)),
					r.Task, r.Status, r.ExitCode,
					(time.Duration(r.DurationMS) * time.Millisecond).String(),
					strings.Join(r.Executed, ","))
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "number of runs to show")
	return cmd
}

// Generate an SSH key for remote tasks
func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 key for remote tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			if out == "" {
				cfgPath, _ := cmd.Flags().GetString("config")
				cfg, err := core.LoadConfig(cfgPath)
				if err != nil {
					return err
				}
				out = cfg.SSH.KeyPath
			}
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("refusing to overwrite existing key %s", out)
			}
			pub, err := gssh.GenerateEd25519Keypair(out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s and %s.pub\n", out, out)
			fmt.Fprint(cmd.OutOrStdout(), pub)
			return nil
		},
	}
	cmd.Flags().String("out", "", "private key path (default ssh.key_path from config)")
	return cmd
}

// Record a remote host's key in known_hosts
func newTrustCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trust <host[:port]>",
		Short: "Add a remote host's SSH key to known_hosts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			key, added, err := gssh.TrustHost(cmd.Context(), cfg.SSH.KnownHosts, args[0], cfg.SSH.Timeout())
			if err != nil {
				return err
			}
			state := "already trusted"
			if added {
				state = "added to " + cfg.SSH.KnownHosts
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s: %s\n", args[0], key.Type(), xssh.FingerprintSHA256(key), state)
			return nil
		},
	}
}
