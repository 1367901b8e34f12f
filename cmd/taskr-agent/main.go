package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/taskr/internal/agent"
	core "github.com/3cpo-dev/taskr/internal/core"
	"github.com/3cpo-dev/taskr/internal/telemetry"
)

var version = "0.1.0"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "taskr-agent",
		Short:         "Serve the task table and run history over HTTP",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve,
	}
	cmd.Flags().String("addr", ":8088", "listen address")
	cmd.Flags().String("config", "", "config file (default $XDG_CONFIG_HOME/taskr/config.yaml)")
	cmd.Flags().StringP("file", "f", "", "taskfile to serve")
	cmd.Flags().String("tls-cert", "", "server certificate")
	cmd.Flags().String("tls-key", "", "server private key")
	cmd.Flags().String("client-ca", "", "CA used to verify client certificates")
	cmd.Flags().StringP("log", "l", "info", "Set log level. Available: trace, debug, info, warn, error, fatal")
	return cmd
}

func serve(cmd *cobra.Command, args []string) error {
	levelStr, _ := cmd.Flags().GetString("log")
	if level, err := zerolog.ParseLevel(levelStr); err == nil && levelStr != "" {
		zerolog.SetGlobalLevel(level)
	}

	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return err
	}
	file, _ := cmd.Flags().GetString("file")
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	table, err := core.ResolveTable(file, cfg, cwd)
	if err != nil {
		return err
	}
	telemetry.InitGlobal(true)
	defer telemetry.Shutdown()

	srv := &agent.Server{Version: version, Table: table, Token: os.Getenv("TASKR_AGENT_TOKEN")}
	if cfg.History.Enabled {
		store, err := core.NewStore(cfg.History.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		srv.Runs = store
	}

	addr, _ := cmd.Flags().GetString("addr")
	var tlsCfg agent.TLSConfig
	tlsCfg.CertFile, _ = cmd.Flags().GetString("tls-cert")
	tlsCfg.KeyFile, _ = cmd.Flags().GetString("tls-key")
	tlsCfg.ClientCAFile, _ = cmd.Flags().GetString("client-ca")

	if tlsCfg.Enabled() {
		err = srv.ListenTLS(addr, tlsCfg)
	} else {
		err = srv.Listen(addr)
	}
	if err != nil {
		return err
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve() }()
	log.Info().Str("addr", srv.Addr().String()).Str("taskfile", table.Source()).Int("tasks", table.Len()).Msg("taskr-agent listening")

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-cmd.Context().Done():
	}
	log.Info().Msg("taskr-agent shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	root := newRootCmd()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "taskr-agent:", err)
		cancel()
		os.Exit(1)
	}
}
