// ============================================================================
// jobserverd - Job Server Daemon
// ============================================================================
//
// Package: cmd/jobserverd
// File: main.go
// Purpose: Command line entry point. Loads config, applies CLI overrides,
// and runs the server until a termination signal arrives.
//
// Command structure:
//
//	jobserverd run
//	  --config, -c   path to a YAML config file (optional)
//	  --addr         override server.addr (host:port)
//	  --runner       override runner.path
//
// ============================================================================

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hollow-creek/jobserver/internal/config"
	"github.com/hollow-creek/jobserver/internal/server"
)

var log = slog.Default()

func main() {
	if err := buildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildCLI() *cobra.Command {
	root := &cobra.Command{
		Use:     "jobserverd",
		Short:   "jobserverd runs the distributed job server",
		Version: "0.1.0",
	}
	root.AddCommand(buildRunCommand())
	return root
}

func buildRunCommand() *cobra.Command {
	var configFile string
	var addrOverride string
	var runnerOverride string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the job server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configFile, addrOverride, runnerOverride)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "path to a YAML config file (optional)")
	cmd.Flags().StringVar(&addrOverride, "addr", "", "override the listen address (host:port)")
	cmd.Flags().StringVar(&runnerOverride, "runner", "", "override the runner binary path")

	return cmd
}

func runServer(configFile, addrOverride, runnerOverride string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if addrOverride != "" {
		cfg.Server.Addr = addrOverride
	}
	if runnerOverride != "" {
		cfg.Runner.Path = runnerOverride
	}

	srv := server.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("jobserverd starting", "addr", cfg.Server.Addr, "runner", cfg.Runner.Path)

	if err := srv.Run(ctx); err != nil {
		log.Error("server exited with error", "err", err)
		return err
	}

	log.Info("jobserverd stopped")
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
