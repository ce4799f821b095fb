package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"perfwatch/internal/api"
	"perfwatch/internal/config"
	"perfwatch/internal/engine"
	"perfwatch/internal/errors"
	"perfwatch/internal/logger"
)

const shutdownTimeout = 15 * time.Second

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "perfwatch",
		Short:         "Client-side performance telemetry engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// a missing .env is fine; the environment may already be set
			if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to load %s: %w", envFile, err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env", ".env", "environment file loaded before the config")

	root.AddCommand(newServeCmd(), newValidateCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file (defaults when empty)")
	return cmd
}

func newValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a config file and report every problem",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(configPath); err != nil {
				var cfgErr *errors.ConfigError
				if stderrors.As(err, &cfgErr) {
					for _, p := range cfgErr.Problems {
						fmt.Fprintln(cmd.ErrOrStderr(), "  -", p)
					}
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config OK")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	return cmd
}

func serve(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logger.NewLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := engine.New(ctx, engine.Options{Config: cfg, Logger: log})
	if err != nil {
		return err
	}
	e.Start()

	srv := api.NewServer(e, log)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err = <-serveErr:
		if err != nil {
			log.Error("API server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if stopErr := srv.Stop(shutdownCtx); stopErr != nil {
		log.Warn("API server stop failed", "error", stopErr)
	}
	if shutErr := e.Shutdown(shutdownCtx); shutErr != nil {
		log.Error("engine shutdown failed", "error", shutErr)
		if err == nil {
			err = shutErr
		}
	}
	log.Info("perfwatch stopped")
	return err
}
