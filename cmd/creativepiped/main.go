package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"creativepipe/internal/config"
	"creativepipe/internal/daemon"
	"creativepipe/internal/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var flags daemonFlags

	cmd := &cobra.Command{
		Use:           "creativepiped",
		Short:         "Run creativepipe stage workers and the HTTP gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags)
		},
	}
	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "Configuration file path")
	cmd.Flags().StringVar(&flags.stages, "stages", "all", "Comma-separated stages to run (enrichment,creative,imaging,branding,overlay)")
	cmd.Flags().BoolVar(&flags.noGateway, "no-gateway", false, "Do not serve the HTTP gateway or run the stale scanner")
	return cmd
}

func run(ctx context.Context, flags daemonFlags) error {
	cfg, path, exists, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	opts, err := flags.options(cfg)
	if err != nil {
		return err
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if !exists {
		logger.Warn("config file not found; using defaults", zap.String("path", path))
	}

	d, err := daemon.New(ctx, cfg, logger, opts)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	err = d.Wait()
	logger.Info("creativepiped shutting down")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
