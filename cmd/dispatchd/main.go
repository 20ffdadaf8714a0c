// Package main implements dispatchd, the Dispatch Core's CLI entry point.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/selfevolve/dispatchcore/config"
)

// Build information (set via ldflags).
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		natsURL    string
	)

	rootCmd := &cobra.Command{
		Use:     "dispatchd",
		Short:   "Durable multi-queue workflow dispatcher",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the Dispatch Core and serve its configured queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatcher(cmd.Context(), configPath, natsURL)
		},
	}
	runCmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	runCmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server URL (default: embedded)")
	rootCmd.AddCommand(runCmd)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func runDispatcher(ctx context.Context, configPath, natsURL string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	loader := config.NewLoader(logger)
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
	} else {
		cfg, err = loader.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if natsURL != "" {
		cfg.NATS.URL = natsURL
		cfg.NATS.Embedded = false
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	app, err := NewApp(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize app: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start app: %w", err)
	}

	logger.Info("dispatchd running", "stream", cfg.Dispatch.StreamName, "queues", len(cfg.Dispatch.Queues))

	<-ctx.Done()
	logger.Info("shutting down")
	if clean := app.Shutdown(30 * time.Second); !clean {
		return fmt.Errorf("shutdown abandoned in-flight work")
	}
	return nil
}
