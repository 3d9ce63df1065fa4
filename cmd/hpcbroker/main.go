// Package main is the entry point for the hpcbroker binary: a single
// long-running process that submits and reconciles HPC IDE sessions
// over SSH, and reverse-proxies their dev-server ports. Unlike a
// server/agent split, the broker is one command, so there is a single
// root Cobra command rather than subcommands.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rchpc/ide-broker/internal/bootstrap"
	"github.com/rchpc/ide-broker/internal/config"
	"github.com/rchpc/ide-broker/internal/transport"
)

// version is injected at build time via -ldflags
// (e.g. -ldflags "-X main.version=v1.2.3").
var version = "devel"

func main() {
	// Cancel on SIGINT (Ctrl+C) or SIGTERM (container runtime).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		// Cobra is configured with SilenceErrors: true, so we
		// print the error here for consistent formatting.
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	root := &cobra.Command{
		Use:           "hpcbroker",
		Short:         "hpcbroker submits, tracks, and tunnels HPC IDE sessions over SSH",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfg)
		},
	}

	if err := cfg.BindFlags(root.Flags(), config.BrokerOptions); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}

	return root.ExecuteContext(ctx)
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel())}))

	app, cleanup, err := bootstrap.New(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}
	defer cleanup()

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start application: %w", err)
	}

	serveErr := transport.Serve(ctx, app.Listeners()...)
	app.Shutdown()
	return serveErr
}

// parseLevel maps the configured log.level string onto a slog.Level,
// defaulting to Info for an unrecognised value.
func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
