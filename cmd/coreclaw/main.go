// Command coreclaw runs the Coreclaw agent: durable bus, scheduler,
// heartbeat, CLI and webhook channels, and the conversation router, all
// wired together by internal/app.go. Grounded on the teacher's
// cmd/root.go cobra layout, trimmed of the onboarding/pairing/models/
// sessions subcommands that have no equivalent in a single-agent
// deployment.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	coreclaw "github.com/coreclaw/coreclaw/internal"
	"github.com/coreclaw/coreclaw/internal/config"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coreclaw",
		Short: "Coreclaw — durable single-agent runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent()
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json or $CORECLAW_CONFIG)")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	cmd.AddCommand(migrateCmd())
	cmd.AddCommand(versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("coreclaw dev")
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := newLogger()
			ctx := context.Background()

			app, err := coreclaw.New(ctx, *cfg, logger)
			if err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
			return app.Store.Close()
		},
	}
}

func runAgent() error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := coreclaw.New(ctx, *cfg, logger)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start app: %w", err)
	}

	<-ctx.Done()
	logger.Info("coreclaw: shutting down")

	shutdownCtx := context.Background()
	return app.Stop(shutdownCtx)
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("CORECLAW_CONFIG"); v != "" {
		return v
	}
	return "config.json"
}
