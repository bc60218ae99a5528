package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent: local API, sync, authorization polling and telemetry",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cfg, err := openApp()
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := a.Close(); closeErr != nil {
					slog.Error("Failed to close repository", "error", closeErr)
				}
			}()

			slog.Info("Starting agent", "addr", cfg.ListenAddr, "db", cfg.DBPath, "remote_enabled", cfg.RemoteEnabled())

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := a.Run(ctx); err != nil {
				return err
			}
			slog.Info("Agent stopped")
			return nil
		},
	}
}
