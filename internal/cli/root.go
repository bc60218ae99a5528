// Package cli implements the pccare command line.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ashureev/pccare/internal/app"
	"github.com/ashureev/pccare/internal/config"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	ConfigFile string
	LogLevel   string
}

var rf rootFlags

// Execute runs the root command.
func Execute() error {
	rootCmd := &cobra.Command{
		Use:           "pccare",
		Short:         "Local-first PC maintenance agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&rf.ConfigFile, "config", os.Getenv("CONFIG_FILE"), "YAML config file (defaults to CONFIG_FILE)")
	rootCmd.PersistentFlags().StringVar(&rf.LogLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(operationsCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(pendingCmd())
	rootCmd.AddCommand(decideCmd())

	return rootCmd.Execute()
}

// loadConfig applies the persistent flags on top of the environment.
func loadConfig() (*config.Config, error) {
	if rf.ConfigFile != "" {
		if err := os.Setenv("CONFIG_FILE", rf.ConfigFile); err != nil {
			return nil, fmt.Errorf("set CONFIG_FILE: %w", err)
		}
	}
	if rf.LogLevel != "" {
		if err := os.Setenv("LOG_LEVEL", rf.LogLevel); err != nil {
			return nil, fmt.Errorf("set LOG_LEVEL: %w", err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return cfg, nil
}

// openApp loads configuration and builds the application.
func openApp() (*app.App, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(cfg, slog.Default())
	if err != nil {
		return nil, nil, err
	}
	return a, cfg, nil
}
