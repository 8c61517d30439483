package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"channel-relay-bot/internal/config"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "relay-bot",
		Short:         "Discord bot that relays channel conversations to a hosted model",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.toml (default: ./config.toml if present)")

	root.AddCommand(serveCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(healthCheckCmd())
	root.AddCommand(migrateCmd())

	if err := root.Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads configuration and installs the process logger
func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, slog.Default(), err
	}
	logger := newLogger(cfg.Log.Level, os.Stdout)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(level string, w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLevel(level)}))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
