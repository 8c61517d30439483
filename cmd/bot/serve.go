package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"channel-relay-bot/internal/bot"
	"channel-relay-bot/internal/server"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Discord bot and the liveness server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("Channel relay bot starting up", "model", cfg.OpenAI.Model)

	session := bot.NewSession(cfg.Discord.Token, logger)
	if err := session.IsTokenValid(); err != nil {
		return fmt.Errorf("token validation failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	dg, err := session.Connect()
	if err != nil {
		return err
	}

	handler := bot.NewHandler(logger, a.orchestrator, bot.NewDiscordClient(dg), a.fetcher, session, bot.HandlerConfig{
		OwnerID:  cfg.Discord.OwnerID,
		GuildID:  cfg.Discord.GuildID,
		Filter:   bot.NewChannelFilter(cfg.Discord.AllowedChannelIDs, cfg.Discord.AllowDMs),
		Presence: cfg.Discord.Presence,
	})
	dg.AddHandler(handler.HandleReady)
	dg.AddHandler(handler.HandleMessageCreate)
	dg.AddHandler(handler.HandleInteractionCreate)

	if err := session.Open(); err != nil {
		return err
	}
	logger.Info("Discord connection established")

	liveness := server.NewServer(cfg.Server.Addr, a.orchestrator, logger)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- liveness.Start()
	}()

	logger.Info("Bot is now running. Press CTRL+C to exit.")

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received, initiating graceful shutdown...")
	case err := <-serverErr:
		if err != nil {
			logger.Error("Liveness server stopped", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := liveness.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping liveness server", "error", err)
	}
	if err := session.Close(); err != nil {
		logger.Error("Error during Discord session cleanup", "error", err)
	} else {
		logger.Info("Discord session closed successfully")
	}
	return nil
}
