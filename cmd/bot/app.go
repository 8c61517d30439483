package main

import (
	"context"
	"fmt"
	"log/slog"

	"channel-relay-bot/internal/attachment"
	"channel-relay-bot/internal/config"
	"channel-relay-bot/internal/conversation"
	"channel-relay-bot/internal/monitor"
	"channel-relay-bot/internal/service"
	"channel-relay-bot/internal/storage"
)

// app holds the components shared by serve and chat
type app struct {
	logger       *slog.Logger
	store        storage.ThreadStore
	fetcher      *attachment.Fetcher
	orchestrator *conversation.Orchestrator
}

func storageOptions(db config.DatabaseConfig) storage.Options {
	return storage.Options{
		Type:       db.Type,
		SQLitePath: db.Path,
		MySQL: storage.MySQLConfig{
			Host:     db.MySQL.Host,
			Port:     db.MySQL.Port,
			Database: db.MySQL.Database,
			Username: db.MySQL.Username,
			Password: db.MySQL.Password,
			Timeout:  db.MySQL.Timeout,
		},
		PostgresURL: db.URL,
	}
}

func openStore(ctx context.Context, db config.DatabaseConfig) (storage.ThreadStore, error) {
	store, err := storage.NewThreadStore(storageOptions(db))
	if err != nil {
		return nil, err
	}
	if err := store.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize %s store: %w", db.Type, err)
	}
	return store, nil
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	logger.Info("Thread store initialized", "type", cfg.Database.Type)

	fetcher := attachment.NewFetcher(cfg.Attachments.Timeout, cfg.Attachments.MaxBytes, logger)

	client := service.NewOpenAIClient(service.OpenAIClientConfig{
		APIKey:     cfg.OpenAI.APIKey,
		BaseURL:    cfg.OpenAI.BaseURL,
		Timeout:    cfg.OpenAI.Timeout,
		MaxRetries: cfg.OpenAI.MaxRetries,
	})
	chatClient := service.NewChatClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL)

	images := service.NewOpenAIImageService(chatClient, service.ImageConfig{
		Model: cfg.OpenAI.ImageModel,
		Size:  cfg.OpenAI.ImageSize,
	}, logger)
	limiter := monitor.NewRateLimiter(monitor.Limits{
		PerMinute: cfg.RateLimit.PerMinute,
		PerHour:   cfg.RateLimit.PerHour,
		PerDay:    cfg.RateLimit.PerDay,
	}, logger, cfg.RateLimit.ExemptUserIDs...)
	// One limiter meters /image and the model's image tool calls together
	completer := service.NewOpenAIResponsesService(client, service.ModelConfig{
		Model:           cfg.OpenAI.Model,
		SystemPrompt:    cfg.OpenAI.SystemPrompt,
		MaxOutputTokens: cfg.OpenAI.MaxOutputTokens,
		WebSearch:       cfg.OpenAI.WebSearch,
		CodeInterpreter: cfg.OpenAI.CodeInterpreter,
		ImageTool:       cfg.OpenAI.ImageTool,
	}, images, limiter, logger)
	documents := service.NewOpenAIVectorStoreService(client, cfg.OpenAI.VectorStoreID, cfg.OpenAI.VectorStoreName, logger)
	intent := service.NewOpenAIIntentClassifier(chatClient, cfg.OpenAI.IntentModel, logger)

	orchestrator := conversation.New(conversation.Dependencies{
		Store:     store,
		Fetcher:   fetcher,
		Completer: completer,
		Documents: documents,
		Images:    images,
		Intent:    intent,
		Limiter:   limiter,
		Logger:    logger,
	}, conversation.Options{
		Model:               cfg.OpenAI.Model,
		SerializePerChannel: cfg.Conversation.SerializePerChannel,
		ImageIntentRouting:  cfg.Conversation.ImageIntentRouting,
		StatusCacheTTL:      cfg.Conversation.StatusCacheTTL,
	})

	return &app{
		logger:       logger,
		store:        store,
		fetcher:      fetcher,
		orchestrator: orchestrator,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("Error closing thread store", "error", err)
	}
}
