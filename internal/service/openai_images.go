package service

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"

	goopenai "github.com/sashabaranov/go-openai"
)

// ImageConfig holds image generation settings
type ImageConfig struct {
	Model string
	Size  string
}

// OpenAIImageService implements ImageGenerator with the OpenAI Images API.
// Images are requested as base64 so the bytes never depend on a short-lived CDN URL.
type OpenAIImageService struct {
	client *goopenai.Client
	config ImageConfig
	logger *slog.Logger
}

// NewChatClient builds a go-openai client, optionally pointed at a compatible base URL
func NewChatClient(apiKey, baseURL string) *goopenai.Client {
	clientConfig := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	return goopenai.NewClientWithConfig(clientConfig)
}

// NewOpenAIImageService creates a new image generation service
func NewOpenAIImageService(client *goopenai.Client, config ImageConfig, logger *slog.Logger) *OpenAIImageService {
	if config.Model == "" {
		config.Model = "dall-e-3"
	}
	if config.Size == "" {
		config.Size = goopenai.CreateImageSize1024x1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIImageService{
		client: client,
		config: config,
		logger: logger.With(slog.String("component", "openai_images")),
	}
}

// GenerateImage renders one image and returns the decoded bytes
func (s *OpenAIImageService) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	resp, err := s.client.CreateImage(ctx, goopenai.ImageRequest{
		Prompt:         prompt,
		Model:          s.config.Model,
		N:              1,
		Size:           s.config.Size,
		ResponseFormat: goopenai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, remoteError("generate image", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, remoteError("generate image", errors.New("response contained no image data"))
	}

	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, remoteError("decode image", err)
	}

	s.logger.Debug("Generated image", slog.Int("bytes", len(data)), slog.String("model", s.config.Model))
	return data, nil
}
