package service

import (
	"context"
	"log/slog"
	"math"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"
)

const intentSystemPrompt = `You will be given a piece of text and you need to determine if the text contains a request to generate or create an image.

If the text contains a request to generate an image, reply with exactly True.
Otherwise reply with exactly False.

Example input: Create an image of a cat.
Example output: True

Example input: What is the weather like today?
Example output: False`

// OpenAIIntentClassifier implements IntentClassifier with a small chat completion.
// The reply is untrusted: anything other than a literal true is treated as false.
type OpenAIIntentClassifier struct {
	client *goopenai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIIntentClassifier creates a new intent classifier
func NewOpenAIIntentClassifier(client *goopenai.Client, model string, logger *slog.Logger) *OpenAIIntentClassifier {
	if model == "" {
		model = "gpt-4o-mini"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIIntentClassifier{
		client: client,
		model:  model,
		logger: logger.With(slog.String("component", "intent_classifier")),
	}
}

// IsImageRequest asks the model whether text is an image request
func (c *OpenAIIntentClassifier) IsImageRequest(ctx context.Context, text string) (bool, error) {
	resp, err := c.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model: c.model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: intentSystemPrompt},
			{Role: goopenai.ChatMessageRoleUser, Content: text},
		},
		MaxTokens: 8,
		// 0 is omitted from the request body
		Temperature: math.SmallestNonzeroFloat32,
	})
	if err != nil {
		return false, remoteError("classify intent", err)
	}
	if len(resp.Choices) == 0 {
		return false, nil
	}

	answer := resp.Choices[0].Message.Content
	isImage := ParseIntent(answer)
	c.logger.Debug("Classified message intent", slog.Bool("image_request", isImage), slog.String("raw", answer))
	return isImage, nil
}

// ParseIntent returns true only for a trimmed, case-insensitive "true"
func ParseIntent(answer string) bool {
	return strings.EqualFold(strings.TrimSpace(answer), "true")
}
