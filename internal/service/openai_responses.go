package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
	"github.com/openai/openai-go/v3/shared"

	"channel-relay-bot/internal/monitor"
)

const (
	imageToolName    = "generate_image"
	maxToolRounds    = 3
	attachmentsInput = "(see attachments)"
	toolLimitOutput  = `{"error":"tool call limit reached; answer without calling tools"}`
)

// ImageLimiter meters image tool calls per user
type ImageLimiter interface {
	Allow(userID string) *monitor.RateLimitResult
}

// OpenAIClientConfig configures the shared OpenAI SDK client
type OpenAIClientConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

// NewOpenAIClient builds the SDK client shared by the completion and document services
func NewOpenAIClient(cfg OpenAIClientConfig) openai.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return openai.NewClient(opts...)
}

// OpenAIResponsesService implements Completer on the OpenAI Responses API.
// Conversation history is held server-side and addressed by previous_response_id.
type OpenAIResponsesService struct {
	client  openai.Client
	config  ModelConfig
	images  ImageGenerator
	limiter ImageLimiter
	logger  *slog.Logger
}

// NewOpenAIResponsesService creates a completer. images may be nil, which disables the image tool.
// limiter may be nil, which leaves image tool calls unmetered.
func NewOpenAIResponsesService(client openai.Client, config ModelConfig, images ImageGenerator, limiter ImageLimiter, logger *slog.Logger) *OpenAIResponsesService {
	if logger == nil {
		logger = slog.Default()
	}
	if images == nil {
		config.ImageTool = false
	}
	return &OpenAIResponsesService{
		client:  client,
		config:  config,
		images:  images,
		limiter: limiter,
		logger:  logger.With(slog.String("component", "openai_responses")),
	}
}

// Complete runs one turn, executing image tool calls for up to maxToolRounds follow-up requests.
// Calls still pending after that are answered with an error and the model is asked once more
// without tools, so the stored token never points at a response awaiting tool output.
func (s *OpenAIResponsesService) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	params := s.baseParams(req.IndexID)
	if req.ContinuationToken != "" {
		params.PreviousResponseID = openai.String(req.ContinuationToken)
	}
	params.Input = responses.ResponseNewParamsInputUnion{
		OfInputItemList: responses.ResponseInputParam{userMessage(req)},
	}

	resp, err := s.client.Responses.New(ctx, params)
	if err != nil {
		return nil, remoteError("create response", err)
	}

	result := &CompletionResult{}
	var texts []string

	for round := 0; ; round++ {
		turn := parseResponse(resp)
		result.ContinuationToken = resp.ID
		result.OutputImageURLs = append(result.OutputImageURLs, turn.imageURLs...)
		result.InterpreterLogs = append(result.InterpreterLogs, turn.logs...)
		if turn.text != "" {
			texts = append(texts, turn.text)
		}

		if len(turn.calls) == 0 || round > maxToolRounds {
			break
		}

		next := s.baseParams(req.IndexID)
		var outputs responses.ResponseInputParam
		if round == maxToolRounds {
			s.logger.Warn("Tool call limit reached, closing pending calls",
				slog.Int("rounds", round),
				slog.Int("pending_calls", len(turn.calls)),
				slog.String("response_id", resp.ID))
			for _, call := range turn.calls {
				outputs = append(outputs, responses.ResponseInputItemParamOfFunctionCallOutput(call.CallID, toolLimitOutput))
			}
			next.Tools = nil
			next.Include = nil
		} else {
			for _, call := range turn.calls {
				output, image := s.runTool(ctx, req.UserID, call)
				if image != nil {
					result.OutputImages = append(result.OutputImages, image)
				}
				outputs = append(outputs, responses.ResponseInputItemParamOfFunctionCallOutput(call.CallID, output))
			}
		}

		next.PreviousResponseID = openai.String(resp.ID)
		next.Input = responses.ResponseNewParamsInputUnion{OfInputItemList: outputs}

		resp, err = s.client.Responses.New(ctx, next)
		if err != nil {
			return nil, remoteError("submit tool outputs", err)
		}
	}

	result.Text = strings.Join(texts, "\n\n")
	s.logger.Debug("Completion finished",
		slog.String("response_id", result.ContinuationToken),
		slog.Int("text_length", len(result.Text)),
		slog.Int("interpreter_images", len(result.OutputImageURLs)),
		slog.Int("generated_images", len(result.OutputImages)))

	return result, nil
}

func (s *OpenAIResponsesService) baseParams(indexID string) responses.ResponseNewParams {
	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(s.config.Model),
	}
	if s.config.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(s.config.MaxOutputTokens))
	}
	if s.config.SystemPrompt != "" {
		params.Instructions = openai.String(s.config.SystemPrompt)
	}

	if s.config.WebSearch {
		params.Tools = append(params.Tools, responses.ToolParamOfWebSearchPreview(responses.WebSearchPreviewToolTypeWebSearchPreview))
	}
	if s.config.CodeInterpreter {
		params.Tools = append(params.Tools, responses.ToolParamOfCodeInterpreter("auto"))
		params.Include = append(params.Include, responses.ResponseIncludableCodeInterpreterCallOutputs)
	}
	if indexID != "" {
		params.Tools = append(params.Tools, responses.ToolUnionParam{
			OfFileSearch: &responses.FileSearchToolParam{
				VectorStoreIDs: []string{indexID},
			},
		})
	}
	if s.config.ImageTool {
		params.Tools = append(params.Tools, responses.ToolUnionParam{
			OfFunction: &responses.FunctionToolParam{
				Name:        imageToolName,
				Description: openai.String("Generate an image from a text description. The image is attached to the reply automatically."),
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"prompt": map[string]any{
							"type":        "string",
							"description": "Detailed description of the image to generate",
						},
					},
					"required":             []string{"prompt"},
					"additionalProperties": false,
				},
				Strict: openai.Bool(true),
			},
		})
	}

	return params
}

// runTool executes one function call and returns the tool output plus any generated image
func (s *OpenAIResponsesService) runTool(ctx context.Context, userID string, call responses.ResponseFunctionToolCall) (string, []byte) {
	if call.Name != imageToolName || s.images == nil {
		return fmt.Sprintf(`{"error":"unknown tool %q"}`, call.Name), nil
	}

	var args struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil || strings.TrimSpace(args.Prompt) == "" {
		return `{"error":"a non-empty prompt is required"}`, nil
	}

	if s.limiter != nil {
		if result := s.limiter.Allow(userID); !result.Allowed {
			s.logger.Info("Image tool call rate limited",
				slog.String("user_id", userID),
				slog.String("window", result.TimeWindow))
			output, _ := json.Marshal(map[string]string{
				"error":   "rate limit exceeded",
				"message": result.UserFriendlyMsg,
			})
			return string(output), nil
		}
	}

	image, err := s.images.GenerateImage(ctx, args.Prompt)
	if err != nil {
		s.logger.Warn("Image tool call failed", slog.String("call_id", call.CallID), slog.Any("error", err))
		return `{"error":"image generation failed"}`, nil
	}
	return `{"status":"ok","message":"The image was generated and will be attached to your reply."}`, image
}

func userMessage(req CompletionRequest) responses.ResponseInputItemUnionParam {
	text := req.Text
	if strings.TrimSpace(text) == "" {
		text = attachmentsInput
	}

	parts := responses.ResponseInputMessageContentListParam{
		{OfInputText: &responses.ResponseInputTextParam{Text: text}},
	}
	for _, url := range req.ImageURLs {
		parts = append(parts, responses.ResponseInputContentUnionParam{
			OfInputImage: &responses.ResponseInputImageParam{
				ImageURL: openai.String(url),
				Detail:   responses.ResponseInputImageDetailAuto,
			},
		})
	}
	for _, id := range req.FileIDs {
		parts = append(parts, responses.ResponseInputContentUnionParam{
			OfInputFile: &responses.ResponseInputFileParam{
				FileID: openai.String(id),
			},
		})
	}

	return responses.ResponseInputItemUnionParam{
		OfMessage: &responses.EasyInputMessageParam{
			Role: responses.EasyInputMessageRoleUser,
			Content: responses.EasyInputMessageContentUnionParam{
				OfInputItemContentList: parts,
			},
		},
	}
}

type parsedTurn struct {
	text      string
	imageURLs []string
	logs      []string
	calls     []responses.ResponseFunctionToolCall
}

func parseResponse(resp *responses.Response) parsedTurn {
	var turn parsedTurn
	var text strings.Builder

	for _, item := range resp.Output {
		switch item := item.AsAny().(type) {
		case responses.ResponseOutputMessage:
			for _, part := range item.Content {
				if part.Type == "output_text" && part.Text != "" {
					if text.Len() > 0 {
						text.WriteString("\n")
					}
					text.WriteString(part.Text)
				}
			}
		case responses.ResponseFunctionToolCall:
			turn.calls = append(turn.calls, item)
		case responses.ResponseCodeInterpreterToolCall:
			for _, output := range item.Outputs {
				switch output.Type {
				case "logs":
					if output.Logs != "" {
						turn.logs = append(turn.logs, output.Logs)
					}
				case "image":
					if output.URL != "" {
						turn.imageURLs = append(turn.imageURLs, output.URL)
					}
				}
			}
		}
	}

	turn.text = text.String()
	return turn
}
