package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"channel-relay-bot/internal/attachment"
	"channel-relay-bot/internal/monitor"
	"channel-relay-bot/internal/service"
)

const (
	seeAttachments     = "(see attachments)"
	indexedCountKey    = "indexed_documents"
	defaultStatusCache = 30 * time.Second
)

// Store is the part of the thread store the orchestrator needs
type Store interface {
	Get(ctx context.Context, channelID int64) (string, bool, error)
	Set(ctx context.Context, channelID int64, token string) error
	Delete(ctx context.Context, channelID int64) error
	Count(ctx context.Context) (int, error)
}

// Fetcher downloads attachment bytes
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

// Request is one inbound chat message addressed to the bot
type Request struct {
	ChannelID   int64
	UserID      string
	DisplayName string
	Text        string
	Attachments []attachment.Descriptor
}

// Reply is everything to deliver back to the channel for one Request
type Reply struct {
	Text string
	// ImageURLs are interpreter outputs that must be downloaded before they expire
	ImageURLs []string
	Images    [][]byte
	Files     []File
	Warnings  []string
	// Skipped is set when the message carried nothing to send to the model
	Skipped bool
}

// RateLimitError is returned when a user exceeds the image generation limit
type RateLimitError struct {
	Result *monitor.RateLimitResult
}

func (e *RateLimitError) Error() string {
	return e.Result.UserFriendlyMsg
}

// Status summarizes the bot for operators
type Status struct {
	Model            string
	ActiveThreads    int
	IndexedDocuments int
	IndexID          string
	Uptime           time.Duration
}

// Dependencies are the collaborators of an Orchestrator. Documents, Images, Intent and
// Limiter may be nil, which disables the features that need them.
type Dependencies struct {
	Store     Store
	Fetcher   Fetcher
	Completer service.Completer
	Documents service.DocumentIndex
	Images    service.ImageGenerator
	Intent    service.IntentClassifier
	Limiter   *monitor.RateLimiter
	Logger    *slog.Logger
}

// Options tunes orchestrator behavior
type Options struct {
	Model               string
	SerializePerChannel bool
	ImageIntentRouting  bool
	StatusCacheTTL      time.Duration
}

// Orchestrator turns inbound messages into model turns and model output into replies
type Orchestrator struct {
	store     Store
	fetcher   Fetcher
	completer service.Completer
	documents service.DocumentIndex
	images    service.ImageGenerator
	intent    service.IntentClassifier
	limiter   *monitor.RateLimiter
	logger    *slog.Logger

	options     Options
	locks       *channelLocks
	statusCache *cache.Cache
	startTime   time.Time
}

// New creates an orchestrator
func New(deps Dependencies, opts Options) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.StatusCacheTTL <= 0 {
		opts.StatusCacheTTL = defaultStatusCache
	}

	return &Orchestrator{
		store:       deps.Store,
		fetcher:     deps.Fetcher,
		completer:   deps.Completer,
		documents:   deps.Documents,
		images:      deps.Images,
		intent:      deps.Intent,
		limiter:     deps.Limiter,
		logger:      logger.With(slog.String("component", "orchestrator")),
		options:     opts,
		locks:       newChannelLocks(),
		statusCache: cache.New(opts.StatusCacheTTL, 2*opts.StatusCacheTTL),
		startTime:   time.Now(),
	}
}

func (o *Orchestrator) acquire(channelID int64) func() {
	if !o.options.SerializePerChannel {
		return func() {}
	}
	return o.locks.lock(channelID)
}

// Handle processes one message end to end. The returned error is non-nil only when the
// turn failed as a whole (token lookup or completion); per-attachment problems and a
// failed token write are reported as Reply warnings.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (*Reply, error) {
	unlock := o.acquire(req.ChannelID)
	defer unlock()

	logger := o.logger.With(slog.Int64("channel_id", req.ChannelID), slog.String("user_id", req.UserID))

	token, found, err := o.store.Get(ctx, req.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve conversation: %w", err)
	}

	reply := &Reply{}
	imageURLs, fileIDs := o.processAttachments(ctx, req.Attachments, reply, logger)

	text := strings.TrimSpace(req.Text)
	if text == "" && len(imageURLs) == 0 && len(fileIDs) == 0 {
		reply.Skipped = true
		return reply, nil
	}

	if text != "" && len(req.Attachments) == 0 && o.wantsImage(ctx, text, logger) {
		return o.imageReply(ctx, req.UserID, text, logger), nil
	}

	input := text
	if input == "" {
		input = seeAttachments
	}
	if req.DisplayName != "" {
		input = req.DisplayName + ": " + input
	}

	var indexID string
	if o.documents != nil {
		indexID = o.documents.IndexID()
	}

	result, err := o.completer.Complete(ctx, service.CompletionRequest{
		ContinuationToken: token,
		Text:              input,
		ImageURLs:         imageURLs,
		FileIDs:           fileIDs,
		IndexID:           indexID,
		UserID:            req.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("completion failed: %w", err)
	}

	if err := o.store.Set(ctx, req.ChannelID, result.ContinuationToken); err != nil {
		logger.Error("Failed to persist continuation token",
			slog.String("response_id", result.ContinuationToken),
			slog.Any("error", err))
		reply.Warnings = append(reply.Warnings, "⚠️ Couldn't save conversation history, the next message may start a new conversation.")
	}

	logger.Debug("Completed turn",
		slog.Bool("continued", found),
		slog.String("response_id", result.ContinuationToken),
		slog.Int("images", len(imageURLs)),
		slog.Int("documents", len(fileIDs)))

	o.decompose(result, reply)
	return reply, nil
}

// processAttachments routes images by URL and uploads documents to the shared index
func (o *Orchestrator) processAttachments(ctx context.Context, attachments []attachment.Descriptor, reply *Reply, logger *slog.Logger) ([]string, []string) {
	var imageURLs, fileIDs []string

	for _, att := range attachments {
		switch att.Kind() {
		case attachment.Image:
			imageURLs = append(imageURLs, att.URL)
		case attachment.Document:
			fileID, err := o.ingestDocument(ctx, att)
			if err != nil {
				logger.Warn("Failed to process attachment",
					slog.String("filename", att.Filename),
					slog.Any("error", err))
				reply.Warnings = append(reply.Warnings, fmt.Sprintf("⚠️ Couldn't process `%s`, skipping it.", att.Filename))
				continue
			}
			fileIDs = append(fileIDs, fileID)
		default:
			reply.Warnings = append(reply.Warnings, fmt.Sprintf("⚠️ `%s` isn't a supported file type, skipping it.", att.Filename))
		}
	}

	return imageURLs, fileIDs
}

func (o *Orchestrator) ingestDocument(ctx context.Context, att attachment.Descriptor) (string, error) {
	if o.documents == nil {
		return "", errors.New("document index is not configured")
	}

	data, name, err := o.fetcher.Fetch(ctx, att.URL)
	if err != nil {
		return "", err
	}
	if att.Filename != "" {
		name = att.Filename
	}

	fileID, err := o.documents.Upload(ctx, data, name)
	if err != nil {
		return "", err
	}
	if err := o.documents.Index(ctx, fileID); err != nil {
		return "", err
	}
	return fileID, nil
}

// wantsImage consults the intent classifier when routing is enabled. Any classifier
// failure means a normal chat turn.
func (o *Orchestrator) wantsImage(ctx context.Context, text string, logger *slog.Logger) bool {
	if !o.options.ImageIntentRouting || o.intent == nil || o.images == nil {
		return false
	}

	isImage, err := o.intent.IsImageRequest(ctx, text)
	if err != nil {
		logger.Warn("Intent classification failed, treating as chat", slog.Any("error", err))
		return false
	}
	return isImage
}

func (o *Orchestrator) imageReply(ctx context.Context, userID, prompt string, logger *slog.Logger) *Reply {
	image, err := o.GenerateImage(ctx, userID, prompt)
	if err != nil {
		var limited *RateLimitError
		if errors.As(err, &limited) {
			return &Reply{Text: limited.Error()}
		}
		logger.Warn("Routed image generation failed", slog.Any("error", err))
		return &Reply{Warnings: []string{"⚠️ Image generation failed. Please try again."}}
	}
	return &Reply{Images: [][]byte{image}}
}

// decompose splits the model output into visible text, images and marker files
func (o *Orchestrator) decompose(result *service.CompletionResult, reply *Reply) {
	text, files := ExtractMarkers(result.Text)

	seen := make(map[string]bool, len(files))
	for _, f := range files {
		seen[f.Name] = true
	}
	for _, log := range result.InterpreterLogs {
		_, logFiles := ExtractMarkers(log)
		for _, f := range logFiles {
			if seen[f.Name] {
				continue
			}
			seen[f.Name] = true
			files = append(files, f)
		}
	}

	reply.Text = text
	reply.ImageURLs = result.OutputImageURLs
	reply.Images = result.OutputImages
	reply.Files = files
}

// Clear forgets the conversation of a channel
func (o *Orchestrator) Clear(ctx context.Context, channelID int64) error {
	unlock := o.acquire(channelID)
	defer unlock()

	if err := o.store.Delete(ctx, channelID); err != nil {
		return fmt.Errorf("failed to clear conversation: %w", err)
	}
	o.logger.Info("Cleared conversation", slog.Int64("channel_id", channelID))
	return nil
}

// GenerateImage renders an image for a user, subject to the rate limiter
func (o *Orchestrator) GenerateImage(ctx context.Context, userID, prompt string) ([]byte, error) {
	if o.images == nil {
		return nil, errors.New("image generation is not configured")
	}
	if o.limiter != nil {
		if result := o.limiter.Allow(userID); !result.Allowed {
			return nil, &RateLimitError{Result: result}
		}
	}
	return o.images.GenerateImage(ctx, prompt)
}

// Ingest uploads and indexes a local document outside of a chat turn
func (o *Orchestrator) Ingest(ctx context.Context, data []byte, filename string) (string, error) {
	if o.documents == nil {
		return "", errors.New("document index is not configured")
	}
	fileID, err := o.documents.Upload(ctx, data, filename)
	if err != nil {
		return "", err
	}
	if err := o.documents.Index(ctx, fileID); err != nil {
		return "", err
	}
	o.statusCache.Delete(indexedCountKey)
	return fileID, nil
}

// Status reports thread and document counts. A store failure is returned as an error;
// a document index failure is logged and reported as zero documents.
func (o *Orchestrator) Status(ctx context.Context) (*Status, error) {
	threads, err := o.store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count conversations: %w", err)
	}

	status := &Status{
		Model:         o.options.Model,
		ActiveThreads: threads,
		Uptime:        time.Since(o.startTime),
	}
	if o.documents == nil {
		return status, nil
	}

	status.IndexID = o.documents.IndexID()
	if cached, ok := o.statusCache.Get(indexedCountKey); ok {
		status.IndexedDocuments = cached.(int)
		return status, nil
	}

	count, err := o.documents.CountIndexed(ctx)
	if err != nil {
		o.logger.Warn("Failed to count indexed documents", slog.Any("error", err))
		return status, nil
	}
	o.statusCache.SetDefault(indexedCountKey, count)
	status.IndexedDocuments = count
	return status, nil
}

// DropCaches clears the status cache and every rate limit counter
func (o *Orchestrator) DropCaches() {
	o.statusCache.Flush()
	if o.limiter != nil {
		o.limiter.Flush()
	}
	o.logger.Info("Dropped caches")
}
