package bot

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"channel-relay-bot/internal/attachment"
	"channel-relay-bot/internal/conversation"
)

const (
	thinkingMessage = "_Thinking…_"
	failureMessage  = "⚠️ Something went wrong. Please try again."

	seenMessageTTL = 10 * time.Minute
)

// Orchestrator is the conversation engine behind the chat surface
type Orchestrator interface {
	Handle(ctx context.Context, req conversation.Request) (*conversation.Reply, error)
	Clear(ctx context.Context, channelID int64) error
	GenerateImage(ctx context.Context, userID, prompt string) ([]byte, error)
	Status(ctx context.Context) (*conversation.Status, error)
	DropCaches()
}

// HandlerConfig holds the operator settings of the chat surface
type HandlerConfig struct {
	OwnerID  string
	GuildID  string
	Filter   *ChannelFilter
	Presence string
}

// Handler manages Discord event handling
type Handler struct {
	logger       *slog.Logger
	orchestrator Orchestrator
	client       Client
	dispatcher   *Dispatcher
	session      *Session
	config       HandlerConfig
	seen         *cache.Cache
}

// NewHandler creates a bot event handler. session may be nil when presence updates are not
// wanted.
func NewHandler(logger *slog.Logger, orchestrator Orchestrator, client Client, fetcher URLFetcher, session *Session, config HandlerConfig) *Handler {
	return &Handler{
		logger:       logger,
		orchestrator: orchestrator,
		client:       client,
		dispatcher:   NewDispatcher(client, fetcher, logger),
		session:      session,
		config:       config,
		seen:         cache.New(seenMessageTTL, 2*seenMessageTTL),
	}
}

// HandleReady registers slash commands and sets the bot presence once the gateway is up
func (h *Handler) HandleReady(s *discordgo.Session, r *discordgo.Ready) {
	h.logger.Info("Connected to Discord",
		"user", r.User.Username,
		"guilds", len(r.Guilds))

	if err := h.client.RegisterCommands(h.config.GuildID, slashCommands); err != nil {
		h.logger.Error("Failed to register slash commands", "error", err)
	}

	if h.session != nil && h.config.Presence != "" {
		activity := &discordgo.Activity{Name: h.config.Presence, Type: discordgo.ActivityTypeListening}
		if err := h.session.UpdatePresence(discordgo.StatusOnline, activity); err != nil {
			h.logger.Warn("Failed to set presence", "error", err)
		}
	}
}

// HandleMessageCreate answers messages that mention the bot
func (h *Handler) HandleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if s.State == nil || s.State.User == nil {
		return
	}
	h.handleMessage(context.Background(), s.State.User.ID, m.Message)
}

func (h *Handler) handleMessage(ctx context.Context, botID string, m *discordgo.Message) {
	if m == nil || m.Author == nil || m.Author.Bot || m.Author.ID == botID {
		return
	}
	if !isMentioned(m.Mentions, botID) {
		return
	}
	if !h.config.Filter.Allows(m.ChannelID, m.GuildID == "") {
		h.logger.Debug("Ignoring mention in filtered channel", "channel_id", m.ChannelID)
		return
	}
	// Discord may redeliver events after a gateway resume
	if err := h.seen.Add(m.ID, struct{}{}, cache.DefaultExpiration); err != nil {
		h.logger.Debug("Ignoring duplicate message", "message_id", m.ID)
		return
	}

	channelID, err := strconv.ParseInt(m.ChannelID, 10, 64)
	if err != nil {
		h.logger.Error("Invalid channel id", "channel_id", m.ChannelID, "error", err)
		return
	}

	logger := h.logger.With(
		"event_id", uuid.NewString(),
		"channel_id", m.ChannelID,
		"user_id", m.Author.ID)

	var placeholderID string
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic while handling message",
				"panic", r,
				"stack", string(debug.Stack()))
			h.reportFailure(m.ChannelID, placeholderID, logger)
		}
	}()

	req := conversation.Request{
		ChannelID:   channelID,
		UserID:      m.Author.ID,
		DisplayName: displayName(m),
		Text:        extractQueryFromMention(m.Content, botID),
		Attachments: descriptors(m.Attachments),
	}

	logger.Info("Processing mention",
		"message_id", m.ID,
		"query_length", len(req.Text),
		"attachments", len(req.Attachments))

	if err := h.client.Typing(m.ChannelID); err != nil {
		logger.Debug("Failed to send typing indicator", "error", err)
	}
	placeholderID, err = h.client.SendText(m.ChannelID, thinkingMessage)
	if err != nil {
		logger.Warn("Failed to send placeholder", "error", err)
		placeholderID = ""
	}

	start := time.Now()
	reply, err := h.orchestrator.Handle(ctx, req)
	if err != nil {
		logger.Error("Failed to handle message", "error", err)
		h.reportFailure(m.ChannelID, placeholderID, logger)
		return
	}

	if reply.Skipped {
		// Attachment warnings still go out; the empty text removes the placeholder
		if err := h.dispatcher.Dispatch(ctx, m.ChannelID, placeholderID, &conversation.Reply{Warnings: reply.Warnings}); err != nil {
			logger.Warn("Failed to clear placeholder", "error", err)
		}
		logger.Info("Message had nothing to relay",
			"message_id", m.ID,
			"warnings", len(reply.Warnings))
		return
	}

	if err := h.dispatcher.Dispatch(ctx, m.ChannelID, placeholderID, reply); err != nil {
		logger.Error("Failed to deliver reply", "error", err)
	}

	logger.Info("Replied to mention",
		"duration", time.Since(start),
		"response_length", len(reply.Text),
		"images", len(reply.Images)+len(reply.ImageURLs),
		"files", len(reply.Files),
		"warnings", len(reply.Warnings))
}

// reportFailure replaces the placeholder with the generic failure notice, or posts it
func (h *Handler) reportFailure(channelID, placeholderID string, logger *slog.Logger) {
	if placeholderID != "" {
		if err := h.client.EditText(channelID, placeholderID, failureMessage); err == nil {
			return
		}
	}
	if _, err := h.client.SendText(channelID, failureMessage); err != nil {
		logger.Error("Failed to send failure notice", "error", err)
	}
}

func isMentioned(mentions []*discordgo.User, botID string) bool {
	for _, mention := range mentions {
		if mention != nil && mention.ID == botID {
			return true
		}
	}
	return false
}

// extractQueryFromMention removes the bot mention in both <@id> and <@!id> forms
func extractQueryFromMention(content string, botID string) string {
	content = strings.ReplaceAll(content, fmt.Sprintf("<@%s>", botID), "")
	content = strings.ReplaceAll(content, fmt.Sprintf("<@!%s>", botID), "")
	return strings.TrimSpace(content)
}

func displayName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

func descriptors(attachments []*discordgo.MessageAttachment) []attachment.Descriptor {
	if len(attachments) == 0 {
		return nil
	}
	out := make([]attachment.Descriptor, 0, len(attachments))
	for _, a := range attachments {
		if a == nil {
			continue
		}
		out = append(out, attachment.Descriptor{
			URL:         a.URL,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        a.Size,
		})
	}
	return out
}
