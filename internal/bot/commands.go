package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"

	"channel-relay-bot/internal/conversation"
)

const (
	clearedMessage       = "🗑️ Conversation history cleared for this channel."
	ownerOnlyMessage     = "⛔ Only the bot owner can use this command."
	reloadedMessage      = "🔄 Commands re-synced and caches dropped."
	imageFailedMessage   = "⚠️ Image generation failed. Please try again."
	statusEmbedColor     = 0x2ecc71
	generatedImageName   = "generated.png"
	noVectorStoreMessage = "_none_"
)

var slashCommands = []*discordgo.ApplicationCommand{
	{
		Name:        "image",
		Description: "Generate an image from a prompt",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "prompt",
				Description: "What to draw",
				Required:    true,
			},
		},
	},
	{
		Name:        "clear",
		Description: "Forget the conversation in this channel",
	},
	{
		Name:        "status",
		Description: "Show bot status",
	},
	{
		Name:        "reload",
		Description: "Re-sync commands and drop caches (owner only)",
	},
}

// HandleInteractionCreate dispatches slash commands
func (h *Handler) HandleInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	h.handleInteraction(context.Background(), i.Interaction)
}

func (h *Handler) handleInteraction(ctx context.Context, i *discordgo.Interaction) {
	if i == nil || i.Type != discordgo.InteractionApplicationCommand {
		return
	}

	data := i.ApplicationCommandData()
	logger := h.logger.With(
		"command", data.Name,
		"channel_id", i.ChannelID,
		"user_id", interactionUserID(i))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic while handling command",
				"panic", r,
				"stack", string(debug.Stack()))
			h.reportCommandFailure(i, data.Name, logger)
		}
	}()

	var err error
	switch data.Name {
	case "image":
		err = h.handleImageCommand(ctx, i, stringOption(data.Options, "prompt"), logger)
	case "clear":
		err = h.handleClearCommand(ctx, i, logger)
	case "status":
		err = h.handleStatusCommand(ctx, i, logger)
	case "reload":
		err = h.handleReloadCommand(i, logger)
	default:
		logger.Warn("Unknown command")
		return
	}
	if err != nil {
		logger.Error("Failed to answer command", "error", err)
	}
}

// reportCommandFailure answers an interaction that could not complete. /image has already
// been deferred, so it needs a followup rather than a second response.
func (h *Handler) reportCommandFailure(i *discordgo.Interaction, name string, logger *slog.Logger) {
	var err error
	if name == "image" {
		err = h.client.Followup(i, &discordgo.WebhookParams{Content: failureMessage})
	} else {
		err = h.respondEphemeral(i, failureMessage)
	}
	if err != nil {
		logger.Error("Failed to send failure notice", "error", err)
	}
}

func (h *Handler) handleImageCommand(ctx context.Context, i *discordgo.Interaction, prompt string, logger *slog.Logger) error {
	err := h.client.Respond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})
	if err != nil {
		return fmt.Errorf("failed to defer response: %w", err)
	}

	image, err := h.orchestrator.GenerateImage(ctx, interactionUserID(i), prompt)
	if err != nil {
		var limited *conversation.RateLimitError
		if errors.As(err, &limited) {
			logger.Info("Image generation rate limited", "window", limited.Result.TimeWindow)
			return h.client.Followup(i, &discordgo.WebhookParams{Content: limited.Error()})
		}
		logger.Error("Image generation failed", "error", err)
		return h.client.Followup(i, &discordgo.WebhookParams{Content: imageFailedMessage})
	}

	return h.client.Followup(i, &discordgo.WebhookParams{
		Content: fmt.Sprintf("**%s**", prompt),
		Files: []*discordgo.File{{
			Name:        generatedImageName,
			ContentType: "image/png",
			Reader:      bytes.NewReader(image),
		}},
	})
}

func (h *Handler) handleClearCommand(ctx context.Context, i *discordgo.Interaction, logger *slog.Logger) error {
	content := clearedMessage

	channelID, err := strconv.ParseInt(i.ChannelID, 10, 64)
	if err == nil {
		err = h.orchestrator.Clear(ctx, channelID)
	}
	if err != nil {
		logger.Error("Failed to clear conversation", "error", err)
		content = failureMessage
	}
	return h.respondEphemeral(i, content)
}

func (h *Handler) handleStatusCommand(ctx context.Context, i *discordgo.Interaction, logger *slog.Logger) error {
	status, err := h.orchestrator.Status(ctx)
	if err != nil {
		logger.Error("Failed to collect status", "error", err)
		return h.respondEphemeral(i, failureMessage)
	}

	return h.client.Respond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{statusEmbed(status)},
		},
	})
}

func (h *Handler) handleReloadCommand(i *discordgo.Interaction, logger *slog.Logger) error {
	if h.config.OwnerID == "" || interactionUserID(i) != h.config.OwnerID {
		return h.respondEphemeral(i, ownerOnlyMessage)
	}

	if err := h.client.RegisterCommands(h.config.GuildID, slashCommands); err != nil {
		logger.Error("Failed to re-sync commands", "error", err)
		return h.respondEphemeral(i, failureMessage)
	}
	h.orchestrator.DropCaches()
	logger.Info("Reloaded commands")
	return h.respondEphemeral(i, reloadedMessage)
}

func (h *Handler) respondEphemeral(i *discordgo.Interaction, content string) error {
	return h.client.Respond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
}

func statusEmbed(status *conversation.Status) *discordgo.MessageEmbed {
	indexID := status.IndexID
	if indexID == "" {
		indexID = noVectorStoreMessage
	}

	return &discordgo.MessageEmbed{
		Title: "Bot Status",
		Color: statusEmbedColor,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Uptime", Value: formatUptime(status.Uptime), Inline: true},
			{Name: "Model", Value: status.Model, Inline: true},
			{Name: "Active channel threads", Value: strconv.Itoa(status.ActiveThreads), Inline: true},
			{Name: "Vector store files", Value: strconv.Itoa(status.IndexedDocuments), Inline: true},
			{Name: "Vector store ID", Value: indexID, Inline: false},
		},
	}
}

// formatUptime renders a duration as "Xh Ym Zs"
func formatUptime(d time.Duration) string {
	total := int(d.Seconds())
	return fmt.Sprintf("%dh %dm %ds", total/3600, (total%3600)/60, total%60)
}

func interactionUserID(i *discordgo.Interaction) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func stringOption(options []*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	for _, opt := range options {
		if opt.Name == name && opt.Type == discordgo.ApplicationCommandOptionString {
			return opt.StringValue()
		}
	}
	return ""
}
