package bot

import (
	"bytes"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// MessageSender is the subset of the chat platform used to deliver replies
type MessageSender interface {
	SendText(channelID, content string) (string, error)
	EditText(channelID, messageID, content string) error
	DeleteMessage(channelID, messageID string) error
	SendFile(channelID, name string, data []byte) error
	Typing(channelID string) error
}

// CommandResponder answers slash command interactions
type CommandResponder interface {
	Respond(interaction *discordgo.Interaction, response *discordgo.InteractionResponse) error
	Followup(interaction *discordgo.Interaction, params *discordgo.WebhookParams) error
	RegisterCommands(guildID string, commands []*discordgo.ApplicationCommand) error
}

// Client is everything the handler needs from Discord
type Client interface {
	MessageSender
	CommandResponder
}

// DiscordClient implements Client on top of a discordgo session
type DiscordClient struct {
	session *discordgo.Session
}

// NewDiscordClient wraps an open discordgo session
func NewDiscordClient(session *discordgo.Session) *DiscordClient {
	return &DiscordClient{session: session}
}

func (c *DiscordClient) SendText(channelID, content string) (string, error) {
	msg, err := c.session.ChannelMessageSend(channelID, content)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return msg.ID, nil
}

func (c *DiscordClient) EditText(channelID, messageID, content string) error {
	if _, err := c.session.ChannelMessageEdit(channelID, messageID, content); err != nil {
		return fmt.Errorf("failed to edit message %s: %w", messageID, err)
	}
	return nil
}

func (c *DiscordClient) DeleteMessage(channelID, messageID string) error {
	if err := c.session.ChannelMessageDelete(channelID, messageID); err != nil {
		return fmt.Errorf("failed to delete message %s: %w", messageID, err)
	}
	return nil
}

func (c *DiscordClient) SendFile(channelID, name string, data []byte) error {
	if _, err := c.session.ChannelFileSend(channelID, name, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to send file %s: %w", name, err)
	}
	return nil
}

func (c *DiscordClient) Typing(channelID string) error {
	return c.session.ChannelTyping(channelID)
}

func (c *DiscordClient) Respond(interaction *discordgo.Interaction, response *discordgo.InteractionResponse) error {
	return c.session.InteractionRespond(interaction, response)
}

func (c *DiscordClient) Followup(interaction *discordgo.Interaction, params *discordgo.WebhookParams) error {
	_, err := c.session.FollowupMessageCreate(interaction, true, params)
	return err
}

// RegisterCommands replaces the application's commands. An empty guildID registers
// them globally.
func (c *DiscordClient) RegisterCommands(guildID string, commands []*discordgo.ApplicationCommand) error {
	if c.session.State == nil || c.session.State.User == nil {
		return fmt.Errorf("discord session is not ready")
	}
	_, err := c.session.ApplicationCommandBulkOverwrite(c.session.State.User.ID, guildID, commands)
	if err != nil {
		return fmt.Errorf("failed to register commands: %w", err)
	}
	return nil
}
