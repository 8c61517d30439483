package bot

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// Session owns the bot token and the discordgo connection built from it
type Session struct {
	logger         *slog.Logger
	token          string
	discordSession *discordgo.Session
}

// NewSession creates a session; call IsTokenValid before Open
func NewSession(token string, logger *slog.Logger) *Session {
	return &Session{
		logger: logger,
		token:  strings.TrimSpace(token),
	}
}

// IsTokenValid checks the Discord bot token format
func (s *Session) IsTokenValid() error {
	if err := ValidateToken(s.token); err != nil {
		return err
	}
	s.logger.Debug("Token validation passed", "token_length", len(s.token))
	return nil
}

// ValidateToken rejects strings that cannot be a Discord bot token
func ValidateToken(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("bot token is empty")
	}
	if len(token) < 50 {
		return fmt.Errorf("token appears to be too short (expected at least 50 characters)")
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return fmt.Errorf("token format appears invalid (expected 3 dot-separated parts)")
	}
	if len(parts[0]) < 15 || len(parts[1]) < 5 || len(parts[2]) < 20 {
		return fmt.Errorf("token format appears invalid (parts too short)")
	}
	return nil
}

// Connect creates the discordgo session with the intents the relay needs. Handlers
// should be added before Open.
func (s *Session) Connect() (*discordgo.Session, error) {
	dg, err := discordgo.New("Bot " + s.token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	s.discordSession = dg
	return dg, nil
}

// Open starts the gateway connection
func (s *Session) Open() error {
	if s.discordSession == nil {
		return fmt.Errorf("discord session not initialized")
	}
	if err := s.discordSession.Open(); err != nil {
		return fmt.Errorf("failed to open Discord connection: %w", err)
	}
	return nil
}

// Close disconnects from the gateway
func (s *Session) Close() error {
	if s.discordSession == nil {
		return nil
	}
	return s.discordSession.Close()
}

// UpdatePresence sets the bot's status and activity
func (s *Session) UpdatePresence(status discordgo.Status, activity *discordgo.Activity) error {
	if s.discordSession == nil {
		return fmt.Errorf("discord session not initialized")
	}

	var activities []*discordgo.Activity
	if activity != nil {
		activities = []*discordgo.Activity{activity}
	}

	err := s.discordSession.UpdateStatusComplex(discordgo.UpdateStatusData{
		Status:     string(status),
		Activities: activities,
	})
	if err != nil {
		return fmt.Errorf("failed to update Discord presence: %w", err)
	}
	return nil
}
