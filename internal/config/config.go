package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath      = "config.toml"
	DefaultHTTPAddr        = ":8080"
	DefaultChatModel       = "gpt-4o"
	DefaultImageModel      = "dall-e-3"
	DefaultImageSize       = "1024x1024"
	DefaultIntentModel     = "gpt-4o-mini"
	DefaultVectorStoreName = "channel-relay-bot"
	DefaultSQLitePath      = "data/threads.db"
	DefaultSystemPrompt    = "You are a helpful assistant in a Discord server. Messages are prefixed with the author's display name. Keep answers concise and use Discord markdown."
)

type Config struct {
	Log          LogConfig          `toml:"log"`
	Server       ServerConfig       `toml:"server"`
	Discord      DiscordConfig      `toml:"discord"`
	OpenAI       OpenAIConfig       `toml:"openai"`
	Conversation ConversationConfig `toml:"conversation"`
	RateLimit    RateLimitConfig    `toml:"rate_limit"`
	Attachments  AttachmentConfig   `toml:"attachments"`
	Database     DatabaseConfig     `toml:"database"`
}

type LogConfig struct {
	Level string `toml:"level" validate:"oneof=debug info warn error"`
}

type ServerConfig struct {
	Addr string `toml:"addr" validate:"required"`
}

type DiscordConfig struct {
	// Token is only required by the serve command
	Token             string   `toml:"token"`
	GuildID           string   `toml:"guild_id" validate:"omitempty,numeric"`
	OwnerID           string   `toml:"owner_id" validate:"omitempty,numeric"`
	AllowedChannelIDs []string `toml:"allowed_channel_ids" validate:"dive,numeric"`
	AllowDMs          bool     `toml:"allow_dms"`
	Presence          string   `toml:"presence"`
}

type OpenAIConfig struct {
	APIKey          string        `toml:"api_key" validate:"required"`
	BaseURL         string        `toml:"base_url" validate:"omitempty,url"`
	Model           string        `toml:"model" validate:"required"`
	ImageModel      string        `toml:"image_model" validate:"required"`
	ImageSize       string        `toml:"image_size" validate:"required"`
	IntentModel     string        `toml:"intent_model" validate:"required"`
	SystemPrompt    string        `toml:"system_prompt"`
	MaxOutputTokens int           `toml:"max_output_tokens" validate:"gte=0"`
	VectorStoreID   string        `toml:"vector_store_id"`
	VectorStoreName string        `toml:"vector_store_name"`
	Timeout         time.Duration `toml:"timeout" validate:"gte=0"`
	MaxRetries      int           `toml:"max_retries" validate:"gte=0,lte=10"`
	WebSearch       bool          `toml:"web_search"`
	CodeInterpreter bool          `toml:"code_interpreter"`
	ImageTool       bool          `toml:"image_tool"`
}

type ConversationConfig struct {
	SerializePerChannel bool          `toml:"serialize_per_channel"`
	ImageIntentRouting  bool          `toml:"image_intent_routing"`
	StatusCacheTTL      time.Duration `toml:"status_cache_ttl" validate:"gte=0"`
}

type RateLimitConfig struct {
	PerMinute     int      `toml:"per_minute" validate:"gte=0"`
	PerHour       int      `toml:"per_hour" validate:"gte=0"`
	PerDay        int      `toml:"per_day" validate:"gte=0"`
	ExemptUserIDs []string `toml:"exempt_user_ids"`
}

type AttachmentConfig struct {
	MaxBytes int64         `toml:"max_bytes" validate:"gt=0"`
	Timeout  time.Duration `toml:"timeout" validate:"gt=0"`
}

type DatabaseConfig struct {
	Type  string      `toml:"type" validate:"oneof=sqlite mysql postgres"`
	Path  string      `toml:"path" validate:"required_if=Type sqlite"`
	URL   string      `toml:"url" validate:"required_if=Type postgres"`
	MySQL MySQLConfig `toml:"mysql"`
}

type MySQLConfig struct {
	Host     string `toml:"host"`
	Port     string `toml:"port" validate:"omitempty,numeric"`
	Database string `toml:"database"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	Timeout  string `toml:"timeout"`
}

// ConfigError reports a configuration value that could not be used
type ConfigError struct {
	Key     string
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	msg := e.Message
	if e.Key != "" {
		msg = e.Key + ": " + msg
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates a new configuration error
func NewConfigError(key, message string, cause error) *ConfigError {
	return &ConfigError{
		Key:     key,
		Message: message,
		Cause:   cause,
	}
}

// Default returns the configuration used when nothing overrides it
func Default() Config {
	return Config{
		Log:    LogConfig{Level: "info"},
		Server: ServerConfig{Addr: DefaultHTTPAddr},
		Discord: DiscordConfig{
			AllowDMs: true,
			Presence: "@mentions",
		},
		OpenAI: OpenAIConfig{
			Model:           DefaultChatModel,
			ImageModel:      DefaultImageModel,
			ImageSize:       DefaultImageSize,
			IntentModel:     DefaultIntentModel,
			SystemPrompt:    DefaultSystemPrompt,
			VectorStoreName: DefaultVectorStoreName,
			Timeout:         2 * time.Minute,
			MaxRetries:      2,
			WebSearch:       true,
			CodeInterpreter: true,
			ImageTool:       true,
		},
		Conversation: ConversationConfig{
			SerializePerChannel: true,
			ImageIntentRouting:  false,
			StatusCacheTTL:      30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			PerMinute: 2,
			PerHour:   10,
			PerDay:    25,
		},
		Attachments: AttachmentConfig{
			MaxBytes: 25 << 20,
			Timeout:  30 * time.Second,
		},
		Database: DatabaseConfig{
			Type: "sqlite",
			Path: DefaultSQLitePath,
			MySQL: MySQLConfig{
				Host:     "localhost",
				Port:     "3306",
				Database: "relay_bot",
				Timeout:  "30s",
			},
		},
	}
}

// Load reads the TOML file at path, applies environment overrides and validates the
// result. An empty path falls back to DefaultConfigPath, which may be absent.
func Load(path string) (Config, error) {
	cfg := Default()

	optional := path == ""
	if optional {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) || !optional {
			return cfg, NewConfigError("", "cannot read config file "+path, err)
		}
	} else if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, NewConfigError("", "invalid config file "+path, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks struct constraints and the cross-field rules tags cannot express
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return NewConfigError(first.Namespace(), fmt.Sprintf("failed %q validation", first.Tag()), err)
		}
		return NewConfigError("", "invalid configuration", err)
	}

	if c.Database.Type == "mysql" && (c.Database.MySQL.Host == "" || c.Database.MySQL.Database == "") {
		return NewConfigError("Config.Database.MySQL", "host and database are required for mysql", nil)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	envString("LOG_LEVEL", &cfg.Log.Level)
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Addr = ":" + port
	}

	// DISCORD_KEY is the historical name, BOT_TOKEN wins when both are set
	envString("DISCORD_KEY", &cfg.Discord.Token)
	envString("BOT_TOKEN", &cfg.Discord.Token)
	envString("DISCORD_GUILD_ID", &cfg.Discord.GuildID)
	envString("BOT_OWNER_ID", &cfg.Discord.OwnerID)
	envList("ALLOWED_CHANNEL_IDS", &cfg.Discord.AllowedChannelIDs)
	envString("BOT_PRESENCE", &cfg.Discord.Presence)

	envString("OPENAI_API_KEY", &cfg.OpenAI.APIKey)
	envString("OPENAI_BASE_URL", &cfg.OpenAI.BaseURL)
	envString("CHAT_MODEL", &cfg.OpenAI.Model)
	envString("IMAGE_MODEL", &cfg.OpenAI.ImageModel)
	envString("IMAGE_SIZE", &cfg.OpenAI.ImageSize)
	envString("INTENT_MODEL", &cfg.OpenAI.IntentModel)
	envString("BOT_SYSTEM_PROMPT", &cfg.OpenAI.SystemPrompt)
	envString("VECTOR_STORE_ID", &cfg.OpenAI.VectorStoreID)
	envString("VECTOR_STORE_NAME", &cfg.OpenAI.VectorStoreName)
	envList("RATE_LIMIT_EXEMPT_USER_IDS", &cfg.RateLimit.ExemptUserIDs)

	envString("DATABASE_TYPE", &cfg.Database.Type)
	envString("DATABASE_PATH", &cfg.Database.Path)
	envString("DATABASE_URL", &cfg.Database.URL)
	envString("MYSQL_HOST", &cfg.Database.MySQL.Host)
	envString("MYSQL_PORT", &cfg.Database.MySQL.Port)
	envString("MYSQL_DATABASE", &cfg.Database.MySQL.Database)
	envString("MYSQL_USERNAME", &cfg.Database.MySQL.Username)
	envString("MYSQL_PASSWORD", &cfg.Database.MySQL.Password)
	envString("MYSQL_TIMEOUT", &cfg.Database.MySQL.Timeout)

	return errors.Join(
		envInt("MAX_OUTPUT_TOKENS", &cfg.OpenAI.MaxOutputTokens),
		envInt("OPENAI_MAX_RETRIES", &cfg.OpenAI.MaxRetries),
		envDuration("OPENAI_TIMEOUT", &cfg.OpenAI.Timeout),
		envBool("ENABLE_WEB_SEARCH", &cfg.OpenAI.WebSearch),
		envBool("ENABLE_CODE_INTERPRETER", &cfg.OpenAI.CodeInterpreter),
		envBool("ENABLE_IMAGE_TOOL", &cfg.OpenAI.ImageTool),
		envBool("ALLOW_DMS", &cfg.Discord.AllowDMs),
		envBool("SERIALIZE_PER_CHANNEL", &cfg.Conversation.SerializePerChannel),
		envBool("IMAGE_INTENT_ROUTING", &cfg.Conversation.ImageIntentRouting),
		envDuration("STATUS_CACHE_TTL", &cfg.Conversation.StatusCacheTTL),
		envInt("IMAGE_RATE_LIMIT_PER_MINUTE", &cfg.RateLimit.PerMinute),
		envInt("IMAGE_RATE_LIMIT_PER_HOUR", &cfg.RateLimit.PerHour),
		envInt("IMAGE_RATE_LIMIT_PER_DAY", &cfg.RateLimit.PerDay),
		envInt64("ATTACHMENT_MAX_BYTES", &cfg.Attachments.MaxBytes),
		envDuration("ATTACHMENT_TIMEOUT", &cfg.Attachments.Timeout),
	)
}

func envString(key string, dst *string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		*dst = value
	}
}

func envList(key string, dst *[]string) {
	value := os.Getenv(key)
	if strings.TrimSpace(value) == "" {
		return
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func envInt(key string, dst *int) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return NewConfigError(key, "invalid integer value", err)
	}
	*dst = n
	return nil
}

func envInt64(key string, dst *int64) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return NewConfigError(key, "invalid integer value", err)
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return NewConfigError(key, "invalid boolean value", err)
	}
	*dst = b
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return NewConfigError(key, "invalid duration value", err)
	}
	*dst = d
	return nil
}
