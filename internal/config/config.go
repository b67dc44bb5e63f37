// Package config loads configuration for the support desk binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	NATS      NATSConfig      `yaml:"nats"`
	Auth      AuthConfig      `yaml:"auth"`
	LLM       LLMConfig       `yaml:"llm"`
	Agent     AgentConfig     `yaml:"agent"`
	Docs      DocsConfig      `yaml:"docs"`
	Discord   DiscordConfig   `yaml:"discord"`
	Slack     SlackConfig     `yaml:"slack"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	CORSOrigins  []string      `yaml:"cors_origins"`
}

// DatabaseConfig selects the conversation store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or mysql
	DSN    string `yaml:"dsn"`
}

// NATSConfig holds event feed settings. An empty URL disables the feed.
type NATSConfig struct {
	URL      string `yaml:"url"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Token    string `yaml:"token"`
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// LLMConfig selects the model provider.
type LLMConfig struct {
	Provider        string `yaml:"provider"` // openai or anthropic
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	OpenAIBaseURL   string `yaml:"openai_base_url"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	Model           string `yaml:"model"`
	MaxTokens       int    `yaml:"max_tokens"`
	EmbedModel      string `yaml:"embed_model"`
}

// AgentConfig holds conversation agent settings.
type AgentConfig struct {
	SystemPromptFile string        `yaml:"system_prompt_file"`
	MaxRounds        int           `yaml:"max_rounds"`
	IdleTTL          time.Duration `yaml:"idle_ttl"`
	EvictSchedule    string        `yaml:"evict_schedule"`
}

// DocsConfig points at the knowledge base.
type DocsConfig struct {
	Dir string `yaml:"dir"`
}

// DiscordConfig holds the chat front end settings. An empty token disables
// the bot.
type DiscordConfig struct {
	Token string `yaml:"token"`
}

// SlackConfig holds escalation paging settings.
type SlackConfig struct {
	BotToken          string `yaml:"bot_token"`
	EscalationChannel string `yaml:"escalation_channel"`
}

// RateLimitConfig holds per-subject API limits.
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 300 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "data/support-desk.db",
		},
		Auth: AuthConfig{
			JWTSecret: "development-secret-change-in-production",
		},
		LLM: LLMConfig{
			Provider:      "openai",
			OpenAIBaseURL: "http://localhost:11434/v1",
			Model:         "gpt-oss:20b",
			MaxTokens:     4096,
		},
		Agent: AgentConfig{
			SystemPromptFile: "system-prompt.txt",
			MaxRounds:        32,
			IdleTTL:          time.Hour,
			EvictSchedule:    "@every 5m",
		},
		RateLimit: RateLimitConfig{
			Requests: 60,
			Window:   time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
		Tracing: TracingConfig{
			Endpoint: "localhost:4318",
		},
	}
}

// Load applies defaults, then the YAML file named by CONFIG_FILE when set,
// then environment overrides, and validates the result.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.ReadTimeout = getDurationEnv("SERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getDurationEnv("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.Server.CORSOrigins = splitList(v)
	}

	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnv("DB_DSN", c.Database.DSN)

	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.CAFile = getEnv("NATS_CA_FILE", c.NATS.CAFile)
	c.NATS.CertFile = getEnv("NATS_CERT_FILE", c.NATS.CertFile)
	c.NATS.KeyFile = getEnv("NATS_KEY_FILE", c.NATS.KeyFile)
	c.NATS.Token = getEnv("NATS_TOKEN", c.NATS.Token)

	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)

	c.LLM.Provider = getEnv("LLM_PROVIDER", c.LLM.Provider)
	c.LLM.OpenAIAPIKey = getEnv("OPENAI_API_KEY", c.LLM.OpenAIAPIKey)
	c.LLM.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", c.LLM.OpenAIBaseURL)
	c.LLM.AnthropicAPIKey = getEnv("ANTHROPIC_API_KEY", c.LLM.AnthropicAPIKey)
	c.LLM.Model = getEnv("LLM_MODEL", c.LLM.Model)
	c.LLM.MaxTokens = getIntEnv("LLM_MAX_TOKENS", c.LLM.MaxTokens)
	c.LLM.EmbedModel = getEnv("EMBED_MODEL", c.LLM.EmbedModel)

	c.Agent.SystemPromptFile = getEnv("SYSTEM_PROMPT_FILE", c.Agent.SystemPromptFile)
	c.Agent.MaxRounds = getIntEnv("AGENT_MAX_ROUNDS", c.Agent.MaxRounds)
	c.Agent.IdleTTL = getDurationEnv("AGENT_IDLE_TTL", c.Agent.IdleTTL)
	c.Agent.EvictSchedule = getEnv("AGENT_EVICT_SCHEDULE", c.Agent.EvictSchedule)

	c.Docs.Dir = getEnv("DOCS_DIR", c.Docs.Dir)
	c.Discord.Token = getEnv("DISCORD_TOKEN", c.Discord.Token)
	c.Slack.BotToken = getEnv("SLACK_BOT_TOKEN", c.Slack.BotToken)
	c.Slack.EscalationChannel = getEnv("SLACK_ESCALATION_CHANNEL", c.Slack.EscalationChannel)

	c.RateLimit.Requests = getIntEnv("RATE_LIMIT_REQUESTS", c.RateLimit.Requests)
	c.RateLimit.Window = getDurationEnv("RATE_LIMIT_WINDOW", c.RateLimit.Window)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)

	c.Tracing.Enabled = getBoolEnv("TRACING_ENABLED", c.Tracing.Enabled)
	c.Tracing.Endpoint = getEnv("TRACING_ENDPOINT", c.Tracing.Endpoint)
}

func (c *Config) validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("DB_DSN is required"))
	}
	switch c.LLM.Provider {
	case "openai":
		if c.LLM.OpenAIAPIKey == "" && c.LLM.OpenAIBaseURL == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY or OPENAI_BASE_URL is required"))
		}
	case "anthropic":
		if c.LLM.AnthropicAPIKey == "" {
			errs = append(errs, errors.New("ANTHROPIC_API_KEY is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported LLM_PROVIDER %q", c.LLM.Provider))
	}
	if c.Agent.MaxRounds <= 0 {
		errs = append(errs, errors.New("AGENT_MAX_ROUNDS must be positive"))
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate limit requests and window must be positive"))
	}
	if c.Slack.BotToken != "" && c.Slack.EscalationChannel == "" {
		errs = append(errs, errors.New("SLACK_ESCALATION_CHANNEL is required with SLACK_BOT_TOKEN"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
