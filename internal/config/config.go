// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Operative window for one upstream attempt.
const (
	MinUpstreamTimeout = 15 * time.Second
	MaxUpstreamTimeout = 30 * time.Second
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv     string `env:"APP_ENV" envDefault:"dev"`
	AppName    string `env:"APP_NAME" envDefault:"Elaina AI"`
	AppVersion string `env:"APP_VERSION" envDefault:"2.0.0"`
	AppCreator string `env:"APP_CREATOR" envDefault:"alwayslanz"`
	Port       int    `env:"PORT" envDefault:"3000"`
	// DBURL selects Postgres persistence; empty keeps conversations in memory.
	DBURL string `env:"DB_URL"`
	// RedisURL enables cross-process conversation locks; empty uses in-process locks.
	RedisURL string `env:"REDIS_URL"`

	// Upstream generative-language API. Keys are tried in the listed order.
	GeminiAPIKeys    []string      `env:"GEMINI_API_KEYS" envSeparator:","`
	GeminiBaseURL    string        `env:"GEMINI_BASE_URL" envDefault:"https://generativelanguage.googleapis.com/v1beta"`
	GeminiModel      string        `env:"GEMINI_MODEL" envDefault:"gemini-2.0-flash"`
	UpstreamTimeout  time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"15s"`
	BlockOnRateLimit bool          `env:"BLOCK_ON_RATE_LIMIT" envDefault:"false"`

	// Conversation context
	HistoryLimit     int `env:"HISTORY_LIMIT" envDefault:"20"`
	HistoryMaxTokens int `env:"HISTORY_MAX_TOKENS" envDefault:"6000"`

	// Personas
	PersonaDefault   string   `env:"PERSONA_DEFAULT"`
	PersonaDeveloper string   `env:"PERSONA_DEVELOPER"`
	PersonasFile     string   `env:"PERSONAS_FILE"`
	DeveloperUsers   []string `env:"DEVELOPER_USERNAMES" envSeparator:","`

	// Sessions
	SessionSecret          string        `env:"SESSION_SECRET"`
	SessionTTL             time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	SessionIdleTTL         time.Duration `env:"SESSION_IDLE_TTL" envDefault:"1h"`
	SessionCleanupInterval time.Duration `env:"SESSION_CLEANUP_INTERVAL" envDefault:"30m"`
	ChatLockTTL            time.Duration `env:"CHAT_LOCK_TTL" envDefault:"45s"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"ai-chat-proxy"`

	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"30"`
	// UserChatRatePerMin is the per-account chat quota; 0 disables it.
	UserChatRatePerMin    int           `env:"USER_CHAT_RATE_PER_MIN" envDefault:"20"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"45s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	DataRetentionDays     int           `env:"DATA_RETENTION_DAYS" envDefault:"90"`
	CleanupInterval       time.Duration `env:"CLEANUP_INTERVAL" envDefault:"24h"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	cfg.GeminiAPIKeys = cleanList(cfg.GeminiAPIKeys)
	cfg.DeveloperUsers = cleanList(cfg.DeveloperUsers)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with. An empty key
// pool is allowed: every chat call then fails with no credentials.
func (c Config) Validate() error {
	if c.IsProd() && c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required in prod")
	}
	if c.HistoryLimit < 0 {
		return fmt.Errorf("HISTORY_LIMIT must not be negative")
	}
	return nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// GetUpstreamTimeout returns the per-attempt upstream timeout clamped to the
// operative window. Test environments use the configured value as-is.
func (c Config) GetUpstreamTimeout() time.Duration {
	d := c.UpstreamTimeout
	if c.IsTest() && d > 0 {
		return d
	}
	if d < MinUpstreamTimeout {
		return MinUpstreamTimeout
	}
	if d > MaxUpstreamTimeout {
		return MaxUpstreamTimeout
	}
	return d
}

// IsDeveloper reports whether username is listed in DEVELOPER_USERNAMES.
func (c Config) IsDeveloper(username string) bool {
	for _, u := range c.DeveloperUsers {
		if strings.EqualFold(u, username) {
			return true
		}
	}
	return false
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
