package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	placeholderSupabaseURL = "https://placeholder.supabase.co"
	placeholderAnonKey     = "placeholder_anon_key"
	placeholderOpenAIKey   = "your_openai_api_key_here"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port          int
	LogLevel      string
	PublicBaseURL string
	CookieSecure  bool
	CORSOrigins   []string

	// HTTP client
	HTTPTimeout time.Duration

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int

	// Sessions
	SessionIdleTTL     time.Duration
	SessionInitTimeout time.Duration

	// Rate limiting (requests per minute per session, for login/register/chat)
	RateLimitPerMinute int

	// Observability
	OTLPEndpoint string

	// Supabase
	SupabaseURL             string
	SupabaseAnonKey         string
	SupabaseServiceKey      string
	SupabaseJWTSecret       string
	SupabaseAllowCustomHost bool

	// Optional direct Postgres row store
	DatabaseURL   string
	RunMigrations bool

	// Optional NATS bridge for cross-replica auth events
	NATSURL string

	// Chat
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	// LinkedIn OAuth
	LinkedInClientID     string
	LinkedInClientSecret string

	// Ad-platform credentials, checked by GET /v1/platforms/status
	PlatformCredentials map[string]map[string]string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:          getEnvInt("PORT", 8080),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		PublicBaseURL: strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),
		CookieSecure:  getEnvBool("COOKIE_SECURE", false),
		CORSOrigins:   getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 10*time.Second),

		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 100*time.Millisecond),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 50),

		SessionIdleTTL:     getEnvDuration("SESSION_IDLE_TTL", 30*time.Minute),
		SessionInitTimeout: getEnvDuration("SESSION_INIT_TIMEOUT", 2*time.Second),

		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 20),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		SupabaseURL:             strings.TrimRight(getEnv("SUPABASE_URL", ""), "/"),
		SupabaseAnonKey:         getEnv("SUPABASE_ANON_KEY", ""),
		SupabaseServiceKey:      getEnv("SUPABASE_SERVICE_ROLE_KEY", ""),
		SupabaseJWTSecret:       getEnv("SUPABASE_JWT_SECRET", ""),
		SupabaseAllowCustomHost: getEnvBool("SUPABASE_ALLOW_CUSTOM_HOST", false),

		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RunMigrations: getEnvBool("RUN_MIGRATIONS", false),

		NATSURL: getEnv("NATS_URL", ""),

		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: strings.TrimRight(getEnv("OPENAI_BASE_URL", "https://api.openai.com"), "/"),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-3.5-turbo"),

		LinkedInClientID:     getEnv("LINKEDIN_CLIENT_ID", ""),
		LinkedInClientSecret: getEnv("LINKEDIN_CLIENT_SECRET", ""),

		PlatformCredentials: map[string]map[string]string{
			"meta": {
				"META_ACCESS_TOKEN":  os.Getenv("META_ACCESS_TOKEN"),
				"META_AD_ACCOUNT_ID": os.Getenv("META_AD_ACCOUNT_ID"),
			},
			"google": {
				"GOOGLE_ADS_CUSTOMER_ID":     os.Getenv("GOOGLE_ADS_CUSTOMER_ID"),
				"GOOGLE_ADS_DEVELOPER_TOKEN": os.Getenv("GOOGLE_ADS_DEVELOPER_TOKEN"),
				"GOOGLE_ADS_ACCESS_TOKEN":    os.Getenv("GOOGLE_ADS_ACCESS_TOKEN"),
			},
			"tiktok": {
				"TIKTOK_ACCESS_TOKEN":  os.Getenv("TIKTOK_ACCESS_TOKEN"),
				"TIKTOK_ADVERTISER_ID": os.Getenv("TIKTOK_ADVERTISER_ID"),
			},
			"linkedin": {
				"LINKEDIN_ACCESS_TOKEN": os.Getenv("LINKEDIN_ACCESS_TOKEN"),
			},
			"twitter": {
				"TWITTER_BEARER_TOKEN":  os.Getenv("TWITTER_BEARER_TOKEN"),
				"TWITTER_AD_ACCOUNT_ID": os.Getenv("TWITTER_AD_ACCOUNT_ID"),
			},
		},
	}
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("config: PORT out of range: %d", c.Port)
	case c.HTTPTimeout <= 0:
		return fmt.Errorf("config: HTTP_TIMEOUT must be positive")
	case c.MaxRetries < 0:
		return fmt.Errorf("config: MAX_RETRIES must not be negative")
	case c.MaxConcurrency <= 0:
		return fmt.Errorf("config: MAX_CONCURRENCY must be positive")
	case c.SessionIdleTTL <= 0:
		return fmt.Errorf("config: SESSION_IDLE_TTL must be positive")
	case c.SessionInitTimeout <= 0:
		return fmt.Errorf("config: SESSION_INIT_TIMEOUT must be positive")
	case c.RateLimitPerMinute <= 0:
		return fmt.Errorf("config: RATE_LIMIT_PER_MINUTE must be positive")
	case c.RunMigrations && c.DatabaseURL == "":
		return fmt.Errorf("config: RUN_MIGRATIONS requires DATABASE_URL")
	}
	return nil
}

// SupabaseConfigured reports whether real Supabase credentials are present.
// Placeholder values and non-Supabase hosts select demo mode.
func (c *Config) SupabaseConfigured() bool {
	if c.SupabaseURL == "" || c.SupabaseAnonKey == "" {
		return false
	}
	if c.SupabaseURL == placeholderSupabaseURL || c.SupabaseAnonKey == placeholderAnonKey {
		return false
	}
	return c.SupabaseAllowCustomHost || strings.Contains(c.SupabaseURL, ".supabase.co")
}

// OpenAIConfigured reports whether the chat can call the completion API.
func (c *Config) OpenAIConfigured() bool {
	return c.OpenAIAPIKey != "" &&
		c.OpenAIAPIKey != placeholderOpenAIKey &&
		strings.HasPrefix(c.OpenAIAPIKey, "sk-")
}

// LinkedInMissing lists the settings the LinkedIn callback still needs.
func (c *Config) LinkedInMissing() []string {
	var missing []string
	for key, v := range map[string]string{
		"SUPABASE_URL":           c.SupabaseURL,
		"SUPABASE_ANON_KEY":      c.SupabaseAnonKey,
		"LINKEDIN_CLIENT_ID":     c.LinkedInClientID,
		"LINKEDIN_CLIENT_SECRET": c.LinkedInClientSecret,
	} {
		if v == "" {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	return missing
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
