package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/boddenberg/compassmetrics-bfa-go/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SESSION_INIT_TIMEOUT", "")
	t.Setenv("OPENAI_MODEL", "")

	cfg := config.Load()

	if cfg.SessionInitTimeout != 2*time.Second {
		t.Errorf("expected 2s init timeout, got %v", cfg.SessionInitTimeout)
	}
	if cfg.OpenAIModel != "gpt-3.5-turbo" {
		t.Errorf("expected default model, got %q", cfg.OpenAIModel)
	}
}

func TestSupabaseConfigured(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		key    string
		custom bool
		want   bool
	}{
		{"empty", "", "", false, false},
		{"placeholder url", "https://placeholder.supabase.co", "real-key", false, false},
		{"placeholder key", "https://abc.supabase.co", "placeholder_anon_key", false, false},
		{"real", "https://abc.supabase.co", "eyJhbGciOi", false, true},
		{"custom host rejected", "http://localhost:54321", "eyJhbGciOi", false, false},
		{"custom host allowed", "http://localhost:54321", "eyJhbGciOi", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{SupabaseURL: tt.url, SupabaseAnonKey: tt.key, SupabaseAllowCustomHost: tt.custom}
			if got := cfg.SupabaseConfigured(); got != tt.want {
				t.Errorf("SupabaseConfigured() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOpenAIConfigured(t *testing.T) {
	tests := map[string]bool{
		"":                         false,
		"your_openai_api_key_here": false,
		"pk-not-openai":            false,
		"sk-live-abc":              true,
	}
	for key, want := range tests {
		cfg := &config.Config{OpenAIAPIKey: key}
		if got := cfg.OpenAIConfigured(); got != want {
			t.Errorf("OpenAIConfigured(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestLinkedInMissing(t *testing.T) {
	cfg := &config.Config{SupabaseURL: "https://abc.supabase.co", LinkedInClientID: "id"}

	missing := cfg.LinkedInMissing()
	want := []string{"LINKEDIN_CLIENT_SECRET", "SUPABASE_ANON_KEY"}
	if len(missing) != len(want) {
		t.Fatalf("expected %v, got %v", want, missing)
	}
	for i := range want {
		if missing[i] != want[i] {
			t.Errorf("missing[%d] = %q, want %q", i, missing[i], want[i])
		}
	}
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "CM_TEST_EXISTING=from-file\nCM_TEST_NEW=from-file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("CM_TEST_EXISTING", "from-env")
	t.Setenv("CM_TEST_NEW", "")
	os.Unsetenv("CM_TEST_NEW")

	if err := config.LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}

	if got := os.Getenv("CM_TEST_EXISTING"); got != "from-env" {
		t.Errorf("expected env to win, got %q", got)
	}
	if got := os.Getenv("CM_TEST_NEW"); got != "from-file" {
		t.Errorf("expected value from file, got %q", got)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *config.Config {
		return &config.Config{
			Port:               8080,
			HTTPTimeout:        time.Second,
			MaxConcurrency:     10,
			SessionIdleTTL:     time.Minute,
			SessionInitTimeout: 2 * time.Second,
			RateLimitPerMinute: 20,
		}
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"port zero", func(c *config.Config) { c.Port = 0 }},
		{"port too high", func(c *config.Config) { c.Port = 70000 }},
		{"no timeout", func(c *config.Config) { c.HTTPTimeout = 0 }},
		{"negative retries", func(c *config.Config) { c.MaxRetries = -1 }},
		{"no concurrency", func(c *config.Config) { c.MaxConcurrency = 0 }},
		{"no idle ttl", func(c *config.Config) { c.SessionIdleTTL = 0 }},
		{"no init timeout", func(c *config.Config) { c.SessionInitTimeout = 0 }},
		{"no rate limit", func(c *config.Config) { c.RateLimitPerMinute = 0 }},
		{"migrations without db", func(c *config.Config) { c.RunMigrations = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected error")
			}
		})
	}
}
