package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	chatinfra "github.com/boddenberg/compassmetrics-bfa-go/internal/chat/infra"
	chatservice "github.com/boddenberg/compassmetrics-bfa-go/internal/chat/service"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/config"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/handler"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/infra/events"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/infra/observability"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/infra/postgres"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/infra/resilience"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/infra/supabase"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/oauth"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/payment"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/port"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/session"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const checkoutDelay = 2 * time.Second

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.Bool("supabase_configured", cfg.SupabaseConfigured()),
		zap.Bool("openai_configured", cfg.OpenAIConfigured()),
		zap.Bool("postgres_rows", cfg.DatabaseURL != ""),
		zap.Bool("nats_bridge", cfg.NATSURL != ""),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Duration("session_idle_ttl", cfg.SessionIdleTTL),
		zap.Duration("session_init_timeout", cfg.SessionInitTimeout),
		zap.Int("max_retries", cfg.MaxRetries),
	)

	// --- Tracing ---
	shutdownTracer, err := observability.InitTracer(cfg.OTLPEndpoint, "compassmetrics-bfa")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}
	supabaseCB := resilience.NewCircuitBreaker("supabase")
	openaiCB := resilience.NewCircuitBreaker("openai")
	linkedinCB := resilience.NewCircuitBreaker("linkedin")
	breakers := []*gobreaker.CircuitBreaker{supabaseCB, openaiCB, linkedinCB}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	// --- Session modes ---
	var (
		mode     = session.ModeDemo
		factory  session.ModeFactory
		users    port.UserResolver
		profiles port.ProfileStore
		checks   []handler.HealthCheck
	)

	if cfg.SupabaseConfigured() {
		mode = session.ModeBackend
		supabaseClient := supabase.NewClient(
			httpClient,
			cfg.SupabaseURL,
			cfg.SupabaseAnonKey,
			cfg.SupabaseServiceKey,
			supabaseCB,
			resilienceCfg,
			logger,
		).WithJWTSecret(cfg.SupabaseJWTSecret)
		users = supabaseClient
		profiles = supabaseClient
		checks = append(checks, handler.HealthCheck{Name: "supabase", Checker: supabaseClient})

		if cfg.DatabaseURL != "" {
			if cfg.RunMigrations {
				if err := postgres.RunMigrations(cfg.DatabaseURL); err != nil {
					logger.Fatal("database migrations failed", zap.Error(err))
				}
				logger.Info("database migrations applied")
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			db, err := postgres.Open(ctx, cfg.DatabaseURL)
			cancel()
			if err != nil {
				logger.Fatal("failed to open database", zap.Error(err))
			}
			defer db.Close()

			repo := postgres.NewProfileRepository(db)
			profiles = repo
			checks = append(checks, handler.HealthCheck{Name: "postgres", Checker: repo})
			logger.Info("profile rows served from Postgres")
		}

		factory = func(refreshToken string) session.Mode {
			return session.NewBackendMode(supabaseClient.NewAuthClient(refreshToken), profiles, logger)
		}
		logger.Info("session mode: backend", zap.String("supabase_url", cfg.SupabaseURL))
	} else {
		factory = func(string) session.Mode { return session.NewDemoMode() }
		logger.Warn("session mode: demo (Supabase not configured)")
	}

	sessions := session.NewManager(factory, cfg.SessionIdleTTL, metrics, logger,
		session.WithInitTimeout(cfg.SessionInitTimeout),
	)
	defer sessions.Close()

	// --- Sign-out fan-out ---
	var bus port.SignOutBus = events.NewLocalBus()
	if cfg.NATSURL != "" {
		natsBus, err := events.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			logger.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsBus.Close()
		bus = natsBus
		checks = append(checks, handler.HealthCheck{Name: "nats", Checker: natsBus})
	}
	if err := sessions.AttachBus(bus); err != nil {
		logger.Fatal("failed to subscribe to auth events", zap.Error(err))
	}

	// --- Chat ---
	canned := chatservice.NewCannedStrategy()
	var strategies []chatservice.ChatStrategy
	if cfg.OpenAIConfigured() {
		completer := chatinfra.NewOpenAIClient(httpClient, cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, openaiCB, resilienceCfg)
		strategies = append(strategies, chatservice.NewLLMStrategy(completer, cfg.OpenAIModel, metrics, logger))
		logger.Info("chat: OpenAI enabled", zap.String("model", cfg.OpenAIModel))
	} else {
		logger.Info("chat: OpenAI not configured, using canned answers")
	}
	strategies = append(strategies, canned)
	chatSvc := chatservice.NewChatService(strategies, canned, metrics, logger)

	// --- Payment ---
	payments := payment.NewService(cfg.PublicBaseURL, checkoutDelay, logger)

	// --- LinkedIn OAuth ---
	linkedin := oauth.NewLinkedInCallback(oauth.LinkedInConfig{
		ClientID:      cfg.LinkedInClientID,
		ClientSecret:  cfg.LinkedInClientSecret,
		PublicBaseURL: cfg.PublicBaseURL,
		HTTPClient:    httpClient,
		Breaker:       linkedinCB,
	}, users, profiles, logger)
	linkedin.OnConnected = func(ctx context.Context, userID string) {
		sessions.ReloadUser(ctx, userID)
	}
	if missing := linkedin.Missing(); len(missing) > 0 {
		logger.Warn("linkedin callback not configured", zap.Strings("missing", missing))
	}

	// --- Rate limiting ---
	limiter := handler.NewRateLimiter(cfg.RateLimitPerMinute, metrics, logger)
	defer limiter.Stop()

	// --- Router ---
	router := handler.NewRouter(handler.Deps{
		Config:   cfg,
		Mode:     mode,
		Sessions: sessions,
		Metrics:  metrics,
		Chat:     chatSvc,
		Payments: payments,
		LinkedIn: linkedin,
		Limiter:  limiter,
		Checks:   checks,
		Breakers: breakers,
		Logger:   logger,
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port), zap.String("mode", mode))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
