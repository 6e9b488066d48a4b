package handler

import (
	"context"
	"net/http"
	"net/url"
	"time"

	chathandler "github.com/boddenberg/compassmetrics-bfa-go/internal/chat/handler"
	chatservice "github.com/boddenberg/compassmetrics-bfa-go/internal/chat/service"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/config"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/domain"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/infra/observability"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/oauth"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/payment"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/policy"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/port"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// HealthCheck is a named dependency probed by /healthz.
type HealthCheck struct {
	Name    string
	Checker port.HealthChecker
}

// Deps wires the router. Chat, Payments and LinkedIn are optional; their
// routes are only mounted when set.
type Deps struct {
	Config   *config.Config
	Mode     string
	Sessions *session.Manager
	Metrics  *observability.Metrics
	Chat     *chatservice.ChatService
	Payments *payment.Service
	LinkedIn http.Handler
	Limiter  *RateLimiter
	Checks   []HealthCheck
	Breakers []*gobreaker.CircuitBreaker
	Logger   *zap.Logger
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(d Deps) http.Handler {
	cfg := d.Config
	logger := d.Logger

	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(d.Mode, d.Checks, d.Breakers))
	r.Get("/readyz", readyzHandler())
	r.Handle("/metrics", promhttp.HandlerFor(d.Metrics.Registry, promhttp.HandlerOpts{}))

	// --- LinkedIn OAuth callback (no session: state carries the user token) ---
	if d.LinkedIn != nil {
		r.Handle(oauth.CallbackPath, d.LinkedIn)
	}

	limit := func(route string, key KeyFunc) func(http.Handler) http.Handler {
		if d.Limiter == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return d.Limiter.Middleware(route, key)
	}
	withSession := SessionMiddleware(d.Sessions, cfg.CookieSecure, logger)

	// =============================================
	// Pages (route guard)
	// =============================================
	r.Group(func(r chi.Router) {
		r.Use(withSession)
		pages := pageHandler(d.Metrics, logger)
		for _, p := range policy.Paths() {
			r.Get(p, pages)
		}
	})

	// =============================================
	// API v1
	// =============================================
	r.Route("/v1", func(r chi.Router) {
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusNotFound, "route not found")
		})

		// Credentials are limited per client IP before any store is opened.
		r.With(limit("login", ByClientIP), withSession).Post("/session/login", loginHandler(d.Sessions, cfg.CookieSecure, logger))
		r.With(limit("register", ByClientIP), withSession).Post("/session/register", registerHandler(d.Sessions, cfg.CookieSecure, logger))

		r.Group(func(r chi.Router) {
			r.Use(withSession)

			// Session
			r.Get("/session", getSessionHandler())
			r.Get("/session/events", sessionEventsHandler(originPatterns(cfg.CORSOrigins), logger))
			r.Post("/session/logout", logoutHandler(d.Sessions, cfg.CookieSecure))

			// Plan
			r.Post("/onboarding/plan", selectPlanHandler(logger))
			if d.Payments != nil {
				r.Post("/payments/checkout", checkoutHandler(d.Payments, logger))
			}

			// Profile & platforms
			r.Put("/profile", updateProfileHandler(logger))
			r.Post("/platforms/{platformId}/connect", connectPlatformHandler(logger))
			r.Delete("/platforms/{platformId}", disconnectPlatformHandler(logger))
			r.Get("/platforms/status", platformStatusHandler(cfg.PlatformCredentials))

			// Chat
			if d.Chat != nil {
				r.With(limit("chat", BySession)).Post("/chat", chathandler.ChatHandler(d.Chat, resolvedIdentity, logger))
				r.Get("/chat/greeting", chathandler.GreetingHandler(d.Chat, resolvedIdentity))
			}

			// Guard dry-run & metrics
			r.Get("/access", accessHandler(logger))
			r.Get("/metrics/chat", chatMetricsHandler(d.Metrics))
		})
	})

	// Anything else: pages go to the entry page, other methods get a 404.
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			http.Redirect(w, r, policy.EntryPath, http.StatusFound)
			return
		}
		writeError(w, http.StatusNotFound, "route not found")
	})

	return r
}

// resolvedIdentity waits for the restore, then returns the signed-in identity.
func resolvedIdentity(r *http.Request) *domain.Identity {
	store := StoreFromContext(r.Context())
	if store == nil {
		return nil
	}
	waitResolved(r, store)
	return store.Snapshot().Identity
}

// ============================================================
// GET /v1/access?path=
// ============================================================

type accessResponse struct {
	Path     string          `json:"path"`
	Known    bool            `json:"known"`
	Class    string          `json:"class"`
	State    string          `json:"state"`
	Decision policy.Decision `json:"decision"`
}

// accessHandler evaluates the route guard for path without navigating.
// It does not wait for the restore, so clients can observe the wait outcome.
func accessHandler(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		if path == "" {
			handleServiceError(w, &domain.ErrValidation{Field: "path", Message: "path is required"}, logger)
			return
		}

		state := policy.StateOf(StoreFromContext(r.Context()).Snapshot())
		resp := accessResponse{Path: path, State: state.String()}

		class, ok := policy.Classify(path)
		if !ok {
			resp.Decision = policy.Decision{Outcome: policy.RedirectEntry, Location: policy.EntryPath}
			writeJSON(w, http.StatusOK, resp)
			return
		}
		resp.Known = true
		resp.Class = class.String()
		resp.Decision = policy.Decide(state, class)
		writeJSON(w, http.StatusOK, resp)
	}
}

// ============================================================
// Operational
// ============================================================

const healthProbeTimeout = 2 * time.Second

func healthzHandler(mode string, checks []HealthCheck, breakers []*gobreaker.CircuitBreaker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().Format(time.RFC3339)

		services := []domain.ServiceHealth{
			{Name: "bfa-api", Status: "healthy", LastChecked: now},
		}

		for _, c := range checks {
			ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
			start := time.Now()
			err := c.Checker.Ping(ctx)
			cancel()

			sh := domain.ServiceHealth{
				Name:        c.Name,
				Status:      "healthy",
				LatencyMs:   time.Since(start).Milliseconds(),
				LastChecked: now,
			}
			if err != nil {
				sh.Status = "degraded"
				sh.Detail = err.Error()
			}
			services = append(services, sh)
		}

		for _, cb := range breakers {
			sh := domain.ServiceHealth{
				Name:        cb.Name() + "-circuit",
				Status:      "healthy",
				LastChecked: now,
				Detail:      cb.State().String(),
			}
			if cb.State() != gobreaker.StateClosed {
				sh.Status = "degraded"
			}
			services = append(services, sh)
		}

		overallStatus := "healthy"
		for _, s := range services {
			if s.Status == "unhealthy" {
				overallStatus = "unhealthy"
				break
			}
			if s.Status == "degraded" {
				overallStatus = "degraded"
			}
		}

		writeJSON(w, http.StatusOK, domain.HealthStatus{
			Status:   overallStatus,
			Mode:     mode,
			Services: services,
		})
	}
}

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func chatMetricsHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.GetChatSnapshot())
	}
}

// originPatterns turns allowed CORS origins into websocket host patterns.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}
