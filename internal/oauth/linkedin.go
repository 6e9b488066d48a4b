// Package oauth completes third-party OAuth flows that attach an ad
// platform to a user's profile.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/boddenberg/compassmetrics-bfa-go/internal/domain"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/port"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/linkedin"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("compassmetrics-bfa/oauth")

// CallbackPath is where LinkedIn redirects after consent. It must match
// the redirect URI registered with the LinkedIn app.
const CallbackPath = "/functions/v1/linkedin-callback"

// Error codes reported to the settings page.
const (
	ErrNoCode              = "no_code"
	ErrTokenExchangeFailed = "token_exchange_failed"
	ErrUserNotFound        = "user_not_found"
	ErrProfileFetchFailed  = "profile_fetch_failed"
	ErrProfileUpdateFailed = "profile_update_failed"
	ErrServerError         = "server_error"
)

// LinkedInConfig configures the callback.
type LinkedInConfig struct {
	ClientID     string
	ClientSecret string
	// PublicBaseURL is the browser-facing origin. When empty the origin is
	// taken from the request.
	PublicBaseURL string
	// Endpoint overrides the LinkedIn endpoint, for tests.
	Endpoint *oauth2.Endpoint
	// HTTPClient is used for the token exchange.
	HTTPClient *http.Client
	// Breaker guards the token endpoint. Codes are single-use, so the
	// exchange is never retried.
	Breaker *gobreaker.CircuitBreaker
}

// LinkedInCallback exchanges the authorization code, stores the tokens on
// the user's profile row and adds linkedin to the connected platforms.
// The OAuth state carries the user's auth access token.
type LinkedInCallback struct {
	cfg      LinkedInConfig
	users    port.UserResolver
	profiles port.ProfileStore
	logger   *zap.Logger
	now      func() time.Time

	// OnConnected is called after the profile row was updated.
	OnConnected func(ctx context.Context, userID string)
}

// NewLinkedInCallback creates the handler. users or profiles may be nil
// when no auth backend is configured; the handler then answers 500.
func NewLinkedInCallback(cfg LinkedInConfig, users port.UserResolver, profiles port.ProfileStore, logger *zap.Logger) *LinkedInCallback {
	return &LinkedInCallback{
		cfg:      cfg,
		users:    users,
		profiles: profiles,
		logger:   logger,
		now:      time.Now,
	}
}

// Missing lists the configuration the callback cannot run without.
func (h *LinkedInCallback) Missing() []string {
	var missing []string
	if h.users == nil || h.profiles == nil {
		missing = append(missing, "SUPABASE_URL", "SUPABASE_ANON_KEY")
	}
	if h.cfg.ClientID == "" {
		missing = append(missing, "LINKEDIN_CLIENT_ID")
	}
	if h.cfg.ClientSecret == "" {
		missing = append(missing, "LINKEDIN_CLIENT_SECRET")
	}
	return missing
}

func (h *LinkedInCallback) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "authorization, x-client-info, apikey, content-type")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
		return
	}

	origin := h.origin(r)
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("linkedin callback panicked", zap.Any("panic", rec))
			h.redirect(w, r, origin, ErrServerError)
		}
	}()

	if missing := h.Missing(); len(missing) > 0 {
		h.logger.Error("linkedin callback not configured", zap.Strings("missing", missing))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"Server configuration error"}`))
		return
	}

	code := h.complete(r.Context(), r.URL.Query(), origin)
	h.redirect(w, r, origin, code)
}

// complete runs the flow and returns "" on success or an error code.
func (h *LinkedInCallback) complete(ctx context.Context, q url.Values, origin string) string {
	ctx, span := tracer.Start(ctx, "LinkedIn.Callback")
	defer span.End()

	if providerErr := q.Get("error"); providerErr != "" {
		h.logger.Warn("linkedin authorization denied",
			zap.String("error", providerErr),
			zap.String("description", q.Get("error_description")),
		)
		return providerErr
	}
	code := q.Get("code")
	if code == "" {
		h.logger.Warn("linkedin callback without code")
		return ErrNoCode
	}

	// The exchange and the user lookup are independent. The first to fail
	// cancels the other and decides the reported code.
	var (
		token *oauth2.Token
		user  *domain.AuthUser
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t, err := h.exchange(gctx, code, origin)
		if err != nil {
			return &stepError{code: exchangeErrorCode(err), msg: "linkedin token exchange failed", err: err}
		}
		token = t
		return nil
	})
	g.Go(func() error {
		u, err := h.users.GetUser(gctx, q.Get("state"))
		if err == nil && u == nil {
			err = errNoUser
		}
		if err != nil {
			return &stepError{code: ErrUserNotFound, msg: "linkedin state does not resolve to a user", err: err}
		}
		user = u
		return nil
	})
	if err := g.Wait(); err != nil {
		var se *stepError
		if !errors.As(err, &se) {
			h.logger.Error("linkedin callback failed", zap.Error(err))
			return ErrServerError
		}
		h.logger.Warn(se.msg, zap.Error(se.err))
		return se.code
	}

	span.SetAttributes(attribute.String("user.id", user.ID))

	rec, err := h.profiles.GetProfile(ctx, user.ID)
	if err != nil {
		h.logger.Warn("linkedin: profile fetch failed", zap.String("user_id", user.ID), zap.Error(err))
		return ErrProfileFetchFailed
	}

	platforms := append([]string{}, rec.ConnectedPlatforms...)
	if !contains(platforms, domain.PlatformLinkedIn) {
		platforms = append(platforms, domain.PlatformLinkedIn)
	}

	upd := domain.ProfileUpdate{
		ConnectedPlatforms: platforms,
		LinkedIn:           h.tokens(token),
	}
	if err := h.profiles.UpdateProfile(ctx, user.ID, upd); err != nil {
		h.logger.Warn("linkedin: profile update failed", zap.String("user_id", user.ID), zap.Error(err))
		return ErrProfileUpdateFailed
	}

	h.logger.Info("linkedin connected", zap.String("user_id", user.ID))
	if h.OnConnected != nil {
		h.OnConnected(ctx, user.ID)
	}
	return ""
}

func (h *LinkedInCallback) exchange(ctx context.Context, code, origin string) (*oauth2.Token, error) {
	endpoint := linkedin.Endpoint
	if h.cfg.Endpoint != nil {
		endpoint = *h.cfg.Endpoint
	}
	conf := &oauth2.Config{
		ClientID:     h.cfg.ClientID,
		ClientSecret: h.cfg.ClientSecret,
		Endpoint:     endpoint,
		RedirectURL:  origin + CallbackPath,
	}
	if h.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, h.cfg.HTTPClient)
	}
	if h.cfg.Breaker == nil {
		return conf.Exchange(ctx, code)
	}
	out, err := h.cfg.Breaker.Execute(func() (any, error) {
		return conf.Exchange(ctx, code)
	})
	if err != nil {
		return nil, err
	}
	return out.(*oauth2.Token), nil
}

var errNoUser = errors.New("no user for state token")

// stepError carries the code reported for a failed callback step.
type stepError struct {
	code string
	msg  string
	err  error
}

func (e *stepError) Error() string { return e.msg + ": " + e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

// exchangeErrorCode prefers LinkedIn's own description of the failure.
func exchangeErrorCode(err error) string {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.ErrorDescription != "" {
		return re.ErrorDescription
	}
	return ErrTokenExchangeFailed
}

// tokens converts the exchange result, computing expiries from now.
func (h *LinkedInCallback) tokens(t *oauth2.Token) *domain.LinkedInTokens {
	out := &domain.LinkedInTokens{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    t.Expiry,
	}
	if out.ExpiresAt.IsZero() {
		out.ExpiresAt = h.now().Add(time.Duration(extraSeconds(t, "expires_in")) * time.Second)
	}
	if secs := extraSeconds(t, "refresh_token_expires_in"); secs > 0 {
		out.RefreshTokenExpiresAt = h.now().Add(time.Duration(secs) * time.Second)
	}
	return out
}

func (h *LinkedInCallback) origin(r *http.Request) string {
	if h.cfg.PublicBaseURL != "" {
		return strings.TrimRight(h.cfg.PublicBaseURL, "/")
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func (h *LinkedInCallback) redirect(w http.ResponseWriter, r *http.Request, origin, errCode string) {
	target := origin + "/settings?linkedin_status=success"
	if errCode != "" {
		target = origin + "/settings?linkedin_status=error&error=" + url.QueryEscape(errCode)
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// extraSeconds reads a numeric field of the raw token response.
func extraSeconds(t *oauth2.Token, key string) int64 {
	switch v := t.Extra(key).(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	case fmt.Stringer:
		n, _ := strconv.ParseInt(v.String(), 10, 64)
		return n
	}
	return 0
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
