package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/boddenberg/compassmetrics-bfa-go/internal/domain"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/session"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type contextKey string

const (
	sessionIDKey contextKey = "sessionID"
	storeKey     contextKey = "sessionStore"
)

// Cookie names. cm_session identifies the browser; cm_refresh carries the
// auth backend's refresh token so a new store can restore the session.
const (
	SessionCookie = "cm_session"
	RefreshCookie = "cm_refresh"
)

const refreshCookieMaxAge = 30 * 24 * time.Hour

// SessionMiddleware attaches the browser's Session Store to the request
// context. Only ids this server issued are honoured; anything else gets a
// fresh id and cookie.
func SessionMiddleware(sessions *session.Manager, cookieSecure bool, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				sessionID string
				store     *session.Store
			)
			if c, err := r.Cookie(SessionCookie); err == nil {
				if s, ok := sessions.Get(c.Value); ok {
					sessionID, store = c.Value, s
				}
			}
			if store == nil {
				refreshToken := ""
				if c, err := r.Cookie(RefreshCookie); err == nil {
					refreshToken = c.Value
				}
				sessionID = uuid.NewString()
				store = sessions.Open(sessionID, refreshToken)
				http.SetCookie(w, sessionCookie(sessionID, cookieSecure))
				logger.Debug("session: new browser session", zap.String("session_id", sessionID))
			}

			syncRefreshCookie(w, r, store, cookieSecure)

			ctx := context.WithValue(r.Context(), sessionIDKey, sessionID)
			ctx = context.WithValue(ctx, storeKey, store)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// rotateSession moves the request's store to a new id after a privilege
// change and reissues the cookie.
func rotateSession(w http.ResponseWriter, r *http.Request, sessions *session.Manager, secure bool) {
	newID, ok := sessions.Rotate(SessionIDFromContext(r.Context()))
	if !ok {
		return
	}
	http.SetCookie(w, sessionCookie(newID, secure))
}

func sessionCookie(id string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// StoreFromContext returns the request's Session Store, or nil outside SessionMiddleware.
func StoreFromContext(ctx context.Context) *session.Store {
	s, _ := ctx.Value(storeKey).(*session.Store)
	return s
}

// SessionIDFromContext returns the browser session id.
func SessionIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(sessionIDKey).(string)
	return v
}

// identityFromRequest returns the signed-in identity, or nil.
func identityFromRequest(r *http.Request) *domain.Identity {
	store := StoreFromContext(r.Context())
	if store == nil {
		return nil
	}
	return store.Snapshot().Identity
}

// syncRefreshCookie mirrors the store's refresh token into the cookie. A
// cookie is only cleared once the store has resolved to anonymous, so a
// restore still in flight keeps its token.
func syncRefreshCookie(w http.ResponseWriter, r *http.Request, store *session.Store, secure bool) {
	current := ""
	if c, err := r.Cookie(RefreshCookie); err == nil {
		current = c.Value
	}

	if tokens := store.Tokens(); tokens != nil && tokens.RefreshToken != "" {
		if tokens.RefreshToken != current {
			http.SetCookie(w, refreshCookie(tokens.RefreshToken, secure))
		}
		return
	}

	snap := store.Snapshot()
	if current != "" && !snap.IsLoading && snap.Identity == nil {
		clearRefreshCookie(w, secure)
	}
}

func refreshCookie(token string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     RefreshCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(refreshCookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func clearRefreshCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}
