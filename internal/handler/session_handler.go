package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/boddenberg/compassmetrics-bfa-go/internal/domain"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/session"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// GET /v1/session
// ============================================================

func getSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store := StoreFromContext(r.Context())
		snap := store.Snapshot()
		writeJSON(w, http.StatusOK, domain.SessionResponse{Success: true, Mode: store.Mode(), Session: &snap})
	}
}

// ============================================================
// POST /v1/session/login
// ============================================================

func loginHandler(sessions *session.Manager, cookieSecure bool, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/session/login")
		defer span.End()

		var req domain.LoginRequest
		if err := decodeJSON(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		req.Email = strings.TrimSpace(req.Email)
		if req.Email == "" || req.Password == "" {
			handleServiceError(w, &domain.ErrValidation{Field: "email", Message: "email and password are required"}, logger)
			return
		}

		store := StoreFromContext(ctx)
		waitResolved(r, store)
		span.SetAttributes(attribute.String("session.mode", store.Mode()))

		if !store.Login(ctx, req.Email, req.Password) {
			writeSession(w, http.StatusUnauthorized, store, false)
			return
		}
		rotateSession(w, r, sessions, cookieSecure)
		setRefreshCookie(w, store, cookieSecure)
		writeSession(w, http.StatusOK, store, true)
	}
}

// ============================================================
// POST /v1/session/register
// ============================================================

func registerHandler(sessions *session.Manager, cookieSecure bool, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/session/register")
		defer span.End()

		var req domain.RegisterRequest
		if err := decodeJSON(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		req.Email = strings.TrimSpace(req.Email)
		req.Name = strings.TrimSpace(req.Name)
		switch {
		case req.Email == "" || !strings.Contains(req.Email, "@"):
			handleServiceError(w, &domain.ErrValidation{Field: "email", Message: "a valid email is required"}, logger)
			return
		case req.Password == "":
			handleServiceError(w, &domain.ErrValidation{Field: "password", Message: "password is required"}, logger)
			return
		case req.Name == "":
			handleServiceError(w, &domain.ErrValidation{Field: "name", Message: "name is required"}, logger)
			return
		}

		store := StoreFromContext(ctx)
		waitResolved(r, store)

		if !store.Register(ctx, req.Email, req.Password, req.Name, strings.TrimSpace(req.Company)) {
			writeSession(w, http.StatusUnprocessableEntity, store, false)
			return
		}
		rotateSession(w, r, sessions, cookieSecure)
		setRefreshCookie(w, store, cookieSecure)
		writeSession(w, http.StatusCreated, store, true)
	}
}

// ============================================================
// POST /v1/session/logout
// ============================================================

func logoutHandler(sessions *session.Manager, cookieSecure bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/session/logout")
		defer span.End()

		store := StoreFromContext(ctx)
		sessions.Logout(ctx, store)
		clearRefreshCookie(w, cookieSecure)
		writeSession(w, http.StatusOK, store, true)
	}
}

// ============================================================
// GET /v1/session/events (websocket)
// ============================================================

const wsWriteTimeout = 5 * time.Second

// sessionEventsHandler pushes a snapshot to the client after every change
// of the session, starting with the current one.
func sessionEventsHandler(originPatterns []string, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store := StoreFromContext(r.Context())
		sessionID := SessionIDFromContext(r.Context())

		// The server's WriteTimeout would otherwise cut long-lived streams.
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns})
		if err != nil {
			logger.Warn("session events: websocket accept failed", zap.String("session_id", sessionID), zap.Error(err))
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "session ended")

		// Clients only listen; CloseRead handles control frames and
		// cancels ctx once the peer goes away.
		ctx := conn.CloseRead(r.Context())

		changes, cancel := store.Subscribe()
		defer cancel()

		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-changes:
				if !ok {
					conn.Close(websocket.StatusGoingAway, "session closed")
					return
				}
				if err := writeSnapshot(ctx, conn, snap); err != nil {
					logger.Debug("session events: write failed", zap.String("session_id", sessionID), zap.Error(err))
					return
				}
			}
		}
	}
}

func writeSnapshot(ctx context.Context, conn *websocket.Conn, snap domain.SessionSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, snap)
}

// ============================================================
// Helpers
// ============================================================

func writeSession(w http.ResponseWriter, status int, store *session.Store, success bool) {
	snap := store.Snapshot()
	writeJSON(w, status, domain.SessionResponse{Success: success, Mode: store.Mode(), Session: &snap})
}

func setRefreshCookie(w http.ResponseWriter, store *session.Store, secure bool) {
	if tokens := store.Tokens(); tokens != nil && tokens.RefreshToken != "" {
		http.SetCookie(w, refreshCookie(tokens.RefreshToken, secure))
	}
}
