package domain

import "time"

// ============================================================
// Auth: backend session and notification types
// ============================================================

// AuthUser is the principal as known by the auth backend.
type AuthUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// AuthSession is a token pair issued by the auth backend.
// A sign-up that still awaits email confirmation carries a User but no tokens.
type AuthSession struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         AuthUser  `json:"user"`
}

// HasTokens reports whether the session can be used for authenticated calls.
func (s *AuthSession) HasTokens() bool {
	return s != nil && s.AccessToken != ""
}

// Expired reports whether the access token is past its expiry minus skew.
func (s *AuthSession) Expired(now time.Time, skew time.Duration) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(s.ExpiresAt)
}

// AuthEventType names a backend session-change notification.
type AuthEventType string

const (
	AuthEventSignedIn       AuthEventType = "SIGNED_IN"
	AuthEventSignedOut      AuthEventType = "SIGNED_OUT"
	AuthEventTokenRefreshed AuthEventType = "TOKEN_REFRESHED"
	AuthEventUserUpdated    AuthEventType = "USER_UPDATED"
)

// AuthEvent is delivered to subscribers in arrival order.
type AuthEvent struct {
	Type    AuthEventType
	Session *AuthSession
}

// ============================================================
// Auth: Request / Response types (matches frontend API contract)
// ============================================================

// LoginRequest is the body for POST /v1/session/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterRequest is the body for POST /v1/session/register.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Company  string `json:"company,omitempty"`
}

// SessionResponse is returned by every session endpoint.
type SessionResponse struct {
	Success bool             `json:"success"`
	Mode    string           `json:"mode"`
	Session *SessionSnapshot `json:"session"`
}
