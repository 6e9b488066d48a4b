// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the session and
// service layers from concrete implementations.
package port

import (
	"context"

	"github.com/boddenberg/compassmetrics-bfa-go/internal/domain"
)

// AuthBackend is one browser session's view of the auth provider.
// Each instance holds at most one token pair.
type AuthBackend interface {
	SignUp(ctx context.Context, email, password string) (*domain.AuthSession, error)
	SignInWithPassword(ctx context.Context, email, password string) (*domain.AuthSession, error)
	SignOut(ctx context.Context) error
	// GetSession returns the current session, refreshing it when needed.
	// It returns (nil, nil) when no session exists.
	GetSession(ctx context.Context) (*domain.AuthSession, error)
	// OnAuthStateChange registers fn for session-change notifications,
	// delivered in arrival order. The returned func unsubscribes.
	OnAuthStateChange(fn func(domain.AuthEvent)) (unsubscribe func())
	// Session returns the held token pair without a network call.
	Session() *domain.AuthSession
	// Close stops event delivery.
	Close()
}

// UserResolver maps a provider access token to its user.
type UserResolver interface {
	GetUser(ctx context.Context, accessToken string) (*domain.AuthUser, error)
}

// ProfileStore reads and writes rows of the `users` table.
type ProfileStore interface {
	// GetProfile returns *domain.ErrNotFound when the row does not exist.
	GetProfile(ctx context.Context, userID string) (*domain.ProfileRecord, error)
	InsertProfile(ctx context.Context, rec *domain.ProfileRecord) error
	UpdateProfile(ctx context.Context, userID string, upd domain.ProfileUpdate) error
}

// SignOutBus fans a user's sign-out out to every replica, so sessions
// held elsewhere for the same user are cleared too.
type SignOutBus interface {
	PublishSignOut(ctx context.Context, userID string) error
	SubscribeSignOut(fn func(userID string)) (unsubscribe func(), err error)
}

// HealthChecker is implemented by backends that can report reachability.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
