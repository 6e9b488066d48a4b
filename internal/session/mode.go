package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/boddenberg/compassmetrics-bfa-go/internal/domain"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/port"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	ModeBackend = "backend"
	ModeDemo    = "demo"
)

// Mode is how a Store authenticates and persists. It is chosen once, when
// the Store is built, from whether the backend is configured.
type Mode interface {
	Name() string

	restore(ctx context.Context) (*domain.Identity, error)
	login(ctx context.Context, email, password string) (*domain.Identity, error)
	register(ctx context.Context, email, password, name, company string) (*domain.Identity, error)
	logout(ctx context.Context) error
	persist(ctx context.Context, userID string, upd domain.ProfileUpdate) error
	hydrate(ctx context.Context, user domain.AuthUser) (*domain.Identity, error)
	reload(ctx context.Context, cur domain.Identity) (*domain.Identity, error)
	subscribe(fn func(domain.AuthEvent)) func()
	// holds reports whether sess is still the session this mode is signed in with.
	holds(sess *domain.AuthSession) bool
	tokens() *domain.AuthSession
	close()
}

// ============================================================
// Backend mode: auth provider + users table
// ============================================================

type backendMode struct {
	auth     port.AuthBackend
	profiles port.ProfileStore
	logger   *zap.Logger
}

// NewBackendMode builds the mode used when the auth backend is configured.
func NewBackendMode(auth port.AuthBackend, profiles port.ProfileStore, logger *zap.Logger) Mode {
	return &backendMode{auth: auth, profiles: profiles, logger: logger}
}

func (m *backendMode) Name() string { return ModeBackend }

func (m *backendMode) restore(ctx context.Context) (*domain.Identity, error) {
	sess, err := m.auth.GetSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess == nil {
		return nil, nil
	}
	return m.hydrate(ctx, sess.User)
}

func (m *backendMode) login(ctx context.Context, email, password string) (*domain.Identity, error) {
	sess, err := m.auth.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if sess.User.Email == "" {
		sess.User.Email = email
	}
	return m.hydrate(ctx, sess.User)
}

func (m *backendMode) register(ctx context.Context, email, password, name, company string) (*domain.Identity, error) {
	sess, err := m.auth.SignUp(ctx, email, password)
	if err != nil {
		return nil, err
	}

	rec := &domain.ProfileRecord{
		ID:                 sess.User.ID,
		Email:              email,
		Name:               name,
		Company:            company,
		PlanSelected:       false,
		ConnectedPlatforms: []string{},
	}
	if err := m.profiles.InsertProfile(ctx, rec); err != nil {
		// The account exists; the row can be recreated on first profile write.
		m.logger.Warn("session: profile insert failed after sign-up",
			zap.String("user_id", rec.ID),
			zap.Error(err),
		)
	}

	ident := rec.ToIdentity(email)
	return &ident, nil
}

func (m *backendMode) logout(ctx context.Context) error {
	return m.auth.SignOut(ctx)
}

func (m *backendMode) persist(ctx context.Context, userID string, upd domain.ProfileUpdate) error {
	return m.profiles.UpdateProfile(ctx, userID, upd)
}

// hydrate builds the Identity from the users row. A missing or unreadable
// row yields a fallback identity named after the email's local part.
func (m *backendMode) hydrate(ctx context.Context, user domain.AuthUser) (*domain.Identity, error) {
	rec, err := m.profiles.GetProfile(ctx, user.ID)
	if err != nil {
		var notFound *domain.ErrNotFound
		if !errors.As(err, &notFound) {
			m.logger.Warn("session: profile fetch failed, using fallback identity",
				zap.String("user_id", user.ID),
				zap.Error(err),
			)
		}
		rec = &domain.ProfileRecord{ID: user.ID, Email: user.Email}
	}
	ident := rec.ToIdentity(user.Email)
	return &ident, nil
}

// reload re-reads the row for an identity already held. Unlike hydrate it
// reports read failures instead of falling back.
func (m *backendMode) reload(ctx context.Context, cur domain.Identity) (*domain.Identity, error) {
	rec, err := m.profiles.GetProfile(ctx, cur.ID)
	if err != nil {
		return nil, err
	}
	ident := rec.ToIdentity(cur.Email)
	return &ident, nil
}

func (m *backendMode) subscribe(fn func(domain.AuthEvent)) func() {
	return m.auth.OnAuthStateChange(fn)
}

func (m *backendMode) holds(sess *domain.AuthSession) bool {
	cur := m.auth.Session()
	return cur != nil && sess != nil && cur.AccessToken == sess.AccessToken
}

func (m *backendMode) tokens() *domain.AuthSession { return m.auth.Session() }

func (m *backendMode) close() { m.auth.Close() }

// ============================================================
// Demo mode: local identities, no persistence
// ============================================================

type demoMode struct{}

// NewDemoMode builds the mode used when no backend is configured.
func NewDemoMode() Mode {
	return &demoMode{}
}

func (m *demoMode) Name() string { return ModeDemo }

func (m *demoMode) restore(context.Context) (*domain.Identity, error) { return nil, nil }

func (m *demoMode) login(_ context.Context, email, _ string) (*domain.Identity, error) {
	return &domain.Identity{
		ID:                 m.newID(),
		Email:              email,
		Name:               domain.DisplayNameFromEmail(email, "Usuario Demo"),
		Company:            "Empresa Demo",
		PlanSelected:       true,
		ConnectedPlatforms: append([]string{}, domain.DemoPlatforms...),
	}, nil
}

func (m *demoMode) register(_ context.Context, email, _, name, company string) (*domain.Identity, error) {
	if name == "" {
		name = domain.DisplayNameFromEmail(email, "Usuario Demo")
	}
	if company == "" {
		company = "Empresa Demo"
	}
	return &domain.Identity{
		ID:                 m.newID(),
		Email:              email,
		Name:               name,
		Company:            company,
		PlanSelected:       false,
		ConnectedPlatforms: []string{},
	}, nil
}

func (m *demoMode) logout(context.Context) error { return nil }

func (m *demoMode) persist(context.Context, string, domain.ProfileUpdate) error { return nil }

func (m *demoMode) hydrate(_ context.Context, user domain.AuthUser) (*domain.Identity, error) {
	return &domain.Identity{
		ID:                 user.ID,
		Email:              user.Email,
		Name:               domain.DisplayNameFromEmail(user.Email, "Usuario Demo"),
		ConnectedPlatforms: []string{},
	}, nil
}

func (m *demoMode) reload(_ context.Context, cur domain.Identity) (*domain.Identity, error) {
	return &cur, nil
}

func (m *demoMode) subscribe(func(domain.AuthEvent)) func() { return func() {} }

func (m *demoMode) holds(*domain.AuthSession) bool { return true }

func (m *demoMode) tokens() *domain.AuthSession { return nil }

func (m *demoMode) close() {}

func (m *demoMode) newID() string {
	return "demo-user-" + uuid.NewString()
}
