package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/boddenberg/compassmetrics-bfa-go/internal/domain"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/infra/resilience"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// refreshSkew renews access tokens this long before they expire.
const refreshSkew = 30 * time.Second

// gotrueUser is the user object returned by GoTrue.
type gotrueUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// gotrueSession is the token response of /token and, with auto-confirm, /signup.
// Without auto-confirm /signup returns a bare user, decoded into the embedded fields.
type gotrueSession struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresIn    int64       `json:"expires_in"`
	ExpiresAt    int64       `json:"expires_at"`
	User         *gotrueUser `json:"user"`
	gotrueUser
}

func (g *gotrueSession) toDomain(now time.Time) *domain.AuthSession {
	user := g.gotrueUser
	if g.User != nil {
		user = *g.User
	}
	s := &domain.AuthSession{
		AccessToken:  g.AccessToken,
		RefreshToken: g.RefreshToken,
		User:         domain.AuthUser{ID: user.ID, Email: user.Email},
	}
	switch {
	case g.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(g.ExpiresAt, 0)
	case g.ExpiresIn > 0:
		s.ExpiresAt = now.Add(time.Duration(g.ExpiresIn) * time.Second)
	}
	return s
}

// AuthClient holds the token pair of one browser session and implements
// port.AuthBackend. Notifications are delivered on a single goroutine in
// the order they were emitted.
type AuthClient struct {
	c *Client

	mu             sync.Mutex
	session        *domain.AuthSession
	pendingRefresh string
	listeners      map[int]func(domain.AuthEvent)
	nextListener   int

	refreshGroup singleflight.Group

	events    chan domain.AuthEvent
	done      chan struct{}
	closeOnce sync.Once
}

// NewAuthClient creates the per-session auth client. refreshToken, when
// non-empty, is redeemed by the first GetSession call.
func (c *Client) NewAuthClient(refreshToken string) *AuthClient {
	a := &AuthClient{
		c:              c,
		pendingRefresh: refreshToken,
		listeners:      make(map[int]func(domain.AuthEvent)),
		events:         make(chan domain.AuthEvent, 16),
		done:           make(chan struct{}),
	}
	go a.dispatch()
	return a
}

// SignUp creates the account. When the project requires email confirmation
// the returned session has a user but no tokens.
func (a *AuthClient) SignUp(ctx context.Context, email, password string) (*domain.AuthSession, error) {
	ctx, span := tracer.Start(ctx, "Supabase.SignUp")
	defer span.End()

	payload := map[string]string{"email": email, "password": password}
	g, err := resilience.Call(ctx, a.c.cb, a.c.cfg.NoRetry(), func() (*gotrueSession, error) {
		body, err := a.c.doAuth(ctx, http.MethodPost, "signup", "", payload)
		if err != nil {
			return nil, err
		}
		return decodeSession(body)
	})
	if err != nil {
		return nil, wrapErr("supabase/auth/signup", err)
	}

	sess := g.toDomain(a.c.now())
	if sess.User.ID == "" {
		return nil, &domain.ErrExternalService{Service: "supabase/auth/signup", Err: errors.New("response carried no user")}
	}
	if sess.HasTokens() {
		a.setSession(sess)
		a.emit(domain.AuthEvent{Type: domain.AuthEventSignedIn, Session: sess})
	}
	return sess, nil
}

// SignInWithPassword exchanges credentials for a token pair.
func (a *AuthClient) SignInWithPassword(ctx context.Context, email, password string) (*domain.AuthSession, error) {
	ctx, span := tracer.Start(ctx, "Supabase.SignInWithPassword")
	defer span.End()

	payload := map[string]string{"email": email, "password": password}
	g, err := resilience.Call(ctx, a.c.cb, a.c.cfg, func() (*gotrueSession, error) {
		body, err := a.c.doAuth(ctx, http.MethodPost, "token?grant_type=password", "", payload)
		if err != nil {
			return nil, err
		}
		return decodeSession(body)
	})
	if err != nil {
		return nil, wrapErr("supabase/auth/token", err)
	}

	sess := g.toDomain(a.c.now())
	if !sess.HasTokens() {
		return nil, &domain.ErrUnauthorized{Message: "no session issued"}
	}
	a.setSession(sess)
	a.emit(domain.AuthEvent{Type: domain.AuthEventSignedIn, Session: sess})
	return sess, nil
}

// SignOut revokes the session on the server. Local state is cleared even
// when the call fails.
func (a *AuthClient) SignOut(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Supabase.SignOut")
	defer span.End()

	a.mu.Lock()
	sess := a.session
	a.session = nil
	a.pendingRefresh = ""
	a.mu.Unlock()

	if sess == nil {
		return nil
	}
	a.emit(domain.AuthEvent{Type: domain.AuthEventSignedOut})

	_, err := resilience.Call(ctx, a.c.cb, a.c.cfg.NoRetry(), func() ([]byte, error) {
		return a.c.doAuth(ctx, http.MethodPost, "logout", sess.AccessToken, nil)
	})
	if err != nil {
		return wrapErr("supabase/auth/logout", err)
	}
	return nil
}

// GetSession returns the current session, redeeming the refresh token
// when the access token is missing or about to expire.
func (a *AuthClient) GetSession(ctx context.Context) (*domain.AuthSession, error) {
	ctx, span := tracer.Start(ctx, "Supabase.GetSession")
	defer span.End()

	a.mu.Lock()
	sess := a.session
	token := a.pendingRefresh
	a.mu.Unlock()

	if sess != nil {
		if !sess.Expired(a.c.now(), refreshSkew) {
			return sess, nil
		}
		token = sess.RefreshToken
	}
	if token == "" {
		return nil, nil
	}

	v, err, _ := a.refreshGroup.Do(token, func() (any, error) {
		return a.refresh(ctx, token)
	})
	if err != nil {
		var unauthorized *domain.ErrUnauthorized
		if errors.As(err, &unauthorized) {
			// Revoked or already-used refresh token: there is no session.
			a.mu.Lock()
			a.session = nil
			a.pendingRefresh = ""
			a.mu.Unlock()
			return nil, nil
		}
		return nil, err
	}
	return v.(*domain.AuthSession), nil
}

func (a *AuthClient) refresh(ctx context.Context, token string) (*domain.AuthSession, error) {
	payload := map[string]string{"refresh_token": token}
	g, err := resilience.Call(ctx, a.c.cb, a.c.cfg, func() (*gotrueSession, error) {
		body, err := a.c.doAuth(ctx, http.MethodPost, "token?grant_type=refresh_token", "", payload)
		if err != nil {
			return nil, err
		}
		return decodeSession(body)
	})
	if err != nil {
		return nil, wrapErr("supabase/auth/refresh", err)
	}

	sess := g.toDomain(a.c.now())
	if !sess.HasTokens() {
		return nil, &domain.ErrUnauthorized{Message: "refresh issued no session"}
	}
	a.mu.Lock()
	a.session = sess
	a.pendingRefresh = ""
	a.mu.Unlock()

	a.emit(domain.AuthEvent{Type: domain.AuthEventTokenRefreshed, Session: sess})
	return sess, nil
}

// Session returns the held token pair without contacting the server.
func (a *AuthClient) Session() *domain.AuthSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// OnAuthStateChange registers fn and returns its unsubscribe func.
func (a *AuthClient) OnAuthStateChange(fn func(domain.AuthEvent)) func() {
	a.mu.Lock()
	id := a.nextListener
	a.nextListener++
	a.listeners[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

// Close stops the dispatcher. Pending notifications are dropped.
func (a *AuthClient) Close() {
	a.closeOnce.Do(func() { close(a.done) })
}

func (a *AuthClient) setSession(sess *domain.AuthSession) {
	a.mu.Lock()
	a.session = sess
	a.pendingRefresh = ""
	a.mu.Unlock()
}

func (a *AuthClient) emit(ev domain.AuthEvent) {
	select {
	case a.events <- ev:
	case <-a.done:
	}
}

func (a *AuthClient) dispatch() {
	for {
		select {
		case <-a.done:
			return
		case ev := <-a.events:
			a.mu.Lock()
			fns := make([]func(domain.AuthEvent), 0, len(a.listeners))
			for _, fn := range a.listeners {
				fns = append(fns, fn)
			}
			a.mu.Unlock()

			for _, fn := range fns {
				fn(ev)
			}
			a.c.logger.Debug("supabase: auth event dispatched",
				zap.String("event", string(ev.Type)),
				zap.Int("listeners", len(fns)),
			)
		}
	}
}

func decodeSession(body []byte) (*gotrueSession, error) {
	var g gotrueSession
	if err := json.Unmarshal(body, &g); err != nil {
		return nil, resilience.Permanent(fmt.Errorf("decode auth response: %w", err))
	}
	return &g, nil
}

// ============================================================
// User lookup by access token (implements port.UserResolver)
// ============================================================

// supabaseClaims are the claims GoTrue puts in access tokens.
type supabaseClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// GetUser resolves the user owning accessToken. With a JWT secret the
// token is verified locally; otherwise GoTrue is asked.
func (c *Client) GetUser(ctx context.Context, accessToken string) (*domain.AuthUser, error) {
	ctx, span := tracer.Start(ctx, "Supabase.GetUser")
	defer span.End()

	if accessToken == "" {
		return nil, &domain.ErrUnauthorized{Message: "missing access token"}
	}

	if len(c.jwtSecret) > 0 {
		claims := &supabaseClaims{}
		_, err := jwt.ParseWithClaims(accessToken, claims, func(t *jwt.Token) (any, error) {
			return c.jwtSecret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(c.now))
		if err != nil {
			return nil, &domain.ErrUnauthorized{Message: "invalid access token: " + err.Error()}
		}
		if claims.Subject == "" {
			return nil, &domain.ErrUnauthorized{Message: "access token has no subject"}
		}
		return &domain.AuthUser{ID: claims.Subject, Email: claims.Email}, nil
	}

	u, err := resilience.Call(ctx, c.cb, c.cfg, func() (*gotrueUser, error) {
		body, err := c.doAuth(ctx, http.MethodGet, "user", accessToken, nil)
		if err != nil {
			return nil, err
		}
		var u gotrueUser
		if err := json.Unmarshal(body, &u); err != nil {
			return nil, resilience.Permanent(fmt.Errorf("decode user: %w", err))
		}
		return &u, nil
	})
	if err != nil {
		return nil, wrapErr("supabase/auth/user", err)
	}
	if u.ID == "" {
		return nil, &domain.ErrNotFound{Resource: "user", ID: "token"}
	}
	return &domain.AuthUser{ID: u.ID, Email: u.Email}, nil
}
