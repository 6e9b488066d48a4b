package oauth_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/boddenberg/compassmetrics-bfa-go/internal/domain"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/infra/resilience"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/oauth"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

type fakeUsers struct{ tokens map[string]string }

func (f *fakeUsers) GetUser(_ context.Context, token string) (*domain.AuthUser, error) {
	id, ok := f.tokens[token]
	if !ok {
		return nil, &domain.ErrUnauthorized{Message: "invalid token"}
	}
	return &domain.AuthUser{ID: id, Email: id + "@acme.com"}, nil
}

type fakeProfiles struct {
	mu        sync.Mutex
	rows      map[string]domain.ProfileRecord
	getErr    error
	updateErr error
	last      *domain.ProfileUpdate
}

func (f *fakeProfiles) GetProfile(_ context.Context, id string) (*domain.ProfileRecord, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	rec, ok := f.rows[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "profile", ID: id}
	}
	return &rec, nil
}

func (f *fakeProfiles) InsertProfile(context.Context, *domain.ProfileRecord) error { return nil }

func (f *fakeProfiles) UpdateProfile(_ context.Context, _ string, upd domain.ProfileUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = &upd
	return f.updateErr
}

// tokenServer stands in for LinkedIn's token endpoint.
func tokenServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Form.Get("code") != "good-code" {
			status, body = http.StatusBadRequest, `{"error":"invalid_grant","error_description":"authorization code expired"}`
		}
		if got := r.Form.Get("redirect_uri"); got != "https://app.example.com/functions/v1/linkedin-callback" {
			t.Errorf("unexpected redirect_uri %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

const okToken = `{"access_token":"li-at","expires_in":5184000,"refresh_token":"li-rt","refresh_token_expires_in":31536000}`

func newCallback(srv *httptest.Server, profiles *fakeProfiles) *oauth.LinkedInCallback {
	cfg := oauth.LinkedInConfig{
		ClientID:      "cid",
		ClientSecret:  "secret",
		PublicBaseURL: "https://app.example.com",
		Endpoint:      &oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams},
		HTTPClient:    srv.Client(),
		Breaker:       resilience.NewCircuitBreaker("linkedin"),
	}
	users := &fakeUsers{tokens: map[string]string{"sb-token": "user-1"}}
	return oauth.NewLinkedInCallback(cfg, users, profiles, zap.NewNop())
}

func call(h http.Handler, query string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, oauth.CallbackPath+"?"+query, nil))
	return rec
}

func redirectQuery(t *testing.T, rec *httptest.ResponseRecorder) url.Values {
	t.Helper()
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d: %s", rec.Code, rec.Body.String())
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("bad location: %v", err)
	}
	if loc.Path != "/settings" || loc.Host != "app.example.com" {
		t.Fatalf("unexpected location %s", loc)
	}
	return loc.Query()
}

func TestLinkedInCallback_Success(t *testing.T) {
	profiles := &fakeProfiles{rows: map[string]domain.ProfileRecord{"user-1": {ID: "user-1", ConnectedPlatforms: []string{"meta"}}}}
	h := newCallback(tokenServer(t, http.StatusOK, okToken), profiles)

	var connected string
	h.OnConnected = func(_ context.Context, userID string) { connected = userID }

	q := redirectQuery(t, call(h, "code=good-code&state=sb-token"))
	if q.Get("linkedin_status") != "success" {
		t.Fatalf("expected success, got %v", q)
	}

	upd := profiles.last
	if upd == nil || len(upd.ConnectedPlatforms) != 2 || upd.ConnectedPlatforms[1] != "linkedin" {
		t.Fatalf("expected linkedin appended, got %+v", upd)
	}
	if upd.LinkedIn.AccessToken != "li-at" || upd.LinkedIn.RefreshToken != "li-rt" {
		t.Errorf("unexpected tokens %+v", upd.LinkedIn)
	}
	if upd.LinkedIn.ExpiresAt.IsZero() || upd.LinkedIn.RefreshTokenExpiresAt.IsZero() {
		t.Errorf("expiries not computed: %+v", upd.LinkedIn)
	}
	if connected != "user-1" {
		t.Errorf("OnConnected not called, got %q", connected)
	}
}

func TestLinkedInCallback_AlreadyConnectedNotDuplicated(t *testing.T) {
	profiles := &fakeProfiles{rows: map[string]domain.ProfileRecord{"user-1": {ID: "user-1", ConnectedPlatforms: []string{"linkedin"}}}}
	h := newCallback(tokenServer(t, http.StatusOK, okToken), profiles)

	redirectQuery(t, call(h, "code=good-code&state=sb-token"))
	if got := profiles.last.ConnectedPlatforms; len(got) != 1 {
		t.Errorf("expected no duplicate, got %v", got)
	}
}

func TestLinkedInCallback_Errors(t *testing.T) {
	row := map[string]domain.ProfileRecord{"user-1": {ID: "user-1"}}

	tests := []struct {
		name     string
		query    string
		profiles *fakeProfiles
		want     string
	}{
		{"provider error", "error=user_cancelled_login&error_description=nope", &fakeProfiles{rows: row}, "user_cancelled_login"},
		{"no code", "state=sb-token", &fakeProfiles{rows: row}, oauth.ErrNoCode},
		{"exchange failure uses description", "code=bad-code&state=sb-token", &fakeProfiles{rows: row}, "authorization code expired"},
		{"unknown state", "code=good-code&state=unknown", &fakeProfiles{rows: row}, oauth.ErrUserNotFound},
		{"profile fetch", "code=good-code&state=sb-token", &fakeProfiles{rows: row, getErr: errors.New("down")}, oauth.ErrProfileFetchFailed},
		{"missing row", "code=good-code&state=sb-token", &fakeProfiles{rows: map[string]domain.ProfileRecord{}}, oauth.ErrProfileFetchFailed},
		{"profile update", "code=good-code&state=sb-token", &fakeProfiles{rows: row, updateErr: errors.New("rejected")}, oauth.ErrProfileUpdateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newCallback(tokenServer(t, http.StatusOK, okToken), tt.profiles)
			q := redirectQuery(t, call(h, tt.query))
			if q.Get("linkedin_status") != "error" || q.Get("error") != tt.want {
				t.Errorf("expected error=%q, got %v", tt.want, q)
			}
		})
	}
}

// blockingUsers holds every lookup until its context is cancelled.
type blockingUsers struct{ cancelled chan struct{} }

func (b *blockingUsers) GetUser(ctx context.Context, _ string) (*domain.AuthUser, error) {
	<-ctx.Done()
	close(b.cancelled)
	return nil, ctx.Err()
}

func TestLinkedInCallback_ExchangeFailureCancelsUserLookup(t *testing.T) {
	srv := tokenServer(t, http.StatusOK, okToken)
	users := &blockingUsers{cancelled: make(chan struct{})}
	cfg := oauth.LinkedInConfig{
		ClientID:      "cid",
		ClientSecret:  "secret",
		PublicBaseURL: "https://app.example.com",
		Endpoint:      &oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams},
		HTTPClient:    srv.Client(),
	}
	h := oauth.NewLinkedInCallback(cfg, users, &fakeProfiles{}, zap.NewNop())

	q := redirectQuery(t, call(h, "code=bad-code&state=sb-token"))
	if q.Get("error") != "authorization code expired" {
		t.Errorf("expected the exchange failure reported, got %v", q)
	}
	select {
	case <-users.cancelled:
	default:
		t.Error("expected the user lookup to be cancelled")
	}
}

func TestLinkedInCallback_UnknownStateCancelsExchange(t *testing.T) {
	// The token endpoint never answers; the callback only returns once the
	// failed lookup has cancelled the exchange.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	cfg := oauth.LinkedInConfig{
		ClientID:      "cid",
		ClientSecret:  "secret",
		PublicBaseURL: "https://app.example.com",
		Endpoint:      &oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams},
		HTTPClient:    srv.Client(),
	}
	users := &fakeUsers{tokens: map[string]string{}}
	h := oauth.NewLinkedInCallback(cfg, users, &fakeProfiles{}, zap.NewNop())

	q := redirectQuery(t, call(h, "code=good-code&state=unknown"))
	if q.Get("error") != oauth.ErrUserNotFound {
		t.Errorf("expected user_not_found, got %v", q)
	}
}

func TestLinkedInCallback_ServerErrorStatusWithoutDescription(t *testing.T) {
	h := newCallback(tokenServer(t, http.StatusInternalServerError, `{}`), &fakeProfiles{rows: map[string]domain.ProfileRecord{}})
	q := redirectQuery(t, call(h, "code=good-code&state=sb-token"))
	if q.Get("error") != oauth.ErrTokenExchangeFailed {
		t.Errorf("expected token_exchange_failed, got %v", q)
	}
}

func TestLinkedInCallback_NotConfigured(t *testing.T) {
	h := oauth.NewLinkedInCallback(oauth.LinkedInConfig{}, nil, nil, zap.NewNop())
	rec := call(h, "code=x")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected json, got %q", ct)
	}
	if len(h.Missing()) != 4 {
		t.Errorf("unexpected missing list %v", h.Missing())
	}
}

func TestLinkedInCallback_Preflight(t *testing.T) {
	h := oauth.NewLinkedInCallback(oauth.LinkedInConfig{}, nil, nil, zap.NewNop())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, oauth.CallbackPath, nil))

	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("unexpected preflight %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}
