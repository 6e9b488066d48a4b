package session_test

import (
	"context"
	"errors"
	"sync"

	"github.com/boddenberg/compassmetrics-bfa-go/internal/domain"
)

// ============================================================
// Hand-written fakes for the auth backend and the users table
// ============================================================

type fakeAuth struct {
	mu        sync.Mutex
	session   *domain.AuthSession
	listeners map[int]func(domain.AuthEvent)
	next      int

	restore     *domain.AuthSession
	restoreGate chan struct{} // when set, GetSession blocks until closed
	signInErr   error
	signUpUser  domain.AuthUser
	signUpErr   error
	signOutErr  error
	signOuts    int
	closed      bool
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{listeners: map[int]func(domain.AuthEvent){}}
}

func (f *fakeAuth) SignUp(_ context.Context, email, _ string) (*domain.AuthSession, error) {
	if f.signUpErr != nil {
		return nil, f.signUpErr
	}
	u := f.signUpUser
	if u.ID == "" {
		u = domain.AuthUser{ID: "user-new", Email: email}
	}
	return &domain.AuthSession{User: u}, nil
}

func (f *fakeAuth) SignInWithPassword(_ context.Context, email, _ string) (*domain.AuthSession, error) {
	if f.signInErr != nil {
		return nil, f.signInErr
	}
	sess := &domain.AuthSession{AccessToken: "access-" + email, RefreshToken: "refresh", User: domain.AuthUser{ID: "user-1", Email: email}}
	f.mu.Lock()
	f.session = sess
	f.mu.Unlock()
	return sess, nil
}

func (f *fakeAuth) SignOut(context.Context) error {
	f.mu.Lock()
	f.session = nil
	f.signOuts++
	f.mu.Unlock()
	return f.signOutErr
}

func (f *fakeAuth) GetSession(ctx context.Context) (*domain.AuthSession, error) {
	if f.restoreGate != nil {
		select {
		case <-f.restoreGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restore != nil {
		f.session = f.restore
	}
	return f.restore, nil
}

func (f *fakeAuth) OnAuthStateChange(fn func(domain.AuthEvent)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.listeners[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *fakeAuth) Session() *domain.AuthSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

func (f *fakeAuth) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

// emit delivers ev synchronously to every listener.
func (f *fakeAuth) emit(ev domain.AuthEvent) {
	f.mu.Lock()
	if ev.Session != nil && ev.Type == domain.AuthEventSignedIn {
		f.session = ev.Session
	}
	fns := make([]func(domain.AuthEvent), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (f *fakeAuth) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

type fakeProfiles struct {
	mu        sync.Mutex
	rows      map[string]domain.ProfileRecord
	getErr    error
	insertErr error
	updateErr error
	updates   []domain.ProfileUpdate
	gate      chan struct{} // when set, UpdateProfile blocks until closed
	entered   chan struct{} // signalled when UpdateProfile starts

	readGate    chan struct{} // when set, GetProfile blocks after reading the row
	readEntered chan struct{} // signalled once GetProfile has read the row
}

func newFakeProfiles() *fakeProfiles {
	return &fakeProfiles{rows: map[string]domain.ProfileRecord{}}
}

func (f *fakeProfiles) GetProfile(ctx context.Context, userID string) (*domain.ProfileRecord, error) {
	f.mu.Lock()
	if f.getErr != nil {
		f.mu.Unlock()
		return nil, f.getErr
	}
	rec, ok := f.rows[userID]
	gate, entered := f.readGate, f.readEntered
	f.mu.Unlock()
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "profile", ID: userID}
	}
	rec.ConnectedPlatforms = append([]string{}, rec.ConnectedPlatforms...)

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &rec, nil
}

func (f *fakeProfiles) InsertProfile(_ context.Context, rec *domain.ProfileRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.rows[rec.ID] = *rec
	return nil
}

func (f *fakeProfiles) UpdateProfile(ctx context.Context, userID string, upd domain.ProfileUpdate) error {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, upd)
	if f.updateErr != nil {
		return f.updateErr
	}
	rec := f.rows[userID]
	rec.ID = userID
	if upd.Name != nil {
		rec.Name = *upd.Name
	}
	if upd.Company != nil {
		rec.Company = *upd.Company
	}
	if upd.PlanSelected != nil {
		rec.PlanSelected = *upd.PlanSelected
	}
	if upd.ConnectedPlatforms != nil {
		rec.ConnectedPlatforms = append([]string{}, upd.ConnectedPlatforms...)
	}
	f.rows[userID] = rec
	return nil
}

func (f *fakeProfiles) row(userID string) domain.ProfileRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[userID]
}

var errWrite = errors.New("write rejected")
