package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/compassmetrics-bfa-go/internal/domain"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/infra/observability"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/session"

	"go.uber.org/zap"
)

// localBus is an in-process SignOutBus for manager tests.
type localBus struct {
	mu   sync.Mutex
	subs []func(string)
}

func (b *localBus) PublishSignOut(_ context.Context, userID string) error {
	b.mu.Lock()
	subs := append([]func(string){}, b.subs...)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(userID)
	}
	return nil
}

func (b *localBus) SubscribeSignOut(fn func(string)) (func(), error) {
	b.mu.Lock()
	b.subs = append(b.subs, fn)
	b.mu.Unlock()
	return func() {}, nil
}

func TestManager_OpenReturnsSameStore(t *testing.T) {
	m := session.NewManager(func(string) session.Mode { return session.NewDemoMode() }, time.Minute, observability.NewMetrics(), zap.NewNop())
	defer m.Close()

	var wg sync.WaitGroup
	stores := make([]*session.Store, 10)
	for i := range stores {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stores[i] = m.Open("sess-1", "")
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(stores); i++ {
		if stores[i] != stores[0] {
			t.Fatal("expected concurrent opens to share one store")
		}
	}
	if m.Len() != 1 {
		t.Errorf("expected 1 store, got %d", m.Len())
	}
	if other := m.Open("sess-2", ""); other == stores[0] {
		t.Error("expected a distinct store per session id")
	}
}

func TestManager_PassesRefreshTokenToFactory(t *testing.T) {
	var got string
	m := session.NewManager(func(rt string) session.Mode {
		got = rt
		return session.NewDemoMode()
	}, time.Minute, nil, zap.NewNop())
	defer m.Close()

	m.Open("sess-1", "refresh-abc")
	if got != "refresh-abc" {
		t.Errorf("expected refresh token forwarded, got %q", got)
	}
}

func TestManager_IdleStoresAreClosed(t *testing.T) {
	auth := newFakeAuth()
	m := session.NewManager(func(string) session.Mode {
		return session.NewBackendMode(auth, newFakeProfiles(), zap.NewNop())
	}, 40*time.Millisecond, nil, zap.NewNop(), session.WithInitTimeout(20*time.Millisecond))
	defer m.Close()

	m.Open("sess-1", "")
	eventually(t, func() bool { return m.Len() == 0 }, "idle store was not evicted")
	eventually(t, func() bool {
		auth.mu.Lock()
		defer auth.mu.Unlock()
		return auth.closed
	}, "evicted store did not close its backend")
}

func TestManager_LogoutBroadcastsToOtherSessions(t *testing.T) {
	profiles := newFakeProfiles()
	profiles.rows["user-1"] = domain.ProfileRecord{ID: "user-1", Name: "Ana", PlanSelected: true}

	m := session.NewManager(func(string) session.Mode {
		return session.NewBackendMode(newFakeAuth(), profiles, zap.NewNop())
	}, time.Minute, nil, zap.NewNop(), session.WithInitTimeout(20*time.Millisecond))
	defer m.Close()

	if err := m.AttachBus(&localBus{}); err != nil {
		t.Fatalf("attach bus: %v", err)
	}

	ctx := context.Background()
	tabA := m.Open("tab-a", "")
	tabB := m.Open("tab-b", "")
	waitReady(t, tabA)
	waitReady(t, tabB)
	tabA.Login(ctx, "ana@acme.com", "pw")
	tabB.Login(ctx, "ana@acme.com", "pw")

	m.Logout(ctx, tabA)

	if tabA.Snapshot().Identity != nil {
		t.Error("expected tab A signed out")
	}
	if tabB.Snapshot().Identity != nil {
		t.Error("expected tab B signed out by broadcast")
	}
}

func TestManager_ReloadUserOnlyTouchesThatUser(t *testing.T) {
	profiles := newFakeProfiles()
	profiles.rows["user-1"] = domain.ProfileRecord{ID: "user-1", Name: "Ana", PlanSelected: true}

	m := session.NewManager(func(string) session.Mode {
		return session.NewBackendMode(newFakeAuth(), profiles, zap.NewNop())
	}, time.Minute, nil, zap.NewNop(), session.WithInitTimeout(20*time.Millisecond))
	defer m.Close()

	ctx := context.Background()
	signedIn := m.Open("tab-a", "")
	anonymous := m.Open("tab-b", "")
	waitReady(t, signedIn)
	waitReady(t, anonymous)
	signedIn.Login(ctx, "ana@acme.com", "pw")

	profiles.mu.Lock()
	row := profiles.rows["user-1"]
	row.ConnectedPlatforms = []string{"linkedin"}
	profiles.rows["user-1"] = row
	profiles.mu.Unlock()

	if n := m.ReloadUser(ctx, "user-1"); n != 1 {
		t.Fatalf("expected 1 reloaded store, got %d", n)
	}
	if !signedIn.Snapshot().Identity.HasPlatform("linkedin") {
		t.Error("expected linkedin after reload")
	}
	if anonymous.Snapshot().Identity != nil {
		t.Error("anonymous store must stay anonymous")
	}
}

func TestManager_RotateRekeysStore(t *testing.T) {
	m := session.NewManager(func(string) session.Mode { return session.NewDemoMode() }, time.Minute, nil, zap.NewNop())
	defer m.Close()

	s := m.Open("sess-1", "")
	newID, ok := m.Rotate("sess-1")
	if !ok || newID == "" || newID == "sess-1" {
		t.Fatalf("expected a new id, got %q %v", newID, ok)
	}
	if _, ok := m.Get("sess-1"); ok {
		t.Error("expected old id to be gone")
	}
	got, ok := m.Get(newID)
	if !ok || got != s {
		t.Error("expected the same store under the new id")
	}
	if !s.Login(context.Background(), "ana@acme.cl", "x") {
		t.Error("expected rotated store to stay open")
	}
	if m.Len() != 1 {
		t.Errorf("expected 1 store, got %d", m.Len())
	}
	if _, ok := m.Rotate("unknown"); ok {
		t.Error("expected rotating an unknown id to fail")
	}
}
