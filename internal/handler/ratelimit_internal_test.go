package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/boddenberg/compassmetrics-bfa-go/internal/infra/observability"

	"go.uber.org/zap"
)

func TestRateLimiter_CleanupDropsIdleClients(t *testing.T) {
	rl := NewRateLimiter(10, observability.NewMetrics(), zap.NewNop())
	defer rl.Stop()

	rl.get("chat|ip:10.0.0.1")
	rl.get("chat|ip:10.0.0.2")
	if rl.Len() != 2 {
		t.Fatalf("expected 2 clients, got %d", rl.Len())
	}

	rl.cleanup(time.Now().Add(time.Hour))
	if rl.Len() != 0 {
		t.Errorf("expected idle clients dropped, got %d", rl.Len())
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(10, nil, zap.NewNop())
	rl.Stop()
	rl.Stop()
}

func TestClientKeys(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:5555"
	if got := ByClientIP(req); got != "ip:192.0.2.7" {
		t.Errorf("expected ip key, got %q", got)
	}
	if got := BySession(req); got != "ip:192.0.2.7" {
		t.Errorf("expected ip fallback without a session, got %q", got)
	}

	req = req.WithContext(context.WithValue(req.Context(), sessionIDKey, "abc"))
	if got := BySession(req); got != "session:abc" {
		t.Errorf("expected session key, got %q", got)
	}
	if got := ByClientIP(req); got != "ip:192.0.2.7" {
		t.Errorf("expected ip key to ignore the session, got %q", got)
	}
}

func TestOriginPatterns(t *testing.T) {
	got := originPatterns([]string{"http://localhost:5173", "https://app.compassmetrics.cl", "*.example.com"})
	want := []string{"localhost:5173", "app.compassmetrics.cl", "*.example.com"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pattern %d: got %q, want %q", i, got[i], want[i])
		}
	}
}
