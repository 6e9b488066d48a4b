package session

import (
	"context"
	"time"

	"github.com/boddenberg/compassmetrics-bfa-go/internal/infra/cache"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/infra/observability"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/port"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ModeFactory builds the Mode for a new store. refreshToken is the token
// carried by the browser, if any.
type ModeFactory func(refreshToken string) Mode

// Manager owns one Store per browser session, keyed by the session cookie.
// Idle stores are closed after the configured TTL.
type Manager struct {
	factory   ModeFactory
	stores    *cache.InMemory[*Store]
	group     singleflight.Group
	storeOpts []Option
	logger    *zap.Logger
	metrics   *observability.Metrics

	bus            port.SignOutBus
	unsubscribeBus func()
}

// NewManager creates a manager. Stores it creates get storeOpts.
func NewManager(factory ModeFactory, idleTTL time.Duration, metrics *observability.Metrics, logger *zap.Logger, storeOpts ...Option) *Manager {
	m := &Manager{
		factory:   factory,
		stores:    cache.New[*Store](idleTTL),
		storeOpts: append([]Option{WithMetrics(metrics)}, storeOpts...),
		logger:    logger,
		metrics:   metrics,
	}
	m.stores.OnEvict(func(id string, s *Store) {
		s.Close()
		m.logger.Debug("session: store released", zap.String("session_id", id))
		m.updateGauge()
	})
	return m
}

// AttachBus subscribes to cross-session sign-outs and publishes local ones.
func (m *Manager) AttachBus(bus port.SignOutBus) error {
	unsubscribe, err := bus.SubscribeSignOut(m.expireUser)
	if err != nil {
		return err
	}
	m.bus = bus
	m.unsubscribeBus = unsubscribe
	return nil
}

// Open returns the store for sessionID, creating and initializing it on
// first use. Concurrent opens of the same id share one store.
func (m *Manager) Open(sessionID, refreshToken string) *Store {
	if s, ok := m.stores.Touch(sessionID); ok {
		return s
	}

	v, _, _ := m.group.Do(sessionID, func() (any, error) {
		if s, ok := m.stores.Touch(sessionID); ok {
			return s, nil
		}
		s := NewStore(m.factory(refreshToken), m.logger.With(zap.String("session_id", sessionID)), m.storeOpts...)
		s.Initialize()
		m.stores.Set(sessionID, s)
		m.updateGauge()
		return s, nil
	})
	return v.(*Store)
}

// Get returns an existing store without creating one.
func (m *Manager) Get(sessionID string) (*Store, bool) {
	return m.stores.Touch(sessionID)
}

// Rotate moves the store held under oldID to a freshly generated id and
// returns it. The old id no longer resolves to any store.
func (m *Manager) Rotate(oldID string) (string, bool) {
	s, ok := m.stores.Take(oldID)
	if !ok {
		return "", false
	}
	newID := uuid.NewString()
	m.stores.Set(newID, s)
	m.logger.Debug("session: id rotated", zap.String("session_id", newID))
	return newID, true
}

// Logout signs the store out and tells other sessions of the same user.
func (m *Manager) Logout(ctx context.Context, s *Store) {
	userID := ""
	if snap := s.Snapshot(); snap.Identity != nil {
		userID = snap.Identity.ID
	}

	s.Logout(ctx)

	if m.bus == nil || userID == "" || s.Mode() != ModeBackend {
		return
	}
	if err := m.bus.PublishSignOut(ctx, userID); err != nil {
		m.logger.Warn("session: sign-out broadcast failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// Forget closes and drops the store for sessionID.
func (m *Manager) Forget(sessionID string) {
	m.stores.Delete(sessionID)
}

// Len returns the number of live stores.
func (m *Manager) Len() int {
	return m.stores.Len()
}

// Close releases every store.
func (m *Manager) Close() {
	if m.unsubscribeBus != nil {
		m.unsubscribeBus()
	}
	m.stores.Close()
}

func (m *Manager) expireUser(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	expired := 0
	m.stores.Range(func(_ string, s *Store) bool {
		if s.ExpireUser(ctx, userID) {
			expired++
		}
		return true
	})
	if expired > 0 {
		m.logger.Info("session: remote sign-out applied",
			zap.String("user_id", userID),
			zap.Int("sessions", expired),
		)
	}
}

// ReloadUser re-reads the profile in every store holding userID.
func (m *Manager) ReloadUser(ctx context.Context, userID string) int {
	reloaded := 0
	m.stores.Range(func(_ string, s *Store) bool {
		if snap := s.Snapshot(); snap.Identity != nil && snap.Identity.ID == userID && s.Reload(ctx) {
			reloaded++
		}
		return true
	})
	return reloaded
}

func (m *Manager) updateGauge() {
	if m.metrics != nil {
		m.metrics.SetActiveSessions(m.stores.Len())
	}
}
