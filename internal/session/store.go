// Package session holds the per-browser Session Store: who is signed in,
// whether the initial restore has resolved, and the write-through mirror
// of the user's profile row.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/boddenberg/compassmetrics-bfa-go/internal/domain"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/infra/observability"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("session")

// DefaultInitTimeout bounds how long a store reports loading.
const DefaultInitTimeout = 2 * time.Second

// Store is the single holder of one session's identity.
//
// Public operations never return errors: failures are logged and reported
// as a false result or as a no-op. The identity is copy-on-write, so a
// Snapshot is never partially updated.
type Store struct {
	mode        Mode
	logger      *zap.Logger
	metrics     *observability.Metrics
	initTimeout time.Duration
	now         func() time.Time

	mu          sync.RWMutex
	identity    *domain.Identity
	loading     bool
	generation  uint64 // bumped whenever the principal changes
	revision    uint64 // bumped on every change to the held identity
	closed      bool
	watchers    map[int]chan domain.SessionSnapshot
	nextWatcher int

	// platformMu serializes read-modify-write of the connected set.
	platformMu sync.Mutex

	initOnce    sync.Once
	ready       chan struct{}
	readyOnce   sync.Once
	unsubscribe func()

	bg       context.Context
	cancelBG context.CancelFunc
}

// Option configures a Store.
type Option func(*Store)

// WithInitTimeout overrides DefaultInitTimeout.
func WithInitTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.initTimeout = d
		}
	}
}

// WithMetrics records session operations.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock replaces time.Now for profile timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a store in the loading state. Call Initialize to start
// the restore.
func NewStore(mode Mode, logger *zap.Logger, opts ...Option) *Store {
	bg, cancel := context.WithCancel(context.Background())
	s := &Store{
		mode:        mode,
		logger:      logger,
		initTimeout: DefaultInitTimeout,
		now:         time.Now,
		loading:     true,
		watchers:    make(map[int]chan domain.SessionSnapshot),
		ready:       make(chan struct{}),
		bg:          bg,
		cancelBG:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mode returns the name of the store's mode.
func (s *Store) Mode() string { return s.mode.Name() }

// Initialize starts restoring the backend session. Loading ends when the
// restore finishes or the init timeout fires, whichever is first; a restore
// that lands after the timeout is still applied. Calls after the first are no-ops.
func (s *Store) Initialize() {
	s.initOnce.Do(func() {
		gen := s.currentGeneration()

		timer := time.AfterFunc(s.initTimeout, func() {
			if s.markReady() {
				s.logger.Warn("session: restore still pending, loading ended by timeout",
					zap.Duration("timeout", s.initTimeout),
				)
				s.count("initialize", "timeout")
				s.notify()
			}
		})

		go func() {
			ctx, span := tracer.Start(s.bg, "Session.Initialize")
			defer span.End()

			ident, err := s.mode.restore(ctx)
			timer.Stop()
			if err != nil {
				s.logger.Warn("session: restore failed", zap.Error(err))
				s.count("initialize", "error")
			}

			applied := false
			s.mu.Lock()
			if !s.closed && ident != nil && s.generation == gen {
				s.identity = ident
				s.generation++
				s.revision++
				applied = true
			}
			s.mu.Unlock()

			if applied {
				span.SetAttributes(attribute.String("user.id", ident.ID))
				s.count("initialize", "restored")
			} else if err == nil {
				s.count("initialize", "anonymous")
			}

			s.markReady()
			s.subscribeEvents()
			s.notify()
		}()
	})
}

// Ready is closed once loading has ended.
func (s *Store) Ready() <-chan struct{} { return s.ready }

// WaitReady blocks until loading ends or ctx is done. It reports whether
// the store is ready.
func (s *Store) WaitReady(ctx context.Context) bool {
	select {
	case <-s.ready:
		return true
	case <-ctx.Done():
		return false
	}
}

// Login verifies credentials and replaces the identity on success.
func (s *Store) Login(ctx context.Context, email, password string) bool {
	ctx, span := tracer.Start(ctx, "Session.Login")
	defer span.End()
	span.SetAttributes(attribute.String("session.mode", s.mode.Name()))

	ident, err := s.mode.login(ctx, email, password)
	if err != nil {
		s.logger.Info("session: login failed", zap.String("mode", s.mode.Name()), zap.Error(err))
		s.count("login", "failure")
		return false
	}

	if !s.replace(ident) {
		s.count("login", "discarded")
		return false
	}
	s.logger.Info("session: login succeeded", zap.String("user_id", ident.ID), zap.String("mode", s.mode.Name()))
	s.count("login", "success")
	return true
}

// Register creates the account and its profile row, then signs the new
// identity in locally. Email confirmation, if required, is enforced by the
// backend at the next credential login.
func (s *Store) Register(ctx context.Context, email, password, name, company string) bool {
	ctx, span := tracer.Start(ctx, "Session.Register")
	defer span.End()
	span.SetAttributes(attribute.String("session.mode", s.mode.Name()))

	ident, err := s.mode.register(ctx, email, password, name, company)
	if err != nil {
		s.logger.Info("session: register failed", zap.String("mode", s.mode.Name()), zap.Error(err))
		s.count("register", "failure")
		return false
	}

	if !s.replace(ident) {
		s.count("register", "discarded")
		return false
	}
	s.logger.Info("session: registered", zap.String("user_id", ident.ID), zap.String("mode", s.mode.Name()))
	s.count("register", "success")
	return true
}

// Logout clears the identity, then asks the backend to end the session.
// The local sign-out happens even if the backend call fails.
func (s *Store) Logout(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "Session.Logout")
	defer span.End()

	s.clear()

	if err := s.mode.logout(ctx); err != nil {
		s.logger.Warn("session: backend sign-out failed", zap.Error(err))
		s.count("logout", "backend_error")
		return
	}
	s.count("logout", "success")
}

// ExpireUser signs the store out if it holds userID. It is used when the
// same user signed out in another session.
func (s *Store) ExpireUser(ctx context.Context, userID string) bool {
	s.mu.RLock()
	held := s.identity != nil && s.identity.ID == userID
	s.mu.RUnlock()
	if !held {
		return false
	}

	s.logger.Info("session: signed out by remote event", zap.String("user_id", userID))
	s.Logout(ctx)
	return true
}

// SelectPlan marks the plan as selected. The in-memory flag is set before
// the write and stays set even if the write fails. planKind is not stored.
func (s *Store) SelectPlan(ctx context.Context, planKind string) {
	ctx, span := tracer.Start(ctx, "Session.SelectPlan")
	defer span.End()
	span.SetAttributes(attribute.String("plan.kind", planKind))

	s.mu.Lock()
	if s.closed || s.identity == nil {
		s.mu.Unlock()
		s.count("select_plan", "noop")
		return
	}
	next := s.identity.Clone()
	next.PlanSelected = true
	s.identity = &next
	s.revision++
	s.mu.Unlock()
	s.notify()

	selected := true
	err := s.mode.persist(ctx, next.ID, domain.ProfileUpdate{PlanSelected: &selected, UpdatedAt: s.now()})
	if err != nil {
		s.logger.Warn("session: plan selection not persisted",
			zap.String("user_id", next.ID),
			zap.String("plan", planKind),
			zap.Error(err),
		)
		s.count("select_plan", "write_failed")
		return
	}
	s.count("select_plan", "success")
}

// ConnectPlatform adds id to the connected set. The in-memory set changes
// only after the write succeeds. It reports whether the set changed.
func (s *Store) ConnectPlatform(ctx context.Context, id string) bool {
	ctx, span := tracer.Start(ctx, "Session.ConnectPlatform")
	defer span.End()
	span.SetAttributes(attribute.String("platform.id", id))

	return s.updatePlatforms(ctx, "connect_platform", func(cur domain.Identity) ([]string, bool) {
		if cur.HasPlatform(id) {
			return nil, false
		}
		return cur.WithPlatform(id), true
	})
}

// DisconnectPlatform removes id from the connected set, with the same
// write-then-apply discipline as ConnectPlatform.
func (s *Store) DisconnectPlatform(ctx context.Context, id string) bool {
	ctx, span := tracer.Start(ctx, "Session.DisconnectPlatform")
	defer span.End()
	span.SetAttributes(attribute.String("platform.id", id))

	return s.updatePlatforms(ctx, "disconnect_platform", func(cur domain.Identity) ([]string, bool) {
		if !cur.HasPlatform(id) {
			return nil, false
		}
		return cur.WithoutPlatform(id), true
	})
}

func (s *Store) updatePlatforms(ctx context.Context, op string, next func(domain.Identity) ([]string, bool)) bool {
	s.platformMu.Lock()
	defer s.platformMu.Unlock()

	s.mu.RLock()
	cur := s.identity
	gen := s.generation
	s.mu.RUnlock()

	if cur == nil {
		s.count(op, "noop")
		return false
	}
	platforms, changed := next(*cur)
	if !changed {
		s.count(op, "noop")
		return false
	}

	err := s.mode.persist(ctx, cur.ID, domain.ProfileUpdate{ConnectedPlatforms: platforms, UpdatedAt: s.now()})
	if err != nil {
		s.logger.Warn("session: platform set not persisted",
			zap.String("operation", op),
			zap.String("user_id", cur.ID),
			zap.Error(err),
		)
		s.count(op, "write_failed")
		return false
	}

	if !s.apply(gen, func(i *domain.Identity) { i.ConnectedPlatforms = platforms }) {
		s.count(op, "discarded")
		return false
	}
	s.count(op, "success")
	return true
}

// UpdateUserProfile writes name and company, then overlays them on the
// identity if the write succeeded. It reports whether the identity changed.
func (s *Store) UpdateUserProfile(ctx context.Context, fields domain.ProfileFields) bool {
	ctx, span := tracer.Start(ctx, "Session.UpdateUserProfile")
	defer span.End()

	s.mu.RLock()
	cur := s.identity
	gen := s.generation
	s.mu.RUnlock()

	if cur == nil {
		s.count("update_profile", "noop")
		return false
	}

	upd := domain.ProfileUpdate{Name: &fields.Name, Company: &fields.Company, UpdatedAt: s.now()}
	if err := s.mode.persist(ctx, cur.ID, upd); err != nil {
		s.logger.Warn("session: profile update not persisted",
			zap.String("user_id", cur.ID),
			zap.Error(err),
		)
		s.count("update_profile", "write_failed")
		return false
	}

	if !s.apply(gen, func(i *domain.Identity) {
		i.Name = fields.Name
		i.Company = fields.Company
	}) {
		s.count("update_profile", "discarded")
		return false
	}
	s.count("update_profile", "success")
	return true
}

// Reload re-reads the profile row of the held identity, picking up writes
// made outside this store. A failed read leaves the identity unchanged, and
// so does a read that raced with a local change: the store's own writes are
// already mirrored in memory. planSelected is never cleared by a reload.
func (s *Store) Reload(ctx context.Context) bool {
	ctx, span := tracer.Start(ctx, "Session.Reload")
	defer span.End()

	s.platformMu.Lock()
	defer s.platformMu.Unlock()

	s.mu.RLock()
	cur := s.identity
	gen, rev := s.generation, s.revision
	s.mu.RUnlock()
	if cur == nil {
		return false
	}

	ident, err := s.mode.reload(ctx, *cur)
	if err != nil {
		s.logger.Warn("session: reload failed", zap.String("user_id", cur.ID), zap.Error(err))
		s.count("reload", "error")
		return false
	}

	s.mu.Lock()
	stale := s.closed || s.identity == nil || s.generation != gen || s.revision != rev
	if !stale {
		next := ident.Clone()
		next.PlanSelected = next.PlanSelected || s.identity.PlanSelected
		s.identity = &next
		s.revision++
	}
	s.mu.Unlock()

	if stale {
		s.logger.Debug("session: reload raced with a local change, discarded", zap.String("user_id", cur.ID))
		s.count("reload", "discarded")
		return false
	}
	s.notify()
	s.count("reload", "success")
	return true
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() domain.SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Tokens returns the backend token pair, or nil in demo mode or when signed out.
func (s *Store) Tokens() *domain.AuthSession {
	return s.mode.tokens()
}

// Subscribe returns a channel carrying the latest snapshot after every
// change, starting with the current one. Slow readers only see the most
// recent snapshot. The channel is closed by cancel or Close.
func (s *Store) Subscribe() (<-chan domain.SessionSnapshot, func()) {
	ch := make(chan domain.SessionSnapshot, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = ch
	ch <- s.snapshotLocked()
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			if w, ok := s.watchers[id]; ok {
				delete(s.watchers, id)
				close(w)
			}
			s.mu.Unlock()
		})
	}
}

// Close unsubscribes from backend notifications and releases watchers.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	for id, w := range s.watchers {
		delete(s.watchers, id)
		close(w)
	}
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.cancelBG()
	s.mode.close()
	s.markReady()
}

// ============================================================
// Backend notifications
// ============================================================

func (s *Store) subscribeEvents() {
	unsubscribe := s.mode.subscribe(s.onAuthEvent)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		unsubscribe()
		return
	}
	s.unsubscribe = unsubscribe
	s.mu.Unlock()
}

// onAuthEvent runs on the backend's dispatcher, one event at a time.
func (s *Store) onAuthEvent(ev domain.AuthEvent) {
	switch ev.Type {
	case domain.AuthEventSignedIn, domain.AuthEventUserUpdated:
		if ev.Session == nil || !s.mode.holds(ev.Session) {
			return
		}
		s.mu.RLock()
		cur := s.identity
		gen, rev := s.generation, s.revision
		s.mu.RUnlock()

		// Login, Register and restore already built this identity.
		if ev.Type == domain.AuthEventSignedIn && cur != nil && cur.ID == ev.Session.User.ID {
			return
		}

		ident, err := s.mode.hydrate(s.bg, ev.Session.User)
		if err != nil {
			s.logger.Warn("session: rebuild after auth event failed",
				zap.String("event", string(ev.Type)),
				zap.Error(err),
			)
			return
		}
		s.mu.Lock()
		stale := s.closed || s.generation != gen || s.revision != rev || !s.mode.holds(ev.Session)
		if !stale {
			if s.identity != nil && s.identity.ID == ident.ID && s.identity.PlanSelected {
				ident.PlanSelected = true
			}
			s.identity = ident
			s.revision++
			if cur == nil || cur.ID != ident.ID {
				s.generation++
			}
		}
		s.mu.Unlock()
		if !stale {
			s.notify()
		}

	case domain.AuthEventSignedOut:
		s.clear()

	case domain.AuthEventTokenRefreshed:
		s.logger.Debug("session: token refreshed")
	}
}

// ============================================================
// Internal state helpers
// ============================================================

func (s *Store) replace(ident *domain.Identity) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.identity = ident
	s.generation++
	s.revision++
	s.mu.Unlock()
	s.notify()
	return true
}

func (s *Store) clear() {
	s.mu.Lock()
	changed := s.identity != nil
	s.identity = nil
	s.generation++
	s.revision++
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// apply overlays fn on a copy of the identity, unless the principal
// changed since gen was read.
func (s *Store) apply(gen uint64, fn func(*domain.Identity)) bool {
	s.mu.Lock()
	if s.closed || s.identity == nil || s.generation != gen {
		s.mu.Unlock()
		return false
	}
	next := s.identity.Clone()
	fn(&next)
	s.identity = &next
	s.revision++
	s.mu.Unlock()
	s.notify()
	return true
}

func (s *Store) markReady() bool {
	flipped := false
	s.readyOnce.Do(func() {
		s.mu.Lock()
		s.loading = false
		s.mu.Unlock()
		close(s.ready)
		flipped = true
	})
	return flipped
}

func (s *Store) currentGeneration() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

func (s *Store) snapshotLocked() domain.SessionSnapshot {
	snap := domain.SessionSnapshot{IsLoading: s.loading}
	if s.identity != nil {
		ident := s.identity.Clone()
		snap.Identity = &ident
	}
	return snap
}

func (s *Store) notify() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.watchers) == 0 {
		return
	}
	snap := s.snapshotLocked()
	for _, w := range s.watchers {
		select {
		case w <- snap:
		default:
			// Drop the stale snapshot and keep the newest.
			select {
			case <-w:
			default:
			}
			select {
			case w <- snap:
			default:
			}
		}
	}
}

func (s *Store) count(op, outcome string) {
	if s.metrics != nil {
		s.metrics.IncrSessionOp(op, outcome)
	}
}
