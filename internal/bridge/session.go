package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xkilldash9x/venice-bridge/internal/browser"
	"github.com/xkilldash9x/venice-bridge/internal/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Session is one authenticated browser. It is replaced wholesale on failure,
// never repaired.
type Session struct {
	ID        string
	Mode      config.AuthMode
	CreatedAt time.Time

	handle   browser.Handle
	live     atomic.Bool
	location atomic.Value // string
}

func newSession(mode config.AuthMode, h browser.Handle, now time.Time) *Session {
	s := &Session{ID: uuid.NewString(), Mode: mode, CreatedAt: now, handle: h}
	s.live.Store(true)
	s.location.Store("")
	return s
}

func (s *Session) Handle() browser.Handle { return s.handle }

func (s *Session) Live() bool { return s.live.Load() }

// Location is the last page location the bridge observed.
func (s *Session) Location() string {
	loc, _ := s.location.Load().(string)
	return loc
}

func (s *Session) setLocation(loc string) { s.location.Store(loc) }

// SessionSource is what the orchestrator needs from a session manager.
type SessionSource interface {
	Acquire(ctx context.Context) (*Session, error)
	Invalidate(ctx context.Context, s *Session)
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Venice  config.VeniceConfig
	Bridge  config.BridgeConfig
	Logger  *zap.Logger
	Metrics *Metrics
}

// Manager owns at most one Session and runs the sign-in protocol to create it.
type Manager struct {
	launcher browser.Launcher
	auth     Authenticator
	venice   config.VeniceConfig
	timing   config.BridgeConfig
	limiter  *rate.Limiter
	logger   *zap.Logger
	metrics  *Metrics
	now      func() time.Time

	acquireMu sync.Mutex
	mu        sync.RWMutex
	current   *Session
}

func NewManager(launcher browser.Launcher, auth Authenticator, opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if opts.Bridge.LoginInterval > 0 {
		limit = rate.Every(opts.Bridge.LoginInterval)
	}
	burst := opts.Bridge.LoginBurst
	if burst <= 0 {
		burst = 1
	}
	return &Manager{
		launcher: launcher,
		auth:     auth,
		venice:   opts.Venice,
		timing:   opts.Bridge,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logger.Named("session"),
		metrics:  opts.Metrics,
		now:      time.Now,
	}
}

// Current returns the live session, or nil.
func (m *Manager) Current() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current != nil && m.current.Live() {
		return m.current
	}
	return nil
}

// Acquire returns the live session, signing a new browser in when there is
// none. Failures are *AuthError unless ctx ended first.
func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	m.acquireMu.Lock()
	defer m.acquireMu.Unlock()

	if s := m.Current(); s != nil {
		return s, nil
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for login slot: %w", err)
	}

	mode := string(m.auth.Mode())
	started := m.now()
	m.logger.Info("Signing in", zap.String("mode", mode))

	h, err := m.launcher.Launch(ctx)
	if err != nil {
		m.metrics.login(mode, "failed")
		return nil, authFailure(ctx, "launch", err)
	}
	if err := m.auth.SignIn(ctx, h); err != nil {
		m.discard(ctx, h)
		m.metrics.login(mode, "failed")
		return nil, authFailure(ctx, "sign-in", err)
	}
	if err := m.awaitReady(ctx, h); err != nil {
		m.discard(ctx, h)
		m.metrics.login(mode, "failed")
		return nil, authFailure(ctx, "readiness", err)
	}

	s := newSession(m.auth.Mode(), h, m.now())
	if loc, err := h.Location(ctx); err == nil {
		s.setLocation(loc)
	}
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()

	m.metrics.login(mode, "ok")
	m.metrics.live(true)
	m.logger.Info("Session ready",
		zap.String("session_id", s.ID),
		zap.Duration("took", m.now().Sub(started)))
	return s, nil
}

// awaitReady looks for the ready marker, and the PRO marker when required,
// reloading between attempts.
func (m *Manager) awaitReady(ctx context.Context, h browser.Handle) error {
	attempts := m.timing.ReadinessAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			m.logger.Warn("Ready marker missing; reloading",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", attempts),
				zap.Error(lastErr))
			if err := h.Reload(ctx); err != nil {
				return fmt.Errorf("reload: %w", err)
			}
		}
		lastErr = m.checkMarkers(ctx, h)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("ready marker not seen after %d attempts: %w", attempts, lastErr)
}

func (m *Manager) checkMarkers(ctx context.Context, h browser.Handle) error {
	loc := m.venice.Locators
	if err := h.WaitFor(ctx, browser.XPath(loc.ReadyMarker), browser.Clickable, m.timing.WaitTimeout); err != nil {
		return err
	}
	if m.venice.RequirePro {
		if err := h.WaitFor(ctx, browser.XPath(loc.ProMarker), browser.Present, m.timing.WaitTimeout); err != nil {
			return fmt.Errorf("pro marker: %w", err)
		}
	}
	return nil
}

// Invalidate kills s. It is idempotent and ignores errors from closing the browser.
func (m *Manager) Invalidate(ctx context.Context, s *Session) {
	if s == nil || !s.live.CompareAndSwap(true, false) {
		return
	}
	m.mu.Lock()
	if m.current == s {
		m.current = nil
		m.metrics.live(false)
	}
	m.mu.Unlock()

	m.discard(ctx, s.handle)
	m.logger.Info("Session invalidated", zap.String("session_id", s.ID))
}

// Close invalidates the current session, if any.
func (m *Manager) Close(ctx context.Context) {
	m.mu.RLock()
	s := m.current
	m.mu.RUnlock()
	m.Invalidate(ctx, s)
}

func (m *Manager) discard(ctx context.Context, h browser.Handle) {
	closeCtx, cancel := context.WithTimeout(browser.Detach(ctx), 10*time.Second)
	defer cancel()
	if err := h.Close(closeCtx); err != nil {
		m.logger.Debug("Ignoring error while closing browser", zap.Error(err))
	}
}
