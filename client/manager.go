package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/dan-strohschein/dbhandler/session"
)

// Manager owns exactly one backend session and hands out exclusive, scoped
// access to it. It opens the session lazily, probes it after idle periods,
// replaces it when it fails or ages out, and bounds every call into it.
type Manager struct {
	opts    Options
	driver  session.Driver
	logger  Logger
	state   *StateManager
	cache   *StatementCache
	metrics *managerMetrics
	group   singleflight.Group

	// slot is the exclusive right to use the session. Waiters are served in
	// arrival order.
	slot chan struct{}

	mu       sync.Mutex
	sess     session.Session
	openedAt time.Time
	lastUsed time.Time
	closed   bool
	// gaveUp is set when connecting or reconnecting ran out of attempts.
	// Only Connect clears it.
	gaveUp bool

	generation atomic.Uint64
	reconnects atomic.Int64
	closers    sync.WaitGroup
}

// NewManager creates a manager for sessions opened by driver. No session is
// opened until Connect or the first acquisition.
func NewManager(driver session.Driver, opts Options) (*Manager, error) {
	if driver == nil {
		return nil, errors.New("session driver is required")
	}
	if err := opts.Validate(); err != nil {
		return nil, pkgerrors.Wrap(err, "invalid options")
	}

	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(opts.LogLevel, os.Stdout)
	}

	metrics, err := newManagerMetrics(opts.Registerer)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "register metrics")
	}

	m := &Manager{
		opts:    opts,
		driver:  driver,
		logger:  logger.WithFields(String("component", "manager")),
		state:   NewStateManager(DefaultTransitionHistory),
		metrics: metrics,
		slot:    make(chan struct{}, 1),
	}
	if opts.StatementCacheTTL > 0 {
		m.cache = NewStatementCache(opts.StatementCacheTTL)
	}

	m.state.OnStateChange(func(t StateTransition) {
		fields := []Field{
			String("from", t.From.String()),
			String("to", t.To.String()),
			String("reason", t.Reason),
			Uint64("generation", t.Generation),
			Duration("held", t.Duration),
		}
		if t.Error != nil {
			fields = append(fields, String("error", FormatError(t.Error, opts.DebugMode)))
		}
		m.logger.Info("connection state changed", fields...)
		m.metrics.state.Set(float64(t.To))
	})
	if opts.OnStateChange != nil {
		m.state.OnStateChange(opts.OnStateChange)
	}
	return m, nil
}

// Options returns the manager's configuration.
func (m *Manager) Options() Options { return m.opts }

// Logger returns the manager's logger.
func (m *Manager) Logger() Logger { return m.logger }

// State returns the current connection state.
func (m *Manager) State() ConnectionState { return m.state.GetState() }

// Generation identifies the current session. It changes whenever the session
// is replaced or closed.
func (m *Manager) Generation() uint64 { return m.generation.Load() }

// Reconnects returns the number of successful reconnects.
func (m *Manager) Reconnects() int64 { return m.reconnects.Load() }

// Transitions returns the retained state transitions, oldest first.
func (m *Manager) Transitions() []StateTransition { return m.state.History() }

// OnStateChange registers a handler called after every state transition.
func (m *Manager) OnStateChange(handler StateChangeHandler) { m.state.OnStateChange(handler) }

// Connect opens the session if there is none and replaces it if it is
// DEGRADED. It is a no-op on a HEALTHY manager. Connect is the only way out
// of DISCONNECTED once reconnect attempts have been exhausted.
func (m *Manager) Connect(ctx context.Context) error {
	if err := m.waitSlot(ctx); err != nil {
		return err
	}
	m.setGaveUp(false)
	c, err := m.ready(ctx)
	if err != nil {
		m.releaseSlot()
		return err
	}
	c.release()
	return nil
}

// CheckHealth probes the session, bounded by HealthCheckTimeout. A failed
// probe marks the session DEGRADED; it is replaced on the next acquisition.
func (m *Manager) CheckHealth(ctx context.Context) (ConnectionState, error) {
	if err := m.waitSlot(ctx); err != nil {
		return m.State(), err
	}
	defer m.releaseSlot()

	err := m.probeLocked(ctx)
	return m.State(), err
}

// Do runs fn with exclusive access to a ready session. The Conn must not be
// used after fn returns. The connection is released on every exit path,
// including panics.
func (m *Manager) Do(ctx context.Context, fn func(ctx context.Context, c *Conn) error) error {
	c, err := m.acquire(ctx)
	if err != nil {
		return err
	}
	defer c.release()
	return fn(ctx, c)
}

// WithConnection is Do for functions producing a value.
func WithConnection[T any](ctx context.Context, m *Manager, fn func(ctx context.Context, c *Conn) (T, error)) (T, error) {
	var out T
	err := m.Do(ctx, func(ctx context.Context, c *Conn) error {
		var err error
		out, err = fn(ctx, c)
		return err
	})
	return out, err
}

// Close closes the session and moves the manager to DISCONNECTED for good.
// Open result sets become stale. Close waits for discarded sessions to finish
// closing until ctx is done.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	old := m.sess
	m.sess = nil
	m.mu.Unlock()

	m.generation.Inc()
	m.discard(old)
	if m.State() != DISCONNECTED {
		m.transition(DISCONNECTED, "close", nil)
	}

	done := make(chan struct{})
	go func() {
		m.closers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return pkgerrors.Wrap(ctx.Err(), "close")
	}
}

func (m *Manager) setGaveUp(v bool) {
	m.mu.Lock()
	m.gaveUp = v
	m.mu.Unlock()
}

func (m *Manager) hasGivenUp() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gaveUp
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) waitSlot(ctx context.Context) error {
	if m.isClosed() {
		return m.closedError()
	}
	start := time.Now()
	select {
	case m.slot <- struct{}{}:
		m.metrics.waits.Observe(time.Since(start).Seconds())
		return nil
	case <-ctx.Done():
		return m.ctxError(ctx.Err(), "waiting for the connection")
	}
}

func (m *Manager) tryAcquireSlot() bool {
	select {
	case m.slot <- struct{}{}:
		return true
	default:
		return false
	}
}

func (m *Manager) releaseSlot() {
	m.mu.Lock()
	m.lastUsed = time.Now()
	m.mu.Unlock()
	<-m.slot
}

// acquire takes the slot and readies the session.
func (m *Manager) acquire(ctx context.Context) (*Conn, error) {
	if err := m.waitSlot(ctx); err != nil {
		return nil, err
	}
	c, err := m.ready(ctx)
	if err != nil {
		m.releaseSlot()
		return nil, err
	}
	return c, nil
}

// ready brings the session to HEALTHY. The slot must be held.
func (m *Manager) ready(ctx context.Context) (*Conn, error) {
	if m.isClosed() {
		return nil, m.closedError()
	}

	verified := false
	switch m.State() {
	case DISCONNECTED:
		if m.hasGivenUp() {
			return nil, newConnectionError(KindDisconnected, DISCONNECTED,
				"reconnect attempts exhausted, call Connect to open a new session", nil)
		}
		if err := m.connectLocked(ctx); err != nil {
			return nil, err
		}
		verified = true
	case DEGRADED:
		if err := m.reconnectLocked(ctx, "degraded session"); err != nil {
			return nil, err
		}
		verified = true
	case HEALTHY:
		m.mu.Lock()
		openedAt, lastUsed := m.openedAt, m.lastUsed
		m.mu.Unlock()

		switch {
		case m.opts.MaxSessionAge > 0 && time.Since(openedAt) > m.opts.MaxSessionAge:
			m.markDegraded("session age exceeded", nil)
			if err := m.reconnectLocked(ctx, "session age exceeded"); err != nil {
				return nil, err
			}
			verified = true
		case m.opts.IdleTimeout > 0 && time.Since(lastUsed) > m.opts.IdleTimeout:
			if err := m.probeLocked(ctx); err != nil {
				m.logger.Info("idle session failed probe", Error("error", err))
				if err := m.reconnectLocked(ctx, "idle probe failed"); err != nil {
					return nil, err
				}
			}
			verified = true
		}
	default:
		return nil, newStateError("acquire", m.State(), HEALTHY)
	}

	sess, gen := m.current()
	if sess == nil {
		return nil, m.closedError()
	}
	return &Conn{m: m, sess: sess, gen: gen, verified: verified}, nil
}

func (m *Manager) current() (session.Session, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess, m.generation.Load()
}

// connectLocked opens the first session. The slot must be held.
func (m *Manager) connectLocked(ctx context.Context) error {
	m.transition(CONNECTING, "connect", nil)

	sess, attempts, err := m.open(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.setGaveUp(true)
		}
		m.transition(DISCONNECTED, "connect failed", err)
		return m.connectFailure(err, attempts)
	}
	if !m.install(sess) {
		_ = sess.Close()
		return m.closedError()
	}
	m.transition(HEALTHY, "connected", nil)
	return nil
}

// reconnectLocked replaces the session. Concurrent callers share one
// procedure, which keeps running if the caller's context ends first. The
// slot must be held.
func (m *Manager) reconnectLocked(ctx context.Context, reason string) error {
	ch := m.group.DoChan("reconnect", func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.reconnectBudget())
		defer cancel()
		return nil, m.reconnect(rctx, reason)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return m.ctxError(ctx.Err(), "reconnect")
	}
}

func (m *Manager) reconnectBudget() time.Duration {
	n := time.Duration(m.opts.MaxReconnectAttempts)
	return n*m.opts.ConnectTimeout + n*m.opts.Backoff.Max + time.Second
}

func (m *Manager) reconnect(ctx context.Context, reason string) error {
	if m.isClosed() {
		return m.closedError()
	}
	if m.State() == HEALTHY {
		m.markDegraded(reason, nil)
	}

	m.mu.Lock()
	old := m.sess
	m.sess = nil
	m.mu.Unlock()
	m.discard(old)

	m.logger.Info("reconnecting", String("reason", reason))
	sess, attempts, err := m.open(ctx)
	if err != nil {
		m.metrics.reconnects.WithLabelValues("failure").Inc()
		m.setGaveUp(true)
		m.transition(DISCONNECTED, "reconnect failed", err)
		return m.connectFailure(err, attempts)
	}
	if !m.install(sess) {
		_ = sess.Close()
		return m.closedError()
	}
	m.reconnects.Inc()
	m.metrics.reconnects.WithLabelValues("success").Inc()
	m.transition(HEALTHY, reason, nil)
	return nil
}

// open makes up to MaxReconnectAttempts attempts with backoff between them.
func (m *Manager) open(ctx context.Context) (session.Session, int, error) {
	var lastErr error
	for attempt := 1; attempt <= m.opts.MaxReconnectAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, m.opts.Backoff.Delay(attempt-1)); err != nil {
				return nil, attempt - 1, lastErr
			}
		}

		actx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
		sess, err := m.openOnce(actx)
		cancel()
		if err == nil {
			return sess, attempt, nil
		}

		lastErr = err
		m.logger.Warn("connection attempt failed",
			Int("attempt", attempt),
			Int("maxAttempts", m.opts.MaxReconnectAttempts),
			Error("error", err))

		if errors.Is(err, session.ErrAuthentication) && !m.opts.RetryAuthentication {
			return nil, attempt, err
		}
		if ctx.Err() != nil {
			return nil, attempt, err
		}
	}
	return nil, m.opts.MaxReconnectAttempts, lastErr
}

// openOnce returns when ctx is done even if the driver does not honour it. A
// session that arrives late is closed.
func (m *Manager) openOnce(ctx context.Context) (session.Session, error) {
	type result struct {
		sess session.Session
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := m.driver.Open(ctx, m.opts.Session)
		ch <- result{s, err}
	}()

	select {
	case r := <-ch:
		return r.sess, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.sess != nil {
				_ = r.sess.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// install makes sess the current session unless the manager was closed.
func (m *Manager) install(sess session.Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	now := time.Now()
	m.sess = sess
	m.openedAt = now
	m.lastUsed = now
	m.generation.Inc()
	return true
}

// discard closes a replaced session and its cached statements in the
// background; a session abandoned mid-call may not close until the call
// returns.
func (m *Manager) discard(old session.Session) {
	var stmts []session.Statement
	if m.cache != nil {
		stmts = m.cache.drain()
	}
	if old == nil && len(stmts) == 0 {
		return
	}
	m.closers.Add(1)
	go func() {
		defer m.closers.Done()
		for _, st := range stmts {
			_ = st.Close()
		}
		if old != nil {
			if err := old.Close(); err != nil {
				m.logger.Debug("closing replaced session", Error("error", err))
			}
		}
	}()
}

// probeLocked probes the session. The slot must be held.
func (m *Manager) probeLocked(ctx context.Context) error {
	sess, _ := m.current()
	if sess == nil {
		return newConnectionError(KindDisconnected, m.State(), "no session", nil)
	}
	_, err := m.invoke(ctx, m.opts.HealthCheckTimeout, "probe", sess.Probe)
	if err != nil {
		m.metrics.probes.WithLabelValues("failure").Inc()
		m.markDegraded("probe failed", err)
		return err
	}
	m.metrics.probes.WithLabelValues("success").Inc()
	return nil
}

// invoke runs fn against the session, bounded by timeout and ctx. If either
// ends first, invoke returns without waiting for fn, marks the session
// DEGRADED and returns a ConnectionError. A connection failure reported by
// fn also marks the session DEGRADED.
//
// On success the returned cancel releases fn's context and must be called
// once the caller is done with what fn produced.
func (m *Manager) invoke(ctx context.Context, timeout time.Duration, op string, fn func(context.Context) error) (context.CancelFunc, error) {
	callCtx, cancel := context.WithCancel(ctx)

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	select {
	case err := <-done:
		if err == nil {
			return cancel, nil
		}
		cancel()
		if ctx.Err() != nil {
			m.markDegraded(op+" interrupted", ctx.Err())
			return nil, m.ctxError(ctx.Err(), op)
		}
		if session.IsConnectionFailure(err) {
			m.markDegraded(op+" failed", err)
		}
		return nil, err
	case <-expired:
		cancel()
		m.markDegraded(op+" timed out", nil)
		return nil, newConnectionError(KindTimeout, m.State(),
			fmt.Sprintf("%s exceeded %s", op, timeout), context.DeadlineExceeded)
	case <-ctx.Done():
		cancel()
		m.markDegraded(op+" interrupted", ctx.Err())
		return nil, m.ctxError(ctx.Err(), op)
	}
}

func (m *Manager) markDegraded(reason string, err error) {
	if m.State() == HEALTHY {
		m.transition(DEGRADED, reason, err)
	}
}

func (m *Manager) transition(to ConnectionState, reason string, cause error) {
	if err := m.state.TransitionTo(to, reason, cause, m.generation.Load()); err != nil {
		m.logger.Warn("state transition rejected", String("reason", reason), Error("error", err))
	}
}

func (m *Manager) connectFailure(err error, attempts int) *ConnectionError {
	kind := KindNetworkUnreachable
	switch {
	case errors.Is(err, session.ErrAuthentication):
		kind = KindAuthentication
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	}
	e := newConnectionError(kind, m.State(), "could not establish a session", err)
	e.Attempts = attempts
	return e
}

func (m *Manager) ctxError(err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newConnectionError(KindTimeout, m.State(), fmt.Sprintf("deadline exceeded (%s)", op), err)
	}
	return pkgerrors.Wrap(err, op)
}

func (m *Manager) closedError() *ConnectionError {
	return newConnectionError(KindDisconnected, m.State(), "manager is closed", nil)
}
