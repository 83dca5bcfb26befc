package client

import (
	"context"

	"go.uber.org/atomic"

	"github.com/dan-strohschein/dbhandler/session"
	"github.com/dan-strohschein/dbhandler/sqltext"
)

// Conn is scoped, exclusive access to the managed session. It is valid until
// the function it was handed to returns, or until the ResultSet holding it is
// closed.
type Conn struct {
	m        *Manager
	sess     session.Session
	gen      uint64
	released atomic.Bool
	// verified is set once the session has been opened or probed during this
	// acquisition.
	verified bool
}

// Generation is the session generation the Conn was acquired on.
func (c *Conn) Generation() uint64 { return c.gen }

// PlaceholderStyle is the placeholder syntax the session expects.
func (c *Conn) PlaceholderStyle() sqltext.Style { return c.sess.PlaceholderStyle() }

// Probe checks the session, bounded by HealthCheckTimeout.
func (c *Conn) Probe(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.m.probeLocked(ctx)
}

// Exec prepares, binds and executes a statement written in the session's own
// placeholder style. Each call into the session is bounded by
// StatementTimeout.
func (c *Conn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	st, err := c.prepare(ctx, query)
	if err != nil {
		return 0, err
	}
	defer c.finish(st)
	if err := c.call(ctx, "bind", func(context.Context) error { return st.Bind(args) }); err != nil {
		return 0, err
	}
	var n int64
	err = c.call(ctx, "execute", func(ctx context.Context) error {
		var err error
		n, err = st.Exec(ctx)
		return err
	})
	return n, err
}

func (c *Conn) check() error {
	if c.released.Load() {
		return newConnectionError(KindDisconnected, c.m.State(), "connection used after release", nil)
	}
	if gen := c.m.Generation(); gen != c.gen {
		return &StaleResultError{Generation: c.gen, Current: gen, State: c.m.State()}
	}
	return nil
}

// call runs fn against the session bounded by StatementTimeout.
func (c *Conn) call(ctx context.Context, op string, fn func(context.Context) error) error {
	cancel, err := c.invoke(ctx, op, fn)
	if err != nil {
		return err
	}
	cancel()
	return nil
}

// invoke is call for results that outlive it, such as open rows.
func (c *Conn) invoke(ctx context.Context, op string, fn func(context.Context) error) (context.CancelFunc, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.m.invoke(ctx, c.m.opts.StatementTimeout, op, fn)
}

// prepare returns a prepared statement for query, reusing the cached one for
// the current session when there is one. A cached statement never touches the
// backend before it executes, so the session is probed first.
func (c *Conn) prepare(ctx context.Context, query string) (session.Statement, error) {
	cache := c.m.cache
	if st, ok := cache.Get(query); ok {
		if err := c.verify(ctx); err != nil {
			return nil, err
		}
		return st, nil
	}
	var st session.Statement
	err := c.call(ctx, "prepare", func(ctx context.Context) error {
		var err error
		st, err = c.sess.Prepare(ctx, query)
		return err
	})
	if err != nil {
		return nil, err
	}
	if cache != nil {
		cache.Put(query, st)
	}
	return st, nil
}

// verify probes the session unless it was already opened or probed since the
// Conn was acquired.
func (c *Conn) verify(ctx context.Context) error {
	if c.verified {
		return nil
	}
	if err := c.Probe(ctx); err != nil {
		if !isConnectionFailure(err) && ctx.Err() == nil {
			return newConnectionError(KindDisconnected, c.m.State(), "session failed probe", err)
		}
		return err
	}
	c.verified = true
	return nil
}

// finish releases a statement that is not cached.
func (c *Conn) finish(st session.Statement) {
	if c.m.cache == nil {
		_ = st.Close()
	}
}

// evict drops a statement that failed from the cache.
func (c *Conn) evict(query string, st session.Statement) {
	if c.m.cache == nil {
		_ = st.Close()
		return
	}
	c.m.cache.Remove(query)
}

// reconnect replaces the session and rebinds the Conn to the new one.
func (c *Conn) reconnect(ctx context.Context, reason string) error {
	if err := c.m.reconnectLocked(ctx, reason); err != nil {
		return err
	}
	sess, gen := c.m.current()
	if sess == nil {
		return c.m.closedError()
	}
	c.sess, c.gen = sess, gen
	c.verified = true
	return nil
}

func (c *Conn) release() {
	if c.released.CAS(false, true) {
		c.m.releaseSlot()
	}
}
