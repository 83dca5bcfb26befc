// Package mock provides a scriptable in-memory session driver for tests.
package mock

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/dan-strohschein/dbhandler/session"
	"github.com/dan-strohschein/dbhandler/sqltext"
)

// Result is what a handler returns for one executed statement.
type Result struct {
	Columns      []session.Column
	Rows         [][]any
	RowsAffected int64
}

// Handler answers an executed statement. A returned error is surfaced from
// Query or Exec as is.
type Handler func(query string, args []any) (*Result, error)

// Call records one executed statement.
type Call struct {
	Session int
	Query   string
	Args    []any
}

// Driver implements session.Driver.
type Driver struct {
	mu         sync.Mutex
	handler    Handler
	style      sqltext.Style
	openErrs   []error
	openDelay  time.Duration
	probeErr   error
	probeDelay time.Duration
	execDelay  time.Duration
	hang       chan struct{}
	localBind  bool
	sessions   []*Session
	history    []Call

	opens    atomic.Int32
	probes   atomic.Int32
	prepares atomic.Int32
	execs    atomic.Int32
}

// NewDriver creates a driver whose sessions answer every statement with an
// empty result.
func NewDriver() *Driver {
	return &Driver{
		handler: func(string, []any) (*Result, error) { return &Result{}, nil },
		style:   sqltext.Question,
	}
}

// WithHandler sets the statement handler.
func (d *Driver) WithHandler(h Handler) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
	return d
}

// WithStyle sets the placeholder style sessions report.
func (d *Driver) WithStyle(s sqltext.Style) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.style = s
	return d
}

// WithOpenErrors queues errors returned by successive Open calls. Once the
// queue is drained, Open succeeds.
func (d *Driver) WithOpenErrors(errs ...error) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErrs = append(d.openErrs, errs...)
	return d
}

// WithOpenDelay delays Open. The delay honours ctx.
func (d *Driver) WithOpenDelay(delay time.Duration) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openDelay = delay
	return d
}

// WithProbeError makes Probe fail with err until it is reset with nil.
func (d *Driver) WithProbeError(err error) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.probeErr = err
	return d
}

// WithProbeDelay delays Probe. The delay honours ctx.
func (d *Driver) WithProbeDelay(delay time.Duration) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.probeDelay = delay
	return d
}

// WithExecDelay delays Query and Exec. The delay honours ctx.
func (d *Driver) WithExecDelay(delay time.Duration) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.execDelay = delay
	return d
}

// WithLocalBind makes Bind record its arguments without checking the session,
// the way database/sql statements do. A killed session then first fails in
// Query or Exec.
func (d *Driver) WithLocalBind() *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.localBind = true
	return d
}

// Hang makes Probe, Query and Exec block, ignoring their contexts, until the
// returned release function is called.
func (d *Driver) Hang() (release func()) {
	ch := make(chan struct{})
	d.mu.Lock()
	d.hang = ch
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			if d.hang == ch {
				d.hang = nil
			}
			d.mu.Unlock()
			close(ch)
		})
	}
}

// Kill breaks every open session, as if the backend had dropped them.
func (d *Driver) Kill() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.sessions {
		s.broken.Store(true)
	}
}

// Open implements session.Driver.
func (d *Driver) Open(ctx context.Context, cfg session.Config) (session.Session, error) {
	d.opens.Inc()

	d.mu.Lock()
	delay := d.openDelay
	var openErr error
	if len(d.openErrs) > 0 {
		openErr, d.openErrs = d.openErrs[0], d.openErrs[1:]
	}
	d.mu.Unlock()

	if err := wait(ctx, delay); err != nil {
		return nil, err
	}
	if openErr != nil {
		return nil, openErr
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	s := &Session{driver: d, id: len(d.sessions) + 1, cfg: cfg}
	d.sessions = append(d.sessions, s)
	return s, nil
}

// OpenCount returns the number of Open calls, successful or not.
func (d *Driver) OpenCount() int { return int(d.opens.Load()) }

// ProbeCount returns the number of Probe calls.
func (d *Driver) ProbeCount() int { return int(d.probes.Load()) }

// PrepareCount returns the number of Prepare calls.
func (d *Driver) PrepareCount() int { return int(d.prepares.Load()) }

// ExecCount returns the number of statements that reached the handler.
func (d *Driver) ExecCount() int { return int(d.execs.Load()) }

// Sessions returns every session opened so far.
func (d *Driver) Sessions() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Session(nil), d.sessions...)
}

// History returns the executed statements in order.
func (d *Driver) History() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.history...)
}

// Session implements session.Session.
type Session struct {
	driver *Driver
	id     int
	cfg    session.Config
	broken atomic.Bool
	closed atomic.Bool
}

// ID is the 1-based open order of the session.
func (s *Session) ID() int { return s.id }

// Config returns the configuration the session was opened with.
func (s *Session) Config() session.Config { return s.cfg }

// IsClosed reports whether Close was called.
func (s *Session) IsClosed() bool { return s.closed.Load() }

func (s *Session) check() error {
	if s.closed.Load() {
		return session.ErrClosed
	}
	if s.broken.Load() {
		return fmt.Errorf("mock session %d: %w", s.id, session.ErrBroken)
	}
	return nil
}

// Probe implements session.Session.
func (s *Session) Probe(ctx context.Context) error {
	s.driver.probes.Inc()
	s.driver.mu.Lock()
	delay, probeErr, hang := s.driver.probeDelay, s.driver.probeErr, s.driver.hang
	s.driver.mu.Unlock()

	if hang != nil {
		<-hang
	}
	if err := wait(ctx, delay); err != nil {
		return err
	}
	if err := s.check(); err != nil {
		return err
	}
	return probeErr
}

// Prepare implements session.Session.
func (s *Session) Prepare(ctx context.Context, query string) (session.Statement, error) {
	s.driver.prepares.Inc()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.check(); err != nil {
		return nil, err
	}
	return &Statement{session: s, query: query}, nil
}

// PlaceholderStyle implements session.Session.
func (s *Session) PlaceholderStyle() sqltext.Style {
	s.driver.mu.Lock()
	defer s.driver.mu.Unlock()
	return s.driver.style
}

// Close implements session.Session.
func (s *Session) Close() error {
	s.closed.Store(true)
	return nil
}

// Statement implements session.Statement.
type Statement struct {
	session *Session
	query   string
	args    []any
	closed  atomic.Bool
}

// Bind implements session.Statement.
func (st *Statement) Bind(args []any) error {
	d := st.session.driver
	d.mu.Lock()
	local := d.localBind
	d.mu.Unlock()
	if !local {
		if err := st.session.check(); err != nil {
			return err
		}
	}
	st.args = append([]any(nil), args...)
	return nil
}

func (st *Statement) run(ctx context.Context) (*Result, error) {
	if st.closed.Load() {
		return nil, session.ErrClosed
	}
	d := st.session.driver
	d.mu.Lock()
	delay, hang, handler := d.execDelay, d.hang, d.handler
	d.mu.Unlock()

	if hang != nil {
		<-hang
	}
	if err := wait(ctx, delay); err != nil {
		return nil, err
	}
	if err := st.session.check(); err != nil {
		return nil, err
	}

	d.execs.Inc()
	d.mu.Lock()
	d.history = append(d.history, Call{Session: st.session.id, Query: st.query, Args: st.args})
	d.mu.Unlock()

	res, err := handler(st.query, st.args)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &Result{}
	}
	return res, nil
}

// Query implements session.Statement.
func (st *Statement) Query(ctx context.Context) (session.Rows, error) {
	res, err := st.run(ctx)
	if err != nil {
		return nil, err
	}
	return &Rows{session: st.session, result: res}, nil
}

// Exec implements session.Statement.
func (st *Statement) Exec(ctx context.Context) (int64, error) {
	res, err := st.run(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected, nil
}

// Close implements session.Statement.
func (st *Statement) Close() error {
	st.closed.Store(true)
	return nil
}

// Rows implements session.Rows.
type Rows struct {
	session *Session
	result  *Result
	next    int
	closed  bool
}

// Columns implements session.Rows.
func (r *Rows) Columns() []session.Column { return r.result.Columns }

// Next implements session.Rows. A killed session fails the next fetch.
func (r *Rows) Next(ctx context.Context) ([]any, error) {
	if r.closed {
		return nil, session.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := r.session.check(); err != nil {
		return nil, err
	}
	if r.next >= len(r.result.Rows) {
		return nil, io.EOF
	}
	row := r.result.Rows[r.next]
	r.next++
	return append([]any(nil), row...), nil
}

// Close implements session.Rows.
func (r *Rows) Close() error {
	r.closed = true
	return nil
}

func wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
