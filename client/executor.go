package client

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	"github.com/dan-strohschein/dbhandler/mapper"
	"github.com/dan-strohschein/dbhandler/session"
	"github.com/dan-strohschein/dbhandler/sqltext"
)

// Executor runs statements through a Manager. Placeholders may be written in
// any style sqltext understands; they are rewritten for the session.
type Executor struct {
	m      *Manager
	hooks  *hookChain
	logger Logger
}

// NewExecutor creates an executor with statement logging, plus one SQL log
// file per statement when Options.SQLLogDir is set, followed by hooks.
func NewExecutor(m *Manager, hooks ...Hook) *Executor {
	e := &Executor{
		m:      m,
		logger: m.logger.WithFields(String("component", "executor")),
	}
	e.hooks = &hookChain{logger: e.logger}
	e.hooks.register(NewLoggingHook(m.logger))
	if m.opts.SQLLogDir != "" {
		e.hooks.register(NewSQLLogHook(m.opts.SQLLogDir, e.logger))
	}
	for _, h := range hooks {
		e.hooks.register(h)
	}
	return e
}

// Manager returns the executor's manager.
func (e *Executor) Manager() *Manager { return e.m }

// RegisterHook adds a hook to the chain. Hooks run in registration order; a
// hook with the name of a registered one replaces it.
func (e *Executor) RegisterHook(hook Hook) { e.hooks.register(hook) }

// UnregisterHook removes a hook by name.
func (e *Executor) UnregisterHook(name string) bool { return e.hooks.unregister(name) }

// Hooks returns the names of all registered hooks in execution order.
func (e *Executor) Hooks() []string { return e.hooks.names() }

// SelectOption adjusts how a result set is decoded.
type SelectOption func(*selectOptions) error

type selectOptions struct {
	casts []castRule
	fills []fillRule
}

type castRule struct {
	pattern *regexp.Regexp
	typ     mapper.Type
}

type fillRule struct {
	pattern *regexp.Regexp
	value   any
}

// WithCast decodes columns whose name matches pattern, case-insensitively, as
// t instead of the type the backend reports. Later rules win.
func WithCast(pattern string, t mapper.Type) SelectOption {
	return func(o *selectOptions) error {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return pkgerrors.Wrapf(err, "cast pattern %q", pattern)
		}
		o.casts = append(o.casts, castRule{pattern: re, typ: t})
		return nil
	}
}

// WithNullFill replaces nulls in columns whose name matches pattern,
// case-insensitively, with value. Later rules win.
func WithNullFill(pattern string, value any) SelectOption {
	return func(o *selectOptions) error {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return pkgerrors.Wrapf(err, "null fill pattern %q", pattern)
		}
		o.fills = append(o.fills, fillRule{pattern: re, value: value})
		return nil
	}
}

// Select runs a query and returns a lazy result set. The result set holds the
// connection until it is exhausted or closed, and reads through ctx, which
// must stay alive until then.
func (e *Executor) Select(ctx context.Context, query string, binds []BindVariable, opts ...SelectOption) (*ResultSet, error) {
	so := &selectOptions{}
	for _, opt := range opts {
		if err := opt(so); err != nil {
			return nil, err
		}
	}

	hc := e.newHookContext(query, binds)
	if err := e.hooks.before(ctx, hc); err != nil {
		return nil, err
	}
	rs, err := e.query(ctx, hc, query, binds, so)
	hc.Duration = time.Since(hc.StartTime)
	hc.Error = err
	e.hooks.after(ctx, hc)
	return rs, err
}

// Execute runs a statement that returns no rows and reports the rows it
// affected. A failure after the statement was sent is a
// *PartialExecutionError and is never retried.
func (e *Executor) Execute(ctx context.Context, query string, binds []BindVariable) (int64, error) {
	hc := e.newHookContext(query, binds)
	if err := e.hooks.before(ctx, hc); err != nil {
		return 0, err
	}
	n, err := e.exec(ctx, hc, query, binds)
	hc.Duration = time.Since(hc.StartTime)
	hc.RowsAffected = n
	hc.Error = err
	e.hooks.after(ctx, hc)
	return n, err
}

func (e *Executor) newHookContext(query string, binds []BindVariable) *HookContext {
	return &HookContext{
		Command:     query,
		Summary:     sqltext.Summarize(query, sqltext.DefaultSummaryWidth),
		CommandType: inferCommandType(query),
		Params:      renderBinds(binds, e.m.opts.RedactBinds),
		StartTime:   time.Now(),
		Metadata:    make(map[string]interface{}),
		TraceID:     uuid.NewString(),
	}
}

// bindStatement parses query and encodes binds for it.
func (e *Executor) bindStatement(hc *HookContext, query string, binds []BindVariable) (*sqltext.Statement, []any, error) {
	stmt, err := sqltext.Parse(query)
	if err != nil {
		return nil, nil, e.queryError("SQL_PARSE_FAILED", "cannot parse placeholders", hc, err)
	}
	args, err := resolve(stmt, binds)
	if err != nil {
		var bm *BindMismatchError
		if errors.As(err, &bm) {
			bm.State = e.m.State()
		}
		return nil, nil, err
	}
	return stmt, args, nil
}

func (e *Executor) query(ctx context.Context, hc *HookContext, query string, binds []BindVariable, so *selectOptions) (*ResultSet, error) {
	stmt, args, err := e.bindStatement(hc, query, binds)
	if err != nil {
		return nil, err
	}

	c, err := e.m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	st, _, err := e.prepareAndBind(ctx, c, hc, stmt, args)
	if err != nil {
		c.release()
		return nil, err
	}
	hc.Generation = c.gen

	var rows session.Rows
	cancel, err := c.invoke(ctx, "query", func(ctx context.Context) error {
		var err error
		rows, err = st.Query(ctx)
		return err
	})
	if err != nil {
		c.finish(st)
		c.release()
		if isConnectionFailure(err) {
			return nil, e.connectionError(err)
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, e.queryError("QUERY_FAILED", "query failed", hc, err)
	}
	return newResultSet(e, c, st, rows, cancel, hc, so), nil
}

func (e *Executor) exec(ctx context.Context, hc *HookContext, query string, binds []BindVariable) (int64, error) {
	stmt, args, err := e.bindStatement(hc, query, binds)
	if err != nil {
		return 0, err
	}

	c, err := e.m.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer c.release()

	st, sqlText, err := e.prepareAndBind(ctx, c, hc, stmt, args)
	if err != nil {
		return 0, err
	}
	defer c.finish(st)
	hc.Generation = c.gen

	start := time.Now()
	var n int64
	err = c.call(ctx, "execute", func(ctx context.Context) error {
		var err error
		n, err = st.Exec(ctx)
		return err
	})
	if err == nil {
		return n, nil
	}
	if isConnectionFailure(err) || errors.Is(err, context.Canceled) {
		return 0, &PartialExecutionError{
			Query:      sqlText,
			Elapsed:    time.Since(start),
			State:      e.m.State(),
			Cause:      err,
			StackTrace: captureStackTrace(),
			Timestamp:  time.Now(),
		}
	}
	return 0, e.queryError("EXECUTION_FAILED", "statement failed", hc, err)
}

// prepareAndBind prepares the rewritten statement and binds args. A
// connection failure during either step replaces the session and repeats
// both exactly once; nothing has been executed yet.
func (e *Executor) prepareAndBind(ctx context.Context, c *Conn, hc *HookContext, stmt *sqltext.Statement, args []any) (session.Statement, string, error) {
	for attempt := 1; ; attempt++ {
		sqlText := stmt.Rewrite(c.PlaceholderStyle())
		st, err := c.prepare(ctx, sqlText)
		if err == nil {
			err = c.call(ctx, "bind", func(context.Context) error { return st.Bind(args) })
			if err != nil {
				c.evict(sqlText, st)
			}
		}
		if err == nil {
			return st, sqlText, nil
		}

		if !isConnectionFailure(err) {
			return nil, "", e.queryError("PREPARE_FAILED", "cannot prepare statement", hc, err)
		}
		if attempt > 1 {
			return nil, "", e.connectionError(err)
		}
		e.logger.Warn("statement preparation lost the session, re-preparing",
			String("trace_id", hc.TraceID),
			Error("error", err))
		if err := c.reconnect(ctx, "prepare failed"); err != nil {
			return nil, "", err
		}
	}
}

func (e *Executor) queryError(code, msg string, hc *HookContext, cause error) *QueryError {
	return &QueryError{
		Code:       code,
		Message:    msg,
		Query:      hc.Command,
		Params:     hc.Params,
		State:      e.m.State(),
		Cause:      cause,
		StackTrace: captureStackTrace(),
		Timestamp:  time.Now(),
	}
}

// connectionError surfaces a session failure as a *ConnectionError.
func (e *Executor) connectionError(err error) error {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return err
	}
	var stale *StaleResultError
	if errors.As(err, &stale) {
		return err
	}
	return newConnectionError(KindDisconnected, e.m.State(), "session lost", err)
}

// isConnectionFailure reports whether err means the session can no longer be
// trusted: a broken or closed session, or a call that timed out.
func isConnectionFailure(err error) bool {
	if session.IsConnectionFailure(err) {
		return true
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce.Kind == KindTimeout || ce.Kind == KindDisconnected
	}
	var stale *StaleResultError
	return errors.As(err, &stale)
}
