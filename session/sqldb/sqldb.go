// Package sqldb implements the session primitive on top of database/sql.
//
// Each session owns a *sql.DB limited to a single connection and pins that
// connection with sql.Conn, so prepared statements, session settings and
// failures all belong to one backend session.
package sqldb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	pkgerrors "github.com/pkg/errors"

	"github.com/dan-strohschein/dbhandler/session"
	"github.com/dan-strohschein/dbhandler/sqltext"
)

// Driver opens database/sql backed sessions for one dialect.
type Driver struct {
	dialect Dialect
}

// NewDriver returns a driver for the dialect. The dialect's database/sql
// driver must be registered, see package all.
func NewDriver(d Dialect) *Driver {
	return &Driver{dialect: d}
}

// Dialect returns the driver's dialect.
func (d *Driver) Dialect() Dialect { return d.dialect }

// Open implements session.Driver.
func (d *Driver) Open(ctx context.Context, cfg session.Config) (session.Session, error) {
	db, err := d.dialect.open(cfg)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "open %s", d.dialect.Name)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	conn, err := db.Conn(ctx)
	if err == nil {
		err = conn.PingContext(ctx)
		if err != nil {
			_ = conn.Close()
		}
	}
	if err != nil {
		_ = db.Close()
		return nil, pkgerrors.Wrapf(classify(d.dialect, err, true), "connect %s", d.dialect.Name)
	}
	return &Session{dialect: d.dialect, db: db, conn: conn}, nil
}

// classify wraps err with the session sentinel it corresponds to. Errors
// during open that are not authentication failures mean the backend is
// unreachable; on an established session they mean it is broken.
func classify(dialect Dialect, err error, opening bool) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if dialect.IsAuthError != nil && dialect.IsAuthError(err) {
		return fmt.Errorf("%w: %w", session.ErrAuthentication, err)
	}
	if isConnectionError(err) || opening {
		if opening {
			return fmt.Errorf("%w: %w", session.ErrUnreachable, err)
		}
		return fmt.Errorf("%w: %w", session.ErrBroken, err)
	}
	return err
}

func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	// Oracle reports lost sessions with these codes rather than typed errors.
	for _, code := range []string{"ORA-03113", "ORA-03114", "ORA-03135", "ORA-00028", "ORA-01012"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}

// Session implements session.Session.
type Session struct {
	dialect Dialect
	db      *sql.DB
	conn    *sql.Conn
}

// Probe implements session.Session.
func (s *Session) Probe(ctx context.Context) error {
	var one int
	if err := s.conn.QueryRowContext(ctx, s.dialect.ProbeQuery).Scan(&one); err != nil {
		return classify(s.dialect, err, false)
	}
	return nil
}

// Prepare implements session.Session.
func (s *Session) Prepare(ctx context.Context, query string) (session.Statement, error) {
	stmt, err := s.conn.PrepareContext(ctx, query)
	if err != nil {
		return nil, classify(s.dialect, err, false)
	}
	return &Statement{dialect: s.dialect, stmt: stmt}, nil
}

// PlaceholderStyle implements session.Session.
func (s *Session) PlaceholderStyle() sqltext.Style { return s.dialect.Style }

// Close implements session.Session.
func (s *Session) Close() error {
	connErr := s.conn.Close()
	dbErr := s.db.Close()
	if connErr != nil && !errors.Is(connErr, sql.ErrConnDone) {
		return connErr
	}
	return dbErr
}

// Statement implements session.Statement.
type Statement struct {
	dialect Dialect
	stmt    *sql.Stmt
	args    []any
}

// Bind implements session.Statement.
func (st *Statement) Bind(args []any) error {
	st.args = make([]any, len(args))
	for i, a := range args {
		if st.dialect.BindValue != nil {
			a = st.dialect.BindValue(a)
		}
		st.args[i] = a
	}
	return nil
}

// Query implements session.Statement.
func (st *Statement) Query(ctx context.Context) (session.Rows, error) {
	rows, err := st.stmt.QueryContext(ctx, st.args...)
	if err != nil {
		return nil, classify(st.dialect, err, false)
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		_ = rows.Close()
		return nil, classify(st.dialect, err, false)
	}
	return &Rows{dialect: st.dialect, rows: rows, columns: describe(st.dialect, types)}, nil
}

// Exec implements session.Statement.
func (st *Statement) Exec(ctx context.Context) (int64, error) {
	res, err := st.stmt.ExecContext(ctx, st.args...)
	if err != nil {
		return 0, classify(st.dialect, err, false)
	}
	n, err := res.RowsAffected()
	if err != nil {
		// Some drivers do not report affected rows for DDL.
		return 0, nil
	}
	return n, nil
}

// Close implements session.Statement.
func (st *Statement) Close() error { return st.stmt.Close() }

// Rows implements session.Rows.
type Rows struct {
	dialect Dialect
	rows    *sql.Rows
	columns []session.Column
}

func describe(d Dialect, types []*sql.ColumnType) []session.Column {
	cols := make([]session.Column, len(types))
	for i, ct := range types {
		name := strings.ToUpper(ct.DatabaseTypeName())
		if alias, ok := d.TypeAliases[name]; ok {
			name = alias
		}
		col := session.Column{Name: ct.Name(), DatabaseType: name, Nullable: true}
		if p, s, ok := ct.DecimalSize(); ok {
			col.Precision, col.Scale = p, s
		}
		if l, ok := ct.Length(); ok {
			col.Length = l
		}
		if n, ok := ct.Nullable(); ok {
			col.Nullable = n
		}
		cols[i] = col
	}
	return cols
}

// Columns implements session.Rows.
func (r *Rows) Columns() []session.Column { return r.columns }

// Next implements session.Rows. The rows are bound to the context of the
// Query call; ctx is only checked between rows.
func (r *Rows) Next(ctx context.Context) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return nil, classify(r.dialect, err, false)
		}
		return nil, io.EOF
	}
	values := make([]any, len(r.columns))
	ptrs := make([]any, len(values))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		return nil, classify(r.dialect, err, false)
	}
	return values, nil
}

// Close implements session.Rows.
func (r *Rows) Close() error { return r.rows.Close() }
