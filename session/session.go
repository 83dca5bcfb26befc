// Package session defines the backend session primitive the client drives:
// open, probe, prepare, bind, execute, fetch and close. Implementations live in
// subpackages; sqldb adapts database/sql drivers and mock is an in-memory
// double for tests.
package session

import (
	"context"
	"errors"

	"github.com/dan-strohschein/dbhandler/sqltext"
)

// Classification sentinels. Implementations wrap driver errors with these so
// callers can use errors.Is without knowing the driver.
var (
	// ErrAuthentication means the backend rejected the credentials.
	ErrAuthentication = errors.New("authentication failed")
	// ErrUnreachable means the backend could not be reached at all.
	ErrUnreachable = errors.New("backend unreachable")
	// ErrBroken means an established session stopped working.
	ErrBroken = errors.New("session broken")
	// ErrClosed means the session or statement was already closed.
	ErrClosed = errors.New("session closed")
)

// IsConnectionFailure reports whether err means the session can no longer be
// used, as opposed to an error reported by the backend for one statement.
func IsConnectionFailure(err error) bool {
	return errors.Is(err, ErrBroken) || errors.Is(err, ErrUnreachable) || errors.Is(err, ErrClosed)
}

// Config carries what a driver needs to open a session.
type Config struct {
	DSN      string
	Username string
	Password string
}

// Driver opens sessions.
type Driver interface {
	// Open establishes a new session. It must honour ctx cancellation.
	Open(ctx context.Context, cfg Config) (Session, error)
}

// DriverFunc adapts a function to the Driver interface.
type DriverFunc func(ctx context.Context, cfg Config) (Session, error)

// Open implements Driver.
func (f DriverFunc) Open(ctx context.Context, cfg Config) (Session, error) { return f(ctx, cfg) }

// Session is one live backend session. It is not safe for concurrent use;
// the client serializes access.
type Session interface {
	// Probe performs a cheap round trip to verify the session is alive.
	Probe(ctx context.Context) error

	// Prepare parses query, which is already in PlaceholderStyle syntax.
	Prepare(ctx context.Context, query string) (Statement, error)

	// PlaceholderStyle is the bind syntax the backend expects.
	PlaceholderStyle() sqltext.Style

	// Close releases the session.
	Close() error
}

// Statement is a prepared statement bound to the session that created it.
type Statement interface {
	// Bind sets the positional arguments for the next Query or Exec.
	Bind(args []any) error

	// Query executes the statement and returns a cursor over its rows.
	Query(ctx context.Context) (Rows, error)

	// Exec executes the statement and returns the affected row count.
	Exec(ctx context.Context) (int64, error)

	Close() error
}

// Column describes a result column as the backend reports it.
type Column struct {
	Name         string
	DatabaseType string
	Precision    int64
	Scale        int64
	Length       int64
	Nullable     bool
}

// Rows is a forward-only cursor.
type Rows interface {
	Columns() []Column

	// Next returns the next row of raw driver values, or io.EOF.
	Next(ctx context.Context) ([]any, error)

	Close() error
}
