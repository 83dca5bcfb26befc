package client

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dan-strohschein/dbhandler/session"
)

// BackoffPolicy shapes the delay between connection attempts.
type BackoffPolicy struct {
	// Initial is the delay after the first failed attempt.
	// Default: 100ms
	Initial time.Duration

	// Max caps the delay between attempts.
	// Default: 10s
	Max time.Duration

	// Multiplier grows the delay after each failed attempt.
	// Default: 2
	Multiplier float64

	// Jitter is the fraction of the delay randomized in both directions.
	// Default: 0.2
	Jitter float64
}

// Options configures a Manager and the executors built on it. A Manager keeps
// its own copy, so later changes to the value have no effect.
type Options struct {
	// Session holds the DSN and credentials handed to the session driver.
	Session session.Config

	// ConnectTimeout bounds each attempt to open a session.
	// Default: 10s
	ConnectTimeout time.Duration

	// IdleTimeout is how long the session may sit unused before it is probed
	// on the next acquisition. Zero disables the lazy probe.
	// Default: 5 minutes
	IdleTimeout time.Duration

	// MaxSessionAge forces a reconnect once the session is older than this.
	// Zero disables forced reconnects.
	// Default: 0
	MaxSessionAge time.Duration

	// HealthCheckTimeout bounds a single liveness probe.
	// Default: 5s
	HealthCheckTimeout time.Duration

	// HealthCheckInterval is how often the HealthMonitor probes.
	// Default: 30s
	HealthCheckInterval time.Duration

	// HealthFailureThreshold is the number of consecutive failed probes after
	// which the HealthMonitor reconnects.
	// Default: 3
	HealthFailureThreshold int

	// StatementTimeout bounds each call into the session made on behalf of a
	// statement. Zero leaves only the caller's context.
	// Default: 0
	StatementTimeout time.Duration

	// MaxReconnectAttempts is the number of attempts made by one connect or
	// reconnect procedure.
	// Default: 3
	MaxReconnectAttempts int

	// Backoff shapes the delay between attempts.
	Backoff BackoffPolicy

	// RetryAuthentication keeps retrying after the backend rejects the
	// credentials. When false, an authentication failure ends the procedure.
	// Default: true
	RetryAuthentication bool

	// StatementCacheTTL is how long an unused prepared statement stays cached.
	// Zero disables the cache.
	// Default: 10 minutes
	StatementCacheTTL time.Duration

	// RedactBinds hides bind values in logs and SQL log files.
	// Default: false, binds marked Sensitive are always hidden
	RedactBinds bool

	// SQLLogDir enables one SQLLog*.txt file per statement in the directory.
	SQLLogDir string

	// Logger is the logger implementation to use.
	// If nil, a logger at LogLevel writing to stdout is used.
	Logger Logger

	// LogLevel sets the minimum log level (DEBUG, INFO, WARN, ERROR).
	// Default: "INFO"
	LogLevel string

	// DebugMode makes logged errors include stack traces.
	DebugMode bool

	// OnStateChange is called after every state transition.
	OnStateChange func(StateTransition)

	// Registerer receives the manager and statement metrics. Nil keeps them
	// unregistered.
	Registerer prometheus.Registerer
}

// DefaultOptions returns Options with default values.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:         10 * time.Second,
		IdleTimeout:            5 * time.Minute,
		HealthCheckTimeout:     5 * time.Second,
		HealthCheckInterval:    30 * time.Second,
		HealthFailureThreshold: 3,
		MaxReconnectAttempts:   3,
		Backoff: BackoffPolicy{
			Initial:    100 * time.Millisecond,
			Max:        10 * time.Second,
			Multiplier: 2,
			Jitter:     0.2,
		},
		RetryAuthentication: true,
		StatementCacheTTL:   10 * time.Minute,
		LogLevel:            "INFO",
	}
}

// Validate reports options that cannot work.
func (o Options) Validate() error {
	switch {
	case o.ConnectTimeout <= 0:
		return fmt.Errorf("connect timeout must be positive, got %s", o.ConnectTimeout)
	case o.HealthCheckTimeout <= 0:
		return fmt.Errorf("health check timeout must be positive, got %s", o.HealthCheckTimeout)
	case o.MaxReconnectAttempts < 1:
		return fmt.Errorf("max reconnect attempts must be at least 1, got %d", o.MaxReconnectAttempts)
	case o.IdleTimeout < 0 || o.MaxSessionAge < 0 || o.StatementTimeout < 0 || o.StatementCacheTTL < 0:
		return fmt.Errorf("timeouts must not be negative")
	case o.Backoff.Initial < 0 || o.Backoff.Max < o.Backoff.Initial:
		return fmt.Errorf("backoff: max %s must not be below initial %s", o.Backoff.Max, o.Backoff.Initial)
	case o.Backoff.Multiplier != 0 && o.Backoff.Multiplier < 1:
		return fmt.Errorf("backoff multiplier must be at least 1, got %g", o.Backoff.Multiplier)
	case o.Backoff.Jitter < 0 || o.Backoff.Jitter > 1:
		return fmt.Errorf("backoff jitter must be within [0, 1], got %g", o.Backoff.Jitter)
	}
	return nil
}
