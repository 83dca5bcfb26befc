package client

import (
	"context"
	"strings"
	"sync"
	"time"
)

// HookContext contains information about the statement being executed.
// This is passed to hooks to allow inspection.
type HookContext struct {
	// Command is the SQL as the caller wrote it
	Command string

	// Summary is Command shortened for console logs
	Summary string

	// CommandType categorizes the statement (query, mutation, schema, ...)
	CommandType string

	// Params are the bind values rendered for logs, sensitive ones redacted
	Params []string

	// StartTime is when the statement execution began
	StartTime time.Time

	// Metadata allows hooks to store arbitrary data for passing between Before/After
	Metadata map[string]interface{}

	// TraceID is the unique identifier for this statement execution
	TraceID string

	// Generation is the session generation the statement ran on (available in After hook)
	Generation uint64

	// RowsAffected is set for executed statements (available in After hook)
	RowsAffected int64

	// RowsFetched is the number of rows read from a result set (available in Fetched)
	RowsFetched int64

	// Error stores any error that occurred (available in After hook)
	Error error

	// Duration is the execution time (available in After hook)
	Duration time.Duration
}

// Hook is the interface that all hooks must implement.
type Hook interface {
	// Name returns the unique name of this hook
	Name() string

	// Before is called before the statement is sent.
	// Returning an error aborts the statement and returns the error.
	Before(ctx context.Context, hookCtx *HookContext) error

	// After is called once the statement returned, even if it failed.
	// For a query this is when the result set is ready, before rows are read.
	After(ctx context.Context, hookCtx *HookContext) error
}

// FetchObserver is implemented by hooks that want to know how many rows a
// result set produced. Fetched is called when the result set is closed.
type FetchObserver interface {
	Fetched(ctx context.Context, hookCtx *HookContext)
}

// hookChain is an ordered, named set of hooks.
type hookChain struct {
	mu     sync.RWMutex
	hooks  []Hook
	logger Logger
}

// register adds a hook. Hooks run in registration order; a hook with the
// same name as a registered one replaces it in place.
func (c *hookChain) register(hook Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, h := range c.hooks {
		if h.Name() == hook.Name() {
			c.hooks[i] = hook
			c.logger.Info("hook replaced", String("hook", hook.Name()))
			return
		}
	}
	c.hooks = append(c.hooks, hook)
	c.logger.Debug("hook registered", String("hook", hook.Name()), Int("order", len(c.hooks)-1))
}

func (c *hookChain) unregister(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, h := range c.hooks {
		if h.Name() == name {
			c.hooks = append(c.hooks[:i], c.hooks[i+1:]...)
			c.logger.Info("hook unregistered", String("hook", name))
			return true
		}
	}
	return false
}

func (c *hookChain) names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, len(c.hooks))
	for i, h := range c.hooks {
		names[i] = h.Name()
	}
	return names
}

func (c *hookChain) snapshot() []Hook {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Hook(nil), c.hooks...)
}

// before runs all Before hooks in order, stopping at the first error.
func (c *hookChain) before(ctx context.Context, hookCtx *HookContext) error {
	for _, hook := range c.snapshot() {
		if err := hook.Before(ctx, hookCtx); err != nil {
			c.logger.Debug("hook aborted statement",
				String("hook", hook.Name()),
				String("trace_id", hookCtx.TraceID),
				Error("error", err))
			return err
		}
	}
	return nil
}

// after runs every After hook. Hook errors are logged, never returned: the
// statement has already run.
func (c *hookChain) after(ctx context.Context, hookCtx *HookContext) {
	for _, hook := range c.snapshot() {
		if err := hook.After(ctx, hookCtx); err != nil {
			c.logger.Warn("hook returned error in After",
				String("hook", hook.Name()),
				String("trace_id", hookCtx.TraceID),
				Error("error", err))
		}
	}
}

func (c *hookChain) fetched(ctx context.Context, hookCtx *HookContext) {
	for _, hook := range c.snapshot() {
		if obs, ok := hook.(FetchObserver); ok {
			obs.Fetched(ctx, hookCtx)
		}
	}
}

// inferCommandType determines the statement category from its first keyword.
func inferCommandType(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "unknown"
	}
	switch strings.ToUpper(strings.TrimLeft(fields[0], "(")) {
	case "SELECT", "WITH", "SHOW", "DESCRIBE", "EXPLAIN", "VALUES":
		return "query"
	case "INSERT", "UPDATE", "DELETE", "MERGE", "UPSERT", "TRUNCATE":
		return "mutation"
	case "BEGIN", "COMMIT", "ROLLBACK", "SAVEPOINT":
		return "transaction"
	case "CREATE", "DROP", "ALTER", "RENAME", "COMMENT", "GRANT", "REVOKE":
		return "schema"
	case "CALL", "EXEC", "EXECUTE", "DECLARE":
		return "procedure"
	default:
		return "unknown"
	}
}
