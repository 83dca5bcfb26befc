package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-strohschein/dbhandler/mapper"
	"github.com/dan-strohschein/dbhandler/session"
)

// TestLoggingHook verifies the logging hook logs statements and results.
func TestLoggingHook(t *testing.T) {
	var buf bytes.Buffer
	hook := NewLoggingHook(NewLogger("DEBUG", &buf))
	assert.Equal(t, "logging", hook.Name())

	ctx := context.Background()
	hookCtx := &HookContext{
		Command:     "SELECT * FROM users",
		Summary:     "SELECT * FROM users",
		CommandType: "query",
		TraceID:     "test-123",
		Metadata:    make(map[string]interface{}),
		Duration:    10 * time.Millisecond,
	}

	require.NoError(t, hook.Before(ctx, hookCtx))
	require.NoError(t, hook.After(ctx, hookCtx))
	hookCtx.RowsFetched = 12
	hook.Fetched(ctx, hookCtx)

	hookCtx.Error = errors.New("ORA-01017")
	require.NoError(t, hook.After(ctx, hookCtx))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], `"message":"executing statement"`)
	assert.Contains(t, lines[1], `"message":"query opened"`)
	assert.Contains(t, lines[2], `"rows":12`)
	assert.Contains(t, lines[3], `"level":"ERROR"`)
	assert.Contains(t, lines[3], `"outcome":"error"`)
	for _, line := range lines {
		assert.Contains(t, line, `"trace_id":"test-123"`)
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err      error
		expected string
	}{
		{nil, "success"},
		{&BindMismatchError{}, "bind_mismatch"},
		{&mapper.TypeMismatchError{}, "type_mismatch"},
		{&PartialExecutionError{Cause: newConnectionError(KindTimeout, DEGRADED, "x", nil)}, "partial_execution"},
		{fmt.Errorf("wrapped: %w", &QueryError{Code: "EXECUTION_FAILED"}), "query_error"},
		{&StaleResultError{}, "stale_result"},
		{newConnectionError(KindDisconnected, DEGRADED, "lost", session.ErrBroken), "connection_error"},
		{errors.New("other"), "error"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, outcome(tt.err))
		})
	}
}

func TestNewMetricsHookWithoutRegistry(t *testing.T) {
	hook, err := NewMetricsHook(nil)
	require.NoError(t, err)
	assert.Equal(t, "metrics", hook.Name())
	require.NoError(t, hook.After(context.Background(), &HookContext{CommandType: "query"}))
}

func TestSQLLogHookFailedStatement(t *testing.T) {
	dir := t.TempDir()
	hook := NewSQLLogHook(dir, NewNoopLogger())
	ctx := context.Background()

	hookCtx := &HookContext{
		Command:     "SELECT * FROM t WHERE a = :a",
		CommandType: "query",
		Params:      []string{":a=[REDACTED]"},
		TraceID:     "trace-1",
		Metadata:    make(map[string]interface{}),
	}
	require.NoError(t, hook.Before(ctx, hookCtx))
	path, ok := hookCtx.Metadata[sqlLogPathKey].(string)
	require.True(t, ok)
	assert.Equal(t, dir, filepath.Dir(path))

	hookCtx.Error = errors.New("ORA-00904: invalid identifier")
	require.NoError(t, hook.After(ctx, hookCtx))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "==========TRACE==========\ntrace-1")
	assert.Contains(t, text, ":a=[REDACTED]")
	assert.Contains(t, text, "failed: ORA-00904")
}

func TestSQLLogHookQueryRecords(t *testing.T) {
	dir := t.TempDir()
	hook := NewSQLLogHook(dir, NewNoopLogger())
	ctx := context.Background()

	hookCtx := &HookContext{Command: "SELECT 1", CommandType: "query", StartTime: time.Now(), Metadata: make(map[string]interface{})}
	require.NoError(t, hook.Before(ctx, hookCtx))
	require.NoError(t, hook.After(ctx, hookCtx))

	path := hookCtx.Metadata[sqlLogPathKey].(string)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "INFO", "query info waits for the result set")

	hookCtx.RowsFetched = 42
	hook.Fetched(ctx, hookCtx)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "42 records")
}

func TestSQLLogHookMissingDirectory(t *testing.T) {
	hook := NewSQLLogHook(filepath.Join(t.TempDir(), "missing"), NewNoopLogger())
	hookCtx := &HookContext{Command: "SELECT 1", Metadata: make(map[string]interface{})}

	assert.NoError(t, hook.Before(context.Background(), hookCtx), "log failures never fail the statement")
	assert.NotContains(t, hookCtx.Metadata, sqlLogPathKey)
	assert.NoError(t, hook.After(context.Background(), hookCtx))
}
