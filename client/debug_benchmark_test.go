package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dan-strohschein/dbhandler/session"
	"github.com/dan-strohschein/dbhandler/session/mock"
)

func benchmarkExecutor(b *testing.B, debug bool, hooks func(*Manager) []Hook) *Executor {
	b.Helper()
	driver := mock.NewDriver().WithHandler(func(query string, args []any) (*mock.Result, error) {
		return &mock.Result{
			Columns: []session.Column{{Name: "ID", DatabaseType: "NUMBER", Precision: 10}},
			Rows:    [][]any{{int64(1)}, {int64(2)}},
		}, nil
	})
	opts := DefaultOptions()
	opts.IdleTimeout = 0
	opts.DebugMode = debug
	opts.Logger = NewNoopLogger()
	m, err := NewManager(driver, opts)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = m.Close(context.Background()) })

	var hs []Hook
	if hooks != nil {
		hs = hooks(m)
	}
	return NewExecutor(m, hs...)
}

func runSelects(b *testing.B, e *Executor) {
	ctx := context.Background()
	binds := Args(1)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rs, err := e.Select(ctx, "SELECT id FROM t WHERE id = ?", binds)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := rs.Collect(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSelect_DebugOff(b *testing.B) {
	runSelects(b, benchmarkExecutor(b, false, nil))
}

func BenchmarkSelect_DebugOn(b *testing.B) {
	runSelects(b, benchmarkExecutor(b, true, nil))
}

func BenchmarkSelect_LoggingHook(b *testing.B) {
	runSelects(b, benchmarkExecutor(b, false, func(m *Manager) []Hook {
		return []Hook{NewLoggingHook(NewNoopLogger())}
	}))
}

func BenchmarkSelect_MetricsHook(b *testing.B) {
	runSelects(b, benchmarkExecutor(b, false, func(m *Manager) []Hook {
		h, err := NewMetricsHook(prometheus.NewRegistry())
		if err != nil {
			b.Fatal(err)
		}
		return []Hook{h}
	}))
}

func BenchmarkErrorFormatting_DebugOff(b *testing.B) {
	err := newConnectionError(KindDisconnected, DEGRADED, "session lost", errors.New("broken pipe"))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = err.FormatError(false)
	}
}

func BenchmarkErrorFormatting_DebugOn(b *testing.B) {
	err := newConnectionError(KindDisconnected, DEGRADED, "session lost", errors.New("broken pipe"))
	err.Timestamp = time.Now()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = err.FormatError(true)
	}
}

func BenchmarkStackTraceCapture(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = captureStackTrace()
	}
}
