package client

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dan-strohschein/dbhandler/mapper"
)

// ============================================================================
// LoggingHook - Logs every statement
// ============================================================================

// LoggingHook logs each statement's summarized SQL, redacted binds, duration,
// outcome, row count and trace id.
type LoggingHook struct {
	logger Logger
}

// NewLoggingHook creates a new logging hook with the given logger.
func NewLoggingHook(logger Logger) *LoggingHook {
	return &LoggingHook{logger: logger.WithFields(String("component", "statement"))}
}

func (h *LoggingHook) Name() string {
	return "logging"
}

func (h *LoggingHook) Before(ctx context.Context, hookCtx *HookContext) error {
	h.logger.Debug("executing statement",
		String("trace_id", hookCtx.TraceID),
		String("type", hookCtx.CommandType),
		String("sql", hookCtx.Summary),
		Strings("binds", hookCtx.Params))
	return nil
}

func (h *LoggingHook) After(ctx context.Context, hookCtx *HookContext) error {
	fields := []Field{
		String("trace_id", hookCtx.TraceID),
		String("type", hookCtx.CommandType),
		String("sql", hookCtx.Summary),
		Strings("binds", hookCtx.Params),
		Duration("duration", hookCtx.Duration),
		Uint64("generation", hookCtx.Generation),
	}

	if hookCtx.Error != nil {
		fields = append(fields, String("outcome", outcome(hookCtx.Error)), Error("error", hookCtx.Error))
		h.logger.Error("statement failed", fields...)
		return nil
	}
	if hookCtx.CommandType == "query" {
		h.logger.Info("query opened", fields...)
		return nil
	}
	fields = append(fields, Int64("rows_affected", hookCtx.RowsAffected))
	h.logger.Info("statement completed", fields...)
	return nil
}

// Fetched implements FetchObserver.
func (h *LoggingHook) Fetched(ctx context.Context, hookCtx *HookContext) {
	h.logger.Info("result set closed",
		String("trace_id", hookCtx.TraceID),
		Int64("rows", hookCtx.RowsFetched))
}

// ============================================================================
// MetricsHook - Prometheus statement metrics
// ============================================================================

// MetricsHook counts statements by type and outcome and observes their
// durations.
type MetricsHook struct {
	statements *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	rows       *prometheus.CounterVec
}

// NewMetricsHook creates the statement collectors and registers them on reg.
// A nil reg leaves them unregistered.
func NewMetricsHook(reg prometheus.Registerer) (*MetricsHook, error) {
	h := &MetricsHook{}
	var err error
	if h.statements, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "statements_total",
		Help:      "Statements by type and outcome.",
	}, []string{"type", "outcome"})); err != nil {
		return nil, err
	}
	if h.duration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "statement_duration_seconds",
		Help:      "Time until a statement returned.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"type"})); err != nil {
		return nil, err
	}
	if h.rows, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "rows_total",
		Help:      "Rows affected by statements or fetched from result sets.",
	}, []string{"direction"})); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *MetricsHook) Name() string {
	return "metrics"
}

func (h *MetricsHook) Before(ctx context.Context, hookCtx *HookContext) error {
	return nil
}

func (h *MetricsHook) After(ctx context.Context, hookCtx *HookContext) error {
	h.statements.WithLabelValues(hookCtx.CommandType, outcome(hookCtx.Error)).Inc()
	h.duration.WithLabelValues(hookCtx.CommandType).Observe(hookCtx.Duration.Seconds())
	if hookCtx.Error == nil && hookCtx.RowsAffected > 0 {
		h.rows.WithLabelValues("affected").Add(float64(hookCtx.RowsAffected))
	}
	return nil
}

// Fetched implements FetchObserver.
func (h *MetricsHook) Fetched(ctx context.Context, hookCtx *HookContext) {
	h.rows.WithLabelValues("fetched").Add(float64(hookCtx.RowsFetched))
}

// outcome names the error class of a statement result.
func outcome(err error) string {
	if err == nil {
		return "success"
	}
	var (
		bind    *BindMismatchError
		typ     *mapper.TypeMismatchError
		partial *PartialExecutionError
		query   *QueryError
		conn    *ConnectionError
		stale   *StaleResultError
	)
	switch {
	case errors.As(err, &bind):
		return "bind_mismatch"
	case errors.As(err, &typ):
		return "type_mismatch"
	case errors.As(err, &partial):
		return "partial_execution"
	case errors.As(err, &query):
		return "query_error"
	case errors.As(err, &stale):
		return "stale_result"
	case errors.As(err, &conn):
		return "connection_error"
	default:
		return "error"
	}
}
