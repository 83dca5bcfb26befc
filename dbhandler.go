// Package dbhandler wires a managed database session, a statement executor
// and the bulk loader from one configuration.
package dbhandler

import (
	"context"
	"net/http"
	"os"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dan-strohschein/dbhandler/client"
	"github.com/dan-strohschein/dbhandler/config"
	"github.com/dan-strohschein/dbhandler/loader"
	"github.com/dan-strohschein/dbhandler/session"
)

// Handler owns one managed session and everything that runs on it.
type Handler struct {
	cfg      *config.Config
	logger   client.Logger
	registry *prometheus.Registry
	manager  *client.Manager
	exec     *client.Executor
	health   *client.HealthMonitor
}

// Open builds a Handler for cfg. The session is opened lazily unless
// Connect is called. A nil driver selects the configured dialect.
func Open(cfg *config.Config, driver session.Driver) (*Handler, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if driver == nil {
		d, err := cfg.Driver()
		if err != nil {
			return nil, err
		}
		driver = d
	}

	h := &Handler{cfg: cfg, logger: cfg.Logger()}
	opts := cfg.ClientOptions()
	opts.Logger = h.logger
	if cfg.Metrics.Enabled {
		h.registry = prometheus.NewRegistry()
		opts.Registerer = h.registry
	}

	m, err := client.NewManager(driver, opts)
	if err != nil {
		return nil, err
	}
	hooks := []client.Hook{client.NewLoggingHook(h.logger)}
	if h.registry != nil {
		mh, err := client.NewMetricsHook(h.registry)
		if err != nil {
			return nil, errors.Wrap(err, "metrics hook")
		}
		hooks = append(hooks, mh)
	}
	h.manager = m
	h.exec = client.NewExecutor(m, hooks...)

	if opts.HealthCheckInterval > 0 {
		h.health = client.NewHealthMonitor(m)
		h.health.Start()
	}
	return h, nil
}

// Executor returns the statement executor.
func (h *Handler) Executor() *client.Executor { return h.exec }

// Manager returns the connection manager.
func (h *Handler) Manager() *client.Manager { return h.manager }

// Connect opens the session now rather than on first use.
func (h *Handler) Connect(ctx context.Context) error { return h.manager.Connect(ctx) }

func (h *Handler) Select(ctx context.Context, query string, binds []client.BindVariable, opts ...client.SelectOption) (*client.ResultSet, error) {
	return h.exec.Select(ctx, query, binds, opts...)
}

func (h *Handler) Execute(ctx context.Context, query string, binds []client.BindVariable) (int64, error) {
	return h.exec.Execute(ctx, query, binds)
}

// Health probes the session once and returns the resulting state.
func (h *Handler) Health(ctx context.Context) (client.ConnectionState, error) {
	return h.manager.CheckHealth(ctx)
}

// MetricsHandler serves the collectors, or nil when metrics are disabled.
func (h *Handler) MetricsHandler() http.Handler {
	if h.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})
}

// BulkLoad runs the named job from the configuration, reading its source
// file. Pre-load and post-load statements run on the handler's session.
func (h *Handler) BulkLoad(ctx context.Context, name string) (*loader.Result, error) {
	job, err := h.cfg.Job(name)
	if err != nil {
		return nil, err
	}
	spec, err := job.JobSpec()
	if err != nil {
		return nil, err
	}
	if spec.Dialect == "" {
		spec.Dialect = h.cfg.Connection.Dialect
	}
	u, err := h.cfg.LoadUtility(job)
	if err != nil {
		return nil, errors.Wrapf(err, "job %q", name)
	}

	f, err := os.Open(job.Source.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "job %q: open source", name)
	}
	defer f.Close()
	src, err := loader.NewCSVSource(f, job.CSVOptions())
	if err != nil {
		return nil, errors.Wrapf(err, "job %q: read source", name)
	}
	return h.Load(ctx, spec, src, u)
}

// Load runs a bulk load job with an explicit source and utility.
func (h *Handler) Load(ctx context.Context, spec loader.JobSpec, src loader.RowSource, u loader.Utility) (*loader.Result, error) {
	return loader.Run(ctx, spec, src, h.exec, u, h.logger)
}

// Close stops the health monitor and closes the session.
func (h *Handler) Close(ctx context.Context) error {
	if h.health != nil {
		h.health.Stop()
	}
	return h.manager.Close(ctx)
}
