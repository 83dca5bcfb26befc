package client

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "dbhandler"

type managerMetrics struct {
	state      prometheus.Gauge
	reconnects *prometheus.CounterVec
	probes     *prometheus.CounterVec
	waits      prometheus.Histogram
}

func newManagerMetrics(reg prometheus.Registerer) (*managerMetrics, error) {
	m := &managerMetrics{}
	var err error
	if m.state, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "connection_state",
		Help:      "Connection state: 0 disconnected, 1 connecting, 2 healthy, 3 degraded.",
	})); err != nil {
		return nil, err
	}
	if m.reconnects, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "reconnects_total",
		Help:      "Reconnect procedures by outcome.",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if m.probes, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "probes_total",
		Help:      "Liveness probes by outcome.",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if m.waits, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "connection_wait_seconds",
		Help:      "Time spent waiting for the exclusive connection.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
	})); err != nil {
		return nil, err
	}
	return m, nil
}

// register registers c on reg, reusing an identical collector that is
// already registered. A nil reg leaves c unregistered.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if reg == nil {
		return c, nil
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}
