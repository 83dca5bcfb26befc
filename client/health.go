package client

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// HealthMonitor periodically probes the session and reconnects after
// consecutive failures. A tick is skipped while a statement or result set
// holds the connection.
type HealthMonitor struct {
	m                *Manager
	interval         time.Duration
	failureThreshold int
	failureCount     atomic.Int32
	skipped          atomic.Int64
	stopCh           chan struct{}
	stopOnce         sync.Once
	ctx              context.Context
	cancel           context.CancelFunc
	wg               sync.WaitGroup
	logger           Logger
}

// NewHealthMonitor creates a monitor using the manager's HealthCheckInterval
// and HealthFailureThreshold.
func NewHealthMonitor(m *Manager) *HealthMonitor {
	threshold := m.opts.HealthFailureThreshold
	if threshold < 1 {
		threshold = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HealthMonitor{
		m:                m,
		interval:         m.opts.HealthCheckInterval,
		failureThreshold: threshold,
		stopCh:           make(chan struct{}),
		ctx:              ctx,
		cancel:           cancel,
		logger:           m.logger.WithFields(String("component", "health_monitor")),
	}
}

// Start begins the health check monitoring in a background goroutine.
func (h *HealthMonitor) Start() {
	h.wg.Add(1)
	go h.monitorLoop()
	h.logger.Info("health monitor started", Duration("interval", h.interval))
}

// Stop stops the health monitor and waits for a check in progress.
func (h *HealthMonitor) Stop() {
	h.stopOnce.Do(func() {
		h.cancel()
		close(h.stopCh)
		h.wg.Wait()
		h.logger.Info("health monitor stopped")
	})
}

// Skipped returns the number of ticks skipped because the connection was busy.
func (h *HealthMonitor) Skipped() int64 { return h.skipped.Load() }

// Failures returns the current count of consecutive failed checks.
func (h *HealthMonitor) Failures() int { return int(h.failureCount.Load()) }

func (h *HealthMonitor) monitorLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.Check(h.ctx)
		}
	}
}

// Check runs one monitoring cycle. It returns false if the cycle was skipped
// because the connection was busy or there is no session to check.
func (h *HealthMonitor) Check(ctx context.Context) bool {
	if !h.m.tryAcquireSlot() {
		h.skipped.Inc()
		h.logger.Debug("connection busy, skipping health check")
		return false
	}
	defer h.m.releaseSlot()

	var err error
	switch h.m.State() {
	case HEALTHY:
		err = h.m.probeLocked(ctx)
	case DEGRADED:
		err = newConnectionError(KindDisconnected, DEGRADED, "session degraded", nil)
	default:
		return false
	}

	if err == nil {
		if prev := h.failureCount.Swap(0); prev > 0 {
			h.logger.Info("health check recovered", Int("previousFailures", int(prev)))
		}
		return true
	}

	failures := int(h.failureCount.Inc())
	h.logger.Warn("health check failed", Error("error", err), Int("failureCount", failures))
	if failures >= h.failureThreshold {
		h.logger.Error("health check failure threshold exceeded, triggering reconnection")
		h.failureCount.Store(0)
		if err := h.m.reconnectLocked(ctx, "health check threshold"); err != nil {
			h.logger.Error("reconnect failed", Error("error", err))
		}
	}
	return true
}
