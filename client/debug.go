package client

import (
	"encoding/json"
	"fmt"
	"time"
)

const debugTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// DebugInfo returns a snapshot of the manager's state for troubleshooting.
// Credentials are never included.
func (m *Manager) DebugInfo() map[string]interface{} {
	m.mu.Lock()
	hasSession := m.sess != nil
	openedAt, lastUsed, closed, gaveUp := m.openedAt, m.lastUsed, m.closed, m.gaveUp
	m.mu.Unlock()

	info := map[string]interface{}{
		"version":    Version,
		"state":      m.State().String(),
		"generation": m.Generation(),
		"reconnects": m.Reconnects(),
		"debugMode":  m.opts.DebugMode,
		"closed":     closed,
		"gaveUp":     gaveUp,
	}

	if hasSession {
		info["session"] = map[string]interface{}{
			"openedAt": openedAt.Format(debugTimeLayout),
			"lastUsed": lastUsed.Format(debugTimeLayout),
			"age":      time.Since(openedAt).Round(time.Millisecond).String(),
		}
	}

	if m.cache != nil {
		stats := m.cache.Stats()
		info["statementCache"] = map[string]interface{}{
			"size":      stats.Size,
			"hits":      stats.Hits,
			"misses":    stats.Misses,
			"evictions": stats.Evictions,
		}
	}

	info["options"] = map[string]interface{}{
		"connectTimeout":       m.opts.ConnectTimeout.String(),
		"idleTimeout":          m.opts.IdleTimeout.String(),
		"maxSessionAge":        m.opts.MaxSessionAge.String(),
		"statementTimeout":     m.opts.StatementTimeout.String(),
		"healthCheckInterval":  m.opts.HealthCheckInterval.String(),
		"maxReconnectAttempts": m.opts.MaxReconnectAttempts,
		"redactBinds":          m.opts.RedactBinds,
	}

	if last := m.state.GetLastTransition(); !last.Timestamp.IsZero() {
		t := map[string]interface{}{
			"from":      last.From.String(),
			"to":        last.To.String(),
			"reason":    last.Reason,
			"timestamp": last.Timestamp.Format(debugTimeLayout),
		}
		if last.Error != nil {
			t["error"] = FormatError(last.Error, false)
		}
		info["lastTransition"] = t
	}
	return info
}

// DumpDebugInfoJSON returns DebugInfo as indented JSON.
func (m *Manager) DumpDebugInfoJSON() string {
	b, err := json.MarshalIndent(m.DebugInfo(), "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": "failed to marshal debug info: %s"}`, err.Error())
	}
	return string(b)
}
