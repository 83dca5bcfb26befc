package loader

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/dan-strohschein/dbhandler/client"
)

// jobLog is the append-only log file of a job. Every line is either
// "INFO <event>" or "ERROR <row> <reason>". Lines are mirrored to the
// structured logger.
type jobLog struct {
	mu     sync.Mutex
	f      *os.File
	logger client.Logger
}

func openJobLog(path string, logger client.Logger) (*jobLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open job log: %w", err)
	}
	return &jobLog{f: f, logger: logger}, nil
}

func (l *jobLog) Info(format string, args ...any) {
	event := oneLine(fmt.Sprintf(format, args...))
	l.write("INFO " + event)
	l.logger.Info(event)
}

func (l *jobLog) Error(row int64, reason string) {
	reason = oneLine(reason)
	l.write(fmt.Sprintf("ERROR %d %s", row, reason))
	l.logger.Warn("bad row", client.Int64("row", row), client.String("reason", reason))
}

func (l *jobLog) write(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return
	}
	if _, err := l.f.WriteString(line + "\n"); err != nil {
		l.logger.Error("job log write failed", client.Error("error", err))
	}
}

func (l *jobLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
