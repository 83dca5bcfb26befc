package client

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

const sqlLogPathKey = "sqllog.path"

// SQLLogHook writes one SQLLog*.txt file per statement into a directory: the
// SQL, its bind values, and once known the elapsed time and record count.
type SQLLogHook struct {
	dir    string
	logger Logger
}

// NewSQLLogHook creates a hook writing into dir.
func NewSQLLogHook(dir string, logger Logger) *SQLLogHook {
	return &SQLLogHook{dir: dir, logger: logger}
}

func (h *SQLLogHook) Name() string {
	return "sqllog"
}

func (h *SQLLogHook) Before(ctx context.Context, hookCtx *HookContext) error {
	f, err := os.CreateTemp(h.dir, "SQLLog*.txt")
	if err != nil {
		// A missing log file never fails the statement.
		h.logger.Warn("cannot create SQL log", Error("error", err))
		return nil
	}
	defer f.Close()

	var b strings.Builder
	b.WriteString(banner("SQL"))
	b.WriteString(hookCtx.Command)
	b.WriteString("\n" + banner("DATA"))
	b.WriteString(strings.Join(hookCtx.Params, "\n"))
	fmt.Fprintf(&b, "\n%s%s\n", banner("TRACE"), hookCtx.TraceID)
	if _, err := f.WriteString(b.String()); err != nil {
		h.logger.Warn("cannot write SQL log", String("path", f.Name()), Error("error", err))
		return nil
	}
	hookCtx.Metadata[sqlLogPathKey] = f.Name()
	h.logger.Debug("logged statement", String("path", f.Name()), String("trace_id", hookCtx.TraceID))
	return nil
}

func (h *SQLLogHook) After(ctx context.Context, hookCtx *HookContext) error {
	switch {
	case hookCtx.Error != nil:
		h.appendInfo(hookCtx, fmt.Sprintf("%.3f seconds\nfailed: %s", hookCtx.Duration.Seconds(), hookCtx.Error))
	case hookCtx.CommandType == "query":
		// Written once the result set is closed.
	default:
		h.appendInfo(hookCtx, fmt.Sprintf("%.3f seconds\n%d rows affected", hookCtx.Duration.Seconds(), hookCtx.RowsAffected))
	}
	return nil
}

// Fetched implements FetchObserver.
func (h *SQLLogHook) Fetched(ctx context.Context, hookCtx *HookContext) {
	h.appendInfo(hookCtx, fmt.Sprintf("%.3f seconds\n%d records", time.Since(hookCtx.StartTime).Seconds(), hookCtx.RowsFetched))
}

func (h *SQLLogHook) appendInfo(hookCtx *HookContext, info string) {
	path, ok := hookCtx.Metadata[sqlLogPathKey].(string)
	if !ok {
		return
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		h.logger.Warn("cannot append SQL log", String("path", path), Error("error", err))
		return
	}
	defer f.Close()
	if _, err := f.WriteString("\n\n" + banner("INFO") + info + "\n"); err != nil {
		h.logger.Warn("cannot append SQL log", String("path", path), Error("error", err))
	}
}

func banner(title string) string {
	return strings.Repeat("=", 10) + title + strings.Repeat("=", 10) + "\n"
}
