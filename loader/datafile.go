package loader

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/encoding"

	"github.com/dan-strohschein/dbhandler/client"
	"github.com/dan-strohschein/dbhandler/mapper"
)

// WriteDataFile writes the buffered rows and then the rest of the source to
// the data file. Rows are first written to a temporary file next to
// DataPath, which is renamed into place only when the job stays within its
// error threshold.
func (j *Job) WriteDataFile(ctx context.Context) error {
	if err := j.expect("write data file", SCHEMA_FROZEN); err != nil {
		return err
	}
	if err := j.transition(WRITING, "writing "+j.spec.DataPath); err != nil {
		return err
	}

	enc, err := lookupCharset(j.spec.Charset)
	if err != nil {
		return j.fail("resolving charset", err)
	}
	dir, base := filepath.Split(j.spec.DataPath)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return j.fail("creating data file", err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	w := &rowWriter{
		out:     bufio.NewWriter(tmp),
		encoder: enc.NewEncoder(),
		delims:  j.spec.Delimiters,
		columns: j.columns,
	}

	for {
		r, ok := j.next(ctx)
		if !ok {
			break
		}
		if r.err != nil {
			var bad *BadRowError
			if !errors.As(r.err, &bad) {
				return j.fail("reading source", r.err)
			}
			if err := j.reject(r.n, bad); err != nil {
				return err
			}
			continue
		}
		if err := w.write(r.n, r.values); err != nil {
			var bad *BadRowError
			if !errors.As(err, &bad) {
				return j.fail("writing data file", err)
			}
			if err := j.reject(r.n, bad); err != nil {
				return err
			}
			continue
		}
		j.rowsWritten.Inc()
	}
	if err := ctx.Err(); err != nil {
		return j.fail("writing data file", err)
	}

	if err := w.out.Flush(); err != nil {
		return j.fail("flushing data file", err)
	}
	if err := tmp.Sync(); err != nil {
		return j.fail("syncing data file", err)
	}
	if err := tmp.Close(); err != nil {
		return j.fail("closing data file", err)
	}
	if err := os.Rename(tmp.Name(), j.spec.DataPath); err != nil {
		os.Remove(tmp.Name())
		committed = true
		return j.fail("renaming data file", err)
	}
	committed = true

	j.log.Info("data file %s written: %d rows, %d bad rows", j.spec.DataPath, j.RowsWritten(), j.BadRows())
	j.logger.Info("data file written",
		client.String("path", j.spec.DataPath),
		client.Int64("rows", j.RowsWritten()),
		client.Int64("bad_rows", j.BadRows()))
	return nil
}

// reject logs a bad row and fails the job once the threshold is exceeded.
func (j *Job) reject(n int64, bad *BadRowError) error {
	if bad.Row == 0 {
		bad.Row = n
	}
	reason := bad.Reason
	if bad.Column != "" {
		reason = "column " + bad.Column + ": " + reason
	}
	j.log.Error(bad.Row, reason)
	count := j.badRows.Inc()
	if j.spec.ErrorThreshold >= 0 && count > j.spec.ErrorThreshold {
		return j.fail(fmt.Sprintf("bad rows exceeded threshold %d", j.spec.ErrorThreshold), bad)
	}
	return nil
}

// rowWriter renders rows under the frozen schema.
type rowWriter struct {
	out     *bufio.Writer
	encoder *encoding.Encoder
	delims  Delimiters
	columns []mapper.ColumnDescriptor
	line    strings.Builder
}

func (w *rowWriter) write(n int64, values []any) error {
	if len(values) != len(w.columns) {
		return &BadRowError{Row: n, Reason: fmt.Sprintf("expected %d fields, got %d", len(w.columns), len(values))}
	}
	w.line.Reset()
	for i, col := range w.columns {
		if i > 0 {
			w.line.WriteString(w.delims.Field)
		}
		field, err := renderField(values[i], col, w.delims)
		if err != nil {
			return &BadRowError{Row: n, Column: col.Name, Reason: err.Error(), Cause: err}
		}
		w.line.WriteString(field)
	}
	w.line.WriteString(w.delims.Row)

	encoded, err := w.encoder.String(w.line.String())
	if err != nil {
		return &BadRowError{Row: n, Reason: "not representable in output charset", Cause: err}
	}
	_, err = w.out.WriteString(encoded)
	return err
}

// renderField encodes v under the column type and renders it as data file
// text. Nulls become the null token. Text columns keep empty and blank
// strings as they are; in other columns a blank string can only mean null.
func renderField(v any, col mapper.ColumnDescriptor, d Delimiters) (string, error) {
	if isNullField(v, col.Type) {
		if !col.Nullable {
			return "", errors.New("null value in NOT NULL column")
		}
		return d.Null, nil
	}
	wire, err := mapper.Encode(v, col.Type)
	if err != nil {
		return "", err
	}
	text, err := mapper.FormatText(wire, col.Type)
	if err != nil {
		return "", err
	}
	return enclose(text, d)
}

func isNullField(v any, t mapper.Type) bool {
	if mapper.IsNull(v) {
		return true
	}
	if t.Kind == mapper.Text {
		return false
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

// enclose wraps text in the enclosure when it would otherwise be read as a
// delimiter or the null token. Enclosure characters inside are doubled.
func enclose(text string, d Delimiters) (string, error) {
	needs := strings.Contains(text, d.Field) || strings.Contains(text, d.Row) || text == d.Null
	if d.Enclosure != "" {
		needs = needs || strings.Contains(text, d.Enclosure)
	}
	if !needs {
		return text, nil
	}
	if d.Enclosure == "" {
		return "", errors.New("value contains a delimiter and no enclosure is configured")
	}
	return d.Enclosure + strings.ReplaceAll(text, d.Enclosure, d.Enclosure+d.Enclosure) + d.Enclosure, nil
}
