package loader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// RowSource yields the input rows of a load job. Next returns io.EOF after
// the last row. A *BadRowError from Next is recovered by the job: the row is
// logged and skipped.
type RowSource interface {
	Columns() []string
	Next(ctx context.Context) ([]any, error)
}

// CSVOptions configures a CSVSource.
type CSVOptions struct {
	// Comma is the field separator. Zero means ','.
	Comma rune
	// Charset names the input encoding ("utf-8", "windows-1252", ...). A
	// byte order mark overrides it. Empty means utf-8.
	Charset string
	// Columns names the fields when the input has no header row.
	Columns []string
	// KeepEmpty passes empty fields through as empty strings. By default an
	// empty field is read as null.
	KeepEmpty bool
}

// CSVSource reads rows from delimited text. The first record is the header
// unless CSVOptions.Columns is set. Row numbers count data rows from 1.
type CSVSource struct {
	r         *csv.Reader
	columns   []string
	keepEmpty bool
	row       int64
}

// NewCSVSource reads the header (if any) and returns a source positioned on
// the first data row.
func NewCSVSource(r io.Reader, opts CSVOptions) (*CSVSource, error) {
	enc, err := lookupCharset(opts.Charset)
	if err != nil {
		return nil, err
	}
	cr := csv.NewReader(transform.NewReader(r, unicode.BOMOverride(enc.NewDecoder())))
	if opts.Comma != 0 {
		cr.Comma = opts.Comma
	}
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false

	s := &CSVSource{r: cr, columns: opts.Columns, keepEmpty: opts.KeepEmpty}
	if len(s.columns) == 0 {
		header, err := cr.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("csv source: missing header row")
			}
			return nil, fmt.Errorf("csv source: header: %w", err)
		}
		s.columns = make([]string, len(header))
		for i, h := range header {
			s.columns[i] = strings.TrimSpace(h)
		}
	}
	return s, nil
}

// Columns returns the field names.
func (s *CSVSource) Columns() []string { return append([]string(nil), s.columns...) }

// Next returns the next row as strings, with empty fields as nil unless
// KeepEmpty is set. A record with the wrong number of fields or malformed
// quoting is reported as a *BadRowError.
func (s *CSVSource) Next(ctx context.Context) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := s.r.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	s.row++
	if err != nil {
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			return nil, &BadRowError{Row: s.row, Reason: pe.Err.Error(), Cause: err}
		}
		return nil, err
	}
	if len(rec) != len(s.columns) {
		return nil, &BadRowError{
			Row:    s.row,
			Reason: fmt.Sprintf("expected %d fields, got %d", len(s.columns), len(rec)),
		}
	}
	out := make([]any, len(rec))
	for i, f := range rec {
		if f == "" && !s.keepEmpty {
			continue
		}
		out[i] = f
	}
	return out, nil
}

// SliceSource serves rows held in memory.
type SliceSource struct {
	columns []string
	rows    [][]any
	pos     int
}

// NewSliceSource returns a source over rows. Rows are not copied.
func NewSliceSource(columns []string, rows [][]any) *SliceSource {
	return &SliceSource{columns: columns, rows: rows}
}

func (s *SliceSource) Columns() []string { return append([]string(nil), s.columns...) }

func (s *SliceSource) Next(ctx context.Context) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.rows) {
		return nil, io.EOF
	}
	row := s.rows[s.pos]
	s.pos++
	if len(row) != len(s.columns) {
		return nil, &BadRowError{
			Row:    int64(s.pos),
			Reason: fmt.Sprintf("expected %d fields, got %d", len(s.columns), len(row)),
		}
	}
	return row, nil
}

// lookupCharset resolves a WHATWG encoding label. Empty means utf-8.
func lookupCharset(name string) (encoding.Encoding, error) {
	if strings.TrimSpace(name) == "" {
		return unicode.UTF8, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unknown charset %q: %w", name, err)
	}
	return enc, nil
}

// canonicalCharset returns the canonical label for name, e.g. "latin1"
// becomes "windows-1252".
func canonicalCharset(name string) (string, error) {
	enc, err := lookupCharset(name)
	if err != nil {
		return "", err
	}
	return htmlindex.Name(enc)
}
