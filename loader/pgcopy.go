package loader

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/golang-sql/civil"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"golang.org/x/text/transform"

	"github.com/dan-strohschein/dbhandler/mapper"
)

// Copier is the COPY entry point of a PostgreSQL connection. *pgx.Conn,
// pgx.Tx and *pgxpool.Pool satisfy it.
type Copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// PGCopy loads a data file into PostgreSQL with COPY FROM STDIN. It reads
// the descriptor control file to learn the layout of the data file.
type PGCopy struct {
	// DSN is used to open a connection when Conn is nil.
	DSN  string
	Conn Copier
}

func (p *PGCopy) Name() string { return "pgcopy" }

func (p *PGCopy) Load(ctx context.Context, req LoadRequest) (LoadOutcome, error) {
	d, err := ReadDescriptorFile(req.ControlPath)
	if err != nil {
		return LoadOutcome{}, &LoadUtilityError{Utility: p.Name(), ExitCode: -1, Cause: err}
	}

	copier := p.Conn
	if copier == nil {
		conn, err := pgx.Connect(ctx, p.DSN)
		if err != nil {
			return LoadOutcome{}, &LoadUtilityError{Utility: p.Name(), ExitCode: -1, Cause: err}
		}
		defer conn.Close(context.Background())
		copier = conn
	}

	f, err := os.Open(d.DataPath)
	if err != nil {
		return LoadOutcome{}, &LoadUtilityError{Utility: p.Name(), ExitCode: -1, Cause: err}
	}
	defer f.Close()

	r, err := NewDataFileReader(f, d)
	if err != nil {
		return LoadOutcome{}, &LoadUtilityError{Utility: p.Name(), ExitCode: -1, Cause: err}
	}
	src := &copySource{r: r, columns: d.Columns}

	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	req.Log("%s copying %s into %s", p.Name(), d.DataPath, d.Table)
	n, err := copier.CopyFrom(ctx, splitTableName(d.Table), names, src)
	if err != nil {
		return LoadOutcome{}, &LoadUtilityError{Utility: p.Name(), ExitCode: -1, Cause: err}
	}
	return LoadOutcome{Loaded: n}, nil
}

// splitTableName converts "schema.table" into a pgx.Identifier.
func splitTableName(name string) pgx.Identifier {
	parts := strings.Split(name, ".")
	id := make(pgx.Identifier, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			id = append(id, p)
		}
	}
	return id
}

// copySource adapts a DataFileReader to pgx.CopyFromSource.
type copySource struct {
	r       *DataFileReader
	columns []mapper.ColumnDescriptor
	current []any
	err     error
}

func (s *copySource) Next() bool {
	if s.err != nil {
		return false
	}
	fields, err := s.r.Read()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.err = err
		}
		return false
	}
	if len(fields) != len(s.columns) {
		s.err = fmt.Errorf("data file record %d: expected %d fields, got %d", s.r.Record(), len(s.columns), len(fields))
		return false
	}
	s.current = make([]any, len(fields))
	for i, f := range fields {
		v, err := copyValue(f, s.columns[i].Type)
		if err != nil {
			s.err = fmt.Errorf("data file record %d column %s: %w", s.r.Record(), s.columns[i].Name, err)
			return false
		}
		s.current[i] = v
	}
	return true
}

func (s *copySource) Values() ([]any, error) { return s.current, nil }

func (s *copySource) Err() error { return s.err }

// copyValue decodes one data file field into a value pgx can encode.
func copyValue(field any, t mapper.Type) (any, error) {
	if field == nil {
		return nil, nil
	}
	text := field.(string)
	if t.Kind == mapper.Binary {
		return hex.DecodeString(text)
	}
	v, err := mapper.Decode(mapper.Wire(text), t)
	if err != nil {
		return nil, err
	}
	switch x := v.(type) {
	case civil.Date:
		return time.Date(x.Year, x.Month, x.Day, 0, 0, 0, 0, time.UTC), nil
	case decimal.Decimal:
		return pgtype.Numeric{Int: x.Coefficient(), Exp: x.Exponent(), Valid: true}, nil
	}
	return v, nil
}

// DataFileReader reads records of a data file written under a descriptor.
// Fields come back as strings, or nil for the null token.
type DataFileReader struct {
	br     *bufio.Reader
	d      Delimiters
	record int64
}

// NewDataFileReader decodes r from the descriptor's charset.
func NewDataFileReader(r io.Reader, desc Descriptor) (*DataFileReader, error) {
	enc, err := lookupCharset(desc.Charset)
	if err != nil {
		return nil, err
	}
	if err := desc.Delimiters.validate(); err != nil {
		return nil, err
	}
	return &DataFileReader{
		br: bufio.NewReader(transform.NewReader(r, enc.NewDecoder())),
		d:  desc.Delimiters,
	}, nil
}

// Record returns the number of the last record read.
func (r *DataFileReader) Record() int64 { return r.record }

// Read returns the next record, or io.EOF.
func (r *DataFileReader) Read() ([]any, error) {
	var (
		fields   []any
		cur      strings.Builder
		start    = true
		enclosed bool
		inside   bool
		seen     bool
	)
	finish := func() {
		if !enclosed && cur.String() == r.d.Null {
			fields = append(fields, nil)
		} else {
			fields = append(fields, cur.String())
		}
		cur.Reset()
		start, enclosed = true, false
	}

	for {
		if start && r.d.Enclosure != "" && r.consume(r.d.Enclosure) {
			start, enclosed, inside, seen = false, true, true, true
			continue
		}
		if inside {
			if r.consume(r.d.Enclosure + r.d.Enclosure) {
				cur.WriteString(r.d.Enclosure)
				continue
			}
			if r.consume(r.d.Enclosure) {
				inside = false
				continue
			}
		} else {
			if r.consume(r.d.Field) {
				seen = true
				finish()
				continue
			}
			if r.consume(r.d.Row) {
				finish()
				r.record++
				return fields, nil
			}
		}

		b, err := r.br.ReadByte()
		if err == io.EOF {
			if inside {
				return nil, fmt.Errorf("data file record %d: unterminated enclosure", r.record+1)
			}
			if !seen && cur.Len() == 0 && len(fields) == 0 {
				return nil, io.EOF
			}
			finish()
			r.record++
			return fields, nil
		}
		if err != nil {
			return nil, err
		}
		cur.WriteByte(b)
		start = false
		seen = true
	}
}

// consume advances past s when the input continues with it.
func (r *DataFileReader) consume(s string) bool {
	b, err := r.br.Peek(len(s))
	if err != nil || string(b) != s {
		return false
	}
	_, _ = r.br.Discard(len(s))
	return true
}
