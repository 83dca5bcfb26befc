package client

import (
	"context"
	"errors"
	"io"
	"iter"
	"strings"

	"github.com/dan-strohschein/dbhandler/mapper"
	"github.com/dan-strohschein/dbhandler/session"
)

// ResultSet is a lazy, single-pass cursor over a query result. It holds the
// connection, so no other statement runs until it is exhausted or closed.
// It is bound to the session it was produced on: reading it after that
// session was replaced fails with *StaleResultError. A ResultSet is not safe
// for concurrent use.
type ResultSet struct {
	e      *Executor
	c      *Conn
	st     session.Statement
	rows   session.Rows
	cancel context.CancelFunc
	hc     *HookContext

	columns []mapper.ColumnDescriptor
	names   []string
	index   map[string]int
	fills   map[int]any

	row     Row
	err     error
	fetched int64
	closed  bool
}

func newResultSet(e *Executor, c *Conn, st session.Statement, rows session.Rows, cancel context.CancelFunc, hc *HookContext, so *selectOptions) *ResultSet {
	rs := &ResultSet{
		e:      e,
		c:      c,
		st:     st,
		rows:   rows,
		cancel: cancel,
		hc:     hc,
		index:  make(map[string]int),
		fills:  make(map[int]any),
	}

	for i, col := range rows.Columns() {
		d := mapper.ColumnDescriptor{
			Name:     col.Name,
			Type:     mapper.FromDatabaseType(col.DatabaseType, col.Precision, col.Scale, col.Length),
			Nullable: col.Nullable,
		}
		for _, rule := range so.casts {
			if rule.pattern.MatchString(col.Name) {
				d.Type = rule.typ
			}
		}
		for _, rule := range so.fills {
			if rule.pattern.MatchString(col.Name) {
				rs.fills[i] = rule.value
			}
		}
		rs.columns = append(rs.columns, d)
		rs.names = append(rs.names, col.Name)
		if _, dup := rs.index[strings.ToLower(col.Name)]; !dup {
			rs.index[strings.ToLower(col.Name)] = i
		}
	}
	return rs
}

// Columns describes the result columns.
func (rs *ResultSet) Columns() []mapper.ColumnDescriptor {
	return append([]mapper.ColumnDescriptor(nil), rs.columns...)
}

// Generation is the session generation the result set is bound to.
func (rs *ResultSet) Generation() uint64 { return rs.c.gen }

// Next advances to the next row. It returns false when the rows are
// exhausted or reading failed; Err tells them apart. The connection is
// released as soon as Next returns false.
func (rs *ResultSet) Next(ctx context.Context) bool {
	if rs.closed || rs.err != nil {
		return false
	}

	var raw []any
	err := rs.c.call(ctx, "fetch", func(ctx context.Context) error {
		var err error
		raw, err = rs.rows.Next(ctx)
		return err
	})
	if errors.Is(err, io.EOF) {
		rs.finish()
		return false
	}
	if err != nil {
		if isConnectionFailure(err) {
			err = rs.e.connectionError(err)
		}
		rs.err = err
		rs.finish()
		return false
	}

	values, err := mapper.DecodeRow(raw, rs.columns)
	if err != nil {
		rs.err = err
		rs.finish()
		return false
	}
	for i, v := range rs.fills {
		if i < len(values) && mapper.IsNull(values[i]) {
			values[i] = v
		}
	}

	rs.fetched++
	rs.row = Row{names: rs.names, index: rs.index, values: values}
	return true
}

// Row returns the current row.
func (rs *ResultSet) Row() Row { return rs.row }

// Err returns the error that ended iteration, if any.
func (rs *ResultSet) Err() error { return rs.err }

// Fetched returns the number of rows read so far.
func (rs *ResultSet) Fetched() int64 { return rs.fetched }

// Close releases the rows and the connection. It is safe to call more than
// once.
func (rs *ResultSet) Close() error {
	rs.finish()
	return nil
}

// All iterates the remaining rows and closes the result set when iteration
// stops. A read error is yielded last with a zero Row.
func (rs *ResultSet) All(ctx context.Context) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		defer rs.Close()
		for rs.Next(ctx) {
			if !yield(rs.Row(), nil) {
				return
			}
		}
		if err := rs.Err(); err != nil {
			yield(Row{}, err)
		}
	}
}

// Collect reads every remaining row and closes the result set.
func (rs *ResultSet) Collect(ctx context.Context) ([]Row, error) {
	var out []Row
	for row, err := range rs.All(ctx) {
		if err != nil {
			return out, err
		}
		out = append(out, row)
	}
	return out, nil
}

func (rs *ResultSet) finish() {
	if rs.closed {
		return
	}
	rs.closed = true

	// A replaced or degraded session is closed with its statements when it
	// is discarded; closing rows here could wait on an abandoned fetch.
	if rs.c.check() == nil && rs.e.m.State() == HEALTHY {
		_ = rs.rows.Close()
		rs.c.finish(rs.st)
	}
	rs.cancel()

	rs.hc.RowsFetched = rs.fetched
	rs.e.hooks.fetched(context.Background(), rs.hc)
	rs.c.release()
}

// Row is one result row: values in column order, addressable by name.
type Row struct {
	names  []string
	index  map[string]int
	values []any
}

// Get returns the value of the named column, matched case-insensitively.
// SQL NULL is mapper.Null.
func (r Row) Get(name string) (any, bool) {
	i, ok := r.index[strings.ToLower(name)]
	if !ok || i >= len(r.values) {
		return nil, false
	}
	return r.values[i], true
}

// Value returns the value of column i.
func (r Row) Value(i int) any { return r.values[i] }

// Len returns the number of columns.
func (r Row) Len() int { return len(r.values) }

// Columns returns the column names in order.
func (r Row) Columns() []string { return append([]string(nil), r.names...) }

// Values returns the values in column order.
func (r Row) Values() []any { return append([]any(nil), r.values...) }

// Map returns the row keyed by column name.
func (r Row) Map() map[string]any {
	m := make(map[string]any, len(r.values))
	for i, name := range r.names {
		m[name] = r.values[i]
	}
	return m
}
