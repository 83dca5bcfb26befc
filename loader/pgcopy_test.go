package loader

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-strohschein/dbhandler/mapper"
)

type fakeCopier struct {
	table   pgx.Identifier
	columns []string
	rows    [][]any
	err     error
}

func (f *fakeCopier) CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error) {
	f.table, f.columns = table, columns
	if f.err != nil {
		return 0, f.err
	}
	for src.Next() {
		values, err := src.Values()
		if err != nil {
			return 0, err
		}
		f.rows = append(f.rows, append([]any(nil), values...))
	}
	return int64(len(f.rows)), src.Err()
}

func TestRun_PGCopy(t *testing.T) {
	spec := testSpec(t.TempDir())
	spec.Table = "app.people"
	src := NewSliceSource([]string{"id", "name", "amount", "born", "active"}, [][]any{
		{"1", "ada", "12.50", "1815-12-10", "true"},
		{"2", "grace, hopper", "", "", "false"},
	})
	copier := &fakeCopier{}

	res, err := Run(context.Background(), spec, src, nil, &PGCopy{Conn: copier}, nil)
	require.NoError(t, err)
	assert.Equal(t, COMPLETED, res.State)
	assert.Equal(t, int64(2), res.Loaded)

	assert.Equal(t, pgx.Identifier{"app", "people"}, copier.table)
	assert.Equal(t, []string{"id", "name", "amount", "born", "active"}, copier.columns)
	require.Len(t, copier.rows, 2)

	first := copier.rows[0]
	assert.Equal(t, int64(1), first[0])
	assert.Equal(t, "ada", first[1])
	n, ok := first[2].(pgtype.Numeric)
	require.True(t, ok, "decimals are sent as pgtype.Numeric")
	assert.True(t, decimal.NewFromBigInt(n.Int, n.Exp).Equal(decimal.RequireFromString("12.5")))
	assert.Equal(t, time.Date(1815, 12, 10, 0, 0, 0, 0, time.UTC), first[3])
	assert.Equal(t, true, first[4])

	assert.Equal(t, []any{int64(2), "grace, hopper", nil, nil, false}, copier.rows[1])
}

func TestPGCopy_CopyFailure(t *testing.T) {
	spec := testSpec(t.TempDir())
	copier := &fakeCopier{err: errors.New("relation \"people\" does not exist")}

	res, err := Run(context.Background(), spec, csvSource(t, peopleCSV(3, nil)), nil, &PGCopy{Conn: copier}, nil)
	var utilErr *LoadUtilityError
	require.ErrorAs(t, err, &utilErr)
	assert.Equal(t, "pgcopy", utilErr.Utility)
	assert.Equal(t, FAILED, res.State)
}

func TestPGCopy_NeedsDescriptor(t *testing.T) {
	spec := testSpec(t.TempDir())
	spec.ControlFormat = FormatSQLLoader

	_, err := Run(context.Background(), spec, csvSource(t, peopleCSV(3, nil)), nil, &PGCopy{Conn: &fakeCopier{}}, nil)
	var utilErr *LoadUtilityError
	require.ErrorAs(t, err, &utilErr)
	assert.ErrorContains(t, err, "descriptor")
}

func TestCopyValue(t *testing.T) {
	v, err := copyValue("cafe", mapper.BinaryType())
	require.NoError(t, err)
	assert.Equal(t, []byte{0xca, 0xfe}, v)

	v, err = copyValue(nil, mapper.IntegerType())
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = copyValue("x", mapper.IntegerType())
	var mismatch *mapper.TypeMismatchError
	assert.ErrorAs(t, err, &mismatch)
}

func TestDataFileReader(t *testing.T) {
	d := Descriptor{Delimiters: Delimiters{Field: "|~|", Row: "\r\n", Enclosure: `"`, Null: `\N`}}
	input := "1|~|\"a|~|b\"|~|\\N\r\n" +
		"2|~|\"say \"\"hi\"\"\"|~|\"\\N\"\r\n" +
		"3|~||~|x"
	r, err := NewDataFileReader(strings.NewReader(input), d)
	require.NoError(t, err)

	var got [][]any
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, rec)
	}
	assert.Equal(t, [][]any{
		{"1", "a|~|b", nil},
		{"2", `say "hi"`, `\N`},
		{"3", "", "x"},
	}, got)
	assert.Equal(t, int64(3), r.Record())
}

func TestDataFileReader_UnterminatedEnclosure(t *testing.T) {
	r, err := NewDataFileReader(strings.NewReader("1,\"open\n"), Descriptor{Delimiters: DefaultDelimiters()})
	require.NoError(t, err)
	_, err = r.Read()
	assert.ErrorContains(t, err, "unterminated enclosure")
}
