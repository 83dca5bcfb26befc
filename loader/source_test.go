package loader

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, src RowSource) (rows [][]any, bad []*BadRowError) {
	t.Helper()
	for {
		row, err := src.Next(context.Background())
		if err == io.EOF {
			return rows, bad
		}
		if b, ok := err.(*BadRowError); ok {
			bad = append(bad, b)
			continue
		}
		require.NoError(t, err)
		rows = append(rows, row)
	}
}

func TestCSVSource(t *testing.T) {
	src := csvSource(t, "id, name\n1,ada\n2,\"hopper, grace\"\n")
	assert.Equal(t, []string{"id", "name"}, src.Columns())

	rows, bad := drain(t, src)
	assert.Empty(t, bad)
	assert.Equal(t, [][]any{{"1", "ada"}, {"2", "hopper, grace"}}, rows)
}

func TestCSVSource_StripsBOM(t *testing.T) {
	src := csvSource(t, "\ufeffid,name\n1,ada\n")
	assert.Equal(t, []string{"id", "name"}, src.Columns())
}

func TestCSVSource_DecodesCharset(t *testing.T) {
	src, err := NewCSVSource(strings.NewReader("name\ncaf\xe9\n"), CSVOptions{Charset: "latin1"})
	require.NoError(t, err)
	rows, _ := drain(t, src)
	assert.Equal(t, [][]any{{"café"}}, rows)
}

func TestCSVSource_UTF16BOMOverridesCharset(t *testing.T) {
	// UTF-16LE "a\nb\n" with a byte order mark.
	input := "\xff\xfea\x00\n\x00b\x00\n\x00"
	src, err := NewCSVSource(strings.NewReader(input), CSVOptions{Charset: "windows-1252"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, src.Columns())
	rows, _ := drain(t, src)
	assert.Equal(t, [][]any{{"b"}}, rows)
}

func TestCSVSource_BadRows(t *testing.T) {
	src := csvSource(t, "a,b\n1,2\n3\n4,5,6\n7,\"8\n")
	rows, bad := drain(t, src)
	assert.Equal(t, [][]any{{"1", "2"}}, rows)
	require.Len(t, bad, 3)
	assert.Equal(t, int64(2), bad[0].Row)
	assert.Equal(t, "expected 2 fields, got 1", bad[0].Reason)
	assert.Equal(t, int64(3), bad[1].Row)
	assert.Equal(t, int64(4), bad[2].Row)
	assert.NotNil(t, bad[2].Cause, "csv parse errors keep their cause")
}

func TestCSVSource_Options(t *testing.T) {
	src, err := NewCSVSource(strings.NewReader("1;ada\n"), CSVOptions{Comma: ';', Columns: []string{"id", "name"}})
	require.NoError(t, err)
	rows, _ := drain(t, src)
	assert.Equal(t, [][]any{{"1", "ada"}}, rows)

	_, err = NewCSVSource(strings.NewReader(""), CSVOptions{})
	assert.ErrorContains(t, err, "missing header")

	_, err = NewCSVSource(strings.NewReader("a\n"), CSVOptions{Charset: "klingon"})
	assert.ErrorContains(t, err, "unknown charset")
}

func TestCSVSource_EmptyFields(t *testing.T) {
	const input = "id,note\n1,\n2,\" \"\n3,\"\"\n"

	rows, _ := drain(t, csvSource(t, input))
	assert.Equal(t, [][]any{{"1", nil}, {"2", " "}, {"3", nil}}, rows)

	src, err := NewCSVSource(strings.NewReader(input), CSVOptions{KeepEmpty: true})
	require.NoError(t, err)
	rows, _ = drain(t, src)
	assert.Equal(t, [][]any{{"1", ""}, {"2", " "}, {"3", ""}}, rows)
}

func TestCSVSource_HonoursContext(t *testing.T) {
	src := csvSource(t, "a\n1\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSliceSource(t *testing.T) {
	src := NewSliceSource([]string{"a", "b"}, [][]any{{1, 2}, {3}})
	rows, bad := drain(t, src)
	assert.Equal(t, [][]any{{1, 2}}, rows)
	require.Len(t, bad, 1)
	assert.Equal(t, int64(2), bad[0].Row)
}

func TestCanonicalCharset(t *testing.T) {
	tests := map[string]string{
		"":          "utf-8",
		"UTF8":      "utf-8",
		"latin1":    "windows-1252",
		"cp1251":    "windows-1251",
		"Shift_JIS": "shift_jis",
	}
	for in, want := range tests {
		got, err := canonicalCharset(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}
