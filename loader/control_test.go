package loader

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-strohschein/dbhandler/mapper"
)

func sampleDescriptor() Descriptor {
	return Descriptor{
		Table:      "people",
		Delimiters: DefaultDelimiters(),
		Charset:    "utf-8",
		DataPath:   "/data/people.dat",
		Columns: []mapper.ColumnDescriptor{
			{Name: "id", Type: mapper.IntegerType()},
			{Name: "name", Type: mapper.TextType(40), Nullable: true},
			{Name: "amount", Type: mapper.DecimalType(10, 2), Nullable: true},
			{Name: "born", Type: mapper.DateType("02.01.2006"), Nullable: true},
			{Name: "seen", Type: mapper.TimestampType("2006-01-02 15:04:05")},
			{Name: "active", Type: mapper.BooleanType()},
			{Name: "blob", Type: mapper.Type{Kind: mapper.Binary, Length: 16}, Nullable: true},
		},
	}
}

func TestDescriptorWrite(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, sampleDescriptor().Write(&buf))
	assert.Equal(t, `TABLE "people"
FIELD_DELIMITER ","
ROW_DELIMITER "\n"
ENCLOSURE "\""
NULL "\\N"
CHARSET utf-8
DATA "/data/people.dat"
COLUMNS 7
id,INTEGER,,NOT NULL
name,TEXT(40),,NULL
amount,"DECIMAL(10,2)",,NULL
born,DATE,02.01.2006,NULL
seen,TIMESTAMP,2006-01-02 15:04:05,NOT NULL
active,BOOLEAN,1/0,NOT NULL
blob,BINARY(16),hex,NULL
`, buf.String())
}

func TestParseDescriptor_RoundTrip(t *testing.T) {
	d := sampleDescriptor()
	d.Delimiters = Delimiters{Field: "|~|", Row: "\r\n", Enclosure: "'", Null: "<null>"}
	d.Table = "app.people"

	var buf bytes.Buffer
	require.NoError(t, d.Write(&buf))
	got, err := ParseDescriptor(&buf)
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestParseDescriptor_Errors(t *testing.T) {
	tests := map[string]string{
		"truncated header": "TABLE \"people\"\n",
		"unknown key":      "TABLE \"people\"\nCOLOUR blue\n",
		"unquoted value":   "TABLE people\nCOLUMNS 0\n",
		"missing columns":  "TABLE \"people\"\nCOLUMNS 2\nid,INTEGER,,NOT NULL\n",
		"bad type":         "TABLE \"people\"\nCOLUMNS 1\nid,WIDGET,,NULL\n",
		"short column":     "TABLE \"people\"\nCOLUMNS 1\nid,INTEGER\n",
	}
	for name, input := range tests {
		_, err := ParseDescriptor(strings.NewReader(input))
		assert.Error(t, err, name)
	}
}

// The data file must read back under the control file the job wrote for it.
func TestControlAndDataFilesAgree(t *testing.T) {
	dir := t.TempDir()
	spec := testSpec(dir)
	spec.Delimiters = Delimiters{Field: "|", Row: "\r\n", Enclosure: `"`, Null: "NULL"}
	spec.Charset = "windows-1252"
	born := time.Date(1815, 12, 10, 0, 0, 0, 0, time.UTC)
	input := [][]any{
		{int64(1), "Ada | Lovelace", born, "12.50", true},
		{int64(2), "NULL", nil, nil, false},
		{int64(3), "Zoë \"Z\"", nil, "-0.25", nil},
	}
	spec.Columns = []mapper.ColumnDescriptor{
		{Name: "id", Type: mapper.IntegerType()},
		{Name: "name", Type: mapper.TextType(20)},
		{Name: "born", Type: mapper.DateType("02-Jan-2006"), Nullable: true},
		{Name: "amount", Type: mapper.DecimalType(6, 2), Nullable: true},
		{Name: "active", Type: mapper.BooleanType(), Nullable: true},
	}
	src := NewSliceSource([]string{"id", "name", "born", "amount", "active"}, input)

	job, err := NewJob(spec, src, nil)
	require.NoError(t, err)
	defer job.Close()
	ctx := context.Background()
	require.NoError(t, job.Infer(ctx, 0))
	require.NoError(t, job.WriteDataFile(ctx))
	require.NoError(t, job.WriteControlFile())

	d, err := ReadDescriptorFile(spec.ControlPath)
	require.NoError(t, err)
	assert.Equal(t, "windows-1252", d.Charset)
	assert.Equal(t, spec.Delimiters, d.Delimiters)
	assert.Equal(t, spec.DataPath, d.DataPath)

	f, err := os.Open(d.DataPath)
	require.NoError(t, err)
	defer f.Close()
	r, err := NewDataFileReader(f, d)
	require.NoError(t, err)

	var got [][]any
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		row := make([]any, len(rec))
		for i, field := range rec {
			if field == nil {
				row[i] = mapper.Null
				continue
			}
			v, err := mapper.Decode(mapper.Wire(field), d.Columns[i].Type)
			require.NoError(t, err)
			row[i] = v
		}
		got = append(got, row)
	}
	want := [][]any{
		{int64(1), "Ada | Lovelace", civil.Date{Year: 1815, Month: 12, Day: 10}, decimal.RequireFromString("12.5"), true},
		{int64(2), "NULL", mapper.Null, mapper.Null, false},
		{int64(3), `Zoë "Z"`, mapper.Null, decimal.RequireFromString("-0.25"), mapper.Null},
	}
	require.Len(t, got, len(want))
	for i, row := range got {
		for c, v := range row {
			assert.True(t, mapper.Equal(want[i][c], v), "row %d column %d: %v != %v", i+1, c, want[i][c], v)
		}
	}
}

func TestWriteControlFile_SQLLoader(t *testing.T) {
	spec := testSpec(t.TempDir())
	spec.ControlFormat = FormatSQLLoader
	job, err := NewJob(spec, csvSource(t, peopleCSV(5, nil)), nil)
	require.NoError(t, err)
	defer job.Close()
	require.NoError(t, job.Infer(context.Background(), 0))
	require.NoError(t, job.WriteControlFile())

	data, err := os.ReadFile(spec.ControlPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "INTO TABLE people\n")
	assert.Contains(t, string(data), `joined DATE "YYYY-MM-DD" NULLIF joined='\N'`)
}

func TestDescriptorWriteSQLLoader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, sampleDescriptor().WriteSQLLoader(&buf))
	assert.Equal(t, `LOAD DATA
CHARACTERSET AL32UTF8
INFILE '/data/people.dat' "STR X'0a'"
APPEND
INTO TABLE people
FIELDS TERMINATED BY ',' OPTIONALLY ENCLOSED BY X'22'
TRAILING NULLCOLS
(
  id INTEGER EXTERNAL NULLIF id='\N',
  name CHAR(40) NULLIF name='\N',
  amount DECIMAL EXTERNAL NULLIF amount='\N',
  born DATE "DD.MM.YYYY" NULLIF born='\N',
  seen TIMESTAMP "YYYY-MM-DD HH24:MI:SS" NULLIF seen='\N',
  active INTEGER EXTERNAL NULLIF active='\N',
  blob CHAR(32) "HEXTORAW(:blob)" NULLIF blob='\N'
)
`, buf.String())

	d := sampleDescriptor()
	d.Charset = "koi8-r"
	assert.ErrorContains(t, d.WriteSQLLoader(io.Discard), "no SQL*Loader equivalent")
}

func TestOracleMask(t *testing.T) {
	tests := []struct {
		layout, mask string
	}{
		{"2006-01-02", "YYYY-MM-DD"},
		{"02.01.2006", "DD.MM.YYYY"},
		{"01/02/2006", "MM/DD/YYYY"},
		{"2 Jan 2006", "DD MON YYYY"},
		{"02-Jan-2006", "DD-MON-YYYY"},
		{"20060102", "YYYYMMDD"},
		{"2006-01-02 15:04:05", "YYYY-MM-DD HH24:MI:SS"},
		{"2006-01-02 15:04:05.999999999", "YYYY-MM-DD HH24:MI:SS.FF9"},
		{"2006-01-02 15:04:05 -0700", "YYYY-MM-DD HH24:MI:SS TZHTZM"},
		{time.RFC3339, `YYYY-MM-DD"T"HH24:MI:SSTZH:TZM`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.mask, OracleMask(tt.layout), tt.layout)
	}
	assert.Equal(t, `TIMESTAMP WITH TIME ZONE 'YYYY-MM-DD"T"HH24:MI:SSTZH:TZM'`,
		sqlldrField(mapper.ColumnDescriptor{Name: "ts", Type: mapper.TimestampType(time.RFC3339)}))
}

func TestSQLLoaderLiteral(t *testing.T) {
	assert.Equal(t, "','", sqlldrLiteral(","))
	assert.Equal(t, "'|~|'", sqlldrLiteral("|~|"))
	assert.Equal(t, "X'0d0a'", sqlldrLiteral("\r\n"))
	assert.Equal(t, "X'27'", sqlldrLiteral("'"))
}
