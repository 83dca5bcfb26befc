package loader

import (
	"bufio"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/dan-strohschein/dbhandler/mapper"
)

// Descriptor is the control descriptor of a data file: where the data is,
// how it is delimited and what each column holds.
type Descriptor struct {
	Table      string
	Delimiters Delimiters
	Charset    string
	DataPath   string
	Columns    []mapper.ColumnDescriptor
}

// Descriptor returns the descriptor of the job's frozen schema.
func (j *Job) Descriptor() Descriptor {
	charset, err := canonicalCharset(j.spec.Charset)
	if err != nil {
		charset = j.spec.Charset
	}
	return Descriptor{
		Table:      j.spec.Table,
		Delimiters: j.spec.Delimiters,
		Charset:    charset,
		DataPath:   j.spec.DataPath,
		Columns:    j.Columns(),
	}
}

// WriteControlFile writes the control file in the configured format. It is
// valid once the schema is frozen.
func (j *Job) WriteControlFile() error {
	switch j.State() {
	case SCHEMA_FROZEN, WRITING:
	default:
		return j.jobError("write control file requires a frozen schema", nil)
	}

	d := j.Descriptor()
	f, err := os.Create(j.spec.ControlPath)
	if err != nil {
		return j.fail("creating control file", err)
	}
	w := bufio.NewWriter(f)
	switch j.spec.ControlFormat {
	case FormatSQLLoader:
		err = d.WriteSQLLoader(w)
	default:
		err = d.Write(w)
	}
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(j.spec.ControlPath)
		return j.fail("writing control file", err)
	}
	j.log.Info("control file %s written (%s)", j.spec.ControlPath, j.spec.ControlFormat)
	return nil
}

// Write renders the descriptor format:
//
//	TABLE "people"
//	FIELD_DELIMITER ","
//	ROW_DELIMITER "\n"
//	ENCLOSURE "\""
//	NULL "\\N"
//	CHARSET utf-8
//	DATA "/data/people.dat"
//	COLUMNS 2
//	id,INTEGER,,NOT NULL
//	born,DATE,2006-01-02,NULL
func (d Descriptor) Write(w io.Writer) error {
	header := []struct{ key, value string }{
		{"TABLE", strconv.Quote(d.Table)},
		{"FIELD_DELIMITER", strconv.Quote(d.Delimiters.Field)},
		{"ROW_DELIMITER", strconv.Quote(d.Delimiters.Row)},
		{"ENCLOSURE", strconv.Quote(d.Delimiters.Enclosure)},
		{"NULL", strconv.Quote(d.Delimiters.Null)},
		{"CHARSET", d.Charset},
		{"DATA", strconv.Quote(d.DataPath)},
		{"COLUMNS", strconv.Itoa(len(d.Columns))},
	}
	for _, h := range header {
		if _, err := fmt.Fprintf(w, "%s %s\n", h.key, h.value); err != nil {
			return err
		}
	}
	cw := csv.NewWriter(w)
	for _, c := range d.Columns {
		null := "NOT NULL"
		if c.Nullable {
			null = "NULL"
		}
		if err := cw.Write([]string{c.Name, c.Type.String(), mapper.FormatHint(c.Type), null}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ParseDescriptor reads a descriptor written by Descriptor.Write.
func ParseDescriptor(r io.Reader) (Descriptor, error) {
	br := bufio.NewReader(r)
	var d Descriptor
	count := -1
	for count < 0 {
		line, err := br.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return Descriptor{}, fmt.Errorf("descriptor: unexpected end of header")
		}
		line = strings.TrimRight(line, "\r\n")
		key, value, ok := strings.Cut(line, " ")
		if !ok {
			return Descriptor{}, fmt.Errorf("descriptor: malformed line %q", line)
		}
		switch key {
		case "TABLE":
			d.Table, err = strconv.Unquote(value)
		case "FIELD_DELIMITER":
			d.Delimiters.Field, err = strconv.Unquote(value)
		case "ROW_DELIMITER":
			d.Delimiters.Row, err = strconv.Unquote(value)
		case "ENCLOSURE":
			d.Delimiters.Enclosure, err = strconv.Unquote(value)
		case "NULL":
			d.Delimiters.Null, err = strconv.Unquote(value)
		case "CHARSET":
			d.Charset, err = value, nil
		case "DATA":
			d.DataPath, err = strconv.Unquote(value)
		case "COLUMNS":
			count, err = strconv.Atoi(value)
			if err == nil && count < 0 {
				err = fmt.Errorf("negative column count")
			}
		default:
			err = fmt.Errorf("unknown key")
		}
		if err != nil {
			return Descriptor{}, fmt.Errorf("descriptor: %s: %v", key, err)
		}
	}

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = 4
	for i := 0; i < count; i++ {
		rec, err := cr.Read()
		if err != nil {
			return Descriptor{}, fmt.Errorf("descriptor: column %d: %w", i+1, err)
		}
		t, err := mapper.ParseType(rec[1])
		if err != nil {
			return Descriptor{}, fmt.Errorf("descriptor: column %s: %w", rec[0], err)
		}
		if t.Kind == mapper.Date || t.Kind == mapper.Timestamp {
			t.Layout = rec[2]
		}
		d.Columns = append(d.Columns, mapper.ColumnDescriptor{Name: rec[0], Type: t, Nullable: rec[3] == "NULL"})
	}
	return d, nil
}

// ReadDescriptorFile parses the descriptor at path.
func ReadDescriptorFile(path string) (Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return Descriptor{}, err
	}
	defer f.Close()
	return ParseDescriptor(f)
}

// oracleCharsets maps WHATWG charset labels to Oracle character set names.
var oracleCharsets = map[string]string{
	"utf-8":        "AL32UTF8",
	"utf-16le":     "AL16UTF16LE",
	"utf-16be":     "AL16UTF16",
	"windows-1252": "WE8MSWIN1252",
	"windows-1250": "EE8MSWIN1250",
	"windows-1251": "CL8MSWIN1251",
	"iso-8859-2":   "EE8ISO8859P2",
	"iso-8859-15":  "WE8ISO8859P15",
	"shift_jis":    "JA16SJIS",
	"euc-jp":       "JA16EUC",
	"gbk":          "ZHS16GBK",
	"big5":         "ZHT16MSWIN950",
	"euc-kr":       "KO16MSWIN949",
}

// oracleMask translates Go time layout elements to Oracle format elements.
var oracleMask = strings.NewReplacer(
	".999999999", ".FF9",
	".000000000", ".FF9",
	".999999", ".FF6",
	".000000", ".FF6",
	".000", ".FF3",
	"Z07:00", "TZH:TZM",
	"-07:00", "TZH:TZM",
	"Z0700", "TZHTZM",
	"-0700", "TZHTZM",
	"2006", "YYYY",
	"January", "MONTH",
	"Jan", "MON",
	"Monday", "DAY",
	"Mon", "DY",
	"01", "MM",
	"02", "DD",
	"_2", "DD",
	"15", "HH24",
	"03", "HH",
	"04", "MI",
	"05", "SS",
	"PM", "AM",
	"T", `"T"`,
	"2", "DD",
	"1", "MM",
)

// OracleMask converts a Go time layout to an Oracle datetime format mask.
func OracleMask(layout string) string {
	return oracleMask.Replace(layout)
}

// WriteSQLLoader renders an Oracle SQL*Loader control file for the same
// data file, delimiters and schema.
func (d Descriptor) WriteSQLLoader(w io.Writer) error {
	charset, ok := oracleCharsets[strings.ToLower(d.Charset)]
	if !ok {
		return fmt.Errorf("charset %s has no SQL*Loader equivalent", d.Charset)
	}

	var b strings.Builder
	b.WriteString("LOAD DATA\n")
	fmt.Fprintf(&b, "CHARACTERSET %s\n", charset)
	fmt.Fprintf(&b, "INFILE '%s' \"STR %s\"\n", filepath.ToSlash(d.DataPath), sqlldrLiteral(d.Delimiters.Row))
	b.WriteString("APPEND\n")
	fmt.Fprintf(&b, "INTO TABLE %s\n", d.Table)
	fmt.Fprintf(&b, "FIELDS TERMINATED BY %s", sqlldrLiteral(d.Delimiters.Field))
	if d.Delimiters.Enclosure != "" {
		fmt.Fprintf(&b, " OPTIONALLY ENCLOSED BY %s", sqlldrLiteral(d.Delimiters.Enclosure))
	}
	b.WriteString("\nTRAILING NULLCOLS\n(\n")
	for i, c := range d.Columns {
		fmt.Fprintf(&b, "  %s %s NULLIF %s=%s", c.Name, sqlldrField(c), c.Name, sqlldrLiteral(d.Delimiters.Null))
		if i < len(d.Columns)-1 {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
	}
	b.WriteString(")\n")
	_, err := io.WriteString(w, b.String())
	return err
}

func sqlldrField(c mapper.ColumnDescriptor) string {
	t := c.Type
	switch t.Kind {
	case mapper.Integer, mapper.Boolean:
		return "INTEGER EXTERNAL"
	case mapper.Decimal:
		return "DECIMAL EXTERNAL"
	case mapper.Date:
		return "DATE " + sqlldrMask(OracleMask(mapper.FormatHint(t)))
	case mapper.Timestamp:
		mask := OracleMask(mapper.FormatHint(t))
		if strings.Contains(mask, "TZH") {
			return "TIMESTAMP WITH TIME ZONE " + sqlldrMask(mask)
		}
		return "TIMESTAMP " + sqlldrMask(mask)
	case mapper.Binary:
		n := 4000
		if t.Length > 0 {
			n = 2 * t.Length
		}
		return fmt.Sprintf("CHAR(%d) \"HEXTORAW(:%s)\"", n, c.Name)
	default:
		n := 4000
		if t.Length > 0 {
			n = t.Length
		}
		return fmt.Sprintf("CHAR(%d)", n)
	}
}

// sqlldrMask quotes a format mask, switching to single quotes when the mask
// carries a double-quoted literal.
func sqlldrMask(mask string) string {
	if strings.Contains(mask, `"`) {
		return "'" + mask + "'"
	}
	return `"` + mask + `"`
}

// sqlldrLiteral renders s as a quoted string, or as a hex string when it
// holds quotes or non-printable characters.
func sqlldrLiteral(s string) string {
	for _, r := range s {
		if r == '\'' || r == '"' || !unicode.IsPrint(r) {
			return "X'" + hex.EncodeToString([]byte(s)) + "'"
		}
	}
	return "'" + s + "'"
}
