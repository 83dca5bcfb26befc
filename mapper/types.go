// Package mapper converts values between the client's abstract value model and
// the representation bound to, and fetched from, a backend session. It also
// infers column types from sampled text for the bulk loader.
//
// Abstract values are: nil or Null, int64 (any Go integer on input),
// decimal.Decimal, string, civil.Date, time.Time, bool and []byte.
package mapper

import (
	"fmt"
	"strings"
)

// Kind is the semantic type of a column or bind variable.
type Kind int

const (
	Unknown Kind = iota
	Integer
	Decimal
	Text
	Date
	Timestamp
	Boolean
	Binary
)

// String returns the upper-case name used in control descriptors.
func (k Kind) String() string {
	switch k {
	case Integer:
		return "INTEGER"
	case Decimal:
		return "DECIMAL"
	case Text:
		return "TEXT"
	case Date:
		return "DATE"
	case Timestamp:
		return "TIMESTAMP"
	case Boolean:
		return "BOOLEAN"
	case Binary:
		return "BINARY"
	default:
		return "UNKNOWN"
	}
}

// ParseKind is the inverse of Kind.String. It is case-insensitive.
func ParseKind(s string) Kind {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INTEGER", "INT":
		return Integer
	case "DECIMAL", "NUMERIC":
		return Decimal
	case "TEXT":
		return Text
	case "DATE":
		return Date
	case "TIMESTAMP":
		return Timestamp
	case "BOOLEAN", "BOOL":
		return Boolean
	case "BINARY":
		return Binary
	default:
		return Unknown
	}
}

// Canonical layouts used when a Date or Timestamp type carries no layout.
const (
	DateLayout      = "2006-01-02"
	TimestampLayout = "2006-01-02 15:04:05.999999999"
)

// Type is a semantic type with its modifiers.
//
// Precision and Scale apply to Decimal (zero Precision means unbounded).
// Length applies to Text and Binary (zero means unbounded). Layout is the Go
// time layout used to parse and render Date and Timestamp text.
type Type struct {
	Kind      Kind
	Precision int
	Scale     int
	Length    int
	Layout    string
}

func IntegerType() Type { return Type{Kind: Integer} }
func BooleanType() Type { return Type{Kind: Boolean} }
func BinaryType() Type  { return Type{Kind: Binary} }

func DecimalType(precision, scale int) Type {
	return Type{Kind: Decimal, Precision: precision, Scale: scale}
}

func TextType(length int) Type { return Type{Kind: Text, Length: length} }

func DateType(layout string) Type {
	if layout == "" {
		layout = DateLayout
	}
	return Type{Kind: Date, Layout: layout}
}

func TimestampType(layout string) Type {
	if layout == "" {
		layout = TimestampLayout
	}
	return Type{Kind: Timestamp, Layout: layout}
}

// String renders the type as it appears in a control descriptor,
// e.g. DECIMAL(10,2) or TEXT(40).
func (t Type) String() string {
	switch t.Kind {
	case Decimal:
		if t.Precision > 0 {
			return fmt.Sprintf("DECIMAL(%d,%d)", t.Precision, t.Scale)
		}
		return "DECIMAL"
	case Text, Binary:
		if t.Length > 0 {
			return fmt.Sprintf("%s(%d)", t.Kind, t.Length)
		}
		return t.Kind.String()
	default:
		return t.Kind.String()
	}
}

// layout returns the effective time layout for Date and Timestamp.
func (t Type) layout() string {
	if t.Layout != "" {
		return t.Layout
	}
	if t.Kind == Date {
		return DateLayout
	}
	return TimestampLayout
}

// ParseType parses the output of Type.String. Date and timestamp layouts are
// carried separately (format hint) and must be set by the caller.
func ParseType(s string) (Type, error) {
	s = strings.TrimSpace(s)
	name, args := s, ""
	if i := strings.IndexByte(s, '('); i >= 0 {
		if !strings.HasSuffix(s, ")") {
			return Type{}, fmt.Errorf("malformed type %q", s)
		}
		name, args = s[:i], s[i+1:len(s)-1]
	}

	t := Type{Kind: ParseKind(name)}
	if t.Kind == Unknown {
		return Type{}, fmt.Errorf("unknown type %q", s)
	}
	if args == "" {
		return t, nil
	}

	var err error
	switch t.Kind {
	case Decimal:
		_, err = fmt.Sscanf(args, "%d,%d", &t.Precision, &t.Scale)
	case Text, Binary:
		_, err = fmt.Sscanf(args, "%d", &t.Length)
	default:
		err = fmt.Errorf("type %s takes no arguments", t.Kind)
	}
	if err != nil {
		return Type{}, fmt.Errorf("malformed type %q: %v", s, err)
	}
	return t, nil
}

// ColumnDescriptor describes one column of a result set or load job.
// Observed is the number of non-null samples seen during inference.
type ColumnDescriptor struct {
	Name     string
	Type     Type
	Nullable bool
	Observed int
}

// nullValue is the explicit null marker returned by Decode.
type nullValue struct{}

func (nullValue) String() string { return "NULL" }

// Null marks a null value. Decode never substitutes a zero value for NULL.
var Null = nullValue{}

// IsNull reports whether v is nil or the Null marker.
func IsNull(v any) bool {
	if v == nil {
		return true
	}
	_, ok := v.(nullValue)
	return ok
}
