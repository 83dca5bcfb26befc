package mapper

import (
	"database/sql/driver"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"
)

// WireValue is the representation bound to a statement or fetched from a
// result. Raw holds a database/sql/driver value; nil is NULL.
type WireValue struct {
	Raw driver.Value
}

// Value implements driver.Valuer so a WireValue can be passed straight to a
// database/sql statement.
func (w WireValue) Value() (driver.Value, error) { return w.Raw, nil }

// IsNull reports whether the wire value is NULL.
func (w WireValue) IsNull() bool { return w.Raw == nil }

// Wire wraps a raw value fetched from a backend.
func Wire(raw any) WireValue { return WireValue{Raw: raw} }

// Encode converts an abstract value to its wire representation under the
// declared type. A type with Kind Unknown is resolved with TypeOf first.
func Encode(v any, t Type) (WireValue, error) {
	if IsNull(v) {
		return WireValue{}, nil
	}
	if t.Kind == Unknown {
		t = TypeOf(v)
	}

	switch t.Kind {
	case Integer:
		n, err := toInt64(v, t)
		if err != nil {
			return WireValue{}, err
		}
		return WireValue{Raw: n}, nil

	case Decimal:
		d, err := toDecimal(v, t)
		if err != nil {
			return WireValue{}, err
		}
		if err := checkDecimal(v, d, t); err != nil {
			return WireValue{}, err
		}
		if t.Scale > 0 {
			return WireValue{Raw: d.StringFixed(int32(t.Scale))}, nil
		}
		return WireValue{Raw: d.String()}, nil

	case Text:
		s, err := toText(v, t)
		if err != nil {
			return WireValue{}, err
		}
		if t.Length > 0 && utf8.RuneCountInString(s) > t.Length {
			return WireValue{}, mismatch(v, t, "length %d exceeds %d", utf8.RuneCountInString(s), t.Length)
		}
		return WireValue{Raw: s}, nil

	case Date:
		d, err := toDate(v, t)
		if err != nil {
			return WireValue{}, err
		}
		return WireValue{Raw: d.In(time.UTC)}, nil

	case Timestamp:
		ts, err := toTimestamp(v, t)
		if err != nil {
			return WireValue{}, err
		}
		return WireValue{Raw: ts}, nil

	case Boolean:
		b, err := toBool(v, t)
		if err != nil {
			return WireValue{}, err
		}
		return WireValue{Raw: b}, nil

	case Binary:
		var b []byte
		switch x := v.(type) {
		case []byte:
			b = append([]byte(nil), x...)
		case string:
			b = []byte(x)
		default:
			return WireValue{}, mismatch(v, t, "not a byte sequence")
		}
		if t.Length > 0 && len(b) > t.Length {
			return WireValue{}, mismatch(v, t, "length %d exceeds %d", len(b), t.Length)
		}
		return WireValue{Raw: b}, nil
	}
	return WireValue{}, mismatch(v, t, "unsupported type")
}

// TypeOf returns the natural type of a Go value. Nulls yield Unknown.
func TypeOf(v any) Type {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return IntegerType()
	case float32, float64, decimal.Decimal:
		return DecimalType(0, 0)
	case string:
		return TextType(0)
	case civil.Date:
		return DateType("")
	case time.Time, civil.DateTime:
		return TimestampType("")
	case bool:
		return BooleanType()
	case []byte:
		return BinaryType()
	default:
		return Type{}
	}
}

func toInt64(v any, t Type) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		return uintToInt64(v, uint64(x), t)
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return uintToInt64(v, x, t)
	case float32:
		return floatToInt64(v, float64(x), t)
	case float64:
		return floatToInt64(v, x, t)
	case decimal.Decimal:
		if !x.IsInteger() {
			return 0, mismatch(v, t, "has a fractional part")
		}
		n := x.IntPart()
		if !decimal.NewFromInt(n).Equal(x) {
			return 0, mismatch(v, t, "out of int64 range")
		}
		return n, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, mismatch(v, t, "not a base-10 integer in range")
		}
		return n, nil
	}
	return 0, mismatch(v, t, "not an integer")
}

func uintToInt64(v any, u uint64, t Type) (int64, error) {
	if u > math.MaxInt64 {
		return 0, mismatch(v, t, "out of int64 range")
	}
	return int64(u), nil
}

func floatToInt64(v any, f float64, t Type) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, mismatch(v, t, "not an integral number")
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, mismatch(v, t, "out of int64 range")
	}
	return int64(f), nil
}

func toDecimal(v any, t Type) (decimal.Decimal, error) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, nil
	case float32:
		return floatToDecimal(v, float64(x), t)
	case float64:
		return floatToDecimal(v, x, t)
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(x))
		if err != nil {
			return decimal.Decimal{}, mismatch(v, t, "not numeric")
		}
		return d, nil
	}
	if TypeOf(v).Kind == Integer {
		n, err := toInt64(v, IntegerType())
		if err != nil {
			return decimal.Decimal{}, mismatch(v, t, "out of int64 range")
		}
		return decimal.NewFromInt(n), nil
	}
	return decimal.Decimal{}, mismatch(v, t, "not numeric")
}

func floatToDecimal(v any, f float64, t Type) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Decimal{}, mismatch(v, t, "not a finite number")
	}
	return decimal.NewFromFloat(f), nil
}

// checkDecimal enforces precision and scale without rounding.
func checkDecimal(v any, d decimal.Decimal, t Type) error {
	if t.Precision <= 0 {
		return nil
	}
	intDigits, scale := decimalDigits(d)
	if scale > t.Scale {
		return mismatch(v, t, "scale %d exceeds %d", scale, t.Scale)
	}
	if intDigits > t.Precision-t.Scale {
		return mismatch(v, t, "%d integer digits exceed precision", intDigits)
	}
	return nil
}

// decimalDigits returns the number of integer digits and significant
// fractional digits of d. Zero has no integer digits.
func decimalDigits(d decimal.Decimal) (intDigits, scale int) {
	s := d.Abs().String()
	if i := strings.IndexByte(s, '.'); i >= 0 {
		scale = len(s) - i - 1
		s = s[:i]
	}
	if s != "0" {
		intDigits = len(s)
	}
	return intDigits, scale
}

func toText(v any, t Type) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		if !utf8.Valid(x) {
			return "", mismatch(v, t, "invalid UTF-8")
		}
		return string(x), nil
	case decimal.Decimal:
		return x.String(), nil
	}
	if TypeOf(v).Kind == Integer {
		n, err := toInt64(v, IntegerType())
		if err != nil {
			return "", mismatch(v, t, "out of int64 range")
		}
		return strconv.FormatInt(n, 10), nil
	}
	return "", mismatch(v, t, "not text")
}

func toDate(v any, t Type) (time.Time, error) {
	switch x := v.(type) {
	case civil.Date:
		if !x.IsValid() {
			return time.Time{}, mismatch(v, t, "invalid date")
		}
		return x.In(time.UTC), nil
	case time.Time:
		if x.Hour() != 0 || x.Minute() != 0 || x.Second() != 0 || x.Nanosecond() != 0 {
			return time.Time{}, mismatch(v, t, "has a time-of-day component")
		}
		return civil.DateOf(x).In(time.UTC), nil
	case string:
		ts, err := time.Parse(t.layout(), strings.TrimSpace(x))
		if err != nil {
			return time.Time{}, mismatch(v, t, "does not match layout %q", t.layout())
		}
		return civil.DateOf(ts).In(time.UTC), nil
	}
	return time.Time{}, mismatch(v, t, "not a date")
}

func toTimestamp(v any, t Type) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case civil.DateTime:
		return x.In(time.UTC), nil
	case civil.Date:
		return x.In(time.UTC), nil
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range []string{t.layout(), time.RFC3339Nano} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, mismatch(v, t, "does not match layout %q", t.layout())
	}
	return time.Time{}, mismatch(v, t, "not a timestamp")
}

func toBool(v any, t Type) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, ok := parseBool(x)
		if !ok {
			return false, mismatch(v, t, "not a boolean literal")
		}
		return b, nil
	}
	if TypeOf(v).Kind == Integer {
		n, err := toInt64(v, IntegerType())
		if err == nil && (n == 0 || n == 1) {
			return n == 1, nil
		}
		return false, mismatch(v, t, "only 0 and 1 convert to boolean")
	}
	return false, mismatch(v, t, "not a boolean")
}

func parseBool(s string) (value, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "t", "yes", "y", "1":
		return true, true
	case "false", "f", "no", "n", "0":
		return false, true
	}
	return false, false
}
