package mapper

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"
)

// Decode converts a fetched wire value to its abstract value under the
// column type. NULL always decodes to Null.
func Decode(w WireValue, t Type) (any, error) {
	if w.IsNull() {
		return Null, nil
	}
	raw := w.Raw

	switch t.Kind {
	case Integer:
		switch v := raw.(type) {
		case int64:
			return v, nil
		case int32:
			return int64(v), nil
		case int:
			return int64(v), nil
		case uint64:
			return uintToInt64(raw, v, t)
		case float64:
			return floatToInt64(raw, v, t)
		case bool:
			if v {
				return int64(1), nil
			}
			return int64(0), nil
		case []byte:
			return toInt64(string(v), t)
		case string:
			n, err := toInt64(v, t)
			if err != nil {
				// NUMBER(p,0) columns may come back as "12.0" from some drivers.
				if d, derr := decimal.NewFromString(strings.TrimSpace(v)); derr == nil {
					return toInt64(d, t)
				}
			}
			return n, err
		case decimal.Decimal:
			return toInt64(v, t)
		}

	case Decimal:
		switch v := raw.(type) {
		case []byte:
			return toDecimal(string(v), t)
		case float32:
			return decimal.NewFromFloat32(v), nil
		default:
			return toDecimal(raw, t)
		}

	case Text:
		switch v := raw.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		case int64:
			return strconv.FormatInt(v, 10), nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		case bool:
			return strconv.FormatBool(v), nil
		case time.Time:
			return v.Format(TimestampLayout), nil
		case decimal.Decimal:
			return v.String(), nil
		}

	case Date:
		switch v := raw.(type) {
		case time.Time:
			return civil.DateOf(v), nil
		case civil.Date:
			return v, nil
		case []byte:
			return decodeDate(string(v), t)
		case string:
			return decodeDate(v, t)
		}

	case Timestamp:
		switch v := raw.(type) {
		case time.Time:
			return v, nil
		case []byte:
			return toTimestamp(string(v), t)
		case string:
			return toTimestamp(v, t)
		}

	case Boolean:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case int64:
			return v != 0, nil
		case []byte:
			return toBool(string(v), t)
		case string:
			return toBool(v, t)
		}

	case Binary:
		switch v := raw.(type) {
		case []byte:
			return append([]byte(nil), v...), nil
		case string:
			return []byte(v), nil
		}

	case Unknown:
		return decodeNatural(raw), nil
	}
	return nil, mismatch(raw, t, "cannot decode %T", raw)
}

// DecodeRow decodes one fetched row against its column descriptors.
func DecodeRow(raw []any, columns []ColumnDescriptor) ([]any, error) {
	out := make([]any, len(raw))
	for i, v := range raw {
		var t Type
		if i < len(columns) {
			t = columns[i].Type
		}
		decoded, err := Decode(Wire(v), t)
		if err != nil {
			return nil, err
		}
		out[i] = decoded
	}
	return out, nil
}

func decodeDate(s string, t Type) (civil.Date, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{t.layout(), DateLayout, time.RFC3339Nano, TimestampLayout} {
		if ts, err := time.Parse(layout, s); err == nil {
			return civil.DateOf(ts), nil
		}
	}
	return civil.Date{}, mismatch(s, t, "does not match layout %q", t.layout())
}

// decodeNatural maps an untyped driver value onto the abstract model.
func decodeNatural(raw any) any {
	switch v := raw.(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float32:
		return decimal.NewFromFloat32(v)
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return v
		}
		return decimal.NewFromFloat(v)
	case []byte:
		return append([]byte(nil), v...)
	default:
		return raw
	}
}
