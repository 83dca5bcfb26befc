package mapper

import (
	"encoding/hex"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// FormatText renders an encoded value as the text written to a load data
// file. Dates and timestamps use the type's layout, booleans are 1 or 0 and
// binary values are hex. NULL renders as the empty string; callers that need
// a null token substitute it themselves.
func FormatText(w WireValue, t Type) (string, error) {
	if w.IsNull() {
		return "", nil
	}
	switch v := w.Raw.(type) {
	case int64:
		return strconv.FormatInt(v, 10), nil
	case string:
		return v, nil
	case bool:
		if v {
			return "1", nil
		}
		return "0", nil
	case time.Time:
		return v.Format(t.layout()), nil
	case []byte:
		if t.Kind == Text {
			return string(v), nil
		}
		return hex.EncodeToString(v), nil
	case decimal.Decimal:
		return v.String(), nil
	}
	return "", mismatch(w.Raw, t, "cannot render %T as text", w.Raw)
}

// FormatHint names the format directive a control descriptor declares for t.
// It is empty for types that need none.
func FormatHint(t Type) string {
	switch t.Kind {
	case Date, Timestamp:
		return t.layout()
	case Boolean:
		return "1/0"
	case Binary:
		return "hex"
	}
	return ""
}
