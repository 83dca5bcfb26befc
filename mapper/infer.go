package mapper

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// maxDecimalPrecision is the widest precision inference will declare. Wider
// samples produce an unbounded DECIMAL.
const maxDecimalPrecision = 38

// DateLayouts are the date formats tried during inference.
var DateLayouts = []string{
	"2006-01-02",  // ISO
	"02.01.2006",  // DMY dot
	"01.02.2006",  // MDY dot
	"02/01/2006",  // DMY slash
	"01/02/2006",  // MDY slash
	"2 Jan 2006",  // DMY textual day
	"02-Jan-2006", // DMY dash textual month
	"2006/01/02",  // ISO slashy
	"20060102",    // basic ISO
}

// TimestampLayouts are the timestamp formats tried during inference.
var TimestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006/01/02 15:04:05",
	"02/01/2006 15:04:05",
	"01/02/2006 15:04:05",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05 -0700",
}

// InferType picks the narrowest type that represents every sample without
// loss. Empty or blank samples count as nulls. The narrowing order is
// integer, decimal, boolean, date, timestamp, text; a single sample that does
// not conform demotes the column to the next candidate.
//
// A column with no non-null samples is reported as nullable TEXT(1) with
// Observed == 0 so callers can apply their own policy.
func InferType(samples []string) ColumnDescriptor {
	var (
		values   []string
		nullable bool
	)
	for _, s := range samples {
		if strings.TrimSpace(s) == "" {
			nullable = true
			continue
		}
		values = append(values, s)
	}

	desc := ColumnDescriptor{Nullable: nullable, Observed: len(values)}
	if len(values) == 0 {
		desc.Nullable = true
		desc.Type = TextType(1)
		return desc
	}

	switch {
	case allIntegers(values):
		desc.Type = IntegerType()
	case inferDecimal(values, &desc.Type):
	case allBooleans(values):
		desc.Type = BooleanType()
	default:
		if layout := commonLayout(values, DateLayouts, dateLayoutPreference); layout != "" {
			desc.Type = DateType(layout)
		} else if layout := commonLayout(values, TimestampLayouts, timestampLayoutPreference); layout != "" {
			desc.Type = TimestampType(layout)
		} else {
			desc.Type = TextType(maxRuneLength(values))
		}
	}
	return desc
}

// InferColumn is InferType with the column name filled in.
func InferColumn(name string, samples []string) ColumnDescriptor {
	desc := InferType(samples)
	desc.Name = name
	return desc
}

func allIntegers(values []string) bool {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if hasLeadingZero(v) {
			return false
		}
		if _, err := toInt64(v, IntegerType()); err != nil {
			return false
		}
	}
	return true
}

// inferDecimal reports whether every value is numeric and, if so, sets t to
// a DECIMAL wide enough for all of them. Trailing fractional zeros count
// toward the scale, and Encode pads to the scale, so "1.50" is written back
// as "1.50".
func inferDecimal(values []string, t *Type) bool {
	maxInt, maxScale := 0, 0
	for _, v := range values {
		v = strings.TrimSpace(v)
		if hasLeadingZero(v) || strings.ContainsAny(v, "eE") {
			return false
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return false
		}
		scale := 0
		if exp := d.Exponent(); exp < 0 {
			scale = int(-exp)
		}
		intDigits, _ := decimalDigits(d.Truncate(0))
		maxInt = max(maxInt, intDigits)
		maxScale = max(maxScale, scale)
	}

	precision := max(maxInt+maxScale, 1)
	if precision > maxDecimalPrecision {
		*t = DecimalType(0, 0)
	} else {
		*t = DecimalType(precision, maxScale)
	}
	return true
}

// hasLeadingZero reports numbers such as "007" whose text would not survive
// a numeric round trip.
func hasLeadingZero(s string) bool {
	s = strings.TrimLeft(s, "+-")
	return len(s) > 1 && s[0] == '0' && s[1] != '.'
}

func allBooleans(values []string) bool {
	for _, v := range values {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "false", "yes", "no", "t", "f", "y", "n":
		default:
			return false
		}
	}
	return true
}

// commonLayout returns the layout that parses every value. When several
// qualify, the one with the highest preference wins, then declaration order.
func commonLayout(values []string, layouts []string, preference func(string) int) string {
	best, bestPref := "", -1
	for _, layout := range layouts {
		ok := true
		for _, v := range values {
			if _, err := time.Parse(layout, strings.TrimSpace(v)); err != nil {
				ok = false
				break
			}
		}
		if ok && preference(layout) > bestPref {
			best, bestPref = layout, preference(layout)
		}
	}
	return best
}

// dateLayoutPreference breaks ties between layouts that all parse the sample:
// ISO first, then day-first, then month-first.
func dateLayoutPreference(layout string) int {
	switch layout {
	case "2006-01-02", "2006/01/02", "20060102":
		return 3
	case "02.01.2006", "02/01/2006", "2 Jan 2006", "02-Jan-2006":
		return 2
	case "01.02.2006", "01/02/2006":
		return 1
	default:
		return 0
	}
}

func timestampLayoutPreference(layout string) int {
	switch layout {
	case time.RFC3339Nano:
		return 3
	case time.RFC3339:
		return 2
	default:
		return 1
	}
}

func maxRuneLength(values []string) int {
	n := 1
	for _, v := range values {
		n = max(n, utf8.RuneCountInString(v))
	}
	return n
}
