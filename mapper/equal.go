package mapper

import (
	"bytes"
	"reflect"
	"time"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"
)

// Equal compares two abstract values. Decimals compare by value, times by
// instant, byte slices by content, and nil equals Null.
func Equal(a, b any) bool {
	if IsNull(a) || IsNull(b) {
		return IsNull(a) && IsNull(b)
	}
	switch x := a.(type) {
	case decimal.Decimal:
		y, ok := b.(decimal.Decimal)
		return ok && x.Equal(y)
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case civil.Date:
		y, ok := b.(civil.Date)
		return ok && x == y
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	}
	return reflect.DeepEqual(a, b)
}
