package mapper

import "fmt"

// TypeMismatchError reports a value whose runtime shape cannot be losslessly
// represented as the declared type. It is never retried.
type TypeMismatchError struct {
	Value  any
	Type   Type
	Reason string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("type mismatch: cannot represent %s as %s: %s", describe(e.Value), e.Type, e.Reason)
}

func mismatch(v any, t Type, format string, args ...any) error {
	return &TypeMismatchError{Value: v, Type: t, Reason: fmt.Sprintf(format, args...)}
}

func describe(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		if len(x) > 32 {
			x = x[:32] + "..."
		}
		return fmt.Sprintf("%q (string)", x)
	case []byte:
		return fmt.Sprintf("%d bytes", len(x))
	default:
		return fmt.Sprintf("%v (%T)", v, v)
	}
}
