package client

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/dan-strohschein/dbhandler/mapper"
	"github.com/dan-strohschein/dbhandler/sqltext"
)

const redacted = "[REDACTED]"

// BindVariable is one value bound to a statement placeholder, either by name
// (":name") or by 1-based position ("?" occurrence or ":N"/"$N" number).
type BindVariable struct {
	Name     string
	Position int
	// Type declares the wire type. The zero Type uses the value's natural type.
	Type  mapper.Type
	Value any
	// Sensitive binds are never written to logs or SQL log files.
	Sensitive bool
}

// Named binds value to the placeholder :name. Names are case-insensitive.
func Named(name string, value any) BindVariable {
	return BindVariable{Name: strings.TrimPrefix(name, ":"), Value: value}
}

// Pos binds value to the placeholder at 1-based position.
func Pos(position int, value any) BindVariable {
	return BindVariable{Position: position, Value: value}
}

// Args binds values to positions 1..n.
func Args(values ...any) []BindVariable {
	binds := make([]BindVariable, len(values))
	for i, v := range values {
		binds[i] = Pos(i+1, v)
	}
	return binds
}

// As returns b with a declared wire type.
func (b BindVariable) As(t mapper.Type) BindVariable {
	b.Type = t
	return b
}

// Secret returns b marked sensitive.
func (b BindVariable) Secret() BindVariable {
	b.Sensitive = true
	return b
}

// Key identifies the placeholder the bind refers to, in the form returned by
// sqltext.Statement.Keys.
func (b BindVariable) Key() string {
	if b.Name != "" {
		return ":" + strings.ToLower(b.Name)
	}
	return strconv.Itoa(b.Position)
}

// Redacted renders the bind value for logs.
func (b BindVariable) Redacted() string {
	return b.render(false)
}

func (b BindVariable) render(redactAll bool) string {
	if b.Sensitive || redactAll {
		return redacted
	}
	switch v := b.Value.(type) {
	case nil:
		return "NULL"
	case []byte:
		return fmt.Sprintf("<%d bytes>", len(v))
	case string:
		return strconv.Quote(truncate(v, 64))
	}
	if mapper.IsNull(b.Value) {
		return "NULL"
	}
	return truncate(fmt.Sprint(b.Value), 64)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}

// renderBinds renders binds as "key=value" for logs.
func renderBinds(binds []BindVariable, redactAll bool) []string {
	out := make([]string, len(binds))
	for i, b := range binds {
		out[i] = b.Key() + "=" + b.render(redactAll)
	}
	return out
}

// resolve matches binds against the statement's placeholders and encodes
// them with the type mapper. It returns the driver arguments in placeholder
// occurrence order, repeating values for repeated placeholders.
func resolve(stmt *sqltext.Statement, binds []BindVariable) ([]any, error) {
	byKey := make(map[string]BindVariable, len(binds))
	var duplicate []string
	for _, b := range binds {
		k := b.Key()
		if _, ok := byKey[k]; ok {
			duplicate = append(duplicate, k)
			continue
		}
		byKey[k] = b
	}

	wanted := make(map[string]bool)
	var missing []string
	for _, k := range stmt.Keys() {
		wanted[k] = true
		if _, ok := byKey[k]; !ok {
			missing = append(missing, k)
		}
	}
	var unused []string
	for k := range byKey {
		if !wanted[k] {
			unused = append(unused, k)
		}
	}
	if len(missing) > 0 || len(unused) > 0 || len(duplicate) > 0 {
		sort.Strings(unused)
		return nil, &BindMismatchError{
			Missing:    missing,
			Unused:     unused,
			Duplicate:  duplicate,
			StackTrace: captureStackTrace(),
		}
	}

	encoded := make(map[string]any, len(byKey))
	for k, b := range byKey {
		w, err := mapper.Encode(b.Value, b.Type)
		if err != nil {
			return nil, err
		}
		encoded[k] = w.Raw
	}

	args := make([]any, len(stmt.Placeholders))
	for i, p := range stmt.Placeholders {
		k := p.Key()
		if p.Kind == sqltext.Named {
			k = strings.ToLower(k)
		}
		args[i] = encoded[k]
	}
	return args, nil
}
