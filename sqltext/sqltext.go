// Package sqltext scans SQL text for bind placeholders and rewrites them into
// the placeholder syntax a particular driver expects.
//
// Recognised placeholders are `?` (anonymous, numbered by occurrence), `:N`
// and `$N` (numbered), and `:name` (named). String literals, quoted
// identifiers, comments, dollar-quoted bodies and `::` casts are skipped.
package sqltext

import (
	"fmt"
	"strconv"
	"strings"
)

// Style is a driver placeholder syntax.
type Style int

const (
	// Colon renders :1, :2, ... (Oracle).
	Colon Style = iota
	// Dollar renders $1, $2, ... (PostgreSQL).
	Dollar
	// Question renders ? for every occurrence (MySQL, SQLite).
	Question
	// AtP renders @p1, @p2, ... (SQL Server).
	AtP
)

func (s Style) String() string {
	switch s {
	case Colon:
		return "colon"
	case Dollar:
		return "dollar"
	case Question:
		return "question"
	case AtP:
		return "atp"
	default:
		return fmt.Sprintf("Style(%d)", int(s))
	}
}

// ParseStyle is the inverse of Style.String.
func ParseStyle(s string) (Style, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "colon", ":":
		return Colon, nil
	case "dollar", "$":
		return Dollar, nil
	case "question", "?":
		return Question, nil
	case "atp", "@p":
		return AtP, nil
	}
	return 0, fmt.Errorf("unknown placeholder style %q", s)
}

// Kind classifies a placeholder occurrence.
type Kind int

const (
	Anonymous Kind = iota
	Numbered
	Named
)

// Placeholder is one occurrence of a placeholder in the query text.
// Position is 1-based: the occurrence number for Anonymous placeholders and
// the written number for Numbered ones. Start and End are byte offsets.
type Placeholder struct {
	Kind     Kind
	Name     string
	Position int
	Start    int
	End      int
}

// Key identifies the bind variable the placeholder refers to.
func (p Placeholder) Key() string {
	if p.Kind == Named {
		return ":" + p.Name
	}
	return strconv.Itoa(p.Position)
}

// Statement is a parsed query.
type Statement struct {
	SQL          string
	Placeholders []Placeholder
}

// Parse scans query for placeholders. Mixing named placeholders with
// positional ones is rejected.
func Parse(query string) (*Statement, error) {
	stmt := &Statement{SQL: query}
	anonymous := 0

	for i := 0; i < len(query); {
		c := query[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			end, err := skipQuoted(query, i, c)
			if err != nil {
				return nil, err
			}
			i = end

		case c == '-' && i+1 < len(query) && query[i+1] == '-':
			if nl := strings.IndexByte(query[i:], '\n'); nl >= 0 {
				i += nl + 1
			} else {
				i = len(query)
			}

		case c == '/' && i+1 < len(query) && query[i+1] == '*':
			end := strings.Index(query[i+2:], "*/")
			if end < 0 {
				return nil, fmt.Errorf("unterminated block comment at offset %d", i)
			}
			i += end + 4

		case c == ':' && i+1 < len(query) && query[i+1] == ':':
			i += 2

		case c == '?':
			anonymous++
			stmt.Placeholders = append(stmt.Placeholders, Placeholder{Kind: Anonymous, Position: anonymous, Start: i, End: i + 1})
			i++

		case c == ':' && i+1 < len(query) && isDigit(query[i+1]):
			end := scan(query, i+1, isDigit)
			n, _ := strconv.Atoi(query[i+1 : end])
			stmt.Placeholders = append(stmt.Placeholders, Placeholder{Kind: Numbered, Position: n, Start: i, End: end})
			i = end

		case c == ':' && i+1 < len(query) && isIdentStart(query[i+1]) && (i == 0 || !isIdent(query[i-1])):
			end := scan(query, i+1, isIdent)
			stmt.Placeholders = append(stmt.Placeholders, Placeholder{Kind: Named, Name: query[i+1 : end], Start: i, End: end})
			i = end

		case c == '$' && i+1 < len(query) && isDigit(query[i+1]) && (i == 0 || !isIdent(query[i-1])):
			end := scan(query, i+1, isDigit)
			n, _ := strconv.Atoi(query[i+1 : end])
			stmt.Placeholders = append(stmt.Placeholders, Placeholder{Kind: Numbered, Position: n, Start: i, End: end})
			i = end

		case c == '$' && (i == 0 || !isIdent(query[i-1])):
			end, ok := skipDollarQuoted(query, i)
			if !ok {
				i++
				continue
			}
			i = end

		default:
			i++
		}
	}

	var seen [3]bool
	for _, p := range stmt.Placeholders {
		seen[p.Kind] = true
		if p.Kind == Numbered && p.Position < 1 {
			return nil, fmt.Errorf("placeholder numbers start at 1, got %q", query[p.Start:p.End])
		}
	}
	if seen[Named] && (seen[Anonymous] || seen[Numbered]) {
		return nil, fmt.Errorf("query mixes named and positional placeholders")
	}
	if seen[Anonymous] && seen[Numbered] {
		return nil, fmt.Errorf("query mixes ? and numbered placeholders")
	}
	return stmt, nil
}

// Keys returns the distinct bind keys referenced, in first-occurrence order.
func (s *Statement) Keys() []string {
	var keys []string
	seen := make(map[string]bool)
	for _, p := range s.Placeholders {
		k := p.Key()
		if p.Kind == Named {
			k = strings.ToLower(k)
		}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}

// Rewrite renders the query with every placeholder occurrence replaced in the
// given style. Occurrences are renumbered 1..n in order, so the driver
// arguments are the bind values in occurrence order with repeats.
func (s *Statement) Rewrite(style Style) string {
	if len(s.Placeholders) == 0 {
		return s.SQL
	}
	var b strings.Builder
	b.Grow(len(s.SQL) + 2*len(s.Placeholders))
	last := 0
	for i, p := range s.Placeholders {
		b.WriteString(s.SQL[last:p.Start])
		n := strconv.Itoa(i + 1)
		switch style {
		case Colon:
			b.WriteString(":" + n)
		case Dollar:
			b.WriteString("$" + n)
		case AtP:
			b.WriteString("@p" + n)
		default:
			b.WriteByte('?')
		}
		last = p.End
	}
	b.WriteString(s.SQL[last:])
	return b.String()
}

func skipQuoted(query string, start int, quote byte) (int, error) {
	for i := start + 1; i < len(query); i++ {
		if query[i] != quote {
			continue
		}
		// A doubled quote is an escaped quote.
		if i+1 < len(query) && query[i+1] == quote {
			i++
			continue
		}
		return i + 1, nil
	}
	return 0, fmt.Errorf("unterminated %c quote at offset %d", quote, start)
}

// skipDollarQuoted skips a PostgreSQL $tag$...$tag$ body starting at start.
func skipDollarQuoted(query string, start int) (int, bool) {
	end := scan(query, start+1, isTagChar)
	if end >= len(query) || query[end] != '$' {
		return 0, false
	}
	tag := query[start : end+1]
	closing := strings.Index(query[end+1:], tag)
	if closing < 0 {
		return 0, false
	}
	return end + 1 + closing + len(tag), true
}

func scan(s string, i int, accept func(byte) bool) int {
	for i < len(s) && accept(s[i]) {
		i++
	}
	return i
}

func isDigit(c byte) bool      { return '0' <= c && c <= '9' }
func isIdentStart(c byte) bool { return c == '_' || 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' }
func isTagChar(c byte) bool    { return isIdentStart(c) || isDigit(c) }
func isIdent(c byte) bool      { return isTagChar(c) || c == '$' || c == '#' }
