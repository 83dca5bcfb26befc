package loader

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dan-strohschein/dbhandler/mapper"
	"github.com/dan-strohschein/dbhandler/session/sqldb"
)

// CreateTableSQL renders a CREATE TABLE statement for the columns in the
// given dialect. Identifiers are quoted; schema-qualified names are quoted
// part by part.
//
//	CREATE TABLE "app"."people" (
//	  "id" NUMBER(19) NOT NULL,
//	  "name" VARCHAR2(40 CHAR)
//	)
func CreateTableSQL(table string, columns []mapper.ColumnDescriptor, dialect sqldb.Dialect) (string, error) {
	table = strings.TrimSpace(table)
	if table == "" {
		return "", errors.New("ddl: table name must not be empty")
	}
	if len(columns) == 0 {
		return "", errors.New("ddl: at least one column is required")
	}
	if dialect.ColumnType == nil || dialect.Quote == nil {
		return "", fmt.Errorf("ddl: dialect %s cannot render DDL", dialect.Name)
	}

	parts := strings.Split(table, ".")
	for i, p := range parts {
		parts[i] = dialect.Quote(p)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n", strings.Join(parts, "."))
	for i, c := range columns {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return "", fmt.Errorf("ddl: column %d has no name", i+1)
		}
		fmt.Fprintf(&b, "  %s %s", dialect.Quote(name), dialect.ColumnType(c.Type))
		if !c.Nullable {
			b.WriteString(" NOT NULL")
		}
		if i < len(columns)-1 {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
	}
	b.WriteString(")")
	return b.String(), nil
}
