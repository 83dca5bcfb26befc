package mapper

import (
	"strings"
)

// maxColumnLength caps lengths reported for unbounded columns; database/sql
// reports those as math.MaxInt64.
const maxColumnLength = 1 << 31

// FromDatabaseType maps a backend column type name, as reported by
// sql.ColumnType.DatabaseTypeName, to a semantic type. Unrecognised names map
// to Unknown and decode to their natural Go value.
func FromDatabaseType(name string, precision, scale, length int64) Type {
	n := strings.ToUpper(strings.TrimSpace(name))
	if i := strings.IndexByte(n, '('); i >= 0 {
		n = strings.TrimSpace(n[:i])
	}
	n = strings.TrimSpace(strings.TrimSuffix(n, "UNSIGNED"))
	if length < 0 || length >= maxColumnLength {
		length = 0
	}

	switch n {
	case "INTEGER", "INT", "INT2", "INT4", "INT8", "BIGINT", "SMALLINT", "TINYINT",
		"MEDIUMINT", "SERIAL", "BIGSERIAL", "PLS_INTEGER", "BINARY_INTEGER":
		return IntegerType()

	case "NUMBER", "NUMERIC", "DECIMAL", "DEC", "MONEY", "SMALLMONEY":
		if scale == 0 && precision > 0 && precision <= 18 {
			return IntegerType()
		}
		if precision <= 0 || precision > maxDecimalPrecision {
			return DecimalType(0, 0)
		}
		return DecimalType(int(precision), int(scale))

	case "FLOAT", "FLOAT4", "FLOAT8", "DOUBLE", "DOUBLE PRECISION", "REAL",
		"BINARY_FLOAT", "BINARY_DOUBLE", "IBFLOAT", "IBDOUBLE":
		return DecimalType(0, 0)

	case "CHAR", "NCHAR", "VARCHAR", "VARCHAR2", "NVARCHAR", "NVARCHAR2", "TEXT",
		"CLOB", "NCLOB", "LONG", "BPCHAR", "STRING", "UUID", "UNIQUEIDENTIFIER",
		"JSON", "JSONB", "XML", "NTEXT", "TINYTEXT", "MEDIUMTEXT", "LONGTEXT", "ROWID":
		return TextType(int(length))

	case "DATE":
		return DateType("")

	case "DATETIME", "DATETIME2", "SMALLDATETIME", "DATETIMEOFFSET", "TIMESTAMPTZ":
		return TimestampType("")

	case "BOOL", "BOOLEAN", "BIT":
		return BooleanType()

	case "BLOB", "BYTEA", "RAW", "LONG RAW", "BINARY", "VARBINARY", "IMAGE",
		"TINYBLOB", "MEDIUMBLOB", "LONGBLOB":
		return Type{Kind: Binary, Length: int(length)}
	}

	if strings.HasPrefix(n, "TIMESTAMP") {
		return TimestampType("")
	}
	return Type{}
}
