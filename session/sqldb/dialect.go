package sqldb

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/msdsn"

	"github.com/dan-strohschein/dbhandler/mapper"
	"github.com/dan-strohschein/dbhandler/session"
	"github.com/dan-strohschein/dbhandler/sqltext"
)

// Dialect describes how to reach one kind of backend through database/sql.
type Dialect struct {
	// Name is the configuration name of the dialect, e.g. "oracle".
	Name string
	// DriverName is the database/sql driver name used by the default opener.
	DriverName string
	Style      sqltext.Style
	ProbeQuery string

	// OpenDB builds the *sql.DB for dsn with the credentials applied. When
	// nil, credentials are injected into a URL-form DSN and sql.Open is used.
	OpenDB func(dsn string, cfg session.Config) (*sql.DB, error)

	// IsAuthError reports whether a driver error is a credential rejection.
	IsAuthError func(error) bool

	// TypeAliases rename reported column types before they are mapped,
	// e.g. Oracle DATE carries a time of day.
	TypeAliases map[string]string

	// BindValue adapts an encoded value to what the driver accepts.
	BindValue func(any) any

	// ColumnType renders the DDL type for a semantic type.
	ColumnType func(mapper.Type) string

	// Quote quotes an identifier.
	Quote func(string) string
}

var (
	Oracle = Dialect{
		Name:        "oracle",
		DriverName:  "oracle",
		Style:       sqltext.Colon,
		ProbeQuery:  "SELECT 1 FROM DUAL",
		IsAuthError: func(err error) bool { return strings.Contains(err.Error(), "ORA-01017") },
		TypeAliases: map[string]string{"DATE": "TIMESTAMP"},
		BindValue:   boolAsInt,
		ColumnType:  oracleColumnType,
		Quote:       doubleQuote,
	}

	Postgres = Dialect{
		Name:       "postgres",
		DriverName: "pgx",
		Style:      sqltext.Dollar,
		ProbeQuery: "SELECT 1",
		OpenDB: func(dsn string, cfg session.Config) (*sql.DB, error) {
			conf, err := pgx.ParseConfig(dsn)
			if err != nil {
				return nil, fmt.Errorf("postgres dsn: %w", err)
			}
			if cfg.Username != "" {
				conf.User = cfg.Username
			}
			if cfg.Password != "" {
				conf.Password = cfg.Password
			}
			return stdlib.OpenDB(*conf), nil
		},
		IsAuthError: func(err error) bool {
			var pgErr *pgconn.PgError
			return errors.As(err, &pgErr) && (pgErr.Code == "28P01" || pgErr.Code == "28000")
		},
		ColumnType: postgresColumnType,
		Quote:      doubleQuote,
	}

	MySQL = Dialect{
		Name:       "mysql",
		DriverName: "mysql",
		Style:      sqltext.Question,
		ProbeQuery: "SELECT 1",
		OpenDB: func(dsn string, cfg session.Config) (*sql.DB, error) {
			conf, err := mysql.ParseDSN(dsn)
			if err != nil {
				return nil, fmt.Errorf("mysql dsn: %w", err)
			}
			if cfg.Username != "" {
				conf.User = cfg.Username
			}
			if cfg.Password != "" {
				conf.Passwd = cfg.Password
			}
			conf.ParseTime = true
			connector, err := mysql.NewConnector(conf)
			if err != nil {
				return nil, err
			}
			return sql.OpenDB(connector), nil
		},
		IsAuthError: func(err error) bool {
			var myErr *mysql.MySQLError
			return errors.As(err, &myErr) && myErr.Number == 1045
		},
		ColumnType: mysqlColumnType,
		Quote:      func(s string) string { return "`" + strings.ReplaceAll(s, "`", "``") + "`" },
	}

	SQLServer = Dialect{
		Name:       "sqlserver",
		DriverName: "sqlserver",
		Style:      sqltext.AtP,
		ProbeQuery: "SELECT 1",
		OpenDB: func(dsn string, cfg session.Config) (*sql.DB, error) {
			conf, err := msdsn.Parse(dsn)
			if err != nil {
				return nil, fmt.Errorf("mssql dsn: %w", err)
			}
			if cfg.Username != "" {
				conf.User = cfg.Username
			}
			if cfg.Password != "" {
				conf.Password = cfg.Password
			}
			return sql.OpenDB(mssql.NewConnectorConfig(conf)), nil
		},
		IsAuthError: func(err error) bool {
			var msErr mssql.Error
			return errors.As(err, &msErr) && msErr.Number == 18456
		},
		ColumnType: sqlServerColumnType,
		Quote:      func(s string) string { return "[" + strings.ReplaceAll(s, "]", "]]") + "]" },
	}

	SQLite = Dialect{
		Name:        "sqlite",
		DriverName:  "sqlite",
		Style:       sqltext.Question,
		ProbeQuery:  "SELECT 1",
		IsAuthError: func(error) bool { return false },
		ColumnType:  sqliteColumnType,
		Quote:       doubleQuote,
	}
)

var dialects = map[string]Dialect{
	"oracle":     Oracle,
	"postgres":   Postgres,
	"postgresql": Postgres,
	"pgx":        Postgres,
	"mysql":      MySQL,
	"sqlserver":  SQLServer,
	"mssql":      SQLServer,
	"sqlite":     SQLite,
}

// Lookup returns the dialect registered under name.
func Lookup(name string) (Dialect, error) {
	d, ok := dialects[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Dialect{}, fmt.Errorf("unknown dialect %q", name)
	}
	return d, nil
}

// open builds the *sql.DB for the session configuration.
func (d Dialect) open(cfg session.Config) (*sql.DB, error) {
	if d.OpenDB != nil {
		return d.OpenDB(cfg.DSN, cfg)
	}
	dsn, err := injectURLCredentials(cfg.DSN, cfg.Username, cfg.Password)
	if err != nil {
		return nil, err
	}
	return sql.Open(d.DriverName, dsn)
}

// injectURLCredentials sets the user info of a URL-form DSN. DSNs that are
// not URLs, or no credentials, leave dsn untouched.
func injectURLCredentials(dsn, user, password string) (string, error) {
	if user == "" && password == "" || !strings.Contains(dsn, "://") {
		return dsn, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("dsn: %w", err)
	}
	if user == "" && u.User != nil {
		user = u.User.Username()
	}
	u.User = url.UserPassword(user, password)
	return u.String(), nil
}

func doubleQuote(s string) string { return `"` + strings.ReplaceAll(s, `"`, `""`) + `"` }

func boolAsInt(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return int64(1)
		}
		return int64(0)
	}
	return v
}

func oracleColumnType(t mapper.Type) string {
	switch t.Kind {
	case mapper.Integer:
		return "NUMBER(19)"
	case mapper.Decimal:
		if t.Precision > 0 {
			return fmt.Sprintf("NUMBER(%d,%d)", t.Precision, t.Scale)
		}
		return "NUMBER"
	case mapper.Date:
		return "DATE"
	case mapper.Timestamp:
		return "TIMESTAMP"
	case mapper.Boolean:
		return "NUMBER(1)"
	case mapper.Binary:
		return "BLOB"
	}
	if t.Length > 0 && t.Length <= 4000 {
		return fmt.Sprintf("VARCHAR2(%d CHAR)", t.Length)
	}
	return "CLOB"
}

func postgresColumnType(t mapper.Type) string {
	switch t.Kind {
	case mapper.Integer:
		return "BIGINT"
	case mapper.Decimal:
		if t.Precision > 0 {
			return fmt.Sprintf("NUMERIC(%d,%d)", t.Precision, t.Scale)
		}
		return "NUMERIC"
	case mapper.Date:
		return "DATE"
	case mapper.Timestamp:
		return "TIMESTAMP"
	case mapper.Boolean:
		return "BOOLEAN"
	case mapper.Binary:
		return "BYTEA"
	}
	if t.Length > 0 {
		return fmt.Sprintf("VARCHAR(%d)", t.Length)
	}
	return "TEXT"
}

func mysqlColumnType(t mapper.Type) string {
	switch t.Kind {
	case mapper.Integer:
		return "BIGINT"
	case mapper.Decimal:
		if t.Precision > 0 {
			return fmt.Sprintf("DECIMAL(%d,%d)", t.Precision, t.Scale)
		}
		return "DECIMAL(65,30)"
	case mapper.Date:
		return "DATE"
	case mapper.Timestamp:
		return "DATETIME(6)"
	case mapper.Boolean:
		return "BOOLEAN"
	case mapper.Binary:
		return "LONGBLOB"
	}
	if t.Length > 0 && t.Length <= 16383 {
		return fmt.Sprintf("VARCHAR(%d)", t.Length)
	}
	return "LONGTEXT"
}

func sqlServerColumnType(t mapper.Type) string {
	switch t.Kind {
	case mapper.Integer:
		return "BIGINT"
	case mapper.Decimal:
		if t.Precision > 0 {
			return fmt.Sprintf("DECIMAL(%d,%d)", t.Precision, t.Scale)
		}
		return "DECIMAL(38,10)"
	case mapper.Date:
		return "DATE"
	case mapper.Timestamp:
		return "DATETIME2"
	case mapper.Boolean:
		return "BIT"
	case mapper.Binary:
		return "VARBINARY(MAX)"
	}
	if t.Length > 0 && t.Length <= 4000 {
		return fmt.Sprintf("NVARCHAR(%d)", t.Length)
	}
	return "NVARCHAR(MAX)"
}

func sqliteColumnType(t mapper.Type) string {
	switch t.Kind {
	case mapper.Integer:
		return "INTEGER"
	case mapper.Decimal:
		return "NUMERIC"
	case mapper.Date:
		return "DATE"
	case mapper.Timestamp:
		return "TIMESTAMP"
	case mapper.Boolean:
		return "BOOLEAN"
	case mapper.Binary:
		return "BLOB"
	}
	return "TEXT"
}
