// Package config loads connection, logging and load job settings from YAML.
package config

import (
	"bytes"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/dan-strohschein/dbhandler/client"
	"github.com/dan-strohschein/dbhandler/loader"
	"github.com/dan-strohschein/dbhandler/mapper"
	"github.com/dan-strohschein/dbhandler/session"
	"github.com/dan-strohschein/dbhandler/session/sqldb"
)

// Config is the top level configuration document.
type Config struct {
	Connection Connection      `yaml:"connection" json:"connection"`
	Logging    Logging         `yaml:"logging" json:"logging"`
	Metrics    Metrics         `yaml:"metrics" json:"metrics"`
	Jobs       map[string]*Job `yaml:"jobs" json:"jobs"`
}

// Connection configures the managed session.
type Connection struct {
	Dialect  string `yaml:"dialect" json:"dialect"`
	DSN      string `yaml:"dsn" json:"dsn"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`

	ConnectTimeout       time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	IdleTimeout          time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxSessionAge        time.Duration `yaml:"max_session_age" json:"max_session_age"`
	StatementTimeout     time.Duration `yaml:"statement_timeout" json:"statement_timeout"`
	StatementCacheTTL    time.Duration `yaml:"statement_cache_ttl" json:"statement_cache_ttl"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`
	// RetryAuthentication is a pointer so an explicit false survives defaults.
	RetryAuthentication *bool  `yaml:"retry_authentication" json:"retry_authentication"`
	RedactBinds         bool   `yaml:"redact_binds" json:"redact_binds"`
	SQLLogDir           string `yaml:"sql_log_dir" json:"sql_log_dir"`

	Backoff     Backoff     `yaml:"backoff" json:"backoff"`
	HealthCheck HealthCheck `yaml:"health_check" json:"health_check"`
}

type Backoff struct {
	Initial    time.Duration `yaml:"initial" json:"initial"`
	Max        time.Duration `yaml:"max" json:"max"`
	Multiplier float64       `yaml:"multiplier" json:"multiplier"`
	Jitter     float64       `yaml:"jitter" json:"jitter"`
}

type HealthCheck struct {
	Interval         time.Duration `yaml:"interval" json:"interval"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
}

// Logging selects the log level and, when File is set, a rotating log file.
type Logging struct {
	Level      string `yaml:"level" json:"level"`
	Debug      bool   `yaml:"debug" json:"debug"`
	File       string `yaml:"file" json:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

// Metrics enables the prometheus collectors and the address serving them.
type Metrics struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Listen  string `yaml:"listen" json:"listen"`
}

// Job describes one bulk load.
type Job struct {
	Table          string            `yaml:"table" json:"table"`
	Columns        []Column          `yaml:"columns" json:"columns"`
	SampleSize     int               `yaml:"sample_size" json:"sample_size"`
	DataPath       string            `yaml:"data_path" json:"data_path"`
	ControlPath    string            `yaml:"control_path" json:"control_path"`
	LogPath        string            `yaml:"log_path" json:"log_path"`
	Delimiters     loader.Delimiters `yaml:"delimiters" json:"delimiters"`
	Charset        string            `yaml:"charset" json:"charset"`
	ErrorThreshold int64             `yaml:"error_threshold" json:"error_threshold"`
	AllNullPolicy  string            `yaml:"all_null_policy" json:"all_null_policy"`
	ControlFormat  string            `yaml:"control_format" json:"control_format"`
	CreateTable    bool              `yaml:"create_table" json:"create_table"`
	Dialect        string            `yaml:"dialect" json:"dialect"`
	PreLoad        []string          `yaml:"pre_load" json:"pre_load"`
	PostLoad       []string          `yaml:"post_load" json:"post_load"`
	LoadTimeout    time.Duration     `yaml:"load_timeout" json:"load_timeout"`

	Source  Source  `yaml:"source" json:"source"`
	Utility Utility `yaml:"utility" json:"utility"`
}

// Column declares a column instead of inferring it. Type uses the control
// descriptor syntax, e.g. DECIMAL(10,2); Format is the Go time layout for
// DATE and TIMESTAMP columns.
type Column struct {
	Name     string `yaml:"name" json:"name"`
	Type     string `yaml:"type" json:"type"`
	Format   string `yaml:"format" json:"format"`
	Nullable bool   `yaml:"nullable" json:"nullable"`
}

// Source is the delimited input file of a job.
type Source struct {
	Path    string   `yaml:"path" json:"path"`
	Charset string   `yaml:"charset" json:"charset"`
	Comma   string   `yaml:"comma" json:"comma"`
	Columns []string `yaml:"columns" json:"columns"`
	// KeepEmpty reads empty fields as empty strings rather than nulls.
	KeepEmpty bool `yaml:"keep_empty" json:"keep_empty"`
}

// Utility selects the external loader: "sqlldr" or "pgcopy".
type Utility struct {
	Kind   string   `yaml:"kind" json:"kind"`
	Path   string   `yaml:"path" json:"path"`
	Userid string   `yaml:"userid" json:"userid"`
	Args   []string `yaml:"args" json:"args"`
	DSN    string   `yaml:"dsn" json:"dsn"`
}

const (
	UtilitySQLLoader = "sqlldr"
	UtilityPGCopy    = "pgcopy"
)

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandEnv replaces ${NAME} and ${NAME:-default}. A variable that is unset
// and has no default is an error.
func expandEnv(data []byte, lookup func(string) (string, bool)) ([]byte, error) {
	var missing []string
	out := envPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		sub := envPattern.FindSubmatch(m)
		name := string(sub[1])
		if v, ok := lookup(name); ok {
			return []byte(v)
		}
		if sub[2] != nil {
			return sub[3]
		}
		missing = append(missing, name)
		return m
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, errors.Errorf("undefined environment variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg, err := Parse(data, os.LookupEnv)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Parse expands environment references in data, decodes it and applies
// defaults. Unknown keys are rejected.
func Parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	data, err := expandEnv(data, lookup)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "decode yaml")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := client.DefaultOptions()
	conn := &c.Connection
	if conn.ConnectTimeout == 0 {
		conn.ConnectTimeout = def.ConnectTimeout
	}
	if conn.IdleTimeout == 0 {
		conn.IdleTimeout = def.IdleTimeout
	}
	if conn.StatementCacheTTL == 0 {
		conn.StatementCacheTTL = def.StatementCacheTTL
	}
	if conn.MaxReconnectAttempts == 0 {
		conn.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if conn.RetryAuthentication == nil {
		retry := def.RetryAuthentication
		conn.RetryAuthentication = &retry
	}
	if conn.Backoff == (Backoff{}) {
		conn.Backoff = Backoff(def.Backoff)
	}
	if conn.HealthCheck.Interval == 0 {
		conn.HealthCheck.Interval = def.HealthCheckInterval
	}
	if conn.HealthCheck.Timeout == 0 {
		conn.HealthCheck.Timeout = def.HealthCheckTimeout
	}
	if conn.HealthCheck.FailureThreshold == 0 {
		conn.HealthCheck.FailureThreshold = def.HealthFailureThreshold
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.LogLevel
	}
	if c.Logging.File != "" && c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9464"
	}
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	if c.Connection.Dialect != "" {
		if _, err := sqldb.Lookup(c.Connection.Dialect); err != nil {
			return errors.Wrap(err, "connection")
		}
	}
	if err := c.ClientOptions().Validate(); err != nil {
		return errors.Wrap(err, "connection")
	}
	switch strings.ToUpper(c.Logging.Level) {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
	default:
		return errors.Errorf("logging: unknown level %q", c.Logging.Level)
	}
	for _, name := range c.JobNames() {
		j := c.Jobs[name]
		if j == nil {
			return errors.Errorf("job %q: empty definition", name)
		}
		if err := j.validate(); err != nil {
			return errors.Wrapf(err, "job %q", name)
		}
	}
	return nil
}

func (j *Job) validate() error {
	spec, err := j.JobSpec()
	if err != nil {
		return err
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	switch j.Utility.Kind {
	case "", UtilitySQLLoader, UtilityPGCopy:
	default:
		return errors.Errorf("unknown utility %q", j.Utility.Kind)
	}
	if utf8.RuneCountInString(j.Source.Comma) > 1 {
		return errors.Errorf("source comma %q must be a single character", j.Source.Comma)
	}
	return nil
}

// JobNames returns the configured job names in sorted order.
func (c *Config) JobNames() []string {
	names := make([]string, 0, len(c.Jobs))
	for name := range c.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Job returns the named job.
func (c *Config) Job(name string) (*Job, error) {
	j, ok := c.Jobs[name]
	if !ok || j == nil {
		return nil, errors.Errorf("no job named %q", name)
	}
	return j, nil
}

// Logger builds the configured logger.
func (c *Config) Logger() client.Logger {
	l := c.Logging
	level := l.Level
	if l.Debug {
		level = "DEBUG"
	}
	if l.File == "" {
		return client.NewLogger(level, os.Stderr)
	}
	return client.NewFileLogger(level, client.LogFileOptions{
		Path:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Compress:   l.Compress,
	})
}

// ClientOptions maps the connection and logging sections onto
// client.Options. Logger and Registerer are left for the caller.
func (c *Config) ClientOptions() client.Options {
	conn := c.Connection
	opts := client.DefaultOptions()
	opts.Session = session.Config{DSN: conn.DSN, Username: conn.Username, Password: conn.Password}
	opts.ConnectTimeout = conn.ConnectTimeout
	opts.IdleTimeout = conn.IdleTimeout
	opts.MaxSessionAge = conn.MaxSessionAge
	opts.StatementTimeout = conn.StatementTimeout
	opts.StatementCacheTTL = conn.StatementCacheTTL
	opts.MaxReconnectAttempts = conn.MaxReconnectAttempts
	if conn.RetryAuthentication != nil {
		opts.RetryAuthentication = *conn.RetryAuthentication
	}
	opts.RedactBinds = conn.RedactBinds
	opts.SQLLogDir = conn.SQLLogDir
	opts.Backoff = client.BackoffPolicy(conn.Backoff)
	opts.HealthCheckInterval = conn.HealthCheck.Interval
	opts.HealthCheckTimeout = conn.HealthCheck.Timeout
	opts.HealthFailureThreshold = conn.HealthCheck.FailureThreshold
	opts.LogLevel = c.Logging.Level
	opts.DebugMode = c.Logging.Debug
	return opts
}

// Driver returns the session driver for the configured dialect.
func (c *Config) Driver() (*sqldb.Driver, error) {
	d, err := sqldb.Lookup(c.Connection.Dialect)
	if err != nil {
		return nil, errors.Wrap(err, "connection")
	}
	return sqldb.NewDriver(d), nil
}

// JobSpec converts the job into a loader.JobSpec.
func (j *Job) JobSpec() (loader.JobSpec, error) {
	spec := loader.JobSpec{
		Table:          j.Table,
		SampleSize:     j.SampleSize,
		DataPath:       j.DataPath,
		ControlPath:    j.ControlPath,
		LogPath:        j.LogPath,
		Delimiters:     j.Delimiters,
		Charset:        j.Charset,
		ErrorThreshold: j.ErrorThreshold,
		AllNullPolicy:  j.AllNullPolicy,
		ControlFormat:  j.ControlFormat,
		PreLoad:        j.PreLoad,
		PostLoad:       j.PostLoad,
		CreateTable:    j.CreateTable,
		Dialect:        j.Dialect,
		LoadTimeout:    j.LoadTimeout,
	}
	for _, col := range j.Columns {
		t, err := mapper.ParseType(col.Type)
		if err != nil {
			return loader.JobSpec{}, errors.Wrapf(err, "column %q", col.Name)
		}
		switch t.Kind {
		case mapper.Date:
			t = mapper.DateType(col.Format)
		case mapper.Timestamp:
			t = mapper.TimestampType(col.Format)
		}
		spec.Columns = append(spec.Columns, mapper.ColumnDescriptor{Name: col.Name, Type: t, Nullable: col.Nullable})
	}
	return spec, nil
}

// CSVOptions returns the options for reading the job's source file.
func (j *Job) CSVOptions() loader.CSVOptions {
	opts := loader.CSVOptions{Charset: j.Source.Charset, Columns: j.Source.Columns, KeepEmpty: j.Source.KeepEmpty}
	if r, _ := utf8.DecodeRuneInString(j.Source.Comma); r != utf8.RuneError {
		opts.Comma = r
	}
	return opts
}

// LoadUtility builds the job's external loader. A pgcopy utility without
// its own DSN uses the connection DSN.
func (c *Config) LoadUtility(j *Job) (loader.Utility, error) {
	u := j.Utility
	switch u.Kind {
	case UtilitySQLLoader:
		return &loader.SQLLoader{Path: u.Path, Userid: u.Userid, Args: u.Args}, nil
	case UtilityPGCopy:
		dsn := u.DSN
		if dsn == "" {
			dsn = c.Connection.DSN
		}
		return &loader.PGCopy{DSN: dsn}, nil
	case "":
		return nil, errors.New("no load utility configured")
	default:
		return nil, errors.Errorf("unknown utility %q", u.Kind)
	}
}
