package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/dan-strohschein/dbhandler/client"
	"github.com/dan-strohschein/dbhandler/mapper"
)

// Control file formats.
const (
	FormatDescriptor = "descriptor"
	FormatSQLLoader  = "sqlldr"
)

// All-null column policies.
const (
	AllNullText = "text"
	AllNullFail = "fail"
)

// DefaultSampleSize is the number of rows inspected by inference.
const DefaultSampleSize = 1000

// Delimiters are the separators shared by the data file and the control
// file.
type Delimiters struct {
	Field     string `yaml:"field"`
	Row       string `yaml:"row"`
	Enclosure string `yaml:"enclosure"`
	Null      string `yaml:"null"`
}

// DefaultDelimiters returns comma fields, newline rows, double-quote
// enclosure and \N as the null token.
func DefaultDelimiters() Delimiters {
	return Delimiters{Field: ",", Row: "\n", Enclosure: `"`, Null: `\N`}
}

func (d Delimiters) validate() error {
	switch {
	case d.Field == "":
		return errors.New("field delimiter must not be empty")
	case d.Row == "":
		return errors.New("row delimiter must not be empty")
	case d.Field == d.Row:
		return errors.New("field and row delimiters must differ")
	case d.Null == "":
		return errors.New("null token must not be empty")
	case strings.Contains(d.Null, d.Field) || strings.Contains(d.Null, d.Row):
		return errors.New("null token must not contain a delimiter")
	case d.Enclosure != "" && (strings.Contains(d.Enclosure, d.Field) || strings.Contains(d.Enclosure, d.Row)):
		return errors.New("enclosure must not contain a delimiter")
	}
	return nil
}

// JobSpec describes one bulk load.
type JobSpec struct {
	Table string
	// Columns, when set, freezes the schema without inference.
	Columns    []mapper.ColumnDescriptor
	SampleSize int

	DataPath    string
	ControlPath string // default: DataPath with .ctl
	LogPath     string // default: DataPath with .log

	Delimiters Delimiters
	Charset    string

	// ErrorThreshold is the number of bad rows tolerated. A negative
	// threshold tolerates any number.
	ErrorThreshold int64
	AllNullPolicy  string
	ControlFormat  string

	PreLoad     []string
	PostLoad    []string
	CreateTable bool
	// Dialect names the target dialect for CREATE TABLE, e.g. "oracle".
	Dialect     string
	LoadTimeout time.Duration
}

// withDefaults fills unset fields. Zero Delimiters become
// DefaultDelimiters; partially set ones keep an empty enclosure.
func (s JobSpec) withDefaults() JobSpec {
	if s.SampleSize <= 0 {
		s.SampleSize = DefaultSampleSize
	}
	def := DefaultDelimiters()
	if s.Delimiters == (Delimiters{}) {
		s.Delimiters = def
	}
	if s.Delimiters.Field == "" {
		s.Delimiters.Field = def.Field
	}
	if s.Delimiters.Row == "" {
		s.Delimiters.Row = def.Row
	}
	if s.Delimiters.Null == "" {
		s.Delimiters.Null = def.Null
	}
	if s.Charset == "" {
		s.Charset = "utf-8"
	}
	if s.AllNullPolicy == "" {
		s.AllNullPolicy = AllNullText
	}
	if s.ControlFormat == "" {
		s.ControlFormat = FormatDescriptor
	}
	base := strings.TrimSuffix(s.DataPath, filepath.Ext(s.DataPath))
	if s.ControlPath == "" && s.DataPath != "" {
		s.ControlPath = base + ".ctl"
	}
	if s.LogPath == "" && s.DataPath != "" {
		s.LogPath = base + ".log"
	}
	return s
}

// Validate checks the JobSpec after defaults are applied.
func (s JobSpec) Validate() error {
	s = s.withDefaults()
	if strings.TrimSpace(s.Table) == "" {
		return errors.New("table is required")
	}
	if s.DataPath == "" {
		return errors.New("data path is required")
	}
	if s.ControlPath == s.DataPath || s.LogPath == s.DataPath || s.LogPath == s.ControlPath {
		return errors.New("data, control and log paths must differ")
	}
	if err := s.Delimiters.validate(); err != nil {
		return err
	}
	if _, err := lookupCharset(s.Charset); err != nil {
		return err
	}
	switch s.AllNullPolicy {
	case AllNullText, AllNullFail:
	default:
		return fmt.Errorf("unknown all-null policy %q", s.AllNullPolicy)
	}
	switch s.ControlFormat {
	case FormatDescriptor, FormatSQLLoader:
	default:
		return fmt.Errorf("unknown control format %q", s.ControlFormat)
	}
	if s.LoadTimeout < 0 {
		return errors.New("load timeout must not be negative")
	}
	for _, c := range s.Columns {
		if strings.TrimSpace(c.Name) == "" {
			return errors.New("column with empty name")
		}
		if c.Type.Kind == mapper.Unknown {
			return fmt.Errorf("column %s has no type", c.Name)
		}
	}
	return nil
}

// sourceRow is one buffered result of RowSource.Next.
type sourceRow struct {
	n      int64
	values []any
	err    error
}

// Job runs one load through its states. A Job is used by one goroutine.
type Job struct {
	id     string
	spec   JobSpec
	src    RowSource
	logger client.Logger
	log    *jobLog
	state  jobStateMachine

	columns  []mapper.ColumnDescriptor
	buffered []sourceRow
	read     int64
	eof      bool

	rowsWritten atomic.Int64
	badRows     atomic.Int64
}

// NewJob validates spec and opens the job log. The caller must Close the
// job.
func NewJob(spec JobSpec, src RowSource, logger client.Logger) (*Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid load job: %w", err)
	}
	if src == nil {
		return nil, errors.New("invalid load job: nil row source")
	}
	spec = spec.withDefaults()
	if logger == nil {
		logger = client.NewNoopLogger()
	}

	id := uuid.NewString()
	logger = logger.WithFields(
		client.String("component", "loader"),
		client.String("job", id),
		client.String("table", spec.Table))

	log, err := openJobLog(spec.LogPath, logger)
	if err != nil {
		return nil, err
	}
	j := &Job{id: id, spec: spec, src: src, logger: logger, log: log}
	log.Info("job %s created for table %s", id, spec.Table)
	return j, nil
}

func (j *Job) ID() string                   { return j.id }
func (j *Job) Spec() JobSpec                { return j.spec }
func (j *Job) State() JobState              { return j.state.get() }
func (j *Job) Transitions() []JobTransition { return j.state.transitions() }
func (j *Job) RowsWritten() int64           { return j.rowsWritten.Load() }
func (j *Job) BadRows() int64               { return j.badRows.Load() }
func (j *Job) Columns() []mapper.ColumnDescriptor {
	return append([]mapper.ColumnDescriptor(nil), j.columns...)
}

// Close releases the job log.
func (j *Job) Close() error {
	return j.log.Close()
}

func (j *Job) transition(to JobState, reason string) error {
	tr, err := j.state.transition(to, reason)
	if err != nil {
		return err
	}
	j.log.Info("state %s -> %s: %s", tr.From, tr.To, reason)
	return nil
}

// expect fails with a JobError unless the job is in want.
func (j *Job) expect(op string, want JobState) error {
	if s := j.state.get(); s != want {
		return j.jobError(fmt.Sprintf("%s requires state %s", op, want), nil)
	}
	return nil
}

// fail moves the job to FAILED and returns the terminal error.
func (j *Job) fail(msg string, cause error) error {
	if !j.state.get().Terminal() {
		_ = j.transition(FAILED, msg)
	}
	j.logger.Error("load job failed", client.String("reason", msg), client.Error("error", cause))
	return j.jobError(msg, cause)
}

func (j *Job) jobError(msg string, cause error) *JobError {
	return &JobError{
		Job:         j.id,
		State:       j.state.get(),
		Message:     msg,
		RowsWritten: j.rowsWritten.Load(),
		BadRows:     j.badRows.Load(),
		Cause:       cause,
		Timestamp:   time.Now(),
	}
}

// next returns the next source row, replaying buffered rows first.
func (j *Job) next(ctx context.Context) (sourceRow, bool) {
	if len(j.buffered) > 0 {
		r := j.buffered[0]
		j.buffered = j.buffered[1:]
		return r, true
	}
	return j.pull(ctx)
}

func (j *Job) pull(ctx context.Context) (sourceRow, bool) {
	if j.eof {
		return sourceRow{}, false
	}
	values, err := j.src.Next(ctx)
	if errors.Is(err, io.EOF) {
		j.eof = true
		return sourceRow{}, false
	}
	j.read++
	return sourceRow{n: j.read, values: values, err: err}, true
}

// Infer samples up to sampleSize rows, infers one descriptor per column and
// freezes the schema. Sampled rows are buffered and replayed by
// WriteDataFile. When JobSpec.Columns is set, they are frozen as given.
func (j *Job) Infer(ctx context.Context, sampleSize int) error {
	if err := j.expect("infer", CREATED); err != nil {
		return err
	}
	names := j.src.Columns()

	if len(j.spec.Columns) > 0 {
		if len(j.spec.Columns) != len(names) {
			return j.fail("declared columns do not match the source",
				fmt.Errorf("%d declared, source has %d", len(j.spec.Columns), len(names)))
		}
		j.columns = append([]mapper.ColumnDescriptor(nil), j.spec.Columns...)
		return j.freeze("declared schema")
	}

	if err := j.transition(INFERRING, "sampling rows"); err != nil {
		return err
	}
	if sampleSize <= 0 {
		sampleSize = j.spec.SampleSize
	}

	samples := newColumnSamples(len(names))
	for len(j.buffered) < sampleSize {
		r, ok := j.pull(ctx)
		if !ok {
			break
		}
		j.buffered = append(j.buffered, r)
		if r.err != nil {
			var bad *BadRowError
			if !errors.As(r.err, &bad) {
				return j.fail("reading source", r.err)
			}
			continue
		}
		samples.add(r.values)
	}

	j.columns = samples.infer(names)
	for _, col := range j.columns {
		if col.Observed == 0 && j.spec.AllNullPolicy == AllNullFail {
			return j.fail(fmt.Sprintf("column %s has no non-null samples", col.Name), nil)
		}
		j.log.Info("column %s inferred as %s nullable=%t from %d samples", col.Name, col.Type, col.Nullable, col.Observed)
	}
	return j.freeze(fmt.Sprintf("inferred from %d rows", len(j.buffered)))
}

func (j *Job) freeze(reason string) error {
	if err := j.transition(SCHEMA_FROZEN, reason); err != nil {
		return err
	}
	j.logger.Info("schema frozen", client.Int("columns", len(j.columns)), client.String("reason", reason))
	return nil
}

// sampleText renders a source value as inference text.
func sampleText(v any) string {
	if mapper.IsNull(v) {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	t := mapper.TypeOf(v)
	w, err := mapper.Encode(v, t)
	if err != nil {
		return fmt.Sprint(v)
	}
	s, err := mapper.FormatText(w, t)
	if err != nil {
		return fmt.Sprint(v)
	}
	return s
}
