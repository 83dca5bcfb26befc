package loader

import (
	"context"
	"errors"
	"fmt"

	"github.com/dan-strohschein/dbhandler/client"
	"github.com/dan-strohschein/dbhandler/mapper"
	"github.com/dan-strohschein/dbhandler/session/sqldb"
)

// Result summarizes a finished job.
type Result struct {
	Job         string                    `json:"job"`
	State       JobState                  `json:"state"`
	Columns     []mapper.ColumnDescriptor `json:"-"`
	RowsWritten int64                     `json:"rows_written"`
	BadRows     int64                     `json:"bad_rows"`
	Loaded      int64                     `json:"loaded"`
	Rejected    int64                     `json:"rejected"`
	DataPath    string                    `json:"data_path"`
	ControlPath string                    `json:"control_path"`
	LogPath     string                    `json:"log_path"`
}

// Run executes a whole load: pre-load statements, optional CREATE TABLE,
// inference, the data and control files, the utility and post-load
// statements. exec may be nil when the JobSpec has no statements. The
// returned Result is valid even when err is not nil.
func Run(ctx context.Context, spec JobSpec, src RowSource, exec *client.Executor, u Utility, logger client.Logger) (*Result, error) {
	if exec == nil && (len(spec.PreLoad) > 0 || len(spec.PostLoad) > 0 || spec.CreateTable) {
		return nil, errors.New("load job needs an executor for its statements")
	}
	if u == nil {
		return nil, errors.New("load job needs a utility")
	}
	var dialect sqldb.Dialect
	if spec.CreateTable {
		d, err := sqldb.Lookup(spec.Dialect)
		if err != nil {
			return nil, fmt.Errorf("create table: %w", err)
		}
		dialect = d
	}

	job, err := NewJob(spec, src, logger)
	if err != nil {
		return nil, err
	}
	defer job.Close()

	res, err := run(ctx, job, exec, u, dialect)
	res.State = job.State()
	res.RowsWritten = job.RowsWritten()
	res.BadRows = job.BadRows()
	res.Columns = job.Columns()
	return res, err
}

func run(ctx context.Context, job *Job, exec *client.Executor, u Utility, dialect sqldb.Dialect) (*Result, error) {
	spec := job.Spec()
	res := &Result{
		Job:         job.ID(),
		DataPath:    spec.DataPath,
		ControlPath: spec.ControlPath,
		LogPath:     spec.LogPath,
	}

	if err := job.statements(ctx, exec, "pre-load", spec.PreLoad); err != nil {
		return res, err
	}
	if err := job.Infer(ctx, spec.SampleSize); err != nil {
		return res, err
	}
	if spec.CreateTable {
		ddl, err := CreateTableSQL(spec.Table, job.Columns(), dialect)
		if err != nil {
			return res, job.fail("rendering CREATE TABLE", err)
		}
		if err := job.statements(ctx, exec, "create table", []string{ddl}); err != nil {
			return res, err
		}
	}
	if err := job.WriteDataFile(ctx); err != nil {
		return res, err
	}
	if err := job.WriteControlFile(); err != nil {
		return res, err
	}
	out, err := job.InvokeLoad(ctx, u)
	res.Loaded, res.Rejected = out.Loaded, out.Rejected
	if err != nil {
		return res, err
	}

	// Post-load statements run after a partial load too; a failure there
	// leaves the load in place and is reported to the caller.
	if err := job.postStatements(ctx, exec, spec.PostLoad); err != nil {
		return res, err
	}
	return res, nil
}

// statements runs pre-load and DDL statements. A failure fails the job.
func (j *Job) statements(ctx context.Context, exec *client.Executor, phase string, stmts []string) error {
	for i, stmt := range stmts {
		n, err := exec.Execute(ctx, stmt, nil)
		if err != nil {
			return j.fail(fmt.Sprintf("%s statement %d failed", phase, i+1), err)
		}
		j.log.Info("%s statement %d: %d rows affected", phase, i+1, n)
	}
	return nil
}

func (j *Job) postStatements(ctx context.Context, exec *client.Executor, stmts []string) error {
	for i, stmt := range stmts {
		n, err := exec.Execute(ctx, stmt, nil)
		if err != nil {
			j.log.Info("post-load statement %d failed: %v", i+1, err)
			return j.jobError(fmt.Sprintf("post-load statement %d failed", i+1), err)
		}
		j.log.Info("post-load statement %d: %d rows affected", i+1, n)
	}
	return nil
}
