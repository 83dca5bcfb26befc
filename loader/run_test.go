package loader

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/dan-strohschein/dbhandler/client"
	"github.com/dan-strohschein/dbhandler/session/sqldb"
)

// insertUtility loads a data file by inserting its records one by one
// through the executor.
type insertUtility struct {
	exec *client.Executor
}

func (u *insertUtility) Name() string { return "insert" }

func (u *insertUtility) Load(ctx context.Context, req LoadRequest) (LoadOutcome, error) {
	d := req.Descriptor
	f, err := os.Open(d.DataPath)
	if err != nil {
		return LoadOutcome{}, err
	}
	defer f.Close()
	r, err := NewDataFileReader(f, d)
	if err != nil {
		return LoadOutcome{}, err
	}

	names := make([]string, len(d.Columns))
	marks := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i], marks[i] = c.Name, "?"
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", d.Table, strings.Join(names, ", "), strings.Join(marks, ", "))

	var out LoadOutcome
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		if _, err := u.exec.Execute(ctx, query, client.Args(rec...)); err != nil {
			out.Rejected++
			continue
		}
		out.Loaded++
	}
}

func newSQLiteExecutor(t *testing.T) *client.Executor {
	t.Helper()
	opts := client.DefaultOptions()
	opts.Session.DSN = "file:" + filepath.Join(t.TempDir(), "load.db")
	opts.IdleTimeout = 0
	opts.Logger = client.NewNoopLogger()
	m, err := client.NewManager(sqldb.NewDriver(sqldb.SQLite), opts)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, m.Close(context.Background())) })
	return client.NewExecutor(m)
}

func TestRun_SQLiteEndToEnd(t *testing.T) {
	exec := newSQLiteExecutor(t)
	ctx := context.Background()

	spec := testSpec(t.TempDir())
	spec.SampleSize = 20
	spec.ErrorThreshold = 5
	spec.CreateTable = true
	spec.Dialect = "sqlite"
	spec.PreLoad = []string{"DROP TABLE IF EXISTS people"}
	spec.PostLoad = []string{"CREATE INDEX people_id ON people (id)"}

	res, err := Run(ctx, spec, csvSource(t, peopleCSV(50, rowSet(30, 45))), exec, &insertUtility{exec: exec}, nil)
	require.NoError(t, err)
	assert.Equal(t, COMPLETED, res.State)
	assert.Equal(t, int64(48), res.RowsWritten)
	assert.Equal(t, int64(48), res.Loaded)

	rs, err := exec.Select(ctx, "SELECT COUNT(*) AS n FROM people WHERE joined IS NOT NULL", nil)
	require.NoError(t, err)
	rows, err := rs.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	n, _ := rows[0].Get("n")
	assert.EqualValues(t, 48, n)

	rs, err = exec.Select(ctx, "SELECT name FROM sqlite_master WHERE type = 'index' AND name = 'people_id'", nil)
	require.NoError(t, err)
	rows, err = rs.Collect(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "post-load statement ran")

	log := strings.Join(readLines(t, res.LogPath), "\n")
	assert.Contains(t, log, "INFO pre-load statement 1")
	assert.Contains(t, log, "INFO create table statement 1")
	assert.Contains(t, log, "INFO post-load statement 1")
}

func TestRun_PreLoadFailureFailsJob(t *testing.T) {
	exec := newSQLiteExecutor(t)
	spec := testSpec(t.TempDir())
	spec.PreLoad = []string{"DELETE FROM missing_table"}
	util := &countingUtility{}

	res, err := Run(context.Background(), spec, csvSource(t, peopleCSV(3, nil)), exec, util, nil)
	var jobErr *JobError
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, FAILED, res.State)
	assert.Equal(t, 0, util.calls)
	assert.ErrorContains(t, err, "missing_table")
}

func TestRun_PostLoadFailureKeepsLoad(t *testing.T) {
	exec := newSQLiteExecutor(t)
	spec := testSpec(t.TempDir())
	spec.PostLoad = []string{"UPDATE missing_table SET x = 1"}

	res, err := Run(context.Background(), spec, csvSource(t, peopleCSV(3, nil)), exec, &countingUtility{}, nil)
	var jobErr *JobError
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, COMPLETED, res.State, "the load itself finished")
	assert.Equal(t, COMPLETED, jobErr.State)
}

func TestRun_UnknownDialect(t *testing.T) {
	exec := newSQLiteExecutor(t)
	spec := testSpec(t.TempDir())
	spec.CreateTable = true
	spec.Dialect = "db2"
	_, err := Run(context.Background(), spec, csvSource(t, peopleCSV(1, nil)), exec, &countingUtility{}, nil)
	assert.ErrorContains(t, err, "db2")
}
