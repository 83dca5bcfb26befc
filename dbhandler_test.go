package dbhandler

import (
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dan-strohschein/dbhandler/client"
	"github.com/dan-strohschein/dbhandler/config"
	"github.com/dan-strohschein/dbhandler/loader"
	_ "github.com/dan-strohschein/dbhandler/session/sqldb/all"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func openSQLite(t *testing.T, extra string) (*Handler, string) {
	t.Helper()
	dir := t.TempDir()
	doc := fmt.Sprintf(`
connection:
  dialect: sqlite
  dsn: file:%s
  idle_timeout: 1h
logging:
  level: error
metrics:
  enabled: true
%s`, filepath.Join(dir, "app.db"), extra)
	cfg, err := config.Parse([]byte(doc), func(name string) (string, bool) {
		if name == "DIR" {
			return dir, true
		}
		return "", false
	})
	require.NoError(t, err)

	h, err := Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, h.Close(context.Background())) })
	return h, dir
}

func TestHandler_SelectExecute(t *testing.T) {
	h, _ := openSQLite(t, "")
	ctx := context.Background()
	require.NoError(t, h.Connect(ctx))

	_, err := h.Execute(ctx, "CREATE TABLE t (id INTEGER, name TEXT)", nil)
	require.NoError(t, err)
	n, err := h.Execute(ctx, "INSERT INTO t (id, name) VALUES (?, ?), (?, ?)", client.Args(1, "ada", 2, "grace"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rs, err := h.Select(ctx, "SELECT name FROM t WHERE id = ?", client.Args(2))
	require.NoError(t, err)
	rows, err := rs.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	name, ok := rows[0].Get("name")
	require.True(t, ok)
	assert.Equal(t, "grace", name)

	state, err := h.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, client.HEALTHY, state)

	rec := httptest.NewRecorder()
	h.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, "dbhandler_statements_total")
	assert.Contains(t, body, "dbhandler_connection_state")
}

// rowInserter loads the data file with single-row INSERTs.
type rowInserter struct{ h *Handler }

func (r rowInserter) Name() string { return "insert" }

func (r rowInserter) Load(ctx context.Context, req loader.LoadRequest) (loader.LoadOutcome, error) {
	d := req.Descriptor
	f, err := os.Open(d.DataPath)
	if err != nil {
		return loader.LoadOutcome{}, err
	}
	defer f.Close()
	dr, err := loader.NewDataFileReader(f, d)
	if err != nil {
		return loader.LoadOutcome{}, err
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(d.Columns)), ", ")
	var out loader.LoadOutcome
	for {
		rec, err := dr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		if _, err := r.h.Execute(ctx, "INSERT INTO "+d.Table+" VALUES ("+marks+")", client.Args(rec...)); err != nil {
			out.Rejected++
			continue
		}
		out.Loaded++
	}
}

func TestHandler_Load(t *testing.T) {
	h, dir := openSQLite(t, "")
	ctx := context.Background()

	spec := loader.JobSpec{
		Table:       "cities",
		DataPath:    filepath.Join(dir, "cities.dat"),
		CreateTable: true,
		Dialect:     "sqlite",
	}
	src := loader.NewSliceSource([]string{"name", "population"}, [][]any{
		{"Oslo", "709037"},
		{"Bergen", "291940"},
	})
	res, err := h.Load(ctx, spec, src, rowInserter{h})
	require.NoError(t, err)
	assert.Equal(t, loader.COMPLETED, res.State)
	assert.Equal(t, int64(2), res.Loaded)

	rs, err := h.Select(ctx, "SELECT SUM(population) AS total FROM cities", nil)
	require.NoError(t, err)
	rows, err := rs.Collect(ctx)
	require.NoError(t, err)
	total, _ := rows[0].Get("total")
	assert.EqualValues(t, 1000977, total)
}

func TestHandler_BulkLoadErrors(t *testing.T) {
	h, _ := openSQLite(t, `
jobs:
  cities:
    table: cities
    data_path: ${DIR}/cities.dat
    source:
      path: ${DIR}/missing.csv
    utility:
      kind: sqlldr
  nowhere:
    table: cities
    data_path: ${DIR}/nowhere.dat
`)
	ctx := context.Background()

	_, err := h.BulkLoad(ctx, "towns")
	assert.ErrorContains(t, err, "towns")

	_, err = h.BulkLoad(ctx, "cities")
	assert.ErrorContains(t, err, "open source")

	_, err = h.BulkLoad(ctx, "nowhere")
	assert.ErrorContains(t, err, "no load utility configured")
}

func TestOpen_RequiresConfig(t *testing.T) {
	_, err := Open(nil, nil)
	assert.Error(t, err)
}
