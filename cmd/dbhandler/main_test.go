package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	colorsEnabled = false
	goleak.VerifyTestMain(m)
}

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	csv := filepath.Join(dir, "people.csv")
	require.NoError(t, os.WriteFile(csv, []byte("id;name;born\n1;ada;1815-12-10\n2;grace;\n"), 0o644))
	path := filepath.Join(dir, "dbhandler.yaml")
	doc := fmt.Sprintf(`connection:
  dialect: sqlite
  dsn: file:%s
logging:
  level: error
jobs:
  people:
    table: people
    data_path: %s
    source:
      path: %s
      comma: ";"
`, filepath.Join(dir, "app.db"), filepath.Join(dir, "people.dat"), csv)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path, dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestExecuteAndSelect(t *testing.T) {
	cfg, _ := writeConfig(t)

	out, err := run(t, "-c", cfg, "execute", "CREATE TABLE t (id INTEGER, name TEXT)")
	require.NoError(t, err)
	assert.Contains(t, out, "0 rows affected")

	out, err = run(t, "-c", cfg, "exec", "INSERT INTO t VALUES (?, ?)", "-a", "1", "-a", "ada")
	require.NoError(t, err)
	assert.Contains(t, out, "1 rows affected")
	_, err = run(t, "-c", cfg, "exec", "INSERT INTO t VALUES (?, ?)", "-a", "2", "-a", "NULL")
	require.NoError(t, err)

	out, err = run(t, "-c", cfg, "select", "SELECT id, name FROM t ORDER BY id")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "id  name", lines[0])
	assert.Equal(t, "1   ada", lines[2])
	assert.Equal(t, "2   NULL", lines[3])
	assert.Equal(t, "(2 rows)", lines[4])

	out, err = run(t, "-c", cfg, "select", "SELECT name FROM t WHERE id = 2", "--null-fill", "name=nobody")
	require.NoError(t, err)
	assert.Contains(t, out, "nobody")
}

func TestBindFlags(t *testing.T) {
	f := bindFlags{args: []string{"1"}, named: []string{"a=1"}}
	_, err := f.binds()
	assert.Error(t, err)

	f = bindFlags{named: []string{"id=7", "name=NULL"}}
	binds, err := f.binds()
	require.NoError(t, err)
	require.Len(t, binds, 2)
	assert.Equal(t, "id", binds[0].Name)
	assert.Nil(t, binds[1].Value)

	f = bindFlags{named: []string{"novalue"}}
	_, err = f.binds()
	assert.Error(t, err)
}

func TestInfer(t *testing.T) {
	cfg, dir := writeConfig(t)

	out, err := run(t, "-c", cfg, "infer", "--job", "people")
	require.NoError(t, err)
	assert.Contains(t, out, "born    DATE")
	assert.Contains(t, out, "(2 rows sampled)")

	out, err = run(t, "infer", filepath.Join(dir, "people.csv"), "--comma", ";", "--yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "- name: born\n      type: DATE\n")
	assert.Contains(t, out, "2006-01-02")

	_, err = run(t, "infer")
	assert.ErrorContains(t, err, "no input file")
}

func TestHealth(t *testing.T) {
	cfg, _ := writeConfig(t)
	out, err := run(t, "-c", cfg, "health", "--debug")
	require.NoError(t, err)
	assert.Contains(t, out, "connection HEALTHY")
	assert.Contains(t, out, `"state": "HEALTHY"`)
}

func TestLoad_UnknownJob(t *testing.T) {
	cfg, _ := writeConfig(t)
	_, err := run(t, "-c", cfg, "load", "towns")
	assert.ErrorContains(t, err, "towns")
}

func TestMissingConfig(t *testing.T) {
	_, err := run(t, "-c", filepath.Join(t.TempDir(), "none.yaml"), "health")
	assert.ErrorContains(t, err, "read config")
}
