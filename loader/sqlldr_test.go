package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSQLLoader writes a shell script that behaves like sqlldr: it prints a
// banner, writes a log with the given counts to the log= argument and exits
// with code.
func fakeSQLLoader(t *testing.T, loaded, rejected, code int, extra string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in needs a POSIX shell")
	}
	script := fmt.Sprintf(`#!/bin/sh
for a in "$@"; do
  case "$a" in
    log=*) LOG="${a#log=}" ;;
    parfile=*) PAR="${a#parfile=}" ;;
  esac
done
echo "SQL*Loader: Release 19.0.0.0.0 - Production"
if [ -n "$PAR" ] && grep -q "userid=scott/tiger@orcl" "$PAR"; then echo "parfile ok"; fi
%s
cat > "$LOG" <<EOF
Table PEOPLE, loaded from every logical record.
  %d Rows successfully loaded.
  %d Rows not loaded due to data errors.
EOF
exit %d
`, extra, loaded, rejected, code)
	path := filepath.Join(t.TempDir(), "sqlldr")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func sqlldrRequest(t *testing.T) (LoadRequest, *logCapture) {
	dir := t.TempDir()
	ctl := filepath.Join(dir, "people.ctl")
	require.NoError(t, os.WriteFile(ctl, []byte("LOAD DATA\n"), 0o644))
	logs := &logCapture{}
	return LoadRequest{ControlPath: ctl, Descriptor: sampleDescriptor(), Log: logs.log}, logs
}

func TestSQLLoader_ExitCodes(t *testing.T) {
	tests := []struct {
		name             string
		loaded, rejected int
		code             int
		wantErr          bool
	}{
		{"success", 995, 0, 0, false},
		{"warning with rejected rows", 990, 5, 2, false},
		{"warning without rejected rows", 995, 0, 2, true},
		{"fatal", 0, 0, 1, true},
		{"fatal after load", 10, 0, 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &SQLLoader{Path: fakeSQLLoader(t, tt.loaded, tt.rejected, tt.code, `echo "SQL*Loader-500: Unable to open file" >&2`)}
			req, logs := sqlldrRequest(t)

			out, err := s.Load(context.Background(), req)
			assert.Equal(t, tt.code, out.ExitCode)
			assert.Equal(t, int64(tt.loaded), out.Loaded)
			assert.Equal(t, int64(tt.rejected), out.Rejected)
			assert.Contains(t, logs.all(), "sqlldr stderr: SQL*Loader-500: Unable to open file")

			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var utilErr *LoadUtilityError
			require.ErrorAs(t, err, &utilErr)
			assert.Equal(t, tt.code, utilErr.ExitCode)
			assert.Contains(t, utilErr.Log, "SQL*Loader-500")
			assert.Contains(t, utilErr.Log, "Rows successfully loaded")
		})
	}
}

func TestSQLLoader_ParfileKeepsPasswordOffCommandLine(t *testing.T) {
	s := &SQLLoader{Path: fakeSQLLoader(t, 1, 0, 0, ""), Userid: "scott/tiger@orcl", Args: []string{"direct=true"}}
	req, logs := sqlldrRequest(t)

	_, err := s.Load(context.Background(), req)
	require.NoError(t, err)
	assert.Contains(t, logs.all(), "sqlldr: parfile ok")
	assert.Contains(t, logs.all(), "direct=true")
	assert.NotContains(t, logs.all(), "tiger")

	left, _ := filepath.Glob(filepath.Join(filepath.Dir(req.ControlPath), ".sqlldr-*.par"))
	assert.Empty(t, left, "parameter file removed")
}

func TestSQLLoader_MissingExecutable(t *testing.T) {
	s := &SQLLoader{Path: filepath.Join(t.TempDir(), "no-such-sqlldr")}
	req, _ := sqlldrRequest(t)
	_, err := s.Load(context.Background(), req)
	var utilErr *LoadUtilityError
	require.ErrorAs(t, err, &utilErr)
	assert.Equal(t, -1, utilErr.ExitCode)
}

func TestRun_SQLLoaderTimeout(t *testing.T) {
	spec := testSpec(t.TempDir())
	spec.ControlFormat = FormatSQLLoader
	spec.LoadTimeout = 100 * time.Millisecond
	s := &SQLLoader{Path: fakeSQLLoader(t, 0, 0, 0, "exec sleep 5")}

	start := time.Now()
	res, err := Run(context.Background(), spec, csvSource(t, peopleCSV(10, nil)), nil, s, nil)
	assert.Less(t, time.Since(start), 4*time.Second)

	var jobErr *JobError
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, FAILED, res.State)
	assert.Contains(t, err.Error(), "timed out")
	var utilErr *LoadUtilityError
	assert.ErrorAs(t, err, &utilErr)
}

func TestRun_SQLLoaderPartialLoad(t *testing.T) {
	spec := testSpec(t.TempDir())
	spec.ControlFormat = FormatSQLLoader
	s := &SQLLoader{Path: fakeSQLLoader(t, 8, 2, 2, "")}

	res, err := Run(context.Background(), spec, csvSource(t, peopleCSV(10, nil)), nil, s, nil)
	require.NoError(t, err)
	assert.Equal(t, PARTIALLY_FAILED, res.State)
	assert.Equal(t, int64(8), res.Loaded)
	assert.Equal(t, int64(2), res.Rejected)

	log := strings.Join(readLines(t, res.LogPath), "\n")
	assert.Contains(t, log, "INFO sqlldr: SQL*Loader: Release 19.0.0.0.0 - Production")
	assert.Contains(t, log, "INFO state LOADING -> PARTIALLY_FAILED")
}
