package loader

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// peopleCSV renders n rows of id,name,amount,joined. Rows listed in bad get
// a non-numeric id.
func peopleCSV(n int, bad map[int]bool) string {
	var b strings.Builder
	b.WriteString("id,name,amount,joined\n")
	for i := 1; i <= n; i++ {
		id := strconv.Itoa(i)
		if bad[i] {
			id = "abc"
		}
		fmt.Fprintf(&b, "%s,name-%04d,%d.5,2024-01-%02d\n", id, i, i%10, i%28+1)
	}
	return b.String()
}

func rowSet(rows ...int) map[int]bool {
	m := make(map[int]bool, len(rows))
	for _, r := range rows {
		m[r] = true
	}
	return m
}

func csvSource(t *testing.T, text string) *CSVSource {
	t.Helper()
	src, err := NewCSVSource(strings.NewReader(text), CSVOptions{})
	require.NoError(t, err)
	return src
}

// readLines returns the lines of a file without the trailing newline.
func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

func linesWithPrefix(lines []string, prefix string) []string {
	var out []string
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			out = append(out, l)
		}
	}
	return out
}

func testSpec(dir string) JobSpec {
	return JobSpec{
		Table:      "people",
		DataPath:   filepath.Join(dir, "people.dat"),
		SampleSize: 100,
	}
}

// countingUtility loads nothing and reports the records of the data file.
type countingUtility struct {
	reject int64
	err    error
	calls  int
}

func (u *countingUtility) Name() string { return "counting" }

func (u *countingUtility) Load(ctx context.Context, req LoadRequest) (LoadOutcome, error) {
	u.calls++
	if u.err != nil {
		return LoadOutcome{}, u.err
	}
	f, err := os.Open(req.Descriptor.DataPath)
	if err != nil {
		return LoadOutcome{}, err
	}
	defer f.Close()
	r, err := NewDataFileReader(f, req.Descriptor)
	if err != nil {
		return LoadOutcome{}, err
	}
	var n int64
	for {
		if _, err := r.Read(); err != nil {
			break
		}
		n++
	}
	req.Log("counted %d records", n)
	return LoadOutcome{Loaded: n - u.reject, Rejected: u.reject}, nil
}

// logCapture collects LoadRequest.Log lines.
type logCapture struct {
	mu    sync.Mutex
	lines []string
}

func (c *logCapture) log(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, fmt.Sprintf(format, args...))
}

func (c *logCapture) all() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.lines, "\n")
}
