package loader

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// SQL*Loader exit codes.
const (
	sqlldrExitSuccess = 0
	sqlldrExitWarn    = 2
)

var (
	sqlldrLoadedRe   = regexp.MustCompile(`(?m)^\s*(\d+) Rows? successfully loaded`)
	sqlldrRejectedRe = regexp.MustCompile(`(?m)^\s*(\d+) Rows? not loaded due to data errors`)
)

// SQLLoader runs Oracle SQL*Loader on a control file in sqlldr format.
type SQLLoader struct {
	// Path is the sqlldr executable. Empty means "sqlldr" on PATH.
	Path string
	// Userid is the connect string, user/password@dsn. It is passed through
	// a private parameter file, never on the command line.
	Userid string
	// Args are extra command line parameters, e.g. "direct=true".
	Args []string
}

func (s *SQLLoader) Name() string { return "sqlldr" }

func (s *SQLLoader) Load(ctx context.Context, req LoadRequest) (LoadOutcome, error) {
	path := s.Path
	if path == "" {
		path = "sqlldr"
	}
	base := strings.TrimSuffix(req.ControlPath, filepath.Ext(req.ControlPath))
	utilLog := base + ".sqlldr.log"
	badFile := base + ".bad"

	args := []string{
		"control=" + req.ControlPath,
		"log=" + utilLog,
		"bad=" + badFile,
	}
	if s.Userid != "" {
		parfile, err := writeParfile(filepath.Dir(req.ControlPath), s.Userid)
		if err != nil {
			return LoadOutcome{}, &LoadUtilityError{Utility: s.Name(), ExitCode: -1, Cause: err}
		}
		defer os.Remove(parfile)
		args = append(args, "parfile="+parfile)
	}
	args = append(args, s.Args...)

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.WaitDelay = time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return LoadOutcome{}, &LoadUtilityError{Utility: s.Name(), ExitCode: -1, Cause: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return LoadOutcome{}, &LoadUtilityError{Utility: s.Name(), ExitCode: -1, Cause: err}
	}
	if err := cmd.Start(); err != nil {
		return LoadOutcome{}, &LoadUtilityError{Utility: s.Name(), ExitCode: -1, Cause: err}
	}
	req.Log("%s started: %s", s.Name(), strings.Join(cmd.Args, " "))

	var captured capturedOutput
	var g errgroup.Group
	g.Go(func() error { return captured.stream(stdout, s.Name(), req.Log) })
	g.Go(func() error { return captured.stream(stderr, s.Name()+" stderr", req.Log) })
	streamErr := g.Wait()
	waitErr := cmd.Wait()

	code := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return LoadOutcome{}, &LoadUtilityError{Utility: s.Name(), ExitCode: -1, Log: captured.String(), Cause: waitErr}
		}
		code = exitErr.ExitCode()
	}

	logText := readTail(utilLog)
	out := LoadOutcome{ExitCode: code}
	out.Loaded = lastCount(sqlldrLoadedRe, logText)
	out.Rejected = lastCount(sqlldrRejectedRe, logText)

	switch {
	case code == sqlldrExitSuccess && streamErr == nil:
		return out, nil
	case code == sqlldrExitWarn && out.Rejected > 0:
		req.Log("%s rejected rows are in %s", s.Name(), badFile)
		return out, nil
	}
	cause := waitErr
	if cause == nil {
		cause = streamErr
	}
	return out, &LoadUtilityError{
		Utility:  s.Name(),
		ExitCode: code,
		Log:      captured.String() + logText,
		Cause:    cause,
	}
}

func writeParfile(dir, userid string) (string, error) {
	f, err := os.CreateTemp(dir, ".sqlldr-*.par")
	if err != nil {
		return "", err
	}
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if _, err := fmt.Fprintf(f, "userid=%s\n", userid); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), f.Close()
}

// capturedOutput collects utility output lines for error reports.
type capturedOutput struct {
	mu sync.Mutex
	b  strings.Builder
}

const maxCapturedOutput = 64 << 10

func (c *capturedOutput) stream(r io.Reader, prefix string, log func(string, ...any)) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		log("%s: %s", prefix, line)
		c.mu.Lock()
		if c.b.Len() < maxCapturedOutput {
			c.b.WriteString(line)
			c.b.WriteByte('\n')
		}
		c.mu.Unlock()
	}
	return sc.Err()
}

func (c *capturedOutput) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.b.String()
}

// readTail returns the last part of a utility log, or "" when it is missing.
func readTail(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	if len(data) > maxCapturedOutput {
		data = data[len(data)-maxCapturedOutput:]
	}
	return string(data)
}

func lastCount(re *regexp.Regexp, text string) int64 {
	m := re.FindAllStringSubmatch(text, -1)
	if len(m) == 0 {
		return 0
	}
	n, _ := strconv.ParseInt(m[len(m)-1][1], 10, 64)
	return n
}
