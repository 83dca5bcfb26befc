package loader

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dan-strohschein/dbhandler/client"
)

// LoadRequest is what a Utility needs to load one data file.
type LoadRequest struct {
	ControlPath string
	LogPath     string
	Descriptor  Descriptor
	// Log appends one INFO line to the job log.
	Log func(format string, args ...any)
}

// LoadOutcome is what a Utility reports after a run that was not an outright
// failure.
type LoadOutcome struct {
	Loaded   int64
	Rejected int64
	ExitCode int
}

// Utility hands a written data file to the database.
type Utility interface {
	Name() string
	Load(ctx context.Context, req LoadRequest) (LoadOutcome, error)
}

// InvokeLoad runs u on the job's artifacts, bounded by LoadTimeout. Rejected
// rows make the job PARTIALLY_FAILED; a utility error fails it.
func (j *Job) InvokeLoad(ctx context.Context, u Utility) (LoadOutcome, error) {
	if err := j.expect("invoke load", WRITING); err != nil {
		return LoadOutcome{}, err
	}
	for _, p := range []string{j.spec.DataPath, j.spec.ControlPath} {
		if _, err := os.Stat(p); err != nil {
			return LoadOutcome{}, j.fail("load artifacts missing", err)
		}
	}
	if err := j.transition(LOADING, "running "+u.Name()); err != nil {
		return LoadOutcome{}, err
	}

	if j.spec.LoadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.spec.LoadTimeout)
		defer cancel()
	}

	req := LoadRequest{
		ControlPath: j.spec.ControlPath,
		LogPath:     j.spec.LogPath,
		Descriptor:  j.Descriptor(),
		Log:         j.log.Info,
	}
	out, err := u.Load(ctx, req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("load timed out after %s: %w", j.spec.LoadTimeout, err)
		}
		return out, j.fail(u.Name()+" failed", err)
	}

	j.log.Info("%s loaded %d rows, rejected %d", u.Name(), out.Loaded, out.Rejected)
	j.logger.Info("load finished",
		client.String("utility", u.Name()),
		client.Int64("loaded", out.Loaded),
		client.Int64("rejected", out.Rejected))

	if out.Rejected > 0 {
		return out, j.transition(PARTIALLY_FAILED, fmt.Sprintf("%d rows rejected by %s", out.Rejected, u.Name()))
	}
	return out, j.transition(COMPLETED, "load finished")
}
