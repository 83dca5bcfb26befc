package loader

import (
	"encoding/json"
	"fmt"
	"time"
)

// BadRowError reports one input row that could not be written under the
// frozen schema. It is recovered: the row is logged and skipped until the
// job's error threshold is exceeded.
type BadRowError struct {
	Row    int64  `json:"row"`
	Column string `json:"column,omitempty"`
	Reason string `json:"reason"`
	Cause  error  `json:"-"`
}

// Error implements the error interface.
func (e *BadRowError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("row %d: column %s: %s", e.Row, e.Column, e.Reason)
	}
	return fmt.Sprintf("row %d: %s", e.Row, e.Reason)
}

// Unwrap returns the underlying cause error.
func (e *BadRowError) Unwrap() error {
	return e.Cause
}

// JobError is a terminal job failure. It carries the state the job was in
// and how many rows reached the data file, so a caller can decide whether to
// resume.
type JobError struct {
	Job         string    `json:"job"`
	State       JobState  `json:"state"`
	Message     string    `json:"message"`
	RowsWritten int64     `json:"rows_written"`
	BadRows     int64     `json:"bad_rows"`
	Cause       error     `json:"-"`
	Timestamp   time.Time `json:"timestamp"`
}

// Error implements the error interface.
func (e *JobError) Error() string {
	return e.FormatError(false)
}

// FormatError formats the error based on debug mode.
// When debugMode=false: returns "LOAD_FAILED: message [state] ...".
// When debugMode=true: returns indented JSON.
func (e *JobError) FormatError(debugMode bool) string {
	if !debugMode {
		msg := fmt.Sprintf("LOAD_FAILED: %s: %s [%s] after %d rows written, %d bad rows",
			e.Job, e.Message, e.State, e.RowsWritten, e.BadRows)
		if e.Cause != nil {
			msg += fmt.Sprintf(" (caused by: %s)", e.Cause.Error())
		}
		return msg
	}
	data := map[string]interface{}{
		"code":         "LOAD_FAILED",
		"type":         "JOB_ERROR",
		"job":          e.Job,
		"message":      e.Message,
		"state":        e.State.String(),
		"rows_written": e.RowsWritten,
		"bad_rows":     e.BadRows,
		"timestamp":    e.Timestamp.Format(time.RFC3339Nano),
	}
	if e.Cause != nil {
		data["cause"] = map[string]interface{}{"message": e.Cause.Error()}
	}
	b, _ := json.MarshalIndent(data, "", "  ")
	return string(b)
}

// Unwrap returns the underlying cause error.
func (e *JobError) Unwrap() error {
	return e.Cause
}

// LoadUtilityError reports a load utility that failed outright. Log holds
// what the utility printed and wrote to its own log.
type LoadUtilityError struct {
	Utility  string `json:"utility"`
	ExitCode int    `json:"exit_code"`
	Log      string `json:"log,omitempty"`
	Cause    error  `json:"-"`
}

// Error implements the error interface.
func (e *LoadUtilityError) Error() string {
	msg := fmt.Sprintf("LOAD_UTILITY_FAILED: %s exited with code %d", e.Utility, e.ExitCode)
	if e.Cause != nil {
		msg += fmt.Sprintf(" (caused by: %s)", e.Cause.Error())
	}
	return msg
}

// Unwrap returns the underlying cause error.
func (e *LoadUtilityError) Unwrap() error {
	return e.Cause
}
