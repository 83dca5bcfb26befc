package client

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ConnectionErrorKind classifies a ConnectionError.
type ConnectionErrorKind int

const (
	// KindAuthentication means the backend rejected the credentials.
	KindAuthentication ConnectionErrorKind = iota + 1
	// KindNetworkUnreachable means no session could be established.
	KindNetworkUnreachable
	// KindTimeout means a deadline expired before the backend answered.
	KindTimeout
	// KindDisconnected means the session was lost or the manager is closed.
	KindDisconnected
)

// String returns the error code used for the kind.
func (k ConnectionErrorKind) String() string {
	switch k {
	case KindAuthentication:
		return "AUTHENTICATION_FAILED"
	case KindNetworkUnreachable:
		return "NETWORK_UNREACHABLE"
	case KindTimeout:
		return "TIMEOUT"
	case KindDisconnected:
		return "DISCONNECTED"
	default:
		return "CONNECTION_ERROR"
	}
}

// ConnectionError represents connection-related failures.
type ConnectionError struct {
	Kind       ConnectionErrorKind    `json:"kind"`
	Message    string                 `json:"message"`
	State      ConnectionState        `json:"state"`
	Attempts   int                    `json:"attempts,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"cause,omitempty"`
	StackTrace []string               `json:"stack_trace,omitempty"`
	Timestamp  time.Time              `json:"timestamp,omitempty"`
}

func newConnectionError(kind ConnectionErrorKind, state ConnectionState, msg string, cause error) *ConnectionError {
	return &ConnectionError{
		Kind:       kind,
		Message:    msg,
		State:      state,
		Cause:      cause,
		StackTrace: captureStackTrace(),
		Timestamp:  time.Now(),
	}
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return e.FormatError(false)
}

// FormatError formats the error based on debug mode.
// When debugMode=false: returns "CODE: message [state]".
// When debugMode=true: returns indented JSON with stack trace and timestamp.
func (e *ConnectionError) FormatError(debugMode bool) string {
	if !debugMode {
		msg := fmt.Sprintf("%s: %s [%s]", e.Kind, e.Message, e.State)
		if e.Attempts > 1 {
			msg += fmt.Sprintf(" after %d attempts", e.Attempts)
		}
		if e.Cause != nil {
			msg += fmt.Sprintf(" (caused by: %s)", e.Cause.Error())
		}
		return msg
	}

	errorData := map[string]interface{}{
		"code":    e.Kind.String(),
		"type":    "CONNECTION_ERROR",
		"message": e.Message,
		"state":   e.State.String(),
	}
	if e.Attempts > 0 {
		errorData["attempts"] = e.Attempts
	}
	return debugJSON(errorData, e.Details, e.Cause, e.StackTrace, e.Timestamp)
}

// Unwrap returns the underlying cause error for errors.Is and errors.As compatibility.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// StateError represents an illegal state transition or an operation attempted
// in the wrong state.
type StateError struct {
	Operation  string          `json:"operation"`
	From       ConnectionState `json:"from"`
	To         ConnectionState `json:"to"`
	StackTrace []string        `json:"stack_trace,omitempty"`
}

func newStateError(operation string, from, to ConnectionState) *StateError {
	return &StateError{
		Operation:  operation,
		From:       from,
		To:         to,
		StackTrace: captureStackTrace(),
	}
}

// Error implements the error interface.
func (e *StateError) Error() string {
	return e.FormatError(false)
}

// FormatError formats the error based on debug mode.
func (e *StateError) FormatError(debugMode bool) string {
	if !debugMode {
		return fmt.Sprintf("INVALID_STATE: %s: illegal transition %s → %s", e.Operation, e.From, e.To)
	}
	errorData := map[string]interface{}{
		"code":      "INVALID_STATE",
		"type":      "STATE_ERROR",
		"operation": e.Operation,
		"from":      e.From.String(),
		"to":        e.To.String(),
	}
	return debugJSON(errorData, nil, nil, e.StackTrace, time.Time{})
}

// QueryError is a statement error reported by the backend, or a statement
// that could not be parsed.
type QueryError struct {
	Code       string          `json:"code"`
	Message    string          `json:"message"`
	Query      string          `json:"query,omitempty"`
	Params     []string        `json:"params,omitempty"`
	State      ConnectionState `json:"state"`
	Cause      error           `json:"cause,omitempty"`
	StackTrace []string        `json:"stack_trace,omitempty"`
	Timestamp  time.Time       `json:"timestamp,omitempty"`
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	return e.FormatError(false)
}

// FormatError formats the error based on debug mode.
func (e *QueryError) FormatError(debugMode bool) string {
	if !debugMode {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s (caused by: %s)", e.Code, e.Message, e.Cause.Error())
		}
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}

	errorData := map[string]interface{}{
		"code":    e.Code,
		"type":    "QUERY_ERROR",
		"message": e.Message,
		"state":   e.State.String(),
	}
	if e.Query != "" {
		errorData["query"] = e.Query
	}
	if len(e.Params) > 0 {
		errorData["params"] = e.Params
	}
	return debugJSON(errorData, nil, e.Cause, e.StackTrace, e.Timestamp)
}

// Unwrap returns the underlying cause error.
func (e *QueryError) Unwrap() error {
	return e.Cause
}

// BindMismatchError reports placeholders without a bind and binds without a
// placeholder. Nothing was sent to the backend.
type BindMismatchError struct {
	Missing    []string        `json:"missing,omitempty"`
	Unused     []string        `json:"unused,omitempty"`
	Duplicate  []string        `json:"duplicate,omitempty"`
	State      ConnectionState `json:"state"`
	StackTrace []string        `json:"stack_trace,omitempty"`
}

// Error implements the error interface.
func (e *BindMismatchError) Error() string {
	return e.FormatError(false)
}

// FormatError formats the error based on debug mode.
func (e *BindMismatchError) FormatError(debugMode bool) string {
	if !debugMode {
		var parts []string
		if len(e.Missing) > 0 {
			parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
		}
		if len(e.Unused) > 0 {
			parts = append(parts, "unused "+strings.Join(e.Unused, ", "))
		}
		if len(e.Duplicate) > 0 {
			parts = append(parts, "duplicate "+strings.Join(e.Duplicate, ", "))
		}
		return "BIND_MISMATCH: " + strings.Join(parts, "; ")
	}
	errorData := map[string]interface{}{
		"code":  "BIND_MISMATCH",
		"type":  "BIND_ERROR",
		"state": e.State.String(),
	}
	if len(e.Missing) > 0 {
		errorData["missing"] = e.Missing
	}
	if len(e.Unused) > 0 {
		errorData["unused"] = e.Unused
	}
	if len(e.Duplicate) > 0 {
		errorData["duplicate"] = e.Duplicate
	}
	return debugJSON(errorData, nil, nil, e.StackTrace, time.Time{})
}

// PartialExecutionError reports a statement whose outcome is unknown: the
// session failed or timed out after the statement was sent. It is never
// retried.
type PartialExecutionError struct {
	Query      string          `json:"query"`
	Elapsed    time.Duration   `json:"elapsed"`
	State      ConnectionState `json:"state"`
	Cause      error           `json:"cause,omitempty"`
	StackTrace []string        `json:"stack_trace,omitempty"`
	Timestamp  time.Time       `json:"timestamp,omitempty"`
}

// Error implements the error interface.
func (e *PartialExecutionError) Error() string {
	return e.FormatError(false)
}

// FormatError formats the error based on debug mode.
func (e *PartialExecutionError) FormatError(debugMode bool) string {
	if !debugMode {
		return fmt.Sprintf("PARTIAL_EXECUTION: outcome unknown after %s [%s] (caused by: %v)", e.Elapsed, e.State, e.Cause)
	}
	errorData := map[string]interface{}{
		"code":    "PARTIAL_EXECUTION",
		"type":    "EXECUTION_ERROR",
		"query":   e.Query,
		"elapsed": e.Elapsed.String(),
		"state":   e.State.String(),
	}
	return debugJSON(errorData, nil, e.Cause, e.StackTrace, e.Timestamp)
}

// Unwrap returns the underlying cause error.
func (e *PartialExecutionError) Unwrap() error {
	return e.Cause
}

// StaleResultError is returned when a ResultSet is read after the session it
// was produced on has been replaced.
type StaleResultError struct {
	Generation uint64          `json:"generation"`
	Current    uint64          `json:"current"`
	State      ConnectionState `json:"state"`
}

// Error implements the error interface.
func (e *StaleResultError) Error() string {
	return e.FormatError(false)
}

// FormatError formats the error based on debug mode.
func (e *StaleResultError) FormatError(debugMode bool) string {
	if !debugMode {
		return fmt.Sprintf("STALE_RESULT: result set from session %d read on session %d", e.Generation, e.Current)
	}
	return debugJSON(map[string]interface{}{
		"code":       "STALE_RESULT",
		"type":       "RESULT_ERROR",
		"generation": e.Generation,
		"current":    e.Current,
		"state":      e.State.String(),
	}, nil, nil, nil, time.Time{})
}

func debugJSON(errorData, details map[string]interface{}, cause error, stack []string, ts time.Time) string {
	if len(details) > 0 {
		errorData["details"] = details
	}
	if cause != nil {
		errorData["cause"] = map[string]interface{}{"message": cause.Error()}
	}
	if len(stack) > 0 {
		errorData["stack_trace"] = stack
	}
	if !ts.IsZero() {
		errorData["timestamp"] = ts.Format(time.RFC3339Nano)
	}
	b, _ := json.MarshalIndent(errorData, "", "  ")
	return string(b)
}

// captureStackTrace captures the current stack trace for error reporting.
func captureStackTrace() []string {
	const maxDepth = 32
	pcs := make([]uintptr, maxDepth)
	n := runtime.Callers(3, pcs) // Skip captureStackTrace, the error constructor, and runtime.Callers

	frames := make([]string, 0, n)
	callersFrames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := callersFrames.Next()
		frames = append(frames, fmt.Sprintf("%s (%s:%d)", frame.Function, frame.File, frame.Line))
		if !more {
			break
		}
	}
	return frames
}

// FormatError is a helper to format any error with debug mode support.
func FormatError(err error, debugMode bool) string {
	if err == nil {
		return ""
	}

	type debugFormatter interface {
		FormatError(bool) string
	}

	if formatter, ok := err.(debugFormatter); ok {
		return formatter.FormatError(debugMode)
	}
	return err.Error()
}
