// Package cserr classifies Coldshot's error kinds:
// TraceSourceUnavailable, IoError, MalformedLog, UnbalancedStack and
// ClockInversion. Built on github.com/agilira/go-errors so every error
// carries a stable code callers can branch on.
package cserr

import "github.com/agilira/go-errors"

// Error codes, one per kind.
const (
	CodeTraceSourceUnavailable errors.ErrorCode = "COLDSHOT_TRACE_SOURCE_UNAVAILABLE"
	CodeIoError                errors.ErrorCode = "COLDSHOT_IO_ERROR"
	CodeMalformedLog           errors.ErrorCode = "COLDSHOT_MALFORMED_LOG"
	CodeUnbalancedStack        errors.ErrorCode = "COLDSHOT_UNBALANCED_STACK"
	CodeClockInversion         errors.ErrorCode = "COLDSHOT_CLOCK_INVERSION"
)

// TraceSourceUnavailable reports that the writer could not install its
// trace hook; surfaced to the caller of Profiler.Start.
func TraceSourceUnavailable(message string) *errors.Error {
	return errors.New(CodeTraceSourceUnavailable, message).WithSeverity("error")
}

// IoError reports an append/flush/mmap failure. It is fatal to the writer
// it occurred in: further events are dropped, but data already flushed is
// preserved.
func IoError(cause error, message string) *errors.Error {
	return errors.Wrap(cause, CodeIoError, message).WithSeverity("error")
}

// MalformedLog reports a prefix mismatch, truncated final record or
// unknown version; fatal to the loader.
func MalformedLog(message string) *errors.Error {
	return errors.New(CodeMalformedLog, message).WithSeverity("error")
}

// UnbalancedStack reports a stray return or an open frame at end of log.
// A soft error: logged and counted, replay continues.
func UnbalancedStack(message string) *errors.Error {
	return errors.New(CodeUnbalancedStack, message).WithSeverity("warning")
}

// ClockInversion reports a negative timestamp delta; clamped and
// counted, never fatal.
func ClockInversion(message string) *errors.Error {
	return errors.New(CodeClockInversion, message).WithSeverity("warning")
}

// Is reports whether err is a cserr error carrying the given code.
func Is(err error, code errors.ErrorCode) bool {
	ce, ok := err.(*errors.Error)
	if !ok {
		return false
	}
	return ce.Code == code
}
