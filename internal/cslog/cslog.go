// Package cslog is Coldshot's thin seam over github.com/agilira/iris, the
// structured logger the rest of the tree logs through. Keeping the vendor
// package behind one seam means writer/trace/profiler depend on a small,
// stable surface instead of iris directly.
//
// Coldshot never logs on the event hot path itself; cslog is only reached
// from cold paths: the writer's I/O-failure reporting and replay's
// soft-error reporting.
package cslog

import (
	"io"
	"os"

	"github.com/agilira/iris"
)

// Field is a single structured logging attribute.
type Field = iris.Field

// String, Int and Err construct Fields; re-exported here so callers never
// import iris directly.
func String(key, value string) Field  { return iris.String(key, value) }
func Int(key string, value int) Field { return iris.Int(key, value) }
func Err(err error) Field             { return iris.Err(err) }

// Level mirrors iris's severity ordering; re-exported so CLI entry points
// never import iris directly.
type Level = iris.Level

const (
	DebugLevel = iris.Debug
	InfoLevel  = iris.Info
	WarnLevel  = iris.Warn
	ErrorLevel = iris.Error
	FatalLevel = iris.Fatal
)

// Logger is Coldshot's structured logger handle.
type Logger struct {
	l *iris.Logger
}

// New creates a Logger writing to w at the given minimum level. Passing a
// nil w logs to os.Stderr. The consumer goroutine is started before the
// logger is handed out.
func New(w io.Writer, level iris.Level) (*Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	l, err := iris.New(iris.Config{
		Level:   level,
		Output:  iris.WrapWriter(w),
		Encoder: iris.NewTextEncoder(),
	})
	if err != nil {
		return nil, err
	}
	l.Start()
	return &Logger{l: l}, nil
}

// Debug, Info, Warn and Error log one message at that level.
func (lg *Logger) Debug(msg string, fields ...Field) { lg.l.Debug(msg, fields...) }
func (lg *Logger) Info(msg string, fields ...Field)  { lg.l.Info(msg, fields...) }
func (lg *Logger) Warn(msg string, fields ...Field)  { lg.l.Warn(msg, fields...) }
func (lg *Logger) Error(msg string, fields ...Field) { lg.l.Error(msg, fields...) }

// Close drains and stops the underlying consumer.
func (lg *Logger) Close() { lg.l.Close() }

// Nop is a Logger that discards everything, used where callers do not
// want to wire a real sink (e.g. in tests or embedders that prefer
// silence).
func Nop() *Logger {
	lg, err := New(io.Discard, FatalLevel)
	if err != nil {
		// iris.New over io.Discard with a valid config cannot fail in
		// practice; a Logger that panics on first use would be worse
		// than a visible bug here.
		panic(err)
	}
	return lg
}
