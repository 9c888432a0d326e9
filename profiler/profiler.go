// Package profiler is the top-level embeddable surface wiring trace and
// writer together: Start/Stop, annotations, and scoped acquire/release
// helpers that guarantee Stop on every exit path.
package profiler

import (
	"sync"

	"github.com/mcfletch/coldshot/internal/cserr"
	"github.com/mcfletch/coldshot/internal/cslog"
	"github.com/mcfletch/coldshot/trace"
	"github.com/mcfletch/coldshot/writer"
)

// Config is the profiler's small configuration surface: a writer output
// directory, the line-tracing toggle, and an optional logger.
type Config struct {
	Dir   string
	Lines bool
	Log   *cslog.Logger
}

// Profiler owns a writer.Writer and the trace.Hook writing into it, for
// the life of one Start/Stop cycle. Safe for concurrent Start/Stop/Hook
// calls from multiple goroutines; the hot path itself (events delivered
// through Hook) follows writer's own concurrency model.
type Profiler struct {
	mu      sync.Mutex
	cfg     Config
	w       *writer.Writer
	hook    *trace.Hook
	started bool
}

// New creates a Profiler over cfg. Nothing is created on disk, and no
// trace hook installed, until Start.
func New(cfg Config) *Profiler {
	return &Profiler{cfg: cfg}
}

// Start opens the writer and installs the trace hook. Starting an
// already-started Profiler is a no-op; starting after a Stop re-opens a
// fresh writer over the same directory.
func (p *Profiler) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	w, err := writer.Open(p.cfg.Dir, p.cfg.Lines, p.cfg.Log)
	if err != nil {
		return cserr.TraceSourceUnavailable(err.Error())
	}
	p.w = w
	p.hook = trace.New(w, p.cfg.Lines, p.cfg.Log)
	p.started = true
	return nil
}

// Stop synthesizes returns for every still-open call, flushes and closes
// the writer's streams. A Stop when not started, or a second consecutive
// Stop, is a no-op.
func (p *Profiler) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil
	}
	err := p.w.Close()
	p.started = false
	return err
}

// Hook returns the EventSink a trace.Source should deliver events to.
// Returns nil when the profiler is not started, so an embedder racing
// Start/Stop against event delivery sees events silently dropped rather
// than panicking.
func (p *Profiler) Hook() trace.EventSink {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil
	}
	return p.hook
}

// Dir returns the profile output directory.
func (p *Profiler) Dir() string { return p.cfg.Dir }

// Annotate opens an annotated region on osThreadID and returns a closure
// that ends it: `defer p.Annotate(tid, "region")()`. osThreadID is
// supplied by the caller rather than derived, matching trace.Event's own
// caller-supplied OSThreadID.
func (p *Profiler) Annotate(osThreadID uint64, text string) func() {
	p.mu.Lock()
	w := p.w
	p.mu.Unlock()
	if w == nil {
		return func() {}
	}
	w.Annotation(osThreadID, &text)
	return func() {
		p.mu.Lock()
		w := p.w
		p.mu.Unlock()
		if w == nil {
			return
		}
		w.Annotation(osThreadID, nil)
	}
}

// Acquire starts the profiler and returns a release func that stops it:
//
//	release, err := profiler.Acquire(cfg)
//	if err != nil { ... }
//	defer release()
func Acquire(cfg Config) (func(), error) {
	p := New(cfg)
	if err := p.Start(); err != nil {
		return nil, err
	}
	return func() { p.Stop() }, nil
}

// Run starts a Profiler over dir, invokes fn with it, and guarantees
// Stop runs even if fn panics.
func Run(dir string, lines bool, log *cslog.Logger, fn func(*Profiler) error) error {
	p := New(Config{Dir: dir, Lines: lines, Log: log})
	if err := p.Start(); err != nil {
		return err
	}
	defer p.Stop()
	return fn(p)
}
