// Package writer implements the on-line hot path's output side. A Writer
// owns a directory and three append-only streams — index.coldshot
// (ASCII), calls and lines (fixed-width binary) — and a small per-thread
// append buffer that gets flushed into the shared mmap'd stream under a
// short-held lock. The Writer owns its streams and the id interner for
// the life of the trace.
package writer

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/mcfletch/coldshot/clock"
	"github.com/mcfletch/coldshot/ident"
	"github.com/mcfletch/coldshot/internal/cserr"
	"github.com/mcfletch/coldshot/internal/cslog"
	"github.com/mcfletch/coldshot/mmapfile"
	"github.com/mcfletch/coldshot/wire"
)

const (
	// IndexFilename is the ASCII sidecar file name.
	IndexFilename = "index.coldshot"
	// CallsFilename is the calls binary stream file name.
	CallsFilename = "calls"
	// LinesFilename is the lines binary stream file name.
	LinesFilename = "lines"

	formatVersion = 1

	// threadBufferRecords is the number of records a thread buffer holds
	// before it is flushed to the shared mmap'd stream.
	threadBufferRecords = 64

	initialStreamSize = 64 * 1024
)

// openFrame is one entry in a thread's open-call stack, kept so Close can
// synthesize a matching return for every call still open when tracing
// stops.
type openFrame struct {
	fn   ident.FuncId
	line uint16
}

// threadBuffer is one thread's append buffer. Only the owning thread
// appends to it in the steady state; Close/UnregisterThread may flush it
// from another goroutine, so a mutex guards it.
type threadBuffer struct {
	mu    sync.Mutex
	id    ident.ThreadId
	osID  uint64
	calls []byte
	lines []byte
	open  []openFrame

	// line-tracing state: the line most recently entered and when. Close
	// emits no line record for it; replay ends the open segment at the
	// frame's return.
	curLine    uint16
	lastLineTS uint64
	lineOpen   bool
}

// Writer owns a profile directory and its three output streams.
type Writer struct {
	dir string

	interner *ident.Interner
	clock    *clock.Clock
	log      *cslog.Logger
	order    binary.ByteOrder

	lineTracing bool

	indexMu  sync.Mutex
	indexF   *os.File
	indexBuf *bufio.Writer

	streamMu    sync.Mutex
	calls       *mmapfile.Writable
	callsOffset int64
	lines       *mmapfile.Writable
	linesOffset int64

	threadsMu sync.Mutex
	threads   map[uint64]*threadBuffer

	annoMu  sync.Mutex
	anno    *openFrame
	annoOSI uint64
	annoSet bool

	// disabled gates the event paths: set by Close and by the first I/O
	// failure (the sticky error). closed only guards Close's
	// own idempotence, so a writer disabled by an I/O failure can still
	// be Closed to release its file handles and keep the data already
	// flushed.
	disabled int32
	closed   int32
	sticky   atomic.Value // error
}

// Open creates (truncating) the three output files in dir and writes the
// index prefix line. lineTracing enables the lines
// stream; when false, Line events are accepted but dropped cheaply.
func Open(dir string, lineTracing bool, log *cslog.Logger) (*Writer, error) {
	if log == nil {
		log = cslog.Nop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, cserr.IoError(err, "create profile directory")
	}

	indexF, err := os.OpenFile(filepath.Join(dir, IndexFilename), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, cserr.IoError(err, "create index file")
	}

	calls, err := mmapfile.OpenWritable(filepath.Join(dir, CallsFilename), initialStreamSize)
	if err != nil {
		indexF.Close()
		return nil, cserr.IoError(err, "create calls file")
	}
	lines, err := mmapfile.OpenWritable(filepath.Join(dir, LinesFilename), initialStreamSize)
	if err != nil {
		indexF.Close()
		calls.Close()
		return nil, cserr.IoError(err, "create lines file")
	}

	w := &Writer{
		dir:         dir,
		clock:       clock.New(),
		log:         log,
		order:       wire.NativeByteOrder,
		lineTracing: lineTracing,
		indexF:      indexF,
		indexBuf:    bufio.NewWriter(indexF),
		calls:       calls,
		lines:       lines,
		threads:     make(map[uint64]*threadBuffer),
	}
	w.interner = ident.New(w)

	if err := w.writePrefix(); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) writePrefix() error {
	witness := wire.EndiannessWitness(w.order)
	w.indexMu.Lock()
	defer w.indexMu.Unlock()
	if _, err := fmt.Fprintf(w.indexBuf, "P COLDSHOTBinary v%d ", formatVersion); err != nil {
		return w.ioFail(err, "write index prefix")
	}
	if _, err := w.indexBuf.Write(witness[:]); err != nil {
		return w.ioFail(err, "write index prefix witness")
	}
	if _, err := w.indexBuf.WriteString("\n"); err != nil {
		return w.ioFail(err, "write index prefix newline")
	}
	return w.ioFail(w.indexBuf.Flush(), "flush index prefix")
}

func (w *Writer) ioFail(err error, context string) error {
	if err == nil {
		return nil
	}
	wrapped := cserr.IoError(err, context)
	w.sticky.Store(error(wrapped))
	atomic.StoreInt32(&w.disabled, 1)
	w.log.Error("writer io failure, tracing disabled", cslog.String("context", context), cslog.Err(err))
	return wrapped
}

// Err returns the writer's sticky error, if tracing has been disabled by
// an I/O failure.
func (w *Writer) Err() error {
	if v := w.sticky.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (w *Writer) isClosed() bool {
	return atomic.LoadInt32(&w.disabled) != 0
}

// EmitFile implements ident.Emitter, writing an "F" index record.
func (w *Writer) EmitFile(id ident.FileId, path string) error {
	w.indexMu.Lock()
	defer w.indexMu.Unlock()
	_, err := fmt.Fprintf(w.indexBuf, "F %d %s\n", id, wire.EscapeIndexField(path))
	if err == nil {
		err = w.indexBuf.Flush()
	}
	return w.ioFail(err, "write file index record")
}

// EmitFunc implements ident.Emitter, writing an "f" index record. module
// is carried as its own field so the reverse function-name lookup and
// module rollups can key on (module, name) instead of losing module on
// reload.
func (w *Writer) EmitFunc(id ident.FuncId, file ident.FileId, declaredLine int, module, name string) error {
	w.indexMu.Lock()
	defer w.indexMu.Unlock()
	_, err := fmt.Fprintf(w.indexBuf, "f %d %d %d %s %s\n", id, file, declaredLine, wire.EscapeIndexField(module), wire.EscapeIndexField(name))
	if err == nil {
		err = w.indexBuf.Flush()
	}
	return w.ioFail(err, "write func index record")
}

// InternFile interns a source file path, emitting its index record on
// first sighting.
func (w *Writer) InternFile(path string) (ident.FileId, error) {
	return w.interner.InternFile(path)
}

// InternFunc interns a function key, emitting its index record on first
// sighting.
func (w *Writer) InternFunc(key ident.FuncKey, file ident.FileId) (ident.FuncId, error) {
	return w.interner.InternFunc(key, file)
}

// Now returns the writer's monotonic tick clock reading.
func (w *Writer) Now() uint64 {
	return w.clock.Now()
}

func (w *Writer) threadBufferFor(osThreadID uint64) (*threadBuffer, error) {
	w.threadsMu.Lock()
	defer w.threadsMu.Unlock()
	tb, ok := w.threads[osThreadID]
	if ok {
		return tb, nil
	}
	tb = &threadBuffer{
		id:   w.interner.InternThread(osThreadID),
		osID: osThreadID,
	}
	w.threads[osThreadID] = tb
	return tb, nil
}

// RegisterThread attaches a compact ThreadId to an OS thread identity on
// first sighting. Callers need not invoke this explicitly — Call/Return/
// Line register lazily — but an embedder wiring platform thread-local
// storage can call it up front.
func (w *Writer) RegisterThread(osThreadID uint64) (ident.ThreadId, error) {
	if w.isClosed() {
		return 0, cserr.TraceSourceUnavailable("writer is closed")
	}
	tb, err := w.threadBufferFor(osThreadID)
	if err != nil {
		return 0, err
	}
	return tb.id, nil
}

// UnregisterThread flushes osThreadID's pending buffer and synthesizes
// return records for any calls still open on it, then drops the
// in-memory bookkeeping for that thread (the ThreadId itself is never
// reused). This is the cleanup to run when a traced thread dies.
func (w *Writer) UnregisterThread(osThreadID uint64) error {
	w.threadsMu.Lock()
	tb, ok := w.threads[osThreadID]
	if ok {
		delete(w.threads, osThreadID)
	}
	w.threadsMu.Unlock()
	if !ok {
		return nil
	}
	return w.closeThread(tb)
}

func (w *Writer) closeThread(tb *threadBuffer) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := w.clock.Now()
	for len(tb.open) > 0 {
		frame := tb.open[len(tb.open)-1]
		tb.open = tb.open[:len(tb.open)-1]
		rec := wire.CallRecord{Tag: wire.TagReturn, Thread: uint16(tb.id), Func: uint32(frame.fn), Line: frame.line, Timestamp: uint32truncate(now)}
		buf := make([]byte, wire.RecordSize)
		rec.Encode(buf, w.order)
		tb.calls = append(tb.calls, buf...)
	}
	if err := w.flushThreadLocked(tb); err != nil {
		return err
	}
	return nil
}

// flushThreadLocked appends tb's pending bytes into the shared mmap'd
// streams under the writer's stream lock and clears the buffers. Caller
// must hold tb.mu.
func (w *Writer) flushThreadLocked(tb *threadBuffer) error {
	if len(tb.calls) == 0 && len(tb.lines) == 0 {
		return nil
	}
	w.streamMu.Lock()
	defer w.streamMu.Unlock()
	if len(tb.calls) > 0 {
		if err := w.calls.WriteAt(tb.calls, w.callsOffset); err != nil {
			return w.ioFail(err, "flush calls buffer")
		}
		w.callsOffset += int64(len(tb.calls))
		tb.calls = tb.calls[:0]
	}
	if len(tb.lines) > 0 {
		if err := w.lines.WriteAt(tb.lines, w.linesOffset); err != nil {
			return w.ioFail(err, "flush lines buffer")
		}
		w.linesOffset += int64(len(tb.lines))
		tb.lines = tb.lines[:0]
	}
	return nil
}

func (w *Writer) appendCall(tb *threadBuffer, rec wire.CallRecord) error {
	buf := make([]byte, wire.RecordSize)
	rec.Encode(buf, w.order)
	tb.calls = append(tb.calls, buf...)
	if len(tb.calls) >= threadBufferRecords*wire.RecordSize {
		return w.flushThreadLocked(tb)
	}
	return nil
}

// flushLineSegment emits a line record marking the segment tb is
// currently inside. Per-line time accumulation happens at replay, reading
// what was written here; the writer only emits transition markers.
func (w *Writer) flushLineSegment(tb *threadBuffer, line uint16, now uint64) {
	rec := wire.LineRecord{Thread: uint16(tb.id), Line: line, Timestamp: uint32truncate(now)}
	buf := make([]byte, wire.RecordSize)
	rec.Encode(buf, w.order)
	tb.lines = append(tb.lines, buf...)
	if len(tb.lines) >= threadBufferRecords*wire.RecordSize {
		w.flushThreadLocked(tb)
	}
}

func uint32truncate(v uint64) uint32 {
	return uint32(v)
}

// Call appends a call record for fn on osThreadID. line is the
// function's entry line.
func (w *Writer) Call(osThreadID uint64, fn ident.FuncId, line uint16, ts uint64) error {
	if w.isClosed() {
		return nil
	}
	tb, err := w.threadBufferFor(osThreadID)
	if err != nil {
		return err
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.open = append(tb.open, openFrame{fn: fn, line: line})
	return w.appendCall(tb, wire.CallRecord{Tag: wire.TagCall, Thread: uint16(tb.id), Func: uint32(fn), Line: line, Timestamp: uint32truncate(ts)})
}

// Return appends a return record for fn on osThreadID. line is the line
// being returned from.
func (w *Writer) Return(osThreadID uint64, fn ident.FuncId, line uint16, ts uint64) error {
	if w.isClosed() {
		return nil
	}
	tb, err := w.threadBufferFor(osThreadID)
	if err != nil {
		return err
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if len(tb.open) > 0 {
		tb.open = tb.open[:len(tb.open)-1]
	}
	return w.appendCall(tb, wire.CallRecord{Tag: wire.TagReturn, Thread: uint16(tb.id), Func: uint32(fn), Line: line, Timestamp: uint32truncate(ts)})
}

// Line appends a record for osThreadID's transition onto a new source
// line, if line tracing was enabled at Open.
func (w *Writer) Line(osThreadID uint64, line uint16, ts uint64) error {
	if !w.lineTracing || w.isClosed() {
		return nil
	}
	tb, err := w.threadBufferFor(osThreadID)
	if err != nil {
		return err
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.lineOpen = true
	tb.curLine = line
	tb.lastLineTS = ts
	w.flushLineSegment(tb, line, ts)
	if len(tb.lines) >= threadBufferRecords*wire.RecordSize {
		return w.flushThreadLocked(tb)
	}
	return nil
}

// Annotation interns text as a pseudo-function and emits a synthetic call
// opening an annotated region on osThreadID. Passing a nil text closes
// the currently open annotation, if any.
func (w *Writer) Annotation(osThreadID uint64, text *string) error {
	if w.isClosed() {
		return nil
	}
	w.annoMu.Lock()
	defer w.annoMu.Unlock()

	if text == nil {
		if !w.annoSet {
			return nil
		}
		frame := *w.anno
		w.annoSet = false
		w.anno = nil
		return w.Return(w.annoOSI, frame.fn, frame.line, w.clock.Now())
	}

	if w.annoSet {
		// Only one annotation is open at a time; close the previous one
		// before opening the new one.
		frame := *w.anno
		if err := w.Return(w.annoOSI, frame.fn, frame.line, w.clock.Now()); err != nil {
			return err
		}
	}
	fn, err := w.InternFunc(ident.FuncKey{Module: "__annotation__", Name: *text, DeclaredLine: 0}, 0)
	if err != nil {
		return err
	}
	now := w.clock.Now()
	if err := w.Call(osThreadID, fn, 0, now); err != nil {
		return err
	}
	w.anno = &openFrame{fn: fn, line: 0}
	w.annoOSI = osThreadID
	w.annoSet = true
	return nil
}

// Close synthesizes return records for every thread's still-open calls,
// flushes and closes every file handle. Idempotent: a second call is a
// no-op.
func (w *Writer) Close() error {
	if !atomic.CompareAndSwapInt32(&w.closed, 0, 1) {
		return nil
	}
	atomic.StoreInt32(&w.disabled, 1)

	w.threadsMu.Lock()
	threads := make([]*threadBuffer, 0, len(w.threads))
	for _, tb := range w.threads {
		threads = append(threads, tb)
	}
	w.threadsMu.Unlock()

	var firstErr error
	for _, tb := range threads {
		if err := w.closeThread(tb); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := w.calls.Flush(); err != nil && firstErr == nil {
		firstErr = cserr.IoError(err, "flush calls stream")
	}
	if err := w.calls.Truncate(w.callsOffset); err != nil && firstErr == nil {
		firstErr = cserr.IoError(err, "truncate calls stream")
	}
	if err := w.calls.Close(); err != nil && firstErr == nil {
		firstErr = cserr.IoError(err, "close calls stream")
	}

	if err := w.lines.Flush(); err != nil && firstErr == nil {
		firstErr = cserr.IoError(err, "flush lines stream")
	}
	if err := w.lines.Truncate(w.linesOffset); err != nil && firstErr == nil {
		firstErr = cserr.IoError(err, "truncate lines stream")
	}
	if err := w.lines.Close(); err != nil && firstErr == nil {
		firstErr = cserr.IoError(err, "close lines stream")
	}

	w.indexMu.Lock()
	if err := w.indexBuf.Flush(); err != nil && firstErr == nil {
		firstErr = cserr.IoError(err, "flush index file")
	}
	if err := w.indexF.Close(); err != nil && firstErr == nil {
		firstErr = cserr.IoError(err, "close index file")
	}
	w.indexMu.Unlock()

	return firstErr
}

// Dir returns the profile directory this writer owns.
func (w *Writer) Dir() string { return w.dir }

// ByteOrder returns the native byte order records were encoded with, for
// readers (eventfile) opening this writer's streams directly in tests.
func (w *Writer) ByteOrder() binary.ByteOrder { return w.order }
