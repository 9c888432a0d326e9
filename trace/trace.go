// Package trace implements the Trace Hook that receives per-event
// callbacks from an abstract trace source and turns them into writer
// records.
//
// Integration with any particular host interpreter's C API lives outside
// this module; the Source/EventSink pair is the seam an embedder
// implements. Event classification is a tagged switch over Kind rather
// than virtual dispatch, keeping per-event overhead bounded.
package trace

import (
	"github.com/mcfletch/coldshot/ident"
	"github.com/mcfletch/coldshot/internal/cslog"
	"github.com/mcfletch/coldshot/writer"
)

// Kind classifies a trace event.
type Kind uint8

const (
	KindCall Kind = iota
	KindReturn
	KindCCall
	KindCReturn
	KindLine
)

// Event is the payload a trace source delivers to a Hook for one
// occurrence. Not every field is meaningful for every Kind: File/Module/
// Name/DeclaredLine identify the function for Call/Return; NativeName/
// ReceiverType identify it for CCall/CReturn; Line carries the entry line
// (Call), the line being returned from (Return), or the new current line
// (Line).
type Event struct {
	Kind         Kind
	OSThreadID   uint64
	File         string
	Module       string
	Name         string
	DeclaredLine int
	Line         int
	NativeName   string
	ReceiverType string
}

// EventSink is what a trace source delivers events to. Hook implements
// it; tests and embedders may wrap it (e.g. to count events) as long as
// they forward to a real Hook in the end.
type EventSink interface {
	OnEvent(ev Event) error
}

// Source is the abstract trace source: a producer of Events pushed
// synchronously into an EventSink, standing in for a host interpreter's
// profile/trace callback mechanism.
type Source interface {
	Run(sink EventSink) error
}

// Hook is the hot-path event classifier: read the clock once at the very
// top, resolve ids, emit.
type Hook struct {
	w           *writer.Writer
	lineTracing bool
	log         *cslog.Logger
}

// New creates a Hook writing resolved records to w.
func New(w *writer.Writer, lineTracing bool, log *cslog.Logger) *Hook {
	if log == nil {
		log = cslog.Nop()
	}
	return &Hook{w: w, lineTracing: lineTracing, log: log}
}

// OnEvent implements EventSink. The clock is read before anything else
// so profiling overhead is charged to the event that caused it, not
// attributed to whatever ran next.
func (h *Hook) OnEvent(ev Event) error {
	now := h.w.Now()

	switch ev.Kind {
	case KindCall:
		return h.onCall(ev, now)
	case KindReturn:
		return h.onReturn(ev, now)
	case KindCCall:
		return h.onCCall(ev, now)
	case KindCReturn:
		return h.onCReturn(ev, now)
	case KindLine:
		if !h.lineTracing {
			return nil
		}
		return h.w.Line(ev.OSThreadID, uint16(ev.Line), now)
	default:
		return nil
	}
}

func (h *Hook) resolveFunc(ev Event) (ident.FuncId, error) {
	var fileID ident.FileId
	var err error
	if ev.File != "" {
		fileID, err = h.w.InternFile(ev.File)
		if err != nil {
			return 0, err
		}
	}
	key := ident.FuncKey{Module: ev.Module, Name: ev.Name, DeclaredLine: ev.DeclaredLine}
	return h.w.InternFunc(key, fileID)
}

func (h *Hook) onCall(ev Event, now uint64) error {
	fn, err := h.resolveFunc(ev)
	if err != nil {
		return err
	}
	return h.w.Call(ev.OSThreadID, fn, uint16(ev.Line), now)
}

func (h *Hook) onReturn(ev Event, now uint64) error {
	fn, err := h.resolveFunc(ev)
	if err != nil {
		return err
	}
	return h.w.Return(ev.OSThreadID, fn, uint16(ev.Line), now)
}

// syntheticModule is the module assigned to native/C calls with no
// receiver type.
const syntheticModule = "__builtin__"

func (h *Hook) onCCall(ev Event, now uint64) error {
	module := ev.ReceiverType
	if module == "" {
		module = syntheticModule
	}
	// Native calls carry no source location: file 0, declared line 0.
	key := ident.FuncKey{Module: module, Name: ev.NativeName, DeclaredLine: 0}
	fn, err := h.w.InternFunc(key, 0)
	if err != nil {
		return err
	}
	return h.w.Call(ev.OSThreadID, fn, 0, now)
}

func (h *Hook) onCReturn(ev Event, now uint64) error {
	module := ev.ReceiverType
	if module == "" {
		module = syntheticModule
	}
	key := ident.FuncKey{Module: module, Name: ev.NativeName, DeclaredLine: 0}
	fn, err := h.w.InternFunc(key, 0)
	if err != nil {
		return err
	}
	return h.w.Return(ev.OSThreadID, fn, 0, now)
}
