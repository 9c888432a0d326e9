// Package loader is the top-level offline reader: it wires indexfile,
// eventfile, replay and aggregate into one Load pass over a profile
// directory and exposes the combined result through Info.
package loader

import (
	"os"
	"path/filepath"

	"github.com/mcfletch/coldshot/aggregate"
	"github.com/mcfletch/coldshot/eventfile"
	"github.com/mcfletch/coldshot/ident"
	"github.com/mcfletch/coldshot/indexfile"
	"github.com/mcfletch/coldshot/internal/cslog"
	"github.com/mcfletch/coldshot/replay"
	"github.com/mcfletch/coldshot/wire"
	"github.com/mcfletch/coldshot/writer"
)

// AllCalls is the individual-calls sentinel ("*","*"): retain every
// call's tree node, not just per-function aggregates. Memory-expensive
// on large logs.
var AllCalls = indexfile.FuncKey{Module: "*", Name: "*"}

// FunctionInfo merges a function's index metadata with its replay-time
// aggregate.
type FunctionInfo struct {
	ID           ident.FuncId
	File         ident.FileId
	Module       string
	Name         string
	DeclaredLine int
	Calls        int
	Cumulative   uint64
	Local        uint64
	LineMap      map[uint16]replay.LineStat
	Parents      map[ident.FuncId]struct{}
	Children     map[ident.FuncId]struct{}

	// IndividualCalls is the retained call-tree node list for functions
	// named in the loader's individual_calls filter and for annotation
	// pseudo-functions, which are always retained; nil otherwise.
	IndividualCalls []*replay.CallInfo
}

// Info is the root container of the loaded profile: files, functions,
// function names, per-thread roots, annotation notes and module rollups,
// everything a reporter or tree browser needs.
type Info struct {
	Files           map[ident.FileId]string
	Functions       map[ident.FuncId]*FunctionInfo
	FunctionNames   map[indexfile.FuncKey]ident.FuncId
	Roots           map[ident.ThreadId]*replay.CallInfo
	AnnotationNotes map[string]*replay.CallInfo
	Modules         map[string]*aggregate.ModuleInfo
	Counters        replay.Counters
}

// Loader mmaps a profile directory's index+calls+lines and replays the
// call tree on Load. Not safe for concurrent use; one goroutine per
// Loader.
type Loader struct {
	dir             string
	individualCalls map[indexfile.FuncKey]struct{}
	retainAll       bool
	log             *cslog.Logger

	Index *indexfile.Index

	calls *eventfile.CallsFile
	lines *eventfile.LinesFile

	Replay    *replay.Result
	Aggregate *aggregate.Result
}

// New creates a Loader over dir. individualCalls is the set of
// (module,name) keys whose call trees are retained in full; pass nil to
// retain only per-function aggregates, or include AllCalls to retain
// every call tree. log may be nil.
func New(dir string, individualCalls map[indexfile.FuncKey]struct{}, log *cslog.Logger) *Loader {
	if log == nil {
		log = cslog.Nop()
	}
	_, retainAll := individualCalls[AllCalls]
	return &Loader{dir: dir, individualCalls: individualCalls, retainAll: retainAll, log: log}
}

// Load parses the index, opens the event files and replays the call
// tree.
func (l *Loader) Load() error {
	idx, err := indexfile.Parse(filepath.Join(l.dir, writer.IndexFilename))
	if err != nil {
		return err
	}
	l.Index = idx

	calls, err := eventfile.OpenCalls(filepath.Join(l.dir, writer.CallsFilename), idx.Order, idx.Swapped)
	if err != nil {
		return err
	}
	l.calls = calls

	linesPath := filepath.Join(l.dir, writer.LinesFilename)
	var lines *eventfile.LinesFile
	if st, statErr := os.Stat(linesPath); statErr == nil && st.Size() > 0 {
		lines, err = eventfile.OpenLines(linesPath, idx.Order, idx.Swapped)
		if err != nil {
			calls.Close()
			return err
		}
	}
	l.lines = lines

	l.Replay = replay.Apply(calls, lines, l.buildRetainFilter(), l.log)
	l.Aggregate = aggregate.Build(idx, l.Replay)
	return nil
}

// buildRetainFilter translates the (module,name)-keyed individual-calls
// filter into the FuncId-keyed replay.RetainFilter replay.Apply consumes.
// Annotation pseudo-functions are always retained regardless of the
// caller's filter, since aggregate.Build needs their call-tree nodes to
// populate AnnotationNotes.
func (l *Loader) buildRetainFilter() replay.RetainFilter {
	if l.retainAll {
		return replay.RetainAll
	}
	keep := make(map[ident.FuncId]struct{})
	for key := range l.individualCalls {
		if key == AllCalls {
			continue
		}
		if id, ok := l.Index.FunctionNames[key]; ok {
			keep[id] = struct{}{}
		}
	}
	for id, meta := range l.Index.Functions {
		if meta.Module == "__annotation__" {
			keep[id] = struct{}{}
		}
	}
	return func(fn ident.FuncId) bool {
		_, ok := keep[fn]
		return ok
	}
}

// Close unmaps the Event Files. Safe to call even if Load returned an
// error partway through.
func (l *Loader) Close() error {
	var firstErr error
	if l.lines != nil {
		if err := l.lines.Close(); err != nil {
			firstErr = err
		}
	}
	if l.calls != nil {
		if err := l.calls.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Info assembles the public view from the parsed index and the
// replay/aggregate results.
func (l *Loader) Info() *Info {
	info := &Info{
		Files:           l.Index.Files,
		Functions:       make(map[ident.FuncId]*FunctionInfo, len(l.Replay.Functions)),
		FunctionNames:   l.Index.FunctionNames,
		Roots:           l.Replay.Roots,
		AnnotationNotes: l.Aggregate.AnnotationNotes,
		Modules:         l.Aggregate.Modules,
		Counters:        l.Replay.Counters,
	}

	for fid, fi := range l.Replay.Functions {
		meta := l.Index.Functions[fid]
		info.Functions[fid] = &FunctionInfo{
			ID:              fid,
			File:            meta.File,
			Module:          meta.Module,
			Name:            meta.Name,
			DeclaredLine:    meta.DeclaredLine,
			Calls:           fi.Calls,
			Cumulative:      fi.Cumulative,
			Local:           fi.Local,
			LineMap:         lineMapValues(fi.LineMap),
			Parents:         fi.Parents,
			Children:        fi.Children,
			IndividualCalls: fi.IndividualCalls,
		}
	}

	return info
}

func lineMapValues(m map[uint16]*replay.LineStat) map[uint16]replay.LineStat {
	out := make(map[uint16]replay.LineStat, len(m))
	for line, ls := range m {
		out[line] = *ls
	}
	return out
}

// RawCalls returns the loader's underlying calls event file, for
// consumers that need to walk the raw on-disk record sequence directly.
func (l *Loader) RawCalls() *eventfile.CallsFile { return l.calls }

// CallsOf returns every calls-stream record (call and return alike)
// bearing fn's FuncId, in on-disk order.
func (l *Loader) CallsOf(fn ident.FuncId) []wire.CallRecord {
	var out []wire.CallRecord
	for i := 0; i < l.calls.Len(); i++ {
		rec := l.calls.At(i)
		if ident.FuncId(rec.Func) == fn {
			out = append(out, rec)
		}
	}
	return out
}

// FunctionNamed looks up a function by its (module,name) natural key.
func (l *Loader) FunctionNamed(module, name string) (indexfile.FuncInfo, bool) {
	id, ok := l.Index.FunctionNames[indexfile.FuncKey{Module: module, Name: name}]
	if !ok {
		return indexfile.FuncInfo{}, false
	}
	meta, ok := l.Index.Functions[id]
	return meta, ok
}
