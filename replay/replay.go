// Package replay reconstructs call trees and per-function aggregates
// from the calls/lines event files by treating each thread's record
// sequence as a push-down automaton: calls push, returns pop, and line
// transitions charge time to the line the frame was sitting on.
package replay

import (
	"sort"

	"github.com/mcfletch/coldshot/eventfile"
	"github.com/mcfletch/coldshot/ident"
	"github.com/mcfletch/coldshot/internal/cslog"
	"github.com/mcfletch/coldshot/wire"
)

// LineStat is one source line's accumulated time and visit count.
type LineStat struct {
	Time  uint64
	Calls int
}

// FunctionInfo is one function's replay-time aggregate. Parents/Children
// are id sets, not owning pointers: a self-recursive function is its own
// parent, so the relationship graph is cyclic and cross-links must not
// own their targets.
type FunctionInfo struct {
	ID         ident.FuncId
	Cumulative uint64
	Local      uint64
	Calls      int
	Parents    map[ident.FuncId]struct{}
	Children   map[ident.FuncId]struct{}
	LineMap    map[uint16]*LineStat

	// IndividualCalls holds the retained CallInfo node for every call of
	// this function the RetainFilter selected. Empty unless the function
	// was in the filter.
	IndividualCalls []*CallInfo
}

func newFunctionInfo(id ident.FuncId) *FunctionInfo {
	return &FunctionInfo{
		ID:       id,
		Parents:  make(map[ident.FuncId]struct{}),
		Children: make(map[ident.FuncId]struct{}),
		LineMap:  make(map[uint16]*LineStat),
	}
}

func (fi *FunctionInfo) lineStat(line uint16) *LineStat {
	ls, ok := fi.LineMap[line]
	if !ok {
		ls = &LineStat{}
		fi.LineMap[line] = ls
	}
	return ls
}

// CallInfo is one call-tree node. Children holds only the nodes
// RetainFilter chose to keep; Cumulative/Local are always computed
// regardless of retention, since those feed FunctionInfo's aggregates.
type CallInfo struct {
	Function   ident.FuncId
	Thread     ident.ThreadId
	Start      uint64
	StartIndex int
	Stop       uint64
	StopIndex  int
	Cumulative uint64
	Local      uint64
	Parent     *CallInfo
	Children   []*CallInfo

	childCumSum uint64
	lineOpen    bool
	prevLine    uint16
	lastLineTS  uint64
}

// RootFuncId is the synthetic ("*","*") root function's id. ident
// reserves 0 to mean "no function", which is exactly the root's meaning:
// it was never interned because it is not a real traced function.
const RootFuncId ident.FuncId = 0

// RetainFilter decides whether a function's calls keep their full
// call-tree nodes. FunctionInfo-level aggregates are always maintained
// regardless of this decision — only the memory-heavy per-call tree is
// gated.
type RetainFilter func(fn ident.FuncId) bool

// RetainAll keeps every call's node in the exposed tree
// (memory-expensive for large logs).
func RetainAll(ident.FuncId) bool { return true }

// RetainNone exposes no individual CallInfo nodes below the root,
// keeping only FunctionInfo aggregates. Cheapest memory-wise for large
// logs.
func RetainNone(ident.FuncId) bool { return false }

// Counters tallies soft errors: stray returns and clock inversions are
// logged and counted, not fatal to replay.
type Counters struct {
	UnbalancedReturns int
	ClockInversions   int
}

// Result is everything one Apply call produces. Root is the synthetic
// ("*","*") function's node; it receives exactly one child per thread,
// and Roots indexes those same children by thread.
type Result struct {
	Root      *CallInfo
	Roots     map[ident.ThreadId]*CallInfo
	Functions map[ident.FuncId]*FunctionInfo
	Counters  Counters
}

func (r *Result) functionInfo(fn ident.FuncId) *FunctionInfo {
	fi, ok := r.Functions[fn]
	if !ok {
		fi = newFunctionInfo(fn)
		r.Functions[fn] = fi
	}
	return fi
}

type eventKind uint8

const (
	evCall eventKind = iota
	evReturn
	evLine
)

type mergedEvent struct {
	kind eventKind
	ts   uint64
	fn   ident.FuncId
	line uint16
	idx  int
}

// epochTracker extends a thread's truncated 32-bit on-disk timestamps to
// 64 bits by counting wraparounds. A decrease in the truncated value is
// either a wraparound or a small cross-thread clock inversion; only a
// decrease spanning more than half the 32-bit range is a wrap. Small
// inversions pass through undisturbed so the replay can clamp and count
// them.
type epochTracker struct {
	lastLow uint32
	epoch   uint64
	seen    bool
}

func (e *epochTracker) extend(low uint32) uint64 {
	if e.seen && low < e.lastLow && e.lastLow-low > 1<<31 {
		e.epoch++
	}
	e.seen = true
	e.lastLow = low
	return e.epoch<<32 | uint64(low)
}

// Apply replays calls (required) and lines (optional — pass nil when the
// profile has no lines file) into call trees and aggregates. retain may
// be nil, defaulting to RetainAll.
func Apply(calls *eventfile.CallsFile, lines *eventfile.LinesFile, retain RetainFilter, log *cslog.Logger) *Result {
	if retain == nil {
		retain = RetainAll
	}
	if log == nil {
		log = cslog.Nop()
	}

	callsByThread := make(map[uint16][]mergedEvent)
	linesByThread := make(map[uint16][]mergedEvent)

	callEpochs := make(map[uint16]*epochTracker)
	for i := 0; i < calls.Len(); i++ {
		rec := calls.At(i)
		ep, ok := callEpochs[rec.Thread]
		if !ok {
			ep = &epochTracker{}
			callEpochs[rec.Thread] = ep
		}
		ts := ep.extend(rec.Timestamp)
		kind := evCall
		if rec.Tag == wire.TagReturn {
			kind = evReturn
		}
		callsByThread[rec.Thread] = append(callsByThread[rec.Thread], mergedEvent{
			kind: kind, ts: ts, fn: ident.FuncId(rec.Func), line: rec.Line, idx: i,
		})
	}

	if lines != nil {
		lineEpochs := make(map[uint16]*epochTracker)
		for i := 0; i < lines.Len(); i++ {
			rec := lines.At(i)
			ep, ok := lineEpochs[rec.Thread]
			if !ok {
				ep = &epochTracker{}
				lineEpochs[rec.Thread] = ep
			}
			ts := ep.extend(rec.Timestamp)
			linesByThread[rec.Thread] = append(linesByThread[rec.Thread], mergedEvent{
				kind: evLine, ts: ts, line: rec.Line, idx: i,
			})
		}
	}

	result := &Result{
		Root:      &CallInfo{Function: RootFuncId},
		Roots:     make(map[ident.ThreadId]*CallInfo),
		Functions: make(map[ident.FuncId]*FunctionInfo),
	}

	threadIDs := make([]uint16, 0, len(callsByThread))
	for tid := range callsByThread {
		threadIDs = append(threadIDs, tid)
	}
	for tid := range linesByThread {
		if _, ok := callsByThread[tid]; !ok {
			threadIDs = append(threadIDs, tid)
		}
	}
	sort.Slice(threadIDs, func(i, j int) bool { return threadIDs[i] < threadIDs[j] })

	for _, tid := range threadIDs {
		// Within a thread, each stream's record order IS its event
		// order, and timestamps may tie or even invert — so the streams
		// are merged by reconstructed timestamp without ever reordering
		// either stream against itself. Ties prefer the call/return
		// over the line record, since a line transition can never be
		// logically ahead of the call that entered the function it
		// describes.
		result.replayThread(ident.ThreadId(tid), mergeStreams(callsByThread[tid], linesByThread[tid]), retain, log)
	}
	return result
}

func mergeStreams(calls, lines []mergedEvent) []mergedEvent {
	if len(lines) == 0 {
		return calls
	}
	out := make([]mergedEvent, 0, len(calls)+len(lines))
	i, j := 0, 0
	for i < len(calls) && j < len(lines) {
		if calls[i].ts <= lines[j].ts {
			out = append(out, calls[i])
			i++
		} else {
			out = append(out, lines[j])
			j++
		}
	}
	out = append(out, calls[i:]...)
	out = append(out, lines[j:]...)
	return out
}

func (r *Result) replayThread(tid ident.ThreadId, events []mergedEvent, retain RetainFilter, log *cslog.Logger) {
	threadRoot := &CallInfo{Function: RootFuncId, Thread: tid, Parent: r.Root}
	r.Root.Children = append(r.Root.Children, threadRoot)
	r.Roots[tid] = threadRoot

	stack := []*CallInfo{threadRoot}
	top := func() *CallInfo { return stack[len(stack)-1] }

	// retainDepth counts open frames of filtered functions: while any
	// enclosing frame is retained, every node beneath it stays linked so
	// the retained ancestor's subtree comes out whole, not just the
	// nodes whose own keys matched the filter.
	retainDepth := 0

	lastTS := uint64(0)
	firstTS := uint64(0)
	if len(events) > 0 {
		firstTS = events[0].ts
	}

	flushFrameLine := func(ci *CallInfo, now uint64) {
		if ci.Function == RootFuncId || !ci.lineOpen {
			return
		}
		fi := r.functionInfo(ci.Function)
		ls := fi.lineStat(ci.prevLine)
		if now > ci.lastLineTS {
			ls.Time += now - ci.lastLineTS
		}
		ci.lineOpen = false
	}

	closeCall := func(ci *CallInfo, stopTS uint64, stopIdx int) {
		ci.Stop = stopTS
		ci.StopIndex = stopIdx
		if ci.Stop >= ci.Start {
			ci.Cumulative = ci.Stop - ci.Start
		} else {
			r.Counters.ClockInversions++
			log.Warn("clock inversion", cslog.Int("thread", int(tid)), cslog.Int("func", int(ci.Function)))
			ci.Cumulative = 0
		}
		if ci.Cumulative >= ci.childCumSum {
			ci.Local = ci.Cumulative - ci.childCumSum
		} else {
			ci.Local = 0
		}

		parent := ci.Parent
		parent.childCumSum += ci.Cumulative

		fi := r.functionInfo(ci.Function)
		fi.Calls++
		fi.Cumulative += ci.Cumulative
		fi.Local += ci.Local

		if retain(ci.Function) {
			retainDepth--
			fi.IndividualCalls = append(fi.IndividualCalls, ci)
		}

		if parent.Function != RootFuncId {
			fi.Parents[parent.Function] = struct{}{}
			r.functionInfo(parent.Function).Children[ci.Function] = struct{}{}
		}
	}

	for _, ev := range events {
		lastTS = ev.ts
		switch ev.kind {
		case evCall:
			parent := top()
			ci := &CallInfo{Function: ev.fn, Thread: tid, Start: ev.ts, StartIndex: ev.idx, Parent: parent}
			if retainDepth > 0 || retain(ev.fn) {
				parent.Children = append(parent.Children, ci)
			}
			if retain(ev.fn) {
				retainDepth++
			}
			stack = append(stack, ci)

		case evReturn:
			if len(stack) == 1 {
				r.Counters.UnbalancedReturns++
				log.Warn("unbalanced return", cslog.Int("thread", int(tid)))
				continue
			}
			ci := top()
			flushFrameLine(ci, ev.ts)
			stack = stack[:len(stack)-1]
			closeCall(ci, ev.ts, ev.idx)

		case evLine:
			ci := top()
			if ci.Function == RootFuncId {
				continue
			}
			flushFrameLine(ci, ev.ts)
			r.functionInfo(ci.Function).lineStat(ev.line).Calls++
			ci.prevLine = ev.line
			ci.lastLineTS = ev.ts
			ci.lineOpen = true
		}
	}

	// Any calls still open at end-of-log are closed synthetically at the
	// last observed timestamp — a safety net independent of
	// writer.Close's own synthesized returns, for logs loaded from a run
	// that never closed cleanly.
	for len(stack) > 1 {
		ci := top()
		flushFrameLine(ci, lastTS)
		stack = stack[:len(stack)-1]
		closeCall(ci, lastTS, -1)
	}

	// The per-thread root is not a traced function (FuncId 0 is never
	// interned), so it bypasses closeCall: it just spans the thread's
	// observed event range.
	threadRoot.Start = firstTS
	threadRoot.Stop = lastTS
	if lastTS >= firstTS {
		threadRoot.Cumulative = lastTS - firstTS
	}
	if threadRoot.Cumulative >= threadRoot.childCumSum {
		threadRoot.Local = threadRoot.Cumulative - threadRoot.childCumSum
	}
	r.Root.childCumSum += threadRoot.Cumulative
}
