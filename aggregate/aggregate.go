// Package aggregate computes module and annotation rollups over a
// replay.Result, plus the reporting layer's sort orderings built from
// "-"-prefixed field-name specs.
package aggregate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mcfletch/coldshot/ident"
	"github.com/mcfletch/coldshot/indexfile"
	"github.com/mcfletch/coldshot/replay"
)

// annotationModule is the pseudo-module writer.Annotation interns its
// synthetic pseudo-functions under (writer/writer.go's Annotation).
const annotationModule = "__annotation__"

// ModuleInfo is one module's rollup across all of its functions: summed
// cumulative/local/calls, the union of its functions' parents' modules,
// and an Empty flag for modules with no self-time.
type ModuleInfo struct {
	Name       string
	Cumulative uint64
	Local      uint64
	Calls      int
	Parents    map[string]struct{}
	Empty      bool
}

func newModuleInfo(name string) *ModuleInfo {
	return &ModuleInfo{Name: name, Parents: make(map[string]struct{})}
}

// Result is everything one Build call produces.
type Result struct {
	Modules map[string]*ModuleInfo

	// AnnotationNotes maps an annotation's text to the synthetic CallInfo
	// node writer.Annotation bracketed.
	AnnotationNotes map[string]*replay.CallInfo
}

// Build computes module rollups and annotation notes from a replayed log.
// idx supplies the module/name metadata replay.Result's ids alone don't
// carry.
func Build(idx *indexfile.Index, rep *replay.Result) *Result {
	res := &Result{
		Modules:         make(map[string]*ModuleInfo),
		AnnotationNotes: make(map[string]*replay.CallInfo),
	}

	for fid, fi := range rep.Functions {
		meta, ok := idx.Functions[fid]
		if !ok {
			continue
		}
		mod := res.Modules[meta.Module]
		if mod == nil {
			mod = newModuleInfo(meta.Module)
			res.Modules[meta.Module] = mod
		}
		mod.Cumulative += fi.Cumulative
		mod.Local += fi.Local
		mod.Calls += fi.Calls
		for parentID := range fi.Parents {
			if parentMeta, ok := idx.Functions[parentID]; ok {
				mod.Parents[parentMeta.Module] = struct{}{}
			}
		}
	}
	for _, mod := range res.Modules {
		mod.Empty = mod.Local == 0
	}

	// Annotation pseudo-functions are always in the loader's retain
	// filter, so every annotated region has a retained CallInfo in its
	// function's IndividualCalls regardless of whether the surrounding
	// frames made it into the root tree. Keyed by the annotation's text
	// (the pseudo-function's name), last region wins on reuse.
	for fid, fi := range rep.Functions {
		meta, ok := idx.Functions[fid]
		if !ok || meta.Module != annotationModule {
			continue
		}
		for _, ci := range fi.IndividualCalls {
			res.AnnotationNotes[meta.Name] = ci
		}
	}

	return res
}

// Row is one function's reporting-table row, the flattened shape table
// printers consume.
type Row struct {
	Function   ident.FuncId
	Module     string
	Name       string
	File       string
	Calls      int
	Cumulative uint64
	Local      uint64
}

// Rows builds one Row per function the replay observed.
func Rows(idx *indexfile.Index, rep *replay.Result) []Row {
	rows := make([]Row, 0, len(rep.Functions))
	for fid, fi := range rep.Functions {
		meta := idx.Functions[fid]
		rows = append(rows, Row{
			Function:   fid,
			Module:     meta.Module,
			Name:       meta.Name,
			File:       idx.Files[meta.File],
			Calls:      fi.Calls,
			Cumulative: fi.Cumulative,
			Local:      fi.Local,
		})
	}
	return rows
}

type fieldCmp func(a, b Row) int

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

var sortFields = map[string]fieldCmp{
	"calls":      func(a, b Row) int { return cmpInt(a.Calls, b.Calls) },
	"cumulative": func(a, b Row) int { return cmpUint(a.Cumulative, b.Cumulative) },
	"local":      func(a, b Row) int { return cmpUint(a.Local, b.Local) },
	"module":     func(a, b Row) int { return strings.Compare(a.Module, b.Module) },
	"name":       func(a, b Row) int { return strings.Compare(a.Name, b.Name) },
}

// SortKey builds a row sorter from a list of field names, each
// optionally "-"-prefixed for descending order ("-cumulative" sorts by
// descending cumulative time). Ties fall through to the next field, in
// order.
func SortKey(spec []string) (func(rows []Row), error) {
	type term struct {
		cmp  fieldCmp
		desc bool
	}
	terms := make([]term, 0, len(spec))
	for _, key := range spec {
		desc := false
		name := key
		if strings.HasPrefix(name, "-") {
			desc = true
			name = name[1:]
		}
		cmp, ok := sortFields[name]
		if !ok {
			return nil, fmt.Errorf("aggregate: unknown sort field %q", name)
		}
		terms = append(terms, term{cmp: cmp, desc: desc})
	}
	return func(rows []Row) {
		sort.SliceStable(rows, func(i, j int) bool {
			for _, t := range terms {
				c := t.cmp(rows[i], rows[j])
				if c == 0 {
					continue
				}
				if t.desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}, nil
}
