package loader

import (
	"testing"

	"github.com/mcfletch/coldshot/ident"
	"github.com/mcfletch/coldshot/indexfile"
	"github.com/mcfletch/coldshot/writer"
)

// build drives a real Writer through fn, closes it, and returns a Loader
// positioned at the resulting directory (not yet Load()ed).
func build(t *testing.T, lines bool, fn func(w *writer.Writer)) *Loader {
	t.Helper()
	dir := t.TempDir()
	w, err := writer.Open(dir, lines, nil)
	if err != nil {
		t.Fatalf("writer.Open: %v", err)
	}
	fn(w)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return New(dir, nil, nil)
}

func TestLoadBasicCallReturn(t *testing.T) {
	var blah ident.FuncId
	ld := build(t, false, func(w *writer.Writer) {
		var err error
		blah, err = w.InternFunc(ident.FuncKey{Module: "m", Name: "blah", DeclaredLine: 3}, 0)
		if err != nil {
			t.Fatalf("InternFunc: %v", err)
		}
		w.Call(1, blah, 3, 0)
		w.Return(1, blah, 3, 100)
	})
	if err := ld.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer ld.Close()

	info := ld.Info()
	fi, ok := info.Functions[blah]
	if !ok {
		t.Fatalf("missing FunctionInfo for blah")
	}
	if fi.Calls != 1 {
		t.Fatalf("Calls = %d, want 1", fi.Calls)
	}
	if fi.Cumulative == 0 {
		t.Fatalf("Cumulative = 0, want > 0")
	}
	if fi.Module != "m" || fi.Name != "blah" {
		t.Fatalf("Module/Name = %q/%q, want m/blah", fi.Module, fi.Name)
	}

	// The default (empty) individual_calls filter keeps aggregates only:
	// the per-thread root exists but carries no retained tree.
	root, ok := info.Roots[1]
	if !ok {
		t.Fatalf("missing root for thread 1")
	}
	if len(root.Children) != 0 {
		t.Fatalf("root has %d children, want 0 under the empty filter", len(root.Children))
	}
}

func TestLoadRetainAll(t *testing.T) {
	dir := t.TempDir()
	w, err := writer.Open(dir, false, nil)
	if err != nil {
		t.Fatalf("writer.Open: %v", err)
	}
	blah, err := w.InternFunc(ident.FuncKey{Module: "m", Name: "blah", DeclaredLine: 3}, 0)
	if err != nil {
		t.Fatalf("InternFunc: %v", err)
	}
	w.Call(1, blah, 3, 0)
	w.Return(1, blah, 3, 100)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ld := New(dir, map[indexfile.FuncKey]struct{}{AllCalls: {}}, nil)
	if err := ld.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer ld.Close()

	root := ld.Replay.Roots[1]
	if root == nil || len(root.Children) != 1 || root.Children[0].Function != blah {
		t.Fatalf("expected blah under the thread root with AllCalls: %+v", root)
	}
}

func TestLoadIndividualCallsFilter(t *testing.T) {
	dir := t.TempDir()
	w, err := writer.Open(dir, false, nil)
	if err != nil {
		t.Fatalf("writer.Open: %v", err)
	}
	blah, err := w.InternFunc(ident.FuncKey{Module: "m", Name: "blah", DeclaredLine: 1}, 0)
	if err != nil {
		t.Fatalf("InternFunc: %v", err)
	}
	other, err := w.InternFunc(ident.FuncKey{Module: "m", Name: "other", DeclaredLine: 1}, 0)
	if err != nil {
		t.Fatalf("InternFunc: %v", err)
	}
	w.Call(1, blah, 1, 0)
	w.Call(1, other, 1, 1)
	w.Return(1, other, 1, 2)
	w.Return(1, blah, 1, 3)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	individual := map[indexfile.FuncKey]struct{}{
		{Module: "m", Name: "blah"}: {},
	}
	ld := New(dir, individual, nil)
	if err := ld.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer ld.Close()

	root := ld.Replay.Roots[1]
	if root == nil || len(root.Children) != 1 {
		t.Fatalf("thread root should hold exactly the retained blah tree: %+v", root)
	}
	tree := root.Children[0]
	if tree.Function != blah {
		t.Fatalf("retained child is func %d, want blah=%d", tree.Function, blah)
	}
	// The whole subtree under a retained function comes out intact, so
	// other appears as blah's child even though its own key is not in
	// the filter.
	if len(tree.Children) != 1 || tree.Children[0].Function != other {
		t.Fatalf("expected other inside blah's retained subtree: %+v", tree.Children)
	}
	if got := ld.Replay.Functions[blah].IndividualCalls; len(got) != 1 {
		t.Fatalf("blah.IndividualCalls = %d, want 1", len(got))
	}
	// other's aggregate stats are tracked, but it gets no individual
	// node list of its own.
	if ld.Replay.Functions[other] == nil || ld.Replay.Functions[other].Calls != 1 {
		t.Fatalf("other's aggregate should still show 1 call")
	}
	if len(ld.Replay.Functions[other].IndividualCalls) != 0 {
		t.Fatalf("other should not be individually retained")
	}
}

func TestCallsOf(t *testing.T) {
	var blah ident.FuncId
	ld := build(t, false, func(w *writer.Writer) {
		var err error
		blah, err = w.InternFunc(ident.FuncKey{Module: "m", Name: "blah", DeclaredLine: 1}, 0)
		if err != nil {
			t.Fatalf("InternFunc: %v", err)
		}
		w.Call(1, blah, 1, 0)
		w.Return(1, blah, 1, 5)
	})
	if err := ld.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer ld.Close()

	recs := ld.CallsOf(blah)
	if len(recs) != 2 {
		t.Fatalf("CallsOf = %d records, want 2", len(recs))
	}
}

func TestFunctionNamed(t *testing.T) {
	ld := build(t, false, func(w *writer.Writer) {
		if _, err := w.InternFunc(ident.FuncKey{Module: "m", Name: "blah", DeclaredLine: 7}, 0); err != nil {
			t.Fatalf("InternFunc: %v", err)
		}
	})
	if err := ld.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer ld.Close()

	fi, ok := ld.FunctionNamed("m", "blah")
	if !ok {
		t.Fatalf("FunctionNamed(m, blah) not found")
	}
	if fi.DeclaredLine != 7 {
		t.Fatalf("DeclaredLine = %d, want 7", fi.DeclaredLine)
	}
	if _, ok := ld.FunctionNamed("m", "nope"); ok {
		t.Fatalf("FunctionNamed(m, nope) unexpectedly found")
	}
}

func TestLoadWithLines(t *testing.T) {
	var slow ident.FuncId
	ld := build(t, true, func(w *writer.Writer) {
		var err error
		slow, err = w.InternFunc(ident.FuncKey{Module: "m", Name: "slow", DeclaredLine: 1}, 0)
		if err != nil {
			t.Fatalf("InternFunc: %v", err)
		}
		w.Call(1, slow, 1, 0)
		w.Line(1, 2, 0)
		w.Line(1, 3, 1000)
		w.Return(1, slow, 3, 2000)
	})
	if err := ld.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer ld.Close()

	info := ld.Info()
	fi := info.Functions[slow]
	if fi == nil {
		t.Fatalf("missing FunctionInfo for slow")
	}
	if len(fi.LineMap) == 0 {
		t.Fatalf("LineMap is empty, want line stats")
	}
}
