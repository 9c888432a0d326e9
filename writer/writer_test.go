package writer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mcfletch/coldshot/ident"
	"github.com/mcfletch/coldshot/wire"
)

func open(t *testing.T, lines bool) *Writer {
	t.Helper()
	dir := t.TempDir()
	w, err := Open(dir, lines, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return w
}

func readAll(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s): %v", path, err)
	}
	return data
}

func TestPrefixWritten(t *testing.T) {
	w := open(t, false)
	dir := w.Dir()
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data := readAll(t, filepath.Join(dir, IndexFilename))
	want := "P COLDSHOTBinary v1 "
	if len(data) < len(want) || string(data[:len(want)]) != want {
		t.Fatalf("unexpected prefix: %q", data)
	}
}

func TestFileAndFuncIndexRecords(t *testing.T) {
	w := open(t, false)
	dir := w.Dir()
	fileID, err := w.InternFile("Boo hoo")
	if err != nil {
		t.Fatalf("InternFile: %v", err)
	}
	funcID, err := w.InternFunc(ident.FuncKey{Module: "m", Name: "funcname", DeclaredLine: 25}, fileID)
	if err != nil {
		t.Fatalf("InternFunc: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data := string(readAll(t, filepath.Join(dir, IndexFilename)))
	if !contains(data, "F 1 Boo%20hoo\n") {
		t.Fatalf("missing file record in index: %q", data)
	}
	want := "f 1 1 25 m funcname\n"
	if !contains(data, want) {
		t.Fatalf("missing func record in index: got %q want substring %q (funcID=%d)", data, want, funcID)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}

func TestCallReturnRecordsRoundTrip(t *testing.T) {
	w := open(t, false)
	dir := w.Dir()
	if err := w.Call(1, 1, 1, 5); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if err := w.Return(1, 1, 2, 6); err != nil {
		t.Fatalf("Return: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data := readAll(t, filepath.Join(dir, CallsFilename))
	if len(data) != 2*wire.RecordSize {
		t.Fatalf("expected 2 records, got %d bytes", len(data))
	}
	rec := wire.DecodeCallRecord(data[:wire.RecordSize], w.order)
	if rec.Tag != wire.TagCall || rec.Thread != 1 || rec.Func != 1 || rec.Line != 1 || rec.Timestamp != 5 {
		t.Fatalf("unexpected call record: %+v", rec)
	}
	rec2 := wire.DecodeCallRecord(data[wire.RecordSize:], w.order)
	if rec2.Tag != wire.TagReturn || rec2.Line != 2 || rec2.Timestamp != 6 {
		t.Fatalf("unexpected return record: %+v", rec2)
	}
}

func TestCloseSynthesizesOpenReturns(t *testing.T) {
	w := open(t, false)
	dir := w.Dir()
	if err := w.Call(1, 7, 10, 1); err != nil {
		t.Fatalf("Call: %v", err)
	}
	// No matching Return before Close: Close must synthesize one.
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data := readAll(t, filepath.Join(dir, CallsFilename))
	if len(data) != 2*wire.RecordSize {
		t.Fatalf("expected call + synthesized return, got %d bytes", len(data))
	}
	ret := wire.DecodeCallRecord(data[wire.RecordSize:], w.order)
	if ret.Tag != wire.TagReturn || ret.Func != 7 || ret.Line != 10 {
		t.Fatalf("unexpected synthesized return: %+v", ret)
	}
}

func TestCloseIdempotent(t *testing.T) {
	w := open(t, false)
	dir := w.Dir()
	w.Call(1, 1, 1, 1)
	w.Return(1, 1, 1, 2)
	if err := w.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	before := readAll(t, filepath.Join(dir, CallsFilename))
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	after := readAll(t, filepath.Join(dir, CallsFilename))
	if string(before) != string(after) {
		t.Fatalf("double close mutated calls file")
	}
}

func TestLineRecords(t *testing.T) {
	w := open(t, true)
	dir := w.Dir()
	if err := w.Line(2, 25, 1); err != nil {
		t.Fatalf("Line: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data := readAll(t, filepath.Join(dir, LinesFilename))
	if len(data) != wire.RecordSize {
		t.Fatalf("expected 1 line record, got %d bytes", len(data))
	}
	rec := wire.DecodeLineRecord(data, w.order)
	if rec.Thread != 1 || rec.Line != 25 || rec.Timestamp != 1 {
		t.Fatalf("unexpected line record: %+v", rec)
	}
}

func TestLineTracingDisabledDropsLines(t *testing.T) {
	w := open(t, false)
	dir := w.Dir()
	if err := w.Line(1, 5, 1); err != nil {
		t.Fatalf("Line: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data := readAll(t, filepath.Join(dir, LinesFilename))
	if len(data) != 0 {
		t.Fatalf("expected no lines written, got %d bytes", len(data))
	}
}

func TestAnnotation(t *testing.T) {
	w := open(t, false)
	dir := w.Dir()
	text := "hello\n"
	if err := w.Annotation(1, &text); err != nil {
		t.Fatalf("Annotation open: %v", err)
	}
	if err := w.Call(1, 99, 1, 10); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if err := w.Return(1, 99, 1, 11); err != nil {
		t.Fatalf("Return: %v", err)
	}
	if err := w.Annotation(1, nil); err != nil {
		t.Fatalf("Annotation close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data := readAll(t, filepath.Join(dir, CallsFilename))
	// annotation-open call, blah call, blah return, annotation-close return
	if len(data) != 4*wire.RecordSize {
		t.Fatalf("expected 4 records, got %d bytes (%d)", len(data), len(data)/wire.RecordSize)
	}
	first := wire.DecodeCallRecord(data[:wire.RecordSize], w.order)
	if first.Tag != wire.TagCall || first.Func != 1 {
		t.Fatalf("expected annotation pseudo-func to be interned first: %+v", first)
	}
	last := wire.DecodeCallRecord(data[3*wire.RecordSize:], w.order)
	if last.Tag != wire.TagReturn || last.Func != first.Func {
		t.Fatalf("expected matching annotation close return: %+v", last)
	}
}

func TestWriterErrNilWithoutIoFailure(t *testing.T) {
	w := open(t, false)
	if w.Err() != nil {
		t.Fatalf("expected no sticky error initially: %v", w.Err())
	}
	_ = w.Close()
}
