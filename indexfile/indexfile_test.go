package indexfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mcfletch/coldshot/ident"
	"github.com/mcfletch/coldshot/writer"
)

func TestParse(t *testing.T) {
	dir := t.TempDir()
	w, err := writer.Open(dir, false, nil)
	if err != nil {
		t.Fatalf("writer.Open: %v", err)
	}
	fileID, err := w.InternFile("Boo hoo.py")
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

	idx, err := Parse(filepath.Join(dir, writer.IndexFilename))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if idx.Version != 1 {
		t.Fatalf("Version = %d, want 1", idx.Version)
	}
	if idx.Order != w.ByteOrder() || idx.Swapped {
		t.Fatalf("Order/Swapped = %v/%v, want same-endian reader", idx.Order, idx.Swapped)
	}
	if got := idx.Files[fileID]; got != "Boo hoo.py" {
		t.Fatalf("Files[%d] = %q, want %q", fileID, got, "Boo hoo.py")
	}
	if got := idx.FileIDs["Boo hoo.py"]; got != fileID {
		t.Fatalf("FileIDs round trip = %d, want %d", got, fileID)
	}
	fn, ok := idx.Functions[funcID]
	if !ok {
		t.Fatalf("Functions[%d] missing", funcID)
	}
	if fn.File != fileID || fn.DeclaredLine != 25 || fn.Module != "m" || fn.Name != "funcname" {
		t.Fatalf("Functions[%d] = %+v", funcID, fn)
	}
	if got := idx.FunctionNames[FuncKey{Module: "m", Name: "funcname"}]; got != funcID {
		t.Fatalf("FunctionNames[{m,funcname}] = %d, want %d", got, funcID)
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.coldshot")
	writeFile(t, path, "P NOTCOLDSHOT v1 \x01\x00\x00\x00\x00\x00\x00\x00\n")
	if _, err := Parse(path); err == nil {
		t.Fatalf("expected Parse to reject a bad magic")
	}
}

func TestParseDetectsSwappedEndianness(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.coldshot")
	// Big-endian witness for the value 1: opposite of a little-endian host.
	writeFile(t, path, "P COLDSHOTBinary v1 \x00\x00\x00\x00\x00\x00\x00\x01\n")
	idx, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !idx.Swapped {
		t.Fatalf("expected Swapped = true for a big-endian witness")
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
