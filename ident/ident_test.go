package ident

import "testing"

type recordingEmitter struct {
	files []string
	funcs []FuncKey
}

func (r *recordingEmitter) EmitFile(id FileId, path string) error {
	r.files = append(r.files, path)
	return nil
}

func (r *recordingEmitter) EmitFunc(id FuncId, file FileId, declaredLine int, module, name string) error {
	r.funcs = append(r.funcs, FuncKey{Module: module, Name: name, DeclaredLine: declaredLine})
	return nil
}

func TestInternFileDenseFromOne(t *testing.T) {
	rec := &recordingEmitter{}
	in := New(rec)

	a, err := in.InternFile("a.py")
	if err != nil {
		t.Fatalf("InternFile: %v", err)
	}
	b, err := in.InternFile("b.py")
	if err != nil {
		t.Fatalf("InternFile: %v", err)
	}
	if a != 1 || b != 2 {
		t.Fatalf("ids = %d, %d, want 1, 2", a, b)
	}

	// Re-interning returns the same id and emits nothing new.
	again, err := in.InternFile("a.py")
	if err != nil {
		t.Fatalf("InternFile: %v", err)
	}
	if again != a {
		t.Fatalf("re-intern of a.py = %d, want %d", again, a)
	}
	if len(rec.files) != 2 {
		t.Fatalf("emitted %d file records, want 2", len(rec.files))
	}
}

func TestInternFuncKeyedByModuleNameLine(t *testing.T) {
	rec := &recordingEmitter{}
	in := New(rec)

	k1 := FuncKey{Module: "m", Name: "f", DeclaredLine: 1}
	k2 := FuncKey{Module: "m", Name: "f", DeclaredLine: 2} // same name, different line
	a, err := in.InternFunc(k1, 0)
	if err != nil {
		t.Fatalf("InternFunc: %v", err)
	}
	b, err := in.InternFunc(k2, 0)
	if err != nil {
		t.Fatalf("InternFunc: %v", err)
	}
	if a == b {
		t.Fatalf("distinct declared lines must intern distinct ids")
	}
	again, err := in.InternFunc(k1, 0)
	if err != nil {
		t.Fatalf("InternFunc: %v", err)
	}
	if again != a {
		t.Fatalf("re-intern = %d, want %d", again, a)
	}
	if len(rec.funcs) != 2 {
		t.Fatalf("emitted %d func records, want 2", len(rec.funcs))
	}
}

func TestInternThread(t *testing.T) {
	in := New(&recordingEmitter{})
	a := in.InternThread(1234)
	b := in.InternThread(5678)
	if a != 1 || b != 2 {
		t.Fatalf("thread ids = %d, %d, want 1, 2", a, b)
	}
	if in.InternThread(1234) != a {
		t.Fatalf("re-intern changed the thread id")
	}
	known := in.KnownThreads()
	if len(known) != 2 {
		t.Fatalf("KnownThreads = %v, want 2 entries", known)
	}
}
