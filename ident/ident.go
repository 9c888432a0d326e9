// Package ident assigns dense, monotonically increasing identifiers to
// files, functions and threads, and emits the index records that record
// each id's metadata on first sighting. Ids are issued exactly once and
// never reused.
package ident

import "sync"

// FileId is a 16-bit, one-based identifier for a source file.
// 0 is reserved to mean "none".
type FileId uint16

// FuncId is a 32-bit, one-based identifier for a function.
// 0 is reserved to mean "none".
type FuncId uint32

// ThreadId is a 16-bit, one-based identifier for an OS thread.
// 0 is reserved to mean "none".
type ThreadId uint16

// FuncKey is the natural key for a function: module name, qualified name
// and the line on which it was declared.
type FuncKey struct {
	Module       string
	Name         string
	DeclaredLine int
}

// Emitter receives index records the first time an id is assigned. Writer
// implements this; tests may supply a recording fake.
type Emitter interface {
	EmitFile(id FileId, path string) error
	EmitFunc(id FuncId, file FileId, declaredLine int, module, name string) error
}

// Interner owns the three id tables. It is safe for concurrent use;
// callers typically serialize through the writer already, but Interner
// takes its own lock too so it can be exercised in isolation.
type Interner struct {
	mu sync.Mutex

	files   map[string]FileId
	fileSeq FileId

	funcs   map[FuncKey]FuncId
	funcSeq FuncId

	threads   map[uint64]ThreadId
	threadSeq ThreadId

	emit Emitter
}

// New creates an Interner that reports newly assigned ids to emit.
func New(emit Emitter) *Interner {
	return &Interner{
		files:   make(map[string]FileId),
		funcs:   make(map[FuncKey]FuncId),
		threads: make(map[uint64]ThreadId),
		emit:    emit,
	}
}

// InternFile returns the FileId for path, assigning and emitting a new one
// on first sighting.
func (in *Interner) InternFile(path string) (FileId, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if id, ok := in.files[path]; ok {
		return id, nil
	}
	in.fileSeq++
	id := in.fileSeq
	in.files[path] = id
	if err := in.emit.EmitFile(id, path); err != nil {
		return 0, err
	}
	return id, nil
}

// InternFunc returns the FuncId for key, assigning and emitting a new one
// on first sighting. file is the FileId the function's source lives in;
// pass 0 for native/synthetic functions with no source file.
func (in *Interner) InternFunc(key FuncKey, file FileId) (FuncId, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if id, ok := in.funcs[key]; ok {
		return id, nil
	}
	in.funcSeq++
	id := in.funcSeq
	in.funcs[key] = id
	if err := in.emit.EmitFunc(id, file, key.DeclaredLine, key.Module, key.Name); err != nil {
		return 0, err
	}
	return id, nil
}

// InternThread returns the ThreadId for the given OS thread identity,
// assigning a new one on first sighting. Thread ids have no index record
// of their own; the mapping exists only for the lifetime of the writer.
func (in *Interner) InternThread(osThreadID uint64) ThreadId {
	in.mu.Lock()
	defer in.mu.Unlock()

	if id, ok := in.threads[osThreadID]; ok {
		return id
	}
	in.threadSeq++
	id := in.threadSeq
	in.threads[osThreadID] = id
	return id
}

// KnownThreads returns the set of currently interned thread ids.
func (in *Interner) KnownThreads() []ThreadId {
	in.mu.Lock()
	defer in.mu.Unlock()

	ids := make([]ThreadId, 0, len(in.threads))
	for _, id := range in.threads {
		ids = append(ids, id)
	}
	return ids
}
