package trace

import (
	"runtime"
	"strings"
)

// GoroutineID extracts the calling goroutine's id from runtime.Stack's
// "goroutine N [...]" header. Go exposes no public goroutine-id API;
// Coldshot uses this as the OSThreadID for the Go-native instrumentation
// source below, a goroutine being the closest Go analogue to the host
// threads a trace source multiplexes across.
func GoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := string(buf[:n])
	const prefix = "goroutine "
	if !strings.HasPrefix(s, prefix) {
		return 0
	}
	s = s[len(prefix):]
	var id uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint64(c-'0')
	}
	return id
}

// GoSource instruments ordinary Go code directly, standing in for the
// host interpreter an embedded language runtime would otherwise drive.
// It is not pushed to by an interpreter; callers wrap the code they want
// traced with Enter/NativeCall themselves.
type GoSource struct {
	sink EventSink
}

// NewGoSource binds a GoSource to the sink it reports events to (normally
// a *Hook).
func NewGoSource(sink EventSink) *GoSource {
	return &GoSource{sink: sink}
}

// Enter reports a call to (module, name), declared at declaredLine and
// entered at line. It returns a closure that reports the matching return;
// callers instrument a function with:
//
//	defer gs.Enter("pkg", "Frob", 10, 10)()
func (gs *GoSource) Enter(module, name string, declaredLine, line int) func() {
	thread := GoroutineID()
	gs.sink.OnEvent(Event{
		Kind:         KindCall,
		OSThreadID:   thread,
		Module:       module,
		Name:         name,
		DeclaredLine: declaredLine,
		Line:         line,
	})
	return func() {
		gs.sink.OnEvent(Event{
			Kind:         KindReturn,
			OSThreadID:   thread,
			Module:       module,
			Name:         name,
			DeclaredLine: declaredLine,
			Line:         line,
		})
	}
}

// NativeCall reports a call into a native/builtin function with no
// source location, e.g. a call into a standard library function the
// embedder wants accounted for without full instrumentation.
func (gs *GoSource) NativeCall(receiverType, nativeName string) func() {
	thread := GoroutineID()
	gs.sink.OnEvent(Event{
		Kind:         KindCCall,
		OSThreadID:   thread,
		ReceiverType: receiverType,
		NativeName:   nativeName,
	})
	return func() {
		gs.sink.OnEvent(Event{
			Kind:         KindCReturn,
			OSThreadID:   thread,
			ReceiverType: receiverType,
			NativeName:   nativeName,
		})
	}
}

// Line reports a transition to a new source line within the current
// top-of-stack function.
func (gs *GoSource) Line(line int) error {
	return gs.sink.OnEvent(Event{Kind: KindLine, OSThreadID: GoroutineID(), Line: line})
}
