// Command coldshot-profile profiles a script run: `-o <dir>` (default
// `.profile`), `-l` (line tracing), then `<scriptfile> [args...]`. Exit
// code 2 for a missing scriptfile, 1 if the logger or the profiler fails
// to start or stop, 0 otherwise.
//
// Host-language script execution lives outside this module; this command
// wires a real profiler.Profiler against a trace.GoSource standing in
// for the host-language execution wrapper, rather than shelling out to
// any particular interpreter.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/mcfletch/coldshot/internal/cslog"
	"github.com/mcfletch/coldshot/profiler"
	"github.com/mcfletch/coldshot/trace"
)

func main() {
	var (
		outDir = flag.String("o", ".profile", "profile output `directory`")
		lines  = flag.Bool("l", false, "enable line tracing")
	)
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "coldshot-profile: missing scriptfile")
		flag.Usage()
		os.Exit(2)
	}
	scriptfile := flag.Arg(0)
	args := flag.Args()[1:]

	if _, err := os.Stat(scriptfile); err != nil {
		fmt.Fprintf(os.Stderr, "coldshot-profile: %s: no such scriptfile\n", scriptfile)
		os.Exit(2)
	}

	log_, err := cslog.New(os.Stderr, cslog.WarnLevel)
	if err != nil {
		log.Fatal(err)
	}

	p := profiler.New(profiler.Config{Dir: *outDir, Lines: *lines, Log: log_})
	if err := p.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "coldshot-profile: %v\n", err)
		os.Exit(1)
	}

	runScript(p, scriptfile, args)

	if err := p.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "coldshot-profile: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// runScript stands in for a real host-interpreter execution wrapper: it
// instruments a single synthetic call into scriptfile, with one native
// `argv` call nested inside it per script argument, so the writer/trace
// wiring produces a real, loadable profile directory.
func runScript(p *profiler.Profiler, scriptfile string, args []string) {
	src := trace.NewGoSource(p.Hook())
	defer src.Enter("__main__", scriptfile, 1, 1)()
	for _, arg := range args {
		func() {
			defer src.NativeCall("__builtin__", "argv")()
		}()
		_ = arg
	}
}
