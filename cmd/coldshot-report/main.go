// Command coldshot-report takes a profile `<dir>` and prints a table of
// per-function statistics. `-raw` walks the calls stream directly and
// prints each record indented by its current call depth instead of the
// aggregated table.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/mcfletch/coldshot/aggregate"
	"github.com/mcfletch/coldshot/ident"
	"github.com/mcfletch/coldshot/loader"
	"github.com/mcfletch/coldshot/wire"
)

func main() {
	var (
		raw     = flag.Bool("raw", false, "dump raw call/return records instead of the aggregated table")
		sortStr = flag.String("sort", "-cumulative,-local", "comma-separated sort `spec`, e.g. -cumulative,name")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: coldshot-report [-raw] [-sort spec] <dir>")
		os.Exit(1)
	}
	dir := flag.Arg(0)

	ld := loader.New(dir, nil, nil)
	if err := ld.Load(); err != nil {
		log.Fatal(err)
	}
	defer ld.Close()

	if *raw {
		dumpRaw(ld)
		return
	}

	rows := aggregate.Rows(ld.Index, ld.Replay)
	sortKey, err := aggregate.SortKey(strings.Split(*sortStr, ","))
	if err != nil {
		log.Fatal(err)
	}
	sortKey(rows)
	printTable(rows)
}

func printTable(rows []aggregate.Row) {
	fmt.Printf("%-24s %-24s %8s %12s %12s\n", "module", "name", "calls", "cumulative", "local")
	for _, r := range rows {
		fmt.Printf("%-24s %-24s %8d %12d %12d\n", r.Module, r.Name, r.Calls, r.Cumulative, r.Local)
	}
	if len(rows) == 0 {
		fmt.Println("(no functions observed)")
	}
}

// dumpRaw walks the calls stream directly, indenting each record by the
// call depth in effect when it was written.
func dumpRaw(ld *loader.Loader) {
	calls := ld.RawCalls()
	depth := 0
	for i := 0; i < calls.Len(); i++ {
		rec := calls.At(i)
		if rec.Tag == wire.TagReturn && depth > 0 {
			depth--
		}
		if fi, ok := ld.Index.Functions[ident.FuncId(rec.Func)]; ok {
			fmt.Printf("%s%c %s.%s line=%d ts=%d\n", strings.Repeat("  ", depth), rec.Tag, fi.Module, fi.Name, rec.Line, rec.Timestamp)
		} else {
			fmt.Printf("%s%c func=%d line=%d ts=%d\n", strings.Repeat("  ", depth), rec.Tag, rec.Func, rec.Line, rec.Timestamp)
		}
		if rec.Tag == wire.TagCall {
			depth++
		}
	}
}
