// Command shmap-inspect attaches read-only to a named shared-memory
// segment and reports its bootstrap state, without blocking — useful for
// diagnosing a segment whose constructing process crashed mid-build (the
// "known issue" in spec.md §4.6). The JSON report is written with
// natefinch/atomic so a reader never observes a half-written file.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	atomicfile "github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"

	"github.com/joycode-art/goshmap/internal/diagnostic"
	"github.com/joycode-art/goshmap/shmseg"
)

func main() {
	fs := flag.NewFlagSet("shmap-inspect", flag.ExitOnError)
	name := fs.String("name", "", "segment name to inspect (required)")
	dir := fs.String("dir", shmseg.Dir, "directory containing named segments")
	reportPath := fs.String("report", "", "if set, write a JSON report to this path atomically")

	if err := fs.Parse(os.Args[1:]); err != nil {
		diagnostic.Trace("shmap-inspect: parse flags", err)
		os.Exit(2)
	}
	if *name == "" {
		fmt.Fprintln(os.Stderr, "shmap-inspect: --name is required")
		os.Exit(2)
	}
	shmseg.Dir = *dir

	report, err := shmseg.Inspect(*name)
	if err != nil {
		diagnostic.Trace("shmap-inspect: inspect", err)
		os.Exit(1)
	}

	fmt.Printf("name:       %s\n", report.Name)
	fmt.Printf("path:       %s\n", report.Path)
	fmt.Printf("size:       %d bytes\n", report.TotalBytes)
	fmt.Printf("bootstrap:  %s\n", report.BootstrapState)

	if *reportPath == "" {
		return
	}

	payload, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		diagnostic.Trace("shmap-inspect: marshal report", err)
		os.Exit(1)
	}
	if err := atomicfile.WriteFile(*reportPath, bytes.NewReader(payload)); err != nil {
		diagnostic.Trace("shmap-inspect: write report", err)
		os.Exit(1)
	}
}
