package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/blackgeorge-boom/migrapath/internal/cfgtext"
	"github.com/blackgeorge-boom/migrapath/internal/diag"
	"github.com/blackgeorge-boom/migrapath/internal/looppaths"
	"github.com/blackgeorge-boom/migrapath/internal/mir"
	"github.com/blackgeorge-boom/migrapath/internal/stackmaps"
)

var (
	maxPaths = flag.Int("max-paths", looppaths.DefaultMaxPaths,
		"per-loop path budget before the analysis gives up")
	allCalls = flag.Bool("all-calls", false,
		"treat every call that returns locally as a migration point")
	noLiveVals = flag.Bool("no-live-vals", false,
		"emit markers without live values")
	markerName = flag.String("marker", stackmaps.DefaultMarkerName,
		"marker callee name")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: migrapath <command> [options] <file>\n")
		fmt.Fprintf(os.Stderr, "\nCommands:\n")
		fmt.Fprintf(os.Stderr, "  paths <file>       Enumerate loop paths of the routines in a file\n")
		fmt.Fprintf(os.Stderr, "  instrument <file>  Insert state-capture markers at call sites\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() < 2 {
		flag.Usage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	path := flag.Arg(1)

	functions, err := cfgtext.LoadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrapath: %v\n", err)
		os.Exit(1)
	}

	switch command {
	case "paths":
		runPaths(functions)
	case "instrument":
		runInstrument(functions)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}

func runPaths(functions []*mir.Function) {
	p := newPrinter(os.Stdout)
	reporter := diag.NewReporter()
	opts := looppaths.Options{
		MaxPaths: *maxPaths,
		Reporter: reporter,
	}
	if *allCalls {
		opts.IsMigrationPoint = looppaths.AllCallSites
	}

	failed := false
	for _, fn := range functions {
		p.header(fmt.Sprintf("function %s", fn.Name))

		analysis, err := looppaths.Analyze(fn, opts)
		if err != nil {
			p.line(fmt.Sprintf("  analysis unavailable: %v", err))
			failed = true
			continue
		}

		loops := analysis.Forest().PostOrder()
		if len(loops) == 0 {
			p.line("  no loops")
			continue
		}

		for _, loop := range loops {
			p.line(fmt.Sprintf("  loop at %s (depth %d)", loop.Header.Label, loop.Depth))
			for _, path := range analysis.Paths(loop) {
				p.indented(path.String(), "    ")
			}
			p.line("    per-block summary:")
			rows := [][]string{{"block", "spanning", "eq-point"}}
			for _, block := range fn.Blocks {
				if !loop.Contains(block) {
					continue
				}
				rows = append(rows, []string{
					block.Label,
					fmt.Sprintf("%t", analysis.SpanningPathThrough(loop, block)),
					fmt.Sprintf("%t", analysis.EqPointPathThrough(loop, block)),
				})
			}
			p.table(rows, "      ")
		}
	}

	printDiagnostics(reporter)
	if failed {
		os.Exit(1)
	}
}

func runInstrument(functions []*mir.Function) {
	p := newPrinter(os.Stdout)
	reporter := diag.NewReporter()
	in := stackmaps.New(stackmaps.Options{
		MarkerName:   *markerName,
		NoLiveValues: *noLiveVals,
		Reporter:     reporter,
	})

	for _, fn := range functions {
		inserted, err := in.Instrument(fn)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migrapath: %s: %v\n", fn.Name, err)
			os.Exit(1)
		}
		p.header(fmt.Sprintf("function %s: %d marker(s)", fn.Name, inserted))
		p.line(fn.PrettyPrint())
	}
	p.line(fmt.Sprintf("total markers: %d", in.NumInstrumented))

	printDiagnostics(reporter)
}

func printDiagnostics(reporter *diag.Reporter) {
	for _, d := range reporter.Diagnostics() {
		fmt.Fprintln(os.Stderr, d)
	}
}
