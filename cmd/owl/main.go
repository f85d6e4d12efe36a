// Copyright 2024 The Owl Authors
// This file is part of owlang.

// Command owl runs a compiled Owl bytecode module.
//
// Usage:
//
//	owl [flags] <module.owlc>
//
// The module's "<name>.main" function is the entry point, where <name> is
// the file's base name with the extension stripped. The process exit code
// is the operand of whichever EXIT instruction the program executes.
//
// Flags:
//
//	-dis          Print a disassembly of the module and exit, instead of running it
//	-stats        Report GC and process memory stats to stderr after the run
//	-gc-stress    Force a collection at every safepoint (exercises the GC-forced code paths)
//	-dump-term    Print the Go-side shape of the final frame's registers 0-127 before exiting
//	-run-id       Print the generated run id and exit, instead of running anything
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	"github.com/shirou/gopsutil/process"

	"github.com/ukutaht/owlang/internal/heap"
	"github.com/ukutaht/owlang/internal/loader"
	"github.com/ukutaht/owlang/internal/vm"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, path, err := parseArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	runID := uuid.New().String()
	printer := newDiagnosticPrinter(os.Stderr, runID)

	if opts.runID {
		fmt.Println(runID)
		return 0
	}

	if path == "" {
		fmt.Fprintln(os.Stderr, "usage: owl [flags] <module.owlc>")
		return 1
	}

	code, err := os.ReadFile(path)
	if err != nil {
		printer.fatal("reading %s: %v", path, err)
		return 1
	}

	if opts.dis {
		return disassemble(code)
	}

	cfg, err := loadConfig()
	if err != nil {
		printer.fatal("loading owl.toml: %v", err)
		return 1
	}
	if opts.gcStress {
		cfg.ForceGC = true
	}

	h := heap.New(uint64(cfg.GCHalfSpaceBytes))
	h.SetForceCollect(cfg.ForceGC)

	var ld *loader.Loader
	if len(cfg.LoadPath) > 0 {
		ld, err = loader.New(append(append([]string{}, cfg.LoadPath...), "."), 64)
	} else {
		ld, err = loader.NewFromEnv(64)
	}
	if err != nil {
		printer.fatal("building loader: %v", err)
		return 1
	}

	machine := vm.New(h, os.Stdout, ld)
	if err := machine.LoadModule(code); err != nil {
		printer.fatal("loading %s: %v", path, err)
		return 1
	}

	moduleName := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	entry := moduleName + ".main"

	exitCode, runErr := machine.Run(entry, nil)
	if runErr != nil {
		if vm.IsFatal(runErr) {
			printer.fatal("%v", runErr)
			var fe *vm.FatalError
			if errors.As(runErr, &fe) {
				fmt.Fprintf(os.Stderr, "%+v\n", fe.Stack)
			}
		} else {
			printer.errorf("%v", runErr)
		}
		return 1
	}

	if opts.stats {
		reportStats(printer, h)
	}
	if opts.dumpTerm {
		fmt.Fprintln(os.Stderr, dumpTerm(machine.LastFrameRegisters()))
	}

	return exitCode
}

type cliOptions struct {
	dis      bool
	stats    bool
	gcStress bool
	dumpTerm bool
	runID    bool
}

func parseArgs(args []string) (cliOptions, string, error) {
	var opts cliOptions
	var path string
	for _, a := range args {
		switch a {
		case "-dis":
			opts.dis = true
		case "-stats":
			opts.stats = true
		case "-gc-stress":
			opts.gcStress = true
		case "-dump-term":
			opts.dumpTerm = true
		case "-run-id":
			opts.runID = true
		default:
			if strings.HasPrefix(a, "-") {
				return opts, "", fmt.Errorf("unknown flag: %s", a)
			}
			path = a
		}
	}
	return opts, path, nil
}

func disassemble(code []byte) int {
	instrs, err := vm.Disassemble(code)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"offset", "opcode", "operands"})
	for _, in := range instrs {
		table.Append([]string{
			fmt.Sprintf("%d", in.Offset),
			in.Op.String(),
			fmt.Sprintf("% x", in.Operands),
		})
	}
	table.Render()
	return 0
}

// diagnosticPrinter reports run-level diagnostics in the severity-coded
// style the rest of the ambient stack's terminal tools use in this corpus,
// disabling color automatically when stdout/stderr isn't a terminal.
type diagnosticPrinter struct {
	runID   string
	noColor bool
}

func newDiagnosticPrinter(f *os.File, runID string) *diagnosticPrinter {
	return &diagnosticPrinter{runID: runID, noColor: !isatty.IsTerminal(f.Fd())}
}

func (p *diagnosticPrinter) fatal(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if p.noColor {
		fmt.Fprintf(os.Stderr, "[%s] fatal: %s\n", p.runID, msg)
		return
	}
	color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "[%s] fatal: %s\n", p.runID, msg)
}

func (p *diagnosticPrinter) errorf(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if p.noColor {
		fmt.Fprintf(os.Stderr, "[%s] error: %s\n", p.runID, msg)
		return
	}
	color.New(color.FgYellow).Fprintf(os.Stderr, "[%s] error: %s\n", p.runID, msg)
}

func (p *diagnosticPrinter) notice(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if p.noColor {
		fmt.Fprintf(os.Stderr, "[%s] %s\n", p.runID, msg)
		return
	}
	color.New(color.FgCyan).Fprintf(os.Stderr, "[%s] %s\n", p.runID, msg)
}

func reportStats(p *diagnosticPrinter, h *heap.Heap) {
	stats := h.Stats()
	rss := "unavailable"
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil {
			rss = fmt.Sprintf("%d bytes", mem.RSS)
		}
	}
	p.notice("gc: collections=%d used=%d/%d bytes; process rss=%s",
		stats.Collections, stats.UsedBytes, stats.Capacity, rss)
}

// dumpTerm is used by -dump-term debugging; kept as a named helper so it
// shows up in a stack trace distinct from an ad-hoc spew.Dump call.
func dumpTerm(v any) string {
	return spew.Sdump(v)
}
