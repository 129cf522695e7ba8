package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"efisym/bootlog"
	"efisym/symres"
)

const usageLine = "usage: efisym -d <obj path> <debug output file>"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	flags := pflag.NewFlagSet("efisym", pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	objDir := flags.StringP("objdir", "d", "", "directory holding <module>.debug files")
	verbose := flags.BoolP("verbose", "v", false, "log per-module progress to stderr")
	demangleNames := flags.Bool("demangle", false, "demangle symbol names")

	// Bad invocations are not an error exit.
	usage := func() int {
		fmt.Fprintln(stdout, usageLine)
		return 0
	}
	if err := flags.Parse(args); err != nil {
		return usage()
	}
	if *objDir == "" || flags.NArg() != 1 {
		return usage()
	}
	if info, err := os.Stat(*objDir); err != nil || !info.IsDir() {
		return usage()
	}

	logger := newLogger(stderr, *verbose)
	if err := emit(stdout, logger, *objDir, flags.Arg(0), *demangleNames); err != nil {
		level.Error(logger).Log("msg", "failed", "err", err)
		return 1
	}
	return 0
}

func emit(stdout io.Writer, logger log.Logger, objDir, logPath string, demangleNames bool) error {
	f, err := os.Open(logPath)
	if err != nil {
		return errors.Wrap(err, "open boot log")
	}
	defer f.Close()

	table, err := bootlog.Scan(f)
	if err != nil {
		return errors.Wrapf(err, "read boot log %s", logPath)
	}
	level.Debug(logger).Log("msg", "scanned boot log", "path", logPath, "modules", table.Len())

	opts := []symres.Option{symres.WithLogger(logger)}
	if demangleNames {
		opts = append(opts, symres.WithDemangle())
	}
	resolver := symres.NewResolver(objDir, opts...)

	out := bufio.NewWriter(stdout)
	stats, err := resolver.Emit(out, table.Records())
	if flushErr := out.Flush(); err == nil && flushErr != nil {
		err = errors.Wrap(flushErr, "write output")
	}
	if err != nil {
		return err
	}

	level.Debug(logger).Log("msg", "done", "modules", stats.Modules, "failed", stats.Failed,
		"symbols", stats.Symbols, "skipped", stats.Skipped)
	return nil
}
