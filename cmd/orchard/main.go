// Command orchard reads a problem document, runs the orchard search on it and
// prints the report.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/copyleftdev/orchard/internal/config"
	"github.com/copyleftdev/orchard/internal/logging"
	"github.com/copyleftdev/orchard/internal/optimization"
	"github.com/copyleftdev/orchard/internal/optimization/orchard"
	"github.com/copyleftdev/orchard/internal/optimization/problem"
	"github.com/copyleftdev/orchard/internal/report"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one command line and returns the process exit code: 0 on
// success, 2 for bad input, 1 for anything else.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "orchard: %v\n", err)
		return 1
	}
	rc := cfg.Run()

	fs := flag.NewFlagSet("orchard", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&rc.Path, "file", "", "problem document to read (- for stdin)")
	fs.IntVar(&rc.Iterations, "iterations", rc.Iterations, "number of random trials")
	fs.IntVar(&rc.LogInterval, "log-interval", rc.LogInterval, "trials between progress snapshots")
	fs.IntVar(&rc.Workers, "workers", rc.Workers, "goroutines sampling in parallel")
	fs.Int64Var(&rc.Seed, "seed", rc.Seed, "random seed (0 picks one from the clock)")
	fs.StringVar(&rc.Format, "format", rc.Format, "report format: text or json")
	verbose := fs.Bool("v", false, "log progress snapshots to stderr")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if rc.Path == "" && fs.NArg() == 1 {
		rc.Path = fs.Arg(0)
	}

	level := logging.WarnLevel
	if *verbose {
		level = logging.DebugLevel
	}
	logger := logging.NewWithFormat(level, logging.Format(cfg.Logging.Format), stderr)

	if err := rc.Validate(); err != nil {
		return fail(stderr, logger, err)
	}
	format, err := report.ParseFormat(rc.Format)
	if err != nil {
		return fail(stderr, logger, err)
	}

	var model *problem.Model
	if rc.Path == "-" {
		model, err = problem.Parse(stdin)
	} else {
		model, err = problem.ParseFile(rc.Path)
	}
	if err != nil {
		return fail(stderr, logger, err)
	}

	engine := orchard.NewEngine(orchard.WithLogger(logging.NewZapLogger(logger)))
	result, err := engine.Run(ctx, model, optimization.RunParams{
		Iterations:  rc.Iterations,
		LogInterval: rc.LogInterval,
		Workers:     rc.Workers,
		Seed:        rc.Seed,
	})
	if err != nil {
		return fail(stderr, logger, err)
	}

	if err := report.Write(stdout, result, format); err != nil {
		return fail(stderr, logger, err)
	}
	return 0
}

func fail(stderr io.Writer, logger *logging.Logger, err error) int {
	logger.Debug("Run failed", map[string]interface{}{
		"error": err.Error(),
		"kind":  optimization.KindOf(err),
	})
	if kind := optimization.KindOf(err); kind != "" {
		fmt.Fprintf(stderr, "orchard: %s: %v\n", kind, err)
		return 2
	}
	fmt.Fprintf(stderr, "orchard: %v\n", err)
	return 1
}
