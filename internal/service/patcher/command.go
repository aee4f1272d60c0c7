package patcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/oshokin/nativepack/internal/elftls"
	"github.com/oshokin/nativepack/internal/logger"
)

// Options are inputs accepted by the patch and inspect entry points.
type Options struct {
	// Paths lists the files to process.
	Paths []string
	// DryRun inspects the files without writing.
	DryRun bool
	// Jobs bounds how many files are processed at once; zero means GOMAXPROCS.
	Jobs int
	// Stdout receives one line per file.
	Stdout io.Writer
}

// errNoFiles is returned when no path was given.
var errNoFiles = errors.New("no files given")

// Run patches (or inspects) every file and prints the outcome of each.
// Files are independent, so they are processed concurrently; failures are joined.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "patcher")

	if len(opts.Paths) == 0 {
		return errNoFiles
	}

	results, err := Process(ctx, opts)

	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	for i, result := range results {
		if result == nil {
			continue
		}

		if _, printErr := fmt.Fprintln(stdout, describe(result, opts.DryRun)); printErr != nil {
			return printErr
		}

		logger.DebugKV(ctx, "File processed", "index", i, "path", result.Name)
	}

	return err
}

// Process runs the scan over opts.Paths; results keep the input order and
// hold nil for files that failed.
func Process(ctx context.Context, opts *Options) ([]*elftls.Result, error) {
	jobs := opts.Jobs
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}

	var (
		results = make([]*elftls.Result, len(opts.Paths))
		errs    = make([]error, len(opts.Paths))
		group   errgroup.Group
	)

	group.SetLimit(jobs)

	for i, path := range opts.Paths {
		group.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}

			if opts.DryRun {
				results[i], errs[i] = elftls.Inspect(ctx, path)
			} else {
				results[i], errs[i] = elftls.Patch(ctx, path)
			}

			return nil
		})
	}

	// Workers never return an error; failures are kept per file.
	_ = group.Wait()

	return results, errors.Join(errs...)
}

// describe renders one result line.
func describe(result *elftls.Result, dryRun bool) string {
	switch {
	case result.Skipped():
		return fmt.Sprintf("%s: skipped (%s)", result.Name, result.Outcome)
	case result.Outcome == elftls.OutcomeNoTLS:
		return fmt.Sprintf("%s: %s, no TLS segment", result.Name, result.Class)
	case result.Changed() && dryRun:
		return fmt.Sprintf("%s: %s, TLS alignment %d below %d, needs patching",
			result.Name, result.Class, result.LowestAlign(), result.MinAlign)
	case result.Changed():
		return fmt.Sprintf("%s: %s, TLS alignment raised from %d to %d",
			result.Name, result.Class, result.LowestAlign(), result.MinAlign)
	default:
		return fmt.Sprintf("%s: %s, TLS alignment %d ok", result.Name, result.Class, result.LowestAlign())
	}
}
