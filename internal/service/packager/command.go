package packager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/oshokin/nativepack/internal/config"
	"github.com/oshokin/nativepack/internal/logger"
	"github.com/oshokin/nativepack/internal/repository/marker"
)

// Options contains inputs for the packager entry points.
type Options struct {
	// ConfigPath is the optional path to the settings YAML file.
	ConfigPath string
	// ExportPath, when set, also writes a .tar.xz bundle of the packaged libraries.
	ExportPath string
}

// packager records and checks what the stager left in the packaging layout.
// It is unexported; callers should use the Run* entry points.
type packager struct {
	// cfg holds the packaging layout.
	cfg *config.Config
	// lock keeps concurrent runs out of the layout.
	lock marker.Lock
}

// RunManifest writes the manifest for the current layout and optionally exports a bundle.
func RunManifest(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "packager")

	p, err := newPackager(opts.ConfigPath)
	if err != nil {
		return err
	}

	return p.guard(ctx, func() error {
		manifest, buildErr := p.writeManifest(ctx)
		if buildErr != nil {
			return buildErr
		}

		if opts.ExportPath != "" {
			if buildErr = Export(ctx, p.cfg, manifest, opts.ExportPath); buildErr != nil {
				return fmt.Errorf("export bundle: %w", buildErr)
			}
		}

		p.printSummary(ctx, manifest)

		return nil
	})
}

// RunVerify checks the packaged libraries against the manifest on disk.
func RunVerify(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "packager")

	p, err := newPackager(opts.ConfigPath)
	if err != nil {
		return err
	}

	manifest, err := Load(p.cfg.ManifestPath())
	if err != nil {
		return err
	}

	if err = Verify(ctx, p.cfg, manifest); err != nil {
		return fmt.Errorf("verify packaged libraries: %w", err)
	}

	logger.InfoKV(ctx, "All packaged libraries verified", "build_id", manifest.BuildID)

	return nil
}

// RunClean removes the packaged libraries and the build output directory.
func RunClean(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "packager")

	p, err := newPackager(opts.ConfigPath)
	if err != nil {
		return err
	}

	// Dropping the build root also drops the marker, so release is skipped.
	if err = p.lock.Acquire(ctx); err != nil {
		return err
	}

	return Clean(ctx, p.cfg)
}

// Clean deletes the jniLibs root and the build root. Missing directories are fine.
func Clean(ctx context.Context, cfg *config.Config) error {
	var errs []error

	for _, dir := range []string{cfg.JNILibsRoot(), cfg.BuildRoot()} {
		logger.InfoKV(ctx, "Removing directory", "path", dir)

		if err := os.RemoveAll(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", dir, err))
		}
	}

	return errors.Join(errs...)
}

// newPackager loads the configuration and the file lock for its build root.
func newPackager(configPath string) (*packager, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	return &packager{
		cfg:  cfg,
		lock: marker.NewFileLock(cfg.BuildRoot()),
	}, nil
}

// guard runs fn while holding the packaging lock.
func (p *packager) guard(ctx context.Context, fn func() error) error {
	if err := p.lock.Acquire(ctx); err != nil {
		return err
	}

	defer func() {
		if err := p.lock.Release(ctx); err != nil {
			logger.WarnKV(ctx, "Unable to release packaging marker", "error", err)
		}
	}()

	return fn()
}

// writeManifest builds the manifest and stores it at the configured path.
func (p *packager) writeManifest(ctx context.Context) (*Manifest, error) {
	logger.Info(ctx, "Preparing native library manifest")

	manifest, err := Build(ctx, p.cfg)
	if err != nil {
		return nil, err
	}

	path := p.cfg.ManifestPath()

	logger.InfoKV(ctx, "Saving manifest", "path", path)

	if err = Write(path, manifest); err != nil {
		return nil, err
	}

	return manifest, nil
}

// printSummary logs which libraries ended up in the manifest.
func (p *packager) printSummary(ctx context.Context, manifest *Manifest) {
	var builder strings.Builder

	builder.WriteString("Packaged native libraries under ")
	builder.WriteString(p.cfg.JNILibsRoot())
	builder.WriteString(":")

	for _, arch := range manifest.Architectures() {
		library := manifest.Libraries[arch]

		builder.WriteString("\n")
		builder.WriteString(arch)
		builder.WriteString(": ")
		builder.WriteString(library.Path)

		if library.TLSAlign > 0 {
			fmt.Fprintf(&builder, " (TLS alignment %d)", library.TLSAlign)
		}
	}

	logger.Info(ctx, builder.String())
}
