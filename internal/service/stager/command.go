package stager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	goupdate "github.com/doitdistributed/go-update"

	"github.com/oshokin/nativepack/internal/config"
	"github.com/oshokin/nativepack/internal/domain/target"
	"github.com/oshokin/nativepack/internal/elftls"
	"github.com/oshokin/nativepack/internal/logger"
	"github.com/oshokin/nativepack/internal/repository/marker"
	"github.com/oshokin/nativepack/internal/service/common"
)

// Options are inputs accepted by the stager entry point.
type Options struct {
	// ConfigPath is the optional path to the settings YAML file.
	ConfigPath string
	// Artifacts lists freshly built binaries as "arch=path" pairs.
	Artifacts []string
	// ContinueOnError keeps staging the remaining architectures after a failure.
	ContinueOnError bool
	// AllowUnpatched installs an artifact even when its ELF headers are malformed.
	AllowUnpatched bool
	// Keep copies the artifact instead of moving it.
	Keep bool
}

// Artifact is one built binary waiting to be packaged.
type Artifact struct {
	// Target is the ABI the binary was built for.
	Target target.Target
	// Source is where the build left the binary.
	Source string
}

// Report describes what happened to one artifact.
type Report struct {
	// Artifact is the staged input.
	Artifact Artifact
	// Destination is the packaged library path.
	Destination string
	// Patch is the patcher result; nil when the target does not need the fix.
	Patch *elftls.Result
}

var (
	// errNoArtifacts is returned when nothing was passed to stage.
	errNoArtifacts = errors.New("no artifacts to stage")
	// errBadArtifactSpec is returned for malformed "arch=path" arguments.
	errBadArtifactSpec = errors.New(`artifact must look like "arch=path"`)
	// errDuplicateArtifact is returned when one architecture is given twice.
	errDuplicateArtifact = errors.New("architecture given more than once")
	// errNotRegular is returned when the artifact is not a regular file.
	errNotRegular = errors.New("artifact is not a regular file")
)

// Stager moves built binaries into the packaging layout.
type Stager struct {
	// cfg holds the packaging layout.
	cfg *config.Config
	// lock keeps concurrent runs out of the layout.
	lock marker.Lock
	// opts carries the failure policy.
	opts *Options
}

// Run executes the staging workflow and is the public entry point for the CLI.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "stager")

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	artifacts, err := ParseArtifacts(cfg.BuildTargets(), opts.Artifacts)
	if err != nil {
		return err
	}

	s := New(cfg, marker.NewFileLock(cfg.BuildRoot()), opts)

	if _, err = s.Stage(ctx, artifacts); err != nil {
		return err
	}

	logger.Info(ctx, "All builds finished")

	return nil
}

// New creates a stager for cfg guarded by lock.
func New(cfg *config.Config, lock marker.Lock, opts *Options) *Stager {
	if opts == nil {
		opts = new(Options)
	}

	return &Stager{
		cfg:  cfg,
		lock: lock,
		opts: opts,
	}
}

// ParseArtifacts turns "arch=path" pairs into artifacts in target table order.
func ParseArtifacts(targets []target.Target, specs []string) ([]Artifact, error) {
	if len(specs) == 0 {
		return nil, errNoArtifacts
	}

	sources := make(map[string]string, len(specs))

	for _, spec := range specs {
		arch, path, ok := strings.Cut(spec, "=")
		if !ok || strings.TrimSpace(arch) == "" || strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("%q: %w", spec, errBadArtifactSpec)
		}

		t, err := target.Find(targets, arch)
		if err != nil {
			return nil, err
		}

		if _, dup := sources[t.Arch]; dup {
			return nil, fmt.Errorf("%s: %w", t.Arch, errDuplicateArtifact)
		}

		sources[t.Arch] = strings.TrimSpace(path)
	}

	artifacts := make([]Artifact, 0, len(sources))

	for _, t := range targets {
		if source, ok := sources[t.Arch]; ok {
			artifacts = append(artifacts, Artifact{Target: t, Source: source})
		}
	}

	return artifacts, nil
}

// Stage patches and installs every artifact under the packaging lock.
func (s *Stager) Stage(ctx context.Context, artifacts []Artifact) ([]Report, error) {
	if len(artifacts) == 0 {
		return nil, errNoArtifacts
	}

	if err := s.lock.Acquire(ctx); err != nil {
		return nil, err
	}

	defer func() {
		if err := s.lock.Release(ctx); err != nil {
			logger.WarnKV(ctx, "Unable to release packaging marker", "error", err)
		}
	}()

	var (
		reports = make([]Report, 0, len(artifacts))
		errs    []error
	)

	for _, artifact := range artifacts {
		report, err := s.stageOne(logger.WithKV(ctx, "arch", artifact.Target.Arch), artifact)
		if err != nil {
			err = fmt.Errorf("stage %s: %w", artifact.Target.Arch, err)
			if !s.opts.ContinueOnError {
				return reports, err
			}

			logger.ErrorKV(ctx, "Staging failed, continuing with remaining architectures", "error", err)

			errs = append(errs, err)

			continue
		}

		reports = append(reports, *report)
	}

	return reports, errors.Join(errs...)
}

// stageOne patches (when required) and installs a single artifact.
func (s *Stager) stageOne(ctx context.Context, artifact Artifact) (*Report, error) {
	logger.Infof(ctx, "Staging syncthing for %s", artifact.Target.Arch)

	info, err := os.Stat(artifact.Source)
	if err != nil {
		return nil, err
	}

	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: %w", artifact.Source, errNotRegular)
	}

	report := &Report{
		Artifact:    artifact,
		Destination: s.cfg.LibraryPath(&artifact.Target),
	}

	if artifact.Target.PatchTLS {
		report.Patch, err = s.patch(ctx, artifact.Source)
		if err != nil {
			return nil, err
		}
	}

	if err = s.install(ctx, artifact.Source, report.Destination); err != nil {
		return nil, err
	}

	logger.Infof(ctx, "Finished build for %s", artifact.Target.Arch)

	return report, nil
}

// patch runs the TLS fix; structural faults are fatal unless AllowUnpatched is set.
func (s *Stager) patch(ctx context.Context, source string) (*elftls.Result, error) {
	result, err := elftls.Patch(ctx, source)
	if err != nil {
		var formatErr *elftls.FormatError
		if errors.As(err, &formatErr) && s.opts.AllowUnpatched {
			logger.WarnKV(ctx, "TLS alignment not patched, the library may crash on TLS access", "error", err)
			return nil, nil
		}

		return nil, fmt.Errorf("patch TLS alignment: %w", err)
	}

	if result.Skipped() {
		logger.WarnKV(ctx, "Artifact left unpatched", "outcome", result.Outcome.String())
	}

	return result, nil
}

// install places source at destination atomically and then drops the source.
func (s *Stager) install(ctx context.Context, source, destination string) error {
	if err := os.MkdirAll(filepath.Dir(destination), config.DefaultDirPermissions); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(destination), err)
	}

	checksum, err := common.FileChecksum(source)
	if err != nil {
		return err
	}

	// go-update swaps an existing file; make sure there is one.
	if _, err = os.Stat(destination); errors.Is(err, os.ErrNotExist) {
		placeholder, createErr := os.Create(filepath.Clean(destination))
		if createErr != nil {
			return createErr
		}

		_ = placeholder.Close()
	}

	logger.DebugKV(ctx, "Applying library", "destination", destination)

	if err = apply(source, destination, checksum); err != nil {
		return fmt.Errorf("install %s: %w", destination, err)
	}

	logger.InfoKV(ctx, "Installed library", "path", destination)

	if s.opts.Keep {
		return nil
	}

	if err = os.Remove(source); err != nil {
		return fmt.Errorf("remove %s: %w", source, err)
	}

	return nil
}

// apply streams source into destination through go-update with checksum verification.
func apply(source, destination string, checksum []byte) error {
	data, err := os.Open(filepath.Clean(source))
	if err != nil {
		return err
	}

	defer func() {
		_ = data.Close()
	}()

	options := goupdate.Options{
		TargetPath: destination,
		TargetMode: common.DefaultLibraryMode,
		Checksum:   checksum,
		Hash:       common.DefaultChecksumFunction,
	}

	return goupdate.Apply(data, options)
}
