package packager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/nativepack/internal/config"
	"github.com/oshokin/nativepack/internal/elftls"
	"github.com/oshokin/nativepack/internal/logger"
	"github.com/oshokin/nativepack/internal/service/common"
	"github.com/oshokin/nativepack/internal/version"
)

// Library describes one packaged native library.
type Library struct {
	// Path is relative to the jniLibs root, e.g. arm64-v8a/libsyncthing.so.
	Path string `yaml:"path"`
	// Size is the file size in bytes.
	Size int64 `yaml:"size"`
	// Checksum is the base64-encoded SHA-512 of the file.
	Checksum string `yaml:"checksum"`
	// Class is the ELF class, empty for non-ELF files.
	Class string `yaml:"class,omitempty"`
	// TLSAlign is the lowest PT_TLS alignment found in the file, zero when absent.
	TLSAlign uint64 `yaml:"tls_align,omitempty"`
	// Malformed marks an ELF file whose headers could not be decoded; it was
	// installed unpatched and only its checksum is tracked.
	Malformed bool `yaml:"malformed,omitempty"`
}

// Manifest lists the libraries of one packaging run.
type Manifest struct {
	// VersionNumber is the nativepack version that wrote the manifest.
	VersionNumber string `yaml:"version"`
	// BuildID uniquely identifies the packaging run.
	BuildID string `yaml:"build_id"`
	// CreatedAt is the UTC time the manifest was built.
	CreatedAt time.Time `yaml:"created_at"`
	// Libraries maps architecture names to packaged libraries.
	Libraries map[string]Library `yaml:"libraries"`
}

var (
	// errNoLibraries is returned when no target has a packaged library.
	errNoLibraries = errors.New("no packaged libraries found")
	// errEmptyManifest is returned for a manifest without libraries.
	errEmptyManifest = errors.New("manifest lists no libraries")
	// errUnalignedTLS is returned by Verify for libraries that still need the TLS fix.
	errUnalignedTLS = errors.New("TLS segment under-aligned")
	// errUnsafeLibraryPath is returned for manifest paths leaving the jniLibs root.
	errUnsafeLibraryPath = errors.New("library path escapes the jniLibs root")
)

// NewManifest produces a Manifest initialized with defaults.
func NewManifest() *Manifest {
	return &Manifest{
		VersionNumber: version.Short(),
		BuildID:       uuid.NewString(),
		CreatedAt:     time.Now().UTC(),
		Libraries:     make(map[string]Library),
	}
}

// Architectures returns the manifest keys sorted.
func (m *Manifest) Architectures() []string {
	arches := make([]string, 0, len(m.Libraries))
	for arch := range m.Libraries {
		arches = append(arches, arch)
	}

	sort.Strings(arches)

	return arches
}

// Build scans the packaging layout and describes every library present.
// Targets without a library are reported and skipped.
func Build(ctx context.Context, cfg *config.Config) (*Manifest, error) {
	manifest := NewManifest()

	for _, t := range cfg.BuildTargets() {
		path := cfg.LibraryPath(&t)

		info, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			logger.WarnKV(ctx, "Library not packaged, skipping", "arch", t.Arch, "path", path)
			continue
		} else if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}

		checksum, err := common.FileChecksum(path)
		if err != nil {
			return nil, err
		}

		library := Library{
			Path:     filepath.ToSlash(filepath.Join(t.JNIDir, cfg.LibraryName)),
			Size:     info.Size(),
			Checksum: common.EncodeChecksum(checksum),
		}

		inspection, err := elftls.Inspect(ctx, path)

		var formatErr *elftls.FormatError

		switch {
		case errors.As(err, &formatErr):
			logger.WarnKV(ctx, "Library has malformed ELF headers, recording checksum only",
				"arch", t.Arch, "error", err)

			library.Malformed = true
		case err != nil:
			return nil, err
		default:
			if !inspection.Skipped() {
				library.Class = inspection.Class.String()
			}

			library.TLSAlign = inspection.LowestAlign()
		}

		manifest.Libraries[t.Arch] = library
	}

	if len(manifest.Libraries) == 0 {
		return nil, fmt.Errorf("%s: %w", cfg.JNILibsRoot(), errNoLibraries)
	}

	return manifest, nil
}

// Write stores the manifest as YAML at path.
func Write(path string, manifest *Manifest) error {
	contents, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	if err = os.MkdirAll(filepath.Dir(path), config.DefaultDirPermissions); err != nil {
		return fmt.Errorf("create manifest directory: %w", err)
	}

	if err = os.WriteFile(filepath.Clean(path), contents, config.DefaultFilePermissions); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	return nil
}

// Load reads a manifest written by Write.
func Load(path string) (*Manifest, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var manifest Manifest
	if err = yaml.Unmarshal(contents, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}

	if len(manifest.Libraries) == 0 {
		return nil, errEmptyManifest
	}

	return &manifest, nil
}

// Verify recomputes every checksum and re-checks the TLS alignment.
// All problems are reported together.
func Verify(ctx context.Context, cfg *config.Config, manifest *Manifest) error {
	if manifest == nil || len(manifest.Libraries) == 0 {
		return errEmptyManifest
	}

	var errs []error

	for _, arch := range manifest.Architectures() {
		library := manifest.Libraries[arch]

		path, err := libraryPath(cfg, &library)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", arch, err))
			continue
		}

		if err = common.VerifyChecksum(path, library.Checksum); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", arch, err))
			continue
		}

		if library.Malformed {
			logger.WarnKV(ctx, "Library verified by checksum only, ELF headers are malformed", "arch", arch)
			continue
		}

		inspection, err := elftls.Inspect(ctx, path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", arch, err))
			continue
		}

		if inspection.Changed() {
			errs = append(errs, fmt.Errorf("%s: %s: %w", arch, path, errUnalignedTLS))
			continue
		}

		logger.InfoKV(ctx, "Library verified", "arch", arch, "path", library.Path)
	}

	return errors.Join(errs...)
}

// libraryPath resolves a manifest entry inside the jniLibs root.
func libraryPath(cfg *config.Config, library *Library) (string, error) {
	rel := filepath.FromSlash(library.Path)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%q: %w", library.Path, errUnsafeLibraryPath)
	}

	return filepath.Join(cfg.JNILibsRoot(), rel), nil
}
