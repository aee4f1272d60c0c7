package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/nativepack/internal/domain/target"
)

// Config holds the packaging layout shared by every nativepack command.
type Config struct {
	// ProjectDir is the root of the Android project.
	ProjectDir string `yaml:"project_dir"`
	// JNILibsDir is the packaging root relative to ProjectDir.
	JNILibsDir string `yaml:"jni_libs_dir"`
	// LibraryName is the file name of the daemon inside each ABI directory.
	LibraryName string `yaml:"library_name"`
	// BuildDir is the scratch directory relative to ProjectDir; it holds the
	// manifest and the lock marker and is removed by clean.
	BuildDir string `yaml:"build_dir"`
	// Manifest is the manifest file name inside BuildDir.
	Manifest string `yaml:"manifest"`
	// Targets overrides the built-in ABI table when non-empty.
	Targets []target.Target `yaml:"targets,omitempty"`
	// Channels maps base64 SHA-1 signing certificate hashes to release channel names.
	Channels map[string]string `yaml:"channels,omitempty"`
}

const (
	// DefaultConfigFilename is the default filename for build settings.
	DefaultConfigFilename = "nativepack.yaml"

	// DefaultJNILibsDir is where Android Gradle picks up prebuilt native libraries.
	DefaultJNILibsDir = "app/src/main/jniLibs"

	// DefaultLibraryName is the name the app loads the daemon under.
	DefaultLibraryName = "libsyncthing.so"

	// DefaultBuildDir sits outside the Gradle build directory so `gradle clean` leaves it alone.
	DefaultBuildDir = "syncthing/gobuild"

	// DefaultManifestFilename is the packaging manifest name.
	DefaultManifestFilename = "native-libs.yaml"

	// DefaultFilePermissions is the default file permission for config and manifest files.
	DefaultFilePermissions = 0o600

	// DefaultDirPermissions is used for directories created in the packaging layout.
	DefaultDirPermissions = 0o755
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errAbsoluteLayout is returned when a layout path escapes the project.
	errAbsoluteLayout = errors.New("layout paths must be relative to the project")
)

// DefaultChannels returns the known signing certificates of the published builds.
func DefaultChannels() map[string]string {
	return map[string]string{
		"2ScaPj41giu4vFh+Y7Q0GJTqwbA=": "GitHub",
		"nyupq9aU0x6yK8RHaPra5GbTqQY=": "F-Droid",
		"dQAnHXvlh80yJgrQUCo6LAg4294=": "Google Play",
	}
}

// Default returns a validated configuration rooted at the current directory.
func Default() *Config {
	cfg := new(Config)

	// Defaults never fail validation.
	_ = Validate(cfg)

	return cfg
}

// Load reads configuration from the provided path and validates essential fields.
// A missing file at the default location yields Default().
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == DefaultConfigFilename {
			return Default(), nil
		}

		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes Config to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate fills defaults and checks the layout and the target table.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if cfg.ProjectDir == "" {
		cfg.ProjectDir = "."
	}

	if cfg.JNILibsDir == "" {
		cfg.JNILibsDir = DefaultJNILibsDir
	}

	if cfg.LibraryName == "" {
		cfg.LibraryName = DefaultLibraryName
	}

	if cfg.BuildDir == "" {
		cfg.BuildDir = DefaultBuildDir
	}

	if cfg.Manifest == "" {
		cfg.Manifest = DefaultManifestFilename
	}

	if len(cfg.Channels) == 0 {
		cfg.Channels = DefaultChannels()
	}

	for _, rel := range []string{cfg.JNILibsDir, cfg.BuildDir} {
		if filepath.IsAbs(rel) {
			return fmt.Errorf("%s: %w", rel, errAbsoluteLayout)
		}
	}

	if filepath.Base(cfg.LibraryName) != cfg.LibraryName {
		return fmt.Errorf("library name %q must not contain directories", cfg.LibraryName)
	}

	if len(cfg.Targets) > 0 {
		if err := target.ValidateAll(cfg.Targets); err != nil {
			return fmt.Errorf("invalid targets: %w", err)
		}
	}

	return nil
}

// BuildTargets returns the configured ABI table or the built-in one.
func (c *Config) BuildTargets() []target.Target {
	if len(c.Targets) > 0 {
		return append([]target.Target(nil), c.Targets...)
	}

	return target.Defaults()
}

// KnownChannels returns a copy of the channel table.
func (c *Config) KnownChannels() map[string]string {
	return maps.Clone(c.Channels)
}

// JNILibsRoot is the absolute-or-relative path of the packaging root.
func (c *Config) JNILibsRoot() string {
	return filepath.Join(c.ProjectDir, c.JNILibsDir)
}

// LibraryPath is where the daemon for t is packaged.
func (c *Config) LibraryPath(t *target.Target) string {
	return filepath.Join(c.JNILibsRoot(), t.JNIDir, c.LibraryName)
}

// BuildRoot is the scratch directory.
func (c *Config) BuildRoot() string {
	return filepath.Join(c.ProjectDir, c.BuildDir)
}

// ManifestPath is the location of the packaging manifest.
func (c *Config) ManifestPath() string {
	return filepath.Join(c.BuildRoot(), c.Manifest)
}

// PackageDir is the per-GOARCH package cache handed to the external build.
func (c *Config) PackageDir(t *target.Target) string {
	return filepath.Join(c.BuildRoot(), "go-packages", t.GoArch)
}
