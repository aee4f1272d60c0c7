package toolchain

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"

	"github.com/oshokin/nativepack/internal/config"
	"github.com/oshokin/nativepack/internal/domain/target"
)

// Environment keys consulted for NDK discovery.
const (
	KeyNDKHome     = "ANDROID_NDK_HOME"
	KeyAndroidHome = "ANDROID_HOME"
	KeyNDKVersion  = "NDK_VERSION"
)

var (
	// ErrNDKNotConfigured is returned when neither ANDROID_NDK_HOME nor
	// ANDROID_HOME plus NDK_VERSION are provided.
	ErrNDKNotConfigured = errors.New(
		"ANDROID_NDK_HOME or NDK_VERSION and ANDROID_HOME environment variable must be defined")
	// ErrUnsupportedHost is returned for build hosts the NDK ships no prebuilt toolchain for.
	ErrUnsupportedHost = errors.New("unsupported build host")
	// errCompilerMissing is returned by Verify when the resolved compiler does not exist.
	errCompilerMissing = errors.New("compiler not found")
)

// Env is the explicit toolchain configuration, captured once instead of read
// from the process environment at every use.
type Env struct {
	// NDKHome points directly at an NDK installation.
	NDKHome string
	// AndroidHome is the SDK root containing ndk/<version>.
	AndroidHome string
	// NDKVersion selects the NDK under AndroidHome.
	NDKVersion string
}

// hostPlatformDirs maps GOOS to the NDK prebuilt directory.
//
//nolint:gochecknoglobals // Read-only lookup table.
var hostPlatformDirs = map[string]string{
	"windows": "windows-x86_64",
	"linux":   "linux-x86_64",
	"darwin":  "darwin-x86_64",
}

// BuildSettings is everything the external build step needs for one target.
type BuildSettings struct {
	// Target is the ABI being built.
	Target target.Target
	// CC is the absolute path of the clang driver.
	CC string
	// GOOS is always android.
	GOOS string
	// GOARCH mirrors Target.GoArch.
	GOARCH string
	// CGOEnabled is always true: the daemon links against bionic through cgo.
	CGOEnabled bool
	// PkgDir is the per-architecture package cache directory.
	PkgDir string
}

// Environ renders the settings as KEY=VALUE pairs for an exec.Cmd.
func (s *BuildSettings) Environ() []string {
	cgo := "0"
	if s.CGOEnabled {
		cgo = "1"
	}

	return []string{
		"GO111MODULE=on",
		"CGO_ENABLED=" + cgo,
		"GOOS=" + s.GOOS,
		"GOARCH=" + s.GOARCH,
		"CC=" + s.CC,
	}
}

// LoadEnv reads the NDK keys from v, which is expected to have the process
// environment and any command line overrides bound.
func LoadEnv(v *viper.Viper) Env {
	return Env{
		NDKHome:     strings.TrimSpace(v.GetString(KeyNDKHome)),
		AndroidHome: strings.TrimSpace(v.GetString(KeyAndroidHome)),
		NDKVersion:  strings.TrimSpace(v.GetString(KeyNDKVersion)),
	}
}

// NewViper returns a viper instance bound to the NDK environment keys.
func NewViper() *viper.Viper {
	v := viper.New()

	for _, key := range []string{KeyNDKHome, KeyAndroidHome, KeyNDKVersion} {
		// BindEnv only fails when called without a key.
		_ = v.BindEnv(key)
	}

	return v
}

// NDKHome resolves the NDK installation directory.
func NDKHome(env Env) (string, error) {
	if env.NDKHome != "" {
		return env.NDKHome, nil
	}

	if env.NDKVersion == "" || env.AndroidHome == "" {
		return "", ErrNDKNotConfigured
	}

	return filepath.Join(env.AndroidHome, "ndk", env.NDKVersion), nil
}

// HostPlatformDir returns the NDK prebuilt directory name for goos.
func HostPlatformDir(goos string) (string, error) {
	dir, ok := hostPlatformDirs[goos]
	if !ok {
		return "", fmt.Errorf("%s: %w", goos, ErrUnsupportedHost)
	}

	return dir, nil
}

// CompilerPath returns the clang driver for t inside the NDK.
func CompilerPath(ndkHome, hostDir string, t *target.Target, minSDK int) string {
	return filepath.Join(ndkHome, "toolchains", "llvm", "prebuilt", hostDir, "bin", t.Compiler(minSDK))
}

// Resolver turns the target table into per-target BuildSettings.
type Resolver struct {
	// Env is the captured toolchain configuration.
	Env Env
	// GOOS is the build host; defaults to runtime.GOOS.
	GOOS string
	// MinSDK is the project min SDK; zero means read it from the project.
	MinSDK int
}

// Resolve computes BuildSettings for every target in targets.
func (r *Resolver) Resolve(cfg *config.Config, targets []target.Target) ([]BuildSettings, error) {
	ndkHome, err := NDKHome(r.Env)
	if err != nil {
		return nil, err
	}

	goos := r.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}

	hostDir, err := HostPlatformDir(goos)
	if err != nil {
		return nil, err
	}

	minSDK := r.MinSDK
	if minSDK == 0 {
		if minSDK, err = MinSDK(cfg.ProjectDir); err != nil {
			return nil, err
		}
	}

	settings := make([]BuildSettings, 0, len(targets))

	for i := range targets {
		t := targets[i]

		settings = append(settings, BuildSettings{
			Target:     t,
			CC:         CompilerPath(ndkHome, hostDir, &t, minSDK),
			GOOS:       "android",
			GOARCH:     t.GoArch,
			CGOEnabled: true,
			PkgDir:     cfg.PackageDir(&t),
		})
	}

	return settings, nil
}

// Verify checks that the compiler of each setting exists.
func Verify(settings []BuildSettings) error {
	var errs []error

	for i := range settings {
		if _, err := os.Stat(settings[i].CC); err != nil {
			errs = append(errs, fmt.Errorf("%s: %s: %w", settings[i].Target.Arch, settings[i].CC, errCompilerMissing))
		}
	}

	return errors.Join(errs...)
}
