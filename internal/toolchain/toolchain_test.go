package toolchain

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/nativepack/internal/config"
	"github.com/oshokin/nativepack/internal/domain/target"
)

// TestNDKHome covers the resolution order of the NDK location.
func TestNDKHome(t *testing.T) {
	t.Parallel()

	home, err := NDKHome(Env{NDKHome: "/opt/ndk", AndroidHome: "/sdk", NDKVersion: "25.2.9519653"})
	require.NoError(t, err)
	require.Equal(t, "/opt/ndk", home)

	home, err = NDKHome(Env{AndroidHome: "/sdk", NDKVersion: "25.2.9519653"})
	require.NoError(t, err)
	require.Equal(t, "/sdk/ndk/25.2.9519653", home)

	_, err = NDKHome(Env{AndroidHome: "/sdk"})
	require.ErrorIs(t, err, ErrNDKNotConfigured)

	_, err = NDKHome(Env{})
	require.ErrorIs(t, err, ErrNDKNotConfigured)
}

// TestHostPlatformDir accepts the three NDK hosts only.
func TestHostPlatformDir(t *testing.T) {
	t.Parallel()

	dir, err := HostPlatformDir("linux")
	require.NoError(t, err)
	require.Equal(t, "linux-x86_64", dir)

	_, err = HostPlatformDir("plan9")
	require.ErrorIs(t, err, ErrUnsupportedHost)
}

// TestLoadEnv reads keys through viper overrides.
func TestLoadEnv(t *testing.T) {
	t.Parallel()

	v := NewViper()
	v.Set(KeyAndroidHome, " /sdk ")
	v.Set(KeyNDKVersion, "25.2.9519653")

	env := LoadEnv(v)
	require.Equal(t, "/sdk", env.AndroidHome)
	require.Equal(t, "25.2.9519653", env.NDKVersion)
}

// TestMinSDK parses both Groovy and Kotlin build scripts.
func TestMinSDK(t *testing.T) {
	t.Parallel()

	groovy := t.TempDir()
	writeScript(t, groovy, "build.gradle", "android {\n    defaultConfig {\n        minSdkVersion 21\n    }\n}\n")

	value, err := MinSDK(groovy)
	require.NoError(t, err)
	require.Equal(t, 21, value)

	kotlin := t.TempDir()
	writeScript(t, kotlin, "build.gradle.kts", "android {\n    defaultConfig {\n        minSdk = 23\n        targetSdk = 33\n    }\n}\n")

	value, err = MinSDK(kotlin)
	require.NoError(t, err)
	require.Equal(t, 23, value)

	_, err = MinSDK(t.TempDir())
	require.ErrorIs(t, err, ErrMinSDKNotFound)

	broken := t.TempDir()
	writeScript(t, broken, "build.gradle", "minSdkVersion twenty\n")

	_, err = MinSDK(broken)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrMinSDKNotFound)
}

// TestResolve builds per-target settings and reports missing compilers.
func TestResolve(t *testing.T) {
	t.Parallel()

	project := t.TempDir()
	cfg := &config.Config{ProjectDir: project}
	require.NoError(t, config.Validate(cfg))

	resolver := &Resolver{
		Env:    Env{NDKHome: filepath.Join(project, "ndk")},
		GOOS:   "linux",
		MinSDK: 21,
	}

	targets, err := target.Select(target.Defaults(), []string{"arm", "x86_64"})
	require.NoError(t, err)

	settings, err := resolver.Resolve(cfg, targets)
	require.NoError(t, err)
	require.Len(t, settings, 2)

	bin := filepath.Join(project, "ndk", "toolchains", "llvm", "prebuilt", "linux-x86_64", "bin")
	require.Equal(t, filepath.Join(bin, "armv7a-linux-androideabi21-clang"), settings[0].CC)
	require.Equal(t, "amd64", settings[1].GOARCH)
	require.Contains(t, settings[1].Environ(), "GOOS=android")
	require.Contains(t, settings[1].Environ(), "CGO_ENABLED=1")
	require.Equal(t, cfg.PackageDir(&settings[1].Target), settings[1].PkgDir)

	require.ErrorIs(t, Verify(settings), errCompilerMissing)

	require.NoError(t, os.MkdirAll(bin, 0o755))

	for _, s := range settings {
		require.NoError(t, os.WriteFile(s.CC, nil, 0o755))
	}

	require.NoError(t, Verify(settings))
}

// writeScript creates app/<name> under project.
func writeScript(t *testing.T, project, name, contents string) {
	t.Helper()

	dir := filepath.Join(project, "app")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o600))
}
