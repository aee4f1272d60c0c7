package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/nativepack/internal/domain/target"
)

// TestValidate checks defaults and layout validations for Config.
func TestValidate(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, Validate(nil), errConfigIsNotSet)

	// Empty config gets every default.
	cfg := new(Config)
	require.NoError(t, Validate(cfg))
	require.Equal(t, ".", cfg.ProjectDir)
	require.Equal(t, DefaultJNILibsDir, cfg.JNILibsDir)
	require.Equal(t, DefaultLibraryName, cfg.LibraryName)
	require.Equal(t, DefaultManifestFilename, cfg.Manifest)
	require.Len(t, cfg.Channels, 3)

	// Absolute layout path.
	cfg = &Config{JNILibsDir: "/tmp/jniLibs"}
	require.ErrorIs(t, Validate(cfg), errAbsoluteLayout)

	// Library name with a directory.
	cfg = &Config{LibraryName: "lib/libsyncthing.so"}
	require.Error(t, Validate(cfg))

	// Broken target override.
	cfg = &Config{Targets: []target.Target{{Arch: "arm64"}}}
	require.Error(t, Validate(cfg))
}

// TestSaveLoadRoundtrip ensures settings are persisted and loaded back correctly.
func TestSaveLoadRoundtrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "nativepack.yaml")

	targets := target.Defaults()[:2]
	targets[0].PatchTLS = false

	cfg := &Config{
		ProjectDir:  "/src/syncthing-android",
		LibraryName: "libdaemon.so",
		Targets:     targets,
		Channels:    map[string]string{"AAAA": "Nightly"},
	}

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.ProjectDir, loaded.ProjectDir)
	require.Equal(t, "libdaemon.so", loaded.LibraryName)
	require.Equal(t, targets, loaded.BuildTargets())
	require.Equal(t, map[string]string{"AAAA": "Nightly"}, loaded.KnownChannels())

	_, err = os.Stat(path)
	require.NoError(t, err)
}

// TestLoad_MissingFile distinguishes the default location from an explicit path.
func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestLayoutPaths verifies the derived packaging paths.
func TestLayoutPaths(t *testing.T) {
	t.Parallel()

	cfg := &Config{ProjectDir: "/work"}
	require.NoError(t, Validate(cfg))

	arm64, err := target.Find(cfg.BuildTargets(), "arm64")
	require.NoError(t, err)

	require.Equal(t, "/work/app/src/main/jniLibs/arm64-v8a/libsyncthing.so", cfg.LibraryPath(&arm64))
	require.Equal(t, "/work/syncthing/gobuild/native-libs.yaml", cfg.ManifestPath())
	require.Equal(t, "/work/syncthing/gobuild/go-packages/arm64", cfg.PackageDir(&arm64))
	require.Len(t, cfg.BuildTargets(), 4)
}
