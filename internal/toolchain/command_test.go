package toolchain

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/nativepack/internal/config"
)

// TestRun prints settings for the selected targets using flag overrides.
func TestRun(t *testing.T) {
	t.Parallel()

	project := t.TempDir()
	configPath := filepath.Join(project, "nativepack.yaml")
	require.NoError(t, config.Save(configPath, &config.Config{ProjectDir: project}))
	writeScript(t, project, "build.gradle.kts", "android {\n    minSdk = 23\n}\n")

	v := viper.New()
	v.Set(KeyAndroidHome, filepath.Join(project, "sdk"))
	v.Set(KeyNDKVersion, "27.1.12297006")

	var out bytes.Buffer

	err := Run(context.Background(), &Options{
		ConfigPath: configPath,
		Arches:     []string{"arm64-v8a"},
		Viper:      v,
		Stdout:     &out,
	})
	require.NoError(t, err)

	rendered := out.String()
	require.True(t, strings.HasPrefix(rendered, "# arm64 (arm64-v8a)\n"))
	require.Contains(t, rendered, "GOARCH=arm64\n")
	require.Contains(t, rendered, filepath.Join("sdk", "ndk", "27.1.12297006", "toolchains"))
	require.Contains(t, rendered, "aarch64-linux-android23-clang")
	require.NotContains(t, rendered, "# x86")

	err = Run(context.Background(), &Options{
		ConfigPath: configPath,
		Viper:      v,
		Verify:     true,
		Stdout:     &out,
	})
	require.ErrorIs(t, err, errCompilerMissing)
}

// TestRun_NDKNotConfigured fails before printing anything.
func TestRun_NDKNotConfigured(t *testing.T) {
	t.Parallel()

	project := t.TempDir()
	configPath := filepath.Join(project, "nativepack.yaml")
	require.NoError(t, config.Save(configPath, &config.Config{ProjectDir: project}))

	var out bytes.Buffer

	err := Run(context.Background(), &Options{ConfigPath: configPath, MinSDK: 21, Viper: viper.New(), Stdout: &out})
	require.ErrorIs(t, err, ErrNDKNotConfigured)
	require.Empty(t, out.String())
}
