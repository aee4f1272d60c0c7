package toolchain

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/oshokin/nativepack/internal/config"
	"github.com/oshokin/nativepack/internal/domain/target"
	"github.com/oshokin/nativepack/internal/logger"
)

// Options are inputs accepted by the toolchain entry point.
type Options struct {
	// ConfigPath is the optional path to the settings YAML file.
	ConfigPath string
	// Arches restricts the output to these targets; empty means all.
	Arches []string
	// MinSDK overrides the value read from the gradle build file.
	MinSDK int
	// Verify fails when a resolved compiler is missing.
	Verify bool
	// Viper carries the environment and flag overrides; nil binds the process environment.
	Viper *viper.Viper
	// Stdout receives the rendered settings.
	Stdout io.Writer
}

// Run resolves the build settings for the selected targets and prints them as
// one block of KEY=VALUE lines per target.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "toolchain")

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	targets, err := target.Select(cfg.BuildTargets(), opts.Arches)
	if err != nil {
		return err
	}

	v := opts.Viper
	if v == nil {
		v = NewViper()
	}

	resolver := &Resolver{
		Env:    LoadEnv(v),
		MinSDK: opts.MinSDK,
	}

	settings, err := resolver.Resolve(cfg, targets)
	if err != nil {
		return err
	}

	if opts.Verify {
		if err = Verify(settings); err != nil {
			return err
		}

		logger.InfoKV(ctx, "All compilers found", "targets", len(settings))
	}

	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	_, err = io.WriteString(stdout, Render(settings))

	return err
}

// Render prints settings as "# arch" headers followed by their environment.
func Render(settings []BuildSettings) string {
	var builder strings.Builder

	for i := range settings {
		if i > 0 {
			builder.WriteString("\n")
		}

		fmt.Fprintf(&builder, "# %s (%s)\n", settings[i].Target.Arch, settings[i].Target.JNIDir)

		for _, pair := range settings[i].Environ() {
			builder.WriteString(pair)
			builder.WriteString("\n")
		}

		builder.WriteString("PKGDIR=")
		builder.WriteString(settings[i].PkgDir)
		builder.WriteString("\n")
	}

	return builder.String()
}
