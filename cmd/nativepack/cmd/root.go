package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/nativepack/internal/config"
	"github.com/oshokin/nativepack/internal/logger"
	"github.com/oshokin/nativepack/internal/version"
)

var (
	// configPath stores the path to the configuration YAML file.
	configPath string
	// logLevel is the zap level name applied before any subcommand runs.
	logLevel string

	// rootCmd represents the base command when called without any subcommands.
	rootCmd = &cobra.Command{
		Use:   "nativepack",
		Short: "Patch and package the native syncthing libraries of the Android app.",
		Long: `Build glue for the Android syncthing native libraries.

Raises the alignment of the PT_TLS segment of freshly built ELF binaries to the
minimum the Android dynamic linker expects (32 bytes for 32-bit, 64 bytes for
64-bit objects), moves them into the jniLibs layout of the app, and records,
verifies and bundles the result.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if !logger.Configure(logLevel) {
				return fmt.Errorf("unknown log level %q", logLevel)
			}

			return nil
		},
	}
)

// Execute runs the nativepack CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	// Setup graceful shutdown handling.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)

	err := rootCmd.ExecuteContext(ctx)

	stop()

	if err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newPatchCommand(),
		newInspectCommand(),
		newStageCommand(),
		newToolchainCommand(),
		newManifestCommand(),
		newVerifyCommand(),
		newChannelCommand(),
		newCleanCommand(),
	)
}
