package cmd

import (
	"github.com/spf13/cobra"

	"github.com/oshokin/nativepack/internal/service/certhash"
	"github.com/oshokin/nativepack/internal/service/packager"
	"github.com/oshokin/nativepack/internal/service/patcher"
	"github.com/oshokin/nativepack/internal/service/stager"
	"github.com/oshokin/nativepack/internal/toolchain"
)

// newPatchCommand raises the TLS alignment of the given files in place.
func newPatchCommand() *cobra.Command {
	var jobs int

	command := &cobra.Command{
		Use:   "patch FILE...",
		Short: "Raise the PT_TLS alignment of ELF files in place.",
		Long: `Raise the alignment of every PT_TLS program header below the class minimum.

Files that are not ELF or have an unknown class are reported and left untouched.
Malformed headers fail the command without modifying the file.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return patcher.Run(cmd.Context(), &patcher.Options{
				Paths:  args,
				Jobs:   jobs,
				Stdout: cmd.OutOrStdout(),
			})
		},
	}

	command.Flags().IntVarP(&jobs, "jobs", "j", 0, "files processed at once (0 means one per CPU)")

	return command
}

// newInspectCommand reports what patch would do.
func newInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE...",
		Short: "Report the PT_TLS alignment of ELF files without modifying them.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return patcher.Run(cmd.Context(), &patcher.Options{
				Paths:  args,
				DryRun: true,
				Stdout: cmd.OutOrStdout(),
			})
		},
	}
}

// newStageCommand moves built binaries into the jniLibs layout.
func newStageCommand() *cobra.Command {
	options := new(stager.Options)

	command := &cobra.Command{
		Use:   "stage --artifact ARCH=PATH...",
		Short: "Patch freshly built binaries and install them into jniLibs.",
		Long: `Patch and install the binaries produced by the per-architecture build.

Each artifact is given as ARCH=PATH where ARCH is an architecture name, a GOARCH
or a jniLibs directory name. Artifacts are processed in target table order and
installed as <jni_libs_dir>/<jni_dir>/<library_name>.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			options.ConfigPath = configPath

			return stager.Run(cmd.Context(), options)
		},
	}

	flags := command.Flags()
	flags.StringArrayVarP(&options.Artifacts, "artifact", "a", nil, "built binary as ARCH=PATH (repeatable)")
	flags.BoolVar(&options.ContinueOnError, "continue-on-error", false, "stage the remaining architectures after a failure")
	flags.BoolVar(&options.AllowUnpatched, "allow-unpatched", false, "install artifacts whose ELF headers cannot be patched")
	flags.BoolVar(&options.Keep, "keep", false, "copy artifacts instead of moving them")

	if err := command.MarkFlagRequired("artifact"); err != nil {
		panic(err)
	}

	return command
}

// newToolchainCommand prints the resolved cross-compilation settings.
func newToolchainCommand() *cobra.Command {
	options := new(toolchain.Options)
	v := toolchain.NewViper()

	command := &cobra.Command{
		Use:   "toolchain",
		Short: "Print the NDK compiler and Go environment for each target.",
		Long: `Resolve the NDK clang driver for each target.

The NDK is taken from ANDROID_NDK_HOME, or from ANDROID_HOME/ndk/NDK_VERSION.
Flags override the environment. The minimum SDK level is read from
app/build.gradle or app/build.gradle.kts unless --min-sdk is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			options.ConfigPath = configPath
			options.Viper = v
			options.Stdout = cmd.OutOrStdout()

			return toolchain.Run(cmd.Context(), options)
		},
	}

	flags := command.Flags()
	flags.StringSliceVar(&options.Arches, "arch", nil, "targets to resolve (default all)")
	flags.IntVar(&options.MinSDK, "min-sdk", 0, "minimum Android SDK level")
	flags.BoolVar(&options.Verify, "verify", false, "fail when a compiler is missing")
	flags.String("ndk-home", "", "NDK installation (overrides "+toolchain.KeyNDKHome+")")
	flags.String("android-home", "", "Android SDK root (overrides "+toolchain.KeyAndroidHome+")")
	flags.String("ndk-version", "", "NDK version under the SDK root (overrides "+toolchain.KeyNDKVersion+")")

	for key, flag := range map[string]string{
		toolchain.KeyNDKHome:     "ndk-home",
		toolchain.KeyAndroidHome: "android-home",
		toolchain.KeyNDKVersion:  "ndk-version",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	return command
}

// newManifestCommand records the packaged libraries.
func newManifestCommand() *cobra.Command {
	options := new(packager.Options)

	command := &cobra.Command{
		Use:   "manifest",
		Short: "Write the manifest of the packaged native libraries.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			options.ConfigPath = configPath

			return packager.RunManifest(cmd.Context(), options)
		},
	}

	command.Flags().StringVar(&options.ExportPath, "export", "", "also write a .tar.xz bundle to this path")

	return command
}

// newVerifyCommand checks the packaged libraries against the manifest.
func newVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check packaged libraries against the manifest.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return packager.RunVerify(cmd.Context(), &packager.Options{ConfigPath: configPath})
		},
	}
}

// newChannelCommand maps a signing certificate to its release channel.
func newChannelCommand() *cobra.Command {
	options := new(certhash.Options)

	command := &cobra.Command{
		Use:   "channel",
		Short: "Report which release channel a signing certificate belongs to.",
		Long: `Hash the APK signing certificate and look it up in the channel table.

Pass the output of "keytool -printcert -jarfile app.apk" with --keytool-output
("-" reads stdin), or the certificate itself with --cert.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			options.ConfigPath = configPath
			options.Stdin = cmd.InOrStdin()
			options.Stdout = cmd.OutOrStdout()

			return certhash.Run(cmd.Context(), options)
		},
	}

	flags := command.Flags()
	flags.StringVar(&options.KeytoolOutput, "keytool-output", "", "file with keytool -printcert output, - for stdin")
	flags.StringVar(&options.Certificate, "cert", "", "PEM or DER signing certificate")
	flags.StringVar(&options.BuildType, "build-type", "release", "APK build type shown in the report")
	command.MarkFlagsOneRequired("keytool-output", "cert")
	command.MarkFlagsMutuallyExclusive("keytool-output", "cert")

	return command
}

// newCleanCommand removes the packaged libraries and build output.
func newCleanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove the jniLibs layout and the build directory.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return packager.RunClean(cmd.Context(), &packager.Options{ConfigPath: configPath})
		},
	}
}
