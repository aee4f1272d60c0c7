package target

import (
	"errors"
	"fmt"
	"strings"
)

// Target describes one Android ABI the daemon is cross-compiled for.
type Target struct {
	// Arch is the short name used on the command line (arm, arm64, x86, x86_64).
	Arch string `yaml:"arch"`
	// GoArch is the GOARCH value passed to the Go toolchain.
	GoArch string `yaml:"goarch"`
	// JNIDir is the ABI directory under jniLibs.
	JNIDir string `yaml:"jni_dir"`
	// Triple is the clang target triple without the API suffix.
	Triple string `yaml:"triple"`
	// MinAPI is the lowest Android API level the NDK ships a compiler for.
	MinAPI int `yaml:"min_api"`
	// PatchTLS enables the PT_TLS alignment fix for artifacts of this target.
	PatchTLS bool `yaml:"patch_tls"`
}

var (
	// ErrUnknownArch is returned when a requested architecture is not in the table.
	ErrUnknownArch = errors.New("unknown architecture")
	// errEmptyTable is returned when no targets are configured.
	errEmptyTable = errors.New("no build targets configured")
	// errDuplicateArch is returned when the same architecture is listed twice.
	errDuplicateArch = errors.New("duplicate architecture")
	// errMissingField is returned when a target lacks a required field.
	errMissingField = errors.New("missing required field")
)

// Defaults returns the four Android ABIs in build order.
func Defaults() []Target {
	return []Target{
		{
			Arch:     "arm",
			GoArch:   "arm",
			JNIDir:   "armeabi",
			Triple:   "armv7a-linux-androideabi",
			MinAPI:   16,
			PatchTLS: true,
		},
		{
			Arch:     "arm64",
			GoArch:   "arm64",
			JNIDir:   "arm64-v8a",
			Triple:   "aarch64-linux-android",
			MinAPI:   21,
			PatchTLS: true,
		},
		{
			Arch:     "x86",
			GoArch:   "386",
			JNIDir:   "x86",
			Triple:   "i686-linux-android",
			MinAPI:   16,
			PatchTLS: true,
		},
		{
			Arch:     "x86_64",
			GoArch:   "amd64",
			JNIDir:   "x86_64",
			Triple:   "x86_64-linux-android",
			MinAPI:   21,
			PatchTLS: true,
		},
	}
}

// Compiler returns the clang driver name for the given project min SDK,
// e.g. aarch64-linux-android21-clang.
func (t *Target) Compiler(minSDK int) string {
	return fmt.Sprintf("%s%d-clang", t.Triple, max(t.MinAPI, minSDK))
}

// Validate checks that the target has every field the build needs.
func (t *Target) Validate() error {
	fields := map[string]string{
		"arch":    t.Arch,
		"goarch":  t.GoArch,
		"jni_dir": t.JNIDir,
		"triple":  t.Triple,
	}

	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("target %q: %s: %w", t.Arch, name, errMissingField)
		}
	}

	return nil
}

// ValidateAll checks each target and rejects duplicate architectures.
func ValidateAll(targets []Target) error {
	if len(targets) == 0 {
		return errEmptyTable
	}

	seen := make(map[string]struct{}, len(targets))

	for i := range targets {
		if err := targets[i].Validate(); err != nil {
			return err
		}

		if _, ok := seen[targets[i].Arch]; ok {
			return fmt.Errorf("%s: %w", targets[i].Arch, errDuplicateArch)
		}

		seen[targets[i].Arch] = struct{}{}
	}

	return nil
}

// Find returns the target with the given architecture name.
// GOARCH and JNI directory names are accepted as aliases.
func Find(targets []Target, arch string) (Target, error) {
	arch = strings.TrimSpace(arch)

	for _, t := range targets {
		if t.Arch == arch || t.GoArch == arch || t.JNIDir == arch {
			return t, nil
		}
	}

	return Target{}, fmt.Errorf("%q: %w", arch, ErrUnknownArch)
}

// Select returns the targets named in arches, keeping table order.
// An empty selection means every target.
func Select(targets []Target, arches []string) ([]Target, error) {
	if len(arches) == 0 {
		return append([]Target(nil), targets...), nil
	}

	wanted := make(map[string]struct{}, len(arches))

	for _, arch := range arches {
		t, err := Find(targets, arch)
		if err != nil {
			return nil, err
		}

		wanted[t.Arch] = struct{}{}
	}

	selected := make([]Target, 0, len(wanted))

	for _, t := range targets {
		if _, ok := wanted[t.Arch]; ok {
			selected = append(selected, t)
		}
	}

	return selected, nil
}
