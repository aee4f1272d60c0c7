package certhash

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/oshokin/nativepack/internal/config"
	"github.com/oshokin/nativepack/internal/logger"
)

// Options are inputs accepted by the channel lookup entry point.
type Options struct {
	// ConfigPath is the optional path to the settings YAML file.
	ConfigPath string
	// KeytoolOutput is a file holding `keytool -printcert` output; "-" reads stdin.
	KeytoolOutput string
	// Certificate is a PEM or DER signing certificate.
	Certificate string
	// BuildType names the APK flavour in the report, e.g. debug or release.
	BuildType string
	// Stdin replaces os.Stdin when KeytoolOutput is "-".
	Stdin io.Reader
	// Stdout receives the report line.
	Stdout io.Writer
}

var (
	// errNoInput is returned when neither keytool output nor a certificate was given.
	errNoInput = errors.New("either keytool output or a certificate is required")
	// errBothInputs is returned when both inputs were given.
	errBothInputs = errors.New("keytool output and certificate are mutually exclusive")
)

// Run hashes the signing certificate and prints the release channel it belongs to.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "certhash")

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	hash, err := hashFromOptions(opts)
	if err != nil {
		return err
	}

	channel := Channel(cfg.KnownChannels(), hash)
	if channel == InvalidChannel {
		logger.WarnKV(ctx, "Signing certificate matches no release channel", "hash", hash)
	}

	buildType := opts.BuildType
	if buildType == "" {
		buildType = "release"
	}

	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	_, err = fmt.Fprintf(stdout, "Built %s APK for %s (signing certificate hash: %s)\n", buildType, channel, hash)

	return err
}

// hashFromOptions reads whichever input was provided.
func hashFromOptions(opts *Options) (string, error) {
	switch {
	case opts.KeytoolOutput == "" && opts.Certificate == "":
		return "", errNoInput
	case opts.KeytoolOutput != "" && opts.Certificate != "":
		return "", errBothInputs
	case opts.Certificate != "":
		data, err := os.ReadFile(filepath.Clean(opts.Certificate))
		if err != nil {
			return "", fmt.Errorf("read certificate: %w", err)
		}

		return FromCertificate(data)
	case opts.KeytoolOutput == "-":
		stdin := opts.Stdin
		if stdin == nil {
			stdin = os.Stdin
		}

		return ParseKeytool(stdin)
	default:
		file, err := os.Open(filepath.Clean(opts.KeytoolOutput))
		if err != nil {
			return "", fmt.Errorf("open keytool output: %w", err)
		}

		defer func() {
			_ = file.Close()
		}()

		return ParseKeytool(file)
	}
}
