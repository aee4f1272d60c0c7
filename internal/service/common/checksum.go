//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"crypto"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	// Ensure SHA512 available for checksum calculation.
	_ "crypto/sha512"
)

const (
	// DefaultChecksumFunction is used to hash packaged libraries.
	DefaultChecksumFunction crypto.Hash = crypto.SHA512

	// DefaultLibraryMode is the mode packaged libraries are installed with.
	DefaultLibraryMode os.FileMode = 0o755
)

// ErrChecksumMismatch is returned when a file no longer matches its recorded checksum.
var ErrChecksumMismatch = errors.New("checksum mismatch")

var errHashUnavailable = errors.New("hash function unavailable")

// FileChecksum returns checksum bytes for a file using DefaultChecksumFunction.
func FileChecksum(path string) ([]byte, error) {
	if !DefaultChecksumFunction.Available() {
		return nil, fmt.Errorf("checksum calculation not possible: %w", errHashUnavailable)
	}

	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = file.Close()
	}()

	hasher := DefaultChecksumFunction.New()
	if _, err = io.Copy(hasher, file); err != nil {
		return nil, fmt.Errorf("calculate checksum: %w", err)
	}

	return hasher.Sum(nil), nil
}

// EncodeChecksum renders checksum bytes the way manifests store them.
func EncodeChecksum(sum []byte) string {
	return base64.StdEncoding.EncodeToString(sum)
}

// VerifyChecksum compares the file at path against an encoded checksum.
func VerifyChecksum(path, encoded string) error {
	sum, err := FileChecksum(path)
	if err != nil {
		return err
	}

	if EncodeChecksum(sum) != encoded {
		return fmt.Errorf("%s: %w", path, ErrChecksumMismatch)
	}

	return nil
}
