package certhash

import (
	"bufio"
	"crypto/sha1" //nolint:gosec // Release channels are identified by SHA-1 certificate fingerprints.
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"strings"
)

// InvalidChannel is reported for signing certificates that match no release channel.
const InvalidChannel = "INVALID_CHANNEL"

// keytoolPrefix starts the fingerprint line of `keytool -printcert`.
const keytoolPrefix = "SHA1:"

var (
	// ErrFingerprintNotFound is returned when keytool output has no SHA1 line.
	ErrFingerprintNotFound = errors.New("SHA1 fingerprint not found")
	// errNotCertificate is returned when data is neither PEM nor DER X.509.
	errNotCertificate = errors.New("not an X.509 certificate")
)

// ParseKeytool extracts the SHA-1 fingerprint from `keytool -printcert` output
// and returns it base64-encoded.
func ParseKeytool(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		value, ok := strings.CutPrefix(line, keytoolPrefix)
		if !ok {
			continue
		}

		digest, err := hex.DecodeString(strings.ReplaceAll(strings.TrimSpace(value), ":", ""))
		if err != nil {
			return "", fmt.Errorf("decode fingerprint %q: %w", strings.TrimSpace(value), err)
		}

		if len(digest) != sha1.Size {
			return "", fmt.Errorf("fingerprint has %d bytes, want %d: %w", len(digest), sha1.Size, ErrFingerprintNotFound)
		}

		return base64.StdEncoding.EncodeToString(digest), nil
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read keytool output: %w", err)
	}

	return "", ErrFingerprintNotFound
}

// FromCertificate hashes a PEM or DER encoded X.509 certificate.
func FromCertificate(data []byte) (string, error) {
	der := data

	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errNotCertificate, err)
	}

	digest := sha1.Sum(cert.Raw) //nolint:gosec // See import.

	return base64.StdEncoding.EncodeToString(digest[:]), nil
}

// Channel returns the release channel signed with hash, or InvalidChannel.
func Channel(channels map[string]string, hash string) string {
	if name, ok := channels[hash]; ok {
		return name
	}

	return InvalidChannel
}
