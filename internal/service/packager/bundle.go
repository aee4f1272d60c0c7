package packager

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ulikunitz/xz"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/nativepack/internal/config"
	"github.com/oshokin/nativepack/internal/logger"
	"github.com/oshokin/nativepack/internal/service/common"
)

// Export writes a .tar.xz bundle holding the manifest followed by every library
// it lists, laid out as <jni_dir>/<library_name>.
func Export(ctx context.Context, cfg *config.Config, manifest *Manifest, out string) (err error) {
	if manifest == nil || len(manifest.Libraries) == 0 {
		return errEmptyManifest
	}

	if err = os.MkdirAll(filepath.Dir(out), config.DefaultDirPermissions); err != nil {
		return fmt.Errorf("create bundle directory: %w", err)
	}

	file, err := os.Create(filepath.Clean(out))
	if err != nil {
		return fmt.Errorf("create bundle: %w", err)
	}

	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close bundle: %w", closeErr)
		}
	}()

	compressor, err := xz.NewWriter(file)
	if err != nil {
		return fmt.Errorf("create xz writer: %w", err)
	}

	archive := tar.NewWriter(compressor)

	if err = writeManifestEntry(archive, cfg, manifest); err != nil {
		return err
	}

	for _, arch := range manifest.Architectures() {
		library := manifest.Libraries[arch]

		path, pathErr := libraryPath(cfg, &library)
		if pathErr != nil {
			return fmt.Errorf("%s: %w", arch, pathErr)
		}

		if err = common.VerifyChecksum(path, library.Checksum); err != nil {
			return fmt.Errorf("%s: %w", arch, err)
		}

		if err = writeFileEntry(archive, library.Path, path); err != nil {
			return err
		}

		logger.DebugKV(ctx, "Bundled library", "arch", arch, "path", library.Path)
	}

	if err = archive.Close(); err != nil {
		return fmt.Errorf("finish tar stream: %w", err)
	}

	if err = compressor.Close(); err != nil {
		return fmt.Errorf("finish xz stream: %w", err)
	}

	logger.InfoKV(ctx, "Bundle written", "path", out, "libraries", len(manifest.Libraries))

	return nil
}

// ReadBundle lists the entries of a bundle written by Export and returns the
// contents of each one.
func ReadBundle(path string) (map[string][]byte, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = file.Close()
	}()

	decompressor, err := xz.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("open xz stream: %w", err)
	}

	archive := tar.NewReader(decompressor)
	entries := make(map[string][]byte)

	for {
		header, nextErr := archive.Next()
		if nextErr == io.EOF {
			break
		}

		if nextErr != nil {
			return nil, fmt.Errorf("read tar entry: %w", nextErr)
		}

		data, readErr := io.ReadAll(archive)
		if readErr != nil {
			return nil, fmt.Errorf("read %s: %w", header.Name, readErr)
		}

		entries[header.Name] = data
	}

	return entries, nil
}

// writeManifestEntry adds the manifest as the first archive member.
func writeManifestEntry(archive *tar.Writer, cfg *config.Config, manifest *Manifest) error {
	contents, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	header := &tar.Header{
		Name:    cfg.Manifest,
		Mode:    config.DefaultFilePermissions,
		Size:    int64(len(contents)),
		ModTime: manifest.CreatedAt,
	}

	if err = archive.WriteHeader(header); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}

	if _, err = archive.Write(contents); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	return nil
}

// writeFileEntry copies the file at path into the archive under name.
func writeFileEntry(archive *tar.Writer, name, path string) error {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return err
	}

	defer func() {
		_ = file.Close()
	}()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("tar header for %s: %w", path, err)
	}

	header.Name = name
	header.Mode = int64(common.DefaultLibraryMode)

	if err = archive.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %s: %w", name, err)
	}

	if _, err = io.Copy(archive, file); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}

	return nil
}
