// Package packager describes the native libraries the stager installed.
//
// It writes a YAML manifest with sizes, SHA-512 checksums and the PT_TLS
// alignment of every packaged library, verifies the layout against that
// manifest, exports a .tar.xz bundle and cleans the packaging directories.
package packager
