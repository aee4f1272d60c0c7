// Package version exposes nativepack build metadata.
//
// Version, Commit and BuildTime are injected with -ldflags at release time.
// The version string is also recorded in every packaging manifest.
package version
