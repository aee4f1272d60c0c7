// Package stager installs freshly built syncthing binaries into the jniLibs
// layout of the app.
//
// Each artifact is TLS-patched when its target asks for it, then swapped into
// place atomically with a checksum check. A marker file in the build directory
// keeps concurrent runs apart.
package stager
