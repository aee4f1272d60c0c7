// Package config defines the packaging layout used by nativepack and provides
// helpers to load, validate and save it in YAML format.
//
// The Config type holds the project directory, the jniLibs layout, the
// optional ABI table override and the table of known signing certificates.
package config
