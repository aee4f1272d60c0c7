// Package common holds helpers shared by several services.
//
// It provides the checksum used to install, record and verify packaged
// native libraries.
//
//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common
