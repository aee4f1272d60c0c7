// Package elftls fixes under-aligned thread-local-storage segments in ELF
// executables.
//
// Go-built Android binaries can carry a PT_TLS program header whose p_align is
// smaller than the dynamic linker expects (32 bytes for 32-bit, 64 bytes for
// 64-bit). Such a binary loads, then crashes on first TLS access. Patch
// rewrites that single field in place, at the width it was read with, and
// leaves every other byte alone. Files that are not ELF, or have an unknown
// class, are reported and skipped.
package elftls
