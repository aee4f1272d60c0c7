// Package toolchain resolves the Android NDK compiler for each build target.
//
// Discovery is driven by an explicit Env value loaded through viper, so the
// caller decides where settings come from and nothing here mutates the
// process environment. The result is a BuildSettings value per target that
// an external build step can turn into a compiler invocation.
package toolchain
