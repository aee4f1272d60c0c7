// Package logger provides a small wrapper around zap to offer:
//   - a global sugared logger with a sane console encoder,
//   - context helpers (ToContext/FromContext/WithName/WithKV),
//   - level configuration and parsing utilities,
//   - convenience functions (Infof, WarnKV, etc.).
//
// Every build step accepts a context and extracts the logger from it, so the
// per-architecture fields attached by the stager show up on every line the
// patcher prints.
package logger
