// Package patcher applies the TLS alignment fix to a list of files and
// reports the outcome for each one.
package patcher
