// Package target holds the table of Android ABIs the daemon is built for.
package target
