// Package marker implements the PID marker file that keeps two nativepack
// runs from writing the same packaging layout at once.
package marker
