// Package cpu exposes the handful of privileged instructions the kernel
// needs before any driver is available.
package cpu

// Halt disables interrupts and stops instruction execution. It never returns
// on real hardware.
func Halt()
