//go:build !linux

package affinity

import "runtime"

// Pin always fails: running unpinned would silently defeat per-CPU locality.
func Pin(cpu int) error {
	checkRange(cpu)
	return &Error{CPU: cpu, Err: ErrUnsupported}
}

// Current is not available outside Linux.
func Current(cpu int) (bool, error) {
	return false, ErrUnsupported
}

// Allowed is not available outside Linux.
func Allowed() ([]int, error) {
	return nil, ErrUnsupported
}

// Restore is not available outside Linux.
func Restore(cpus []int) error {
	return ErrUnsupported
}

// Possible falls back to the CPUs visible to the runtime.
func Possible() (int, error) {
	return runtime.NumCPU(), nil
}
