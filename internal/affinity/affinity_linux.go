//go:build linux

package affinity

import (
	"fmt"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"
)

// Pin restricts the calling thread to cpu via sched_setaffinity(2).
// Out-of-range ids panic; kernel refusals (EINVAL, EPERM) are returned as *Error.
func Pin(cpu int) error {
	checkRange(cpu)

	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return &Error{CPU: cpu, Err: err}
	}
	return nil
}

// Current reports whether the calling thread may run on cpu and nowhere else.
func Current(cpu int) (bool, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return false, err
	}
	return set.Count() == 1 && set.IsSet(cpu), nil
}

// Allowed returns the CPU ids the calling thread is currently allowed to run on.
func Allowed() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, err
	}
	cpus := make([]int, 0, set.Count())
	for cpu := 0; cpu < MaxCPU; cpu++ {
		if set.IsSet(cpu) {
			cpus = append(cpus, cpu)
		}
	}
	return cpus, nil
}

// Restore sets the calling thread's affinity back to cpus.
func Restore(cpus []int) error {
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range cpus {
		set.Set(cpu)
	}
	return unix.SchedSetaffinity(0, &set)
}

// Possible returns the number of possible CPUs, the range of ids the kernel may report
// as the current processor. It can exceed the CPUs this process is allowed to use.
func Possible() (int, error) {
	n, err := ebpf.PossibleCPU()
	if err != nil {
		return 0, fmt.Errorf("count possible cpus: %w", err)
	}
	if n > MaxCPU {
		return 0, fmt.Errorf("count possible cpus: %d exceeds %d", n, MaxCPU)
	}
	return n, nil
}
