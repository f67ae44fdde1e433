package affinity

import (
	"errors"
	"fmt"
)

// MaxCPU bounds the CPU ids accepted by Pin. It matches the kernel's default cpu_set_t size.
const MaxCPU = 1024

// ErrUnsupported is returned on platforms without per-thread affinity.
var ErrUnsupported = errors.New("cpu affinity not supported on this platform")

// Pinner binds the calling thread to one logical CPU.
type Pinner interface {
	Pin(cpu int) error
}

// PinnerFunc adapts a function to the Pinner interface.
type PinnerFunc func(cpu int) error

// Pin calls f(cpu).
func (f PinnerFunc) Pin(cpu int) error {
	return f(cpu)
}

// Error reports an operating system refusal to pin a thread.
type Error struct {
	CPU int
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("pin thread to cpu %d: %v", e.CPU, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// System pins threads using the operating system scheduler.
var System Pinner = PinnerFunc(Pin)

func checkRange(cpu int) {
	if cpu < 0 || cpu >= MaxCPU {
		panic(fmt.Sprintf("affinity: cpu %d out of range [0, %d)", cpu, MaxCPU))
	}
}
