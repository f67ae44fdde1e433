package steering

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no table is published under a name,
	// or when a CPU has no entry.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a CPU already has an entry.
	ErrAlreadyExists = errors.New("already exists")

	// ErrOutOfRange is returned for CPU ids outside [0, capacity).
	ErrOutOfRange = errors.New("cpu out of range")

	// ErrForeignTable is returned when a table is published to a store that did not create it.
	ErrForeignTable = errors.New("table belongs to a different store")
)

// Entry is one registration in the table. Socket identifies the registered socket:
// the descriptor for in-memory tables, the kernel socket cookie for kernel tables.
type Entry struct {
	CPU    int    `json:"cpu"`
	Socket uint64 `json:"socket"`
}

// Table maps CPU ids to sockets. Inserts never overwrite.
type Table interface {
	// Insert registers fd for cpu if cpu has no entry yet.
	Insert(cpu int, fd uintptr) error
	// Lookup returns the entry for cpu, if any.
	Lookup(cpu int) (Entry, bool, error)
	// Delete removes the entry for cpu. Only used when a worker shuts down.
	Delete(cpu int) error
	// Entries returns all present entries ordered by CPU.
	Entries() ([]Entry, error)
	// Capacity is the number of CPU slots.
	Capacity() int
	// Close releases this handle. The published table outlives the handle.
	Close() error
}

// Store hosts published tables.
type Store interface {
	// Create allocates an unpublished table with capacity slots.
	Create(capacity int) (Table, error)
	// Publish makes t addressable as name, replacing whatever was published there before.
	Publish(name string, t Table) error
	// Open looks up a published table. It fails with ErrNotFound before Publish.
	Open(name string) (Table, error)
	// Unpublish removes name. Removing a missing name is not an error.
	Unpublish(name string) error
}

// MapName returns the published name of the steering table for port.
func MapName(port int) string {
	return fmt.Sprintf("reuseport_map_%05d", port)
}

// ProgName returns the published name of the classifier for port.
func ProgName(port int) string {
	return fmt.Sprintf("reuseport_prog_%05d", port)
}

// TableError describes a failed table operation.
type TableError struct {
	Op   string
	Name string
	CPU  int
	Err  error
}

func (e *TableError) Error() string {
	switch {
	case e.Name != "" && e.CPU >= 0:
		return fmt.Sprintf("steering %s %s cpu %d: %v", e.Op, e.Name, e.CPU, e.Err)
	case e.Name != "":
		return fmt.Sprintf("steering %s %s: %v", e.Op, e.Name, e.Err)
	case e.CPU >= 0:
		return fmt.Sprintf("steering %s cpu %d: %v", e.Op, e.CPU, e.Err)
	default:
		return fmt.Sprintf("steering %s: %v", e.Op, e.Err)
	}
}

func (e *TableError) Unwrap() error {
	return e.Err
}

func opError(op string, cpu int, err error) error {
	return &TableError{Op: op, CPU: cpu, Err: err}
}

func nameError(op, name string, err error) error {
	return &TableError{Op: op, Name: name, CPU: -1, Err: err}
}

func checkCPU(op string, cpu, capacity int) error {
	if cpu < 0 || cpu >= capacity {
		return opError(op, cpu, fmt.Errorf("%w: %d not in [0, %d)", ErrOutOfRange, cpu, capacity))
	}
	return nil
}
