package classifier

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/skypro1111/reuseportd/internal/steering"
)

var (
	// ErrAlreadyAttached is returned by every Attach after the first successful one.
	ErrAlreadyAttached = errors.New("classifier already attached to reuseport group")

	// ErrNoGroup is returned when the socket has not joined a reuseport group
	// or nothing is registered in the steering table yet.
	ErrNoGroup = errors.New("no reuseport group to attach to")

	// ErrNotPublished is returned when no classifier was published for the port.
	ErrNotPublished = errors.New("classifier not published")
)

// Classifier steers datagrams of a reuseport group to the socket of the receiving CPU.
type Classifier interface {
	// Publish makes the classifier for port available, bound to table t.
	Publish(port int, t steering.Table) error
	// Attach applies the published classifier to the group conn belongs to.
	Attach(conn syscall.RawConn, port int) error
	// Attached reports whether Attach has succeeded.
	Attached() bool
	// Unpublish removes the published classifier for port.
	Unpublish(port int) error
}

// AttachError describes a failed publish or attach.
type AttachError struct {
	Op   string
	Port int
	Err  error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("classifier %s for port %d: %v", e.Op, e.Port, e.Err)
}

func (e *AttachError) Unwrap() error {
	return e.Err
}

// New returns the classifier matching a steering backend.
func New(backend string, store steering.Store) (Classifier, error) {
	switch backend {
	case steering.BackendMemory:
		return NewMemory(), nil
	case steering.BackendKernel:
		return newKernel(store)
	default:
		return nil, fmt.Errorf("unknown classifier backend %q", backend)
	}
}
