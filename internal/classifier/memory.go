package classifier

import (
	"fmt"
	"sync"
	"syscall"

	"github.com/skypro1111/reuseportd/internal/steering"
)

// Memory is the portable classifier. It enforces the attach protocol but leaves
// socket selection to the kernel's default reuseport hashing.
type Memory struct {
	mu        sync.Mutex
	published map[int]steering.Table
	attached  bool
	attempts  int
}

// NewMemory creates a classifier with nothing published.
func NewMemory() *Memory {
	return &Memory{published: make(map[int]steering.Table)}
}

func (c *Memory) Publish(port int, t steering.Table) error {
	if t == nil {
		return &AttachError{Op: "publish", Port: port, Err: fmt.Errorf("nil steering table")}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.published[port] = t
	return nil
}

func (c *Memory) Attach(conn syscall.RawConn, port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.attempts++
	if c.attached {
		return &AttachError{Op: "attach", Port: port, Err: ErrAlreadyAttached}
	}

	t, ok := c.published[port]
	if !ok {
		return &AttachError{Op: "attach", Port: port, Err: ErrNotPublished}
	}
	entries, err := t.Entries()
	if err != nil {
		return &AttachError{Op: "attach", Port: port, Err: err}
	}
	if len(entries) == 0 {
		return &AttachError{Op: "attach", Port: port, Err: ErrNoGroup}
	}

	c.attached = true
	return nil
}

func (c *Memory) Attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached
}

// Attempts returns how many times Attach was called, successful or not.
func (c *Memory) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Memory) Unpublish(port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.published, port)
	return nil
}
