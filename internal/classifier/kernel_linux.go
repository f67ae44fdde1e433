//go:build linux

package classifier

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"golang.org/x/sys/unix"

	"github.com/skypro1111/reuseportd/internal/steering"
)

// skPass lets the packet through; with a socket selected it goes to that socket,
// otherwise the kernel falls back to hash selection.
const skPass = 1

// Kernel is an SK_REUSEPORT program pinned next to the steering map.
type Kernel struct {
	store *steering.KernelStore

	mu       sync.Mutex
	attached bool
}

// NewKernel creates a kernel classifier pinning into store's bpffs directory.
func NewKernel(store *steering.KernelStore) *Kernel {
	return &Kernel{store: store}
}

func newKernel(store steering.Store) (Classifier, error) {
	ks, ok := store.(*steering.KernelStore)
	if !ok {
		return nil, fmt.Errorf("kernel classifier requires a kernel steering store, got %T", store)
	}
	return NewKernel(ks), nil
}

// Instructions returns the classifier program for the steering map with descriptor mapFD:
//
//	key = bpf_get_smp_processor_id();
//	bpf_sk_select_reuseport(ctx, map, &key, 0);
//	return SK_PASS;
func Instructions(mapFD int) asm.Instructions {
	return asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),
		asm.FnGetSmpProcessorId.Call(),
		asm.StoreMem(asm.RFP, -4, asm.R0, asm.Word),
		asm.Mov.Reg(asm.R1, asm.R6),
		asm.LoadMapPtr(asm.R2, mapFD),
		asm.Mov.Reg(asm.R3, asm.RFP),
		asm.Add.Imm(asm.R3, -4),
		asm.Mov.Imm(asm.R4, 0),
		asm.FnSkSelectReuseport.Call(),
		asm.Mov.Imm(asm.R0, skPass),
		asm.Return(),
	}
}

// Publish loads the program against t's map and pins it under ProgName(port),
// unlinking any pin left by a previous run.
func (c *Kernel) Publish(port int, t steering.Table) error {
	m, ok := steering.KernelMap(t)
	if !ok {
		return &AttachError{Op: "publish", Port: port, Err: fmt.Errorf("steering table %T is not a kernel map", t)}
	}

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "reuseport_cpu",
		Type:         ebpf.SkReuseport,
		AttachType:   ebpf.AttachSkReuseportSelect,
		Instructions: Instructions(m.FD()),
		License:      "GPL",
	})
	if err != nil {
		return &AttachError{Op: "publish", Port: port, Err: fmt.Errorf("load program: %w", err)}
	}
	defer prog.Close()

	path := c.store.Path(steering.ProgName(port))
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &AttachError{Op: "publish", Port: port, Err: fmt.Errorf("unlink stale pin: %w", err)}
	}
	if err := prog.Pin(path); err != nil {
		return &AttachError{Op: "publish", Port: port, Err: err}
	}
	return nil
}

// Attach sets SO_ATTACH_REUSEPORT_EBPF on conn's socket. The program then serves
// the whole group, so only one member ever attaches.
func (c *Kernel) Attach(conn syscall.RawConn, port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.attached {
		return &AttachError{Op: "attach", Port: port, Err: ErrAlreadyAttached}
	}

	prog, err := ebpf.LoadPinnedProgram(c.store.Path(steering.ProgName(port)), nil)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &AttachError{Op: "attach", Port: port, Err: ErrNotPublished}
		}
		return &AttachError{Op: "attach", Port: port, Err: err}
	}
	defer prog.Close()

	var sockErr error
	ctrlErr := conn.Control(func(fd uintptr) {
		shared, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT)
		if err != nil {
			sockErr = err
			return
		}
		if shared == 0 {
			sockErr = ErrNoGroup
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ATTACH_REUSEPORT_EBPF, prog.FD())
	})
	if err := errors.Join(ctrlErr, sockErr); err != nil {
		return &AttachError{Op: "attach", Port: port, Err: err}
	}

	c.attached = true
	return nil
}

func (c *Kernel) Attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached
}

func (c *Kernel) Unpublish(port int) error {
	path := c.store.Path(steering.ProgName(port))
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &AttachError{Op: "unpublish", Port: port, Err: err}
	}
	return nil
}
