//go:build linux

package steering

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
	"golang.org/x/sys/unix"
)

// DefaultPinPath is where bpffs is conventionally mounted.
const DefaultPinPath = "/sys/fs/bpf"

// KernelStore publishes tables as REUSEPORT_SOCKARRAY maps pinned in bpffs.
type KernelStore struct {
	pinPath string
}

// NewKernelStore checks that pinPath is a bpffs mount and lifts the memlock
// rlimit so maps can be created on kernels that still charge it.
func NewKernelStore(pinPath string) (*KernelStore, error) {
	if pinPath == "" {
		pinPath = DefaultPinPath
	}
	if err := CheckBPFFS(pinPath); err != nil {
		return nil, err
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("remove memlock rlimit: %w", err)
	}
	return &KernelStore{pinPath: pinPath}, nil
}

// CheckBPFFS returns an error unless path is on a bpf filesystem.
func CheckBPFFS(path string) error {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return fmt.Errorf("stat pin path %s: %w", path, err)
	}
	if uint32(st.Type) != uint32(unix.BPF_FS_MAGIC) {
		return fmt.Errorf("pin path %s is not a bpffs mount (mount -t bpf bpf %s)", path, path)
	}
	return nil
}

// Path returns the pin file for a published name.
func (s *KernelStore) Path(name string) string {
	return filepath.Join(s.pinPath, name)
}

// Create allocates a REUSEPORT_SOCKARRAY map with capacity slots.
func (s *KernelStore) Create(capacity int) (Table, error) {
	if capacity < 1 {
		return nil, opError("create", -1, fmt.Errorf("capacity must be at least 1, got %d", capacity))
	}

	m, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "reuseport_map",
		Type:       ebpf.ReusePortSockArray,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: uint32(capacity),
	})
	if err != nil {
		return nil, opError("create", -1, err)
	}
	return &kernelTable{store: s, m: m, capacity: capacity}, nil
}

// Publish unlinks any stale pin at name before pinning t there, so a table left
// behind by a crashed run is never resumed.
func (s *KernelStore) Publish(name string, t Table) error {
	kt, ok := t.(*kernelTable)
	if !ok || kt.store != s {
		return nameError("publish", name, ErrForeignTable)
	}

	path := s.Path(name)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nameError("publish", name, fmt.Errorf("unlink stale pin: %w", err))
	}
	if err := kt.m.Pin(path); err != nil {
		return nameError("publish", name, err)
	}
	return nil
}

// Open loads the map pinned at name.
func (s *KernelStore) Open(name string) (Table, error) {
	m, err := ebpf.LoadPinnedMap(s.Path(name), nil)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nameError("open", name, ErrNotFound)
		}
		return nil, nameError("open", name, err)
	}
	if m.Type() != ebpf.ReusePortSockArray {
		m.Close()
		return nil, nameError("open", name, fmt.Errorf("unexpected map type %s", m.Type()))
	}
	return &kernelTable{store: s, m: m, capacity: int(m.MaxEntries())}, nil
}

// Unpublish removes the pin at name.
func (s *KernelStore) Unpublish(name string) error {
	if err := os.Remove(s.Path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nameError("unpublish", name, err)
	}
	return nil
}

type kernelTable struct {
	store    *KernelStore
	m        *ebpf.Map
	capacity int
}

// KernelMap returns the eBPF map behind a kernel table.
func KernelMap(t Table) (*ebpf.Map, bool) {
	kt, ok := t.(*kernelTable)
	if !ok {
		return nil, false
	}
	return kt.m, true
}

func (t *kernelTable) Insert(cpu int, fd uintptr) error {
	if err := checkCPU("insert", cpu, t.capacity); err != nil {
		return err
	}
	if err := t.m.Update(uint32(cpu), uint64(fd), ebpf.UpdateNoExist); err != nil {
		if errors.Is(err, ebpf.ErrKeyExist) {
			return opError("insert", cpu, ErrAlreadyExists)
		}
		return opError("insert", cpu, err)
	}
	return nil
}

// Lookup returns the socket cookie registered for cpu.
func (t *kernelTable) Lookup(cpu int) (Entry, bool, error) {
	if err := checkCPU("lookup", cpu, t.capacity); err != nil {
		return Entry{}, false, err
	}

	var cookie uint64
	if err := t.m.Lookup(uint32(cpu), &cookie); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return Entry{}, false, nil
		}
		return Entry{}, false, opError("lookup", cpu, err)
	}
	return Entry{CPU: cpu, Socket: cookie}, true, nil
}

func (t *kernelTable) Delete(cpu int) error {
	if err := checkCPU("delete", cpu, t.capacity); err != nil {
		return err
	}
	if err := t.m.Delete(uint32(cpu)); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return opError("delete", cpu, ErrNotFound)
		}
		return opError("delete", cpu, err)
	}
	return nil
}

func (t *kernelTable) Entries() ([]Entry, error) {
	var entries []Entry
	for cpu := 0; cpu < t.capacity; cpu++ {
		e, ok, err := t.Lookup(cpu)
		if err != nil {
			return nil, err
		}
		if ok {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (t *kernelTable) Capacity() int {
	return t.capacity
}

func (t *kernelTable) Close() error {
	return t.m.Close()
}

func newKernelStore(pinPath string) (Store, error) {
	s, err := NewKernelStore(pinPath)
	if err != nil {
		return nil, err
	}
	return s, nil
}
