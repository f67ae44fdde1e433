package steering

import (
	"fmt"
	"sort"
	"sync"
)

// MemoryStore hosts tables in process memory. It stands in for the kernel store
// where no eBPF support is available; the kernel's default reuseport hashing then
// picks the receiving socket.
type MemoryStore struct {
	mu        sync.Mutex
	published map[string]*memoryTable
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{published: make(map[string]*memoryTable)}
}

// Create allocates a table with capacity slots.
func (s *MemoryStore) Create(capacity int) (Table, error) {
	if capacity < 1 {
		return nil, opError("create", -1, fmt.Errorf("capacity must be at least 1, got %d", capacity))
	}
	return &memoryTable{
		store:    s,
		capacity: capacity,
		entries:  make(map[int]uint64, capacity),
	}, nil
}

// Publish replaces any table already published under name.
func (s *MemoryStore) Publish(name string, t Table) error {
	mt, ok := t.(*memoryTable)
	if !ok || mt.store != s {
		return nameError("publish", name, ErrForeignTable)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.published[name] = mt
	return nil
}

// Open returns the table published under name.
func (s *MemoryStore) Open(name string) (Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.published[name]
	if !ok {
		return nil, nameError("open", name, ErrNotFound)
	}
	return t, nil
}

// Unpublish removes name from the store.
func (s *MemoryStore) Unpublish(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.published, name)
	return nil
}

type memoryTable struct {
	store    *MemoryStore
	capacity int

	mu      sync.RWMutex
	entries map[int]uint64
}

func (t *memoryTable) Insert(cpu int, fd uintptr) error {
	if err := checkCPU("insert", cpu, t.capacity); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[cpu]; exists {
		return opError("insert", cpu, ErrAlreadyExists)
	}
	t.entries[cpu] = uint64(fd)
	return nil
}

func (t *memoryTable) Lookup(cpu int) (Entry, bool, error) {
	if err := checkCPU("lookup", cpu, t.capacity); err != nil {
		return Entry{}, false, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	socket, ok := t.entries[cpu]
	if !ok {
		return Entry{}, false, nil
	}
	return Entry{CPU: cpu, Socket: socket}, true, nil
}

func (t *memoryTable) Delete(cpu int) error {
	if err := checkCPU("delete", cpu, t.capacity); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[cpu]; !ok {
		return opError("delete", cpu, ErrNotFound)
	}
	delete(t.entries, cpu)
	return nil
}

func (t *memoryTable) Entries() ([]Entry, error) {
	t.mu.RLock()
	entries := make([]Entry, 0, len(t.entries))
	for cpu, socket := range t.entries {
		entries = append(entries, Entry{CPU: cpu, Socket: socket})
	}
	t.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].CPU < entries[j].CPU })
	return entries, nil
}

func (t *memoryTable) Capacity() int {
	return t.capacity
}

// Close is a no-op: every opener shares the same table.
func (t *memoryTable) Close() error {
	return nil
}
