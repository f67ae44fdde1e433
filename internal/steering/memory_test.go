package steering

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreOpenBeforePublish(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Open(MapName(2048))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	var tableErr *TableError
	require.True(t, errors.As(err, &tableErr))
	assert.Equal(t, "open", tableErr.Op)
	assert.Equal(t, "reuseport_map_02048", tableErr.Name)
}

func TestMemoryStorePublishOpen(t *testing.T) {
	store := NewMemoryStore()

	table, err := store.Create(4)
	require.NoError(t, err)
	require.NoError(t, store.Publish(MapName(2048), table))

	opened, err := store.Open(MapName(2048))
	require.NoError(t, err)
	assert.Equal(t, 4, opened.Capacity())

	require.NoError(t, opened.Insert(2, 17))
	e, ok, err := table.Lookup(2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Entry{CPU: 2, Socket: 17}, e)
}

func TestMemoryTableDuplicateInsert(t *testing.T) {
	store := NewMemoryStore()
	table, err := store.Create(2)
	require.NoError(t, err)

	require.NoError(t, table.Insert(0, 10))

	err = table.Insert(0, 11)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	e, ok, err := table.Lookup(0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(10), e.Socket, "existing entry must be unchanged")
}

func TestMemoryTableOutOfRange(t *testing.T) {
	store := NewMemoryStore()
	table, err := store.Create(2)
	require.NoError(t, err)

	tests := []struct {
		name string
		op   func() error
	}{
		{name: "insert negative", op: func() error { return table.Insert(-1, 3) }},
		{name: "insert at capacity", op: func() error { return table.Insert(2, 3) }},
		{name: "lookup at capacity", op: func() error { _, _, err := table.Lookup(2); return err }},
		{name: "delete negative", op: func() error { return table.Delete(-1) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.op(), ErrOutOfRange)
		})
	}
}

func TestMemoryStoreRepublishHidesStaleEntries(t *testing.T) {
	store := NewMemoryStore()
	name := MapName(2048)

	stale, err := store.Create(2)
	require.NoError(t, err)
	require.NoError(t, store.Publish(name, stale))
	require.NoError(t, stale.Insert(0, 5))
	require.NoError(t, stale.Insert(1, 6))

	fresh, err := store.Create(2)
	require.NoError(t, err)
	require.NoError(t, store.Publish(name, fresh))

	opened, err := store.Open(name)
	require.NoError(t, err)
	entries, err := opened.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Re-registering CPU 0 succeeds on the new table.
	assert.NoError(t, opened.Insert(0, 7))
}

func TestMemoryStoreForeignTable(t *testing.T) {
	a := NewMemoryStore()
	b := NewMemoryStore()

	table, err := a.Create(1)
	require.NoError(t, err)

	err = b.Publish(MapName(1), table)
	assert.ErrorIs(t, err, ErrForeignTable)
}

func TestMemoryTableDelete(t *testing.T) {
	store := NewMemoryStore()
	table, err := store.Create(2)
	require.NoError(t, err)

	require.NoError(t, table.Insert(1, 9))
	require.NoError(t, table.Delete(1))
	assert.ErrorIs(t, table.Delete(1), ErrNotFound)

	_, ok, err := table.Lookup(1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryTableConcurrentInserts(t *testing.T) {
	const cpus = 64

	store := NewMemoryStore()
	table, err := store.Create(cpus)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures int
	)
	// Two contenders per CPU: exactly one insert per key wins.
	for i := 0; i < cpus*2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := table.Insert(i%cpus, uintptr(i)); err != nil {
				if !errors.Is(err, ErrAlreadyExists) {
					t.Errorf("unexpected error: %v", err)
				}
				mu.Lock()
				failures++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	entries, err := table.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, cpus)
	assert.Equal(t, cpus, failures)
	for i, e := range entries {
		assert.Equal(t, i, e.CPU)
	}
}

func TestNames(t *testing.T) {
	assert.Equal(t, "reuseport_map_02048", MapName(2048))
	assert.Equal(t, "reuseport_prog_00053", ProgName(53))
	assert.NotEqual(t, MapName(2048), MapName(2049))
}

func TestNewStore(t *testing.T) {
	s, err := NewStore(BackendMemory, "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = NewStore("etcd", "")
	assert.Error(t, err)
}
