//go:build linux

package steering

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newKernelStoreForTest(t *testing.T) *KernelStore {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("kernel steering table requires root")
	}
	if err := CheckBPFFS(DefaultPinPath); err != nil {
		t.Skipf("bpffs unavailable: %v", err)
	}
	s, err := NewKernelStore(DefaultPinPath)
	require.NoError(t, err)
	return s
}

// reuseportSocket returns a UDP socket bound to 127.0.0.1 with SO_REUSEPORT.
func reuseportSocket(t *testing.T) int {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fd) })

	require.NoError(t, unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1))
	require.NoError(t, unix.Bind(fd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	return fd
}

func TestKernelStoreLifecycle(t *testing.T) {
	store := newKernelStoreForTest(t)
	name := MapName(os.Getpid() % 65536)
	t.Cleanup(func() { store.Unpublish(name) })

	_, err := store.Open(name)
	require.ErrorIs(t, err, ErrNotFound)

	table, err := store.Create(2)
	require.NoError(t, err)
	defer table.Close()
	require.NoError(t, store.Publish(name, table))

	opened, err := store.Open(name)
	require.NoError(t, err)
	defer opened.Close()

	fd := reuseportSocket(t)
	require.NoError(t, opened.Insert(0, uintptr(fd)))

	first, ok, err := table.Lookup(0)
	require.NoError(t, err)
	require.True(t, ok)

	other := reuseportSocket(t)
	err = opened.Insert(0, uintptr(other))
	assert.ErrorIs(t, err, ErrAlreadyExists)

	again, ok, err := table.Lookup(0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.Socket, again.Socket)

	cookie, err := unix.GetsockoptUint64(fd, unix.SOL_SOCKET, unix.SO_COOKIE)
	require.NoError(t, err)
	assert.Equal(t, cookie, first.Socket)
}

func TestKernelStoreRepublish(t *testing.T) {
	store := newKernelStoreForTest(t)
	name := MapName((os.Getpid() + 1) % 65536)
	t.Cleanup(func() { store.Unpublish(name) })

	stale, err := store.Create(1)
	require.NoError(t, err)
	defer stale.Close()
	require.NoError(t, store.Publish(name, stale))
	require.NoError(t, stale.Insert(0, uintptr(reuseportSocket(t))))

	fresh, err := store.Create(1)
	require.NoError(t, err)
	defer fresh.Close()
	require.NoError(t, store.Publish(name, fresh))

	opened, err := store.Open(name)
	require.NoError(t, err)
	defer opened.Close()

	entries, err := opened.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}
