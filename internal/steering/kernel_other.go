//go:build !linux

package steering

import "errors"

// DefaultPinPath is where bpffs is conventionally mounted.
const DefaultPinPath = "/sys/fs/bpf"

// ErrKernelUnsupported is returned for the kernel backend outside Linux.
var ErrKernelUnsupported = errors.New("kernel steering table requires linux")

func newKernelStore(pinPath string) (Store, error) {
	return nil, ErrKernelUnsupported
}
