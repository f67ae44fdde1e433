package steering

import "fmt"

// Backend names accepted by NewStore.
const (
	BackendKernel = "kernel"
	BackendMemory = "memory"
)

// NewStore returns the store for backend. pinPath is only used by the kernel backend.
func NewStore(backend, pinPath string) (Store, error) {
	switch backend {
	case BackendKernel:
		return newKernelStore(pinPath)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown steering backend %q", backend)
	}
}
