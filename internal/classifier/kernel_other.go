//go:build !linux

package classifier

import "github.com/skypro1111/reuseportd/internal/steering"

func newKernel(store steering.Store) (Classifier, error) {
	return nil, steering.ErrKernelUnsupported
}
