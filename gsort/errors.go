package gsort

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned before any dispatch for an empty, missing or
	// oversized input.
	ErrInvalidInput = errors.New("gsort: invalid input")
	// ErrInvalidConfig is returned for a configuration the kernels cannot run.
	ErrInvalidConfig = errors.New("gsort: invalid config")
	// ErrDispatchFailure means a kernel failed to launch or complete. The
	// sort is aborted and no partial result is returned.
	ErrDispatchFailure = errors.New("gsort: dispatch failure")
	// ErrResultMismatch means an internal consistency check failed.
	ErrResultMismatch = errors.New("gsort: result mismatch")
)

// DispatchError carries the kernel and pass that failed.
type DispatchError struct {
	Kernel Kernel
	// Pass is the digit pass, -1 for the single workgroup sort.
	Pass int
	Err  error
}

func (e *DispatchError) Error() string {
	if e.Pass < 0 {
		return fmt.Sprintf("gsort: dispatch %s failed: %v", e.Kernel, e.Err)
	}
	return fmt.Sprintf("gsort: dispatch %s failed in pass %d: %v", e.Kernel, e.Pass, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

func (e *DispatchError) Is(target error) bool { return target == ErrDispatchFailure }
