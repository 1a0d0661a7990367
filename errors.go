package ipcbench

import "errors"

var (
	ErrResourceInit       = errors.New("ipcbench: named resource unavailable")
	ErrRoleViolation      = errors.New("ipcbench: operation not allowed for this role")
	ErrCapacityExceeded   = errors.New("ipcbench: payload exceeds region capacity")
	ErrDecode             = errors.New("ipcbench: malformed payload")
	ErrTimeout            = errors.New("ipcbench: no message within wait budget")
	ErrBarrierViolation   = errors.New("ipcbench: peer left the process group")
	ErrNotInitialized     = errors.New("ipcbench: backend not initialized")
	ErrAlreadyInitialized = errors.New("ipcbench: backend already initialized")
)

// Fatal reports whether err must stop the remaining iterations of a read or
// write loop. Timeouts are the only non-fatal transport error.
func Fatal(err error) bool {
	return err != nil && !errors.Is(err, ErrTimeout)
}
