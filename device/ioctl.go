package device

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl issues a single ioctl(2) against fd and returns the raw errno as an
// opaque error. The errno value is not mapped to an error kind anywhere:
// most call sites replace it with one fixed tterr sentinel per operation,
// whatever the errno was, and queryDeviceInfo returns it unwrapped.
func ioctl(fd int, cmd uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), cmd, arg)
	if errno != 0 {
		return errno
	}

	return nil
}

// uintptrOf returns the address of v as a uintptr for use as an ioctl
// argument. Callers must keep v alive (and not move it) for the duration of
// the call, which holds here since these are always stack-local structs
// passed synchronously.
func uintptrOf[T any](v *T) uintptr {
	return uintptr(unsafe.Pointer(v))
}
