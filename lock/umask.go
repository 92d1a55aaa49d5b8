package lock

import "golang.org/x/sys/unix"

// unixUmask wraps unix.Umask so robust_mutex.go reads as the
// lock_manager.cpp umask(0)/restore dance it is grounded on.
func unixUmask(mask int) int {
	return unix.Umask(mask)
}
