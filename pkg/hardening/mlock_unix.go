//go:build linux || darwin || freebsd

package hardening

import "golang.org/x/sys/unix"

// lockMemory is best effort: RLIMIT_MEMLOCK is often small for unprivileged
// users and a failed lock must not block key handling.
func lockMemory(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	return unix.Mlock(b) == nil
}

func unlockMemory(b []byte) {
	if len(b) == 0 {
		return
	}
	_ = unix.Munlock(b)
}
