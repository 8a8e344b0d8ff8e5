//go:build !linux && !darwin && !freebsd

package hardening

func lockMemory(b []byte) bool { return false }

func unlockMemory(b []byte) {}
