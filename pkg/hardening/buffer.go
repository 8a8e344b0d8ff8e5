// Package hardening holds process-level protections for key material:
// page-locked zeroizing buffers and a start-up self check that keeps secrets
// out of core dumps.
package hardening

import (
	"runtime"
	"sync"
)

// SensitiveBuffer owns secret bytes for a bounded scope. The backing memory
// is page-locked where the platform allows it and wiped on Destroy.
//
// A SensitiveBuffer must not be copied after first use. Slices returned by
// Bytes alias the protected memory and are invalid after Destroy.
type SensitiveBuffer struct {
	mu        sync.Mutex
	b         []byte
	locked    bool
	destroyed bool
}

// NewSensitiveBuffer allocates a zeroed buffer of n bytes.
func NewSensitiveBuffer(n int) *SensitiveBuffer {
	s := &SensitiveBuffer{b: make([]byte, n)}
	s.locked = lockMemory(s.b)
	return s
}

// FromBytes moves src into a new buffer and wipes src.
func FromBytes(src []byte) *SensitiveBuffer {
	s := NewSensitiveBuffer(len(src))
	copy(s.b, src)
	Wipe(src)
	return s
}

// Bytes returns the protected bytes, or nil once destroyed.
func (s *SensitiveBuffer) Bytes() []byte {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil
	}
	return s.b
}

// Len returns the buffer length, 0 once destroyed.
func (s *SensitiveBuffer) Len() int {
	return len(s.Bytes())
}

// Locked reports whether the backing pages are locked in RAM.
func (s *SensitiveBuffer) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// Destroyed reports whether Destroy has run.
func (s *SensitiveBuffer) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// Destroy wipes and unlocks the buffer. It is idempotent and nil-safe, so it
// can sit in a defer on every exit path.
func (s *SensitiveBuffer) Destroy() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	Wipe(s.b)
	if s.locked {
		unlockMemory(s.b)
		s.locked = false
	}
	s.destroyed = true
	s.b = nil
}

// Wipe overwrites b with zeros.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
