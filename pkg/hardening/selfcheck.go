package hardening

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrSelfCheckFailed is returned by SelfCheck in strict mode when any
// protection could not be applied.
var ErrSelfCheckFailed = errors.New("hardening self-check failed")

// Report lists which protections were applied at start-up.
type Report struct {
	CoreDumpsDisabled bool     `json:"core_dumps_disabled"`
	NonDumpable       bool     `json:"non_dumpable"`
	MemoryLockable    bool     `json:"memory_lockable"`
	Failures          []string `json:"failures,omitempty"`
}

// OK reports whether every protection was applied.
func (r Report) OK() bool { return len(r.Failures) == 0 }

// SelfCheck disables core dumps, marks the process non-dumpable where the OS
// supports it and probes page locking. With strict set, any failure is an
// error and the caller must refuse to start.
func SelfCheck(strict bool) (Report, error) {
	logger := slog.Default().With("component", "hardening")

	var r Report
	if err := disableCoreDumps(); err != nil {
		r.Failures = append(r.Failures, fmt.Sprintf("rlimit_core: %v", err))
	} else {
		r.CoreDumpsDisabled = true
	}
	if err := setNonDumpable(); err != nil {
		r.Failures = append(r.Failures, fmt.Sprintf("dumpable: %v", err))
	} else {
		r.NonDumpable = true
	}

	probe := NewSensitiveBuffer(32)
	r.MemoryLockable = probe.Locked()
	probe.Destroy()

	if !r.OK() {
		logger.Warn("hardening incomplete", "failures", strings.Join(r.Failures, "; "))
		if strict {
			return r, fmt.Errorf("%w: %s", ErrSelfCheckFailed, strings.Join(r.Failures, "; "))
		}
		return r, nil
	}
	logger.Info("hardening applied", "memory_lockable", r.MemoryLockable)
	return r, nil
}
