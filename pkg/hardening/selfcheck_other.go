//go:build !linux

package hardening

import (
	"errors"
	"runtime"
)

var errUnsupported = errors.New("unsupported on " + runtime.GOOS)

func disableCoreDumps() error { return errUnsupported }

func setNonDumpable() error { return errUnsupported }
