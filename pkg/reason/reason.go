// Package reason defines the closed, append-only taxonomy of outcome codes
// carried by every decision, transition and denial in the signer.
//
// Codes are stable strings: they are persisted in the audit trail and are the
// only error detail that ever crosses the signer boundary to a caller.
package reason

import (
	"errors"
	"fmt"
	"strings"
)

// Code is a stable reason string.
type Code string

const (
	DenyGlobalLimit                 Code = "DENY_GLOBAL_LIMIT"
	DenyUserPolicy                  Code = "DENY_USER_POLICY"
	DenyContextApprovalRequired     Code = "DENY_CONTEXT_APPROVAL_REQUIRED"
	DenyUntrustedFacilitatorOrPayee Code = "DENY_UNTRUSTED_FACILITATOR_OR_PAYEE"
	DenyUnapprovedScheme            Code = "DENY_UNAPPROVED_SCHEME"
	DenyReplay                      Code = "DENY_REPLAY"
	DenyAEADIntegrity               Code = "DENY_AEAD_INTEGRITY"
	DenyInvalidTransition           Code = "DENY_INVALID_TRANSITION"
	DenyInvalidX402Intent           Code = "DENY_INVALID_X402_INTENT"
	DenyTPMUnavailable              Code = "DENY_TPM_UNAVAILABLE"
	DenyHandshakeIntegrity          Code = "DENY_HANDSHAKE_INTEGRITY"
	DenyStrictModeFallback          Code = "DENY_STRICT_MODE_FALLBACK"
	ExpireTTLReached                Code = "EXPIRE_TTL_REACHED"
	AllowAutoPolicyOK               Code = "ALLOW_AUTO_POLICY_OK"
	PromptContextRequired           Code = "PROMPT_CONTEXT_REQUIRED"
	PromptUserLimitExceeded         Code = "PROMPT_USER_LIMIT_EXCEEDED"

	// Appended after the initial taxonomy. Never reorder or rename.
	DenyUnauthorizedIPCCaller Code = "DENY_UNAUTHORIZED_IPC_CALLER"
	AllowUserInitiated        Code = "ALLOW_USER_INITIATED"
	AuditSinkDeliveryFailed   Code = "AUDIT_SINK_DELIVERY_FAILED"
	DenyInvalidIntent         Code = "DENY_INVALID_INTENT"
	AuditCheckpointRecorded   Code = "AUDIT_CHECKPOINT_RECORDED"
	DenyExecutorFailure       Code = "DENY_EXECUTOR_FAILURE"
)

var known = map[Code]struct{}{
	DenyGlobalLimit:                 {},
	DenyUserPolicy:                  {},
	DenyContextApprovalRequired:     {},
	DenyUntrustedFacilitatorOrPayee: {},
	DenyUnapprovedScheme:            {},
	DenyReplay:                      {},
	DenyAEADIntegrity:               {},
	DenyInvalidTransition:           {},
	DenyInvalidX402Intent:           {},
	DenyTPMUnavailable:              {},
	DenyHandshakeIntegrity:          {},
	DenyStrictModeFallback:          {},
	ExpireTTLReached:                {},
	AllowAutoPolicyOK:               {},
	PromptContextRequired:           {},
	PromptUserLimitExceeded:         {},
	DenyUnauthorizedIPCCaller:       {},
	AllowUserInitiated:              {},
	AuditSinkDeliveryFailed:         {},
	DenyInvalidIntent:               {},
	AuditCheckpointRecorded:         {},
	DenyExecutorFailure:             {},
}

// Known reports whether c is part of the taxonomy.
func Known(c Code) bool {
	_, ok := known[c]
	return ok
}

// All returns every known code.
func All() []Code {
	out := make([]Code, 0, len(known))
	for c := range known {
		out = append(out, c)
	}
	return out
}

func (c Code) String() string { return string(c) }

// IsDeny reports whether c denies the operation.
func (c Code) IsDeny() bool { return strings.HasPrefix(string(c), "DENY_") }

// IsPrompt reports whether c escalates to a human.
func (c Code) IsPrompt() bool { return strings.HasPrefix(string(c), "PROMPT_") }

// IsAllow reports whether c permits the operation.
func (c Code) IsAllow() bool { return strings.HasPrefix(string(c), "ALLOW_") }

// IsExpire reports whether c expires the operation.
func (c Code) IsExpire() bool { return strings.HasPrefix(string(c), "EXPIRE_") }

// Error binds exactly one reason code to an internal cause. The cause is for
// logs and audit detail; callers only ever see the code.
type Error struct {
	Code  Code
	Cause error
}

// New returns an *Error for code with a formatted internal detail.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Cause: fmt.Errorf(format, args...)}
}

// Wrap binds code to err. A nil err still produces an error.
func Wrap(code Code, err error) *Error {
	if err == nil {
		err = errors.New(string(code))
	}
	return &Error{Code: code, Cause: err}
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error with the same code, so sentinel comparisons such
// as errors.Is(err, reason.Wrap(reason.DenyReplay, nil)) work.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// Of extracts the reason code carried by err. Errors without a code resolve to
// fallback, so an unclassified failure is never reported as success.
func Of(err error, fallback Code) Code {
	if err == nil {
		return fallback
	}
	var re *Error
	if errors.As(err, &re) && re.Code != "" {
		return re.Code
	}
	return fallback
}
