// Package audit records every decision, transition and boundary rejection as
// an append-only, hash-chained event stream that alone explains why any
// intent was approved, prompted or denied.
package audit

import (
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm-signer/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-signer/pkg/reason"
)

var (
	ErrChainBroken   = errors.New("audit hash chain is broken")
	ErrInvalidEvent  = errors.New("invalid audit event")
	ErrEmitterClosed = errors.New("audit emitter closed")
)

// Kind categorizes events.
type Kind string

const (
	KindDecision           Kind = "decision"
	KindTransition         Kind = "transition"
	KindTransitionRejected Kind = "transition_rejected"
	KindPeerRejected       Kind = "peer_rejected"
	KindHandshakeFailed    Kind = "handshake_failed"
	KindFrameRejected      Kind = "frame_rejected"
	KindSessionAborted     Kind = "session_aborted"
	KindRequestRejected    Kind = "request_rejected"
	KindSinkFailure        Kind = "sink_failure"
	KindCheckpoint         Kind = "checkpoint"
)

const genesis = "genesis"

// Event is one immutable audit record carrying exactly one reason code.
type Event struct {
	ID            string            `json:"id"`
	Sequence      uint64            `json:"sequence"`
	Timestamp     time.Time         `json:"timestamp"`
	Kind          Kind              `json:"kind"`
	IntentID      string            `json:"intent_id,omitempty"`
	FromState     string            `json:"from_state,omitempty"`
	ToState       string            `json:"to_state,omitempty"`
	Event         string            `json:"event,omitempty"`
	Actor         string            `json:"actor,omitempty"`
	Reason        reason.Code       `json:"reason_code"`
	Layer         string            `json:"layer,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	PolicyHash    string            `json:"policy_hash,omitempty"`
	Detail        map[string]string `json:"detail,omitempty"`
	PreviousHash  string            `json:"previous_hash"`
	Hash          string            `json:"hash"`
}

func (e *Event) validate() error {
	if e.Kind == "" {
		return fmt.Errorf("%w: missing kind", ErrInvalidEvent)
	}
	if !reason.Known(e.Reason) {
		return fmt.Errorf("%w: reason %q not in taxonomy", ErrInvalidEvent, e.Reason)
	}
	return nil
}

// computeHash hashes the canonical form of e with Hash cleared.
func computeHash(e Event) (string, error) {
	e.Hash = ""
	e.Timestamp = e.Timestamp.UTC()
	h, err := canonicalize.CanonicalHash(e)
	if err != nil {
		return "", fmt.Errorf("hash audit event %d: %w", e.Sequence, err)
	}
	return h, nil
}

// VerifyEvents checks that events form an unbroken chain starting at prev.
func VerifyEvents(prev string, events []Event) error {
	for i := range events {
		e := events[i]
		if e.PreviousHash != prev {
			return fmt.Errorf("%w: event %d previous_hash %s, expected %s", ErrChainBroken, e.Sequence, e.PreviousHash, prev)
		}
		h, err := computeHash(e)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrChainBroken, err)
		}
		if h != e.Hash {
			return fmt.Errorf("%w: event %d hash mismatch", ErrChainBroken, e.Sequence)
		}
		prev = e.Hash
	}
	return nil
}
