// Package lifecycle is the intent state machine. Every transition is a lookup
// in a closed (state, event) table; a key that is not in the table is
// rejected, audited and leaves the state unchanged.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/Mindburn-Labs/helm-signer/pkg/audit"
	"github.com/Mindburn-Labs/helm-signer/pkg/reason"
)

// State is an intent lifecycle state.
type State string

const (
	Received          State = "received"
	PolicyEvaluated   State = "policy_evaluated"
	AwaitUserApproval State = "await_user_approval"
	Approved          State = "approved"
	Signing           State = "signing"
	Submitted         State = "submitted"
	Settled           State = "settled"
	Denied            State = "denied"
	Expired           State = "expired"
	Failed            State = "failed"
)

var states = []State{
	Received, PolicyEvaluated, AwaitUserApproval, Approved, Signing,
	Submitted, Settled, Denied, Expired, Failed,
}

// States returns every state in lifecycle order.
func States() []State { return append([]State(nil), states...) }

// Valid reports whether s is one of the declared states.
func (s State) Valid() bool {
	for _, v := range states {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether s is Settled, Denied, Expired or Failed.
func (s State) Terminal() bool {
	switch s {
	case Settled, Denied, Expired, Failed:
		return true
	}
	return false
}

// Event drives a transition.
type Event string

const (
	Evaluate        Event = "evaluate"
	AutoApprove     Event = "auto_approve"
	RequireApproval Event = "require_approval"
	UserApprove     Event = "user_approve"
	BeginSigning    Event = "begin_signing"
	Submit          Event = "submit"
	Settle          Event = "settle"
	Reevaluate      Event = "reevaluate"
	Deny            Event = "deny"
	Expire          Event = "expire"
	Fail            Event = "fail"
)

var events = []Event{
	Evaluate, AutoApprove, RequireApproval, UserApprove, BeginSigning,
	Submit, Settle, Reevaluate, Deny, Expire, Fail,
}

// Events returns every event.
func Events() []Event { return append([]Event(nil), events...) }

// HumanActor is the only actor allowed to fire UserApprove.
const HumanActor = "user"

// ErrInvalidTransition is wrapped by every rejected Fire.
var ErrInvalidTransition = errors.New("lifecycle: invalid transition")

type key struct {
	from State
	ev   Event
}

var table = buildTable()

func buildTable() map[key]State {
	t := map[key]State{
		{Received, Evaluate}:               PolicyEvaluated,
		{PolicyEvaluated, AutoApprove}:     Approved,
		{PolicyEvaluated, RequireApproval}: AwaitUserApproval,
		{AwaitUserApproval, UserApprove}:   Approved,
		{AwaitUserApproval, Reevaluate}:    PolicyEvaluated,
		{Approved, Reevaluate}:             PolicyEvaluated,
		{Approved, BeginSigning}:           Signing,
		{Signing, Submit}:                  Submitted,
		{Submitted, Settle}:                Settled,
	}
	for _, s := range states {
		if s.Terminal() {
			continue
		}
		t[key{s, Deny}] = Denied
		t[key{s, Expire}] = Expired
		t[key{s, Fail}] = Failed
	}
	return t
}

// Next looks up the target of (from, ev) without guards or side effects.
func Next(from State, ev Event) (State, bool) {
	to, ok := table[key{from, ev}]
	return to, ok
}

// Edge is one declared transition.
type Edge struct {
	From  State
	Event Event
	To    State
}

// Edges lists the transition table in a stable order.
func Edges() []Edge {
	out := make([]Edge, 0, len(table))
	for k, to := range table {
		out = append(out, Edge{From: k.from, Event: k.ev, To: to})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].Event < out[j].Event
	})
	return out
}

// Subject is the intent being moved.
type Subject struct {
	ID            string
	CorrelationID string
	State         State
}

// Meta describes who fires an event and why. Reason is the single code the
// resulting audit event carries.
type Meta struct {
	Actor      string
	Reason     reason.Code
	Layer      string
	SessionID  string
	PolicyHash string
	Detail     map[string]string
}

// guard returns the rejection code for meta, or "" when the event may fire.
type guard func(Meta) reason.Code

var guards = map[Event]guard{
	// Approved is reachable automatically only on a clean policy pass.
	AutoApprove: func(m Meta) reason.Code {
		if m.Reason != reason.AllowAutoPolicyOK {
			return reason.DenyInvalidTransition
		}
		return ""
	},
	UserApprove: func(m Meta) reason.Code {
		if m.Actor != HumanActor {
			return reason.DenyContextApprovalRequired
		}
		if m.Reason != reason.AllowUserInitiated {
			return reason.DenyInvalidTransition
		}
		return ""
	},
	RequireApproval: requireClass(reason.Code.IsPrompt),
	BeginSigning:    requireClass(reason.Code.IsAllow),
	Submit:          requireClass(reason.Code.IsAllow),
	Settle:          requireClass(reason.Code.IsAllow),
	Deny:            requireClass(reason.Code.IsDeny),
	Fail:            requireClass(reason.Code.IsDeny),
	Expire:          requireClass(reason.Code.IsExpire),
}

func requireClass(ok func(reason.Code) bool) guard {
	return func(m Meta) reason.Code {
		if !ok(m.Reason) {
			return reason.DenyInvalidTransition
		}
		return ""
	}
}

// Machine fires events and records each attempt.
type Machine struct {
	recorder audit.Recorder
	logger   *slog.Logger
}

// NewMachine returns a machine that audits through rec.
func NewMachine(rec audit.Recorder) *Machine {
	return &Machine{
		recorder: rec,
		logger:   slog.Default().With("component", "lifecycle"),
	}
}

// Fire applies ev to s. On success it returns the new state after the
// transition has been recorded. On rejection it returns s.State and a
// *reason.Error wrapping ErrInvalidTransition; exactly one
// transition_rejected event is recorded. If the audit record cannot be
// written the transition does not happen.
func (m *Machine) Fire(ctx context.Context, s Subject, ev Event, meta Meta) (State, error) {
	to, ok := Next(s.State, ev)
	var code reason.Code
	switch {
	case !ok:
		code = reason.DenyInvalidTransition
	case !reason.Known(meta.Reason):
		code = reason.DenyInvalidTransition
	default:
		if g := guards[ev]; g != nil {
			code = g(meta)
		}
	}
	if code != "" {
		return s.State, m.reject(ctx, s, ev, to, meta, code)
	}

	_, err := m.recorder.Record(ctx, audit.Event{
		Kind:          audit.KindTransition,
		IntentID:      s.ID,
		FromState:     string(s.State),
		ToState:       string(to),
		Event:         string(ev),
		Actor:         meta.Actor,
		Reason:        meta.Reason,
		Layer:         meta.Layer,
		CorrelationID: s.CorrelationID,
		SessionID:     meta.SessionID,
		PolicyHash:    meta.PolicyHash,
		Detail:        meta.Detail,
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "transition not recorded, refusing", "intent_id", s.ID, "event", ev, "error", err)
		return s.State, reason.Wrap(reason.DenyInvalidTransition, fmt.Errorf("%w: audit unavailable: %w", ErrInvalidTransition, err))
	}
	m.logger.DebugContext(ctx, "transition", "intent_id", s.ID, "from", s.State, "to", to, "event", ev, "reason_code", meta.Reason)
	return to, nil
}

func (m *Machine) reject(ctx context.Context, s Subject, ev Event, attempted State, meta Meta, code reason.Code) error {
	detail := map[string]string{"attempted_event": string(ev)}
	if attempted != "" {
		detail["attempted_state"] = string(attempted)
	}
	if meta.Reason != "" {
		detail["requested_reason"] = string(meta.Reason)
	}
	_, err := m.recorder.Record(ctx, audit.Event{
		Kind:          audit.KindTransitionRejected,
		IntentID:      s.ID,
		FromState:     string(s.State),
		ToState:       string(s.State),
		Event:         string(ev),
		Actor:         meta.Actor,
		Reason:        code,
		Layer:         meta.Layer,
		CorrelationID: s.CorrelationID,
		SessionID:     meta.SessionID,
		Detail:        detail,
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "rejected transition not recorded", "intent_id", s.ID, "event", ev, "error", err)
	}
	m.logger.WarnContext(ctx, "transition rejected", "intent_id", s.ID, "state", s.State, "event", ev, "reason_code", code)
	return reason.Wrap(code, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, ev, s.State))
}
