// Package signer is the request service: it normalizes submissions, runs the
// policy engine, drives the lifecycle machine and, on the Approved -> Signing
// edge only, unwraps a key, signs and hands off to the executor.
package signer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Mindburn-Labs/helm-signer/pkg/audit"
	"github.com/Mindburn-Labs/helm-signer/pkg/intent"
	"github.com/Mindburn-Labs/helm-signer/pkg/keyprovider"
	"github.com/Mindburn-Labs/helm-signer/pkg/lifecycle"
	"github.com/Mindburn-Labs/helm-signer/pkg/policy"
	"github.com/Mindburn-Labs/helm-signer/pkg/reason"
	"github.com/Mindburn-Labs/helm-signer/pkg/store"
)

// Result is what callers learn about an intent. It never carries internal
// error detail.
type Result struct {
	IntentID   string          `json:"intent_id,omitempty"`
	State      lifecycle.State `json:"state,omitempty"`
	Outcome    policy.Outcome  `json:"outcome,omitempty"`
	ReasonCode reason.Code     `json:"reason_code"`
	Layer      string          `json:"layer,omitempty"`
	PolicyHash string          `json:"policy_hash,omitempty"`
	TermsHash  string          `json:"terms_hash,omitempty"`
	ExpiresAt  time.Time       `json:"expires_at,omitzero"`
	Signature  string          `json:"signature,omitempty"`
	PublicKey  string          `json:"public_key,omitempty"`
	TxRef      string          `json:"tx_ref,omitempty"`
}

// Caller identifies who is making a request.
type Caller struct {
	Actor     string
	SessionID string
}

// Deps are the collaborators of a Service. Normalizer, Store and Executor
// get defaults when nil.
type Deps struct {
	Normalizer *intent.Normalizer
	Engine     *policy.Engine
	Recorder   audit.Recorder
	Store      store.Store
	Keys       keyprovider.KeyProvider
	Approvals  *Approvals
	Executor   Executor
}

// Service implements the signer operations.
type Service struct {
	normalizer *intent.Normalizer
	engine     *policy.Engine
	recorder   audit.Recorder
	machine    *lifecycle.Machine
	store      store.Store
	keys       keyprovider.KeyProvider
	approvals  *Approvals
	executor   Executor

	group  singleflight.Group
	locks  *idLocks
	clock  func() time.Time
	logger *slog.Logger
}

// New wires a Service.
func New(d Deps) (*Service, error) {
	switch {
	case d.Engine == nil:
		return nil, errors.New("signer: policy engine is required")
	case d.Recorder == nil:
		return nil, errors.New("signer: audit recorder is required")
	case d.Keys == nil:
		return nil, errors.New("signer: key provider is required")
	case d.Approvals == nil:
		return nil, errors.New("signer: approvals are required")
	}
	if d.Normalizer == nil {
		n, err := intent.NewNormalizer()
		if err != nil {
			return nil, err
		}
		d.Normalizer = n
	}
	if d.Store == nil {
		d.Store = store.NewMemoryStore()
	}
	if d.Executor == nil {
		d.Executor = NewLocalExecutor()
	}
	return &Service{
		normalizer: d.Normalizer,
		engine:     d.Engine,
		recorder:   d.Recorder,
		machine:    lifecycle.NewMachine(d.Recorder),
		store:      d.Store,
		keys:       d.Keys,
		approvals:  d.Approvals,
		executor:   d.Executor,
		locks:      newIDLocks(),
		clock:      time.Now,
		logger:     slog.Default().With("component", "signer"),
	}, nil
}

// WithClock overrides the clock used for expiry checks.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Preview evaluates a submission without storing it or changing any state.
func (s *Service) Preview(ctx context.Context, sub intent.Submission, c Caller) (Result, error) {
	in, err := s.normalize(ctx, sub, c)
	if err != nil {
		return Result{}, err
	}
	d, err := s.engine.Evaluate(ctx, in)
	if err != nil {
		return Result{}, s.policyUnavailable(ctx, in, c, err)
	}
	s.recordDecision(ctx, in, c, d, map[string]string{"preview": "true"})
	res := s.result(in)
	res.Outcome, res.ReasonCode, res.Layer, res.PolicyHash = d.Outcome, d.Reason, d.Layer, d.PolicyHash
	return res, nil
}

// Submit normalizes, stores and evaluates a submission. An auto-approved
// intent is signed and executed before Submit returns. A repeated
// idempotency key returns the stored outcome without a second evaluation.
func (s *Service) Submit(ctx context.Context, sub intent.Submission, c Caller) (Result, error) {
	in, err := s.normalize(ctx, sub, c)
	if err != nil {
		return Result{}, err
	}
	v, err, _ := s.group.Do(in.IdempotencyKey, func() (any, error) {
		return s.submit(ctx, in, c)
	})
	res, _ := v.(Result)
	return res, err
}

func (s *Service) submit(ctx context.Context, in *intent.Intent, c Caller) (Result, error) {
	if prev, err := s.store.GetByIdempotencyKey(ctx, in.IdempotencyKey); err == nil {
		s.logger.InfoContext(ctx, "duplicate submission", "intent_id", prev.ID, "idempotency_key", in.IdempotencyKey)
		return s.result(prev), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("signer: lookup idempotency key: %w", err)
	}
	if err := s.store.Create(ctx, in); err != nil {
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			prev, gerr := s.store.GetByIdempotencyKey(ctx, in.IdempotencyKey)
			if gerr != nil {
				return Result{}, gerr
			}
			return s.result(prev), nil
		}
		return Result{}, fmt.Errorf("signer: store intent: %w", err)
	}

	unlock := s.locks.lock(in.ID)
	defer unlock()

	d, err := s.engine.Evaluate(ctx, in)
	if err != nil {
		return s.failClosed(ctx, in, c, lifecycle.Evaluate, err)
	}
	s.recordDecision(ctx, in, c, d, nil)
	if err := s.fire(ctx, in, lifecycle.Evaluate, s.meta(c, d)); err != nil {
		return s.result(in), err
	}
	return s.route(ctx, in, c, d)
}

// route applies a decision to an intent in PolicyEvaluated.
func (s *Service) route(ctx context.Context, in *intent.Intent, c Caller, d policy.Decision) (Result, error) {
	meta := s.meta(c, d)
	var err error
	switch d.Outcome {
	case policy.OutcomeAutoApprove:
		if err = s.fire(ctx, in, lifecycle.AutoApprove, meta); err == nil {
			return s.sign(ctx, in, c, reason.AllowAutoPolicyOK)
		}
	case policy.OutcomeNeedsApproval:
		err = s.fire(ctx, in, lifecycle.RequireApproval, meta)
	case policy.OutcomeDeny:
		err = s.fire(ctx, in, lifecycle.Deny, meta)
	case policy.OutcomeExpire:
		err = s.fire(ctx, in, lifecycle.Expire, meta)
	default:
		err = reason.New(reason.DenyInvalidTransition, "unknown outcome %q", d.Outcome)
	}
	res := s.decided(in, d)
	return res, err
}

// Approve applies a human approval token to an intent awaiting approval.
// Only the user actor can approve; an agent attempt is rejected with
// DENY_CONTEXT_APPROVAL_REQUIRED and leaves the state unchanged.
func (s *Service) Approve(ctx context.Context, id, token string, c Caller) (Result, error) {
	unlock := s.locks.lock(id)
	defer unlock()
	in, err := s.load(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if res, done, err := s.expireIfDue(ctx, in, c); done {
		return expired(res, err)
	}

	meta := lifecycle.Meta{Actor: c.Actor, Reason: reason.AllowUserInitiated, Layer: policy.LayerApproval, SessionID: c.SessionID}
	if in.State != lifecycle.AwaitUserApproval || c.Actor != intent.ActorUser {
		return s.result(in), s.fire(ctx, in, lifecycle.UserApprove, meta)
	}
	if _, err := s.approvals.Verify(token, in); err != nil {
		s.logger.WarnContext(ctx, "approval token rejected", "intent_id", in.ID, "error", err)
		// An unproven approval is not a human approval.
		meta.Actor = "unverified"
		meta.Detail = map[string]string{"claimed_actor": c.Actor}
		return s.result(in), s.fire(ctx, in, lifecycle.UserApprove, meta)
	}

	d, err := s.engine.EvaluateApproved(ctx, in)
	if err != nil {
		return s.failClosed(ctx, in, c, lifecycle.Deny, err)
	}
	s.recordDecision(ctx, in, c, d, nil)
	if d.Outcome != policy.OutcomeAutoApprove {
		return s.route(ctx, in, c, d)
	}
	terms, err := in.TermsHash()
	if err != nil {
		return s.result(in), err
	}
	in.ApprovedTerms = terms
	meta.PolicyHash = d.PolicyHash
	if err := s.fire(ctx, in, lifecycle.UserApprove, meta); err != nil {
		return s.result(in), err
	}
	return s.decided(in, d), nil
}

// Deny ends an intent on behalf of the user with DENY_USER_POLICY.
func (s *Service) Deny(ctx context.Context, id string, c Caller) (Result, error) {
	unlock := s.locks.lock(id)
	defer unlock()
	in, err := s.load(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if res, done, err := s.expireIfDue(ctx, in, c); done {
		return expired(res, err)
	}
	meta := lifecycle.Meta{Actor: c.Actor, Reason: reason.DenyUserPolicy, Layer: LayerCaller, SessionID: c.SessionID}
	if err := s.fire(ctx, in, lifecycle.Deny, meta); err != nil {
		return s.result(in), err
	}
	res := s.result(in)
	res.ReasonCode, res.Layer = reason.DenyUserPolicy, LayerCaller
	return res, nil
}

// LayerCaller marks transitions requested by a caller rather than policy.
const LayerCaller = "caller"

// Sign signs and executes an Approved intent. Hard policy layers are checked
// again first, since the snapshot or spend may have changed since approval.
func (s *Service) Sign(ctx context.Context, id string, c Caller) (Result, error) {
	unlock := s.locks.lock(id)
	defer unlock()
	in, err := s.load(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if res, done, err := s.expireIfDue(ctx, in, c); done {
		return expired(res, err)
	}
	allow := reason.AllowAutoPolicyOK
	if in.ApprovedTerms != "" {
		allow = reason.AllowUserInitiated
	}
	return s.sign(ctx, in, c, allow)
}

func (s *Service) sign(ctx context.Context, in *intent.Intent, c Caller, allow reason.Code) (Result, error) {
	meta := lifecycle.Meta{Actor: c.Actor, Reason: allow, Layer: policy.LayerPolicy, SessionID: c.SessionID}
	if in.State != lifecycle.Approved {
		return s.result(in), s.fire(ctx, in, lifecycle.BeginSigning, meta)
	}
	if in.ApprovedTerms != "" {
		terms, err := in.TermsHash()
		if err != nil {
			return s.result(in), err
		}
		if terms != in.ApprovedTerms {
			return s.reevaluate(ctx, in, c)
		}
	}
	d, err := s.engine.EvaluateApproved(ctx, in)
	if err != nil {
		return s.failClosed(ctx, in, c, lifecycle.Deny, err)
	}
	if d.Outcome != policy.OutcomeAutoApprove {
		s.recordDecision(ctx, in, c, d, map[string]string{"stage": "pre_sign"})
		return s.route(ctx, in, c, d)
	}
	meta.PolicyHash = d.PolicyHash

	hold, rd, err := s.engine.Reserve(ctx, in, allow == reason.AllowUserInitiated)
	if err != nil {
		return s.failClosed(ctx, in, c, lifecycle.Deny, err)
	}
	if rd.Outcome != policy.OutcomeAutoApprove {
		s.recordDecision(ctx, in, c, rd, map[string]string{"stage": "reserve"})
		return s.rerouteApproved(ctx, in, c, rd)
	}
	// Spend stays charged once the executor has the transaction.
	release := func() {
		if err := s.engine.Release(context.WithoutCancel(ctx), hold); err != nil {
			s.logger.ErrorContext(ctx, "spend reservation not released", "intent_id", in.ID, "error", err)
		}
	}

	if err := s.fire(ctx, in, lifecycle.BeginSigning, meta); err != nil {
		release()
		return s.result(in), err
	}

	payload, err := in.SigningPayload()
	if err != nil {
		release()
		return s.failed(ctx, in, c, reason.DenyInvalidIntent, err)
	}
	h, err := s.keys.UnwrapKey(ctx, keyprovider.KeyContext{UserID: in.UserID, Actor: in.Actor})
	if err != nil {
		release()
		return s.failed(ctx, in, c, reason.Of(err, reason.DenyTPMUnavailable), err)
	}
	sig, err := s.keys.Sign(ctx, h, payload)
	pub := h.PublicKey()
	h.Destroy()
	if err != nil {
		release()
		return s.failed(ctx, in, c, reason.Of(err, reason.DenyTPMUnavailable), err)
	}

	txRef, err := s.executor.Submit(ctx, in, sig)
	if err != nil {
		release()
		return s.failed(ctx, in, c, reason.DenyExecutorFailure, err)
	}
	if err := s.fire(ctx, in, lifecycle.Submit, withDetail(meta, "tx_ref", txRef)); err != nil {
		return s.result(in), err
	}
	if err := s.executor.Settle(ctx, in, txRef); err != nil {
		return s.failed(ctx, in, c, reason.DenyExecutorFailure, err)
	}
	if err := s.fire(ctx, in, lifecycle.Settle, meta); err != nil {
		return s.result(in), err
	}

	res := s.decided(in, d)
	res.ReasonCode, res.Layer = allow, policy.LayerPolicy
	if allow == reason.AllowUserInitiated {
		res.Layer = policy.LayerApproval
	}
	res.Signature = hex.EncodeToString(sig)
	res.PublicKey = hex.EncodeToString(pub)
	res.TxRef = txRef
	return res, nil
}

// rerouteApproved applies a decision that withdrew an Approved intent at the
// reservation step. A deny ends it; anything else goes back through
// PolicyEvaluated so it can wait for a human.
func (s *Service) rerouteApproved(ctx context.Context, in *intent.Intent, c Caller, d policy.Decision) (Result, error) {
	if d.Outcome == policy.OutcomeNeedsApproval {
		if err := s.fire(ctx, in, lifecycle.Reevaluate, withDetail(s.meta(c, d), "cause", "spend_reserved")); err != nil {
			return s.result(in), err
		}
	}
	return s.route(ctx, in, c, d)
}

// Amend changes an intent's terms. A material change to an Approved or
// AwaitUserApproval intent sends it back through the full decision chain.
func (s *Service) Amend(ctx context.Context, id string, a intent.Amendment, c Caller) (Result, error) {
	unlock := s.locks.lock(id)
	defer unlock()
	in, err := s.load(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if res, done, err := s.expireIfDue(ctx, in, c); done {
		return expired(res, err)
	}
	next, err := a.Apply(in)
	if err != nil {
		s.recordRejected(ctx, in.ID, c, reason.Of(err, reason.DenyInvalidIntent))
		return s.result(in), err
	}
	switch in.State {
	case lifecycle.Approved, lifecycle.AwaitUserApproval:
	default:
		meta := lifecycle.Meta{Actor: c.Actor, Reason: reason.DenyInvalidTransition, SessionID: c.SessionID,
			Detail: map[string]string{"operation": "amend"}}
		return s.result(in), s.fire(ctx, in, lifecycle.Reevaluate, meta)
	}
	if !intent.MaterialChange(in, next) {
		if in.ApprovedTerms != "" {
			terms, err := next.TermsHash()
			if err != nil {
				return s.result(in), err
			}
			next.ApprovedTerms = terms
		}
		if err := s.store.Update(ctx, next); err != nil {
			return s.result(in), fmt.Errorf("signer: store amendment: %w", err)
		}
		return s.result(next), nil
	}
	next.ApprovedTerms = ""
	return s.reevaluate(ctx, next, c)
}

// reevaluate runs the full decision chain again for an intent whose approval
// no longer covers its terms.
func (s *Service) reevaluate(ctx context.Context, in *intent.Intent, c Caller) (Result, error) {
	in.ApprovedTerms = ""
	d, err := s.engine.Evaluate(ctx, in)
	if err != nil {
		return s.failClosed(ctx, in, c, lifecycle.Deny, err)
	}
	s.recordDecision(ctx, in, c, d, map[string]string{"stage": "reevaluate"})
	if err := s.fire(ctx, in, lifecycle.Reevaluate, withDetail(s.meta(c, d), "cause", "material_change")); err != nil {
		return s.result(in), err
	}
	return s.route(ctx, in, c, d)
}

// Status returns the stored state, expiring the intent first if it is due.
func (s *Service) Status(ctx context.Context, id string) (Result, error) {
	unlock := s.locks.lock(id)
	defer unlock()
	in, err := s.load(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if res, done, err := s.expireIfDue(ctx, in, Caller{Actor: "system"}); done {
		return res, err
	}
	return s.result(in), nil
}

// ExpireDue expires every active intent past its expiry that has not begun
// signing. It returns the number expired.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	active, err := s.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, in := range active {
		if !in.Expired(s.clock()) {
			continue
		}
		unlock := s.locks.lock(in.ID)
		cur, err := s.load(ctx, in.ID)
		if err == nil {
			_, expired, ferr := s.expireIfDue(ctx, cur, Caller{Actor: "system"})
			if expired && ferr == nil {
				n++
			}
		}
		unlock()
	}
	return n, nil
}

// expireIfDue fires Expire for an intent past its expiry and reports whether
// it did. Intents that have begun signing are left to the signing path.
func (s *Service) expireIfDue(ctx context.Context, in *intent.Intent, c Caller) (Result, bool, error) {
	switch in.State {
	case lifecycle.Signing, lifecycle.Submitted:
		return Result{}, false, nil
	}
	if in.State.Terminal() || !in.Expired(s.clock()) {
		return Result{}, false, nil
	}
	meta := lifecycle.Meta{Actor: c.Actor, Reason: reason.ExpireTTLReached, Layer: policy.LayerLifecycle, SessionID: c.SessionID}
	if err := s.fire(ctx, in, lifecycle.Expire, meta); err != nil {
		return s.result(in), true, err
	}
	res := s.result(in)
	res.ReasonCode, res.Layer = reason.ExpireTTLReached, policy.LayerLifecycle
	return res, true, nil
}

// expired is returned by operations that found their intent expired.
func expired(res Result, err error) (Result, error) {
	if err != nil {
		return res, err
	}
	return res, reason.New(reason.ExpireTTLReached, "intent %s expired", res.IntentID)
}

func (s *Service) normalize(ctx context.Context, sub intent.Submission, c Caller) (*intent.Intent, error) {
	in, err := s.normalizer.Normalize(ctx, sub)
	if err != nil {
		code := reason.Of(err, reason.DenyInvalidIntent)
		s.recordRejected(ctx, "", c, code, "request_id", sub.RequestID)
		return nil, err
	}
	return in, nil
}

func (s *Service) load(ctx context.Context, id string) (*intent.Intent, error) {
	in, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, reason.Wrap(reason.DenyInvalidIntent, err)
		}
		return nil, err
	}
	return in, nil
}

// fire applies ev and persists the new state. The in-memory intent only
// changes state when both succeed.
func (s *Service) fire(ctx context.Context, in *intent.Intent, ev lifecycle.Event, meta lifecycle.Meta) error {
	to, err := s.machine.Fire(ctx, in.Subject(), ev, meta)
	if err != nil {
		return err
	}
	prev, prevReason := in.State, in.LastReason
	in.State, in.LastReason = to, meta.Reason
	if err := s.store.Update(ctx, in); err != nil {
		in.State, in.LastReason = prev, prevReason
		s.logger.ErrorContext(ctx, "transition recorded but not stored", "intent_id", in.ID, "event", ev, "error", err)
		return fmt.Errorf("signer: store transition: %w", err)
	}
	return nil
}

// failed moves an intent in Signing or Submitted to Failed.
func (s *Service) failed(ctx context.Context, in *intent.Intent, c Caller, code reason.Code, cause error) (Result, error) {
	if !code.IsDeny() {
		code = reason.DenyTPMUnavailable
	}
	s.logger.ErrorContext(ctx, "signing pipeline failed", "intent_id", in.ID, "state", in.State, "reason_code", code, "error", cause)
	meta := lifecycle.Meta{Actor: c.Actor, Reason: code, SessionID: c.SessionID}
	if err := s.fire(ctx, in, lifecycle.Fail, meta); err != nil {
		return s.result(in), err
	}
	res := s.result(in)
	res.ReasonCode = code
	return res, reason.Wrap(code, cause)
}

// failClosed handles a policy engine that could not decide. Hard limits
// cannot be verified, so the intent is denied as if over the global cap.
func (s *Service) failClosed(ctx context.Context, in *intent.Intent, c Caller, ev lifecycle.Event, cause error) (Result, error) {
	s.logger.ErrorContext(ctx, "policy unavailable, denying", "intent_id", in.ID, "error", cause)
	meta := lifecycle.Meta{Actor: c.Actor, Reason: reason.DenyGlobalLimit, Layer: policy.LayerGlobal, SessionID: c.SessionID,
		Detail: map[string]string{"cause": "policy_unavailable"}}
	if ev == lifecycle.Evaluate {
		if err := s.fire(ctx, in, lifecycle.Evaluate, meta); err != nil {
			return s.result(in), err
		}
	}
	if err := s.fire(ctx, in, lifecycle.Deny, meta); err != nil {
		return s.result(in), err
	}
	res := s.result(in)
	res.Outcome, res.ReasonCode, res.Layer = policy.OutcomeDeny, reason.DenyGlobalLimit, policy.LayerGlobal
	return res, nil
}

func (s *Service) policyUnavailable(ctx context.Context, in *intent.Intent, c Caller, cause error) error {
	s.logger.ErrorContext(ctx, "policy unavailable", "intent_id", in.ID, "error", cause)
	s.recordRejected(ctx, in.ID, c, reason.DenyGlobalLimit, "cause", "policy_unavailable")
	return reason.Wrap(reason.DenyGlobalLimit, cause)
}

func (s *Service) recordDecision(ctx context.Context, in *intent.Intent, c Caller, d policy.Decision, extra map[string]string) {
	detail := map[string]string{"outcome": string(d.Outcome)}
	if d.Detail != "" {
		detail["detail"] = d.Detail
	}
	for k, v := range extra {
		detail[k] = v
	}
	_, err := s.recorder.Record(ctx, audit.Event{
		Kind:          audit.KindDecision,
		IntentID:      in.ID,
		Actor:         c.Actor,
		Reason:        d.Reason,
		Layer:         d.Layer,
		CorrelationID: in.CorrelationID,
		SessionID:     c.SessionID,
		PolicyHash:    d.PolicyHash,
		Detail:        detail,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "decision not recorded", "intent_id", in.ID, "error", err)
	}
}

func (s *Service) recordRejected(ctx context.Context, intentID string, c Caller, code reason.Code, kv ...string) {
	var detail map[string]string
	if len(kv) >= 2 {
		detail = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			detail[kv[i]] = kv[i+1]
		}
	}
	if _, err := s.recorder.Record(ctx, audit.Event{
		Kind:      audit.KindRequestRejected,
		IntentID:  intentID,
		Actor:     c.Actor,
		Reason:    code,
		SessionID: c.SessionID,
		Detail:    detail,
	}); err != nil {
		s.logger.ErrorContext(ctx, "rejection not recorded", "reason_code", code, "error", err)
	}
}

func (s *Service) meta(c Caller, d policy.Decision) lifecycle.Meta {
	return lifecycle.Meta{Actor: c.Actor, Reason: d.Reason, Layer: d.Layer, SessionID: c.SessionID, PolicyHash: d.PolicyHash}
}

func withDetail(m lifecycle.Meta, k, v string) lifecycle.Meta {
	d := make(map[string]string, len(m.Detail)+1)
	for key, val := range m.Detail {
		d[key] = val
	}
	d[k] = v
	m.Detail = d
	return m
}

func (s *Service) result(in *intent.Intent) Result {
	res := Result{IntentID: in.ID, State: in.State, ReasonCode: in.LastReason, ExpiresAt: in.ExpiresAt}
	if terms, err := in.TermsHash(); err == nil {
		res.TermsHash = terms
	}
	return res
}

func (s *Service) decided(in *intent.Intent, d policy.Decision) Result {
	res := s.result(in)
	res.Outcome, res.ReasonCode, res.Layer, res.PolicyHash = d.Outcome, d.Reason, d.Layer, d.PolicyHash
	return res
}

// idLocks serializes work per intent id.
type idLocks struct {
	mu sync.Mutex
	m  map[string]*idLock
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

func newIDLocks() *idLocks { return &idLocks{m: make(map[string]*idLock)} }

func (l *idLocks) lock(id string) func() {
	l.mu.Lock()
	e, ok := l.m[id]
	if !ok {
		e = &idLock{}
		l.m[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		if e.refs--; e.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}
