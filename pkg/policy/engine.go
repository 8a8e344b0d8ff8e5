package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm-signer/pkg/intent"
	"github.com/Mindburn-Labs/helm-signer/pkg/reason"
)

// Outcome of one evaluation.
type Outcome string

const (
	OutcomeAutoApprove   Outcome = "auto_approve"
	OutcomeNeedsApproval Outcome = "needs_approval"
	OutcomeDeny          Outcome = "deny"
	OutcomeExpire        Outcome = "expire"
)

// Layers that can determine an outcome.
const (
	LayerLifecycle  = "lifecycle"
	LayerStructural = "structural"
	LayerGlobal     = "global"
	LayerTrust      = "trust"
	LayerContext    = "context"
	LayerUser       = "user"
	LayerPolicy     = "policy"
	LayerApproval   = "human_approval"
)

// Decision is the result of evaluating one intent against one snapshot.
type Decision struct {
	Outcome    Outcome     `json:"outcome"`
	Reason     reason.Code `json:"reason_code"`
	Layer      string      `json:"layer"`
	PolicyHash string      `json:"policy_hash"`
	// Detail is internal and only ever written to the audit trail.
	Detail string `json:"-"`
}

// ErrNoPolicy means no snapshot was published.
var ErrNoPolicy = errors.New("policy: no snapshot loaded")

// Engine evaluates intents. Hard layers (expiry, structural, global, trust)
// are evaluated before the prompt layers (context, then user).
type Engine struct {
	store  *Store
	ledger SpendLedger
	clock  func() time.Time
	logger *slog.Logger
}

// NewEngine returns an engine reading snapshots from store.
func NewEngine(store *Store, ledger SpendLedger) *Engine {
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	return &Engine{
		store:  store,
		ledger: ledger,
		clock:  time.Now,
		logger: slog.Default().With("component", "policy"),
	}
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Snapshot returns the snapshot new evaluations will use.
func (e *Engine) Snapshot() *Snapshot { return e.store.Load() }

// Ledger returns the spend ledger.
func (e *Engine) Ledger() SpendLedger { return e.ledger }

// Evaluate runs the full chain:
//
//	expiry -> structural -> global (deny) -> trust (deny) -> context (prompt) -> user (prompt) -> auto approve
//
// A hard denial outranks a context demand: an intent over a global cap or
// outside the trust allowlists is denied even when the caller asked for
// approval, since no approval could make it signable.
//
// An error means the inputs to the decision were unavailable; callers must
// treat it as a denial.
func (e *Engine) Evaluate(ctx context.Context, in *intent.Intent) (Decision, error) {
	snap := e.store.Load()
	if snap == nil {
		return Decision{}, ErrNoPolicy
	}
	now := e.clock()
	limits := snap.cfg.LimitsFor(in.UserID)
	usage, err := e.ledger.Usage(ctx, in.UserID, limits.Velocity, now)
	if err != nil {
		return Decision{}, fmt.Errorf("policy: spend ledger unavailable: %w", err)
	}

	if d, ok := e.hardLayers(snap, in, usage, now); ok {
		return d, nil
	}

	if in.ContextRequiresApproval {
		return snap.decide(OutcomeNeedsApproval, reason.PromptContextRequired, LayerContext, "caller context requires approval"), nil
	}
	if id, err := snap.contextRule(in); id != "" {
		detail := "context rule " + id
		if err != nil {
			e.logger.WarnContext(ctx, "context rule failed, requiring approval", "rule", id, "intent_id", in.ID, "error", err)
			detail = err.Error()
		}
		return snap.decide(OutcomeNeedsApproval, reason.PromptContextRequired, LayerContext, detail), nil
	}

	if detail := userViolation(limits, in, usage); detail != "" {
		return snap.decide(OutcomeNeedsApproval, reason.PromptUserLimitExceeded, LayerUser, detail), nil
	}
	return snap.decide(OutcomeAutoApprove, reason.AllowAutoPolicyOK, LayerPolicy, ""), nil
}

// EvaluateApproved re-checks a human-approved intent before signing. Only
// the layers a human cannot override are evaluated.
func (e *Engine) EvaluateApproved(ctx context.Context, in *intent.Intent) (Decision, error) {
	snap := e.store.Load()
	if snap == nil {
		return Decision{}, ErrNoPolicy
	}
	now := e.clock()
	usage, err := e.ledger.Usage(ctx, in.UserID, Velocity{}, now)
	if err != nil {
		return Decision{}, fmt.Errorf("policy: spend ledger unavailable: %w", err)
	}
	if d, ok := e.hardLayers(snap, in, usage, now); ok {
		return d, nil
	}
	return snap.decide(OutcomeAutoApprove, reason.AllowUserInitiated, LayerApproval, ""), nil
}

// Reserve holds in.AmountMax against the daily caps before signing. The
// decisions above read spend without holding it, so this is where the caps
// are enforced. A cap reached in the meantime yields a deny (global) or
// needs-approval (user, velocity) decision and no reservation; the
// reservation is only valid when the outcome is OutcomeAutoApprove.
// userApproved drops the user cap and velocity, which a human may override.
func (e *Engine) Reserve(ctx context.Context, in *intent.Intent, userApproved bool) (Reservation, Decision, error) {
	snap := e.store.Load()
	if snap == nil {
		return Reservation{}, Decision{}, ErrNoPolicy
	}
	limits := snap.cfg.LimitsFor(in.UserID)
	caps := Caps{UserDaily: limits.DailyMax, GlobalDaily: snap.cfg.Global.DailyMax}
	v := limits.Velocity
	if userApproved {
		caps.UserDaily, v = math.MaxUint64, Velocity{}
	}

	r, err := e.ledger.Reserve(ctx, in.UserID, in.AmountMax, caps, v, e.clock())
	switch {
	case err == nil:
		return r, Decision{Outcome: OutcomeAutoApprove, PolicyHash: snap.hash}, nil
	case errors.Is(err, ErrGlobalCapReached):
		return Reservation{}, snap.decide(OutcomeDeny, reason.DenyGlobalLimit, LayerGlobal,
			fmt.Sprintf("global daily spend + %d exceeds %d", in.AmountMax, caps.GlobalDaily)), nil
	case errors.Is(err, ErrUserCapReached):
		return Reservation{}, snap.decide(OutcomeNeedsApproval, reason.PromptUserLimitExceeded, LayerUser,
			fmt.Sprintf("daily spend + %d exceeds %d", in.AmountMax, caps.UserDaily)), nil
	case errors.Is(err, ErrVelocityReached):
		return Reservation{}, snap.decide(OutcomeNeedsApproval, reason.PromptUserLimitExceeded, LayerUser, "velocity limit reached"), nil
	}
	return Reservation{}, Decision{}, fmt.Errorf("policy: spend ledger unavailable: %w", err)
}

// Release refunds a reservation whose intent was never handed to the executor.
func (e *Engine) Release(ctx context.Context, r Reservation) error {
	return e.ledger.Release(ctx, r)
}

// hardLayers returns the first expire or deny decision, if any.
func (e *Engine) hardLayers(snap *Snapshot, in *intent.Intent, usage Usage, now time.Time) (Decision, bool) {
	if in.Expired(now) {
		return snap.decide(OutcomeExpire, reason.ExpireTTLReached, LayerLifecycle, "request expired"), true
	}
	if in.IsPayment() {
		if !snap.schemes[strings.ToLower(in.SchemeID)] {
			return snap.decide(OutcomeDeny, reason.DenyUnapprovedScheme, LayerStructural, "scheme "+in.SchemeID), true
		}
		if len(snap.chains) > 0 && !snap.chains[strings.ToLower(namespace(in.ChainID))] {
			return snap.decide(OutcomeDeny, reason.DenyUnapprovedScheme, LayerStructural, "chain "+in.ChainID), true
		}
	}

	g := snap.cfg.Global
	switch {
	case in.AmountMax > g.PerTxMax:
		return snap.decide(OutcomeDeny, reason.DenyGlobalLimit, LayerGlobal,
			fmt.Sprintf("amount %d exceeds global per-tx cap %d", in.AmountMax, g.PerTxMax)), true
	case addSaturating(usage.GlobalDaily, in.AmountMax) > g.DailyMax:
		return snap.decide(OutcomeDeny, reason.DenyGlobalLimit, LayerGlobal,
			fmt.Sprintf("global daily spend %d + %d exceeds %d", usage.GlobalDaily, in.AmountMax, g.DailyMax)), true
	}

	if in.IsPayment() {
		if !snap.payees[in.Payee] {
			return snap.decide(OutcomeDeny, reason.DenyUntrustedFacilitatorOrPayee, LayerTrust, "payee "+in.Payee), true
		}
		if auth := in.Authority(); auth == intent.UnknownAuthority || !snap.authorities[auth] {
			return snap.decide(OutcomeDeny, reason.DenyUntrustedFacilitatorOrPayee, LayerTrust, "authority "+auth), true
		}
	}
	return Decision{}, false
}

func userViolation(l UserLimits, in *intent.Intent, usage Usage) string {
	switch {
	case in.AmountMax > l.PerTxMax:
		return fmt.Sprintf("amount %d exceeds per-tx limit %d", in.AmountMax, l.PerTxMax)
	case addSaturating(usage.UserDaily, in.AmountMax) > l.DailyMax:
		return fmt.Sprintf("daily spend %d + %d exceeds %d", usage.UserDaily, in.AmountMax, l.DailyMax)
	case usage.VelocityExceeded:
		return "velocity limit reached"
	case len(l.Counterparties) > 0 && !contains(l.Counterparties, in.Payee):
		return "counterparty " + in.Payee + " not allowlisted"
	}
	return ""
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.TrimSpace(s) == v {
			return true
		}
	}
	return false
}

func namespace(chainID string) string {
	ns, _, _ := strings.Cut(chainID, ":")
	return ns
}

func (s *Snapshot) decide(o Outcome, code reason.Code, layer, detail string) Decision {
	return Decision{Outcome: o, Reason: code, Layer: layer, PolicyHash: s.hash, Detail: detail}
}
