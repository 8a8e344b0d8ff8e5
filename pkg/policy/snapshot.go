package policy

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/helm-signer/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-signer/pkg/intent"
)

// Snapshot is a validated config with its compiled context rules. It is
// shared read-only by every evaluation.
type Snapshot struct {
	cfg         Config
	rules       []compiledRule
	hash        string
	payees      map[string]bool
	authorities map[string]bool
	schemes     map[string]bool
	chains      map[string]bool
}

type compiledRule struct {
	id  string
	prg cel.Program
}

// Compile validates cfg and compiles its CEL rules.
func Compile(cfg Config) (*Snapshot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	hash, err := canonicalize.CanonicalHash(cfg)
	if err != nil {
		return nil, fmt.Errorf("policy: hash config: %w", err)
	}

	env, err := cel.NewEnv(
		cel.Variable("intent", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: failed to create CEL environment: %w", err)
	}
	s := &Snapshot{
		cfg:         cfg,
		hash:        hash,
		payees:      set(cfg.Trust.Payees, false),
		authorities: set(cfg.Trust.PaymentAuthorities, false),
		schemes:     set(cfg.Trust.Schemes, true),
		chains:      set(cfg.Trust.ChainNamespaces, true),
	}
	for i, r := range cfg.Context.Rules {
		id := r.ID
		if id == "" {
			id = fmt.Sprintf("rule-%d", i)
		}
		ast, issues := env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("%w: context rule %s: %w", ErrInvalidConfig, id, issues.Err())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("%w: context rule %s: %w", ErrInvalidConfig, id, err)
		}
		s.rules = append(s.rules, compiledRule{id: id, prg: prg})
	}
	return s, nil
}

func set(list []string, fold bool) map[string]bool {
	m := make(map[string]bool, len(list))
	for _, v := range list {
		v = strings.TrimSpace(v)
		if fold {
			v = strings.ToLower(v)
		}
		m[v] = true
	}
	return m
}

// Config returns the configuration the snapshot was compiled from.
func (s *Snapshot) Config() Config { return s.cfg }

// Hash is the canonical hash of the configuration.
func (s *Snapshot) Hash() string { return s.hash }

// contextRule returns the id of the first rule that demands approval. A rule
// that fails to evaluate demands approval too.
func (s *Snapshot) contextRule(in *intent.Intent) (string, error) {
	if len(s.rules) == 0 {
		return "", nil
	}
	vars := map[string]any{"intent": celInput(in)}
	for _, r := range s.rules {
		out, _, err := r.prg.Eval(vars)
		if err != nil {
			return r.id, fmt.Errorf("context rule %s: %w", r.id, err)
		}
		b, ok := out.Value().(bool)
		if !ok {
			return r.id, fmt.Errorf("context rule %s returned %T", r.id, out.Value())
		}
		if b {
			return r.id, nil
		}
	}
	return "", nil
}

func celInput(in *intent.Intent) map[string]any {
	return map[string]any{
		"action_type":               string(in.ActionType),
		"actor":                     in.Actor,
		"user_id":                   in.UserID,
		"amount_quoted":             clampInt(in.AmountQuoted),
		"amount_max":                clampInt(in.AmountMax),
		"payee":                     in.Payee,
		"payment_authority":         in.PaymentAuthority,
		"merchant_origin":           in.MerchantOrigin,
		"scheme_id":                 in.SchemeID,
		"chain_id":                  in.ChainID,
		"asset_id":                  in.AssetID,
		"rationale":                 in.Rationale,
		"context_requires_approval": in.ContextRequiresApproval,
	}
}

func clampInt(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

// Store publishes the current snapshot. Readers never see a partial update.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore publishes initial.
func NewStore(initial *Snapshot) *Store {
	s := &Store{}
	s.current.Store(initial)
	return s
}

// Load returns the current snapshot.
func (s *Store) Load() *Snapshot { return s.current.Load() }

// Swap replaces the snapshot and returns the previous one.
func (s *Store) Swap(next *Snapshot) *Snapshot {
	if next == nil {
		return s.current.Load()
	}
	return s.current.Swap(next)
}
