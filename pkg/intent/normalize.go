package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/helm-signer/pkg/lifecycle"
	"github.com/Mindburn-Labs/helm-signer/pkg/reason"
)

const (
	DefaultTTL = 5 * time.Minute
	MaxTTL     = time.Hour

	maxTextLen = 1024
)

// Submission is what a caller sends. Exactly one of Transfer and
// PaymentRequired is set.
type Submission struct {
	RequestID               string          `json:"request_id"`
	IdempotencyKey          string          `json:"idempotency_key,omitempty"`
	Actor                   string          `json:"actor"`
	UserID                  string          `json:"user_id"`
	ActionType              ActionType      `json:"action_type,omitempty"`
	ContextRequiresApproval bool            `json:"context_requires_approval"`
	MerchantOrigin          string          `json:"merchant_origin,omitempty"`
	Rationale               string          `json:"rationale,omitempty"`
	CorrelationID           string          `json:"correlation_id,omitempty"`
	Transfer                json.RawMessage `json:"transfer,omitempty"`
	PaymentRequired         json.RawMessage `json:"payment_required,omitempty"`
	TTLSeconds              int64           `json:"ttl_seconds,omitempty"`
	Supersedes              string          `json:"supersedes,omitempty"`
	DependsOn               []string        `json:"depends_on,omitempty"`
}

// transfer is the validated shape of Submission.Transfer.
type transfer struct {
	Payee            string `json:"payee"`
	Amount           string `json:"amount"`
	AmountMax        string `json:"amount_max"`
	ChainID          string `json:"chain_id"`
	AssetID          string `json:"asset_id"`
	SchemeID         string `json:"scheme_id"`
	PaymentAuthority string `json:"payment_authority"`
}

const transferSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["payee", "amount"],
	"additionalProperties": false,
	"properties": {
		"payee": {"type": "string", "minLength": 1, "maxLength": 256},
		"amount": {"type": "string", "pattern": "^[0-9]{1,20}$"},
		"amount_max": {"type": "string", "pattern": "^[0-9]{1,20}$"},
		"chain_id": {"type": "string", "maxLength": 128},
		"asset_id": {"type": "string", "maxLength": 128},
		"scheme_id": {"type": "string", "maxLength": 64},
		"payment_authority": {"type": "string", "maxLength": 512}
	}
}`

const paymentRequiredSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["x402Version", "accepts"],
	"properties": {
		"x402Version": {"type": "integer", "minimum": 0},
		"accepts": {"type": "array", "items": {"type": "object"}}
	}
}`

// Normalizer canonicalizes submissions. It is safe for concurrent use.
type Normalizer struct {
	transfer        *jsonschema.Schema
	paymentRequired *jsonschema.Schema
	clock           func() time.Time
	defaultTTL      time.Duration
	maxTTL          time.Duration
}

// NewNormalizer compiles the payload schemas.
func NewNormalizer() (*Normalizer, error) {
	ts, err := compileSchema("transfer", transferSchema)
	if err != nil {
		return nil, err
	}
	ps, err := compileSchema("x402-payment-required", paymentRequiredSchema)
	if err != nil {
		return nil, err
	}
	return &Normalizer{
		transfer:        ts,
		paymentRequired: ps,
		clock:           time.Now,
		defaultTTL:      DefaultTTL,
		maxTTL:          MaxTTL,
	}, nil
}

// decodeDocument keeps numbers as json.Number so amounts above 2^53 reach the
// validator unrounded.
func decodeDocument(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after document")
	}
	return doc, nil
}

func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://helm-signer.schemas.local/intent/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("intent: schema %s load failed: %w", name, err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("intent: schema %s compile failed: %w", name, err)
	}
	return s, nil
}

// WithClock overrides the clock for testing.
func (n *Normalizer) WithClock(clock func() time.Time) *Normalizer {
	n.clock = clock
	return n
}

// WithTTL sets the default and maximum request lifetimes.
func (n *Normalizer) WithTTL(def, limit time.Duration) *Normalizer {
	if def > 0 {
		n.defaultTTL = def
	}
	if limit > 0 {
		n.maxTTL = limit
	}
	return n
}

// Normalize returns a new Intent in state Received, or a *reason.Error.
// Nothing partial is ever returned.
func (n *Normalizer) Normalize(_ context.Context, sub Submission) (*Intent, error) {
	now := n.clock().UTC()

	requestID := text(sub.RequestID)
	userID := text(sub.UserID)
	actor := text(sub.Actor)
	if requestID == "" || userID == "" {
		return nil, invalid("request_id and user_id are required")
	}
	if len(requestID) > maxTextLen || len(userID) > maxTextLen {
		return nil, invalid("identifier too long")
	}
	if actor != ActorAgent && actor != ActorUser {
		return nil, invalid("actor must be %q or %q", ActorAgent, ActorUser)
	}

	in := &Intent{
		ID:                      uuid.NewString(),
		RequestID:               requestID,
		IdempotencyKey:          text(sub.IdempotencyKey),
		Actor:                   actor,
		UserID:                  userID,
		MerchantOrigin:          text(sub.MerchantOrigin),
		Rationale:               text(sub.Rationale),
		ContextRequiresApproval: sub.ContextRequiresApproval,
		CorrelationID:           text(sub.CorrelationID),
		State:                   lifecycle.Received,
		Supersedes:              text(sub.Supersedes),
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = requestID
	}
	if in.CorrelationID == "" {
		in.CorrelationID = in.ID
	}
	if len(in.Rationale) > maxTextLen {
		in.Rationale = strings.ToValidUTF8(in.Rationale[:maxTextLen], "")
	}
	for _, d := range sub.DependsOn {
		if d = text(d); d != "" {
			in.DependsOn = append(in.DependsOn, d)
		}
	}

	switch {
	case len(sub.PaymentRequired) > 0 && len(sub.Transfer) > 0:
		return nil, invalid("transfer and payment_required are mutually exclusive")
	case len(sub.PaymentRequired) > 0:
		if sub.ActionType != "" && sub.ActionType != ActionX402Payment {
			return nil, reason.New(reason.DenyInvalidX402Intent, "action type %q with payment_required", sub.ActionType)
		}
		if err := n.fromPaymentRequired(in, sub.PaymentRequired, now); err != nil {
			return nil, err
		}
	case len(sub.Transfer) > 0:
		if sub.ActionType != ActionTransfer && sub.ActionType != ActionApprove {
			return nil, invalid("action type %q needs payment_required", sub.ActionType)
		}
		in.ActionType = sub.ActionType
		if err := n.fromTransfer(in, sub.Transfer); err != nil {
			return nil, err
		}
		ttl, err := n.ttl(sub.TTLSeconds)
		if err != nil {
			return nil, err
		}
		in.ExpiresAt = now.Add(ttl)
	default:
		return nil, invalid("missing transfer or payment_required payload")
	}
	return in, nil
}

func (n *Normalizer) ttl(seconds int64) (time.Duration, error) {
	switch {
	case seconds < 0:
		return 0, invalid("negative ttl")
	case seconds == 0:
		return n.defaultTTL, nil
	}
	return n.clampTTL(seconds), nil
}

func (n *Normalizer) clampTTL(seconds int64) time.Duration {
	if seconds > int64(n.maxTTL/time.Second) {
		return n.maxTTL
	}
	return time.Duration(seconds) * time.Second
}

func (n *Normalizer) fromTransfer(in *Intent, raw json.RawMessage) error {
	doc, err := decodeDocument(raw)
	if err != nil {
		return invalid("transfer is not JSON")
	}
	if err := n.transfer.Validate(doc); err != nil {
		return reason.Wrap(reason.DenyInvalidIntent, fmt.Errorf("transfer schema validation failed: %w", err))
	}
	var t transfer
	if err := json.Unmarshal(raw, &t); err != nil {
		return invalid("transfer decode failed")
	}

	quoted, err := parseAtomic(t.Amount)
	if err != nil {
		return reason.Wrap(reason.DenyInvalidIntent, err)
	}
	ceiling := quoted
	if t.AmountMax != "" {
		if ceiling, err = parseAtomic(t.AmountMax); err != nil {
			return reason.Wrap(reason.DenyInvalidIntent, err)
		}
	}
	if ceiling < quoted {
		return invalid("amount_max %d below amount %d", ceiling, quoted)
	}

	in.AmountQuoted, in.AmountMax = quoted, ceiling
	in.Payee = text(t.Payee)
	in.ChainID = text(t.ChainID)
	in.AssetID = text(t.AssetID)
	in.SchemeID = text(t.SchemeID)
	in.PaymentAuthority = text(t.PaymentAuthority)
	if in.Payee == "" {
		return invalid("empty payee")
	}
	return nil
}

// parseAtomic parses a positive decimal amount of atomic units.
func parseAtomic(s string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", s, errors.Unwrap(err))
	}
	if v == 0 {
		return 0, fmt.Errorf("amount must be positive")
	}
	return v, nil
}

// text trims and NFC-normalizes identity and free-text fields.
func text(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func invalid(format string, args ...any) error {
	return reason.New(reason.DenyInvalidIntent, format, args...)
}

// Amendment changes an existing intent's terms. Nil fields are unchanged.
type Amendment struct {
	AmountQuoted     *uint64 `json:"amount_quoted,omitempty"`
	AmountMax        *uint64 `json:"amount_max,omitempty"`
	Payee            *string `json:"payee,omitempty"`
	PaymentAuthority *string `json:"payment_authority,omitempty"`
	MerchantOrigin   *string `json:"merchant_origin,omitempty"`
	SchemeID         *string `json:"scheme_id,omitempty"`
	ChainID          *string `json:"chain_id,omitempty"`
	AssetID          *string `json:"asset_id,omitempty"`
	Rationale        *string `json:"rationale,omitempty"`
}

// Apply returns a copy of in with a applied. The original is not modified.
func (a Amendment) Apply(in *Intent) (*Intent, error) {
	out := in.Clone()
	if a.AmountQuoted != nil {
		out.AmountQuoted = *a.AmountQuoted
	}
	if a.AmountMax != nil {
		out.AmountMax = *a.AmountMax
	}
	// An amount raised past the old ceiling lifts the ceiling with it.
	if a.AmountQuoted != nil && a.AmountMax == nil && out.AmountMax < out.AmountQuoted {
		out.AmountMax = out.AmountQuoted
	}
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = text(*v)
		}
	}
	set(&out.Payee, a.Payee)
	set(&out.PaymentAuthority, a.PaymentAuthority)
	set(&out.MerchantOrigin, a.MerchantOrigin)
	set(&out.SchemeID, a.SchemeID)
	set(&out.ChainID, a.ChainID)
	set(&out.AssetID, a.AssetID)
	set(&out.Rationale, a.Rationale)

	switch {
	case out.AmountQuoted == 0:
		return nil, invalid("amount must be positive")
	case out.AmountMax < out.AmountQuoted:
		return nil, invalid("amount_max %d below amount %d", out.AmountMax, out.AmountQuoted)
	case out.Payee == "":
		return nil, invalid("empty payee")
	}
	return out, nil
}
