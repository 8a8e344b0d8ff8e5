// Package intent defines the canonical Intent record and turns caller
// submissions (plain transfers, x402 payment challenges) into it.
package intent

import (
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm-signer/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-signer/pkg/lifecycle"
	"github.com/Mindburn-Labs/helm-signer/pkg/reason"
)

// Actors.
const (
	ActorAgent = "agent"
	ActorUser  = lifecycle.HumanActor
)

// ActionType classifies what the intent asks the signer to do.
type ActionType string

const (
	ActionTransfer    ActionType = "transfer"
	ActionApprove     ActionType = "approve"
	ActionX402Payment ActionType = "x402_payment"
)

// Valid reports whether a is a known action type.
func (a ActionType) Valid() bool {
	switch a {
	case ActionTransfer, ActionApprove, ActionX402Payment:
		return true
	}
	return false
}

// Intent is the canonical form of one signing or payment request.
type Intent struct {
	ID             string     `json:"id"`
	RequestID      string     `json:"request_id"`
	IdempotencyKey string     `json:"idempotency_key"`
	Actor          string     `json:"actor"`
	UserID         string     `json:"user_id"`
	ActionType     ActionType `json:"action_type"`

	ChainID  string `json:"chain_id,omitempty"`
	AssetID  string `json:"asset_id,omitempty"`
	SchemeID string `json:"scheme_id,omitempty"`

	// Amounts are atomic units.
	AmountMax    uint64 `json:"amount_max"`
	AmountQuoted uint64 `json:"amount_quoted"`

	Payee            string `json:"payee"`
	PaymentAuthority string `json:"payment_authority,omitempty"`
	MerchantOrigin   string `json:"merchant_origin,omitempty"`
	Rationale        string `json:"rationale,omitempty"`

	ContextRequiresApproval bool `json:"context_requires_approval"`

	ExpiresAt     time.Time       `json:"expires_at"`
	CorrelationID string          `json:"correlation_id"`
	State         lifecycle.State `json:"state"`
	// LastReason is the reason code of the last accepted transition.
	LastReason reason.Code `json:"last_reason,omitempty"`
	// Revision increments on every stored update.
	Revision uint64 `json:"revision"`

	Supersedes string   `json:"supersedes,omitempty"`
	DependsOn  []string `json:"depends_on,omitempty"`
	// ApprovedTerms is the MaterialTerms hash the last approval was given for.
	ApprovedTerms string `json:"approved_terms,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (i *Intent) Clone() *Intent {
	c := *i
	if i.DependsOn != nil {
		c.DependsOn = append([]string(nil), i.DependsOn...)
	}
	return &c
}

// IsPayment reports whether the intent came from an x402 challenge.
func (i *Intent) IsPayment() bool { return i.ActionType == ActionX402Payment }

// Expired reports whether now is past ExpiresAt.
func (i *Intent) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

// Subject is the view the state machine needs.
func (i *Intent) Subject() lifecycle.Subject {
	return lifecycle.Subject{ID: i.ID, CorrelationID: i.CorrelationID, State: i.State}
}

// Authority returns the payment authority, or the merchant origin when no
// facilitator is known.
func (i *Intent) Authority() string {
	if i.PaymentAuthority != "" {
		return i.PaymentAuthority
	}
	return i.MerchantOrigin
}

// MaterialTerms are the fields an approval is bound to.
type MaterialTerms struct {
	AmountMax        string `json:"amount_max"`
	AmountQuoted     string `json:"amount_quoted"`
	Payee            string `json:"payee"`
	PaymentAuthority string `json:"payment_authority"`
	MerchantOrigin   string `json:"merchant_origin"`
	SchemeID         string `json:"scheme_id"`
	ChainID          string `json:"chain_id"`
	AssetID          string `json:"asset_id"`
}

// Terms extracts the material terms.
func (i *Intent) Terms() MaterialTerms {
	return MaterialTerms{
		AmountMax:        strconv.FormatUint(i.AmountMax, 10),
		AmountQuoted:     strconv.FormatUint(i.AmountQuoted, 10),
		Payee:            i.Payee,
		PaymentAuthority: i.PaymentAuthority,
		MerchantOrigin:   i.MerchantOrigin,
		SchemeID:         i.SchemeID,
		ChainID:          i.ChainID,
		AssetID:          i.AssetID,
	}
}

// TermsHash is the canonical hash of Terms.
func (i *Intent) TermsHash() (string, error) {
	return canonicalize.CanonicalHash(i.Terms())
}

// MaterialChange reports whether next differs from prev in a way that voids
// an approval: a higher amount, or any change of payee, authority, origin,
// scheme, chain or asset. Lowering an amount is not material.
func MaterialChange(prev, next *Intent) bool {
	switch {
	case next.AmountQuoted > prev.AmountQuoted, next.AmountMax > prev.AmountMax:
		return true
	case next.Payee != prev.Payee:
		return true
	case next.PaymentAuthority != prev.PaymentAuthority, next.MerchantOrigin != prev.MerchantOrigin:
		return true
	case !strings.EqualFold(next.SchemeID, prev.SchemeID):
		return true
	case next.ChainID != prev.ChainID, next.AssetID != prev.AssetID:
		return true
	}
	return false
}

// SigningView is the exact payload handed to the key provider.
type SigningView struct {
	IntentID         string `json:"intent_id"`
	RequestID        string `json:"request_id"`
	Actor            string `json:"actor"`
	UserID           string `json:"user_id"`
	ActionType       string `json:"action_type"`
	AmountAtomic     uint64 `json:"amount_atomic"`
	Payee            string `json:"payee"`
	SchemeID         string `json:"scheme_id"`
	ChainID          string `json:"chain_id"`
	AssetID          string `json:"asset_id"`
	PaymentAuthority string `json:"payment_authority"`
	IdempotencyKey   string `json:"idempotency_key"`
}

// SigningPayload returns the canonical JSON of the signing view.
func (i *Intent) SigningPayload() ([]byte, error) {
	return canonicalize.JCS(SigningView{
		IntentID:         i.ID,
		RequestID:        i.RequestID,
		Actor:            i.Actor,
		UserID:           i.UserID,
		ActionType:       string(i.ActionType),
		AmountAtomic:     i.AmountQuoted,
		Payee:            i.Payee,
		SchemeID:         i.SchemeID,
		ChainID:          i.ChainID,
		AssetID:          i.AssetID,
		PaymentAuthority: i.Authority(),
		IdempotencyKey:   i.IdempotencyKey,
	})
}
