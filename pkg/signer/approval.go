package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-signer/pkg/hardening"
	"github.com/Mindburn-Labs/helm-signer/pkg/intent"
	"github.com/Mindburn-Labs/helm-signer/pkg/secretstore"
)

// ApprovalKeyName is the secret holding the human approval signing seed.
const ApprovalKeyName = "user_approval_key"

const approvalAudience = "helm-signer-approval"

// ErrInvalidApproval is wrapped by every rejected approval token.
var ErrInvalidApproval = errors.New("signer: invalid approval token")

// ApprovalClaims bind a human approval to one intent and its material terms.
type ApprovalClaims struct {
	jwt.RegisteredClaims
	IntentID  string `json:"intent_id"`
	TermsHash string `json:"terms_hash"`
}

// Approvals mints and verifies EdDSA approval tokens. Each token id is
// accepted once.
type Approvals struct {
	pub   ed25519.PublicKey
	priv  ed25519.PrivateKey
	clock func() time.Time

	mu   sync.Mutex
	used map[string]time.Time
}

// NewApprovals verifies with pub. priv may be nil for a verify-only instance.
func NewApprovals(pub ed25519.PublicKey, priv ed25519.PrivateKey) *Approvals {
	return &Approvals{pub: pub, priv: priv, clock: time.Now, used: make(map[string]time.Time)}
}

// LoadApprovals reads the approval seed from secrets, creating it when absent.
func LoadApprovals(ctx context.Context, secrets secretstore.Store) (*Approvals, error) {
	s, err := secrets.Get(ctx, ApprovalKeyName)
	switch {
	case err == nil:
	case errors.Is(err, secretstore.ErrNotFound):
		seed := make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("signer: generate approval key: %w", err)
		}
		if _, err := secrets.Set(ctx, ApprovalKeyName, seed); err != nil {
			hardening.Wipe(seed)
			return nil, fmt.Errorf("signer: store approval key: %w", err)
		}
		s = &secretstore.Secret{Name: ApprovalKeyName, Value: seed}
	default:
		return nil, fmt.Errorf("signer: load approval key: %w", err)
	}
	defer hardening.Wipe(s.Value)
	if len(s.Value) != ed25519.SeedSize {
		return nil, fmt.Errorf("signer: approval key has length %d", len(s.Value))
	}
	priv := ed25519.NewKeyFromSeed(s.Value)
	return NewApprovals(priv.Public().(ed25519.PublicKey), priv), nil
}

// WithClock overrides the clock for testing.
func (a *Approvals) WithClock(clock func() time.Time) *Approvals {
	a.clock = clock
	return a
}

// PublicKey returns the verification key.
func (a *Approvals) PublicKey() ed25519.PublicKey { return a.pub }

// Mint issues a token approving intentID at termsHash for userID.
func (a *Approvals) Mint(userID, intentID, termsHash string, ttl time.Duration) (string, error) {
	if a.priv == nil {
		return "", errors.New("signer: approvals are verify-only")
	}
	now := a.clock().UTC()
	claims := ApprovalClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    "helm-signer/user",
			Audience:  jwt.ClaimStrings{approvalAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		IntentID:  intentID,
		TermsHash: termsHash,
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(a.priv)
}

// Verify checks token against the intent's current terms and consumes it.
func (a *Approvals) Verify(token string, in *intent.Intent) (*ApprovalClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &ApprovalClaims{}, func(*jwt.Token) (any, error) {
		return a.pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithAudience(approvalAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidApproval, err)
	}
	claims, ok := parsed.Claims.(*ApprovalClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidApproval
	}
	terms, err := in.TermsHash()
	if err != nil {
		return nil, err
	}
	switch {
	case claims.IntentID != in.ID:
		return nil, fmt.Errorf("%w: token is for another intent", ErrInvalidApproval)
	case claims.TermsHash != terms:
		return nil, fmt.Errorf("%w: terms changed since approval", ErrInvalidApproval)
	case claims.Subject != in.UserID:
		return nil, fmt.Errorf("%w: token subject is not the intent's user", ErrInvalidApproval)
	case claims.ID == "":
		return nil, fmt.Errorf("%w: missing token id", ErrInvalidApproval)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clock()
	for id, exp := range a.used {
		if now.After(exp) {
			delete(a.used, id)
		}
	}
	if _, seen := a.used[claims.ID]; seen {
		return nil, fmt.Errorf("%w: token already used", ErrInvalidApproval)
	}
	a.used[claims.ID] = claims.ExpiresAt.Time
	return claims, nil
}
