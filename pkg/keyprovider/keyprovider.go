// Package keyprovider releases wallet keys for exactly one signing operation.
// Key material lives in the secret store; a Handle holds it in a page-locked
// buffer for a bounded time and is destroyed after use.
package keyprovider

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/Mindburn-Labs/helm-signer/pkg/hardening"
	"github.com/Mindburn-Labs/helm-signer/pkg/reason"
	"github.com/Mindburn-Labs/helm-signer/pkg/secretstore"
)

// RootSeedName is the secret holding the root wallet seed.
const RootSeedName = "wallet_root_seed"

// DefaultHandleTTL bounds how long an unwrapped key stays usable.
const DefaultHandleTTL = 30 * time.Second

// KeyContext selects the wallet key.
type KeyContext struct {
	UserID string
	Actor  string
}

func (k KeyContext) validate() error {
	for _, v := range []string{k.UserID, k.Actor} {
		if v == "" || strings.ContainsAny(v, "/\x00") {
			return fmt.Errorf("keyprovider: invalid key context %q/%q", k.UserID, k.Actor)
		}
	}
	return nil
}

func (k KeyContext) secretName() string {
	return "wallet_seed/" + k.UserID + "/" + k.Actor
}

// KeyProvider is the boundary to sealed key storage.
type KeyProvider interface {
	UnwrapKey(ctx context.Context, kc KeyContext) (*Handle, error)
	Sign(ctx context.Context, h *Handle, payload []byte) ([]byte, error)
}

// Handle is an unwrapped wallet key. Callers Destroy it on every path.
type Handle struct {
	kc        KeyContext
	seed      *hardening.SensitiveBuffer
	pub       ed25519.PublicKey
	expiresAt time.Time
}

// PublicKey returns the wallet's public key.
func (h *Handle) PublicKey() ed25519.PublicKey { return h.pub }

// Context returns the key context the handle was unwrapped for.
func (h *Handle) Context() KeyContext { return h.kc }

// Destroy wipes the key material. It is nil-safe and idempotent.
func (h *Handle) Destroy() {
	if h != nil {
		h.seed.Destroy()
	}
}

// SealedProvider derives one ed25519 seed per (user, actor) from a root seed
// via HKDF-SHA256 and persists each derived seed in the secret store.
type SealedProvider struct {
	secrets secretstore.Store
	ttl     time.Duration
	clock   func() time.Time
	logger  *slog.Logger
	mu      sync.Mutex
}

// NewSealedProvider returns a provider over secrets.
func NewSealedProvider(secrets secretstore.Store) *SealedProvider {
	return &SealedProvider{
		secrets: secrets,
		ttl:     DefaultHandleTTL,
		clock:   time.Now,
		logger:  slog.Default().With("component", "keyprovider"),
	}
}

// WithClock overrides the clock for testing.
func (p *SealedProvider) WithClock(clock func() time.Time) *SealedProvider {
	p.clock = clock
	return p
}

// WithHandleTTL sets the handle lifetime.
func (p *SealedProvider) WithHandleTTL(ttl time.Duration) *SealedProvider {
	if ttl > 0 {
		p.ttl = ttl
	}
	return p
}

// Init creates the root seed if it does not exist. It reports whether a new
// seed was written.
func (p *SealedProvider) Init(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.secrets.Get(ctx, RootSeedName)
	if err == nil {
		hardening.Wipe(s.Value)
		return false, nil
	}
	if !errors.Is(err, secretstore.ErrNotFound) {
		return false, classify(err)
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return false, fmt.Errorf("keyprovider: generate root seed: %w", err)
	}
	defer hardening.Wipe(seed)
	if _, err := p.secrets.Set(ctx, RootSeedName, seed); err != nil {
		return false, classify(err)
	}
	p.logger.InfoContext(ctx, "root wallet seed created")
	return true, nil
}

// UnwrapKey loads (or derives and stores) the wallet seed for kc.
func (p *SealedProvider) UnwrapKey(ctx context.Context, kc KeyContext) (*Handle, error) {
	if err := kc.validate(); err != nil {
		return nil, reason.Wrap(reason.DenyTPMUnavailable, err)
	}
	seed, err := p.walletSeed(ctx, kc)
	if err != nil {
		p.logger.WarnContext(ctx, "unwrap failed", "user_id", kc.UserID, "actor", kc.Actor, "error", err)
		return nil, err
	}
	buf := hardening.FromBytes(seed)
	priv := ed25519.NewKeyFromSeed(buf.Bytes())
	pub := append(ed25519.PublicKey(nil), priv.Public().(ed25519.PublicKey)...)
	hardening.Wipe(priv)
	return &Handle{kc: kc, seed: buf, pub: pub, expiresAt: p.clock().Add(p.ttl)}, nil
}

func (p *SealedProvider) walletSeed(ctx context.Context, kc KeyContext) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.secrets.Get(ctx, kc.secretName())
	switch {
	case err == nil:
		if len(s.Value) != ed25519.SeedSize {
			hardening.Wipe(s.Value)
			return nil, reason.New(reason.DenyTPMUnavailable, "wallet seed for %s has length %d", kc.secretName(), len(s.Value))
		}
		return s.Value, nil
	case !errors.Is(err, secretstore.ErrNotFound):
		return nil, classify(err)
	}

	root, err := p.secrets.Get(ctx, RootSeedName)
	if err != nil {
		return nil, classify(err)
	}
	defer hardening.Wipe(root.Value)
	if len(root.Value) != ed25519.SeedSize {
		return nil, reason.New(reason.DenyTPMUnavailable, "root seed has length %d", len(root.Value))
	}

	seed := make([]byte, ed25519.SeedSize)
	r := hkdf.New(sha256.New, root.Value, []byte("helm-signer-wallet"), []byte(kc.UserID+"/"+kc.Actor))
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, reason.Wrap(reason.DenyTPMUnavailable, fmt.Errorf("HKDF derivation failed: %w", err))
	}
	if _, err := p.secrets.Set(ctx, kc.secretName(), seed); err != nil {
		hardening.Wipe(seed)
		return nil, classify(err)
	}
	p.logger.InfoContext(ctx, "wallet seed derived", "user_id", kc.UserID, "actor", kc.Actor)
	return seed, nil
}

// Sign signs payload with the handle's key. An expired or destroyed handle
// is refused.
func (p *SealedProvider) Sign(_ context.Context, h *Handle, payload []byte) ([]byte, error) {
	if h == nil {
		return nil, reason.New(reason.DenyTPMUnavailable, "no key handle")
	}
	if !p.clock().Before(h.expiresAt) {
		h.Destroy()
		return nil, reason.New(reason.DenyTPMUnavailable, "key handle expired")
	}
	seed := h.seed.Bytes()
	if len(seed) != ed25519.SeedSize {
		return nil, reason.New(reason.DenyTPMUnavailable, "key handle destroyed")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	defer hardening.Wipe(priv)
	return ed25519.Sign(priv, payload), nil
}

// PublicKey derives the wallet public key for kc without returning a handle.
func (p *SealedProvider) PublicKey(ctx context.Context, kc KeyContext) (ed25519.PublicKey, error) {
	h, err := p.UnwrapKey(ctx, kc)
	if err != nil {
		return nil, err
	}
	defer h.Destroy()
	return h.PublicKey(), nil
}

// classify maps secret store failures onto reason codes. Every failure is a
// denial; plaintext material is called out separately.
func classify(err error) error {
	switch {
	case errors.Is(err, secretstore.ErrPlaintextFallback):
		return reason.Wrap(reason.DenyStrictModeFallback, err)
	default:
		return reason.Wrap(reason.DenyTPMUnavailable, err)
	}
}
