package handshake

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/Mindburn-Labs/helm-signer/pkg/hardening"
)

const (
	identityKeyFile = "identity.key"
	identityPubFile = "identity.pub"
)

// Identity is the signer's static X25519 key pair.
type Identity struct {
	priv   *hardening.SensitiveBuffer
	Public [32]byte
}

// GenerateIdentity creates a fresh static key pair.
func GenerateIdentity() (*Identity, error) {
	seed := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, fmt.Errorf("identity: generate: %w", err)
	}
	return identityFromPrivate(seed)
}

func identityFromPrivate(priv []byte) (*Identity, error) {
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		hardening.Wipe(priv)
		return nil, fmt.Errorf("identity: derive public: %w", err)
	}
	id := &Identity{priv: hardening.FromBytes(priv)}
	copy(id.Public[:], pub)
	return id, nil
}

// LoadOrCreateIdentity reads identity.key from dir, generating and persisting
// a new pair (identity.key 0600, identity.pub 0644) on first start.
func LoadOrCreateIdentity(dir string) (*Identity, bool, error) {
	keyPath := filepath.Join(dir, identityKeyFile)
	if raw, err := os.ReadFile(keyPath); err == nil {
		priv, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		hardening.Wipe(raw)
		if err != nil || len(priv) != curve25519.ScalarSize {
			return nil, false, fmt.Errorf("identity: invalid %s format", identityKeyFile)
		}
		id, err := identityFromPrivate(priv)
		return id, false, err
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("identity: read %s: %w", identityKeyFile, err)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, false, fmt.Errorf("identity: create dir: %w", err)
	}
	id, err := GenerateIdentity()
	if err != nil {
		return nil, false, err
	}
	encoded := []byte(hex.EncodeToString(id.priv.Bytes()))
	defer hardening.Wipe(encoded)
	if err := os.WriteFile(keyPath, encoded, 0600); err != nil {
		id.Destroy()
		return nil, false, fmt.Errorf("identity: save %s: %w", identityKeyFile, err)
	}
	//nolint:gosec // public key is meant to be readable by callers
	if err := os.WriteFile(filepath.Join(dir, identityPubFile), []byte(hex.EncodeToString(id.Public[:])), 0644); err != nil {
		id.Destroy()
		return nil, false, fmt.Errorf("identity: save %s: %w", identityPubFile, err)
	}
	return id, true, nil
}

// PublicKeyPath is where LoadOrCreateIdentity writes the pinnable public key.
func PublicKeyPath(dir string) string { return filepath.Join(dir, identityPubFile) }

// LoadPublicKey reads a hex-encoded signer public key for pinning.
func LoadPublicKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signer public key: %w", err)
	}
	pub, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil || len(pub) != shareSize {
		return nil, fmt.Errorf("invalid signer public key in %s", path)
	}
	return pub, nil
}

// Destroy wipes the private key.
func (i *Identity) Destroy() {
	if i != nil {
		i.priv.Destroy()
	}
}

func (i *Identity) private() []byte { return i.priv.Bytes() }

// sessionKeys is the key schedule output. Every field must be wiped or moved
// into a session.
type sessionKeys struct {
	c2s, s2c, confirm, chain []byte
	okm                      []byte
}

func deriveKeys(shared []byte, transcript [32]byte) (*sessionKeys, error) {
	okm := make([]byte, derivedLength)
	kdf := hkdf.New(sha256.New, shared, transcript[:], []byte(sessionInfo))
	if _, err := io.ReadFull(kdf, okm); err != nil {
		hardening.Wipe(okm)
		return nil, fmt.Errorf("derive session keys: %w", err)
	}
	return &sessionKeys{
		c2s:     okm[0:32],
		s2c:     okm[32:64],
		confirm: okm[64:96],
		chain:   okm[96:128],
		okm:     okm,
	}, nil
}

func (k *sessionKeys) wipe() {
	if k != nil {
		hardening.Wipe(k.okm)
	}
}

func confirmTag(key []byte, transcript [32]byte, label string) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(transcript[:])
	m.Write([]byte(label))
	return m.Sum(nil)
}
