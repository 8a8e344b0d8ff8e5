package secretstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-signer/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-signer/pkg/hardening"
	"github.com/Mindburn-Labs/helm-signer/pkg/reason"
)

const (
	keystoreFile = "keystore.json"
	manifestFile = "manifest.json"
	recordsDir   = "records"
	keySize      = 32
)

// keystore is the on-disk master key file.
type keystore struct {
	ActiveVersion int               `json:"active_version"`
	Keys          map[string]string `json:"keys"`
	MACKey        string            `json:"mac_key"`
}

type manifestEntry struct {
	Version uint64 `json:"version"`
	Deleted bool   `json:"deleted,omitempty"`
}

// manifest anchors the latest version of every name. Generation only grows.
type manifest struct {
	Generation uint64                   `json:"generation"`
	Entries    map[string]manifestEntry `json:"entries"`
	MAC        string                   `json:"mac,omitempty"`
}

type record struct {
	Name       string    `json:"name"`
	Version    uint64    `json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
	Ciphertext string    `json:"ciphertext,omitempty"`
	Plaintext  string    `json:"plaintext,omitempty"`
}

// LocalStore is a file-backed Store using AES-256-GCM with versioned master
// keys. Every record is bound to its name and version through the AEAD
// additional data, and the manifest is MAC'd so that swapped, deleted or
// rolled-back records are detected.
type LocalStore struct {
	mu       sync.Mutex
	dir      string
	ks       keystore
	keys     map[int]*hardening.SensitiveBuffer
	macKey   *hardening.SensitiveBuffer
	manifest manifest
	// highWater guards against an on-disk manifest replaced by an older copy
	// while the process runs.
	highWater uint64
	clock     func() time.Time
	logger    *slog.Logger
	closed    bool
}

// OpenLocal loads or initializes a store in dir (0700).
func OpenLocal(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, recordsDir), 0700); err != nil {
		return nil, fmt.Errorf("secretstore: create dir: %w", err)
	}
	s := &LocalStore{
		dir:    dir,
		keys:   make(map[int]*hardening.SensitiveBuffer),
		clock:  time.Now,
		logger: slog.Default().With("component", "secretstore"),
	}
	if err := s.loadKeystore(); err != nil {
		s.wipeKeys()
		return nil, err
	}
	if err := s.loadManifest(); err != nil {
		s.wipeKeys()
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for testing.
func (s *LocalStore) WithClock(clock func() time.Time) *LocalStore {
	s.clock = clock
	return s
}

func (s *LocalStore) loadKeystore() error {
	path := filepath.Join(s.dir, keystoreFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		key, err := randomKey()
		if err != nil {
			return err
		}
		mac, err := randomKey()
		if err != nil {
			return err
		}
		s.ks = keystore{
			ActiveVersion: 1,
			Keys:          map[string]string{"1": base64.StdEncoding.EncodeToString(key)},
			MACKey:        base64.StdEncoding.EncodeToString(mac),
		}
		s.keys[1] = hardening.FromBytes(key)
		s.macKey = hardening.FromBytes(mac)
		return s.persistKeystore()
	}
	if err != nil {
		return fmt.Errorf("secretstore: read keystore: %w", err)
	}
	defer hardening.Wipe(data)
	if err := json.Unmarshal(data, &s.ks); err != nil {
		return fmt.Errorf("secretstore: parse keystore: %w", err)
	}
	for vs, encoded := range s.ks.Keys {
		v, err := strconv.Atoi(vs)
		if err != nil {
			return fmt.Errorf("secretstore: invalid key version %q", vs)
		}
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil || len(key) != keySize {
			return fmt.Errorf("secretstore: key v%d invalid", v)
		}
		s.keys[v] = hardening.FromBytes(key)
	}
	if _, ok := s.keys[s.ks.ActiveVersion]; !ok {
		return fmt.Errorf("secretstore: active key version %d missing", s.ks.ActiveVersion)
	}
	mac, err := base64.StdEncoding.DecodeString(s.ks.MACKey)
	if err != nil || len(mac) != keySize {
		return fmt.Errorf("secretstore: manifest key invalid")
	}
	s.macKey = hardening.FromBytes(mac)
	return nil
}

func (s *LocalStore) persistKeystore() error {
	data, err := json.MarshalIndent(s.ks, "", "  ")
	if err != nil {
		return fmt.Errorf("secretstore: marshal keystore: %w", err)
	}
	defer hardening.Wipe(data)
	return writeAtomic(filepath.Join(s.dir, keystoreFile), data)
}

func (s *LocalStore) loadManifest() error {
	data, err := os.ReadFile(filepath.Join(s.dir, manifestFile))
	if errors.Is(err, os.ErrNotExist) {
		entries, _ := os.ReadDir(filepath.Join(s.dir, recordsDir))
		if len(entries) > 0 {
			return fmt.Errorf("%w: manifest missing with %d records present", ErrIntegrity, len(entries))
		}
		s.manifest = manifest{Entries: map[string]manifestEntry{}}
		return s.persistManifest()
	}
	if err != nil {
		return fmt.Errorf("secretstore: read manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("%w: manifest unreadable: %v", ErrIntegrity, err)
	}
	if m.Entries == nil {
		m.Entries = map[string]manifestEntry{}
	}
	want, err := s.manifestMAC(&m)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(m.MAC)) {
		return fmt.Errorf("%w: manifest MAC mismatch", ErrIntegrity)
	}
	s.manifest = m
	s.highWater = m.Generation
	return nil
}

func (s *LocalStore) manifestMAC(m *manifest) (string, error) {
	body, err := canonicalize.JCS(struct {
		Generation uint64                   `json:"generation"`
		Entries    map[string]manifestEntry `json:"entries"`
	}{m.Generation, m.Entries})
	if err != nil {
		return "", fmt.Errorf("secretstore: canonicalize manifest: %w", err)
	}
	h := hmac.New(sha256.New, s.macKey.Bytes())
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (s *LocalStore) persistManifest() error {
	mac, err := s.manifestMAC(&s.manifest)
	if err != nil {
		return err
	}
	s.manifest.MAC = mac
	data, err := json.MarshalIndent(s.manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("secretstore: marshal manifest: %w", err)
	}
	if err := writeAtomic(filepath.Join(s.dir, manifestFile), data); err != nil {
		return err
	}
	s.highWater = s.manifest.Generation
	return nil
}

// checkManifest re-reads the manifest so out-of-process tampering or rollback
// is seen before any record is trusted.
func (s *LocalStore) checkManifest() error {
	data, err := os.ReadFile(filepath.Join(s.dir, manifestFile))
	if err != nil {
		return fmt.Errorf("%w: manifest unavailable: %v", ErrIntegrity, err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("%w: manifest unreadable", ErrIntegrity)
	}
	if m.Entries == nil {
		m.Entries = map[string]manifestEntry{}
	}
	want, err := s.manifestMAC(&m)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(m.MAC)) {
		return fmt.Errorf("%w: manifest MAC mismatch", ErrIntegrity)
	}
	if m.Generation < s.highWater {
		return fmt.Errorf("%w: manifest generation %d rolled back below %d", ErrIntegrity, m.Generation, s.highWater)
	}
	s.manifest = m
	s.highWater = m.Generation
	return nil
}

func (s *LocalStore) recordPath(name string) string {
	sum := sha256.Sum256([]byte(name))
	return filepath.Join(s.dir, recordsDir, hex.EncodeToString(sum[:])+".sec")
}

// Get returns the latest version of name.
func (s *LocalStore) Get(_ context.Context, name string) (*Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if err := s.checkManifest(); err != nil {
		return nil, err
	}
	entry, known := s.manifest.Entries[name]

	data, err := os.ReadFile(s.recordPath(name))
	if errors.Is(err, os.ErrNotExist) {
		if known && !entry.Deleted {
			return nil, fmt.Errorf("%w: record for %q missing", ErrIntegrity, name)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("secretstore: read %q: %w", name, err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: record for %q unreadable", ErrIntegrity, name)
	}
	if rec.Plaintext != "" || (rec.Ciphertext == "" && rec.Version > 0) {
		s.logger.Error("plaintext secret refused", "name", name)
		return nil, reason.Wrap(reason.DenyStrictModeFallback, fmt.Errorf("%w: %s", ErrPlaintextFallback, name))
	}
	if !known || entry.Deleted {
		return nil, fmt.Errorf("%w: record for %q not in manifest", ErrIntegrity, name)
	}
	if rec.Name != name || rec.Version != entry.Version {
		return nil, fmt.Errorf("%w: record for %q has version %d, manifest %d", ErrIntegrity, name, rec.Version, entry.Version)
	}

	value, err := s.open(rec)
	if err != nil {
		return nil, err
	}
	return &Secret{Name: name, Version: rec.Version, Value: value, UpdatedAt: rec.UpdatedAt}, nil
}

// Set stores value as the next version of name.
func (s *LocalStore) Set(_ context.Context, name string, value []byte) (uint64, error) {
	if name == "" {
		return 0, errors.New("secretstore: empty name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if err := s.checkManifest(); err != nil {
		return 0, err
	}

	version := s.manifest.Entries[name].Version + 1
	ct, err := s.seal(name, version, value)
	if err != nil {
		return 0, err
	}
	rec := record{Name: name, Version: version, UpdatedAt: s.clock().UTC(), Ciphertext: ct}
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("secretstore: marshal record: %w", err)
	}
	if err := writeAtomic(s.recordPath(name), data); err != nil {
		return 0, err
	}
	s.manifest.Entries[name] = manifestEntry{Version: version}
	s.manifest.Generation++
	if err := s.persistManifest(); err != nil {
		return 0, err
	}
	return version, nil
}

// List returns the live names with prefix, sorted.
func (s *LocalStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if err := s.checkManifest(); err != nil {
		return nil, err
	}
	var out []string
	for name, e := range s.manifest.Entries {
		if !e.Deleted && strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Delete tombstones name. Its version counter is kept so a later Set never
// reuses a version.
func (s *LocalStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.checkManifest(); err != nil {
		return err
	}
	e, ok := s.manifest.Entries[name]
	if !ok || e.Deleted {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err := os.Remove(s.recordPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("secretstore: delete %q: %w", name, err)
	}
	s.manifest.Entries[name] = manifestEntry{Version: e.Version, Deleted: true}
	s.manifest.Generation++
	return s.persistManifest()
}

// Rotate generates a new active master key. Older keys stay available for
// records written under them.
func (s *LocalStore) Rotate() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	key, err := randomKey()
	if err != nil {
		return 0, err
	}
	next := s.ks.ActiveVersion + 1
	s.ks.Keys[strconv.Itoa(next)] = base64.StdEncoding.EncodeToString(key)
	s.ks.ActiveVersion = next
	s.keys[next] = hardening.FromBytes(key)
	if err := s.persistKeystore(); err != nil {
		return 0, err
	}
	s.logger.Info("master key rotated", "version", next)
	return next, nil
}

// ActiveVersion returns the active master key version.
func (s *LocalStore) ActiveVersion() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ks.ActiveVersion
}

// Close wipes key material. The store is unusable afterwards.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.wipeKeys()
	return nil
}

func (s *LocalStore) wipeKeys() {
	for v, k := range s.keys {
		k.Destroy()
		delete(s.keys, v)
	}
	s.macKey.Destroy()
}

func additionalData(name string, version uint64) []byte {
	ad := make([]byte, 0, len(name)+9)
	ad = append(ad, name...)
	ad = append(ad, 0)
	return binary.BigEndian.AppendUint64(ad, version)
}

func (s *LocalStore) seal(name string, version uint64, value []byte) (string, error) {
	kv := s.ks.ActiveVersion
	gcm, err := newGCM(s.keys[kv].Bytes())
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secretstore: nonce: %w", err)
	}
	ct := gcm.Seal(nonce, nonce, value, additionalData(name, version))
	return fmt.Sprintf("v%d:%s", kv, base64.StdEncoding.EncodeToString(ct)), nil
}

func (s *LocalStore) open(rec record) ([]byte, error) {
	kv, payload, err := parseVersioned(rec.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	key, ok := s.keys[kv]
	if !ok {
		return nil, fmt.Errorf("%w: unknown master key v%d", ErrIntegrity, kv)
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext encoding", ErrIntegrity)
	}
	gcm, err := newGCM(key.Bytes())
	if err != nil {
		return nil, err
	}
	if len(raw) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrIntegrity)
	}
	pt, err := gcm.Open(nil, raw[:gcm.NonceSize()], raw[gcm.NonceSize():], additionalData(rec.Name, rec.Version))
	if err != nil {
		return nil, fmt.Errorf("%w: record for %q failed authentication", ErrIntegrity, rec.Name)
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secretstore: aes: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secretstore: gcm: %w", err)
	}
	return gcm, nil
}

// parseVersioned splits "v<N>:<payload>".
func parseVersioned(s string) (int, string, error) {
	head, payload, ok := strings.Cut(s, ":")
	if !ok || len(head) < 2 || head[0] != 'v' {
		return 0, "", fmt.Errorf("malformed envelope")
	}
	v, err := strconv.Atoi(head[1:])
	if err != nil {
		return 0, "", fmt.Errorf("envelope version: %w", err)
	}
	return v, payload, nil
}

func randomKey() ([]byte, error) {
	k := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		return nil, fmt.Errorf("secretstore: generate key: %w", err)
	}
	return k, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("secretstore: write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("secretstore: commit %s: %w", filepath.Base(path), err)
	}
	return nil
}
