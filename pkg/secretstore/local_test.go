package secretstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-signer/pkg/reason"
)

func openTemp(t *testing.T) (*LocalStore, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := OpenLocal(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, dir
}

func TestSetGetVersions(t *testing.T) {
	ctx := context.Background()
	s, dir := openTemp(t)

	v, err := s.Set(ctx, "policy/active", []byte("one"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
	v, err = s.Set(ctx, "policy/active", []byte("two"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	got, err := s.Get(ctx, "policy/active")
	require.NoError(t, err)
	assert.Equal(t, "two", string(got.Value))
	assert.Equal(t, uint64(2), got.Version)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	info, err := os.Stat(filepath.Join(dir, keystoreFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	raw, err := os.ReadFile(s.recordPath("policy/active"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "two")
}

func TestReopenPersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := OpenLocal(dir)
	require.NoError(t, err)
	_, err = s.Set(ctx, "wallet_seed/alice/agent", []byte("seed"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Get(ctx, "wallet_seed/alice/agent")
	require.ErrorIs(t, err, ErrClosed)

	s2, err := OpenLocal(dir)
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.Get(ctx, "wallet_seed/alice/agent")
	require.NoError(t, err)
	assert.Equal(t, "seed", string(got.Value))
}

func TestListAndDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)
	for _, n := range []string{"audit/checkpoint", "wallet_seed/bob/user", "wallet_seed/alice/agent"} {
		_, err := s.Set(ctx, n, []byte(n))
		require.NoError(t, err)
	}
	names, err := s.List(ctx, "wallet_seed/")
	require.NoError(t, err)
	assert.Equal(t, []string{"wallet_seed/alice/agent", "wallet_seed/bob/user"}, names)

	require.NoError(t, s.Delete(ctx, "wallet_seed/bob/user"))
	_, err = s.Get(ctx, "wallet_seed/bob/user")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, "wallet_seed/bob/user"), ErrNotFound)

	v, err := s.Set(ctx, "wallet_seed/bob/user", []byte("again"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)
}

func TestRotateKeepsOldRecordsReadable(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)
	_, err := s.Set(ctx, "old", []byte("under v1"))
	require.NoError(t, err)

	v, err := s.Rotate()
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Equal(t, 2, s.ActiveVersion())

	_, err = s.Set(ctx, "new", []byte("under v2"))
	require.NoError(t, err)

	for name, want := range map[string]string{"old": "under v1", "new": "under v2"} {
		got, err := s.Get(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, want, string(got.Value))
	}
	raw, err := os.ReadFile(s.recordPath("new"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"v2:`)
}

func TestIntegrityFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("ciphertext tampered", func(t *testing.T) {
		s, _ := openTemp(t)
		_, err := s.Set(ctx, "k", []byte("value"))
		require.NoError(t, err)
		var rec record
		raw, _ := os.ReadFile(s.recordPath("k"))
		require.NoError(t, json.Unmarshal(raw, &rec))
		kv, payload, err := parseVersioned(rec.Ciphertext)
		require.NoError(t, err)
		ct, err := base64.StdEncoding.DecodeString(payload)
		require.NoError(t, err)
		ct[len(ct)-1] ^= 0x01
		rec.Ciphertext = fmt.Sprintf("v%d:%s", kv, base64.StdEncoding.EncodeToString(ct))
		raw, _ = json.Marshal(rec)
		require.NoError(t, os.WriteFile(s.recordPath("k"), raw, 0600))

		_, err = s.Get(ctx, "k")
		require.ErrorIs(t, err, ErrIntegrity)
	})

	t.Run("record swapped between names", func(t *testing.T) {
		s, _ := openTemp(t)
		_, err := s.Set(ctx, "a", []byte("alpha"))
		require.NoError(t, err)
		_, err = s.Set(ctx, "b", []byte("beta"))
		require.NoError(t, err)
		raw, _ := os.ReadFile(s.recordPath("a"))
		require.NoError(t, os.WriteFile(s.recordPath("b"), raw, 0600))

		_, err = s.Get(ctx, "b")
		require.ErrorIs(t, err, ErrIntegrity)
	})

	t.Run("record rolled back", func(t *testing.T) {
		s, _ := openTemp(t)
		_, err := s.Set(ctx, "k", []byte("v1"))
		require.NoError(t, err)
		old, _ := os.ReadFile(s.recordPath("k"))
		_, err = s.Set(ctx, "k", []byte("v2"))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(s.recordPath("k"), old, 0600))

		_, err = s.Get(ctx, "k")
		require.ErrorIs(t, err, ErrIntegrity)
	})

	t.Run("manifest rolled back", func(t *testing.T) {
		s, dir := openTemp(t)
		_, err := s.Set(ctx, "k", []byte("v1"))
		require.NoError(t, err)
		oldManifest, _ := os.ReadFile(filepath.Join(dir, manifestFile))
		oldRecord, _ := os.ReadFile(s.recordPath("k"))
		_, err = s.Set(ctx, "k", []byte("v2"))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, manifestFile), oldManifest, 0600))
		require.NoError(t, os.WriteFile(s.recordPath("k"), oldRecord, 0600))

		_, err = s.Get(ctx, "k")
		require.ErrorIs(t, err, ErrIntegrity)
	})

	t.Run("record deleted behind the manifest", func(t *testing.T) {
		s, _ := openTemp(t)
		_, err := s.Set(ctx, "k", []byte("v1"))
		require.NoError(t, err)
		require.NoError(t, os.Remove(s.recordPath("k")))

		_, err = s.Get(ctx, "k")
		require.ErrorIs(t, err, ErrIntegrity)
	})

	t.Run("manifest MAC forged", func(t *testing.T) {
		dir := t.TempDir()
		s, err := OpenLocal(dir)
		require.NoError(t, err)
		_, err = s.Set(ctx, "k", []byte("v1"))
		require.NoError(t, err)
		require.NoError(t, s.Close())

		var m manifest
		raw, _ := os.ReadFile(filepath.Join(dir, manifestFile))
		require.NoError(t, json.Unmarshal(raw, &m))
		m.Entries["k"] = manifestEntry{Version: 7}
		raw, _ = json.Marshal(m)
		require.NoError(t, os.WriteFile(filepath.Join(dir, manifestFile), raw, 0600))

		_, err = OpenLocal(dir)
		require.ErrorIs(t, err, ErrIntegrity)
	})
}

func TestPlaintextRecordRefused(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)
	raw, _ := json.Marshal(record{Name: "legacy", Version: 1, Plaintext: "seed-in-the-clear"})
	require.NoError(t, os.WriteFile(s.recordPath("legacy"), raw, 0600))

	_, err := s.Get(ctx, "legacy")
	require.ErrorIs(t, err, ErrPlaintextFallback)
	assert.Equal(t, reason.DenyStrictModeFallback, reason.Of(err, ""))
}
