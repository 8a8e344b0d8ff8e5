package keyprovider

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/hkdf"

	"github.com/Mindburn-Labs/helm-signer/pkg/reason"
	"github.com/Mindburn-Labs/helm-signer/pkg/secretstore"
)

func newProvider(t *testing.T) (*SealedProvider, *secretstore.LocalStore) {
	t.Helper()
	secrets, err := secretstore.OpenLocal(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = secrets.Close() })
	return NewSealedProvider(secrets), secrets
}

func TestInitIsIdempotent(t *testing.T) {
	p, _ := newProvider(t)
	ctx := context.Background()
	created, err := p.Init(ctx)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = p.Init(ctx)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestUnwrapDerivesStableKeysPerUserAndActor(t *testing.T) {
	p, secrets := newProvider(t)
	ctx := context.Background()
	_, err := p.Init(ctx)
	require.NoError(t, err)

	alice := KeyContext{UserID: "alice", Actor: "agent"}
	h, err := p.UnwrapKey(ctx, alice)
	require.NoError(t, err)
	defer h.Destroy()

	payload := []byte(`{"intent_id":"i-1"}`)
	sig, err := p.Sign(ctx, h, payload)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(h.PublicKey(), payload, sig))

	root, err := secrets.Get(ctx, RootSeedName)
	require.NoError(t, err)
	want := make([]byte, ed25519.SeedSize)
	_, err = io.ReadFull(hkdf.New(sha256.New, root.Value, []byte("helm-signer-wallet"), []byte("alice/agent")), want)
	require.NoError(t, err)
	assert.Equal(t, ed25519.NewKeyFromSeed(want).Public(), h.PublicKey())

	stored, err := secrets.Get(ctx, "wallet_seed/alice/agent")
	require.NoError(t, err)
	assert.Equal(t, want, stored.Value)

	again, err := p.PublicKey(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, h.PublicKey(), again)

	other, err := p.PublicKey(ctx, KeyContext{UserID: "alice", Actor: "user"})
	require.NoError(t, err)
	assert.NotEqual(t, h.PublicKey(), other)
}

func TestUnwrapWithoutRootSeedDenies(t *testing.T) {
	p, _ := newProvider(t)
	_, err := p.UnwrapKey(context.Background(), KeyContext{UserID: "alice", Actor: "agent"})
	require.Error(t, err)
	assert.Equal(t, reason.DenyTPMUnavailable, reason.Of(err, ""))
}

func TestInvalidKeyContext(t *testing.T) {
	p, _ := newProvider(t)
	for _, kc := range []KeyContext{{}, {UserID: "a/b", Actor: "agent"}, {UserID: "a", Actor: ""}} {
		_, err := p.UnwrapKey(context.Background(), kc)
		assert.Equal(t, reason.DenyTPMUnavailable, reason.Of(err, ""), "%+v", kc)
	}
}

func TestHandleLifetime(t *testing.T) {
	p, _ := newProvider(t)
	ctx := context.Background()
	_, err := p.Init(ctx)
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.WithClock(func() time.Time { return now }).WithHandleTTL(time.Second)

	h, err := p.UnwrapKey(ctx, KeyContext{UserID: "alice", Actor: "agent"})
	require.NoError(t, err)
	now = now.Add(2 * time.Second)
	_, err = p.Sign(ctx, h, []byte("x"))
	assert.Equal(t, reason.DenyTPMUnavailable, reason.Of(err, ""))
	assert.True(t, h.seed.Destroyed(), "an expired handle is wiped")

	now = now.Add(-2 * time.Second)
	h, err = p.UnwrapKey(ctx, KeyContext{UserID: "alice", Actor: "agent"})
	require.NoError(t, err)
	h.Destroy()
	h.Destroy()
	_, err = p.Sign(ctx, h, []byte("x"))
	assert.Equal(t, reason.DenyTPMUnavailable, reason.Of(err, ""))

	_, err = p.Sign(ctx, nil, []byte("x"))
	assert.Equal(t, reason.DenyTPMUnavailable, reason.Of(err, ""))
}

type mockSecrets struct{ mock.Mock }

func (m *mockSecrets) Get(ctx context.Context, name string) (*secretstore.Secret, error) {
	args := m.Called(ctx, name)
	s, _ := args.Get(0).(*secretstore.Secret)
	return s, args.Error(1)
}

func (m *mockSecrets) Set(ctx context.Context, name string, value []byte) (uint64, error) {
	args := m.Called(ctx, name, value)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *mockSecrets) List(ctx context.Context, prefix string) ([]string, error) {
	args := m.Called(ctx, prefix)
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockSecrets) Delete(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func TestSecretStoreFailuresFailClosed(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want reason.Code
	}{
		{"integrity", secretstore.ErrIntegrity, reason.DenyTPMUnavailable},
		{"closed", secretstore.ErrClosed, reason.DenyTPMUnavailable},
		{"plaintext", secretstore.ErrPlaintextFallback, reason.DenyStrictModeFallback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockSecrets{}
			m.On("Get", mock.Anything, "wallet_seed/alice/agent").Return(nil, tt.err)
			p := NewSealedProvider(m)
			_, err := p.UnwrapKey(context.Background(), KeyContext{UserID: "alice", Actor: "agent"})
			assert.Equal(t, tt.want, reason.Of(err, ""))
			m.AssertExpectations(t)
		})
	}
}

func TestWrongSeedLengthDenies(t *testing.T) {
	m := &mockSecrets{}
	m.On("Get", mock.Anything, "wallet_seed/alice/agent").Return(&secretstore.Secret{Value: []byte("short")}, nil)
	_, err := NewSealedProvider(m).UnwrapKey(context.Background(), KeyContext{UserID: "alice", Actor: "agent"})
	assert.Equal(t, reason.DenyTPMUnavailable, reason.Of(err, ""))
}
