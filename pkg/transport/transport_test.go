//go:build linux

package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/helm-signer/pkg/audit"
	"github.com/Mindburn-Labs/helm-signer/pkg/channel"
	"github.com/Mindburn-Labs/helm-signer/pkg/reason"
)

type fixture struct {
	ln   *Listener
	log  *audit.Log
	path string
}

func serve(t *testing.T, cfg Config, auth Authorizer, h Handler) *fixture {
	t.Helper()
	log := audit.NewLog()
	em := audit.NewEmitter(log, audit.DefaultEmitterConfig())
	t.Cleanup(func() { _ = em.Close(context.Background()) })

	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "run", "signer.sock")
	}
	ln, err := Listen(cfg, auth, em)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ln.Serve(ctx, h) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after cancel")
		}
	})
	return &fixture{ln: ln, log: log, path: cfg.Path}
}

func echo(_ context.Context, nc net.Conn, _ channel.PeerInfo) { _, _ = io.Copy(nc, nc) }

func dial(t *testing.T, path string) net.Conn {
	t.Helper()
	c, err := net.Dial("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestListenerResolvesPeerCredentials(t *testing.T) {
	peers := make(chan channel.PeerInfo, 1)
	f := serve(t, Config{}, NewUIDAuthorizer(nil, nil), func(_ context.Context, nc net.Conn, p channel.PeerInfo) {
		peers <- p
		_, _ = nc.Write([]byte("ok"))
	})

	c := dial(t, f.path)
	buf := make([]byte, 2)
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(buf))

	p := <-peers
	assert.Equal(t, uint32(os.Getuid()), p.UID)
	assert.Equal(t, int32(os.Getpid()), p.PID)
	assert.Empty(t, f.log.Query(audit.Filter{Kind: audit.KindPeerRejected}))
}

func TestSocketPermissions(t *testing.T) {
	f := serve(t, Config{}, NewUIDAuthorizer(nil, nil), echo)

	fi, err := os.Stat(f.path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), fi.Mode().Perm())
	di, err := os.Stat(filepath.Dir(f.path))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), di.Mode().Perm())
}

func TestUnauthorizedPeerIsClosedAndAudited(t *testing.T) {
	called := make(chan struct{}, 1)
	deny := AuthorizerFunc(func(channel.PeerInfo) error { return ErrUnauthorizedPeer })
	f := serve(t, Config{}, deny, func(context.Context, net.Conn, channel.PeerInfo) { called <- struct{}{} })

	c := dial(t, f.path)
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := c.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)

	require.Eventually(t, func() bool {
		return len(f.log.Query(audit.Filter{Kind: audit.KindPeerRejected})) == 1
	}, 2*time.Second, 10*time.Millisecond)
	ev := f.log.Query(audit.Filter{Kind: audit.KindPeerRejected})[0]
	assert.Equal(t, reason.DenyUnauthorizedIPCCaller, ev.Reason)
	assert.NotEmpty(t, ev.Detail["uid"])
	assert.Empty(t, called)
}

func TestConnectionRateLimitPerUID(t *testing.T) {
	cfg := Config{ConnRate: rate.Every(time.Hour), ConnBurst: 1}
	f := serve(t, cfg, NewUIDAuthorizer(nil, nil), echo)

	first := dial(t, f.path)
	_, err := first.Write([]byte("x"))
	require.NoError(t, err)
	_, err = io.ReadFull(first, make([]byte, 1))
	require.NoError(t, err)

	second := dial(t, f.path)
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = second.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)

	require.Eventually(t, func() bool {
		evs := f.log.Query(audit.Filter{Kind: audit.KindPeerRejected})
		return len(evs) == 1 && evs[0].Detail["cause"] == ErrThrottled.Error()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIdleConnectionsAreTornDown(t *testing.T) {
	readErr := make(chan error, 1)
	f := serve(t, Config{IdleTimeout: 50 * time.Millisecond}, NewUIDAuthorizer(nil, nil),
		func(_ context.Context, nc net.Conn, _ channel.PeerInfo) {
			_, err := nc.Read(make([]byte, 1))
			readErr <- err
		})

	_ = dial(t, f.path)
	select {
	case err := <-readErr:
		var ne net.Error
		require.True(t, errors.As(err, &ne))
		assert.True(t, ne.Timeout())
	case <-time.After(2 * time.Second):
		t.Fatal("idle read was not interrupted")
	}
}

func TestPanickingHandlerOnlyEndsItsSession(t *testing.T) {
	var served atomic.Int32
	f := serve(t, Config{}, NewUIDAuthorizer(nil, nil), func(ctx context.Context, nc net.Conn, p channel.PeerInfo) {
		if served.Add(1) == 1 {
			panic("handler bug")
		}
		echo(ctx, nc, p)
	})

	c := dial(t, f.path)
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := c.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)

	require.Eventually(t, func() bool {
		return len(f.log.Query(audit.Filter{Kind: audit.KindSessionAborted})) == 1
	}, 2*time.Second, 10*time.Millisecond)
	ev := f.log.Query(audit.Filter{Kind: audit.KindSessionAborted})[0]
	assert.Equal(t, reason.DenyInvalidTransition, ev.Reason)
	assert.Equal(t, "handler bug", ev.Detail["panic"])

	next := dial(t, f.path)
	_ = next.SetDeadline(time.Now().Add(2 * time.Second))
	_, err = next.Write([]byte("y"))
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = io.ReadFull(next, buf)
	require.NoError(t, err)
	assert.Equal(t, "y", string(buf))
}

func TestStaleSocketIsReplaced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signer.sock")
	stale, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	require.NoError(t, err)
	stale.SetUnlinkOnClose(false)
	require.NoError(t, stale.Close())

	f := serve(t, Config{Path: path}, NewUIDAuthorizer(nil, nil), echo)
	c := dial(t, f.path)
	_, err = c.Write([]byte("y"))
	require.NoError(t, err)
	_, err = io.ReadFull(c, make([]byte, 1))
	require.NoError(t, err)
}

func TestRefusesToReplaceRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signer.sock")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0600))
	_, err := Listen(Config{Path: path}, NewUIDAuthorizer(nil, nil), audit.NewEmitter(audit.NewLog(), audit.DefaultEmitterConfig()))
	require.ErrorIs(t, err, ErrNotSocket)
}

func TestUIDAuthorizer(t *testing.T) {
	a := NewUIDAuthorizer([]uint32{4242}, []uint32{77})
	//nolint:gosec
	assert.NoError(t, a.Authorize(channel.PeerInfo{UID: uint32(os.Getuid())}))
	assert.NoError(t, a.Authorize(channel.PeerInfo{UID: 4242, GID: 1}))
	assert.NoError(t, a.Authorize(channel.PeerInfo{UID: 5000, GID: 77}))
	assert.ErrorIs(t, a.Authorize(channel.PeerInfo{UID: 5000, GID: 5000}), ErrUnauthorizedPeer)
}

func TestPeerLimiterPrunesStaleVisitors(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := newPeerLimiter(rate.Every(time.Hour), 1)
	p.clock = func() time.Time { return now }

	assert.True(t, p.allow(1))
	assert.False(t, p.allow(1))
	assert.True(t, p.allow(2), "buckets are per uid")

	now = now.Add(10 * time.Minute)
	p.allow(3)
	assert.NotContains(t, p.visitors, uint32(1))
}
