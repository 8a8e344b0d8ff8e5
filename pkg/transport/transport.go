// Package transport accepts local callers on a Unix domain socket. The peer's
// OS credentials are resolved and authorized before any protocol byte is
// read; rejected peers are closed immediately and audited.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/helm-signer/pkg/audit"
	"github.com/Mindburn-Labs/helm-signer/pkg/channel"
	"github.com/Mindburn-Labs/helm-signer/pkg/reason"
)

var (
	ErrPeerCredentialsUnavailable = errors.New("transport: peer credentials unavailable")
	ErrUnauthorizedPeer           = errors.New("transport: peer not authorized")
	ErrThrottled                  = errors.New("transport: peer connection rate exceeded")
	ErrNotSocket                  = errors.New("transport: path exists and is not a socket")
)

// Config for a Listener.
type Config struct {
	Path string
	// IdleTimeout tears down a connection with no inbound bytes for this
	// long. Zero disables it.
	IdleTimeout time.Duration
	// ConnRate and ConnBurst bound new connections per uid. Zero disables it.
	ConnRate  rate.Limit
	ConnBurst int
}

// DefaultConfig returns the daemon defaults for path.
func DefaultConfig(path string) Config {
	return Config{
		Path:        path,
		IdleTimeout: 2 * time.Minute,
		ConnRate:    rate.Limit(5),
		ConnBurst:   10,
	}
}

// Handler serves one authorized connection. The connection is closed when it
// returns.
type Handler func(ctx context.Context, nc net.Conn, peer channel.PeerInfo)

// Listener is a peer-authenticating Unix socket listener.
type Listener struct {
	ln      *net.UnixListener
	cfg     Config
	auth    Authorizer
	rec     audit.Recorder
	limiter *peerLimiter
	logger  *slog.Logger

	mu    sync.Mutex
	conns map[*trackedConn]struct{}
	wg    sync.WaitGroup
}

// Listen creates the socket (0600) in a 0700 directory, replacing a stale
// socket left by a previous run.
func Listen(cfg Config, auth Authorizer, rec audit.Recorder) (*Listener, error) {
	if cfg.Path == "" {
		return nil, errors.New("transport: socket path is required")
	}
	if auth == nil {
		return nil, errors.New("transport: authorizer is required")
	}
	if rec == nil {
		return nil, errors.New("transport: audit recorder is required")
	}
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("transport: create socket dir: %w", err)
	}
	if err := os.Chmod(dir, 0700); err != nil {
		return nil, fmt.Errorf("transport: restrict socket dir: %w", err)
	}
	if err := removeStale(cfg.Path); err != nil {
		return nil, err
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: cfg.Path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", cfg.Path, err)
	}
	if err := os.Chmod(cfg.Path, 0600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("transport: restrict socket: %w", err)
	}
	ln.SetUnlinkOnClose(true)

	l := &Listener{
		ln:     ln,
		cfg:    cfg,
		auth:   auth,
		rec:    rec,
		logger: slog.Default().With("component", "transport"),
		conns:  make(map[*trackedConn]struct{}),
	}
	if cfg.ConnRate > 0 && cfg.ConnBurst > 0 {
		l.limiter = newPeerLimiter(cfg.ConnRate, cfg.ConnBurst)
	}
	return l, nil
}

func removeStale(path string) error {
	fi, err := os.Lstat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case err != nil:
		return fmt.Errorf("transport: stat %s: %w", path, err)
	case fi.Mode()&os.ModeSocket == 0:
		return fmt.Errorf("%w: %s", ErrNotSocket, path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("transport: remove stale socket: %w", err)
	}
	return nil
}

// Addr is the socket path.
func (l *Listener) Addr() string { return l.cfg.Path }

// Close stops accepting. Serve closes the listener itself on cancellation.
func (l *Listener) Close() error { return l.ln.Close() }

// Serve accepts until ctx is cancelled, then closes the listener, interrupts
// idle reads and waits for in-flight connections to finish.
func (l *Listener) Serve(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() {
		_ = l.ln.Close()
		l.interruptAll()
	})
	defer stop()

	for {
		conn, err := l.ln.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				l.wg.Wait()
				return nil
			}
			l.logger.WarnContext(ctx, "accept failed", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		peer, err := l.admit(conn)
		if err != nil {
			l.reject(ctx, conn, peer, err)
			continue
		}

		tc := l.track(conn)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.untrack(tc)
			defer func() { _ = tc.Close() }()
			defer l.recoverSession(ctx, peer)
			h(ctx, tc, peer)
		}()
	}
}

// recoverSession contains a panicking handler to its own connection. The
// handler's deferred cleanup has already run by the time it is recovered here.
func (l *Listener) recoverSession(ctx context.Context, peer channel.PeerInfo) {
	r := recover()
	if r == nil {
		return
	}
	l.logger.ErrorContext(ctx, "session handler panicked", "uid", peer.UID, "pid", peer.PID, "panic", r,
		"stack", string(debug.Stack()))
	_, err := l.rec.Record(context.WithoutCancel(ctx), audit.Event{
		Kind:   audit.KindSessionAborted,
		Reason: reason.DenyInvalidTransition,
		Layer:  "transport",
		Detail: map[string]string{
			"uid":   strconv.FormatUint(uint64(peer.UID), 10),
			"pid":   strconv.FormatInt(int64(peer.PID), 10),
			"panic": fmt.Sprint(r),
		},
	})
	if err != nil {
		l.logger.ErrorContext(ctx, "audit session abort failed", "error", err)
	}
}

// admit resolves and authorizes the peer. No bytes are read from conn.
func (l *Listener) admit(conn *net.UnixConn) (channel.PeerInfo, error) {
	peer, err := peerCredentials(conn)
	if err != nil {
		return peer, err
	}
	if err := l.auth.Authorize(peer); err != nil {
		return peer, err
	}
	if l.limiter != nil && !l.limiter.allow(peer.UID) {
		return peer, ErrThrottled
	}
	return peer, nil
}

func (l *Listener) reject(ctx context.Context, conn net.Conn, peer channel.PeerInfo, cause error) {
	_ = conn.Close()
	l.logger.WarnContext(ctx, "peer rejected", "uid", peer.UID, "pid", peer.PID, "error", cause)
	_, err := l.rec.Record(ctx, audit.Event{
		Kind:   audit.KindPeerRejected,
		Reason: reason.DenyUnauthorizedIPCCaller,
		Layer:  "transport",
		Detail: map[string]string{
			"uid":   strconv.FormatUint(uint64(peer.UID), 10),
			"gid":   strconv.FormatUint(uint64(peer.GID), 10),
			"pid":   strconv.FormatInt(int64(peer.PID), 10),
			"cause": cause.Error(),
		},
	})
	if err != nil {
		l.logger.ErrorContext(ctx, "audit peer rejection failed", "error", err)
	}
}

func (l *Listener) track(conn net.Conn) *trackedConn {
	tc := &trackedConn{Conn: conn, idle: l.cfg.IdleTimeout}
	l.mu.Lock()
	l.conns[tc] = struct{}{}
	l.mu.Unlock()
	return tc
}

func (l *Listener) untrack(tc *trackedConn) {
	l.mu.Lock()
	delete(l.conns, tc)
	l.mu.Unlock()
}

func (l *Listener) interruptAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for tc := range l.conns {
		tc.interrupt()
	}
}

// trackedConn applies the idle timeout to every read and lets shutdown
// interrupt a blocked read without cutting off a pending write.
type trackedConn struct {
	net.Conn
	idle time.Duration

	mu          sync.Mutex
	deadline    time.Time
	interrupted bool
}

func (c *trackedConn) Read(b []byte) (int, error) {
	c.mu.Lock()
	if c.interrupted {
		c.mu.Unlock()
		return 0, net.ErrClosed
	}
	dl := c.deadline
	if c.idle > 0 {
		if idle := time.Now().Add(c.idle); dl.IsZero() || idle.Before(dl) {
			dl = idle
		}
	}
	err := c.Conn.SetReadDeadline(dl)
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

func (c *trackedConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	return nil
}

func (c *trackedConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.Conn.SetWriteDeadline(t)
}

func (c *trackedConn) interrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interrupted = true
	_ = c.Conn.SetReadDeadline(time.Now())
}
