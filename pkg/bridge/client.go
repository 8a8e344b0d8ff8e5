package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/Mindburn-Labs/helm-signer/pkg/channel"
	"github.com/Mindburn-Labs/helm-signer/pkg/handshake"
	"github.com/Mindburn-Labs/helm-signer/pkg/intent"
	"github.com/Mindburn-Labs/helm-signer/pkg/reason"
	"github.com/Mindburn-Labs/helm-signer/pkg/signer"
)

// rekeyMargin makes callers retire an epoch before the signer does, so a
// request never lands on an epoch the signer already considers spent.
const rekeyMargin = 5 * time.Second

// ClientConfig identifies a caller.
type ClientConfig struct {
	SocketPath string
	// SignerKey is the pinned signer identity (identity.pub).
	SignerKey []byte
	Actor     string
	UserID    string
	Limits    channel.Limits
	Timeout   time.Duration
}

// Client is a caller session. Calls are strictly sequential.
type Client struct {
	conn    *channel.Conn
	timeout time.Duration
}

// Dial connects to the signer socket and runs the handshake.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("bridge: dial %s: %w", cfg.SocketPath, err)
	}
	c, err := NewClient(ctx, nc, cfg)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	return c, nil
}

// NewClient runs the handshake over an established stream.
func NewClient(ctx context.Context, nc net.Conn, cfg ClientConfig) (*Client, error) {
	limits := cfg.Limits
	if limits.MaxMessages <= 0 || limits.MaxAge <= 0 {
		limits = channel.DefaultLimits()
	}
	if limits.MaxAge > 2*rekeyMargin {
		limits.MaxAge -= rekeyMargin
	}
	hs := handshake.Client{
		SignerKey: cfg.SignerKey,
		Claims: handshake.Claims{
			//nolint:gosec // uid and pid fit their wire types
			UID:    uint32(os.Getuid()),
			PID:    int32(os.Getpid()),
			Actor:  cfg.Actor,
			UserID: cfg.UserID,
		},
		Limits: limits,
	}
	sess, err := hs.Handshake(ctx, nc)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{conn: channel.NewConn(nc, sess), timeout: timeout}, nil
}

// Close ends the session and zeroizes its keys.
func (c *Client) Close() error { return c.conn.Close() }

// Session is the underlying channel session.
func (c *Client) Session() *channel.Session { return c.conn.Session() }

func (c *Client) Submit(ctx context.Context, sub intent.Submission) (signer.Result, error) {
	return c.call(ctx, CapSubmit, sub)
}

func (c *Client) Preview(ctx context.Context, sub intent.Submission) (signer.Result, error) {
	return c.call(ctx, CapPreview, sub)
}

func (c *Client) Approve(ctx context.Context, intentID, token string) (signer.Result, error) {
	return c.call(ctx, CapApprove, ApproveParams{IntentID: intentID, Token: token})
}

func (c *Client) Deny(ctx context.Context, intentID string) (signer.Result, error) {
	return c.call(ctx, CapDeny, IntentParams{IntentID: intentID})
}

func (c *Client) Sign(ctx context.Context, intentID string) (signer.Result, error) {
	return c.call(ctx, CapSign, IntentParams{IntentID: intentID})
}

func (c *Client) Amend(ctx context.Context, intentID string, a intent.Amendment) (signer.Result, error) {
	return c.call(ctx, CapAmend, AmendParams{IntentID: intentID, Amendment: a})
}

func (c *Client) Status(ctx context.Context, intentID string) (signer.Result, error) {
	return c.call(ctx, CapStatus, IntentParams{IntentID: intentID})
}

// call returns a *reason.Error carrying the signer's code when the request
// was refused.
func (c *Client) call(ctx context.Context, capability Capability, params any) (signer.Result, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return signer.Result{}, fmt.Errorf("bridge: encode %s params: %w", capability, err)
	}
	resp, err := c.roundTrip(ctx, Request{Capability: capability, Params: raw})
	if err != nil {
		return signer.Result{}, err
	}
	if resp.Status != StatusOK {
		return signer.Result{ReasonCode: resp.ReasonCode}, reason.New(resp.ReasonCode, "signer refused %s", capability)
	}
	if resp.Result == nil {
		return signer.Result{}, errors.New("bridge: response without result")
	}
	return *resp.Result, nil
}

func (c *Client) roundTrip(ctx context.Context, req Request) (Response, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	b, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	out, err := c.conn.RoundTrip(ctx, b)
	if err != nil {
		return Response{}, fmt.Errorf("bridge: %s: %w", req.Capability, err)
	}
	var resp Response
	if err := json.Unmarshal(out, &resp); err != nil {
		return Response{}, fmt.Errorf("bridge: decode response: %w", err)
	}
	return resp, nil
}
