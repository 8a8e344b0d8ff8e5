package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Mindburn-Labs/helm-signer/pkg/audit"
	"github.com/Mindburn-Labs/helm-signer/pkg/channel"
	"github.com/Mindburn-Labs/helm-signer/pkg/handshake"
	"github.com/Mindburn-Labs/helm-signer/pkg/intent"
	"github.com/Mindburn-Labs/helm-signer/pkg/keyprovider"
	"github.com/Mindburn-Labs/helm-signer/pkg/lifecycle"
	"github.com/Mindburn-Labs/helm-signer/pkg/observability"
	"github.com/Mindburn-Labs/helm-signer/pkg/policy"
	"github.com/Mindburn-Labs/helm-signer/pkg/reason"
	"github.com/Mindburn-Labs/helm-signer/pkg/secretstore"
	"github.com/Mindburn-Labs/helm-signer/pkg/signer"
	"github.com/Mindburn-Labs/helm-signer/pkg/store"
)

type env struct {
	svc       *signer.Service
	store     *store.MemoryStore
	approvals *signer.Approvals
	log       *audit.Log
	rec       *audit.Emitter
	identity  *handshake.Identity
	server    *Server
}

func newEnv(t *testing.T, limits channel.Limits, allow ...Capability) *env {
	t.Helper()
	ctx := context.Background()
	e := &env{log: audit.NewLog()}
	e.rec = audit.NewEmitter(e.log, audit.DefaultEmitterConfig())
	t.Cleanup(func() { _ = e.rec.Close(context.Background()) })

	secrets, err := secretstore.OpenLocal(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = secrets.Close() })

	snap, err := policy.Compile(policy.Defaults())
	require.NoError(t, err)
	norm, err := intent.NewNormalizer()
	require.NoError(t, err)
	keys := keyprovider.NewSealedProvider(secrets)
	_, err = keys.Init(ctx)
	require.NoError(t, err)
	e.approvals, err = signer.LoadApprovals(ctx, secrets)
	require.NoError(t, err)
	e.store = store.NewMemoryStore()

	e.svc, err = signer.New(signer.Deps{
		Normalizer: norm,
		Engine:     policy.NewEngine(policy.NewStore(snap), nil),
		Recorder:   e.rec,
		Store:      e.store,
		Keys:       keys,
		Approvals:  e.approvals,
		Executor:   signer.NewLocalExecutor(),
	})
	require.NoError(t, err)

	e.identity, err = handshake.GenerateIdentity()
	require.NoError(t, err)
	t.Cleanup(e.identity.Destroy)

	fw, err := NewFirewall(e.svc, e.rec, allow...)
	require.NoError(t, err)
	e.server = NewServer(handshake.NewServer(e.identity, limits), fw, e.rec)
	return e
}

// pipe returns both ends of a stream and a channel closed when the server
// side has finished.
func (e *env) pipe(t *testing.T) (net.Conn, <-chan struct{}) {
	t.Helper()
	srv, cli := net.Pipe()
	done := make(chan struct{})
	//nolint:gosec
	peer := channel.PeerInfo{UID: uint32(os.Getuid()), PID: int32(os.Getpid())}
	go func() {
		defer close(done)
		e.server.Handle(context.Background(), srv, peer)
	}()
	return cli, done
}

func (e *env) connect(t *testing.T, actor string, limits channel.Limits) *Client {
	t.Helper()
	nc, done := e.pipe(t)
	c, err := NewClient(context.Background(), nc, ClientConfig{
		SignerKey: e.identity.Public[:],
		Actor:     actor,
		UserID:    "alice",
		Limits:    limits,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
		<-done
	})
	return c
}

func challenge(amount uint64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"x402Version": 2,
		"accepts": [{
			"scheme": "exact",
			"network": "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp",
			"amount": "%d",
			"payTo": "merchant.local",
			"maxTimeoutSeconds": 60,
			"asset": "USDC",
			"extra": {"paymentAuthority": "https://merchant.local"}
		}]
	}`, amount))
}

func payment(key string, amount uint64, contextFlag bool) intent.Submission {
	return intent.Submission{
		RequestID:               "req-" + key,
		IdempotencyKey:          key,
		ContextRequiresApproval: contextFlag,
		PaymentRequired:         challenge(amount),
	}
}

func TestSubmitOverChannel(t *testing.T) {
	e := newEnv(t, channel.DefaultLimits())
	c := e.connect(t, intent.ActorAgent, channel.Limits{})
	ctx := context.Background()

	res, err := c.Submit(ctx, payment("k1", 1000, false))
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Settled, res.State)
	assert.Equal(t, reason.AllowAutoPolicyOK, res.ReasonCode)
	assert.NotEmpty(t, res.Signature)

	status, err := c.Status(ctx, res.IntentID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Settled, status.State)
}

func TestSubmissionIsBoundToSessionIdentity(t *testing.T) {
	e := newEnv(t, channel.DefaultLimits())
	c := e.connect(t, intent.ActorAgent, channel.Limits{})
	ctx := context.Background()

	sub := payment("k2", 1000, true)
	sub.Actor = intent.ActorUser
	sub.UserID = "mallory"
	res, err := c.Submit(ctx, sub)
	require.NoError(t, err)

	stored, err := e.store.Get(ctx, res.IntentID)
	require.NoError(t, err)
	assert.Equal(t, intent.ActorAgent, stored.Actor)
	assert.Equal(t, "alice", stored.UserID)
}

func TestHumanApprovalAcrossSessions(t *testing.T) {
	e := newEnv(t, channel.DefaultLimits())
	agentConn := e.connect(t, intent.ActorAgent, channel.Limits{})
	humanConn := e.connect(t, intent.ActorUser, channel.Limits{})
	ctx := context.Background()

	res, err := agentConn.Submit(ctx, payment("k3", 1000, true))
	require.NoError(t, err)
	require.Equal(t, lifecycle.AwaitUserApproval, res.State)

	token, err := e.approvals.Mint("alice", res.IntentID, res.TermsHash, time.Minute)
	require.NoError(t, err)

	_, err = agentConn.Approve(ctx, res.IntentID, token)
	assert.Equal(t, reason.DenyContextApprovalRequired, reason.Of(err, ""))

	approved, err := humanConn.Approve(ctx, res.IntentID, token)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Approved, approved.State)

	signed, err := humanConn.Sign(ctx, res.IntentID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Settled, signed.State)
	assert.Equal(t, reason.AllowUserInitiated, signed.ReasonCode)
}

func TestErrorResponsesCarryOnlyStatusAndCode(t *testing.T) {
	e := newEnv(t, channel.DefaultLimits())
	c := e.connect(t, intent.ActorAgent, channel.Limits{})
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
		code reason.Code
	}{
		{"unknown capability", Request{Capability: "export_key"}, reason.DenyUnauthorizedIPCCaller},
		{"missing intent id", Request{Capability: CapStatus, Params: json.RawMessage(`{}`)}, reason.DenyInvalidIntent},
		{"extra params", Request{Capability: CapSign, Params: json.RawMessage(`{"intent_id":"x","force":true}`)}, reason.DenyInvalidIntent},
		{"unknown intent", Request{Capability: CapStatus, Params: json.RawMessage(`{"intent_id":"nope"}`)}, reason.DenyInvalidIntent},
		{"invalid payment", Request{Capability: CapSubmit, Params: json.RawMessage(`{"request_id":"r","payment_required":{"x402Version":2,"accepts":[{"scheme":"exact"}]}}`)}, reason.DenyInvalidX402Intent},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := c.roundTrip(ctx, tc.req)
			require.NoError(t, err)
			assert.Equal(t, StatusError, resp.Status)
			assert.Equal(t, tc.code, resp.ReasonCode)

			b, err := json.Marshal(resp)
			require.NoError(t, err)
			var fields map[string]any
			require.NoError(t, json.Unmarshal(b, &fields))
			assert.Len(t, fields, 2)
		})
	}
	assert.NotEmpty(t, e.log.Query(audit.Filter{Kind: audit.KindRequestRejected}))
}

func TestCapabilityAllowlist(t *testing.T) {
	e := newEnv(t, channel.DefaultLimits(), CapStatus, CapPreview)
	c := e.connect(t, intent.ActorAgent, channel.Limits{})
	ctx := context.Background()

	_, err := c.Submit(ctx, payment("k4", 10, false))
	assert.Equal(t, reason.DenyUnauthorizedIPCCaller, reason.Of(err, ""))

	res, err := c.Preview(ctx, payment("k4", 10, false))
	require.NoError(t, err)
	assert.Equal(t, policy.OutcomeAutoApprove, res.Outcome)
	active, err := e.store.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestNewFirewallRejectsUnknownCapability(t *testing.T) {
	e := newEnv(t, channel.DefaultLimits())
	_, err := NewFirewall(e.svc, e.rec, "export_key")
	require.Error(t, err)
	_, err = NewFirewall(nil, e.rec)
	require.Error(t, err)
}

func TestClientRekeysWhenEpochIsSpent(t *testing.T) {
	limits := channel.Limits{MaxMessages: 2, MaxAge: time.Hour}
	e := newEnv(t, limits)
	c := e.connect(t, intent.ActorAgent, limits)
	ctx := context.Background()

	res, err := c.Submit(ctx, payment("k5", 10, true))
	require.NoError(t, err)
	for range 3 {
		status, err := c.Status(ctx, res.IntentID)
		require.NoError(t, err)
		assert.Equal(t, lifecycle.AwaitUserApproval, status.State)
	}
	assert.Equal(t, uint32(3), c.Session().Epoch())
}

func TestWrongPinnedKeyFailsHandshake(t *testing.T) {
	e := newEnv(t, channel.DefaultLimits())
	other, err := handshake.GenerateIdentity()
	require.NoError(t, err)
	defer other.Destroy()

	nc, done := e.pipe(t)
	_, err = NewClient(context.Background(), nc, ClientConfig{
		SignerKey: other.Public[:],
		Actor:     intent.ActorAgent,
		UserID:    "alice",
	})
	require.Error(t, err)
	assert.Equal(t, reason.DenyHandshakeIntegrity, reason.Of(err, ""))
	_ = nc.Close()
	<-done

	evs := e.log.Query(audit.Filter{Kind: audit.KindHandshakeFailed})
	require.Len(t, evs, 1)
	assert.Equal(t, reason.DenyHandshakeIntegrity, evs[0].Reason)
}

func TestDispatchIsTracked(t *testing.T) {
	e := newEnv(t, channel.DefaultLimits())
	reader := sdkmetric.NewManualReader()
	cfg := observability.DefaultConfig()
	cfg.Enabled = true
	p, err := observability.New(context.Background(), cfg, observability.WithMetricReader(reader), observability.WithSpanExporter(tracetest.NewInMemoryExporter()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	fw, err := NewFirewall(e.svc, e.rec)
	require.NoError(t, err)
	fw.WithTracker(p)

	//nolint:gosec
	peer := channel.PeerInfo{UID: uint32(os.Getuid()), Actor: intent.ActorAgent, UserID: "alice"}
	_, err = fw.Dispatch(context.Background(), peer, "sess", Request{Capability: CapStatus, Params: json.RawMessage(`{"intent_id":"missing"}`)})
	require.Error(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	assert.True(t, names["signer.requests.total"])
	assert.True(t, names["signer.errors.total"])
}
