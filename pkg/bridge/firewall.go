package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/helm-signer/pkg/audit"
	"github.com/Mindburn-Labs/helm-signer/pkg/channel"
	"github.com/Mindburn-Labs/helm-signer/pkg/intent"
	"github.com/Mindburn-Labs/helm-signer/pkg/observability"
	"github.com/Mindburn-Labs/helm-signer/pkg/reason"
	"github.com/Mindburn-Labs/helm-signer/pkg/signer"
)

// Signer is the request service behind the bridge.
type Signer interface {
	Preview(ctx context.Context, sub intent.Submission, c signer.Caller) (signer.Result, error)
	Submit(ctx context.Context, sub intent.Submission, c signer.Caller) (signer.Result, error)
	Approve(ctx context.Context, id, token string, c signer.Caller) (signer.Result, error)
	Deny(ctx context.Context, id string, c signer.Caller) (signer.Result, error)
	Sign(ctx context.Context, id string, c signer.Caller) (signer.Result, error)
	Amend(ctx context.Context, id string, a intent.Amendment, c signer.Caller) (signer.Result, error)
	Status(ctx context.Context, id string) (signer.Result, error)
}

// Tracker is satisfied by *observability.Provider.
type Tracker interface {
	TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error))
}

type handler func(ctx context.Context, s Signer, c signer.Caller, peer channel.PeerInfo, params []byte) (signer.Result, error)

type route struct {
	schema *jsonschema.Schema
	call   handler
}

// Firewall resolves allowlisted capabilities to typed handlers and
// validates their parameters before anything reaches the signer.
type Firewall struct {
	next    Signer
	routes  map[Capability]route
	rec     audit.Recorder
	tracker Tracker
	logger  *slog.Logger
}

// NewFirewall allows exactly the given capabilities. An empty list allows
// every known capability.
func NewFirewall(next Signer, rec audit.Recorder, allow ...Capability) (*Firewall, error) {
	if next == nil {
		return nil, fmt.Errorf("bridge: signer is required (fail-closed)")
	}
	if len(allow) == 0 {
		allow = Capabilities()
	}
	f := &Firewall{
		next:   next,
		routes: make(map[Capability]route, len(allow)),
		rec:    rec,
		logger: slog.Default().With("component", "bridge"),
	}
	for _, c := range allow {
		if !c.Valid() {
			return nil, fmt.Errorf("bridge: unknown capability %q", c)
		}
		schema, err := compileSchema(c, paramSchemas[c])
		if err != nil {
			return nil, err
		}
		f.routes[c] = route{schema: schema, call: handlers[c]}
	}
	return f, nil
}

func compileSchema(c Capability, schema string) (*jsonschema.Schema, error) {
	comp := jsonschema.NewCompiler()
	comp.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://helm-signer.schemas.local/bridge/%s.schema.json", c)
	if err := comp.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("bridge: schema %s load failed: %w", c, err)
	}
	s, err := comp.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("bridge: schema %s compile failed: %w", c, err)
	}
	return s, nil
}

// Allowed reports whether c is routed.
func (f *Firewall) Allowed(c Capability) bool {
	_, ok := f.routes[c]
	return ok
}

// WithTracker wraps every dispatch in t's spans and RED metrics.
func (f *Firewall) WithTracker(t Tracker) *Firewall {
	f.tracker = t
	return f
}

// Dispatch checks the allowlist and the params schema, then calls the
// signer as the session's peer.
func (f *Firewall) Dispatch(ctx context.Context, peer channel.PeerInfo, sessionID string, req Request) (signer.Result, error) {
	if f.tracker == nil {
		return f.dispatch(ctx, peer, sessionID, req)
	}
	ctx, done := f.tracker.TrackOperation(ctx, "bridge."+string(req.Capability), observability.AttrCapability.String(string(req.Capability)))
	res, err := f.dispatch(ctx, peer, sessionID, req)
	done(err)
	return res, err
}

func (f *Firewall) dispatch(ctx context.Context, peer channel.PeerInfo, sessionID string, req Request) (signer.Result, error) {
	r, ok := f.routes[req.Capability]
	if !ok {
		f.reject(ctx, sessionID, peer, reason.DenyUnauthorizedIPCCaller, "capability not allowlisted", req.Capability)
		return signer.Result{}, reason.New(reason.DenyUnauthorizedIPCCaller, "capability %q not allowlisted", req.Capability)
	}
	params := []byte(req.Params)
	if len(bytes.TrimSpace(params)) == 0 {
		params = []byte("{}")
	}
	var doc any
	if err := json.Unmarshal(params, &doc); err != nil {
		f.reject(ctx, sessionID, peer, reason.DenyInvalidIntent, "params are not JSON", req.Capability)
		return signer.Result{}, reason.Wrap(reason.DenyInvalidIntent, err)
	}
	if err := r.schema.Validate(doc); err != nil {
		f.reject(ctx, sessionID, peer, reason.DenyInvalidIntent, "params schema validation failed", req.Capability)
		return signer.Result{}, reason.Wrap(reason.DenyInvalidIntent, err)
	}
	c := signer.Caller{Actor: peer.Actor, SessionID: sessionID}
	return r.call(ctx, f.next, c, peer, params)
}

func (f *Firewall) reject(ctx context.Context, sessionID string, peer channel.PeerInfo, code reason.Code, cause string, c Capability) {
	f.logger.WarnContext(ctx, "request rejected", "capability", c, "reason_code", code, "session_id", sessionID)
	if f.rec == nil {
		return
	}
	_, err := f.rec.Record(ctx, audit.Event{
		Kind:      audit.KindRequestRejected,
		Reason:    code,
		Layer:     "bridge",
		Actor:     peer.Actor,
		SessionID: sessionID,
		Detail:    map[string]string{"capability": string(c), "cause": cause},
	})
	if err != nil {
		f.logger.ErrorContext(ctx, "audit request rejection failed", "error", err)
	}
}

var handlers = map[Capability]handler{
	CapSubmit:  submission(Signer.Submit),
	CapPreview: submission(Signer.Preview),
	CapApprove: func(ctx context.Context, s Signer, c signer.Caller, _ channel.PeerInfo, raw []byte) (signer.Result, error) {
		var p ApproveParams
		if err := decode(raw, &p); err != nil {
			return signer.Result{}, err
		}
		return s.Approve(ctx, p.IntentID, p.Token, c)
	},
	CapDeny: byID(Signer.Deny),
	CapSign: byID(Signer.Sign),
	CapAmend: func(ctx context.Context, s Signer, c signer.Caller, _ channel.PeerInfo, raw []byte) (signer.Result, error) {
		var p AmendParams
		if err := decode(raw, &p); err != nil {
			return signer.Result{}, err
		}
		return s.Amend(ctx, p.IntentID, p.Amendment, c)
	},
	CapStatus: func(ctx context.Context, s Signer, _ signer.Caller, _ channel.PeerInfo, raw []byte) (signer.Result, error) {
		var p IntentParams
		if err := decode(raw, &p); err != nil {
			return signer.Result{}, err
		}
		return s.Status(ctx, p.IntentID)
	},
}

// submission binds the submission to the identity proven in the handshake.
func submission(op func(Signer, context.Context, intent.Submission, signer.Caller) (signer.Result, error)) handler {
	return func(ctx context.Context, s Signer, c signer.Caller, peer channel.PeerInfo, raw []byte) (signer.Result, error) {
		var sub intent.Submission
		if err := decode(raw, &sub); err != nil {
			return signer.Result{}, err
		}
		sub.Actor = peer.Actor
		sub.UserID = peer.UserID
		return op(s, ctx, sub, c)
	}
}

func byID(op func(Signer, context.Context, string, signer.Caller) (signer.Result, error)) handler {
	return func(ctx context.Context, s Signer, c signer.Caller, _ channel.PeerInfo, raw []byte) (signer.Result, error) {
		var p IntentParams
		if err := decode(raw, &p); err != nil {
			return signer.Result{}, err
		}
		return op(s, ctx, p.IntentID, c)
	}
}

func decode(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return reason.Wrap(reason.DenyInvalidIntent, err)
	}
	return nil
}
