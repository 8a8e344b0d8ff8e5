package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/Mindburn-Labs/helm-signer/pkg/audit"
	"github.com/Mindburn-Labs/helm-signer/pkg/channel"
	"github.com/Mindburn-Labs/helm-signer/pkg/handshake"
	"github.com/Mindburn-Labs/helm-signer/pkg/hardening"
	"github.com/Mindburn-Labs/helm-signer/pkg/reason"
)

// DefaultHandshakeTimeout bounds the handshake of one connection.
const DefaultHandshakeTimeout = 10 * time.Second

// Server runs the handshake and the request loop for each accepted
// connection. Handle has the transport.Handler signature.
type Server struct {
	hs               *handshake.Server
	fw               *Firewall
	rec              audit.Recorder
	handshakeTimeout time.Duration
	logger           *slog.Logger
}

// NewServer binds a handshake server and a firewall.
func NewServer(hs *handshake.Server, fw *Firewall, rec audit.Recorder) *Server {
	return &Server{
		hs:               hs,
		fw:               fw,
		rec:              rec,
		handshakeTimeout: DefaultHandshakeTimeout,
		logger:           slog.Default().With("component", "bridge"),
	}
}

// Handle serves one connection until the caller closes it, the stream
// fails or a frame is rejected. Session keys are zeroized on every path.
func (s *Server) Handle(ctx context.Context, nc net.Conn, peer channel.PeerInfo) {
	hctx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
	sess, err := s.hs.Accept(hctx, nc, peer)
	cancel()
	if err != nil {
		s.audit(ctx, audit.Event{
			Kind:   audit.KindHandshakeFailed,
			Reason: reason.Of(err, reason.DenyHandshakeIntegrity),
			Layer:  "handshake",
			Detail: map[string]string{"cause": err.Error()},
		})
		_ = nc.Close()
		return
	}
	conn := channel.NewConn(nc, sess)
	defer func() { _ = conn.Close() }()

	peer = sess.Peer()
	sessionID := sess.IDString()
	for {
		raw, err := conn.NextRequest(ctx)
		if err != nil {
			s.endOfStream(ctx, sessionID, peer, err)
			if reason.Of(err, "") == reason.ExpireTTLReached {
				// The caller must rekey; the session stays usable for control messages.
				continue
			}
			return
		}
		resp := s.serve(ctx, peer, sessionID, raw)
		hardening.Wipe(raw)
		b, err := json.Marshal(resp)
		if err != nil {
			s.logger.ErrorContext(ctx, "encode response", "error", err)
			return
		}
		if err := conn.Respond(ctx, b); err != nil {
			s.logger.WarnContext(ctx, "respond failed", "session_id", sessionID, "error", err)
			return
		}
	}
}

func (s *Server) serve(ctx context.Context, peer channel.PeerInfo, sessionID string, raw []byte) Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Response{Status: StatusError, ReasonCode: reason.DenyInvalidIntent}
	}
	res, err := s.fw.Dispatch(ctx, peer, sessionID, req)
	if err != nil {
		s.logger.InfoContext(ctx, "request refused", "capability", req.Capability, "session_id", sessionID, "error", err)
		return Response{Status: StatusError, ReasonCode: reason.Of(err, reason.DenyInvalidTransition)}
	}
	return Response{Status: StatusOK, ReasonCode: res.ReasonCode, Result: &res}
}

// endOfStream audits frame rejections; clean closes and stream errors are
// only logged.
func (s *Server) endOfStream(ctx context.Context, sessionID string, peer channel.PeerInfo, err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		s.logger.DebugContext(ctx, "session closed", "session_id", sessionID)
		return
	}
	var rerr *reason.Error
	if !errors.As(err, &rerr) {
		s.logger.InfoContext(ctx, "session ended", "session_id", sessionID, "error", err)
		return
	}
	s.audit(ctx, audit.Event{
		Kind:      audit.KindFrameRejected,
		Reason:    rerr.Code,
		Layer:     "channel",
		Actor:     peer.Actor,
		SessionID: sessionID,
		Detail:    map[string]string{"cause": err.Error()},
	})
}

func (s *Server) audit(ctx context.Context, e audit.Event) {
	s.logger.WarnContext(ctx, "connection rejected", "kind", e.Kind, "reason_code", e.Reason)
	if _, err := s.rec.Record(ctx, e); err != nil {
		s.logger.ErrorContext(ctx, "audit failed", "kind", e.Kind, "error", err)
	}
}
