package handshake

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/Mindburn-Labs/helm-signer/pkg/channel"
	"github.com/Mindburn-Labs/helm-signer/pkg/hardening"
	"github.com/Mindburn-Labs/helm-signer/pkg/reason"
)

// Server runs the signer side of the handshake.
type Server struct {
	identity *Identity
	limits   channel.Limits
	clock    func() time.Time
	logger   *slog.Logger
}

// NewServer creates a handshake server for the given static identity.
func NewServer(identity *Identity, limits channel.Limits) *Server {
	return &Server{
		identity: identity,
		limits:   limits,
		clock:    time.Now,
		logger:   slog.Default().With("component", "handshake"),
	}
}

// WithClock overrides the clock for testing.
func (s *Server) WithClock(clock func() time.Time) *Server {
	s.clock = clock
	return s
}

// Accept negotiates a session on nc with a peer whose OS credentials were
// already verified by the transport. Any failure is DENY_HANDSHAKE_INTEGRITY
// and leaves no usable session.
func (s *Server) Accept(ctx context.Context, nc net.Conn, peer channel.PeerInfo) (*channel.Session, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(dl)
		defer func() { _ = nc.SetDeadline(time.Time{}) }()
	}

	var ch ClientHello
	if err := readJSON(nc, &ch); err != nil {
		return nil, s.fail(nc, "read client hello: %v", err)
	}
	if err := s.checkHello(&ch, peer); err != nil {
		return nil, s.fail(nc, "%v", err)
	}

	sh := &ServerHello{
		ProtocolVersion: ProtocolVersion,
		SessionID:       make([]byte, channel.SessionIDSize),
		CipherSuite:     SuiteX25519XChaCha,
		ServerShare:     append([]byte(nil), s.identity.Public[:]...),
		TimestampMs:     s.clock().UnixMilli(),
	}
	if _, err := rand.Read(sh.SessionID); err != nil {
		return nil, s.fail(nc, "session id: %v", err)
	}

	transcript, err := Transcript(&ch, sh)
	if err != nil {
		return nil, s.fail(nc, "%v", err)
	}
	shared, err := curve25519.X25519(s.identity.private(), ch.ClientShare)
	if err != nil {
		return nil, s.fail(nc, "key agreement: %v", err)
	}
	keys, err := deriveKeys(shared, transcript)
	hardening.Wipe(shared)
	if err != nil {
		return nil, s.fail(nc, "%v", err)
	}
	defer keys.wipe()

	sh.Confirm = confirmTag(keys.confirm, transcript, labelSigner)
	if err := writeJSON(nc, sh); err != nil {
		return nil, reason.Wrap(reason.DenyHandshakeIntegrity, fmt.Errorf("write server hello: %w", err))
	}

	var fin ClientFinished
	if err := readJSON(nc, &fin); err != nil {
		return nil, reason.Wrap(reason.DenyHandshakeIntegrity, fmt.Errorf("read client finished: %w", err))
	}
	if !hmac.Equal(fin.Confirm, confirmTag(keys.confirm, transcript, labelCaller)) {
		return nil, reason.New(reason.DenyHandshakeIntegrity, "client confirm mismatch")
	}

	peer.Actor = ch.Claims.Actor
	peer.UserID = ch.Claims.UserID
	var id [channel.SessionIDSize]byte
	copy(id[:], sh.SessionID)

	sess, err := channel.NewSession(channel.Params{
		ID:         id,
		Local:      channel.RoleSigner,
		Peer:       peer,
		C2SKey:     keys.c2s,
		S2CKey:     keys.s2c,
		ChainKey:   keys.chain,
		Transcript: transcript,
		Limits:     s.limits,
		Clock:      s.clock,
	})
	if err != nil {
		return nil, reason.Wrap(reason.DenyHandshakeIntegrity, err)
	}
	s.logger.DebugContext(ctx, "session established", "session_id", sess.IDString(), "uid", peer.UID, "actor", peer.Actor)
	return sess, nil
}

func (s *Server) checkHello(ch *ClientHello, peer channel.PeerInfo) error {
	if err := versionCompatible(ch.ProtocolVersion); err != nil {
		return err
	}
	if ch.WireVersion != channel.WireVersion {
		return fmt.Errorf("wire version %d unsupported", ch.WireVersion)
	}
	if !slices.Contains(ch.CipherSuites, SuiteX25519XChaCha) {
		return fmt.Errorf("no supported cipher suite in %v", ch.CipherSuites)
	}
	if len(ch.ClientShare) != shareSize {
		return fmt.Errorf("client share length %d", len(ch.ClientShare))
	}
	if !withinSkew(s.clock(), ch.TimestampMs) {
		return fmt.Errorf("client timestamp outside %s skew", MaxClockSkew)
	}
	if ch.Claims.UID != peer.UID {
		return fmt.Errorf("claimed uid %d does not match peer uid %d", ch.Claims.UID, peer.UID)
	}
	if peer.PID != 0 && ch.Claims.PID != peer.PID {
		return fmt.Errorf("claimed pid %d does not match peer pid %d", ch.Claims.PID, peer.PID)
	}
	switch ch.Claims.Actor {
	case "agent", "user":
	default:
		return fmt.Errorf("unknown actor %q", ch.Claims.Actor)
	}
	if ch.Claims.UserID == "" {
		return fmt.Errorf("missing user id claim")
	}
	return nil
}

// fail sends a generic refusal and returns the classified error.
func (s *Server) fail(nc net.Conn, format string, args ...any) error {
	_ = writeJSON(nc, &ServerHello{Error: string(reason.DenyHandshakeIntegrity)})
	return reason.New(reason.DenyHandshakeIntegrity, format, args...)
}

func readJSON(nc net.Conn, v any) error {
	raw, err := channel.ReadRecord(nc)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func writeJSON(nc net.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return channel.WriteRecord(nc, b)
}
