package handshake

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/Mindburn-Labs/helm-signer/pkg/channel"
	"github.com/Mindburn-Labs/helm-signer/pkg/hardening"
	"github.com/Mindburn-Labs/helm-signer/pkg/reason"
)

// Client runs the caller side of the handshake against a pinned signer key.
type Client struct {
	SignerKey []byte
	Claims    Claims
	Limits    channel.Limits
	Clock     func() time.Time
}

// Handshake negotiates a session on nc.
func (c *Client) Handshake(ctx context.Context, nc net.Conn) (*channel.Session, error) {
	if len(c.SignerKey) != shareSize {
		return nil, fmt.Errorf("signer key must be %d bytes", shareSize)
	}
	clock := c.Clock
	if clock == nil {
		clock = time.Now
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(dl)
		defer func() { _ = nc.SetDeadline(time.Time{}) }()
	}

	ephemeral := hardening.NewSensitiveBuffer(curve25519.ScalarSize)
	defer ephemeral.Destroy()
	if _, err := io.ReadFull(rand.Reader, ephemeral.Bytes()); err != nil {
		return nil, fmt.Errorf("ephemeral key: %w", err)
	}
	share, err := curve25519.X25519(ephemeral.Bytes(), curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("ephemeral share: %w", err)
	}

	ch := &ClientHello{
		ProtocolVersion: ProtocolVersion,
		WireVersion:     channel.WireVersion,
		CipherSuites:    []string{SuiteX25519XChaCha},
		ClientShare:     share,
		Claims:          c.Claims,
		TimestampMs:     clock().UnixMilli(),
	}
	if err := writeJSON(nc, ch); err != nil {
		return nil, fmt.Errorf("write client hello: %w", err)
	}

	var sh ServerHello
	if err := readJSON(nc, &sh); err != nil {
		return nil, reason.Wrap(reason.DenyHandshakeIntegrity, fmt.Errorf("read server hello: %w", err))
	}
	if sh.Error != "" {
		code := reason.Code(sh.Error)
		if !reason.Known(code) {
			code = reason.DenyHandshakeIntegrity
		}
		return nil, reason.New(code, "signer refused handshake")
	}
	if err := c.checkHello(&sh, clock()); err != nil {
		return nil, reason.Wrap(reason.DenyHandshakeIntegrity, err)
	}

	transcript, err := Transcript(ch, &sh)
	if err != nil {
		return nil, reason.Wrap(reason.DenyHandshakeIntegrity, err)
	}
	shared, err := curve25519.X25519(ephemeral.Bytes(), sh.ServerShare)
	if err != nil {
		return nil, reason.Wrap(reason.DenyHandshakeIntegrity, err)
	}
	keys, err := deriveKeys(shared, transcript)
	hardening.Wipe(shared)
	if err != nil {
		return nil, reason.Wrap(reason.DenyHandshakeIntegrity, err)
	}
	defer keys.wipe()

	if !hmac.Equal(sh.Confirm, confirmTag(keys.confirm, transcript, labelSigner)) {
		return nil, reason.New(reason.DenyHandshakeIntegrity, "signer confirm mismatch")
	}
	if err := writeJSON(nc, &ClientFinished{Confirm: confirmTag(keys.confirm, transcript, labelCaller)}); err != nil {
		return nil, reason.Wrap(reason.DenyHandshakeIntegrity, fmt.Errorf("write client finished: %w", err))
	}

	var id [channel.SessionIDSize]byte
	copy(id[:], sh.SessionID)
	sess, err := channel.NewSession(channel.Params{
		ID:         id,
		Local:      channel.RoleCaller,
		C2SKey:     keys.c2s,
		S2CKey:     keys.s2c,
		ChainKey:   keys.chain,
		Transcript: transcript,
		Limits:     c.Limits,
		Clock:      clock,
	})
	if err != nil {
		return nil, reason.Wrap(reason.DenyHandshakeIntegrity, err)
	}
	return sess, nil
}

func (c *Client) checkHello(sh *ServerHello, now time.Time) error {
	if err := versionCompatible(sh.ProtocolVersion); err != nil {
		return err
	}
	if sh.CipherSuite != SuiteX25519XChaCha {
		return fmt.Errorf("unexpected cipher suite %q", sh.CipherSuite)
	}
	if len(sh.SessionID) != channel.SessionIDSize {
		return fmt.Errorf("session id length %d", len(sh.SessionID))
	}
	if len(sh.ServerShare) != shareSize || subtle.ConstantTimeCompare(sh.ServerShare, c.SignerKey) != 1 {
		return fmt.Errorf("signer key does not match pinned key")
	}
	if !withinSkew(now, sh.TimestampMs) {
		return fmt.Errorf("signer timestamp outside %s skew", MaxClockSkew)
	}
	return nil
}
