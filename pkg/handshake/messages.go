// Package handshake negotiates signer sessions: an ephemeral-static X25519
// exchange whose keys are derived over a hash of the whole negotiation
// transcript, so tampering with any hello field yields unusable keys and a
// DENY_HANDSHAKE_INTEGRITY failure.
package handshake

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/helm-signer/pkg/canonicalize"
)

const (
	// ProtocolVersion is advertised by this build.
	ProtocolVersion = "1.0.0"
	// CompatibleVersions is the range of peer protocol versions accepted.
	CompatibleVersions = "^1.0.0"

	// SuiteX25519XChaCha is the only supported cipher suite.
	SuiteX25519XChaCha = "X25519-HKDF-SHA256-XCHACHA20POLY1305"

	// MaxClockSkew bounds the hello timestamps relative to local time.
	MaxClockSkew = 30 * time.Second

	sessionInfo   = "helm-signer/v1 session"
	labelSigner   = "helm-signer/v1 signer finished"
	labelCaller   = "helm-signer/v1 caller finished"
	shareSize     = 32
	derivedLength = 4 * 32
)

var compatible = mustConstraint(CompatibleVersions)

func mustConstraint(c string) *semver.Constraints {
	cs, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return cs
}

// Claims are the identity the caller asserts. The signer checks them against
// the credentials resolved by the transport before deriving keys.
type Claims struct {
	UID    uint32 `json:"uid"`
	PID    int32  `json:"pid"`
	Actor  string `json:"actor"`
	UserID string `json:"user_id"`
}

// ClientHello opens the handshake.
type ClientHello struct {
	ProtocolVersion string   `json:"protocol_version"`
	WireVersion     uint8    `json:"wire_version"`
	CipherSuites    []string `json:"cipher_suites"`
	ClientShare     []byte   `json:"client_share"`
	Claims          Claims   `json:"claims"`
	TimestampMs     int64    `json:"timestamp_ms"`
}

// ServerHello answers with the session parameters, or with Error set to a
// reason code when the signer refuses.
type ServerHello struct {
	ProtocolVersion string `json:"protocol_version,omitempty"`
	SessionID       []byte `json:"session_id,omitempty"`
	CipherSuite     string `json:"cipher_suite,omitempty"`
	ServerShare     []byte `json:"server_share,omitempty"`
	TimestampMs     int64  `json:"timestamp_ms,omitempty"`
	Confirm         []byte `json:"confirm,omitempty"`
	Error           string `json:"error,omitempty"`
}

// ClientFinished proves the caller derived the same keys.
type ClientFinished struct {
	Confirm []byte `json:"confirm"`
}

// transcriptView lists every negotiated value bound into the key schedule.
type transcriptView struct {
	ClientVersion string   `json:"client_version"`
	ServerVersion string   `json:"server_version"`
	WireVersion   uint8    `json:"wire_version"`
	Offered       []string `json:"offered_suites"`
	Suite         string   `json:"suite"`
	Claims        Claims   `json:"claims"`
	ClientShare   string   `json:"client_share"`
	ServerShare   string   `json:"server_share"`
	SessionID     string   `json:"session_id"`
	ClientTime    int64    `json:"client_timestamp_ms"`
	ServerTime    int64    `json:"server_timestamp_ms"`
}

// Transcript hashes the canonical form of both hellos.
func Transcript(ch *ClientHello, sh *ServerHello) ([32]byte, error) {
	view := transcriptView{
		ClientVersion: ch.ProtocolVersion,
		ServerVersion: sh.ProtocolVersion,
		WireVersion:   ch.WireVersion,
		Offered:       ch.CipherSuites,
		Suite:         sh.CipherSuite,
		Claims:        ch.Claims,
		ClientShare:   hex.EncodeToString(ch.ClientShare),
		ServerShare:   hex.EncodeToString(sh.ServerShare),
		SessionID:     hex.EncodeToString(sh.SessionID),
		ClientTime:    ch.TimestampMs,
		ServerTime:    sh.TimestampMs,
	}
	b, err := canonicalize.JCS(view)
	if err != nil {
		return [32]byte{}, fmt.Errorf("transcript: %w", err)
	}
	return sha256.Sum256(b), nil
}

func versionCompatible(v string) error {
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("protocol version %q: %w", v, err)
	}
	if !compatible.Check(parsed) {
		return fmt.Errorf("protocol version %s outside %s", v, CompatibleVersions)
	}
	return nil
}

func withinSkew(now time.Time, ms int64) bool {
	d := now.Sub(time.UnixMilli(ms))
	if d < 0 {
		d = -d
	}
	return d <= MaxClockSkew
}
