package channel

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/Mindburn-Labs/helm-signer/pkg/hardening"
	"github.com/Mindburn-Labs/helm-signer/pkg/reason"
)

const (
	// DefaultMaxMessages is the application message budget per key epoch.
	DefaultMaxMessages = 1000
	// DefaultMaxAge is the wall-clock budget per key epoch.
	DefaultMaxAge = 5 * time.Minute

	rekeyInfo = "helm-signer/v1 rekey"
)

var (
	ErrSessionClosed  = errors.New("session closed")
	ErrCounterExhaust = errors.New("send counter exhausted")
)

// Limits bound one key epoch of a session.
type Limits struct {
	MaxMessages int
	MaxAge      time.Duration
}

// DefaultLimits returns 1,000 messages or 5 minutes, whichever comes first.
func DefaultLimits() Limits {
	return Limits{MaxMessages: DefaultMaxMessages, MaxAge: DefaultMaxAge}
}

// PeerInfo is the identity of the remote end, resolved at the transport layer
// and confirmed during the handshake.
type PeerInfo struct {
	UID    uint32 `json:"uid"`
	GID    uint32 `json:"gid"`
	PID    int32  `json:"pid"`
	UserID string `json:"user_id,omitempty"`
	Actor  string `json:"actor,omitempty"`
}

// Params materialize a Session. Key slices are moved into zeroizing buffers
// and wiped in place.
type Params struct {
	ID         [SessionIDSize]byte
	Local      Role
	Peer       PeerInfo
	C2SKey     []byte
	S2CKey     []byte
	ChainKey   []byte
	Transcript [32]byte
	Limits     Limits
	Clock      func() time.Time
}

// Session is one authenticated, key-exchanged connection. All methods are
// safe for concurrent use but the channel is designed for one in-flight
// message at a time.
type Session struct {
	mu sync.Mutex

	id         [SessionIDSize]byte
	local      Role
	peer       PeerInfo
	transcript [32]byte
	limits     Limits
	clock      func() time.Time

	sendDir, recvDir       Direction
	sendPrefix, recvPrefix [16]byte

	sendKey  *hardening.SensitiveBuffer
	recvKey  *hardening.SensitiveBuffer
	chainKey *hardening.SensitiveBuffer

	nextSend uint64 // next counter to send, starts at 1
	lastRecv uint64 // last accepted counter, 0 before the first message

	epoch      uint32
	epochStart time.Time
	processed  int
	closed     bool
}

// NewSession builds a session from handshake output.
func NewSession(p Params) (*Session, error) {
	if len(p.C2SKey) != KeySize || len(p.S2CKey) != KeySize || len(p.ChainKey) != KeySize {
		hardening.Wipe(p.C2SKey)
		hardening.Wipe(p.S2CKey)
		hardening.Wipe(p.ChainKey)
		return nil, fmt.Errorf("session keys must be %d bytes", KeySize)
	}
	if p.Limits.MaxMessages <= 0 || p.Limits.MaxAge <= 0 {
		p.Limits = DefaultLimits()
	}
	if p.Clock == nil {
		p.Clock = time.Now
	}

	s := &Session{
		id:         p.ID,
		local:      p.Local,
		peer:       p.Peer,
		transcript: p.Transcript,
		limits:     p.Limits,
		clock:      p.Clock,
		chainKey:   hardening.FromBytes(p.ChainKey),
		nextSend:   1,
		epochStart: p.Clock(),
	}

	c2s := hardening.FromBytes(p.C2SKey)
	s2c := hardening.FromBytes(p.S2CKey)
	switch p.Local {
	case RoleCaller:
		s.sendDir, s.recvDir = ClientToServer, ServerToClient
		s.sendKey, s.recvKey = c2s, s2c
	case RoleSigner:
		s.sendDir, s.recvDir = ServerToClient, ClientToServer
		s.sendKey, s.recvKey = s2c, c2s
	default:
		c2s.Destroy()
		s2c.Destroy()
		s.chainKey.Destroy()
		return nil, fmt.Errorf("unknown local role %d", p.Local)
	}
	s.sendPrefix = noncePrefix(s.id, s.sendDir)
	s.recvPrefix = noncePrefix(s.id, s.recvDir)
	return s, nil
}

// ID returns the 128-bit session id.
func (s *Session) ID() [SessionIDSize]byte { return s.id }

// IDString returns the hex session id for logs and audit records.
func (s *Session) IDString() string { return hex.EncodeToString(s.id[:]) }

// Peer returns the authenticated peer identity.
func (s *Session) Peer() PeerInfo { return s.peer }

// Transcript returns the handshake transcript hash the keys are bound to.
func (s *Session) Transcript() [32]byte { return s.transcript }

// Counters returns the next send counter and the last accepted receive counter.
func (s *Session) Counters() (nextSend, lastRecv uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSend, s.lastRecv
}

// Epoch returns how many times the session has been rekeyed.
func (s *Session) Epoch() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Expired reports whether the current key epoch has used its message or
// time budget. An expired session only carries control messages.
func (s *Session) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiredLocked()
}

func (s *Session) expiredLocked() bool {
	if s.processed >= s.limits.MaxMessages {
		return true
	}
	return s.clock().Sub(s.epochStart) >= s.limits.MaxAge
}

// Seal encrypts plaintext into the next outbound frame.
func (s *Session) Seal(t MessageType, plaintext []byte) (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	if !t.IsControl() && s.expiredLocked() {
		return nil, reason.New(reason.ExpireTTLReached, "session %s epoch %d expired", s.IDString(), s.epoch)
	}
	if s.nextSend == math.MaxUint64 {
		return nil, ErrCounterExhaust
	}

	f := &Frame{
		Version:        WireVersion,
		SessionID:      s.id,
		Counter:        s.nextSend,
		Direction:      s.sendDir,
		AssociatedData: associatedData(s.local, t),
	}
	aead, err := chacha20poly1305.NewX(s.sendKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("aead init: %w", err)
	}
	sealed := aead.Seal(nil, nonce(s.sendPrefix, f.Counter), plaintext, f.additionalData())
	split := len(sealed) - TagSize
	f.Ciphertext = sealed[:split]
	copy(f.Tag[:], sealed[split:])

	s.nextSend++
	if !t.IsControl() {
		s.processed++
	}
	return f, nil
}

// Open authenticates and decrypts an inbound frame. The receive counter only
// advances on success; a counter other than last+1 is a replay.
func (s *Session) Open(f *Frame) (MessageType, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, nil, ErrSessionClosed
	}
	if f.Version != WireVersion {
		return 0, nil, reason.New(reason.DenyAEADIntegrity, "wire version %d", f.Version)
	}
	if f.SessionID != s.id {
		return 0, nil, reason.New(reason.DenyAEADIntegrity, "frame for foreign session")
	}
	if f.Direction != s.recvDir {
		return 0, nil, reason.New(reason.DenyReplay, "reflected frame direction %s", f.Direction)
	}
	role, t, err := parseAssociatedData(f.AssociatedData)
	if err != nil {
		return 0, nil, reason.Wrap(reason.DenyAEADIntegrity, err)
	}
	if role == s.local {
		return 0, nil, reason.New(reason.DenyAEADIntegrity, "sender role %s matches local role", role)
	}
	if f.Counter != s.lastRecv+1 {
		return 0, nil, reason.New(reason.DenyReplay, "counter %d, expected %d", f.Counter, s.lastRecv+1)
	}

	aead, err := chacha20poly1305.NewX(s.recvKey.Bytes())
	if err != nil {
		return 0, nil, fmt.Errorf("aead init: %w", err)
	}
	sealed := make([]byte, 0, len(f.Ciphertext)+TagSize)
	sealed = append(sealed, f.Ciphertext...)
	sealed = append(sealed, f.Tag[:]...)
	plaintext, err := aead.Open(nil, nonce(s.recvPrefix, f.Counter), sealed, f.additionalData())
	if err != nil {
		return 0, nil, reason.Wrap(reason.DenyAEADIntegrity, err)
	}
	s.lastRecv = f.Counter

	if !t.IsControl() {
		if s.expiredLocked() {
			hardening.Wipe(plaintext)
			return 0, nil, reason.New(reason.ExpireTTLReached, "session %s epoch %d expired", s.IDString(), s.epoch)
		}
		s.processed++
	}
	return t, plaintext, nil
}

// Rekey ratchets both directions to fresh keys derived from the chain key and
// zeroizes the previous epoch. Counters keep increasing across epochs.
func (s *Session) Rekey() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	info := binary.BigEndian.AppendUint32([]byte(rekeyInfo), s.epoch+1)
	kdf := hkdf.New(sha256.New, s.chainKey.Bytes(), s.id[:], info)
	okm := make([]byte, 3*KeySize)
	if _, err := io.ReadFull(kdf, okm); err != nil {
		hardening.Wipe(okm)
		return fmt.Errorf("rekey derive: %w", err)
	}
	c2s := hardening.FromBytes(okm[:KeySize])
	s2c := hardening.FromBytes(okm[KeySize : 2*KeySize])
	chain := hardening.FromBytes(okm[2*KeySize:])
	hardening.Wipe(okm)

	s.sendKey.Destroy()
	s.recvKey.Destroy()
	s.chainKey.Destroy()
	if s.local == RoleCaller {
		s.sendKey, s.recvKey = c2s, s2c
	} else {
		s.sendKey, s.recvKey = s2c, c2s
	}
	s.chainKey = chain

	s.epoch++
	s.epochStart = s.clock()
	s.processed = 0
	return nil
}

// Close zeroizes all key material. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.sendKey.Destroy()
	s.recvKey.Destroy()
	s.chainKey.Destroy()
	s.closed = true
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// noncePrefix binds the nonce to the session and direction.
func noncePrefix(id [SessionIDSize]byte, d Direction) [16]byte {
	h := sha256.New()
	h.Write(id[:])
	h.Write([]byte{byte(d)})
	var p [16]byte
	copy(p[:], h.Sum(nil))
	return p
}

// nonce is prefix(16) || counter(8), the 24-byte XChaCha20 nonce.
func nonce(prefix [16]byte, counter uint64) []byte {
	n := make([]byte, chacha20poly1305.NonceSizeX)
	copy(n, prefix[:])
	binary.BigEndian.PutUint64(n[16:], counter)
	return n
}
