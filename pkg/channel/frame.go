// Package channel implements the framed, authenticated-encryption channel
// carried over an established signer session.
//
// Every frame binds protocol version, session id, counter, direction, sender
// role and message type into the AEAD additional data. Nonces are derived from
// (session id, counter, direction) and never transmitted.
package channel

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// WireVersion is the only frame version this build speaks.
const WireVersion uint8 = 1

const (
	SessionIDSize = 16
	TagSize       = chacha20poly1305.Overhead
	KeySize       = chacha20poly1305.KeySize

	// fixed header: version | session_id | counter | direction
	headerSize = 1 + SessionIDSize + 8 + 1
)

// ErrMalformedFrame is returned for frames that do not parse.
var ErrMalformedFrame = errors.New("malformed frame")

// Direction of travel on a session.
type Direction uint8

const (
	ClientToServer Direction = 1
	ServerToClient Direction = 2
)

func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "c2s"
	case ServerToClient:
		return "s2c"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Role of the sender.
type Role uint8

const (
	RoleCaller Role = 1
	RoleSigner Role = 2
)

func (r Role) String() string {
	switch r {
	case RoleCaller:
		return "caller"
	case RoleSigner:
		return "signer"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// MessageType identifies the payload carried by a frame.
type MessageType uint8

const (
	MsgRequest  MessageType = 1
	MsgResponse MessageType = 2
	MsgRekey    MessageType = 3
	MsgRekeyAck MessageType = 4
	MsgClose    MessageType = 5
)

// IsControl reports whether t is a session control message. Control messages
// do not count toward the session message budget.
func (t MessageType) IsControl() bool {
	return t == MsgRekey || t == MsgRekeyAck || t == MsgClose
}

func (t MessageType) valid() bool {
	return t >= MsgRequest && t <= MsgClose
}

// Frame is the wire envelope:
//
//	version u8 | session_id [16] | counter u64 | direction u8 |
//	ad_len u16 | associated_data | ct_len u32 | ciphertext | tag [16]
type Frame struct {
	Version        uint8
	SessionID      [SessionIDSize]byte
	Counter        uint64
	Direction      Direction
	AssociatedData []byte
	Ciphertext     []byte
	Tag            [TagSize]byte
}

// associatedData encodes the sender role and message type carried in clear.
func associatedData(role Role, t MessageType) []byte {
	return []byte{byte(role), byte(t)}
}

func parseAssociatedData(ad []byte) (Role, MessageType, error) {
	if len(ad) != 2 {
		return 0, 0, fmt.Errorf("%w: associated data length %d", ErrMalformedFrame, len(ad))
	}
	t := MessageType(ad[1])
	if !t.valid() {
		return 0, 0, fmt.Errorf("%w: unknown message type %d", ErrMalformedFrame, ad[1])
	}
	return Role(ad[0]), t, nil
}

// additionalData is the AEAD additional data: the full clear header plus the
// associated data block.
func (f *Frame) additionalData() []byte {
	b := make([]byte, 0, headerSize+2+len(f.AssociatedData))
	b = append(b, f.Version)
	b = append(b, f.SessionID[:]...)
	b = binary.BigEndian.AppendUint64(b, f.Counter)
	b = append(b, byte(f.Direction))
	b = binary.BigEndian.AppendUint16(b, uint16(len(f.AssociatedData)))
	b = append(b, f.AssociatedData...)
	return b
}

// MarshalBinary encodes the frame.
func (f *Frame) MarshalBinary() ([]byte, error) {
	if len(f.AssociatedData) > 0xFFFF {
		return nil, fmt.Errorf("%w: associated data too large", ErrMalformedFrame)
	}
	if uint64(len(f.Ciphertext)) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	b := f.additionalData()
	b = binary.BigEndian.AppendUint32(b, uint32(len(f.Ciphertext)))
	b = append(b, f.Ciphertext...)
	b = append(b, f.Tag[:]...)
	return b, nil
}

// UnmarshalBinary decodes a frame. Trailing or missing bytes are rejected.
func (f *Frame) UnmarshalBinary(b []byte) error {
	if len(b) < headerSize+2 {
		return fmt.Errorf("%w: short header", ErrMalformedFrame)
	}
	f.Version = b[0]
	copy(f.SessionID[:], b[1:1+SessionIDSize])
	off := 1 + SessionIDSize
	f.Counter = binary.BigEndian.Uint64(b[off:])
	off += 8
	f.Direction = Direction(b[off])
	off++

	adLen := int(binary.BigEndian.Uint16(b[off:]))
	off += 2
	if len(b) < off+adLen+4 {
		return fmt.Errorf("%w: short associated data", ErrMalformedFrame)
	}
	f.AssociatedData = append([]byte(nil), b[off:off+adLen]...)
	off += adLen

	ctLen := int(binary.BigEndian.Uint32(b[off:]))
	off += 4
	if len(b) != off+ctLen+TagSize {
		return fmt.Errorf("%w: length mismatch", ErrMalformedFrame)
	}
	f.Ciphertext = append([]byte(nil), b[off:off+ctLen]...)
	off += ctLen
	copy(f.Tag[:], b[off:])
	return nil
}
