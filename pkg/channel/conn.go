package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-signer/pkg/reason"
)

// ErrUnexpectedMessage is returned when the peer sends a message type that is
// not valid at this point of the exchange.
var ErrUnexpectedMessage = errors.New("unexpected message type")

// Conn carries sealed frames for one Session over a stream. Sends and
// receives are serialized; a Conn never has two application messages in
// flight.
type Conn struct {
	nc   net.Conn
	sess *Session

	mu     sync.Mutex
	closed bool
}

// NewConn binds an established session to its underlying connection.
func NewConn(nc net.Conn, sess *Session) *Conn {
	return &Conn{nc: nc, sess: sess}
}

// Session returns the bound session.
func (c *Conn) Session() *Session { return c.sess }

// Send seals payload as message type t and writes it.
func (c *Conn) Send(ctx context.Context, t MessageType, payload []byte) error {
	f, err := c.sess.Seal(t, payload)
	if err != nil {
		return err
	}
	b, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	if err := c.applyDeadline(ctx, c.nc.SetWriteDeadline); err != nil {
		return err
	}
	return WriteRecord(c.nc, b)
}

// Receive reads and opens the next frame.
func (c *Conn) Receive(ctx context.Context) (MessageType, []byte, error) {
	if err := c.applyDeadline(ctx, c.nc.SetReadDeadline); err != nil {
		return 0, nil, err
	}
	raw, err := ReadRecord(c.nc)
	if err != nil {
		return 0, nil, err
	}
	var f Frame
	if err := f.UnmarshalBinary(raw); err != nil {
		return 0, nil, reason.Wrap(reason.DenyAEADIntegrity, err)
	}
	return c.sess.Open(&f)
}

// RoundTrip sends one request and waits for its response, rekeying first if
// the session epoch is spent. Used by callers.
func (c *Conn) RoundTrip(ctx context.Context, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess.Expired() {
		if err := c.rekeyLocked(ctx); err != nil {
			return nil, fmt.Errorf("rekey: %w", err)
		}
	}
	if err := c.Send(ctx, MsgRequest, payload); err != nil {
		return nil, err
	}
	t, resp, err := c.Receive(ctx)
	if err != nil {
		return nil, err
	}
	if t != MsgResponse {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedMessage, t)
	}
	return resp, nil
}

// Rekey runs the Rekey/RekeyAck exchange and ratchets the session.
func (c *Conn) Rekey(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rekeyLocked(ctx)
}

func (c *Conn) rekeyLocked(ctx context.Context) error {
	if err := c.Send(ctx, MsgRekey, nil); err != nil {
		return err
	}
	t, _, err := c.Receive(ctx)
	if err != nil {
		return err
	}
	if t != MsgRekeyAck {
		return fmt.Errorf("%w: %d during rekey", ErrUnexpectedMessage, t)
	}
	return c.sess.Rekey()
}

// NextRequest is the signer side of the loop: it answers control messages
// and returns the next application request. io.EOF means the caller closed
// the session.
func (c *Conn) NextRequest(ctx context.Context) ([]byte, error) {
	for {
		t, payload, err := c.Receive(ctx)
		if err != nil {
			return nil, err
		}
		switch t {
		case MsgRequest:
			return payload, nil
		case MsgRekey:
			if err := c.Send(ctx, MsgRekeyAck, nil); err != nil {
				return nil, err
			}
			if err := c.sess.Rekey(); err != nil {
				return nil, err
			}
		case MsgClose:
			return nil, io.EOF
		default:
			return nil, fmt.Errorf("%w: %d", ErrUnexpectedMessage, t)
		}
	}
}

// Respond sends a response to the request returned by NextRequest.
func (c *Conn) Respond(ctx context.Context, payload []byte) error {
	return c.Send(ctx, MsgResponse, payload)
}

// Close tells the peer the session is over (best effort), zeroizes the
// session keys and closes the stream. Safe to defer on every path.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if !c.sess.Closed() {
		if f, err := c.sess.Seal(MsgClose, nil); err == nil {
			if b, err := f.MarshalBinary(); err == nil {
				_ = c.nc.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
				_ = WriteRecord(c.nc, b)
			}
		}
	}
	c.sess.Close()
	return c.nc.Close()
}

func (c *Conn) applyDeadline(ctx context.Context, set func(time.Time) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dl, ok := ctx.Deadline()
	if !ok {
		dl = time.Time{}
	}
	return set(dl)
}
