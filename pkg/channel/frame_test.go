package channel

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameLayout(t *testing.T) {
	f := &Frame{
		Version:        WireVersion,
		Counter:        0x0102030405060708,
		Direction:      ServerToClient,
		AssociatedData: associatedData(RoleSigner, MsgResponse),
		Ciphertext:     []byte("cipher"),
	}
	for i := range f.SessionID {
		f.SessionID[i] = byte(i)
	}
	for i := range f.Tag {
		f.Tag[i] = 0xAA
	}

	b, err := f.MarshalBinary()
	require.NoError(t, err)

	assert.Equal(t, WireVersion, b[0])
	assert.Equal(t, f.SessionID[:], b[1:17])
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, b[17:25])
	assert.Equal(t, byte(ServerToClient), b[25])
	assert.Equal(t, []byte{0, 2, byte(RoleSigner), byte(MsgResponse)}, b[26:30])
	assert.Equal(t, []byte{0, 0, 0, 6}, b[30:34])
	assert.Equal(t, []byte("cipher"), b[34:40])
	assert.Equal(t, bytes.Repeat([]byte{0xAA}, TagSize), b[40:])

	var back Frame
	require.NoError(t, back.UnmarshalBinary(b))
	assert.Equal(t, *f, back)
}

func TestFrameRejectsTruncation(t *testing.T) {
	f := &Frame{Version: WireVersion, Counter: 1, Direction: ClientToServer,
		AssociatedData: associatedData(RoleCaller, MsgRequest), Ciphertext: []byte("x")}
	b, err := f.MarshalBinary()
	require.NoError(t, err)

	for _, cut := range []int{1, 10, len(b) - 1} {
		var back Frame
		assert.ErrorIs(t, back.UnmarshalBinary(b[:cut]), ErrMalformedFrame, "cut=%d", cut)
	}
	var back Frame
	assert.ErrorIs(t, back.UnmarshalBinary(append(b, 0)), ErrMalformedFrame)
}

func TestRecordSizeLimit(t *testing.T) {
	var buf bytes.Buffer
	require.ErrorIs(t, WriteRecord(&buf, make([]byte, MaxFrameSize+1)), ErrFrameTooLarge)

	buf.Reset()
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	_, err := ReadRecord(&buf)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}
