package hardening

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromBytesWipesSource(t *testing.T) {
	src := []byte{1, 2, 3, 4}
	buf := FromBytes(src)
	defer buf.Destroy()

	assert.Equal(t, []byte{0, 0, 0, 0}, src)
	assert.Equal(t, []byte{1, 2, 3, 4}, buf.Bytes())
	assert.Equal(t, 4, buf.Len())
}

func TestDestroyZeroizes(t *testing.T) {
	buf := FromBytes([]byte("session-key-material-0123456789!"))
	alias := buf.Bytes()
	require.Len(t, alias, 32)

	buf.Destroy()

	assert.True(t, buf.Destroyed())
	assert.Nil(t, buf.Bytes())
	assert.Equal(t, 0, buf.Len())
	for i, b := range alias {
		assert.Zerof(t, b, "byte %d not wiped", i)
	}

	// Idempotent and nil-safe.
	buf.Destroy()
	var nilBuf *SensitiveBuffer
	nilBuf.Destroy()
	assert.Nil(t, nilBuf.Bytes())
}

func TestDestroyOnPanicPath(t *testing.T) {
	buf := NewSensitiveBuffer(16)
	copy(buf.Bytes(), "0123456789abcdef")
	alias := buf.Bytes()

	func() {
		defer func() { _ = recover() }()
		defer buf.Destroy()
		panic("boom")
	}()

	assert.True(t, buf.Destroyed())
	assert.Equal(t, make([]byte, 16), alias)
}

func TestSelfCheckNonStrict(t *testing.T) {
	report, err := SelfCheck(false)
	require.NoError(t, err)
	if runtime.GOOS == "linux" {
		assert.True(t, report.CoreDumpsDisabled)
	} else {
		assert.False(t, report.OK())
	}
}
