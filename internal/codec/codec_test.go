package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodings(t *testing.T) {
	data := []byte{0x00, 0x01, 0xfe, 0xff}

	h := HexEncode(data)
	assert.Equal(t, "0001feff", h)
	got, err := HexDecode(h)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	b := Base64Encode(data)
	got, err = Base64Decode(b)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = HexDecode("zz")
	assert.ErrorIs(t, err, ErrInvalidEncoding)
	_, err = Base64Decode("%%%")
	assert.ErrorIs(t, err, ErrInvalidEncoding)
}

func TestUTF8(t *testing.T) {
	s, err := BytesToUTF8(UTF8ToBytes("héllo"))
	require.NoError(t, err)
	assert.Equal(t, "héllo", s)

	_, err = BytesToUTF8([]byte{0xff, 0xfe})
	assert.ErrorIs(t, err, ErrInvalidEncoding)
}

func TestConcat(t *testing.T) {
	joined := Concat([]byte("abc"), nil, []byte("de"))
	assert.Equal(t, []byte("abcde"), joined)
	assert.Empty(t, Concat())
}

func TestWipe(t *testing.T) {
	b := []byte{1, 2, 3}
	Wipe(b)
	assert.Equal(t, []byte{0, 0, 0}, b)
}
