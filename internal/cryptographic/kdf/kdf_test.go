package kdf

import (
	"testing"

	"e2e_vault/internal/codec"
	verrors "e2e_vault/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var salt = codec.HexEncode([]byte("0123456789abcdef0123456789abcdef"))

func TestDeriveSeedDeterministic(t *testing.T) {
	d, err := NewDeriver(WithIterations(1000))
	require.NoError(t, err)
	assert.Equal(t, 1000, d.Iterations())

	a, err := d.DeriveSeed("correct horse", salt)
	require.NoError(t, err)
	b, err := d.DeriveSeed("correct horse", salt)
	require.NoError(t, err)
	assert.Len(t, a, SeedLength)
	assert.Equal(t, a, b)

	c, err := d.DeriveSeed("wrong horse", salt)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	other := codec.HexEncode([]byte("fedcba9876543210fedcba9876543210"))
	e, err := d.DeriveSeed("correct horse", other)
	require.NoError(t, err)
	assert.NotEqual(t, a, e)
}

func TestDeriveSeedFailuresAreOpaque(t *testing.T) {
	d, err := NewDeriver(WithIterations(10))
	require.NoError(t, err)

	_, err = d.DeriveSeed("pw", "not-hex")
	assert.Equal(t, verrors.ErrKeyDerivationFailed, err)

	_, err = d.DeriveSeed("pw", "00ff")
	assert.Equal(t, verrors.ErrKeyDerivationFailed, err)

	_, err = DeriveSeed([]byte("pw"), []byte("0123456789abcdef"), 10, HashAlgorithm("md5"), SeedLength)
	assert.Equal(t, verrors.ErrKeyDerivationFailed, err)
}

func TestDeriverOptions(t *testing.T) {
	_, err := NewDeriver(WithIterations(0))
	assert.Error(t, err)
	_, err = NewDeriver(WithHash("sha1"))
	assert.Error(t, err)

	d, err := NewDeriver(WithIterations(10), WithHash(SHA512))
	require.NoError(t, err)
	seed, err := d.DeriveSeed("pw", salt)
	require.NoError(t, err)
	assert.Len(t, seed, SeedLength)
}

func TestExpand(t *testing.T) {
	a, err := Expand([]byte("secret"), "one")
	require.NoError(t, err)
	b, err := Expand([]byte("secret"), "two")
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}
