package generator

import (
	"strings"
	"testing"

	verrors "e2e_vault/internal/errors"
	"e2e_vault/internal/strength"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateUsesActiveCharsets(t *testing.T) {
	g := New()
	assert.False(t, g.Toggle(Symbols))
	assert.False(t, g.Toggle(Uppercase))
	assert.Equal(t, []Charset{Lowercase, Digits}, g.Active())

	allowed := Lowercase.Chars() + Digits.Chars()
	for _, length := range []int{1, 8, 12, 20, 40} {
		res, err := g.Generate(length)
		require.NoError(t, err)
		assert.Len(t, res.Value, length)
		for _, r := range res.Value {
			assert.True(t, strings.ContainsRune(allowed, r), "unexpected %q", r)
		}
		assert.Equal(t, strength.Estimate(res.Value), res.Score)
	}
}

func TestToggleKeepsOneCharset(t *testing.T) {
	g := New()
	g.Toggle(Lowercase)
	g.Toggle(Uppercase)
	g.Toggle(Symbols)
	assert.Equal(t, []Charset{Digits}, g.Active())

	assert.True(t, g.Toggle(Digits))
	assert.Equal(t, []Charset{Digits}, g.Active())

	assert.True(t, g.Toggle(Symbols))
	assert.Equal(t, Digits.Chars()+Symbols.Chars(), g.Alphabet())
}

func TestToggleIgnoresUndefinedCharset(t *testing.T) {
	g := New()
	for _, c := range []Charset{Charset(-1), Charset(4), Charset(7)} {
		assert.NotPanics(t, func() { assert.False(t, g.Toggle(c)) })
		assert.False(t, c.Valid())
		assert.Empty(t, c.Chars())
	}
	assert.Equal(t, []Charset{Lowercase, Uppercase, Digits, Symbols}, g.Active())
}

func TestCandidates(t *testing.T) {
	tests := []struct {
		length, want int
	}{
		{1, 32}, {8, 32}, {9, 16}, {12, 16}, {16, 8}, {24, 4}, {32, 2}, {33, 1}, {128, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Candidates(tt.length), "length %d", tt.length)
	}
}

func TestGeneratedBeatsSequences(t *testing.T) {
	g := New()
	res, err := g.Generate(16)
	require.NoError(t, err)
	assert.Greater(t, res.Score.Strength, strength.Estimate("abcdefghijklmnop").Strength)
}

func TestGenerateRejectsBadLength(t *testing.T) {
	_, err := New().Generate(0)
	assert.ErrorIs(t, err, verrors.ErrInvalidInput)
}
