// Package generator draws random secrets from toggleable character sets and keeps the strongest candidate.
package generator

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"sync"

	verrors "e2e_vault/internal/errors"
	"e2e_vault/internal/strength"
)

type Charset int

const (
	Lowercase Charset = iota
	Uppercase
	Digits
	Symbols
)

var charsets = [...]string{
	Lowercase: "abcdefghijklmnopqrstuvwxyz",
	Uppercase: "ABCDEFGHIJKLMNOPQRSTUVWXYZ",
	Digits:    "0123456789",
	Symbols:   "!@#$%^&*()-_=+[]{};:,.<>/?~",
}

var charsetNames = [...]string{"lowercase", "uppercase", "digits", "symbols"}

// Valid reports whether c is one of the defined charsets.
func (c Charset) Valid() bool {
	return c >= 0 && int(c) < len(charsets)
}

func (c Charset) String() string {
	if !c.Valid() {
		return fmt.Sprintf("charset(%d)", int(c))
	}
	return charsetNames[c]
}

// Chars returns the characters of c, or "" for an undefined charset.
func (c Charset) Chars() string {
	if !c.Valid() {
		return ""
	}
	return charsets[c]
}

// candidateSteps maps an upper length bound to the number of candidates drawn.
var candidateSteps = []struct {
	maxLength, candidates int
}{
	{8, 32},
	{12, 16},
	{16, 8},
	{24, 4},
	{32, 2},
}

// Candidates returns how many strings are drawn for length.
func Candidates(length int) int {
	for _, s := range candidateSteps {
		if length <= s.maxLength {
			return s.candidates
		}
	}
	return 1
}

type Result struct {
	Value string
	Score strength.Score
}

// Generator is safe for concurrent use. The zero value is not usable; call New.
type Generator struct {
	mu     sync.Mutex
	active [len(charsets)]bool
}

// New returns a generator with all charsets active.
func New() *Generator {
	g := &Generator{}
	for i := range g.active {
		g.active[i] = true
	}
	return g
}

// Toggle flips c. Turning off the last active charset, or toggling an undefined one, is a no-op.
// It returns whether c is active afterwards.
func (g *Generator) Toggle(c Charset) bool {
	if !c.Valid() {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active[c] && g.activeCountLocked() == 1 {
		return true
	}
	g.active[c] = !g.active[c]
	return g.active[c]
}

func (g *Generator) Active() []Charset {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []Charset
	for i, on := range g.active {
		if on {
			out = append(out, Charset(i))
		}
	}
	return out
}

// Alphabet is the union of the active charsets.
func (g *Generator) Alphabet() string {
	var b strings.Builder
	for _, c := range g.Active() {
		b.WriteString(c.Chars())
	}
	return b.String()
}

// Generate draws Candidates(length) random strings and returns the highest scoring one. Ties keep the first drawn.
func (g *Generator) Generate(length int) (*Result, error) {
	if length < 1 {
		return nil, fmt.Errorf("%w: length must be positive", verrors.ErrInvalidInput)
	}
	alphabet := []rune(g.Alphabet())

	var best *Result
	for i := 0; i < Candidates(length); i++ {
		value, err := draw(alphabet, length)
		if err != nil {
			return nil, err
		}
		score := strength.Estimate(value)
		if best == nil || score.Strength > best.Score.Strength {
			best = &Result{Value: value, Score: score}
		}
	}
	return best, nil
}

func (g *Generator) activeCountLocked() int {
	n := 0
	for _, on := range g.active {
		if on {
			n++
		}
	}
	return n
}

func draw(alphabet []rune, length int) (string, error) {
	size := big.NewInt(int64(len(alphabet)))
	out := make([]rune, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", fmt.Errorf("draw random character: %w", err)
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}
