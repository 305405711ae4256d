// Package strength scores passwords and secret values. Alphabetic, numeric and keyboard runs are collapsed
// before entropy is measured, so walks like "qwerty" or "12345" add nothing.
package strength

import (
	_ "embed"
	"math"
	"strings"
	"sync"
	"unicode/utf8"
)

const (
	MaxEntropy = 72
	MaxUnique  = 13

	minRun = 3
	maxGap = 2
)

//go:embed common.txt
var commonList string

var (
	commonOnce sync.Once
	common     map[string]struct{}
)

// sequences are the adjacency maps. Two characters are adjacent when they sit in the same sequence at most
// maxGap positions apart, in either direction.
var sequences = []string{
	"abcdefghijklmnopqrstuvwxyz",
	"0123456789",
	"`1234567890-=",
	"qwertyuiop[]\\",
	"asdfghjkl;'",
	"zxcvbnm,./",
	"1qaz", "2wsx", "3edc", "4rfv", "5tgb", "6yhn", "7ujm", "8ik,", "9ol.", "0p;/",
}

type position struct {
	seq, idx int
}

var positions = func() map[rune][]position {
	m := make(map[rune][]position)
	for s, seq := range sequences {
		for i, r := range []rune(seq) {
			m[r] = append(m[r], position{seq: s, idx: i})
		}
	}
	return m
}()

type Score struct {
	Strength         int     `json:"strength"`
	CommonPassword   bool    `json:"common_password"`
	EntropyBits      float64 `json:"entropy_bits"`
	UniqueCharacters int     `json:"unique_characters"`
}

// Estimate scores text from 0 to 100.
func Estimate(text string) Score {
	if IsCommon(text) {
		return Score{CommonPassword: true}
	}

	collapsed := Collapse(text)
	bits := EntropyBits(collapsed)
	unique := UniqueCharacters(collapsed)

	strength := math.Floor(100 * math.Min(bits, MaxEntropy) / MaxEntropy * math.Min(float64(unique), MaxUnique) / MaxUnique)
	return Score{
		Strength:         int(strength),
		EntropyBits:      bits,
		UniqueCharacters: unique,
	}
}

// IsCommon reports whether text is in the common password dictionary, ignoring case.
func IsCommon(text string) bool {
	commonOnce.Do(func() {
		common = make(map[string]struct{})
		for _, line := range strings.Split(commonList, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				common[strings.ToLower(line)] = struct{}{}
			}
		}
	})
	_, ok := common[strings.ToLower(text)]
	return ok
}

func adjacent(a, b rune) bool {
	pa, pb := positions[toLower(a)], positions[toLower(b)]
	for _, x := range pa {
		for _, y := range pb {
			if x.seq != y.seq {
				continue
			}
			if d := abs(x.idx - y.idx); d >= 1 && d <= maxGap {
				return true
			}
		}
	}
	return false
}

// Collapse replaces every run of at least three adjacent characters with repeats of the run's first character.
func Collapse(text string) string {
	runes := []rune(text)
	out := make([]rune, 0, len(runes))

	for start := 0; start < len(runes); {
		end := start + 1
		for end < len(runes) && adjacent(runes[end-1], runes[end]) {
			end++
		}
		if end-start >= minRun {
			for i := start; i < end; i++ {
				out = append(out, runes[start])
			}
		} else {
			out = append(out, runes[start:end]...)
		}
		start = end
	}
	return string(out)
}

// EntropyBits is the Shannon entropy of text's character distribution times its length.
func EntropyBits(text string) float64 {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	counts := make(map[rune]int)
	for _, r := range text {
		counts[r]++
	}
	var h float64
	for _, c := range counts {
		p := float64(c) / float64(n)
		h -= p * math.Log2(p)
	}
	return h * float64(n)
}

func UniqueCharacters(text string) int {
	seen := make(map[rune]struct{})
	for _, r := range text {
		seen[r] = struct{}{}
	}
	return len(seen)
}

func toLower(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
