package kdf

import (
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"

	"e2e_vault/internal/codec"
	verrors "e2e_vault/internal/errors"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SeedLength matches the scalar size of Curve25519 and Ed25519 seeds.
	SeedLength = 32

	DefaultIterations = 210_000
	MinSaltLength     = 16
)

type HashAlgorithm string

const (
	SHA256 HashAlgorithm = "sha256"
	SHA512 HashAlgorithm = "sha512"
)

func (a HashAlgorithm) hash() (func() hash.Hash, error) {
	switch a {
	case SHA256:
		return sha256.New, nil
	case SHA512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("unknown hash algorithm %q", string(a))
	}
}

// DeriveSeed stretches password with PBKDF2-HMAC. It is deterministic for fixed inputs.
// Any failure is reported as ErrKeyDerivationFailed only.
func DeriveSeed(password, salt []byte, iterations int, alg HashAlgorithm, outputLength int) ([]byte, error) {
	h, err := alg.hash()
	if err != nil || iterations < 1 || outputLength < 1 || len(salt) < MinSaltLength {
		return nil, verrors.ErrKeyDerivationFailed
	}
	return pbkdf2.Key(password, salt, iterations, outputLength, h), nil
}

// Deriver carries the deployment-wide derivation parameters.
type Deriver struct {
	iterations int
	alg        HashAlgorithm
}

type DeriverOpt = func(*Deriver) error

// WithIterations overrides DefaultIterations. Intended for deployment configuration and tests, not end users.
func WithIterations(iterations int) DeriverOpt {
	return func(d *Deriver) error {
		if iterations < 1 {
			return errors.New("iterations must be positive")
		}
		d.iterations = iterations
		return nil
	}
}

func WithHash(alg HashAlgorithm) DeriverOpt {
	return func(d *Deriver) error {
		if _, err := alg.hash(); err != nil {
			return err
		}
		d.alg = alg
		return nil
	}
}

func NewDeriver(opts ...DeriverOpt) (*Deriver, error) {
	d := &Deriver{
		iterations: DefaultIterations,
		alg:        SHA256,
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Deriver) Iterations() int {
	return d.iterations
}

// DeriveSeed derives a SeedLength seed from password and a hex encoded salt.
func (d *Deriver) DeriveSeed(password, encodedSalt string) ([]byte, error) {
	salt, err := codec.HexDecode(encodedSalt)
	if err != nil {
		return nil, verrors.ErrKeyDerivationFailed
	}
	return DeriveSeed(codec.UTF8ToBytes(password), salt, d.iterations, d.alg, SeedLength)
}
