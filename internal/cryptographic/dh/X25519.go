package dh

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const KeySize = curve25519.ScalarSize

type (
	// KeyPair is an X25519 key pair.
	KeyPair struct {
		Private [KeySize]byte
		Public  [KeySize]byte
	}
)

// Generate a new X25519 key pair
func NewX25519KeyPair() (priv, pub [32]byte, err error) {
	_, err = rand.Read(priv[:])
	if err != nil {
		return priv, pub, fmt.Errorf("failed to generate private key: %w", err)
	}
	curve25519.ScalarBaseMult(&pub, &priv)
	return priv, pub, nil
}

// NewKeyPair returns a key pair derived from seed, or a random one when seed is nil.
func NewKeyPair(seed []byte) (*KeyPair, error) {
	if seed == nil {
		priv, pub, err := NewX25519KeyPair()
		if err != nil {
			return nil, err
		}
		return &KeyPair{Private: priv, Public: pub}, nil
	}

	if len(seed) != KeySize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", KeySize, len(seed))
	}
	kp := &KeyPair{}
	copy(kp.Private[:], seed)
	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)
	return kp, nil
}

// Perform X25519 scalar multiplication: priv * pub. Low-order points are rejected.
func X25519SharedSecret(priv, pub [32]byte) ([]byte, error) {
	return curve25519.X25519(priv[:], pub[:])
}

// ComputeSecret returns X25519(private, other). It is symmetric between two pairs.
func (k *KeyPair) ComputeSecret(other []byte) ([]byte, error) {
	if len(other) != KeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", KeySize, len(other))
	}
	var pub [KeySize]byte
	copy(pub[:], other)
	return X25519SharedSecret(k.Private, pub)
}

// SelfSecret combines the pair's private key with its own public key.
func (k *KeyPair) SelfSecret() ([]byte, error) {
	return k.ComputeSecret(k.Public[:])
}

func (k *KeyPair) PublicKey() []byte {
	pub := make([]byte, KeySize)
	copy(pub, k.Public[:])
	return pub
}

// IsOwn reports whether pub is this pair's public key.
func (k *KeyPair) IsOwn(pub []byte) bool {
	return subtle.ConstantTimeCompare(k.Public[:], pub) == 1
}

func (k *KeyPair) Wipe() {
	for i := range k.Private {
		k.Private[i] = 0
	}
}
