package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

type (
	// KeyPair is an Ed25519 key pair.
	KeyPair struct {
		Private ed25519.PrivateKey
		Public  ed25519.PublicKey
	}
)

func NewEd25519Keypair() ([]byte, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// NewKeyPair returns a key pair derived from seed, or a random one when seed is nil.
func NewKeyPair(seed []byte) (*KeyPair, error) {
	if seed == nil {
		pub, priv, err := NewEd25519Keypair()
		if err != nil {
			return nil, err
		}
		return &KeyPair{Private: priv, Public: pub}, nil
	}

	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyPair{
		Private: priv,
		Public:  priv.Public().(ed25519.PublicKey),
	}, nil
}

func (k *KeyPair) Sign(message []byte) []byte {
	return ED25519Sign(k.Private, message)
}

func (k *KeyPair) PublicKey() []byte {
	pub := make([]byte, len(k.Public))
	copy(pub, k.Public)
	return pub
}

func (k *KeyPair) Wipe() {
	for i := range k.Private {
		k.Private[i] = 0
	}
}

func ED25519Sign(privKeyBytes []byte, message []byte) []byte {
	privKey := ed25519.PrivateKey(privKeyBytes)
	return ed25519.Sign(privKey, message)
}

func ED25519Verify(pubKeyBytes []byte, message []byte, signature []byte) bool {
	if len(pubKeyBytes) != ed25519.PublicKeySize {
		return false
	}
	pubKey := ed25519.PublicKey(pubKeyBytes)
	return ed25519.Verify(pubKey, message, signature)
}
