package envelope

import (
	"crypto/rand"
	"fmt"

	"e2e_vault/internal/codec"
	"e2e_vault/internal/cryptographic/dh"
	"e2e_vault/internal/cryptographic/encryption"
	"e2e_vault/internal/cryptographic/kdf"
	verrors "e2e_vault/internal/errors"
	"e2e_vault/internal/model"
)

const (
	KeySize  = encryption.KeySize
	wrapInfo = "e2e_vault/wrap"
)

// Gate decides whether a key may be wrapped for a recipient's public key.
type Gate interface {
	Check(email string, publicKey []byte) error
}

type Wrapper struct {
	gate Gate
}

func NewWrapper(gate Gate) *Wrapper {
	return &Wrapper{gate: gate}
}

// GenerateKey returns a fresh random symmetric key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %v", verrors.ErrEncryptionFailed, err)
	}
	return key, nil
}

// sealString encrypts plaintext under key and returns base64(nonce || ciphertext).
func sealString(key, plaintext []byte) (string, error) {
	ct, err := encryption.AEADEncrypt(key, plaintext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", verrors.ErrEncryptionFailed, err)
	}
	return codec.Base64Encode(ct), nil
}

func openString(key []byte, s string) ([]byte, error) {
	raw, err := codec.Base64Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", verrors.ErrDecryptionFailed, err)
	}
	plain, err := encryption.AEADDecrypt(key, raw, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", verrors.ErrDecryptionFailed, err)
	}
	return plain, nil
}

// wrappingKey derives the AEAD key from ECDH(pair, counterparty). A nil counterparty selects the self-secret.
func wrappingKey(pair *dh.KeyPair, counterparty []byte) ([]byte, error) {
	var (
		secret []byte
		err    error
	)
	if counterparty == nil {
		secret, err = pair.SelfSecret()
	} else {
		secret, err = pair.ComputeSecret(counterparty)
	}
	if err != nil {
		return nil, err
	}
	defer codec.Wipe(secret)
	return kdf.Expand(secret, wrapInfo)
}

func wrap(key []byte, sender *dh.KeyPair, recipient []byte) (string, error) {
	wk, err := wrappingKey(sender, recipient)
	if err != nil {
		return "", fmt.Errorf("%w: %v", verrors.ErrEncryptionFailed, err)
	}
	defer codec.Wipe(wk)
	return sealString(wk, key)
}

// WrapKeyForSelf encrypts key under the owner's self-secret.
func WrapKeyForSelf(key []byte, self *dh.KeyPair) (string, error) {
	return wrap(key, self, nil)
}

// UnwrapKey reverses a wrap. counterparty is the other party's public key, or nil for a self wrap.
func UnwrapKey(wrapped string, pair *dh.KeyPair, counterparty []byte) ([]byte, error) {
	if counterparty != nil && pair.IsOwn(counterparty) {
		counterparty = nil
	}
	wk, err := wrappingKey(pair, counterparty)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", verrors.ErrDecryptionFailed, err)
	}
	defer codec.Wipe(wk)

	key, err := openString(wk, wrapped)
	if err != nil {
		return nil, err
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: unwrapped key has %d bytes", verrors.ErrDecryptionFailed, len(key))
	}
	return key, nil
}

// WrapKeyForRecipient wraps key for a recipient after the trust gate accepts their public key.
// ErrUntrustedKey and ErrKeyMismatch are returned unchanged and nothing is produced.
func (w *Wrapper) WrapKeyForRecipient(key []byte, sender *dh.KeyPair, recipient model.Participant) (*model.WrappedKey, error) {
	if w.gate == nil {
		return nil, verrors.ErrUntrustedKey
	}
	if err := w.gate.Check(recipient.Email, recipient.PublicKey); err != nil {
		return nil, err
	}

	wrapped, err := wrap(key, sender, recipient.PublicKey)
	if err != nil {
		return nil, err
	}
	return &model.WrappedKey{
		Email:           recipient.Email,
		SenderPublicKey: sender.PublicKey(),
		Key:             wrapped,
	}, nil
}

// WrapKeyForOwner wraps key under the owner's self-secret and labels it with their email.
func (w *Wrapper) WrapKeyForOwner(key []byte, owner *dh.KeyPair, email string) (*model.WrappedKey, error) {
	wrapped, err := WrapKeyForSelf(key, owner)
	if err != nil {
		return nil, err
	}
	return &model.WrappedKey{
		Email:           email,
		SenderPublicKey: owner.PublicKey(),
		Key:             wrapped,
	}, nil
}

// UnwrapWrappedKey recovers the key from a labelled wrap.
func UnwrapWrappedKey(wk *model.WrappedKey, pair *dh.KeyPair) ([]byte, error) {
	return UnwrapKey(wk.Key, pair, wk.SenderPublicKey)
}
