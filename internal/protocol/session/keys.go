package session

import (
	"fmt"
	"sync"

	"e2e_vault/internal/codec"
	"e2e_vault/internal/cryptographic/dh"
	"e2e_vault/internal/cryptographic/kdf"
	"e2e_vault/internal/cryptographic/signature"
	verrors "e2e_vault/internal/errors"
	"e2e_vault/internal/model"

	"go.uber.org/atomic"
)

type (
	// Keys is the key material of one authenticated session.
	Keys struct {
		Encryption *dh.KeyPair
		Signing    *signature.KeyPair
		selfSecret []byte
	}

	// KeyState holds at most one session's Keys. Generate and Delete replace the whole value, so a reader
	// inside Use always sees a complete key set.
	KeyState struct {
		keys atomic.Pointer[Keys]
		// readers hold the read lock while using a snapshot; Delete takes the write lock before wiping it
		inUse sync.RWMutex
	}
)

// SelfSecret returns a copy of the cached ECDH self-secret.
func (k *Keys) SelfSecret() []byte {
	out := make([]byte, len(k.selfSecret))
	copy(out, k.selfSecret)
	return out
}

func (k *Keys) Wipe() {
	if k.Encryption != nil {
		k.Encryption.Wipe()
	}
	if k.Signing != nil {
		k.Signing.Wipe()
	}
	codec.Wipe(k.selfSecret)
}

// DeriveKeys derives the session encryption and signing key pairs from password and the account salts.
func DeriveKeys(d *kdf.Deriver, password string, salts model.Salts) (*Keys, error) {
	enc, err := EncryptionKeyPair(d, password, salts.Encryption)
	if err != nil {
		return nil, err
	}
	sig, err := SigningKeyPair(d, password, salts.Signing)
	if err != nil {
		enc.Wipe()
		return nil, err
	}
	self, err := enc.SelfSecret()
	if err != nil {
		enc.Wipe()
		sig.Wipe()
		return nil, verrors.ErrKeyDerivationFailed
	}
	return &Keys{Encryption: enc, Signing: sig, selfSecret: self}, nil
}

func NewKeyState() *KeyState {
	return &KeyState{}
}

// Generate derives and installs new session keys, discarding any previous ones.
func (s *KeyState) Generate(d *kdf.Deriver, password string, salts model.Salts) error {
	keys, err := DeriveKeys(d, password, salts)
	if err != nil {
		return err
	}
	s.Install(keys)
	return nil
}

// Install replaces the session keys with keys. The state owns keys afterwards.
func (s *KeyState) Install(keys *Keys) {
	s.release(s.keys.Swap(keys))
}

// Delete clears the session keys and wipes them once no reader is using them.
func (s *KeyState) Delete() {
	s.release(s.keys.Swap(nil))
}

func (s *KeyState) Generated() bool {
	return s.keys.Load() != nil
}

// Use runs fn with the current keys. fn must not retain keys after returning.
func (s *KeyState) Use(fn func(*Keys) error) error {
	s.inUse.RLock()
	defer s.inUse.RUnlock()

	keys := s.keys.Load()
	if keys == nil {
		return verrors.ErrNoSession
	}
	return fn(keys)
}

// WithSession installs keys for the duration of fn and deletes them on every exit path.
func (s *KeyState) WithSession(keys *Keys, fn func() error) (err error) {
	s.Install(keys)
	defer func() {
		if r := recover(); r != nil {
			s.Delete()
			panic(r)
		}
		s.Delete()
	}()
	return fn()
}

func (s *KeyState) release(old *Keys) {
	if old == nil {
		return
	}
	s.inUse.Lock()
	defer s.inUse.Unlock()
	old.Wipe()
}

// EncryptionKeyPair derives the X25519 key pair for salt. The seed is wiped before returning.
func EncryptionKeyPair(d *kdf.Deriver, password, salt string) (*dh.KeyPair, error) {
	seed, err := d.DeriveSeed(password, salt)
	if err != nil {
		return nil, err
	}
	defer codec.Wipe(seed)

	pair, err := dh.NewKeyPair(seed)
	if err != nil {
		return nil, verrors.ErrKeyDerivationFailed
	}
	return pair, nil
}

// SigningKeyPair derives an Ed25519 key pair for salt. Login and signing keys both use it with different salts.
func SigningKeyPair(d *kdf.Deriver, password, salt string) (*signature.KeyPair, error) {
	seed, err := d.DeriveSeed(password, salt)
	if err != nil {
		return nil, err
	}
	defer codec.Wipe(seed)

	pair, err := signature.NewKeyPair(seed)
	if err != nil {
		return nil, verrors.ErrKeyDerivationFailed
	}
	return pair, nil
}

// LoginKeyPair derives the key pair that answers login challenges.
func LoginKeyPair(d *kdf.Deriver, password string, salts model.Salts) (*signature.KeyPair, error) {
	return SigningKeyPair(d, password, salts.Login)
}

// NewSalts returns three independent random salts.
func NewSalts() (model.Salts, error) {
	var out [3]string
	for i := range out {
		b, err := randomBytes(kdf.MinSaltLength)
		if err != nil {
			return model.Salts{}, fmt.Errorf("generate salt: %w", err)
		}
		out[i] = codec.HexEncode(b)
	}
	return model.Salts{Login: out[0], Encryption: out[1], Signing: out[2]}, nil
}
