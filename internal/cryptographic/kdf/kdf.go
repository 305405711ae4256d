package kdf

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF fills buffer with HKDF-SHA256 output for the given input key material, salt and info.
func HKDF(secret, salt, info, buffer []byte) (int, error) {
	h := hkdf.New(sha256.New, secret, salt, info)
	return io.ReadFull(h, buffer)
}

// Expand derives a 32 byte key from secret with domain separation by info.
func Expand(secret []byte, info string) ([]byte, error) {
	out := make([]byte, 32)
	if _, err := HKDF(secret, nil, []byte(info), out); err != nil {
		return nil, err
	}
	return out, nil
}
