// Package errors holds the error taxonomy shared by the cryptographic core and its collaborators.
package errors

import (
	"errors"
	"fmt"
)

// Cryptographic errors.
var (
	// ErrKeyDerivationFailed is returned for any failure while stretching a password. It never says which step failed.
	ErrKeyDerivationFailed = errors.New("cryptographic operation failed")

	// ErrDecryptionFailed indicates an authentication tag mismatch or malformed ciphertext.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrEncryptionFailed indicates a symmetric or key-wrapping encryption could not be produced.
	ErrEncryptionFailed = errors.New("encryption failed")
)

// Trust errors. Both block a key wrap.
var (
	// ErrUntrustedKey indicates no pinned record exists for the recipient.
	ErrUntrustedKey = errors.New("recipient key is not trusted")

	// ErrKeyMismatch indicates the pinned record disagrees with the offered key.
	ErrKeyMismatch = errors.New("recipient key does not match pinned key")
)

// Session errors.
var (
	// ErrAuthenticationFailed indicates the server rejected a signature or one-time code.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrNoSession indicates no session keys are in memory.
	ErrNoSession = errors.New("session keys are not generated")
)

// Group errors.
var (
	// ErrGroupRotationAborted indicates rotation stopped before the atomic replacement. Server state is unchanged.
	ErrGroupRotationAborted = errors.New("group key rotation aborted")

	// ErrNotParticipant indicates the caller holds no wrapped key for the group.
	ErrNotParticipant = errors.New("caller is not a group participant")
)

// Collaborator errors.
var (
	// ErrNotFound indicates the requested account, secret or group does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates a malformed request.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict indicates the resource already exists.
	ErrConflict = errors.New("already exists")
)

// FieldError reports a payload field that could not be decrypted. Path is the dotted location of the leaf.
type FieldError struct {
	Path string
	Err  error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q: %v", e.Path, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}
