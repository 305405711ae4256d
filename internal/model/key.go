package model

import "time"

type (
	// AccountKeys are the public halves of an account's password-derived key pairs.
	AccountKeys struct {
		LoginPublicKey      []byte `json:"login_pub" bson:"login_pub"`
		EncryptionPublicKey []byte `json:"encryption_pub" bson:"encryption_pub"`
		SigningPublicKey    []byte `json:"signing_pub" bson:"signing_pub"`
	}

	// WrappedKey is a symmetric key encrypted for one party. SenderPublicKey is the ECDH public key
	// of whoever wrapped it; the holder needs it to recompute the wrapping secret.
	WrappedKey struct {
		Email           string `json:"email" bson:"email"`
		SenderPublicKey []byte `json:"sender_pub" bson:"sender_pub"`
		Key             string `json:"key" bson:"key"`
	}

	// TrustedKeyRecord pins an account's encryption public key on this device.
	TrustedKeyRecord struct {
		Email     string    `json:"email"`
		PublicKey []byte    `json:"public_key"`
		PinnedAt  time.Time `json:"pinned_at"`
	}

	// Participant is a party a key may be wrapped for.
	Participant struct {
		Email     string `json:"email"`
		PublicKey []byte `json:"public_key"`
	}
)
