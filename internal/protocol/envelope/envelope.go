package envelope

import (
	"fmt"

	"e2e_vault/internal/cryptographic/dh"
	verrors "e2e_vault/internal/errors"
	"e2e_vault/internal/model"
)

// Seal encrypts payload under key and wraps key for the owner and every recipient.
// Any recipient rejected by the trust gate fails the whole seal.
func (w *Wrapper) Seal(payload model.Value, key []byte, owner *dh.KeyPair, recipients []model.Participant) (*model.Envelope, error) {
	ct, err := EncryptPayload(payload, key)
	if err != nil {
		return nil, err
	}
	ownerKey, err := WrapKeyForSelf(key, owner)
	if err != nil {
		return nil, err
	}

	env := &model.Envelope{
		Payload:        ct,
		OwnerKey:       ownerKey,
		OwnerPublicKey: owner.PublicKey(),
		RecipientKeys:  make([]model.WrappedKey, 0, len(recipients)),
	}
	for _, r := range recipients {
		wk, err := w.WrapKeyForRecipient(key, owner, r)
		if err != nil {
			return nil, fmt.Errorf("wrap for %s: %w", r.Email, err)
		}
		env.RecipientKeys = append(env.RecipientKeys, *wk)
	}
	return env, nil
}

// OpenKey recovers an envelope's key for the owner, or for the recipient identified by email.
func OpenKey(env *model.Envelope, pair *dh.KeyPair, email string) ([]byte, error) {
	if pair.IsOwn(env.OwnerPublicKey) {
		return UnwrapKey(env.OwnerKey, pair, nil)
	}
	wk, ok := env.KeyFor(email)
	if !ok {
		return nil, fmt.Errorf("%w: no wrapped key for %s", verrors.ErrDecryptionFailed, email)
	}
	return UnwrapWrappedKey(wk, pair)
}
