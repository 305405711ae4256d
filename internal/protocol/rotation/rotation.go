// Package rotation re-keys a group. Every ciphertext is re-encrypted under a fresh key and the key is
// wrapped for the remaining participants only.
package rotation

import (
	"context"
	"fmt"

	"e2e_vault/internal/codec"
	"e2e_vault/internal/cryptographic/dh"
	verrors "e2e_vault/internal/errors"
	"e2e_vault/internal/model"
	"e2e_vault/internal/protocol/envelope"
	"e2e_vault/internal/protocol/trust"
	"e2e_vault/internal/utils/log"

	"go.uber.org/zap"
)

type (
	// Replacer swaps a group's ciphertexts and wrapped keys in one step. It must reject the rotation when the
	// stored version no longer equals rot.PreviousVersion.
	Replacer interface {
		ReplaceGroup(ctx context.Context, groupID string, rot *model.GroupRotation) (*model.Group, error)
	}

	// Caller is the participant performing the rotation.
	Caller struct {
		Email string
		Pair  *dh.KeyPair
	}

	Rotator struct {
		wrapper  *envelope.Wrapper
		fetcher  trust.KeyFetcher
		replacer Replacer
	}
)

func NewRotator(wrapper *envelope.Wrapper, fetcher trust.KeyFetcher, replacer Replacer) *Rotator {
	return &Rotator{wrapper: wrapper, fetcher: fetcher, replacer: replacer}
}

// Rotate re-keys group for caller plus participants. Participants missing from the list lose access.
// Nothing is sent to the server unless every step before the replacement succeeds.
func (r *Rotator) Rotate(ctx context.Context, group *model.Group, caller Caller, participants []string) (*model.Group, error) {
	rot, err := r.Prepare(ctx, group, caller, participants)
	if err != nil {
		return nil, err
	}

	updated, err := r.replacer.ReplaceGroup(ctx, group.ID, rot)
	if err != nil {
		return nil, fmt.Errorf("replace group %s: %w", group.ID, err)
	}

	log.Info("group key rotated",
		zap.String("group", group.ID),
		zap.Int("version", updated.Version),
		zap.Int("participants", len(rot.WrappedKeys)),
	)
	return updated, nil
}

// Prepare runs every rotation step except the server-side replacement.
func (r *Rotator) Prepare(ctx context.Context, group *model.Group, caller Caller, participants []string) (*model.GroupRotation, error) {
	rot, err := r.prepare(ctx, group, caller, participants)
	if err != nil {
		log.Warn("group key rotation aborted", zap.String("group", group.ID), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", verrors.ErrGroupRotationAborted, err)
	}
	return rot, nil
}

func (r *Rotator) prepare(ctx context.Context, group *model.Group, caller Caller, participants []string) (*model.GroupRotation, error) {
	wk, ok := group.KeyFor(caller.Email)
	if !ok {
		return nil, verrors.ErrNotParticipant
	}
	oldKey, err := envelope.UnwrapWrappedKey(wk, caller.Pair)
	if err != nil {
		return nil, fmt.Errorf("unwrap current key: %w", err)
	}
	defer codec.Wipe(oldKey)

	name, err := envelope.DecryptPayload(group.Name, oldKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt group name: %w", err)
	}
	plain := make([]model.Value, len(group.Secrets))
	for i, s := range group.Secrets {
		if plain[i], err = envelope.DecryptPayload(s.Payload, oldKey); err != nil {
			return nil, fmt.Errorf("decrypt secret %s: %w", s.ID, err)
		}
	}

	newKey, err := envelope.GenerateKey()
	if err != nil {
		return nil, err
	}
	defer codec.Wipe(newKey)

	rot := &model.GroupRotation{
		PreviousVersion: group.Version,
		Secrets:         make([]model.GroupSecret, len(group.Secrets)),
	}
	if rot.Name, err = envelope.EncryptPayload(name, newKey); err != nil {
		return nil, fmt.Errorf("encrypt group name: %w", err)
	}
	for i, s := range group.Secrets {
		ct, err := envelope.EncryptPayload(plain[i], newKey)
		if err != nil {
			return nil, fmt.Errorf("encrypt secret %s: %w", s.ID, err)
		}
		rot.Secrets[i] = model.GroupSecret{ID: s.ID, Payload: ct}
	}

	self, err := r.wrapper.WrapKeyForOwner(newKey, caller.Pair, caller.Email)
	if err != nil {
		return nil, err
	}
	rot.WrappedKeys = append(rot.WrappedKeys, *self)

	seen := map[string]struct{}{trust.Normalize(caller.Email): {}}
	for _, email := range participants {
		norm := trust.Normalize(email)
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}

		pub, err := r.fetcher.GetPublicKey(ctx, norm)
		if err != nil {
			return nil, fmt.Errorf("fetch public key for %s: %w", norm, err)
		}
		wrapped, err := r.wrapper.WrapKeyForRecipient(newKey, caller.Pair, model.Participant{Email: norm, PublicKey: pub})
		if err != nil {
			return nil, fmt.Errorf("wrap for %s: %w", norm, err)
		}
		rot.WrappedKeys = append(rot.WrappedKeys, *wrapped)
	}
	return rot, nil
}

// Remaining returns the group's participants minus caller and removed.
func Remaining(group *model.Group, caller string, removed ...string) []string {
	drop := map[string]struct{}{trust.Normalize(caller): {}}
	for _, e := range removed {
		drop[trust.Normalize(e)] = struct{}{}
	}
	var out []string
	for _, e := range group.Participants() {
		if _, ok := drop[trust.Normalize(e)]; !ok {
			out = append(out, e)
		}
	}
	return out
}
