package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"e2e_vault/internal/codec"
	"e2e_vault/internal/cryptographic/dh"
	"e2e_vault/internal/cryptographic/kdf"
	verrors "e2e_vault/internal/errors"
	"e2e_vault/internal/model"
	"e2e_vault/internal/protocol/envelope"
	"e2e_vault/internal/protocol/rotation"
	"e2e_vault/internal/protocol/session"
	"e2e_vault/internal/protocol/trust"
	"e2e_vault/internal/repository/local"
	"e2e_vault/internal/utils/log"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type (
	// Vault runs every secret and group operation of one signed-in user. Payloads are encrypted and keys
	// wrapped before anything is handed to the API.
	Vault struct {
		api     *API
		session *session.Client
		trust   *trust.Store
		wrapper *envelope.Wrapper
		rotator *rotation.Rotator
		email   atomic.String
		blink   time.Duration

		mu    sync.Mutex
		views map[string]*envelope.SecretView
	}

	// SecretSummary is a list entry. Only the label fields are decrypted. Err is set when the key or a label
	// field could not be recovered; the entry is still listed.
	SecretSummary struct {
		ID         string
		Owner      string
		Label      model.Value
		Recipients []string
		Err        error
	}

	GroupSummary struct {
		ID           string
		Owner        string
		Name         model.Value
		Participants []string
		Secrets      int
		Version      int
		Err          error
	}
)

func NewVault(ctx context.Context, api *API, deriver *kdf.Deriver, kv local.Store, blink time.Duration) (*Vault, error) {
	store, err := trust.NewStore(ctx, kv, api)
	if err != nil {
		return nil, err
	}
	wrapper := envelope.NewWrapper(store)
	return &Vault{
		api:     api,
		session: session.NewClient(api, deriver, session.NewKeyState(), kv),
		trust:   store,
		wrapper: wrapper,
		rotator: rotation.NewRotator(wrapper, api, api),
		blink:   blink,
		views:   make(map[string]*envelope.SecretView),
	}, nil
}

func (v *Vault) Email() string {
	return v.email.Load()
}

func (v *Vault) Trust() *trust.Store {
	return v.trust
}

func (v *Vault) LoggedIn() bool {
	return v.session.State().Generated()
}

func (v *Vault) RequestRegistrationToken(ctx context.Context, email string) (string, error) {
	tok, err := v.api.RequestRegistrationToken(ctx, trust.Normalize(email))
	if err != nil {
		return "", err
	}
	return tok.Token, nil
}

func (v *Vault) Register(ctx context.Context, email, password, token string) error {
	return v.session.Register(ctx, email, password, token)
}

func (v *Vault) Login(ctx context.Context, email, password string) (*model.SessionInfo, error) {
	info, err := v.session.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	v.email.Store(info.Email)
	return info, nil
}

// Logout discards every cached view before the session keys go away.
func (v *Vault) Logout(ctx context.Context) error {
	v.discardAll()
	v.email.Store("")
	return v.session.Logout(ctx)
}

// Pin trusts the key the server currently reports for email on this device.
func (v *Vault) Pin(ctx context.Context, email string) (*model.TrustedKeyRecord, error) {
	return v.trust.Pin(ctx, email, nil)
}

func (v *Vault) withKeys(fn func(email string, pair *dh.KeyPair) error) error {
	return v.session.State().Use(func(k *session.Keys) error {
		return fn(v.email.Load(), k.Encryption)
	})
}

func (v *Vault) participants(ctx context.Context, emails []string) ([]model.Participant, error) {
	out := make([]model.Participant, 0, len(emails))
	for _, e := range emails {
		e = trust.Normalize(e)
		pub, err := v.api.GetPublicKey(ctx, e)
		if err != nil {
			return nil, fmt.Errorf("fetch public key for %s: %w", e, err)
		}
		out = append(out, model.Participant{Email: e, PublicKey: pub})
	}
	return out, nil
}

// CreateSecret encrypts payload under a fresh key wrapped for the caller and each recipient.
func (v *Vault) CreateSecret(ctx context.Context, payload model.Value, recipients ...string) (*model.Secret, error) {
	parts, err := v.participants(ctx, recipients)
	if err != nil {
		return nil, err
	}
	key, err := envelope.GenerateKey()
	if err != nil {
		return nil, err
	}
	defer codec.Wipe(key)

	var env *model.Envelope
	err = v.withKeys(func(_ string, pair *dh.KeyPair) (serr error) {
		env, serr = v.wrapper.Seal(payload, key, pair, parts)
		return serr
	})
	if err != nil {
		return nil, err
	}

	sec, err := v.api.CreateSecret(ctx, &model.Secret{Envelope: *env})
	if err != nil {
		return nil, err
	}
	log.Info("secret created", zap.String("secret", sec.ID), zap.Int("recipients", len(parts)))
	return sec, nil
}

func (v *Vault) ListSecrets(ctx context.Context) ([]SecretSummary, error) {
	list, err := v.api.ListSecrets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]SecretSummary, 0, len(list))
	err = v.withKeys(func(email string, pair *dh.KeyPair) error {
		for _, sec := range list {
			sum := SecretSummary{ID: sec.ID, Owner: sec.Owner}
			for _, k := range sec.Envelope.RecipientKeys {
				sum.Recipients = append(sum.Recipients, k.Email)
			}
			sum.Label, sum.Err = labelOf(&sec.Envelope, pair, email)
			out = append(out, sum)
		}
		return nil
	})
	return out, err
}

func labelOf(env *model.Envelope, pair *dh.KeyPair, email string) (model.Value, error) {
	key, err := envelope.OpenKey(env, pair, email)
	if err != nil {
		return model.Unavailable(), err
	}
	defer codec.Wipe(key)
	return envelope.DecryptPayload(env.Payload, key, envelope.OnlyFields(envelope.LabelFields...))
}

// OpenSecret returns a view with the secret key resolved. Fields stay hidden until revealed.
func (v *Vault) OpenSecret(ctx context.Context, id string) (*envelope.SecretView, error) {
	sec, err := v.api.GetSecret(ctx, id)
	if err != nil {
		return nil, err
	}
	view := envelope.NewSecretView(sec.Envelope.Payload, v.blink)
	err = view.Resolve(func() ([]byte, error) {
		var key []byte
		err := v.withKeys(func(email string, pair *dh.KeyPair) (kerr error) {
			key, kerr = envelope.OpenKey(&sec.Envelope, pair, email)
			return kerr
		})
		return key, err
	})
	if err != nil {
		return nil, err
	}
	v.cacheView(id, view)
	return view, nil
}

// UpdateSecret re-encrypts payload under the secret's existing key.
func (v *Vault) UpdateSecret(ctx context.Context, id string, payload model.Value) (*model.Secret, error) {
	sec, err := v.api.GetSecret(ctx, id)
	if err != nil {
		return nil, err
	}
	err = v.withKeys(func(email string, pair *dh.KeyPair) error {
		key, err := envelope.OpenKey(&sec.Envelope, pair, email)
		if err != nil {
			return err
		}
		defer codec.Wipe(key)
		sec.Envelope.Payload, err = envelope.EncryptPayload(payload, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	v.discard(id)
	return v.api.UpdateSecret(ctx, sec)
}

func (v *Vault) DeleteSecret(ctx context.Context, id string) error {
	v.discard(id)
	return v.api.DeleteSecret(ctx, id)
}

// Share wraps the secret key for email. The recipient must be pinned on this device.
func (v *Vault) Share(ctx context.Context, id, email string) (*model.Secret, error) {
	email = trust.Normalize(email)
	sec, err := v.api.GetSecret(ctx, id)
	if err != nil {
		return nil, err
	}
	parts, err := v.participants(ctx, []string{email})
	if err != nil {
		return nil, err
	}

	var wk *model.WrappedKey
	err = v.withKeys(func(me string, pair *dh.KeyPair) error {
		key, err := envelope.OpenKey(&sec.Envelope, pair, me)
		if err != nil {
			return err
		}
		defer codec.Wipe(key)
		wk, err = v.wrapper.WrapKeyForRecipient(key, pair, parts[0])
		return err
	})
	if err != nil {
		return nil, err
	}

	keys := withoutRecipient(sec.Envelope.RecipientKeys, email)
	sec.Envelope.RecipientKeys = append(keys, *wk)
	log.Info("secret shared", zap.String("secret", id), zap.String("email", email))
	return v.api.UpdateSecret(ctx, sec)
}

// Unshare drops email's wrapped key. The secret key is not rotated: a former recipient who kept the
// ciphertext and their wrapped key can still decrypt this version.
func (v *Vault) Unshare(ctx context.Context, id, email string) (*model.Secret, error) {
	email = trust.Normalize(email)
	sec, err := v.api.GetSecret(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := sec.Envelope.KeyFor(email); !ok {
		return nil, fmt.Errorf("%w: %s has no access to %s", verrors.ErrNotFound, email, id)
	}
	sec.Envelope.RecipientKeys = withoutRecipient(sec.Envelope.RecipientKeys, email)
	log.Info("secret unshared", zap.String("secret", id), zap.String("email", email))
	return v.api.UpdateSecret(ctx, sec)
}

func withoutRecipient(keys []model.WrappedKey, email string) []model.WrappedKey {
	out := make([]model.WrappedKey, 0, len(keys))
	for _, k := range keys {
		if k.Email != email {
			out = append(out, k)
		}
	}
	return out
}

// CreateGroup creates a group whose name is encrypted under a fresh group key wrapped for every member.
func (v *Vault) CreateGroup(ctx context.Context, name string, members ...string) (*model.Group, error) {
	parts, err := v.participants(ctx, members)
	if err != nil {
		return nil, err
	}
	key, err := envelope.GenerateKey()
	if err != nil {
		return nil, err
	}
	defer codec.Wipe(key)

	g := &model.Group{}
	err = v.withKeys(func(me string, pair *dh.KeyPair) error {
		var err error
		if g.Name, err = envelope.EncryptPayload(model.Leaf(name), key); err != nil {
			return err
		}
		self, err := v.wrapper.WrapKeyForOwner(key, pair, me)
		if err != nil {
			return err
		}
		g.WrappedKeys = append(g.WrappedKeys, *self)
		for _, p := range parts {
			wk, err := v.wrapper.WrapKeyForRecipient(key, pair, p)
			if err != nil {
				return fmt.Errorf("wrap for %s: %w", p.Email, err)
			}
			g.WrappedKeys = append(g.WrappedKeys, *wk)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v.api.CreateGroup(ctx, g)
}

// groupKey unwraps the caller's copy of the group key.
func groupKey(g *model.Group, pair *dh.KeyPair, email string) ([]byte, error) {
	wk, ok := g.KeyFor(email)
	if !ok {
		return nil, verrors.ErrNotParticipant
	}
	return envelope.UnwrapWrappedKey(wk, pair)
}

func (v *Vault) ListGroups(ctx context.Context) ([]GroupSummary, error) {
	list, err := v.api.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]GroupSummary, 0, len(list))
	err = v.withKeys(func(me string, pair *dh.KeyPair) error {
		for _, g := range list {
			sum := GroupSummary{
				ID:           g.ID,
				Owner:        g.Owner,
				Participants: g.Participants(),
				Secrets:      len(g.Secrets),
				Version:      g.Version,
				Name:         model.Unavailable(),
			}
			key, err := groupKey(g, pair, me)
			if err != nil {
				sum.Err = err
			} else {
				sum.Name, sum.Err = envelope.DecryptPayload(g.Name, key)
				codec.Wipe(key)
			}
			out = append(out, sum)
		}
		return nil
	})
	return out, err
}

func (v *Vault) AddGroupSecret(ctx context.Context, groupID string, payload model.Value) (*model.Group, error) {
	g, err := v.api.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	err = v.withKeys(func(me string, pair *dh.KeyPair) error {
		key, err := groupKey(g, pair, me)
		if err != nil {
			return err
		}
		defer codec.Wipe(key)
		ct, err := envelope.EncryptPayload(payload, key)
		if err != nil {
			return err
		}
		g.Secrets = append(g.Secrets, model.GroupSecret{Payload: ct})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v.api.UpdateGroup(ctx, g)
}

// GroupSecrets lists a group's secrets with only their labels decrypted.
func (v *Vault) GroupSecrets(ctx context.Context, groupID string) ([]SecretSummary, error) {
	g, err := v.api.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	var out []SecretSummary
	err = v.withKeys(func(me string, pair *dh.KeyPair) error {
		key, err := groupKey(g, pair, me)
		if err != nil {
			return err
		}
		defer codec.Wipe(key)
		for _, s := range g.Secrets {
			sum := SecretSummary{ID: s.ID, Owner: g.Owner, Recipients: g.Participants()}
			sum.Label, sum.Err = envelope.DecryptPayload(s.Payload, key, envelope.OnlyFields(envelope.LabelFields...))
			out = append(out, sum)
		}
		return nil
	})
	return out, err
}

func (v *Vault) OpenGroupSecret(ctx context.Context, groupID, secretID string) (*envelope.SecretView, error) {
	g, err := v.api.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	var payload *model.Value
	for i := range g.Secrets {
		if g.Secrets[i].ID == secretID {
			payload = &g.Secrets[i].Payload
		}
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: secret %s in group %s", verrors.ErrNotFound, secretID, groupID)
	}

	view := envelope.NewSecretView(*payload, v.blink)
	err = view.Resolve(func() ([]byte, error) {
		var key []byte
		err := v.withKeys(func(me string, pair *dh.KeyPair) (kerr error) {
			key, kerr = groupKey(g, pair, me)
			return kerr
		})
		return key, err
	})
	if err != nil {
		return nil, err
	}
	v.cacheView(groupViewKey(groupID, secretID), view)
	return view, nil
}

// AddMember wraps the current group key for email. Rotation on growth is optional; see RotateGroup.
func (v *Vault) AddMember(ctx context.Context, groupID, email string) (*model.Group, error) {
	email = trust.Normalize(email)
	g, err := v.api.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if _, ok := g.KeyFor(email); ok {
		return g, nil
	}
	parts, err := v.participants(ctx, []string{email})
	if err != nil {
		return nil, err
	}
	err = v.withKeys(func(me string, pair *dh.KeyPair) error {
		key, err := groupKey(g, pair, me)
		if err != nil {
			return err
		}
		defer codec.Wipe(key)
		wk, err := v.wrapper.WrapKeyForRecipient(key, pair, parts[0])
		if err != nil {
			return err
		}
		g.WrappedKeys = append(g.WrappedKeys, *wk)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v.api.UpdateGroup(ctx, g)
}

// RemoveMember always rotates so the removed participant's old key opens nothing written afterwards.
func (v *Vault) RemoveMember(ctx context.Context, groupID, email string) (*model.Group, error) {
	g, err := v.api.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if _, ok := g.KeyFor(trust.Normalize(email)); !ok {
		return nil, fmt.Errorf("%w: %s is not in group %s", verrors.ErrNotFound, email, groupID)
	}
	return v.rotate(ctx, g, rotation.Remaining(g, v.Email(), email))
}

func (v *Vault) RotateGroup(ctx context.Context, groupID string) (*model.Group, error) {
	g, err := v.api.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return v.rotate(ctx, g, rotation.Remaining(g, v.Email()))
}

func (v *Vault) rotate(ctx context.Context, g *model.Group, participants []string) (*model.Group, error) {
	var updated *model.Group
	err := v.withKeys(func(me string, pair *dh.KeyPair) error {
		var err error
		updated, err = v.rotator.Rotate(ctx, g, rotation.Caller{Email: me, Pair: pair}, participants)
		return err
	})
	if err != nil {
		return nil, err
	}
	v.discardGroup(g.ID)
	return updated, nil
}

func (v *Vault) DeleteGroup(ctx context.Context, groupID string) error {
	v.discardGroup(groupID)
	return v.api.DeleteGroup(ctx, groupID)
}

func groupViewKey(groupID, secretID string) string {
	return "group:" + groupID + "/" + secretID
}

func (v *Vault) cacheView(key string, view *envelope.SecretView) {
	v.mu.Lock()
	old := v.views[key]
	v.views[key] = view
	v.mu.Unlock()
	if old != nil && old != view {
		old.Discard()
	}
}

func (v *Vault) discard(key string) {
	v.mu.Lock()
	view := v.views[key]
	delete(v.views, key)
	v.mu.Unlock()
	if view != nil {
		view.Discard()
	}
}

func (v *Vault) discardGroup(groupID string) {
	prefix := groupViewKey(groupID, "")
	v.mu.Lock()
	var drop []*envelope.SecretView
	for k, view := range v.views {
		if strings.HasPrefix(k, prefix) {
			drop = append(drop, view)
			delete(v.views, k)
		}
	}
	v.mu.Unlock()
	for _, view := range drop {
		view.Discard()
	}
}

func (v *Vault) discardAll() {
	v.mu.Lock()
	views := v.views
	v.views = make(map[string]*envelope.SecretView)
	v.mu.Unlock()
	for _, view := range views {
		view.Discard()
	}
}

// HandleEvent drops cached views the event invalidates.
func (v *Vault) HandleEvent(e *model.Event) {
	switch e.Type {
	case model.EventSecretChanged, model.EventSecretDeleted:
		v.discard(e.SecretID)
	case model.EventGroupRotated, model.EventGroupChanged:
		v.discardGroup(e.GroupID)
	}
	log.Debug("event handled", zap.String("type", string(e.Type)), zap.String("secret", e.SecretID), zap.String("group", e.GroupID))
}

// IsRecoverable reports errors the user can act on: pin the recipient, retry the login, or retry a rotation.
func IsRecoverable(err error) bool {
	return errors.Is(err, verrors.ErrUntrustedKey) ||
		errors.Is(err, verrors.ErrAuthenticationFailed) ||
		errors.Is(err, verrors.ErrGroupRotationAborted) ||
		errors.Is(err, verrors.ErrConflict)
}
