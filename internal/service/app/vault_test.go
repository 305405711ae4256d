package app

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"e2e_vault/internal/cryptographic/dh"
	"e2e_vault/internal/cryptographic/kdf"
	verrors "e2e_vault/internal/errors"
	"e2e_vault/internal/model"
	"e2e_vault/internal/protocol/envelope"
	"e2e_vault/internal/repository/local"
	"e2e_vault/internal/repository/memory"
	"e2e_vault/internal/service/server"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBlink = 50 * time.Millisecond

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	opts := server.Options{
		ChallengeTTL: time.Minute,
		CodeTTL:      time.Minute,
		SessionTTL:   time.Hour,
		TokenTTL:     time.Hour,
		ReturnTokens: true,
	}
	srv := server.NewHttpServer(opts, memory.NewAccountRepo(), memory.NewSecretRepo(), memory.NewGroupRepo(), memory.NewCache())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func newTestVault(t *testing.T, ts *httptest.Server) *Vault {
	t.Helper()
	api, err := NewAPI(ts.URL, 5*time.Second)
	require.NoError(t, err)
	d, err := kdf.NewDeriver(kdf.WithIterations(1000))
	require.NoError(t, err)
	v, err := NewVault(context.Background(), api, d, local.NewMemoryStore(), testBlink)
	require.NoError(t, err)
	return v
}

func signUp(t *testing.T, ts *httptest.Server, email, password string) *Vault {
	t.Helper()
	ctx := context.Background()
	v := newTestVault(t, ts)
	token, err := v.RequestRegistrationToken(ctx, email)
	require.NoError(t, err)
	require.NoError(t, v.Register(ctx, email, password, token))
	_, err = v.Login(ctx, email, password)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Logout(context.Background()) })
	return v
}

func loginPayload(name, user, password string) model.Value {
	return model.Fields(map[string]model.Value{
		"name":     model.Leaf(name),
		"key":      model.Leaf(user),
		"password": model.Leaf(password),
		"notes":    model.List(model.Leaf("first"), model.Leaf("second")),
	})
}

func TestLoginRequiresRegisteredPassword(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	v := newTestVault(t, ts)

	token, err := v.RequestRegistrationToken(ctx, "alice@example.com")
	require.NoError(t, err)
	require.NoError(t, v.Register(ctx, "alice@example.com", "P1-correct horse", token))

	_, err = v.Login(ctx, "alice@example.com", "P2-battery staple")
	assert.ErrorIs(t, err, verrors.ErrAuthenticationFailed)
	assert.True(t, IsRecoverable(err))
	assert.False(t, v.LoggedIn())

	info, err := v.Login(ctx, "Alice@Example.com", "P1-correct horse")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", info.Email)
	assert.Equal(t, "alice@example.com", v.Email())
	assert.True(t, v.LoggedIn())

	require.NoError(t, v.Logout(ctx))
	assert.False(t, v.LoggedIn())
	_, err = v.ListSecrets(ctx)
	assert.Error(t, err)
}

func TestLoginUnknownAccount(t *testing.T) {
	ts := newTestServer(t)
	v := newTestVault(t, ts)
	_, err := v.Login(context.Background(), "nobody@example.com", "whatever")
	assert.ErrorIs(t, err, verrors.ErrAuthenticationFailed)
}

func TestCreateListOpenSecret(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	alice := signUp(t, ts, "alice@example.com", "alice password")

	sec, err := alice.CreateSecret(ctx, loginPayload("bank", "alice01", "hunter2"))
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", sec.Owner)

	leaf, ok := sec.Envelope.Payload.Lookup("password")
	require.True(t, ok)
	ct, _ := leaf.String()
	assert.NotEqual(t, "hunter2", ct, "server only sees ciphertext")

	list, err := alice.ListSecrets(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NoError(t, list[0].Err)
	assert.Equal(t, "bank", labelText(list[0].Label, "name"))
	assert.Equal(t, "alice01", labelText(list[0].Label, "key"))
	_, ok = list[0].Label.Field("password")
	assert.False(t, ok, "listing decrypts labels only")

	view, err := alice.OpenSecret(ctx, sec.ID)
	require.NoError(t, err)
	assert.Equal(t, envelope.StateKeyResolved, view.State())

	pw, err := view.Reveal("password")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", pw)
	assert.Equal(t, envelope.StateFieldRevealed, view.State())

	hidden := make(chan string, 1)
	view.OnHide(func(p string) { hidden <- p })
	got, err := view.Blink("key")
	require.NoError(t, err)
	assert.Equal(t, "alice01", got)
	select {
	case p := <-hidden:
		assert.Equal(t, "key", p)
	case <-time.After(5 * time.Second):
		t.Fatal("blinked field was not hidden")
	}
	_, ok = view.Revealed("key")
	assert.False(t, ok)

	require.NoError(t, alice.DeleteSecret(ctx, sec.ID))
	assert.Equal(t, envelope.StateDiscarded, view.State())
	_, err = alice.OpenSecret(ctx, sec.ID)
	assert.ErrorIs(t, err, verrors.ErrNotFound)
}

func TestUpdateSecretKeepsKey(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	alice := signUp(t, ts, "alice@example.com", "alice password")

	sec, err := alice.CreateSecret(ctx, loginPayload("mail", "alice", "old"))
	require.NoError(t, err)
	view, err := alice.OpenSecret(ctx, sec.ID)
	require.NoError(t, err)

	updated, err := alice.UpdateSecret(ctx, sec.ID, loginPayload("mail", "alice", "new"))
	require.NoError(t, err)
	assert.Equal(t, sec.Envelope.OwnerKey, updated.Envelope.OwnerKey)
	assert.Equal(t, envelope.StateDiscarded, view.State())

	view, err = alice.OpenSecret(ctx, sec.ID)
	require.NoError(t, err)
	pw, err := view.Reveal("password")
	require.NoError(t, err)
	assert.Equal(t, "new", pw)
}

func TestShareRequiresPinnedRecipient(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	alice := signUp(t, ts, "alice@example.com", "alice password")
	bob := signUp(t, ts, "bob@example.com", "bob password")

	sec, err := alice.CreateSecret(ctx, loginPayload("wifi", "home", "s3cret"))
	require.NoError(t, err)

	_, err = alice.Share(ctx, sec.ID, "bob@example.com")
	assert.ErrorIs(t, err, verrors.ErrUntrustedKey)
	assert.True(t, IsRecoverable(err))

	_, err = alice.Pin(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, verrors.ErrNotFound)

	_, err = alice.Trust().Pin(ctx, "bob@example.com", []byte("not bob's key"))
	assert.ErrorIs(t, err, verrors.ErrKeyMismatch)

	_, err = alice.Pin(ctx, "Bob@Example.com")
	require.NoError(t, err)
	shared, err := alice.Share(ctx, sec.ID, "bob@example.com")
	require.NoError(t, err)
	_, ok := shared.Envelope.KeyFor("bob@example.com")
	assert.True(t, ok)

	list, err := bob.ListSecrets(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "wifi", labelText(list[0].Label, "name"))
	assert.Equal(t, "alice@example.com", list[0].Owner)

	view, err := bob.OpenSecret(ctx, sec.ID)
	require.NoError(t, err)
	pw, err := view.Reveal("password")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", pw)

	_, err = bob.Share(ctx, sec.ID, "alice@example.com")
	assert.ErrorIs(t, err, verrors.ErrUntrustedKey, "bob has not pinned alice")

	_, err = alice.Unshare(ctx, sec.ID, "bob@example.com")
	require.NoError(t, err)
	_, err = bob.OpenSecret(ctx, sec.ID)
	assert.ErrorIs(t, err, verrors.ErrNotFound)
	_, err = alice.Unshare(ctx, sec.ID, "bob@example.com")
	assert.ErrorIs(t, err, verrors.ErrNotFound)
}

func TestCreateSecretForRecipients(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	alice := signUp(t, ts, "alice@example.com", "alice password")
	bob := signUp(t, ts, "bob@example.com", "bob password")

	_, err := alice.CreateSecret(ctx, loginPayload("x", "y", "z"), "bob@example.com")
	assert.ErrorIs(t, err, verrors.ErrUntrustedKey)

	_, err = alice.Pin(ctx, "bob@example.com")
	require.NoError(t, err)
	sec, err := alice.CreateSecret(ctx, loginPayload("x", "y", "z"), "bob@example.com")
	require.NoError(t, err)

	view, err := bob.OpenSecret(ctx, sec.ID)
	require.NoError(t, err)
	labels, err := view.Labels()
	require.NoError(t, err)
	assert.Equal(t, "x", labelText(labels, "name"))
}

func TestGroupMembershipAndRotation(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	alice := signUp(t, ts, "alice@example.com", "alice password")
	bob := signUp(t, ts, "bob@example.com", "bob password")
	carol := signUp(t, ts, "carol@example.com", "carol password")

	_, err := alice.CreateGroup(ctx, "team", "bob@example.com")
	assert.ErrorIs(t, err, verrors.ErrUntrustedKey)

	for _, e := range []string{"bob@example.com", "carol@example.com"} {
		_, err := alice.Pin(ctx, e)
		require.NoError(t, err)
	}
	g, err := alice.CreateGroup(ctx, "team", "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, g.Version)

	_, err = alice.AddGroupSecret(ctx, g.ID, loginPayload("deploy", "ci", "tok3n"))
	require.NoError(t, err)

	groups, err := bob.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.NoError(t, groups[0].Err)
	name, _ := groups[0].Name.String()
	assert.Equal(t, "team", name)
	assert.Equal(t, 1, groups[0].Secrets)

	secrets, err := bob.GroupSecrets(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, secrets, 1)
	assert.Equal(t, "deploy", labelText(secrets[0].Label, "name"))
	secretID := secrets[0].ID

	old, err := bob.api.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	var oldKey []byte
	require.NoError(t, bob.withKeys(func(me string, pair *dh.KeyPair) (kerr error) {
		oldKey, kerr = groupKey(old, pair, me)
		return kerr
	}))

	_, err = carol.GroupSecrets(ctx, g.ID)
	assert.ErrorIs(t, err, verrors.ErrNotParticipant)
	_, err = alice.AddMember(ctx, g.ID, "carol@example.com")
	require.NoError(t, err)
	view, err := carol.OpenGroupSecret(ctx, g.ID, secretID)
	require.NoError(t, err)
	pw, err := view.Reveal("password")
	require.NoError(t, err)
	assert.Equal(t, "tok3n", pw)

	rotated, err := alice.RemoveMember(ctx, g.ID, "bob@example.com")
	require.NoError(t, err)
	assert.Greater(t, rotated.Version, old.Version)
	assert.ElementsMatch(t, []string{"alice@example.com", "carol@example.com"}, rotated.Participants())

	_, err = bob.GroupSecrets(ctx, g.ID)
	assert.ErrorIs(t, err, verrors.ErrNotParticipant)
	_, err = envelope.DecryptPayload(rotated.Secrets[0].Payload, oldKey)
	assert.Error(t, err, "the removed member's key opens nothing written after rotation")
	_, err = envelope.DecryptPayload(rotated.Name, oldKey)
	assert.Error(t, err)

	view, err = carol.OpenGroupSecret(ctx, g.ID, secretID)
	require.NoError(t, err)
	pw, err = view.Reveal("password")
	require.NoError(t, err)
	assert.Equal(t, "tok3n", pw)

	_, err = alice.RemoveMember(ctx, g.ID, "bob@example.com")
	assert.ErrorIs(t, err, verrors.ErrNotFound)

	require.NoError(t, alice.DeleteGroup(ctx, g.ID))
	groups, err = carol.ListGroups(ctx)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestEventDiscardsOpenView(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ts := newTestServer(t)
	alice := signUp(t, ts, "alice@example.com", "alice password")
	bob := signUp(t, ts, "bob@example.com", "bob password")
	_, err := alice.Pin(ctx, "bob@example.com")
	require.NoError(t, err)

	events := make(chan *model.Event, 8)
	done := make(chan error, 1)
	go func() {
		done <- bob.Subscribe(ctx, func(e *model.Event) { events <- e })
	}()

	next := func() *model.Event {
		select {
		case e := <-events:
			return e
		case <-time.After(5 * time.Second):
			t.Fatal("no event received")
			return nil
		}
	}

	sec, err := alice.CreateSecret(ctx, loginPayload("vpn", "bob", "pa55"), "bob@example.com")
	require.NoError(t, err)
	e := next()
	assert.Equal(t, model.EventSecretChanged, e.Type)
	assert.Equal(t, sec.ID, e.SecretID)

	view, err := bob.OpenSecret(ctx, sec.ID)
	require.NoError(t, err)
	_, err = view.Reveal("password")
	require.NoError(t, err)

	_, err = alice.UpdateSecret(ctx, sec.ID, loginPayload("vpn", "bob", "rotated"))
	require.NoError(t, err)
	e = next()
	assert.Equal(t, model.EventSecretChanged, e.Type)
	assert.Equal(t, envelope.StateDiscarded, view.State())
	_, ok := view.Revealed("password")
	assert.False(t, ok)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not stop")
	}
}
