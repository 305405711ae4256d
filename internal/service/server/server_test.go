package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"e2e_vault/internal/cryptographic/dh"
	"e2e_vault/internal/cryptographic/signature"
	"e2e_vault/internal/model"
	"e2e_vault/internal/protocol/session"
	"e2e_vault/internal/repository/memory"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testUser struct {
	email string
	salts model.Salts
	login *signature.KeyPair
	enc   *dh.KeyPair
	sign  *signature.KeyPair
}

func newTestServer(t *testing.T) (*HttpServer, *httptest.Server) {
	t.Helper()
	opts := Options{
		ChallengeTTL:  time.Minute,
		CodeTTL:       time.Minute,
		SessionTTL:    time.Hour,
		TokenTTL:      time.Hour,
		ReturnTokens:  true,
		ShutdownGrace: time.Second,
	}
	srv := NewHttpServer(opts, memory.NewAccountRepo(), memory.NewSecretRepo(), memory.NewGroupRepo(), memory.NewCache())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func call(t *testing.T, ts *httptest.Server, method, path, sessionID string, in, out any) int {
	t.Helper()
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, body)
	require.NoError(t, err)
	if sessionID != "" {
		req.Header.Set("Authorization", "Bearer "+sessionID)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func register(t *testing.T, ts *httptest.Server, email string) *testUser {
	t.Helper()
	salts, err := session.NewSalts()
	require.NoError(t, err)
	u := &testUser{email: email, salts: salts}
	u.login, err = signature.NewKeyPair(nil)
	require.NoError(t, err)
	u.sign, err = signature.NewKeyPair(nil)
	require.NoError(t, err)
	u.enc, err = dh.NewKeyPair(nil)
	require.NoError(t, err)

	var tok model.RegistrationToken
	require.Equal(t, http.StatusAccepted, call(t, ts, http.MethodPost, "/registration-tokens", "", model.RegistrationToken{Email: email}, &tok))
	require.NotEmpty(t, tok.Token)

	reg := model.Registration{
		Email: email,
		Token: tok.Token,
		Salts: salts,
		Keys: model.AccountKeys{
			LoginPublicKey:      u.login.PublicKey(),
			EncryptionPublicKey: u.enc.PublicKey(),
			SigningPublicKey:    u.sign.PublicKey(),
		},
	}
	require.Equal(t, http.StatusCreated, call(t, ts, http.MethodPost, "/accounts", "", reg, nil))
	return u
}

func challenge(t *testing.T, ts *httptest.Server, email string) *model.Challenge {
	t.Helper()
	var ch model.Challenge
	require.Equal(t, http.StatusCreated, call(t, ts, http.MethodPost, "/login/challenge", "", model.ChallengeRequest{Email: email}, &ch))
	require.Len(t, ch.Nonce, nonceSize)
	return &ch
}

func login(t *testing.T, ts *httptest.Server, u *testUser) string {
	t.Helper()
	ch := challenge(t, ts, u.email)

	var ticket model.LoginTicket
	resp := model.ChallengeResponse{Email: u.email, ChallengeID: ch.ID, Signature: u.login.Sign(session.ChallengeMessage(ch))}
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodPost, "/login/signature", "", resp, &ticket))
	require.Len(t, ticket.Code, codeDigits)

	var info model.SessionInfo
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodPost, "/login/code", "", model.CodeExchange{Email: u.email, Code: ticket.Code}, &info))
	assert.Equal(t, u.salts, info.Salts)
	assert.Equal(t, u.enc.PublicKey(), info.Keys.EncryptionPublicKey)
	return info.SessionID
}

func fakeEnvelope(recipients ...string) model.Envelope {
	env := model.Envelope{Payload: model.Leaf("ciphertext"), OwnerKey: "owner-wrapped", OwnerPublicKey: []byte{1}}
	for _, r := range recipients {
		env.RecipientKeys = append(env.RecipientKeys, model.WrappedKey{Email: r, Key: "wrapped", SenderPublicKey: []byte{1}})
	}
	return env
}

func groupKeys(emails ...string) []model.WrappedKey {
	var out []model.WrappedKey
	for _, e := range emails {
		out = append(out, model.WrappedKey{Email: e, Key: "wrapped", SenderPublicKey: []byte{1}})
	}
	return out
}

func TestLoginFlow(t *testing.T) {
	_, ts := newTestServer(t)
	alice := register(t, ts, "Alice@Example.com ")
	sid := login(t, ts, alice)

	var pk model.PublicKeyResponse
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, "/accounts/alice@example.com/public-key", "", nil, &pk))
	assert.Equal(t, "alice@example.com", pk.Email)

	var list []*model.Secret
	assert.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, "/secrets", sid, nil, &list))
	assert.Empty(t, list)

	assert.Equal(t, http.StatusUnauthorized, call(t, ts, http.MethodGet, "/secrets", "", nil, nil))
	assert.Equal(t, http.StatusUnauthorized, call(t, ts, http.MethodGet, "/secrets", "bogus", nil, nil))

	assert.Equal(t, http.StatusNoContent, call(t, ts, http.MethodPost, "/logout", sid, nil, nil))
	assert.Equal(t, http.StatusUnauthorized, call(t, ts, http.MethodGet, "/secrets", sid, nil, nil))
}

func TestSaltsAndPublicKey(t *testing.T) {
	_, ts := newTestServer(t)
	alice := register(t, ts, "alice@example.com")

	var salts model.Salts
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, "/accounts/alice@example.com/salts", "", nil, &salts))
	assert.Equal(t, alice.salts, salts)

	var pk model.PublicKeyResponse
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, "/accounts/alice@example.com/public-key", "", nil, &pk))
	assert.Equal(t, alice.enc.PublicKey(), pk.PublicKey)

	assert.Equal(t, http.StatusNotFound, call(t, ts, http.MethodGet, "/accounts/nobody@example.com/salts", "", nil, nil))
}

func TestRegistrationTokenIsSingleUse(t *testing.T) {
	_, ts := newTestServer(t)
	salts, err := session.NewSalts()
	require.NoError(t, err)
	lk, _ := signature.NewKeyPair(nil)
	sk, _ := signature.NewKeyPair(nil)
	ek, _ := dh.NewKeyPair(nil)

	var tok model.RegistrationToken
	require.Equal(t, http.StatusAccepted, call(t, ts, http.MethodPost, "/registration-tokens", "", model.RegistrationToken{Email: "bob@example.com"}, &tok))

	reg := model.Registration{
		Email: "bob@example.com",
		Token: "wrong",
		Salts: salts,
		Keys:  model.AccountKeys{LoginPublicKey: lk.PublicKey(), EncryptionPublicKey: ek.PublicKey(), SigningPublicKey: sk.PublicKey()},
	}
	assert.Equal(t, http.StatusUnauthorized, call(t, ts, http.MethodPost, "/accounts", "", reg, nil))

	// a wrong guess consumes the token
	reg.Token = tok.Token
	assert.Equal(t, http.StatusUnauthorized, call(t, ts, http.MethodPost, "/accounts", "", reg, nil))
}

func TestRegisterValidatesInput(t *testing.T) {
	_, ts := newTestServer(t)
	salts, err := session.NewSalts()
	require.NoError(t, err)
	lk, _ := signature.NewKeyPair(nil)
	sk, _ := signature.NewKeyPair(nil)
	ek, _ := dh.NewKeyPair(nil)
	keys := model.AccountKeys{LoginPublicKey: lk.PublicKey(), EncryptionPublicKey: ek.PublicKey(), SigningPublicKey: sk.PublicKey()}

	tests := []struct {
		name string
		reg  model.Registration
	}{
		{"duplicate salts", model.Registration{Email: "a@b.c", Salts: model.Salts{Login: salts.Login, Encryption: salts.Login, Signing: salts.Signing}, Keys: keys}},
		{"short salt", model.Registration{Email: "a@b.c", Salts: model.Salts{Login: "00", Encryption: salts.Encryption, Signing: salts.Signing}, Keys: keys}},
		{"bad key", model.Registration{Email: "a@b.c", Salts: salts, Keys: model.AccountKeys{LoginPublicKey: []byte{1}}}},
		{"no email", model.Registration{Salts: salts, Keys: keys}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, call(t, ts, http.MethodPost, "/accounts", "", tt.reg, nil))
		})
	}
}

func TestBadSignatureIsRejected(t *testing.T) {
	_, ts := newTestServer(t)
	alice := register(t, ts, "alice@example.com")
	other, err := signature.NewKeyPair(nil)
	require.NoError(t, err)

	ch := challenge(t, ts, alice.email)
	bad := model.ChallengeResponse{Email: alice.email, ChallengeID: ch.ID, Signature: other.Sign(session.ChallengeMessage(ch))}
	assert.Equal(t, http.StatusUnauthorized, call(t, ts, http.MethodPost, "/login/signature", "", bad, nil))

	good := model.ChallengeResponse{Email: alice.email, ChallengeID: ch.ID, Signature: alice.login.Sign(session.ChallengeMessage(ch))}
	assert.Equal(t, http.StatusUnauthorized, call(t, ts, http.MethodPost, "/login/signature", "", good, nil), "challenge is single-use")
}

func TestChallengeBoundToAccount(t *testing.T) {
	_, ts := newTestServer(t)
	alice := register(t, ts, "alice@example.com")
	bob := register(t, ts, "bob@example.com")

	ch := challenge(t, ts, alice.email)
	resp := model.ChallengeResponse{Email: bob.email, ChallengeID: ch.ID, Signature: bob.login.Sign(session.ChallengeMessage(ch))}
	assert.Equal(t, http.StatusUnauthorized, call(t, ts, http.MethodPost, "/login/signature", "", resp, nil))

	assert.Equal(t, http.StatusNotFound, call(t, ts, http.MethodPost, "/login/challenge", "", model.ChallengeRequest{Email: "nobody@example.com"}, nil))
}

func TestCodeIsSingleUse(t *testing.T) {
	_, ts := newTestServer(t)
	alice := register(t, ts, "alice@example.com")
	ch := challenge(t, ts, alice.email)

	var ticket model.LoginTicket
	resp := model.ChallengeResponse{Email: alice.email, ChallengeID: ch.ID, Signature: alice.login.Sign(session.ChallengeMessage(ch))}
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodPost, "/login/signature", "", resp, &ticket))

	ex := model.CodeExchange{Email: alice.email, Code: ticket.Code}
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodPost, "/login/code", "", ex, nil))
	assert.Equal(t, http.StatusUnauthorized, call(t, ts, http.MethodPost, "/login/code", "", ex, nil))
}

func TestSecretAuthorization(t *testing.T) {
	_, ts := newTestServer(t)
	alice, bob, carol := register(t, ts, "alice@example.com"), register(t, ts, "bob@example.com"), register(t, ts, "carol@example.com")
	as, bs, cs := login(t, ts, alice), login(t, ts, bob), login(t, ts, carol)

	var sec model.Secret
	require.Equal(t, http.StatusCreated, call(t, ts, http.MethodPost, "/secrets", as, model.Secret{Owner: "mallory", Envelope: fakeEnvelope(bob.email)}, &sec))
	assert.NotEmpty(t, sec.ID)
	assert.Equal(t, alice.email, sec.Owner, "owner comes from the session")

	path := "/secrets/" + sec.ID
	assert.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, path, bs, nil, nil))
	assert.Equal(t, http.StatusNotFound, call(t, ts, http.MethodGet, path, cs, nil, nil))

	var list []*model.Secret
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, "/secrets", bs, nil, &list))
	assert.Len(t, list, 1)
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, "/secrets", cs, nil, &list))
	assert.Empty(t, list)

	assert.Equal(t, http.StatusForbidden, call(t, ts, http.MethodPut, path, bs, model.Secret{Envelope: fakeEnvelope(bob.email, carol.email)}, nil))
	assert.Equal(t, http.StatusForbidden, call(t, ts, http.MethodDelete, path, bs, nil, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, ts, http.MethodPut, path, as, model.Secret{}, nil))

	require.Equal(t, http.StatusOK, call(t, ts, http.MethodPut, path, as, model.Secret{Envelope: fakeEnvelope(carol.email)}, nil))
	assert.Equal(t, http.StatusNotFound, call(t, ts, http.MethodGet, path, bs, nil, nil))
	assert.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, path, cs, nil, nil))

	assert.Equal(t, http.StatusNoContent, call(t, ts, http.MethodDelete, path, as, nil, nil))
	assert.Equal(t, http.StatusNotFound, call(t, ts, http.MethodGet, path, as, nil, nil))
}

func TestGroupUpdatesAndRotation(t *testing.T) {
	_, ts := newTestServer(t)
	alice, bob, carol := register(t, ts, "alice@example.com"), register(t, ts, "bob@example.com"), register(t, ts, "carol@example.com")
	as, bs, cs := login(t, ts, alice), login(t, ts, bob), login(t, ts, carol)

	assert.Equal(t, http.StatusBadRequest, call(t, ts, http.MethodPost, "/groups", as, model.Group{Name: model.Leaf("n"), WrappedKeys: groupKeys(bob.email)}, nil),
		"creator must hold a key")

	var g model.Group
	require.Equal(t, http.StatusCreated, call(t, ts, http.MethodPost, "/groups", as, model.Group{Name: model.Leaf("n"), WrappedKeys: groupKeys(alice.email, bob.email)}, &g))
	assert.Equal(t, 1, g.Version)
	path := "/groups/" + g.ID

	assert.Equal(t, http.StatusForbidden, call(t, ts, http.MethodGet, path, cs, nil, nil))

	g.Secrets = append(g.Secrets, model.GroupSecret{Payload: model.Leaf("ct")})
	var updated model.Group
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodPut, path, bs, g, &updated))
	assert.Equal(t, 2, updated.Version)
	require.Len(t, updated.Secrets, 1)
	assert.NotEmpty(t, updated.Secrets[0].ID)

	drop := updated
	drop.WrappedKeys = groupKeys(alice.email)
	assert.Equal(t, http.StatusBadRequest, call(t, ts, http.MethodPut, path, as, drop, nil), "dropping a participant needs a rotation")

	stale := model.GroupRotation{PreviousVersion: 1, Name: model.Leaf("n2"), WrappedKeys: groupKeys(alice.email, carol.email), Secrets: updated.Secrets}
	assert.Equal(t, http.StatusConflict, call(t, ts, http.MethodPost, path+"/rotation", as, stale, nil))

	short := model.GroupRotation{PreviousVersion: 2, Name: model.Leaf("n2"), WrappedKeys: groupKeys(alice.email, carol.email)}
	assert.Equal(t, http.StatusBadRequest, call(t, ts, http.MethodPost, path+"/rotation", as, short, nil))

	rot := model.GroupRotation{PreviousVersion: 2, Name: model.Leaf("n2"), WrappedKeys: groupKeys(alice.email, carol.email), Secrets: updated.Secrets}
	var rotated model.Group
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodPost, path+"/rotation", as, rot, &rotated))
	assert.Equal(t, 3, rotated.Version)
	assert.ElementsMatch(t, []string{alice.email, carol.email}, rotated.Participants())

	assert.Equal(t, http.StatusForbidden, call(t, ts, http.MethodGet, path, bs, nil, nil))
	assert.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, path, cs, nil, nil))
	assert.Equal(t, http.StatusForbidden, call(t, ts, http.MethodDelete, path, cs, nil, nil))
	assert.Equal(t, http.StatusNoContent, call(t, ts, http.MethodDelete, path, as, nil, nil))
}

func dialEvents(t *testing.T, ts *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+sessionID)
	conn, _, err := websocket.DefaultDialer.Dial(u, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) model.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var e model.Event
	require.NoError(t, conn.ReadJSON(&e))
	return e
}

func TestEventsQueuedThenLive(t *testing.T) {
	srv, ts := newTestServer(t)
	alice, bob := register(t, ts, "alice@example.com"), register(t, ts, "bob@example.com")
	as, bs := login(t, ts, alice), login(t, ts, bob)

	var sec model.Secret
	require.Equal(t, http.StatusCreated, call(t, ts, http.MethodPost, "/secrets", as, model.Secret{Envelope: fakeEnvelope(bob.email)}, &sec))

	conn := dialEvents(t, ts, bs)
	e := readEvent(t, conn)
	assert.Equal(t, model.EventSecretChanged, e.Type)
	assert.Equal(t, sec.ID, e.SecretID)

	require.Eventually(t, func() bool { return len(srv.conns(bob.email)) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, http.StatusNoContent, call(t, ts, http.MethodDelete, "/secrets/"+sec.ID, as, nil, nil))
	e = readEvent(t, conn)
	assert.Equal(t, model.EventSecretDeleted, e.Type)
	assert.Equal(t, sec.ID, e.SecretID)

	queued, err := srv.GetEventsFromCache(context.Background(), bob.email)
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestEventsRequireSession(t *testing.T) {
	_, ts := newTestServer(t)
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, ts := newTestServer(t)
	register(t, ts, "alice@example.com")

	assert.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, "/livez", "", nil, nil))
	assert.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, "/readyz", "", nil, nil))

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "e2e_vault_registrations_total 1")

	srv.isReady.Store(false)
	assert.Equal(t, http.StatusServiceUnavailable, call(t, ts, http.MethodGet, "/readyz", "", nil, nil))
}
