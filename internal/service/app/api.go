package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	verrors "e2e_vault/internal/errors"
	"e2e_vault/internal/model"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
)

// API is the HTTP client for the vault server. It carries only ciphertext, wrapped keys and public keys.
type API struct {
	base      *url.URL
	client    *http.Client
	sessionID atomic.String
}

func NewAPI(serverURL string, timeout time.Duration) (*API, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	return &API{
		base:   u,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (a *API) SetSession(id string) {
	a.sessionID.Store(id)
}

type apiError struct {
	Error string `json:"error"`
}

// errorFor maps a response status back onto the error taxonomy.
func errorFor(status int, msg string) error {
	var base error
	switch status {
	case http.StatusNotFound:
		base = verrors.ErrNotFound
	case http.StatusBadRequest:
		base = verrors.ErrInvalidInput
	case http.StatusConflict:
		base = verrors.ErrConflict
	case http.StatusUnauthorized:
		base = verrors.ErrAuthenticationFailed
	case http.StatusForbidden:
		base = verrors.ErrNotParticipant
	default:
		return fmt.Errorf("server returned %d: %s", status, msg)
	}
	if msg == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, msg)
}

func (a *API) endpoint(path string) string {
	u := *a.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String()
}

func (a *API) do(ctx context.Context, method, path string, in, out any) error {
	return a.send(ctx, a.sessionID.Load(), method, path, in, out)
}

func (a *API) send(ctx context.Context, sessionID, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.endpoint(path), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sessionID != "" {
		req.Header.Set("Authorization", "Bearer "+sessionID)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		var e apiError
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return errorFor(resp.StatusCode, e.Error)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *API) GetSalts(ctx context.Context, email string) (*model.Salts, error) {
	var salts model.Salts
	if err := a.do(ctx, http.MethodGet, "/accounts/"+url.PathEscape(email)+"/salts", nil, &salts); err != nil {
		return nil, err
	}
	return &salts, nil
}

func (a *API) GetPublicKey(ctx context.Context, email string) ([]byte, error) {
	var resp model.PublicKeyResponse
	if err := a.do(ctx, http.MethodGet, "/accounts/"+url.PathEscape(email)+"/public-key", nil, &resp); err != nil {
		return nil, err
	}
	return resp.PublicKey, nil
}

func (a *API) RequestRegistrationToken(ctx context.Context, email string) (*model.RegistrationToken, error) {
	var tok model.RegistrationToken
	if err := a.do(ctx, http.MethodPost, "/registration-tokens", &model.RegistrationToken{Email: email}, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

func (a *API) Register(ctx context.Context, reg *model.Registration) error {
	return a.do(ctx, http.MethodPost, "/accounts", reg, nil)
}

func (a *API) RequestChallenge(ctx context.Context, req *model.ChallengeRequest) (*model.Challenge, error) {
	var ch model.Challenge
	if err := a.do(ctx, http.MethodPost, "/login/challenge", req, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (a *API) SubmitSignature(ctx context.Context, resp *model.ChallengeResponse) (*model.LoginTicket, error) {
	var t model.LoginTicket
	if err := a.do(ctx, http.MethodPost, "/login/signature", resp, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (a *API) ExchangeCode(ctx context.Context, req *model.CodeExchange) (*model.SessionInfo, error) {
	var info model.SessionInfo
	if err := a.do(ctx, http.MethodPost, "/login/code", req, &info); err != nil {
		return nil, err
	}
	a.SetSession(info.SessionID)
	return &info, nil
}

// Logout ends sessionID on the server. A session the server no longer knows is reported as ErrNotFound.
func (a *API) Logout(ctx context.Context, sessionID string) error {
	err := a.send(ctx, sessionID, http.MethodPost, "/logout", nil, nil)
	a.sessionID.CompareAndSwap(sessionID, "")
	if errors.Is(err, verrors.ErrAuthenticationFailed) {
		return fmt.Errorf("%w: %v", verrors.ErrNotFound, err)
	}
	return err
}

func (a *API) ListSecrets(ctx context.Context) ([]*model.Secret, error) {
	var list []*model.Secret
	if err := a.do(ctx, http.MethodGet, "/secrets", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (a *API) CreateSecret(ctx context.Context, s *model.Secret) (*model.Secret, error) {
	var out model.Secret
	if err := a.do(ctx, http.MethodPost, "/secrets", s, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) GetSecret(ctx context.Context, id string) (*model.Secret, error) {
	var out model.Secret
	if err := a.do(ctx, http.MethodGet, "/secrets/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) UpdateSecret(ctx context.Context, s *model.Secret) (*model.Secret, error) {
	var out model.Secret
	if err := a.do(ctx, http.MethodPut, "/secrets/"+url.PathEscape(s.ID), s, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) DeleteSecret(ctx context.Context, id string) error {
	return a.do(ctx, http.MethodDelete, "/secrets/"+url.PathEscape(id), nil, nil)
}

func (a *API) ListGroups(ctx context.Context) ([]*model.Group, error) {
	var list []*model.Group
	if err := a.do(ctx, http.MethodGet, "/groups", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (a *API) CreateGroup(ctx context.Context, g *model.Group) (*model.Group, error) {
	var out model.Group
	if err := a.do(ctx, http.MethodPost, "/groups", g, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) GetGroup(ctx context.Context, id string) (*model.Group, error) {
	var out model.Group
	if err := a.do(ctx, http.MethodGet, "/groups/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) UpdateGroup(ctx context.Context, g *model.Group) (*model.Group, error) {
	var out model.Group
	if err := a.do(ctx, http.MethodPut, "/groups/"+url.PathEscape(g.ID), g, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) DeleteGroup(ctx context.Context, id string) error {
	return a.do(ctx, http.MethodDelete, "/groups/"+url.PathEscape(id), nil, nil)
}

// ReplaceGroup submits a prepared rotation.
func (a *API) ReplaceGroup(ctx context.Context, id string, rot *model.GroupRotation) (*model.Group, error) {
	var out model.Group
	if err := a.do(ctx, http.MethodPost, "/groups/"+url.PathEscape(id)+"/rotation", rot, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DialEvents opens the change feed for the current session.
func (a *API) DialEvents(ctx context.Context) (*websocket.Conn, error) {
	u := *a.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/events"

	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.sessionID.Load())

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
