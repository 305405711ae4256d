// Package session implements registration, challenge-response login and the in-memory session key state.
package session

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"e2e_vault/internal/codec"
	"e2e_vault/internal/cryptographic/kdf"
	verrors "e2e_vault/internal/errors"
	"e2e_vault/internal/model"
	"e2e_vault/internal/repository/local"
	"e2e_vault/internal/utils/log"

	"go.uber.org/zap"
)

// SessionIDKey is the local store key holding the current session id.
const SessionIDKey = "session.id"

// Server is the account collaborator used by registration and login.
type Server interface {
	GetSalts(ctx context.Context, email string) (*model.Salts, error)
	Register(ctx context.Context, reg *model.Registration) error
	RequestChallenge(ctx context.Context, req *model.ChallengeRequest) (*model.Challenge, error)
	SubmitSignature(ctx context.Context, resp *model.ChallengeResponse) (*model.LoginTicket, error)
	ExchangeCode(ctx context.Context, req *model.CodeExchange) (*model.SessionInfo, error)
	Logout(ctx context.Context, sessionID string) error
}

type Client struct {
	server  Server
	deriver *kdf.Deriver
	state   *KeyState
	kv      local.Store
}

func NewClient(server Server, deriver *kdf.Deriver, state *KeyState, kv local.Store) *Client {
	return &Client{server: server, deriver: deriver, state: state, kv: kv}
}

func (c *Client) State() *KeyState {
	return c.state
}

// ChallengeMessage is the byte string signed to answer ch.
func ChallengeMessage(ch *model.Challenge) []byte {
	return codec.Concat(codec.UTF8ToBytes(ch.ID), ch.Nonce)
}

// Register creates an account. Only salts and public keys leave the device; every derived private key is
// wiped before Register returns.
func (c *Client) Register(ctx context.Context, email, password, token string) error {
	email = normalize(email)
	salts, err := NewSalts()
	if err != nil {
		return err
	}

	keys, err := c.publicKeys(password, salts)
	if err != nil {
		return err
	}

	reg := &model.Registration{Email: email, Token: token, Salts: salts, Keys: *keys}
	if err := c.server.Register(ctx, reg); err != nil {
		return fmt.Errorf("register %s: %w", email, err)
	}
	log.Info("account registered", zap.String("email", email))
	return nil
}

func (c *Client) publicKeys(password string, salts model.Salts) (*model.AccountKeys, error) {
	login, err := LoginKeyPair(c.deriver, password, salts)
	if err != nil {
		return nil, err
	}
	defer login.Wipe()

	enc, err := EncryptionKeyPair(c.deriver, password, salts.Encryption)
	if err != nil {
		return nil, err
	}
	defer enc.Wipe()

	sig, err := SigningKeyPair(c.deriver, password, salts.Signing)
	if err != nil {
		return nil, err
	}
	defer sig.Wipe()

	return &model.AccountKeys{
		LoginPublicKey:      login.PublicKey(),
		EncryptionPublicKey: enc.PublicKey(),
		SigningPublicKey:    sig.PublicKey(),
	}, nil
}

// Login proves knowledge of password and installs the session keys. The one-time code issued by the
// server is exchanged immediately.
func (c *Client) Login(ctx context.Context, email, password string) (*model.SessionInfo, error) {
	p, err := c.BeginLogin(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return p.Complete(ctx, p.ticket.Code)
}

// BeginLogin runs the challenge-response half of login. The returned PendingLogin waits for the one-time code.
func (c *Client) BeginLogin(ctx context.Context, email, password string) (*PendingLogin, error) {
	f := &loginFlow{client: c, email: normalize(email), password: password}
	if err := f.run(ctx, stepFetchSalts, stepAwaitCode); err != nil {
		return nil, err
	}
	return &PendingLogin{flow: f, ticket: f.ticket}, nil
}

// Logout deletes the session keys and the persisted session id. Keys are cleared even if the server call fails.
func (c *Client) Logout(ctx context.Context) error {
	c.state.Delete()

	id, err := c.kv.Get(ctx, SessionIDKey)
	if err != nil {
		return err
	}
	if err := c.kv.Set(ctx, SessionIDKey, ""); err != nil {
		return err
	}
	if id == "" {
		return nil
	}
	if err := c.server.Logout(ctx, id); err != nil && !errors.Is(err, verrors.ErrNotFound) {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// SessionID returns the persisted session id, or "" when logged out.
func (c *Client) SessionID(ctx context.Context) (string, error) {
	return c.kv.Get(ctx, SessionIDKey)
}

// PendingLogin is a login whose signature was accepted and that waits for the one-time code.
type PendingLogin struct {
	flow   *loginFlow
	ticket *model.LoginTicket
}

func (p *PendingLogin) Ticket() model.LoginTicket {
	return *p.ticket
}

// Complete exchanges code for a session and derives the session keys. On failure the pending login is spent.
func (p *PendingLogin) Complete(ctx context.Context, code string) (*model.SessionInfo, error) {
	p.flow.code = code
	if err := p.flow.run(ctx, stepAwaitCode, stepDone); err != nil {
		return nil, err
	}
	return p.flow.info, nil
}

type step int

const (
	stepFetchSalts step = iota
	stepRequestChallenge
	stepSign
	stepSubmitSignature
	stepAwaitCode
	stepExchangeCode
	stepDeriveSession
	stepDone
)

var stepNames = [...]string{
	"fetch salts", "request challenge", "sign challenge", "submit signature",
	"await code", "exchange code", "derive session keys", "done",
}

func (s step) String() string {
	return stepNames[s]
}

// loginFlow executes the login steps strictly in order. Each step consumes what the previous one produced.
type loginFlow struct {
	client   *Client
	email    string
	password string

	step      step
	salts     *model.Salts
	challenge *model.Challenge
	signature []byte
	ticket    *model.LoginTicket
	code      string
	info      *model.SessionInfo
}

func (f *loginFlow) run(ctx context.Context, from, until step) error {
	if f.step != from {
		return fmt.Errorf("%w: login is at step %q, not %q", verrors.ErrInvalidInput, f.step, from)
	}
	for f.step != until {
		log.Debug("login step", zap.String("email", f.email), zap.Stringer("step", f.step))
		if err := f.advance(ctx); err != nil {
			f.password = ""
			f.step = stepDone
			return err
		}
	}
	return nil
}

func (f *loginFlow) advance(ctx context.Context) error {
	c := f.client
	switch f.step {
	case stepFetchSalts:
		salts, err := c.server.GetSalts(ctx, f.email)
		if err != nil {
			return authFailure("fetch salts", err)
		}
		f.salts = salts

	case stepRequestChallenge:
		ch, err := c.server.RequestChallenge(ctx, &model.ChallengeRequest{Email: f.email})
		if err != nil {
			return authFailure("request challenge", err)
		}
		f.challenge = ch

	case stepSign:
		pair, err := LoginKeyPair(c.deriver, f.password, *f.salts)
		if err != nil {
			return err
		}
		f.signature = pair.Sign(ChallengeMessage(f.challenge))
		pair.Wipe()

	case stepSubmitSignature:
		ticket, err := c.server.SubmitSignature(ctx, &model.ChallengeResponse{
			Email:       f.email,
			ChallengeID: f.challenge.ID,
			Signature:   f.signature,
		})
		if err != nil {
			log.Warn("login signature rejected", zap.String("email", f.email))
			return authFailure("submit signature", err)
		}
		f.ticket = ticket

	case stepExchangeCode:
		info, err := c.server.ExchangeCode(ctx, &model.CodeExchange{Email: f.email, Code: f.code})
		if err != nil {
			return authFailure("exchange code", err)
		}
		f.info = info

	case stepDeriveSession:
		keys, err := DeriveKeys(c.deriver, f.password, f.info.Salts)
		f.password = ""
		if err != nil {
			return c.abandon(ctx, f.info, err)
		}
		if !bytes.Equal(keys.Encryption.PublicKey(), f.info.Keys.EncryptionPublicKey) {
			keys.Wipe()
			return c.abandon(ctx, f.info, fmt.Errorf("%w: derived encryption key does not match account", verrors.ErrAuthenticationFailed))
		}
		c.state.Install(keys)
		if err := c.kv.Set(ctx, SessionIDKey, f.info.SessionID); err != nil {
			c.state.Delete()
			return c.abandon(ctx, f.info, fmt.Errorf("persist session id: %w", err))
		}
		log.Info("logged in", zap.String("email", f.email))
	}
	f.step++
	return nil
}

// abandon ends a server session that was issued but could not be taken into use, then returns cause.
func (c *Client) abandon(ctx context.Context, info *model.SessionInfo, cause error) error {
	if err := c.server.Logout(ctx, info.SessionID); err != nil && !errors.Is(err, verrors.ErrNotFound) {
		log.Warn("end abandoned session failed", zap.Error(err))
		return errors.Join(cause, fmt.Errorf("end abandoned session: %w", err))
	}
	return cause
}

// authFailure keeps ErrAuthenticationFailed distinguishable while preserving the collaborator error.
func authFailure(stage string, err error) error {
	if errors.Is(err, verrors.ErrAuthenticationFailed) || errors.Is(err, verrors.ErrNotFound) {
		return fmt.Errorf("%s: %w: %w", stage, verrors.ErrAuthenticationFailed, err)
	}
	return fmt.Errorf("%s: %w", stage, err)
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
