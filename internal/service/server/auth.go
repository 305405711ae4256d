package server

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"e2e_vault/internal/codec"
	"e2e_vault/internal/cryptographic/dh"
	"e2e_vault/internal/cryptographic/kdf"
	"e2e_vault/internal/cryptographic/signature"
	verrors "e2e_vault/internal/errors"
	"e2e_vault/internal/model"
	"e2e_vault/internal/protocol/session"
	redisSvc "e2e_vault/internal/service/redis"
	"e2e_vault/internal/utils/log"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	nonceSize  = 32
	codeDigits = 6
)

type ctxKey struct{}

type storedChallenge struct {
	Email string `json:"email"`
	Nonce []byte `json:"nonce"`
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SessionEmail returns the authenticated email attached by requireSession.
func SessionEmail(ctx context.Context) string {
	email, _ := ctx.Value(ctxKey{}).(string)
	return email
}

func (s *HttpServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if id == "" {
			writeError(w, "missing session", verrors.ErrNoSession)
			return
		}
		email, err := s.cache.Get(r.Context(), sessionKey(id))
		if redisSvc.IsNil(err) {
			writeError(w, "unknown session", verrors.ErrNoSession)
			return
		}
		if err != nil {
			writeError(w, "session lookup failed", err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKey{}, email)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *HttpServer) account(ctx context.Context, email string) (*model.Account, error) {
	acc, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, fmt.Errorf("account %s: %w", email, verrors.ErrNotFound)
	}
	return acc, nil
}

func (s *HttpServer) GetSalts() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acc, err := s.account(r.Context(), normalize(mux.Vars(r)["email"]))
		if err != nil {
			writeError(w, "get salts failed", err)
			return
		}
		writeJSON(w, http.StatusOK, acc.Salts)
	}
}

func (s *HttpServer) GetPublicKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acc, err := s.account(r.Context(), normalize(mux.Vars(r)["email"]))
		if err != nil {
			writeError(w, "get public key failed", err)
			return
		}
		writeJSON(w, http.StatusOK, model.PublicKeyResponse{Email: acc.Email, PublicKey: acc.Keys.EncryptionPublicKey})
	}
}

// IssueRegistrationToken creates a single-use token for an email. Delivery is out of band; the reference
// server returns it in the response when ReturnTokens is set.
func (s *HttpServer) IssueRegistrationToken() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.RegistrationToken
		if err := decode(r, &req); err != nil {
			writeError(w, "issue token failed", err)
			return
		}
		email := normalize(req.Email)
		if email == "" {
			writeError(w, "issue token failed", fmt.Errorf("%w: empty email", verrors.ErrInvalidInput))
			return
		}

		token := uuid.NewString()
		if err := s.cache.Set(r.Context(), tokenKey(email), token, s.opts.TokenTTL); err != nil {
			writeError(w, "issue token failed", err)
			return
		}
		log.Info("registration token issued", zap.String("email", email))

		resp := model.RegistrationToken{Email: email}
		if s.opts.ReturnTokens {
			resp.Token = token
		}
		writeJSON(w, http.StatusAccepted, resp)
	}
}

func (s *HttpServer) Register() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var reg model.Registration
		if err := decode(r, &reg); err != nil {
			writeError(w, "register failed", err)
			return
		}
		reg.Email = normalize(reg.Email)
		if err := validateRegistration(&reg); err != nil {
			writeError(w, "register failed", err)
			return
		}

		token, err := s.cache.GetDel(ctx, tokenKey(reg.Email))
		if redisSvc.IsNil(err) || (err == nil && token != reg.Token) {
			writeError(w, "register failed", fmt.Errorf("%w: invalid registration token", verrors.ErrAuthenticationFailed))
			return
		}
		if err != nil {
			writeError(w, "register failed", err)
			return
		}

		acc := &model.Account{Email: reg.Email, Salts: reg.Salts, Keys: reg.Keys, CreatedAt: s.now().UTC()}
		if err := s.accounts.Create(ctx, acc); err != nil {
			writeError(w, "register failed", err)
			return
		}

		s.metrics.registrations.Inc()
		log.Info("account created", zap.String("email", reg.Email))
		writeJSON(w, http.StatusCreated, nil)
	}
}

func validateRegistration(reg *model.Registration) error {
	switch {
	case reg.Email == "":
		return fmt.Errorf("%w: empty email", verrors.ErrInvalidInput)
	case len(reg.Keys.LoginPublicKey) != ed25519.PublicKeySize,
		len(reg.Keys.SigningPublicKey) != ed25519.PublicKeySize,
		len(reg.Keys.EncryptionPublicKey) != dh.KeySize:
		return fmt.Errorf("%w: malformed public key", verrors.ErrInvalidInput)
	}
	for _, salt := range []string{reg.Salts.Login, reg.Salts.Encryption, reg.Salts.Signing} {
		b, err := codec.HexDecode(salt)
		if err != nil || len(b) < kdf.MinSaltLength {
			return fmt.Errorf("%w: malformed salt", verrors.ErrInvalidInput)
		}
	}
	if reg.Salts.Login == reg.Salts.Encryption || reg.Salts.Login == reg.Salts.Signing || reg.Salts.Encryption == reg.Salts.Signing {
		return fmt.Errorf("%w: salts must be distinct", verrors.ErrInvalidInput)
	}
	return nil
}

func (s *HttpServer) IssueChallenge() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req model.ChallengeRequest
		if err := decode(r, &req); err != nil {
			writeError(w, "issue challenge failed", err)
			return
		}
		email := normalize(req.Email)
		if _, err := s.account(ctx, email); err != nil {
			writeError(w, "issue challenge failed", err)
			return
		}

		nonce := make([]byte, nonceSize)
		if _, err := rand.Read(nonce); err != nil {
			writeError(w, "issue challenge failed", err)
			return
		}
		ch := &model.Challenge{ID: uuid.NewString(), Nonce: nonce, ExpiresAt: s.now().Add(s.opts.ChallengeTTL).UTC()}

		data, _ := json.Marshal(storedChallenge{Email: email, Nonce: nonce})
		if err := s.cache.Set(ctx, challengeKey(ch.ID), data, s.opts.ChallengeTTL); err != nil {
			writeError(w, "issue challenge failed", err)
			return
		}
		writeJSON(w, http.StatusCreated, ch)
	}
}

// VerifySignature consumes a challenge. A signature made with the wrong login key fails with 401 and the
// challenge cannot be retried.
func (s *HttpServer) VerifySignature() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var resp model.ChallengeResponse
		if err := decode(r, &resp); err != nil {
			writeError(w, "verify signature failed", err)
			return
		}
		email := normalize(resp.Email)

		ticket, err := s.verifySignature(ctx, email, &resp)
		if err != nil {
			s.metrics.loginAttempts.WithLabelValues("signature", "rejected").Inc()
			log.Warn("login signature rejected", zap.String("email", email), zap.Error(err))
			writeError(w, "verify signature failed", err)
			return
		}
		s.metrics.loginAttempts.WithLabelValues("signature", "accepted").Inc()
		writeJSON(w, http.StatusOK, ticket)
	}
}

func (s *HttpServer) verifySignature(ctx context.Context, email string, resp *model.ChallengeResponse) (*model.LoginTicket, error) {
	raw, err := s.cache.GetDel(ctx, challengeKey(resp.ChallengeID))
	if redisSvc.IsNil(err) {
		return nil, fmt.Errorf("%w: unknown or expired challenge", verrors.ErrAuthenticationFailed)
	}
	if err != nil {
		return nil, err
	}

	var stored storedChallenge
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, err
	}
	if stored.Email != email {
		return nil, fmt.Errorf("%w: challenge issued to another account", verrors.ErrAuthenticationFailed)
	}

	acc, err := s.account(ctx, email)
	if err != nil {
		return nil, err
	}
	msg := session.ChallengeMessage(&model.Challenge{ID: resp.ChallengeID, Nonce: stored.Nonce})
	if !signature.ED25519Verify(acc.Keys.LoginPublicKey, msg, resp.Signature) {
		return nil, fmt.Errorf("%w: bad signature", verrors.ErrAuthenticationFailed)
	}

	code, err := newCode()
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, codeKey(email, code), "1", s.opts.CodeTTL); err != nil {
		return nil, err
	}
	return &model.LoginTicket{Code: code, ExpiresAt: s.now().Add(s.opts.CodeTTL).UTC()}, nil
}

func (s *HttpServer) ExchangeCode() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req model.CodeExchange
		if err := decode(r, &req); err != nil {
			writeError(w, "exchange code failed", err)
			return
		}
		email := normalize(req.Email)

		_, err := s.cache.GetDel(ctx, codeKey(email, req.Code))
		if redisSvc.IsNil(err) {
			s.metrics.loginAttempts.WithLabelValues("code", "rejected").Inc()
			writeError(w, "exchange code failed", fmt.Errorf("%w: invalid code", verrors.ErrAuthenticationFailed))
			return
		}
		if err != nil {
			writeError(w, "exchange code failed", err)
			return
		}

		acc, err := s.account(ctx, email)
		if err != nil {
			writeError(w, "exchange code failed", err)
			return
		}

		id := uuid.NewString()
		if err := s.cache.Set(ctx, sessionKey(id), email, s.opts.SessionTTL); err != nil {
			writeError(w, "exchange code failed", err)
			return
		}
		s.metrics.loginAttempts.WithLabelValues("code", "accepted").Inc()
		log.Info("session started", zap.String("email", email))

		writeJSON(w, http.StatusOK, model.SessionInfo{
			SessionID: id,
			Email:     email,
			Salts:     acc.Salts,
			Keys:      acc.Keys,
			ExpiresAt: s.now().Add(s.opts.SessionTTL).UTC(),
		})
	}
}

func (s *HttpServer) Logout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if err := s.cache.Del(r.Context(), sessionKey(id)); err != nil {
			writeError(w, "logout failed", err)
			return
		}
		log.Info("session ended", zap.String("email", SessionEmail(r.Context())))
		writeJSON(w, http.StatusNoContent, nil)
	}
}

func newCode() (string, error) {
	limit := big.NewInt(1_000_000)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}
