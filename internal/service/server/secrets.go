package server

import (
	"context"
	"fmt"
	"net/http"

	verrors "e2e_vault/internal/errors"
	"e2e_vault/internal/model"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

func canRead(sec *model.Secret, email string) bool {
	if sec.Owner == email {
		return true
	}
	_, ok := sec.Envelope.KeyFor(email)
	return ok
}

func recipients(env *model.Envelope) []string {
	out := make([]string, 0, len(env.RecipientKeys))
	for _, k := range env.RecipientKeys {
		out = append(out, k.Email)
	}
	return out
}

func validateEnvelope(env *model.Envelope) error {
	if env.OwnerKey == "" || len(env.OwnerPublicKey) == 0 {
		return fmt.Errorf("%w: envelope has no owner key", verrors.ErrInvalidInput)
	}
	for _, k := range env.RecipientKeys {
		if k.Email == "" || k.Key == "" || len(k.SenderPublicKey) == 0 {
			return fmt.Errorf("%w: malformed recipient key", verrors.ErrInvalidInput)
		}
	}
	return nil
}

// secretFor loads a secret visible to email. Secrets the caller cannot read are reported as missing.
func (s *HttpServer) secretFor(ctx context.Context, id, email string) (*model.Secret, error) {
	sec, err := s.secrets.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sec == nil || !canRead(sec, email) {
		return nil, fmt.Errorf("secret %s: %w", id, verrors.ErrNotFound)
	}
	return sec, nil
}

func (s *HttpServer) ListSecrets() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := s.secrets.ListFor(r.Context(), SessionEmail(r.Context()))
		if err != nil {
			writeError(w, "list secrets failed", err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func (s *HttpServer) CreateSecret() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		email := SessionEmail(ctx)

		var sec model.Secret
		if err := decode(r, &sec); err != nil {
			writeError(w, "create secret failed", err)
			return
		}
		if err := validateEnvelope(&sec.Envelope); err != nil {
			writeError(w, "create secret failed", err)
			return
		}

		now := s.now().UTC()
		sec.ID = uuid.NewString()
		sec.Owner = email
		sec.CreatedAt, sec.UpdatedAt = now, now
		if err := s.secrets.Create(ctx, &sec); err != nil {
			writeError(w, "create secret failed", err)
			return
		}

		s.Publish(ctx, &model.Event{Type: model.EventSecretChanged, SecretID: sec.ID, To: recipients(&sec.Envelope)})
		writeJSON(w, http.StatusCreated, &sec)
	}
}

func (s *HttpServer) GetSecret() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sec, err := s.secretFor(r.Context(), mux.Vars(r)["id"], SessionEmail(r.Context()))
		if err != nil {
			writeError(w, "get secret failed", err)
			return
		}
		writeJSON(w, http.StatusOK, sec)
	}
}

// UpdateSecret replaces the envelope. Only the owner may change payload or recipients.
func (s *HttpServer) UpdateSecret() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		email := SessionEmail(ctx)

		existing, err := s.secretFor(ctx, mux.Vars(r)["id"], email)
		if err != nil {
			writeError(w, "update secret failed", err)
			return
		}
		if existing.Owner != email {
			writeError(w, "update secret failed", fmt.Errorf("%w: only the owner may update a secret", verrors.ErrNotParticipant))
			return
		}

		var body model.Secret
		if err := decode(r, &body); err != nil {
			writeError(w, "update secret failed", err)
			return
		}
		if err := validateEnvelope(&body.Envelope); err != nil {
			writeError(w, "update secret failed", err)
			return
		}

		notify := append(recipients(&existing.Envelope), recipients(&body.Envelope)...)
		existing.Envelope = body.Envelope
		existing.UpdatedAt = s.now().UTC()
		if err := s.secrets.Update(ctx, existing); err != nil {
			writeError(w, "update secret failed", err)
			return
		}

		s.Publish(ctx, &model.Event{Type: model.EventSecretChanged, SecretID: existing.ID, To: dedupe(notify)})
		writeJSON(w, http.StatusOK, existing)
	}
}

func (s *HttpServer) DeleteSecret() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		email := SessionEmail(ctx)

		existing, err := s.secretFor(ctx, mux.Vars(r)["id"], email)
		if err != nil {
			writeError(w, "delete secret failed", err)
			return
		}
		if existing.Owner != email {
			writeError(w, "delete secret failed", fmt.Errorf("%w: only the owner may delete a secret", verrors.ErrNotParticipant))
			return
		}
		if err := s.secrets.Delete(ctx, existing.ID); err != nil {
			writeError(w, "delete secret failed", err)
			return
		}

		s.Publish(ctx, &model.Event{Type: model.EventSecretDeleted, SecretID: existing.ID, To: recipients(&existing.Envelope)})
		writeJSON(w, http.StatusNoContent, nil)
	}
}

func dedupe(emails []string) []string {
	seen := make(map[string]struct{}, len(emails))
	out := make([]string, 0, len(emails))
	for _, e := range emails {
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}
