package server

import (
	"context"
	"fmt"
	"net/http"

	verrors "e2e_vault/internal/errors"
	"e2e_vault/internal/model"
	"e2e_vault/internal/utils/log"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func validateGroupKeys(keys []model.WrappedKey, caller string) error {
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k.Email == "" || k.Key == "" || len(k.SenderPublicKey) == 0 {
			return fmt.Errorf("%w: malformed wrapped key", verrors.ErrInvalidInput)
		}
		if _, dup := seen[k.Email]; dup {
			return fmt.Errorf("%w: duplicate wrapped key for %s", verrors.ErrInvalidInput, k.Email)
		}
		seen[k.Email] = struct{}{}
	}
	if _, ok := seen[caller]; !ok {
		return fmt.Errorf("%w: caller must keep a wrapped key", verrors.ErrInvalidInput)
	}
	return nil
}

func (s *HttpServer) groupFor(ctx context.Context, id, email string) (*model.Group, error) {
	g, err := s.groups.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fmt.Errorf("group %s: %w", id, verrors.ErrNotFound)
	}
	if _, ok := g.KeyFor(email); !ok {
		return nil, fmt.Errorf("group %s: %w", id, verrors.ErrNotParticipant)
	}
	return g, nil
}

func others(emails []string, self string) []string {
	out := make([]string, 0, len(emails))
	for _, e := range emails {
		if e != self {
			out = append(out, e)
		}
	}
	return out
}

func (s *HttpServer) ListGroups() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := s.groups.ListFor(r.Context(), SessionEmail(r.Context()))
		if err != nil {
			writeError(w, "list groups failed", err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func (s *HttpServer) CreateGroup() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		email := SessionEmail(ctx)

		var g model.Group
		if err := decode(r, &g); err != nil {
			writeError(w, "create group failed", err)
			return
		}
		if err := validateGroupKeys(g.WrappedKeys, email); err != nil {
			writeError(w, "create group failed", err)
			return
		}

		g.ID = uuid.NewString()
		g.Owner = email
		g.Version = 1
		g.UpdatedAt = s.now().UTC()
		for i := range g.Secrets {
			if g.Secrets[i].ID == "" {
				g.Secrets[i].ID = uuid.NewString()
			}
		}
		if err := s.groups.Create(ctx, &g); err != nil {
			writeError(w, "create group failed", err)
			return
		}

		s.Publish(ctx, &model.Event{Type: model.EventGroupChanged, GroupID: g.ID, Version: g.Version, To: others(g.Participants(), email)})
		writeJSON(w, http.StatusCreated, &g)
	}
}

func (s *HttpServer) GetGroup() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g, err := s.groupFor(r.Context(), mux.Vars(r)["id"], SessionEmail(r.Context()))
		if err != nil {
			writeError(w, "get group failed", err)
			return
		}
		writeJSON(w, http.StatusOK, g)
	}
}

// UpdateGroup stores added secrets or members. It refuses to drop a participant: removal goes through rotation.
func (s *HttpServer) UpdateGroup() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		email := SessionEmail(ctx)

		existing, err := s.groupFor(ctx, mux.Vars(r)["id"], email)
		if err != nil {
			writeError(w, "update group failed", err)
			return
		}

		var body model.Group
		if err := decode(r, &body); err != nil {
			writeError(w, "update group failed", err)
			return
		}
		if err := validateGroupKeys(body.WrappedKeys, email); err != nil {
			writeError(w, "update group failed", err)
			return
		}
		for _, p := range existing.Participants() {
			if _, ok := body.KeyFor(p); !ok {
				writeError(w, "update group failed", fmt.Errorf("%w: removing %s requires a key rotation", verrors.ErrInvalidInput, p))
				return
			}
		}
		for i := range body.Secrets {
			if body.Secrets[i].ID == "" {
				body.Secrets[i].ID = uuid.NewString()
			}
		}

		body.ID = existing.ID
		updated, err := s.groups.Update(ctx, &body)
		if err != nil {
			writeError(w, "update group failed", err)
			return
		}

		s.Publish(ctx, &model.Event{Type: model.EventGroupChanged, GroupID: updated.ID, Version: updated.Version, To: others(updated.Participants(), email)})
		writeJSON(w, http.StatusOK, updated)
	}
}

// RotateGroup applies a client-side rotation in one write. Removed participants are notified so they drop
// cached keys.
func (s *HttpServer) RotateGroup() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		email := SessionEmail(ctx)

		existing, err := s.groupFor(ctx, mux.Vars(r)["id"], email)
		if err != nil {
			writeError(w, "rotate group failed", err)
			return
		}

		var rot model.GroupRotation
		if err := decode(r, &rot); err != nil {
			writeError(w, "rotate group failed", err)
			return
		}
		if err := validateGroupKeys(rot.WrappedKeys, email); err != nil {
			writeError(w, "rotate group failed", err)
			return
		}
		if len(rot.Secrets) != len(existing.Secrets) {
			writeError(w, "rotate group failed", fmt.Errorf("%w: rotation must re-encrypt every secret", verrors.ErrInvalidInput))
			return
		}

		updated, err := s.groups.Replace(ctx, existing.ID, &rot)
		if err != nil {
			writeError(w, "rotate group failed", err)
			return
		}
		s.metrics.rotations.Inc()
		log.Info("group rotated", zap.String("group", updated.ID), zap.Int("version", updated.Version))

		notify := dedupe(append(existing.Participants(), updated.Participants()...))
		s.Publish(ctx, &model.Event{Type: model.EventGroupRotated, GroupID: updated.ID, Version: updated.Version, To: others(notify, email)})
		writeJSON(w, http.StatusOK, updated)
	}
}

func (s *HttpServer) DeleteGroup() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		email := SessionEmail(ctx)

		existing, err := s.groupFor(ctx, mux.Vars(r)["id"], email)
		if err != nil {
			writeError(w, "delete group failed", err)
			return
		}
		if existing.Owner != email {
			writeError(w, "delete group failed", fmt.Errorf("%w: only the owner may delete a group", verrors.ErrNotParticipant))
			return
		}
		if err := s.groups.Delete(ctx, existing.ID); err != nil {
			writeError(w, "delete group failed", err)
			return
		}

		s.Publish(ctx, &model.Event{Type: model.EventGroupChanged, GroupID: existing.ID, To: others(existing.Participants(), email)})
		writeJSON(w, http.StatusNoContent, nil)
	}
}
