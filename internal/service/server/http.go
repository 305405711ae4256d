package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	verrors "e2e_vault/internal/errors"
	"e2e_vault/internal/utils/log"

	"go.uber.org/zap"
)

const maxBodySize = 4 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("encode response failed", zap.Error(err))
	}
}

// writeError maps the error taxonomy onto HTTP status codes. Unknown errors are logged and hidden.
func writeError(w http.ResponseWriter, msg string, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		log.Error(msg, zap.Error(err))
		writeJSON(w, status, errorResponse{Error: msg})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func StatusFor(err error) int {
	switch {
	case errors.Is(err, verrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, verrors.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, verrors.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, verrors.ErrAuthenticationFailed), errors.Is(err, verrors.ErrNoSession):
		return http.StatusUnauthorized
	case errors.Is(err, verrors.ErrNotParticipant):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func decode(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", verrors.ErrInvalidInput, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", verrors.ErrInvalidInput, err)
	}
	return nil
}
