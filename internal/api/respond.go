package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/filevault/filevault/internal/vault"
	"github.com/filevault/filevault/pkg/proto"
	"github.com/rs/zerolog/log"
)

// statusFor maps a vault error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, vault.ErrValidation), errors.Is(err, vault.ErrInvalidIndex):
		return http.StatusBadRequest
	case errors.Is(err, vault.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, vault.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, vault.ErrNotFound), errors.Is(err, vault.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, vault.ErrSessionExpired), errors.Is(err, vault.ErrExpired), errors.Is(err, vault.ErrLimitReached):
		return http.StatusGone
	case errors.Is(err, vault.ErrSessionTerminal), errors.Is(err, vault.ErrConflict), errors.Is(err, vault.ErrMissingChunk):
		return http.StatusConflict
	case errors.Is(err, vault.ErrQuotaExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, vault.ErrSizeMismatch), errors.Is(err, vault.ErrChecksumMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, vault.ErrChunkWrite):
		return http.StatusServiceUnavailable
	case errors.Is(err, vault.ErrStorage):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("failed to write response")
	}
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, proto.ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// writeError reports err with its status and recovery class.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	resp := proto.ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: err.Error(),
		Class:   string(vault.Classify(err)),
	}
	var missing *vault.MissingChunkError
	if errors.As(err, &missing) {
		idx := missing.Index
		resp.MissingChunk = &idx
	}
	if code >= http.StatusInternalServerError {
		log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	} else {
		log.Debug().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Int("status", code).Msg("request rejected")
	}
	writeJSON(w, code, resp)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return vault.Validationf("invalid request body: %v", err)
	}
	return nil
}
