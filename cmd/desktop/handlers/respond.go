// Package handlers provides the REST handlers of the desktop API.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	apperrors "github.com/kimhsiao/crmorbit/backend/internal/errors"
	"github.com/kimhsiao/crmorbit/backend/internal/logging"
)

// maxBodyBytes bounds request bodies. Event batches and QR payloads are
// small; backups travel as file paths.
const maxBodyBytes = 8 << 20

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

// StatusFor maps an error code onto an HTTP status.
func StatusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrValidation, apperrors.ErrUnknownEventType,
		apperrors.ErrUnsupportedVersion, apperrors.ErrMissingSignaling:
		return http.StatusBadRequest
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrDuplicate, apperrors.ErrInvariant, apperrors.ErrSyncInProgress:
		return http.StatusConflict
	case apperrors.ErrDecryptInvalidGhash, apperrors.ErrDecryptUnknown, apperrors.ErrIncompleteBundle:
		return http.StatusUnprocessableEntity
	case apperrors.ErrTransport, apperrors.ErrSyncFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("failed to write response", err, nil)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := StatusFor(code)
	if status == http.StatusInternalServerError {
		logging.Error("request failed", err, nil)
	}
	writeJSON(w, status, map[string]ErrorBody{"error": {Code: code, Message: err.Error()}})
}

// decode reads a JSON body into v. An empty body leaves v unchanged.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid request body", err)
	}
	return nil
}
