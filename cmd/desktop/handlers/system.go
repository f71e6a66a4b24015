package handlers

import (
	"context"
	"net/http"

	"github.com/kimhsiao/crmorbit/backend/internal/app"
	apperrors "github.com/kimhsiao/crmorbit/backend/internal/errors"
)

// Device is the part of the app the system handler reports on.
type Device interface {
	Status(ctx context.Context) (app.Status, error)
}

// Resetter deletes all local data.
type Resetter interface {
	Reset(ctx context.Context) error
}

// SystemHandler serves health, status and reset.
type SystemHandler struct {
	device  Device
	reset   Resetter
	version string
}

// NewSystemHandler creates a new SystemHandler.
func NewSystemHandler(device Device, reset Resetter, version string) *SystemHandler {
	return &SystemHandler{device: device, reset: reset, version: version}
}

// Health handles GET /api/health
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "crmorbit-desktop",
		"version": h.version,
	})
}

// Status handles GET /api/status
func (h *SystemHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.device.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ResetRequest must confirm the reset.
type ResetRequest struct {
	Confirm bool `json:"confirm"`
}

// Reset handles POST /api/reset
func (h *SystemHandler) Reset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !req.Confirm {
		writeError(w, apperrors.New(apperrors.ErrValidation, "reset must be confirmed"))
		return
	}
	if err := h.reset.Reset(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
