package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/kimhsiao/crmorbit/backend/internal/document"
	apperrors "github.com/kimhsiao/crmorbit/backend/internal/errors"
	"github.com/kimhsiao/crmorbit/backend/internal/events"
)

// Dispatcher is the part of the core the document handler drives.
type Dispatcher interface {
	NewEvent(t events.EventType, entityID string, payload interface{}) (events.Event, error)
	Dispatch(ctx context.Context, evs ...events.Event) (*document.Document, error)
	Document() *document.Document
}

// DocumentHandler reads the document and accepts new events.
type DocumentHandler struct {
	core Dispatcher
}

// NewDocumentHandler creates a new DocumentHandler.
func NewDocumentHandler(core Dispatcher) *DocumentHandler {
	return &DocumentHandler{core: core}
}

// EventInput is one event to create. Id, timestamp and device are
// assigned by the core.
type EventInput struct {
	Type     events.EventType `json:"type"`
	EntityID string           `json:"entityId,omitempty"`
	Payload  json.RawMessage  `json:"payload,omitempty"`
}

// DispatchRequest is the body of POST /api/events.
type DispatchRequest struct {
	Events []EventInput `json:"events"`
}

// DispatchResponse echoes the accepted events and the new document.
type DispatchResponse struct {
	Events   []events.Event     `json:"events"`
	Document *document.Document `json:"document"`
}

// GetDocument handles GET /api/document
func (h *DocumentHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.core.Document())
}

// PostEvents handles POST /api/events
// The batch is applied all or nothing.
func (h *DocumentHandler) PostEvents(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Events) == 0 {
		writeError(w, apperrors.New(apperrors.ErrValidation, "events is required"))
		return
	}

	evs := make([]events.Event, 0, len(req.Events))
	for _, in := range req.Events {
		var payload interface{}
		if len(in.Payload) > 0 {
			payload = in.Payload
		}
		e, err := h.core.NewEvent(in.Type, in.EntityID, payload)
		if err != nil {
			writeError(w, err)
			return
		}
		evs = append(evs, e)
	}

	doc, err := h.core.Dispatch(r.Context(), evs...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, DispatchResponse{Events: evs, Document: doc})
}
