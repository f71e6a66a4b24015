package reducer

import (
	"maps"
	"strings"

	"github.com/kimhsiao/crmorbit/backend/internal/document"
	apperrors "github.com/kimhsiao/crmorbit/backend/internal/errors"
	"github.com/kimhsiao/crmorbit/backend/internal/events"
)

// idPayload picks up an id carried in the payload when the event has no
// entityId.
type idPayload struct {
	ID string `json:"id"`
}

// targetID resolves the entity an event acts on.
func targetID(e events.Event) (string, error) {
	if id := strings.TrimSpace(e.EntityID); id != "" {
		return id, nil
	}
	var p idPayload
	if err := e.DecodePayload(&p); err != nil {
		return "", err
	}
	if id := strings.TrimSpace(p.ID); id != "" {
		return id, nil
	}
	return "", apperrors.Newf(apperrors.ErrValidation, "event %s: entity id is required", e.ID)
}

// mergePayload overlays the event payload onto v. Fields absent from the
// payload keep their current value.
func mergePayload(e events.Event, v interface{}) error {
	return e.DecodePayload(v)
}

func put[V any](m map[string]V, id string, v V) map[string]V {
	c := maps.Clone(m)
	if c == nil {
		c = map[string]V{}
	}
	c[id] = v
	return c
}

func remove[V any](m map[string]V, id string) map[string]V {
	c := maps.Clone(m)
	delete(c, id)
	return c
}

// withoutLinks drops every link touching the entity. The original map is
// returned unchanged when nothing references it.
func withoutLinks(links map[string]document.Link, t document.EntityType, id string) map[string]document.Link {
	var c map[string]document.Link
	for lid, l := range links {
		if (l.SourceType == t && l.SourceID == id) || (l.TargetType == t && l.TargetID == id) {
			if c == nil {
				c = maps.Clone(links)
			}
			delete(c, lid)
		}
	}
	if c == nil {
		return links
	}
	return c
}

func notFound(kind, id string) error {
	return apperrors.Newf(apperrors.ErrNotFound, "%s %s not found", kind, id)
}

func duplicate(kind, id string) error {
	return apperrors.Newf(apperrors.ErrDuplicate, "%s %s already exists", kind, id)
}

func invariant(format string, args ...interface{}) error {
	return apperrors.Newf(apperrors.ErrInvariant, format, args...)
}

func required(kind, id, field string) error {
	return apperrors.Newf(apperrors.ErrValidation, "%s %s: %s is required", kind, id, field)
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}
