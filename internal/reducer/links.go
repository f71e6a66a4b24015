package reducer

import (
	"github.com/kimhsiao/crmorbit/backend/internal/document"
	"github.com/kimhsiao/crmorbit/backend/internal/events"
)

func linkCreated(doc *document.Document, e events.Event) (*document.Document, error) {
	id, err := targetID(e)
	if err != nil {
		return nil, err
	}
	if _, ok := doc.Links[id]; ok {
		return nil, duplicate("link", id)
	}
	var l document.Link
	if err := mergePayload(e, &l); err != nil {
		return nil, err
	}
	for _, end := range []struct {
		t  document.EntityType
		id string
	}{{l.SourceType, l.SourceID}, {l.TargetType, l.TargetID}} {
		if !document.ValidEntityType(end.t) {
			return nil, invariant("link %s: unknown entity type %q", id, end.t)
		}
		if !doc.Exists(end.t, end.id) {
			return nil, notFound(string(end.t), end.id)
		}
	}
	for _, existing := range doc.Links {
		if existing.SourceType == l.SourceType && existing.SourceID == l.SourceID &&
			existing.TargetType == l.TargetType && existing.TargetID == l.TargetID {
			return nil, duplicate("link", existing.ID)
		}
	}
	l.ID, l.CreatedAt = id, e.Timestamp

	next := doc.Clone()
	next.Links = put(doc.Links, id, l)
	return next, nil
}

func linkDeleted(doc *document.Document, e events.Event) (*document.Document, error) {
	id, err := targetID(e)
	if err != nil {
		return nil, err
	}
	if _, ok := doc.Links[id]; !ok {
		return nil, notFound("link", id)
	}
	next := doc.Clone()
	next.Links = remove(doc.Links, id)
	return next, nil
}
