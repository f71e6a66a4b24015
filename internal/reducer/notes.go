package reducer

import (
	"github.com/kimhsiao/crmorbit/backend/internal/document"
	"github.com/kimhsiao/crmorbit/backend/internal/events"
)

func noteCreated(doc *document.Document, e events.Event) (*document.Document, error) {
	id, err := targetID(e)
	if err != nil {
		return nil, err
	}
	if _, ok := doc.Notes[id]; ok {
		return nil, duplicate("note", id)
	}
	var n document.Note
	if err := mergePayload(e, &n); err != nil {
		return nil, err
	}
	if blank(n.Body) && blank(n.Title) {
		return nil, required("note", id, "body")
	}
	n.ID, n.CreatedAt, n.UpdatedAt = id, e.Timestamp, e.Timestamp

	next := doc.Clone()
	next.Notes = put(doc.Notes, id, n)
	return next, nil
}

func noteUpdated(doc *document.Document, e events.Event) (*document.Document, error) {
	id, err := targetID(e)
	if err != nil {
		return nil, err
	}
	n, ok := doc.Notes[id]
	if !ok {
		return nil, notFound("note", id)
	}
	created := n.CreatedAt
	if err := mergePayload(e, &n); err != nil {
		return nil, err
	}
	n.ID, n.CreatedAt, n.UpdatedAt = id, created, e.Timestamp

	next := doc.Clone()
	next.Notes = put(doc.Notes, id, n)
	return next, nil
}

func noteDeleted(doc *document.Document, e events.Event) (*document.Document, error) {
	id, err := targetID(e)
	if err != nil {
		return nil, err
	}
	if _, ok := doc.Notes[id]; !ok {
		return nil, notFound("note", id)
	}
	next := doc.Clone()
	next.Notes = remove(doc.Notes, id)
	next.Links = withoutLinks(doc.Links, document.EntityNote, id)
	return next, nil
}
