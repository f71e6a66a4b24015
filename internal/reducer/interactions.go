package reducer

import (
	"github.com/kimhsiao/crmorbit/backend/internal/document"
	"github.com/kimhsiao/crmorbit/backend/internal/events"
)

func interactionLogged(doc *document.Document, e events.Event) (*document.Document, error) {
	id, err := targetID(e)
	if err != nil {
		return nil, err
	}
	if _, ok := doc.Interactions[id]; ok {
		return nil, duplicate("interaction", id)
	}
	var in document.Interaction
	if err := mergePayload(e, &in); err != nil {
		return nil, err
	}
	if err := checkInteraction(doc, id, in); err != nil {
		return nil, err
	}
	if in.OccurredAt == "" {
		in.OccurredAt = e.Timestamp
	}
	in.ID, in.CreatedAt, in.UpdatedAt = id, e.Timestamp, e.Timestamp

	next := doc.Clone()
	next.Interactions = put(doc.Interactions, id, in)
	return next, nil
}

func interactionUpdated(doc *document.Document, e events.Event) (*document.Document, error) {
	id, err := targetID(e)
	if err != nil {
		return nil, err
	}
	in, ok := doc.Interactions[id]
	if !ok {
		return nil, notFound("interaction", id)
	}
	created := in.CreatedAt
	if err := mergePayload(e, &in); err != nil {
		return nil, err
	}
	if err := checkInteraction(doc, id, in); err != nil {
		return nil, err
	}
	in.ID, in.CreatedAt, in.UpdatedAt = id, created, e.Timestamp

	next := doc.Clone()
	next.Interactions = put(doc.Interactions, id, in)
	return next, nil
}

func checkInteraction(doc *document.Document, id string, in document.Interaction) error {
	if blank(in.Kind) {
		return required("interaction", id, "kind")
	}
	if in.ContactID != "" {
		if _, ok := doc.Contacts[in.ContactID]; !ok {
			return notFound("contact", in.ContactID)
		}
	}
	return nil
}

func interactionDeleted(doc *document.Document, e events.Event) (*document.Document, error) {
	id, err := targetID(e)
	if err != nil {
		return nil, err
	}
	if _, ok := doc.Interactions[id]; !ok {
		return nil, notFound("interaction", id)
	}
	next := doc.Clone()
	next.Interactions = remove(doc.Interactions, id)
	next.Links = withoutLinks(doc.Links, document.EntityInteraction, id)
	return next, nil
}
