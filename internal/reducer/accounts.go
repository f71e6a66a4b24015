package reducer

import (
	"github.com/kimhsiao/crmorbit/backend/internal/document"
	"github.com/kimhsiao/crmorbit/backend/internal/events"
)

func accountCreated(doc *document.Document, e events.Event) (*document.Document, error) {
	id, err := targetID(e)
	if err != nil {
		return nil, err
	}
	if _, ok := doc.Accounts[id]; ok {
		return nil, duplicate("account", id)
	}
	var a document.Account
	if err := mergePayload(e, &a); err != nil {
		return nil, err
	}
	if blank(a.Name) {
		return nil, required("account", id, "name")
	}
	if blank(a.OrganizationID) {
		return nil, required("account", id, "organizationId")
	}
	if _, ok := doc.Organizations[a.OrganizationID]; !ok {
		return nil, notFound("organization", a.OrganizationID)
	}
	if a.Status == "" {
		a.Status = "active"
	}
	a.ID, a.CreatedAt, a.UpdatedAt = id, e.Timestamp, e.Timestamp

	next := doc.Clone()
	next.Accounts = put(doc.Accounts, id, a)
	return next, nil
}

func accountUpdated(doc *document.Document, e events.Event) (*document.Document, error) {
	id, err := targetID(e)
	if err != nil {
		return nil, err
	}
	a, ok := doc.Accounts[id]
	if !ok {
		return nil, notFound("account", id)
	}
	created := a.CreatedAt
	if err := mergePayload(e, &a); err != nil {
		return nil, err
	}
	if blank(a.Name) {
		return nil, required("account", id, "name")
	}
	if _, ok := doc.Organizations[a.OrganizationID]; !ok {
		return nil, notFound("organization", a.OrganizationID)
	}
	a.ID, a.CreatedAt, a.UpdatedAt = id, created, e.Timestamp

	next := doc.Clone()
	next.Accounts = put(doc.Accounts, id, a)
	return next, nil
}

func accountDeleted(doc *document.Document, e events.Event) (*document.Document, error) {
	id, err := targetID(e)
	if err != nil {
		return nil, err
	}
	if _, ok := doc.Accounts[id]; !ok {
		return nil, notFound("account", id)
	}
	next := doc.Clone()
	next.Accounts = remove(doc.Accounts, id)
	next.Links = withoutLinks(doc.Links, document.EntityAccount, id)
	return next, nil
}
