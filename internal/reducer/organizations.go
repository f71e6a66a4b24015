package reducer

import (
	"maps"

	"github.com/kimhsiao/crmorbit/backend/internal/document"
	"github.com/kimhsiao/crmorbit/backend/internal/events"
)

func organizationCreated(doc *document.Document, e events.Event) (*document.Document, error) {
	id, err := targetID(e)
	if err != nil {
		return nil, err
	}
	if _, ok := doc.Organizations[id]; ok {
		return nil, duplicate("organization", id)
	}
	var o document.Organization
	if err := mergePayload(e, &o); err != nil {
		return nil, err
	}
	if blank(o.Name) {
		return nil, required("organization", id, "name")
	}
	o.ID, o.CreatedAt, o.UpdatedAt = id, e.Timestamp, e.Timestamp

	next := doc.Clone()
	next.Organizations = put(doc.Organizations, id, o)
	return next, nil
}

func organizationUpdated(doc *document.Document, e events.Event) (*document.Document, error) {
	id, err := targetID(e)
	if err != nil {
		return nil, err
	}
	o, ok := doc.Organizations[id]
	if !ok {
		return nil, notFound("organization", id)
	}
	created := o.CreatedAt
	if err := mergePayload(e, &o); err != nil {
		return nil, err
	}
	if blank(o.Name) {
		return nil, required("organization", id, "name")
	}
	o.ID, o.CreatedAt, o.UpdatedAt = id, created, e.Timestamp

	next := doc.Clone()
	next.Organizations = put(doc.Organizations, id, o)
	return next, nil
}

// organizationDeleted is blocked while accounts or audits still reference
// the organization. Contacts keep existing but lose the reference.
func organizationDeleted(doc *document.Document, e events.Event) (*document.Document, error) {
	id, err := targetID(e)
	if err != nil {
		return nil, err
	}
	if _, ok := doc.Organizations[id]; !ok {
		return nil, notFound("organization", id)
	}
	for _, a := range doc.Accounts {
		if a.OrganizationID == id {
			return nil, invariant("organization %s still has account %s", id, a.ID)
		}
	}
	for _, a := range doc.Audits {
		if a.OrganizationID == id {
			return nil, invariant("organization %s still has audit %s", id, a.ID)
		}
	}

	next := doc.Clone()
	next.Organizations = remove(doc.Organizations, id)
	next.Links = withoutLinks(doc.Links, document.EntityOrganization, id)
	cloned := false
	for cid, c := range doc.Contacts {
		if c.OrganizationID != id {
			continue
		}
		if !cloned {
			next.Contacts = maps.Clone(doc.Contacts)
			cloned = true
		}
		c.OrganizationID = ""
		c.UpdatedAt = e.Timestamp
		next.Contacts[cid] = c
	}
	return next, nil
}
