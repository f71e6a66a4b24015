package reducer

import (
	"github.com/kimhsiao/crmorbit/backend/internal/document"
	"github.com/kimhsiao/crmorbit/backend/internal/events"
)

func contactCreated(doc *document.Document, e events.Event) (*document.Document, error) {
	id, err := targetID(e)
	if err != nil {
		return nil, err
	}
	if _, ok := doc.Contacts[id]; ok {
		return nil, duplicate("contact", id)
	}
	var c document.Contact
	if err := mergePayload(e, &c); err != nil {
		return nil, err
	}
	if err := checkContact(doc, id, c); err != nil {
		return nil, err
	}
	c.ID, c.CreatedAt, c.UpdatedAt = id, e.Timestamp, e.Timestamp

	next := doc.Clone()
	next.Contacts = put(doc.Contacts, id, c)
	return next, nil
}

func contactUpdated(doc *document.Document, e events.Event) (*document.Document, error) {
	id, err := targetID(e)
	if err != nil {
		return nil, err
	}
	c, ok := doc.Contacts[id]
	if !ok {
		return nil, notFound("contact", id)
	}
	created := c.CreatedAt
	if err := mergePayload(e, &c); err != nil {
		return nil, err
	}
	if err := checkContact(doc, id, c); err != nil {
		return nil, err
	}
	c.ID, c.CreatedAt, c.UpdatedAt = id, created, e.Timestamp

	next := doc.Clone()
	next.Contacts = put(doc.Contacts, id, c)
	return next, nil
}

func checkContact(doc *document.Document, id string, c document.Contact) error {
	if blank(c.FirstName) {
		return required("contact", id, "firstName")
	}
	if c.OrganizationID != "" {
		if _, ok := doc.Organizations[c.OrganizationID]; !ok {
			return notFound("organization", c.OrganizationID)
		}
	}
	return nil
}

// contactDeleted is blocked while any link, interaction or calendar event
// references the contact.
func contactDeleted(doc *document.Document, e events.Event) (*document.Document, error) {
	id, err := targetID(e)
	if err != nil {
		return nil, err
	}
	if _, ok := doc.Contacts[id]; !ok {
		return nil, notFound("contact", id)
	}
	if links := doc.LinksFor(document.EntityContact, id); len(links) > 0 {
		return nil, invariant("contact %s is still linked (%d links)", id, len(links))
	}
	for _, i := range doc.Interactions {
		if i.ContactID == id {
			return nil, invariant("contact %s still has interaction %s", id, i.ID)
		}
	}
	for _, ce := range doc.CalendarEvents {
		if ce.ContactID == id {
			return nil, invariant("contact %s still has calendar event %s", id, ce.ID)
		}
	}
	next := doc.Clone()
	next.Contacts = remove(doc.Contacts, id)
	return next, nil
}
