package reducer

import (
	"github.com/kimhsiao/crmorbit/backend/internal/document"
	"github.com/kimhsiao/crmorbit/backend/internal/events"
)

func calendarEventScheduled(doc *document.Document, e events.Event) (*document.Document, error) {
	id, err := targetID(e)
	if err != nil {
		return nil, err
	}
	if _, ok := doc.CalendarEvents[id]; ok {
		return nil, duplicate("calendar event", id)
	}
	var ce document.CalendarEvent
	if err := mergePayload(e, &ce); err != nil {
		return nil, err
	}
	if blank(ce.Title) {
		return nil, required("calendar event", id, "title")
	}
	if blank(ce.StartsAt) {
		return nil, required("calendar event", id, "startsAt")
	}
	if err := checkCalendarEvent(doc, id, &ce); err != nil {
		return nil, err
	}
	ce.ID, ce.CreatedAt, ce.UpdatedAt = id, e.Timestamp, e.Timestamp

	next := doc.Clone()
	next.CalendarEvents = put(doc.CalendarEvents, id, ce)
	return next, nil
}

func calendarEventUpdated(doc *document.Document, e events.Event) (*document.Document, error) {
	id, err := targetID(e)
	if err != nil {
		return nil, err
	}
	ce, ok := doc.CalendarEvents[id]
	if !ok {
		return nil, notFound("calendar event", id)
	}
	created := ce.CreatedAt
	if err := mergePayload(e, &ce); err != nil {
		return nil, err
	}
	if err := checkCalendarEvent(doc, id, &ce); err != nil {
		return nil, err
	}
	ce.ID, ce.CreatedAt, ce.UpdatedAt = id, created, e.Timestamp

	next := doc.Clone()
	next.CalendarEvents = put(doc.CalendarEvents, id, ce)
	return next, nil
}

// checkCalendarEvent defaults the status and enforces that a completed
// event carries its completion time.
func checkCalendarEvent(doc *document.Document, id string, ce *document.CalendarEvent) error {
	if ce.Status == "" {
		ce.Status = document.DefaultCalendarStatus(ce.CompletedAt)
	}
	switch ce.Status {
	case document.CalendarScheduled, document.CalendarCancelled:
	case document.CalendarCompleted:
		if blank(ce.CompletedAt) {
			return invariant("calendar event %s: completed status requires completedAt", id)
		}
	default:
		return invariant("calendar event %s: unknown status %q", id, ce.Status)
	}
	if ce.ContactID != "" {
		if _, ok := doc.Contacts[ce.ContactID]; !ok {
			return notFound("contact", ce.ContactID)
		}
	}
	return nil
}

type completionPayload struct {
	CompletedAt string `json:"completedAt"`
}

func calendarEventCompleted(doc *document.Document, e events.Event) (*document.Document, error) {
	id, err := targetID(e)
	if err != nil {
		return nil, err
	}
	ce, ok := doc.CalendarEvents[id]
	if !ok {
		return nil, notFound("calendar event", id)
	}
	if ce.Status == document.CalendarCancelled {
		return nil, invariant("calendar event %s is cancelled", id)
	}
	var p completionPayload
	if err := mergePayload(e, &p); err != nil {
		return nil, err
	}
	if blank(p.CompletedAt) {
		return nil, invariant("calendar event %s: completion requires completedAt", id)
	}
	ce.Status, ce.CompletedAt, ce.UpdatedAt = document.CalendarCompleted, p.CompletedAt, e.Timestamp

	next := doc.Clone()
	next.CalendarEvents = put(doc.CalendarEvents, id, ce)
	return next, nil
}

func calendarEventCancelled(doc *document.Document, e events.Event) (*document.Document, error) {
	id, err := targetID(e)
	if err != nil {
		return nil, err
	}
	ce, ok := doc.CalendarEvents[id]
	if !ok {
		return nil, notFound("calendar event", id)
	}
	if ce.Status == document.CalendarCompleted {
		return nil, invariant("calendar event %s is already completed", id)
	}
	ce.Status, ce.UpdatedAt = document.CalendarCancelled, e.Timestamp

	next := doc.Clone()
	next.CalendarEvents = put(doc.CalendarEvents, id, ce)
	return next, nil
}

func calendarEventDeleted(doc *document.Document, e events.Event) (*document.Document, error) {
	id, err := targetID(e)
	if err != nil {
		return nil, err
	}
	if _, ok := doc.CalendarEvents[id]; !ok {
		return nil, notFound("calendar event", id)
	}
	next := doc.Clone()
	next.CalendarEvents = remove(doc.CalendarEvents, id)
	next.Links = withoutLinks(doc.Links, document.EntityCalendarEvent, id)
	return next, nil
}
