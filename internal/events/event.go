// Package events defines the immutable event record and the total order used
// to replay events deterministically on every device.
package events

import (
	"encoding/json"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/crmorbit/backend/internal/errors"
)

// EventType tags an event with the reducer that folds it.
type EventType string

const (
	OrganizationCreated EventType = "organization.created"
	OrganizationUpdated EventType = "organization.updated"
	OrganizationDeleted EventType = "organization.deleted"

	AccountCreated EventType = "account.created"
	AccountUpdated EventType = "account.updated"
	AccountDeleted EventType = "account.deleted"

	ContactCreated EventType = "contact.created"
	ContactUpdated EventType = "contact.updated"
	ContactDeleted EventType = "contact.deleted"

	NoteCreated EventType = "note.created"
	NoteUpdated EventType = "note.updated"
	NoteDeleted EventType = "note.deleted"

	InteractionLogged  EventType = "interaction.logged"
	InteractionUpdated EventType = "interaction.updated"
	InteractionDeleted EventType = "interaction.deleted"

	CalendarEventScheduled EventType = "calendarEvent.scheduled"
	CalendarEventUpdated   EventType = "calendarEvent.updated"
	CalendarEventCompleted EventType = "calendarEvent.completed"
	CalendarEventCancelled EventType = "calendarEvent.cancelled"
	CalendarEventDeleted   EventType = "calendarEvent.deleted"

	AuditStarted   EventType = "audit.started"
	AuditCompleted EventType = "audit.completed"
	AuditDeleted   EventType = "audit.deleted"

	LinkCreated EventType = "link.created"
	LinkDeleted EventType = "link.deleted"

	SettingsUpdated EventType = "settings.updated"
)

var knownTypes = []EventType{
	OrganizationCreated, OrganizationUpdated, OrganizationDeleted,
	AccountCreated, AccountUpdated, AccountDeleted,
	ContactCreated, ContactUpdated, ContactDeleted,
	NoteCreated, NoteUpdated, NoteDeleted,
	InteractionLogged, InteractionUpdated, InteractionDeleted,
	CalendarEventScheduled, CalendarEventUpdated, CalendarEventCompleted, CalendarEventCancelled, CalendarEventDeleted,
	AuditStarted, AuditCompleted, AuditDeleted,
	LinkCreated, LinkDeleted,
	SettingsUpdated,
}

var knownSet = func() map[EventType]struct{} {
	m := make(map[EventType]struct{}, len(knownTypes))
	for _, t := range knownTypes {
		m[t] = struct{}{}
	}
	return m
}()

// KnownTypes returns every event type the system understands.
func KnownTypes() []EventType {
	out := make([]EventType, len(knownTypes))
	copy(out, knownTypes)
	return out
}

// Valid reports whether t is one of the known types.
func (t EventType) Valid() bool {
	_, ok := knownSet[t]
	return ok
}

// TimestampLayout is the canonical event timestamp format. Fixed-width
// milliseconds keep lexicographic order equal to chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp renders t in UTC using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Event is an immutable fact appended to the log.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	EntityID  string          `json:"entityId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
	DeviceID  string          `json:"deviceId"`
}

// Validate checks required fields and that the type is known.
func (e Event) Validate() error {
	switch {
	case strings.TrimSpace(e.ID) == "":
		return apperrors.New(apperrors.ErrValidation, "event id is required")
	case e.Type == "":
		return apperrors.Newf(apperrors.ErrValidation, "event %s: type is required", e.ID)
	case strings.TrimSpace(e.Timestamp) == "":
		return apperrors.Newf(apperrors.ErrValidation, "event %s: timestamp is required", e.ID)
	case strings.TrimSpace(e.DeviceID) == "":
		return apperrors.Newf(apperrors.ErrValidation, "event %s: deviceId is required", e.ID)
	case !e.Type.Valid():
		return apperrors.Newf(apperrors.ErrUnknownEventType, "event %s: unknown type %q", e.ID, e.Type)
	}
	return nil
}

// DecodePayload unmarshals the payload into v. An empty payload decodes as {}.
func (e Event) DecodePayload(v interface{}) error {
	raw := e.Payload
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "event "+e.ID+" ("+string(e.Type)+"): malformed payload", err)
	}
	return nil
}
