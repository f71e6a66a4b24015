// Package reducer folds ordered events into document state.
//
// Every event type has exactly one reducer. Reducers validate references,
// uniqueness and domain invariants before producing the next document, and
// never modify the document they are given.
package reducer

import (
	"fmt"

	"github.com/kimhsiao/crmorbit/backend/internal/document"
	apperrors "github.com/kimhsiao/crmorbit/backend/internal/errors"
	"github.com/kimhsiao/crmorbit/backend/internal/events"
)

// Reducer produces the next document for one event.
type Reducer func(doc *document.Document, e events.Event) (*document.Document, error)

// Registry maps event types to reducers.
type Registry struct {
	reducers map[events.EventType]Reducer
}

// NewRegistry builds a registry from an explicit table.
func NewRegistry(table map[events.EventType]Reducer) *Registry {
	r := &Registry{reducers: make(map[events.EventType]Reducer, len(table))}
	for t, fn := range table {
		r.reducers[t] = fn
	}
	return r
}

// DefaultRegistry returns the registry covering every known event type.
func DefaultRegistry() *Registry {
	return NewRegistry(map[events.EventType]Reducer{
		events.OrganizationCreated: organizationCreated,
		events.OrganizationUpdated: organizationUpdated,
		events.OrganizationDeleted: organizationDeleted,

		events.AccountCreated: accountCreated,
		events.AccountUpdated: accountUpdated,
		events.AccountDeleted: accountDeleted,

		events.ContactCreated: contactCreated,
		events.ContactUpdated: contactUpdated,
		events.ContactDeleted: contactDeleted,

		events.NoteCreated: noteCreated,
		events.NoteUpdated: noteUpdated,
		events.NoteDeleted: noteDeleted,

		events.InteractionLogged:  interactionLogged,
		events.InteractionUpdated: interactionUpdated,
		events.InteractionDeleted: interactionDeleted,

		events.CalendarEventScheduled: calendarEventScheduled,
		events.CalendarEventUpdated:   calendarEventUpdated,
		events.CalendarEventCompleted: calendarEventCompleted,
		events.CalendarEventCancelled: calendarEventCancelled,
		events.CalendarEventDeleted:   calendarEventDeleted,

		events.AuditStarted:   auditStarted,
		events.AuditCompleted: auditCompleted,
		events.AuditDeleted:   auditDeleted,

		events.LinkCreated: linkCreated,
		events.LinkDeleted: linkDeleted,

		events.SettingsUpdated: settingsUpdated,
	})
}

// Has reports whether a reducer is registered for t.
func (r *Registry) Has(t events.EventType) bool {
	_, ok := r.reducers[t]
	return ok
}

// Apply folds a single event.
func (r *Registry) Apply(doc *document.Document, e events.Event) (*document.Document, error) {
	fn, ok := r.reducers[e.Type]
	if !ok {
		return doc, apperrors.Newf(apperrors.ErrUnknownEventType, "no reducer registered for event %s type %q", e.ID, e.Type)
	}
	next, err := fn(doc, e)
	if err != nil {
		return doc, fmt.Errorf("apply %s (%s): %w", e.ID, e.Type, err)
	}
	return next, nil
}

// ApplyEvents sorts evs and folds them in order. If any event fails, the
// original document is returned together with the error.
func (r *Registry) ApplyEvents(doc *document.Document, evs []events.Event) (*document.Document, error) {
	if doc == nil {
		doc = document.New()
	}
	next := doc
	for _, e := range events.SortEvents(evs) {
		var err error
		next, err = r.Apply(next, e)
		if err != nil {
			return doc, err
		}
	}
	return next, nil
}

var defaultRegistry = DefaultRegistry()

// ApplyEvents folds evs using the default registry.
func ApplyEvents(doc *document.Document, evs []events.Event) (*document.Document, error) {
	return defaultRegistry.ApplyEvents(doc, evs)
}

// Registered reports whether the default registry handles t.
func Registered(t events.EventType) bool {
	return defaultRegistry.Has(t)
}
