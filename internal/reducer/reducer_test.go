package reducer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/crmorbit/backend/internal/document"
	apperrors "github.com/kimhsiao/crmorbit/backend/internal/errors"
	"github.com/kimhsiao/crmorbit/backend/internal/events"
)

var seq int

func mk(typ events.EventType, entityID, payload string) events.Event {
	seq++
	return events.Event{
		ID:        "evt-1000-" + itoa(seq),
		Type:      typ,
		EntityID:  entityID,
		Payload:   json.RawMessage(payload),
		Timestamp: "2024-03-01T10:00:00.000Z",
		DeviceID:  "dev-a",
	}
}

func itoa(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}

func seeded(t *testing.T) *document.Document {
	t.Helper()
	doc, err := ApplyEvents(document.New(), []events.Event{
		mk(events.OrganizationCreated, "o1", `{"name":"Acme"}`),
		mk(events.AccountCreated, "a1", `{"name":"Acme EU","organizationId":"o1"}`),
		mk(events.ContactCreated, "c1", `{"firstName":"Ada","organizationId":"o1"}`),
		mk(events.NoteCreated, "n1", `{"body":"met at expo"}`),
		mk(events.LinkCreated, "l1", `{"sourceType":"note","sourceId":"n1","targetType":"contact","targetId":"c1"}`),
		mk(events.CalendarEventScheduled, "ce1", `{"title":"Demo","startsAt":"2024-03-02T09:00:00Z","contactId":"c1"}`),
		mk(events.AuditStarted, "au1", `{"title":"Q1","organizationId":"o1"}`),
	})
	require.NoError(t, err)
	return doc
}

// TestDefaultRegistry_coversEveryType verifies no known type is left without
// a reducer.
func TestDefaultRegistry_coversEveryType(t *testing.T) {
	r := DefaultRegistry()
	for _, typ := range events.KnownTypes() {
		assert.True(t, r.Has(typ), "missing reducer for %s", typ)
	}
	assert.Len(t, r.reducers, len(events.KnownTypes()))
}

// TestApplyEvents_unknownType verifies unknown types fail loudly.
func TestApplyEvents_unknownType(t *testing.T) {
	doc := document.New()
	_, err := ApplyEvents(doc, []events.Event{mk("contact.exploded", "c1", `{}`)})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrUnknownEventType))
}

// TestApplyEvents_allOrNothing verifies a failing event discards the batch.
func TestApplyEvents_allOrNothing(t *testing.T) {
	doc := seeded(t)
	before := doc.DeepClone()

	got, err := ApplyEvents(doc, []events.Event{
		mk(events.ContactCreated, "c2", `{"firstName":"Grace"}`),
		mk(events.ContactCreated, "c1", `{"firstName":"Dup"}`),
	})

	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrDuplicate))
	assert.Same(t, doc, got)
	assert.Equal(t, before, doc)
	assert.NotContains(t, doc.Contacts, "c2")
}

// TestApplyEvents_inputNotMutated verifies reducers copy on write.
func TestApplyEvents_inputNotMutated(t *testing.T) {
	doc := seeded(t)
	before := doc.DeepClone()

	next, err := ApplyEvents(doc, []events.Event{
		mk(events.ContactUpdated, "c1", `{"lastName":"Lovelace"}`),
		mk(events.LinkDeleted, "l1", `{}`),
		mk(events.SettingsUpdated, "", `{"general":{"locale":"de"}}`),
		mk(events.OrganizationUpdated, "o1", `{"website":"acme.test"}`),
	})

	require.NoError(t, err)
	assert.Equal(t, before, doc)
	assert.Equal(t, "Lovelace", next.Contacts["c1"].LastName)
	assert.Equal(t, "Ada", next.Contacts["c1"].FirstName)
	assert.Equal(t, "de", next.Settings.General.Locale)
	assert.Equal(t, "USD", next.Settings.General.Currency)
	assert.Equal(t, "Acme", next.Organizations["o1"].Name)
	assert.Empty(t, next.Links)
}

// TestReducers_rules verifies reference, uniqueness and invariant checks.
func TestReducers_rules(t *testing.T) {
	unlinked := []events.Event{mk(events.LinkDeleted, "l1", `{}`)}
	withInteraction := []events.Event{
		mk(events.LinkDeleted, "l1", `{}`),
		mk(events.CalendarEventDeleted, "ce1", `{}`),
		mk(events.InteractionLogged, "i9", `{"kind":"call","contactId":"c1"}`),
	}

	tests := []struct {
		name  string
		prior []events.Event
		ev    events.Event
		code  apperrors.ErrorCode
	}{
		{"account needs organization", nil, mk(events.AccountCreated, "a2", `{"name":"x","organizationId":"missing"}`), apperrors.ErrNotFound},
		{"organization delete blocked by account", nil, mk(events.OrganizationDeleted, "o1", `{}`), apperrors.ErrInvariant},
		{"contact delete blocked by link", nil, mk(events.ContactDeleted, "c1", `{}`), apperrors.ErrInvariant},
		{"contact delete blocked by calendar event", unlinked, mk(events.ContactDeleted, "c1", `{}`), apperrors.ErrInvariant},
		{"contact delete blocked by interaction", withInteraction, mk(events.ContactDeleted, "c1", `{}`), apperrors.ErrInvariant},
		{"duplicate organization", nil, mk(events.OrganizationCreated, "o1", `{"name":"again"}`), apperrors.ErrDuplicate},
		{"update unknown contact", nil, mk(events.ContactUpdated, "c404", `{"firstName":"x"}`), apperrors.ErrNotFound},
		{"audit completion needs score", nil, mk(events.AuditCompleted, "au1", `{}`), apperrors.ErrInvariant},
		{"audit score range", nil, mk(events.AuditCompleted, "au1", `{"score":101}`), apperrors.ErrInvariant},
		{"calendar completion needs completedAt", nil, mk(events.CalendarEventCompleted, "ce1", `{}`), apperrors.ErrInvariant},
		{"calendar status completed without completedAt", nil, mk(events.CalendarEventUpdated, "ce1", `{"status":"completed"}`), apperrors.ErrInvariant},
		{"link to missing entity", nil, mk(events.LinkCreated, "l2", `{"sourceType":"note","sourceId":"n1","targetType":"account","targetId":"nope"}`), apperrors.ErrNotFound},
		{"duplicate link pair", nil, mk(events.LinkCreated, "l3", `{"sourceType":"note","sourceId":"n1","targetType":"contact","targetId":"c1"}`), apperrors.ErrDuplicate},
		{"missing entity id", nil, mk(events.NoteCreated, "", `{"body":"x"}`), apperrors.ErrValidation},
		{"malformed payload", nil, mk(events.NoteCreated, "n2", `{"body":`), apperrors.ErrValidation},
		{"contact requires first name", nil, mk(events.ContactCreated, "c2", `{"lastName":"x"}`), apperrors.ErrValidation},
		{"bad backup interval", nil, mk(events.SettingsUpdated, "", `{"backup":{"interval":"hourly"}}`), apperrors.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := seeded(t)
			if tt.prior != nil {
				var err error
				doc, err = ApplyEvents(doc, tt.prior)
				require.NoError(t, err)
			}
			got, err := ApplyEvents(doc, []events.Event{tt.ev})
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, tt.code), "got %v", err)
			assert.Same(t, doc, got)
		})
	}
}

// TestReducers_lifecycle walks a typical sequence of valid events.
func TestReducers_lifecycle(t *testing.T) {
	doc := seeded(t)

	doc, err := ApplyEvents(doc, []events.Event{
		mk(events.CalendarEventCompleted, "ce1", `{"completedAt":"2024-03-02T10:00:00Z"}`),
		mk(events.AuditCompleted, "au1", `{"score":87}`),
		mk(events.InteractionLogged, "i1", `{"kind":"call","contactId":"c1","summary":"follow up"}`),
		mk(events.LinkDeleted, "l1", `{}`),
	})
	require.NoError(t, err)

	assert.Equal(t, document.CalendarCompleted, doc.CalendarEvents["ce1"].Status)
	require.NotNil(t, doc.Audits["au1"].Score)
	assert.Equal(t, 87, *doc.Audits["au1"].Score)
	assert.Equal(t, document.AuditComplete, doc.Audits["au1"].Status)
	assert.Equal(t, "2024-03-01T10:00:00.000Z", doc.Interactions["i1"].OccurredAt)

	// references go first, then the contact
	doc, err = ApplyEvents(doc, []events.Event{
		mk(events.InteractionDeleted, "i1", `{}`),
		mk(events.CalendarEventDeleted, "ce1", `{}`),
		mk(events.ContactDeleted, "c1", `{}`),
	})
	require.NoError(t, err)
	assert.NotContains(t, doc.Contacts, "c1")

	doc, err = ApplyEvents(doc, []events.Event{
		mk(events.AuditDeleted, "au1", `{}`),
		mk(events.AccountDeleted, "a1", `{}`),
		mk(events.OrganizationDeleted, "o1", `{}`),
	})
	require.NoError(t, err)
	assert.Empty(t, doc.Organizations)
}

// TestCalendarScheduled_defaultsStatus verifies status derives from
// completedAt when absent.
func TestCalendarScheduled_defaultsStatus(t *testing.T) {
	doc, err := ApplyEvents(document.New(), []events.Event{
		mk(events.CalendarEventScheduled, "e1", `{"title":"past","startsAt":"t","completedAt":"t2"}`),
		mk(events.CalendarEventScheduled, "e2", `{"title":"future","startsAt":"t"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, document.CalendarCompleted, doc.CalendarEvents["e1"].Status)
	assert.Equal(t, document.CalendarScheduled, doc.CalendarEvents["e2"].Status)
}

// TestOrganizationDeleted_clearsContactReference verifies contacts survive
// their organization.
func TestOrganizationDeleted_clearsContactReference(t *testing.T) {
	doc, err := ApplyEvents(document.New(), []events.Event{
		mk(events.OrganizationCreated, "o1", `{"name":"Acme"}`),
		mk(events.ContactCreated, "c1", `{"firstName":"Ada","organizationId":"o1"}`),
	})
	require.NoError(t, err)

	next, err := ApplyEvents(doc, []events.Event{mk(events.OrganizationDeleted, "o1", `{}`)})
	require.NoError(t, err)
	assert.Equal(t, "", next.Contacts["c1"].OrganizationID)
	assert.Equal(t, "o1", doc.Contacts["c1"].OrganizationID)
}

// TestApplyEvents_ordersBeforeFolding verifies the fold follows event order,
// not slice order.
func TestApplyEvents_ordersBeforeFolding(t *testing.T) {
	create := events.Event{ID: "evt-1-1", Type: events.OrganizationCreated, EntityID: "o1", Payload: json.RawMessage(`{"name":"Acme"}`), Timestamp: "2024-01-01T00:00:00.000Z", DeviceID: "d"}
	account := events.Event{ID: "evt-2-1", Type: events.AccountCreated, EntityID: "a1", Payload: json.RawMessage(`{"name":"A","organizationId":"o1"}`), Timestamp: "2024-01-01T00:00:01.000Z", DeviceID: "d"}

	doc, err := ApplyEvents(document.New(), []events.Event{account, create})
	require.NoError(t, err)
	assert.Contains(t, doc.Accounts, "a1")
}
