package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/crmorbit/backend/internal/crdt"
	"github.com/kimhsiao/crmorbit/backend/internal/db"
	"github.com/kimhsiao/crmorbit/backend/internal/document"
	"github.com/kimhsiao/crmorbit/backend/internal/events"
	"github.com/kimhsiao/crmorbit/backend/internal/models"
	"github.com/kimhsiao/crmorbit/backend/internal/reducer"
)

func newStore(t *testing.T) *db.Store {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate(context.Background()))
	return db.NewStore(database.DB)
}

// history builds a valid log where every event has a distinct timestamp.
func history() []events.Event {
	raw := []struct {
		typ     events.EventType
		entity  string
		payload string
	}{
		{events.OrganizationCreated, "o1", `{"name":"Acme"}`},
		{events.AccountCreated, "a1", `{"name":"Acme EU","organizationId":"o1"}`},
		{events.ContactCreated, "c1", `{"firstName":"Ada","organizationId":"o1"}`},
		{events.NoteCreated, "n1", `{"body":"intro"}`},
		{events.LinkCreated, "l1", `{"sourceType":"note","sourceId":"n1","targetType":"contact","targetId":"c1"}`},
		{events.ContactUpdated, "c1", `{"lastName":"Lovelace"}`},
		{events.CalendarEventScheduled, "e1", `{"title":"Demo","startsAt":"2024-05-01T09:00:00Z"}`},
		{events.CalendarEventCompleted, "e1", `{"completedAt":"2024-05-01T10:00:00Z"}`},
		{events.SettingsUpdated, "", `{"general":{"locale":"de"}}`},
		{events.LinkDeleted, "l1", `{}`},
	}
	out := make([]events.Event, len(raw))
	for i, r := range raw {
		out[i] = events.Event{
			ID:        fmt.Sprintf("evt-%d-1", 1000+i),
			Type:      r.typ,
			EntityID:  r.entity,
			Payload:   json.RawMessage(r.payload),
			Timestamp: fmt.Sprintf("2024-04-01T10:00:%02d.000Z", i),
			DeviceID:  "dev-a",
		}
	}
	return out
}

func snapshotAt(t *testing.T, evs []events.Event) models.Snapshot {
	t.Helper()
	doc, err := reducer.ApplyEvents(document.New(), evs)
	require.NoError(t, err)
	r := crdt.NewReplica()
	require.NoError(t, r.SetDocument(doc, "snapshot"))
	return models.Snapshot{ID: "snap", Doc: crdt.EncodeSnapshot(r), Timestamp: evs[len(evs)-1].Timestamp}
}

func toJSON(t *testing.T, d *document.Document) string {
	t.Helper()
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	return string(raw)
}

// TestLoadPersistedState_empty verifies an empty store yields an empty
// document.
func TestLoadPersistedState_empty(t *testing.T) {
	st, err := LoadPersistedState(context.Background(), newStore(t))
	require.NoError(t, err)
	assert.Equal(t, document.New(), st.Doc)
	assert.Empty(t, st.Events)
	assert.Empty(t, st.SnapshotAt)
}

// TestLoadPersistedState_replaysOnlyAfterSnapshot verifies events folded
// into the snapshot are not applied twice.
func TestLoadPersistedState_replaysOnlyAfterSnapshot(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	evs := history()

	require.NoError(t, store.PersistSnapshotAndEvents(ctx, snapshotAt(t, evs[:4]), evs[:4]))
	require.NoError(t, store.AppendEvents(ctx, evs[4:]))

	st, err := LoadPersistedState(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 6, st.Replayed)
	assert.Len(t, st.Events, len(evs))
	assert.Equal(t, evs[3].Timestamp, st.SnapshotAt)

	// replaying contact.created again would fail with a duplicate
	assert.Equal(t, "Lovelace", st.Doc.Contacts["c1"].LastName)

	fromReplica, err := st.Replica.Document()
	require.NoError(t, err)
	assert.JSONEq(t, toJSON(t, st.Doc), toJSON(t, fromReplica))
}

// TestProperty_SnapshotReplayEquivalence verifies that for any snapshot
// point the loaded document equals a full replay from empty.
func TestProperty_SnapshotReplayEquivalence(t *testing.T) {
	evs := history()
	full, err := reducer.ApplyEvents(document.New(), evs)
	require.NoError(t, err)
	want := toJSON(t, full)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("snapshot plus tail equals full replay", prop.ForAll(
		func(cut int) bool {
			ctx := context.Background()
			store := newStore(t)
			if err := store.PersistSnapshotAndEvents(ctx, snapshotAt(t, evs[:cut]), evs[:cut]); err != nil {
				return false
			}
			if err := store.AppendEvents(ctx, evs[cut:]); err != nil {
				return false
			}
			st, err := LoadPersistedState(ctx, store)
			if err != nil {
				return false
			}
			return toJSON(t, st.Doc) == want
		},
		gen.IntRange(1, len(evs)),
	))

	properties.TestingRun(t)
}

// TestLoadPersistedState_normalizesLegacySnapshot verifies schema drift in
// old snapshots is repaired on load.
func TestLoadPersistedState_normalizesLegacySnapshot(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	legacy := document.New()
	legacy.Notes["n1"] = document.Note{ID: "n1", Body: "x", CreatedAt: "t"}
	legacy.Contacts["c1"] = document.Contact{ID: "c1", FirstName: "Ada"}
	legacy.CalendarEvents["e1"] = document.CalendarEvent{ID: "e1", Title: "old", StartsAt: "t", CompletedAt: "t2"}
	legacy.Settings.Backup = nil
	legacy.NoteParents = map[string]document.NoteParent{"n1": {ParentType: document.EntityContact, ParentID: "c1"}}
	r := crdt.NewReplica()
	require.NoError(t, r.SetDocument(legacy, "legacy"))
	require.NoError(t, store.SaveSnapshot(ctx, models.Snapshot{ID: "old", Doc: crdt.EncodeSnapshot(r), Timestamp: "2020-01-01T00:00:00.000Z"}))

	st, err := LoadPersistedState(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, document.CalendarCompleted, st.Doc.CalendarEvents["e1"].Status)
	assert.NotNil(t, st.Doc.Settings.Backup)
	assert.Nil(t, st.Doc.NoteParents)
	assert.Contains(t, st.Doc.Links, document.LegacyLinkID("n1"))

	// the repaired document is written back so the legacy keys are gone
	fromReplica, err := st.Replica.Document()
	require.NoError(t, err)
	assert.Nil(t, fromReplica.NoteParents)
}

// TestLoadPersistedState_badEventFails verifies replay errors surface.
func TestLoadPersistedState_badEventFails(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.AppendEvents(ctx, []events.Event{{
		ID: "evt-1-1", Type: events.AccountCreated, EntityID: "a1",
		Payload: json.RawMessage(`{"name":"x","organizationId":"missing"}`), Timestamp: "t", DeviceID: "d",
	}}))

	_, err := LoadPersistedState(ctx, store)
	assert.Error(t, err)
}
