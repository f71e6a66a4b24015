package document

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const legacySnapshot = `{
  "organizations": {"o1": {"id": "o1", "name": "Acme", "createdAt": "t", "updatedAt": "t"}},
  "contacts": {"c1": {"id": "c1", "firstName": "Ada", "createdAt": "t", "updatedAt": "t"},
               "": {"id": "", "firstName": "ghost"},
               "c2": {"id": "c9", "firstName": "mismatch"}},
  "notes": {"n1": {"id": "n1", "body": "hello", "createdAt": "t0", "updatedAt": "t0"}},
  "calendarEvents": {
    "e1": {"id": "e1", "title": "done", "startsAt": "t", "completedAt": "t2"},
    "e2": {"id": "e2", "title": "later", "startsAt": "t"}
  },
  "links": {"bad": {"id": "bad", "sourceType": "note", "sourceId": "", "targetType": "contact", "targetId": "c1"}},
  "settings": {"general": {"locale": "fr", "currency": "EUR"}},
  "noteParents": {"n1": {"parentType": "contact", "parentId": "c1"}}
}`

func decodeLegacy(t *testing.T) *Document {
	t.Helper()
	var d Document
	require.NoError(t, json.Unmarshal([]byte(legacySnapshot), &d))
	return &d
}

// TestNormalize_legacySnapshot verifies every repair applied on load.
func TestNormalize_legacySnapshot(t *testing.T) {
	in := decodeLegacy(t)
	n := Normalize(in)

	// legacy parents migrate into links
	assert.Nil(t, n.NoteParents)
	link, ok := n.Links[LegacyLinkID("n1")]
	require.True(t, ok)
	assert.Equal(t, Link{ID: "link-note-n1", SourceType: EntityNote, SourceID: "n1", TargetType: EntityContact, TargetID: "c1", CreatedAt: "t0"}, link)

	// malformed entries dropped
	assert.NotContains(t, n.Links, "bad")
	assert.Len(t, n.Contacts, 1)
	assert.Contains(t, n.Contacts, "c1")

	// calendar status defaults
	assert.Equal(t, CalendarCompleted, n.CalendarEvents["e1"].Status)
	assert.Equal(t, CalendarScheduled, n.CalendarEvents["e2"].Status)

	// settings: existing section kept, missing sections defaulted
	assert.Equal(t, "fr", n.Settings.General.Locale)
	require.NotNil(t, n.Settings.Sync)
	require.NotNil(t, n.Settings.Backup)

	// missing collections are created
	assert.NotNil(t, n.Accounts)
	assert.NotNil(t, n.Audits)
	assert.NotNil(t, n.Interactions)

	// input untouched
	assert.Len(t, in.NoteParents, 1)
	assert.Len(t, in.Contacts, 3)
}

// TestNormalize_idempotent verifies normalizing twice changes nothing.
func TestNormalize_idempotent(t *testing.T) {
	once := Normalize(decodeLegacy(t))
	twice := Normalize(once)
	assert.Equal(t, once, twice)

	fresh := New()
	assert.Equal(t, fresh, Normalize(fresh))
}

// TestNormalize_existingLinkNotDuplicated verifies a parent already linked is
// not migrated twice.
func TestNormalize_existingLinkNotDuplicated(t *testing.T) {
	d := New()
	d.Notes["n1"] = Note{ID: "n1", Body: "x"}
	d.Links["l1"] = Link{ID: "l1", SourceType: EntityNote, SourceID: "n1", TargetType: EntityContact, TargetID: "c1"}
	d.NoteParents = map[string]NoteParent{"n1": {ParentType: EntityContact, ParentID: "c1"}}

	n := Normalize(d)
	assert.Len(t, n.Links, 1)
	assert.Nil(t, n.NoteParents)
}

// TestDocument_LinksFor verifies links are found from both ends.
func TestDocument_LinksFor(t *testing.T) {
	d := New()
	d.Links["l1"] = Link{ID: "l1", SourceType: EntityNote, SourceID: "n1", TargetType: EntityContact, TargetID: "c1"}
	d.Links["l2"] = Link{ID: "l2", SourceType: EntityContact, SourceID: "c1", TargetType: EntityAccount, TargetID: "a1"}
	d.Links["l3"] = Link{ID: "l3", SourceType: EntityNote, SourceID: "n2", TargetType: EntityAccount, TargetID: "a1"}

	assert.Len(t, d.LinksFor(EntityContact, "c1"), 2)
	assert.Len(t, d.LinksFor(EntityAccount, "a1"), 2)
	assert.Empty(t, d.LinksFor(EntityContact, "c2"))
}

// TestDocument_DeepClone verifies collections are not shared.
func TestDocument_DeepClone(t *testing.T) {
	d := New()
	d.Contacts["c1"] = Contact{ID: "c1"}
	c := d.DeepClone()
	c.Contacts["c2"] = Contact{ID: "c2"}
	c.Settings.General.Locale = "de"

	assert.Len(t, d.Contacts, 1)
	assert.Equal(t, "en", d.Settings.General.Locale)
}
