package document

import "sort"

// Normalize repairs documents written by older releases. It returns a new
// document and never modifies d. Normalizing an already normalized document
// yields an equal document.
//
//   - legacy noteParents entries become note links
//   - missing collections and settings sections get defaults
//   - entries with an empty id or an id that differs from their key are dropped
//   - calendar events without a status derive it from completedAt
func Normalize(d *Document) *Document {
	if d == nil {
		return New()
	}
	n := d.DeepClone()

	n.Organizations = keepKeyed(n.Organizations, func(v Organization) string { return v.ID })
	n.Accounts = keepKeyed(n.Accounts, func(v Account) string { return v.ID })
	n.Contacts = keepKeyed(n.Contacts, func(v Contact) string { return v.ID })
	n.Notes = keepKeyed(n.Notes, func(v Note) string { return v.ID })
	n.Interactions = keepKeyed(n.Interactions, func(v Interaction) string { return v.ID })
	n.CalendarEvents = keepKeyed(n.CalendarEvents, func(v CalendarEvent) string { return v.ID })
	n.Audits = keepKeyed(n.Audits, func(v Audit) string { return v.ID })
	n.Links = keepKeyed(n.Links, func(v Link) string { return v.ID })

	for id, l := range n.Links {
		if l.SourceID == "" || l.TargetID == "" || !ValidEntityType(l.SourceType) || !ValidEntityType(l.TargetType) {
			delete(n.Links, id)
		}
	}

	migrateNoteParents(n)

	for id, ev := range n.CalendarEvents {
		if ev.Status == "" {
			ev.Status = DefaultCalendarStatus(ev.CompletedAt)
			n.CalendarEvents[id] = ev
		}
	}

	if n.Settings.General == nil {
		n.Settings.General = defaultGeneral()
	}
	if n.Settings.Sync == nil {
		n.Settings.Sync = defaultSync()
	}
	if n.Settings.Backup == nil {
		n.Settings.Backup = defaultBackup()
	}
	return n
}

// DefaultCalendarStatus derives a status for events recorded before statuses
// existed.
func DefaultCalendarStatus(completedAt string) string {
	if completedAt != "" {
		return CalendarCompleted
	}
	return CalendarScheduled
}

// LegacyLinkID is the id given to a link migrated from noteParents.
func LegacyLinkID(noteID string) string {
	return "link-note-" + noteID
}

func migrateNoteParents(n *Document) {
	if len(n.NoteParents) == 0 {
		n.NoteParents = nil
		return
	}
	noteIDs := make([]string, 0, len(n.NoteParents))
	for id := range n.NoteParents {
		noteIDs = append(noteIDs, id)
	}
	sort.Strings(noteIDs)

	for _, noteID := range noteIDs {
		p := n.NoteParents[noteID]
		if noteID == "" || p.ParentID == "" || !ValidEntityType(p.ParentType) {
			continue
		}
		if linked(n, noteID, p) {
			continue
		}
		id := LegacyLinkID(noteID)
		created := ""
		if note, ok := n.Notes[noteID]; ok {
			created = note.CreatedAt
		}
		n.Links[id] = Link{
			ID:         id,
			SourceType: EntityNote,
			SourceID:   noteID,
			TargetType: p.ParentType,
			TargetID:   p.ParentID,
			CreatedAt:  created,
		}
	}
	n.NoteParents = nil
}

func linked(n *Document, noteID string, p NoteParent) bool {
	for _, l := range n.Links {
		if l.SourceType == EntityNote && l.SourceID == noteID && l.TargetType == p.ParentType && l.TargetID == p.ParentID {
			return true
		}
	}
	return false
}

func keepKeyed[V any](m map[string]V, id func(V) string) map[string]V {
	if m == nil {
		return map[string]V{}
	}
	for k, v := range m {
		if k == "" || id(v) != k {
			delete(m, k)
		}
	}
	return m
}
