// Package document defines the CRM aggregate derived from the event log.
//
// A Document is treated as an immutable value: reducers build the next
// version by cloning only the collections they touch, so older versions stay
// valid for callers still holding them.
package document

import "maps"

// EntityType names an entity collection for polymorphic links.
type EntityType string

const (
	EntityOrganization  EntityType = "organization"
	EntityAccount       EntityType = "account"
	EntityContact       EntityType = "contact"
	EntityNote          EntityType = "note"
	EntityInteraction   EntityType = "interaction"
	EntityCalendarEvent EntityType = "calendarEvent"
	EntityAudit         EntityType = "audit"
)

// Calendar event statuses.
const (
	CalendarScheduled = "scheduled"
	CalendarCompleted = "completed"
	CalendarCancelled = "cancelled"
)

// Audit statuses.
const (
	AuditInProgress = "in-progress"
	AuditComplete   = "completed"
)

type Organization struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Industry  string `json:"industry,omitempty"`
	Website   string `json:"website,omitempty"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

type Account struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organizationId"`
	Name           string `json:"name"`
	Status         string `json:"status,omitempty"`
	CreatedAt      string `json:"createdAt"`
	UpdatedAt      string `json:"updatedAt"`
}

type Contact struct {
	ID             string `json:"id"`
	FirstName      string `json:"firstName"`
	LastName       string `json:"lastName,omitempty"`
	Email          string `json:"email,omitempty"`
	Phone          string `json:"phone,omitempty"`
	Title          string `json:"title,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`
	CreatedAt      string `json:"createdAt"`
	UpdatedAt      string `json:"updatedAt"`
}

type Note struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	Body      string `json:"body"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

type Interaction struct {
	ID         string `json:"id"`
	ContactID  string `json:"contactId,omitempty"`
	Kind       string `json:"kind"`
	Summary    string `json:"summary,omitempty"`
	OccurredAt string `json:"occurredAt"`
	CreatedAt  string `json:"createdAt"`
	UpdatedAt  string `json:"updatedAt"`
}

type CalendarEvent struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	StartsAt    string `json:"startsAt"`
	EndsAt      string `json:"endsAt,omitempty"`
	Status      string `json:"status,omitempty"`
	CompletedAt string `json:"completedAt,omitempty"`
	ContactID   string `json:"contactId,omitempty"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
}

type Audit struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organizationId"`
	Title          string `json:"title"`
	Status         string `json:"status"`
	Score          *int   `json:"score,omitempty"`
	StartedAt      string `json:"startedAt"`
	CompletedAt    string `json:"completedAt,omitempty"`
}

// Link relates any two entities.
type Link struct {
	ID         string     `json:"id"`
	SourceType EntityType `json:"sourceType"`
	SourceID   string     `json:"sourceId"`
	TargetType EntityType `json:"targetType"`
	TargetID   string     `json:"targetId"`
	CreatedAt  string     `json:"createdAt"`
}

// NoteParent is the legacy single-parent relation, superseded by Link.
type NoteParent struct {
	ParentType EntityType `json:"parentType"`
	ParentID   string     `json:"parentId"`
}

type GeneralSettings struct {
	Locale   string `json:"locale"`
	Currency string `json:"currency"`
}

type SyncSettings struct {
	AutoSync         bool `json:"autoSync"`
	DiscoveryEnabled bool `json:"discoveryEnabled"`
}

type BackupSettings struct {
	Interval       string `json:"interval"`
	RetentionCount int    `json:"retentionCount"`
}

// Settings holds user preferences. Sections added in later releases may be
// absent in old snapshots until Normalize fills them in.
type Settings struct {
	General   *GeneralSettings `json:"general,omitempty"`
	Sync      *SyncSettings    `json:"sync,omitempty"`
	Backup    *BackupSettings  `json:"backup,omitempty"`
	UpdatedAt string           `json:"updatedAt,omitempty"`
}

// Document is the aggregate root.
type Document struct {
	Organizations  map[string]Organization  `json:"organizations"`
	Accounts       map[string]Account       `json:"accounts"`
	Contacts       map[string]Contact       `json:"contacts"`
	Notes          map[string]Note          `json:"notes"`
	Interactions   map[string]Interaction   `json:"interactions"`
	CalendarEvents map[string]CalendarEvent `json:"calendarEvents"`
	Audits         map[string]Audit         `json:"audits"`
	Links          map[string]Link          `json:"links"`
	Settings       Settings                 `json:"settings"`

	// NoteParents is only read from old snapshots.
	NoteParents map[string]NoteParent `json:"noteParents,omitempty"`
}

// New returns an empty document with default settings.
func New() *Document {
	return &Document{
		Organizations:  map[string]Organization{},
		Accounts:       map[string]Account{},
		Contacts:       map[string]Contact{},
		Notes:          map[string]Note{},
		Interactions:   map[string]Interaction{},
		CalendarEvents: map[string]CalendarEvent{},
		Audits:         map[string]Audit{},
		Links:          map[string]Link{},
		Settings:       DefaultSettings(),
	}
}

// DefaultSettings returns settings with every section populated.
func DefaultSettings() Settings {
	return Settings{
		General: defaultGeneral(),
		Sync:    defaultSync(),
		Backup:  defaultBackup(),
	}
}

func defaultGeneral() *GeneralSettings {
	return &GeneralSettings{Locale: "en", Currency: "USD"}
}

func defaultSync() *SyncSettings {
	return &SyncSettings{AutoSync: true, DiscoveryEnabled: true}
}

func defaultBackup() *BackupSettings {
	return &BackupSettings{Interval: "weekly", RetentionCount: 5}
}

// Clone returns a shallow copy sharing every collection with d. Callers that
// modify a collection must replace it with a copy first (see the With*
// helpers).
func (d *Document) Clone() *Document {
	c := *d
	return &c
}

// DeepClone copies every collection.
func (d *Document) DeepClone() *Document {
	c := &Document{
		Organizations:  maps.Clone(d.Organizations),
		Accounts:       maps.Clone(d.Accounts),
		Contacts:       maps.Clone(d.Contacts),
		Notes:          maps.Clone(d.Notes),
		Interactions:   maps.Clone(d.Interactions),
		CalendarEvents: maps.Clone(d.CalendarEvents),
		Audits:         maps.Clone(d.Audits),
		Links:          maps.Clone(d.Links),
		Settings:       d.Settings.clone(),
		NoteParents:    maps.Clone(d.NoteParents),
	}
	return c
}

func (s Settings) clone() Settings {
	c := s
	if s.General != nil {
		g := *s.General
		c.General = &g
	}
	if s.Sync != nil {
		y := *s.Sync
		c.Sync = &y
	}
	if s.Backup != nil {
		b := *s.Backup
		c.Backup = &b
	}
	return c
}

// LinksFor returns the links that reference the entity from either side.
func (d *Document) LinksFor(t EntityType, id string) []Link {
	var out []Link
	for _, l := range d.Links {
		if (l.SourceType == t && l.SourceID == id) || (l.TargetType == t && l.TargetID == id) {
			out = append(out, l)
		}
	}
	return out
}

// Exists reports whether an entity of type t with id exists.
func (d *Document) Exists(t EntityType, id string) bool {
	var ok bool
	switch t {
	case EntityOrganization:
		_, ok = d.Organizations[id]
	case EntityAccount:
		_, ok = d.Accounts[id]
	case EntityContact:
		_, ok = d.Contacts[id]
	case EntityNote:
		_, ok = d.Notes[id]
	case EntityInteraction:
		_, ok = d.Interactions[id]
	case EntityCalendarEvent:
		_, ok = d.CalendarEvents[id]
	case EntityAudit:
		_, ok = d.Audits[id]
	}
	return ok
}

// ValidEntityType reports whether t names a collection.
func ValidEntityType(t EntityType) bool {
	switch t {
	case EntityOrganization, EntityAccount, EntityContact, EntityNote,
		EntityInteraction, EntityCalendarEvent, EntityAudit:
		return true
	}
	return false
}
