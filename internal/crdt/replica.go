// Package crdt adapts the automerge document library to the narrow replica
// contract used by the loader, the sync orchestrator and the QR protocol.
//
// Every entity is stored under a flat root key "<collection>/<id>" holding
// its JSON encoding, so concurrent creation of different entities never
// conflicts. Concurrent edits of one entity resolve last-writer-wins.
package crdt

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/automerge/automerge-go"

	"github.com/kimhsiao/crmorbit/backend/internal/document"
)

// Replica is the CRDT contract. Change sets are opaque bytes.
type Replica interface {
	// Heads returns the hex change hashes of the current heads, sorted.
	Heads() []string
	// ChangesSince encodes the changes not covered by heads. Unknown heads
	// yield the full history.
	ChangesSince(heads []string) (changes []byte, count int, err error)
	// ApplyChanges merges an encoded change set and returns its size.
	ApplyChanges(changes []byte) (int, error)
	// Save serializes the full replica.
	Save() []byte
	// Fork returns an independent copy.
	Fork() (Replica, error)
	// Document materializes the replica as a document.
	Document() (*document.Document, error)
	// SetDocument records the difference between the replica and doc as a
	// new change.
	SetDocument(doc *document.Document, message string) error
}

const settingsKey = "settings"

const (
	colOrganizations  = "organizations"
	colAccounts       = "accounts"
	colContacts       = "contacts"
	colNotes          = "notes"
	colInteractions   = "interactions"
	colCalendarEvents = "calendarEvents"
	colAudits         = "audits"
	colLinks          = "links"
	colNoteParents    = "noteParents"
)

// AutomergeReplica implements Replica on an automerge document.
type AutomergeReplica struct {
	doc *automerge.Doc
}

var _ Replica = (*AutomergeReplica)(nil)

// NewReplica returns an empty replica.
func NewReplica() *AutomergeReplica {
	return &AutomergeReplica{doc: automerge.New()}
}

// LoadReplica restores a replica saved with Save.
func LoadReplica(raw []byte) (*AutomergeReplica, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load replica: %w", err)
	}
	return &AutomergeReplica{doc: doc}, nil
}

// LoadReplicaBase64 restores a replica from its snapshot encoding.
func LoadReplicaBase64(s string) (*AutomergeReplica, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return LoadReplica(raw)
}

// EncodeSnapshot returns the base64 form stored in snapshot rows.
func EncodeSnapshot(r Replica) string {
	return base64.StdEncoding.EncodeToString(r.Save())
}

func (r *AutomergeReplica) Heads() []string {
	hs := r.doc.Heads()
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.String()
	}
	sort.Strings(out)
	return out
}

func (r *AutomergeReplica) ChangesSince(heads []string) ([]byte, int, error) {
	since := make([]automerge.ChangeHash, 0, len(heads))
	for _, h := range heads {
		ch, err := automerge.NewChangeHash(h)
		if err != nil {
			since = nil
			break
		}
		since = append(since, ch)
	}

	chs, err := r.doc.Changes(since...)
	if err != nil && len(since) > 0 {
		chs, err = r.doc.Changes()
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to collect changes: %w", err)
	}
	if len(chs) == 0 {
		return nil, 0, nil
	}
	return automerge.SaveChanges(chs), len(chs), nil
}

func (r *AutomergeReplica) ApplyChanges(raw []byte) (int, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	chs, err := automerge.LoadChanges(raw)
	if err != nil {
		return 0, fmt.Errorf("failed to decode changes: %w", err)
	}
	if err := r.doc.Apply(chs...); err != nil {
		return 0, fmt.Errorf("failed to apply changes: %w", err)
	}
	return len(chs), nil
}

func (r *AutomergeReplica) Save() []byte {
	return r.doc.Save()
}

func (r *AutomergeReplica) Fork() (Replica, error) {
	f, err := r.doc.Fork()
	if err != nil {
		return nil, fmt.Errorf("failed to fork replica: %w", err)
	}
	return &AutomergeReplica{doc: f}, nil
}

// entries returns the raw JSON stored under every root key.
func (r *AutomergeReplica) entries() (map[string]string, error) {
	root := r.doc.RootMap()
	keys, err := root.Keys()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		v, err := root.Get(k)
		if err != nil {
			return nil, err
		}
		if v.Kind() != automerge.KindStr {
			continue
		}
		out[k] = v.Str()
	}
	return out, nil
}

func (r *AutomergeReplica) Document() (*document.Document, error) {
	entries, err := r.entries()
	if err != nil {
		return nil, fmt.Errorf("failed to read replica: %w", err)
	}
	doc := document.New()
	for key, raw := range entries {
		if key == settingsKey {
			var s document.Settings
			if err := json.Unmarshal([]byte(raw), &s); err != nil {
				return nil, fmt.Errorf("decode settings: %w", err)
			}
			doc.Settings = s
			continue
		}
		col, id, ok := strings.Cut(key, "/")
		if !ok {
			continue
		}
		if err := decodeInto(doc, col, id, raw); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
	}
	return doc, nil
}

func decodeInto(doc *document.Document, col, id, raw string) error {
	switch col {
	case colOrganizations:
		return decodeEntry(doc.Organizations, id, raw)
	case colAccounts:
		return decodeEntry(doc.Accounts, id, raw)
	case colContacts:
		return decodeEntry(doc.Contacts, id, raw)
	case colNotes:
		return decodeEntry(doc.Notes, id, raw)
	case colInteractions:
		return decodeEntry(doc.Interactions, id, raw)
	case colCalendarEvents:
		return decodeEntry(doc.CalendarEvents, id, raw)
	case colAudits:
		return decodeEntry(doc.Audits, id, raw)
	case colLinks:
		return decodeEntry(doc.Links, id, raw)
	case colNoteParents:
		if doc.NoteParents == nil {
			doc.NoteParents = map[string]document.NoteParent{}
		}
		return decodeEntry(doc.NoteParents, id, raw)
	}
	return nil
}

func decodeEntry[V any](m map[string]V, id, raw string) error {
	var v V
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return err
	}
	m[id] = v
	return nil
}

// flatten renders doc as root key → JSON.
func flatten(doc *document.Document) (map[string]string, error) {
	out := make(map[string]string)
	if err := encodeAll(out, colOrganizations, doc.Organizations); err != nil {
		return nil, err
	}
	if err := encodeAll(out, colAccounts, doc.Accounts); err != nil {
		return nil, err
	}
	if err := encodeAll(out, colContacts, doc.Contacts); err != nil {
		return nil, err
	}
	if err := encodeAll(out, colNotes, doc.Notes); err != nil {
		return nil, err
	}
	if err := encodeAll(out, colInteractions, doc.Interactions); err != nil {
		return nil, err
	}
	if err := encodeAll(out, colCalendarEvents, doc.CalendarEvents); err != nil {
		return nil, err
	}
	if err := encodeAll(out, colAudits, doc.Audits); err != nil {
		return nil, err
	}
	if err := encodeAll(out, colLinks, doc.Links); err != nil {
		return nil, err
	}
	if err := encodeAll(out, colNoteParents, doc.NoteParents); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(doc.Settings)
	if err != nil {
		return nil, err
	}
	out[settingsKey] = string(raw)
	return out, nil
}

func encodeAll[V any](out map[string]string, col string, m map[string]V) error {
	for id, v := range m {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s/%s: %w", col, id, err)
		}
		out[col+"/"+id] = string(raw)
	}
	return nil
}

func (r *AutomergeReplica) SetDocument(doc *document.Document, message string) error {
	want, err := flatten(doc)
	if err != nil {
		return err
	}
	have, err := r.entries()
	if err != nil {
		return fmt.Errorf("failed to read replica: %w", err)
	}

	root := r.doc.RootMap()
	dirty := false
	keys := make([]string, 0, len(want))
	for k := range want {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if have[k] == want[k] {
			continue
		}
		if err := root.Set(k, want[k]); err != nil {
			return fmt.Errorf("failed to set %s: %w", k, err)
		}
		dirty = true
	}
	for k := range have {
		if _, ok := want[k]; ok {
			continue
		}
		if err := root.Delete(k); err != nil {
			return fmt.Errorf("failed to delete %s: %w", k, err)
		}
		dirty = true
	}
	if !dirty {
		return nil
	}
	if message == "" {
		message = "update"
	}
	if _, err := r.doc.Commit(message); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}
