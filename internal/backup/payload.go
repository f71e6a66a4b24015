// Package backup creates, validates, encrypts and restores full backups of
// the event log and the latest snapshot.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/crmorbit/backend/internal/errors"
	"github.com/kimhsiao/crmorbit/backend/internal/events"
	"github.com/kimhsiao/crmorbit/backend/internal/models"
	"github.com/kimhsiao/crmorbit/backend/internal/reducer"
)

// PayloadVersion is the only backup format version understood.
const PayloadVersion = 1

// BackupPayload is the plaintext content of a backup file.
type BackupPayload struct {
	Version    int              `json:"version"`
	CreatedAt  string           `json:"createdAt"`
	DeviceID   string           `json:"deviceId"`
	AppVersion string           `json:"appVersion,omitempty"`
	Events     []events.Event   `json:"events"`
	Snapshot   *models.Snapshot `json:"snapshot,omitempty"`
}

// CreateOptions describe the device producing the backup.
type CreateOptions struct {
	DeviceID   string
	AppVersion string
	// CreatedAt defaults to now.
	CreatedAt time.Time
}

// Source is the read side of the store a backup is taken from.
type Source interface {
	LoadLatestSnapshot(ctx context.Context) (*models.Snapshot, error)
	ListEvents(ctx context.Context) ([]events.Event, error)
}

// CreateBackupPayload reads the latest snapshot and the whole event log.
// Every event payload must be a JSON object.
func CreateBackupPayload(ctx context.Context, src Source, opts CreateOptions) (*BackupPayload, error) {
	if strings.TrimSpace(opts.DeviceID) == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "deviceId is required")
	}
	created := opts.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	snap, err := src.LoadLatestSnapshot(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "failed to load snapshot", err)
	}
	all, err := src.ListEvents(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "failed to list events", err)
	}

	out := make([]events.Event, 0, len(all))
	for _, e := range all {
		var obj map[string]json.RawMessage
		if err := e.DecodePayload(&obj); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrExportFailed,
				fmt.Sprintf("event %s (%s): malformed payload", e.ID, e.Type), err)
		}
		if len(e.Payload) == 0 {
			e.Payload = json.RawMessage("{}")
		}
		out = append(out, e)
	}

	return &BackupPayload{
		Version:    PayloadVersion,
		CreatedAt:  events.FormatTimestamp(created),
		DeviceID:   opts.DeviceID,
		AppVersion: opts.AppVersion,
		Events:     events.SortEvents(out),
		Snapshot:   snap,
	}, nil
}

// =====================================================
// Parsing
// =====================================================

func invalid(format string, args ...interface{}) error {
	return apperrors.Newf(apperrors.ErrValidation, "invalid backup payload: "+format, args...)
}

// fields decodes a JSON object without losing the raw form of its members.
func fields(raw json.RawMessage, what string) (map[string]json.RawMessage, error) {
	if !isKind(raw, '{') {
		return nil, invalid("%s must be an object", what)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, invalid("%s: %v", what, err)
	}
	return m, nil
}

func isKind(raw json.RawMessage, first byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == first
}

// requiredString returns a non-blank string member.
func requiredString(m map[string]json.RawMessage, key, what string) (string, error) {
	raw, ok := m[key]
	if !ok || !isKind(raw, '"') {
		return "", invalid("%s.%s must be a string", what, key)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", invalid("%s.%s: %v", what, key, err)
	}
	if strings.TrimSpace(s) == "" {
		return "", invalid("%s.%s must not be empty", what, key)
	}
	return s, nil
}

// optionalString returns "" when the member is absent or null.
func optionalString(m map[string]json.RawMessage, key, what string) (string, error) {
	raw, ok := m[key]
	if !ok || string(bytes.TrimSpace(raw)) == "null" {
		return "", nil
	}
	if !isKind(raw, '"') {
		return "", invalid("%s.%s must be a string", what, key)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", invalid("%s.%s: %v", what, key, err)
	}
	return s, nil
}

// ParseBackupPayload validates untrusted backup JSON. The returned events are
// sorted and their ids are unique.
func ParseBackupPayload(raw []byte) (*BackupPayload, error) {
	top, err := fields(raw, "payload")
	if err != nil {
		return nil, err
	}

	var version int
	v, ok := top["version"]
	if !ok {
		return nil, invalid("version is required")
	}
	if err := json.Unmarshal(v, &version); err != nil || version != PayloadVersion {
		return nil, apperrors.Newf(apperrors.ErrUnsupportedVersion, "unsupported backup version %s", string(v))
	}

	p := &BackupPayload{Version: version}
	if p.CreatedAt, err = requiredString(top, "createdAt", "payload"); err != nil {
		return nil, err
	}
	if p.DeviceID, err = requiredString(top, "deviceId", "payload"); err != nil {
		return nil, err
	}
	if p.AppVersion, err = optionalString(top, "appVersion", "payload"); err != nil {
		return nil, err
	}

	rawEvents, ok := top["events"]
	if !ok || !isKind(rawEvents, '[') {
		return nil, invalid("events must be an array")
	}
	var items []json.RawMessage
	if err := json.Unmarshal(rawEvents, &items); err != nil {
		return nil, invalid("events: %v", err)
	}

	seen := make(map[string]struct{}, len(items))
	p.Events = make([]events.Event, 0, len(items))
	for i, item := range items {
		e, err := parseEvent(item, i)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[e.ID]; dup {
			return nil, apperrors.Newf(apperrors.ErrDuplicate, "invalid backup payload: duplicate event id %s", e.ID)
		}
		seen[e.ID] = struct{}{}
		p.Events = append(p.Events, e)
	}
	p.Events = events.SortEvents(p.Events)

	if rawSnap, ok := top["snapshot"]; ok && string(bytes.TrimSpace(rawSnap)) != "null" {
		snap, err := parseSnapshot(rawSnap)
		if err != nil {
			return nil, err
		}
		p.Snapshot = snap
	}
	return p, nil
}

func parseEvent(raw json.RawMessage, index int) (events.Event, error) {
	what := fmt.Sprintf("events[%d]", index)
	m, err := fields(raw, what)
	if err != nil {
		return events.Event{}, err
	}

	var e events.Event
	if e.ID, err = requiredString(m, "id", what); err != nil {
		return e, err
	}
	typ, err := requiredString(m, "type", what)
	if err != nil {
		return e, err
	}
	e.Type = events.EventType(typ)
	if !reducer.Registered(e.Type) {
		return e, apperrors.Newf(apperrors.ErrUnknownEventType, "invalid backup payload: %s has unregistered type %q", what, typ)
	}
	if e.Timestamp, err = requiredString(m, "timestamp", what); err != nil {
		return e, err
	}
	if e.DeviceID, err = requiredString(m, "deviceId", what); err != nil {
		return e, err
	}
	if e.EntityID, err = optionalString(m, "entityId", what); err != nil {
		return e, err
	}

	payload, ok := m["payload"]
	switch {
	case !ok || string(bytes.TrimSpace(payload)) == "null":
		e.Payload = json.RawMessage("{}")
	case isKind(payload, '{'):
		var compact bytes.Buffer
		if err := json.Compact(&compact, payload); err != nil {
			return e, invalid("%s.payload: %v", what, err)
		}
		e.Payload = json.RawMessage(compact.Bytes())
	default:
		return e, invalid("%s.payload must be an object", what)
	}
	return e, nil
}

func parseSnapshot(raw json.RawMessage) (*models.Snapshot, error) {
	m, err := fields(raw, "snapshot")
	if err != nil {
		return nil, err
	}
	var s models.Snapshot
	if s.ID, err = requiredString(m, "id", "snapshot"); err != nil {
		return nil, err
	}
	if s.Doc, err = requiredString(m, "doc", "snapshot"); err != nil {
		return nil, err
	}
	if s.Timestamp, err = requiredString(m, "timestamp", "snapshot"); err != nil {
		return nil, err
	}
	return &s, nil
}

// MarshalBackupPayload serializes a payload as compact JSON.
func MarshalBackupPayload(p *BackupPayload) ([]byte, error) {
	if p.Events == nil {
		c := *p
		c.Events = []events.Event{}
		p = &c
	}
	return json.Marshal(p)
}
